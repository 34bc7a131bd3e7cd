package key

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Builder turns a raw JWK descriptor into a typed Key.
type Builder func(desc map[string]any) (*Key, error)

// builders maps a lowercased kty tag to its constructor. The set is
// closed: RSA, EC, oct and OKP. Descriptors with any other tag are
// skipped during ingestion rather than rejected, so a bundle keeps
// working against endpoints that serve key types from newer specs.
var builders = map[string]Builder{
	"rsa": buildAsymmetric,
	"ec":  buildAsymmetric,
	"okp": buildAsymmetric,
	"oct": buildSymmetric,
}

// Supported reports whether the type tag is recognized, case-insensitively.
func Supported(tag string) bool {
	_, ok := builders[strings.ToLower(tag)]
	return ok
}

// FromDescriptor builds a typed Key from a raw JWK descriptor. An
// unrecognized kty yields ErrUnknownKeyType; callers ingesting whole
// sets treat that as skip, not failure.
func FromDescriptor(desc map[string]any) (*Key, error) {
	tag, _ := desc["kty"].(string)
	b, ok := builders[strings.ToLower(tag)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyType, tag)
	}
	return b(desc)
}

func buildAsymmetric(desc map[string]any) (*Key, error) {
	return parseDescriptor(desc)
}

// buildSymmetric accepts the JWK "k" member or, as a convenience kept
// from the original API, a raw secret under "key".
func buildSymmetric(desc map[string]any) (*Key, error) {
	if _, ok := desc["k"]; !ok {
		if secret, ok := desc["key"].(string); ok {
			clone := make(map[string]any, len(desc))
			for name, v := range desc {
				if name == "key" {
					continue
				}
				clone[name] = v
			}
			clone["k"] = base64.RawURLEncoding.EncodeToString([]byte(secret))
			desc = clone
		}
	}
	return parseDescriptor(desc)
}

func parseDescriptor(desc map[string]any) (*Key, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	k, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	return &Key{jwk: k}, nil
}
