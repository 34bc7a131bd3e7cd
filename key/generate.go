package key

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/x25519"
)

// Defaults applied when a Spec leaves the knob unset.
const (
	DefaultRSASize  = 2048
	DefaultECCrv    = "P-256"
	DefaultOKPCrv   = "Ed25519"
	DefaultOctBytes = 32
)

// Spec is a declarative description of a key to generate or to match
// during a diff. It is consumed transiently, never persisted.
type Spec struct {
	Type  string   `json:"type" yaml:"type"`
	Use   []string `json:"use,omitempty" yaml:"use,omitempty"`
	Crv   string   `json:"crv,omitempty" yaml:"crv,omitempty"`
	Size  int      `json:"size,omitempty" yaml:"size,omitempty"`
	Bytes int      `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Kid   string   `json:"kid,omitempty" yaml:"kid,omitempty"`
}

// Generate creates one fresh key from the spec. When the spec declares
// several uses only the first is applied; GenerateAll expands one key
// per use.
func Generate(spec Spec) (*Key, error) {
	use := ""
	if len(spec.Use) > 0 {
		use = spec.Use[0]
	}
	return generate(spec, use)
}

// GenerateAll creates one fresh key per declared use (a single key when
// no use is declared).
func GenerateAll(spec Spec) ([]*Key, error) {
	uses := spec.Use
	if len(uses) == 0 {
		uses = []string{""}
	}
	keys := make([]*Key, 0, len(uses))
	for _, use := range uses {
		k, err := generate(spec, use)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func generate(spec Spec, use string) (*Key, error) {
	raw, err := generateRaw(spec)
	if err != nil {
		return nil, err
	}
	jk, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("wrap generated key: %w", err)
	}
	if use != "" {
		if err := jk.Set(jwk.KeyUsageKey, use); err != nil {
			return nil, fmt.Errorf("set use: %w", err)
		}
	}
	k := &Key{jwk: jk}
	kid := spec.Kid
	if kid == "" {
		kid, err = k.ThumbprintString()
		if err != nil {
			return nil, fmt.Errorf("derive kid: %w", err)
		}
	}
	if err := jk.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, fmt.Errorf("set kid: %w", err)
	}
	return k, nil
}

func generateRaw(spec Spec) (any, error) {
	switch strings.ToLower(spec.Type) {
	case "rsa":
		size := spec.Size
		if size == 0 {
			size = DefaultRSASize
		}
		priv, err := rsa.GenerateKey(rand.Reader, size)
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}
		return priv, nil
	case "ec":
		crv, err := curveOf(spec.Crv)
		if err != nil {
			return nil, err
		}
		priv, err := ecdsa.GenerateKey(crv, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate EC key: %w", err)
		}
		return priv, nil
	case "okp":
		crv := spec.Crv
		if crv == "" {
			crv = DefaultOKPCrv
		}
		switch crv {
		case "Ed25519":
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("generate Ed25519 key: %w", err)
			}
			return priv, nil
		case "X25519":
			_, priv, err := x25519.GenerateKey(rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("generate X25519 key: %w", err)
			}
			return priv, nil
		default:
			return nil, fmt.Errorf("%w: OKP curve %q", ErrUnknownKeyType, crv)
		}
	case "oct":
		n := spec.Bytes
		if n == 0 {
			n = DefaultOctBytes
		}
		secret := make([]byte, n)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate symmetric key: %w", err)
		}
		return secret, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKeyType, spec.Type)
}

func curveOf(crv string) (elliptic.Curve, error) {
	if crv == "" {
		crv = DefaultECCrv
	}
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("%w: EC curve %q", ErrUnknownKeyType, crv)
}
