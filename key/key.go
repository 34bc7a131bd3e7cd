// Package key holds a single JSON Web Key together with its lifecycle
// metadata, and resolves requested usages (sign/verify/encrypt/decrypt)
// against the key's declared facet and available material.
package key

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidUsage   = errors.New("invalid key usage")
	ErrWrongUsage     = errors.New("key not usable for requested usage")
	ErrUnknownKeyType = errors.New("unknown key type")
)

// Usage is a requested operation on a key.
type Usage string

const (
	UsageSign    Usage = "sign"
	UsageVerify  Usage = "verify"
	UsageEncrypt Usage = "encrypt"
	UsageDecrypt Usage = "decrypt"
)

// ParseUsage maps a usage name to a Usage, failing with ErrInvalidUsage
// on unrecognized names.
func ParseUsage(s string) (Usage, error) {
	switch Usage(strings.ToLower(s)) {
	case UsageSign, UsageVerify, UsageEncrypt, UsageDecrypt:
		return Usage(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUsage, s)
}

// facet returns the use facet ("sig" or "enc") the usage belongs to and
// whether it requires private material.
func (u Usage) facet() (string, bool, error) {
	switch u {
	case UsageSign:
		return "sig", true, nil
	case UsageVerify:
		return "sig", false, nil
	case UsageEncrypt:
		return "enc", false, nil
	case UsageDecrypt:
		return "enc", true, nil
	}
	return "", false, fmt.Errorf("%w: %q", ErrInvalidUsage, string(u))
}

// Key is one cryptographic key plus bundle lifecycle metadata. The JWK
// fields are immutable after construction; the only mutable state is the
// inactivity timestamp.
type Key struct {
	jwk           jwk.Key
	inactiveSince time.Time
}

// FromJWK wraps an already built JWK.
func FromJWK(k jwk.Key) *Key {
	return &Key{jwk: k}
}

// JWK exposes the underlying JWK value.
func (k *Key) JWK() jwk.Key { return k.jwk }

// Kty returns the key type tag (RSA, EC, oct, OKP).
func (k *Key) Kty() string { return k.jwk.KeyType().String() }

// Kid returns the key identifier. Advisory, not guaranteed unique.
func (k *Key) Kid() string { return k.jwk.KeyID() }

// Use returns the declared use facet ("sig", "enc" or empty).
func (k *Key) Use() string { return k.jwk.KeyUsage() }

// Alg returns the declared algorithm, empty when unset.
func (k *Key) Alg() string {
	if a := k.jwk.Algorithm(); a != nil {
		return a.String()
	}
	return ""
}

// Crv returns the curve name for EC/OKP keys, empty otherwise.
func (k *Key) Crv() string {
	if v, ok := k.jwk.Get("crv"); ok {
		if s, ok := v.(fmt.Stringer); ok {
			return s.String()
		}
	}
	return ""
}

// InactiveSince returns the time the key was rotated out; zero while active.
func (k *Key) InactiveSince() time.Time { return k.inactiveSince }

// SetInactiveSince records the inactivation timestamp. Setting the zero
// time restores the key to the active partition.
func (k *Key) SetInactiveSince(t time.Time) { k.inactiveSince = t }

// IsActive reports whether the key is in the active partition.
func (k *Key) IsActive() bool { return k.inactiveSince.IsZero() }

// HasPrivate reports whether private material is available. Symmetric
// keys always count as private.
func (k *Key) HasPrivate() bool {
	switch k.jwk.(type) {
	case jwk.RSAPrivateKey, jwk.ECDSAPrivateKey, jwk.OKPPrivateKey, jwk.SymmetricKey:
		return true
	}
	return false
}

// PublicJWK returns the public portion of the key. For symmetric keys
// this is the key itself.
func (k *Key) PublicJWK() (jwk.Key, error) {
	return k.jwk.PublicKey()
}

// AppropriateFor resolves the requested usage to concrete raw key
// material, or fails closed: an unrecognized usage yields
// ErrInvalidUsage; a use-facet mismatch or missing required material
// yields ErrWrongUsage even when the material would technically work.
func (k *Key) AppropriateFor(usage Usage) (any, error) {
	facet, needPrivate, err := usage.facet()
	if err != nil {
		return nil, err
	}
	if u := k.Use(); u != "" && u != facet {
		return nil, fmt.Errorf("%w: key use %q, requested %q", ErrWrongUsage, u, string(usage))
	}
	if needPrivate && !k.HasPrivate() {
		return nil, fmt.Errorf("%w: no private material for %q", ErrWrongUsage, string(usage))
	}

	src := k.jwk
	if !needPrivate {
		pub, err := k.jwk.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("derive public key: %w", err)
		}
		src = pub
	}
	var raw any
	if err := src.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract raw key: %w", err)
	}
	return raw, nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of the key's
// essential public members.
func (k *Key) Thumbprint() ([]byte, error) {
	return k.jwk.Thumbprint(crypto.SHA256)
}

// ThumbprintString returns the thumbprint in base64url form, the shape
// commonly used as a generated kid.
func (k *Key) ThumbprintString() (string, error) {
	tp, err := k.Thumbprint()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// Equal reports material equality: same type tag, same declared use and
// same thumbprint. Identity and kid play no part, so the same key
// arriving from two sources compares equal.
func (k *Key) Equal(other *Key) bool {
	if other == nil {
		return false
	}
	if k.Kty() != other.Kty() || k.Use() != other.Use() {
		return false
	}
	a, err := k.Thumbprint()
	if err != nil {
		return false
	}
	b, err := other.Thumbprint()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Copy duplicates the key, private material and inactivity timestamp
// included. Bundles copy keys rather than share them so inactivation in
// one bundle can never be observed through another.
func (k *Key) Copy() (*Key, error) {
	c, err := k.jwk.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone jwk: %w", err)
	}
	return &Key{jwk: c, inactiveSince: k.inactiveSince}, nil
}
