package key

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// referenceJWKS holds one RSA encryption key, one symmetric key and one
// EC signing key with well-known thumbprints.
const referenceJWKS = `{
  "keys": [
    {
      "n": "zkpUgEgXICI54blf6iWiD2RbMDCOO1jV0VSff1MFFnujM4othfMsad7H1kRo50YM5S_X9TdvrpdOfpz5aBaKFhT6Ziv0nhtcekq1eRl8mjBlvGKCE5XGk-0LFSDwvqgkJoFYInq7bu0a4JEzKs5AyJY75YlGh879k1Uu2Sv3ZZOunfV1O1Orta-NvS-aG_jN5cstVbCGWE20H0vFVrJKNx0Zf-u-aA-syM4uX7wdWgQ-owoEMHge0GmGgzso2lwOYf_4znanLwEuO3p5aabEaFoKNR4K6GjQcjBcYmDEE4CtfRU9AEmhcD1kleiTB9TjPWkgDmT9MXsGxBHf3AKT5w",
      "e": "AQAB",
      "kty": "RSA",
      "kid": "5-VBFv40P8D4I-7SFz7hMugTbPs",
      "use": "enc"
    },
    {
      "k": "YTEyZjBlMDgxMGI4YWU4Y2JjZDFiYTFlZTBjYzljNDU3YWM0ZWNiNzhmNmFlYTNkNTY0NzMzYjE",
      "kty": "oct",
      "use": "enc"
    },
    {
      "kty": "EC",
      "kid": "7snis",
      "use": "sig",
      "x": "q0WbWhflRbxyQZKFuQvh2nZvg98ak-twRoO5uo2L7Po",
      "y": "GOd2jL_6wa0cfnyA0SmEhok9fkYEnAHFKLLM79BZ8_E",
      "crv": "P-256"
    }
  ]
}`

func referenceDescriptors(t *testing.T) []map[string]any {
	t.Helper()
	var parsed struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal([]byte(referenceJWKS), &parsed); err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return parsed.Keys
}

func TestParseUsage(t *testing.T) {
	tests := []struct {
		in      string
		want    Usage
		wantErr bool
	}{
		{in: "sign", want: UsageSign},
		{in: "verify", want: UsageVerify},
		{in: "encrypt", want: UsageEncrypt},
		{in: "decrypt", want: UsageDecrypt},
		{in: "Sign", want: UsageSign},
		{in: "seal", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUsage(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidUsage) {
					t.Fatalf("expected ErrInvalidUsage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppropriateForSigningKey(t *testing.T) {
	k, err := Generate(Spec{Type: "RSA", Use: []string{"sig"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	raw, err := k.AppropriateFor(UsageSign)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, ok := raw.(*rsa.PrivateKey); !ok {
		t.Fatalf("sign material is %T, want *rsa.PrivateKey", raw)
	}

	raw, err = k.AppropriateFor(UsageVerify)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, ok := raw.(*rsa.PublicKey); !ok {
		t.Fatalf("verify material is %T, want *rsa.PublicKey", raw)
	}

	// A signing key never serves encryption, even though the RSA
	// material technically could.
	if _, err := k.AppropriateFor(UsageEncrypt); !errors.Is(err, ErrWrongUsage) {
		t.Fatalf("encrypt with sig key: expected ErrWrongUsage, got %v", err)
	}
	if _, err := k.AppropriateFor(Usage("seal")); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("bogus usage: expected ErrInvalidUsage, got %v", err)
	}
}

func TestAppropriateForEncryptionKey(t *testing.T) {
	k, err := Generate(Spec{Type: "RSA", Use: []string{"enc"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := k.AppropriateFor(UsageEncrypt); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := k.AppropriateFor(UsageDecrypt); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if _, err := k.AppropriateFor(UsageSign); !errors.Is(err, ErrWrongUsage) {
		t.Fatalf("sign with enc key: expected ErrWrongUsage, got %v", err)
	}
}

func TestAppropriateForPublicOnlyKey(t *testing.T) {
	descs := referenceDescriptors(t)
	// EC descriptor: public members only, use sig.
	k, err := FromDescriptor(descs[2])
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if k.HasPrivate() {
		t.Fatal("public key reports private material")
	}
	if _, err := k.AppropriateFor(UsageVerify); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := k.AppropriateFor(UsageSign); !errors.Is(err, ErrWrongUsage) {
		t.Fatalf("sign without private material: expected ErrWrongUsage, got %v", err)
	}
}

func TestSymmetricFromRawSecret(t *testing.T) {
	k, err := FromDescriptor(map[string]any{"kty": "oct", "key": "supersecret", "use": "sig"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !k.HasPrivate() {
		t.Fatal("symmetric key must count as private")
	}
	raw, err := k.AppropriateFor(UsageSign)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	secret, ok := raw.([]byte)
	if !ok {
		t.Fatalf("material is %T, want []byte", raw)
	}
	if string(secret) != "supersecret" {
		t.Fatalf("secret round-trip got %q", secret)
	}
}

func TestFromDescriptorUnknownType(t *testing.T) {
	_, err := FromDescriptor(map[string]any{"kty": "XYZ", "use": "sig"})
	if !errors.Is(err, ErrUnknownKeyType) {
		t.Fatalf("expected ErrUnknownKeyType, got %v", err)
	}
}

func TestSupported(t *testing.T) {
	for _, tag := range []string{"RSA", "rsa", "EC", "oct", "OKP"} {
		if !Supported(tag) {
			t.Fatalf("%q should be supported", tag)
		}
	}
	if Supported("XYZ") {
		t.Fatal("XYZ should not be supported")
	}
}

func TestThumbprints(t *testing.T) {
	expected := []string{
		"iA7PvG_DfJIeeqQcuXFmvUGjqBkda8In_uMpZrcodVA",
		"akXzyGlXg8yLhsCczKb_r8VERLx7-iZBUMIVgg2K7p4",
		"kLsuyGef1kfw5-t-N9CJLIHx_dpZ79-KemwqjwdrvTI",
	}
	for i, desc := range referenceDescriptors(t) {
		k, err := FromDescriptor(desc)
		if err != nil {
			t.Fatalf("key %d: %v", i, err)
		}
		tp, err := k.ThumbprintString()
		if err != nil {
			t.Fatalf("key %d thumbprint: %v", i, err)
		}
		if tp != expected[i] {
			t.Fatalf("key %d thumbprint %q, want %q", i, tp, expected[i])
		}
	}
}

func TestEqual(t *testing.T) {
	descs := referenceDescriptors(t)

	a, err := FromDescriptor(descs[0])
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Same material under a different kid still compares equal.
	renamed := make(map[string]any, len(descs[0]))
	for name, v := range descs[0] {
		renamed[name] = v
	}
	renamed["kid"] = "something-else"
	b, err := FromDescriptor(renamed)
	if err != nil {
		t.Fatalf("build renamed: %v", err)
	}
	if !a.Equal(b) {
		t.Fatal("kid must not affect equality")
	}

	// Same secret under a different use is a distinct key.
	sig, err := FromDescriptor(map[string]any{"kty": "oct", "key": "secret", "use": "sig"})
	if err != nil {
		t.Fatalf("build sig: %v", err)
	}
	enc, err := FromDescriptor(map[string]any{"kty": "oct", "key": "secret", "use": "enc"})
	if err != nil {
		t.Fatalf("build enc: %v", err)
	}
	if sig.Equal(enc) {
		t.Fatal("use must affect equality")
	}

	if a.Equal(nil) {
		t.Fatal("nil never compares equal")
	}
}

func TestCopyIndependence(t *testing.T) {
	k, err := Generate(Spec{Type: "EC", Use: []string{"sig"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dup, err := k.Copy()
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !k.Equal(dup) {
		t.Fatal("copy must be materially equal")
	}

	dup.SetInactiveSince(time.Now())
	if !k.IsActive() {
		t.Fatal("inactivating a copy must not touch the original")
	}
	if dup.IsActive() {
		t.Fatal("copy should be inactive")
	}

	dup.SetInactiveSince(time.Time{})
	if !dup.IsActive() {
		t.Fatal("zero timestamp restores activity")
	}
}
