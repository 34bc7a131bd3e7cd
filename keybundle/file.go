package keybundle

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/janste63/cryptojwt/key"
)

// readLocal reads and parses the source file into raw descriptors
// ready for the merge step.
func (kb *KeyBundle) readLocal() ([]map[string]any, error) {
	data, err := os.ReadFile(kb.source)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", kb.source, err)
	}
	switch kb.fileFormat {
	case FormatJWKS:
		descs, err := parseJWKSDescriptors(data)
		if err != nil {
			return nil, err
		}
		return kb.restrictUsage(descs), nil
	case FormatDER:
		raw, err := parseDER(data, kb.keyType)
		if err != nil {
			return nil, err
		}
		jk, err := jwk.FromRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("wrap der key: %w", err)
		}
		return kb.expandUsage(jk)
	case FormatPEM:
		jk, err := jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse pem: %w", err)
		}
		return kb.expandUsage(jk)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, kb.fileFormat)
}

// restrictUsage drops descriptors declaring a use outside the bundle's
// permitted set. Descriptors without a use facet pass.
func (kb *KeyBundle) restrictUsage(descs []map[string]any) []map[string]any {
	if len(kb.keyUsage) == 0 {
		return descs
	}
	kept := descs[:0]
	for _, desc := range descs {
		use, _ := desc["use"].(string)
		if use == "" || contains(kb.keyUsage, use) {
			kept = append(kept, desc)
		}
	}
	return kept
}

// expandUsage builds one descriptor per declared usage from a single
// raw key, assigning a thumbprint-derived kid.
func (kb *KeyBundle) expandUsage(jk jwk.Key) ([]map[string]any, error) {
	uses := kb.keyUsage
	if len(uses) == 0 {
		uses = []string{""}
	}
	descs := make([]map[string]any, 0, len(uses))
	for _, use := range uses {
		c, err := jk.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone key: %w", err)
		}
		if use != "" {
			if err := c.Set(jwk.KeyUsageKey, use); err != nil {
				return nil, fmt.Errorf("set use: %w", err)
			}
		}
		kid, err := key.FromJWK(c).ThumbprintString()
		if err != nil {
			return nil, fmt.Errorf("derive kid: %w", err)
		}
		if err := c.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, fmt.Errorf("set kid: %w", err)
		}
		desc, err := jwkToDescriptor(c)
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

func jwkToDescriptor(jk jwk.Key) (map[string]any, error) {
	data, err := json.Marshal(jk)
	if err != nil {
		return nil, fmt.Errorf("serialize key: %w", err)
	}
	var desc map[string]any
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return desc, nil
}

// parseDER decodes a single bare DER key. The keyType hint picks the
// legacy private encodings to try (PKCS#1 for RSA, SEC 1 for EC).
func parseDER(data []byte, keyType string) (any, error) {
	if k, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return k, nil
	}
	if strings.EqualFold(keyType, "EC") {
		if k, err := x509.ParseECPrivateKey(data); err == nil {
			return k, nil
		}
	} else {
		if k, err := x509.ParsePKCS1PrivateKey(data); err == nil {
			return k, nil
		}
	}
	if k, err := x509.ParsePKIXPublicKey(data); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS1PublicKey(data); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("undecodable der key material")
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// InitKey loads a single key from a JWK file, generating and persisting
// a fresh one when the file is missing or holds a key that no longer
// matches the spec's type or kid.
func InitKey(filename string, spec key.Spec) (*key.Key, error) {
	if data, err := os.ReadFile(filename); err == nil {
		if jk, err := jwk.ParseKey(data); err == nil {
			k := key.FromJWK(jk)
			if strings.EqualFold(k.Kty(), spec.Type) && (spec.Kid == "" || spec.Kid == k.Kid()) {
				return k, nil
			}
		}
	}
	k, err := key.Generate(spec)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(k.JWK())
	if err != nil {
		return nil, fmt.Errorf("serialize key: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return nil, fmt.Errorf("write %s: %w", filename, err)
	}
	return k, nil
}

// RSAInitConfig describes an RSAInit provisioning run.
type RSAInitConfig struct {
	Use  []string
	Size int
	// Path/Name select where private PEM files are written; no files
	// are written when Path is empty.
	Path string
	Name string
}

// RSAInit builds a bundle of fresh RSA keys, one per declared use, and
// optionally provisions them on disk as PKCS#1 PEM files named
// <path>/<name>_<use>.
func RSAInit(cfg RSAInitConfig) (*KeyBundle, error) {
	uses := cfg.Use
	if len(uses) == 0 {
		uses = []string{"sig"}
	}
	keys, err := key.GenerateAll(key.Spec{Type: "RSA", Use: uses, Size: cfg.Size})
	if err != nil {
		return nil, err
	}
	if cfg.Path != "" {
		name := cfg.Name
		if name == "" {
			name = "key"
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", cfg.Path, err)
		}
		for _, k := range keys {
			var priv *rsa.PrivateKey
			if err := k.JWK().Raw(&priv); err != nil {
				return nil, fmt.Errorf("extract private key: %w", err)
			}
			block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
			fname := filepath.Join(cfg.Path, fmt.Sprintf("%s_%s", name, k.Use()))
			if err := os.WriteFile(fname, pem.EncodeToMemory(block), 0o600); err != nil {
				return nil, fmt.Errorf("write %s: %w", fname, err)
			}
		}
	}
	kb, err := New(Config{})
	if err != nil {
		return nil, err
	}
	kb.Extend(keys)
	return kb, nil
}

// DumpJWKS writes the aggregated active keys of several bundles to a
// JWK-Set file, with the same private/symmetric opt-ins as JWKS.
func DumpJWKS(bundles []*KeyBundle, filename string, private, symmetricToo bool) error {
	var all []*key.Key
	for _, kb := range bundles {
		all = append(all, kb.ActiveKeys()...)
	}
	doc, err := jwksDocument(all, private, symmetricToo)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, doc, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}
