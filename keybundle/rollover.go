package keybundle

import (
	"crypto/rsa"
	"strings"

	"github.com/janste63/cryptojwt/key"
)

// Diff is a declarative delta between a bundle's active keys and a
// target key specification. Empty lists are omitted entirely when the
// diff is serialized.
type Diff struct {
	Add []*key.Key `json:"add,omitempty"`
	Del []*key.Key `json:"del,omitempty"`
}

// Empty reports whether the diff changes anything.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Add) == 0 && len(d.Del) == 0)
}

// KeyDiff compares the bundle's active keys against a target spec by
// (type, curve-or-size) signature, multiset style: each spec entry
// claims at most one active key. Spec entries with no claimable key
// produce freshly generated "add" entries; active keys no spec claims
// end up in "del". Deterministic and idempotent for a fixed input.
func KeyDiff(kb *KeyBundle, specs []key.Spec) (*Diff, error) {
	active := kb.ActiveKeys()
	used := make(map[*key.Key]bool, len(active))
	var d Diff
	for _, spec := range specs {
		uses := spec.Use
		if len(uses) == 0 {
			uses = []string{""}
		}
		for _, use := range uses {
			var match *key.Key
			for _, k := range active {
				if !used[k] && specMatches(k, spec, use) {
					match = k
					break
				}
			}
			if match != nil {
				used[match] = true
				continue
			}
			single := spec
			single.Use = nil
			if use != "" {
				single.Use = []string{use}
			}
			fresh, err := key.Generate(single)
			if err != nil {
				return nil, err
			}
			d.Add = append(d.Add, fresh)
		}
	}
	for _, k := range active {
		if !used[k] {
			d.Del = append(d.Del, k)
		}
	}
	return &d, nil
}

// specMatches decides whether an active key satisfies one (spec, use)
// slot of the target.
func specMatches(k *key.Key, spec key.Spec, use string) bool {
	if !strings.EqualFold(k.Kty(), spec.Type) {
		return false
	}
	if use != "" && k.Use() != use {
		return false
	}
	if spec.Kid != "" && k.Kid() != spec.Kid {
		return false
	}
	switch strings.ToLower(spec.Type) {
	case "ec":
		crv := spec.Crv
		if crv == "" {
			crv = key.DefaultECCrv
		}
		return k.Crv() == crv
	case "okp":
		crv := spec.Crv
		if crv == "" {
			crv = key.DefaultOKPCrv
		}
		return k.Crv() == crv
	case "rsa":
		return spec.Size == 0 || keySize(k) == spec.Size
	case "oct":
		return spec.Bytes == 0 || keySize(k) == spec.Bytes
	}
	return true
}

// keySize is the signature-relevant size: RSA modulus bits or
// symmetric secret bytes.
func keySize(k *key.Key) int {
	var raw any
	if err := k.JWK().Raw(&raw); err != nil {
		return 0
	}
	switch r := raw.(type) {
	case *rsa.PrivateKey:
		return r.N.BitLen()
	case *rsa.PublicKey:
		return r.N.BitLen()
	case []byte:
		return len(r)
	}
	return 0
}

// UpdateKeyBundle applies a diff: "add" keys are appended active,
// "del" keys are marked inactive so they stay queryable with GetAll.
func UpdateKeyBundle(kb *KeyBundle, d *Diff) {
	if d == nil {
		return
	}
	kb.Extend(d.Add)
	now := kb.now()
	for _, k := range d.Del {
		if k.IsActive() {
			k.SetInactiveSince(now)
		}
	}
}

// KeyRollover derives a new bundle holding entirely fresh key material
// matching the input's active keys, plus duplicates of every input key
// marked inactive, preserving signature continuity across the rotation.
// The input bundle is not mutated.
func KeyRollover(kb *KeyBundle) (*KeyBundle, error) {
	out, err := New(Config{}, WithClock(kb.now))
	if err != nil {
		return nil, err
	}
	for _, k := range kb.ActiveKeys() {
		fresh, err := key.Generate(specOf(k))
		if err != nil {
			return nil, err
		}
		out.Append(fresh)
	}
	now := kb.now()
	for _, k := range kb.Keys() {
		dup, err := k.Copy()
		if err != nil {
			return nil, err
		}
		if dup.IsActive() {
			dup.SetInactiveSince(now)
		}
		out.Append(dup)
	}
	return out, nil
}

// specOf reads a generation spec back out of an existing key. The kid
// is deliberately not carried: fresh material gets a fresh identifier.
func specOf(k *key.Key) key.Spec {
	spec := key.Spec{Type: k.Kty()}
	if use := k.Use(); use != "" {
		spec.Use = []string{use}
	}
	switch strings.ToLower(k.Kty()) {
	case "ec", "okp":
		spec.Crv = k.Crv()
	case "rsa":
		spec.Size = keySize(k)
	case "oct":
		spec.Bytes = keySize(k)
	}
	return spec
}

// BuildKeyBundle constructs a bundle from key specs, generating one
// fresh key per declared use of every entry. Duplicated specs yield
// duplicate (independently generated) keys.
func BuildKeyBundle(specs []key.Spec, opts ...Option) (*KeyBundle, error) {
	kb, err := New(Config{}, opts...)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		keys, err := key.GenerateAll(spec)
		if err != nil {
			return nil, err
		}
		kb.Extend(keys)
	}
	return kb, nil
}

// UniqueKeys deduplicates a flat list gathered from several bundles by
// material equality, keeping first occurrences in order.
func UniqueKeys(keys []*key.Key) []*key.Key {
	var out []*key.Key
	for _, k := range keys {
		dup := false
		for _, seen := range out {
			if seen.Equal(k) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}
