// Package keybundle owns a set of JSON Web Keys tied to one logical
// source (inline data, a local file or a remote JWK-Set endpoint) and
// keeps it current without ever breaking cryptographic continuity:
// keys that rotate out of the source are marked inactive, never
// silently deleted, so signatures made during their active window keep
// validating.
//
// Concurrency: a KeyBundle performs no internal locking. Callers
// sharing one bundle serialize their own access; Update is idempotent
// and always safe to call again.
package keybundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/httpcc"

	"github.com/janste63/cryptojwt/key"
)

var (
	ErrUnknownSourceScheme = errors.New("unknown source scheme")
	ErrUnsupportedFormat   = errors.New("unsupported file format")
)

// DefaultCacheTime is the local poll interval and the remote expiry
// fallback when the response carries no caching hint.
const DefaultCacheTime = 5 * time.Minute

// File formats accepted for local sources. Remote sources are always jwks.
const (
	FormatJWKS = "jwks"
	FormatDER  = "der"
	FormatPEM  = "pem"
)

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceLocal
	sourceRemote
)

// resolveSource classifies a locator: empty (inline-only), a bare or
// file:// path, or an http(s) URL. Any other scheme is fatal.
func resolveSource(src string) (sourceKind, string, error) {
	switch {
	case src == "":
		return sourceNone, "", nil
	case strings.HasPrefix(src, "file://"):
		return sourceLocal, strings.TrimPrefix(src, "file://"), nil
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return sourceRemote, src, nil
	case strings.Contains(src, "://"):
		return sourceNone, "", fmt.Errorf("%w: %q", ErrUnknownSourceScheme, src)
	default:
		return sourceLocal, src, nil
	}
}

// Config describes a bundle's origin and caching behavior.
type Config struct {
	// Source locator: empty, bare//file:// path, or http(s) URL.
	Source string
	// FileFormat is jwks (default), der or pem. Remote sources must be jwks.
	FileFormat string
	// KeyType hints the type of a der key (RSA by default, or EC).
	KeyType string
	// KeyUsage restricts local file ingestion to the declared use facets;
	// for der/pem sources one key is built per declared usage.
	KeyUsage []string
	// CacheTime is the local poll interval and remote expiry fallback.
	CacheTime time.Duration
	// FetchParams is passed through to the Fetcher on every remote fetch.
	FetchParams FetchParams
}

// Option adjusts a bundle at construction time.
type Option func(*KeyBundle)

// WithFetcher substitutes the remote fetch capability.
func WithFetcher(f Fetcher) Option {
	return func(kb *KeyBundle) {
		if f != nil {
			kb.fetcher = f
		}
	}
}

// WithClock injects the time source used for staleness decisions, so
// tests can advance time deterministically.
func WithClock(now func() time.Time) Option {
	return func(kb *KeyBundle) {
		if now != nil {
			kb.now = now
		}
	}
}

// WithKeyType hints the key type of a der source.
func WithKeyType(kt string) Option {
	return func(kb *KeyBundle) { kb.keyType = kt }
}

// WithCacheTime overrides the poll interval / remote expiry fallback.
func WithCacheTime(d time.Duration) Option {
	return func(kb *KeyBundle) {
		if d > 0 {
			kb.cacheTime = d
		}
	}
}

// KeyBundle is one logical key set tied to one source.
type KeyBundle struct {
	keys []*key.Key

	source string
	kind   sourceKind

	fileFormat string
	keyType    string
	keyUsage   []string

	cacheTime   time.Duration
	timeOut     time.Time
	lastLocal   time.Time
	lastRemote  string
	lastUpdated time.Time
	impJWKS     json.RawMessage

	fetcher     Fetcher
	fetchParams FetchParams
	now         func() time.Time
}

// New creates a bundle for the configured source. Local sources are
// read immediately; remote sources stay empty until the first Update.
// An unrecognized source scheme fails construction.
func New(cfg Config, opts ...Option) (*KeyBundle, error) {
	kind, loc, err := resolveSource(cfg.Source)
	if err != nil {
		return nil, err
	}
	kb := &KeyBundle{
		source:      loc,
		kind:        kind,
		fileFormat:  cfg.FileFormat,
		keyType:     cfg.KeyType,
		keyUsage:    cfg.KeyUsage,
		cacheTime:   cfg.CacheTime,
		fetchParams: cfg.FetchParams,
		fetcher:     NewHTTPFetcher(),
		now:         time.Now,
	}
	if kb.fileFormat == "" {
		kb.fileFormat = FormatJWKS
	}
	if kb.cacheTime == 0 {
		kb.cacheTime = DefaultCacheTime
	}
	if kb.keyType == "" {
		kb.keyType = "RSA"
	}
	for _, opt := range opts {
		opt(kb)
	}
	switch kb.kind {
	case sourceRemote:
		if kb.fileFormat != FormatJWKS {
			return nil, fmt.Errorf("%w: remote source requires jwks, got %q", ErrUnsupportedFormat, kb.fileFormat)
		}
	case sourceLocal:
		switch kb.fileFormat {
		case FormatJWKS, FormatDER, FormatPEM:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, kb.fileFormat)
		}
		if err := kb.doLocal(); err != nil {
			return nil, err
		}
	}
	return kb, nil
}

// FromDescriptor creates an inline bundle from one raw JWK descriptor.
func FromDescriptor(desc map[string]any, opts ...Option) (*KeyBundle, error) {
	return FromDescriptors([]map[string]any{desc}, opts...)
}

// FromDescriptors creates an inline bundle from raw JWK descriptors.
// Descriptors with unrecognized type tags are dropped, so the bundle
// may end up holding fewer keys than the input had entries.
func FromDescriptors(descs []map[string]any, opts ...Option) (*KeyBundle, error) {
	kb, err := New(Config{}, opts...)
	if err != nil {
		return nil, err
	}
	kb.DoKeys(descs)
	return kb, nil
}

// FromJWKS creates an inline bundle from a JWK-Set document.
func FromJWKS(doc []byte, opts ...Option) (*KeyBundle, error) {
	descs, err := parseJWKSDescriptors(doc)
	if err != nil {
		return nil, err
	}
	return FromDescriptors(descs, opts...)
}

// FromLocalFile creates a bundle reading a jwks, der or pem file,
// restricted to the declared usages.
func FromLocalFile(source, fileformat string, usage []string, opts ...Option) (*KeyBundle, error) {
	return New(Config{Source: source, FileFormat: fileformat, KeyUsage: usage}, opts...)
}

func parseJWKSDescriptors(doc []byte) ([]map[string]any, error) {
	var parsed struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parse jwks document: %w", err)
	}
	return parsed.Keys, nil
}

// Source returns the resolved locator, empty for inline bundles.
func (kb *KeyBundle) Source() string { return kb.source }

// Remote reports whether the bundle tracks a remote JWK-Set endpoint.
func (kb *KeyBundle) Remote() bool { return kb.kind == sourceRemote }

// Local reports whether the bundle tracks a local file.
func (kb *KeyBundle) Local() bool { return kb.kind == sourceLocal }

// CacheTime returns the poll interval / expiry fallback.
func (kb *KeyBundle) CacheTime() time.Duration { return kb.cacheTime }

// LastLocal returns the file modification marker last observed.
func (kb *KeyBundle) LastLocal() time.Time { return kb.lastLocal }

// LastRemote returns the revalidation token captured by the last fetch.
func (kb *KeyBundle) LastRemote() string { return kb.lastRemote }

// LastUpdated returns the time of the last successful ingest.
func (kb *KeyBundle) LastUpdated() time.Time { return kb.lastUpdated }

// TimeOut returns the current staleness deadline.
func (kb *KeyBundle) TimeOut() time.Time { return kb.timeOut }

// FetchParams returns the transport settings handed to the fetcher.
func (kb *KeyBundle) FetchParams() FetchParams { return kb.fetchParams }

// Update refreshes the key set from the bundle's source. It reports
// whether the bundle is serviceable: a transport or parse failure on a
// remote source returns false and leaves the existing keys completely
// intact, so callers may keep using the stale set and retry later. On
// an unchanged source Update is a no-op.
func (kb *KeyBundle) Update(ctx context.Context) bool {
	switch kb.kind {
	case sourceLocal:
		return kb.updateLocal()
	case sourceRemote:
		return kb.updateRemote(ctx)
	}
	return true
}

func (kb *KeyBundle) updateLocal() bool {
	now := kb.now()
	if !kb.timeOut.IsZero() && now.Before(kb.timeOut) {
		return true
	}
	fi, err := os.Stat(kb.source)
	if err != nil {
		return false
	}
	kb.timeOut = now.Add(kb.cacheTime)
	if fi.ModTime().Equal(kb.lastLocal) {
		return true
	}
	if err := kb.doLocal(); err != nil {
		return false
	}
	return true
}

// doLocal re-reads and fully re-parses the source file, merges the
// result and records the observed modification marker.
func (kb *KeyBundle) doLocal() error {
	descs, err := kb.readLocal()
	if err != nil {
		return err
	}
	kb.DoKeys(descs)
	fi, err := os.Stat(kb.source)
	if err != nil {
		return fmt.Errorf("stat %s: %w", kb.source, err)
	}
	now := kb.now()
	kb.lastLocal = fi.ModTime()
	kb.lastUpdated = now
	kb.timeOut = now.Add(kb.cacheTime)
	return nil
}

func (kb *KeyBundle) updateRemote(ctx context.Context) bool {
	now := kb.now()
	if !kb.timeOut.IsZero() && now.Before(kb.timeOut) {
		return true
	}
	res, err := kb.fetcher.Fetch(ctx, kb.source, kb.lastRemote, kb.fetchParams)
	if err != nil {
		return false
	}
	switch res.Status {
	case StatusFresh:
		descs, err := parseJWKSDescriptors(res.Body)
		if err != nil {
			return false
		}
		kb.DoKeys(descs)
		kb.impJWKS = append(json.RawMessage(nil), res.Body...)
		kb.lastRemote = res.Validator
		kb.lastUpdated = now
		kb.timeOut = now.Add(kb.expiryOf(res.CacheHint))
		return true
	case StatusNotModified:
		// Key set untouched; only the staleness deadline moves.
		kb.timeOut = now.Add(kb.expiryOf(res.CacheHint))
		return true
	}
	return false
}

// expiryOf converts a Cache-Control hint into a refresh interval,
// falling back to the configured cache time.
func (kb *KeyBundle) expiryOf(hint string) time.Duration {
	if hint != "" {
		if dir, err := httpcc.ParseResponse(hint); err == nil {
			if maxAge, ok := dir.MaxAge(); ok && maxAge > 0 {
				return time.Duration(maxAge) * time.Second
			}
		}
	}
	return kb.cacheTime
}

// DoKeys merges raw JWK descriptors into the bundle. Descriptors with
// unrecognized type tags are dropped. Matching is by material equality,
// not identity or kid: held keys matched by the input stay as they are,
// active keys absent from the input are flipped inactive (never
// deleted), and unmatched input keys are appended as new active
// entries. Deterministic for a fixed input order.
func (kb *KeyBundle) DoKeys(descs []map[string]any) {
	incoming := make([]*key.Key, 0, len(descs))
	for _, desc := range descs {
		k, err := key.FromDescriptor(desc)
		if err != nil {
			continue
		}
		incoming = append(incoming, k)
	}

	held := len(kb.keys)
	matched := make([]bool, held)
	for _, in := range incoming {
		found := false
		for i := 0; i < held; i++ {
			if matched[i] {
				continue
			}
			if kb.keys[i].Equal(in) {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			kb.keys = append(kb.keys, in)
		}
	}

	now := kb.now()
	for i := 0; i < held; i++ {
		if !matched[i] && kb.keys[i].IsActive() {
			kb.keys[i].SetInactiveSince(now)
		}
	}
}

// Len counts all held keys, inactive ones included.
func (kb *KeyBundle) Len() int { return len(kb.keys) }

// Get returns the active keys of the given type; an empty type matches
// all types. The tag compares case-insensitively.
func (kb *KeyBundle) Get(kty string) []*key.Key {
	return kb.filter(kty, true)
}

// GetAll is Get without the activity filter.
func (kb *KeyBundle) GetAll(kty string) []*key.Key {
	return kb.filter(kty, false)
}

func (kb *KeyBundle) filter(kty string, onlyActive bool) []*key.Key {
	kty = strings.ToLower(kty)
	var out []*key.Key
	for _, k := range kb.keys {
		if kty != "" && strings.ToLower(k.Kty()) != kty {
			continue
		}
		if onlyActive && !k.IsActive() {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Keys returns all held keys regardless of activity.
func (kb *KeyBundle) Keys() []*key.Key {
	out := make([]*key.Key, len(kb.keys))
	copy(out, kb.keys)
	return out
}

// ActiveKeys returns the active keys of every type.
func (kb *KeyBundle) ActiveKeys() []*key.Key { return kb.Get("") }

// Kids lists the identifiers of held keys, skipping empty ones.
func (kb *KeyBundle) Kids() []string {
	var out []string
	for _, k := range kb.keys {
		if kid := k.Kid(); kid != "" {
			out = append(out, kid)
		}
	}
	return out
}

// GetKeyWithKid returns the first held key with the identifier, nil
// when absent.
func (kb *KeyBundle) GetKeyWithKid(kid string) *key.Key {
	for _, k := range kb.keys {
		if k.Kid() == kid {
			return k
		}
	}
	return nil
}

// Append adds a key directly, bypassing merge semantics.
func (kb *KeyBundle) Append(k *key.Key) {
	kb.keys = append(kb.keys, k)
}

// Extend adds keys directly, bypassing merge semantics.
func (kb *KeyBundle) Extend(keys []*key.Key) {
	kb.keys = append(kb.keys, keys...)
}

// Remove removes one key by identity. Removing an absent key is a no-op.
func (kb *KeyBundle) Remove(k *key.Key) {
	for i, held := range kb.keys {
		if held == k {
			kb.keys = append(kb.keys[:i], kb.keys[i+1:]...)
			return
		}
	}
}

// RemoveKeysByType removes every key of the type; no-op when none match.
func (kb *KeyBundle) RemoveKeysByType(kty string) {
	kty = strings.ToLower(kty)
	kept := kb.keys[:0]
	for _, k := range kb.keys {
		if strings.ToLower(k.Kty()) != kty {
			kept = append(kept, k)
		}
	}
	kb.keys = kept
}

// MarkAsInactive flips every active key with the identifier to
// inactive. Idempotent: repeat calls report false and change nothing.
func (kb *KeyBundle) MarkAsInactive(kid string) bool {
	changed := false
	now := kb.now()
	for _, k := range kb.keys {
		if k.Kid() == kid && k.IsActive() {
			k.SetInactiveSince(now)
			changed = true
		}
	}
	return changed
}

// RemoveOutdated purges keys that have been inactive for longer than
// the grace window. Active and recently inactivated keys are untouched.
func (kb *KeyBundle) RemoveOutdated(grace time.Duration) {
	cutoff := kb.now().Add(-grace)
	kept := kb.keys[:0]
	for _, k := range kb.keys {
		if !k.IsActive() && k.InactiveSince().Before(cutoff) {
			continue
		}
		kept = append(kept, k)
	}
	kb.keys = kept
}

// Difference returns the keys held here that the other bundle does not
// hold, by material equality.
func (kb *KeyBundle) Difference(other *KeyBundle) []*key.Key {
	var out []*key.Key
	for _, k := range kb.keys {
		found := false
		for _, o := range other.keys {
			if k.Equal(o) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, k)
		}
	}
	return out
}

// Copy produces an independent bundle with the same source and cache
// configuration. Key values are deep-duplicated, so inactivation in one
// bundle is never observable through the other.
func (kb *KeyBundle) Copy() (*KeyBundle, error) {
	c := *kb
	c.keys = make([]*key.Key, 0, len(kb.keys))
	for _, k := range kb.keys {
		dup, err := k.Copy()
		if err != nil {
			return nil, err
		}
		c.keys = append(c.keys, dup)
	}
	if kb.impJWKS != nil {
		c.impJWKS = append(json.RawMessage(nil), kb.impJWKS...)
	}
	c.keyUsage = append([]string(nil), kb.keyUsage...)
	return &c, nil
}

// JWKS renders the active key set as a JWK-Set document suitable for a
// public keys endpoint. Symmetric keys are excluded unless
// symmetricToo; private fields are excluded unless private.
func (kb *KeyBundle) JWKS(private, symmetricToo bool) ([]byte, error) {
	return jwksDocument(kb.ActiveKeys(), private, symmetricToo)
}

func jwksDocument(keys []*key.Key, private, symmetricToo bool) ([]byte, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	doc.Keys = []json.RawMessage{}
	for _, k := range keys {
		if strings.EqualFold(k.Kty(), "oct") && !symmetricToo {
			continue
		}
		jk := k.JWK()
		if !private {
			pub, err := k.PublicJWK()
			if err != nil {
				return nil, fmt.Errorf("public form of %q: %w", k.Kid(), err)
			}
			jk = pub
		}
		data, err := json.Marshal(jk)
		if err != nil {
			return nil, fmt.Errorf("serialize key %q: %w", k.Kid(), err)
		}
		doc.Keys = append(doc.Keys, data)
	}
	return json.Marshal(doc)
}
