// Package keyjar keeps key bundles for many issuers behind one
// queryable facade: cached kid lookups, coalesced refreshes and a
// jwt.Keyfunc bridge for token verification.
package keyjar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/janste63/cryptojwt/internal/cache"
	"github.com/janste63/cryptojwt/key"
	"github.com/janste63/cryptojwt/keybundle"
)

var (
	ErrUnknownIssuer = errors.New("unknown issuer")
	ErrKeyNotFound   = errors.New("key not found")
	ErrRefreshFailed = errors.New("key set refresh failed")
)

// Cache is the lookup cache contract; the default is ristretto-backed.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, cost int64, ttl time.Duration) bool
	Del(key string)
}

type Option func(*Jar)

// WithCache substitutes the kid-lookup cache.
func WithCache(c Cache) Option {
	return func(j *Jar) {
		if c != nil {
			j.cache = c
		}
	}
}

// WithLookupTTL sets how long resolved kid lookups stay cached.
func WithLookupTTL(ttl time.Duration) Option {
	return func(j *Jar) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

// Jar owns bundles keyed by issuer.
//
// Concurrency: safe for concurrent use. Bundle access is serialized
// through the jar's lock, since bundles themselves do no locking.
type Jar struct {
	mu      sync.RWMutex
	bundles map[string][]*keybundle.KeyBundle
	cache   Cache
	ttl     time.Duration
	sf      singleflight.Group
}

func New(opts ...Option) (*Jar, error) {
	j := &Jar{
		bundles: make(map[string][]*keybundle.KeyBundle),
		ttl:     5 * time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.cache == nil {
		rc, err := cache.NewRistrettoCache(1<<15, 1<<20, 64)
		if err != nil {
			return nil, err
		}
		j.cache = rc
	}
	return j, nil
}

// AddBundle attaches a bundle to an issuer. One issuer may hold
// several bundles from different sources.
func (j *Jar) AddBundle(issuer string, kb *keybundle.KeyBundle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bundles[issuer] = append(j.bundles[issuer], kb)
}

// AddURL attaches a remote JWK-Set endpoint to an issuer. The bundle
// stays empty until the first Refresh.
func (j *Jar) AddURL(issuer, url string, opts ...keybundle.Option) error {
	kb, err := keybundle.New(keybundle.Config{Source: url}, opts...)
	if err != nil {
		return err
	}
	j.AddBundle(issuer, kb)
	return nil
}

// Issuers lists the issuers with at least one bundle.
func (j *Jar) Issuers() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]string, 0, len(j.bundles))
	for iss := range j.bundles {
		out = append(out, iss)
	}
	return out
}

// Bundles returns the issuer's bundles, nil when unknown.
func (j *Jar) Bundles(issuer string) []*keybundle.KeyBundle {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]*keybundle.KeyBundle(nil), j.bundles[issuer]...)
}

// Refresh updates every bundle of the issuer. Concurrent calls for the
// same issuer are coalesced into a single pass. A bundle reporting a
// failed refresh keeps serving its stale keys; the error only signals
// that staleness.
func (j *Jar) Refresh(ctx context.Context, issuer string) error {
	_, err, _ := j.sf.Do(issuer, func() (any, error) {
		j.mu.Lock()
		defer j.mu.Unlock()
		kbs, ok := j.bundles[issuer]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, issuer)
		}
		ok = true
		for _, kb := range kbs {
			if !kb.Update(ctx) {
				ok = false
			}
		}
		if !ok {
			return nil, fmt.Errorf("%w: issuer %q", ErrRefreshFailed, issuer)
		}
		return nil, nil
	})
	return err
}

// KeyByKid resolves an active key of the issuer by identifier, going
// through the lookup cache and refreshing the issuer's bundles once on
// a miss.
func (j *Jar) KeyByKid(ctx context.Context, issuer, kid string) (*key.Key, error) {
	ck := "jar:" + issuer + ":" + kid
	if v, ok := j.cache.Get(ck); ok {
		if k, ok := v.(*key.Key); ok && k != nil {
			return k, nil
		}
	}
	if k := j.lookup(issuer, kid); k != nil {
		j.remember(ck, k)
		return k, nil
	}
	// Unknown kid often means the issuer rotated; one refresh, then retry.
	if err := j.Refresh(ctx, issuer); err != nil {
		return nil, err
	}
	if k := j.lookup(issuer, kid); k != nil {
		j.remember(ck, k)
		return k, nil
	}
	return nil, fmt.Errorf("%w: issuer %q kid %q", ErrKeyNotFound, issuer, kid)
}

func (j *Jar) lookup(issuer, kid string) *key.Key {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, kb := range j.bundles[issuer] {
		for _, k := range kb.ActiveKeys() {
			if k.Kid() == kid {
				return k
			}
		}
	}
	return nil
}

func (j *Jar) remember(ck string, k *key.Key) {
	j.cache.Set(ck, k, 1, j.ttl)
	// ensure visibility for subsequent immediate reads (ristretto is async)
	if w, ok := j.cache.(interface{ Wait() }); ok {
		w.Wait()
	}
}

// VerificationKey resolves a kid to raw public material usable for
// signature verification, refusing keys scoped to encryption.
func (j *Jar) VerificationKey(ctx context.Context, issuer, kid string) (any, error) {
	k, err := j.KeyByKid(ctx, issuer, kid)
	if err != nil {
		return nil, err
	}
	return k.AppropriateFor(key.UsageVerify)
}

// Keyfunc adapts the jar to golang-jwt verification for one issuer.
func (j *Jar) Keyfunc(issuer string) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token carries no kid", ErrKeyNotFound)
		}
		return j.VerificationKey(context.Background(), issuer, kid)
	}
}

// ExportJWKS renders the issuer's active keys, deduplicated across
// bundles, as one JWK-Set document.
func (j *Jar) ExportJWKS(issuer string, private, symmetricToo bool) ([]byte, error) {
	j.mu.RLock()
	kbs, ok := j.bundles[issuer]
	var all []*key.Key
	for _, kb := range kbs {
		all = append(all, kb.ActiveKeys()...)
	}
	j.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, issuer)
	}
	out, err := keybundle.New(keybundle.Config{})
	if err != nil {
		return nil, err
	}
	out.Extend(keybundle.UniqueKeys(all))
	return out.JWKS(private, symmetricToo)
}
