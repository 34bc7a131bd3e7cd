package keybundle

import (
	"encoding/json"
	"time"

	"github.com/janste63/cryptojwt/key"
)

// State is the bundle's entire observable state in a plain structured
// form, stable enough for external storage. Load reconstructs an
// identical bundle from it without touching the source.
type State struct {
	CacheTime   int64            `json:"cache_time"`
	FileFormat  string           `json:"fileformat"`
	HTTPCParams FetchParams      `json:"httpc_params"`
	ImpJWKS     json.RawMessage  `json:"imp_jwks"`
	Keys        []map[string]any `json:"keys"`
	LastUpdated int64            `json:"last_updated"`
	LastRemote  string           `json:"last_remote"`
	LastLocal   int64            `json:"last_local"`
	Remote      bool             `json:"remote"`
	Local       bool             `json:"local"`
	TimeOut     int64            `json:"time_out"`
	Source      string           `json:"source,omitempty"`
}

// Dump serializes the bundle, every key included. Inactive ones carry
// their inactive_since timestamp so a restored bundle keeps the exact
// activity partition.
func (kb *KeyBundle) Dump() (*State, error) {
	st := &State{
		CacheTime:   int64(kb.cacheTime / time.Second),
		FileFormat:  kb.fileFormat,
		HTTPCParams: kb.fetchParams,
		ImpJWKS:     kb.impJWKS,
		Keys:        make([]map[string]any, 0, len(kb.keys)),
		LastRemote:  kb.lastRemote,
		Remote:      kb.kind == sourceRemote,
		Local:       kb.kind == sourceLocal,
		Source:      kb.source,
	}
	if !kb.lastUpdated.IsZero() {
		st.LastUpdated = kb.lastUpdated.Unix()
	}
	if !kb.lastLocal.IsZero() {
		st.LastLocal = kb.lastLocal.Unix()
	}
	if !kb.timeOut.IsZero() {
		st.TimeOut = kb.timeOut.Unix()
	}
	for _, k := range kb.keys {
		desc, err := jwkToDescriptor(k.JWK())
		if err != nil {
			return nil, err
		}
		if !k.IsActive() {
			desc["inactive_since"] = k.InactiveSince().Unix()
		}
		st.Keys = append(st.Keys, desc)
	}
	return st, nil
}

// Load restores a bundle from a dumped state. The source is not
// contacted; the persisted cache metadata decides when the next Update
// will actually refresh.
func Load(st *State, opts ...Option) (*KeyBundle, error) {
	kb := &KeyBundle{
		source:      st.Source,
		fileFormat:  st.FileFormat,
		cacheTime:   time.Duration(st.CacheTime) * time.Second,
		lastRemote:  st.LastRemote,
		fetchParams: st.HTTPCParams,
		fetcher:     NewHTTPFetcher(),
		now:         time.Now,
	}
	switch {
	case st.Remote:
		kb.kind = sourceRemote
	case st.Local:
		kb.kind = sourceLocal
	}
	if kb.fileFormat == "" {
		kb.fileFormat = FormatJWKS
	}
	if kb.cacheTime == 0 {
		kb.cacheTime = DefaultCacheTime
	}
	if st.ImpJWKS != nil {
		kb.impJWKS = append(json.RawMessage(nil), st.ImpJWKS...)
	}
	if st.LastUpdated != 0 {
		kb.lastUpdated = time.Unix(st.LastUpdated, 0)
	}
	if st.LastLocal != 0 {
		kb.lastLocal = time.Unix(st.LastLocal, 0)
	}
	if st.TimeOut != 0 {
		kb.timeOut = time.Unix(st.TimeOut, 0)
	}
	for _, opt := range opts {
		opt(kb)
	}
	for _, desc := range st.Keys {
		inactive := inactiveSinceOf(desc)
		jwkDesc := make(map[string]any, len(desc))
		for name, v := range desc {
			if name == "inactive_since" {
				continue
			}
			jwkDesc[name] = v
		}
		k, err := key.FromDescriptor(jwkDesc)
		if err != nil {
			// Same forward-compatibility stance as ingestion.
			continue
		}
		if inactive != 0 {
			k.SetInactiveSince(time.Unix(inactive, 0))
		}
		kb.keys = append(kb.keys, k)
	}
	return kb, nil
}

// inactiveSinceOf reads the lifecycle field, which JSON round-trips
// deliver as float64.
func inactiveSinceOf(desc map[string]any) int64 {
	v, ok := desc["inactive_since"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}
