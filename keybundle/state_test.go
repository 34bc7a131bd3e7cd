package keybundle

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDumpLoadRoundTrip(t *testing.T) {
	clock := newFakeClock()
	kb, err := FromJWKS([]byte(referenceJWKS), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	kb.MarkAsInactive("7snis")

	st, err := kb.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(st.Keys) != 3 {
		t.Fatalf("dumped %d keys, want 3", len(st.Keys))
	}
	inactive := 0
	for _, desc := range st.Keys {
		if _, ok := desc["inactive_since"]; ok {
			inactive++
		}
	}
	if inactive != 1 {
		t.Fatalf("dumped %d inactive markers, want 1", inactive)
	}
	if st.Remote || st.Local {
		t.Fatal("inline bundle must dump as neither remote nor local")
	}

	// Through JSON and back, the way external storage would hold it.
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"source"`) {
		t.Fatal("inline dump must omit the source field")
	}
	var restored State
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	kb2, err := Load(&restored, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kb2.Len() != 3 {
		t.Fatalf("restored len %d, want 3", kb2.Len())
	}
	if got := len(kb2.ActiveKeys()); got != 2 {
		t.Fatalf("restored active %d, want 2", got)
	}
	ec := kb2.GetKeyWithKid("7snis")
	if ec == nil || ec.IsActive() {
		t.Fatal("inactivity partition lost across the round trip")
	}
	if !ec.InactiveSince().Equal(time.Unix(clock.Now().Unix(), 0)) {
		t.Fatalf("inactive_since %v drifted", ec.InactiveSince())
	}

	// Original and restored hold the same material.
	if d := kb.Difference(kb2); len(d) != 0 {
		t.Fatalf("material drift: %d keys differ", len(d))
	}
}

func TestDumpLoadRemoteMetadata(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{results: []*FetchResult{{
		Status:    StatusFresh,
		Validator: `"etag-7"`,
		CacheHint: "max-age=600",
		Body:      []byte(referenceJWKS),
	}}}
	kb := newRemoteBundle(t, fetcher, clock)
	if !kb.Update(context.Background()) {
		t.Fatal("update failed")
	}

	st, err := kb.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !st.Remote || st.Local {
		t.Fatal("remote flags wrong")
	}
	if st.Source != "https://issuer.example/jwks.json" {
		t.Fatalf("source %q", st.Source)
	}
	if st.LastRemote != `"etag-7"` {
		t.Fatalf("last_remote %q", st.LastRemote)
	}
	if st.ImpJWKS == nil {
		t.Fatal("imported document not dumped")
	}
	if st.TimeOut != clock.Now().Add(600*time.Second).Unix() {
		t.Fatalf("time_out %d", st.TimeOut)
	}

	failing := &stubFetcher{errs: []error{context.DeadlineExceeded}}
	kb2, err := Load(st, WithClock(clock.Now), WithFetcher(failing))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !kb2.Remote() {
		t.Fatal("restored bundle must stay remote")
	}
	if kb2.LastRemote() != `"etag-7"` {
		t.Fatalf("restored validator %q", kb2.LastRemote())
	}
	if kb2.Len() != 3 {
		t.Fatalf("restored len %d, want 3", kb2.Len())
	}

	// The persisted deadline still holds, so Update does not fetch.
	if !kb2.Update(context.Background()) {
		t.Fatal("update within persisted window failed")
	}
	if failing.calls != 0 {
		t.Fatal("update fetched despite a live staleness deadline")
	}
}

func TestLoadSkipsUnknownKeyTypes(t *testing.T) {
	st := &State{
		Keys: []map[string]any{
			{"kty": "oct", "k": "c2VjcmV0LWE", "use": "sig"},
			{"kty": "XYZ", "use": "sig"},
		},
	}
	kb, err := Load(st)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kb.Len() != 1 {
		t.Fatalf("len %d, want 1", kb.Len())
	}
	// The caller's state must not be mutated by loading.
	if len(st.Keys) != 2 {
		t.Fatal("load consumed the input state")
	}
}

func TestDumpCacheTimeSeconds(t *testing.T) {
	kb, err := FromDescriptors(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	st, err := kb.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if st.CacheTime != int64(DefaultCacheTime/time.Second) {
		t.Fatalf("cache_time %d, want %d", st.CacheTime, int64(DefaultCacheTime/time.Second))
	}
	kb2, err := Load(st)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if kb2.CacheTime() != DefaultCacheTime {
		t.Fatalf("restored cache time %v", kb2.CacheTime())
	}
}
