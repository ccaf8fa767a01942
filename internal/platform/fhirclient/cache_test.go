package fhirclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory Store used to observe persistence.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	saves   int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*Entry)}
}

func (m *memStore) Load(_ context.Context, partition, url string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[partition+"\x00"+url]
	if !ok {
		return nil, ErrCacheMiss
	}
	return e, nil
}

func (m *memStore) Save(_ context.Context, partition string, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[partition+"\x00"+e.URL] = e
	m.saves++
	return nil
}

func (m *memStore) Clear(_ context.Context, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if len(k) > len(partition) && k[:len(partition)+1] == partition+"\x00" {
			delete(m.entries, k)
		}
	}
	return nil
}

// ---- ResponseCache tests ----

func TestResponseCache_DefaultPartitionNotPersisted(t *testing.T) {
	store := newMemStore()
	rc := NewResponseCache(time.Minute, store, zerolog.Nop())
	ctx := context.Background()

	rc.Set(ctx, DefaultPartition, &Entry{URL: "http://x/Patient", Status: 200, Body: json.RawMessage(`{}`)})
	if _, ok := rc.Get(ctx, DefaultPartition, "http://x/Patient"); !ok {
		t.Fatal("expected hit")
	}
	if store.saves != 0 {
		t.Errorf("default partition persisted %d entries", store.saves)
	}
}

func TestResponseCache_NamedPartitionSurvivesRestart(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := NewResponseCache(time.Minute, store, zerolog.Nop())
	first.Set(ctx, "valuesets", &Entry{URL: "http://x/ValueSet/1", Status: 200, Body: json.RawMessage(`{"id":"1"}`)})

	second := NewResponseCache(time.Minute, store, zerolog.Nop())
	e, ok := second.Get(ctx, "valuesets", "http://x/ValueSet/1")
	if !ok {
		t.Fatal("expected entry loaded from store")
	}
	if string(e.Body) != `{"id":"1"}` {
		t.Errorf("Body = %s", e.Body)
	}
	if second.Len("valuesets") != 1 {
		t.Errorf("loaded entry was not kept in memory")
	}

	if err := second.Clear(ctx, "valuesets"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := NewResponseCache(time.Minute, store, zerolog.Nop()).Get(ctx, "valuesets", "http://x/ValueSet/1"); ok {
		t.Error("entry survived Clear")
	}
}

func TestResponseCache_ExpiredEntriesIgnored(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	store.entries["p\x00http://x/a"] = &Entry{
		URL:       "http://x/a",
		Status:    200,
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}

	rc := NewResponseCache(time.Minute, store, zerolog.Nop())
	if _, ok := rc.Get(ctx, "p", "http://x/a"); ok {
		t.Error("expired entry returned")
	}

	rc.Set(ctx, DefaultPartition, &Entry{URL: "http://x/b", CreatedAt: time.Now().Add(-time.Hour)})
	if _, ok := rc.Get(ctx, DefaultPartition, "http://x/b"); ok {
		t.Error("entry created past its ttl returned")
	}
}

func TestResponseCache_PartitionTTL(t *testing.T) {
	store := newMemStore()
	rc := NewResponseCache(0, store, zerolog.Nop())
	rc.SetTTL("counts", time.Minute)
	ctx := context.Background()

	if got := rc.TTL("counts"); got != time.Minute {
		t.Errorf("TTL(counts) = %v, want 1m", got)
	}
	if got := rc.TTL("valuesets"); got != 0 {
		t.Errorf("TTL(valuesets) = %v, want 0", got)
	}

	rc.Set(ctx, "counts", &Entry{URL: "http://x/Patient?_summary=count", Status: 200})
	rc.Set(ctx, "valuesets", &Entry{URL: "http://x/ValueSet/1", Status: 200})
	if e := store.entries["counts\x00http://x/Patient?_summary=count"]; e == nil || e.ExpiresAt.IsZero() {
		t.Errorf("counts entry persisted without expiry: %+v", e)
	}
	if e := store.entries["valuesets\x00http://x/ValueSet/1"]; e == nil || !e.ExpiresAt.IsZero() {
		t.Errorf("valuesets entry should never expire: %+v", e)
	}

	// a count written an hour ago is stale under the partition ttl
	rc.Set(ctx, "counts", &Entry{URL: "http://x/old", Status: 200, CreatedAt: time.Now().Add(-time.Hour)})
	if _, ok := rc.Get(ctx, "counts", "http://x/old"); ok {
		t.Error("stale count returned")
	}
}

func TestResponseCache_SetTTLResetsPartition(t *testing.T) {
	rc := NewResponseCache(0, nil, zerolog.Nop())
	ctx := context.Background()
	rc.Set(ctx, "counts", &Entry{URL: "u", Status: 200})

	rc.SetTTL("counts", time.Minute)
	if n := rc.Len("counts"); n != 0 {
		t.Errorf("Len = %d after SetTTL, want 0", n)
	}
	rc.Set(ctx, "counts", &Entry{URL: "u", Status: 200})
	if e, ok := rc.Get(ctx, "counts", "u"); !ok || e.ExpiresAt.IsZero() {
		t.Errorf("entry = %+v, %v; want bounded expiry", e, ok)
	}
}

func TestResponseCache_LastWriteWins(t *testing.T) {
	rc := NewResponseCache(0, nil, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc.Set(ctx, "shared", &Entry{URL: "u", Status: 200 + i%2})
			rc.Get(ctx, "shared", "u")
		}(i)
	}
	wg.Wait()

	rc.Set(ctx, "shared", &Entry{URL: "u", Status: 204})
	e, ok := rc.Get(ctx, "shared", "u")
	if !ok || e.Status != 204 {
		t.Errorf("expected last write, got %+v", e)
	}
}

func TestEntry_Response(t *testing.T) {
	ok := &Entry{URL: "u", Status: 200, Body: json.RawMessage(`{"total":3}`)}
	resp, err := ok.response()
	if err != nil || resp.Status != 200 {
		t.Errorf("response() = %+v, %v", resp, err)
	}

	bad := &Entry{URL: "u", Status: http.StatusNotFound}
	if _, err := bad.response(); Status(err) != http.StatusNotFound {
		t.Errorf("expected 404 error, got %v", err)
	}
}
