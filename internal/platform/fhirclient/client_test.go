package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cohort/cohort/internal/platform/fhir"
)

// fakeFHIR is a minimal FHIR server that answers standalone GETs and batch
// POSTs through the same route function.
type fakeFHIR struct {
	mu      sync.Mutex
	gets    []string
	batches [][]string
	hits    atomic.Int64
	route   func(r *http.Request, rel string) (int, string)
}

func (f *fakeFHIR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	w.Header().Set("Content-Type", "application/fhir+json")

	if r.Method == http.MethodGet {
		rel := strings.TrimPrefix(r.URL.RequestURI(), "/")
		f.mu.Lock()
		f.gets = append(f.gets, rel)
		f.mu.Unlock()
		status, body := f.route(r, rel)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
		return
	}

	var in fhir.Bundle
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Type != fhir.BundleTypeBatch {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	out := fhir.Bundle{ResourceType: "Bundle", Type: fhir.BundleTypeBatchResponse}
	var urls []string
	for _, e := range in.Entry {
		urls = append(urls, e.Request.URL)
		status, body := f.route(r, e.Request.URL)
		entry := fhir.BundleEntry{Response: &fhir.BundleResponse{
			Status: fmt.Sprintf("%d %s", status, http.StatusText(status)),
		}}
		if status >= 200 && status < 300 {
			entry.Resource = json.RawMessage(body)
		} else if body != "" {
			entry.Response.Outcome = json.RawMessage(body)
		}
		out.Entry = append(out.Entry, entry)
	}
	f.mu.Lock()
	f.batches = append(f.batches, urls)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeFHIR) recorded() ([]string, [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gets...), append([][]string(nil), f.batches...)
}

func echoRoute(_ *http.Request, rel string) (int, string) {
	return http.StatusOK, fmt.Sprintf(`{"resourceType":"Bundle","type":"searchset","id":%q}`, rel)
}

func newTestClient(t *testing.T, route func(*http.Request, string) (int, string), mutate func(*Config), opts ...Option) (*Client, *fakeFHIR) {
	t.Helper()
	fake := &fakeFHIR{route: route}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.BatchTimeout = 10 * time.Millisecond
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 2 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, fake
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func bundleID(t *testing.T, resp *Response) string {
	t.Helper()
	var b fhir.Bundle
	if err := json.Unmarshal(resp.Data, &b); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return b.ID
}

// ---------------------------------------------------------------------------
// Get / batching tests
// ---------------------------------------------------------------------------

func TestGet_SingleRequestIsStandalone(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, nil)

	resp, err := c.Get(testContext(t), "Patient?_count=10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d", resp.Status)
	}
	if got := bundleID(t, resp); got != "Patient?_count=10" {
		t.Errorf("response id = %q", got)
	}

	gets, batches := fake.recorded()
	if len(gets) != 1 || gets[0] != "Patient?_count=10" {
		t.Errorf("gets = %v", gets)
	}
	if len(batches) != 0 {
		t.Errorf("expected no batch, got %v", batches)
	}
}

func TestGet_CoalescesIntoBatch(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.BatchTimeout = 50 * time.Millisecond
	})
	ctx := testContext(t)

	urls := []string{"Observation?code=1", "Observation?code=2", "Observation?code=3"}
	ids := make([]string, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			resp, err := c.Get(ctx, u)
			if err != nil {
				t.Errorf("Get(%s): %v", u, err)
				return
			}
			ids[i] = bundleID(t, resp)
		}(i, u)
	}
	wg.Wait()

	for i, u := range urls {
		if ids[i] != u {
			t.Errorf("caller %d got %q, want %q", i, ids[i], u)
		}
	}
	gets, batches := fake.recorded()
	if len(gets) != 0 {
		t.Errorf("expected no standalone GET, got %v", gets)
	}
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("batches = %v", batches)
	}
	if c.Stats().Batches != 1 {
		t.Errorf("Stats().Batches = %d", c.Stats().Batches)
	}
}

func TestGet_FlushesImmediatelyAtBatchSize(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.MaxRequestsPerBatch = 2
		cfg.BatchTimeout = time.Hour
	})
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Get(ctx, fmt.Sprintf("Patient?_id=%d", i)); err != nil {
				t.Errorf("Get: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if _, batches := fake.recorded(); len(batches) != 1 {
		t.Errorf("batches = %v", batches)
	}
}

func TestGet_BatchingDisabledSendsStandalone(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.BatchEnabled = false
		cfg.BatchTimeout = 30 * time.Millisecond
	})
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Get(ctx, fmt.Sprintf("Encounter?_id=%d", i)); err != nil {
				t.Errorf("Get: %v", err)
			}
		}(i)
	}
	wg.Wait()

	gets, batches := fake.recorded()
	if len(gets) != 3 || len(batches) != 0 {
		t.Errorf("gets = %v, batches = %v", gets, batches)
	}
}

func TestGet_BatchEntryFailureRejectsOnlyThatCaller(t *testing.T) {
	route := func(_ *http.Request, rel string) (int, string) {
		if strings.Contains(rel, "bad") {
			return http.StatusBadRequest, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"invalid","diagnostics":"Unknown parameter bad"}]}`
		}
		return echoRoute(nil, rel)
	}
	c, _ := newTestClient(t, route, func(cfg *Config) {
		cfg.MaxRequestsPerBatch = 2
		cfg.BatchTimeout = time.Hour
	})
	ctx := testContext(t)

	var goodErr, badErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, goodErr = c.Get(ctx, "Patient?name=ok") }()
	go func() { defer wg.Done(); _, badErr = c.Get(ctx, "Patient?bad=1") }()
	wg.Wait()

	if goodErr != nil {
		t.Errorf("good entry failed: %v", goodErr)
	}
	var he *HTTPError
	if !errors.As(badErr, &he) {
		t.Fatalf("expected HTTPError, got %v", badErr)
	}
	if he.Status != http.StatusBadRequest || !he.ClientError() {
		t.Errorf("HTTPError = %+v", he)
	}
	if he.Outcome == nil || !strings.Contains(he.Error(), "Unknown parameter bad") {
		t.Errorf("expected outcome diagnostics in %q", he.Error())
	}
}

func TestGet_PriorityOrdersBatchEntries(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.BatchTimeout = 100 * time.Millisecond
	})
	ctx := testContext(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _, _ = c.Get(ctx, "Patient?low=1") }()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })
	wg.Add(1)
	go func() { defer wg.Done(); _, _ = c.Get(ctx, "Patient?high=1", WithPriority(10)) }()
	wg.Wait()

	_, batches := fake.recorded()
	if len(batches) != 1 {
		t.Fatalf("batches = %v", batches)
	}
	if batches[0][0] != "Patient?high=1" || batches[0][1] != "Patient?low=1" {
		t.Errorf("entry order = %v", batches[0])
	}
}

func TestGet_AbsoluteURLOnOtherHostIsStandalone(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","id":"other"}`)
	}))
	defer other.Close()

	c, fake := newTestClient(t, echoRoute, nil)
	resp, err := c.Get(testContext(t), other.URL+"/Patient?page=2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if bundleID(t, resp) != "other" {
		t.Errorf("expected response from other host")
	}
	if fake.hits.Load() != 0 {
		t.Errorf("base server should not be hit")
	}
}

// ---------------------------------------------------------------------------
// Cancellation tests
// ---------------------------------------------------------------------------

func TestClearPendingRequests(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.BatchTimeout = time.Hour
	})
	ctx := testContext(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "Patient?_count=10")
		errc <- err
	}()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })

	if n := c.ClearPendingRequests(); n != 1 {
		t.Errorf("ClearPendingRequests = %d, want 1", n)
	}
	err := <-errc
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if Status(err) != StatusAborted {
		t.Errorf("Status = %d, want %d", Status(err), StatusAborted)
	}
	if fake.hits.Load() != 0 {
		t.Errorf("cleared request reached the server")
	}
}

func TestGet_ContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.BatchTimeout = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "Patient")
		errc <- err
	}()
	waitFor(t, func() bool { return c.Stats().Queued == 1 })
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGet_AfterClose(t *testing.T) {
	c, _ := newTestClient(t, echoRoute, nil)
	c.Close()
	if _, err := c.Get(context.Background(), "Patient"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Retry / auth tests
// ---------------------------------------------------------------------------

func TestGet_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	route := func(_ *http.Request, rel string) (int, string) {
		if calls.Add(1) == 1 {
			return http.StatusServiceUnavailable, ""
		}
		return echoRoute(nil, rel)
	}
	c, fake := newTestClient(t, route, func(cfg *Config) { cfg.RetryMax = 2 })

	if _, err := c.Get(testContext(t), "Patient"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fake.hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", fake.hits.Load())
	}
}

func TestGet_ServerErrorAfterRetries(t *testing.T) {
	route := func(_ *http.Request, _ string) (int, string) {
		return http.StatusBadGateway, ""
	}
	c, fake := newTestClient(t, route, func(cfg *Config) { cfg.RetryMax = 1 })

	_, err := c.Get(testContext(t), "Patient")
	if Status(err) != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if IsClientError(err) {
		t.Error("5xx must not be a client error")
	}
	if fake.hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", fake.hits.Load())
	}
}

func TestGet_AuthChallengeResendsWithCredentials(t *testing.T) {
	route := func(r *http.Request, rel string) (int, string) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			return http.StatusUnauthorized, ""
		}
		return echoRoute(r, rel)
	}
	creds, err := NewBearerCredentials("secret")
	if err != nil {
		t.Fatalf("NewBearerCredentials: %v", err)
	}
	c, fake := newTestClient(t, route, func(cfg *Config) { cfg.RetryMax = 0 }, WithCredentials(creds))
	ctx := testContext(t)

	if _, err := c.Get(ctx, "Patient"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fake.hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", fake.hits.Load())
	}

	// later requests carry credentials from the start
	if _, err := c.Get(ctx, "Patient?x=1"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if fake.hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", fake.hits.Load())
	}
}

func TestGet_AuthRequiredWithoutCredentials(t *testing.T) {
	route := func(_ *http.Request, _ string) (int, string) {
		return http.StatusForbidden, ""
	}
	c, fake := newTestClient(t, route, nil)

	_, err := c.Get(testContext(t), "Patient")
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	if IsClientError(err) {
		t.Error("auth failures must not count as plain client errors")
	}
	if fake.hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", fake.hits.Load())
	}
}

// ---------------------------------------------------------------------------
// Cache tests
// ---------------------------------------------------------------------------

func TestGetWithCache_HitAvoidsNetwork(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, nil)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		resp, err := c.GetWithCache(ctx, "Patient?_summary=count")
		if err != nil {
			t.Fatalf("GetWithCache: %v", err)
		}
		if bundleID(t, resp) != "Patient?_summary=count" {
			t.Errorf("unexpected cached body")
		}
	}
	if fake.hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", fake.hits.Load())
	}
	st := c.Stats()
	if st.CacheHits != 1 || st.CacheMisses != 1 {
		t.Errorf("stats = %+v", st)
	}

	if err := c.ClearCache(ctx, DefaultPartition); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, err := c.GetWithCache(ctx, "Patient?_summary=count"); err != nil {
		t.Fatalf("GetWithCache: %v", err)
	}
	if fake.hits.Load() != 2 {
		t.Errorf("server hits after clear = %d, want 2", fake.hits.Load())
	}
}

func TestGetWithCache_Errors(t *testing.T) {
	notFound := func(_ *http.Request, _ string) (int, string) {
		return http.StatusNotFound, `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"not-found"}]}`
	}

	tests := []struct {
		name     string
		opts     []RequestOption
		wantHits int64
	}{
		{"not cached by default", nil, 2},
		{"cached on request", []RequestOption{WithCacheErrors()}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake := newTestClient(t, notFound, nil)
			ctx := testContext(t)
			for i := 0; i < 2; i++ {
				_, err := c.GetWithCache(ctx, "ResearchStudy?_summary=count", tt.opts...)
				if Status(err) != http.StatusNotFound {
					t.Fatalf("call %d: expected 404, got %v", i, err)
				}
			}
			if fake.hits.Load() != tt.wantHits {
				t.Errorf("server hits = %d, want %d", fake.hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestGetWithCache_NamedPartition(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, nil)
	ctx := testContext(t)

	if _, err := c.GetWithCache(ctx, "CodeSystem?url=x", WithCacheName("terminology")); err != nil {
		t.Fatalf("GetWithCache: %v", err)
	}
	if c.Cache().Len("terminology") != 1 || c.Cache().Len(DefaultPartition) != 0 {
		t.Errorf("entry stored in wrong partition")
	}
	if _, err := c.GetWithCache(ctx, "CodeSystem?url=x", WithCacheName("terminology")); err != nil {
		t.Fatalf("GetWithCache: %v", err)
	}
	if fake.hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", fake.hits.Load())
	}
}

// ---------------------------------------------------------------------------
// Pacing tests
// ---------------------------------------------------------------------------

func TestGet_RequestsPerSecondPacesRequests(t *testing.T) {
	c, fake := newTestClient(t, echoRoute, func(cfg *Config) {
		cfg.MaxRequestsPerBatch = 1
		cfg.RequestsPerSecond = 20
	})
	ctx := testContext(t)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, fmt.Sprintf("Patient?_id=p%d", i)); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	// burst of one, then one token every 50ms
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("three paced requests took %s, want >= 90ms", elapsed)
	}
	if fake.hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", fake.hits.Load())
	}
	st := c.Stats()
	if st.Sent != 3 || st.Batches != 0 {
		t.Errorf("stats = %+v", st)
	}
}
