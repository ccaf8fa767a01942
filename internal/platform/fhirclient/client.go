// Package fhirclient sends logical GET requests to a FHIR server, folding
// concurrent requests into batch Bundles and caching responses.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config controls batching, concurrency and retry behaviour.
type Config struct {
	BaseURL             string
	MaxRequestsPerBatch int
	MaxActiveRequests   int
	BatchTimeout        time.Duration
	BatchEnabled        bool
	RetryMax            int
	RetryWaitMin        time.Duration
	RetryWaitMax        time.Duration
	Timeout             time.Duration
	RequestsPerSecond   float64 // 0 = unlimited
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:             baseURL,
		MaxRequestsPerBatch: 10,
		MaxActiveRequests:   5,
		BatchTimeout:        20 * time.Millisecond,
		BatchEnabled:        true,
		RetryMax:            3,
		RetryWaitMin:        100 * time.Millisecond,
		RetryWaitMax:        2 * time.Second,
		Timeout:             60 * time.Second,
	}
}

// Response is the decoded answer to one logical request.
type Response struct {
	Status int
	Data   json.RawMessage
}

// Stats is a point-in-time readout of client activity.
type Stats struct {
	Queued      int64 `json:"queued"`
	Active      int64 `json:"active"`
	Sent        int64 `json:"sent"`
	Batches     int64 `json:"batches"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

type requestOptions struct {
	priority    int
	cacheName   string
	cacheErrors bool
}

// RequestOption customises a single Get or GetWithCache call.
type RequestOption func(*requestOptions)

// WithPriority sends the request ahead of queued requests with a lower
// priority. The default priority is 0.
func WithPriority(p int) RequestOption {
	return func(o *requestOptions) { o.priority = p }
}

// WithCacheName stores the response in a named, persisted partition instead
// of the default in-memory one.
func WithCacheName(name string) RequestOption {
	return func(o *requestOptions) { o.cacheName = name }
}

// WithCacheErrors also caches non-auth 4xx responses.
func WithCacheErrors() RequestOption {
	return func(o *requestOptions) { o.cacheErrors = true }
}

type result struct {
	resp *Response
	err  error
}

type pending struct {
	url      string
	priority int
	ctx      context.Context
	done     chan result
}

func (p *pending) settle(r result) {
	select {
	case p.done <- r:
	default:
	}
}

// Client is the batched request client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *retryablehttp.Client
	creds   CredentialSource
	limiter *rate.Limiter
	cache   *ResponseCache
	logger  zerolog.Logger

	elevated atomic.Bool

	enqueue  chan *pending
	finished chan struct{}
	clearReq chan chan int
	quit     chan struct{}
	stopped  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once

	// owned by the dispatcher goroutine
	queue  []*pending
	active int

	queued   atomic.Int64
	inFlight atomic.Int64
	sent     atomic.Int64
	batches  atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
}

// Option configures optional collaborators of a Client.
type Option func(*Client)

// WithCredentials sets the source used after an authentication challenge.
func WithCredentials(cs CredentialSource) Option {
	return func(c *Client) { c.creds = cs }
}

// WithCache replaces the default in-memory response cache.
func WithCache(rc *ResponseCache) Option {
	return func(c *Client) { c.cache = rc }
}

// WithHTTPClient replaces the underlying *http.Client (retries still apply).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// New creates a Client and starts its dispatcher. Call Close to stop it.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fhirclient: base url is required")
	}
	if cfg.MaxRequestsPerBatch < 1 {
		cfg.MaxRequestsPerBatch = 1
	}
	if cfg.MaxActiveRequests < 1 {
		cfg.MaxActiveRequests = 1
	}

	logger = logger.With().Str("component", "fhirclient").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		base:     strings.TrimSuffix(cfg.BaseURL, "/"),
		http:     newRetryClient(cfg, logger),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   logger,
		enqueue:  make(chan *pending),
		finished: make(chan struct{}),
		clearReq: make(chan chan int),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxRequestsPerBatch)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewResponseCache(0, nil, logger)
	}

	go c.run()
	return c, nil
}

// BaseURL returns the server base without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// Get queues a GET for url (absolute, or relative to the base URL) and
// waits for its response. Non-2xx answers are returned as *HTTPError.
func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	o := requestOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	p := &pending{url: url, priority: o.priority, ctx: ctx, done: make(chan result, 1)}
	select {
	case c.enqueue <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, ErrClosed
	}

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetWithCache answers from the response cache when possible and otherwise
// delegates to Get. Only successful responses are cached unless
// WithCacheErrors is given.
func (c *Client) GetWithCache(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	o := requestOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	key := c.absolute(url)

	if e, ok := c.cache.Get(ctx, o.cacheName, key); ok {
		c.hits.Add(1)
		return e.response()
	}
	c.misses.Add(1)

	resp, err := c.Get(ctx, url, opts...)
	if err == nil {
		c.cache.Set(ctx, o.cacheName, &Entry{URL: key, Status: resp.Status, Body: resp.Data})
		return resp, nil
	}

	var he *HTTPError
	if o.cacheErrors && errors.As(err, &he) && he.ClientError() {
		var body []byte
		if he.Outcome != nil {
			body, _ = json.Marshal(he.Outcome)
		}
		c.cache.Set(ctx, o.cacheName, &Entry{URL: key, Status: he.Status, Body: body})
	}
	return nil, err
}

// ClearPendingRequests drops every queued request that has not been sent yet.
// Their callers receive ErrAborted. Requests already in flight are not
// affected. It returns the number of dropped requests.
func (c *Client) ClearPendingRequests() int {
	reply := make(chan int, 1)
	select {
	case c.clearReq <- reply:
		return <-reply
	case <-c.quit:
		return 0
	}
}

// ClearCache drops a named cache partition ("" for the default one).
func (c *Client) ClearCache(ctx context.Context, name string) error {
	return c.cache.Clear(ctx, name)
}

// Cache exposes the response cache.
func (c *Client) Cache() *ResponseCache { return c.cache }

func (c *Client) Stats() Stats {
	return Stats{
		Queued:      c.queued.Load(),
		Active:      c.inFlight.Load(),
		Sent:        c.sent.Load(),
		Batches:     c.batches.Load(),
		CacheHits:   c.hits.Load(),
		CacheMisses: c.misses.Load(),
	}
}

// Close stops the dispatcher, aborts queued requests and cancels requests in
// flight.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.quit)
		<-c.stopped
		c.cancel()
	})
}

// absolute resolves url against the base URL.
func (c *Client) absolute(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return c.base + "/" + strings.TrimPrefix(url, "/")
}

// relative returns url relative to the base URL; ok is false for absolute
// URLs pointing elsewhere.
func (c *Client) relative(url string) (string, bool) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return strings.TrimPrefix(url, "/"), true
	}
	if rest, ok := strings.CutPrefix(url, c.base+"/"); ok {
		return rest, true
	}
	return "", false
}
