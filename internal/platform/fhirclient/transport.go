package fhirclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.logger.Error().Fields(kv).Msg(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn().Fields(kv).Msg(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.logger.Info().Fields(kv).Msg(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.logger.Trace().Fields(kv).Msg(msg) }

func newRetryClient(cfg Config, logger zerolog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	rc.Logger = retryLogger{logger: logger}
	// hand the last response back instead of a generic "giving up" error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

// do performs one physical request. Transient failures are retried by the
// retry client; a 401/403 answer triggers a single re-send with credentials
// that does not consume the retry budget.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	status, data, err := c.roundTrip(ctx, method, url, body, c.elevated.Load())
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return status, data, nil
	}
	if c.creds == nil || c.elevated.Load() {
		return status, data, nil
	}

	c.logger.Info().Str("url", url).Int("status", status).Msg("authentication challenge, retrying with credentials")
	status, data, err = c.roundTrip(ctx, method, url, body, true)
	if err != nil {
		return 0, nil, err
	}
	if isSuccess(status) {
		c.elevated.Store(true)
	}
	return status, data, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte, withCredentials bool) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var raw interface{}
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if withCredentials && c.creds != nil {
		if err := c.creds.Apply(req.Request); err != nil {
			return 0, nil, err
		}
	}

	c.sent.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
			return 0, nil, ErrClosed
		}
		return 0, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}
