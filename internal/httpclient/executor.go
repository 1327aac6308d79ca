package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/internal/rate"
)

// ErrServer wraps 5xx responses that survived every retry.
var ErrServer = errors.New("server error")

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Executor handles rate-limited, retrying HTTP execution with JSON decoding.
type Executor struct {
	logger       *zap.Logger
	rateMgr      *rate.Manager
	http         *http.Client
	retryMax     int
	venueTag     string
	errorHandler func(status int, body []byte) error
}

type callOptions struct {
	retryMax int
	endpoint string
}

// CallOption tunes a single DoJSON call.
type CallOption func(*callOptions)

// NoRetry makes the call a single attempt. Required for non-idempotent calls.
func NoRetry() CallOption {
	return func(o *callOptions) { o.retryMax = 0 }
}

// Endpoint sets the metrics label; defaults to the URL path.
func Endpoint(name string) CallOption {
	return func(o *callOptions) { o.endpoint = name }
}

// New creates an Executor. errorHandler is called on 4xx failure responses to produce a
// venue-specific error. If nil, a default error is returned.
func New(
	logger *zap.Logger,
	rateMgr *rate.Manager,
	httpClient *http.Client,
	retryMax int,
	venueTag string,
	errorHandler func(status int, body []byte) error,
) *Executor {
	return &Executor{
		logger:       logger,
		rateMgr:      rateMgr,
		http:         httpClient,
		retryMax:     retryMax,
		venueTag:     venueTag,
		errorHandler: errorHandler,
	}
}

// DoJSON executes req with rate limiting and retries, then JSON-decodes the response into out.
// rateLimitKey scopes the rate limiter per account. Transport errors and 5xx are retried
// unless NoRetry is given; 4xx go to the error handler; 429 also starts the limiter cooldown.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, rateLimitKey string, out any, opts ...CallOption) error {
	o := callOptions{retryMax: e.retryMax, endpoint: req.URL.Path}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for attempt := 0; attempt <= o.retryMax; attempt++ {
		if attempt > 0 {
			if err := rate.Pause(ctx, Backoff(attempt-1)); err != nil {
				return fmt.Errorf("%s retry aborted: %w (last error: %v)", e.venueTag, err, lastErr)
			}
			if err := rewind(req); err != nil {
				return err
			}
		}
		if e.rateMgr != nil {
			if err := e.rateMgr.Wait(ctx, rateLimitKey); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		start := time.Now()
		resp, err := e.http.Do(req)
		metrics.ObserveDuration(metrics.MarketRequestDuration, start, o.endpoint, req.Method)
		if err != nil {
			lastErr = err
			metrics.IncMarketRequest(o.endpoint, req.Method, "transport_error")
			e.logger.Warn(e.venueTag+".http_failed",
				zap.String("endpoint", o.endpoint),
				zap.Error(err),
				zap.Int("attempt", attempt))
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)
		metrics.IncMarketRequest(o.endpoint, req.Method, strconv.Itoa(resp.StatusCode))

		if resp.StatusCode == http.StatusTooManyRequests && e.rateMgr != nil {
			e.rateMgr.Throttled(rateLimitKey)
		}

		if resp.StatusCode >= 500 {
			e.logger.Warn(e.venueTag+".server_error",
				zap.Int("status", resp.StatusCode),
				zap.String("endpoint", o.endpoint),
				zap.Duration("latency", elapsed),
				zap.Int("attempt", attempt))
			lastErr = fmt.Errorf("%s %w: %d", e.venueTag, ErrServer, resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			if e.errorHandler != nil {
				return e.errorHandler(resp.StatusCode, body)
			}
			return fmt.Errorf("%s returned %d", e.venueTag, resp.StatusCode)
		}

		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				e.logger.Warn(e.venueTag+".decode_failed",
					zap.Error(err),
					zap.String("endpoint", o.endpoint),
					zap.String("body", string(body)))
				return fmt.Errorf("decode failed: %w", err)
			}
		}

		e.logger.Debug(e.venueTag+".http_success",
			zap.String("endpoint", o.endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))

		return nil
	}

	return fmt.Errorf("%s request failed after %d attempts: %w", e.venueTag, o.retryMax+1, lastErr)
}

// rewind resets the request body before a retry.
func rewind(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind request body: %w", err)
	}
	req.Body = body
	return nil
}
