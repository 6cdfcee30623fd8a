package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/logging"
	"github.com/hupe1980/retouch-go/observability"
)

// RetryPolicy bounds the retry behavior for transient failures. Attempt
// delays double from BaseDelay up to MaxDelay. The exact counts are not
// mandated by the service; these are configurable policy with safe
// defaults.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the doubling.
	MaxDelay time.Duration
}

// DefaultRetryPolicy retries three times after the initial attempt.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Delay returns the backoff before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Options configures a Client instance.
type Options struct {
	// HTTPClient overrides the underlying http.Client.
	HTTPClient *http.Client
	// Retry overrides the retry policy.
	Retry RetryPolicy
	// Logger receives request telemetry (defaults to NoOp if nil).
	Logger logging.Logger
	// UserAgent is sent on every request.
	UserAgent string
}

// Client executes requests against one editor service base URL. It is
// safe for concurrent use. When constructed with a nil token source the
// client sends unauthenticated requests (used for the login exchange
// itself).
type Client struct {
	baseURL   string
	tokens    core.TokenSource
	http      *http.Client
	retry     RetryPolicy
	logger    logging.Logger
	userAgent string
}

var _ core.Requester = (*Client)(nil)

// New creates a transport client for the given base URL. The token source
// may be nil for unauthenticated use.
func New(baseURL string, tokens core.TokenSource, optFns ...func(o *Options)) *Client {
	opts := Options{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Retry:      DefaultRetryPolicy,
		Logger:     logging.NoOpLogger{},
		UserAgent:  "retouch-go",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		tokens:    tokens,
		http:      opts.HTTPClient,
		retry:     opts.Retry,
		logger:    opts.Logger,
		userAgent: opts.UserAgent,
	}
}

// BaseURL returns the configured service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do executes the request, retrying connection failures and 5xx replies
// per the retry policy and delegating exactly one refresh-and-retry to the
// token source on an authentication rejection. The returned error is
// always a *core.Error; a non-nil Response always carries a 2xx status.
func (c *Client) Do(ctx context.Context, req core.Request) (*core.Response, error) {
	const op = "transport.do"

	ctx, span := observability.StartSpan(ctx, "retouch.request")
	defer span.End()
	observability.SetAttributes(ctx,
		observability.AttrHTTPMethod.String(req.Method),
		observability.AttrHTTPPath.String(req.Path),
	)

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, core.WrapErr(core.KindValidation, op, err)
	}

	start := time.Now()
	attempts := 0
	refreshed := false
	token := ""
	if c.tokens != nil {
		token, err = c.tokens.Token(ctx)
		if err != nil {
			observability.RecordError(ctx, err)
			return nil, err
		}
	}

	var lastErr *core.Error
	for attempts < c.retry.MaxAttempts {
		attempts++
		if attempts > 1 {
			observability.RequestRetries.Inc()
			select {
			case <-time.After(c.retry.Delay(attempts - 1)):
			case <-ctx.Done():
				return nil, c.finish(req, 0, attempts, start, ctxError(op, ctx))
			}
		}

		resp, httpErr := c.execute(ctx, req, body, contentType, token)
		if httpErr != nil {
			if ctx.Err() != nil {
				return nil, c.finish(req, 0, attempts, start, ctxError(op, ctx))
			}
			lastErr = classifyNetError(op, httpErr)
			c.logger.Debug("request attempt failed", "method", req.Method, "path", req.Path, "attempt", attempts, "error", httpErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			observability.RequestsTotal.WithLabelValues(req.Method, "ok").Inc()
			observability.RequestLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			observability.SetAttributes(ctx,
				observability.AttrHTTPStatus.Int(resp.StatusCode),
				observability.AttrAttempts.Int(attempts),
			)
			c.logger.Debug("request completed", "method", req.Method, "path", req.Path, "status", resp.StatusCode, "attempts", attempts)
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if c.tokens == nil || refreshed {
				err := core.Errf(core.KindAuth, op, "authentication rejected (%d) for %s %s", resp.StatusCode, req.Method, req.Path)
				return nil, c.finish(req, resp.StatusCode, attempts, start, err)
			}
			refreshed = true
			token, err = c.tokens.AuthRejected(ctx, token)
			if err != nil {
				return nil, c.finish(req, resp.StatusCode, attempts, start, err)
			}
			// The refreshed retry does not consume a transient-retry slot.
			attempts--
			continue

		case resp.StatusCode >= 500:
			lastErr = core.Errf(core.KindServer, op, "server error %d for %s %s: %s", resp.StatusCode, req.Method, req.Path, errorDetail(resp.Body))
			c.logger.Debug("server error, will retry", "method", req.Method, "path", req.Path, "status", resp.StatusCode, "attempt", attempts)
			continue

		default:
			// Remaining 4xx: caller-side, never retried.
			err := core.Errf(core.KindValidation, op, "request rejected with %d for %s %s: %s", resp.StatusCode, req.Method, req.Path, errorDetail(resp.Body))
			return nil, c.finish(req, resp.StatusCode, attempts, start, err)
		}
	}

	if lastErr == nil {
		lastErr = core.Errf(core.KindNetwork, op, "no attempts made")
	}
	return nil, c.finish(req, 0, attempts, start, lastErr)
}

// finish records telemetry for a terminal failure and returns err.
func (c *Client) finish(req core.Request, status, attempts int, start time.Time, err error) error {
	outcome := "retryable"
	var ce *core.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case core.KindAuth:
			outcome = "auth"
		case core.KindValidation:
			outcome = "client_error"
		case core.KindServer:
			outcome = "server_error"
		}
	}
	observability.RequestsTotal.WithLabelValues(req.Method, outcome).Inc()
	observability.RequestLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	c.logger.Warn("request failed", "method", req.Method, "path", req.Path, "status", status, "attempts", attempts, "error", err)
	return err
}

// execute performs one HTTP round trip and drains the reply.
func (c *Client) execute(ctx context.Context, req core.Request, body []byte, contentType, token string) (*core.Response, error) {
	url := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		url += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &core.Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// encodeBody resolves the request body and content type.
func encodeBody(req core.Request) ([]byte, string, error) {
	if req.JSON != nil && req.Raw != nil {
		return nil, "", fmt.Errorf("request sets both JSON and Raw bodies")
	}
	if req.JSON != nil {
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("marshal request body: %w", err)
		}
		return data, "application/json", nil
	}
	if req.Raw != nil {
		return req.Raw, req.ContentType, nil
	}
	return nil, "", nil
}

// classifyNetError maps a round-trip failure onto the taxonomy.
func classifyNetError(op string, err error) *core.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.WrapErr(core.KindTimeout, op, err)
	}
	return core.WrapErr(core.KindNetwork, op, err)
}

// ctxError maps a done context onto the taxonomy.
func ctxError(op string, ctx context.Context) *core.Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.WrapErr(core.KindTimeout, op, ctx.Err())
	}
	return core.WrapErr(core.KindCancelled, op, ctx.Err())
}

// errorDetail extracts the service's error field from a reply body, if
// present, for diagnostics.
func errorDetail(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
