package core

import (
	"context"
	"net/http"
	"net/url"
)

// Request describes one call to the editor service. Exactly one of JSON
// and Raw may be set; JSON is marshalled, Raw is sent verbatim with
// ContentType.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	JSON        any
	Raw         []byte
	ContentType string
}

// Response is the decoded-enough view of a service reply: transports
// resolve retries, backoff and authentication before returning, so a
// Response always carries a non-retryable outcome.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Requester executes requests against the editor service. Implementations
// classify failures into the error taxonomy, retry transient ones, and
// transparently refresh credentials once on an authentication rejection.
type Requester interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TokenSource owns credential material and the current access token.
type TokenSource interface {
	// Token returns a token valid for at least a short grace window,
	// refreshing first if needed. Concurrent callers share one in-flight
	// refresh.
	Token(ctx context.Context) (string, error)
	// AuthRejected is invoked by the transport when a request fails
	// authentication despite a seemingly valid token. It forces one
	// refresh and returns the new token; a second consecutive rejection
	// must be treated as fatal by the caller.
	AuthRejected(ctx context.Context, rejected string) (string, error)
}

// Subscriber routes push events to pending operations. Register creates a
// pending operation under the correlation key and returns the handle the
// caller suspends on. Registering a key that is already pending returns
// the existing operation's handle.
type Subscriber interface {
	Register(key string) (Waiter, error)
}
