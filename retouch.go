// Package retouch provides a high-level façade over the core client
// components (session, transport, push stream & skill invoker) for
// driving a skill-based remote image-editing service. Most applications
// interact with this package by:
//  1. Creating a Client via New() with their credentials
//  2. Starting the push channel (StreamStart, or scoped via WithStream)
//  3. Uploading source images and chaining Ensure calls, each producing a
//     new immutable state reference
//
// The façade delegates the invocation protocol to skill.Invoker while
// keeping setup and usage ergonomics concise. All defaults are safe for
// local development and testing; production deployments typically supply
// a structured logger and tuned retry policies.
package retouch

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/retouch-go/config"
	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/logging"
	"github.com/hupe1980/retouch-go/session"
	"github.com/hupe1980/retouch-go/skill"
	"github.com/hupe1980/retouch-go/stream"
	"github.com/hupe1980/retouch-go/transport"
)

// Options configures the Client instance.
type Options struct {
	// BaseURL is the editor service endpoint.
	BaseURL string
	// Priority is the scheduling class merged into every skill
	// invocation.
	Priority core.Priority
	// DefaultTimeout bounds each wait for skill completion.
	DefaultTimeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// HTTPClient overrides the underlying http.Client.
	HTTPClient *http.Client
	// Retry overrides the transport retry policy.
	Retry transport.RetryPolicy
	// Reconnect overrides the push channel recovery policy.
	Reconnect stream.ReconnectPolicy
	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Client is the high-level façade aggregating the session, transport,
// push stream and invoker. It is safe for concurrent use; any number of
// Ensure calls may be in flight against the single push channel.
type Client struct {
	opts     Options
	sessions *session.Manager
	requests *transport.Client
	events   *stream.Stream
	invoker  *skill.Invoker
}

// New creates a client from a credentials string (an RTAPI- API key or a
// user:password pair) with optional overrides.
func New(credentials string, optFns ...func(o *Options)) (*Client, error) {
	creds, err := session.ParseCredentials(credentials)
	if err != nil {
		return nil, err
	}

	opts := Options{
		BaseURL:        config.DefaultBaseURL,
		Priority:       core.PriorityStandard,
		DefaultTimeout: 60 * time.Second,
		UserAgent:      "retouch-go",
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		Retry:          transport.DefaultRetryPolicy,
		Reconnect:      stream.DefaultReconnectPolicy,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	login := transport.New(opts.BaseURL, nil, func(o *transport.Options) {
		o.HTTPClient = opts.HTTPClient
		o.Retry = opts.Retry
		o.Logger = opts.Logger
		o.UserAgent = opts.UserAgent
	})
	sessions := session.NewManager(creds, login, func(o *session.Options) {
		o.Logger = opts.Logger
	})
	requests := transport.New(opts.BaseURL, sessions, func(o *transport.Options) {
		o.HTTPClient = opts.HTTPClient
		o.Retry = opts.Retry
		o.Logger = opts.Logger
		o.UserAgent = opts.UserAgent
	})
	events := stream.New(opts.BaseURL, requests, func(o *stream.Options) {
		o.Reconnect = opts.Reconnect
		o.Logger = opts.Logger
	})
	invoker := skill.New(requests, events, func(o *skill.Options) {
		o.Priority = opts.Priority
		o.DefaultTimeout = opts.DefaultTimeout
		o.Logger = opts.Logger
	})

	return &Client{opts: opts, sessions: sessions, requests: requests, events: events, invoker: invoker}, nil
}

// NewFromConfig creates a client from a config.Config. A non-empty log
// section builds a structured logger from it; explicit option functions
// still override everything the config set.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*Client, error) {
	return New(cfg.Credentials, func(o *Options) {
		if cfg.BaseURL != "" {
			o.BaseURL = cfg.BaseURL
		}
		if cfg.Priority != "" {
			o.Priority = core.Priority(cfg.Priority)
		}
		if cfg.DefaultTimeout > 0 {
			o.DefaultTimeout = cfg.DefaultTimeout
		}
		if cfg.UserAgent != "" {
			o.UserAgent = cfg.UserAgent
		}
		if cfg.Log != (config.LogConfig{}) {
			o.Logger = logging.NewSlogLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, false)
		}
		for _, fn := range optFns {
			fn(o)
		}
	})
}

// Login establishes the session. Callers using user/password credentials
// may skip it: the first authenticated request logs in lazily.
func (c *Client) Login(ctx context.Context) error {
	return c.sessions.Login(ctx)
}

// Logout stops the push channel if running and discards token material.
func (c *Client) Logout() {
	c.events.Stop()
	c.sessions.Logout()
}

// StreamStart opens the push channel. Required before any Ensure call
// that is not a pure cache hit.
func (c *Client) StreamStart(ctx context.Context) error {
	return c.events.Start(ctx)
}

// StreamStop closes the push channel, resolving any outstanding waiters
// with a cancellation fault.
func (c *Client) StreamStop() {
	c.events.Stop()
}

// WithStream runs fn with the push channel open and guarantees teardown
// on every exit path, including panics and fn errors.
func (c *Client) WithStream(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.events.Start(ctx); err != nil {
		return err
	}
	defer c.events.Stop()
	return fn(ctx)
}

// Upload stores image bytes as a new state. The filename is advisory;
// when empty a unique one is generated.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (core.State, error) {
	const op = "retouch.upload"
	if len(data) == 0 {
		return "", core.Errf(core.KindValidation, op, "upload data is empty")
	}
	if filename == "" {
		filename = "upload-" + uuid.NewString()
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", core.WrapErr(core.KindValidation, op, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", core.WrapErr(core.KindValidation, op, err)
	}
	if err := writer.Close(); err != nil {
		return "", core.WrapErr(core.KindValidation, op, err)
	}

	resp, err := c.requests.Do(ctx, core.Request{
		Method:      "POST",
		Path:        "state/upload",
		Raw:         body.Bytes(),
		ContentType: writer.FormDataContentType(),
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.State == "" {
		return "", core.Errf(core.KindNetwork, op, "upload reply carried no state")
	}
	return core.State(payload.State), nil
}

// Ensure invokes a skill over the given input states and parameters and
// returns its Result. See skill.Invoker.Ensure for the protocol.
func (c *Client) Ensure(ctx context.Context, skillName string, inputs []core.State, params map[string]any, optFns ...func(o *skill.EnsureOptions)) (core.Result, error) {
	return c.invoker.Ensure(ctx, core.Invocation{Skill: skillName, Inputs: inputs, Params: params}, optFns...)
}

// FetchImage returns the rendered bytes of a state.
func (c *Client) FetchImage(ctx context.Context, state core.State, format core.ImageFormat, resolution core.Resolution) ([]byte, error) {
	return c.invoker.FetchImage(ctx, state, core.ImageOut{Format: format, Resolution: resolution})
}

// StateMeta returns the server-held metadata of a state.
func (c *Client) StateMeta(ctx context.Context, state core.State) (map[string]any, error) {
	const op = "retouch.state_meta"
	if !state.Valid() {
		return nil, core.Errf(core.KindValidation, op, "invalid state id %q", state)
	}
	resp, err := c.requests.Do(ctx, core.Request{Method: "GET", Path: "state/meta/" + string(state)})
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(resp.Body, &meta); err != nil {
		return nil, core.Errf(core.KindNetwork, op, "metadata reply is not valid JSON")
	}
	return meta, nil
}
