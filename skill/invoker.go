package skill

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/logging"
	"github.com/hupe1980/retouch-go/observability"
)

// Options configures an Invoker instance.
type Options struct {
	// Priority is merged into every invocation's parameters unless the
	// caller set one explicitly.
	Priority core.Priority
	// DefaultTimeout bounds the wait for a terminal event when the ensure
	// call does not carry its own timeout.
	DefaultTimeout time.Duration
	// Logger receives invocation telemetry (defaults to NoOp if nil).
	Logger logging.Logger
}

// EnsureOptions tunes one ensure call.
type EnsureOptions struct {
	// WithImage additionally fetches the rendered bytes of the resulting
	// state.
	WithImage bool
	// Image selects how the inlined image is rendered.
	Image core.ImageOut
	// Timeout overrides the invoker's default wait bound.
	Timeout time.Duration
}

// Invoker issues skill invocations and correlates their completion
// events. It is safe for concurrent use; identical concurrent calls share
// one underlying invocation.
type Invoker struct {
	transport core.Requester
	stream    core.Subscriber
	priority  core.Priority
	timeout   time.Duration
	logger    logging.Logger
	group     singleflight.Group
}

// New creates an invoker over an authenticated requester and the
// session's push channel.
func New(transport core.Requester, stream core.Subscriber, optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Priority:       core.PriorityStandard,
		DefaultTimeout: 60 * time.Second,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{
		transport: transport,
		stream:    stream,
		priority:  opts.Priority,
		timeout:   opts.DefaultTimeout,
		logger:    opts.Logger,
	}
}

// Ensure makes sure the artifact computed by the invocation exists and
// returns its state reference. Identical requests are the same logical
// operation: replaying one is safe, creates no duplicate artifact, and
// attaches to a concurrent in-flight call instead of re-issuing it. A
// returned error is always a fault (validation, auth, transport, stream
// loss, timeout); a skill that ran and declined is a Failure on the
// Result.
func (i *Invoker) Ensure(ctx context.Context, inv core.Invocation, optFns ...func(o *EnsureOptions)) (core.Result, error) {
	opts := EnsureOptions{Image: core.DefaultImageOut, Timeout: i.timeout}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := inv.Validate(); err != nil {
		return core.Result{}, err
	}
	target, err := core.DeriveTarget(inv)
	if err != nil {
		return core.Result{}, err
	}

	ctx, span := observability.StartSpan(ctx, "retouch.ensure")
	defer span.End()
	observability.SetAttributes(ctx,
		observability.AttrSkill.String(inv.Skill),
		observability.AttrTargetState.String(string(target)),
	)

	start := time.Now()
	result, err := i.await(ctx, target, inv, opts.Timeout)
	if err != nil {
		observability.RecordError(ctx, err)
		observability.SkillInvocations.WithLabelValues(inv.Skill, "error").Inc()
		i.logger.Warn("ensure failed", "skill", inv.Skill, "target", target, "duration", time.Since(start), "error", err)
		return core.Result{}, err
	}

	if result.OK() {
		observability.SkillInvocations.WithLabelValues(inv.Skill, "success").Inc()
		if opts.WithImage {
			image, err := i.FetchImage(ctx, result.State, opts.Image)
			if err != nil {
				return core.Result{}, err
			}
			result.Image = image
		}
	} else {
		observability.SkillInvocations.WithLabelValues(inv.Skill, "failure").Inc()
	}
	i.logger.Debug("ensure completed", "skill", inv.Skill, "target", target, "ok", result.OK(), "duration", time.Since(start))
	return result, nil
}

// await runs the ensure protocol once per target, sharing the flight with
// every concurrent caller that derived the same identifier. The image
// fetch stays outside the shared flight because it varies per caller.
func (i *Invoker) await(ctx context.Context, target core.State, inv core.Invocation, timeout time.Duration) (core.Result, error) {
	ch := i.group.DoChan(string(target), func() (any, error) {
		// The flight outlives any single caller; it is bounded by its own
		// timeout, not by the first caller's context.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return i.invoke(flightCtx, target, inv)
	})

	// The local wait is bounded by this caller's own timeout even when it
	// attached to a flight started (and bounded) by an earlier caller.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.Err != nil {
			return core.Result{}, res.Err
		}
		return res.Val.(core.Result), nil
	case <-waitCtx.Done():
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return core.Result{}, core.Errf(core.KindTimeout, "skill.ensure", "ensure of %s timed out", target)
		}
		return core.Result{}, core.WrapErr(core.KindCancelled, "skill.ensure", ctx.Err())
	}
}

// invoke performs one invocation round: register the waiter, issue the
// request, short-circuit on a cache hit, otherwise suspend until the
// terminal event. The waiter is registered before the request is sent so
// an event racing the response cannot slip past the pending set.
func (i *Invoker) invoke(ctx context.Context, target core.State, inv core.Invocation) (core.Result, error) {
	const op = "skill.invoke"

	waiter, regErr := i.stream.Register(string(target))
	if waiter != nil {
		defer waiter.Cancel()
	}

	params := map[string]any{"priority": string(i.priority)}
	for k, v := range inv.Params {
		params[k] = v
	}

	resp, err := i.transport.Do(ctx, core.Request{Method: "POST", Path: inv.Path(), JSON: params})
	if err != nil {
		return core.Result{}, err
	}

	var payload struct {
		State  string `json:"state"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.State == "" {
		return core.Result{}, core.Errf(core.KindNetwork, op, "invocation reply for %s carried no state", inv.Skill)
	}
	state := core.State(payload.State)

	if payload.Status == "cached" {
		observability.SkillCacheHits.WithLabelValues(inv.Skill).Inc()
		observability.SetAttributes(ctx, observability.AttrCacheHit.Bool(true))
		return core.SuccessResult(state, nil), nil
	}

	// Accepted but pending: we need the push channel from here on.
	if regErr != nil {
		return core.Result{}, regErr
	}
	if payload.State != string(target) {
		// The server is the authority on the correlation key; re-register
		// under its identifier if it disagrees with the derivation.
		waiter.Cancel()
		waiter, regErr = i.stream.Register(payload.State)
		if regErr != nil {
			return core.Result{}, regErr
		}
		defer waiter.Cancel()
	}

	ev, err := waiter.Await(ctx)
	if err != nil {
		return core.Result{}, err
	}
	if ev.Status == core.StatusFailed {
		reason := ev.Error
		if reason == "" {
			reason = "skill.failed"
		}
		return core.FailureResult(reason), nil
	}
	return core.SuccessResult(state, ev.Meta), nil
}

// FetchImage returns the rendered bytes of a state in the requested
// format and resolution.
func (i *Invoker) FetchImage(ctx context.Context, state core.State, out core.ImageOut) ([]byte, error) {
	if !state.Valid() {
		return nil, core.Errf(core.KindValidation, "skill.fetch_image", "invalid state id %q", state)
	}
	query := url.Values{}
	query.Set("format", string(out.Format))
	query.Set("resolution", string(out.Resolution))
	resp, err := i.transport.Do(ctx, core.Request{Method: "GET", Path: "state/image/" + string(state), Query: query})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
