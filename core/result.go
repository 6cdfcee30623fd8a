package core

import (
	"encoding/json"
	"strings"
)

// Failure is an expected, non-fault outcome of a skill: the server ran the
// skill and reported that it could not produce the artifact. Reason is a
// machine-readable dotted code such as "bbox.not_found" or
// "quota.exceeded". Failures are values on the Result, never Go errors,
// so callers branch on them explicitly and nothing retries them.
type Failure struct {
	Reason string
}

// Class returns the leading segment of the reason code ("bbox",
// "quota", ...), useful for coarse branching.
func (f Failure) Class() string {
	if i := strings.IndexByte(f.Reason, '.'); i >= 0 {
		return f.Reason[:i]
	}
	return f.Reason
}

// NotFound reports whether the failure is a "something was not found in
// the image" class outcome.
func (f Failure) NotFound() bool {
	return strings.HasSuffix(f.Reason, ".not_found") || f.Reason == "not_found"
}

func (f Failure) String() string { return f.Reason }

// Result is the tagged outcome of an ensure call: either a State reference
// (with optional metadata and inlined image bytes) or a Failure. Exactly
// one of the two branches is populated.
type Result struct {
	// State references the produced artifact. Set on success only.
	State State
	// Meta carries the event's metadata payload, if any.
	Meta json.RawMessage
	// Image holds the rendered bytes when the call asked for an inlined
	// image.
	Image []byte
	// Failure is non-nil when the skill reported a business failure.
	Failure *Failure
}

// OK reports whether the invocation produced an artifact.
func (r Result) OK() bool { return r.Failure == nil }

// SuccessResult builds the success branch.
func SuccessResult(state State, meta json.RawMessage) Result {
	return Result{State: state, Meta: meta}
}

// FailureResult builds the failure branch.
func FailureResult(reason string) Result {
	return Result{Failure: &Failure{Reason: reason}}
}
