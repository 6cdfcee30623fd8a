// Package skill implements the idempotent "ensure this computed artifact
// exists" protocol. An ensure call derives the target state identifier
// deterministically from the skill name, the ordered input states and the
// normalized parameters, collapses concurrent identical calls into one
// underlying invocation, returns immediately on a cache hit, and
// otherwise suspends on the push channel until the matching terminal
// event arrives. Business failures (object not found, low confidence,
// quota exceeded) come back as values on the Result, never as errors.
package skill
