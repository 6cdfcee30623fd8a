package core

import "strings"

// Invocation is one logical skill request: a skill name, the ordered input
// states it consumes and its parameter mapping. Two invocations with
// identical fields are the same logical operation: the target identifier
// derived from them is the same, so replaying one is idempotent by
// construction.
type Invocation struct {
	Skill  string
	Inputs []State
	Params map[string]any
}

// Validate fails fast, before any network traffic, when the invocation is
// malformed: empty or path-breaking skill name, no inputs, or an invalid
// input state id.
func (inv Invocation) Validate() error {
	if inv.Skill == "" {
		return Errf(KindValidation, "invocation", "skill name is empty")
	}
	if strings.ContainsAny(inv.Skill, "/ \t\n") {
		return Errf(KindValidation, "invocation", "skill name %q is not a valid path segment", inv.Skill)
	}
	if len(inv.Inputs) == 0 {
		return Errf(KindValidation, "invocation", "skill %q requires at least one input state", inv.Skill)
	}
	for _, st := range inv.Inputs {
		if !st.Valid() {
			return Errf(KindValidation, "invocation", "invalid input state id %q", st)
		}
	}
	return nil
}

// Path returns the routing path for the invocation:
// skills/<skill>/<input0>/<input1>/... The path is a pure function of the
// skill name and the ordered inputs, which makes retried and duplicate
// calls idempotent at the routing layer.
func (inv Invocation) Path() string {
	var b strings.Builder
	b.WriteString("skills/")
	b.WriteString(inv.Skill)
	for _, st := range inv.Inputs {
		b.WriteByte('/')
		b.WriteString(string(st))
	}
	return b.String()
}
