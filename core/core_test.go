package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateValid(t *testing.T) {
	assert.True(t, State("st-abc123").Valid())
	assert.False(t, State("").Valid())
	assert.False(t, State("st-").Valid())
	assert.False(t, State("abc123").Valid())
	assert.False(t, State("st-a/b").Valid())
	assert.False(t, State("st-a b").Valid())
}

func TestInvocationValidate(t *testing.T) {
	valid := Invocation{Skill: "segment", Inputs: []State{"st-a"}}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		inv  Invocation
	}{
		{"empty skill", Invocation{Inputs: []State{"st-a"}}},
		{"skill with slash", Invocation{Skill: "a/b", Inputs: []State{"st-a"}}},
		{"no inputs", Invocation{Skill: "segment"}},
		{"bad input id", Invocation{Skill: "segment", Inputs: []State{"nope"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.inv.Validate()
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
		})
	}
}

func TestInvocationPath(t *testing.T) {
	inv := Invocation{Skill: "erase", Inputs: []State{"st-a", "st-b"}}
	assert.Equal(t, "skills/erase/st-a/st-b", inv.Path())
}

func TestErrorWrappingAndKinds(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := WrapErr(KindNetwork, "transport.do", cause)

	assert.True(t, IsKind(err, KindNetwork))
	assert.False(t, IsKind(err, KindAuth))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "transport.do")
	assert.Contains(t, err.Error(), "network")

	wrapped := fmt.Errorf("ensure: %w", err)
	assert.True(t, IsKind(wrapped, KindNetwork))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Errf(KindNetwork, "op", "x")))
	assert.True(t, IsRetryable(Errf(KindStreamLost, "op", "x")))
	assert.True(t, IsRetryable(Errf(KindTimeout, "op", "x")))
	assert.True(t, IsRetryable(Errf(KindServer, "op", "x")))
	assert.False(t, IsRetryable(Errf(KindValidation, "op", "x")))
	assert.False(t, IsRetryable(Errf(KindAuth, "op", "x")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestFailureClassification(t *testing.T) {
	f := Failure{Reason: "bbox.not_found"}
	assert.Equal(t, "bbox", f.Class())
	assert.True(t, f.NotFound())

	q := Failure{Reason: "quota.exceeded"}
	assert.Equal(t, "quota", q.Class())
	assert.False(t, q.NotFound())
}

func TestResultTaggedUnion(t *testing.T) {
	ok := SuccessResult("st-a", nil)
	assert.True(t, ok.OK())
	assert.Nil(t, ok.Failure)

	bad := FailureResult("object.not_found")
	assert.False(t, bad.OK())
	require.NotNil(t, bad.Failure)
	assert.Equal(t, "object.not_found", bad.Failure.Reason)
	assert.Empty(t, bad.State)
}

func TestEventTerminal(t *testing.T) {
	assert.False(t, Event{Status: StatusProgress}.Terminal())
	assert.True(t, Event{Status: StatusSucceeded}.Terminal())
	assert.True(t, Event{Status: StatusFailed}.Terminal())
}
