package skill

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/internal/testutil"
	"github.com/hupe1980/retouch-go/stream"
	"github.com/hupe1980/retouch-go/transport"
)

type staticTokens struct{ key string }

func (s staticTokens) Token(context.Context) (string, error) { return s.key, nil }

func (s staticTokens) AuthRejected(context.Context, string) (string, error) {
	return "", core.Errf(core.KindAuth, "test", "rejected")
}

type fixture struct {
	svc     *testutil.Service
	stream  *stream.Stream
	invoker *Invoker
}

func newFixture(t *testing.T, behaviors map[string]testutil.SkillBehavior) *fixture {
	t.Helper()
	svc := testutil.NewService(behaviors)
	t.Cleanup(svc.Close)

	authed := transport.New(svc.URL(), staticTokens{key: svc.APIKey})
	st := stream.New(svc.URL(), authed)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(st.Stop)

	return &fixture{svc: svc, stream: st, invoker: New(authed, st)}
}

func eraseInvocation() core.Invocation {
	return core.Invocation{
		Skill:  "erase",
		Inputs: []core.State{"st-input0001", "st-maskzone2"},
		Params: map[string]any{"mode": "free"},
	}
}

func TestEnsurePendingPathSucceeds(t *testing.T) {
	f := newFixture(t, map[string]testutil.SkillBehavior{
		"erase": {Delay: 20 * time.Millisecond, ProgressEvents: 2, Meta: map[string]any{"width": 1024}},
	})

	inv := eraseInvocation()
	target, err := core.DeriveTarget(inv)
	require.NoError(t, err)

	result, err := f.invoker.Ensure(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, result.OK())
	assert.Equal(t, target, result.State)
	assert.EqualValues(t, 1, f.svc.SkillCalls.Load())
	assert.Equal(t, 0, f.stream.Pending(), "waiter released after resolution")

	var meta map[string]any
	require.NoError(t, json.Unmarshal(result.Meta, &meta))
	assert.EqualValues(t, 1024, meta["width"])
}

func TestEnsureReplayHitsCache(t *testing.T) {
	f := newFixture(t, nil)

	inv := eraseInvocation()
	first, err := f.invoker.Ensure(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, first.OK())

	second, err := f.invoker.Ensure(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, second.OK())
	assert.Equal(t, first.State, second.State)
	assert.EqualValues(t, 2, f.svc.SkillCalls.Load())
	assert.Equal(t, 0, f.stream.Pending())
}

func TestEnsureDistinctParamsDistinctArtifacts(t *testing.T) {
	f := newFixture(t, nil)

	inv := eraseInvocation()
	first, err := f.invoker.Ensure(context.Background(), inv)
	require.NoError(t, err)

	inv.Params = map[string]any{"mode": "full"}
	second, err := f.invoker.Ensure(context.Background(), inv)
	require.NoError(t, err)
	assert.NotEqual(t, first.State, second.State)
}

func TestEnsureBusinessFailureIsAValue(t *testing.T) {
	f := newFixture(t, map[string]testutil.SkillBehavior{
		"infer-bbox": {FailReason: "skill.object.not_found"},
	})

	result, err := f.invoker.Ensure(context.Background(), core.Invocation{
		Skill:  "infer-bbox",
		Inputs: []core.State{"st-input0001"},
		Params: map[string]any{"product_name": "unicorn"},
	})
	require.NoError(t, err, "a skill that ran and declined is not a transport fault")
	require.False(t, result.OK())
	assert.Equal(t, "skill.object.not_found", result.Failure.Reason)
	assert.True(t, result.Failure.NotFound())
}

func TestEnsureConcurrentCallersShareOneInvocation(t *testing.T) {
	f := newFixture(t, map[string]testutil.SkillBehavior{
		"erase": {Delay: 50 * time.Millisecond},
	})

	const callers = 8
	results := make([]core.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.invoker.Ensure(context.Background(), eraseInvocation())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.svc.SkillCalls.Load(), "identical concurrent calls share one flight")
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0].State, results[i].State)
	}
}

func TestEnsureValidatesBeforeSending(t *testing.T) {
	f := newFixture(t, nil)

	cases := []core.Invocation{
		{Skill: "", Inputs: []core.State{"st-a"}},
		{Skill: "erase"},
		{Skill: "erase", Inputs: []core.State{"not-a-state"}},
	}
	for _, inv := range cases {
		_, err := f.invoker.Ensure(context.Background(), inv)
		require.Error(t, err)
		assert.True(t, core.IsKind(err, core.KindValidation))
	}
	assert.EqualValues(t, 0, f.svc.SkillCalls.Load())
}

func TestEnsureTimesOutAndReleasesWaiter(t *testing.T) {
	f := newFixture(t, map[string]testutil.SkillBehavior{
		"erase": {Delay: 5 * time.Second},
	})

	_, err := f.invoker.Ensure(context.Background(), eraseInvocation(), func(o *EnsureOptions) {
		o.Timeout = 50 * time.Millisecond
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTimeout))
	assert.True(t, core.IsRetryable(err))
	assert.Eventually(t, func() bool { return f.stream.Pending() == 0 },
		time.Second, 5*time.Millisecond, "timed-out wait leaves no registration behind")
}

func TestAttachedCallerBoundedByOwnTimeout(t *testing.T) {
	f := newFixture(t, map[string]testutil.SkillBehavior{
		"erase": {Delay: 500 * time.Millisecond},
	})

	first := make(chan error, 1)
	go func() {
		_, err := f.invoker.Ensure(context.Background(), eraseInvocation())
		first <- err
	}()

	// Let the shared flight start before attaching to it.
	require.Eventually(t, func() bool { return f.svc.SkillCalls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := f.invoker.Ensure(context.Background(), eraseInvocation(), func(o *EnsureOptions) {
		o.Timeout = 50 * time.Millisecond
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTimeout))
	assert.Less(t, time.Since(start), 400*time.Millisecond, "attached wait honors its own bound")

	require.NoError(t, <-first, "the shared flight is not disturbed by an attacher timing out")
	assert.EqualValues(t, 1, f.svc.SkillCalls.Load())
}

func TestEnsureRetriesTransientServerFault(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.FailNextSkill.Store(1)

	result, err := f.invoker.Ensure(context.Background(), eraseInvocation())
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.EqualValues(t, 2, f.svc.SkillCalls.Load(), "one 500 plus the successful retry")
}

func TestEnsureWithImage(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.invoker.Ensure(context.Background(), eraseInvocation(), func(o *EnsureOptions) {
		o.WithImage = true
		o.Image = core.ImageOut{Format: core.FormatPNG, Resolution: core.ResolutionFull}
	})
	require.NoError(t, err)
	require.True(t, result.OK())
	assert.Equal(t, []byte("image:erase:"+string(result.State)), result.Image)
}

func TestEnsureRequiresStreamForPendingWork(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	authed := transport.New(svc.URL(), staticTokens{key: svc.APIKey})
	idle := stream.New(svc.URL(), authed) // never started
	invoker := New(authed, idle)

	_, err := invoker.Ensure(context.Background(), eraseInvocation())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConnection))
}

func TestFetchImageValidatesState(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.invoker.FetchImage(context.Background(), "bogus", core.DefaultImageOut)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}
