package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/internal/testutil"
	"github.com/hupe1980/retouch-go/transport"
)

var _ core.TokenSource = (*Manager)(nil)

func TestParseCredentials(t *testing.T) {
	key, err := ParseCredentials("RTAPI-abc123")
	require.NoError(t, err)
	assert.True(t, key.IsAPIKey())

	pair, err := ParseCredentials("user@example.com:hunter2")
	require.NoError(t, err)
	assert.False(t, pair.IsAPIKey())
	assert.Equal(t, "user@example.com", pair.User)
	assert.Equal(t, "hunter2", pair.Password)

	for _, bad := range []string{"", "useronly", ":nopass", "nouser:"} {
		_, err := ParseCredentials(bad)
		require.Error(t, err, bad)
		assert.True(t, core.IsKind(err, core.KindValidation))
	}
}

// testClock is a mutable clock for expiry control.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManagerForService(t *testing.T, svc *testutil.Service, clock *testClock) *Manager {
	t.Helper()
	creds, err := ParseCredentials(svc.Credentials())
	require.NoError(t, err)
	login := transport.New(svc.URL(), nil)
	return NewManager(creds, login, func(o *Options) {
		if clock != nil {
			o.Clock = clock.Now
		}
	})
}

func TestLoginAndTokenCaching(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	m := newManagerForService(t, svc, nil)
	require.NoError(t, m.Login(context.Background()))
	assert.True(t, m.LoggedIn())

	first, err := m.Token(context.Background())
	require.NoError(t, err)
	second, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, svc.LoginCalls.Load())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	login := transport.New(svc.URL(), nil)
	m := NewManager(Credentials{User: "user@example.com", Password: "wrong"}, login)
	err := m.Login(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindAuth))
	assert.False(t, m.LoggedIn())
}

func TestTokenRefreshesWhenExpired(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()
	svc.TokenTTL = time.Hour

	clock := &testClock{now: time.Now()}
	m := newManagerForService(t, svc, clock)

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, svc.LoginCalls.Load())

	// Still fresh: no new exchange.
	clock.Advance(10 * time.Minute)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, svc.LoginCalls.Load())

	// Past expiry: refreshed in place.
	clock.Advance(2 * time.Hour)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, svc.LoginCalls.Load())
}

func TestTokenRefreshSingleFlight(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	m := newManagerForService(t, svc, nil)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, svc.LoginCalls.Load())
	for i := 1; i < callers; i++ {
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestAPIKeyPassthrough(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	login := transport.New(svc.URL(), nil)
	m := NewManager(Credentials{APIKey: "RTAPI-test-key"}, login)
	require.NoError(t, m.Login(context.Background()))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RTAPI-test-key", tok)
	assert.EqualValues(t, 0, svc.LoginCalls.Load())

	// A rejected API key cannot be refreshed.
	_, err = m.AuthRejected(context.Background(), tok)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindAuth))
}

func TestAuthRejectedRefreshesOnce(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	m := newManagerForService(t, svc, nil)
	stale, err := m.Token(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, svc.LoginCalls.Load())

	fresh, err := m.AuthRejected(context.Background(), stale)
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)
	assert.EqualValues(t, 2, svc.LoginCalls.Load())
}

func TestAuthRejectedSkipsRefreshWhenTokenAlreadyReplaced(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	m := newManagerForService(t, svc, nil)
	stale, err := m.Token(context.Background())
	require.NoError(t, err)

	fresh, err := m.AuthRejected(context.Background(), stale)
	require.NoError(t, err)
	require.EqualValues(t, 2, svc.LoginCalls.Load())

	// A second rejection report for the old token rides on the refresh
	// that already happened.
	again, err := m.AuthRejected(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, fresh, again)
	assert.EqualValues(t, 2, svc.LoginCalls.Load())
}

func TestLogoutDiscardsToken(t *testing.T) {
	svc := testutil.NewService(nil)
	defer svc.Close()

	m := newManagerForService(t, svc, nil)
	_, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Logout()
	assert.False(t, m.LoggedIn())

	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, svc.LoginCalls.Load())
}
