package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/logging"
	"github.com/hupe1980/retouch-go/observability"
)

// Options configures a Manager instance.
type Options struct {
	// GraceWindow is how long before expiry a token is treated as stale.
	GraceWindow time.Duration
	// FallbackTTL is assumed for tokens that carry no readable expiry.
	FallbackTTL time.Duration
	// Logger receives session telemetry (defaults to NoOp if nil).
	Logger logging.Logger
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Manager implements core.TokenSource over one set of credentials. It is
// safe for concurrent use from any number of simultaneous invocations;
// the token and expiry fields are the only shared mutable state and all
// refreshes funnel through a single-flight group.
type Manager struct {
	creds Credentials
	login core.Requester // unauthenticated transport for the login exchange
	grace time.Duration
	ttl   time.Duration
	now   func() time.Time

	logger logging.Logger
	group  singleflight.Group

	mu       sync.Mutex
	token    string
	expiry   time.Time
	loggedIn bool
}

var _ core.TokenSource = (*Manager)(nil)

// NewManager creates a session manager. The requester must execute
// unauthenticated requests against the service (it performs the login
// exchange itself, so it cannot depend on this manager).
func NewManager(creds Credentials, login core.Requester, optFns ...func(o *Options)) *Manager {
	opts := Options{
		GraceWindow: 30 * time.Second,
		FallbackTTL: 10 * time.Minute,
		Logger:      logging.NoOpLogger{},
		Clock:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		creds:  creds,
		login:  login,
		grace:  opts.GraceWindow,
		ttl:    opts.FallbackTTL,
		now:    opts.Clock,
		logger: opts.Logger,
	}
}

// Login establishes the session. For an API key there is no exchange to
// perform; the key itself authenticates every request. For user/password
// credentials the manager posts the login exchange and caches the signed
// token. Invalid credentials surface as an auth fault, transport trouble
// as a retryable network fault.
func (m *Manager) Login(ctx context.Context) error {
	if m.creds.IsAPIKey() {
		m.mu.Lock()
		m.loggedIn = true
		m.mu.Unlock()
		return nil
	}
	_, err := m.refresh(ctx, "login")
	return err
}

// Logout tears the session down. The server holds no client-visible
// session object, so this only discards local token material.
func (m *Manager) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiry = time.Time{}
	m.loggedIn = false
}

// LoggedIn reports whether Login completed since the last Logout.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

// Token returns a token guaranteed valid for at least the grace window,
// refreshing synchronously first when the cached one is expired or about
// to expire. Concurrent callers during a refresh share the single
// in-flight exchange.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if m.creds.IsAPIKey() {
		return m.creds.APIKey, nil
	}

	m.mu.Lock()
	token, fresh := m.token, m.now().Add(m.grace).Before(m.expiry)
	m.mu.Unlock()
	if token != "" && fresh {
		return token, nil
	}
	return m.refresh(ctx, "expiry")
}

// AuthRejected is called by the transport when a request failed
// authentication despite a seemingly valid token (clock skew, server-side
// revocation). It forces one refresh unless another caller already
// replaced the rejected token. API keys cannot be refreshed; their
// rejection is immediately fatal.
func (m *Manager) AuthRejected(ctx context.Context, rejected string) (string, error) {
	if m.creds.IsAPIKey() {
		return "", core.Errf(core.KindAuth, "session.auth_rejected", "API key was rejected by the service")
	}

	m.mu.Lock()
	current := m.token
	m.mu.Unlock()
	if current != "" && current != rejected {
		// Someone else refreshed between the rejection and this call.
		return current, nil
	}
	m.logger.Debug("renewing token after rejection")
	return m.refresh(ctx, "rejection")
}

// refresh performs the login exchange, single-flighted so that no two
// concurrent refreshes are ever started for the same session.
func (m *Manager) refresh(ctx context.Context, trigger string) (string, error) {
	token, err, _ := m.group.Do("refresh", func() (any, error) {
		resp, err := m.login.Do(ctx, core.Request{
			Method: "POST",
			Path:   "auth/login",
			JSON:   map[string]string{"username": m.creds.User, "password": m.creds.Password},
		})
		if err != nil {
			return "", err
		}

		var payload struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Token == "" {
			return "", core.Errf(core.KindAuth, "session.login", "login reply carried no token")
		}

		expiry := m.tokenExpiry(payload.Token)
		m.mu.Lock()
		m.token = payload.Token
		m.expiry = expiry
		m.loggedIn = true
		m.mu.Unlock()

		observability.TokenRefreshes.WithLabelValues(trigger).Inc()
		m.logger.Debug("logged in", "user", m.creds.User, "token_expiry", expiry)
		return payload.Token, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// tokenExpiry reads the exp claim from the signed token. The client holds
// no verification key, so the parse is unverified; the claim is only a
// refresh hint, the server remains the authority on validity.
func (m *Manager) tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return m.now().Add(m.ttl)
}
