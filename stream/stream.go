package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/retouch-go/core"
	"github.com/hupe1980/retouch-go/logging"
	"github.com/hupe1980/retouch-go/observability"
)

// ReconnectPolicy bounds recovery of a dropped push channel. Delays start
// at BaseDelay (plus any retry hint the server attached to its last
// event), double per consecutive failure and cap at MaxDelay.
type ReconnectPolicy struct {
	// MaxRetries is the ceiling on consecutive failed recoveries before
	// the stream declares itself lost.
	MaxRetries int
	// BaseDelay seeds the capped doubling.
	BaseDelay time.Duration
	// MaxDelay caps the doubling.
	MaxDelay time.Duration
}

// DefaultReconnectPolicy matches the service's documented subscription
// behavior: five recovery attempts with one-second seeded doubling.
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxRetries: 5,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
}

// Delay returns the backoff before the given consecutive retry (1-based).
func (p ReconnectPolicy) Delay(retry int, hint time.Duration) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d+hint > p.MaxDelay {
		return p.MaxDelay
	}
	return d + hint
}

// Options configures a Stream instance.
type Options struct {
	// Reconnect overrides the recovery policy.
	Reconnect ReconnectPolicy
	// Capacity bounds the pending-operation registry; the oldest entry is
	// evicted (resolved with a cancellation fault) when it overflows.
	Capacity int
	// Logger receives stream telemetry (defaults to NoOp if nil).
	Logger logging.Logger
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
	// PingInterval is how often the client pings the service to keep the
	// channel alive.
	PingInterval time.Duration
}

// Stream is the push channel of one session. Start and Stop bracket its
// lifetime; Register creates pending operations resolved by the internal
// read loop. All methods are safe for concurrent use.
type Stream struct {
	transport core.Requester
	wsBase    string
	policy    ReconnectPolicy
	capacity  int
	logger    logging.Logger
	dialer    *websocket.Dialer
	pingEvery time.Duration

	// startMu serializes Start so only one channel establishment is ever
	// in flight; a concurrent Start waits for it and then observes started.
	startMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]*operation
	order       []string
	conn        *websocket.Conn
	started     bool
	lost        bool
	stop        chan struct{}
	loopDone    chan struct{}
	lastEventID string
	retryHint   time.Duration
}

var _ core.Subscriber = (*Stream)(nil)

// New creates a stream against the service reachable through the given
// authenticated requester. baseURL is the service's HTTP base URL; the
// websocket endpoint is derived from it.
func New(baseURL string, transport core.Requester, optFns ...func(o *Options)) *Stream {
	opts := Options{
		Reconnect:    DefaultReconnectPolicy,
		Capacity:     256,
		Logger:       logging.NoOpLogger{},
		Dialer:       websocket.DefaultDialer,
		PingInterval: 30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Stream{
		transport: transport,
		wsBase:    toWebsocketURL(baseURL),
		policy:    opts.Reconnect,
		capacity:  opts.Capacity,
		logger:    opts.Logger,
		dialer:    opts.Dialer,
		pingEvery: opts.PingInterval,
		pending:   map[string]*operation{},
	}
}

// toWebsocketURL rewrites an http(s) base URL onto the ws(s) scheme.
func toWebsocketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// Start opens the push channel using the session's current token. Calling
// Start on a running stream is a no-op; concurrent Start calls share the
// single in-flight establishment. Establishment failure surfaces as a
// connection fault and leaves the stream stopped.
func (s *Stream) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.started = true
	s.lost = false
	s.conn = conn
	s.stop = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.lastEventID = ""
	s.retryHint = 0
	s.mu.Unlock()

	go s.run(conn)
	return nil
}

// Stop closes the channel and releases all resources. Any still
// unresolved waiter resolves with a cancellation fault. Stop is
// idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	conn := s.conn
	s.conn = nil
	loopDone := s.loopDone
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-loopDone

	s.failAll(core.Errf(core.KindCancelled, "stream.stop", "push channel stopped"))
}

// Register creates (or attaches to) the pending operation for the given
// correlation key. At most one operation exists per key; a second
// registration under the same key returns the existing handle so
// concurrent callers share one wait.
func (s *Stream) Register(key string) (core.Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		if s.lost {
			return nil, core.Errf(core.KindStreamLost, "stream.register", "push channel was lost; restart it before registering")
		}
		return nil, core.Errf(core.KindConnection, "stream.register", "push channel is not started")
	}
	if op, ok := s.pending[key]; ok {
		return op, nil
	}

	// Evict the oldest entries rather than growing without bound; an
	// evicted waiter resolves as cancelled and its caller may retry.
	for len(s.pending) >= s.capacity && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if op, ok := s.pending[oldest]; ok {
			delete(s.pending, oldest)
			observability.PendingOperations.Dec()
			op.fail(core.Errf(core.KindCancelled, "stream.register", "wait for %s evicted by registry capacity", oldest))
		}
	}

	op := newOperation(s, key)
	s.pending[key] = op
	s.order = append(s.order, key)
	observability.PendingOperations.Inc()
	return op, nil
}

// Pending returns the number of registered unresolved operations.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// deregister drops the operation from the pending set if it is still the
// registered entry for its key.
func (s *Stream) deregister(op *operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[op.key]; ok && cur == op {
		delete(s.pending, op.key)
		s.removeOrder(op.key)
		observability.PendingOperations.Dec()
	}
}

// removeOrder drops the key from the eviction queue. Must be called with
// s.mu held whenever a pending entry is removed outside the eviction loop,
// so the queue never outgrows the pending set.
func (s *Stream) removeOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// failAll resolves every outstanding waiter with the given fault and
// clears the registry.
func (s *Stream) failAll(err error) {
	s.mu.Lock()
	ops := make([]*operation, 0, len(s.pending))
	for _, op := range s.pending {
		ops = append(ops, op)
	}
	s.pending = map[string]*operation{}
	s.order = nil
	observability.PendingOperations.Set(0)
	s.mu.Unlock()

	for _, op := range ops {
		op.fail(err)
	}
}

// dial authenticates the subscription and opens the websocket. The
// subscription token is single-use, so every (re)connect re-requests one.
func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	const op = "stream.dial"

	resp, err := s.transport.Do(ctx, core.Request{Method: "POST", Path: "sub-auth"})
	if err != nil {
		return nil, core.WrapErr(core.KindConnection, op, err)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Token == "" {
		return nil, core.Errf(core.KindConnection, op, "subscription auth reply carried no token")
	}

	header := http.Header{}
	s.mu.Lock()
	if s.lastEventID != "" {
		header.Set("Last-Event-ID", s.lastEventID)
	}
	s.mu.Unlock()

	conn, httpResp, err := s.dialer.DialContext(ctx, s.wsBase+"/sub/"+payload.Token, header)
	if err != nil {
		if httpResp != nil {
			return nil, core.Errf(core.KindConnection, op, "subscription rejected with %d", httpResp.StatusCode)
		}
		return nil, core.WrapErr(core.KindConnection, op, err)
	}
	return conn, nil
}

// run owns the connection lifecycle: it pumps events from the current
// connection and recovers dropped ones until stopped or the retry ceiling
// is hit.
func (s *Stream) run(conn *websocket.Conn) {
	defer close(s.loopDone)

	failures := 0
	for {
		s.readPump(conn)
		conn.Close()

		if s.stopping() {
			return
		}

		// The connection broke underneath us; recover it.
		failures++
		if failures > s.policy.MaxRetries {
			s.logger.Warn("push channel lost", "failures", failures-1)
			s.mu.Lock()
			s.started = false
			s.lost = true
			s.mu.Unlock()
			s.failAll(core.Errf(core.KindStreamLost, "stream.run", "push channel lost after %d recovery attempts", failures-1))
			return
		}

		s.mu.Lock()
		hint := s.retryHint
		s.mu.Unlock()
		delay := s.policy.Delay(failures, hint)
		s.logger.Info("push channel dropped, reconnecting", "attempt", failures, "delay", delay)
		observability.StreamReconnects.Inc()

		select {
		case <-time.After(delay):
		case <-s.stop:
			return
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		next, err := s.dial(dialCtx)
		cancel()
		if err != nil {
			s.logger.Warn("push channel reconnect failed", "attempt", failures, "error", err)
			continue
		}

		s.mu.Lock()
		s.conn = next
		s.mu.Unlock()
		conn = next
		failures = 0
	}
}

// readPump drains one connection until it breaks or the stream stops. A
// ping ticker keeps intermediaries from reaping the idle channel.
func (s *Stream) readPump(conn *websocket.Conn) {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		var ev core.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !s.stopping() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("push channel read error", "error", err)
			}
			return
		}
		s.dispatch(ev)
	}
}

// pingLoop writes periodic pings until the pump exits.
func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-s.stop:
			return
		}
	}
}

// dispatch routes one event to its waiter. Progress events update
// observability state without resolving; terminal events resolve and drop
// the waiter; events for unknown or already-resolved keys are discarded
// silently (covering duplicate deliveries and abandoned waits).
func (s *Stream) dispatch(ev core.Event) {
	s.mu.Lock()
	if ev.ID != "" {
		s.lastEventID = ev.ID
	}
	if ev.RetryMillis > 0 {
		s.retryHint = time.Duration(ev.RetryMillis) * time.Millisecond
	}
	s.mu.Unlock()

	observability.StreamEventsReceived.WithLabelValues(string(ev.Status)).Inc()

	if ev.State == "" {
		s.logger.Warn("push event without correlation key discarded")
		return
	}
	if !ev.Terminal() {
		s.logger.Debug("progress event", "state", ev.State)
		return
	}

	s.mu.Lock()
	op, ok := s.pending[string(ev.State)]
	if ok {
		delete(s.pending, string(ev.State))
		s.removeOrder(string(ev.State))
		observability.PendingOperations.Dec()
	}
	s.mu.Unlock()

	if !ok {
		observability.StreamEventsDiscarded.Inc()
		s.logger.Debug("event for unknown state discarded", "state", ev.State, "status", ev.Status)
		return
	}
	op.resolve(ev)
}

// stopping reports whether Stop was requested.
func (s *Stream) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return true
	}
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}
