package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/retouch-go/core"
)

// SkillBehavior configures how the fake service executes one skill.
type SkillBehavior struct {
	// Delay before the terminal event is pushed.
	Delay time.Duration
	// ProgressEvents is how many progress pushes precede the terminal
	// event.
	ProgressEvents int
	// FailReason, when set, makes the skill terminate with a failed event
	// carrying this reason.
	FailReason string
	// Meta is attached to the succeeded event.
	Meta map[string]any
}

// Service is an in-process editor service fake. All exported counters use
// atomics and all maps are mutex-guarded, so tests may hammer it
// concurrently.
type Service struct {
	Server *httptest.Server

	// User and Password accepted by the login exchange.
	User     string
	Password string
	// APIKey accepted as a bearer token.
	APIKey string
	// TokenTTL is the lifetime of minted login tokens.
	TokenTTL time.Duration

	// LoginCalls counts login exchanges, SkillCalls skill invocations,
	// SubAuthCalls subscription handshakes.
	LoginCalls   atomic.Int64
	SkillCalls   atomic.Int64
	SubAuthCalls atomic.Int64

	// RejectNextAuth makes the next authenticated request fail with 401
	// regardless of its token.
	RejectNextAuth atomic.Bool
	// RejectAllAuth makes every authenticated request fail with 401.
	RejectAllAuth atomic.Bool
	// FailNextSkill makes the next skill invocation reply 500.
	FailNextSkill atomic.Int64
	// RefuseSubscriptions makes sub-auth reply 500, preventing any
	// (re)connect of the push channel.
	RefuseSubscriptions atomic.Bool
	// SubAuthDelay delays every sub-auth reply, widening connect races.
	// Set before any client traffic starts.
	SubAuthDelay time.Duration

	secret []byte

	mu        sync.Mutex
	behaviors map[string]SkillBehavior
	artifacts map[string][]byte         // state id -> image bytes
	meta      map[string]map[string]any // state id -> metadata
	computing map[string]bool
	subTokens map[string]bool
	conns     map[*websocket.Conn]*sync.Mutex
	upgrader  websocket.Upgrader
}

// NewService starts a fake editor service with the given skill behaviors.
// Callers must Close it.
func NewService(behaviors map[string]SkillBehavior) *Service {
	s := &Service{
		User:      "user@example.com",
		Password:  "hunter2",
		APIKey:    "RTAPI-test-key",
		TokenTTL:  time.Hour,
		secret:    []byte(uuid.NewString()),
		behaviors: map[string]SkillBehavior{},
		artifacts: map[string][]byte{},
		meta:      map[string]map[string]any{},
		computing: map[string]bool{},
		subTokens: map[string]bool{},
		conns:     map[*websocket.Conn]*sync.Mutex{},
	}
	for name, b := range behaviors {
		s.behaviors[name] = b
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the service base URL.
func (s *Service) URL() string { return s.Server.URL }

// Close shuts the service down.
func (s *Service) Close() {
	s.DropSubscribers()
	s.Server.Close()
}

// SetBehavior replaces the behavior of one skill.
func (s *Service) SetBehavior(name string, b SkillBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[name] = b
}

// HasArtifact reports whether a state id has been computed or uploaded.
func (s *Service) HasArtifact(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.artifacts[id]
	return ok
}

// Subscribers returns the number of live push connections.
func (s *Service) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropSubscribers force-closes every push connection, simulating a
// transport-level disconnect.
func (s *Service) DropSubscribers() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[*websocket.Conn]*sync.Mutex{}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Push broadcasts an arbitrary event to all subscribers, bypassing skill
// execution. Used to exercise unknown-key and duplicate deliveries.
func (s *Service) Push(ev core.Event) {
	s.broadcast(ev)
}

func (s *Service) broadcast(ev core.Event) {
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		conns[c] = mu
	}
	s.mu.Unlock()
	for c, mu := range conns {
		mu.Lock()
		_ = c.WriteJSON(ev)
		mu.Unlock()
	}
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")

	switch {
	case path == "auth/login" && r.Method == http.MethodPost:
		s.handleLogin(w, r)
	case len(segments) == 2 && segments[0] == "sub":
		s.handleSubscribe(w, r, segments[1])
	default:
		if !s.authorize(w, r) {
			return
		}
		switch {
		case path == "sub-auth" && r.Method == http.MethodPost:
			s.handleSubAuth(w)
		case segments[0] == "skills" && r.Method == http.MethodPost:
			s.handleSkill(w, r, segments[1:])
		case path == "state/upload" && r.Method == http.MethodPost:
			s.handleUpload(w, r)
		case len(segments) == 3 && segments[0] == "state" && segments[1] == "meta":
			s.handleMeta(w, segments[2])
		case len(segments) == 3 && segments[0] == "state" && segments[1] == "image":
			s.handleImage(w, segments[2])
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.LoginCalls.Add(1)
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username != s.User || creds.Password != s.Password {
		writeError(w, http.StatusUnauthorized, "auth.invalid_credentials")
		return
	}
	claims := jwt.MapClaims{
		"sub": creds.Username,
		"jti": uuid.NewString(),
		"exp": jwt.NewNumericDate(time.Now().Add(s.TokenTTL)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "auth.mint_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Service) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.RejectNextAuth.CompareAndSwap(true, false) || s.RejectAllAuth.Load() {
		writeError(w, http.StatusUnauthorized, "auth.rejected")
		return false
	}
	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		writeError(w, http.StatusUnauthorized, "auth.missing")
		return false
	}
	if bearer == s.APIKey {
		return true
	}
	_, err := jwt.Parse(bearer, func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "auth.invalid_token")
		return false
	}
	return true
}

func (s *Service) handleSubAuth(w http.ResponseWriter) {
	s.SubAuthCalls.Add(1)
	if s.SubAuthDelay > 0 {
		time.Sleep(s.SubAuthDelay)
	}
	if s.RefuseSubscriptions.Load() {
		writeError(w, http.StatusInternalServerError, "sub.unavailable")
		return
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.subTokens[token] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request, token string) {
	s.mu.Lock()
	ok := s.subTokens[token]
	delete(s.subTokens, token) // single use
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "sub.invalid_token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = &sync.Mutex{}
	s.mu.Unlock()

	// Drain client frames (pings are answered by the default handler)
	// until the peer goes away.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Service) handleSkill(w http.ResponseWriter, r *http.Request, segments []string) {
	s.SkillCalls.Add(1)
	if s.FailNextSkill.Load() > 0 {
		s.FailNextSkill.Add(-1)
		writeError(w, http.StatusInternalServerError, "skill.unavailable")
		return
	}
	if len(segments) < 2 {
		writeError(w, http.StatusBadRequest, "skill.missing_inputs")
		return
	}
	name := segments[0]
	inputs := make([]core.State, 0, len(segments)-1)
	for _, seg := range segments[1:] {
		inputs = append(inputs, core.State(seg))
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "skill.bad_params")
		return
	}
	// Priority is a scheduling hint, not part of the artifact identity.
	delete(params, "priority")

	target, err := core.DeriveTarget(core.Invocation{Skill: name, Inputs: inputs, Params: params})
	if err != nil {
		writeError(w, http.StatusBadRequest, "skill.bad_params")
		return
	}
	id := string(target)

	s.mu.Lock()
	if _, done := s.artifacts[id]; done {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"state": id, "status": "cached"})
		return
	}
	behavior := s.behaviors[name]
	already := s.computing[id]
	s.computing[id] = true
	s.mu.Unlock()

	if !already {
		go s.compute(name, id, behavior)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": id, "status": "pending"})
}

func (s *Service) compute(name, id string, behavior SkillBehavior) {
	step := behavior.Delay / time.Duration(behavior.ProgressEvents+1)
	for i := 0; i < behavior.ProgressEvents; i++ {
		time.Sleep(step)
		s.broadcast(core.Event{State: core.State(id), Status: core.StatusProgress, ID: uuid.NewString()})
	}
	time.Sleep(behavior.Delay - step*time.Duration(behavior.ProgressEvents))

	if behavior.FailReason != "" {
		s.mu.Lock()
		delete(s.computing, id)
		s.mu.Unlock()
		s.broadcast(core.Event{State: core.State(id), Status: core.StatusFailed, Error: behavior.FailReason, ID: uuid.NewString()})
		return
	}

	var meta json.RawMessage
	if behavior.Meta != nil {
		meta, _ = json.Marshal(behavior.Meta)
	}
	s.mu.Lock()
	s.artifacts[id] = []byte("image:" + name + ":" + id)
	s.meta[id] = map[string]any{"skill": name}
	for k, v := range behavior.Meta {
		s.meta[id][k] = v
	}
	delete(s.computing, id)
	s.mu.Unlock()
	s.broadcast(core.Event{State: core.State(id), Status: core.StatusSucceeded, Meta: meta, ID: uuid.NewString()})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "upload.bad_form")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload.missing_file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upload.read_failed")
		return
	}

	id := core.StatePrefix + "up" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	s.mu.Lock()
	s.artifacts[id] = data
	s.meta[id] = map[string]any{"kind": "upload", "size": len(data)}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"state": id})
}

func (s *Service) handleMeta(w http.ResponseWriter, id string) {
	s.mu.Lock()
	meta, ok := s.meta[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "state.unknown")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Service) handleImage(w http.ResponseWriter, id string) {
	s.mu.Lock()
	data, ok := s.artifacts[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "state.unknown")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// Credentials returns the user:password credentials string the service
// accepts.
func (s *Service) Credentials() string {
	return fmt.Sprintf("%s:%s", s.User, s.Password)
}
