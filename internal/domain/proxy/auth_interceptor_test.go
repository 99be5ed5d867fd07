package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/goleak"

	"github.com/policygate/gateway/internal/domain/auth"
	"github.com/policygate/gateway/internal/domain/session"
	"github.com/policygate/gateway/pkg/mcp"
)

// fakeAuthStore implements auth.AuthStore over maps.
type fakeAuthStore struct {
	keys       map[string]*auth.APIKey
	identities map[string]*auth.Identity
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		keys:       make(map[string]*auth.APIKey),
		identities: make(map[string]*auth.Identity),
	}
}

func (m *fakeAuthStore) GetAPIKey(_ context.Context, keyHash string) (*auth.APIKey, error) {
	key, ok := m.keys[keyHash]
	if !ok {
		return nil, errors.New("key not found")
	}
	return key, nil
}

func (m *fakeAuthStore) GetIdentity(_ context.Context, id string) (*auth.Identity, error) {
	identity, ok := m.identities[id]
	if !ok {
		return nil, errors.New("identity not found")
	}
	return identity, nil
}

func (m *fakeAuthStore) ListAPIKeys(_ context.Context) ([]*auth.APIKey, error) {
	result := make([]*auth.APIKey, 0, len(m.keys))
	for _, key := range m.keys {
		result = append(result, key)
	}
	return result, nil
}

// fakeSessionStore implements session.SessionStore over a map.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*session.Session)}
}

func (m *fakeSessionStore) Create(_ context.Context, sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *fakeSessionStore) Get(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

func (m *fakeSessionStore) Update(_ context.Context, sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; !ok {
		return session.ErrSessionNotFound
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *fakeSessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// keyedMessage builds a frame carrying apiKey in its params, the stdio-style
// key location.
func keyedMessage(apiKey string) *mcp.Message {
	var params []byte
	if apiKey != "" {
		params = []byte(`{"apiKey":"` + apiKey + `"}`)
	} else {
		params = []byte(`{}`)
	}

	id, _ := jsonrpc.MakeID(float64(1))
	return &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","method":"test","params":{}}`),
		Direction: mcp.ClientToServer,
		Decoded:   &jsonrpc.Request{ID: id, Method: "test", Params: params},
		Timestamp: time.Now(),
	}
}

type passthrough struct{ called bool }

func (p *passthrough) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	p.called = true
	return msg, nil
}

// newAuthEnv wires an interceptor with one seeded identity and SHA-256 key.
func newAuthEnv(t *testing.T, devMode bool) (*AuthInterceptor, *passthrough, string) {
	t.Helper()

	const rawKey = "pg_testkey"
	store := newFakeAuthStore()
	store.identities["id-1"] = &auth.Identity{ID: "id-1", Name: "agent", Roles: []auth.Role{auth.RoleUser}}
	store.keys[auth.HashKey(rawKey)] = &auth.APIKey{
		Key:        auth.HashKey(rawKey),
		IdentityID: "id-1",
	}

	sessionSvc := session.NewSessionService(newFakeSessionStore(), session.Config{Timeout: time.Hour})
	next := &passthrough{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	interceptor := NewAuthInterceptor(auth.NewAPIKeyService(store), sessionSvc, next, logger, devMode)
	t.Cleanup(interceptor.Stop)
	return interceptor, next, rawKey
}

func connCtx(id string) context.Context {
	return context.WithValue(context.Background(), ConnectionIDKey, id)
}

func TestAuthInterceptorValidKeyAttachesSession(t *testing.T) {
	interceptor, next, rawKey := newAuthEnv(t, false)

	msg := keyedMessage(rawKey)
	result, err := interceptor.Intercept(connCtx("c1"), msg)
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !next.called {
		t.Error("next interceptor not invoked")
	}
	if result.Session == nil || result.Session.IdentityID != "id-1" {
		t.Errorf("session = %+v", result.Session)
	}
}

func TestAuthInterceptorInvalidKey(t *testing.T) {
	interceptor, next, _ := newAuthEnv(t, false)

	_, err := interceptor.Intercept(connCtx("c1"), keyedMessage("pg_wrong"))
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("error = %v, want ErrInvalidAPIKey", err)
	}
	if next.called {
		t.Error("next interceptor ran despite auth failure")
	}
}

func TestAuthInterceptorNoKeyNoSession(t *testing.T) {
	interceptor, _, _ := newAuthEnv(t, false)

	if _, err := interceptor.Intercept(connCtx("c1"), keyedMessage("")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestAuthInterceptorSessionCachedPerConnection(t *testing.T) {
	interceptor, _, rawKey := newAuthEnv(t, false)

	first, err := interceptor.Intercept(connCtx("c1"), keyedMessage(rawKey))
	if err != nil {
		t.Fatalf("first Intercept: %v", err)
	}

	// Later frames on the same connection authenticate without a key.
	second, err := interceptor.Intercept(connCtx("c1"), keyedMessage(""))
	if err != nil {
		t.Fatalf("second Intercept: %v", err)
	}
	if second.Session == nil || second.Session.ID != first.Session.ID {
		t.Error("cached session not reused on the same connection")
	}

	// A different connection starts cold.
	if _, err := interceptor.Intercept(connCtx("c2"), keyedMessage("")); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("other connection reused the session: %v", err)
	}
}

func TestAuthInterceptorBearerTokenFromContext(t *testing.T) {
	interceptor, _, rawKey := newAuthEnv(t, false)

	// HTTP transport puts the bearer key in context; no key in params.
	ctx := context.WithValue(connCtx("c1"), APIKeyContextKey, rawKey)
	result, err := interceptor.Intercept(ctx, keyedMessage(""))
	if err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if result.Session == nil {
		t.Error("no session from context bearer token")
	}
}

func TestAuthInterceptorDevModeBypassesAuth(t *testing.T) {
	interceptor, next, _ := newAuthEnv(t, true)

	result, err := interceptor.Intercept(connCtx("c1"), keyedMessage(""))
	if err != nil {
		t.Fatalf("Intercept in dev mode: %v", err)
	}
	if !next.called || result.Session == nil {
		t.Error("dev mode did not attach a development session")
	}
}

func TestAuthInterceptorCacheSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeAuthStore()
	sessionSvc := session.NewSessionService(newFakeSessionStore(), session.Config{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	interceptor := NewAuthInterceptorWithConfig(
		auth.NewAPIKeyService(store), sessionSvc, &passthrough{}, logger, false,
		10*time.Millisecond, 20*time.Millisecond,
	)

	interceptor.SetTestCacheEntryWithTime("stale", "sess-1", time.Now().Add(-time.Hour))
	interceptor.SetTestCacheEntry("fresh", "sess-2")
	if interceptor.CacheSize() != 2 {
		t.Fatalf("CacheSize = %d, want 2", interceptor.CacheSize())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interceptor.StartCleanup(ctx)

	deadline := time.After(2 * time.Second)
	for interceptor.CacheSize() != 1 {
		select {
		case <-deadline:
			t.Fatalf("stale entry never swept, CacheSize = %d", interceptor.CacheSize())
		case <-time.After(5 * time.Millisecond):
		}
	}

	interceptor.Stop()
	interceptor.Stop() // idempotent
}

func TestAuthInterceptorConcurrentConnections(t *testing.T) {
	interceptor, _, rawKey := newAuthEnv(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx := connCtx(string(rune('a' + n)))
			for j := 0; j < 20; j++ {
				_, _ = interceptor.Intercept(ctx, keyedMessage(rawKey))
			}
		}(i)
	}
	wg.Wait()
}

func TestSafeErrorMessageNeverLeaksInternals(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrUnauthenticated, "Authentication required"},
		{ErrInvalidAPIKey, "Invalid API key"},
		{ErrSessionExpired, "Session expired"},
		{ErrPolicyDenied, "Access denied by policy"},
		{ErrMissingSession, "Session required"},
		{&RateLimitError{RetryAfter: time.Second}, "Rate limit exceeded"},
		{errors.New("dial tcp 10.0.0.3: /etc/secrets leaked"), "Internal error"},
	}
	for _, tt := range tests {
		if got := SafeErrorMessage(tt.err); got != tt.want {
			t.Errorf("SafeErrorMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCreateJSONRPCError(t *testing.T) {
	frame := CreateJSONRPCError(float64(7), -32001, "denied")

	var resp struct {
		JSONRPC string  `json:"jsonrpc"`
		ID      float64 `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	if resp.JSONRPC != "2.0" || resp.ID != 7 || resp.Error.Code != -32001 || resp.Error.Message != "denied" {
		t.Errorf("frame = %s", frame)
	}

	// nil id serializes as null, valid for notifications.
	nilFrame := CreateJSONRPCError(nil, -32600, "bad")
	if !strings.Contains(string(nilFrame), `"id":null`) {
		t.Errorf("nil-id frame = %s", nilFrame)
	}
}

func TestLogDevModeWarning(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := LogDevModeWarning(logger, false); err != nil {
		t.Errorf("disabled dev mode: %v", err)
	}
	if err := LogDevModeWarning(logger, true); err != nil {
		t.Errorf("enabled dev mode: %v", err)
	}

	t.Setenv("POLICYGATE_ALLOW_DEVMODE", "false")
	if err := LogDevModeWarning(logger, true); err == nil {
		t.Error("dev mode started despite environment block")
	}
}
