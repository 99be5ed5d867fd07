package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/policygate/gateway/internal/domain/auth"
)

// mapSessionStore is a minimal SessionStore for service tests.
type mapSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newMapSessionStore() *mapSessionStore {
	return &mapSessionStore{sessions: make(map[string]*Session)}
}

func (m *mapSessionStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *mapSessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *mapSessionStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *mapSessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func testIdentity() *auth.Identity {
	return &auth.Identity{
		ID:    "id-1",
		Name:  "research-bot",
		Roles: []auth.Role{auth.RoleUser},
	}
}

func TestSessionServiceCreate(t *testing.T) {
	svc := NewSessionService(newMapSessionStore(), Config{Timeout: time.Hour})

	sess, err := svc.Create(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Error("no session id assigned")
	}
	if sess.IdentityID != "id-1" || sess.IdentityName != "research-bot" {
		t.Errorf("identity fields = %q/%q", sess.IdentityID, sess.IdentityName)
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Error("session created already expired")
	}
}

func TestSessionServiceGetExpiredIsNotFound(t *testing.T) {
	store := newMapSessionStore()
	svc := NewSessionService(store, Config{Timeout: time.Hour})

	sess, err := svc.Create(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Expire it behind the service's back.
	store.mu.Lock()
	store.sessions[sess.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)
	store.mu.Unlock()

	if _, err := svc.Get(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get expired session: %v, want ErrSessionNotFound", err)
	}
	// Expired sessions are discarded on access.
	if _, err := store.Get(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expired session still in store after Get")
	}
}

func TestSessionServiceRefreshExtendsExpiry(t *testing.T) {
	store := newMapSessionStore()
	svc := NewSessionService(store, Config{Timeout: time.Hour})

	sess, err := svc.Create(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	originalExpiry := sess.ExpiresAt

	time.Sleep(5 * time.Millisecond)
	if err := svc.Refresh(context.Background(), sess.ID); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	refreshed, err := svc.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !refreshed.ExpiresAt.After(originalExpiry) {
		t.Error("Refresh did not extend expiry")
	}
}

func TestSessionServiceDelete(t *testing.T) {
	svc := NewSessionService(newMapSessionStore(), Config{})

	sess, err := svc.Create(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Delete(context.Background(), sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
}

func TestSessionServiceDefaultTimeout(t *testing.T) {
	svc := NewSessionService(newMapSessionStore(), Config{})

	sess, err := svc.Create(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got := sess.ExpiresAt.Sub(sess.CreatedAt)
	if got != DefaultTimeout {
		t.Errorf("default timeout = %v, want %v", got, DefaultTimeout)
	}
}

func TestGenerateSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateSessionID()
		if err != nil {
			t.Fatalf("GenerateSessionID: %v", err)
		}
		if id == "" {
			t.Fatal("empty session id")
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestSessionExpiryAndRefresh(t *testing.T) {
	s := &Session{ExpiresAt: time.Now().UTC().Add(time.Minute)}
	if s.IsExpired() {
		t.Error("future expiry reads as expired")
	}

	s.ExpiresAt = time.Now().UTC().Add(-time.Second)
	if !s.IsExpired() {
		t.Error("past expiry reads as live")
	}

	s.Refresh(time.Hour)
	if s.IsExpired() {
		t.Error("refreshed session still expired")
	}
	if s.LastAccess.IsZero() {
		t.Error("Refresh did not stamp LastAccess")
	}
}
