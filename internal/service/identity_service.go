package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/policygate/gateway/internal/adapter/outbound/state"
)

// IdentityService errors.
var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrAPIKeyNotFound   = errors.New("api key not found")
	ErrDuplicateName    = errors.New("identity name already exists")
	ErrReadOnly         = errors.New("cannot modify read-only resource")
)

// IdentityService owns the agent directory: CRUD over identities (with their
// enrichment-facing classification fields) and their API keys, persisted to
// state.json with Argon2id key hashing. A read cache avoids re-reading the
// state file on the per-request lookup path.
type IdentityService struct {
	stateStore *state.FileStateStore
	logger     *slog.Logger

	mu               sync.Mutex // serializes state reads and writes
	cachedIdentities []state.IdentityEntry
	cachedAPIKeys    []state.APIKeyEntry
}

// NewIdentityService creates an IdentityService over the given state store.
func NewIdentityService(stateStore *state.FileStateStore, logger *slog.Logger) *IdentityService {
	return &IdentityService{
		stateStore: stateStore,
		logger:     logger,
	}
}

// Init loads identities and API keys from state.json into the cache. Must be
// called once before serving requests.
func (s *IdentityService) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.refreshCacheLocked(appState)
	return nil
}

// refreshCacheLocked replaces the cache with copies of the given state's
// directory entries. Caller holds s.mu.
func (s *IdentityService) refreshCacheLocked(appState *state.AppState) {
	s.cachedIdentities = make([]state.IdentityEntry, len(appState.Identities))
	copy(s.cachedIdentities, appState.Identities)
	s.cachedAPIKeys = make([]state.APIKeyEntry, len(appState.APIKeys))
	copy(s.cachedAPIKeys, appState.APIKeys)
}

// saveAndRefreshLocked persists the state and syncs the cache from what was
// just written. Caller holds s.mu.
func (s *IdentityService) saveAndRefreshLocked(appState *state.AppState) error {
	if err := s.stateStore.Save(appState); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.refreshCacheLocked(appState)
	return nil
}

// ListIdentities returns all directory entries.
func (s *IdentityService) ListIdentities(_ context.Context) ([]state.IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]state.IdentityEntry, len(s.cachedIdentities))
	copy(result, s.cachedIdentities)
	return result, nil
}

// GetIdentity returns one directory entry by ID.
func (s *IdentityService) GetIdentity(_ context.Context, id string) (*state.IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cachedIdentities {
		if s.cachedIdentities[i].ID == id {
			entry := s.cachedIdentities[i]
			return &entry, nil
		}
	}
	return nil, ErrIdentityNotFound
}

// LookupAgent is the enrichment-path read: it returns the directory entry
// for an agent id without error plumbing, reporting a miss via ok=false.
func (s *IdentityService) LookupAgent(id string) (state.IdentityEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cachedIdentities {
		if s.cachedIdentities[i].ID == id {
			return s.cachedIdentities[i], true
		}
	}
	return state.IdentityEntry{}, false
}

// CreateIdentityInput holds the input for creating a directory entry.
type CreateIdentityInput struct {
	Name           string   `json:"name"`
	Roles          []string `json:"roles"`
	AgentType      string   `json:"agent_type,omitempty"`
	TrustScore     float64  `json:"trust_score,omitempty"`
	ClearanceLevel string   `json:"clearance_level,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// CreateIdentity creates a directory entry and persists it.
func (s *IdentityService) CreateIdentity(_ context.Context, input CreateIdentityInput) (*state.IdentityEntry, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if input.TrustScore < 0 || input.TrustScore > 1 {
		return nil, fmt.Errorf("trust_score must be in [0,1]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	for _, existing := range appState.Identities {
		if existing.Name == input.Name {
			return nil, ErrDuplicateName
		}
	}

	roles := input.Roles
	if roles == nil {
		roles = []string{}
	}

	entry := state.IdentityEntry{
		ID:             uuid.New().String(),
		Name:           input.Name,
		Roles:          roles,
		AgentType:      input.AgentType,
		TrustScore:     input.TrustScore,
		ClearanceLevel: input.ClearanceLevel,
		Tags:           input.Tags,
		CreatedAt:      time.Now().UTC(),
	}

	appState.Identities = append(appState.Identities, entry)
	if err := s.saveAndRefreshLocked(appState); err != nil {
		return nil, err
	}

	s.logger.Info("identity created", "id", entry.ID, "name", entry.Name, "agent_type", entry.AgentType)
	return &entry, nil
}

// UpdateIdentityInput holds the input for updating a directory entry.
// Pointer fields distinguish "leave alone" from "set to zero value".
type UpdateIdentityInput struct {
	Name           *string  `json:"name,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	AgentType      *string  `json:"agent_type,omitempty"`
	TrustScore     *float64 `json:"trust_score,omitempty"`
	ClearanceLevel *string  `json:"clearance_level,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// UpdateIdentity updates a directory entry and persists the change.
func (s *IdentityService) UpdateIdentity(_ context.Context, id string, input UpdateIdentityInput) (*state.IdentityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Identities {
		if appState.Identities[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrIdentityNotFound
	}
	if appState.Identities[idx].ReadOnly {
		return nil, ErrReadOnly
	}

	if input.Name != nil && *input.Name != appState.Identities[idx].Name {
		if *input.Name == "" {
			return nil, fmt.Errorf("name is required")
		}
		for _, existing := range appState.Identities {
			if existing.Name == *input.Name && existing.ID != id {
				return nil, ErrDuplicateName
			}
		}
		appState.Identities[idx].Name = *input.Name
	}
	if input.Roles != nil {
		appState.Identities[idx].Roles = input.Roles
	}
	if input.AgentType != nil {
		appState.Identities[idx].AgentType = *input.AgentType
	}
	if input.TrustScore != nil {
		if *input.TrustScore < 0 || *input.TrustScore > 1 {
			return nil, fmt.Errorf("trust_score must be in [0,1]")
		}
		appState.Identities[idx].TrustScore = *input.TrustScore
	}
	if input.ClearanceLevel != nil {
		appState.Identities[idx].ClearanceLevel = *input.ClearanceLevel
	}
	if input.Tags != nil {
		appState.Identities[idx].Tags = input.Tags
	}

	if err := s.saveAndRefreshLocked(appState); err != nil {
		return nil, err
	}

	entry := appState.Identities[idx]
	s.logger.Info("identity updated", "id", id, "name", entry.Name)
	return &entry, nil
}

// DeleteIdentity removes a directory entry and all its API keys, returning
// the removed keys' hashes so callers can sync in-memory auth stores.
func (s *IdentityService) DeleteIdentity(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Identities {
		if appState.Identities[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrIdentityNotFound
	}
	if appState.Identities[idx].ReadOnly {
		return nil, ErrReadOnly
	}

	appState.Identities = append(appState.Identities[:idx], appState.Identities[idx+1:]...)

	var deletedKeyHashes []string
	filtered := make([]state.APIKeyEntry, 0, len(appState.APIKeys))
	for _, key := range appState.APIKeys {
		if key.IdentityID != id {
			filtered = append(filtered, key)
		} else {
			deletedKeyHashes = append(deletedKeyHashes, key.KeyHash)
		}
	}
	appState.APIKeys = filtered

	if err := s.saveAndRefreshLocked(appState); err != nil {
		return nil, err
	}

	s.logger.Info("identity deleted (cascade)", "id", id, "keys_removed", len(deletedKeyHashes))
	return deletedKeyHashes, nil
}

// GenerateKeyInput holds the input for generating an API key.
type GenerateKeyInput struct {
	IdentityID string `json:"identity_id"`
	Name       string `json:"name"`
}

// GenerateKeyResult holds the result of key generation. CleartextKey is
// returned exactly once and never stored.
type GenerateKeyResult struct {
	KeyEntry     state.APIKeyEntry `json:"key_entry"`
	CleartextKey string            `json:"cleartext_key"`
}

// GenerateKey creates a new API key for the given identity. Only the
// Argon2id hash is persisted.
func (s *IdentityService) GenerateKey(_ context.Context, input GenerateKeyInput) (*GenerateKeyResult, error) {
	if input.IdentityID == "" {
		return nil, fmt.Errorf("identity_id is required")
	}
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	found := false
	for _, identity := range appState.Identities {
		if identity.ID == input.IdentityID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrIdentityNotFound
	}

	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	cleartextKey := "pg_" + hex.EncodeToString(rawKey)

	hash, err := argon2id.CreateHash(cleartextKey, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	entry := state.APIKeyEntry{
		ID:         uuid.New().String(),
		KeyHash:    hash,
		IdentityID: input.IdentityID,
		Name:       input.Name,
		CreatedAt:  time.Now().UTC(),
	}

	appState.APIKeys = append(appState.APIKeys, entry)
	if err := s.saveAndRefreshLocked(appState); err != nil {
		return nil, err
	}

	s.logger.Info("api key generated", "key_id", entry.ID, "identity_id", input.IdentityID, "name", input.Name)

	return &GenerateKeyResult{
		KeyEntry:     entry,
		CleartextKey: cleartextKey,
	}, nil
}

// RevokeKey marks an API key as revoked without deleting it, returning its
// hash so callers can sync in-memory stores.
func (s *IdentityService) RevokeKey(_ context.Context, keyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.APIKeys {
		if appState.APIKeys[i].ID == keyID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", ErrAPIKeyNotFound
	}
	if appState.APIKeys[idx].ReadOnly {
		return "", ErrReadOnly
	}

	keyHash := appState.APIKeys[idx].KeyHash
	appState.APIKeys[idx].Revoked = true

	if err := s.saveAndRefreshLocked(appState); err != nil {
		return "", err
	}

	s.logger.Info("api key revoked", "key_id", keyID)
	return keyHash, nil
}

// ListKeys returns all API keys for one identity.
func (s *IdentityService) ListKeys(_ context.Context, identityID string) ([]state.APIKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []state.APIKeyEntry{}
	for _, key := range s.cachedAPIKeys {
		if key.IdentityID == identityID {
			result = append(result, key)
		}
	}
	return result, nil
}

// ListAllKeys returns every API key across all identities.
func (s *IdentityService) ListAllKeys(_ context.Context) ([]state.APIKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]state.APIKeyEntry, len(s.cachedAPIKeys))
	copy(result, s.cachedAPIKeys)
	return result, nil
}

// VerifyKey checks a cleartext key against every non-revoked key hash.
// Returns the matching entry or ErrAPIKeyNotFound.
func (s *IdentityService) VerifyKey(_ context.Context, cleartextKey string) (*state.APIKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cachedAPIKeys {
		key := &s.cachedAPIKeys[i]
		if key.Revoked {
			continue
		}

		match, err := argon2id.ComparePasswordAndHash(cleartextKey, key.KeyHash)
		if err != nil {
			s.logger.Warn("failed to compare key hash", "key_id", key.ID, "error", err)
			continue
		}
		if match {
			entry := *key
			return &entry, nil
		}
	}

	return nil, ErrAPIKeyNotFound
}
