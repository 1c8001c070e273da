package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmvault/datavault/metadata"
	"github.com/llmvault/datavault/vaulterrors"
)

// MemoryStore is a single-process Store used in pipeline and query engine
// tests (mirrors the donor's MemoryCacheStore test double). Every read runs
// under one mutex, so no real optimistic-concurrency conflict can occur;
// ForceConflictOnce injects one so the retry-once path is exercised
// without a live Redis server. The per-entry version counter is bumped on
// each successful read and is not otherwise consulted.
type MemoryStore struct {
	mu          sync.Mutex
	entries     map[string]*memoryEntry
	ttl         time.Duration
	gracePeriod time.Duration

	// conflictOnce, when set, forces the first shrink attempt for the
	// matching handle to report a version conflict, exercising the
	// retry-once path in tests without real concurrent writers.
	conflictOnce map[string]bool
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
	version   int
}

// NewMemoryStore builds a MemoryStore with spec-default TTL and grace
// period unless overridden afterward via SetDefaults.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      make(map[string]*memoryEntry),
		ttl:          DefaultTTL,
		gracePeriod:  DefaultGracePeriod,
		conflictOnce: make(map[string]bool),
	}
}

// SetDefaults overrides the TTL and grace period applied to subsequent
// Put calls.
func (s *MemoryStore) SetDefaults(ttl, gracePeriod time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	s.gracePeriod = gracePeriod
}

// ForceConflictOnce makes the next shrink attempt against handleID report
// a version conflict, so tests can exercise the retry-once path
// deterministically. Only one conflict is injected, so the retry then
// succeeds; the not-found-after-two-conflicts branch is not reached this way.
func (s *MemoryStore) ForceConflictOnce(handleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictOnce[handleID] = true
}

func (s *MemoryStore) Put(ctx context.Context, rows []map[string]any, columnOrder []string, ownerID, sessionID, sourceTool string, prov Provenance, semantics metadata.Semantics) (string, string, metadata.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return "", "", metadata.Envelope{}, err
	}
	if len(rows) == 0 {
		return "", "", metadata.Envelope{}, vaulterrors.NewValidationError("rows", "vault put requires at least one row")
	}

	handleID := "vault-" + uuid.NewString()
	token := uuid.NewString()

	env := metadata.Extract(rows, columnOrder, metadata.DataSource{
		ToolName:  sourceTool,
		ToolArgs:  prov.ToolArgs,
		UserQuery: prov.UserQuery,
		Timestamp: time.Now().UTC(),
	})
	env.HandleID = handleID
	env.FetchToken = token
	env.Semantics = semantics
	env.Offloaded = true
	env.Note = fmt.Sprintf("data offloaded to vault handle %s (token %s); query it with SQL against {table} or retrieve the full rows, rather than asking for it inline", handleID, token)

	entry := Entry{
		HandleID:    handleID,
		FullData:    rows,
		OwnerID:     ownerID,
		SessionID:   sessionID,
		CreatedAt:   time.Now().UTC(),
		AccessToken: token,
		Metadata:    env,
	}

	s.mu.Lock()
	s.entries[handleID] = &memoryEntry{entry: entry, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return handleID, token, env, nil
}

func (s *MemoryStore) Get(ctx context.Context, handleID, principal, token string) ([]map[string]any, error) {
	rows, _, err := s.getWithMetadata(ctx, handleID, principal, token)
	return rows, err
}

func (s *MemoryStore) GetWithMetadata(ctx context.Context, handleID, principal, token string) ([]map[string]any, metadata.Envelope, error) {
	return s.getWithMetadata(ctx, handleID, principal, token)
}

func (s *MemoryStore) getWithMetadata(ctx context.Context, handleID, principal, token string) ([]map[string]any, metadata.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, metadata.Envelope{}, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rows, env, err := s.shrinkAndRead(handleID, principal, token)
		if err == nil {
			return rows, env, nil
		}
		lastErr = err
		if err == errConflict {
			continue
		}
		return nil, metadata.Envelope{}, err
	}
	_ = lastErr
	return nil, metadata.Envelope{}, vaulterrors.NewDataNotFound(handleID)
}

var errConflict = fmt.Errorf("vault: optimistic concurrency conflict")

func (s *MemoryStore) shrinkAndRead(handleID, principal, token string) ([]map[string]any, metadata.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflictOnce[handleID] {
		delete(s.conflictOnce, handleID)
		return nil, metadata.Envelope{}, errConflict
	}

	me, ok := s.entries[handleID]
	if !ok || time.Now().After(me.expiresAt) {
		delete(s.entries, handleID)
		return nil, metadata.Envelope{}, vaulterrors.NewDataNotFound(handleID)
	}

	if me.entry.OwnerID != principal || me.entry.AccessToken != token {
		return nil, metadata.Envelope{}, vaulterrors.NewDataNotFound(handleID)
	}

	remaining := time.Until(me.expiresAt)
	if remaining > s.gracePeriod {
		me.expiresAt = time.Now().Add(s.gracePeriod)
	}
	me.version++

	return me.entry.FullData, me.entry.Metadata, nil
}

func (s *MemoryStore) ValidateToken(ctx context.Context, handleID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[handleID]
	if !ok || time.Now().After(me.expiresAt) {
		return false, nil
	}
	return me.entry.AccessToken == token, nil
}

// RemainingTTL exposes the current remaining lifetime for a handle, used by
// tests asserting the grace-period shrink took effect (spec §8).
func (s *MemoryStore) RemainingTTL(handleID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	me, ok := s.entries[handleID]
	if !ok {
		return 0, false
	}
	return time.Until(me.expiresAt), true
}

var _ Store = (*MemoryStore)(nil)
