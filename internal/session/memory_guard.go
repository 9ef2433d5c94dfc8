package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	sessionmemory "github.com/MrWong99/glyphoxa/internal/memory"
)

// sessionMemoryStore is the subset of [sessionmemory.SessionMemory] that
// MemoryGuard wraps. Declared locally so tests can supply a double without
// reaching into the real pgvector-backed implementation.
type sessionMemoryStore interface {
	Save(ctx context.Context, projectRoot, sessionID, summary string) error
	Recall(ctx context.Context, projectRoot, queryText string, topK int) ([]sessionmemory.Entry, error)
}

// MemoryGuard wraps a [sessionmemory.SessionMemory] and makes both operations
// non-fatal to the turn pipeline. Per SPEC_FULL.md §4.7, a SessionMemory
// write happens at end-of-turn and is not itself turn-critical: if the
// semantic index or embeddings backend is temporarily unavailable, the turn
// must still complete. MemoryGuard logs and swallows the error instead of
// propagating it, and tracks whether the store is currently degraded.
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    sessionMemoryStore
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store sessionMemoryStore) *MemoryGuard {
	return &MemoryGuard{store: store}
}

// Save attempts to persist a session summary. On failure the error is
// logged and swallowed; the guard is marked degraded. On success the
// degraded flag is cleared.
func (mg *MemoryGuard) Save(ctx context.Context, projectRoot, sessionID, summary string) error {
	if err := mg.store.Save(ctx, projectRoot, sessionID, summary); err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: Save failed, swallowing error",
			"session_id", sessionID,
			"project_root", projectRoot,
			"error", err,
		)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// Recall attempts to fetch prior-session summaries. On failure an empty
// slice is returned and the guard is marked degraded, so a turn can still
// proceed without focused_context from earlier sessions.
func (mg *MemoryGuard) Recall(ctx context.Context, projectRoot, queryText string, topK int) ([]sessionmemory.Entry, error) {
	entries, err := mg.store.Recall(ctx, projectRoot, queryText, topK)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: Recall failed, returning empty",
			"project_root", projectRoot,
			"error", err,
		)
		return nil, nil
	}
	mg.degraded.Store(false)
	return entries, nil
}

// IsDegraded reports whether the store is currently operating in degraded
// mode (i.e., the most recent operation on the underlying store failed).
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}
