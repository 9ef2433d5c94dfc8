// Package jobs implements the per-session pending-RPC future table and
// background job queue that together let the turn orchestrator dispatch
// long-running tool calls without blocking the reasoning graph.
package jobs

import (
	"fmt"
	"sync"
	"time"
)

// PendingRPCTTL is the maximum age of an unresolved future before the
// sweeper prunes it.
const PendingRPCTTL = 5 * time.Minute

// SweepInterval is how often the stale-future sweeper runs.
const SweepInterval = 60 * time.Second

// pendingRPC tracks a single outstanding client RPC awaiting a reply keyed
// by call_id.
type pendingRPC struct {
	createdAt time.Time
	resolved  bool
	resultCh  chan string
}

// PendingRPCTable is the per-session map from call_id to a one-shot future
// resolved when the client's JSON-RPC reply arrives on the WebSocket.
//
// All methods are safe for concurrent use; in practice only the session's
// own inbound loop and background jobs touch it.
type PendingRPCTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRPC
}

// NewPendingRPCTable returns an empty table.
func NewPendingRPCTable() *PendingRPCTable {
	return &PendingRPCTable{entries: make(map[string]*pendingRPC)}
}

// Create registers a new future for callID and returns a channel that
// receives exactly one value: the raw reply text, once Resolve is called, or
// is closed without a value if the entry is swept or cancelled.
func (t *PendingRPCTable) Create(callID string) <-chan string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &pendingRPC{createdAt: time.Now(), resultCh: make(chan string, 1)}
	t.entries[callID] = entry
	return entry.resultCh
}

// Resolve delivers raw to the future registered under callID, if any, and
// marks it resolved. Returns false if no pending future exists for callID —
// per spec, a reply with no matching future is ignored without side effect.
func (t *PendingRPCTable) Resolve(callID, raw string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[callID]
	if !ok || entry.resolved {
		return false
	}
	entry.resolved = true
	entry.resultCh <- raw
	close(entry.resultCh)
	return true
}

// Sweep removes entries that are resolved or older than PendingRPCTTL,
// closing the channel of any pruned-but-unresolved entry so waiters
// unblock with a zero value. Returns the number of entries removed.
func (t *PendingRPCTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-PendingRPCTTL)
	removed := 0
	for callID, entry := range t.entries {
		if entry.resolved || entry.createdAt.Before(cutoff) {
			if !entry.resolved {
				close(entry.resultCh)
			}
			delete(t.entries, callID)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries currently tracked (resolved or not).
func (t *PendingRPCTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// StartSweeper launches a goroutine that calls Sweep every SweepInterval
// until stop is closed. The caller must close stop exactly once on session
// teardown.
func (t *PendingRPCTable) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// ErrRPCTimeout is returned by Await when no reply arrives within the
// supplied timeout.
type ErrRPCTimeout struct {
	CallID string
}

func (e *ErrRPCTimeout) Error() string {
	return fmt.Sprintf("jobs: rpc %s timed out", e.CallID)
}

// Await blocks until ch yields a value, the timeout elapses, or the channel
// is closed without a value (pruned by the sweeper before resolution).
func Await(callID string, ch <-chan string, timeout time.Duration) (string, error) {
	select {
	case raw, ok := <-ch:
		if !ok {
			return "", &ErrRPCTimeout{CallID: callID}
		}
		return raw, nil
	case <-time.After(timeout):
		return "", &ErrRPCTimeout{CallID: callID}
	}
}
