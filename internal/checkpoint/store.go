package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/glyphoxa/internal/graph"
)

// DefaultMaxTurns is the retention limit enforced by Prune.
const DefaultMaxTurns = 50

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id     TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	state_json    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id);
`

// Store is a per-session SQLite-backed append-only log of TurnState
// snapshots. Each session owns exactly one Store, opened against its own
// database file so that sessions never contend on a shared lock.
//
// Store is safe for concurrent use (database/sql pools its own connections),
// but in practice only the owning session's turn loop calls it.
type Store struct {
	db       *sql.DB
	threadID string
}

// Open creates (if necessary) and opens the SQLite checkpoint database for
// threadID (the session id) at path.
func Open(path, threadID string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate schema: %w", err)
	}

	return &Store{db: db, threadID: threadID}, nil
}

// Save appends a new checkpoint snapshot of state.
func (s *Store) Save(ctx context.Context, state graph.TurnState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, created_at, state_json) VALUES (?, ?, ?)`,
		s.threadID, time.Now().UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Latest returns the most recently saved TurnState, or (zero, false, nil) if
// no checkpoint exists yet for this session.
func (s *Store) Latest(ctx context.Context) (graph.TurnState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE thread_id = ? ORDER BY checkpoint_id DESC LIMIT 1`,
		s.threadID,
	)

	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return graph.TurnState{}, false, nil
		}
		return graph.TurnState{}, false, fmt.Errorf("checkpoint: load latest: %w", err)
	}

	var state graph.TurnState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return graph.TurnState{}, false, fmt.Errorf("checkpoint: unmarshal state: %w", err)
	}
	return state, true, nil
}

// Prune deletes the oldest checkpoints beyond maxTurns for this session,
// returning the number deleted. maxTurns<=0 selects DefaultMaxTurns.
func (s *Store) Prune(ctx context.Context, maxTurns int) (int, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE thread_id = ?`, s.threadID,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("checkpoint: count: %w", err)
	}

	if total <= maxTurns {
		return 0, nil
	}
	excess := total - maxTurns

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = ? AND checkpoint_id IN (
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = ?
			ORDER BY checkpoint_id ASC
			LIMIT ?
		)`, s.threadID, s.threadID, excess)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: prune: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
