// Package memory implements SessionMemory: cross-session, per-project
// long-term recall built on the teacher's Postgres/pgvector-backed semantic
// index (pkg/memory). A project_root substitutes for the NPC entity_id the
// underlying index was designed around, so a running cognitive-engine
// process can recall relevant summaries from a previous session on the same
// project without keeping every prior session's full history resident.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/pkg/memory"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings"
)

// DefaultTopK is the number of prior-session summaries folded into
// focused_context when none is specified.
const DefaultTopK = 3

// Entry is one saved session summary, scoped to a project.
type Entry struct {
	ProjectRoot string
	SessionID   string
	Summary     string
	CreatedAt   time.Time
}

// SessionMemory reads and writes per-project session summaries via a
// [memory.SemanticIndex], embedding summaries through an
// [embeddings.Provider] at write time and query text at read time.
type SessionMemory struct {
	Index      memory.SemanticIndex
	Embeddings embeddings.Provider
}

// Save embeds summary and indexes it as a chunk scoped to projectRoot. A
// failure to embed or index is returned to the caller; per SPEC_FULL.md this
// is invoked at session teardown and is not itself turn-critical, so callers
// should log and continue rather than fail the session on error.
func (m SessionMemory) Save(ctx context.Context, projectRoot, sessionID, summary string) error {
	if summary == "" {
		return nil
	}

	vec, err := m.Embeddings.Embed(ctx, summary)
	if err != nil {
		return fmt.Errorf("memory: embed summary: %w", err)
	}

	chunk := memory.Chunk{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Content:   summary,
		Embedding: vec,
		EntityID:  projectRoot,
		Topic:     "session_summary",
		Timestamp: time.Now(),
	}
	if err := m.Index.IndexChunk(ctx, chunk); err != nil {
		return fmt.Errorf("memory: index summary: %w", err)
	}
	return nil
}

// Recall embeds queryText and returns the topK most semantically similar
// prior-session summaries for projectRoot, ordered by ascending distance
// (most relevant first). topK<=0 selects DefaultTopK.
func (m SessionMemory) Recall(ctx context.Context, projectRoot, queryText string, topK int) ([]Entry, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := m.Embeddings.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	results, err := m.Index.Search(ctx, vec, topK, memory.ChunkFilter{EntityID: projectRoot})
	if err != nil {
		return nil, fmt.Errorf("memory: recall: %w", err)
	}

	entries := make([]Entry, 0, len(results))
	for _, r := range results {
		entries = append(entries, Entry{
			ProjectRoot: r.Chunk.EntityID,
			SessionID:   r.Chunk.SessionID,
			Summary:     r.Chunk.Content,
			CreatedAt:   r.Chunk.Timestamp,
		})
	}
	return entries, nil
}
