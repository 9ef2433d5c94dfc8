// Package archive writes per-turn prompt/message snapshots to disk for
// replay and debugging, mirroring the session-scoped layout used by
// [github.com/MrWong99/glyphoxa/internal/checkpoint].
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MrWong99/glyphoxa/pkg/types"
)

// promptHashLen is the number of hex characters kept from the SHA-256 digest.
const promptHashLen = 12

// Snapshot is the JSON shape written to turn_<N>.json.
type Snapshot struct {
	SessionID    string             `json:"session_id"`
	TurnNumber   int                `json:"turn_number"`
	PromptHash   string             `json:"prompt_hash"`
	ModelName    string             `json:"model_name"`
	SystemPrompt string             `json:"system_prompt"`
	Messages     []types.Message    `json:"messages"`
	ToolCalls    []types.ToolCall   `json:"tool_calls"`
}

// ComputePromptHash returns the first promptHashLen hex characters of the
// SHA-256 digest of systemPrompt, for cheap prompt-version diffing across
// sessions without storing the full text in graph state.
func ComputePromptHash(systemPrompt string) string {
	sum := sha256.Sum256([]byte(systemPrompt))
	return hex.EncodeToString(sum[:])[:promptHashLen]
}

// Archive writes turn snapshots under a single session directory.
type Archive struct {
	sessionDir string
	logger     *slog.Logger
}

// Open returns an Archive rooted at appDataDir/sessions/sessionID, creating
// the directory if necessary.
func Open(appDataDir, sessionID string, logger *slog.Logger) (*Archive, error) {
	dir := filepath.Join(appDataDir, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create session dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{sessionDir: dir, logger: logger}, nil
}

// WriteTurn serializes a Snapshot for turnNumber to turn_<N>.json and returns
// the computed prompt hash. Write failures are logged at warn level and
// otherwise swallowed — archival is a best-effort debugging aid, never a
// condition that should fail a turn.
func (a *Archive) WriteTurn(sessionID string, turnNumber int, systemPrompt, modelName string, messages []types.Message, toolCalls []types.ToolCall) string {
	promptHash := ComputePromptHash(systemPrompt)

	snap := Snapshot{
		SessionID:    sessionID,
		TurnNumber:   turnNumber,
		PromptHash:   promptHash,
		ModelName:    modelName,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		ToolCalls:    toolCalls,
	}

	path := filepath.Join(a.sessionDir, fmt.Sprintf("turn_%d.json", turnNumber))
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		a.logger.Warn("archive: marshal turn snapshot failed", "path", path, "error", err)
		return promptHash
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		a.logger.Warn("archive: write turn snapshot failed", "path", path, "error", err)
		return promptHash
	}
	a.logger.Debug("archive: wrote turn snapshot", "path", path, "bytes", len(data))
	return promptHash
}

// ReadTurn loads a previously written snapshot, for replay tooling.
func ReadTurn(appDataDir, sessionID string, turnNumber int) (Snapshot, error) {
	path := filepath.Join(appDataDir, "sessions", sessionID, fmt.Sprintf("turn_%d.json", turnNumber))
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("archive: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("archive: unmarshal %s: %w", path, err)
	}
	return snap, nil
}
