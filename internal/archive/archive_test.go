package archive

import (
	"path/filepath"
	"testing"

	"github.com/MrWong99/glyphoxa/pkg/types"
)

func TestComputePromptHash_Deterministic(t *testing.T) {
	a := ComputePromptHash("you are a helpful assistant")
	b := ComputePromptHash("you are a helpful assistant")
	if a != b {
		t.Fatalf("hash not deterministic: %q != %q", a, b)
	}
	if len(a) != promptHashLen {
		t.Fatalf("hash length = %d, want %d", len(a), promptHashLen)
	}
}

func TestComputePromptHash_DiffersOnContent(t *testing.T) {
	a := ComputePromptHash("prompt one")
	b := ComputePromptHash("prompt two")
	if a == b {
		t.Fatal("distinct prompts produced the same hash")
	}
}

func TestWriteTurn_ThenReadTurn(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "sess-1", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	messages := []types.Message{
		{Role: "human", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	hash := a.WriteTurn("sess-1", 3, "system prompt text", "claude-sonnet-4-5", messages, nil)
	if hash != ComputePromptHash("system prompt text") {
		t.Fatalf("returned hash %q does not match recomputed hash", hash)
	}

	snap, err := ReadTurn(dir, "sess-1", 3)
	if err != nil {
		t.Fatalf("ReadTurn: %v", err)
	}
	if snap.TurnNumber != 3 {
		t.Errorf("TurnNumber = %d, want 3", snap.TurnNumber)
	}
	if snap.PromptHash != hash {
		t.Errorf("PromptHash = %q, want %q", snap.PromptHash, hash)
	}
	if len(snap.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2", len(snap.Messages))
	}

	wantPath := filepath.Join(dir, "sessions", "sess-1", "turn_3.json")
	if _, err := ReadTurn(dir, "sess-1", 3); err != nil {
		t.Errorf("expected snapshot at %s to be readable: %v", wantPath, err)
	}
}

func TestReadTurn_MissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadTurn(dir, "no-such-session", 1); err == nil {
		t.Fatal("expected error reading nonexistent turn snapshot")
	}
}
