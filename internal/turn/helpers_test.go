package turn

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/glyphoxa/internal/graph"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// classifierFunc adapts a plain function to graph.ToolClassifier.
type classifierFunc func(toolName string) graph.ToolCallKind

func (f classifierFunc) Classify(toolName string) graph.ToolCallKind { return f(toolName) }

// sequencedLLM is a minimal llm.Provider that returns one CompletionResponse
// per call, in order, then an empty final response forever after — unlike
// the shared mock.Provider (one fixed response for every call), this lets a
// test script a tool-call turn followed by the orchestrator's reaction to
// the tool result without looping forever.
type sequencedLLM struct {
	mu    sync.Mutex
	resps []*llm.CompletionResponse
	idx   int

	calls []llm.CompletionRequest
}

func (s *sequencedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.idx >= len(s.resps) {
		return &llm.CompletionResponse{}, nil
	}
	r := s.resps[s.idx]
	s.idx++
	return r, nil
}

func (s *sequencedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, errors.New("sequencedLLM: streaming not supported")
}

func (s *sequencedLLM) CountTokens(messages []types.Message) (int, error) {
	return 0, nil
}

func (s *sequencedLLM) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{}
}

var _ llm.Provider = (*sequencedLLM)(nil)
