package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/glyphoxa/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation when no
// provider-specific counter is available. English text averages roughly 4
// characters per token across common LLM tokenizers.
const charsPerToken = 4

// ContextManager tracks how much turn-log content has accumulated since the
// last cross-session summary was written, and decides when the log has grown
// enough to warrant producing a new one (SPEC_FULL.md §4.7 step 6).
//
// It maintains an ordered list of [types.Message] values observed since the
// last summary. When the estimated token count exceeds thresholdRatio ×
// maxTokens, the oldest half of the accumulated messages is summarised via
// [Summariser] and folded into a running list of summaries; the caller is
// responsible for persisting the returned summary text to SessionMemory.
//
// All methods are safe for concurrent use.
type ContextManager struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser

	mu            sync.Mutex
	currentTokens int
	messages      []types.Message
	summaries     []string
}

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// MaxTokens is the provider's context window size (e.g., 128000).
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which summarisation is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser is used to compress older messages when the threshold is
	// exceeded. Must not be nil.
	Summariser Summariser
}

// NewContextManager creates a new [ContextManager] with the given configuration.
// If ThresholdRatio is zero or negative, 0.75 is used.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &ContextManager{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
		messages:       make([]types.Message, 0),
		summaries:      make([]string, 0),
	}
}

// Observe appends a completed turn's messages to the tracked log. When the
// accumulated tokens exceed threshold × maxTokens, the oldest half of the
// tracked messages is summarised and returned as a non-empty string for the
// caller to persist via SessionMemory. Returns "" when no new summary was
// produced this call.
func (cm *ContextManager) Observe(ctx context.Context, msgs ...types.Message) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, m := range msgs {
		tokens := estimateTokens(m)
		cm.messages = append(cm.messages, m)
		cm.currentTokens += tokens
	}

	threshold := int(float64(cm.maxTokens) * cm.thresholdRatio)
	if cm.currentTokens <= threshold || len(cm.messages) <= 1 {
		return "", nil
	}

	summary, err := cm.summariseOldest(ctx)
	if err != nil {
		return "", fmt.Errorf("context manager auto-summarise: %w", err)
	}
	return summary, nil
}

// TokenEstimate returns the current estimated token count held in the
// unsummarised tail of the log.
func (cm *ContextManager) TokenEstimate() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentTokens
}

// Reset clears all tracked messages and summaries, e.g. when a new session
// begins on a reused ContextManager.
func (cm *ContextManager) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages = cm.messages[:0]
	cm.summaries = cm.summaries[:0]
	cm.currentTokens = 0
}

// summariseOldest compresses the oldest half of messages into a summary.
// Must be called with cm.mu held.
func (cm *ContextManager) summariseOldest(ctx context.Context) (string, error) {
	half := len(cm.messages) / 2
	if half == 0 {
		half = 1
	}

	toSummarise := make([]types.Message, half)
	copy(toSummarise, cm.messages[:half])

	// Temporarily release the lock for the (potentially slow) LLM call.
	cm.mu.Unlock()
	summary, err := cm.summariser.Summarise(ctx, toSummarise)
	cm.mu.Lock()
	if err != nil {
		return "", err
	}

	removedTokens := 0
	for _, m := range cm.messages[:half] {
		removedTokens += estimateTokens(m)
	}

	cm.messages = cm.messages[half:]
	cm.currentTokens -= removedTokens

	summaryTokens := len(summary) / charsPerToken
	cm.summaries = append(cm.summaries, summary)
	cm.currentTokens += summaryTokens

	return summary, nil
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
