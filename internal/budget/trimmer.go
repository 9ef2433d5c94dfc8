// Package budget implements the token-budget trimmer: a pure function from
// (system prompt, message list, model, budget) to a trimmed message list that
// fits the model's context window while preserving tool_call/tool_result
// pairing.
package budget

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// DefaultMaxTokens is the budget applied when the caller does not override it.
const DefaultMaxTokens = 160_000

// protectedRecentCount is the number of most-recent messages of any kind that
// are never trimmed, regardless of role.
const protectedRecentCount = 10

// protectedToolCount is the number of most-recent Tool-role messages that are
// never trimmed, on top of protectedRecentCount.
const protectedToolCount = 4

// charsPerTokenEstimate is the fallback divisor used when no tokenizer is
// available for the requested model.
const charsPerTokenEstimate = 4

// fallbackEncoding is used by EstimateTokens when tiktoken-go has no encoding
// registered for a model name (e.g. a non-OpenAI model tag).
const fallbackEncoding = "cl100k_base"

// Trimmer trims a message list to fit within a token budget.
//
// The zero value is ready to use.
type Trimmer struct{}

// Trim returns messages unchanged if they (plus systemPrompt) fit within
// maxTokens according to CountTokens. Otherwise it removes the oldest
// non-protected messages, one at a time, until the list fits.
//
// Protected (never removed):
//   - the system prompt itself (not part of messages — counted separately)
//   - the last protectedRecentCount messages, of any role
//   - the last protectedToolCount Tool-role messages
//   - any message whose tool_call/tool_result partner is itself protected
//     (the pairing-repair pass — see repairPairing)
//
// If maxTokens <= 0, DefaultMaxTokens is used.
func (Trimmer) Trim(systemPrompt string, messages []types.Message, counter TokenCounter, maxTokens int) []types.Message {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	total := counter.CountTokens(systemPrompt, messages)
	if total <= maxTokens {
		return messages
	}

	protected := protectedIndices(messages)
	protected = repairPairing(messages, protected)

	trimmed := append([]types.Message(nil), messages...)
	removed := make(map[int]bool, len(messages))

	for total > maxTokens {
		idx := oldestRemovable(trimmed, removed, protected)
		if idx < 0 {
			break // nothing left to remove; protected set covers everything
		}
		removed[idx] = true
		// An Assistant(tool_calls) message takes its Tool results with it.
		// Oldest-first removal reaches an Assistant before its Tool results,
		// and none of them is protected (repairPairing closed the set above).
		for _, tc := range trimmed[idx].ToolCalls {
			for j, m := range trimmed {
				if m.Role == "tool" && m.ToolCallID == tc.ID && !protected[j] {
					removed[j] = true
				}
			}
		}
		total = counter.CountTokens(systemPrompt, withoutRemoved(trimmed, removed))
	}

	return withoutRemoved(trimmed, removed)
}

// protectedIndices returns the set of indices that survive trimming before
// the pairing-repair pass: the last protectedRecentCount messages plus the
// last protectedToolCount Tool messages.
func protectedIndices(messages []types.Message) map[int]bool {
	protected := make(map[int]bool, protectedRecentCount+protectedToolCount)

	for i := len(messages) - 1; i >= 0 && len(messages)-i <= protectedRecentCount; i-- {
		protected[i] = true
	}

	toolsSeen := 0
	for i := len(messages) - 1; i >= 0 && toolsSeen < protectedToolCount; i-- {
		if messages[i].Role == "tool" {
			protected[i] = true
			toolsSeen++
		}
	}

	return protected
}

// repairPairing extends protected so that a kept Assistant(tool_calls)
// message's matching Tool messages are also kept, and vice versa — otherwise
// trimming could leave a dangling tool_call with no tool_result (or an
// orphaned tool_result), which every LLM provider rejects.
func repairPairing(messages []types.Message, protected map[int]bool) map[int]bool {
	result := make(map[int]bool, len(protected))
	for i := range protected {
		result[i] = true
	}

	// index tool_call_id -> message index holding the matching tool response,
	// and tool_call_id -> index of the assistant message that issued it.
	callIndex := make(map[string]int)
	toolIndex := make(map[string]int)
	for i, m := range messages {
		if m.Role == "tool" && m.ToolCallID != "" {
			toolIndex[m.ToolCallID] = i
		}
		for _, tc := range m.ToolCalls {
			callIndex[tc.ID] = i
		}
	}

	changed := true
	for changed {
		changed = false
		for id, assistantIdx := range callIndex {
			toolIdx, hasTool := toolIndex[id]
			if !hasTool {
				continue
			}
			if result[assistantIdx] && !result[toolIdx] {
				result[toolIdx] = true
				changed = true
			}
			if result[toolIdx] && !result[assistantIdx] {
				result[assistantIdx] = true
				changed = true
			}
		}
	}

	return result
}

// oldestRemovable returns the lowest index not yet removed and not protected,
// or -1 if no such index exists.
func oldestRemovable(messages []types.Message, removed, protected map[int]bool) int {
	for i := range messages {
		if removed[i] || protected[i] {
			continue
		}
		return i
	}
	return -1
}

func withoutRemoved(messages []types.Message, removed map[int]bool) []types.Message {
	out := make([]types.Message, 0, len(messages)-len(removed))
	for i, m := range messages {
		if removed[i] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// TokenCounter counts the tokens a system prompt plus message list would
// consume. Implementations may call out to the target model's native
// tokenizer or fall back to an estimate.
type TokenCounter interface {
	CountTokens(systemPrompt string, messages []types.Message) int
}

// ProviderCounter counts tokens via an [llm.Provider]'s native CountTokens
// method, falling back to [EstimateTokens] on error.
type ProviderCounter struct {
	Provider llm.Provider
	Model    string
}

// CountTokens implements [TokenCounter].
func (p ProviderCounter) CountTokens(systemPrompt string, messages []types.Message) int {
	all := messages
	if systemPrompt != "" {
		all = append([]types.Message{{Role: "system", Content: systemPrompt}}, messages...)
	}
	if p.Provider != nil {
		if n, err := p.Provider.CountTokens(all); err == nil {
			return n
		}
	}
	return EstimateTokens(p.Model, all)
}

// EstimateTokens counts tokens for model using tiktoken-go's encoding for
// model, falling back to the generic cl100k_base encoding, and finally to a
// char/4 heuristic if no encoder can be constructed at all.
func EstimateTokens(model string, messages []types.Message) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		return charEstimate(messages)
	}

	total := 0
	for _, m := range messages {
		total += len(enc.Encode(m.Content, nil, nil))
		for _, tc := range m.ToolCalls {
			total += len(enc.Encode(tc.Name+tc.Arguments, nil, nil))
		}
		total += 4 // per-message role/framing overhead, matches OpenAI's documented estimate
	}
	return total
}

func charEstimate(messages []types.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / charsPerTokenEstimate
}
