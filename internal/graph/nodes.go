package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// domainOrder is the order in which context_classifier scores the tags of
// domainKeywords; on equal score the earlier tag wins.
var domainOrder = []string{"ui", "database", "api", "devops", "git", "general"}

// domainKeywords is the fixed keyword table context_classifier scores
// against.
var domainKeywords = map[string][]string{
	"ui":       {"button", "component", "style", "css", "layout", "render", "frontend"},
	"database": {"query", "schema", "migration", "sql", "table", "index", "database"},
	"api":      {"endpoint", "route", "request", "response", "rest", "grpc", "api"},
	"devops":   {"deploy", "docker", "kubernetes", "ci", "pipeline", "infra"},
	"git":      {"commit", "branch", "merge", "rebase", "pull request", "diff"},
	"general":  {},
}

// ClassifyContext implements the context_classifier node: it reads the last
// Human message, scores it against domainKeywords, and writes FocusedContext
// and DomainTag. Pure function of TurnState; no LLM call.
func ClassifyContext(state *TurnState) {
	human, ok := state.LastHumanMessage()
	if !ok {
		state.DomainTag = "general"
		state.FocusedContext = ""
		return
	}

	text := strings.ToLower(human.Content)
	bestTag := "general"
	bestScore := 0

	for _, tag := range domainOrder {
		score := 0
		for _, kw := range domainKeywords[tag] {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestTag = tag
		}
	}

	state.DomainTag = bestTag
	state.FocusedContext = fmt.Sprintf("Detected domain: %s", bestTag)
}

// modelSelectorSystemPrompt instructs the fast model to answer the
// fast/full-path question with exactly one token.
const modelSelectorSystemPrompt = `Classify the following user request as requiring either a quick, simple response or careful multi-step reasoning. Reply with exactly one word: "fast" or "full". No punctuation, no explanation.`

// SelectModel implements the model_selector node: it asks fastModel a
// one-token classification question. On any error (including a malformed
// reply) it defaults to RoutedModelFull — a classifier outage must never
// block a turn from reaching the orchestrator.
func SelectModel(ctx context.Context, fastModel llm.Provider, state *TurnState) {
	human, ok := state.LastHumanMessage()
	if !ok {
		state.RoutedModel = RoutedModelFull
		return
	}

	resp, err := fastModel.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: modelSelectorSystemPrompt,
		Messages:     []types.Message{human},
		MaxTokens:    4,
		Temperature:  0,
	})
	if err != nil {
		state.RoutedModel = RoutedModelFull
		return
	}

	switch strings.ToLower(strings.TrimSpace(resp.Content)) {
	case "fast":
		state.RoutedModel = RoutedModelFast
	default:
		state.RoutedModel = RoutedModelFull
	}
}

// OrchestrateResult carries what happened during one Orchestrate call so the
// caller (TurnOrchestrator) can drive subsequent tool dispatch / HITL without
// re-deriving it from TurnState.
type OrchestrateResult struct {
	// DroppedToolCallNames lists tool calls the model requested beyond the
	// single non-proposal call the spec allows per turn; they are never
	// executed. Recorded for observability / E_GRAPH_FAILED diagnostics.
	DroppedToolCallNames []string
}

// ToolClassifier maps a tool name to its registered [ToolCallKind].
type ToolClassifier interface {
	Classify(toolName string) ToolCallKind
}

// Orchestrate implements the orchestrator node: invokes model with
// (systemPrompt ⊕ FocusedContext, trimmed Messages), appends the Assistant
// response, and partitions any tool_calls into file proposals, command
// proposals, and at most one remaining pending tool action.
func Orchestrate(ctx context.Context, model llm.Provider, classifier ToolClassifier, systemPrompt string, tools []types.ToolDefinition, state *TurnState) (OrchestrateResult, error) {
	fullSystemPrompt := systemPrompt
	if state.FocusedContext != "" {
		fullSystemPrompt = systemPrompt + "\n\n" + state.FocusedContext
	}

	resp, err := model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fullSystemPrompt,
		Messages:     state.Messages,
		Tools:        tools,
	})
	if err != nil {
		return OrchestrateResult{}, fmt.Errorf("graph: orchestrate: %w", err)
	}

	state.AppendMessage(types.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	var result OrchestrateResult
	tookAction := false

	for _, tc := range resp.ToolCalls {
		kind := classifier.Classify(tc.Name)
		switch kind {
		case ToolCallFileProposal:
			state.PendingFileProposals = append(state.PendingFileProposals, FileProposal{
				ProposalID: tc.ID,
				CallID:     tc.ID,
				Description: tc.Name,
				Content:     tc.Arguments,
			})
		case ToolCallCommandProposal:
			state.PendingCommandProposals = append(state.PendingCommandProposals, CommandProposal{
				CommandID:   tc.ID,
				CallID:      tc.ID,
				Description: tc.Name,
				Command:     tc.Arguments,
			})
		default:
			if tookAction {
				// Single-tool-call-per-turn: extra non-proposal calls are dropped.
				result.DroppedToolCallNames = append(result.DroppedToolCallNames, tc.Name)
				continue
			}
			state.PendingToolAction = &PendingToolAction{
				CallID: tc.ID,
				Name:   tc.Name,
				Args:   tc.Arguments,
			}
			tookAction = true
		}
	}

	return result, nil
}

// ResolveProposals implements the proposal_review interrupt-before node's
// resume behavior: it consumes state.ProposalDecisions, appends a single
// summarizing Tool message per decided proposal, and clears the pending
// list. Proposals with no matching decision remain pending (the caller is
// expected to only resume once every pending proposal has a decision).
func ResolveProposals(state *TurnState) {
	if len(state.ProposalDecisions) == 0 {
		return
	}

	decisions := make(map[string]ProposalDecision, len(state.ProposalDecisions))
	for _, d := range state.ProposalDecisions {
		decisions[d.ProposalID] = d
	}

	var remaining []FileProposal
	for _, p := range state.PendingFileProposals {
		d, ok := decisions[p.ProposalID]
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		state.AppendMessage(types.Message{
			Role:       "tool",
			ToolCallID: p.CallID,
			Content:    summarizeProposalDecision(p, d),
		})
	}
	state.PendingFileProposals = remaining
	state.ProposalDecisions = nil
}

func summarizeProposalDecision(p FileProposal, d ProposalDecision) string {
	if !d.Approved {
		return fmt.Sprintf("Proposal %s (%s %s) was rejected by the user.", p.ProposalID, p.Action, p.FilePath)
	}
	if d.Output != "" {
		return fmt.Sprintf("Proposal %s (%s %s) was approved and applied: %s", p.ProposalID, p.Action, p.FilePath, d.Output)
	}
	return fmt.Sprintf("Proposal %s (%s %s) was approved and applied.", p.ProposalID, p.Action, p.FilePath)
}

// ResolveCommands implements the command_review interrupt-before node's
// resume behavior, symmetric to ResolveProposals.
func ResolveCommands(state *TurnState) {
	if len(state.CommandDecisions) == 0 {
		return
	}

	decisions := make(map[string]CommandDecision, len(state.CommandDecisions))
	for _, d := range state.CommandDecisions {
		decisions[d.CommandID] = d
	}

	var remaining []CommandProposal
	for _, c := range state.PendingCommandProposals {
		d, ok := decisions[c.CommandID]
		if !ok {
			remaining = append(remaining, c)
			continue
		}
		state.AppendMessage(types.Message{
			Role:       "tool",
			ToolCallID: c.CallID,
			Content:    summarizeCommandDecision(c, d),
		})
	}
	state.PendingCommandProposals = remaining
	state.CommandDecisions = nil
}

func summarizeCommandDecision(c CommandProposal, d CommandDecision) string {
	if !d.Approved {
		return fmt.Sprintf("Command %s (%s) was rejected by the user.", c.CommandID, c.Command)
	}
	if d.Output != "" {
		return fmt.Sprintf("Command %s (%s) was approved and run:\n%s", c.CommandID, c.Command, d.Output)
	}
	return fmt.Sprintf("Command %s (%s) was approved and run.", c.CommandID, c.Command)
}
