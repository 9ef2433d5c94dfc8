package graph

import (
	"context"
	"fmt"

	"github.com/MrWong99/glyphoxa/internal/budget"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// ToolCatalog enumerates the tools available at a given [types.BudgetTier].
// Satisfied by [internal/registry.Host].
type ToolCatalog interface {
	AvailableTools(tier types.BudgetTier) []types.ToolDefinition
}

// TierSelector picks the [types.BudgetTier] for one turn from its transcript
// text. Satisfied by [internal/registry/tier.Selector].
type TierSelector interface {
	Select(text string, override types.BudgetTier) types.BudgetTier
}

// Graph drives TurnState through the context_classifier → model_selector →
// orchestrator pipeline and the conditional router after it, suspending at
// proposal_review / command_review for external resume. It holds no
// per-session state itself — a single compiled Graph is reused across
// sessions, with TurnState threaded through by the caller.
type Graph struct {
	FastModel    llm.Provider
	FullModel    llm.Provider
	Classifier   ToolClassifier
	Trimmer      budget.Trimmer
	Counter      budget.TokenCounter
	SystemPrompt string
	MaxTokens    int

	// Tools and TierSelector are optional. When both are set, the
	// orchestrator node advertises AvailableTools(selected tier) to the
	// model; when either is nil, the model is called with no tool
	// definitions (it may still emit free-form tool_calls if Classifier
	// recognizes the name, but the model was never told they exist).
	Tools        ToolCatalog
	TierSelector TierSelector
}

// Invoke runs one turn from context_classifier through the orchestrator and
// returns the node the router selected: NodeProposalReview,
// NodeCommandReview, NodeToolDispatch, NodeOrchestrator (barge-in detected),
// or NodeEnd. The caller is responsible
// for acting on that node (running the HITL wait, dispatching the tool
// call) and, for the interruptible nodes, calling Resume once decisions
// arrive.
func (g *Graph) Invoke(ctx context.Context, state *TurnState) (string, error) {
	ClassifyContext(state)

	model := g.FullModel
	if g.FastModel != nil {
		SelectModel(ctx, g.FastModel, state)
	} else {
		state.RoutedModel = RoutedModelFull
	}
	if state.RoutedModel == RoutedModelFast && g.FastModel != nil {
		model = g.FastModel
	}
	if model == nil {
		return "", fmt.Errorf("graph: no model configured for routed_model=%s", state.RoutedModel)
	}

	state.Messages = g.Trimmer.Trim(g.SystemPrompt, state.Messages, g.Counter, g.MaxTokens)

	if _, err := Orchestrate(ctx, model, g.Classifier, g.SystemPrompt, g.toolsFor(state), state); err != nil {
		return "", err
	}

	return Route(state), nil
}

// toolsFor resolves the tool definitions to advertise for state's next
// orchestrator call: the catalog entries for the tier TierSelector picks
// from the last human message, or nil when either dependency is unset.
func (g *Graph) toolsFor(state *TurnState) []types.ToolDefinition {
	if g.Tools == nil || g.TierSelector == nil {
		return nil
	}
	human, ok := state.LastHumanMessage()
	if !ok {
		return nil
	}
	tier := g.TierSelector.Select(human.Content, state.BudgetTierOverride)
	return g.Tools.AvailableTools(tier)
}

// ContinueAfterToolDispatch is called once the tool_dispatch node's caller
// has appended the Tool-role message closing out state.PendingToolAction's
// pairing (and cleared PendingToolAction). It re-invokes the orchestrator on
// the already-selected model and routes again, without re-running context
// classification or model selection — tool_dispatch is not a HITL interrupt,
// so there is no decision list to resolve, unlike [Graph.Resume].
func (g *Graph) ContinueAfterToolDispatch(ctx context.Context, state *TurnState) (string, error) {
	model := g.FullModel
	if state.RoutedModel == RoutedModelFast && g.FastModel != nil {
		model = g.FastModel
	}
	if model == nil {
		return "", fmt.Errorf("graph: no model configured for routed_model=%s", state.RoutedModel)
	}

	state.Messages = g.Trimmer.Trim(g.SystemPrompt, state.Messages, g.Counter, g.MaxTokens)

	if _, err := Orchestrate(ctx, model, g.Classifier, g.SystemPrompt, g.toolsFor(state), state); err != nil {
		return "", err
	}

	return Route(state), nil
}

// Resume is called after the HITL interrupt at proposal_review or
// command_review is satisfied (state.ProposalDecisions / CommandDecisions
// populated). It resolves the pending decisions, re-invokes the
// orchestrator, and routes again.
func (g *Graph) Resume(ctx context.Context, state *TurnState, fromNode string) (string, error) {
	switch fromNode {
	case NodeProposalReview:
		ResolveProposals(state)
	case NodeCommandReview:
		ResolveCommands(state)
	default:
		return "", fmt.Errorf("graph: resume called from non-interruptible node %q", fromNode)
	}

	state.BargeInDetected = false

	model := g.FullModel
	if state.RoutedModel == RoutedModelFast && g.FastModel != nil {
		model = g.FastModel
	}
	if model == nil {
		return "", fmt.Errorf("graph: no model configured for routed_model=%s", state.RoutedModel)
	}

	state.Messages = g.Trimmer.Trim(g.SystemPrompt, state.Messages, g.Counter, g.MaxTokens)

	if _, err := Orchestrate(ctx, model, g.Classifier, g.SystemPrompt, g.toolsFor(state), state); err != nil {
		return "", err
	}

	return Route(state), nil
}
