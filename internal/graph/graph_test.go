package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// stubProvider returns a scripted CompletionResponse (or error) regardless of
// the request, and is used across the graph package's tests.
type stubProvider struct {
	resp    *llm.CompletionResponse
	err     error
	lastReq llm.CompletionRequest
}

func (p *stubProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

func (p *stubProvider) CountTokens(messages []types.Message) (int, error) { return len(messages) * 10, nil }
func (p *stubProvider) Capabilities() types.ModelCapabilities              { return types.ModelCapabilities{} }

// fixedClassifier maps every tool name to a single configured kind, except
// names explicitly overridden.
type fixedClassifier struct {
	overrides map[string]ToolCallKind
	fallback  ToolCallKind
}

func (c fixedClassifier) Classify(toolName string) ToolCallKind {
	if k, ok := c.overrides[toolName]; ok {
		return k
	}
	return c.fallback
}

type fixedCounter struct{ n int }

func (c fixedCounter) CountTokens(systemPrompt string, messages []types.Message) int { return c.n }

func TestClassifyContext_ScoresKeywords(t *testing.T) {
	state := &TurnState{Messages: []types.Message{
		{Role: "user", Content: "please fix this CSS button layout"},
	}}
	ClassifyContext(state)
	if state.DomainTag != "ui" {
		t.Errorf("DomainTag = %q, want ui", state.DomainTag)
	}
}

func TestClassifyContext_DefaultsGeneralWithNoMatch(t *testing.T) {
	state := &TurnState{Messages: []types.Message{
		{Role: "user", Content: "what time is it"},
	}}
	ClassifyContext(state)
	if state.DomainTag != "general" {
		t.Errorf("DomainTag = %q, want general", state.DomainTag)
	}
}

func TestClassifyContext_NoHumanMessage(t *testing.T) {
	state := &TurnState{}
	ClassifyContext(state)
	if state.DomainTag != "general" {
		t.Errorf("DomainTag = %q, want general", state.DomainTag)
	}
}

func TestSelectModel_ParsesFastReply(t *testing.T) {
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	provider := &stubProvider{resp: &llm.CompletionResponse{Content: "fast"}}
	SelectModel(context.Background(), provider, state)
	if state.RoutedModel != RoutedModelFast {
		t.Errorf("RoutedModel = %q, want fast", state.RoutedModel)
	}
}

func TestSelectModel_DefaultsToFullOnProviderError(t *testing.T) {
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	provider := &stubProvider{err: errors.New("boom")}
	SelectModel(context.Background(), provider, state)
	if state.RoutedModel != RoutedModelFull {
		t.Errorf("RoutedModel = %q, want full", state.RoutedModel)
	}
}

func TestSelectModel_DefaultsToFullOnMalformedReply(t *testing.T) {
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	provider := &stubProvider{resp: &llm.CompletionResponse{Content: "maybe?"}}
	SelectModel(context.Background(), provider, state)
	if state.RoutedModel != RoutedModelFull {
		t.Errorf("RoutedModel = %q, want full", state.RoutedModel)
	}
}

func TestOrchestrate_PartitionsToolCallsByKind(t *testing.T) {
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "do things"}}}
	provider := &stubProvider{resp: &llm.CompletionResponse{
		Content: "working on it",
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "create_file", Arguments: `{"path":"a.go"}`},
			{ID: "call_2", Name: "run_command", Arguments: `{"cmd":"ls"}`},
			{ID: "call_3", Name: "search_code", Arguments: `{"q":"foo"}`},
		},
	}}
	classifier := fixedClassifier{overrides: map[string]ToolCallKind{
		"create_file": ToolCallFileProposal,
		"run_command": ToolCallCommandProposal,
		"search_code": ToolCallLocalRPC,
	}}

	result, err := Orchestrate(context.Background(), provider, classifier, "system", nil, state)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if len(result.DroppedToolCallNames) != 0 {
		t.Errorf("DroppedToolCallNames = %v, want none", result.DroppedToolCallNames)
	}
	if len(state.PendingFileProposals) != 1 {
		t.Fatalf("PendingFileProposals = %d, want 1", len(state.PendingFileProposals))
	}
	if len(state.PendingCommandProposals) != 1 {
		t.Fatalf("PendingCommandProposals = %d, want 1", len(state.PendingCommandProposals))
	}
	if state.PendingToolAction == nil || state.PendingToolAction.Name != "search_code" {
		t.Fatalf("PendingToolAction = %+v", state.PendingToolAction)
	}
}

func TestOrchestrate_DropsExtraNonProposalCalls(t *testing.T) {
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "do things"}}}
	provider := &stubProvider{resp: &llm.CompletionResponse{
		ToolCalls: []types.ToolCall{
			{ID: "call_1", Name: "tool_a"},
			{ID: "call_2", Name: "tool_b"},
		},
	}}
	classifier := fixedClassifier{fallback: ToolCallLocalRPC}

	result, err := Orchestrate(context.Background(), provider, classifier, "system", nil, state)
	if err != nil {
		t.Fatalf("Orchestrate: %v", err)
	}
	if state.PendingToolAction == nil || state.PendingToolAction.Name != "tool_a" {
		t.Fatalf("expected first call to become the pending action, got %+v", state.PendingToolAction)
	}
	if len(result.DroppedToolCallNames) != 1 || result.DroppedToolCallNames[0] != "tool_b" {
		t.Errorf("DroppedToolCallNames = %v, want [tool_b]", result.DroppedToolCallNames)
	}
}

func TestOrchestrate_PropagatesProviderError(t *testing.T) {
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hi"}}}
	provider := &stubProvider{err: errors.New("provider down")}
	classifier := fixedClassifier{fallback: ToolCallLocalRPC}

	_, err := Orchestrate(context.Background(), provider, classifier, "system", nil, state)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestResolveProposals_AppendsToolMessageAndClears(t *testing.T) {
	state := &TurnState{
		PendingFileProposals: []FileProposal{
			{ProposalID: "p1", CallID: "call_1", Action: "create_file", FilePath: "a.go"},
			{ProposalID: "p2", CallID: "call_2", Action: "edit_file", FilePath: "b.go"},
		},
		ProposalDecisions: []ProposalDecision{
			{ProposalID: "p1", Approved: true, Output: "wrote a.go"},
		},
	}

	ResolveProposals(state)

	if len(state.PendingFileProposals) != 1 || state.PendingFileProposals[0].ProposalID != "p2" {
		t.Fatalf("PendingFileProposals = %+v, want only p2 remaining", state.PendingFileProposals)
	}
	if state.ProposalDecisions != nil {
		t.Errorf("ProposalDecisions not cleared: %+v", state.ProposalDecisions)
	}
	if len(state.Messages) != 1 || state.Messages[0].ToolCallID != "call_1" {
		t.Fatalf("Messages = %+v", state.Messages)
	}
}

func TestResolveCommands_RejectedProposalSummarized(t *testing.T) {
	state := &TurnState{
		PendingCommandProposals: []CommandProposal{
			{CommandID: "c1", CallID: "call_1", Command: "rm -rf /"},
		},
		CommandDecisions: []CommandDecision{
			{CommandID: "c1", Approved: false},
		},
	}

	ResolveCommands(state)

	if len(state.PendingCommandProposals) != 0 {
		t.Fatalf("PendingCommandProposals = %+v, want empty", state.PendingCommandProposals)
	}
	if len(state.Messages) != 1 {
		t.Fatalf("Messages = %+v", state.Messages)
	}
	if state.Messages[0].Content == "" {
		t.Error("expected a non-empty rejection summary")
	}
}

func TestRoute_PrioritizesBargeInThenProposalsThenCommandsThenToolAction(t *testing.T) {
	cases := []struct {
		name  string
		state *TurnState
		want  string
	}{
		{"barge-in", &TurnState{BargeInDetected: true, PendingToolAction: &PendingToolAction{}}, NodeOrchestrator},
		{"proposals", &TurnState{PendingFileProposals: []FileProposal{{}}}, NodeProposalReview},
		{"commands", &TurnState{PendingCommandProposals: []CommandProposal{{}}}, NodeCommandReview},
		{"tool-action", &TurnState{PendingToolAction: &PendingToolAction{}}, NodeToolDispatch},
		{"end", &TurnState{}, NodeEnd},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Route(tc.state); got != tc.want {
				t.Errorf("Route() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRouteAfterReview_AlwaysReturnsOrchestrator(t *testing.T) {
	if got := RouteAfterReview(); got != NodeOrchestrator {
		t.Errorf("RouteAfterReview() = %q, want %q", got, NodeOrchestrator)
	}
}

func TestGraph_Invoke_RoutesToEndWithNoToolCalls(t *testing.T) {
	g := &Graph{
		FullModel:    &stubProvider{resp: &llm.CompletionResponse{Content: "done"}},
		Classifier:   fixedClassifier{fallback: ToolCallLocalRPC},
		Counter:      fixedCounter{n: 10},
		SystemPrompt: "system",
		MaxTokens:    1000,
	}
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hello"}}}

	node, err := g.Invoke(context.Background(), state)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if node != NodeEnd {
		t.Errorf("node = %q, want %q", node, NodeEnd)
	}
}

func TestGraph_Invoke_RoutesToToolDispatch(t *testing.T) {
	g := &Graph{
		FullModel: &stubProvider{resp: &llm.CompletionResponse{
			ToolCalls: []types.ToolCall{{ID: "call_1", Name: "search_code"}},
		}},
		Classifier:   fixedClassifier{fallback: ToolCallLocalRPC},
		Counter:      fixedCounter{n: 10},
		SystemPrompt: "system",
		MaxTokens:    1000,
	}
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "search for foo"}}}

	node, err := g.Invoke(context.Background(), state)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if node != NodeToolDispatch {
		t.Errorf("node = %q, want %q", node, NodeToolDispatch)
	}
}

func TestGraph_Invoke_NoModelConfiguredIsAnError(t *testing.T) {
	g := &Graph{
		Counter:      fixedCounter{n: 10},
		SystemPrompt: "system",
		MaxTokens:    1000,
	}
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hi"}}}

	if _, err := g.Invoke(context.Background(), state); err == nil {
		t.Fatal("expected an error when no model is configured")
	}
}

func TestGraph_Resume_FromProposalReview(t *testing.T) {
	g := &Graph{
		FullModel:    &stubProvider{resp: &llm.CompletionResponse{Content: "all set"}},
		Classifier:   fixedClassifier{fallback: ToolCallLocalRPC},
		Counter:      fixedCounter{n: 10},
		SystemPrompt: "system",
		MaxTokens:    1000,
	}
	state := &TurnState{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		PendingFileProposals: []FileProposal{
			{ProposalID: "p1", CallID: "call_1"},
		},
		ProposalDecisions: []ProposalDecision{{ProposalID: "p1", Approved: true}},
	}

	node, err := g.Resume(context.Background(), state, NodeProposalReview)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if node != NodeEnd {
		t.Errorf("node = %q, want %q", node, NodeEnd)
	}
	if len(state.PendingFileProposals) != 0 {
		t.Errorf("PendingFileProposals = %+v, want empty after resolve", state.PendingFileProposals)
	}
}

func TestGraph_Resume_FromNonInterruptibleNodeIsAnError(t *testing.T) {
	g := &Graph{FullModel: &stubProvider{resp: &llm.CompletionResponse{}}}
	state := &TurnState{}
	if _, err := g.Resume(context.Background(), state, NodeOrchestrator); err == nil {
		t.Fatal("expected an error resuming from a non-interruptible node")
	}
}

// fakeToolCatalog returns a fixed tool list regardless of tier, recording
// the tier it was asked for.
type fakeToolCatalog struct {
	tools    []types.ToolDefinition
	lastTier types.BudgetTier
}

func (f *fakeToolCatalog) AvailableTools(tier types.BudgetTier) []types.ToolDefinition {
	f.lastTier = tier
	return f.tools
}

// fixedTierSelector always returns the same tier regardless of input text.
type fixedTierSelector struct {
	tier types.BudgetTier
}

func (f fixedTierSelector) Select(text string, override types.BudgetTier) types.BudgetTier {
	if override != 0 {
		return override
	}
	return f.tier
}

func TestGraph_Invoke_AdvertisesTierScopedTools(t *testing.T) {
	provider := &stubProvider{resp: &llm.CompletionResponse{Content: "done"}}
	catalog := &fakeToolCatalog{tools: []types.ToolDefinition{{Name: "search_web"}}}

	g := &Graph{
		FullModel:    provider,
		Classifier:   fixedClassifier{fallback: ToolCallLocalRPC},
		Counter:      fixedCounter{n: 10},
		SystemPrompt: "system",
		MaxTokens:    1000,
		Tools:        catalog,
		TierSelector: fixedTierSelector{tier: types.BudgetDeep},
	}
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "search the web for this"}}}

	if _, err := g.Invoke(context.Background(), state); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if catalog.lastTier != types.BudgetDeep {
		t.Errorf("AvailableTools called with tier %v, want %v", catalog.lastTier, types.BudgetDeep)
	}
	if len(provider.lastReq.Tools) != 1 || provider.lastReq.Tools[0].Name != "search_web" {
		t.Errorf("Complete request Tools = %+v, want the catalog's search_web definition", provider.lastReq.Tools)
	}
}

func TestGraph_Invoke_NoToolsWhenCatalogUnset(t *testing.T) {
	provider := &stubProvider{resp: &llm.CompletionResponse{Content: "done"}}
	g := &Graph{
		FullModel:    provider,
		Classifier:   fixedClassifier{fallback: ToolCallLocalRPC},
		Counter:      fixedCounter{n: 10},
		SystemPrompt: "system",
		MaxTokens:    1000,
	}
	state := &TurnState{Messages: []types.Message{{Role: "user", Content: "hi"}}}

	if _, err := g.Invoke(context.Background(), state); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if provider.lastReq.Tools != nil {
		t.Errorf("Complete request Tools = %+v, want nil with no catalog configured", provider.lastReq.Tools)
	}
}
