// Package graph implements the ReasoningGraph: the explicit state machine
// that drives one turn from context classification through model selection,
// orchestration, optional human-in-the-loop review, and tool dispatch.
package graph

import "github.com/MrWong99/glyphoxa/pkg/types"

// RoutedModel is the model-selector's fast/full-path classification.
type RoutedModel string

const (
	RoutedModelFast RoutedModel = "fast"
	RoutedModelFull RoutedModel = "full"
)

// ToolCallKind classifies a requested tool call by the prefix convention
// established when the tool was registered. The registry assigns this, not
// the graph.
type ToolCallKind string

const (
	ToolCallLocalRPC        ToolCallKind = "local-rpc"
	ToolCallRemoteAPI       ToolCallKind = "remote-api"
	ToolCallFileProposal    ToolCallKind = "file-proposal"
	ToolCallCommandProposal ToolCallKind = "command-proposal"
	ToolCallInlineScreen    ToolCallKind = "inline-screen"
	ToolCallInlineScan      ToolCallKind = "inline-scan"
	ToolCallSandboxPreview  ToolCallKind = "sandbox-preview"
)

// PendingToolAction is at most one local-RPC tool call carried forward from
// the orchestrator node to the tool_dispatch node for a single turn.
type PendingToolAction struct {
	CallID string
	Name   string
	Args   string // JSON-encoded
}

// FileProposal is a create_file/edit_file tool call awaiting HITL approval.
type FileProposal struct {
	ProposalID  string
	Action      string // "create_file" | "edit_file"
	FilePath    string
	Content     string // full content for create_file, unified diff for edit_file
	Description string
	ProjectRoot string
	CallID      string // the originating tool_call id, needed to close the pairing on resume
}

// CommandProposal is a run_command tool call awaiting HITL approval.
type CommandProposal struct {
	CommandID   string
	Command     string
	Description string
	ProjectPath string
	CallID      string
}

// ProposalDecision is supplied by the client on resume to approve or reject
// one pending FileProposal.
type ProposalDecision struct {
	ProposalID string
	Approved   bool
	// Output, when present, is the RPC reply content for an approved
	// create_file/edit_file write that the orchestrator already performed
	// synchronously in-band before resuming the graph.
	Output string
}

// CommandDecision is supplied by the client on resume to approve or reject
// one pending CommandProposal.
type CommandDecision struct {
	CommandID string
	Approved  bool
	Output    string // captured stdout/stderr, if the command was run
}

// TurnState is the reasoning graph's checkpointed state for one session. It
// is owned by the checkpointer and borrowed by the TurnOrchestrator for the
// duration of a turn.
//
// Invariant: for every Assistant message carrying ToolCalls, the next
// message in Messages with the same call id must be a Tool message, with no
// intervening Assistant message referencing a new tool call.
type TurnState struct {
	Messages []types.Message

	RoutedModel    RoutedModel
	FocusedContext string
	DomainTag      string

	PendingToolAction *PendingToolAction

	PendingFileProposals    []FileProposal
	PendingCommandProposals []CommandProposal

	ProposalDecisions []ProposalDecision
	CommandDecisions  []CommandDecision

	ProjectPath string

	// BudgetTierOverride, when non-zero, pins the tool-tier selection for
	// every remaining turn in this session regardless of transcript
	// keywords (see [types.BudgetTier] and TierSelector.Select).
	BudgetTierOverride types.BudgetTier

	// BargeInDetected is set by the orchestrator's caller when VAD observes
	// sustained speech while TTS was streaming; the conditional router sends
	// control back to the orchestrator node rather than advancing.
	BargeInDetected bool
}

// Clone returns a deep-enough copy of s suitable for checkpointing: slices
// are copied so that later in-place mutation of the live TurnState does not
// corrupt an already-persisted snapshot.
func (s TurnState) Clone() TurnState {
	clone := s
	clone.Messages = append([]types.Message(nil), s.Messages...)
	clone.PendingFileProposals = append([]FileProposal(nil), s.PendingFileProposals...)
	clone.PendingCommandProposals = append([]CommandProposal(nil), s.PendingCommandProposals...)
	clone.ProposalDecisions = append([]ProposalDecision(nil), s.ProposalDecisions...)
	clone.CommandDecisions = append([]CommandDecision(nil), s.CommandDecisions...)
	if s.PendingToolAction != nil {
		action := *s.PendingToolAction
		clone.PendingToolAction = &action
	}
	return clone
}

// AppendMessage is the monotonic append reducer: it is the only sanctioned
// way to grow Messages, keeping the tool_call/tool_result pairing invariant
// visible at a single call site.
func (s *TurnState) AppendMessage(m types.Message) {
	s.Messages = append(s.Messages, m)
}

// LastHumanMessage returns the most recent Human-role message, or the zero
// value and false if none exists.
func (s *TurnState) LastHumanMessage() (types.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i], true
		}
	}
	return types.Message{}, false
}

// LastAssistantText returns the Content of the most recent Assistant-role
// message, or "" if none exists.
func (s *TurnState) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" {
			return s.Messages[i].Content
		}
	}
	return ""
}
