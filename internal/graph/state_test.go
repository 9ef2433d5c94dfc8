package graph

import (
	"testing"

	"github.com/MrWong99/glyphoxa/pkg/types"
)

func TestTurnState_AppendMessage(t *testing.T) {
	var state TurnState
	state.AppendMessage(types.Message{Role: "user", Content: "hi"})
	state.AppendMessage(types.Message{Role: "assistant", Content: "hello"})

	if len(state.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(state.Messages))
	}
}

func TestTurnState_LastHumanMessage(t *testing.T) {
	state := TurnState{Messages: []types.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}}

	msg, ok := state.LastHumanMessage()
	if !ok {
		t.Fatal("expected a human message")
	}
	if msg.Content != "second" {
		t.Errorf("Content = %q, want %q", msg.Content, "second")
	}
}

func TestTurnState_LastHumanMessage_None(t *testing.T) {
	state := TurnState{Messages: []types.Message{{Role: "assistant", Content: "hi"}}}
	_, ok := state.LastHumanMessage()
	if ok {
		t.Error("expected ok=false with no human message")
	}
}

func TestTurnState_LastAssistantText(t *testing.T) {
	state := TurnState{Messages: []types.Message{
		{Role: "assistant", Content: "first"},
		{Role: "user", Content: "question"},
		{Role: "assistant", Content: "second"},
	}}
	if got := state.LastAssistantText(); got != "second" {
		t.Errorf("LastAssistantText() = %q, want %q", got, "second")
	}
}

func TestTurnState_Clone_DeepCopiesSlicesAndPointer(t *testing.T) {
	original := TurnState{
		Messages:          []types.Message{{Role: "user", Content: "hi"}},
		PendingToolAction: &PendingToolAction{CallID: "call_1", Name: "search"},
		PendingFileProposals: []FileProposal{
			{ProposalID: "p1"},
		},
	}

	clone := original.Clone()

	clone.Messages[0].Content = "mutated"
	clone.PendingToolAction.Name = "mutated"
	clone.PendingFileProposals[0].ProposalID = "mutated"

	if original.Messages[0].Content != "hi" {
		t.Error("Clone shares backing array with Messages")
	}
	if original.PendingToolAction.Name != "search" {
		t.Error("Clone shares the PendingToolAction pointer")
	}
	if original.PendingFileProposals[0].ProposalID != "p1" {
		t.Error("Clone shares backing array with PendingFileProposals")
	}
}

func TestTurnState_Clone_NilPendingToolActionStaysNil(t *testing.T) {
	original := TurnState{}
	clone := original.Clone()
	if clone.PendingToolAction != nil {
		t.Error("Clone of a nil PendingToolAction should stay nil")
	}
}
