package graph

// Node names, used for logging and as Route return values.
const (
	NodeContextClassifier = "context_classifier"
	NodeModelSelector      = "model_selector"
	NodeOrchestrator       = "orchestrator"
	NodeProposalReview     = "proposal_review"
	NodeCommandReview      = "command_review"
	NodeToolDispatch       = "tool_dispatch"
	NodeEnd                = "end"
)

// InterruptibleNodes is the set of nodes at which the graph suspends and
// waits for an external resume call.
var InterruptibleNodes = map[string]bool{
	NodeProposalReview: true,
	NodeCommandReview:  true,
}

// Route implements the conditional router that runs immediately after the
// orchestrator node: if BargeInDetected, control returns to the orchestrator;
// else proposals take priority over commands, which take priority over a
// pending tool action; otherwise the turn ends.
func Route(state *TurnState) string {
	switch {
	case state.BargeInDetected:
		return NodeOrchestrator
	case len(state.PendingFileProposals) > 0:
		return NodeProposalReview
	case len(state.PendingCommandProposals) > 0:
		return NodeCommandReview
	case state.PendingToolAction != nil:
		return NodeToolDispatch
	default:
		return NodeEnd
	}
}

// RouteAfterReview implements the edges from proposal_review and
// command_review: both always return to the orchestrator so the model can
// react to the HITL outcome.
func RouteAfterReview() string {
	return NodeOrchestrator
}
