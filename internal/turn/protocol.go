// Package turn implements the TurnOrchestrator: the per-session driver that
// owns a client's WebSocket connection, its VAD streamer, checkpointed
// ReasoningGraph state, background job queue, and pending-RPC table, and
// runs the full audio-in to speech-out turn pipeline described by the
// governing specification's §4.7.
package turn

import "encoding/json"

// envelope is the minimal shape every inbound text frame is first decoded
// into, just enough to dispatch on Type before unmarshalling the rest of the
// payload into its concrete struct.
type envelope struct {
	Type string `json:"type"`
}

// Inbound message types (client → server).
const (
	msgTextInput        = "text_input"
	msgMCPResult        = "mcp_result"
	msgAuthSync         = "auth_sync"
	msgUpdateEnv        = "update_env"
	msgProposalDecision = "proposal_decision"
	msgCommandDecision  = "command_decision"
)

// Outbound message types (server → client).
const (
	msgSessionInit          = "session_init"
	msgTurnEnded            = "turn_ended"
	msgTranscript           = "transcript"
	msgLedgerUpdate         = "ledger_update"
	msgProposal             = "proposal"
	msgCommandProposal      = "command_proposal"
	msgTTSActive            = "tts_active"
	msgTTSStart             = "tts_start"
	msgTTSChunk             = "tts_chunk"
	msgTTSEnd               = "tts_end"
	msgScreenCaptureRequest = "screen_capture_request"
	msgScanSecurityRequest  = "scan_security_request"
	msgMCPRequest           = "mcp_request"
	msgSandboxLive          = "sandbox_live"
	msgSandboxUpdated       = "sandbox_updated"
	msgAsyncJobUpdate       = "async_job_update"
)

// textInputMsg carries a typed text override of the turn's audio transcript
// (e.g. a client-side text box used instead of, or alongside, speech).
type textInputMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// mcpResultMsg is the client's JSON-RPC-shaped reply to a local-rpc tool
// call dispatched as call_id, resolved against the session's pending-RPC
// table. Either Result or Error is populated.
type mcpResultMsg struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// authSyncMsg refreshes the session's notion of the client's current
// provider credentials without tearing down the connection.
type authSyncMsg struct {
	Type    string            `json:"type"`
	Tokens  map[string]string `json:"tokens"`
}

// updateEnvMsg refreshes project-scoped environment the orchestrator passes
// through to local tool execution.
type updateEnvMsg struct {
	Type        string            `json:"type"`
	ProjectPath string            `json:"project_path"`
	Env         map[string]string `json:"env"`
}

// proposalDecisionMsg is the client's HITL response to a pending file
// proposal.
type proposalDecisionMsg struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	Approved   bool   `json:"approved"`
}

// commandDecisionMsg is the client's HITL response to a pending command
// proposal.
type commandDecisionMsg struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Approved  bool   `json:"approved"`
}

// sessionInitMsg is the first frame sent after a connection is accepted.
type sessionInitMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// turnEndedMsg acknowledges that the server has observed a turn boundary
// (VAD silence edge, or an explicit text_input) and begun processing it.
type turnEndedMsg struct {
	Type string `json:"type"`
}

// transcriptMsg reports the STT result used to drive this turn.
type transcriptMsg struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ledgerUpdateMsg surfaces a graph-phase transition for client-side status
// display (e.g. "classifying", "orchestrating", "awaiting approval").
type ledgerUpdateMsg struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
}

// proposalMsg announces one pending file proposal awaiting approval.
type proposalMsg struct {
	Type        string `json:"type"`
	ProposalID  string `json:"proposal_id"`
	Action      string `json:"action"`
	FilePath    string `json:"file_path"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// commandProposalMsg announces one pending command proposal awaiting
// approval.
type commandProposalMsg struct {
	Type        string `json:"type"`
	CommandID   string `json:"command_id"`
	Command     string `json:"command"`
	Description string `json:"description"`
}

// ttsActiveMsg toggles whether VAD is currently suppressed for the client's
// own playback.
type ttsActiveMsg struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// ttsStartMsg / ttsEndMsg bracket a streamed speech response.
type ttsStartMsg struct {
	Type string `json:"type"`
}

type ttsEndMsg struct {
	Type string `json:"type"`
}

// screenCaptureRequestMsg asks the client to capture and return a screenshot
// inline, synchronously, within the turn.
type screenCaptureRequestMsg struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
}

// scanSecurityRequestMsg asks the client to run a local security scan
// inline and return the findings.
type scanSecurityRequestMsg struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id"`
	ProjectPath string `json:"project_path"`
}

// mcpRequestMsg is a JSON-RPC 2.0 request dispatched to the client's local
// tool executor (search/read/list/glob/write/execute), tagged mcp_request so
// it is distinguishable from the other outbound control frames on the wire.
// The client's reply (mcp_result, or a bare JSON-RPC reply carrying the same
// ID) resolves the pending-RPC future keyed by ID.
type mcpRequestMsg struct {
	Type    string          `json:"type"`
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// sandboxLiveMsg / sandboxUpdatedMsg push an HTML preview payload to a
// client-side sandboxed iframe.
type sandboxLiveMsg struct {
	Type string `json:"type"`
	HTML string `json:"html"`
}

type sandboxUpdatedMsg struct {
	Type string `json:"type"`
	HTML string `json:"html"`
}

// asyncJobUpdateMsg reports a background job's terminal state once its
// fire-and-forget work finishes.
type asyncJobUpdateMsg struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Result string `json:"result"`
}
