package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/glyphoxa/internal/cogerrors"
	"github.com/MrWong99/glyphoxa/internal/graph"
	"github.com/MrWong99/glyphoxa/internal/jobs"
	"github.com/MrWong99/glyphoxa/pkg/audio"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// runTurn implements the six-step turn pipeline described in the governing
// specification's §4.7: buffer-gate, transcribe, reason, review, dispatch,
// and speak. textOverride, when non-empty, substitutes for the audio-derived
// transcript (a client-side text box input).
//
// runTurn is called synchronously from the single inbound-frame loop, so at
// most one turn is ever in flight per session.
func (o *Orchestrator) runTurn(ctx context.Context, textOverride string) {
	o.bufMu.Lock()
	if o.turnActive {
		// A turn is already draining (most likely its own HITL wait, which
		// keeps servicing inbound frames); a second trigger arriving in that
		// window is dropped rather than recursing.
		o.bufMu.Unlock()
		return
	}
	o.turnActive = true
	audioLen := len(o.audioBuf)
	o.audioBuf = o.audioBuf[:0]
	o.bufMu.Unlock()
	defer func() {
		o.bufMu.Lock()
		o.turnActive = false
		o.bufMu.Unlock()
	}()

	_ = o.send(ctx, turnEndedMsg{Type: msgTurnEnded})

	if audioLen < minTurnAudioBytes && textOverride == "" {
		return
	}

	text := textOverride
	if text == "" {
		o.finalsMu.Lock()
		text = strings.TrimSpace(o.finalsBuf.String())
		o.finalsBuf.Reset()
		o.finalsMu.Unlock()
	}
	if len(text) < 2 {
		return
	}
	_ = o.send(ctx, transcriptMsg{Type: msgTranscript, Text: text, IsFinal: true})

	o.stateMu.Lock()
	o.turnNumber++
	turnNumber := o.turnNumber
	o.state.AppendMessage(types.Message{Role: "user", Content: text})
	node, err := o.d.Graph.Invoke(ctx, &o.state)
	o.stateMu.Unlock()
	if err != nil {
		o.sendError(ctx, cogerrors.EGraphFailed, "reasoning graph invocation failed", err)
		return
	}
	_ = o.send(ctx, ledgerUpdateMsg{Type: msgLedgerUpdate, Phase: node})

	node = o.driveGraph(ctx, node)

	o.finishTurn(ctx, turnNumber)
	o.checkpoint(ctx)
}

// driveGraph walks the router's node sequence from the first post-orchestrate
// decision through proposal/command review and tool dispatch until it
// reaches NodeEnd, returning that terminal node name.
func (o *Orchestrator) driveGraph(ctx context.Context, node string) string {
	for {
		switch node {
		case graph.NodeProposalReview:
			node = o.hitlProposals(ctx)
		case graph.NodeCommandReview:
			node = o.hitlCommands(ctx)
		case graph.NodeToolDispatch:
			node = o.dispatchTool(ctx)
		case graph.NodeOrchestrator:
			// A barge-in observed mid-turn routes back through the
			// orchestrator once more before the router re-decides.
			o.stateMu.Lock()
			o.state.BargeInDetected = false
			var err error
			node, err = o.d.Graph.ContinueAfterToolDispatch(ctx, &o.state)
			o.stateMu.Unlock()
			if err != nil {
				o.sendError(ctx, cogerrors.EGraphFailed, "reasoning graph re-invocation failed", err)
				return graph.NodeEnd
			}
		default:
			return graph.NodeEnd
		}
		_ = o.send(ctx, ledgerUpdateMsg{Type: msgLedgerUpdate, Phase: node})
	}
}

// hitlProposals announces every pending file proposal, waits (under one
// timeout shared by all decisions) for the client's decisions, dispatches approved
// writes to the client as local/write_file JSON-RPC requests, and resumes
// the graph.
func (o *Orchestrator) hitlProposals(ctx context.Context) string {
	o.stateMu.Lock()
	proposals := append([]graph.FileProposal(nil), o.state.PendingFileProposals...)
	o.stateMu.Unlock()

	for _, p := range proposals {
		_ = o.send(ctx, proposalMsg{
			Type:        msgProposal,
			ProposalID:  p.ProposalID,
			Action:      p.Action,
			FilePath:    p.FilePath,
			Content:     p.Content,
			Description: p.Description,
		})
	}

	decisions := o.awaitDecisions(ctx, len(proposals), hitlTimeout)

	var resolved []graph.ProposalDecision
	for _, p := range proposals {
		approved, ok := decisions[p.ProposalID]
		if !ok {
			// Timed out waiting for this one: treat as rejected so the turn
			// can still make forward progress.
			approved = false
		}
		d := graph.ProposalDecision{ProposalID: p.ProposalID, Approved: approved}
		if approved && o.d.Conn != nil {
			d.Output = o.applyFileProposal(ctx, p)
		}
		resolved = append(resolved, d)
	}

	o.stateMu.Lock()
	o.state.ProposalDecisions = resolved
	node, err := o.d.Graph.Resume(ctx, &o.state, graph.NodeProposalReview)
	o.stateMu.Unlock()
	if err != nil {
		o.sendError(ctx, cogerrors.EGraphFailed, "resume after proposal review failed", err)
		return graph.NodeEnd
	}
	return node
}

// applyFileProposal sends the approved write as a local/write_file JSON-RPC
// request to the client and awaits its reply synchronously in-band, so the
// write happens on the user's machine under the user's own permissions
// rather than on the server; the returned text is folded into the
// summarizing Tool message, with errors folded into the returned string
// rather than propagated, since a write failure is information the model
// should react to, not a turn-fatal condition.
func (o *Orchestrator) applyFileProposal(ctx context.Context, p graph.FileProposal) string {
	args, err := json.Marshal(map[string]string{
		"action":       p.Action,
		"file_path":    p.FilePath,
		"content":      p.Content,
		"project_root": p.ProjectRoot,
	})
	if err != nil {
		return fmt.Sprintf("failed to encode write_file arguments: %s", err)
	}
	result, err := o.sendClientRPCInBand(ctx, p.CallID, localRPCMethodWriteFile, args, localRPCApplyTimeout)
	if err != nil {
		return fmt.Sprintf("write_file failed: %s", err)
	}
	return result
}

// hitlCommands is the command-proposal counterpart of hitlProposals.
func (o *Orchestrator) hitlCommands(ctx context.Context) string {
	o.stateMu.Lock()
	proposals := append([]graph.CommandProposal(nil), o.state.PendingCommandProposals...)
	o.stateMu.Unlock()

	for _, c := range proposals {
		_ = o.send(ctx, commandProposalMsg{
			Type:        msgCommandProposal,
			CommandID:   c.CommandID,
			Command:     c.Command,
			Description: c.Description,
		})
	}

	decisions := o.awaitDecisions(ctx, len(proposals), hitlTimeout)

	var resolved []graph.CommandDecision
	for _, c := range proposals {
		approved, ok := decisions[c.CommandID]
		if !ok {
			approved = false
		}
		d := graph.CommandDecision{CommandID: c.CommandID, Approved: approved}
		if approved && o.d.Conn != nil {
			d.Output = o.applyCommandProposal(ctx, c)
		}
		resolved = append(resolved, d)
	}

	o.stateMu.Lock()
	o.state.CommandDecisions = resolved
	node, err := o.d.Graph.Resume(ctx, &o.state, graph.NodeCommandReview)
	o.stateMu.Unlock()
	if err != nil {
		o.sendError(ctx, cogerrors.EGraphFailed, "resume after command review failed", err)
		return graph.NodeEnd
	}
	return node
}

// applyCommandProposal is the local/execute_command counterpart of
// applyFileProposal: the approved command runs on the client's machine, not
// the server, matching the same client-executes-locally contract.
func (o *Orchestrator) applyCommandProposal(ctx context.Context, c graph.CommandProposal) string {
	args, err := json.Marshal(map[string]string{
		"command":      c.Command,
		"project_path": c.ProjectPath,
	})
	if err != nil {
		return fmt.Sprintf("failed to encode execute_command arguments: %s", err)
	}
	result, err := o.sendClientRPCInBand(ctx, c.CallID, localRPCMethodExecuteCommand, args, localRPCApplyTimeout)
	if err != nil {
		return fmt.Sprintf("execute_command failed: %s", err)
	}
	return result
}

// awaitDecisions blocks on a filtered receive loop that only consumes
// proposal_decision / command_decision frames until every one of
// expectedCount decisions has arrived or timeout elapses, returning a map
// from proposal/command id to approval.
//
// All other frame types seen during the wait are processed normally (audio
// keeps flowing to STT/VAD, other control messages keep being handled) so a
// slow-to-decide client doesn't stall unrelated traffic.
func (o *Orchestrator) awaitDecisions(ctx context.Context, expectedCount int, timeout time.Duration) map[string]bool {
	decisions := make(map[string]bool, expectedCount)
	if expectedCount == 0 {
		return decisions
	}

	deadline := time.Now().Add(timeout)
	for len(decisions) < expectedCount && time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		readCtx, cancel := context.WithTimeout(ctx, remaining)
		kind, data, err := o.d.Conn.read(readCtx)
		cancel()
		if err != nil {
			break
		}

		if kind == frameBinary {
			_ = o.handleAudio(ctx, data)
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case msgProposalDecision:
			var m proposalDecisionMsg
			if json.Unmarshal(data, &m) == nil {
				decisions[m.ProposalID] = m.Approved
			}
		case msgCommandDecision:
			var m commandDecisionMsg
			if json.Unmarshal(data, &m) == nil {
				decisions[m.CommandID] = m.Approved
			}
		default:
			_ = o.handleText(ctx, data)
		}
	}
	return decisions
}

// dispatchTool executes the single pending tool action for this turn,
// branching on the classifier's declared [graph.ToolCallKind], and returns
// the router's next node once the pairing has been closed.
func (o *Orchestrator) dispatchTool(ctx context.Context) string {
	o.stateMu.Lock()
	action := o.state.PendingToolAction
	o.stateMu.Unlock()
	if action == nil {
		return graph.NodeEnd
	}

	kind := graph.ToolCallKind("")
	if o.d.Graph.Classifier != nil {
		kind = o.d.Graph.Classifier.Classify(action.Name)
	}

	var resultText string
	switch kind {
	case graph.ToolCallInlineScreen:
		resultText = o.dispatchInline(ctx, action.CallID, screenCaptureRequestMsg{Type: msgScreenCaptureRequest, CallID: action.CallID}, 10*time.Second)
	case graph.ToolCallInlineScan:
		o.stateMu.Lock()
		projectPath := o.state.ProjectPath
		o.stateMu.Unlock()
		resultText = o.dispatchInline(ctx, action.CallID, scanSecurityRequestMsg{Type: msgScanSecurityRequest, CallID: action.CallID, ProjectPath: projectPath}, 30*time.Second)
	case graph.ToolCallSandboxPreview:
		resultText = o.dispatchSandboxPreview(ctx, action)
	case graph.ToolCallLocalRPC:
		return o.dispatchLocalRPC(ctx, action)
	default: // ToolCallRemoteAPI and anything unclassified execute in-process.
		resultText = o.dispatchRemoteAPI(ctx, action)
	}

	return o.closeToolPairing(ctx, action.CallID, resultText)
}

// dispatchRemoteAPI runs a tool synchronously through the MCP host.
func (o *Orchestrator) dispatchRemoteAPI(ctx context.Context, action *graph.PendingToolAction) string {
	if o.d.Registry == nil {
		return "no tool host configured"
	}
	result, err := o.d.Registry.ExecuteTool(ctx, action.Name, action.Args)
	if err != nil {
		if o.d.Metrics != nil {
			o.d.Metrics.RecordToolCall(ctx, action.Name, "error")
		}
		return fmt.Sprintf("tool %s failed: %s", action.Name, err)
	}
	if o.d.Metrics != nil {
		status := "ok"
		if result.IsError {
			status = "error"
		}
		o.d.Metrics.RecordToolCall(ctx, action.Name, status)
	}
	return result.Content
}

// dispatchInline sends req to the client and blocks (bounded by timeout) for
// a matching mcp_result reply keyed by callID.
func (o *Orchestrator) dispatchInline(ctx context.Context, callID string, req any, timeout time.Duration) string {
	if o.d.PendingRPC == nil {
		return "no pending-rpc table configured"
	}
	ch := o.d.PendingRPC.Create(callID)
	if err := o.send(ctx, req); err != nil {
		return fmt.Sprintf("failed to dispatch inline request: %s", err)
	}
	raw, err := jobs.Await(callID, ch, timeout)
	if err != nil {
		o.rpcTimeouts++
		return fmt.Sprintf("request %s timed out waiting for the client", callID)
	}
	return raw
}

// localRPCApplyTimeout bounds the synchronous in-band wait for an approved
// write_file/execute_command reply during HITL review.
const localRPCApplyTimeout = 30 * time.Second

// localRPCMethods maps a local-RPC tool's registered name to the JSON-RPC
// method invoked on the client's local tool executor.
var localRPCMethods = map[string]string{
	"search_codebase": "local/search_project",
	"read_file":       localRPCMethodReadFile,
	"list_directory":  localRPCMethodListDirectory,
	"glob_find":       localRPCMethodGlobFind,
	"write_file":      localRPCMethodWriteFile,
	"execute_command": localRPCMethodExecuteCommand,
}

const (
	localRPCMethodReadFile       = "local/read_file"
	localRPCMethodListDirectory  = "local/list_directory"
	localRPCMethodGlobFind       = "local/glob_find"
	localRPCMethodWriteFile      = "local/write_file"
	localRPCMethodExecuteCommand = "local/execute_command"
)

// sendClientRPC dispatches a JSON-RPC 2.0 request tagged mcp_request to the
// client naming method, with params as its JSON-encoded arguments, and
// blocks (bounded by timeout) for the matching reply keyed by callID via the
// session's pending-RPC table. Only safe to call from a goroutine other than
// the session's own inbound loop (e.g. a background job's work function):
// the reply is only ever observed by that loop's own read of the socket, so
// a caller running on the inbound loop itself would wait on a future nothing
// else can resolve.
func (o *Orchestrator) sendClientRPC(ctx context.Context, callID, method string, params []byte, timeout time.Duration) (string, error) {
	if o.d.PendingRPC == nil {
		return "", fmt.Errorf("no pending-rpc table configured")
	}
	raw := json.RawMessage(params)
	if !json.Valid(raw) {
		raw = json.RawMessage("{}")
	}
	ch := o.d.PendingRPC.Create(callID)
	if err := o.send(ctx, mcpRequestMsg{
		Type:    msgMCPRequest,
		JSONRPC: "2.0",
		ID:      callID,
		Method:  method,
		Params:  raw,
	}); err != nil {
		return "", fmt.Errorf("dispatch %s: %w", method, err)
	}
	return jobs.Await(callID, ch, timeout)
}

// sendClientRPCInBand is sendClientRPC's counterpart for callers already
// running on the session's own inbound loop (HITL review, which must block
// the turn on the client's reply before resuming). Since nothing else reads
// the socket while this call is on the stack, it drives its own filtered
// receive loop directly rather than waiting on the pending-RPC table —
// mirroring awaitDecisions: audio and unrelated control frames seen during
// the wait are still processed, only the matching mcp_result reply ends it.
func (o *Orchestrator) sendClientRPCInBand(ctx context.Context, callID, method string, params []byte, timeout time.Duration) (string, error) {
	raw := json.RawMessage(params)
	if !json.Valid(raw) {
		raw = json.RawMessage("{}")
	}
	if err := o.send(ctx, mcpRequestMsg{
		Type:    msgMCPRequest,
		JSONRPC: "2.0",
		ID:      callID,
		Method:  method,
		Params:  raw,
	}); err != nil {
		return "", fmt.Errorf("dispatch %s: %w", method, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		readCtx, cancel := context.WithTimeout(ctx, time.Until(deadline))
		kind, data, err := o.d.Conn.read(readCtx)
		cancel()
		if err != nil {
			o.rpcTimeouts++
			return "", fmt.Errorf("rpc %s: %w", callID, err)
		}

		if kind == frameBinary {
			_ = o.handleAudio(ctx, data)
			continue
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != msgMCPResult {
			_ = o.handleText(ctx, data)
			continue
		}
		var m mcpResultMsg
		if json.Unmarshal(data, &m) != nil || m.ID != callID {
			continue
		}
		if m.Error != "" {
			return "", fmt.Errorf("client reported error: %s", m.Error)
		}
		return string(m.Result), nil
	}
	o.rpcTimeouts++
	return "", fmt.Errorf("rpc %s timed out waiting for the client", callID)
}

// dispatchSandboxPreview pushes an HTML preview to the client's sandboxed
// iframe without blocking the turn on a reply.
func (o *Orchestrator) dispatchSandboxPreview(ctx context.Context, action *graph.PendingToolAction) string {
	var payload struct {
		HTML  string `json:"html"`
		First bool   `json:"first"`
	}
	_ = json.Unmarshal([]byte(action.Args), &payload)

	if payload.First {
		_ = o.send(ctx, sandboxLiveMsg{Type: msgSandboxLive, HTML: payload.HTML})
	} else {
		_ = o.send(ctx, sandboxUpdatedMsg{Type: msgSandboxUpdated, HTML: payload.HTML})
	}
	return "Sandbox preview updated."
}

// dispatchLocalRPC implements the Instant-ACK + Background Dispatch pattern:
// the tool_call/tool_result pairing is closed immediately with a synthetic
// acknowledgement so the graph can keep moving, while the actual client RPC
// runs in the background and its eventual result is folded back into the
// conversation as a System message plus an async_job_update notification.
func (o *Orchestrator) dispatchLocalRPC(ctx context.Context, action *graph.PendingToolAction) string {
	jobID := newCallID()

	node := o.closeToolPairing(ctx, action.CallID,
		fmt.Sprintf("Job %s dispatched in the background; you will be notified when it completes.", jobID))

	if o.d.PendingRPC == nil || o.d.Jobs == nil {
		return node
	}

	method, ok := localRPCMethods[action.Name]
	if !ok {
		method = "local/" + action.Name
	}

	o.d.Jobs.Submit(ctx, jobID, action.CallID, action.Name,
		func(jobCtx context.Context) (string, error) {
			return o.sendClientRPC(jobCtx, action.CallID, method, []byte(action.Args), jobs.PendingRPCTTL)
		},
		func(completedJobID, result string) {
			o.onBackgroundJobComplete(context.Background(), completedJobID, result)
		},
	)

	return node
}

// onBackgroundJobComplete folds a finished background job's result back
// into the conversation as a System message and notifies the client. It
// runs on the Queue's own goroutine, not the inbound loop, so it takes
// stateMu itself rather than assuming the caller holds it.
func (o *Orchestrator) onBackgroundJobComplete(ctx context.Context, jobID, result string) {
	o.stateMu.Lock()
	o.state.AppendMessage(types.Message{
		Role:    "system",
		Content: fmt.Sprintf("[BACKGROUND JOB COMPLETE] job %s: %s", jobID, result),
	})
	o.stateMu.Unlock()

	status := string(jobsStatusOf(o.d.Jobs, jobID))
	_ = o.send(ctx, asyncJobUpdateMsg{
		Type:   msgAsyncJobUpdate,
		JobID:  jobID,
		Status: status,
		Result: result,
	})
	if o.d.Metrics != nil && status == "timed_out" {
		o.d.Metrics.BackgroundJobTimeouts.Add(ctx, 1)
	}
	o.checkpoint(ctx)
}

func jobsStatusOf(q *jobs.Queue, jobID string) jobs.Status {
	if q == nil {
		return jobs.StatusDone
	}
	job, ok := q.Get(jobID)
	if !ok {
		return jobs.StatusDone
	}
	return job.Status
}

// closeToolPairing appends the Tool-role message that resolves action's
// tool_call/tool_result pairing, clears PendingToolAction, and re-invokes
// the graph.
func (o *Orchestrator) closeToolPairing(ctx context.Context, callID, content string) string {
	o.stateMu.Lock()
	o.state.AppendMessage(types.Message{Role: "tool", ToolCallID: callID, Content: content})
	o.state.PendingToolAction = nil
	node, err := o.d.Graph.ContinueAfterToolDispatch(ctx, &o.state)
	o.stateMu.Unlock()
	if err != nil {
		o.sendError(ctx, cogerrors.EGraphFailed, "continue after tool dispatch failed", err)
		return graph.NodeEnd
	}
	return node
}

// finishTurn streams the final assistant text to the client as synthesized
// speech, folds the completed turn into cross-session memory via the
// ContextManager/MemoryGuard, and archives the turn snapshot.
func (o *Orchestrator) finishTurn(ctx context.Context, turnNumber int) {
	o.stateMu.Lock()
	text := o.state.LastAssistantText()
	messages := append([]types.Message(nil), o.state.Messages...)
	projectRoot := o.state.ProjectPath
	o.stateMu.Unlock()

	if text != "" {
		o.speak(ctx, text)
	}

	if o.d.Archiver != nil {
		var toolCalls []types.ToolCall
		for _, m := range messages {
			toolCalls = append(toolCalls, m.ToolCalls...)
		}
		o.d.Archiver.WriteTurn(o.d.SessionID, turnNumber, "", "", messages, toolCalls)
	}

	if o.d.ContextManager != nil {
		summary, err := o.d.ContextManager.Observe(ctx, messages[maxInt(0, len(messages)-2):]...)
		if err == nil && summary != "" && o.d.MemoryGuard != nil {
			_ = o.d.MemoryGuard.Save(ctx, projectRoot, o.d.SessionID, summary)
		}
	}

	if o.d.Metrics != nil {
		o.stateMu.Lock()
		routed := string(o.state.RoutedModel)
		o.stateMu.Unlock()
		o.d.Metrics.RecordTurnCompleted(ctx, routed)
	}
}

// speak streams text to the TTS provider sentence-by-sentence-ish (as a
// single fragment, the provider handles internal chunking), bracketing the
// stream with tts_active/tts_start/tts_end control frames and giving VAD a
// grace period afterward so the client's own speaker output doesn't
// retrigger a barge-in.
func (o *Orchestrator) speak(ctx context.Context, text string) {
	o.bufMu.Lock()
	o.ttsActive = true
	o.bufMu.Unlock()
	_ = o.send(ctx, ttsActiveMsg{Type: msgTTSActive, Active: true})
	_ = o.send(ctx, ttsStartMsg{Type: msgTTSStart})

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := o.d.TTS.SynthesizeStream(ctx, textCh, o.d.Voice)
	if err != nil {
		o.sendError(ctx, cogerrors.ETTSFailed, "tts synthesis failed to start", err)
	} else {
		for chunk := range audioCh {
			if werr := o.d.Conn.writeBinary(ctx, chunk); werr != nil {
				o.d.Logger.Warn("turn: write tts chunk failed", "session_id", o.d.SessionID, "error", werr)
				go audio.Drain(audioCh)
				break
			}
		}
	}

	_ = o.send(ctx, ttsEndMsg{Type: msgTTSEnd})
	_ = o.send(ctx, ttsActiveMsg{Type: msgTTSActive, Active: false})

	time.Sleep(ttsGrace)

	o.bufMu.Lock()
	o.ttsActive = false
	o.bufMu.Unlock()
	if o.d.VADStreamer != nil {
		o.d.VADStreamer.Reset()
	}
}

// checkpoint persists the current TurnState, logging (not failing the turn)
// on error.
func (o *Orchestrator) checkpoint(ctx context.Context) {
	if o.d.Checkpoints == nil {
		return
	}
	o.stateMu.Lock()
	snapshot := o.state.Clone()
	o.stateMu.Unlock()

	if err := o.d.Checkpoints.Save(ctx, snapshot); err != nil {
		o.d.Logger.Warn("turn: checkpoint save failed", "session_id", o.d.SessionID, "error", err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
