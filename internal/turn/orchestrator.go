package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/archive"
	"github.com/MrWong99/glyphoxa/internal/checkpoint"
	"github.com/MrWong99/glyphoxa/internal/cogerrors"
	"github.com/MrWong99/glyphoxa/internal/graph"
	"github.com/MrWong99/glyphoxa/internal/jobs"
	"github.com/MrWong99/glyphoxa/internal/registry"
	internalsession "github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/internal/telemetry"
	internalvad "github.com/MrWong99/glyphoxa/internal/vad"
	"github.com/MrWong99/glyphoxa/pkg/audio"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// minTurnAudioBytes is the minimum amount of buffered PCM a turn must carry
// before STT is even attempted — 200ms at 16kHz/16-bit/mono. A turn-end edge
// with less than this is almost always a VAD false trigger, unless a text
// override is also present.
const minTurnAudioBytes = 6400

// recvDeadline bounds how long the inbound loop waits for any single frame
// before treating the connection as stalled.
const recvDeadline = 30 * time.Second

// hitlTimeout bounds how long a proposal_review / command_review interrupt
// waits for the client's decision before the proposal is treated as
// rejected.
const hitlTimeout = 120 * time.Second

// ttsGrace is the pause after a TTS stream ends before VAD is reawakened,
// giving the client's own speaker output time to stop bleeding into its
// microphone input.
const ttsGrace = 500 * time.Millisecond

// Deps bundles every external dependency an Orchestrator needs for one
// session. MemoryGuard, ContextManager, Archiver, Metrics, Checkpoints,
// PendingRPC, Jobs, VADStreamer and Registry may be nil; the steps that use
// them are then skipped. The other fields are required.
type Deps struct {
	SessionID   string
	ProjectRoot string

	Conn conn

	// InputSampleRate and InputChannels describe the format the client
	// actually captures and sends (e.g. a browser mic at 48kHz stereo). Zero
	// on either defaults to 16kHz mono, i.e. no conversion. Inbound audio is
	// normalized to 16kHz mono before reaching STT and VAD.
	InputSampleRate int
	InputChannels   int

	STT   stt.Provider
	TTS   tts.Provider
	Voice types.VoiceProfile

	VADStreamer *internalvad.Streamer

	Graph       *graph.Graph
	Checkpoints *checkpoint.Store
	Registry    registry.Host

	Jobs       *jobs.Queue
	PendingRPC *jobs.PendingRPCTable

	MemoryGuard    *internalsession.MemoryGuard
	ContextManager *internalsession.ContextManager

	Archiver *archive.Archive
	Metrics  *telemetry.Metrics

	Logger *slog.Logger
}

// Orchestrator drives one session's turn pipeline end to end: it owns the
// WebSocket connection, the VAD edge detector, the compiled reasoning graph,
// the checkpoint store, and the background job / pending-RPC machinery that
// let long-running tool calls run without blocking the graph.
//
// One Orchestrator serves exactly one session for its lifetime; it is not
// safe for concurrent use by more than the two goroutines it starts
// internally (the inbound loop and the stale-future sweeper).
type Orchestrator struct {
	d Deps

	// stateMu guards state and turnNumber, touched both by the main inbound
	// loop (runTurn) and by background job completion callbacks appending
	// "[BACKGROUND JOB COMPLETE]" system messages asynchronously.
	stateMu    sync.Mutex
	state      graph.TurnState
	turnNumber int

	// bufMu guards the per-turn audio buffer, the TTS-active flag, and the
	// turnActive flag, all touched by the inbound audio handler.
	bufMu      sync.Mutex
	ttsActive  bool
	turnActive bool
	audioBuf   []byte

	inputConv  *audio.FormatConverter
	sttSession stt.SessionHandle
	finalsMu   sync.Mutex
	finalsBuf  strings.Builder

	stopSweep chan struct{}

	rpcsResolved int
	rpcTimeouts  int
}

// New constructs an Orchestrator for d, restoring the latest checkpointed
// TurnState if one exists. It does not start the inbound loop; call Run for
// that.
func New(ctx context.Context, d Deps) (*Orchestrator, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	o := &Orchestrator{
		d:         d,
		stopSweep: make(chan struct{}),
		inputConv: &audio.FormatConverter{Target: audio.Format{SampleRate: internalvad.DefaultSampleRate, Channels: 1}},
	}

	if d.Checkpoints != nil {
		if state, ok, err := d.Checkpoints.Latest(ctx); err != nil {
			return nil, fmt.Errorf("turn: load checkpoint: %w", err)
		} else if ok {
			o.state = state
		}
	}
	if o.state.ProjectPath == "" {
		o.state.ProjectPath = d.ProjectRoot
	}

	sess, err := d.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: internalvad.DefaultSampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("turn: start stt stream: %w", err)
	}
	o.sttSession = sess
	go o.drainFinals()

	if d.PendingRPC != nil {
		d.PendingRPC.StartSweeper(o.stopSweep)
	}
	if d.Metrics != nil {
		d.Metrics.ActiveSessions.Add(ctx, 1)
	}

	return o, nil
}

// drainFinals accumulates authoritative STT transcripts into the current
// turn's text buffer as they arrive, so turn-end processing only has to
// snapshot and reset a string rather than block on the STT provider.
func (o *Orchestrator) drainFinals() {
	for t := range o.sttSession.Finals() {
		o.finalsMu.Lock()
		if o.finalsBuf.Len() > 0 {
			o.finalsBuf.WriteByte(' ')
		}
		o.finalsBuf.WriteString(t.Text)
		o.finalsMu.Unlock()
	}
}

// Run sends session_init and then services the connection until it closes
// or ctx is cancelled, running Teardown before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Teardown(ctx)

	if err := o.send(ctx, sessionInitMsg{Type: msgSessionInit, SessionID: o.d.SessionID}); err != nil {
		return err
	}

	for {
		kind, data, err := o.d.Conn.read(ctx)
		if err != nil {
			return err
		}

		switch kind {
		case frameBinary:
			if err := o.handleAudio(ctx, data); err != nil {
				o.sendError(ctx, cogerrors.ESTTFailed, "audio processing failed", err)
			}
		case frameText:
			if err := o.handleText(ctx, data); err != nil {
				o.d.Logger.Warn("turn: handle text frame failed", "session_id", o.d.SessionID, "error", err)
			}
		}
	}
}

// handleAudio forwards a binary frame to STT (always) and to VAD edge
// detection (unless TTS is currently streaming to the client), buffering raw
// bytes for the turn's min-buffer check.
func (o *Orchestrator) handleAudio(ctx context.Context, data []byte) error {
	sampleRate, channels := o.d.InputSampleRate, o.d.InputChannels
	if sampleRate == 0 {
		sampleRate = internalvad.DefaultSampleRate
	}
	if channels == 0 {
		channels = 1
	}
	converted := o.inputConv.Convert(audio.AudioFrame{Data: data, SampleRate: sampleRate, Channels: channels})
	data = converted.Data
	if len(data) == 0 {
		return nil
	}

	o.bufMu.Lock()
	o.audioBuf = append(o.audioBuf, data...)
	ttsActive := o.ttsActive
	o.bufMu.Unlock()

	if err := o.sttSession.SendAudio(data); err != nil {
		return fmt.Errorf("send audio to stt: %w", err)
	}

	if ttsActive || o.d.VADStreamer == nil {
		return nil
	}

	edge, err := o.d.VADStreamer.Feed(data)
	if err != nil {
		return fmt.Errorf("vad feed: %w", err)
	}

	switch edge {
	case internalvad.EdgeSpeechOnset:
		o.stateMu.Lock()
		o.state.BargeInDetected = true
		o.stateMu.Unlock()
	case internalvad.EdgeTurnEnd:
		o.runTurn(ctx, "")
	}
	return nil
}

// handleText dispatches a single JSON control frame by its "type" field.
func (o *Orchestrator) handleText(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case msgTextInput:
		var m textInputMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		o.runTurn(ctx, m.Text)

	case msgMCPResult, "": // a bare JSON-RPC reply carries no type
		var m mcpResultMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		raw := string(m.Result)
		if m.Error != "" {
			raw = fmt.Sprintf(`{"error":%q}`, m.Error)
		}
		if o.d.PendingRPC != nil {
			o.d.PendingRPC.Resolve(m.ID, raw)
		}

	case msgAuthSync, msgUpdateEnv:
		// Accepted for protocol completeness; credential/env refresh is
		// consumed at tool-dispatch time from the message payload directly
		// by callers that need it, so no state is mutated here beyond
		// project path below.
		if env.Type == msgUpdateEnv {
			var m updateEnvMsg
			if err := json.Unmarshal(data, &m); err == nil && m.ProjectPath != "" {
				o.stateMu.Lock()
				o.state.ProjectPath = m.ProjectPath
				o.stateMu.Unlock()
			}
		}

	case msgProposalDecision, msgCommandDecision:
		// Handled synchronously by the filtered receive inside runTurn's
		// HITL wait; a decision arriving outside that window (e.g. a
		// duplicate or late client retry) is simply dropped.
	}
	return nil
}

// Teardown cancels the pending-RPC sweeper, stops all background jobs,
// flushes the checkpoint store, and logs final session metrics.
func (o *Orchestrator) Teardown(ctx context.Context) {
	close(o.stopSweep)

	if o.d.Jobs != nil {
		o.d.Jobs.CancelAll()
		o.d.Jobs.Wait()
	}
	if o.sttSession != nil {
		_ = o.sttSession.Close()
	}
	if o.d.Checkpoints != nil {
		if _, err := o.d.Checkpoints.Prune(ctx, checkpoint.DefaultMaxTurns); err != nil {
			o.d.Logger.Warn("turn: prune checkpoints failed", "session_id", o.d.SessionID, "error", err)
		}
		if err := o.d.Checkpoints.Close(); err != nil {
			o.d.Logger.Warn("turn: close checkpoint store failed", "session_id", o.d.SessionID, "error", err)
		}
	}
	if o.d.Metrics != nil {
		o.d.Metrics.ActiveSessions.Add(ctx, -1)
	}

	o.d.Logger.Info("turn: session ended",
		"session_id", o.d.SessionID,
		"turns", o.turnNumber,
		"rpc_timeouts", o.rpcTimeouts,
		"background_job_timeouts", jobsTimeoutCount(o.d.Jobs),
	)
}

func jobsTimeoutCount(q *jobs.Queue) int {
	if q == nil {
		return 0
	}
	return q.TimeoutCount()
}

// send marshals v and writes it as a text frame.
func (o *Orchestrator) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("turn: marshal %T: %w", v, err)
	}
	return o.d.Conn.writeText(ctx, data)
}

// sendError logs and best-effort delivers a structured error envelope to
// the client; failures to write are swallowed since the connection may
// already be unusable.
func (o *Orchestrator) sendError(ctx context.Context, code cogerrors.Code, message string, cause error) {
	env := cogerrors.New(o.d.SessionID, code, message, errString(cause))
	o.d.Logger.Warn("turn: pipeline error", "session_id", o.d.SessionID, "code", code, "error", cause)
	_ = o.send(ctx, env)
	if o.d.Metrics != nil {
		o.d.Metrics.RecordProviderError(ctx, "turn", string(code))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newCallID() string {
	return uuid.NewString()
}
