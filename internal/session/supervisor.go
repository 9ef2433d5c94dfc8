package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/archive"
	"github.com/MrWong99/glyphoxa/internal/checkpoint"
	"github.com/MrWong99/glyphoxa/internal/graph"
	"github.com/MrWong99/glyphoxa/internal/jobs"
	"github.com/MrWong99/glyphoxa/internal/registry"
	"github.com/MrWong99/glyphoxa/internal/telemetry"
	"github.com/MrWong99/glyphoxa/internal/turn"
	internalvad "github.com/MrWong99/glyphoxa/internal/vad"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	vadprovider "github.com/MrWong99/glyphoxa/pkg/provider/vad"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// SupervisorDeps bundles the shared, session-independent dependencies every
// connection's [turn.Orchestrator] is built from. STT, TTS, Graph, and
// Registry are stateless across sessions and are reused as-is; VADEngine,
// when set, backs a fresh [internalvad.Streamer] per connection since VAD
// edge-detection state is inherently per-session.
type SupervisorDeps struct {
	STT   stt.Provider
	TTS   tts.Provider
	Voice types.VoiceProfile

	VADEngine vadprovider.Engine
	VADConfig internalvad.Config

	Graph    *graph.Graph
	Registry registry.Host

	ContextManager *ContextManager
	MemoryGuard    *MemoryGuard
	Metrics        *telemetry.Metrics

	// AppDataDir roots the per-session checkpoint database and turn archive
	// directories. Empty selects the platform default via
	// [checkpoint.AppDataDir].
	AppDataDir string

	// SessionToken, when non-empty, is compared against the "token" query
	// parameter of every incoming connection; a mismatch closes the socket
	// with [turn.CloseAuthInvalid] before any turn processing starts.
	SessionToken string

	Logger *slog.Logger
}

// SessionSupervisor accepts WebSocket connections, validates the shared
// session token, and runs one [turn.Orchestrator] per connection to
// completion. It tracks every currently active session so the server can
// report concurrency and, on shutdown, wait for sessions to drain.
//
// All exported methods are safe for concurrent use.
type SessionSupervisor struct {
	d SupervisorDeps

	mu     sync.Mutex
	active map[string]*turn.Orchestrator
	wg     sync.WaitGroup
}

// NewSupervisor creates a [SessionSupervisor] from d.
func NewSupervisor(d SupervisorDeps) *SessionSupervisor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &SessionSupervisor{
		d:      d,
		active: make(map[string]*turn.Orchestrator),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs a full
// session on it, blocking until the connection ends. It is meant to be
// mounted directly as the process's session endpoint handler.
func (s *SessionSupervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // the client is a local IDE companion, not a browser origin
	})
	if err != nil {
		s.d.Logger.Warn("session: websocket accept failed", "error", err)
		return
	}

	if s.d.SessionToken != "" && r.URL.Query().Get("token") != s.d.SessionToken {
		_ = c.Close(websocket.StatusCode(turn.CloseAuthInvalid), "invalid session token")
		s.d.Logger.Warn("session: rejected connection with invalid token", "remote", r.RemoteAddr)
		return
	}

	sessionID := uuid.NewString()
	projectRoot := r.URL.Query().Get("project_root")

	code, reason := s.runSession(ctx, sessionID, projectRoot, c)
	_ = c.Close(websocket.StatusCode(code), reason)
}

// runSession builds a turn.Orchestrator for sessionID, registers it as
// active, runs it to completion, and returns the close code/reason the
// caller should close the socket with.
func (s *SessionSupervisor) runSession(ctx context.Context, sessionID, projectRoot string, c *websocket.Conn) (int, string) {
	o, err := s.buildOrchestrator(ctx, sessionID, projectRoot, c)
	if err != nil {
		s.d.Logger.Warn("session: build orchestrator failed", "session_id", sessionID, "error", err)
		return turn.CloseUnhandled, "session initialization failed"
	}

	s.mu.Lock()
	s.active[sessionID] = o
	s.mu.Unlock()
	s.wg.Add(1)
	defer func() {
		s.wg.Done()
		s.mu.Lock()
		delete(s.active, sessionID)
		s.mu.Unlock()
	}()

	s.d.Logger.Info("session: started", "session_id", sessionID, "project_root", projectRoot)

	if err := o.Run(ctx); err != nil {
		s.d.Logger.Info("session: ended", "session_id", sessionID, "error", err)
		return turn.CloseNormal, "session ended"
	}
	return turn.CloseNormal, "session ended"
}

// ActiveSessions returns the number of sessions currently being served.
func (s *SessionSupervisor) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every currently running session's Run has returned. Call
// this after the listener has stopped accepting new connections as part of a
// graceful shutdown.
func (s *SessionSupervisor) Wait() {
	s.wg.Wait()
}

// buildOrchestrator constructs the per-session checkpoint store, archive,
// optional VAD streamer, and turn.Orchestrator for one connection.
func (s *SessionSupervisor) buildOrchestrator(ctx context.Context, sessionID, projectRoot string, wsc *websocket.Conn) (*turn.Orchestrator, error) {
	appDataDir, err := checkpoint.AppDataDir(s.d.AppDataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve app data dir: %w", err)
	}

	sessionDir := filepath.Join(appDataDir, "sessions", sessionID)
	cp, err := checkpoint.Open(filepath.Join(sessionDir, "checkpoints.db"), sessionID)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	ar, err := archive.Open(appDataDir, sessionID, s.d.Logger)
	if err != nil {
		cp.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	var vadStreamer *internalvad.Streamer
	if s.d.VADEngine != nil {
		vadStreamer, err = internalvad.New(s.d.VADEngine, s.d.VADConfig)
		if err != nil {
			cp.Close()
			return nil, fmt.Errorf("create vad streamer: %w", err)
		}
	}

	o, err := turn.New(ctx, turn.Deps{
		SessionID:      sessionID,
		ProjectRoot:    projectRoot,
		Conn:           turn.NewConn(wsc),
		STT:            s.d.STT,
		TTS:            s.d.TTS,
		Voice:          s.d.Voice,
		VADStreamer:    vadStreamer,
		Graph:          s.d.Graph,
		Checkpoints:    cp,
		Registry:       s.d.Registry,
		Jobs:           jobs.NewQueue(),
		PendingRPC:     jobs.NewPendingRPCTable(),
		MemoryGuard:    s.d.MemoryGuard,
		ContextManager: s.d.ContextManager,
		Archiver:       ar,
		Metrics:        s.d.Metrics,
		Logger:         s.d.Logger,
	})
	if err != nil {
		cp.Close()
		return nil, fmt.Errorf("construct orchestrator: %w", err)
	}

	return o, nil
}
