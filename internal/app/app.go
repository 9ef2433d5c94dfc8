// Package app wires all cognitive-engine subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the session-accepting HTTP server, and Shutdown
// tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/glyphoxa/internal/budget"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/graph"
	"github.com/MrWong99/glyphoxa/internal/health"
	"github.com/MrWong99/glyphoxa/internal/memory"
	"github.com/MrWong99/glyphoxa/internal/registry"
	"github.com/MrWong99/glyphoxa/internal/registry/mcphost"
	"github.com/MrWong99/glyphoxa/internal/registry/tier"
	internalsession "github.com/MrWong99/glyphoxa/internal/session"
	"github.com/MrWong99/glyphoxa/internal/telemetry"
	"github.com/MrWong99/glyphoxa/pkg/memory/postgres"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	vadprovider "github.com/MrWong99/glyphoxa/pkg/provider/vad"
)

// defaultSystemPrompt is used when the config does not set one.
const defaultSystemPrompt = "You are a voice-native coding assistant. Be concise; prefer proposing " +
	"file edits and commands for the user to approve over describing them in prose."

// Providers holds one interface value per provider slot, already constructed
// (and, where configured, fallback-wrapped) by main.go via the config
// registry. A nil field means that provider is not configured; callers
// decide whether that is fatal.
type Providers struct {
	LLMFast llm.Provider
	LLMFull llm.Provider

	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vadprovider.Engine
}

// App owns every subsystem's lifetime and serves session WebSocket
// connections until Shutdown is called.
type App struct {
	cfg *config.Config

	mcpHost    *mcphost.Host
	memStore   *postgres.Store
	supervisor *internalsession.SessionSupervisor
	httpServer *http.Server

	logger *slog.Logger

	closers  []func() error
	stopOnce sync.Once
}

// New wires every subsystem together: the MCP tool host (configured servers
// plus latency calibration), the compiled reasoning graph, the optional
// long-term session-memory store, and the per-connection session supervisor.
// It performs all initialisation synchronously.
func New(ctx context.Context, cfg *config.Config, providers *Providers, metrics *telemetry.Metrics, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	if err := a.initMCP(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	g, err := a.buildGraph(providers)
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: build graph: %w", err)
	}

	memoryGuard, err := a.initMemoryGuard(ctx, providers)
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	contextManager := internalsession.NewContextManager(internalsession.ContextManagerConfig{
		MaxTokens:  g.MaxTokens,
		Summariser: internalsession.NewLLMSummariser(providers.LLMFull),
	})

	a.supervisor = internalsession.NewSupervisor(internalsession.SupervisorDeps{
		STT:            providers.STT,
		TTS:            providers.TTS,
		VADEngine:      providers.VAD,
		Graph:          g,
		Registry:       a.mcpHost,
		ContextManager: contextManager,
		MemoryGuard:    memoryGuard,
		Metrics:        metrics,
		AppDataDir:     cfg.Server.AppDataDir,
		SessionToken:   cfg.Server.SessionToken,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/voco-stream", a.supervisor)
	a.registerHealth(mux)
	a.httpServer = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	return a, nil
}

// registerHealth mounts /healthz and /health (always up) and /readyz (checks
// the optional long-term memory store, when configured) on mux.
func (a *App) registerHealth(mux *http.ServeMux) {
	var checkers []health.Checker
	if a.memStore != nil {
		checkers = append(checkers, health.Checker{
			Name:  "memory",
			Check: a.memStore.Ping,
		})
	}
	h := health.New(checkers...)
	h.Register(mux)
	mux.HandleFunc("GET /health", h.Healthz)
}

// initMCP creates the tool host, registers every configured MCP server, and
// calibrates latencies. write_file/execute_command are not registered as
// in-process built-ins: those run on the client under the user's own
// permissions, dispatched as local/* JSON-RPC requests by internal/turn.
func (a *App) initMCP(ctx context.Context) error {
	a.mcpHost = mcphost.New()
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		transport := registry.Transport(srv.Transport)
		if !transport.IsValid() {
			return fmt.Errorf("mcp server %q: unknown transport %q", srv.Name, srv.Transport)
		}
		if err := a.mcpHost.RegisterServer(ctx, registry.ServerConfig{
			Name:      srv.Name,
			Transport: transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.logger.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}

	if err := a.mcpHost.Calibrate(ctx); err != nil {
		a.logger.Warn("mcp calibration failed, using declared latencies", "error", err)
	}

	return nil
}

// buildGraph assembles the compiled reasoning graph from the configured
// models, the name-based tool classifier, and the token trimmer/counter.
func (a *App) buildGraph(providers *Providers) (*graph.Graph, error) {
	if providers.LLMFull == nil {
		return nil, errors.New("providers.LLMFull is required")
	}

	maxTokens := a.cfg.Budget.MaxTokens
	if maxTokens <= 0 {
		maxTokens = budget.DefaultMaxTokens
	}

	systemPrompt := a.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	return &graph.Graph{
		FastModel:  providers.LLMFast,
		FullModel:  providers.LLMFull,
		Classifier: registry.NewNameClassifier(),
		Trimmer:    budget.Trimmer{},
		Counter: budget.ProviderCounter{
			Provider: providers.LLMFull,
			Model:    a.cfg.Providers.LLMFull.Model,
		},
		SystemPrompt: systemPrompt,
		MaxTokens:    maxTokens,
		Tools:        a.mcpHost,
		TierSelector: tier.NewSelector(),
	}, nil
}

// initMemoryGuard connects the pgvector-backed long-term session-memory
// store when configured, wrapping it so a degraded backend cannot fail a
// turn. Returns a nil guard (treated as "memory disabled" by callers) when
// no DSN is configured.
func (a *App) initMemoryGuard(ctx context.Context, providers *Providers) (*internalsession.MemoryGuard, error) {
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return nil, nil
	}
	if providers.Embeddings == nil {
		return nil, errors.New("memory.postgres_dsn is set but no embeddings provider is configured")
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = 1536
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return nil, fmt.Errorf("connect session memory store: %w", err)
	}
	a.memStore = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })

	sessionMemory := memory.SessionMemory{Index: store, Embeddings: providers.Embeddings}
	return internalsession.NewMemoryGuard(sessionMemory), nil
}

// Run starts the session HTTP server and blocks until ctx is cancelled or
// the server stops for another reason.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("cognitive-engine listening", "addr", a.httpServer.Addr)
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops accepting new connections, waits for in-flight sessions to
// drain (bounded by ctx), and releases every subsystem acquired by New.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				shutdownErr = fmt.Errorf("shut down http server: %w", err)
			}
		}

		drained := make(chan struct{})
		go func() {
			if a.supervisor != nil {
				a.supervisor.Wait()
			}
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			a.logger.Warn("shutdown: sessions did not drain before deadline")
		}

		a.runClosers()
	})

	return shutdownErr
}

// runClosers calls every registered closer in reverse registration order,
// logging (not returning) individual failures so one stuck subsystem does
// not block the others from releasing their resources.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown: closer failed", "error", err)
		}
	}
	a.closers = nil
}

// ActiveSessions returns the number of sessions currently being served.
func (a *App) ActiveSessions() int {
	if a.supervisor == nil {
		return 0
	}
	return a.supervisor.ActiveSessions()
}
