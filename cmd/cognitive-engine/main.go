// Command cognitive-engine is the entry point for the per-session turn
// orchestrator service: it loads configuration, constructs the configured
// model/voice providers, and serves WebSocket session connections until
// signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/glyphoxa/internal/app"
	"github.com/MrWong99/glyphoxa/internal/config"
	"github.com/MrWong99/glyphoxa/internal/resilience"
	"github.com/MrWong99/glyphoxa/internal/telemetry"
	"github.com/MrWong99/glyphoxa/pkg/provider/embeddings"
	embeddingsollama "github.com/MrWong99/glyphoxa/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/MrWong99/glyphoxa/pkg/provider/embeddings/openai"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	llmanthropic "github.com/MrWong99/glyphoxa/pkg/provider/llm/anthropic"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/glyphoxa/pkg/provider/llm/openai"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt"
	"github.com/MrWong99/glyphoxa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts"
	"github.com/MrWong99/glyphoxa/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cognitive-engine: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cognitive-engine: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	logger.Info("cognitive-engine starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	shutdownTelemetry, err := telemetry.InitProvider(context.Background(), telemetry.ProviderConfig{
		ServiceName: "cognitive-engine",
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	metrics, err := telemetry.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers, metrics, logger)
	if err != nil {
		logger.Error("failed to initialise application", "error", err)
		return 1
	}

	logger.Info("server ready — listening for session connections")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("run error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		runErr = err
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown error", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	logger.Info("goodbye")
	return 0
}

// registerBuiltinProviders registers every provider factory the process
// ships with. Names match [config.ValidProviderNames].
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmanthropic.Option
		if e.BaseURL != "" {
			opts = append(opts, llmanthropic.WithBaseURL(e.BaseURL))
		}
		return llmanthropic.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			return nil, fmt.Errorf("llm provider %q: anyllm requires options.backend", e.Name)
		}
		return anyllm.New(backend, e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewDeepSeek(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewMistral(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGroq(e.Model, anyllmOpts(e)...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []embeddingsopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, embeddingsopenai.WithBaseURL(e.BaseURL))
		}
		return embeddingsopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embeddingsollama.New(e.BaseURL, e.Model)
	})

	// VAD has no bundled implementation: it is an externally pluggable model
	// (e.g. Silero via an ONNX runtime binding). Leave it unregistered;
	// buildProviders treats a VAD entry with no registered factory as
	// "voice activity detection disabled" rather than a fatal error.
}

// anyllmOpts builds the any-llm-go options common to every anyllm-backed
// provider: API key and, when set, a base URL override.
func anyllmOpts(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

// buildProviders instantiates every provider named in cfg, wrapping each in
// a [resilience] fallback group when FallbackNames is non-empty.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if cfg.Providers.LLMFast.Name != "" {
		p, err := buildLLM(cfg, cfg.Providers.LLMFast, reg)
		if err != nil {
			return nil, fmt.Errorf("llm_fast: %w", err)
		}
		ps.LLMFast = p
	}

	if cfg.Providers.LLMFull.Name == "" {
		return nil, errors.New("providers.llm_full.name is required")
	}
	p, err := buildLLM(cfg, cfg.Providers.LLMFull, reg)
	if err != nil {
		return nil, fmt.Errorf("llm_full: %w", err)
	}
	ps.LLMFull = p

	if cfg.Providers.STT.Name != "" {
		primary, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("stt: %w", err)
		}
		sttFallback := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, name := range cfg.Providers.STT.FallbackNames {
			fb, err := reg.CreateSTT(config.ProviderEntry{Name: name, APIKey: cfg.Secret(name + "_api_key")})
			if err != nil {
				return nil, fmt.Errorf("stt fallback %q: %w", name, err)
			}
			sttFallback.AddFallback(name, fb)
		}
		ps.STT = sttFallback
	}

	if cfg.Providers.TTS.Name != "" {
		primary, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("tts: %w", err)
		}
		ttsFallback := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		for _, name := range cfg.Providers.TTS.FallbackNames {
			fb, err := reg.CreateTTS(config.ProviderEntry{Name: name, APIKey: cfg.Secret(name + "_api_key")})
			if err != nil {
				return nil, fmt.Errorf("tts fallback %q: %w", name, err)
			}
			ttsFallback.AddFallback(name, fb)
		}
		ps.TTS = ttsFallback
	}

	if cfg.Providers.Embeddings.Name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
		ps.Embeddings = p
	}

	if cfg.Providers.VAD.Name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("vad provider has no built-in factory, running without voice activity detection", "name", cfg.Providers.VAD.Name)
		} else if err != nil {
			return nil, fmt.Errorf("vad: %w", err)
		} else {
			ps.VAD = p
		}
	}

	return ps, nil
}

// buildLLM creates entry's provider with its fallback chain wired behind a
// circuit breaker. Each fallback keeps entry's model (switching models on
// failover is a future extension, not needed by the current provider set)
// but resolves its own API key via cfg.Secret("<name>_api_key").
func buildLLM(cfg *config.Config, entry config.ProviderEntry, reg *config.Registry) (llm.Provider, error) {
	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.FallbackNames) == 0 {
		return primary, nil
	}

	fallback := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, name := range entry.FallbackNames {
		fb, err := reg.CreateLLM(config.ProviderEntry{
			Name:   name,
			Model:  entry.Model,
			APIKey: cfg.Secret(name + "_api_key"),
		})
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", name, err)
		}
		fallback.AddFallback(name, fb)
	}
	return fallback, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
