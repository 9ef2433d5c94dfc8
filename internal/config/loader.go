package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/glyphoxa/internal/registry"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "anyllm", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in the zero-value defaults named throughout SPEC_FULL.md.
func applyDefaults(cfg *Config) {
	if cfg.Budget.MaxTokens == 0 {
		cfg.Budget.MaxTokens = 160_000
	}
	if cfg.Budget.DefaultTier == "" {
		cfg.Budget.DefaultTier = "standard"
	}
	if cfg.Memory.MaxEntriesPerProject == 0 {
		cfg.Memory.MaxEntriesPerProject = 20
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLMFast.Name)
	validateProviderName("llm", cfg.Providers.LLMFull.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability warnings — the turn pipeline cannot run at all
	// without these, but a missing provider is a deploy-time concern, not a
	// hard validation failure (tests construct partial configs routinely).
	if cfg.Providers.LLMFull.Name == "" {
		slog.Warn("providers.llm_full is not configured; the orchestrator node will fail every turn")
	}
	if cfg.Providers.LLMFast.Name == "" {
		slog.Warn("providers.llm_fast is not configured; model_selector will default every turn to full-path")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; audio turns will never produce a transcript")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; turns will never produce spoken output")
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; long-term session memory recall will be disabled")
	}

	if cfg.Budget.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("budget.max_tokens %d must be non-negative", cfg.Budget.MaxTokens))
	}
	switch cfg.Budget.DefaultTier {
	case "", "fast", "standard", "deep":
	default:
		errs = append(errs, fmt.Errorf("budget.default_tier %q is invalid; valid values: fast, standard, deep", cfg.Budget.DefaultTier))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		transport := registry.Transport(srv.Transport)
		if srv.Transport != "" && !transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if transport == registry.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if transport == registry.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
