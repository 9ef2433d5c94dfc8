// Package anthropic provides an LLM provider backed directly by the
// Anthropic Messages API, for callers that want Claude without going through
// any-llm-go's generic abstraction (e.g. to use SDK-specific request
// options, or to isolate the full-tier model from a shared multi-provider
// client).
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// defaultMaxTokens is sent when a CompletionRequest does not set one;
// unlike OpenAI, Anthropic's Messages API requires max_tokens on every call.
const defaultMaxTokens = 4096

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client anthropic.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	client := anthropic.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		var toolCall *types.ToolCall
		var toolArgs strings.Builder

		for stream.Next() {
			event := stream.Current()
			out := llm.Chunk{}

			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block := delta.ContentBlock.AsAny(); block != nil {
					if tu, ok := block.(anthropic.ToolUseBlock); ok {
						toolCall = &types.ToolCall{ID: tu.ID, Name: tu.Name}
						toolArgs.Reset()
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := delta.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out.Text = d.Text
				case anthropic.InputJSONDelta:
					toolArgs.WriteString(d.PartialJSON)
				}
			case anthropic.ContentBlockStopEvent:
				if toolCall != nil {
					toolCall.Arguments = toolArgs.String()
					out.ToolCalls = append(out.ToolCalls, *toolCall)
					toolCall = nil
				}
			case anthropic.MessageDeltaEvent:
				out.FinishReason = stopReasonToFinish(string(delta.Delta.StopReason))
			}

			if out.Text == "" && out.FinishReason == "" && len(out.ToolCalls) == 0 {
				continue
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	result := &llm.CompletionResponse{
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args, marshalErr := json.Marshal(b.Input)
			if marshalErr != nil {
				args = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(args),
			})
		}
	}
	result.Content = text.String()

	return result, nil
}

// CountTokens implements llm.Provider.
// TODO: call Messages.CountTokens for an exact count once budget.Counter
// grows a per-provider override; the approximation below is good enough to
// keep turns under MaxTokens without an extra round trip on every message.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		// ~4 chars per token is a rough Claude-family approximation.
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known Claude model names.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsVision:      true,
		ContextWindow:       200_000,
		MaxOutputTokens:     8_192,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude-3-opus"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-haiku"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-5-haiku"):
		caps.MaxOutputTokens = 8_192
	}
	return caps
}

// buildParams converts a CompletionRequest into Anthropic SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (anthropic.MessageNewParams, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		messages = append(messages, msg)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, td := range req.Tools {
		schema, err := toolInputSchema(td.Parameters)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("tool %q: %w", td.Name, err)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        td.Name,
				Description: anthropic.String(td.Description),
				InputSchema: schema,
			},
		})
	}

	return params, nil
}

// toolInputSchema round-trips a JSON-Schema map through Anthropic's typed
// InputSchema shape, which only distinguishes the top-level "properties"
// and "required" fields from everything else.
func toolInputSchema(parameters map[string]any) (anthropic.ToolInputSchemaParam, error) {
	schema := anthropic.ToolInputSchemaParam{}
	if parameters == nil {
		return schema, nil
	}
	if props, ok := parameters["properties"]; ok {
		schema.Properties = props
	}
	if required, ok := parameters["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return schema, nil
}

// convertMessage converts a types.Message to an Anthropic SDK message param.
// Anthropic has no distinct "system" role message: callers must route a
// system-role types.Message through CompletionRequest.SystemPrompt instead.
func convertMessage(m types.Message) (anthropic.MessageParam, error) {
	switch m.Role {
	case "user":
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)), nil

	case "assistant":
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input any
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...), nil

	case "tool":
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)), nil

	case "system":
		return anthropic.MessageParam{}, fmt.Errorf("anthropic: system-role message must be carried via CompletionRequest.SystemPrompt, not Messages")

	default:
		return anthropic.MessageParam{}, fmt.Errorf("anthropic: unknown message role %q", m.Role)
	}
}

// stopReasonToFinish maps an Anthropic stop_reason to the llm.Chunk
// FinishReason vocabulary the orchestrator already understands from the
// OpenAI/any-llm providers.
func stopReasonToFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
