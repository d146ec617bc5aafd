package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aj-archipelago/cortex/internal/codec"
	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/pubsub"
)

// defaultPromptRatio reserves roughly half the context window for input,
// leaving the rest for the completion.
const defaultPromptRatio = 0.5

// OpenAI dispatches prompts to an OpenAI-compatible chat completions API.
type OpenAI struct {
	Base
	client oai.Client
	model  string
}

// OpenAIOption configures the OpenAI plugin.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	baseURL    string
	ratio      float64
	contextLen int
	fromFront  bool
}

// WithBaseURL points the plugin at a compatible non-OpenAI endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithContextWindow overrides the model's context window length.
func WithContextWindow(tokens int) OpenAIOption {
	return func(c *openaiConfig) { c.contextLen = tokens }
}

// WithTruncateFromFront keeps the tail of oversized unchunked input instead
// of the head.
func WithTruncateFromFront() OpenAIOption {
	return func(c *openaiConfig) { c.fromFront = true }
}

// NewOpenAI builds the plugin for the named model.
func NewOpenAI(apiKey, model string, cd codec.Codec, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &openaiConfig{ratio: defaultPromptRatio, contextLen: 128000}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAI{
		Base:   NewBase(model, cd, cfg.ratio, cfg.contextLen, cfg.fromFront),
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Execute implements Plugin.
func (p *OpenAI) Execute(ctx context.Context, text string, params Params, prompt *pathway.CompiledPrompt, h Handle) (string, error) {
	req := p.buildParams(params, prompt)
	resp, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ExecuteStream implements Streamer.
func (p *OpenAI) ExecuteStream(ctx context.Context, text string, params Params, prompt *pathway.CompiledPrompt, h Handle) (<-chan StreamEvent, error) {
	req := p.buildParams(params, prompt)
	stream := p.client.Chat.Completions.NewStreaming(ctx, req)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	ch := make(chan StreamEvent, 32)
	go func() {
		defer close(ch)
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case ch <- StreamEvent{Delta: delta, Raw: chunk.RawJSON()}:
			case <-ctx.Done():
				return
			}
		}
		ch <- StreamEvent{Done: true}
	}()
	return ch, nil
}

// ProcessStreamEvent implements Streamer for translators that replay raw
// vendor events.
func (p *OpenAI) ProcessStreamEvent(raw string, acc *strings.Builder) (StreamEvent, bool) {
	if strings.TrimSpace(raw) == pubsub.DoneMarker {
		return StreamEvent{Done: true, Raw: raw}, true
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil || len(chunk.Choices) == 0 {
		return StreamEvent{}, false
	}
	delta := chunk.Choices[0].Delta.Content
	if delta == "" {
		return StreamEvent{}, false
	}
	acc.WriteString(delta)
	return StreamEvent{Delta: delta, Raw: raw}, true
}

func (p *OpenAI) buildParams(params Params, prompt *pathway.CompiledPrompt) oai.ChatCompletionNewParams {
	req := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(p.model),
		Messages: buildMessages(params, prompt),
	}
	if params.Temperature != nil {
		req.Temperature = oai.Float(*params.Temperature)
	}
	return req
}

// buildMessages converts compiled messages into the wire shape, expanding
// the chat-history slot from the caller's history.
func buildMessages(params Params, prompt *pathway.CompiledPrompt) []oai.ChatCompletionMessageParamUnion {
	source := prompt.Messages
	if len(source) == 0 {
		source = []pathway.Message{{Role: "user", Content: prompt.Text}}
	}

	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(source)+len(params.ChatHistory))
	for _, m := range source {
		switch m.Role {
		case pathway.RoleChatHistory:
			for _, hm := range params.ChatHistory {
				out = append(out, toMessage(hm))
			}
		default:
			if m.Content != "" {
				out = append(out, toMessage(m))
			}
		}
	}
	return out
}

func toMessage(m pathway.Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content)
	case "assistant":
		return oai.AssistantMessage(m.Content)
	default:
		return oai.UserMessage(m.Content)
	}
}
