package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat-completions endpoint. The fallback provider is the same type pointed
// at a different base URL and key.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openaiSettings)

type openaiSettings struct {
	baseURL string
	model   string
}

// WithBaseURL points the provider at a compatible endpoint (proxy, Azure,
// local server).
func WithBaseURL(url string) OpenAIOption {
	return func(s *openaiSettings) {
		s.baseURL = url
	}
}

// WithModel sets the default model.
func WithModel(model string) OpenAIOption {
	return func(s *openaiSettings) {
		s.model = model
	}
}

// NewOpenAI creates a provider with the given API key.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	settings := &openaiSettings{model: "gpt-4o"}
	for _, opt := range opts {
		opt(settings)
	}

	cfg := openai.DefaultConfig(apiKey)
	if settings.baseURL != "" {
		cfg.BaseURL = settings.baseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  settings.model,
	}
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	oReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
	}
	if req.Temperature != 0 {
		oReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			fn := openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			}
			tools = append(tools, openai.Tool{Type: openai.ToolTypeFunction, Function: &fn})
		}
		oReq.Tools = tools
	}

	resp, err := p.client.CreateChatCompletion(ctx, oReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	return &ChatResponse{
		Content:   choice.Content,
		ToolCalls: convertToolCalls(choice.ToolCalls),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oMsg := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			oMsg.ToolCalls = append(oMsg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		out = append(out, oMsg)
	}
	return out
}

func convertToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, ToolCall{
			ID:   call.ID,
			Type: ToolTypeFunction,
			Function: FunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}
