package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/basket/hearth/internal/config"
	"github.com/basket/hearth/internal/tools"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to the provider.
type Message struct {
	Role    string
	Content string
}

// ToolCallRequest is a tool invocation the model asked for, either through
// the provider's native tool-call channel or embedded in structured JSON.
type ToolCallRequest struct {
	Name string
	Args map[string]any
}

// ChatResponse is the provider's reply.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// Brain is the language-model capability the orchestration core consumes:
// chat(messages, tools) -> response. Everything about the provider behind
// it is out of the core's hands.
type Brain interface {
	Chat(ctx context.Context, messages []Message, specs []tools.Spec) (*ChatResponse, error)
}

// OpenAIBrain talks to any OpenAI-compatible chat completion endpoint.
type OpenAIBrain struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIBrain builds the provider client from config. BaseURL may point
// at any compatible server (local or hosted).
func NewOpenAIBrain(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIBrain {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &OpenAIBrain{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger,
	}
}

// Chat performs one completion call with a per-call timeout, independent of
// the caller's overall turn budget.
func (b *OpenAIBrain) Chat(ctx context.Context, messages []Message, specs []tools.Spec) (*ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(specs),
	}

	resp, err := b.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		b.logger.Warn("chat call failed", "class", ClassifyError(err), "error", err)
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty response")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				b.logger.Warn("undecodable tool call arguments", "tool", tc.Function.Name, "error", err)
				continue
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCallRequest{Name: tc.Function.Name, Args: args})
	}
	return out, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func toOpenAITools(specs []tools.Spec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}
