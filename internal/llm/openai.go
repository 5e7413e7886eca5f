package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// ErrToolsUnsupported is returned by BindTools; the tutor never calls tools.
var ErrToolsUnsupported = errors.New("tool calling is not supported by the openai chat adapter")

// OpenAIConfig 描述 OpenAI 兼容聊天模型的默认参数。
type OpenAIConfig struct {
	Model       string
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// ChatModel adapts a go-openai client to eino's model.ChatModel so the same
// prompt chains run against OpenAI, a same-origin proxy, or Ark.
type ChatModel struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var _ model.ChatModel = (*ChatModel)(nil)

// NewOpenAIChatModel wraps client with the supplied defaults.
func NewOpenAIChatModel(client *openai.Client, cfg OpenAIConfig) (*ChatModel, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	return &ChatModel{client: client, cfg: cfg}, nil
}

// Generate runs a single chat completion.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	req := m.buildRequest(input, opts...)

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0]
	msg := schema.AssistantMessage(choice.Message.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(choice.FinishReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return msg, nil
}

// Stream runs a streaming chat completion and forwards deltas as assistant chunks.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.buildRequest(input, opts...)
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream failed: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[llm] stream goroutine panic: %v", r)
			}
			stream.Close()
			sw.Close()
		}()

		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				return
			}
			if recvErr != nil {
				sw.Send(nil, recvErr)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(delta, nil), nil); closed {
				return
			}
		}
	}()

	return sr, nil
}

// BindTools is part of model.ChatModel.
func (m *ChatModel) BindTools(_ []*schema.ToolInfo) error {
	return ErrToolsUnsupported
}

func (m *ChatModel) buildRequest(input []*schema.Message, opts ...model.Option) openai.ChatCompletionRequest {
	modelName := m.cfg.Model
	options := model.GetCommonOptions(&model.Options{
		Model:       &modelName,
		Temperature: m.cfg.Temperature,
		TopP:        m.cfg.TopP,
		MaxTokens:   m.cfg.MaxTokens,
	}, opts...)

	req := openai.ChatCompletionRequest{
		Model:    m.cfg.Model,
		Messages: toOpenAIMessages(input),
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
	}
	if options.TopP != nil {
		req.TopP = *options.TopP
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	return req
}

func toOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    toOpenAIRole(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

func toOpenAIRole(role schema.RoleType) string {
	switch role {
	case schema.System:
		return openai.ChatMessageRoleSystem
	case schema.Assistant:
		return openai.ChatMessageRoleAssistant
	case schema.Tool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}
