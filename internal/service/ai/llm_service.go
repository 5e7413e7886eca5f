package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
)

// FallbackReply is spoken when the dialogue service cannot answer.
const FallbackReply = "Good job! Let's continue."

// ErrEmptyCompletion is returned when the model answers with blank content.
var ErrEmptyCompletion = errors.New("model returned empty content")

// Config 控制对话服务的行为。
type Config struct {
	StreamResponse bool
	// HistoryLimit caps the utterances sent as context; zero sends all of them.
	HistoryLimit int
}

// Service encapsulates AI-powered tutoring calls over one eino chain.
type Service struct {
	chatModel model.ChatModel
	prompts   *PromptManager
	cfg       Config
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		prompts:   NewPromptManager(),
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// GetChatModel 返回底层的聊天模型
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

// Prompts exposes the prompt templates.
func (s *Service) Prompts() *PromptManager {
	return s.prompts
}

// Reply produces the tutor's next line for userText given the prior history.
// Failures are logged and answered with FallbackReply. history is not modified.
func (s *Service) Reply(ctx context.Context, userText string, history []chat.Utterance) string {
	response, err := s.Complete(ctx, TaskFreeTalk, s.buildHistoryMessages(history), userText)
	if err != nil {
		log.Printf("[ai] free talk reply failed, use fallback: %v", err)
		return FallbackReply
	}

	log.Printf("[ai] generated reply history=%d length=%d", len(history), len(response))
	return response
}

// StreamReply streams the tutor's reply chunks via the configured chain.
func (s *Service) StreamReply(ctx context.Context, userText string, history []chat.Utterance) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	input := s.buildChainInput(TaskFreeTalk, s.buildHistoryMessages(history), userText)
	stream, err := s.chain.Stream(ctx, input, s.chainOptions(TaskFreeTalk)...)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// Complete runs one task prompt through the chain and returns trimmed content.
func (s *Service) Complete(ctx context.Context, task Task, history []*schema.Message, query string) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(task, history, query), s.chainOptions(task)...)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(response.Content), nil
}

func (s *Service) chainOptions(task Task) []compose.Option {
	maxTokens := s.prompts.MaxTokens(task)
	if maxTokens <= 0 {
		return nil
	}
	return []compose.Option{compose.WithChatModelOption(model.WithMaxTokens(maxTokens))}
}

func (s *Service) buildChainInput(task Task, history []*schema.Message, query string) map[string]any {
	return map[string]any{
		"system":  s.prompts.SystemPrompt(task),
		"history": history,
		"query":   query,
	}
}

func (s *Service) buildHistoryMessages(utterances []chat.Utterance) []*schema.Message {
	if len(utterances) == 0 {
		return nil
	}

	startIdx := 0
	if s.cfg.HistoryLimit > 0 && len(utterances) > s.cfg.HistoryLimit {
		startIdx = len(utterances) - s.cfg.HistoryLimit
	}

	history := make([]*schema.Message, 0, len(utterances)-startIdx)
	for _, u := range utterances[startIdx:] {
		switch u.Speaker {
		case chat.SpeakerUser:
			history = append(history, schema.UserMessage(u.Text))
		case chat.SpeakerAssistant:
			history = append(history, schema.AssistantMessage(u.Text, nil))
		}
	}
	return history
}
