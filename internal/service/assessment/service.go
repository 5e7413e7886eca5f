package assessment

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	"github.com/zhouzirui/speakup/backend/internal/service/ai"
)

// MaxFeedbackItems bounds the corrections returned after free talk.
const MaxFeedbackItems = 5

const noSpeechFeedback = "목소리가 들리지 않았어요. 다시 한 번 말해 보세요."

// Service 使用大模型评估跟读与会话表现，失败时回退到固定结果。
type Service struct {
	enabled    bool
	classifier compose.Runnable[map[string]any, *schema.Message]
	prompts    *ai.PromptManager
}

// NewService 创建评估服务。chatModel 可重用现有的大模型实例，为 nil 时始终返回回退结果。
func NewService(ctx context.Context, chatModel model.ChatModel) (*Service, error) {
	svc := &Service{
		enabled: chatModel != nil,
		prompts: ai.NewPromptManager(),
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{prompt}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile assessment chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回评估服务是否可调用大模型。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Assess compares what the learner said with the shadowing target.
func (s *Service) Assess(ctx context.Context, target, spoken string) lesson.Assessment {
	if strings.TrimSpace(spoken) == "" {
		return lesson.Assessment{IsCorrect: false, Feedback: noSpeechFeedback}
	}
	if !s.Enabled() {
		return lesson.FallbackAssessment()
	}

	content, err := s.invoke(ctx, ai.TaskAssess, s.prompts.AssessPrompt(target, spoken))
	if err != nil {
		log.Printf("[assessment] assess invoke failed, use fallback: %v", err)
		return lesson.FallbackAssessment()
	}

	var result assessPayload
	if err := ai.DecodeObject(content, &result); err != nil {
		log.Printf("[assessment] assess output parse failed, use fallback: %v", err)
		return lesson.FallbackAssessment()
	}
	if result.IsCorrect == nil {
		return lesson.FallbackAssessment()
	}

	return lesson.Assessment{
		IsCorrect: *result.IsCorrect,
		Feedback:  strings.TrimSpace(result.Feedback),
	}
}

// ReviewSession produces up to MaxFeedbackItems corrections for the learner's
// side of history. It returns an empty list when the learner never spoke or
// the model is unavailable. Call it only after the voice loop has stopped.
func (s *Service) ReviewSession(ctx context.Context, history []chat.Utterance) []lesson.FeedbackItem {
	if !chat.HasUserTurn(history) || !s.Enabled() {
		return []lesson.FeedbackItem{}
	}

	content, err := s.invoke(ctx, ai.TaskFeedback, s.prompts.FeedbackPrompt(history))
	if err != nil {
		log.Printf("[assessment] feedback invoke failed: %v", err)
		return []lesson.FeedbackItem{}
	}

	var items []lesson.FeedbackItem
	if err := ai.DecodeArray(content, &items); err != nil {
		log.Printf("[assessment] feedback output parse failed: %v", err)
		return []lesson.FeedbackItem{}
	}

	valid := make([]lesson.FeedbackItem, 0, MaxFeedbackItems)
	for _, item := range items {
		item.Original = strings.TrimSpace(item.Original)
		item.Correction = strings.TrimSpace(item.Correction)
		item.Reason = strings.TrimSpace(item.Reason)
		item.PronunciationTip = strings.TrimSpace(item.PronunciationTip)
		if !item.Valid() {
			continue
		}
		valid = append(valid, item)
		if len(valid) == MaxFeedbackItems {
			break
		}
	}
	return valid
}

func (s *Service) invoke(ctx context.Context, task ai.Task, userPrompt string) (string, error) {
	var opts []compose.Option
	if maxTokens := s.prompts.MaxTokens(task); maxTokens > 0 {
		opts = append(opts, compose.WithChatModelOption(model.WithMaxTokens(maxTokens)))
	}

	msg, err := s.classifier.Invoke(ctx, map[string]any{
		"system": s.prompts.SystemPrompt(task),
		"prompt": userPrompt,
	}, opts...)
	if err != nil {
		return "", err
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", ai.ErrEmptyCompletion
	}
	return msg.Content, nil
}

type assessPayload struct {
	IsCorrect *bool  `json:"isCorrect"`
	Feedback  string `json:"feedback"`
}
