package ai

import (
	"context"
	"log"
	"strings"

	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
)

// InterpretFallback is returned when translation fails.
const InterpretFallback = "Translation failed due to error."

// GenerateTopics asks the model for conversation topics. Any failure yields
// lesson.FallbackTopics.
func (s *Service) GenerateTopics(ctx context.Context, interest string, minutes int) []lesson.Topic {
	content, err := s.Complete(ctx, TaskTopics, nil, s.prompts.TopicsPrompt(interest, minutes))
	if err != nil {
		log.Printf("[ai] generate topics failed, use fallback: %v", err)
		return lesson.FallbackTopics()
	}

	var topics []lesson.Topic
	if err := DecodeArray(content, &topics); err != nil {
		log.Printf("[ai] topics output parse failed, use fallback: %v", err)
		return lesson.FallbackTopics()
	}

	valid := topics[:0]
	for _, topic := range topics {
		topic.Title = strings.TrimSpace(topic.Title)
		if topic.Title == "" {
			continue
		}
		valid = append(valid, topic)
	}
	if len(valid) == 0 {
		return lesson.FallbackTopics()
	}
	return valid
}

// StartSession generates the lesson content for topic. Any failure yields
// lesson.FallbackContent.
func (s *Service) StartSession(ctx context.Context, topic lesson.Topic, minutes int) lesson.Content {
	content, err := s.Complete(ctx, TaskSession, nil, s.prompts.SessionPrompt(topic, minutes))
	if err != nil {
		log.Printf("[ai] start session failed topic=%q, use fallback: %v", topic.Title, err)
		return lesson.FallbackContent(topic)
	}

	var generated lesson.Content
	if err := DecodeObject(content, &generated); err != nil {
		log.Printf("[ai] session output parse failed topic=%q, use fallback: %v", topic.Title, err)
		return lesson.FallbackContent(topic)
	}
	if strings.TrimSpace(generated.Mission) == "" || len(generated.KeyExpressions) == 0 {
		log.Printf("[ai] session output incomplete topic=%q, use fallback", topic.Title)
		return lesson.FallbackContent(topic)
	}

	return normalizeContent(generated)
}

// Interpret translates text between the given languages.
func (s *Service) Interpret(ctx context.Context, text, sourceLang, targetLang string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	translated, err := s.Complete(ctx, TaskInterpret, nil, s.prompts.InterpretPrompt(text, sourceLang, targetLang))
	if err != nil {
		log.Printf("[ai] interpretation failed %s->%s: %v", sourceLang, targetLang, err)
		return InterpretFallback
	}
	return translated
}

// normalizeContent fills shadowing sentences from key expressions when the
// model omits them, and falls back to a generic free-talk opener.
func normalizeContent(c lesson.Content) lesson.Content {
	if len(c.ShadowingSentences) == 0 {
		for _, expr := range c.KeyExpressions {
			c.ShadowingSentences = append(c.ShadowingSentences, lesson.ShadowingItem{
				Text:        expr.Text,
				Translation: expr.Translation,
			})
		}
	}
	if strings.TrimSpace(c.FreeTalkIntro) == "" {
		c.FreeTalkIntro = "What are your thoughts on this topic?"
	}
	return c
}
