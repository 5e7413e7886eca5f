package assessment

import (
	"context"
	"errors"
	"testing"

	"github.com/zhouzirui/speakup/backend/internal/llm/llmtest"
	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
)

func newTestService(t *testing.T, fake *llmtest.ChatModel) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), fake)
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	return svc
}

func TestAssessParsesModelOutput(t *testing.T) {
	svc := newTestService(t, &llmtest.ChatModel{Reply: "```json\n{\"isCorrect\": false, \"feedback\": \"'elaborate' 발음에 주의하세요.\"}\n```"})

	got := svc.Assess(context.Background(), "Could you elaborate on that?", "Could you elaborate that")
	if got.IsCorrect {
		t.Fatal("expected incorrect assessment")
	}
	if got.Feedback != "'elaborate' 발음에 주의하세요." {
		t.Fatalf("unexpected feedback %q", got.Feedback)
	}
}

func TestAssessFallback(t *testing.T) {
	cases := map[string]*llmtest.ChatModel{
		"error":         {Err: errors.New("timeout")},
		"not json":      {Reply: "Good job"},
		"missing field": {Reply: `{"feedback":"hmm"}`},
	}
	want := lesson.FallbackAssessment()

	for name, fake := range cases {
		t.Run(name, func(t *testing.T) {
			got := newTestService(t, fake).Assess(context.Background(), "target", "spoken")
			if got != want {
				t.Fatalf("expected fallback %+v, got %+v", want, got)
			}
		})
	}
}

func TestAssessWithoutModelUsesFallback(t *testing.T) {
	svc, err := NewService(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("expected disabled service")
	}
	if got := svc.Assess(context.Background(), "target", "spoken"); got != lesson.FallbackAssessment() {
		t.Fatalf("expected fallback, got %+v", got)
	}
}

func TestAssessBlankSpeechSkipsModel(t *testing.T) {
	fake := &llmtest.ChatModel{Reply: `{"isCorrect":true,"feedback":"Good job"}`}
	got := newTestService(t, fake).Assess(context.Background(), "target", "   ")
	if got.IsCorrect {
		t.Fatal("expected blank speech to be incorrect")
	}
	if fake.CallCount() != 0 {
		t.Fatal("model should not be called for blank speech")
	}
}

func TestReviewSessionFiltersAndCaps(t *testing.T) {
	reply := `Here you go:
[
 {"original":"I go yesterday","correction":"I went yesterday","reason":"과거 시제","pronunciationTip":"went의 t를 약하게"},
 {"original":"","correction":"x","reason":"y"},
 {"original":"a1","correction":"b1","reason":"c1"},
 {"original":"a2","correction":"b2","reason":"c2"},
 {"original":"a3","correction":"b3","reason":"c3"},
 {"original":"a4","correction":"b4","reason":"c4"},
 {"original":"a5","correction":"b5","reason":"c5"}
]`
	fake := &llmtest.ChatModel{Reply: reply}
	svc := newTestService(t, fake)

	history := []chat.Utterance{
		{Speaker: chat.SpeakerAssistant, Text: "What did you do?", Order: 0},
		{Speaker: chat.SpeakerUser, Text: "I go yesterday to park", Order: 1},
	}
	items := svc.ReviewSession(context.Background(), history)

	if len(items) != MaxFeedbackItems {
		t.Fatalf("expected %d items, got %d", MaxFeedbackItems, len(items))
	}
	if items[0].Correction != "I went yesterday" || items[0].PronunciationTip == "" {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	for _, item := range items {
		if !item.Valid() {
			t.Fatalf("invalid item returned: %+v", item)
		}
	}

	call, _ := fake.LastCall()
	if call.MaxTokens != 600 {
		t.Fatalf("expected max tokens 600, got %d", call.MaxTokens)
	}
}

func TestReviewSessionWithoutUserTurns(t *testing.T) {
	fake := &llmtest.ChatModel{Reply: "[]"}
	svc := newTestService(t, fake)

	items := svc.ReviewSession(context.Background(), []chat.Utterance{{Speaker: chat.SpeakerAssistant, Text: "Hi"}})
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", items)
	}
	if fake.CallCount() != 0 {
		t.Fatal("model should not be called without user turns")
	}
}

func TestReviewSessionErrorReturnsEmpty(t *testing.T) {
	svc := newTestService(t, &llmtest.ChatModel{Err: errors.New("down")})
	items := svc.ReviewSession(context.Background(), []chat.Utterance{{Speaker: chat.SpeakerUser, Text: "hello"}})
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty list, got %#v", items)
	}
}
