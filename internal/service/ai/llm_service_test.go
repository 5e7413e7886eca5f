package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/speakup/backend/internal/llm/llmtest"
	"github.com/zhouzirui/speakup/backend/internal/model/chat"
)

func newTestService(t *testing.T, fake *llmtest.ChatModel, cfg Config) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), fake, cfg)
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	return svc
}

func TestReplyMapsHistoryRoles(t *testing.T) {
	fake := &llmtest.ChatModel{Reply: " That sounds fun! "}
	svc := newTestService(t, fake, Config{})

	history := []chat.Utterance{
		{Speaker: chat.SpeakerAssistant, Text: "What did you do today?", Order: 0},
		{Speaker: chat.SpeakerUser, Text: "I went hiking.", Order: 1},
		{Speaker: chat.SpeakerAssistant, Text: "Where?", Order: 2},
	}
	snapshot := chat.CopyHistory(history)

	got := svc.Reply(context.Background(), "Near Seoul.", history)
	if got != "That sounds fun!" {
		t.Fatalf("unexpected reply %q", got)
	}

	call, ok := fake.LastCall()
	if !ok {
		t.Fatal("expected model call")
	}
	wantRoles := []schema.RoleType{schema.System, schema.Assistant, schema.User, schema.Assistant, schema.User}
	if len(call.Input) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(call.Input))
	}
	for i, role := range wantRoles {
		if call.Input[i].Role != role {
			t.Fatalf("message %d: expected %s, got %s", i, role, call.Input[i].Role)
		}
	}
	if call.Input[4].Content != "Near Seoul." {
		t.Fatalf("expected user text last, got %q", call.Input[4].Content)
	}
	if call.MaxTokens != 150 {
		t.Fatalf("expected max tokens 150, got %d", call.MaxTokens)
	}
	for i := range history {
		if history[i] != snapshot[i] {
			t.Fatalf("history mutated at %d", i)
		}
	}
}

func TestReplyFallsBackOnError(t *testing.T) {
	fake := &llmtest.ChatModel{Err: errors.New("network down")}
	svc := newTestService(t, fake, Config{})

	if got := svc.Reply(context.Background(), "hello", nil); got != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", got)
	}
}

func TestReplyFallsBackOnBlankContent(t *testing.T) {
	fake := &llmtest.ChatModel{Reply: "   "}
	svc := newTestService(t, fake, Config{})

	if got := svc.Reply(context.Background(), "hello", nil); got != FallbackReply {
		t.Fatalf("expected fallback reply, got %q", got)
	}
}

func TestHistoryLimitKeepsMostRecent(t *testing.T) {
	svc := newTestService(t, &llmtest.ChatModel{Reply: "ok"}, Config{HistoryLimit: 2})

	msgs := svc.buildHistoryMessages([]chat.Utterance{
		{Speaker: chat.SpeakerUser, Text: "one"},
		{Speaker: chat.SpeakerAssistant, Text: "two"},
		{Speaker: chat.SpeakerUser, Text: "three"},
	})
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("unexpected limited history %+v", msgs)
	}
}

func TestStreamReplyRequiresStreaming(t *testing.T) {
	svc := newTestService(t, &llmtest.ChatModel{Reply: "ok"}, Config{StreamResponse: false})
	if _, err := svc.StreamReply(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected error when streaming disabled")
	}
}

func TestStreamReplyConcatenatesChunks(t *testing.T) {
	svc := newTestService(t, &llmtest.ChatModel{Reply: "Tell me more about it."}, Config{StreamResponse: true})

	stream, err := svc.StreamReply(context.Background(), "I like jazz.", nil)
	if err != nil {
		t.Fatalf("StreamReply err: %v", err)
	}
	defer stream.Close()

	var builder strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			t.Fatalf("Recv err: %v", recvErr)
		}
		builder.WriteString(chunk.Content)
	}
	if builder.String() != "Tell me more about it." {
		t.Fatalf("unexpected streamed reply %q", builder.String())
	}
}
