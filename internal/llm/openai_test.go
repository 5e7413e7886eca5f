package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestGenerateMapsRolesAndOptions(t *testing.T) {
	var captured openai.ChatCompletionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Nice to meet you!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`)
	})

	chatModel, err := NewOpenAIChatModel(client, OpenAIConfig{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewOpenAIChatModel err: %v", err)
	}

	msg, err := chatModel.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("be kind"),
		schema.UserMessage("hello"),
		schema.AssistantMessage("hi", nil),
	}, model.WithMaxTokens(150))
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}

	if msg.Content != "Nice to meet you!" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
	if captured.MaxTokens != 150 {
		t.Fatalf("expected max tokens 150, got %d", captured.MaxTokens)
	}
	if captured.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected model %s", captured.Model)
	}
	wantRoles := []string{openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant}
	if len(captured.Messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(captured.Messages))
	}
	for i, role := range wantRoles {
		if captured.Messages[i].Role != role {
			t.Fatalf("message %d: expected role %s, got %s", i, role, captured.Messages[i].Role)
		}
	}
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil || msg.ResponseMeta.Usage.TotalTokens != 7 {
		t.Fatalf("expected usage to be propagated, got %+v", msg.ResponseMeta)
	}
}

func TestGenerateReturnsErrorOnServerFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	})
	chatModel, _ := NewOpenAIChatModel(client, OpenAIConfig{})

	if _, err := chatModel.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")}); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestStreamForwardsDeltas(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Good ", "job!"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	chatModel, _ := NewOpenAIChatModel(client, OpenAIConfig{})

	reader, err := chatModel.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Stream err: %v", err)
	}
	defer reader.Close()

	var builder strings.Builder
	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			t.Fatalf("Recv err: %v", recvErr)
		}
		builder.WriteString(chunk.Content)
	}

	if builder.String() != "Good job!" {
		t.Fatalf("unexpected streamed content %q", builder.String())
	}
}

func TestBindToolsUnsupported(t *testing.T) {
	chatModel, _ := NewOpenAIChatModel(openai.NewClient("k"), OpenAIConfig{})
	if err := chatModel.BindTools(nil); !errors.Is(err, ErrToolsUnsupported) {
		t.Fatalf("expected ErrToolsUnsupported, got %v", err)
	}
}
