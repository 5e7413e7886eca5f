package lesson

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/speakup/backend/internal/llm/llmtest"
	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	aiService "github.com/zhouzirui/speakup/backend/internal/service/ai"
	"github.com/zhouzirui/speakup/backend/internal/service/assessment"
	lessonService "github.com/zhouzirui/speakup/backend/internal/service/lesson"
)

func setupRouter(t *testing.T, fake *llmtest.ChatModel) (*chi.Mux, *lessonService.Service) {
	t.Helper()
	ctx := context.Background()

	var aiSvc *aiService.Service
	var assessor *assessment.Service
	var err error
	if fake != nil {
		aiSvc, err = aiService.NewService(ctx, fake, aiService.Config{})
		if err != nil {
			t.Fatalf("ai.NewService err: %v", err)
		}
		assessor, err = assessment.NewService(ctx, fake)
	} else {
		assessor, err = assessment.NewService(ctx, nil)
	}
	if err != nil {
		t.Fatalf("assessment.NewService err: %v", err)
	}

	lessons := lessonService.NewService(nil)
	handler := New(aiSvc, assessor, lessons, lesson.NewMemoryCatalog(lesson.SeedTemplates()), nil)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, lessons
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createLesson(t *testing.T, r http.Handler) lesson.Session {
	t.Helper()
	resp := doJSON(r, http.MethodPost, "/lessons", map[string]any{
		"topic":   map[string]any{"id": 1, "type": "Casual", "title": "Ordering coffee"},
		"minutes": 10,
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var session lesson.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return session
}

func TestGenerateTopicsWithoutModelUsesFallback(t *testing.T) {
	r, _ := setupRouter(t, nil)

	resp := doJSON(r, http.MethodPost, "/topics", map[string]any{"interest": "travel", "minutes": 10})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var topics []lesson.Topic
	if err := json.Unmarshal(resp.Body.Bytes(), &topics); err != nil {
		t.Fatalf("decode topics: %v", err)
	}
	if len(topics) != len(lesson.FallbackTopics()) {
		t.Fatalf("expected fallback topics, got %+v", topics)
	}
}

func TestFallbackTopicsFromCatalog(t *testing.T) {
	r, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/topics/fallback", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var topics []lesson.Topic
	if err := json.Unmarshal(resp.Body.Bytes(), &topics); err != nil {
		t.Fatalf("decode topics: %v", err)
	}
	if len(topics) != 5 {
		t.Fatalf("expected five picked topics, got %d", len(topics))
	}
}

func TestCreateLessonOffline(t *testing.T) {
	r, _ := setupRouter(t, nil)
	session := createLesson(t, r)

	if session.Content.Mission == "" || session.Content.FreeTalkIntro == "" {
		t.Fatalf("expected fallback content, got %+v", session.Content)
	}

	req := httptest.NewRequest(http.MethodGet, "/lessons/"+session.ID, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestCreateLessonMissingTopic(t *testing.T) {
	r, _ := setupRouter(t, nil)

	resp := doJSON(r, http.MethodPost, "/lessons", map[string]any{"minutes": 10})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetLessonNotFound(t *testing.T) {
	r, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/lessons/missing", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAssessBlankSpeech(t *testing.T) {
	fake := &llmtest.ChatModel{Reply: `{"isCorrect":true,"feedback":"Great"}`}
	r, _ := setupRouter(t, fake)
	session := createLesson(t, r)
	calls := fake.CallCount()

	resp := doJSON(r, http.MethodPost, "/lessons/"+session.ID+"/assess", map[string]string{
		"target": "Can I get a latte?",
		"spoken": "  ",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var result lesson.Assessment
	json.Unmarshal(resp.Body.Bytes(), &result)
	if result.IsCorrect {
		t.Fatal("blank speech must not be correct")
	}
	if fake.CallCount() != calls {
		t.Fatal("blank speech must not reach the model")
	}
}

func TestFeedbackUsesStoredTranscriptAndFinishes(t *testing.T) {
	fake := &llmtest.ChatModel{}
	r, lessons := setupRouter(t, fake)
	session := createLesson(t, r)

	history := []chat.Utterance{
		{Speaker: chat.SpeakerAssistant, Text: "What would you like?", Order: 0},
		{Speaker: chat.SpeakerUser, Text: "I want coffee", Order: 1},
	}
	if _, err := lessons.AppendTranscript(context.Background(), session.ID, history...); err != nil {
		t.Fatalf("AppendTranscript err: %v", err)
	}
	fake.Replies = []string{`[{"original":"I want coffee","correction":"I'd like a coffee","reason":"politer"}]`}

	resp := doJSON(r, http.MethodPost, "/lessons/"+session.ID+"/feedback", map[string]any{"finish": true})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var payload struct {
		Feedback []lesson.FeedbackItem `json:"feedback"`
		Record   *lesson.Record        `json:"record"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode feedback: %v", err)
	}
	if len(payload.Feedback) != 1 || payload.Feedback[0].Correction != "I'd like a coffee" {
		t.Fatalf("unexpected feedback %+v", payload.Feedback)
	}
	if payload.Record == nil || len(payload.Record.History) != 2 {
		t.Fatalf("expected finished record, got %+v", payload.Record)
	}

	records, _ := lessons.History(context.Background(), 0)
	if len(records) != 1 {
		t.Fatalf("expected one finished lesson, got %d", len(records))
	}
}

func TestFeedbackWithoutUserTurnIsEmpty(t *testing.T) {
	fake := &llmtest.ChatModel{}
	r, _ := setupRouter(t, fake)
	session := createLesson(t, r)
	calls := fake.CallCount()

	resp := doJSON(r, http.MethodPost, "/lessons/"+session.ID+"/feedback", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := resp.Body.String(); !bytes.Contains([]byte(body), []byte(`"feedback":[]`)) {
		t.Fatalf("expected empty feedback list, got %s", body)
	}
	if fake.CallCount() != calls {
		t.Fatal("review without learner turns must not call the model")
	}
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	r, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/lessons/history?limit=abc", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestInterpretWithoutModel(t *testing.T) {
	r, _ := setupRouter(t, nil)

	resp := doJSON(r, http.MethodPost, "/interpret", map[string]string{"text": "안녕하세요"})
	var payload map[string]string
	json.Unmarshal(resp.Body.Bytes(), &payload)
	if payload["translation"] != aiService.InterpretFallback {
		t.Fatalf("expected fallback translation, got %q", payload["translation"])
	}
}
