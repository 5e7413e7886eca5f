package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

// upstream 模拟 OpenAI 接口并记录收到的鉴权头与请求体。
type upstream struct {
	auth string
	body map[string]any
}

func newUpstream(t *testing.T) (*httptest.Server, *upstream) {
	t.Helper()
	rec := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		rec.auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&rec.body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}]}`)
	})
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		rec.auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&rec.body)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-audio"))
	})
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		rec.auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"I would like a latte"}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, rec
}

func setupRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()
	New(cfg).RegisterRoutes(r)
	return r
}

func TestChatCompletionAttachesServerKey(t *testing.T) {
	server, rec := newUpstream(t)
	r := setupRouter(Config{APIKey: "sk-server", BaseURL: server.URL})

	body := `{"messages":[{"role":"user","content":"Hi"}],"max_tokens":50}`
	for _, path := range []string{"/openai/chat/completions", "/proxy"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, resp.Code, resp.Body.String())
		}
		if !strings.Contains(resp.Body.String(), "Hello!") {
			t.Fatalf("%s: unexpected body %s", path, resp.Body.String())
		}
		if rec.auth != "Bearer sk-server" {
			t.Fatalf("%s: expected server credential, got %q", path, rec.auth)
		}
		if rec.body["model"] != "gpt-4o-mini" {
			t.Fatalf("%s: expected default model, got %v", path, rec.body["model"])
		}
	}
}

func TestSpeechDefaultsVoice(t *testing.T) {
	server, rec := newUpstream(t)
	r := setupRouter(Config{APIKey: "sk-server", BaseURL: server.URL})

	req := httptest.NewRequest(http.MethodPost, "/openai/audio/speech", strings.NewReader(`{"text":"Hello there","speed":"0.9"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg, got %q", ct)
	}
	if resp.Body.String() != "ID3-audio" {
		t.Fatalf("unexpected audio %q", resp.Body.String())
	}
	if rec.body["voice"] != "shimmer" || rec.body["speed"] != 0.9 {
		t.Fatalf("unexpected upstream request %v", rec.body)
	}
}

func TestTranscriptionRequiresFile(t *testing.T) {
	server, _ := newUpstream(t)
	r := setupRouter(Config{APIKey: "sk-server", BaseURL: server.URL})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("language", "en")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/openai/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestTranscriptionForwardsAudio(t *testing.T) {
	server, rec := newUpstream(t)
	r := setupRouter(Config{APIKey: "sk-server", BaseURL: server.URL})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "speech.webm")
	part.Write([]byte("webm-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/openai/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "I would like a latte") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if rec.auth != "Bearer sk-server" {
		t.Fatalf("expected server credential, got %q", rec.auth)
	}
}

func TestProxyGuards(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		method string
		want   int
	}{
		{"preflight", Config{}, http.MethodOptions, http.StatusOK},
		{"wrong method", Config{APIKey: "sk"}, http.MethodGet, http.StatusMethodNotAllowed},
		{"missing key", Config{}, http.MethodPost, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setupRouter(tt.cfg)
			req := httptest.NewRequest(tt.method, "/openai/chat/completions", strings.NewReader(`{}`))
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, req)

			if resp.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.Code)
			}
			if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Fatal("expected CORS header")
			}
		})
	}
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		raw  any
		want float64
	}{
		{nil, 1.0},
		{1.1, 1.1},
		{"0.8", 0.8},
		{"fast", 1.0},
		{-2.0, 1.0},
	}
	for _, tt := range tests {
		if got := parseSpeed(tt.raw); got != tt.want {
			t.Fatalf("parseSpeed(%v) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
