package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantStatus  int
		wantOrigin  string
		wantCredits bool
	}{
		{"wildcard", []string{"*"}, "http://localhost:5173", http.MethodGet, http.StatusTeapot, "http://localhost:5173", false},
		{"explicit", []string{"https://speakup.app"}, "https://speakup.app", http.MethodGet, http.StatusTeapot, "https://speakup.app", true},
		{"rejected", []string{"https://speakup.app"}, "https://evil.example", http.MethodGet, http.StatusTeapot, "", false},
		{"preflight", []string{"*"}, "http://localhost:5173", http.MethodOptions, http.StatusOK, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/settings", nil)
			req.Header.Set("Origin", tt.origin)
			resp := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(resp, req)

			if resp.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.Code)
			}
			if got := resp.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("expected origin %q, got %q", tt.wantOrigin, got)
			}
			if got := resp.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCredits {
				t.Fatalf("expected credentials %v, got %v", tt.wantCredits, got)
			}
		})
	}
}
