package ai

import (
	"errors"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		content string
		open    string
		close   string
		want    string
		wantErr bool
	}{
		{name: "plain array", content: `[{"id":1}]`, open: "[", close: "]", want: `[{"id":1}]`},
		{name: "fenced object", content: "```json\n{\"isCorrect\":true}\n```", open: "{", close: "}", want: `{"isCorrect":true}`},
		{name: "prose around", content: `Sure! Here it is: {"a":{"b":1}} hope it helps`, open: "{", close: "}", want: `{"a":{"b":1}}`},
		{name: "missing", content: "no json here", open: "[", close: "]", wantErr: true},
		{name: "reversed", content: "] oops [", open: "[", close: "]", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.content, tc.open, tc.close)
			if tc.wantErr {
				if !errors.Is(err, ErrNoJSON) {
					t.Fatalf("expected ErrNoJSON, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractJSON err: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ExtractJSON = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeObjectRejectsBrokenJSON(t *testing.T) {
	var out struct {
		IsCorrect bool `json:"isCorrect"`
	}
	if err := DecodeObject(`{"isCorrect": tru}`, &out); err == nil {
		t.Fatal("expected decode error")
	}
}
