package turn

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateListening, true},
		{StateStopped, StateListening, true},
		{StateListening, StateListening, true},
		{StateListening, StateTranscribing, true},
		{StateListening, StateReplying, true},
		{StateTranscribing, StateListening, true},
		{StateTranscribing, StateReplying, true},
		{StateReplying, StateSpeaking, true},
		{StateSpeaking, StateListening, true},

		{StateIdle, StateSpeaking, false},
		{StateListening, StateSpeaking, false},
		{StateReplying, StateListening, false},
		{StateSpeaking, StateReplying, false},
		{StateTranscribing, StateTranscribing, false},
		{StateStopped, StateReplying, false},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestActiveStates(t *testing.T) {
	for _, s := range []State{StateListening, StateTranscribing, StateReplying, StateSpeaking} {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []State{StateIdle, StateStopped} {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
}

func TestErrorReportJSONUsesMilliseconds(t *testing.T) {
	data, err := json.Marshal(ErrorReport{Code: CodeNetwork, Message: MessageNetwork, DismissAfter: 4 * time.Second})
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	if !strings.Contains(string(data), `"dismissAfterMs":4000`) {
		t.Fatalf("unexpected json %s", data)
	}
}
