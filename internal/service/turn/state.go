// Package turn sequences a free-talk session: listen, transcribe, reply,
// speak, and listen again until the learner stops.
package turn

import (
	"encoding/json"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
)

// State is the run state of a session.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateReplying     State = "replying"
	StateSpeaking     State = "speaking"
	StateStopped      State = "stopped"
)

// Active reports whether s owns the microphone or the speaker.
func (s State) Active() bool {
	switch s {
	case StateListening, StateTranscribing, StateReplying, StateSpeaking:
		return true
	}
	return false
}

// transitions lists the legal controller-driven moves. Stop is handled
// separately since it is legal from every state.
var transitions = map[State][]State{
	StateIdle:         {StateListening},
	StateStopped:      {StateListening},
	StateListening:    {StateListening, StateTranscribing, StateReplying},
	StateTranscribing: {StateListening, StateReplying},
	StateReplying:     {StateSpeaking},
	StateSpeaking:     {StateListening},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventType names what an Event carries.
type EventType string

const (
	EventState     EventType = "state"
	EventPartial   EventType = "partial"
	EventUtterance EventType = "utterance"
	EventError     EventType = "error"
)

// Event is pushed to subscribers as the session progresses.
type Event struct {
	Type      EventType       `json:"type"`
	State     State           `json:"state,omitempty"`
	Text      string          `json:"text,omitempty"`
	Utterance *chat.Utterance `json:"utterance,omitempty"`
	Error     *ErrorReport    `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// Error codes carried by ErrorReport.
const (
	CodeCaptureUnavailable = "capture_unavailable"
	CodeCaptureFailed      = "capture_failed"
	CodeNetwork            = "network"
	CodeInternal           = "internal"
)

// ErrorReport is a user-facing banner. Fatal reports accompany a stop.
type ErrorReport struct {
	Code         string        `json:"code"`
	Message      string        `json:"message"`
	Fatal        bool          `json:"fatal"`
	DismissAfter time.Duration `json:"-"`
}

// MarshalJSON reports DismissAfter in milliseconds for browser timers.
func (r ErrorReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code           string `json:"code"`
		Message        string `json:"message"`
		Fatal          bool   `json:"fatal"`
		DismissAfterMs int64  `json:"dismissAfterMs"`
	}{r.Code, r.Message, r.Fatal, r.DismissAfter.Milliseconds()})
}

// Banner messages shown to learners.
const (
	MessageMicDenied     = "마이크 권한이 거부되었습니다."
	MessageNetwork       = "네트워크 오류 발생."
	MessageCaptureFailed = "음성 인식을 시작할 수 없습니다."
	MessageInternal      = "예상치 못한 오류가 발생했습니다."
)
