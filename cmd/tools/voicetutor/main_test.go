package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	lessonModel "github.com/zhouzirui/speakup/backend/internal/model/lesson"
	"github.com/zhouzirui/speakup/backend/internal/service/turn"
)

func TestPrintEvents(t *testing.T) {
	events := make(chan turn.Event, 5)
	events <- turn.Event{Type: turn.EventState, State: turn.StateListening}
	events <- turn.Event{Type: turn.EventPartial, Text: "a latte"}
	events <- turn.Event{Type: turn.EventUtterance, Utterance: &chat.Utterance{Speaker: chat.SpeakerUser, Text: "A latte, please."}}
	events <- turn.Event{Type: turn.EventUtterance, Utterance: &chat.Utterance{Speaker: chat.SpeakerAssistant, Text: "Hot or iced?"}}
	events <- turn.Event{Type: turn.EventError, Error: &turn.ErrorReport{Message: "Microphone unavailable"}}
	close(events)

	var buf bytes.Buffer
	printEvents(&buf, events)

	want := "[listening]\n  ... a latte\nyou> A latte, please.\ntutor> Hot or iced?\n! Microphone unavailable\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}

func TestPrintFeedback(t *testing.T) {
	var buf bytes.Buffer
	printFeedback(&buf, nil)
	if !strings.Contains(buf.String(), "没有需要纠正") {
		t.Fatalf("unexpected empty feedback output %q", buf.String())
	}

	buf.Reset()
	printFeedback(&buf, []lessonModel.FeedbackItem{{Original: "I want coffee", Correction: "I'd like a coffee", Reason: "politer"}})
	if !strings.Contains(buf.String(), "1. I want coffee\n   -> I'd like a coffee") {
		t.Fatalf("unexpected feedback output %q", buf.String())
	}
}
