package chat

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Utterance is one committed line of the free-talk transcript. Utterances are
// appended in order and never edited afterwards.
type Utterance struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
	Order   int     `json:"order"`
}

// CopyHistory returns an independent copy of history.
func CopyHistory(history []Utterance) []Utterance {
	if history == nil {
		return []Utterance{}
	}
	copied := make([]Utterance, len(history))
	copy(copied, history)
	return copied
}

// HasUserTurn reports whether history holds at least one learner utterance.
func HasUserTurn(history []Utterance) bool {
	for _, u := range history {
		if u.Speaker == SpeakerUser {
			return true
		}
	}
	return false
}
