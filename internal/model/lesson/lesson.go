package lesson

import (
	"time"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
)

// Topic is one selectable conversation topic.
type Topic struct {
	ID    int    `json:"id"`
	Type  string `json:"type"` // Business, Casual or Deep
	Title string `json:"title"`
	Icon  string `json:"icon"`
}

// KeyExpression is a phrase taught in the learning step.
type KeyExpression struct {
	Text        string `json:"text"`
	Translation string `json:"translation"`
	Explanation string `json:"explanation"`
}

// ShadowingItem is a sentence the learner repeats aloud.
type ShadowingItem struct {
	Text        string `json:"text"`
	Translation string `json:"translation"`
}

// Content 是内容生成阶段返回的课程材料。
type Content struct {
	Mission             string          `json:"mission"`
	MissionTranslation  string          `json:"missionTranslation"`
	Scenario            string          `json:"scenario"`
	ScenarioTranslation string          `json:"scenarioTranslation"`
	KeyExpressions      []KeyExpression `json:"keyExpressions"`
	ShadowingSentences  []ShadowingItem `json:"shadowingSentences"`
	Tips                string          `json:"tips"`
	FreeTalkIntro       string          `json:"freeTalkIntro"`
}

// Session is an immutable lesson created from a topic. It lives until the
// learner exits or finishes.
type Session struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Minutes   int       `json:"minutes"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// FeedbackItem is one correction produced after free talk.
type FeedbackItem struct {
	Original         string `json:"original"`
	Correction       string `json:"correction"`
	Reason           string `json:"reason"`
	PronunciationTip string `json:"pronunciationTip,omitempty"`
}

// Valid reports whether the mandatory fields are present.
func (f FeedbackItem) Valid() bool {
	return f.Original != "" && f.Correction != "" && f.Reason != ""
}

// Assessment is the result of a shadowing attempt.
type Assessment struct {
	IsCorrect bool   `json:"isCorrect"`
	Feedback  string `json:"feedback"`
}

// Record is a finished lesson as persisted after the learner exits free talk.
type Record struct {
	SessionID  string           `json:"sessionId"`
	TopicTitle string           `json:"topicTitle"`
	History    []chat.Utterance `json:"history"`
	Feedback   []FeedbackItem   `json:"feedback"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// ExpressionCount returns how many key expressions a lesson of the given length carries.
func ExpressionCount(minutes int) int {
	if minutes <= 10 {
		return 3
	}
	return 5
}
