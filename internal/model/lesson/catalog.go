package lesson

import (
	"fmt"
	"math/rand/v2"
)

// Catalog exposes the offline topic templates for HTTP handlers.
type Catalog interface {
	List() []Topic
	FindByID(id int) (Topic, bool)
	Pick() []Topic
}

// MemoryCatalog implements Catalog with an in-memory template set.
type MemoryCatalog struct {
	templates map[string][]string
	items     []Topic
	intn      func(n int) int
}

// NewMemoryCatalog returns a MemoryCatalog preloaded with the supplied templates.
func NewMemoryCatalog(templates map[string][]string) *MemoryCatalog {
	c := &MemoryCatalog{
		templates: make(map[string][]string, len(templates)),
		intn:      rand.IntN,
	}

	id := 1
	for _, kind := range topicKinds {
		titles := templates[kind]
		c.templates[kind] = append([]string(nil), titles...)
		for _, title := range titles {
			c.items = append(c.items, Topic{ID: id, Type: kind, Title: title, Icon: kindIcons[kind]})
			id++
		}
	}
	return c
}

// List returns every template topic.
func (c *MemoryCatalog) List() []Topic {
	return append([]Topic(nil), c.items...)
}

// FindByID looks up a topic by identifier.
func (c *MemoryCatalog) FindByID(id int) (Topic, bool) {
	for _, item := range c.items {
		if item.ID == id {
			return item, true
		}
	}
	return Topic{}, false
}

// Pick draws five random topics: one business, two casual and two deep.
func (c *MemoryCatalog) Pick() []Topic {
	plan := []struct {
		kind string
		icon string
	}{
		{"Business", "💼"},
		{"Casual", "☕"},
		{"Casual", "✈️"},
		{"Deep", "🌍"},
		{"Deep", "🧠"},
	}

	picked := make([]Topic, 0, len(plan))
	for _, p := range plan {
		titles := c.templates[p.kind]
		if len(titles) == 0 {
			continue
		}
		picked = append(picked, Topic{
			ID:    len(picked) + 1,
			Type:  p.kind,
			Title: titles[c.intn(len(titles))],
			Icon:  p.icon,
		})
	}
	return picked
}

var topicKinds = []string{"Business", "Casual", "Deep"}

var kindIcons = map[string]string{
	"Business": "💼",
	"Casual":   "☕",
	"Deep":     "🌍",
}

// SeedTemplates provides the built-in topic templates.
func SeedTemplates() map[string][]string {
	return map[string][]string{
		"Business": {
			"Negotiating a new software contract",
			"Presenting Q3 sales results",
			"Discussing product roadmap with stakeholders",
			"Handling a customer complaint about delivery",
			"Interviewing for a Project Manager role",
		},
		"Casual": {
			"Discussing weekend hiking plans",
			"Recommending a favorite restaurant",
			"Talking about a new Netflix series",
			"Explaining a Korean traditional holiday",
			"Asking for advice on a relationship issue",
		},
		"Deep": {
			"Debating the ethics of AI development",
			"Discussing climate change solutions",
			"Analyzing the impact of remote work on society",
			"Exploring the future of space travel",
			"Talking about economic inequality",
		},
	}
}

// FallbackTopics is returned when topic generation fails.
func FallbackTopics() []Topic {
	return []Topic{
		{ID: 1, Type: "Casual", Title: "Daily Routine (Fallback)", Icon: "📅"},
		{ID: 2, Type: "Business", Title: "Job Interview (Fallback)", Icon: "💼"},
	}
}

// FallbackContent is returned when lesson content generation fails.
func FallbackContent(topic Topic) Content {
	return Content{
		Mission:             fmt.Sprintf("Master the topic %q (Offline Mode)", topic.Title),
		MissionTranslation:  fmt.Sprintf("주제 %q 마스터하기", topic.Title),
		Scenario:            "You are practicing specialized English expressions.",
		ScenarioTranslation: "전문적인 영어 표현을 연습하는 상황입니다.",
		KeyExpressions: []KeyExpression{
			{
				Text:        "Could you elaborate on that?",
				Translation: "그 부분에 대해 좀 더 자세히 말씀해 주시겠어요?",
				Explanation: "상대방의 의견을 더 듣고 싶을 때 사용하는 정중한 표현입니다.",
			},
		},
		ShadowingSentences: []ShadowingItem{
			{Text: "Could you elaborate on that?", Translation: "그 부분에 대해 좀 더 자세히 말씀해 주시겠어요?"},
			{Text: "I see where you're coming from.", Translation: "어떤 입장이신지 이해가 갑니다."},
			{Text: "That's a valid point.", Translation: "일리가 있는 말씀이네요."},
		},
		Tips:          "Focus on clear pronunciation and polite intonation.",
		FreeTalkIntro: "What are your thoughts on this topic?",
	}
}

// FallbackAssessment is returned when pronunciation assessment fails.
func FallbackAssessment() Assessment {
	return Assessment{IsCorrect: true, Feedback: "AI 연결 상태가 좋지 않아 정확한 피드백을 드릴 수 없습니다."}
}
