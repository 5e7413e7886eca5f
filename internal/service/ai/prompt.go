package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
)

// Task names one kind of model call.
type Task string

const (
	TaskFreeTalk  Task = "free_talk"
	TaskTopics    Task = "topics"
	TaskSession   Task = "session"
	TaskAssess    Task = "assess"
	TaskFeedback  Task = "feedback"
	TaskInterpret Task = "interpret"
)

// PromptTemplate defines the system prompt and output bound for a task.
type PromptTemplate struct {
	SystemPrompt string
	MaxTokens    int
	OutputRules  []string
}

// PromptManager manages prompt templates for the tutoring tasks.
type PromptManager struct {
	templates map[Task]*PromptTemplate
}

// NewPromptManager creates a new prompt manager with default templates
func NewPromptManager() *PromptManager {
	manager := &PromptManager{
		templates: make(map[Task]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// GetPromptTemplate returns the prompt template for a given task
func (pm *PromptManager) GetPromptTemplate(task Task) (*PromptTemplate, error) {
	template, exists := pm.templates[task]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for task: %s", task)
	}
	return template, nil
}

// SystemPrompt returns the system message for task, or a generic tutor prompt.
func (pm *PromptManager) SystemPrompt(task Task) string {
	template, err := pm.GetPromptTemplate(task)
	if err != nil {
		return "You are a helpful English tutor."
	}
	return template.SystemPrompt
}

// MaxTokens returns the completion bound for task; zero means unbounded.
func (pm *PromptManager) MaxTokens(task Task) int {
	template, err := pm.GetPromptTemplate(task)
	if err != nil {
		return 0
	}
	return template.MaxTokens
}

// TopicsPrompt asks for five topics as a JSON array.
func (pm *PromptManager) TopicsPrompt(interest string, minutes int) string {
	if strings.TrimSpace(interest) == "" {
		interest = "general"
	}
	return fmt.Sprintf(`Generate 5 English conversation topics for a %s context.
The user wants to study for %d minutes.
If the time is short (<=10 mins), keep topics simple and focused.
%s`, interest, minutes, pm.rules(TaskTopics))
}

// SessionPrompt asks for the lesson content object.
func (pm *PromptManager) SessionPrompt(topic lesson.Topic, minutes int) string {
	complexity := "natural, detailed, and engaging"
	if minutes <= 10 {
		complexity = "simple, short, and concise"
	}
	return fmt.Sprintf(`Create an English learning session about %q.
Target audience: Korean English learner.
Context: %s.
Return strictly a JSON object with:
- mission: string (Goal of the session in English)
- missionTranslation: string (Korean translation of the mission)
- scenario: string (Situation description in English)
- scenarioTranslation: string (Korean translation of the scenario)
- keyExpressions: array of %d objects { text: string (English sentence), translation: string (Korean), explanation: string (Korean nuance) }
- shadowingSentences: array of 3 objects { text: string (English sentence), translation: string (Korean translation) }
- tips: string (One sentence advice in English)
- freeTalkIntro: string (An engaging opening question for the free talk session in English, related to the topic)
%s`, topic.Title, complexity, lesson.ExpressionCount(minutes), pm.rules(TaskSession))
}

// AssessPrompt compares a spoken attempt with its target sentence.
func (pm *PromptManager) AssessPrompt(target, spoken string) string {
	return fmt.Sprintf(`Target sentence: %q
User said: %q
Compare the user's speech to the target.
%s`, target, spoken, pm.rules(TaskAssess))
}

// FeedbackPrompt reviews the learner's side of a free-talk transcript.
func (pm *PromptManager) FeedbackPrompt(history []chat.Utterance) string {
	return fmt.Sprintf(`Review this conversation between an AI Tutor and a Student.
Analyze the Student's English for:
1. Grammatical errors
2. Awkward expressions (suggest more natural, native-like phrasing)
3. Potential pronunciation challenges based on the text (e.g. difficult words, linking).

%s

Conversation:
%s`, pm.rules(TaskFeedback), FormatTranscript(history))
}

// InterpretPrompt asks for a bare translation.
func (pm *PromptManager) InterpretPrompt(text, sourceLang, targetLang string) string {
	return fmt.Sprintf(`Translate the following text from %s to %s.
%s

Text: %q`, sourceLang, targetLang, pm.rules(TaskInterpret), text)
}

// FormatTranscript renders history as "AI:" / "Student:" lines.
func FormatTranscript(history []chat.Utterance) string {
	var builder strings.Builder
	for i, u := range history {
		role := "Student"
		if u.Speaker == chat.SpeakerAssistant {
			role = "AI"
		}
		builder.WriteString(role)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(u.Text))
		if i < len(history)-1 {
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

func (pm *PromptManager) rules(task Task) string {
	template, err := pm.GetPromptTemplate(task)
	if err != nil || len(template.OutputRules) == 0 {
		return ""
	}
	return strings.Join(template.OutputRules, "\n")
}

// loadDefaultTemplates loads the built-in task templates
func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates[TaskFreeTalk] = &PromptTemplate{
		SystemPrompt: "You are a friendly English conversation partner. Keep responses concise and engaging.",
		MaxTokens:    150,
	}

	pm.templates[TaskTopics] = &PromptTemplate{
		SystemPrompt: "You are a helpful English tutor.",
		OutputRules: []string{
			"Return strictly a JSON array of objects with keys: id (number), type (string: Business/Casual/Deep), title (string), icon (emoji string).",
			"Do not wrap in markdown code blocks.",
		},
	}

	pm.templates[TaskSession] = &PromptTemplate{
		SystemPrompt: "You are a helpful English tutor.",
		OutputRules: []string{
			"Do not wrap in markdown code blocks.",
		},
	}

	pm.templates[TaskAssess] = &PromptTemplate{
		SystemPrompt: "You are a helpful pronunciation coach.",
		OutputRules: []string{
			`Return a JSON object: { "isCorrect": boolean, "feedback": string (Korean, brief advice on pronunciation or missing words) }`,
			`If it's mostly correct, say "Good job" or similar in feedback.`,
		},
	}

	pm.templates[TaskFeedback] = &PromptTemplate{
		SystemPrompt: "You are an expert English linguist and pronunciation coach.",
		MaxTokens:    600,
		OutputRules: []string{
			"Return a strictly valid JSON array of objects (top 5 most critical items).",
			"Each object must have:",
			"- original: string (The student's exact part of the sentence)",
			"- correction: string (The natural/corrected version)",
			"- reason: string (Brief explanation in Korean about grammar or nuance)",
			`- pronunciationTip: string (Optional Korean tip on how to pronounce this better. e.g., "Note the 'th' sound in 'think'.")`,
		},
	}

	pm.templates[TaskInterpret] = &PromptTemplate{
		SystemPrompt: "You are a professional simultaneous interpreter.",
		OutputRules: []string{
			"Only return the translated text. Do not add any explanations or notes.",
		},
	}
}
