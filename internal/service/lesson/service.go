package lesson

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/model/lesson"
	"github.com/zhouzirui/speakup/backend/internal/store"
)

var (
	ErrTopicRequired   = errors.New("topic title is required")
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultMinutes is used when a lesson is created without a length.
const DefaultMinutes = 10

// Service keeps live lesson sessions in memory and persists finished ones.
type Service struct {
	repo store.Repository

	mu          sync.RWMutex
	sessions    map[string]lesson.Session
	transcripts map[string][]chat.Utterance
	finished    []lesson.Record
}

// NewService builds the registry. repo may be nil, in which case finished
// lessons are only kept for the lifetime of the process.
func NewService(repo store.Repository) *Service {
	return &Service{
		repo:        repo,
		sessions:    make(map[string]lesson.Session),
		transcripts: make(map[string][]chat.Utterance),
	}
}

// CreateSession registers a lesson for topic with already generated content.
func (s *Service) CreateSession(_ context.Context, topic lesson.Topic, minutes int, content lesson.Content) (lesson.Session, error) {
	if strings.TrimSpace(topic.Title) == "" {
		return lesson.Session{}, ErrTopicRequired
	}
	if minutes <= 0 {
		minutes = DefaultMinutes
	}

	session := lesson.Session{
		ID:        uuid.NewString(),
		Topic:     topic,
		Minutes:   minutes,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.transcripts[session.ID] = make([]chat.Utterance, 0, 16)
	s.mu.Unlock()

	log.Printf("[lesson] created session=%s topic=%q minutes=%d", session.ID, topic.Title, minutes)
	return session, nil
}

// GetSession retrieves a live session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (lesson.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return lesson.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// AppendTranscript adds utterances to the end of the stored transcript in one
// step and returns the transcript after the append. Order is renumbered to the
// stored position, so concurrent writers interleave whole utterances.
func (s *Service) AppendTranscript(_ context.Context, sessionID string, utterances ...chat.Utterance) ([]chat.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.transcripts[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	for _, u := range utterances {
		u.Order = len(history)
		history = append(history, u)
	}
	s.transcripts[sessionID] = history
	return chat.CopyHistory(history), nil
}

// LoadTranscript returns the stored transcript for the session.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Utterance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.transcripts[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return chat.CopyHistory(history), nil
}

// Finish records the lesson outcome and discards the live session.
func (s *Service) Finish(ctx context.Context, sessionID string, history []chat.Utterance, feedback []lesson.FeedbackItem) (lesson.Record, error) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return lesson.Record{}, ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.transcripts, sessionID)
	s.mu.Unlock()

	if feedback == nil {
		feedback = []lesson.FeedbackItem{}
	}
	record := lesson.Record{
		SessionID:  sessionID,
		TopicTitle: session.Topic.Title,
		History:    chat.CopyHistory(history),
		Feedback:   feedback,
		FinishedAt: time.Now().UTC(),
	}

	if s.repo != nil {
		if err := s.repo.SaveLesson(ctx, record); err != nil {
			return record, fmt.Errorf("persist lesson: %w", err)
		}
	} else {
		s.mu.Lock()
		s.finished = append(s.finished, record)
		s.mu.Unlock()
	}

	log.Printf("[lesson] finished session=%s utterances=%d feedback=%d", sessionID, len(record.History), len(feedback))
	return record, nil
}

// Discard drops a live session without recording it.
func (s *Service) Discard(_ context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	delete(s.transcripts, sessionID)
	s.mu.Unlock()
}

// History lists finished lessons, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]lesson.Record, error) {
	if s.repo != nil {
		return s.repo.ListLessons(ctx, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]lesson.Record, 0, len(s.finished))
	for i := len(s.finished) - 1; i >= 0; i-- {
		records = append(records, s.finished[i])
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}
