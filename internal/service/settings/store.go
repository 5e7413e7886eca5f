package settings

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/model/settings"
	"github.com/zhouzirui/speakup/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/speakup/backend/internal/service/speech"
	"github.com/zhouzirui/speakup/backend/internal/store"
)

// Store holds the current settings. Update is the single write path; readers
// call Get or subscribe to changes.
type Store struct {
	repo store.Repository

	mu      sync.RWMutex
	current settings.Settings
	subs    map[int]chan settings.Settings
	nextSub int
}

// NewStore loads saved settings from repo, or starts from the defaults. repo
// may be nil.
func NewStore(ctx context.Context, repo store.Repository) (*Store, error) {
	current := settings.Defaults()
	if repo != nil {
		saved, err := repo.GetSettings(ctx)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
		if saved != nil {
			current = *saved
		}
	}

	return &Store{
		repo:    repo,
		current: current,
		subs:    make(map[int]chan settings.Settings),
	}, nil
}

// Get returns the current settings.
func (s *Store) Get() settings.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// VoiceConfig returns the playback settings; it is read once per tutor reply.
func (s *Store) VoiceConfig() speech.VoiceConfig {
	return s.Get().VoiceConfig()
}

// Update validates next, persists it and notifies subscribers.
func (s *Store) Update(ctx context.Context, next settings.Settings) (settings.Settings, error) {
	next.Voice = speechsvc.NormalizeVoice(next.Voice)
	if !speechsvc.ValidRateLabel(next.SpeedLabel) {
		next.SpeedLabel = speechsvc.RateNormal
	}
	if err := next.Validate(); err != nil {
		return settings.Settings{}, err
	}
	next.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	if s.repo != nil {
		if err := s.repo.SaveSettings(ctx, next); err != nil {
			return settings.Settings{}, fmt.Errorf("save settings: %w", err)
		}
	}

	s.mu.Lock()
	s.current = next
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	s.mu.Unlock()

	log.Printf("[settings] updated voice=%s speed=%d label=%s", next.Voice, next.SpeedPercent, next.SpeedLabel)
	return next, nil
}

// Subscribe returns a channel that always holds the most recent change, and a
// function that detaches it.
func (s *Store) Subscribe() (<-chan settings.Settings, func()) {
	ch := make(chan settings.Settings, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
