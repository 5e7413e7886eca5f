package voice

import (
	"log"
	"sync"

	"github.com/zhouzirui/speakup/backend/internal/model/chat"
	"github.com/zhouzirui/speakup/backend/internal/service/turn"
)

// liveSession is one connected voice session.
type liveSession struct {
	controller *turn.Controller
	state      *connectionState
	disconnect func()

	mu       sync.Mutex
	detached bool
	unsubs   []func()
}

// Hub tracks the live voice session of each lesson. A lesson has at most one
// connection: a new connection replaces and disconnects the old one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// NewHub 创建会话注册表
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*liveSession)}
}

func (h *Hub) add(lessonID string, s *liveSession) {
	h.mu.Lock()
	old, exists := h.sessions[lessonID]
	h.sessions[lessonID] = s
	h.mu.Unlock()

	if exists {
		log.Printf("[voice] replacing connection for lesson=%s", lessonID)
		old.close()
	}
}

// remove drops s if it is still the registered session for lessonID.
func (h *Hub) remove(lessonID string, s *liveSession) {
	h.mu.Lock()
	if h.sessions[lessonID] == s {
		delete(h.sessions, lessonID)
	}
	h.mu.Unlock()
	s.close()
}

// Controller returns the turn controller of a connected lesson.
func (h *Hub) Controller(lessonID string) (*turn.Controller, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[lessonID]
	if !ok {
		return nil, false
	}
	return s.controller, true
}

// SubmitText answers the current turn of a connected lesson with typed
// text. ok is false when the lesson has no connection.
func (h *Hub) SubmitText(lessonID, text string) (ok bool, err error) {
	controller, ok := h.Controller(lessonID)
	if !ok {
		return false, nil
	}
	return true, controller.SubmitText(text)
}

// Pause stops the voice loop of a connected lesson and returns its history,
// which stays final until the learner starts again.
func (h *Hub) Pause(lessonID string) ([]chat.Utterance, bool) {
	controller, ok := h.Controller(lessonID)
	if !ok {
		return nil, false
	}
	controller.Stop()
	return controller.History(), true
}

// Finish ends the voice loop of a connected lesson for good and returns the
// frozen history. The connection stops writing the transcript afterwards.
func (h *Hub) Finish(lessonID string) ([]chat.Utterance, bool) {
	h.mu.RLock()
	s, ok := h.sessions[lessonID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.state != nil {
		s.state.markFinished()
	}
	return s.controller.Finish(), true
}

// Subscribe attaches to the events of a connected lesson. The channel is
// closed when the connection goes away.
func (h *Hub) Subscribe(lessonID string, buffer int) (<-chan turn.Event, func(), bool) {
	h.mu.RLock()
	s, ok := h.sessions[lessonID]
	h.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}

	events, unsubscribe := s.controller.Subscribe(buffer)

	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		unsubscribe()
		return nil, nil, false
	}
	s.unsubs = append(s.unsubs, unsubscribe)
	s.mu.Unlock()

	return events, unsubscribe, true
}

// Count returns how many lessons are connected.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll disconnects every session, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*liveSession)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// close detaches external subscribers and drops the connection. It is idempotent.
func (s *liveSession) close() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if s.disconnect != nil {
		s.disconnect()
	}
}
