package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helixlab/biohost/pkg/providers"
)

// State is a session's position in its lifecycle. Idle is both the
// initial state and the state between user turns; Closed is terminal.
type State string

const (
	StateIdle          State = "idle"
	StateModelTurn     State = "model_turn"
	StateToolRequested State = "tool_requested"
	StateToolExecuting State = "tool_executing"
	StateError         State = "error"
	StateClosed        State = "closed"
)

var validTransitions = map[State][]State{
	StateIdle:          {StateModelTurn, StateError, StateClosed},
	StateModelTurn:     {StateToolRequested, StateIdle, StateError, StateClosed},
	StateToolRequested: {StateToolExecuting, StateError, StateClosed},
	StateToolExecuting: {StateModelTurn, StateError, StateClosed},
	StateError:         {StateIdle, StateClosed},
	StateClosed:        {},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one conversation: its history, attached files and lifecycle
// state. All fields are guarded by mu; the coordinator is the only
// writer.
type Session struct {
	ID string

	mu       sync.Mutex
	state    State
	client   string // model client name, "" for the default
	messages []providers.Message
	files    []string
	created  time.Time
	updated  time.Time
	cancel   context.CancelFunc
}

func newSession(id, client string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:      id,
		state:   StateIdle,
		client:  client,
		created: now,
		updated: now,
	}
}

// transition moves the session to a new state, rejecting moves the
// lifecycle does not allow.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("host: invalid transition %s -> %s for session %s", s.state, to, s.ID)
	}
	s.state = to
	s.updated = time.Now().UTC()
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) clientName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) append(msgs ...providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	s.updated = time.Now().UTC()
}

func (s *Session) history() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.Message(nil), s.messages...)
}

func (s *Session) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Session) attachFile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.files {
		if existing == id {
			return
		}
	}
	s.files = append(s.files, id)
	s.updated = time.Now().UTC()
}

// Files returns the IDs attached to this session, in attach order.
func (s *Session) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

func (s *Session) lastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

// setCancel records the cancel function for in-flight work so close can
// interrupt it.
func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

func (s *Session) interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
