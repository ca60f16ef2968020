package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a session is asked to move to a
// state that does not follow its current one.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is a step in creating one scope document.
type State string

// Session states.
const (
	StateStart           State = "start"
	StateAnalyzed        State = "analyzed"
	StateFollowUpPending State = "follow_up_pending"
	StateReadyToGenerate State = "ready_to_generate"
	StateGenerated       State = "generated"
)

// transitions lists the legal next states for each state.
var transitions = map[State][]State{
	StateStart:           {StateAnalyzed},
	StateAnalyzed:        {StateFollowUpPending, StateReadyToGenerate},
	StateFollowUpPending: {StateFollowUpPending, StateReadyToGenerate},
	StateReadyToGenerate: {StateFollowUpPending, StateReadyToGenerate, StateGenerated},
	StateGenerated:       {},
}

// Session tracks one in-progress scope creation. The zero value is in
// StateStart. It is safe for concurrent use.
type Session struct {
	mu         sync.Mutex
	state      State
	documentID string
}

// NewSession returns a session in StateStart.
func NewSession() *Session {
	return &Session{state: StateStart}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

// DocumentID returns the id of the generated document, if any.
func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) current() State {
	if s.state == "" {
		return StateStart
	}
	return s.state
}

// Advance moves the session to next, or returns ErrInvalidTransition.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advance(next)
}

func (s *Session) advance(next State) error {
	cur := s.current()
	for _, allowed := range transitions[cur] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

// check reports whether next is reachable without moving.
func (s *Session) check(next State) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current()
	for _, allowed := range transitions[cur] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

func (s *Session) generated(id string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.advance(StateGenerated); err != nil {
		return err
	}
	s.documentID = id
	return nil
}

func (s *Session) move(next State) error {
	if s == nil {
		return nil
	}
	return s.Advance(next)
}
