package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/identity-harvester/internal/harvest"
)

// State is the lifecycle position of a session.
type State int

// Session states. Exhausted and Invalid are terminal.
const (
	StateIdle State = iota
	StateAuthenticating
	StateActive
	StateExhausted
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateExhausted:
		return "exhausted"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateInvalid
}

// Cause explains why a session was released.
type Cause string

// Release causes.
const (
	CauseCapReached    Cause = "cap_reached"
	CauseInvalidated   Cause = "invalidated"
	CausePoolExhausted Cause = "pool_exhausted"
	CauseRunEnd        Cause = "run_end"
)

var (
	// ErrCapReached is returned by Begin once the session has used its cap.
	ErrCapReached = errors.New("session item cap reached")
	// ErrSessionNotActive is returned by Begin on a session that is not active.
	ErrSessionNotActive = errors.New("session not active")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

var transitions = map[State][]State{
	StateIdle:           {StateAuthenticating},
	StateAuthenticating: {StateActive, StateExhausted, StateInvalid},
	StateActive:         {StateExhausted, StateInvalid},
}

// Session is a live binding to one identity.
type Session struct {
	ID        string
	Identity  harvest.Identity
	StartedAt time.Time

	mu        sync.Mutex
	state     State
	conn      harvest.Conn
	cap       int
	processed int
	cause     Cause
	reason    string
}

func newSession(id string, identity harvest.Identity, limit int, now time.Time) *Session {
	return &Session{ID: id, Identity: identity, StartedAt: now, cap: limit, state: StateIdle}
}

// Conn is the authenticated connection. Nil until the session is active.
func (s *Session) Conn() harvest.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Cap is the item cap drawn when the session was created.
func (s *Session) Cap() int {
	return s.cap
}

// Processed is the number of items begun on this session.
func (s *Session) Processed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cause returns the release cause, empty while the session is live.
func (s *Session) Cause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// CapReached reports whether the session may not start another item.
func (s *Session) CapReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed >= s.cap
}

// Begin counts one new item against the cap.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, s.state)
	}
	if s.processed >= s.cap {
		return ErrCapReached
	}
	s.processed++
	return nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
}

func (s *Session) activate(conn harvest.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateActive); err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// retire moves the session to its terminal state and hands back the
// connection to close. It reports false if the session was already retired.
func (s *Session) retire(cause Cause, reason string) (harvest.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil, false
	}
	to := StateExhausted
	if cause == CauseInvalidated {
		to = StateInvalid
	}
	if s.state == StateIdle {
		s.state = StateAuthenticating
	}
	if err := s.transitionLocked(to); err != nil {
		return nil, false
	}
	s.cause = cause
	s.reason = reason
	conn := s.conn
	s.conn = nil
	return conn, true
}
