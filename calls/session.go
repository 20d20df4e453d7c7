package calls

import (
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance. Turns are never modified after they are appended.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// State is the conversation state of a call session.
type State int

const (
	StateAwaitingAnswer State = iota
	StateAnswered
	StateListening
	StateResponding
	StateClosing // assistant ended the call, farewell is playing
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateAnswered:
		return "answered"
	case StateListening:
		return "listening"
	case StateResponding:
		return "responding"
	case StateClosing:
		return "closing"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	StateAwaitingAnswer: {StateAnswered, StateEnded},
	StateAnswered:       {StateListening, StateEnded},
	StateListening:      {StateResponding, StateEnded},
	StateResponding:     {StateListening, StateClosing, StateEnded},
	StateClosing:        {StateEnded},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the live state of one call leg.
type Session struct {
	Token        string
	CallerNumber string
	CalleeNumber string
	OwnerID      string
	CreatedAt    time.Time

	mu    sync.Mutex
	state State
	turns []Turn
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the given state or returns
// ErrIllegalTransition without changing anything.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Turns returns a copy of the recorded turns.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) appendTurn(t Turn) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.turns); n > 0 {
		if last := s.turns[n-1].At; !t.At.After(last) {
			t.At = last.Add(time.Nanosecond)
		}
	}
	s.turns = append(s.turns, t)
	return t
}

func (s *Session) snapshot(endedAt time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Token:        s.Token,
		CallerNumber: s.CallerNumber,
		CalleeNumber: s.CalleeNumber,
		OwnerID:      s.OwnerID,
		CreatedAt:    s.CreatedAt,
		EndedAt:      endedAt,
	}
	_ = copier.Copy(&snap.Turns, s.turns)
	return snap
}

// Snapshot is a detached copy of a finished session.
type Snapshot struct {
	Token        string
	CallerNumber string
	CalleeNumber string
	OwnerID      string
	Turns        []Turn
	CreatedAt    time.Time
	EndedAt      time.Time
}
