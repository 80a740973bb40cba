package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State uint8

const (
	Connecting State = iota
	Authenticating
	Active
	ResyncRequired
	Disconnecting
	Terminated
)

const (
	heartbeatGrace = time.Second
	// a heartbeat goes out once this share of the interval has passed without traffic from us
	heartbeatLeadPercent = 70
)

var (
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrInvalidSequence   = errors.New("invalid sequence number")
)

var transitions = map[State][]State{
	Connecting:     {Authenticating},
	Authenticating: {Active},
	Active:         {ResyncRequired, Disconnecting},
	ResyncRequired: {Active},
	Disconnecting:  {Terminated},
}

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Active:
		return "Active"
	case ResyncRequired:
		return "ResyncRequired"
	case Disconnecting:
		return "Disconnecting"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type (
	TransitionError struct {
		From State
		To   State
	}

	SequenceError struct {
		Expected uint64
		Received uint64
	}
)

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("invalid sequence number: expected %d, received %d", e.Expected, e.Received)
}

func (e *SequenceError) Unwrap() error {
	return ErrInvalidSequence
}

type (
	// Session is the state of one participant connection. It is not safe for
	// concurrent use; the Manager serializes access.
	Session struct {
		ID                uuid.UUID     `json:"id"`
		SenderID          string        `json:"sender_id"`
		TargetID          string        `json:"target_id"`
		State             State         `json:"state"`
		CreatedAt         time.Time     `json:"created_at"`
		LastReceived      time.Time     `json:"last_received"`
		LastSent          time.Time     `json:"last_sent"`
		NextIncomingSeq   uint64        `json:"next_incoming_seq"`
		NextOutgoingSeq   uint64        `json:"next_outgoing_seq"`
		HeartbeatInterval time.Duration `json:"heartbeat_interval"`
		PublicKey         []byte        `json:"-"`
	}
)

func NewSession(senderID, targetID string, heartbeat time.Duration, publicKey []byte, now time.Time) *Session {
	return &Session{
		ID:                uuid.New(),
		SenderID:          senderID,
		TargetID:          targetID,
		State:             Connecting,
		CreatedAt:         now,
		LastReceived:      now,
		LastSent:          now,
		NextIncomingSeq:   1,
		NextOutgoingSeq:   1,
		HeartbeatInterval: heartbeat,
		PublicKey:         publicKey,
	}
}

// Transition moves the session to `to`, leaving it untouched if the move is illegal.
func (s *Session) Transition(to State) error {
	if !CanTransition(s.State, to) {
		return &TransitionError{From: s.State, To: to}
	}
	s.State = to
	return nil
}

// MessageReceived accepts seq only if it is exactly the next expected number.
func (s *Session) MessageReceived(seq uint64, now time.Time) error {
	if seq != s.NextIncomingSeq {
		return &SequenceError{Expected: s.NextIncomingSeq, Received: seq}
	}
	s.NextIncomingSeq++
	s.LastReceived = now
	return nil
}

// MessageSent records an outgoing message and returns the sequence number it used.
func (s *Session) MessageSent(now time.Time) uint64 {
	seq := s.NextOutgoingSeq
	s.NextOutgoingSeq++
	s.LastSent = now
	return seq
}

func (s *Session) IsHeartbeatOverdue(now time.Time) bool {
	return now.Sub(s.LastReceived) > s.HeartbeatInterval+heartbeatGrace
}

func (s *Session) NeedsHeartbeat(now time.Time) bool {
	return now.Sub(s.LastSent) > s.HeartbeatInterval*heartbeatLeadPercent/100
}
