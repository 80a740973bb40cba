package session

import (
	"context"
	"errors"
	"fmt"
	"romer_sequencer/internal/metrics"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"romer_sequencer/internal/utils/log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSweepInterval  = time.Second
	DefaultForwardTimeout = time.Second
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrDuplicateSession = errors.New("sender already has a live session")
	ErrForwardFailed    = errors.New("forwarding to batcher failed")
	ErrNoOutbound       = errors.New("no outbound transport configured")
)

type (
	// Outbound delivers encoded frames to the connection bound to a session.
	Outbound interface {
		Deliver(ctx context.Context, sessionID uuid.UUID, frame []byte) error
	}

	ManagerConfig struct {
		SweepInterval  time.Duration
		ForwardTimeout time.Duration
	}

	Manager struct {
		mu       sync.Mutex
		sessions map[uuid.UUID]*Session
		bySender map[string]uuid.UUID
		// held from sequence stamping until the frame is queued
		sendLocks map[uuid.UUID]*sync.Mutex

		auth     *Authenticator
		out      chan<- *model.ValidatedMessage
		outbound Outbound
		cfg      ManagerConfig
		now      func() time.Time
	}

	ManagerOption func(*Manager)
)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func WithOutbound(o Outbound) ManagerOption {
	return func(m *Manager) {
		m.outbound = o
	}
}

// NewManager returns a manager that forwards accepted messages on out.
func NewManager(auth *Authenticator, out chan<- *model.ValidatedMessage, cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}

	m := &Manager{
		sessions:  make(map[uuid.UUID]*Session),
		bySender:  make(map[string]uuid.UUID),
		sendLocks: make(map[uuid.UUID]*sync.Mutex),
		auth:      auth,
		out:       out,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOutbound wires the transport after construction; the server and the
// manager reference each other.
func (m *Manager) SetOutbound(o Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbound = o
}

func (m *Manager) CreateSession(senderID, targetID string, heartbeat time.Duration, publicKey []byte) (uuid.UUID, error) {
	if senderID == "" {
		return uuid.Nil, ErrEmptySenderID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySender[senderID]; ok {
		if s, ok := m.sessions[id]; ok && s.State != Terminated {
			return uuid.Nil, fmt.Errorf("%w: %s (%s)", ErrDuplicateSession, senderID, id)
		}
	}

	s := NewSession(senderID, targetID, heartbeat, publicKey, m.now())
	m.sessions[s.ID] = s
	m.bySender[senderID] = s.ID
	m.sendLocks[s.ID] = new(sync.Mutex)
	metrics.SessionEvents.WithLabelValues("created").Inc()
	return s.ID, nil
}

func (m *Manager) BeginAuthentication(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return s.Transition(Authenticating)
}

func (m *Manager) Authenticate(id uuid.UUID, fields fix.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if err := m.auth.AuthenticateLogon(s, fields); err != nil {
		metrics.SessionEvents.WithLabelValues("auth_failed").Inc()
		return err
	}
	metrics.SessionEvents.WithLabelValues("authenticated").Inc()
	log.Info("session authenticated", zap.String("session", id.String()), zap.String("sender", s.SenderID))
	return nil
}

// HandleMessage sequences msg on its session and forwards it downstream.
// A sequence error or a forwarding failure leaves the session in ResyncRequired.
func (m *Manager) HandleMessage(ctx context.Context, id uuid.UUID, msg *model.ValidatedMessage) error {
	if err := m.accept(id, msg); err != nil {
		return err
	}

	fctx, cancel := context.WithTimeout(ctx, m.cfg.ForwardTimeout)
	defer cancel()

	select {
	case m.out <- msg:
		metrics.MessagesForwarded.Inc()
		return nil
	case <-fctx.Done():
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok && s.State == Active {
			_ = s.Transition(ResyncRequired)
		}
		m.mu.Unlock()
		metrics.SessionEvents.WithLabelValues("forward_failed").Inc()
		log.Warn("forward failed, session needs resync",
			zap.String("session", id.String()),
			zap.Uint64("seq", msg.SeqNum),
			zap.Error(fctx.Err()))
		return fmt.Errorf("%w: %v", ErrForwardFailed, fctx.Err())
	}
}

// RejectMessage consumes msg's sequence number without forwarding it and
// answers with a session-level Reject.
func (m *Manager) RejectMessage(ctx context.Context, id uuid.UUID, msg *model.ValidatedMessage, reason string) error {
	if err := m.accept(id, msg); err != nil {
		return err
	}

	reject := fix.NewMessage(model.MsgTypeReject)
	reject.Set(fix.TagRefSeqNum, fmt.Sprint(msg.SeqNum))
	if msg.TypeCode != "" {
		reject.Set(fix.TagRefMsgType, msg.TypeCode)
	}
	reject.Set(fix.TagText, reason)
	return m.Send(ctx, id, reject)
}

func (m *Manager) accept(id uuid.UUID, msg *model.ValidatedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != Active {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, s.State)
	}
	if err := s.MessageReceived(msg.SeqNum, m.now()); err != nil {
		_ = s.Transition(ResyncRequired)
		metrics.SequenceErrors.Inc()
		return err
	}
	return nil
}

// Resync brings a ResyncRequired session back to Active expecting newSeq next.
func (m *Manager) Resync(id uuid.UUID, newSeq uint64) error {
	if newSeq == 0 {
		return fmt.Errorf("%w: NewSeqNo must be positive", ErrInvalidSequence)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != ResyncRequired {
		return &TransitionError{From: s.State, To: Active}
	}
	if err := s.Transition(Active); err != nil {
		return err
	}
	s.NextIncomingSeq = newSeq
	s.LastReceived = m.now()
	metrics.SessionEvents.WithLabelValues("resynced").Inc()
	return nil
}

// Send stamps the session header onto msg and hands the frame to the
// transport. Frames of one session reach the transport in MsgSeqNum order.
func (m *Manager) Send(ctx context.Context, id uuid.UUID, msg *fix.Message) error {
	m.mu.Lock()
	sendMu, ok := m.sendLocks[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sendMu.Lock()
	defer sendMu.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.State == Terminated {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotActive, s.State)
	}
	outbound := m.outbound
	if outbound == nil {
		m.mu.Unlock()
		return ErrNoOutbound
	}
	now := m.now()
	msg.SenderID = s.TargetID
	msg.TargetID = s.SenderID
	msg.SendingTime = now
	msg.SeqNum = s.MessageSent(now)
	m.mu.Unlock()

	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return outbound.Deliver(ctx, id, frame)
}

// Run sweeps sessions for heartbeat timeouts until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep terminates sessions whose peer went quiet and schedules heartbeats
// for sessions we have not written to recently.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()

	var expired, heartbeats []uuid.UUID
	active := 0
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.State != Active && s.State != ResyncRequired {
			continue
		}
		if s.State == Active {
			active++
		}
		switch {
		case s.IsHeartbeatOverdue(now):
			expired = append(expired, id)
		case s.State == Active && s.NeedsHeartbeat(now):
			heartbeats = append(heartbeats, id)
		}
	}
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(active))

	for _, id := range expired {
		logout := fix.NewMessage(model.MsgTypeLogout).Set(fix.TagText, "heartbeat timeout")
		if err := m.Send(ctx, id, logout); err != nil {
			log.Debug("timeout logout not delivered", zap.String("session", id.String()), zap.Error(err))
		}
		if err := m.TerminateSession(id); err != nil {
			log.Error("terminate expired session failed", zap.String("session", id.String()), zap.Error(err))
			continue
		}
		metrics.SessionEvents.WithLabelValues("timed_out").Inc()
		log.Info("session timed out", zap.String("session", id.String()))
	}

	for _, id := range heartbeats {
		go func(id uuid.UUID) {
			if err := m.Send(ctx, id, fix.NewMessage(model.MsgTypeHeartbeat)); err != nil {
				log.Debug("heartbeat not delivered", zap.String("session", id.String()), zap.Error(err))
			}
		}(id)
	}
}

// TerminateSession drives a session through Disconnecting to Terminated and
// forgets it. Sessions that never reached Active are simply discarded.
func (m *Manager) TerminateSession(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	switch s.State {
	case Connecting, Authenticating:
		metrics.SessionEvents.WithLabelValues("discarded").Inc()
	case ResyncRequired:
		if err := s.Transition(Active); err != nil {
			return err
		}
		fallthrough
	case Active:
		if err := s.Transition(Disconnecting); err != nil {
			return err
		}
		fallthrough
	case Disconnecting:
		if err := s.Transition(Terminated); err != nil {
			return err
		}
		metrics.SessionEvents.WithLabelValues("terminated").Inc()
	}

	delete(m.sessions, id)
	delete(m.sendLocks, id)
	if m.bySender[s.SenderID] == id {
		delete(m.bySender, s.SenderID)
	}
	return nil
}

// Session returns a copy of the session's current state.
func (m *Manager) Session(id uuid.UUID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.State == Active {
			n++
		}
	}
	return n
}

// Snapshots copies every live session, oldest first.
func (m *Manager) Snapshots() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
