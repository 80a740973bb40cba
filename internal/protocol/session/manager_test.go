package session

import (
	"context"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionDuplicate(t *testing.T) {
	h := newHarness(t, 8, ManagerConfig{})

	id, err := h.m.CreateSession("ACME", "ROMER", 30*time.Second, nil)
	require.NoError(t, err)

	s, err := h.m.Session(id)
	require.NoError(t, err)
	assert.Equal(t, Connecting, s.State)
	assert.Equal(t, 30*time.Second, s.HeartbeatInterval)

	_, err = h.m.CreateSession("ACME", "ROMER", 30*time.Second, nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	require.NoError(t, h.m.TerminateSession(id))
	_, err = h.m.Session(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	again, err := h.m.CreateSession("ACME", "ROMER", 30*time.Second, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 8, ManagerConfig{})
	id := h.activate(t, "ACME")

	require.NoError(t, h.m.HandleMessage(ctx, id, msg("ACME", 1)))
	require.NoError(t, h.m.HandleMessage(ctx, id, msg("ACME", 2)))
	assert.Equal(t, uint64(1), (<-h.out).SeqNum)
	assert.Equal(t, uint64(2), (<-h.out).SeqNum)

	err := h.m.HandleMessage(ctx, id, msg("ACME", 4))
	var se *SequenceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint64(3), se.Expected)
	assert.Empty(t, h.out)

	s, err := h.m.Session(id)
	require.NoError(t, err)
	assert.Equal(t, ResyncRequired, s.State)
	assert.Equal(t, uint64(3), s.NextIncomingSeq)

	assert.ErrorIs(t, h.m.HandleMessage(ctx, id, msg("ACME", 3)), ErrSessionNotActive)

	require.NoError(t, h.m.Resync(id, 10))
	require.NoError(t, h.m.HandleMessage(ctx, id, msg("ACME", 10)))
	assert.Equal(t, uint64(10), (<-h.out).SeqNum)
}

func TestHandleMessagePreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 8, ManagerConfig{})

	assert.ErrorIs(t, h.m.HandleMessage(ctx, uuid.New(), msg("ACME", 1)), ErrSessionNotFound)

	id, err := h.m.CreateSession("ACME", "ROMER", 30*time.Second, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, h.m.HandleMessage(ctx, id, msg("ACME", 1)), ErrSessionNotActive)

	var te *TransitionError
	assert.ErrorAs(t, h.m.Resync(id, 1), &te)
}

func TestHandleMessageForwardFailure(t *testing.T) {
	h := newHarness(t, 0, ManagerConfig{ForwardTimeout: 10 * time.Millisecond})
	id := h.activate(t, "ACME")

	err := h.m.HandleMessage(context.Background(), id, msg("ACME", 1))
	assert.ErrorIs(t, err, ErrForwardFailed)

	s, err := h.m.Session(id)
	require.NoError(t, err)
	assert.Equal(t, ResyncRequired, s.State)
}

func TestRejectMessage(t *testing.T) {
	h := newHarness(t, 8, ManagerConfig{})
	id := h.activate(t, "ACME")

	require.NoError(t, h.m.RejectMessage(context.Background(), id, msg("ACME", 1), "Price(44) required"))
	assert.Empty(t, h.out)

	frames := h.outbound.Frames(id)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], "\x0135=3\x01")
	assert.Contains(t, frames[0], "\x0145=1\x01")
	assert.Contains(t, frames[0], "\x0158=Price(44) required\x01")

	s, _ := h.m.Session(id)
	assert.Equal(t, uint64(2), s.NextIncomingSeq)
}

func TestSendStampsHeader(t *testing.T) {
	h := newHarness(t, 8, ManagerConfig{})
	id := h.activate(t, "ACME")

	require.NoError(t, h.m.Send(context.Background(), id, fix.NewMessage(model.MsgTypeHeartbeat)))
	require.NoError(t, h.m.Send(context.Background(), id, fix.NewMessage(model.MsgTypeHeartbeat)))

	frames := h.outbound.Frames(id)
	require.Len(t, frames, 2)
	for i, f := range frames {
		decoded, err := fix.Decode([]byte(f), h.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, "ROMER", decoded.SenderID)
		assert.Equal(t, "ACME", decoded.TargetID)
		assert.Equal(t, uint64(i+1), decoded.SeqNum)
	}

	assert.ErrorIs(t, h.m.Send(context.Background(), uuid.New(), fix.NewMessage(model.MsgTypeHeartbeat)), ErrSessionNotFound)
}

func TestSendKeepsSequenceOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 8, ManagerConfig{})
	id := h.activate(t, "ACME")

	gate := newGatedOutbound()
	h.m.SetOutbound(gate)

	errs := make(chan error, 2)
	go func() { errs <- h.m.Send(ctx, id, fix.NewMessage(model.MsgTypeHeartbeat)) }()
	<-gate.entered

	go func() { errs <- h.m.Send(ctx, id, fix.NewMessage(model.MsgTypeHeartbeat)) }()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gate.Seqs())

	close(gate.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, []uint64{1, 2}, gate.Seqs())
}

func TestSweepHeartbeatThenTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 8, ManagerConfig{})
	id := h.activate(t, "ACME")

	h.m.Sweep(ctx)
	assert.Empty(t, h.outbound.Frames(id))

	h.clock.Advance(22 * time.Second)
	h.m.Sweep(ctx)
	assert.Eventually(t, func() bool {
		return h.outbound.countType(id, "0") == 1
	}, time.Second, 5*time.Millisecond)

	s, err := h.m.Session(id)
	require.NoError(t, err)
	assert.Equal(t, Active, s.State)

	h.clock.Advance(10 * time.Second)
	h.m.Sweep(ctx)

	assert.Equal(t, 1, h.outbound.countType(id, "5"))
	_, err = h.m.Session(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, h.m.ActiveCount())

	// late traffic hits the state machine, not a half-closed socket
	assert.ErrorIs(t, h.m.HandleMessage(ctx, id, msg("ACME", 1)), ErrSessionNotFound)
}

func TestTerminateSession(t *testing.T) {
	h := newHarness(t, 8, ManagerConfig{})

	t.Run("active", func(t *testing.T) {
		id := h.activate(t, "ACTIVE")
		require.NoError(t, h.m.TerminateSession(id))
		_, err := h.m.Session(id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("resync required", func(t *testing.T) {
		id := h.activate(t, "RESYNC")
		err := h.m.HandleMessage(context.Background(), id, msg("RESYNC", 7))
		require.ErrorIs(t, err, ErrInvalidSequence)
		require.NoError(t, h.m.TerminateSession(id))
		_, err = h.m.CreateSession("RESYNC", "ROMER", 30*time.Second, nil)
		assert.NoError(t, err)
	})

	t.Run("never authenticated", func(t *testing.T) {
		id, err := h.m.CreateSession("PENDING", "ROMER", 30*time.Second, nil)
		require.NoError(t, err)
		require.NoError(t, h.m.BeginAuthentication(id))
		require.NoError(t, h.m.TerminateSession(id))
		_, err = h.m.Session(id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("unknown", func(t *testing.T) {
		assert.ErrorIs(t, h.m.TerminateSession(uuid.New()), ErrSessionNotFound)
	})
}

func TestSnapshots(t *testing.T) {
	h := newHarness(t, 8, ManagerConfig{})
	first := h.activate(t, "FIRST")
	h.clock.Advance(time.Second)
	second := h.activate(t, "SECOND")

	snaps := h.m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, first, snaps[0].ID)
	assert.Equal(t, second, snaps[1].ID)
	assert.Equal(t, 2, h.m.ActiveCount())
	for _, s := range snaps {
		assert.Equal(t, Active, s.State)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 8, ManagerConfig{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
