package session

import (
	"context"
	"crypto/ed25519"
	"romer_sequencer/internal/cryptographic/signature"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingOutbound struct {
	mu     sync.Mutex
	frames map[uuid.UUID][]string
}

func newRecordingOutbound() *recordingOutbound {
	return &recordingOutbound{frames: make(map[uuid.UUID][]string)}
}

func (o *recordingOutbound) Deliver(_ context.Context, id uuid.UUID, frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames[id] = append(o.frames[id], string(frame))
	return nil
}

func (o *recordingOutbound) Frames(id uuid.UUID) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.frames[id]...)
}

// countType counts frames carrying 35=<code>.
func (o *recordingOutbound) countType(id uuid.UUID, code string) int {
	n := 0
	for _, f := range o.Frames(id) {
		if strings.Contains(f, "\x0135="+code+"\x01") {
			n++
		}
	}
	return n
}

// gatedOutbound holds the first delivery until release is closed and records
// the MsgSeqNum of every frame in the order deliveries complete.
type gatedOutbound struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu   sync.Mutex
	seqs []uint64
}

func newGatedOutbound() *gatedOutbound {
	return &gatedOutbound{entered: make(chan struct{}), release: make(chan struct{})}
}

func (o *gatedOutbound) Deliver(_ context.Context, _ uuid.UUID, frame []byte) error {
	first := false
	o.once.Do(func() { first = true })
	if first {
		close(o.entered)
		<-o.release
	}

	fields, err := fix.ParseFields(frame)
	if err != nil {
		return err
	}
	seq, err := fields.Int(fix.TagMsgSeqNum)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.seqs = append(o.seqs, seq)
	o.mu.Unlock()
	return nil
}

func (o *gatedOutbound) Seqs() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint64(nil), o.seqs...)
}

type participant struct {
	sender string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

func newParticipant(t *testing.T, sender string) participant {
	t.Helper()
	pub, priv, err := signature.NewEd25519Keypair()
	require.NoError(t, err)
	return participant{sender: sender, pub: pub, priv: priv}
}

func (p participant) logonFields(t *testing.T, heartbeat string) fix.Fields {
	t.Helper()
	fields := fix.Fields{
		{Tag: fix.TagBeginString, Value: "FIX.4.4"},
		{Tag: fix.TagMsgType, Value: "A"},
		{Tag: fix.TagSenderCompID, Value: p.sender},
		{Tag: fix.TagTargetCompID, Value: "ROMER"},
		{Tag: fix.TagMsgSeqNum, Value: "1"},
		{Tag: fix.TagSendingTime, Value: "20240101-00:00:00"},
		{Tag: fix.TagEncryptMethod, Value: "0"},
		{Tag: fix.TagHeartBtInt, Value: heartbeat},
	}
	sig, err := SignLogon(p.priv, fields)
	require.NoError(t, err)
	return append(fields, fix.Field{Tag: fix.TagPassword, Value: sig})
}

func msg(sender string, seq uint64) *model.ValidatedMessage {
	return &model.ValidatedMessage{
		Type:     model.MsgTypeNewOrderSingle,
		TypeCode: "D",
		SenderID: sender,
		TargetID: "ROMER",
		SeqNum:   seq,
	}
}

type harness struct {
	m        *Manager
	auth     *Authenticator
	clock    *fakeClock
	outbound *recordingOutbound
	out      chan *model.ValidatedMessage
}

func newHarness(t *testing.T, buffer int, cfg ManagerConfig) *harness {
	t.Helper()
	h := &harness{
		auth:     NewAuthenticator(),
		clock:    newFakeClock(),
		outbound: newRecordingOutbound(),
		out:      make(chan *model.ValidatedMessage, buffer),
	}
	h.m = NewManager(h.auth, h.out, cfg, WithClock(h.clock.Now), WithOutbound(h.outbound))
	return h
}

// activate runs the logon handshake for a freshly registered participant.
func (h *harness) activate(t *testing.T, sender string) uuid.UUID {
	t.Helper()
	p := newParticipant(t, sender)
	require.NoError(t, h.auth.RegisterKey(sender, p.pub))

	id, err := h.m.CreateSession(sender, "ROMER", 30*time.Second, p.pub)
	require.NoError(t, err)
	require.NoError(t, h.m.BeginAuthentication(id))
	require.NoError(t, h.m.Authenticate(id, p.logonFields(t, "30")))
	return id
}
