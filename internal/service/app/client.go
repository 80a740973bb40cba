package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"romer_sequencer/internal/keystore"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/fix"
	"romer_sequencer/internal/protocol/session"
	"romer_sequencer/internal/utils/log"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrLogonRejected = errors.New("logon rejected")
	ErrClosed        = errors.New("client closed")
)

type (
	// Client is the participant side of a FIX session with the sequencer.
	Client struct {
		key       *keystore.Key
		target    string
		heartbeat time.Duration

		conn  net.Conn
		codec *fix.Codec

		mu       sync.Mutex
		seq      uint64
		lastSent time.Time

		incoming chan *model.ValidatedMessage
		done     chan struct{}
		once     sync.Once
	}
)

func Dial(ctx context.Context, addr string, key *keystore.Key, target string, heartbeat time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		key:       key,
		target:    target,
		heartbeat: heartbeat,
		conn:      conn,
		codec:     fix.NewCodec(0),
		incoming:  make(chan *model.ValidatedMessage, 64),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Logon signs in and waits for the sequencer's answer.
func (c *Client) Logon(ctx context.Context) (*model.ValidatedMessage, error) {
	m, err := session.NewLogon(c.key.SenderID, c.target, c.heartbeat, c.key.PrivateKey, 0, time.Now())
	if err != nil {
		return nil, err
	}
	if err := c.Send(m); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed", ErrLogonRejected)
		}
		if msg.Type != model.MsgTypeLogon {
			return nil, fmt.Errorf("%w: %s", ErrLogonRejected, Text(msg))
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send fills in whatever header fields m leaves empty and writes it.
func (c *Client) Send(m *fix.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if m.SenderID == "" {
		m.SenderID = c.key.SenderID
	}
	if m.TargetID == "" {
		m.TargetID = c.target
	}
	if m.SeqNum == 0 {
		c.seq++
		m.SeqNum = c.seq
	}
	if m.SendingTime.IsZero() {
		m.SendingTime = time.Now()
	}

	frame, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	c.lastSent = time.Now()
	return nil
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan *model.ValidatedMessage {
	return c.incoming
}

// NextSeq is the sequence number the next message will carry.
func (c *Client) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq + 1
}

// Resync tells the sequencer to expect seq next and renumbers from there.
func (c *Client) Resync(seq uint64) error {
	reset := fix.NewMessage(model.MsgTypeSequenceReset).SetInt(fix.TagNewSeqNo, int64(seq))
	if err := c.Send(reset); err != nil {
		return err
	}
	c.mu.Lock()
	c.seq = seq - 1
	c.mu.Unlock()
	return nil
}

// Run keeps the session alive with heartbeats until ctx is done or the
// connection ends.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return ErrClosed
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSent)
			c.mu.Unlock()
			if idle < c.heartbeat/2 {
				continue
			}
			if err := c.Send(fix.NewMessage(model.MsgTypeHeartbeat)); err != nil {
				return err
			}
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	defer c.Close()

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		buf.Write(chunk[:n])
		for {
			frame, perr := c.codec.TryParse(&buf)
			if perr != nil {
				log.Error("bad frame from sequencer", zap.Error(perr))
				return
			}
			if frame == nil {
				break
			}
			msg, derr := fix.Decode(frame, time.Now())
			if derr != nil {
				log.Error("bad message from sequencer", zap.Error(derr))
				return
			}
			c.answer(msg)

			select {
			case c.incoming <- msg:
			case <-c.done:
				return
			}
		}
		if err != nil {
			log.Debug("sequencer connection ended", zap.Error(err))
			return
		}
	}
}

// answer handles the session-level requests that need a reply.
func (c *Client) answer(msg *model.ValidatedMessage) {
	if msg.Type != model.MsgTypeTestRequest {
		return
	}
	hb := fix.NewMessage(model.MsgTypeHeartbeat)
	if fields, err := fix.ParseFields(msg.Raw); err == nil {
		if id, ok := fields.Get(fix.TagTestReqID); ok {
			hb.Set(fix.TagTestReqID, id)
		}
	}
	if err := c.Send(hb); err != nil {
		log.Debug("test request reply failed", zap.Error(err))
	}
}

// Text returns the message's free-text field, if any.
func Text(msg *model.ValidatedMessage) string {
	fields, err := fix.ParseFields(msg.Raw)
	if err != nil {
		return ""
	}
	v, _ := fields.Get(fix.TagText)
	return v
}
