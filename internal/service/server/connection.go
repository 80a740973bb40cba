package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"romer_sequencer/internal/metrics"
	"romer_sequencer/internal/protocol/fix"
	"romer_sequencer/internal/utils/log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	errPeerClosed = errors.New("peer closed connection")
	errIdle       = errors.New("idle timeout")
)

type (
	// Connection owns one participant socket. The read loop parses and
	// dispatches frames; the write loop drains the outbox.
	Connection struct {
		ID          uuid.UUID
		conn        net.Conn
		srv         *Server
		router      *router
		limiter     *rate.Limiter
		outbox      chan []byte
		done        chan struct{}
		connectedAt time.Time

		mu        sync.Mutex
		sessionID uuid.UUID
		senderID  string
		heartbeat time.Duration

		bytesIn, bytesOut       atomic.Uint64
		messagesIn, messagesOut atomic.Uint64
		framingErrors           atomic.Uint64
		parseErrors             atomic.Uint64
	}

	ConnectionStats struct {
		ID               uuid.UUID `json:"id"`
		Remote           string    `json:"remote"`
		SessionID        string    `json:"session_id,omitempty"`
		SenderID         string    `json:"sender_id,omitempty"`
		ConnectedAt      time.Time `json:"connected_at"`
		BytesReceived    uint64    `json:"bytes_received"`
		BytesSent        uint64    `json:"bytes_sent"`
		MessagesReceived uint64    `json:"messages_received"`
		MessagesSent     uint64    `json:"messages_sent"`
		FramingErrors    uint64    `json:"framing_errors"`
		ParseErrors      uint64    `json:"parse_errors"`
	}
)

func newConnection(srv *Server, nc net.Conn) *Connection {
	c := &Connection{
		ID:          uuid.New(),
		conn:        nc,
		srv:         srv,
		limiter:     srv.newLimiter(),
		outbox:      make(chan []byte, srv.cfg.OutboxSize),
		done:        make(chan struct{}),
		connectedAt: srv.now(),
	}
	c.router = newRouter(srv, c)
	return c
}

func (c *Connection) serve(ctx context.Context) {
	remote := c.conn.RemoteAddr().String()
	log.Debug("connection accepted", zap.String("conn", c.ID.String()), zap.String("remote", remote))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		defer close(c.done)
		return c.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// let the writer flush a final Logout before the socket goes away
		select {
		case <-c.done:
		case <-time.After(c.srv.cfg.WriteTimeout):
		}
		c.conn.Close()
		return nil
	})

	err := g.Wait()
	c.router.close()

	stats := c.Stats()
	fields := []zap.Field{
		zap.String("conn", c.ID.String()),
		zap.String("remote", remote),
		zap.String("sender", stats.SenderID),
		zap.String("in", humanize.Bytes(stats.BytesReceived)),
		zap.String("out", humanize.Bytes(stats.BytesSent)),
		zap.String("messages", humanize.Comma(int64(stats.MessagesReceived))),
		zap.Duration("duration", c.srv.now().Sub(c.connectedAt)),
	}
	switch {
	case ctx.Err() != nil, errors.Is(err, errPeerClosed), errors.Is(err, errLogout):
		log.Info("connection closed", fields...)
	default:
		log.Warn("connection closed", append(fields, zap.Error(err))...)
	}
}

func (c *Connection) readLoop(ctx context.Context) error {
	var buf bytes.Buffer
	chunk := make([]byte, c.srv.cfg.ReadBufferSize)

	for {
		if idle := c.readTimeout(); idle > 0 {
			c.conn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			metrics.BytesTotal.WithLabelValues("in").Add(float64(n))
			buf.Write(chunk[:n])
			if err := c.drain(ctx, &buf); err != nil {
				return err
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
				return errPeerClosed
			case errors.As(err, &ne) && ne.Timeout():
				return errIdle
			}
			return err
		}
	}
}

// drain dispatches every complete frame in buf.
func (c *Connection) drain(ctx context.Context, buf *bytes.Buffer) error {
	for {
		frame, err := c.srv.codec.TryParse(buf)
		if err != nil {
			c.framingErrors.Add(1)
			metrics.DecodeErrors.WithLabelValues("framing").Inc()
			c.router.abort(ctx, "framing error")
			return err
		}
		if frame == nil {
			return nil
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		msg, err := fix.Decode(frame, c.srv.now())
		if err != nil {
			c.parseErrors.Add(1)
			metrics.DecodeErrors.WithLabelValues("parse").Inc()
			c.router.abort(ctx, "malformed message")
			return err
		}
		c.messagesIn.Add(1)
		metrics.MessagesTotal.WithLabelValues("in").Inc()

		if err := c.router.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.outbox:
			if err := c.write(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			for {
				select {
				case frame := <-c.outbox:
					if err := c.write(frame); err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		}
	}
}

func (c *Connection) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	n, err := c.conn.Write(frame)
	c.bytesOut.Add(uint64(n))
	metrics.BytesTotal.WithLabelValues("out").Add(float64(n))
	if err != nil {
		return err
	}
	c.messagesOut.Add(1)
	metrics.MessagesTotal.WithLabelValues("out").Inc()
	return nil
}

func (c *Connection) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbox <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) setSession(id uuid.UUID, senderID string, heartbeat time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
	c.senderID = senderID
	c.heartbeat = heartbeat
}

// readTimeout is IdleTimeout until logon. A bound session may stay quiet for
// two of its heartbeat intervals; the session sweeper enforces the tighter
// limit.
func (c *Connection) readTimeout() time.Duration {
	c.mu.Lock()
	heartbeat := c.heartbeat
	c.mu.Unlock()

	idle := c.srv.cfg.IdleTimeout
	if bound := 2 * heartbeat; bound > idle {
		return bound
	}
	return idle
}

func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	sessionID, senderID := c.sessionID, c.senderID
	c.mu.Unlock()

	st := ConnectionStats{
		ID:               c.ID,
		Remote:           c.conn.RemoteAddr().String(),
		SenderID:         senderID,
		ConnectedAt:      c.connectedAt,
		BytesReceived:    c.bytesIn.Load(),
		BytesSent:        c.bytesOut.Load(),
		MessagesReceived: c.messagesIn.Load(),
		MessagesSent:     c.messagesOut.Load(),
		FramingErrors:    c.framingErrors.Load(),
		ParseErrors:      c.parseErrors.Load(),
	}
	if sessionID != uuid.Nil {
		st.SessionID = sessionID.String()
	}
	return st
}
