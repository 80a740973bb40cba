package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"romer_sequencer/internal/metrics"
	"romer_sequencer/internal/protocol/fix"
	"romer_sequencer/internal/protocol/session"
	"romer_sequencer/internal/utils/log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	readChunkSize       = 4096
	acceptRetryDelay    = 50 * time.Millisecond
)

var (
	ErrNoConnection     = errors.New("no connection bound to session")
	ErrConnectionClosed = errors.New("connection closed")
)

type (
	Config struct {
		Addr           string
		MaxConnections int
		IdleTimeout    time.Duration
		WriteTimeout   time.Duration
		MaxMessageSize int
		ReadBufferSize int
		OutboxSize     int
		RateLimit      float64
		RateBurst      int

		CompID       string
		BeginString  string
		MinHeartbeat time.Duration
		MaxHeartbeat time.Duration
		MaxClockSkew time.Duration
	}

	// Server accepts participant connections and moves frames between the
	// sockets and the session manager. It is the manager's Outbound.
	Server struct {
		cfg     Config
		manager *session.Manager
		keys    session.KeyRegistry
		codec   *fix.Codec

		mu     sync.RWMutex
		conns  map[uuid.UUID]*Connection
		mapper map[uuid.UUID]*Connection

		sem chan struct{}
		wg  sync.WaitGroup
		now func() time.Time
	}
)

func NewServer(cfg Config, manager *session.Manager, keys session.KeyRegistry) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = fix.DefaultMaxMessageSize
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = readChunkSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if cfg.BeginString == "" {
		cfg.BeginString = fix.DefaultBeginString
	}

	s := &Server{
		cfg:     cfg,
		manager: manager,
		keys:    keys,
		codec:   fix.NewCodec(cfg.MaxMessageSize),
		conns:   make(map[uuid.UUID]*Connection),
		mapper:  make(map[uuid.UUID]*Connection),
		now:     time.Now,
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	manager.SetOutbound(s)
	return s
}

// ListenAndServe binds cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then waits for every connection to
// finish. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Info("fix listener started", zap.String("addr", ln.Addr().String()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	defer s.wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("fix listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn("accept failed, retrying", zap.Error(err))
				time.Sleep(acceptRetryDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.acquire() {
			metrics.ConnectionsRejected.Inc()
			log.Warn("connection limit reached, rejecting", zap.String("remote", nc.RemoteAddr().String()))
			nc.Close()
			continue
		}

		c := newConnection(s, nc)
		s.track(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer s.untrack(c)
			c.serve(ctx)
		}()
	}
}

func (s *Server) acquire() bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

func (s *Server) track(c *Connection) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	metrics.ConnectionsActive.Inc()
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
	metrics.ConnectionsActive.Dec()
}

func (s *Server) bind(sessionID uuid.UUID, c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapper[sessionID] = c
}

func (s *Server) unbind(sessionID uuid.UUID, c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapper[sessionID] == c {
		delete(s.mapper, sessionID)
	}
}

// Deliver queues frame on the connection bound to sessionID. It waits while
// the outbox is full, bounded by the write timeout.
func (s *Server) Deliver(ctx context.Context, sessionID uuid.UUID, frame []byte) error {
	s.mu.RLock()
	c, ok := s.mapper[sessionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConnection, sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return c.enqueue(ctx, frame)
}

// Connections reports the counters of every open connection, oldest first.
func (s *Server) Connections() []ConnectionStats {
	s.mu.RLock()
	out := make([]ConnectionStats, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Stats())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
}
