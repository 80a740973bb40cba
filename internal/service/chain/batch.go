package chain

import (
	"context"
	"romer_sequencer/internal/metrics"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/utils/log"
	"sync"
	"time"

	"go.uber.org/zap"
)

const shutdownFlushTimeout = 5 * time.Second

type (
	BatchConfig struct {
		MaxSize      int
		MaxAge       time.Duration
		TickInterval time.Duration
	}

	// BatchManager groups validated messages into batches bounded by size and
	// age. Producers call AddMessage concurrently; Run drives the age bound.
	BatchManager struct {
		mu        sync.Mutex
		current   []*model.ValidatedMessage
		startedAt time.Time
		nextSeq   uint64

		// held across emission so batches leave in sequence order
		emitMu sync.Mutex

		out chan<- *model.MessageBatch
		cfg BatchConfig
		now func() time.Time
	}
)

func NewBatchManager(out chan<- *model.MessageBatch, cfg BatchConfig) *BatchManager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = cfg.MaxAge / 10
	}
	return &BatchManager{
		current: make([]*model.ValidatedMessage, 0, cfg.MaxSize),
		out:     out,
		cfg:     cfg,
		now:     time.Now,
	}
}

// AddMessage appends msg and flushes right away once the batch is full.
func (m *BatchManager) AddMessage(ctx context.Context, msg *model.ValidatedMessage) error {
	m.mu.Lock()
	if len(m.current) == 0 {
		m.startedAt = m.now()
	}
	m.current = append(m.current, msg)
	full := len(m.current) >= m.cfg.MaxSize
	m.mu.Unlock()

	if full {
		return m.flush(ctx, "size", true)
	}
	return nil
}

// Flush emits whatever is pending. An empty batch is never emitted.
func (m *BatchManager) Flush(ctx context.Context) error {
	return m.flush(ctx, "manual", false)
}

// Pending reports how many messages wait for the next flush.
func (m *BatchManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current)
}

func (m *BatchManager) flush(ctx context.Context, trigger string, onlyFull bool) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	for {
		m.mu.Lock()
		batch := m.takeLocked(onlyFull)
		more := len(m.current) >= m.cfg.MaxSize
		m.mu.Unlock()

		if batch == nil {
			return nil
		}
		if err := m.emit(ctx, batch, trigger); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// takeLocked cuts at most MaxSize messages off the front of the batch.
func (m *BatchManager) takeLocked(onlyFull bool) *model.MessageBatch {
	n := len(m.current)
	if n == 0 || (onlyFull && n < m.cfg.MaxSize) {
		return nil
	}
	if n > m.cfg.MaxSize {
		n = m.cfg.MaxSize
	}

	now := m.now()
	msgs := make([]*model.ValidatedMessage, n)
	copy(msgs, m.current[:n])

	batch := &model.MessageBatch{
		Sequence:  m.nextSeq,
		Messages:  msgs,
		StartedAt: m.startedAt,
		SealedAt:  now,
	}
	m.nextSeq++

	rest := make([]*model.ValidatedMessage, 0, m.cfg.MaxSize)
	m.current = append(rest, m.current[n:]...)
	if len(m.current) > 0 {
		m.startedAt = now
	} else {
		m.startedAt = time.Time{}
	}
	return batch
}

func (m *BatchManager) emit(ctx context.Context, batch *model.MessageBatch, trigger string) error {
	select {
	case m.out <- batch:
		metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
		metrics.BatchSize.Observe(float64(len(batch.Messages)))
		log.Debug("batch flushed",
			zap.Uint64("sequence", batch.Sequence),
			zap.Int("messages", len(batch.Messages)),
			zap.String("trigger", trigger))
		return nil
	case <-ctx.Done():
		log.Error("batch dropped, downstream not draining",
			zap.Uint64("sequence", batch.Sequence),
			zap.Int("messages", len(batch.Messages)),
			zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Run flushes batches that outlive MaxAge until ctx is done, then flushes
// the remainder.
func (m *BatchManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			defer cancel()
			return m.flush(fctx, "shutdown", false)
		case <-ticker.C:
			m.mu.Lock()
			due := len(m.current) > 0 && m.now().Sub(m.startedAt) >= m.cfg.MaxAge
			m.mu.Unlock()
			if due {
				if err := m.flush(ctx, "age", false); err != nil {
					log.Error("age flush failed", zap.Error(err))
				}
			}
		}
	}
}

// Consume feeds messages from in into the batch until in is closed or ctx
// is done. Messages still buffered in `in` at shutdown are taken too.
func (m *BatchManager) Consume(ctx context.Context, in <-chan *model.ValidatedMessage) error {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := m.AddMessage(ctx, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return m.drain(in)
		}
	}
}

func (m *BatchManager) drain(in <-chan *model.ValidatedMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := m.AddMessage(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
