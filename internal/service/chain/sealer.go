package chain

import (
	"context"
	"fmt"
	"romer_sequencer/internal/metrics"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/utils/log"
	"time"

	"go.uber.org/zap"
)

const (
	storeAttempts = 3
	storeBackoff  = 200 * time.Millisecond
)

type (
	// Sink receives every sealed block.
	Sink interface {
		AppendBlock(ctx context.Context, block *model.Block) error
	}

	SinkFunc func(ctx context.Context, block *model.Block) error

	namedSink struct {
		name string
		sink Sink
	}

	// Sealer builds blocks from batches in order and hands them to the block
	// store, then to any number of best-effort feeds.
	Sealer struct {
		builder *Builder
		store   Sink
		feeds   []namedSink
	}
)

func (f SinkFunc) AppendBlock(ctx context.Context, block *model.Block) error {
	return f(ctx, block)
}

func NewSealer(builder *Builder, store Sink) *Sealer {
	return &Sealer{
		builder: builder,
		store:   store,
	}
}

// AddFeed registers a sink whose failures are logged but do not stop sealing.
func (s *Sealer) AddFeed(name string, sink Sink) {
	s.feeds = append(s.feeds, namedSink{name: name, sink: sink})
}

// Run seals batches until the channel is closed or ctx is done.
func (s *Sealer) Run(ctx context.Context, batches <-chan *model.MessageBatch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			if _, err := s.Seal(ctx, batch); err != nil {
				return err
			}
		}
	}
}

// Seal builds one block and distributes it.
func (s *Sealer) Seal(ctx context.Context, batch *model.MessageBatch) (*model.Block, error) {
	block := s.builder.BuildBlock(batch)

	if err := s.persist(ctx, block); err != nil {
		return nil, fmt.Errorf("persist block %d: %w", block.Header.ID, err)
	}
	metrics.BlocksSealed.Inc()
	metrics.BlockHeight.Set(float64(block.Header.ID))
	log.Info("block sealed",
		zap.Uint64("id", block.Header.ID),
		zap.Uint64("batch", block.Header.BatchSequence),
		zap.Int("messages", block.Header.MessageCount),
		zap.String("hash", block.Hash))

	for _, feed := range s.feeds {
		if err := feed.sink.AppendBlock(ctx, block); err != nil {
			metrics.SinkFailures.WithLabelValues(feed.name).Inc()
			log.Warn("block feed failed", zap.String("sink", feed.name), zap.Uint64("id", block.Header.ID), zap.Error(err))
		}
	}
	return block, nil
}

func (s *Sealer) persist(ctx context.Context, block *model.Block) error {
	if s.store == nil {
		return nil
	}

	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		if err = s.store.AppendBlock(ctx, block); err == nil {
			return nil
		}
		metrics.SinkFailures.WithLabelValues("store").Inc()
		log.Error("append block failed", zap.Uint64("id", block.Header.ID), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(storeBackoff * time.Duration(attempt)):
		}
	}
	return err
}
