package chain

import (
	"context"
	"fmt"
	"romer_sequencer/internal/model"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(sender string, seq uint64) *model.ValidatedMessage {
	return &model.ValidatedMessage{
		Type:     model.MsgTypeNewOrderSingle,
		TypeCode: "D",
		SenderID: sender,
		TargetID: "ROMER",
		SeqNum:   seq,
	}
}

func TestBatchFlushesWhenFull(t *testing.T) {
	out := make(chan *model.MessageBatch, 4)
	m := NewBatchManager(out, BatchConfig{MaxSize: 2, MaxAge: time.Second})
	ctx := context.Background()

	require.NoError(t, m.AddMessage(ctx, testMessage("ACME", 1)))
	assert.Empty(t, out)
	require.NoError(t, m.AddMessage(ctx, testMessage("ACME", 2)))

	// no Run loop: the size bound alone must have produced the batch
	select {
	case batch := <-out:
		assert.Equal(t, uint64(0), batch.Sequence)
		require.Len(t, batch.Messages, 2)
		assert.Equal(t, uint64(1), batch.Messages[0].SeqNum)
		assert.Equal(t, uint64(2), batch.Messages[1].SeqNum)
		assert.False(t, batch.StartedAt.IsZero())
		assert.False(t, batch.SealedAt.Before(batch.StartedAt))
	default:
		t.Fatal("expected a batch")
	}
	assert.Zero(t, m.Pending())
}

func TestBatchNeverEmitsEmpty(t *testing.T) {
	out := make(chan *model.MessageBatch, 4)
	m := NewBatchManager(out, BatchConfig{MaxSize: 2, MaxAge: time.Second})

	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Flush(context.Background()))
	assert.Empty(t, out)

	require.NoError(t, m.AddMessage(context.Background(), testMessage("ACME", 1)))
	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Flush(context.Background()))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0), (<-out).Sequence)
}

func TestBatchFlushesOnAge(t *testing.T) {
	out := make(chan *model.MessageBatch, 4)
	m := NewBatchManager(out, BatchConfig{MaxSize: 100, MaxAge: 20 * time.Millisecond, TickInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.AddMessage(ctx, testMessage("ACME", 1)))

	select {
	case batch := <-out:
		assert.Len(t, batch.Messages, 1)
		assert.Equal(t, uint64(0), batch.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("age bound never flushed")
	}
}

func TestBatchRunFlushesOnShutdown(t *testing.T) {
	out := make(chan *model.MessageBatch, 4)
	m := NewBatchManager(out, BatchConfig{MaxSize: 100, MaxAge: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.AddMessage(ctx, testMessage("ACME", 1)))
	cancel()
	require.NoError(t, <-done)

	require.Len(t, out, 1)
	assert.Len(t, (<-out).Messages, 1)
}

func TestBatchConcurrentProducersKeepOrder(t *testing.T) {
	const (
		producers = 8
		perSender = 50
		maxSize   = 7
	)
	out := make(chan *model.MessageBatch, producers*perSender)
	m := NewBatchManager(out, BatchConfig{MaxSize: maxSize, MaxAge: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for seq := uint64(1); seq <= perSender; seq++ {
				assert.NoError(t, m.AddMessage(ctx, testMessage(sender, seq)))
			}
		}(fmt.Sprintf("P%d", p))
	}
	wg.Wait()
	require.NoError(t, m.Flush(ctx))
	close(out)

	next := uint64(0)
	total := 0
	lastSeq := map[string]uint64{}
	for batch := range out {
		assert.Equal(t, next, batch.Sequence)
		assert.NotEmpty(t, batch.Messages)
		assert.LessOrEqual(t, len(batch.Messages), maxSize)
		for _, msg := range batch.Messages {
			assert.Greater(t, msg.SeqNum, lastSeq[msg.SenderID], "per-sender order must survive batching")
			lastSeq[msg.SenderID] = msg.SeqNum
		}
		total += len(batch.Messages)
		next++
	}
	assert.Equal(t, producers*perSender, total)
}

func TestBatchConsume(t *testing.T) {
	out := make(chan *model.MessageBatch, 4)
	in := make(chan *model.ValidatedMessage, 4)
	m := NewBatchManager(out, BatchConfig{MaxSize: 3, MaxAge: time.Hour})

	for seq := uint64(1); seq <= 4; seq++ {
		in <- testMessage("ACME", seq)
	}
	close(in)

	require.NoError(t, m.Consume(context.Background(), in))
	require.Len(t, out, 1)
	assert.Len(t, (<-out).Messages, 3)
	assert.Equal(t, 1, m.Pending())
}
