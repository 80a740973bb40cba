package model

import (
	"strings"
	"time"
)

// GenesisHash is the previous-hash sentinel carried by block 0.
var GenesisHash = strings.Repeat("0", 64)

type (
	// MessageBatch is a sealed, ordered group of messages. Immutable once emitted.
	MessageBatch struct {
		Sequence  uint64              `json:"sequence"`
		Messages  []*ValidatedMessage `json:"messages"`
		StartedAt time.Time           `json:"started_at"`
		SealedAt  time.Time           `json:"sealed_at"`
	}

	BlockHeader struct {
		ID            uint64    `json:"id" bson:"id"`
		PreviousHash  string    `json:"previous_hash" bson:"previous_hash"`
		Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
		MessageCount  int       `json:"message_count" bson:"message_count"`
		MessagesRoot  string    `json:"messages_root" bson:"messages_root"`
		BatchSequence uint64    `json:"batch_sequence" bson:"batch_sequence"`
	}

	Block struct {
		Header   BlockHeader         `json:"header" bson:"header"`
		Messages []*ValidatedMessage `json:"messages" bson:"messages"`
		Hash     string              `json:"hash" bson:"hash"`
	}
)

type (
	// BlockSummary is the header-only view pushed to feeds.
	BlockSummary struct {
		ID            uint64    `json:"id"`
		Hash          string    `json:"hash"`
		PreviousHash  string    `json:"previous_hash"`
		Timestamp     time.Time `json:"timestamp"`
		MessageCount  int       `json:"message_count"`
		MessagesRoot  string    `json:"messages_root"`
		BatchSequence uint64    `json:"batch_sequence"`
	}
)

func (b *Block) Summary() BlockSummary {
	return BlockSummary{
		ID:            b.Header.ID,
		Hash:          b.Hash,
		PreviousHash:  b.Header.PreviousHash,
		Timestamp:     b.Header.Timestamp,
		MessageCount:  b.Header.MessageCount,
		MessagesRoot:  b.Header.MessagesRoot,
		BatchSequence: b.Header.BatchSequence,
	}
}
