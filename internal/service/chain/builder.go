package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"romer_sequencer/internal/model"
	"time"
)

type (
	// Builder turns batches into hash-linked blocks. It is single-writer:
	// the Sealer calls it from one goroutine.
	Builder struct {
		previousHash string
		nextID       uint64
		now          func() time.Time
	}
)

func NewBuilder() *Builder {
	return &Builder{
		previousHash: model.GenesisHash,
		now:          time.Now,
	}
}

// Resume continues the chain after tip, typically the last persisted block.
func (b *Builder) Resume(tip *model.Block) {
	if tip == nil {
		return
	}
	b.previousHash = tip.Hash
	b.nextID = tip.Header.ID + 1
}

// Tip returns the id the next block will get and the hash it will link to.
func (b *Builder) Tip() (uint64, string) {
	return b.nextID, b.previousHash
}

func (b *Builder) BuildBlock(batch *model.MessageBatch) *model.Block {
	msgs := make([]*model.ValidatedMessage, len(batch.Messages))
	copy(msgs, batch.Messages)

	header := model.BlockHeader{
		ID:           b.nextID,
		PreviousHash: b.previousHash,
		// stored blocks keep millisecond precision
		Timestamp:     b.now().UTC().Truncate(time.Millisecond),
		MessageCount:  len(msgs),
		MessagesRoot:  MessagesRoot(msgs),
		BatchSequence: batch.Sequence,
	}
	block := &model.Block{
		Header:   header,
		Messages: msgs,
		Hash:     HeaderHash(header),
	}

	b.previousHash = block.Hash
	b.nextID++
	return block
}

// MessagesRoot folds sender, target and sequence number of every message,
// in order, into one SHA-256 digest.
func MessagesRoot(msgs []*model.ValidatedMessage) string {
	acc := make([]byte, sha256.Size)
	for _, msg := range msgs {
		h := sha256.New()
		h.Write(acc)
		writeString(h, msg.SenderID)
		writeString(h, msg.TargetID)
		writeUint(h, msg.SeqNum)
		acc = h.Sum(acc[:0])
	}
	return hex.EncodeToString(acc)
}

// HeaderHash is the block content hash over the canonical header encoding.
func HeaderHash(header model.BlockHeader) string {
	h := sha256.New()
	writeUint(h, header.ID)
	writeString(h, header.PreviousHash)
	writeUint(h, uint64(header.Timestamp.UnixMilli()))
	writeUint(h, uint64(header.MessageCount))
	writeString(h, header.MessagesRoot)
	writeUint(h, header.BatchSequence)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyBlock recomputes count, messages root and hash.
func VerifyBlock(block *model.Block) bool {
	if block == nil {
		return false
	}
	if block.Header.MessageCount != len(block.Messages) {
		return false
	}
	if block.Header.MessagesRoot != MessagesRoot(block.Messages) {
		return false
	}
	return block.Hash == HeaderHash(block.Header)
}

// VerifyLink checks that next directly follows prev.
func VerifyLink(prev, next *model.Block) bool {
	return next.Header.ID == prev.Header.ID+1 && next.Header.PreviousHash == prev.Hash
}

func writeString(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeUint(h hash.Hash, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	h.Write(b[:])
}
