package block

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"romer_sequencer/internal/model"
	"sync"

	"github.com/cockroachdb/pebble"
)

var (
	blockPrefix = []byte("block:")
	// first key past every block key
	blockUpper = []byte("block;")
	tipKey     = []byte("meta:tip")
)

type (
	PebbleStore struct {
		db *pebble.DB
		// serializes the read-check-write in AppendBlock
		mu sync.Mutex
	}
)

func OpenPebble(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func blockKey(id uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], id)
	return key
}

func (s *PebbleStore) AppendBlock(_ context.Context, block *model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip, err := s.tip()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := checkExtends(tip, block); err != nil {
		return err
	}

	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], block.Header.ID)

	wb := s.db.NewBatch()
	defer wb.Close()
	if err := wb.Set(blockKey(block.Header.ID), data, nil); err != nil {
		return err
	}
	if err := wb.Set(tipKey, id[:], nil); err != nil {
		return err
	}
	return wb.Commit(pebble.Sync)
}

func (s *PebbleStore) Get(_ context.Context, id uint64) (*model.Block, error) {
	return s.get(id)
}

func (s *PebbleStore) get(id uint64) (*model.Block, error) {
	v, closer, err := s.db.Get(blockKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var block model.Block
	if err := json.Unmarshal(v, &block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", id, err)
	}
	return &block, nil
}

func (s *PebbleStore) Tip(_ context.Context) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip()
}

func (s *PebbleStore) tip() (*model.Block, error) {
	v, closer, err := s.db.Get(tipKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(v) != 8 {
		closer.Close()
		return nil, fmt.Errorf("corrupt tip record: %d bytes", len(v))
	}
	id := binary.BigEndian.Uint64(v)
	closer.Close()
	return s.get(id)
}

func (s *PebbleStore) Range(_ context.Context, from uint64, limit int) ([]*model.Block, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: blockKey(from),
		UpperBound: blockUpper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*model.Block
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var block model.Block
		if err := json.Unmarshal(iter.Value(), &block); err != nil {
			return nil, fmt.Errorf("decode block at %x: %w", iter.Key(), err)
		}
		out = append(out, &block)
	}
	return out, iter.Error()
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
