package block

import (
	"context"
	"errors"
	"fmt"
	"romer_sequencer/internal/model"
)

var (
	ErrNotFound   = errors.New("block not found")
	ErrOutOfOrder = errors.New("block does not extend the stored chain")
)

type (
	// Store is the durable, append-only home of the chain.
	Store interface {
		AppendBlock(ctx context.Context, block *model.Block) error
		Get(ctx context.Context, id uint64) (*model.Block, error)
		// Tip returns the latest block, or ErrNotFound for an empty chain.
		Tip(ctx context.Context) (*model.Block, error)
		// Range returns up to limit blocks starting at id from.
		Range(ctx context.Context, from uint64, limit int) ([]*model.Block, error)
		Close() error
	}
)

// checkExtends enforces that next is the block directly after tip.
func checkExtends(tip, next *model.Block) error {
	if tip == nil {
		if next.Header.ID != 0 || next.Header.PreviousHash != model.GenesisHash {
			return fmt.Errorf("%w: got id %d on an empty chain", ErrOutOfOrder, next.Header.ID)
		}
		return nil
	}
	if next.Header.ID != tip.Header.ID+1 || next.Header.PreviousHash != tip.Hash {
		return fmt.Errorf("%w: got id %d, want %d", ErrOutOfOrder, next.Header.ID, tip.Header.ID+1)
	}
	return nil
}
