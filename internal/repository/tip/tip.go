package tip

import (
	"context"
	"encoding/json"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/service/redis"

	goredis "github.com/redis/go-redis/v9"
)

const (
	tipKey      = "romer:chain:tip"
	recentKey   = "romer:chain:recent"
	feedChannel = "romer:chain:blocks"

	recentLimit = 100
)

type (
	// TipRepo mirrors the chain head into redis: the latest summary, a short
	// list of recent ones, and a pub/sub notification per block.
	TipRepo struct {
		redis *redis.RedisService
	}
)

func NewTipRepo(redisSvc *redis.RedisService) *TipRepo {
	return &TipRepo{
		redis: redisSvc,
	}
}

// AppendBlock mirrors block in a single transaction.
func (r *TipRepo) AppendBlock(ctx context.Context, block *model.Block) error {
	data, err := json.Marshal(block.Summary())
	if err != nil {
		return err
	}
	return r.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		queueMirror(ctx, pipe, data)
		return nil
	})
}

func queueMirror(ctx context.Context, pipe goredis.Pipeliner, summary []byte) {
	pipe.Set(ctx, tipKey, summary, 0)
	pipe.RPush(ctx, recentKey, summary)
	pipe.LTrim(ctx, recentKey, -recentLimit, -1)
	pipe.Publish(ctx, feedChannel, summary)
}

// Recent returns the mirrored summaries, oldest first.
func (r *TipRepo) Recent(ctx context.Context) ([]*model.BlockSummary, error) {
	vals, err := r.redis.LRange(ctx, recentKey)
	if err != nil {
		return nil, err
	}

	res := make([]*model.BlockSummary, 0, len(vals))
	for _, v := range vals {
		var s model.BlockSummary
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			return nil, err
		}
		res = append(res, &s)
	}
	return res, nil
}
