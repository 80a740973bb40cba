package block

import (
	"context"
	"errors"
	"fmt"
	"romer_sequencer/internal/model"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	MongoStore struct {
		collection *mongo.Collection
		mu         sync.Mutex
	}
)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("blocks"),
	}
}

// EnsureIndexes makes block ids unique so two writers cannot fork the chain.
func (r *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "header.id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *MongoStore) AppendBlock(ctx context.Context, block *model.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tip, err := r.Tip(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := checkExtends(tip, block); err != nil {
		return err
	}

	_, err = r.collection.InsertOne(ctx, block)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: id %d already stored", ErrOutOfOrder, block.Header.ID)
	}
	return err
}

func (r *MongoStore) Get(ctx context.Context, id uint64) (*model.Block, error) {
	filter := bson.M{
		"header.id": id,
	}

	var block model.Block
	err := r.collection.FindOne(ctx, filter).Decode(&block)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *MongoStore) Tip(ctx context.Context) (*model.Block, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "header.id", Value: -1}})

	var block model.Block
	err := r.collection.FindOne(ctx, bson.M{}, opts).Decode(&block)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *MongoStore) Range(ctx context.Context, from uint64, limit int) ([]*model.Block, error) {
	opts := options.Find().SetSort(bson.D{{Key: "header.id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.collection.Find(ctx, bson.M{"header.id": bson.M{"$gte": from}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.Block
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close is a no-op; the mongo client is owned by the caller.
func (r *MongoStore) Close() error {
	return nil
}
