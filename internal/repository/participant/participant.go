package participant

import (
	"context"
	"errors"
	"romer_sequencer/internal/model"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrAlreadyRegistered = errors.New("participant already registered")

type (
	ParticipantRepo struct {
		collection *mongo.Collection
	}
)

func NewParticipantRepo(db *mongo.Database) *ParticipantRepo {
	return &ParticipantRepo{
		collection: db.Collection("participants"),
	}
}

func (r *ParticipantRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sender_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *ParticipantRepo) GetBySender(ctx context.Context, senderID string) (*model.Participant, error) {
	filter := bson.M{
		"sender_id": senderID,
	}

	var p model.Participant
	err := r.collection.FindOne(ctx, filter).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *ParticipantRepo) Create(ctx context.Context, p *model.Participant) (primitive.ObjectID, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	res, err := r.collection.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return primitive.NilObjectID, ErrAlreadyRegistered
	}
	if err != nil {
		return primitive.NilObjectID, err
	}

	id := res.InsertedID.(primitive.ObjectID)
	p.ID = id
	return id, nil
}

func (r *ParticipantRepo) List(ctx context.Context) ([]*model.Participant, error) {
	cur, err := r.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*model.Participant
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
