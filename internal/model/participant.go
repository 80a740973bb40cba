package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// Participant is an onboarded market participant and its Ed25519 logon key.
	Participant struct {
		ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
		SenderID  string             `bson:"sender_id" json:"sender_id"`
		PublicKey []byte             `bson:"public_key" json:"public_key"`
		CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	}
)
