package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	ReferralStatusPending   = "pending"
	ReferralStatusQualified = "qualified"
)

// Referral links a referred user to the user who invited them.
type Referral struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	ReferrerID  primitive.ObjectID `bson:"referrer_id" json:"referrer_id"`
	ReferredID  primitive.ObjectID `bson:"referred_id" json:"referred_id"`
	Status      string             `bson:"status" json:"status"`
	QualifiedAt *time.Time         `bson:"qualified_at,omitempty" json:"qualified_at,omitempty"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

func (r *Referral) IsQualified() bool {
	return r.Status == ReferralStatusQualified
}
