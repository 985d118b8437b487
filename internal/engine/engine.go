// Package engine holds the settlement logic that mutates user balances. Every
// mutation runs inside a storage transaction together with the record that
// makes it idempotent.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transactor runs fn inside a storage transaction. Repository calls made with
// the context passed to fn join the transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// FollowUp runs the derived aggregate refresh for a user after a committed
// mutation. Failures are logged, never returned.
type FollowUp func(ctx context.Context, userID primitive.ObjectID)

// AsyncFollowUp refreshes aggregates on a detached goroutine so the caller
// does not wait for it.
func AsyncFollowUp(updater AggregateUpdater, timeout time.Duration) FollowUp {
	return func(ctx context.Context, userID primitive.ObjectID) {
		detached := context.WithoutCancel(ctx)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"user_id": userID.Hex(),
						"panic":   fmt.Sprint(r),
						"stack":   string(debug.Stack()),
					}).Error("Aggregate refresh panicked")
				}
			}()

			ctx, cancel := context.WithTimeout(detached, timeout)
			defer cancel()
			refresh(ctx, updater, userID)
		}()
	}
}

// SyncFollowUp refreshes aggregates before returning.
func SyncFollowUp(updater AggregateUpdater) FollowUp {
	return func(ctx context.Context, userID primitive.ObjectID) {
		refresh(ctx, updater, userID)
	}
}

func refresh(ctx context.Context, updater AggregateUpdater, userID primitive.ObjectID) {
	if err := updater.Refresh(ctx, userID); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id": userID.Hex(),
			"error":   err.Error(),
		}).Warn("Aggregate refresh failed")
	}
}
