package pipeline

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/push"
)

// TokenChange is one queued mutation of a user's device token: a rotation
// when Token is set, a removal when Remove is set. The two are mutually
// exclusive outcomes for a push within one run.
type TokenChange struct {
	User   string
	Field  string
	Token  string
	Remove bool
}

// Store is the persistence boundary of the pipeline. The backing documents
// are opaque to the stages; push/store implements this on MongoDB.
type Store interface {
	// FindApp loads an app with its platform credentials resolved through
	// the platform registry. A nil app without error means not found.
	FindApp(ctx context.Context, id bson.ObjectID) (*push.App, error)

	// FindMessage loads a message document. A nil message without error
	// means not found.
	FindMessage(ctx context.Context, id bson.ObjectID) (*push.Message, error)

	// MarkStreaming atomically sets the Streaming bit, Sending status and
	// appends the run record, filtered on the expected prior state. A false
	// return means another writer mutated the message first.
	MarkStreaming(ctx context.Context, id bson.ObjectID, expect push.State, run push.Run) (bool, error)

	// SaveMessage persists the message's result tree; with transition set it
	// also writes state, status and info.
	SaveMessage(ctx context.Context, m *push.Message, transition bool) error

	// IncMessageError bumps a message's error counters directly, for records
	// whose message could not be loaded into the run.
	IncMessageError(ctx context.Context, id bson.ObjectID, name string, count int) error

	// DeletePushes removes accounted push records of one app.
	DeletePushes(ctx context.Context, app bson.ObjectID, ids []bson.ObjectID) error

	// UpdateTokens applies queued token rotations and removals of one app as
	// one bulk write, covering both the token collection and the
	// denormalized user field.
	UpdateTokens(ctx context.Context, app bson.ObjectID, changes []TokenChange) error

	// AddSentUsers records users a message was delivered to.
	AddSentUsers(ctx context.Context, app, message bson.ObjectID, users []string) error

	// InsertStats persists per-delivery audit records.
	InsertStats(ctx context.Context, stats []push.Stat) error
}
