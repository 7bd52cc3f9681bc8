package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/frknbasaran/pushd/push"
	"github.com/frknbasaran/pushd/push/pipeline"
)

const (
	collApps     = "apps"
	collMessages = "messages"
	collPushes   = "push"
	collStats    = "push_stats"
)

// statsTTL bounds how long per-delivery audit records are kept. Expiry is
// age-based only; there is no count cap.
const statsTTL = 30 * 24 * time.Hour

// Store implements the pipeline persistence boundary on MongoDB. Per-app
// data (device tokens, user documents) lives in per-app collections named
// after the owning app id, following the layout the rest of the platform
// reads.
type Store struct {
	db  *mongo.Database
	log *slog.Logger
}

// New wraps a database handle.
func New(db *mongo.Database, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

type appDoc struct {
	ID       bson.ObjectID                  `bson:"_id"`
	Timezone string                         `bson:"timezone,omitempty"`
	Creds    map[string]push.CredentialsDoc `bson:"creds,omitempty"`
}

// FindApp loads an app and resolves its per-platform credentials through
// the platform registry. Malformed credentials invalidate their slot
// instead of aborting the app: other platforms can still send.
func (s *Store) FindApp(ctx context.Context, id bson.ObjectID) (*push.App, error) {
	var doc appDoc
	err := s.db.Collection(collApps).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading app %s: %w", id.Hex(), err)
	}

	app := &push.App{ID: doc.ID, Timezone: doc.Timezone, Creds: make(map[string]push.Credentials, len(doc.Creds))}
	for key, cdoc := range doc.Creds {
		platform, ok := push.PlatformByKey(key)
		if !ok {
			s.log.Warn("credentials for unknown platform",
				slog.String("app_id", id.Hex()),
				slog.String("platform", key))
			continue
		}
		creds, err := platform.ParseCredentials(cdoc)
		if err != nil {
			s.log.Error("invalid credentials",
				slog.String("app_id", id.Hex()),
				slog.String("platform", key),
				slog.Any("error", err))
			app.Invalidate(key)
			continue
		}
		app.Creds[key] = creds
	}
	return app, nil
}

// FindMessage loads a message document; nil without error when absent.
func (s *Store) FindMessage(ctx context.Context, id bson.ObjectID) (*push.Message, error) {
	var m push.Message
	err := s.db.Collection(collMessages).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading message %s: %w", id.Hex(), err)
	}
	return &m, nil
}

// MarkStreaming claims a message for a run with a state-filtered update: the
// filter carries the expected prior state, so a concurrent claimer makes
// this a no-match instead of a double claim. The run record is appended to
// the bounded history in the same write.
func (s *Store) MarkStreaming(ctx context.Context, id bson.ObjectID, expect push.State, run push.Run) (bool, error) {
	res, err := s.db.Collection(collMessages).UpdateOne(ctx,
		bson.M{"_id": id, "state": expect},
		bson.M{
			"$set": bson.M{
				"state":            expect | push.StateStreaming,
				"status":           push.StatusSending,
				"info.startedLast": run.Started,
			},
			// $min writes info.started only on the first run ever.
			"$min": bson.M{"info.started": run.Started},
			"$push": bson.M{
				"result.lastRuns": bson.M{"$each": []push.Run{run}, "$slice": -push.MaxRuns},
			},
		},
	)
	if err != nil {
		return false, fmt.Errorf("store: claiming message %s: %w", id.Hex(), err)
	}
	return res.MatchedCount == 1, nil
}

// SaveMessage persists the result tree, and with transition set also the
// lifecycle fields.
func (s *Store) SaveMessage(ctx context.Context, m *push.Message, transition bool) error {
	set := bson.M{"result": m.Result}
	if transition {
		set["state"] = m.State
		set["status"] = m.Status
		set["info"] = m.Info
	}
	_, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": m.ID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("store: saving message %s: %w", m.ID.Hex(), err)
	}
	return nil
}

// IncMessageError reconciles outcomes for a message that could not be
// loaded, bumping its counters in place.
func (s *Store) IncMessageError(ctx context.Context, id bson.ObjectID, name string, count int) error {
	_, err := s.db.Collection(collMessages).UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$inc": bson.M{
			"result.processed":      count,
			"result.errored":        count,
			"result.errors." + name: count,
		},
	})
	if err != nil {
		return fmt.Errorf("store: reconciling message %s: %w", id.Hex(), err)
	}
	return nil
}

// DeletePushes removes accounted push records.
func (s *Store) DeletePushes(ctx context.Context, app bson.ObjectID, ids []bson.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Collection(collPushes).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("store: deleting pushes for app %s: %w", app.Hex(), err)
	}
	return nil
}

// UpdateTokens applies queued rotations and removals for one app as
// unordered bulk writes: rotations upsert the token value, removals unset it
// on both the token collection and the denormalized user field.
func (s *Store) UpdateTokens(ctx context.Context, app bson.ObjectID, changes []pipeline.TokenChange) error {
	if len(changes) == 0 {
		return nil
	}

	tokenModels, userModels := tokenWriteModels(changes)
	if len(tokenModels) > 0 {
		_, err := s.db.Collection(tokenColl(app)).BulkWrite(ctx, tokenModels, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return fmt.Errorf("store: writing tokens for app %s: %w", app.Hex(), err)
		}
	}
	if len(userModels) > 0 {
		_, err := s.db.Collection(userColl(app)).BulkWrite(ctx, userModels, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return fmt.Errorf("store: writing user tokens for app %s: %w", app.Hex(), err)
		}
	}
	return nil
}

// AddSentUsers records delivery timestamps per message on the token
// documents, used by audience building to avoid repeat sends.
func (s *Store) AddSentUsers(ctx context.Context, app, message bson.ObjectID, users []string) error {
	if len(users) == 0 {
		return nil
	}
	_, err := s.db.Collection(tokenColl(app)).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": users}},
		bson.M{"$addToSet": bson.M{"msgs." + message.Hex(): time.Now().UnixMilli()}},
	)
	if err != nil {
		return fmt.Errorf("store: recording sent users for app %s: %w", app.Hex(), err)
	}
	return nil
}

// InsertStats persists per-delivery audit records.
func (s *Store) InsertStats(ctx context.Context, stats []push.Stat) error {
	if len(stats) == 0 {
		return nil
	}
	docs := make([]any, len(stats))
	for i := range stats {
		docs[i] = stats[i]
	}
	_, err := s.db.Collection(collStats).InsertMany(ctx, docs)
	if err != nil {
		return fmt.Errorf("store: inserting stats: %w", err)
	}
	return nil
}

// ClearStats deletes audit records older than the retention window and
// returns how many were removed.
func (s *Store) ClearStats(ctx context.Context) (int64, error) {
	res, err := s.db.Collection(collStats).DeleteMany(ctx,
		bson.M{"d": bson.M{"$lt": time.Now().Add(-statsTTL)}},
	)
	if err != nil {
		return 0, fmt.Errorf("store: clearing stats: %w", err)
	}
	return res.DeletedCount, nil
}

// StreamPushes sends every queued push record into out in id order, which
// is creation order. The channel is not closed; the caller owns it.
func (s *Store) StreamPushes(ctx context.Context, out chan<- *push.Push) error {
	cur, err := s.db.Collection(collPushes).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return fmt.Errorf("store: streaming pushes: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var pu push.Push
		if err := cur.Decode(&pu); err != nil {
			return fmt.Errorf("store: decoding push: %w", err)
		}
		select {
		case out <- &pu:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("store: streaming pushes: %w", err)
	}
	return nil
}

func tokenColl(app bson.ObjectID) string {
	return "push_" + app.Hex()
}

func userColl(app bson.ObjectID) string {
	return "app_users" + app.Hex()
}

// tokenWriteModels translates queued token changes into bulk models for the
// token collection and the denormalized user collection. Rotations only
// touch the token collection; removals unset on both.
func tokenWriteModels(changes []pipeline.TokenChange) ([]mongo.WriteModel, []mongo.WriteModel) {
	var tokenModels, userModels []mongo.WriteModel
	for _, ch := range changes {
		if ch.Remove {
			tokenModels = append(tokenModels, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": ch.User}).
				SetUpdate(bson.M{"$unset": bson.M{"tk." + ch.Field: ""}}))
			// The user document keys by uid and flattens the token flag into
			// a single field, e.g. "tkip"; dashboards segment on that shape.
			userModels = append(userModels, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"uid": ch.User}).
				SetUpdate(bson.M{"$unset": bson.M{"tk" + ch.Field: ""}}))
			continue
		}
		tokenModels = append(tokenModels, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": ch.User}).
			SetUpdate(bson.M{"$set": bson.M{"tk." + ch.Field: ch.Token}}).
			SetUpsert(true))
	}
	return tokenModels, userModels
}
