package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/push"
	"github.com/frknbasaran/pushd/push/pool"
)

// Terminal bucket names. They double as histogram keys on the message
// result, so they must stay stable.
const (
	bucketNoApp         = "NoApp"
	bucketNoMessage     = "NoMessage"
	bucketNoProxy       = "NoProxyConnection"
	bucketExpiredCreds  = "ExpiredCreds"
	bucketNoCredentials = "NoCredentials"
	bucketTooLate       = "TooLateToSend"
)

// maxStreamingAttempts bounds re-checks after lost optimistic updates. More
// than this many losses in a row means something external keeps rewriting
// the message and the worker must fail closed.
const maxStreamingAttempts = 3

// noMessageBucket accumulates pushes whose message no longer exists. They
// are reconciled with a direct counter update and record deletion, bypassing
// the resultor: there is no live message object to aggregate into.
type noMessageBucket struct {
	app bson.ObjectID
	ids []bson.ObjectID
}

// Connector is the ingress stage: it resolves each push record's app,
// credentials and message, buckets terminal failures, and forwards sendable
// pushes to a pooled connection.
type Connector struct {
	cfg   Config
	store Store
	state *State
	pool  *pool.Pool
	out   chan<- push.Frame
	log   *slog.Logger

	errors     map[push.ErrorKey]*push.SendError
	errorBytes int
	noMessage  map[bson.ObjectID]*noMessageBucket
	deletions  map[bson.ObjectID][]bson.ObjectID
}

// NewConnector wires the ingress stage.
func NewConnector(cfg Config, store Store, state *State, p *pool.Pool, out chan<- push.Frame, log *slog.Logger) *Connector {
	return &Connector{
		cfg:       cfg,
		store:     store,
		state:     state,
		pool:      p,
		out:       out,
		log:       log,
		errors:    make(map[push.ErrorKey]*push.SendError),
		noMessage: make(map[bson.ObjectID]*noMessageBucket),
		deletions: make(map[bson.ObjectID][]bson.ObjectID),
	}
}

// Process runs the decision chain for one push record until a terminal
// decision is reached. A returned error is fatal to the worker: the state
// can no longer be trusted and the unprocessed records stay claimable by a
// future run.
func (c *Connector) Process(ctx context.Context, pu *push.Push) error {
	c.state.BeginPush(pu)

	casAttempts := 0
	for {
		appEnt := c.state.App(pu.App)
		if appEnt.Unresolved() {
			if err := c.resolveApp(ctx, pu.App); err != nil {
				return err
			}
			continue
		}
		app, ok := appEnt.Value()
		if !ok {
			c.bucket(pu, bucketNoApp, push.CodeDataInternal)
			return c.maybeFlush(ctx)
		}

		msgEnt := c.state.Message(pu.Message)
		if msgEnt.Unresolved() {
			if err := c.resolveMessage(ctx, pu.Message); err != nil {
				return err
			}
			continue
		}
		m, ok := msgEnt.Value()
		if !ok {
			c.bucketNoMessage(pu)
			return c.maybeFlush(ctx)
		}

		// Virtual sub-platforms send through their parent's credentials.
		credPlatform := pu.Platform
		if parent := push.ParentOf(credPlatform); parent != "" {
			credPlatform = parent
		}
		creds, credState := app.Credential(credPlatform)
		switch credState {
		case push.CredInvalidated:
			name, code := bucketExpiredCreds, push.CodeInvalidCredentials
			if c.cfg.Proxy.Configured() {
				name, code = bucketNoProxy, push.CodeConnectionProxy
			}
			c.bucket(pu, name, code)
			return c.maybeFlush(ctx)
		case push.CredMissing:
			c.bucket(pu, bucketNoCredentials, push.CodeDataInternal)
			return c.maybeFlush(ctx)
		}

		if st, ok := c.state.MessageState(pu.Message); ok && st&push.StateStreaming == 0 {
			won, err := c.markStreaming(ctx, m, st)
			if err != nil {
				return err
			}
			if !won {
				casAttempts++
				if casAttempts >= maxStreamingAttempts {
					return fmt.Errorf("pipeline: message %s keeps changing under us, failing closed", m.ID.Hex())
				}
			}
			continue
		}

		if time.Since(pu.CreatedAt()) > c.cfg.MessageTimeout {
			c.bucket(pu, bucketTooLate, push.CodeDataInternal)
			return c.maybeFlush(ctx)
		}

		id := pool.ID(creds.Hash(), credPlatform, pu.Field)
		if c.pool.Has(id) {
			if err := c.pool.Enqueue(id, pu); err == nil {
				return nil
			}
			// The connection died between lookup and enqueue; fall through
			// and decide again with the pool's current shape.
		}

		if c.pool.IsFull() {
			// Backpressure valve: defer to a future run rather than buffer
			// unboundedly. Not an error, no accounting.
			c.state.RemovePush(pu.ID)
			c.log.Debug("pool full, deferring push",
				slog.String("push_id", pu.ID.Hex()),
				slog.String("message_id", pu.Message.Hex()))
			return nil
		}

		ok, err := c.pool.Connect(push.ConnectOptions{
			App:      app,
			Platform: credPlatform,
			Field:    pu.Field,
			Creds:    creds,
			Messages: c.state.ResolvedMessage,
			Proxy:    c.cfg.Proxy,
			Retries:  c.cfg.SendRetries,
			Log:      c.log,
		}).Await()
		if err != nil || !ok {
			if errors.Is(err, pool.ErrPoolFull) {
				c.state.RemovePush(pu.ID)
				return nil
			}
			c.log.Warn("connect failed, invalidating credentials",
				slog.String("platform", credPlatform),
				slog.String("app_id", pu.App.Hex()),
				slog.Any("error", err))
			app.Invalidate(credPlatform)
			continue
		}
	}
}

func (c *Connector) resolveApp(ctx context.Context, id bson.ObjectID) error {
	app, err := c.store.FindApp(ctx, id)
	if err != nil {
		return fmt.Errorf("pipeline: resolving app %s: %w", id.Hex(), err)
	}
	c.state.SetApp(id, app)
	return nil
}

func (c *Connector) resolveMessage(ctx context.Context, id bson.ObjectID) error {
	m, err := c.store.FindMessage(ctx, id)
	if err != nil {
		return fmt.Errorf("pipeline: resolving message %s: %w", id.Hex(), err)
	}
	c.state.SetMessage(id, m)
	return nil
}

// markStreaming claims the message for this run with an optimistic
// state-filtered update against the expected lifecycle bits. A false return
// without error means the claim was lost to a concurrent writer; the
// refreshed message is installed and the caller re-enters the decision
// chain.
func (c *Connector) markStreaming(ctx context.Context, m *push.Message, expect push.State) (bool, error) {
	now := time.Now()
	won, err := c.store.MarkStreaming(ctx, m.ID, expect, push.Run{Started: now})
	if err != nil {
		return false, fmt.Errorf("pipeline: claiming message %s: %w", m.ID.Hex(), err)
	}
	if won {
		c.state.ApplyClaim(m, now)
		return true, nil
	}

	fresh, err := c.store.FindMessage(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("pipeline: re-checking message %s: %w", m.ID.Hex(), err)
	}
	if fresh == nil || fresh.Is(push.StateDone) {
		// Finished or gone in the meantime; the chain re-enters and buckets
		// the push under NoMessage.
		c.state.DiscardMessage(m.ID)
		return false, nil
	}
	c.state.SetMessage(fresh.ID, fresh)
	return false, nil
}

// bucket records a terminal classification for a push: accounting
// accumulates in a deduplicated error, the record leaves in-flight tracking
// and its deletion is queued. Message counters are not touched; these
// records never made it into a run.
func (c *Connector) bucket(pu *push.Push, name string, code push.Code) {
	weight := len(pu.Token)
	key := push.ErrorKey{Code: code, Name: name}
	e, ok := c.errors[key]
	if !ok {
		e = push.NewSendError(name, code)
		c.errors[key] = e
	}
	e.AddAffected(pu.ID, weight)
	c.errorBytes += weight

	c.deletions[pu.App] = append(c.deletions[pu.App], pu.ID)
	c.state.RemovePush(pu.ID)
}

func (c *Connector) bucketNoMessage(pu *push.Push) {
	b, ok := c.noMessage[pu.Message]
	if !ok {
		b = &noMessageBucket{app: pu.App}
		c.noMessage[pu.Message] = b
	}
	b.ids = append(b.ids, pu.ID)
	c.state.RemovePush(pu.ID)
}

func (c *Connector) maybeFlush(ctx context.Context) error {
	if c.errorBytes < c.cfg.ErrorFlushBytes {
		return nil
	}
	return c.flushBuckets(ctx)
}

// flushBuckets emits accumulated terminal errors downstream as batched
// frames, deletes the bucketed records, and reconciles NoMessage buckets
// with a direct counter update.
func (c *Connector) flushBuckets(ctx context.Context) error {
	for key, e := range c.errors {
		delete(c.errors, key)
		c.emit(ctx, push.NewError(e))
	}
	c.errorBytes = 0

	for app, ids := range c.deletions {
		delete(c.deletions, app)
		if err := c.store.DeletePushes(ctx, app, ids); err != nil {
			return fmt.Errorf("pipeline: deleting bucketed pushes: %w", err)
		}
	}

	for msgID, b := range c.noMessage {
		delete(c.noMessage, msgID)
		if err := c.store.IncMessageError(ctx, msgID, bucketNoMessage, len(b.ids)); err != nil {
			return fmt.Errorf("pipeline: reconciling message %s: %w", msgID.Hex(), err)
		}
		if err := c.store.DeletePushes(ctx, b.app, b.ids); err != nil {
			return fmt.Errorf("pipeline: deleting orphaned pushes: %w", err)
		}
	}
	return nil
}

// Finish flushes remaining buckets and tears the pool down, awaiting
// in-flight connection attempts before releasing. Frames for everything the
// pool still buffered are emitted before Finish returns.
func (c *Connector) Finish(ctx context.Context) error {
	if err := c.flushBuckets(ctx); err != nil {
		return err
	}
	if err := c.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("pipeline: pool shutdown: %w", err)
	}
	return nil
}

func (c *Connector) emit(ctx context.Context, f push.Frame) {
	select {
	case c.out <- f:
	case <-ctx.Done():
	}
}
