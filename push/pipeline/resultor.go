package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/push"
)

type appMessage struct {
	App     bson.ObjectID
	Message bson.ObjectID
}

// Resultor is the egress stage: it consumes result and error frames, folds
// them into each message's result tree, queues durable side effects (token
// rotation and removal, sent-user sets, stats, record deletion) and drives
// the message lifecycle transition on flush.
type Resultor struct {
	cfg   Config
	store Store
	state *State
	log   *slog.Logger

	pending   int
	touched   map[bson.ObjectID]struct{}
	deletions map[bson.ObjectID][]bson.ObjectID
	tokens    map[bson.ObjectID][]TokenChange
	sentUsers map[appMessage]map[string]struct{}
	stats     []push.Stat
}

// NewResultor wires the egress stage.
func NewResultor(cfg Config, store Store, state *State, log *slog.Logger) *Resultor {
	return &Resultor{
		cfg:       cfg,
		store:     store,
		state:     state,
		log:       log,
		touched:   make(map[bson.ObjectID]struct{}),
		deletions: make(map[bson.ObjectID][]bson.ObjectID),
		tokens:    make(map[bson.ObjectID][]TokenChange),
		sentUsers: make(map[appMessage]map[string]struct{}),
	}
}

// Pending returns the number of outcomes accumulated since the last flush.
func (r *Resultor) Pending() int {
	return r.pending
}

// Process folds one frame into the run state, flushing when the pending
// count crosses the configured threshold or a termination frame arrives.
func (r *Resultor) Process(ctx context.Context, f push.Frame) error {
	switch {
	case f.IsEnd():
		return r.Flush(ctx)
	case f.IsResults() && f.IsError():
		r.typedError(f.Err)
	case f.IsError():
		r.connectionError(f.Err)
	case f.IsResults():
		for i := range f.Results {
			r.success(f.Results[i])
		}
	}
	if r.pending >= r.cfg.FlushCount {
		return r.Flush(ctx)
	}
	return nil
}

// success accounts one delivered push. Ids not tracked by this run are
// ignored: they belong to another consumer of the same pool, and counting
// them here would double-deliver.
func (r *Resultor) success(d push.Delivered) {
	pu, ok := r.state.Push(d.ID)
	if !ok {
		return
	}
	var saveStats bool
	ok = r.state.UpdateMessage(pu.Message, func(m *push.Message) {
		res := ensureResult(m)
		for _, node := range resultNodes(res, pu) {
			node.Processed++
			node.Sent++
		}
		if lr := res.LastRun(); lr != nil {
			lr.Processed++
		}
		saveStats = m.SaveStats
	})
	if !ok {
		r.state.RemovePush(d.ID)
		return
	}

	if d.Token != "" {
		r.tokens[pu.App] = append(r.tokens[pu.App], TokenChange{User: pu.User, Field: pu.Field, Token: d.Token})
	}
	r.addSentUser(pu)
	if saveStats {
		r.stats = append(r.stats, r.stat(pu, d.ProviderID, ""))
	}
	r.finishPush(pu)
}

// typedError accounts a batched terminal error: processed and errored bump
// at message, platform and locale level, the error name lands in each
// level's histogram, and token-class codes queue the user's token for
// removal.
func (r *Resultor) typedError(e *push.SendError) {
	for _, id := range e.Affected {
		pu, ok := r.state.Push(id)
		if !ok {
			continue
		}
		var saveStats bool
		ok = r.state.UpdateMessage(pu.Message, func(m *push.Message) {
			res := ensureResult(m)
			for _, node := range resultNodes(res, pu) {
				node.Processed++
				node.Errored++
				node.RecordError(e.Name, 1)
			}
			if lr := res.LastRun(); lr != nil {
				lr.Processed++
				lr.Errored++
			}
			saveStats = m.SaveStats
		})
		if !ok {
			r.state.RemovePush(id)
			continue
		}

		if e.Code.IsToken() {
			r.tokens[pu.App] = append(r.tokens[pu.App], TokenChange{User: pu.User, Field: pu.Field, Remove: true})
		}
		if saveStats {
			r.stats = append(r.stats, r.stat(pu, "", e.Name))
		}
		r.finishPush(pu)
	}
}

// connectionError accounts a dead connection: attempted pushes error at
// message granularity with a single error record per message; pushes left
// queued behind the connection leave tracking untouched in storage, so a
// future run reclaims them.
func (r *Resultor) connectionError(e *push.SendError) {
	counts := make(map[bson.ObjectID]int)
	for _, id := range e.Affected {
		pu, ok := r.state.Push(id)
		if !ok {
			continue
		}
		counts[pu.Message]++
		r.finishPush(pu)
	}
	for msgID, n := range counts {
		ok := r.state.UpdateMessage(msgID, func(m *push.Message) {
			res := ensureResult(m)
			res.Processed += int64(n)
			res.Errored += int64(n)
			res.RecordError(e.Name, int64(n))
			res.Error = e.Name
			if lr := res.LastRun(); lr != nil {
				lr.Processed += int64(n)
				lr.Errored += int64(n)
			}
		})
		if ok {
			r.touched[msgID] = struct{}{}
		}
	}

	for _, id := range e.Left {
		r.state.RemovePush(id)
	}
}

// finishPush takes a push out of in-flight tracking (decrementing its
// message counter exactly once), queues the record's deletion and marks the
// message touched.
func (r *Resultor) finishPush(pu *push.Push) {
	r.state.RemovePush(pu.ID)
	r.deletions[pu.App] = append(r.deletions[pu.App], pu.ID)
	r.touched[pu.Message] = struct{}{}
	r.pending++
}

func (r *Resultor) addSentUser(pu *push.Push) {
	key := appMessage{App: pu.App, Message: pu.Message}
	set, ok := r.sentUsers[key]
	if !ok {
		set = make(map[string]struct{})
		r.sentUsers[key] = set
	}
	set[pu.User] = struct{}{}
}

func (r *Resultor) stat(pu *push.Push, providerID, errName string) push.Stat {
	return push.Stat{
		App:        pu.App,
		Message:    pu.Message,
		Platform:   pu.Platform,
		Field:      pu.Field,
		User:       pu.User,
		Token:      pu.Token,
		Date:       time.Now(),
		ProviderID: providerID,
		Error:      errName,
	}
}

// Flush persists everything accumulated since the last flush: message
// results (with a lifecycle transition when the message drained), then the
// grouped side-effect writes, with record deletions strictly last so a push
// is only ever deleted after its outcome is durably accounted. Flushing
// twice without new input writes nothing the second time.
func (r *Resultor) Flush(ctx context.Context) error {
	now := time.Now()
	for id := range r.touched {
		delete(r.touched, id)

		// The lock held by WithMessage pins the flight count: the connector
		// can neither register a push nor apply a claim for this message
		// while the transition is decided and persisted.
		var transitionedTo push.Status
		transitioned := false
		err := r.state.WithMessage(id, func(m *push.Message, sending bool) error {
			if sending {
				// Still in flight: persist run progress without a transition.
				return r.store.SaveMessage(ctx, m, false)
			}

			comp := push.ResolveCompletion(m, now)
			if comp.State == m.State && comp.Status == m.Status {
				return r.store.SaveMessage(ctx, m, false)
			}

			m.State = comp.State
			m.Status = comp.Status
			res := ensureResult(m)
			if comp.Error != "" {
				res.Error = comp.Error
			}
			if lr := res.LastRun(); lr != nil && lr.Ended.IsZero() {
				lr.Ended = now
			}
			if comp.Finished {
				t := now
				m.Info.Finished = &t
			}
			transitioned, transitionedTo = true, comp.Status
			return r.store.SaveMessage(ctx, m, true)
		})
		if err != nil {
			return fmt.Errorf("pipeline: saving message %s: %w", id.Hex(), err)
		}
		if transitioned {
			r.log.Info("message transitioned",
				slog.String("message_id", id.Hex()),
				slog.String("status", string(transitionedTo)))
		}
	}

	for app, changes := range r.tokens {
		delete(r.tokens, app)
		if err := r.store.UpdateTokens(ctx, app, changes); err != nil {
			return fmt.Errorf("pipeline: updating tokens: %w", err)
		}
	}
	for key, set := range r.sentUsers {
		delete(r.sentUsers, key)
		users := make([]string, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		if err := r.store.AddSentUsers(ctx, key.App, key.Message, users); err != nil {
			return fmt.Errorf("pipeline: recording sent users: %w", err)
		}
	}
	if len(r.stats) > 0 {
		if err := r.store.InsertStats(ctx, r.stats); err != nil {
			return fmt.Errorf("pipeline: inserting stats: %w", err)
		}
		r.stats = nil
	}
	for app, ids := range r.deletions {
		delete(r.deletions, app)
		if err := r.store.DeletePushes(ctx, app, ids); err != nil {
			return fmt.Errorf("pipeline: deleting pushes: %w", err)
		}
	}

	r.pending = 0
	return nil
}

func ensureResult(m *push.Message) *push.Result {
	if m.Result == nil {
		m.Result = &push.Result{}
	}
	return m.Result
}

// resultNodes returns the three aggregation levels an outcome lands on:
// message root, platform node and locale node. Virtual sub-platforms fold
// into their parent's node so a vendor channel never surfaces as a platform
// of its own.
func resultNodes(res *push.Result, pu *push.Push) [3]*push.Result {
	key := pu.Platform
	if parent := push.ParentOf(key); parent != "" {
		key = parent
	}
	sp := res.Sub(key, 0, "")
	sl := sp.Sub(pu.Locale(), 0, "")
	return [3]*push.Result{res, sp, sl}
}
