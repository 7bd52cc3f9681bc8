package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/push"
	"github.com/frknbasaran/pushd/push/pipeline"
	"github.com/frknbasaran/pushd/push/pool"
)

type fakeCreds struct{ hash string }

func (c fakeCreds) Hash() string    { return c.hash }
func (c fakeCreds) Validate() error { return nil }

type fakeConn struct {
	send func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error
}

func (c *fakeConn) Send(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
	return c.send(ctx, batch, emit)
}

func (c *fakeConn) Close(ctx context.Context) error { return nil }

// registerPlatform installs a throwaway platform whose connections run the
// given send function. Keys are unique per test because the registry is
// process-global.
func registerPlatform(t *testing.T, key string, send func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error) {
	t.Helper()
	push.RegisterPlatform(push.Platform{
		Key:    key,
		Title:  key,
		Fields: []string{"p"},
		ParseCredentials: func(doc push.CredentialsDoc) (push.Credentials, error) {
			return fakeCreds{hash: doc.Hash}, nil
		},
		Connect: func(ctx context.Context, opts push.ConnectOptions) (push.Connection, error) {
			return &fakeConn{send: send}, nil
		},
	})
}

type fakeStore struct {
	mu   sync.Mutex
	apps map[bson.ObjectID]*push.App
	msgs map[bson.ObjectID]*push.Message

	loseMark   int
	onMarkLost func(m *push.Message)

	transitions int
	progresses  int
	incErrors   map[bson.ObjectID]int
	deleted     map[bson.ObjectID][]bson.ObjectID
	tokens      map[bson.ObjectID][]pipeline.TokenChange
	sentUsers   map[bson.ObjectID][]string
	stats       []push.Stat
	writes      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:      make(map[bson.ObjectID]*push.App),
		msgs:      make(map[bson.ObjectID]*push.Message),
		incErrors: make(map[bson.ObjectID]int),
		deleted:   make(map[bson.ObjectID][]bson.ObjectID),
		tokens:    make(map[bson.ObjectID][]pipeline.TokenChange),
		sentUsers: make(map[bson.ObjectID][]string),
	}
}

func (s *fakeStore) FindApp(ctx context.Context, id bson.ObjectID) (*push.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps[id], nil
}

func (s *fakeStore) FindMessage(ctx context.Context, id bson.ObjectID) (*push.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[id], nil
}

func (s *fakeStore) MarkStreaming(ctx context.Context, id bson.ObjectID, expect push.State, run push.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return false, nil
	}
	if s.loseMark > 0 {
		s.loseMark--
		if s.onMarkLost != nil {
			s.onMarkLost(m)
		}
		return false, nil
	}
	if m.State != expect {
		return false, nil
	}
	m.State |= push.StateStreaming
	m.Status = push.StatusSending
	s.writes++
	return true, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, m *push.Message, transition bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if transition {
		s.transitions++
		s.writes++
	} else {
		s.progresses++
	}
	return nil
}

func (s *fakeStore) IncMessageError(ctx context.Context, id bson.ObjectID, name string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incErrors[id] += count
	s.writes++
	return nil
}

func (s *fakeStore) DeletePushes(ctx context.Context, app bson.ObjectID, ids []bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[app] = append(s.deleted[app], ids...)
	s.writes++
	return nil
}

func (s *fakeStore) UpdateTokens(ctx context.Context, app bson.ObjectID, changes []pipeline.TokenChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[app] = append(s.tokens[app], changes...)
	s.writes++
	return nil
}

func (s *fakeStore) AddSentUsers(ctx context.Context, app, message bson.ObjectID, users []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentUsers[message] = append(s.sentUsers[message], users...)
	s.writes++
	return nil
}

func (s *fakeStore) InsertStats(ctx context.Context, stats []push.Stat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats...)
	s.writes++
	return nil
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStore) transitionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions
}

func (s *fakeStore) deletedIDs(app bson.ObjectID) []bson.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bson.ObjectID(nil), s.deleted[app]...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		PoolSize:        4,
		BatchSize:       10,
		MessageTimeout:  24 * time.Hour,
		SendRetries:     1,
		FlushCount:      1000,
		FlushInterval:   time.Minute,
		ErrorFlushBytes: 1 << 20,
	}
}

func seedMessage(s *fakeStore, platform string, total int64, trigger push.TriggerKind) *push.Message {
	m := &push.Message{
		ID:        bson.NewObjectID(),
		App:       bson.NewObjectID(),
		Platforms: []string{platform},
		State:     push.StateCreated,
		Status:    push.StatusScheduled,
		Triggers:  []push.Trigger{{Kind: trigger}},
		Result:    push.NewResult(total),
	}
	s.msgs[m.ID] = m
	return m
}

func seedApp(s *fakeStore, id bson.ObjectID, platform string) *push.App {
	app := &push.App{ID: id, Creds: map[string]push.Credentials{platform: fakeCreds{hash: "h-" + platform}}}
	s.apps[id] = app
	return app
}

func seedPush(m *push.Message, platform, token string) *push.Push {
	return &push.Push{
		ID:       bson.NewObjectID(),
		App:      m.App,
		Message:  m.ID,
		Platform: platform,
		Field:    "p",
		User:     "u-" + token,
		Token:    token,
	}
}

func runPipeline(t *testing.T, cfg pipeline.Config, store *fakeStore, pushes ...*push.Push) {
	t.Helper()
	in := make(chan *push.Push, len(pushes))
	for _, pu := range pushes {
		in <- pu
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pipeline.New(cfg, store, testLogger()).Run(ctx, in))
}

func TestPipelineSingleSuccess(t *testing.T) {
	const platform = "ppa"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		results := make([]push.Delivered, len(batch))
		for i, pu := range batch {
			results[i] = push.Delivered{ID: pu.ID, ProviderID: "prov-1"}
		}
		emit(push.NewResults(results))
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	seedApp(store, m.App, platform)
	pu := seedPush(m, platform, "tok-1")

	runPipeline(t, testConfig(), store, pu)

	assert.Equal(t, push.StateCreated|push.StateDone, m.State)
	assert.Equal(t, push.StatusSent, m.Status)
	assert.Equal(t, int64(1), m.Result.Sent)
	assert.Equal(t, int64(1), m.Result.Processed)
	assert.Zero(t, m.Result.Errored)
	assert.NotNil(t, m.Info.Finished)
	assert.Equal(t, []bson.ObjectID{pu.ID}, store.deletedIDs(m.App))
	assert.Empty(t, store.tokens[m.App])
	assert.Equal(t, []string{pu.User}, store.sentUsers[m.ID])
	assert.Equal(t, 1, store.transitions)
}

func TestPipelineTotalFailureRemovesTokens(t *testing.T) {
	const platform = "ppb"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		e := push.NewSendError("NotRegistered", push.CodeDataTokenExpired)
		for _, pu := range batch {
			e.AddAffected(pu.ID, len(pu.Token))
		}
		emit(push.NewError(e))
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 3, push.TriggerPlain)
	seedApp(store, m.App, platform)
	pushes := []*push.Push{seedPush(m, platform, "t1"), seedPush(m, platform, "t2"), seedPush(m, platform, "t3")}

	runPipeline(t, testConfig(), store, pushes...)

	assert.Equal(t, push.StateCreated|push.StateError|push.StateDone, m.State)
	// Manually triggered messages read total failure as stopped.
	assert.Equal(t, push.StatusStopped, m.Status)
	assert.Equal(t, int64(3), m.Result.Errored)
	assert.Equal(t, int64(3), m.Result.Processed)
	assert.Equal(t, int64(3), m.Result.Errors["NotRegistered"])

	removals := store.tokens[m.App]
	require.Len(t, removals, 3)
	for _, ch := range removals {
		assert.True(t, ch.Remove)
		assert.Empty(t, ch.Token)
	}
	assert.Len(t, store.deletedIDs(m.App), 3)
}

func TestPipelineAutoFailureIsFailed(t *testing.T) {
	const platform = "ppc"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		e := push.NewSendError("InvalidRegistration", push.CodeDataTokenInvalid)
		for _, pu := range batch {
			e.AddAffected(pu.ID, len(pu.Token))
		}
		emit(push.NewError(e))
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerAuto)
	seedApp(store, m.App, platform)

	runPipeline(t, testConfig(), store, seedPush(m, platform, "t1"))

	assert.Equal(t, push.StatusFailed, m.Status)
	assert.True(t, m.Is(push.StateError))
}

func TestPipelineTokenRotation(t *testing.T) {
	const platform = "ppd"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		emit(push.NewResults([]push.Delivered{{ID: batch[0].ID, ProviderID: "prov", Token: "rotated"}}))
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	seedApp(store, m.App, platform)
	pu := seedPush(m, platform, "old-token")

	runPipeline(t, testConfig(), store, pu)

	changes := store.tokens[m.App]
	require.Len(t, changes, 1)
	assert.Equal(t, "rotated", changes[0].Token)
	assert.False(t, changes[0].Remove, "rotation and removal are mutually exclusive")
	assert.Equal(t, push.StatusSent, m.Status)
}

func TestPipelineLostClaimRecovers(t *testing.T) {
	const platform = "ppe"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		emit(push.NewResults([]push.Delivered{{ID: batch[0].ID}}))
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	seedApp(store, m.App, platform)
	// Another worker wins the claim: the message comes back Streaming and
	// this worker forwards without claiming again.
	store.loseMark = 1
	store.onMarkLost = func(msg *push.Message) {
		msg.State |= push.StateStreaming
		msg.Status = push.StatusSending
		msg.Result.StartRun(time.Now())
	}

	runPipeline(t, testConfig(), store, seedPush(m, platform, "t1"))

	assert.Equal(t, push.StatusSent, m.Status)
	assert.Equal(t, int64(1), m.Result.Sent)
}

func TestPipelineVirtualPlatformFoldsIntoParent(t *testing.T) {
	const parent = "ppf"
	const virtual = "ppfv"
	registerPlatform(t, parent, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		results := make([]push.Delivered, len(batch))
		for i, pu := range batch {
			results[i] = push.Delivered{ID: pu.ID}
		}
		emit(push.NewResults(results))
		return nil
	})
	push.RegisterPlatform(push.Platform{Key: virtual, Title: virtual, Parent: parent, Fields: []string{"p"}})

	store := newFakeStore()
	m := seedMessage(store, parent, 1, push.TriggerPlain)
	seedApp(store, m.App, parent)
	pu := seedPush(m, virtual, "t1") // virtual platform, parent's credentials

	runPipeline(t, testConfig(), store, pu)

	assert.Equal(t, push.StatusSent, m.Status)
	require.Contains(t, m.Result.Subs, parent)
	assert.NotContains(t, m.Result.Subs, virtual, "virtual platform must not surface as its own node")
	assert.Equal(t, int64(1), m.Result.Subs[parent].Sent)
	assert.Equal(t, int64(1), m.Result.Subs[parent].Subs["default"].Sent)
}

// Cancelling a run mid-stream must unwind both stages and the pool without
// panicking; workers stop emitting once the frame channel's consumer is
// gone.
func TestPipelineCancelStopsCleanly(t *testing.T) {
	const platform = "ppn"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		for _, pu := range batch {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
			emit(push.NewResults([]push.Delivered{{ID: pu.ID}}))
		}
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 500, push.TriggerPlain)
	seedApp(store, m.App, platform)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan *push.Push)
	go func() {
		for i := 0; i < 500; i++ {
			select {
			case in <- seedPush(m, platform, fmt.Sprintf("t%d", i)):
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- pipeline.New(testConfig(), store, testLogger()).Run(ctx, in) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not unwind after cancellation")
	}
}

// A stalled upstream must not strand completed outcomes in memory: the
// resultor's timer persists them while the push channel stays open.
func TestPipelineIdleTimerFlushes(t *testing.T) {
	const platform = "pps"
	registerPlatform(t, platform, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		emit(push.NewResults([]push.Delivered{{ID: batch[0].ID}}))
		return nil
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	seedApp(store, m.App, platform)

	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond

	in := make(chan *push.Push, 1)
	in <- seedPush(m, platform, "t1")

	done := make(chan error, 1)
	go func() { done <- pipeline.New(cfg, store, testLogger()).Run(context.Background(), in) }()

	require.Eventually(t, func() bool { return store.transitionCount() > 0 },
		5*time.Second, 5*time.Millisecond, "timer flush must persist the outcome while upstream stalls")

	close(in)
	require.NoError(t, <-done)
	assert.Equal(t, push.StatusSent, m.Status)
}

func TestConnectorNoCredentials(t *testing.T) {
	const platform = "ppg"
	const otherPlatform = "ppgx"
	registerPlatform(t, platform, nil)

	store := newFakeStore()
	m := seedMessage(store, otherPlatform, 1, push.TriggerPlain)
	seedApp(store, m.App, platform) // creds for platform, push targets otherPlatform
	pu := seedPush(m, otherPlatform, "t1")

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 2, BatchSize: 10}, out, testLogger())
	c := pipeline.NewConnector(testConfig(), store, state, pl, out, testLogger())

	require.NoError(t, c.Process(ctx, pu))
	require.NoError(t, c.Finish(ctx))

	require.Len(t, out, 1)
	f := <-out
	require.NotNil(t, f.Err)
	assert.Equal(t, "NoCredentials", f.Err.Name)
	assert.True(t, f.Err.Is(push.CodeDataInternal))
	assert.Equal(t, []bson.ObjectID{pu.ID}, f.Err.Affected)

	assert.False(t, state.IsSending(m.ID))
	_, tracked := state.Push(pu.ID)
	assert.False(t, tracked)
	assert.Equal(t, []bson.ObjectID{pu.ID}, store.deletedIDs(m.App))
	// Message counters stay untouched; the push never entered a run.
	assert.Zero(t, m.Result.Processed)
	assert.Zero(t, m.Result.Errored)
}

func TestConnectorNoMessageBypassesResultor(t *testing.T) {
	const platform = "pph"
	registerPlatform(t, platform, nil)

	store := newFakeStore()
	appID := bson.NewObjectID()
	seedApp(store, appID, platform)
	msgID := bson.NewObjectID() // never seeded
	pu := &push.Push{ID: bson.NewObjectID(), App: appID, Message: msgID, Platform: platform, Field: "p", Token: "t"}

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 2, BatchSize: 10}, out, testLogger())
	c := pipeline.NewConnector(testConfig(), store, state, pl, out, testLogger())

	require.NoError(t, c.Process(ctx, pu))
	require.NoError(t, c.Finish(ctx))

	assert.Empty(t, out, "orphaned pushes reconcile directly, not through frames")
	assert.Equal(t, 1, store.incErrors[msgID])
	assert.Equal(t, []bson.ObjectID{pu.ID}, store.deletedIDs(appID))
	assert.False(t, state.IsSending(msgID))
}

func TestConnectorBackpressureDropsWithoutAccounting(t *testing.T) {
	const occupied = "ppi"
	const starved = "ppj"
	registerPlatform(t, occupied, func(ctx context.Context, batch []*push.Push, emit func(push.Frame)) error {
		return nil
	})
	registerPlatform(t, starved, nil)

	store := newFakeStore()
	m := seedMessage(store, starved, 1, push.TriggerPlain)
	m.State = push.StateCreated | push.StateStreaming
	m.Status = push.StatusSending
	seedApp(store, m.App, starved)
	pu := seedPush(m, starved, "t1")

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 1, BatchSize: 10}, out, testLogger())

	// Fill the single slot with an unrelated connection.
	_, err := pl.Connect(push.ConnectOptions{
		Platform: occupied,
		Field:    "p",
		Creds:    fakeCreds{hash: "other"},
		Messages: func(bson.ObjectID) *push.Message { return nil },
		Log:      testLogger(),
	}).Await()
	require.NoError(t, err)

	c := pipeline.NewConnector(testConfig(), store, state, pl, out, testLogger())
	require.NoError(t, c.Process(ctx, pu))
	require.NoError(t, c.Finish(ctx))

	assert.Empty(t, out, "deferred pushes carry no error accounting")
	assert.Empty(t, store.deletedIDs(m.App), "deferred pushes stay claimable by a future run")
	_, tracked := state.Push(pu.ID)
	assert.False(t, tracked)
	assert.False(t, state.IsSending(m.ID))
}

func TestConnectorTooLateToSend(t *testing.T) {
	const platform = "ppo"
	registerPlatform(t, platform, nil)

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	m.State = push.StateCreated | push.StateStreaming
	m.Status = push.StatusSending
	seedApp(store, m.App, platform)

	pu := seedPush(m, platform, "t1")
	pu.ID = bson.NewObjectIDFromTimestamp(time.Now().Add(-2 * time.Hour))

	cfg := testConfig()
	cfg.MessageTimeout = time.Hour

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 2, BatchSize: 10}, out, testLogger())
	c := pipeline.NewConnector(cfg, store, state, pl, out, testLogger())

	require.NoError(t, c.Process(ctx, pu))
	require.NoError(t, c.Finish(ctx))

	require.Len(t, out, 1)
	f := <-out
	require.NotNil(t, f.Err)
	assert.Equal(t, "TooLateToSend", f.Err.Name)
	assert.Equal(t, []bson.ObjectID{pu.ID}, f.Err.Affected)
	assert.Equal(t, []bson.ObjectID{pu.ID}, store.deletedIDs(m.App))
	assert.Zero(t, m.Result.Processed, "expired pushes never enter a run")
	assert.False(t, state.IsSending(m.ID))
}

func TestConnectorProxyDownBucketsSeparately(t *testing.T) {
	const platform = "ppq"
	registerPlatform(t, platform, nil)

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	app := seedApp(store, m.App, platform)
	app.Creds["ppqx"] = fakeCreds{hash: "other"} // keeps the app usable
	app.Invalidate(platform)
	pu := seedPush(m, platform, "t1")

	cfg := testConfig()
	cfg.Proxy = push.ProxyConfig{Host: "proxy.internal", Port: 3128}

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 2, BatchSize: 10}, out, testLogger())
	c := pipeline.NewConnector(cfg, store, state, pl, out, testLogger())

	require.NoError(t, c.Process(ctx, pu))
	require.NoError(t, c.Finish(ctx))

	require.Len(t, out, 1)
	f := <-out
	require.NotNil(t, f.Err)
	// With a proxy configured, dead credentials read as a proxy problem.
	assert.Equal(t, "NoProxyConnection", f.Err.Name)
	assert.True(t, f.Err.Is(push.CodeConnectionProxy))
	assert.Equal(t, []bson.ObjectID{pu.ID}, store.deletedIDs(m.App))
}

func TestConnectorFlushesErrorsAtByteThreshold(t *testing.T) {
	const platform = "ppr"
	const otherPlatform = "pprx"
	registerPlatform(t, platform, nil)

	store := newFakeStore()
	m := seedMessage(store, otherPlatform, 1, push.TriggerPlain)
	seedApp(store, m.App, platform) // creds for platform, push targets otherPlatform
	pu := seedPush(m, otherPlatform, "t1")

	cfg := testConfig()
	cfg.ErrorFlushBytes = 1 // any bucketed weight crosses the threshold

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 2, BatchSize: 10}, out, testLogger())
	c := pipeline.NewConnector(cfg, store, state, pl, out, testLogger())

	require.NoError(t, c.Process(ctx, pu))

	// Flushed by accumulated weight, before any finish signal.
	require.Len(t, out, 1)
	f := <-out
	require.NotNil(t, f.Err)
	assert.Equal(t, "NoCredentials", f.Err.Name)
	assert.Equal(t, []bson.ObjectID{pu.ID}, store.deletedIDs(m.App))

	require.NoError(t, c.Finish(ctx))
	assert.Empty(t, out, "threshold flush leaves nothing for finish")
}

func TestConnectorConnectFailureInvalidatesCreds(t *testing.T) {
	const platform = "ppk"
	push.RegisterPlatform(push.Platform{
		Key:    platform,
		Title:  platform,
		Fields: []string{"p"},
		Connect: func(ctx context.Context, opts push.ConnectOptions) (push.Connection, error) {
			return nil, fmt.Errorf("provider said no")
		},
	})

	store := newFakeStore()
	m := seedMessage(store, platform, 1, push.TriggerPlain)
	m.State = push.StateCreated | push.StateStreaming
	m.Status = push.StatusSending
	app := seedApp(store, m.App, platform)
	pu := seedPush(m, platform, "t1")

	ctx := context.Background()
	out := make(chan push.Frame, 16)
	state := pipeline.NewState()
	pl := pool.New(ctx, pool.Config{Capacity: 2, BatchSize: 10}, out, testLogger())
	c := pipeline.NewConnector(testConfig(), store, state, pl, out, testLogger())

	require.NoError(t, c.Process(ctx, pu))
	require.NoError(t, c.Finish(ctx))

	_, credState := app.Credential(platform)
	assert.Equal(t, push.CredInvalidated, credState)

	require.Len(t, out, 1)
	f := <-out
	require.NotNil(t, f.Err)
	assert.Equal(t, "ExpiredCreds", f.Err.Name)
}

func TestResultorIgnoresUntrackedIDs(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	state := pipeline.NewState()
	r := pipeline.NewResultor(testConfig(), store, state, testLogger())

	ctx := context.Background()
	require.NoError(t, r.Process(ctx, push.NewResults([]push.Delivered{{ID: bson.NewObjectID()}})))
	assert.Zero(t, r.Pending())
	require.NoError(t, r.Flush(ctx))
	assert.Zero(t, store.writeCount())
}

func TestResultorIdempotentFlush(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	state := pipeline.NewState()
	m := seedMessage(store, "ppl", 2, push.TriggerPlain)
	m.State = push.StateCreated | push.StateStreaming
	m.Result.StartRun(time.Now())
	state.SetMessage(m.ID, m)

	pu := seedPush(m, "ppl", "t1")
	state.TrackPush(pu)
	state.IncSending(m.ID)

	r := pipeline.NewResultor(testConfig(), store, state, testLogger())
	ctx := context.Background()
	require.NoError(t, r.Process(ctx, push.NewResults([]push.Delivered{{ID: pu.ID}})))

	require.NoError(t, r.Flush(ctx))
	writes := store.writeCount()
	progresses := store.progresses

	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, writes, store.writeCount(), "flush without new input must not write")
	assert.Equal(t, progresses, store.progresses)
}

func TestResultorConnectionError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	state := pipeline.NewState()
	m := seedMessage(store, "ppm", 3, push.TriggerPlain)
	m.State = push.StateCreated | push.StateStreaming
	run := m.Result.StartRun(time.Now())
	state.SetMessage(m.ID, m)

	attempted := seedPush(m, "ppm", "t1")
	left := seedPush(m, "ppm", "t2")
	for _, pu := range []*push.Push{attempted, left} {
		state.TrackPush(pu)
		state.IncSending(m.ID)
	}

	e := push.NewConnectionError("ProviderUnreachable", push.CodeConnectionProvider)
	e.AddAffected(attempted.ID, 10)
	e.AddLeft([]bson.ObjectID{left.ID}, 10)

	r := pipeline.NewResultor(testConfig(), store, state, testLogger())
	ctx := context.Background()
	require.NoError(t, r.Process(ctx, push.NewConnectionFrame(&e.SendError)))
	require.NoError(t, r.Flush(ctx))

	assert.Equal(t, int64(1), m.Result.Errored)
	assert.Equal(t, int64(1), m.Result.Processed)
	assert.Equal(t, "ProviderUnreachable", m.Result.Error)
	assert.Equal(t, int64(1), run.Errored)

	// The attempted push is accounted and deleted; the one left behind the
	// dead connection is only untracked, staying claimable.
	assert.Equal(t, []bson.ObjectID{attempted.ID}, store.deletedIDs(m.App))
	assert.False(t, state.IsSending(m.ID))
	_, tracked := state.Push(left.ID)
	assert.False(t, tracked)
}
