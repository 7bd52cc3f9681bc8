package pool

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/pkg/async"
	"github.com/frknbasaran/pushd/push"
)

// Config bounds the pool.
type Config struct {
	// Capacity is the maximum number of live provider connections. When the
	// pool is full, sends for uncached keys are deferred to a later run
	// instead of forcing a new connection.
	Capacity int
	// BatchSize is the maximum number of pushes per provider request.
	BatchSize int
}

// ID derives the pool key for a connection. The derivation is pure: the same
// credentials hash, platform and token field always produce the same key, so
// lookups stay stable across worker restarts within a run.
func ID(credHash, platform, field string) string {
	return credHash + "::" + platform + "::" + field
}

type entry struct {
	id   string
	conn push.Connection
	in   chan *push.Push
	gone chan struct{} // closed when the connection dies

	mu   sync.Mutex
	dead bool
}

// Pool is a bounded registry of live provider connections, keyed by
// credentials hash + platform + token field, at most one connection per key.
// Each connection runs its own worker goroutine that batches incoming pushes
// and emits result frames. The pool is exclusively owned by one pipeline
// worker; it is never shared across workers.
type Pool struct {
	cfg Config
	out chan<- push.Frame
	log *slog.Logger
	ctx context.Context

	mu      sync.Mutex
	entries map[string]*entry
	pending map[string]*async.Future[bool]
	wg      sync.WaitGroup
}

// New creates a pool emitting frames into out. The context bounds the
// lifetime of every connection worker.
func New(ctx context.Context, cfg Config, out chan<- push.Frame, log *slog.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Pool{
		cfg:     cfg,
		out:     out,
		log:     log,
		ctx:     ctx,
		entries: make(map[string]*entry),
		pending: make(map[string]*async.Future[bool]),
	}
}

// Has reports whether a live connection exists for the key.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// IsFull reports whether the pool reached capacity, counting connections
// still being established.
func (p *Pool) IsFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)+len(p.pending) >= p.cfg.Capacity
}

// Connect asynchronously establishes a connection for the options' key. The
// future resolves true on a usable connection and false (or an error) when
// the credentials are unusable; in that case the caller must invalidate the
// cached credentials slot so subsequent sends do not retry immediately.
// Concurrent connects for the same key share one future.
func (p *Pool) Connect(opts push.ConnectOptions) *async.Future[bool] {
	id := ID(opts.Creds.Hash(), opts.Platform, opts.Field)

	p.mu.Lock()
	if _, ok := p.entries[id]; ok {
		p.mu.Unlock()
		return async.Resolved(true, nil)
	}
	if f, ok := p.pending[id]; ok {
		p.mu.Unlock()
		return f
	}
	if len(p.entries)+len(p.pending) >= p.cfg.Capacity {
		p.mu.Unlock()
		return async.Resolved(false, ErrPoolFull)
	}

	platform, ok := push.PlatformByKey(opts.Platform)
	if !ok {
		p.mu.Unlock()
		return async.Resolved(false, ErrUnknownPlatform)
	}

	f := async.Async(p.ctx, opts, func(ctx context.Context, opts push.ConnectOptions) (bool, error) {
		conn, err := platform.Connect(ctx, opts)

		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.pending, id)

		if err != nil {
			return false, err
		}

		e := &entry{
			id:   id,
			conn: conn,
			in:   make(chan *push.Push, p.cfg.BatchSize),
			gone: make(chan struct{}),
		}
		p.entries[id] = e
		p.wg.Add(1)
		go p.runWorker(e)
		return true, nil
	})
	p.pending[id] = f
	p.mu.Unlock()
	return f
}

// Enqueue hands a push to the connection owning the key. ErrNoConnection is
// returned when the connection died or was never established; the caller
// re-runs its decision chain for the push.
func (p *Pool) Enqueue(id string, pu *push.Push) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	p.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}

	select {
	case e.in <- pu:
		return nil
	case <-e.gone:
		return ErrNoConnection
	}
}

// Shutdown finishes the pool: it awaits in-flight connection attempts,
// closes every connection's intake so workers flush their remaining batches,
// and waits for the workers to drain. The caller must have stopped enqueuing
// first; frames for buffered pushes are emitted before Shutdown returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	// Outstanding connects must settle before teardown; closing the intake
	// of a connection that is still being installed would race. The caller
	// stopped connecting, so one snapshot covers them all.
	p.mu.Lock()
	pending := make([]*async.Future[bool], 0, len(p.pending))
	for _, f := range p.pending {
		pending = append(pending, f)
	}
	p.mu.Unlock()
	_, _ = async.WaitAll(pending...)

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.dead {
			e.dead = true
			close(e.in)
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker drains one connection's intake, sending batches of up to
// BatchSize pushes. Batches are split per message so that the sender
// compiles each message template exactly once per request.
func (p *Pool) runWorker(e *entry) {
	defer p.wg.Done()

	batch := make([]*push.Push, 0, p.cfg.BatchSize)

	for {
		var pu *push.Push
		var ok bool
		select {
		case pu, ok = <-e.in:
		case <-p.ctx.Done():
			// Cancelled run: leftovers in the intake stay queued in
			// storage, so a future run reclaims them.
			p.closeConn(e)
			return
		}
		if !ok {
			p.closeConn(e)
			return
		}
		batch = append(batch, pu)

		// Opportunistically fill the batch without blocking.
		closed := false
	fill:
		for len(batch) < p.cfg.BatchSize {
			select {
			case next, more := <-e.in:
				if !more {
					closed = true
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		if !p.sendBatch(e, batch) {
			return
		}
		batch = batch[:0]

		if closed {
			p.closeConn(e)
			return
		}
	}
}

// sendBatch transmits the batch grouped by message. Returns false when the
// connection died; the entry is then already retired and its buffered
// leftovers reported on the error frame.
func (p *Pool) sendBatch(e *entry, batch []*push.Push) bool {
	for _, group := range groupByMessage(batch) {
		err := e.conn.Send(p.ctx, group, p.emit)
		if err == nil {
			continue
		}

		connErr, ok := err.(*push.ConnectionError)
		if !ok {
			// A sender must only fail terminally with a connection error;
			// anything else is an invariant violation and fails closed as a
			// provider-class failure.
			connErr = push.NewConnectionError(err.Error(), push.CodeException)
			for _, pu := range group {
				connErr.AddAffected(pu.ID, len(pu.Token))
			}
		}

		p.retire(e, connErr)
		p.emit(push.NewConnectionFrame(&connErr.SendError))
		p.closeConn(e)
		return false
	}
	return true
}

// emit forwards a frame downstream, dropping it once the run is cancelled.
// Outcomes dropped here were never accounted, so their records stay
// claimable.
func (p *Pool) emit(f push.Frame) {
	select {
	case p.out <- f:
	case <-p.ctx.Done():
	}
}

// retire removes a dead connection from the pool and collects the pushes
// still buffered behind it into the error's left list, so the resultor can
// account for them instead of leaking in-flight counters.
func (p *Pool) retire(e *entry, connErr *push.ConnectionError) {
	p.mu.Lock()
	delete(p.entries, e.id)
	p.mu.Unlock()

	e.mu.Lock()
	e.dead = true
	close(e.gone)
	e.mu.Unlock()

	var left []bson.ObjectID
	leftBytes := 0
	drained := false
	for !drained {
		select {
		case pu := <-e.in:
			left = append(left, pu.ID)
			leftBytes += len(pu.Token)
		default:
			// A producer that won the select race against gone may still be
			// completing its send; yield once before declaring the intake
			// empty.
			runtime.Gosched()
			select {
			case pu := <-e.in:
				left = append(left, pu.ID)
				leftBytes += len(pu.Token)
			default:
				drained = true
			}
		}
	}
	if len(left) > 0 {
		connErr.AddLeft(left, leftBytes)
	}

	p.log.Warn("connection retired",
		slog.String("pool_id", e.id),
		slog.String("error", connErr.Error()),
		slog.Int("left", len(left)))
}

func (p *Pool) closeConn(e *entry) {
	if err := e.conn.Close(p.ctx); err != nil {
		p.log.Warn("connection close failed", slog.String("pool_id", e.id), slog.String("error", err.Error()))
	}
}

// groupByMessage splits a batch into per-message groups preserving the
// relative order of pushes within each message.
func groupByMessage(batch []*push.Push) [][]*push.Push {
	var groups [][]*push.Push
	index := make(map[bson.ObjectID]int)
	for _, pu := range batch {
		i, ok := index[pu.Message]
		if !ok {
			i = len(groups)
			index[pu.Message] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], pu)
	}
	return groups
}
