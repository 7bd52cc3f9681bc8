package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/frknbasaran/pushd/push"
	"github.com/frknbasaran/pushd/push/pool"
)

// Pipeline drives one sending run: it owns the shared state and connection
// pool and joins the connector and resultor stages with a bounded frame
// channel.
type Pipeline struct {
	cfg   Config
	store Store
	log   *slog.Logger
}

// New creates a pipeline worker. Zero config fields fall back to defaults.
func New(cfg Config, store Store, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cfg: cfg.withDefaults(), store: store, log: log}
}

// Run consumes the push stream until it closes, then flushes every stage in
// order and returns. The finish signal travels the same path as data: the
// connector drains its buckets and the pool, then the termination frame
// makes the resultor flush before anything is released.
func (p *Pipeline) Run(ctx context.Context, pushes <-chan *push.Push) error {
	// Every log line of a run carries the same correlation id; runs of the
	// same worker are otherwise indistinguishable.
	log := p.log.With(slog.String("run_id", uuid.NewString()))

	frames := make(chan push.Frame, 2*p.cfg.PoolSize)
	state := NewState()

	g, gctx := errgroup.WithContext(ctx)

	// The pool lives on the group context so its workers stop emitting when
	// either stage fails, not only on outside cancellation.
	pl := pool.New(gctx, pool.Config{Capacity: p.cfg.PoolSize, BatchSize: p.cfg.BatchSize}, frames, log)
	connector := NewConnector(p.cfg, p.store, state, pl, frames, log)
	resultor := NewResultor(p.cfg, p.store, state, log)

	g.Go(func() error {
		err := func() error {
			for {
				select {
				case pu, ok := <-pushes:
					if !ok {
						return connector.Finish(gctx)
					}
					if err := connector.Process(gctx, pu); err != nil {
						return err
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}()

		// Workers emit into frames until they are fully drained, so the
		// channel must outlive the pool on every exit path, cancellation
		// included. Shutdown after Finish is a no-op.
		if serr := pl.Shutdown(context.WithoutCancel(ctx)); serr != nil && err == nil {
			err = serr
		}
		if err == nil {
			select {
			case frames <- push.NewEnd():
			case <-gctx.Done():
				err = gctx.Err()
			}
		}
		close(frames)
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					return nil
				}
				if err := resultor.Process(gctx, f); err != nil {
					return err
				}
				if f.IsEnd() {
					return nil
				}
			case <-ticker.C:
				// A stalled upstream must not strand completed counters
				// unpersisted.
				if resultor.Pending() > 0 {
					if err := resultor.Flush(gctx); err != nil {
						return err
					}
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	return g.Wait()
}
