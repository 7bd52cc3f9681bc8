package push

import "time"

// MaxRuns bounds the run history kept on a message; the oldest run record is
// dropped when a new run starts at capacity.
const MaxRuns = 3

// Run is one execution pass of the pipeline over a message's pushes.
type Run struct {
	Started   time.Time `bson:"start"`
	Ended     time.Time `bson:"end,omitempty"`
	Processed int64     `bson:"processed"`
	Errored   int64     `bson:"errored"`
}

// Result is the aggregation tree of delivery outcomes. The root node holds
// message-level counters; Subs is keyed by platform and, one level below, by
// locale. A node's Processed is the number of terminal outcomes recorded
// under it; the message is complete when Total == Processed at the root.
type Result struct {
	Total     int64              `bson:"total"`
	Processed int64              `bson:"processed"`
	Sent      int64              `bson:"sent"`
	Errored   int64              `bson:"errored"`
	Errors    map[string]int64   `bson:"errors,omitempty"`
	Subs      map[string]*Result `bson:"subs,omitempty"`
	LastRuns  []Run              `bson:"lastRuns,omitempty"`
	Error     string             `bson:"error,omitempty"`
}

// NewResult creates a result root for the given expected total.
func NewResult(total int64) *Result {
	return &Result{Total: total}
}

// Sub lazily creates or returns the child node under key. A nonzero total is
// recorded on a newly created node. When parent names a platform, the child
// belongs to a virtual sub-platform whose counts fold into the parent's
// totals: the node under parent is created alongside and the total promoted
// into it, so that a vendor-specific channel never shows up as a platform of
// its own.
func (r *Result) Sub(key string, total int64, parent string) *Result {
	if r.Subs == nil {
		r.Subs = make(map[string]*Result)
	}
	sub, ok := r.Subs[key]
	if !ok {
		sub = NewResult(total)
		r.Subs[key] = sub
		if parent != "" && total > 0 {
			r.Sub(parent, 0, "").Total += total
		}
	}
	return sub
}

// RecordError increments the error histogram under the given stable name.
func (r *Result) RecordError(name string, count int64) {
	if r.Errors == nil {
		r.Errors = make(map[string]int64)
	}
	r.Errors[name] += count
}

// StartRun appends a new run record, dropping the oldest when the bounded
// history is at capacity, and returns a pointer to the new record.
func (r *Result) StartRun(start time.Time) *Run {
	if len(r.LastRuns) >= MaxRuns {
		r.LastRuns = r.LastRuns[len(r.LastRuns)-MaxRuns+1:]
	}
	r.LastRuns = append(r.LastRuns, Run{Started: start})
	return &r.LastRuns[len(r.LastRuns)-1]
}

// LastRun returns the record of the most recent run, nil when none started.
func (r *Result) LastRun() *Run {
	if len(r.LastRuns) == 0 {
		return nil
	}
	return &r.LastRuns[len(r.LastRuns)-1]
}

// IsComplete reports whether every expected push reached a terminal outcome.
func (r *Result) IsComplete() bool {
	return r.Total > 0 && r.Total == r.Processed
}

// IsTotalFailure reports whether every expected push errored.
func (r *Result) IsTotalFailure() bool {
	return r.Total > 0 && r.Total == r.Errored
}
