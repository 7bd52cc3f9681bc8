package pipeline

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/frknbasaran/pushd/push"
)

type entryTag uint8

const (
	tagUnresolved entryTag = iota
	tagUnusable
	tagResolved
)

// CacheEntry is the tagged tri-state of a cached lookup: Unresolved means
// the caller must fetch, Unusable means the fetch already failed and must
// not be repeated this run, Resolved carries the value.
type CacheEntry[T any] struct {
	tag   entryTag
	value T
}

// Unresolved reports whether the entry was never fetched.
func (e CacheEntry[T]) Unresolved() bool { return e.tag == tagUnresolved }

// Unusable reports whether the entry is known bad for the rest of the run.
func (e CacheEntry[T]) Unusable() bool { return e.tag == tagUnusable }

// Value returns the resolved value; false when the entry is not resolved.
func (e CacheEntry[T]) Value() (T, bool) {
	return e.value, e.tag == tagResolved
}

func resolved[T any](v T) CacheEntry[T] { return CacheEntry[T]{tag: tagResolved, value: v} }

func unusable[T any]() CacheEntry[T] { return CacheEntry[T]{tag: tagUnusable} }

// State is the in-memory registry of one sending run: resolved apps and
// messages, in-flight push records, and per-message sending counters. The
// connector and resultor stages mutate it concurrently, so every access goes
// through the mutex — including reads and writes of the shared message
// objects, which travel between stages by pointer.
type State struct {
	mu       sync.Mutex
	apps     map[bson.ObjectID]CacheEntry[*push.App]
	messages map[bson.ObjectID]CacheEntry[*push.Message]
	pushes   map[bson.ObjectID]*push.Push
	sending  map[bson.ObjectID]int
}

// NewState creates an empty run state.
func NewState() *State {
	return &State{
		apps:     make(map[bson.ObjectID]CacheEntry[*push.App]),
		messages: make(map[bson.ObjectID]CacheEntry[*push.Message]),
		pushes:   make(map[bson.ObjectID]*push.Push),
		sending:  make(map[bson.ObjectID]int),
	}
}

// App returns the cache entry for an app id.
func (s *State) App(id bson.ObjectID) CacheEntry[*push.App] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps[id]
}

// SetApp installs a resolved app. An app without a single usable credential
// is recorded unusable instead, so it is never refetched this run.
func (s *State) SetApp(id bson.ObjectID, app *push.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app == nil || !app.HasUsableCreds() {
		s.apps[id] = unusable[*push.App]()
		return
	}
	s.apps[id] = resolved(app)
}

// DiscardApp marks an app unusable for the rest of the run.
func (s *State) DiscardApp(id bson.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[id] = unusable[*push.App]()
}

// Message returns the cache entry for a message id.
func (s *State) Message(id bson.ObjectID) CacheEntry[*push.Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

// SetMessage installs a resolved message; nil records the id unusable.
func (s *State) SetMessage(id bson.ObjectID, m *push.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m == nil {
		s.messages[id] = unusable[*push.Message]()
		return
	}
	s.messages[id] = resolved(m)
}

// DiscardMessage marks a message unusable for the rest of the run.
func (s *State) DiscardMessage(id bson.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = unusable[*push.Message]()
}

// ResolvedMessage returns the resolved message or nil, in the shape platform
// senders consume.
func (s *State) ResolvedMessage(id bson.ObjectID) *push.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _ := s.messages[id].Value()
	return m
}

// MessageState returns the current lifecycle bits of a resolved message.
// Reading them through the lock keeps the connector's streaming check
// coherent with the resultor's transitions.
func (s *State) MessageState(id bson.ObjectID) (push.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id].Value()
	if !ok {
		return 0, false
	}
	return m.State, true
}

// ApplyClaim installs the streaming bits on a message this worker just
// claimed through the store.
func (s *State) ApplyClaim(m *push.Message, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Result == nil {
		m.Result = &push.Result{}
	}
	m.State |= push.StateStreaming
	m.Status = push.StatusSending
	m.Result.StartRun(now)
	if m.Info.Started == nil {
		m.Info.Started = &now
	}
	m.Info.StartedLast = &now
}

// UpdateMessage runs fn on the resolved message under the lock; false means
// the message is not resolved and fn never ran. fn must not call back into
// State.
func (s *State) UpdateMessage(id bson.ObjectID, fn func(m *push.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id].Value()
	if !ok {
		return false
	}
	fn(m)
	return true
}

// WithMessage runs fn on the resolved message, passing whether it still has
// pushes in flight. The lock is held for the duration, pinning the flight
// count: no push can be registered and no claim applied for the message
// while fn decides and persists a transition. fn must not call back into
// State.
func (s *State) WithMessage(id bson.ObjectID, fn func(m *push.Message, sending bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id].Value()
	if !ok {
		return nil
	}
	return fn(m, s.sending[id] > 0)
}

// BeginPush registers an in-flight push and bumps its message's sending
// counter in one step, so a concurrent flush never observes the record
// without its count.
func (s *State) BeginPush(p *push.Push) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes[p.ID] = p
	s.sending[p.Message]++
}

// IncSending bumps the message's in-flight counter.
func (s *State) IncSending(id bson.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending[id]++
}

// DecSending drops the message's in-flight counter by n, removing the
// counter entirely at zero.
func (s *State) DecSending(id bson.ObjectID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decSendingLocked(id, n)
}

func (s *State) decSendingLocked(id bson.ObjectID, n int) {
	if c, ok := s.sending[id]; ok {
		c -= n
		if c <= 0 {
			delete(s.sending, id)
			return
		}
		s.sending[id] = c
	}
}

// IsSending reports whether the message has pushes in flight.
func (s *State) IsSending(id bson.ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending[id] > 0
}

// TrackPush registers an in-flight push record.
func (s *State) TrackPush(p *push.Push) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes[p.ID] = p
}

// Push returns the tracked push record for an id.
func (s *State) Push(id bson.ObjectID) (*push.Push, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pushes[id]
	return p, ok
}

// RemovePush drops a push from in-flight tracking and decrements its
// message's sending counter. The pairing is the invariant: a record leaves
// tracking exactly once, and its counter comes down with it.
func (s *State) RemovePush(id bson.ObjectID) (*push.Push, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pushes[id]
	if !ok {
		return nil, false
	}
	delete(s.pushes, id)
	s.decSendingLocked(p.Message, 1)
	return p, true
}
