package push

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// State is the message lifecycle bitmask. It is orthogonal to Status: State
// tracks what the pipeline has done with the message, Status is the
// user-facing summary.
type State uint16

const (
	// StateCreated is set on every persisted message.
	StateCreated State = 1 << iota
	// StateStreaming means a pipeline run currently owns this message.
	StateStreaming
	// StateDone means no further sending will happen.
	StateDone
	// StateError flags terminal failure, always combined with StateDone.
	StateError
)

// Is reports whether all bits of flag are set.
func (s State) Is(flag State) bool {
	return s&flag == flag
}

// Status is the user-facing message status.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// TriggerKind describes what causes a message to send.
type TriggerKind string

const (
	// TriggerPlain is a one-off message sent manually from the dashboard.
	TriggerPlain TriggerKind = "plain"
	// TriggerAuto fires on user behavior (events, cohorts); the message
	// stays active after each run.
	TriggerAuto TriggerKind = "auto"
	// TriggerAPI is fired by an external API call; stays active like auto.
	TriggerAPI TriggerKind = "api"
	// TriggerRecurring reschedules itself to the next occurrence.
	TriggerRecurring TriggerKind = "rec"
)

// Trigger is one sending condition of a message.
type Trigger struct {
	Kind  TriggerKind `bson:"kind"`
	Start *time.Time  `bson:"start,omitempty"`
	Last  *time.Time  `bson:"last,omitempty"`
	Next  *time.Time  `bson:"next,omitempty"`
}

// NextOccurrence returns the next scheduled reference after the given time,
// nil when the trigger has run out.
func (t *Trigger) NextOccurrence(after time.Time) *time.Time {
	if t.Next == nil || !t.Next.After(after) {
		return nil
	}
	return t.Next
}

// Content is the message payload for one locale; an empty locale marks the
// default content other locales fall back to.
type Content struct {
	Locale  string         `bson:"la,omitempty"`
	Title   string         `bson:"title,omitempty"`
	Message string         `bson:"message,omitempty"`
	Sound   string         `bson:"sound,omitempty"`
	Badge   *int           `bson:"badge,omitempty"`
	URL     string         `bson:"url,omitempty"`
	Media   string         `bson:"media,omitempty"`
	Data    map[string]any `bson:"data,omitempty"`
	Extras  []string       `bson:"extras,omitempty"`
}

// Info holds sending timestamps for display.
type Info struct {
	Started     *time.Time `bson:"started,omitempty"`
	StartedLast *time.Time `bson:"startedLast,omitempty"`
	Finished    *time.Time `bson:"finished,omitempty"`
}

// Message is the persisted push message document.
type Message struct {
	ID        bson.ObjectID `bson:"_id"`
	App       bson.ObjectID `bson:"app"`
	Platforms []string      `bson:"platforms"`
	State     State         `bson:"state"`
	Status    Status        `bson:"status"`
	Triggers  []Trigger     `bson:"triggers,omitempty"`
	Contents  []Content     `bson:"contents,omitempty"`
	Result    *Result       `bson:"result,omitempty"`
	Info      Info          `bson:"info"`
	SaveStats bool          `bson:"saveStats,omitempty"`
}

// Is reports whether all bits of flag are set on the message state.
func (m *Message) Is(flag State) bool {
	return m.State.Is(flag)
}

// TriggerFind returns the first trigger of the given kind, nil when absent.
func (m *Message) TriggerFind(kind TriggerKind) *Trigger {
	for i := range m.Triggers {
		if m.Triggers[i].Kind == kind {
			return &m.Triggers[i]
		}
	}
	return nil
}

// TriggerAutoOrAPI returns the auto or API trigger when the message has one.
// Such messages stay active between runs instead of going Done.
func (m *Message) TriggerAutoOrAPI() *Trigger {
	if t := m.TriggerFind(TriggerAuto); t != nil {
		return t
	}
	return m.TriggerFind(TriggerAPI)
}

// TriggerRescheduleable returns the recurring trigger when the message has one.
func (m *Message) TriggerRescheduleable() *Trigger {
	return m.TriggerFind(TriggerRecurring)
}

// Content returns the content for the given locale merged over the default
// content; unset locale fields fall back to the default.
func (m *Message) Content(locale string) Content {
	var def Content
	for _, c := range m.Contents {
		if c.Locale == "" {
			def = c
			break
		}
	}
	if locale == "" || locale == "default" {
		return def
	}
	for _, c := range m.Contents {
		if c.Locale != locale {
			continue
		}
		merged := def
		if c.Title != "" {
			merged.Title = c.Title
		}
		if c.Message != "" {
			merged.Message = c.Message
		}
		if c.Sound != "" {
			merged.Sound = c.Sound
		}
		if c.Badge != nil {
			merged.Badge = c.Badge
		}
		if c.URL != "" {
			merged.URL = c.URL
		}
		if c.Media != "" {
			merged.Media = c.Media
		}
		if len(c.Data) > 0 {
			merged.Data = c.Data
		}
		if len(c.Extras) > 0 {
			merged.Extras = c.Extras
		}
		merged.Locale = c.Locale
		return merged
	}
	return def
}

// Completion is the outcome of resolving a drained message's next lifecycle
// step. Finished marks a terminal transition worth recording in Info.
type Completion struct {
	State    State
	Status   Status
	Error    string
	Finished bool
}

// totalFailureError is the result-level error recorded when every push of a
// message errored.
const totalFailureError = "Failed to send all notifications"

// ResolveCompletion is the single place where a message's state/status
// transition is decided once its in-flight count drained. Every branch of
// the lifecycle goes through here; callers must not flip state bits on
// their own.
//
// The reschedule decision for recurring messages is made strictly here,
// after full drain, never while pushes for the current run are still in
// flight.
func ResolveCompletion(m *Message, now time.Time) Completion {
	r := m.Result

	if r.IsTotalFailure() {
		c := Completion{
			State:    StateCreated | StateError | StateDone,
			Status:   StatusFailed,
			Error:    totalFailureError,
			Finished: true,
		}
		// One-off and API-fired messages were explicitly asked for; total
		// failure there reads as "stopped", not a scheduler fault.
		if m.TriggerFind(TriggerPlain) != nil || m.TriggerFind(TriggerAPI) != nil {
			c.Status = StatusStopped
		}
		return c
	}

	if r.IsComplete() {
		if m.TriggerAutoOrAPI() != nil {
			// Behavioral triggers keep the message alive for future matches.
			return Completion{State: m.State &^ StateStreaming, Status: StatusScheduled}
		}
		if t := m.TriggerRescheduleable(); t != nil {
			ref := now
			if t.Last != nil {
				ref = *t.Last
			}
			if t.NextOccurrence(ref) != nil {
				return Completion{State: m.State &^ StateStreaming, Status: StatusScheduled}
			}
		}
		return Completion{State: StateCreated | StateDone, Status: StatusSent, Finished: true}
	}

	// Drained without being complete: some pushes never reached this worker
	// (deferred by backpressure or claimed elsewhere). The message goes back
	// to scheduled and a future run picks up the remainder.
	return Completion{State: m.State &^ StateStreaming, Status: StatusScheduled}
}
