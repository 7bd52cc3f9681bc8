package push_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frknbasaran/pushd/push"
)

func msgWith(trigger push.TriggerKind, result *push.Result) *push.Message {
	return &push.Message{
		State:    push.StateCreated | push.StateStreaming,
		Status:   push.StatusSending,
		Triggers: []push.Trigger{{Kind: trigger}},
		Result:   result,
	}
}

func TestResolveCompletion(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("all sent goes done", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerPlain, &push.Result{Total: 1, Processed: 1, Sent: 1})
		c := push.ResolveCompletion(m, now)

		assert.Equal(t, push.StateCreated|push.StateDone, c.State)
		assert.Equal(t, push.StatusSent, c.Status)
		assert.True(t, c.Finished)
		assert.Empty(t, c.Error)
	})

	t.Run("total failure on plain trigger stops", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerPlain, &push.Result{Total: 3, Processed: 3, Errored: 3})
		c := push.ResolveCompletion(m, now)

		assert.Equal(t, push.StateCreated|push.StateError|push.StateDone, c.State)
		assert.Equal(t, push.StatusStopped, c.Status)
		assert.NotEmpty(t, c.Error)
		assert.True(t, c.Finished)
	})

	t.Run("total failure on api trigger stops", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerAPI, &push.Result{Total: 2, Processed: 2, Errored: 2})
		c := push.ResolveCompletion(m, now)
		assert.Equal(t, push.StatusStopped, c.Status)
	})

	t.Run("total failure on auto trigger fails", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerAuto, &push.Result{Total: 2, Processed: 2, Errored: 2})
		c := push.ResolveCompletion(m, now)

		assert.Equal(t, push.StateCreated|push.StateError|push.StateDone, c.State)
		assert.Equal(t, push.StatusFailed, c.Status)
	})

	t.Run("auto trigger returns to scheduled after a clean run", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerAuto, &push.Result{Total: 2, Processed: 2, Sent: 2})
		c := push.ResolveCompletion(m, now)

		assert.False(t, c.State.Is(push.StateStreaming))
		assert.False(t, c.State.Is(push.StateDone))
		assert.Equal(t, push.StatusScheduled, c.Status)
		assert.False(t, c.Finished)
	})

	t.Run("recurring with future occurrence reschedules", func(t *testing.T) {
		t.Parallel()
		next := now.Add(24 * time.Hour)
		m := msgWith(push.TriggerRecurring, &push.Result{Total: 1, Processed: 1, Sent: 1})
		m.Triggers[0].Next = &next

		c := push.ResolveCompletion(m, now)
		assert.Equal(t, push.StatusScheduled, c.Status)
		assert.False(t, c.State.Is(push.StateStreaming))
	})

	t.Run("recurring without next occurrence goes done", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerRecurring, &push.Result{Total: 1, Processed: 1, Sent: 1})
		c := push.ResolveCompletion(m, now)

		assert.Equal(t, push.StateCreated|push.StateDone, c.State)
		assert.Equal(t, push.StatusSent, c.Status)
	})

	t.Run("drained but incomplete goes back to scheduled", func(t *testing.T) {
		t.Parallel()
		m := msgWith(push.TriggerPlain, &push.Result{Total: 5, Processed: 2, Sent: 2})
		c := push.ResolveCompletion(m, now)

		assert.Equal(t, push.StatusScheduled, c.Status)
		assert.False(t, c.State.Is(push.StateStreaming))
		assert.False(t, c.Finished)
	})

	t.Run("done bit set iff total equals processed", func(t *testing.T) {
		t.Parallel()
		// Invariant: result.total == result.processed <=> Done bit set,
		// across every trigger kind that can reach Done.
		for _, kind := range []push.TriggerKind{push.TriggerPlain, push.TriggerRecurring} {
			complete := msgWith(kind, &push.Result{Total: 4, Processed: 4, Sent: 4})
			incomplete := msgWith(kind, &push.Result{Total: 4, Processed: 3, Sent: 3})

			assert.True(t, push.ResolveCompletion(complete, now).State.Is(push.StateDone), "kind %s", kind)
			assert.False(t, push.ResolveCompletion(incomplete, now).State.Is(push.StateDone), "kind %s", kind)
		}
	})
}

func TestMessageContent(t *testing.T) {
	t.Parallel()

	badge := 2
	m := &push.Message{
		Contents: []push.Content{
			{Title: "Hello", Message: "World", Sound: "default", Badge: &badge},
			{Locale: "de", Title: "Hallo"},
		},
	}

	t.Run("default locale", func(t *testing.T) {
		t.Parallel()
		c := m.Content("default")
		assert.Equal(t, "Hello", c.Title)
		assert.Equal(t, "World", c.Message)
	})

	t.Run("locale overrides fall back to default fields", func(t *testing.T) {
		t.Parallel()
		c := m.Content("de")
		assert.Equal(t, "Hallo", c.Title)
		assert.Equal(t, "World", c.Message, "unset locale fields use default content")
		assert.Equal(t, "default", c.Sound)
		require.NotNil(t, c.Badge)
		assert.Equal(t, 2, *c.Badge)
	})

	t.Run("unknown locale uses default", func(t *testing.T) {
		t.Parallel()
		c := m.Content("fr")
		assert.Equal(t, "Hello", c.Title)
	})
}

func TestStateBits(t *testing.T) {
	t.Parallel()

	s := push.StateCreated | push.StateStreaming
	assert.True(t, s.Is(push.StateStreaming))
	assert.False(t, s.Is(push.StateDone))
	assert.True(t, s.Is(push.StateCreated|push.StateStreaming))

	s = s &^ push.StateStreaming
	assert.False(t, s.Is(push.StateStreaming))
}
