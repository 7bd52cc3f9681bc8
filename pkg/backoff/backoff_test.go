package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frknbasaran/pushd/pkg/backoff"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy backoff.Exponential
		attempts []int
		want     []time.Duration
	}{
		{
			name: "default values",
			strategy: backoff.Exponential{
				JitterFactor: 0, // disable jitter for predictable testing
			},
			attempts: []int{1, 2, 3, 4, 5},
			want: []time.Duration{
				time.Second,
				2 * time.Second,
				4 * time.Second,
				8 * time.Second,
				16 * time.Second,
			},
		},
		{
			name: "custom values with max cap",
			strategy: backoff.Exponential{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				Multiplier:      3,
				JitterFactor:    0,
			},
			attempts: []int{1, 2, 3, 4},
			want: []time.Duration{
				500 * time.Millisecond,
				1500 * time.Millisecond,
				4500 * time.Millisecond,
				5 * time.Second, // capped at max
			},
		},
		{
			name:     "zero attempt returns zero",
			strategy: backoff.Exponential{},
			attempts: []int{0, -1},
			want:     []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, len(tt.attempts), len(tt.want), "test setup error")

			for i, attempt := range tt.attempts {
				got := tt.strategy.NextInterval(attempt)
				assert.Equal(t, tt.want[i], got, "attempt %d", attempt)
			}
		})
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	t.Parallel()

	strategy := backoff.Exponential{
		InitialInterval: time.Second,
		JitterFactor:    0.5,
	}

	for i := 0; i < 100; i++ {
		got := strategy.NextInterval(1)
		assert.GreaterOrEqual(t, got, 500*time.Millisecond)
		assert.LessOrEqual(t, got, 1500*time.Millisecond)
	}
}

func TestConstant(t *testing.T) {
	t.Parallel()

	strategy := backoff.Constant{Interval: 250 * time.Millisecond}
	assert.Equal(t, time.Duration(0), strategy.NextInterval(0))
	assert.Equal(t, 250*time.Millisecond, strategy.NextInterval(1))
	assert.Equal(t, 250*time.Millisecond, strategy.NextInterval(7))
}
