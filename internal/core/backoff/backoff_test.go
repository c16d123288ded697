package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoistup/hoist/internal/core"
)

func TestExponentialIsMonotoneAndCapped(t *testing.T) {
	p := Policy{Base: 250 * time.Millisecond, Max: 10 * time.Second}

	prev := time.Duration(0)
	for attempt := 0; attempt < 64; attempt++ {
		d := p.Exponential(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, p.Max)
		prev = d
	}
	require.Equal(t, 250*time.Millisecond, p.Exponential(0))
	require.Equal(t, time.Second, p.Exponential(2))
	require.Equal(t, p.Max, p.Exponential(63))
}

func TestDelayAddsBoundedJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 500 * time.Millisecond}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.Less(t, d, 2*time.Second+500*time.Millisecond)
	}

	p.Rand = func(n int64) int64 { return n - 1 }
	require.Equal(t, 2*time.Second+500*time.Millisecond-1, p.Delay(1))
}

func TestZeroJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute}
	require.Equal(t, 4*time.Second, p.Delay(2))
}

func TestExplicitHintsOverrideExponential(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 500 * time.Millisecond}

	tests := []struct {
		name string
		sig  core.Signals
		want time.Duration
	}{
		{"retry-after", core.Signals{RetryAfter: 7 * time.Second, ResetAfter: 3 * time.Second}, 7 * time.Second},
		{"reset-after", core.Signals{ResetAfter: 3 * time.Second, Reset: now.Add(time.Hour)}, 3 * time.Second},
		{"reset", core.Signals{Reset: now.Add(12 * time.Second)}, 12 * time.Second},
		{"reset in past", core.Signals{Reset: now.Add(-time.Second)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, p.Next(5, tt.sig, now))
		})
	}
}

func TestNextFallsBackToExponential(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Rand: func(int64) int64 { return 0 }, Jitter: time.Second}
	require.Equal(t, 8*time.Second, p.Next(3, core.Signals{}, time.Now()))
}
