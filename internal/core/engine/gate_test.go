package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/backoff"
	"github.com/hoistup/hoist/internal/core/clock"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/core/lock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGate(limit int) (*Gate, *clock.Fake, *ledger.MemoryStore) {
	fake := clock.NewFake(epoch)
	store := &ledger.MemoryStore{}
	gate := &Gate{
		Store:   store,
		Clock:   fake,
		Backoff: backoff.Policy{Base: time.Second, Max: time.Minute, Rand: func(int64) int64 { return 0 }},
		Limits: map[string]core.RateLimit{
			"sxcu": {RequestsPerWindow: limit, WindowDuration: time.Minute},
		},
	}
	return gate, fake, store
}

func TestGateExhaustsAfterLimitUpdates(t *testing.T) {
	gate, _, store := newTestGate(5)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	decision, err := gate.Check(ctx, key, 1)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	for i := 0; i < 5; i++ {
		require.NoError(t, gate.Update(ctx, key, Outcome{}))
	}

	l, err := store.Load(ctx)
	require.NoError(t, err)
	entry, ok := l.Get(ledger.Global("sxcu"))
	require.True(t, ok)
	require.Equal(t, 0, entry.Remaining)

	decision, err = gate.Check(ctx, key, 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Greater(t, decision.Wait, time.Duration(0))
	require.Equal(t, ledger.Global("sxcu"), decision.Bucket)
}

func TestGateRemainingNeverNegative(t *testing.T) {
	gate, _, store := newTestGate(2)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	for i := 0; i < 10; i++ {
		require.NoError(t, gate.Update(ctx, key, Outcome{}))
		l, err := store.Load(ctx)
		require.NoError(t, err)
		for _, entry := range l {
			require.GreaterOrEqual(t, entry.Remaining, 0)
		}
	}
}

func TestGateExpiredEntriesNeverDeny(t *testing.T) {
	gate, fake, _ := newTestGate(1)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	require.NoError(t, gate.Update(ctx, key, Outcome{RateLimited: true, Signals: core.Signals{RetryAfter: 10 * time.Second}}))

	decision, err := gate.Check(ctx, key, 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	fake.Advance(time.Minute)
	decision, err = gate.Check(ctx, key, 1)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestGateFreshSignalsReplaceEntry(t *testing.T) {
	gate, _, store := newTestGate(100)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	require.NoError(t, gate.Update(ctx, key, Outcome{Signals: core.Signals{
		Limit: 5, HasLimit: true, Remaining: 4, HasRemaining: true, ResetAfter: 30 * time.Second,
	}}))
	require.NoError(t, gate.Update(ctx, key, Outcome{}))
	require.NoError(t, gate.Update(ctx, key, Outcome{Signals: core.Signals{
		Limit: 5, HasLimit: true, Remaining: 4, HasRemaining: true, ResetAfter: 30 * time.Second,
	}}))

	l, err := store.Load(ctx)
	require.NoError(t, err)
	entry, ok := l.Get(key)
	require.True(t, ok)
	require.Equal(t, 5, entry.Limit)
	require.Equal(t, 4, entry.Remaining)
	require.Equal(t, epoch.Add(30*time.Second), entry.ResetAt)
}

func TestGateGlobalThrottleUsesHintOrDefaultWindow(t *testing.T) {
	gate, _, store := newTestGate(10)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	require.NoError(t, gate.Update(ctx, key, Outcome{GlobalThrottle: true, RateLimited: true}))
	l, err := store.Load(ctx)
	require.NoError(t, err)
	entry, _ := l.Get(ledger.Global("sxcu"))
	require.Equal(t, 0, entry.Remaining)
	require.Equal(t, epoch.Add(time.Minute), entry.ResetAt)

	require.NoError(t, gate.Update(ctx, key, Outcome{
		GlobalThrottle: true, RateLimited: true, Signals: core.Signals{RetryAfter: 5 * time.Second},
	}))
	l, err = store.Load(ctx)
	require.NoError(t, err)
	entry, _ = l.Get(ledger.Global("sxcu"))
	require.Equal(t, epoch.Add(5*time.Second), entry.ResetAt)

	decision, err := gate.Check(ctx, ledger.Key("sxcu", "collection-create"), 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, 5*time.Second+DefaultBuffer, decision.Wait)
}

func TestGateRateLimitWithoutHintUsesBackoff(t *testing.T) {
	gate, _, store := newTestGate(10)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	require.NoError(t, gate.Update(ctx, key, Outcome{RateLimited: true, Attempt: 2}))
	l, err := store.Load(ctx)
	require.NoError(t, err)
	entry, ok := l.Get(key)
	require.True(t, ok)
	require.Equal(t, 0, entry.Remaining)
	require.Equal(t, epoch.Add(4*time.Second), entry.ResetAt)
}

func TestGateWaitForSleepsUntilAllowed(t *testing.T) {
	gate, fake, _ := newTestGate(10)
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")
	require.NoError(t, gate.Update(ctx, key, Outcome{RateLimited: true, Signals: core.Signals{RetryAfter: 3 * time.Second}}))

	var waits []time.Duration
	err := gate.WaitFor(ctx, key, 1, func(d time.Duration, bucket ledger.BucketKey) {
		waits = append(waits, d)
		require.Equal(t, key, bucket)
	})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{3*time.Second + DefaultBuffer}, waits)
	require.Equal(t, waits, fake.Sleeps())
}

func TestGateWaitForGivesUpAfterMaxWaits(t *testing.T) {
	gate, _, _ := newTestGate(10)
	gate.MaxWaits = 3
	ctx := context.Background()
	key := ledger.Key("sxcu", "file-upload")

	// A ledger whose window keeps moving with the clock never frees up.
	gate.Store = &slidingStore{clock: gate.Clock, key: key}

	calls := 0
	err := gate.WaitFor(ctx, key, 1, func(time.Duration, ledger.BucketKey) { calls++ })
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestGateWaitForHonoursCancellation(t *testing.T) {
	gate, _, _ := newTestGate(10)
	key := ledger.Key("sxcu", "file-upload")
	require.NoError(t, gate.Update(context.Background(), key, Outcome{RateLimited: true, Signals: core.Signals{RetryAfter: time.Hour}}))

	ctx, cancel := context.WithCancel(context.Background())
	err := gate.WaitFor(ctx, key, 1, func(time.Duration, ledger.BucketKey) { cancel() })
	require.ErrorIs(t, err, context.Canceled)
}

func TestGateResetQueries(t *testing.T) {
	gate, _, _ := newTestGate(10)
	ctx := context.Background()
	require.NoError(t, gate.Update(ctx, ledger.Key("sxcu", "file-upload"), Outcome{RateLimited: true}))
	gate.Limits["imgchest"] = core.RateLimit{RequestsPerWindow: 10, WindowDuration: time.Minute}
	require.NoError(t, gate.Update(ctx, ledger.Key("imgchest", "default"), Outcome{RateLimited: true}))

	entries, err := gate.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	matched, err := gate.Reset(ctx, ResetQuery{Provider: "sxcu", DryRun: true})
	require.NoError(t, err)
	require.Len(t, matched, 2)
	entries, err = gate.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	bucket := ledger.Key("imgchest", "default")
	matched, err = gate.Reset(ctx, ResetQuery{Bucket: &bucket})
	require.NoError(t, err)
	require.Equal(t, []ledger.BucketKey{bucket}, matched)

	matched, err = gate.Reset(ctx, ResetQuery{All: true})
	require.NoError(t, err)
	require.Len(t, matched, 3)

	entries, err = gate.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = gate.Reset(ctx, ResetQuery{})
	require.Error(t, err)
}

func TestGateSharesLedgerThroughFileStoreAndLock(t *testing.T) {
	dir := t.TempDir()
	fake := clock.NewFake(epoch)
	limits := map[string]core.RateLimit{"imgchest": {RequestsPerWindow: 2, WindowDuration: time.Minute}}

	newGate := func() *Gate {
		l := lock.NewLedgerLock(filepath.Join(dir, "ledger.lock"))
		return &Gate{
			Store:  ledger.NewFileStore(filepath.Join(dir, "ledger.json"), nil),
			Lock:   l,
			Clock:  fake,
			Limits: limits,
		}
	}
	a, b := newGate(), newGate()
	ctx := context.Background()
	key := ledger.Key("imgchest", "default")

	require.NoError(t, a.Update(ctx, key, Outcome{}))
	require.NoError(t, b.Update(ctx, key, Outcome{}))

	decision, err := a.Check(ctx, key, 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.NoFileExists(t, filepath.Join(dir, "ledger.lock"))
}

type slidingStore struct {
	clock clock.Clock
	key   ledger.BucketKey
}

func (s *slidingStore) Load(ctx context.Context) (ledger.Ledger, error) {
	now := s.clock.Now()
	l := ledger.New()
	l.Set(s.key, ledger.Entry{Limit: 1, Remaining: 0, ResetAt: now.Add(time.Second), WindowStart: now})
	return l, nil
}

func (s *slidingStore) Save(ctx context.Context, l ledger.Ledger) error { return nil }
