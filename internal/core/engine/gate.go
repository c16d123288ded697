package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/backoff"
	"github.com/hoistup/hoist/internal/core/clock"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/core/lock"
)

const (
	DefaultBuffer   = 250 * time.Millisecond
	DefaultMaxWaits = 5
)

// DefaultLimits are the provider-wide windows assumed until a provider
// reports its own numbers.
var DefaultLimits = map[string]core.RateLimit{
	"sxcu":     {RequestsPerWindow: 60, WindowDuration: time.Minute},
	"imgchest": {RequestsPerWindow: 60, WindowDuration: time.Minute},
	"catbox":   {RequestsPerWindow: 30, WindowDuration: time.Minute},
}

// Gate is the only component that reads or writes the rate-limit ledger.
// Every read-modify-write cycle runs under the ledger lock.
type Gate struct {
	Store    ledger.Store
	Lock     lock.Locker
	Backoff  backoff.Policy
	Clock    clock.Clock
	Limits   map[string]core.RateLimit
	Buffer   time.Duration
	MaxWaits int
	Logger   *logging.Logger

	mu sync.Mutex
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Bucket  ledger.BucketKey
}

// Outcome describes a finished provider call.
type Outcome struct {
	Signals        core.Signals
	GlobalThrottle bool
	RateLimited    bool
	Attempt        int
}

// Check decides whether a request of the given cost may proceed now. The
// provider-wide bucket is consulted before the route bucket.
func (g *Gate) Check(ctx context.Context, key ledger.BucketKey, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	decision := Decision{Allowed: true, Bucket: key}

	err := g.withLedger(ctx, func(l ledger.Ledger, now time.Time) bool {
		for _, candidate := range []ledger.BucketKey{ledger.Global(key.Provider), key} {
			entry, ok := l.Get(candidate)
			if !ok || entry.Expired(now) {
				continue
			}
			if entry.Remaining < cost {
				decision = Decision{
					Allowed: false,
					Wait:    entry.ResetAt.Sub(now) + g.buffer(),
					Bucket:  candidate,
				}
				return false
			}
		}
		return false
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Update records a finished call against the ledger. Fresh values from the
// provider replace local bookkeeping.
func (g *Gate) Update(ctx context.Context, key ledger.BucketKey, out Outcome) error {
	return g.withLedger(ctx, func(l ledger.Ledger, now time.Time) bool {
		global := ledger.Global(key.Provider)
		limit, hasLimit := g.limit(key.Provider)

		if out.GlobalThrottle {
			resetAt := out.Signals.ResetAt(now)
			if resetAt.IsZero() {
				window := limit.WindowDuration
				if window <= 0 {
					window = time.Minute
				}
				resetAt = now.Add(window)
			}
			entry, _ := l.Get(global)
			if entry.Limit == 0 {
				entry.Limit = limit.RequestsPerWindow
			}
			entry.Remaining = 0
			entry.ResetAt = resetAt
			entry.WindowStart = now
			l.Set(global, entry)
		} else {
			entry, ok := l.Get(global)
			if !ok && hasLimit {
				entry = ledger.Entry{
					Limit:       limit.RequestsPerWindow,
					Remaining:   limit.RequestsPerWindow,
					ResetAt:     now.Add(limit.WindowDuration),
					WindowStart: now,
				}
				ok = true
			}
			if ok {
				entry.Remaining--
				l.Set(global, entry)
			}
		}

		if key.IsGlobal() {
			return true
		}

		sig := out.Signals
		switch {
		case sig.Fresh():
			entry, _ := l.Get(key)
			if sig.HasLimit {
				entry.Limit = sig.Limit
			}
			entry.Remaining = sig.Remaining
			entry.ResetAt = sig.ResetAt(now)
			entry.WindowStart = now
			l.Set(key, entry)
		case out.RateLimited:
			wait := g.Backoff.Next(out.Attempt, sig, now)
			entry, _ := l.Get(key)
			entry.Remaining = 0
			entry.ResetAt = now.Add(wait)
			entry.WindowStart = now
			l.Set(key, entry)
		default:
			if entry, ok := l.Get(key); ok {
				entry.Remaining--
				l.Set(key, entry)
			}
		}
		return true
	})
}

// WaitFor blocks until the bucket has quota. After MaxWaits denied checks it
// proceeds anyway rather than wait forever. onWait is called before every
// sleep.
func (g *Gate) WaitFor(ctx context.Context, key ledger.BucketKey, cost int, onWait func(time.Duration, ledger.BucketKey)) error {
	if ctx == nil {
		ctx = context.Background()
	}

	maxWaits := g.MaxWaits
	if maxWaits <= 0 {
		maxWaits = DefaultMaxWaits
	}

	for i := 0; ; i++ {
		decision, err := g.Check(ctx, key, cost)
		if err != nil {
			return err
		}
		if decision.Allowed {
			return nil
		}
		if i >= maxWaits {
			if g.Logger != nil {
				g.Logger.Warn("Rate limit still exhausted, proceeding anyway",
					zap.String("bucket", decision.Bucket.String()),
					zap.Int("waits", i),
					zap.Duration("wait", decision.Wait))
			}
			return nil
		}

		if onWait != nil {
			onWait(decision.Wait, decision.Bucket)
		}
		if g.Logger != nil {
			g.Logger.Debug("Waiting for rate limit window",
				zap.String("bucket", decision.Bucket.String()),
				zap.Duration("wait", decision.Wait))
		}
		if err := g.clock().Sleep(ctx, decision.Wait); err != nil {
			return err
		}
	}
}

// BucketState is one ledger row as shown to operators.
type BucketState struct {
	Key   ledger.BucketKey
	Entry ledger.Entry
}

// Entries returns the unexpired ledger contents ordered by bucket.
func (g *Gate) Entries(ctx context.Context) ([]BucketState, error) {
	var out []BucketState
	err := g.withLedger(ctx, func(l ledger.Ledger, now time.Time) bool {
		for _, key := range l.Keys() {
			entry, _ := l.Get(key)
			out = append(out, BucketState{Key: key, Entry: entry})
		}
		return false
	})
	return out, err
}

// ResetQuery selects ledger buckets to clear.
type ResetQuery struct {
	All      bool
	Provider string
	Bucket   *ledger.BucketKey
	DryRun   bool
}

// Reset clears matching buckets and returns the keys that matched.
func (g *Gate) Reset(ctx context.Context, q ResetQuery) ([]ledger.BucketKey, error) {
	provider := strings.ToLower(strings.TrimSpace(q.Provider))
	if !q.All && provider == "" && q.Bucket == nil {
		return nil, fmt.Errorf("reset requires all, provider, or bucket")
	}

	var matched []ledger.BucketKey
	err := g.withLedger(ctx, func(l ledger.Ledger, now time.Time) bool {
		for _, key := range l.Keys() {
			switch {
			case q.All:
			case q.Bucket != nil:
				if key != *q.Bucket {
					continue
				}
			case key.Provider != provider:
				continue
			}
			matched = append(matched, key)
		}
		if q.DryRun {
			return false
		}
		for _, key := range matched {
			l.Delete(key)
		}
		return len(matched) > 0
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].String() < matched[j].String() })
	return matched, nil
}

// withLedger runs fn against a freshly loaded, pruned ledger under the
// ledger lock. The ledger is saved when fn reports a mutation or when
// pruning removed entries.
func (g *Gate) withLedger(ctx context.Context, fn func(l ledger.Ledger, now time.Time) bool) error {
	if g == nil || g.Store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	run := func(ctx context.Context) error {
		now := g.clock().Now()
		l, err := g.Store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		if l == nil {
			l = ledger.New()
		}
		pruned := l.Prune(now)
		if fn(l, now) || pruned > 0 {
			if err := g.Store.Save(ctx, l); err != nil {
				return fmt.Errorf("save ledger: %w", err)
			}
		}
		return nil
	}

	if g.Lock == nil {
		return run(ctx)
	}
	return lock.WithLock(ctx, g.Lock, run)
}

func (g *Gate) limit(provider string) (core.RateLimit, bool) {
	limits := g.Limits
	if limits == nil {
		limits = DefaultLimits
	}
	limit, ok := limits[provider]
	if !ok || limit.RequestsPerWindow <= 0 || limit.WindowDuration <= 0 {
		return core.RateLimit{}, false
	}
	return limit, true
}

func (g *Gate) buffer() time.Duration {
	if g.Buffer <= 0 {
		return DefaultBuffer
	}
	return g.Buffer
}

func (g *Gate) clock() clock.Clock {
	if g == nil {
		return clock.Real()
	}
	return clock.OrReal(g.Clock)
}
