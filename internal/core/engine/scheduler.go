package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/backoff"
	"github.com/hoistup/hoist/internal/core/clock"
	"github.com/hoistup/hoist/internal/core/ledger"
	"github.com/hoistup/hoist/internal/provider"
)

// DefaultMaxRetries applies when a provider profile leaves MaxRetries unset.
const DefaultMaxRetries = 3

// Observer receives progress from a running batch. Nil hooks are skipped.
type Observer struct {
	OnProgress      func(core.Snapshot)
	OnRateLimitWait func(wait time.Duration, bucket ledger.BucketKey)
	OnSessionWait   func()
}

func (o Observer) progress(s core.Snapshot) {
	if o.OnProgress != nil {
		o.OnProgress(s)
	}
}

func (o Observer) rateLimitWait(wait time.Duration, bucket ledger.BucketKey) {
	if o.OnRateLimitWait != nil {
		o.OnRateLimitWait(wait, bucket)
	}
}

func (o Observer) sessionWait() {
	if o.OnSessionWait != nil {
		o.OnSessionWait()
	}
}

// Request is one upload call.
type Request struct {
	ID       string
	Client   provider.Client
	Items    []core.Item
	Title    string
	Privacy  string
	Observer Observer
}

// Scheduler drives a batch through the gate one chunk at a time.
type Scheduler struct {
	Gate     *Gate
	Backoff  backoff.Policy
	Clock    clock.Clock
	Validate func(core.Item, provider.Profile) error
	Logger   *logging.Logger
}

// Run uploads every item of req. Per-item failures are reported in the
// result; the returned error is non-nil only when the whole operation could
// not proceed (lock failures, misconfiguration).
func (s *Scheduler) Run(ctx context.Context, req Request) (*core.BatchResult, error) {
	if req.Client == nil {
		return nil, errors.New("provider client is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b := s.newBatch(req)
	pending := b.validate()
	chunks := Chunk(pending, b.profile.ChunkSize)
	b.chunks = len(chunks)

	wantDest := len(pending) > 0 && b.profile.WantsDestination(req.Title)
	dest := b.existingDestination()
	if dest != nil {
		b.result.Destination = dest
	}

	if creator, ok := req.Client.(provider.DestinationCreator); ok && wantDest && dest == nil {
		key := ledger.Key(b.profile.Name, b.profile.DestinationRoute)
		reply, err := b.attempt(ctx, key, pending, func(ctx context.Context) (*provider.Reply, error) {
			return creator.CreateDestination(ctx, provider.DestinationRequest{Title: req.Title, Privacy: req.Privacy})
		})
		if err == nil && (reply == nil || reply.Destination == nil) {
			err = core.NewAPIError(b.profile.Name, 0, "provider did not return a destination")
		}
		if err != nil {
			if isCancellation(ctx, err) {
				b.cancel(pending)
			} else {
				b.abort(pending, "destination creation failed", err)
			}
			b.emit()
			return b.finish(), fatal(err)
		}
		dest = reply.Destination
		b.result.Destination = dest
	}

	uploadKey := ledger.Key(b.profile.Name, b.profile.UploadRoute)
	for i, chunk := range chunks {
		b.chunk = i + 1
		rest := flatten(chunks[i+1:])

		if ctx.Err() != nil {
			b.cancel(append(append([]int(nil), chunk...), rest...))
			break
		}

		creating := wantDest && dest == nil
		call := provider.Call{
			Items:             b.itemsOf(chunk),
			Destination:       dest,
			CreateDestination: creating,
			Title:             req.Title,
			Privacy:           req.Privacy,
		}

		reply, err := b.attempt(ctx, uploadKey, chunk, func(ctx context.Context) (*provider.Reply, error) {
			return req.Client.Upload(ctx, call)
		})
		if err != nil {
			if isCancellation(ctx, err) {
				b.cancel(append(append([]int(nil), chunk...), rest...))
				b.emit()
				break
			}

			b.failAll(chunk, err)
			switch {
			case creating:
				b.abort(rest, "destination creation failed", err)
			case core.KindOf(err) == core.KindAuth:
				b.abort(rest, "authentication failed", err)
			case core.KindOf(err) == core.KindLock:
				b.abort(rest, "lock failure", err)
			}
			b.emit()
			if b.result.Aborted {
				return b.finish(), fatal(err)
			}
			continue
		}

		if creating && reply.Destination != nil {
			dest = reply.Destination
			b.result.Destination = dest
		}
		if reply.DestinationErr != nil {
			b.destinationFailed(reply.DestinationErr)
			if creating {
				// One album per batch: later chunks stay ungrouped.
				wantDest = false
			}
		}
		b.merge(chunk, reply)
		b.emit()
	}

	return b.finish(), nil
}

type batch struct {
	s       *Scheduler
	req     Request
	profile provider.Profile
	result  *core.BatchResult
	set     *resultSet

	chunk   int
	chunks  int
	lastErr string
}

func (s *Scheduler) newBatch(req Request) *batch {
	profile := req.Client.Profile()
	if profile.Name == "" {
		profile.Name = req.Client.Name()
	}
	if profile.ChunkSize <= 0 {
		profile.ChunkSize = 1
	}
	if profile.MaxRetries <= 0 {
		profile.MaxRetries = DefaultMaxRetries
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	result := &core.BatchResult{
		ID:        id,
		Provider:  profile.Name,
		Items:     make([]core.ItemResult, len(req.Items)),
		Total:     len(req.Items),
		StartedAt: s.clock().Now(),
	}
	for i, item := range req.Items {
		if item.Provider == "" {
			item.Provider = profile.Name
		}
		result.Items[i] = core.ItemResult{Item: item, State: core.StatePending}
	}

	return &batch{s: s, req: req, profile: profile, result: result, set: newResultSet()}
}

// validate fails invalid items up front and returns the indices that may be
// uploaded.
func (b *batch) validate() []int {
	pending := make([]int, 0, len(b.result.Items))
	var destID string
	for i, ir := range b.result.Items {
		if id := ir.Item.DestinationID; id != "" {
			switch {
			case b.profile.Destination == provider.DestinationNone:
				b.fail(i, core.NewValidationError(b.profile.Name,
					fmt.Sprintf("%s uploads cannot target destination %q", b.profile.Name, id)))
				continue
			case destID != "" && id != destID:
				b.fail(i, core.NewValidationError(b.profile.Name,
					fmt.Sprintf("destination %q differs from batch destination %q", id, destID)))
				continue
			}
		}
		if b.s.Validate != nil {
			if err := b.s.Validate(ir.Item, b.profile); err != nil {
				if core.KindOf(err) != core.KindValidation {
					err = core.NewValidationError(b.profile.Name, err.Error())
				}
				b.fail(i, err)
				continue
			}
		}
		if id := ir.Item.DestinationID; id != "" {
			destID = id
		}
		pending = append(pending, i)
	}
	return pending
}

// existingDestination returns the container named by the items'
// DestinationID, if any. validate has already failed items naming a
// different one.
func (b *batch) existingDestination() *core.Destination {
	for _, ir := range b.result.Items {
		if ir.State != core.StateFailed && ir.Item.DestinationID != "" {
			return &core.Destination{ID: ir.Item.DestinationID}
		}
	}
	return nil
}

// attempt runs do for the given items with gating, ledger bookkeeping and
// retries for retryable failures.
func (b *batch) attempt(ctx context.Context, key ledger.BucketKey, idx []int, do func(context.Context) (*provider.Reply, error)) (*provider.Reply, error) {
	for attempt := 0; ; attempt++ {
		b.setState(idx, core.StateGated)
		if b.s.Gate != nil {
			if err := b.s.Gate.WaitFor(ctx, key, 1, b.req.Observer.rateLimitWait); err != nil {
				return nil, err
			}
		}

		b.setState(idx, core.StateInFlight)
		for _, i := range idx {
			b.result.Items[i].Attempts++
		}

		reply, err := do(ctx)

		sig := signalsOf(reply, err)
		kind := core.KindOf(err)
		if b.s.Gate != nil {
			out := Outcome{
				Signals:        sig,
				RateLimited:    kind == core.KindRateLimit,
				GlobalThrottle: kind == core.KindRateLimit && sig.Global,
				Attempt:        attempt,
			}
			if uerr := b.s.Gate.Update(context.WithoutCancel(ctx), key, out); uerr != nil {
				b.s.warn("Failed to record rate limit outcome",
					zap.String("bucket", key.String()),
					zap.Bool("upload_succeeded", err == nil),
					zap.Error(uerr))
			}
		}

		if err == nil {
			return reply, nil
		}
		if !core.IsRetryable(err) || attempt >= b.profile.MaxRetries || ctx.Err() != nil {
			return nil, err
		}

		b.lastErr = err.Error()
		b.emit()

		// The ledger already holds the throttled window; WaitFor sleeps
		// through it and reports the wait once.
		if kind == core.KindRateLimit {
			if wait, held := b.held(ctx, key); held {
				b.s.info("Retrying chunk after rate limit window",
					zap.String("provider", b.profile.Name),
					zap.Int("chunk", b.chunk),
					zap.Int("attempt", attempt+1),
					zap.Duration("wait", wait))
				continue
			}
		}

		delay := b.s.Backoff.Next(attempt, sig, b.s.clock().Now())
		if kind == core.KindRateLimit {
			b.req.Observer.rateLimitWait(delay, key)
		}
		b.s.info("Retrying chunk",
			zap.String("provider", b.profile.Name),
			zap.Int("chunk", b.chunk),
			zap.Int("attempt", attempt+1),
			zap.String("kind", string(kind)),
			zap.Duration("delay", delay))

		if err := b.s.clock().Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// held reports whether the gate currently denies key, and for how long.
func (b *batch) held(ctx context.Context, key ledger.BucketKey) (time.Duration, bool) {
	if b.s.Gate == nil {
		return 0, false
	}
	decision, err := b.s.Gate.Check(ctx, key, 1)
	if err != nil || decision.Allowed {
		return 0, false
	}
	return decision.Wait, true
}

// merge matches returned resources to items by source, falling back to
// position for resources without a source.
func (b *batch) merge(idx []int, reply *provider.Reply) {
	var resources []core.Resource
	if reply != nil {
		resources = reply.Resources
	}
	used := make([]bool, len(resources))

	for pos, i := range idx {
		source := b.result.Items[i].Item.Source
		match := -1
		for r, res := range resources {
			if !used[r] && res.Source == source {
				match = r
				break
			}
		}
		if match < 0 && pos < len(resources) && !used[pos] && resources[pos].Source == "" {
			match = pos
		}
		if match < 0 {
			b.fail(i, core.NewAPIError(b.profile.Name, 0, "provider returned no resource for item"))
			continue
		}

		used[match] = true
		res := resources[match]
		if res.Source == "" {
			res.Source = source
		}
		b.set.Add(res)
		b.result.Items[i].State = core.StateSucceeded
		b.result.Items[i].Resource = &res
		b.result.Items[i].Error = ""
		b.result.Items[i].Kind = ""
	}
}

func (b *batch) setState(idx []int, state core.ItemState) {
	for _, i := range idx {
		b.result.Items[i].State = state
	}
}

func (b *batch) fail(i int, err error) {
	ir := &b.result.Items[i]
	ir.State = core.StateFailed
	ir.Error = err.Error()
	ir.Kind = core.KindOf(err)
	b.lastErr = ir.Error
}

func (b *batch) failAll(idx []int, err error) {
	for _, i := range idx {
		b.fail(i, err)
	}
	b.s.warn("Chunk failed",
		zap.String("provider", b.profile.Name),
		zap.Int("chunk", b.chunk),
		zap.Int("items", len(idx)),
		zap.Error(err))
}

func (b *batch) abort(idx []int, reason string, err error) {
	b.result.Aborted = true
	b.result.AbortReason = fmt.Sprintf("%s: %v", reason, err)
	for _, i := range idx {
		b.fail(i, err)
	}
	b.s.warn("Batch aborted",
		zap.String("provider", b.profile.Name),
		zap.String("reason", reason),
		zap.Error(err))
}

func (b *batch) cancel(idx []int) {
	b.result.Cancelled = true
	for _, i := range idx {
		if b.result.Items[i].State == core.StateSucceeded {
			continue
		}
		ir := &b.result.Items[i]
		ir.State = core.StateFailed
		ir.Error = "upload cancelled"
		ir.Kind = ""
	}
	b.lastErr = "upload cancelled"
}

func (b *batch) destinationFailed(err error) {
	if b.result.DestinationError == "" {
		b.result.DestinationError = err.Error()
	}
	b.s.warn("Files stored but destination update failed",
		zap.String("provider", b.profile.Name),
		zap.Int("chunk", b.chunk),
		zap.Error(err))
}

func (b *batch) emit() {
	succeeded, failed := b.counts()
	snap := core.Snapshot{
		Provider:  b.profile.Name,
		Chunk:     b.chunk,
		Chunks:    b.chunks,
		Succeeded: succeeded,
		Failed:    failed,
		Total:     b.result.Total,
		LastError: b.lastErr,
		At:        b.s.clock().Now(),
	}
	if b.result.Destination != nil {
		snap.DestinationURL = b.result.Destination.URL
	}
	b.req.Observer.progress(snap)
}

func (b *batch) counts() (succeeded, failed int) {
	for _, ir := range b.result.Items {
		switch ir.State {
		case core.StateSucceeded:
			succeeded++
		case core.StateFailed:
			failed++
		}
	}
	return succeeded, failed
}

func (b *batch) finish() *core.BatchResult {
	b.result.Succeeded, b.result.Failed = b.counts()
	b.result.Resources = b.set.Resources()
	b.result.CompletedAt = b.s.clock().Now()
	return b.result
}

func (b *batch) itemsOf(idx []int) []core.Item {
	out := make([]core.Item, len(idx))
	for n, i := range idx {
		out[n] = b.result.Items[i].Item
	}
	return out
}

func (s *Scheduler) clock() clock.Clock {
	return clock.OrReal(s.Clock)
}

func (s *Scheduler) warn(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Warn(msg, fields...)
	}
}

func (s *Scheduler) info(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Info(msg, fields...)
	}
}

func signalsOf(reply *provider.Reply, err error) core.Signals {
	if reply != nil {
		return reply.Signals
	}
	var uerr *core.UploadError
	if errors.As(err, &uerr) && uerr != nil {
		return uerr.Signals
	}
	return core.Signals{}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// fatal returns err when it should fail the whole operation rather than only
// the batch's items.
func fatal(err error) error {
	if core.KindOf(err) == core.KindLock {
		return err
	}
	return nil
}

func flatten(chunks [][]int) []int {
	var out []int
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
