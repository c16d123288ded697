package engine

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/lock"
)

// Session runs one batch while holding the session lock, so at most one
// upload session is talking to providers across all hoist processes.
type Session struct {
	Lock      lock.Locker
	Scheduler *Scheduler
	// Heartbeat refreshes the session marker while the batch runs. Zero
	// disables it.
	Heartbeat time.Duration
	Logger    *logging.Logger
}

// Run acquires the session lock, runs the batch and releases the lock on
// every exit path. When another session holds the lock the observer's
// OnSessionWait hook fires before blocking.
func (s *Session) Run(ctx context.Context, req Request) (result *core.BatchResult, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.Lock != nil {
		h, ok, terr := s.Lock.TryAcquire(ctx)
		if terr != nil {
			return nil, terr
		}
		if !ok {
			req.Observer.sessionWait()
			if s.Logger != nil {
				s.Logger.Info("Waiting for another upload session to finish")
			}
			h, terr = s.Lock.Acquire(ctx)
			if terr != nil {
				return nil, terr
			}
		}
		h.Heartbeat(s.Heartbeat)

		defer func() {
			if rerr := h.Release(); rerr != nil {
				if s.Logger != nil {
					s.Logger.Warn("Failed to release session lock", zap.Error(rerr))
				}
				if err == nil {
					err = rerr
				}
			}
		}()
	}

	return s.scheduler().Run(ctx, req)
}

func (s *Session) scheduler() *Scheduler {
	if s.Scheduler == nil {
		return &Scheduler{}
	}
	return s.Scheduler
}
