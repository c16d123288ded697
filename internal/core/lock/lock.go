// Package lock implements advisory cross-process locks backed by marker
// files. A marker older than the staleness threshold, or one left behind by
// a dead process on this host, is treated as abandoned and removed.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/clock"
)

const (
	DefaultPoll          = 100 * time.Millisecond
	DefaultLedgerStale   = 10 * time.Second
	DefaultLedgerTimeout = 10 * time.Second

	// unreadable markers older than this are abandoned regardless of Stale
	corruptMarkerGrace = 10 * time.Second
)

var (
	// ErrTimeout is wrapped when a blocking acquire runs out of time.
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrLost is returned by Release when another process removed or
	// replaced the marker.
	ErrLost = errors.New("lock marker no longer owned")

	errBusy = errors.New("lock busy")
)

// Owner is written into the marker file.
type Owner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	Purpose    string    `json:"purpose,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker is the acquisition surface shared by the ledger and session locks.
type Locker interface {
	TryAcquire(ctx context.Context) (*Handle, bool, error)
	Acquire(ctx context.Context) (*Handle, error)
}

// FileLock is one lock domain. The ledger and session domains each get
// their own FileLock with their own marker path.
type FileLock struct {
	Path    string
	Name    string
	Stale   time.Duration // zero disables age-based staleness
	Poll    time.Duration
	Timeout time.Duration // zero waits until ctx is done
	Clock   clock.Clock
	Logger  *logging.Logger

	beforeClaim func()
}

// NewLedgerLock returns the short-held lock guarding ledger read-modify-write
// cycles.
func NewLedgerLock(path string) *FileLock {
	return &FileLock{
		Path:    path,
		Name:    "ledger",
		Stale:   DefaultLedgerStale,
		Poll:    DefaultPoll,
		Timeout: DefaultLedgerTimeout,
	}
}

// NewSessionLock returns the lock held for a whole upload session.
func NewSessionLock(path string) *FileLock {
	return &FileLock{
		Path: path,
		Name: "session",
		Poll: 250 * time.Millisecond,
	}
}

// TryAcquire attempts to take the lock without waiting.
func (l *FileLock) TryAcquire(ctx context.Context) (*Handle, bool, error) {
	if l == nil || strings.TrimSpace(l.Path) == "" {
		return nil, false, core.NewLockError("lock path is not configured", nil)
	}

	h, err := l.create()
	if err == nil {
		return h, true, nil
	}
	if !errors.Is(err, errBusy) {
		return nil, false, err
	}

	cleared, err := l.clearIfStale()
	if err != nil {
		return nil, false, err
	}
	if !cleared {
		return nil, false, nil
	}

	h, err = l.create()
	if err == nil {
		return h, true, nil
	}
	if errors.Is(err, errBusy) {
		return nil, false, nil
	}
	return nil, false, err
}

// Acquire blocks until the lock is held, the timeout elapses, or ctx is
// done.
func (l *FileLock) Acquire(ctx context.Context) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	clk := l.clock()
	var deadline time.Time
	if l != nil && l.Timeout > 0 {
		deadline = clk.Now().Add(l.Timeout)
	}

	for {
		h, ok, err := l.TryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}

		if !deadline.IsZero() && !clk.Now().Before(deadline) {
			return nil, core.NewLockError(
				fmt.Sprintf("timed out after %s waiting for %s lock %s", l.Timeout, l.name(), l.Path),
				ErrTimeout)
		}

		if err := clk.Sleep(ctx, l.poll()); err != nil {
			return nil, err
		}
	}
}

// Status describes the current marker, if any.
type Status struct {
	Path  string        `json:"path"`
	Held  bool          `json:"held"`
	Owner *Owner        `json:"owner,omitempty"`
	Age   time.Duration `json:"age,omitempty"`
	Stale bool          `json:"stale"`
}

// Inspect reports who holds the lock without touching it.
func (l *FileLock) Inspect() (*Status, error) {
	status := &Status{Path: l.Path}
	info, err := os.Stat(l.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return status, nil
		}
		return nil, core.NewLockError("inspect "+l.name()+" lock", err)
	}

	status.Held = true
	status.Age = l.clock().Now().Sub(info.ModTime())
	owner, _ := readOwner(l.Path)
	status.Owner = owner
	status.Stale = l.isStale(owner, status.Age)
	return status, nil
}

// ForceClear removes the marker regardless of owner.
func (l *FileLock) ForceClear() error {
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.NewLockError("clear "+l.name()+" lock", err)
	}
	return nil
}

func (l *FileLock) create() (*Handle, error) {
	// #nosec G301 -- lock directory is shared between processes
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(l.Path)), 0755); err != nil {
		return nil, core.NewLockError("create "+l.name()+" lock directory", err)
	}

	// #nosec G302 G304 -- marker path comes from configuration
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, errBusy
		}
		return nil, core.NewLockError("create "+l.name()+" lock marker "+l.Path, err)
	}

	host, _ := os.Hostname()
	owner := Owner{
		PID:        os.Getpid(),
		Host:       host,
		Token:      uuid.New().String(),
		Purpose:    l.Name,
		AcquiredAt: l.clock().Now(),
	}
	payload, _ := json.Marshal(owner)
	_, werr := f.Write(payload)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.Path)
		return nil, core.NewLockError("write "+l.name()+" lock marker", errors.Join(werr, cerr))
	}

	return &Handle{lock: l, owner: owner}, nil
}

// clearIfStale removes an abandoned marker. It returns true when the marker
// is gone and a new acquisition attempt should be made.
//
// Clearers serialize on a guard marker, then claim the stale marker by
// renaming it aside. A claimed marker that no longer matches what was judged
// stale belongs to a new holder and is linked back.
func (l *FileLock) clearIfStale() (bool, error) {
	info, err := os.Stat(l.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, core.NewLockError("stat "+l.name()+" lock marker", err)
	}

	age := l.clock().Now().Sub(info.ModTime())
	owner, _ := readOwner(l.Path)
	if !l.isStale(owner, age) {
		return false, nil
	}

	release, ok, err := l.takeGuard()
	if err != nil || !ok {
		return false, err
	}
	defer release()

	// Another clearer may have replaced the marker before the guard was
	// taken.
	if !sameMarker(l.Path, owner, info) {
		return false, nil
	}

	if l.beforeClaim != nil {
		l.beforeClaim()
	}

	claimed := l.Path + ".stale-" + uuid.NewString()
	if err := os.Rename(l.Path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, core.NewLockError("claim stale "+l.name()+" lock marker", err)
	}

	if !sameMarker(claimed, owner, info) {
		if err := os.Link(claimed, l.Path); err != nil && l.Logger != nil {
			l.Logger.Warn("Could not restore replaced lock marker",
				zap.String("lock", l.name()),
				zap.String("path", l.Path),
				zap.Error(err))
		}
		_ = os.Remove(claimed)
		return false, nil
	}

	if err := os.Remove(claimed); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, core.NewLockError("remove stale "+l.name()+" lock marker", err)
	}

	if l.Logger != nil {
		fields := []zap.Field{
			zap.String("lock", l.name()),
			zap.String("path", l.Path),
			zap.Duration("age", age),
		}
		if owner != nil {
			fields = append(fields, zap.Int("owner_pid", owner.PID), zap.String("owner_host", owner.Host))
		}
		l.Logger.Warn("Removed stale lock marker", fields...)
	}
	return true, nil
}

// takeGuard creates the clearing guard next to the marker. A guard left by a
// crashed clearer is removed once it is older than corruptMarkerGrace.
func (l *FileLock) takeGuard() (func(), bool, error) {
	path := l.Path + ".clear"
	// #nosec G302 G304 -- guard path derives from the configured marker
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		_ = f.Close()
		return func() { _ = os.Remove(path) }, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, false, core.NewLockError("create "+l.name()+" lock guard", err)
	}
	if info, serr := os.Stat(path); serr == nil && l.clock().Now().Sub(info.ModTime()) > corruptMarkerGrace {
		_ = os.Remove(path)
	}
	return nil, false, nil
}

func (l *FileLock) isStale(owner *Owner, age time.Duration) bool {
	if l.Stale > 0 && age > l.Stale {
		return true
	}
	if owner == nil {
		return age > corruptMarkerGrace
	}
	host, _ := os.Hostname()
	if owner.Host == host && owner.PID > 0 && owner.PID != os.Getpid() && !processAlive(owner.PID) {
		return true
	}
	return false
}

func (l *FileLock) clock() clock.Clock {
	if l == nil {
		return clock.Real()
	}
	return clock.OrReal(l.Clock)
}

func (l *FileLock) poll() time.Duration {
	if l == nil || l.Poll <= 0 {
		return DefaultPoll
	}
	return l.Poll
}

func (l *FileLock) name() string {
	if l == nil || l.Name == "" {
		return "file"
	}
	return l.Name
}

func readOwner(path string) (*Owner, error) {
	// #nosec G304 -- marker path comes from configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, err
	}
	if owner.Token == "" {
		return nil, errors.New("lock marker has no token")
	}
	return &owner, nil
}

// sameMarker reports whether path still holds the marker judged stale.
func sameMarker(path string, owner *Owner, judged fs.FileInfo) bool {
	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(judged.ModTime()) {
		return false
	}
	current, _ := readOwner(path)
	return tokenOf(current) == tokenOf(owner)
}

func tokenOf(owner *Owner) string {
	if owner == nil {
		return ""
	}
	return owner.Token
}

// Handle is a held lock. Release is idempotent.
type Handle struct {
	lock  *FileLock
	owner Owner

	mu       sync.Mutex
	released bool
	stop     chan struct{}
}

// Owner returns the marker contents written on acquisition.
func (h *Handle) Owner() Owner {
	return h.owner
}

// Release removes the marker if this handle still owns it.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}

	current, err := readOwner(h.lock.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.NewLockError(h.lock.name()+" lock marker disappeared before release", ErrLost)
		}
		return core.NewLockError("read "+h.lock.name()+" lock marker", err)
	}
	if current.Token != h.owner.Token {
		return core.NewLockError(h.lock.name()+" lock marker was taken over by another process", ErrLost)
	}
	if err := os.Remove(h.lock.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.NewLockError("release "+h.lock.name()+" lock", err)
	}
	return nil
}

// Refresh bumps the marker mtime so age-based staleness does not fire for a
// long-running holder.
func (h *Handle) Refresh() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshLocked()
}

func (h *Handle) refreshLocked() error {
	if h.released {
		return ErrLost
	}
	current, err := readOwner(h.lock.Path)
	if err != nil || current.Token != h.owner.Token {
		return ErrLost
	}
	now := time.Now()
	return os.Chtimes(h.lock.Path, now, now)
}

// Heartbeat refreshes the marker every interval until Release.
func (h *Handle) Heartbeat(interval time.Duration) {
	if h == nil || interval <= 0 {
		return
	}

	h.mu.Lock()
	if h.released || h.stop != nil {
		h.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	h.stop = stop
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.mu.Lock()
				err := h.refreshLocked()
				h.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

// WithLock runs fn while holding l. The lock is released on every exit
// path, including panics.
func WithLock(ctx context.Context, l Locker, fn func(ctx context.Context) error) (err error) {
	h, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
