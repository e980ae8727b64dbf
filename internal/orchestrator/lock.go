package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is created inside the state directory.
const LockFileName = "stackctl.lock"

// DefaultLockTimeout bounds the wait for another invocation to finish.
const DefaultLockTimeout = 30 * time.Second

// ErrLocked means another invocation held the lock for the whole wait.
var ErrLocked = errors.New("another stackctl invocation is in progress")

// acquire takes the cross-process invocation lock. Without a state directory
// there is nothing to lock and release is a no-op.
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if o.opts.StateDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(o.opts.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(o.opts.StateDir, LockFileName)
	fl := flock.New(path)

	timeout := o.opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	locked, err := fl.TryLockContext(lctx, 50*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("acquire %s: %w", path, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w (lock %s held for %s)", ErrLocked, path, timeout)
	}
	return func() { _ = fl.Unlock() }, nil
}
