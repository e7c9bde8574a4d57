// Package lock provides the agent's two locks:
//
//  1. Propel, the in-process propagation lock that serialises patching
//     and IPC hand-off between threads of one instrumented process.
//  2. A cross-process file lock (flock(2)) that serialises injection
//     into one target pid across all instrumented processes.
//
// Holding a lock is shown by a scope token that only this package can
// create. Operations that must run under a lock take the token as a
// parameter. The token is valid for the duration of Run, and the lock
// is released on every exit path.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// InjectLockFDEnvVar is the environment variable used to pass the
// injection lock file descriptor to the injector helper.
const InjectLockFDEnvVar = "SP_INJECT_LOCK_FD"

// Scope represents the dynamic execution region in which the
// propagation lock is held.
//
// Scope is a capability, not a mutex: it cannot be constructed, locked,
// or unlocked by callers. The interface cannot be implemented outside
// this package due to the unexported marker method.
type Scope interface {
	// Depth is the number of Run calls on this lock so far, including
	// the current one (for logging/diagnostics).
	Depth() uint64

	scopeMarker()
}

type scope struct {
	seq uint64
}

func (*scope) scopeMarker() {}

func (s *scope) Depth() uint64 { return s.seq }

// Propel is the process-wide propagation lock.
type Propel struct {
	mu  sync.Mutex
	seq uint64
}

// New returns an unlocked propagation lock.
func New() *Propel {
	return &Propel{}
}

// Run acquires the lock, executes fn, then releases, also when fn
// panics. The Scope proves to callees that the lock is held; it must
// not be retained after fn returns.
func (l *Propel) Run(fn func(Scope) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	return fn(&scope{seq: l.seq})
}

// FileScope represents the dynamic execution region in which a file
// lock is held.
type FileScope interface {
	// DupFD duplicates the lock fd for passing to a child process.
	// The child inherits the lock via the duped fd.
	DupFD() (*os.File, error)

	// FD returns the raw lock file descriptor (for logging/diagnostics).
	FD() int

	fileScopeMarker()
}

type fileScope struct {
	f *os.File
}

func (*fileScope) fileScopeMarker() {}

func (s *fileScope) FD() int {
	return int(s.f.Fd())
}

func (s *fileScope) DupFD() (*os.File, error) {
	dup, err := unix.Dup(s.FD())
	if err != nil {
		return nil, fmt.Errorf("dup lock fd: %w", err)
	}
	return os.NewFile(uintptr(dup), "propel-inject-lock"), nil
}

// RunFile acquires the exclusive file lock at lockPath, executes fn,
// then releases. Uses LOCK_EX|LOCK_NB with exponential backoff and
// respects ctx cancellation.
func RunFile(ctx context.Context, lockPath string, fn func(context.Context, FileScope) error) error {
	f, err := acquire(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &fileScope{f: f})
}

// acquire opens the lock file and acquires exclusive lock.
func acquire(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := 5 * time.Millisecond
	const maxBackoff = 250 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
