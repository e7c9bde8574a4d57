package propel

import (
	"errors"
	"fmt"
)

// ErrNoBlobAvailable is returned when a snippet cannot provide a blob
// for a point. The caller should try another strategy.
var ErrNoBlobAvailable = errors.New("no blob available")

// ErrBlockTooSmall is returned when a block cannot hold the jump that
// would be needed to reach its blob.
type ErrBlockTooSmall struct {
	Size uint64
	Need uint64
}

func (e ErrBlockTooSmall) Error() string {
	return fmt.Sprintf("block of %d bytes too small, need %d", e.Size, e.Need)
}

// ErrImplausibleAddress is returned when an address falls inside the
// first page and cannot belong to mapped code.
type ErrImplausibleAddress struct {
	Addr Address
	What string
}

func (e ErrImplausibleAddress) Error() string {
	return fmt.Sprintf("implausible %s address %s", e.What, e.Addr)
}

// ErrPermission is returned when memory protection could not be
// changed.
type ErrPermission struct {
	Addr Address
	Len  uint64
	Perm Permission
	Err  error
}

func (e ErrPermission) Error() string {
	return fmt.Sprintf("set %s on %s+%d: %v", e.Perm, e.Addr, e.Len, e.Err)
}

func (e ErrPermission) Unwrap() error { return e.Err }

// ErrNotInstalled is returned when undoing a point that was never
// patched.
type ErrNotInstalled struct {
	Addr Address
}

func (e ErrNotInstalled) Error() string {
	return fmt.Sprintf("no patch installed at %s", e.Addr)
}

// ErrNoRemotePeer is returned when a channel has no process on the
// other end.
type ErrNoRemotePeer struct {
	FD int
}

func (e ErrNoRemotePeer) Error() string {
	return fmt.Sprintf("fd %d has no remote peer", e.FD)
}

// ErrPidOutOfRange is returned when a pid does not fit the tracing
// table.
type ErrPidOutOfRange struct {
	Pid  int
	Size int
}

func (e ErrPidOutOfRange) Error() string {
	return fmt.Sprintf("pid %d outside tracing table of %d slots", e.Pid, e.Size)
}

// ErrAlreadyOpen is returned when a session slot is opened twice.
var ErrAlreadyOpen = errors.New("session already open")

// FatalError marks a failure after which the process state can no
// longer be trusted. Library code returns it; only the top-level driver
// turns it into process termination.
type FatalError struct {
	Op   string
	Addr Address
	Err  error
}

func (e *FatalError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("fatal: %s at %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(op string, addr Address, err error) error {
	return &FatalError{Op: op, Addr: addr, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
