package shm

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-propel/interpreter"
)

// SysV is the table in a System V shared memory segment. The segment is
// created on first attach and never removed here; the host reclaims it.
type SysV struct {
	table
	id     int
	key    int
	logger *slog.Logger

	once sync.Once
	err  error
}

var _ interpreter.TracingTable = (*SysV)(nil)

// Attach attaches the segment identified by key, creating it with the
// given size and mode if it does not exist.
func Attach(key, size int, mode uint32, logger *slog.Logger) (*SysV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid table size %d", size)
	}

	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|int(mode&0o777))
	if err != nil {
		return nil, fmt.Errorf("shmget key %d size %d: %w", key, size, err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat id %d: %w", id, err)
	}
	if len(data) < size {
		_ = unix.SysvShmDetach(data)
		return nil, fmt.Errorf("segment key %d is %d bytes, need %d", key, len(data), size)
	}

	logger = logger.With("component", "shm")
	logger.Debug("attached tracing table", "key", key, "id", id, "size", size)
	return &SysV{
		table:  table{data: data[:size]},
		id:     id,
		key:    key,
		logger: logger,
	}, nil
}

// AttachDefault attaches the host-wide table.
func AttachDefault(logger *slog.Logger) (*SysV, error) {
	return Attach(DefaultKey, DefaultSize, DefaultMode, logger)
}

// ID returns the segment identifier.
func (s *SysV) ID() int { return s.id }

// Detach unmaps the segment from this process. The segment itself
// remains for other processes.
func (s *SysV) Detach() error {
	s.once.Do(func() {
		s.err = unix.SysvShmDetach(s.data)
		s.data = nil
		s.logger.Debug("detached tracing table", "key", s.key)
	})
	return s.err
}

// Remove marks the segment for destruction once every process has
// detached. Only tooling calls this.
func Remove(key int) error {
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return fmt.Errorf("shmget key %d: %w", key, err)
	}
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("remove segment %d: %w", id, err)
	}
	return nil
}
