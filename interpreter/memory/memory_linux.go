// Package memory implements the address space of the running process:
// protection changes with mprotect(2), code writes through
// /proc/self/mem and protection lookups from /proc/self/maps.
package memory

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/interpreter"
)

// Self is the address space of the current process.
type Self struct {
	mem      *os.File
	proc     procfs.Proc
	pageSize uint64
	logger   *slog.Logger

	mu sync.Mutex
}

var _ interpreter.AddressSpace = (*Self)(nil)

// Open opens the current process's memory.
func Open(logger *slog.Logger) (*Self, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mem, err := os.OpenFile("/proc/self/mem", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /proc/self/mem: %w", err)
	}
	proc, err := procfs.Self()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("open procfs self: %w", err)
	}
	return &Self{
		mem:      mem,
		proc:     proc,
		pageSize: uint64(os.Getpagesize()),
		logger:   logger.With("component", "memory"),
	}, nil
}

// Close releases /proc/self/mem.
func (s *Self) Close() error {
	return s.mem.Close()
}

func (s *Self) PageSize() uint64 { return s.pageSize }

// SetMemoryPermission applies perm to every page overlapping
// [addr, addr+n).
func (s *Self) SetMemoryPermission(addr propel.Address, n uint64, perm propel.Permission) error {
	start, span := compute.PageSpan(addr, n, s.pageSize)
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(start), uintptr(span), uintptr(Prot(perm)))
	if errno != 0 {
		return fmt.Errorf("mprotect %s+%d %s: %w", start, span, perm, errno)
	}
	s.logger.Debug("mprotect", "addr", start, "len", span, "perm", perm)
	return nil
}

// Write copies src to dst. /proc/self/mem writes are not subject to page
// protection, but callers still make code writable first so the same
// sequence works on targets where they are.
func (s *Self) Write(_ *propel.Object, dst propel.Address, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.mem.WriteAt(src, int64(dst))
	if err != nil {
		return fmt.Errorf("write %d bytes at %s: %w", len(src), dst, err)
	}
	if n != len(src) {
		return fmt.Errorf("short write at %s: %d of %d bytes", dst, n, len(src))
	}
	return nil
}

func (s *Self) Read(addr propel.Address, n uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, n)
	if _, err := s.mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("read %d bytes at %s: %w", n, addr, err)
	}
	return buf, nil
}

// Permission looks addr up in /proc/self/maps.
func (s *Self) Permission(addr propel.Address) (propel.Permission, error) {
	m, err := s.Mapping(addr)
	if err != nil {
		return propel.PermNone, err
	}
	return MapPermission(m), nil
}

// Mapping returns the mapping containing addr.
func (s *Self) Mapping(addr propel.Address) (*procfs.ProcMap, error) {
	maps, err := s.proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}
	for _, m := range maps {
		if uintptr(addr) >= m.StartAddr && uintptr(addr) < m.EndAddr {
			return m, nil
		}
	}
	return nil, fmt.Errorf("address %s not mapped", addr)
}

// MapPermission converts a maps entry's permission flags.
func MapPermission(m *procfs.ProcMap) propel.Permission {
	var p propel.Permission
	if m.Perms == nil {
		return p
	}
	if m.Perms.Read {
		p |= propel.PermRead
	}
	if m.Perms.Write {
		p |= propel.PermWrite
	}
	if m.Perms.Execute {
		p |= propel.PermExec
	}
	return p
}

// Prot converts a permission to PROT_* bits.
func Prot(p propel.Permission) int {
	prot := unix.PROT_NONE
	if p&propel.PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&propel.PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&propel.PermExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Manager hands out the address space to the parser's users.
type Manager struct {
	Space interpreter.AddressSpace
}

func (m *Manager) AS() interpreter.AddressSpace { return m.Space }
