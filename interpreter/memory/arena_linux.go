package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
)

// DefaultChunkSize is the size of each mapping the arena carves blobs
// from.
const DefaultChunkSize = 64 << 10

// hintCount bounds how many placements near a block are tried before
// falling back to any address.
const hintCount = 64

// Arena allocates blob memory in anonymous mappings placed within rel32
// reach of the blocks that use them whenever the kernel allows it.
// Blobs are never freed.
type Arena struct {
	chunkSize uint64
	pageSize  uint64
	logger    *slog.Logger

	mu     sync.Mutex
	chunks []*chunk
}

type chunk struct {
	base propel.Address
	size uint64
	used uint64
}

func (c *chunk) free() uint64 { return c.size - c.used }

// NewArena returns an empty arena. chunkSize 0 selects
// DefaultChunkSize.
func NewArena(chunkSize uint64, logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	page := uint64(os.Getpagesize())
	return &Arena{
		chunkSize: compute.AlignUp(chunkSize, page),
		pageSize:  page,
		logger:    logger.With("component", "memory"),
	}
}

// Alloc returns size bytes of read-write memory, within rel32 reach of
// near when possible.
func (a *Arena) Alloc(near propel.Address, size uint64) (propel.Address, error) {
	if size == 0 {
		return 0, errors.New("zero-sized blob")
	}
	size = compute.AlignUp(size, compute.BlobAlign)

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		if c.free() >= size && reachable(near, c.base.Add(c.used)) {
			return a.carve(c, size), nil
		}
	}

	csize := max(a.chunkSize, compute.AlignUp(size, a.pageSize))
	c, err := a.mapNear(near, csize)
	if err != nil {
		return 0, err
	}
	a.chunks = append(a.chunks, c)
	return a.carve(c, size), nil
}

func (a *Arena) carve(c *chunk, size uint64) propel.Address {
	addr := c.base.Add(c.used)
	c.used += size
	return addr
}

func (a *Arena) mapNear(near propel.Address, size uint64) (*chunk, error) {
	for _, hint := range compute.NearHints(near, size*16, hintCount, a.pageSize) {
		addr, err := mmap(hint, size, unix.MAP_FIXED_NOREPLACE)
		if err != nil {
			continue
		}
		if reachable(near, addr) {
			a.logger.Debug("mapped blob chunk", "near", near, "addr", addr, "size", size)
			return &chunk{base: addr, size: size}, nil
		}
		// Kernels without MAP_FIXED_NOREPLACE treat the hint as advisory.
		_ = munmap(addr, size)
	}

	addr, err := mmap(0, size, 0)
	if err != nil {
		return nil, fmt.Errorf("map blob chunk of %d bytes: %w", size, err)
	}
	a.logger.Debug("mapped far blob chunk", "near", near, "addr", addr, "size", size)
	return &chunk{base: addr, size: size}, nil
}

// Close unmaps every chunk. Blocks still jumping into the arena must
// have been restored first.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, c := range a.chunks {
		if err := munmap(c.base, c.size); err != nil {
			errs = append(errs, err)
		}
	}
	a.chunks = nil
	return errors.Join(errs...)
}

func reachable(from, to propel.Address) bool {
	_, ok := compute.RelDisplacement(from, compute.ShortJumpSize, to)
	return ok
}

func mmap(hint propel.Address, size uint64, flags int) (propel.Address, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(hint), uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|flags),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return propel.Address(addr), nil
}

func munmap(addr propel.Address, size uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if errno != 0 {
		return fmt.Errorf("munmap %s: %w", addr, errno)
	}
	return nil
}
