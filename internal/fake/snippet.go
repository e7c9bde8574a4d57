package fake

import (
	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
)

// Snippet hands out a fixed blob address.
type Snippet struct {
	// Blob is returned by GetBlob and BuildBlob.
	Blob propel.Address
	// GetErr makes GetBlob fail.
	GetErr error
	// BuildErr makes BuildBlob fail.
	BuildErr error
	// BuildAddr, when non-zero, is returned by BuildBlob instead of
	// Blob.
	BuildAddr propel.Address

	Reserved  uint64
	GetCalls  int
	Builds    int
	LastReloc bool
}

var _ propel.Snippet = (*Snippet)(nil)

func (s *Snippet) GetBlob(size uint64) (propel.Address, error) {
	s.GetCalls++
	if s.GetErr != nil {
		return 0, s.GetErr
	}
	if size > s.Reserved {
		s.Reserved = size
	}
	return s.Blob, nil
}

func (s *Snippet) BuildBlob(size uint64, reloc bool) (propel.Address, error) {
	s.Builds++
	s.LastReloc = reloc
	if s.BuildErr != nil {
		return 0, s.BuildErr
	}
	if s.BuildAddr != 0 {
		return s.BuildAddr, nil
	}
	return s.Blob, nil
}

func (s *Snippet) BlobSize() uint64 { return s.Reserved }

func (s *Snippet) JumpAbsSize() uint64 { return compute.AbsJumpSize }

func (s *Snippet) EmitJumpAbs(target propel.Address) []byte {
	return compute.EncodeAbsJump(target)
}

// Allocator is a bump allocator starting at Base.
type Allocator struct {
	Base propel.Address
	Err  error

	next  propel.Address
	Calls []AllocCall
}

// AllocCall is one recorded Alloc.
type AllocCall struct {
	Near propel.Address
	Size uint64
}

func (a *Allocator) Alloc(near propel.Address, size uint64) (propel.Address, error) {
	a.Calls = append(a.Calls, AllocCall{Near: near, Size: size})
	if a.Err != nil {
		return 0, a.Err
	}
	if a.next == 0 {
		a.next = a.Base
	}
	addr := a.next
	a.next = a.next.Add(compute.AlignUp(size, compute.BlobAlign))
	return addr, nil
}
