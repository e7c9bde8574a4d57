// Package snippet generates the blobs instrumented blocks jump to.
//
// A blob is laid out as
//
//	entry payload call
//	relocated copy of the block
//	exit payload call (when an exit payload is set)
//	absolute jump back to the end of the block
//
// Relocation keeps every instruction's length and rewrites 32-bit
// PC-relative fields (rel32 branches and rip-relative operands) so they
// reach the same targets from the blob.
package snippet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/interpreter"
)

// Allocator hands out executable memory for blobs.
type Allocator interface {
	// Alloc returns size bytes, preferably within rel32 reach of near.
	Alloc(near propel.Address, size uint64) (propel.Address, error)
}

// Payloads are the functions a blob calls.
type Payloads struct {
	Entry propel.Address
	// Exit is 0 when no exit payload is configured.
	Exit propel.Address
}

// Count is the number of payload calls in a blob.
func (p Payloads) Count() int {
	if p.Exit != 0 {
		return 2
	}
	return 1
}

// Snippet generates the blob for one point.
type Snippet struct {
	as       interpreter.AddressSpace
	alloc    Allocator
	payloads Payloads
	pointID  uint64
	block    propel.Block

	mu      sync.Mutex
	decoded bool
	orig    []byte
	insns   []insn
	reason  error
	blob    propel.Address
	size    uint64
}

var _ propel.Snippet = (*Snippet)(nil)

// insn is one decoded instruction of the block.
type insn struct {
	off  int
	size int
	op   x86asm.Op
	// rel is the offset of a rel32 field to rewrite, or -1.
	rel int
}

// New returns the snippet for pt. Decoding is deferred to the first
// GetBlob.
func New(as interpreter.AddressSpace, alloc Allocator, pt *propel.Point, payloads Payloads) *Snippet {
	return &Snippet{
		as:       as,
		alloc:    alloc,
		payloads: payloads,
		pointID:  pt.ID,
		block:    *pt.Block,
	}
}

// GetBlob reserves a blob of at least size bytes. A reservation that is
// large enough is reused; a larger request gets a fresh blob and leaves
// the old one untouched.
func (s *Snippet) GetBlob(size uint64) (propel.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserve(size)
}

func (s *Snippet) reserve(size uint64) (propel.Address, error) {
	if err := s.decode(); err != nil {
		return 0, fmt.Errorf("%w: %w", propel.ErrNoBlobAvailable, err)
	}
	if s.blob != 0 && size <= s.size {
		return s.blob, nil
	}

	size = compute.AlignUp(size, compute.BlobAlign)
	addr, err := s.alloc.Alloc(s.block.Start, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", propel.ErrNoBlobAvailable, err)
	}
	s.blob, s.size = addr, size
	return addr, nil
}

// BuildBlob writes the blob. With reloc unset the block is not copied
// and the blob returns to the block start, which is only useful for
// inspecting the payload sequence.
func (s *Snippet) BuildBlob(size uint64, reloc bool) (propel.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.reserve(size)
	if err != nil {
		return 0, err
	}

	code, err := s.assemble(blob, reloc)
	if err != nil {
		return 0, err
	}
	if uint64(len(code)) > s.size {
		return 0, fmt.Errorf("blob needs %d bytes, reserved %d", len(code), s.size)
	}
	if err := s.as.Write(nil, blob, code); err != nil {
		return 0, fmt.Errorf("write blob at %s: %w", blob, err)
	}
	return blob, nil
}

// Assemble returns the bytes BuildBlob would write at blob.
func (s *Snippet) Assemble(blob propel.Address, reloc bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.decode(); err != nil {
		return nil, err
	}
	return s.assemble(blob, reloc)
}

func (s *Snippet) assemble(blob propel.Address, reloc bool) ([]byte, error) {
	code := compute.EncodePayloadCall(s.pointID, s.payloads.Entry)

	back := s.block.Start
	if reloc {
		var err error
		code, err = s.relocate(code, s.orig, blob)
		if err != nil {
			return nil, err
		}
		back = s.block.End()
	}

	if s.payloads.Exit != 0 {
		code = append(code, compute.EncodePayloadCall(s.pointID, s.payloads.Exit)...)
	}
	return append(code, compute.EncodeAbsJump(back)...), nil
}

// relocate appends the block's instructions, as they must read when
// placed at blob+len(code), to code.
func (s *Snippet) relocate(code, orig []byte, blob propel.Address) ([]byte, error) {
	for _, in := range s.insns {
		oldNext := s.block.Start.Add(uint64(in.off + in.size))
		newNext := blob.Add(uint64(len(code) + in.size))

		at := len(code)
		code = append(code, orig[in.off:in.off+in.size]...)
		if in.rel < 0 {
			continue
		}

		field := code[at+in.rel : at+in.rel+4]
		disp := int32(binary.LittleEndian.Uint32(field))
		moved, ok := compute.Rebase(disp, oldNext, newNext)
		if !ok {
			return nil, fmt.Errorf("%s at %s: target out of rel32 reach from blob %s",
				in.op, s.block.Start.Add(uint64(in.off)), blob)
		}
		binary.LittleEndian.PutUint32(field, uint32(moved))
	}
	return code, nil
}

// decode reads and disassembles the block once, before it is patched,
// and records why it cannot be relocated, if it cannot.
func (s *Snippet) decode() error {
	if s.decoded {
		return s.reason
	}
	s.decoded = true

	orig, err := s.as.Read(s.block.Start, s.block.Size)
	if err != nil {
		s.reason = fmt.Errorf("read block %s: %w", s.block, err)
		return s.reason
	}
	s.orig = orig
	s.insns, s.reason = decodeBlock(orig)
	return s.reason
}

// ErrNotRelocatable is returned for blocks containing instructions that
// cannot be moved without changing their length.
var ErrNotRelocatable = errors.New("block not relocatable")

// decodeBlock splits code into instructions and locates their rel32
// fields.
func decodeBlock(code []byte) ([]insn, error) {
	var insns []insn
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode at +%d: %v", ErrNotRelocatable, off, err)
		}
		in := insn{off: off, size: inst.Len, op: inst.Op, rel: -1}
		switch inst.PCRel {
		case 0:
		case 4:
			in.rel = inst.PCRelOff
		default:
			return nil, fmt.Errorf("%w: %s at +%d has a %d-byte relative field", ErrNotRelocatable, inst.Op, off, inst.PCRel)
		}
		insns = append(insns, in)
		off += inst.Len
	}
	return insns, nil
}

func (s *Snippet) BlobSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Snippet) JumpAbsSize() uint64 { return compute.AbsJumpSize }

func (s *Snippet) EmitJumpAbs(target propel.Address) []byte {
	return compute.EncodeAbsJump(target)
}

// Factory creates snippets sharing one allocator and payload set.
type Factory struct {
	AS       interpreter.AddressSpace
	Alloc    Allocator
	Payloads Payloads
}

// For returns a new snippet for pt.
func (f *Factory) For(pt *propel.Point) propel.Snippet {
	return New(f.AS, f.Alloc, pt, f.Payloads)
}
