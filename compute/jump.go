package compute

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/frobware/go-propel"
)

const (
	// ShortJumpSize is the length of "jmp rel32" (E9 + 4 bytes).
	ShortJumpSize = 5
	// AbsJumpSize is the length of "jmp [rip+0]; .quad target".
	AbsJumpSize = 14
)

// JumpKind distinguishes the two jump encodings a block can be patched
// with.
type JumpKind int

const (
	JumpShort JumpKind = iota
	JumpAbs
)

func (k JumpKind) String() string {
	switch k {
	case JumpShort:
		return "short"
	case JumpAbs:
		return "long"
	default:
		return fmt.Sprintf("JumpKind(%d)", int(k))
	}
}

// JumpPlan is the patch to write over the start of a block.
type JumpPlan struct {
	Kind JumpKind
	From propel.Address
	To   propel.Address
	Code []byte
}

// Len is the number of block bytes the plan overwrites.
func (p JumpPlan) Len() uint64 {
	return uint64(len(p.Code))
}

// PlanJump decides how block is redirected to blob.
//
// A 5-byte relative jump is used whenever the displacement fits in a
// signed 32-bit value. Otherwise the absolute jump produced by emitAbs
// (absSize bytes long) is used if the block can hold it. Blocks shorter
// than a relative jump are always rejected.
func PlanJump(block propel.Block, blob propel.Address, absSize uint64, emitAbs func(propel.Address) []byte) (JumpPlan, error) {
	if block.Size < ShortJumpSize {
		return JumpPlan{}, propel.ErrBlockTooSmall{Size: block.Size, Need: ShortJumpSize}
	}

	if code, ok := EncodeShortJump(block.Start, blob); ok {
		return JumpPlan{Kind: JumpShort, From: block.Start, To: blob, Code: code}, nil
	}

	if block.Size < absSize {
		return JumpPlan{}, propel.ErrBlockTooSmall{Size: block.Size, Need: absSize}
	}

	return JumpPlan{Kind: JumpAbs, From: block.Start, To: blob, Code: emitAbs(blob)}, nil
}

// RelDisplacement returns target - (from + insnLen) and whether it
// fits in a signed 32-bit field.
func RelDisplacement(from propel.Address, insnLen uint64, target propel.Address) (int32, bool) {
	d := int64(uint64(target) - uint64(from) - insnLen)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

// EncodeShortJump encodes "jmp rel32" placed at from and landing on
// to. It reports false when the distance does not fit.
func EncodeShortJump(from, to propel.Address) ([]byte, bool) {
	d, ok := RelDisplacement(from, ShortJumpSize, to)
	if !ok {
		return nil, false
	}
	code := make([]byte, ShortJumpSize)
	code[0] = 0xE9
	binary.LittleEndian.PutUint32(code[1:], uint32(d))
	return code, true
}

// EncodeAbsJump encodes an indirect jump through an inline 64-bit
// target: FF 25 00000000 <target>.
func EncodeAbsJump(to propel.Address) []byte {
	code := make([]byte, AbsJumpSize)
	code[0] = 0xFF
	code[1] = 0x25
	binary.LittleEndian.PutUint64(code[6:], uint64(to))
	return code
}

// Rebase recomputes a rel32 displacement for an instruction moved from
// oldNext to newNext, where both are the addresses just past the
// instruction.
func Rebase(disp int32, oldNext, newNext propel.Address) (int32, bool) {
	target := propel.Address(uint64(int64(oldNext) + int64(disp)))
	return RelDisplacement(newNext, 0, target)
}
