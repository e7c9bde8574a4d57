package parser

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/frobware/go-propel"
)

// CallBlock is a straight-line run of instructions ending in a call.
type CallBlock struct {
	Block propel.Block
	// Target is the destination of a direct call, 0 otherwise.
	Target propel.Address
	// Indirect is true when the call goes through a register or memory.
	Indirect bool
}

// SplitBlocks sweeps code linearly and returns its call blocks. A block
// starts at the beginning of code, after a call, branch or undecodable
// byte, or at the target of a direct branch within code, and ends at
// the next call. Straight-line runs that end in a branch instead of a
// call are not blocks.
//
// Starting blocks at branch targets keeps every target out of the
// bytes a patch overwrites: control can only enter a block at its
// start.
func SplitBlocks(code []byte, base propel.Address) []CallBlock {
	targets := branchTargets(code)

	var blocks []CallBlock
	start := 0
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			off++
			start = off
			continue
		}
		if targets[off] {
			start = off
		}
		next := off + inst.Len

		switch {
		case inst.Op == x86asm.CALL:
			cb := CallBlock{
				Block: propel.Block{
					Start: base.Add(uint64(start)),
					Last:  base.Add(uint64(off)),
					Size:  uint64(next - start),
				},
			}
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				cb.Target = propel.Address(int64(base) + int64(next) + int64(rel))
			} else {
				cb.Indirect = true
			}
			blocks = append(blocks, cb)
			start = next
		case endsBlock(inst.Op):
			start = next
		}
		off = next
	}
	return blocks
}

// branchTargets returns the offsets into code that direct jumps, jcc
// and loop instructions in code branch to.
func branchTargets(code []byte) map[int]bool {
	targets := make(map[int]bool)
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			off++
			continue
		}
		next := off + inst.Len
		if inst.Op != x86asm.CALL && endsBlock(inst.Op) {
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				if t := next + int(rel); t >= 0 && t < len(code) {
					targets[t] = true
				}
			}
		}
		off = next
	}
	return targets
}

func endsBlock(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.LJMP, x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETQ,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

// Disassemble renders code one instruction per line in Intel syntax.
// Undecodable bytes are shown as (bad).
func Disassemble(code []byte, base propel.Address) string {
	var b strings.Builder
	for off := 0; off < len(code); {
		pc := base.Add(uint64(off))
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			fmt.Fprintf(&b, "%s: %02x\t(bad)\n", pc, code[off])
			off++
			continue
		}
		fmt.Fprintf(&b, "%s: % x\t%s\n", pc, code[off:off+inst.Len], x86asm.IntelSyntax(inst, uint64(pc), nil))
		off += inst.Len
	}
	return b.String()
}
