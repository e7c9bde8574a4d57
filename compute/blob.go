package compute

import (
	"encoding/binary"

	"github.com/frobware/go-propel"
)

// PayloadCallSize is the length of the sequence EncodePayloadCall
// produces.
const PayloadCallSize = 95

// BlobAlign is the alignment of blob sizes and addresses.
const BlobAlign = 16

// redZone is the System V amd64 red zone below the stack pointer that
// leaf code may use without adjusting rsp.
const redZone = 0x80

// fxAreaSize is the size of the 16-byte aligned fxsave64 area holding
// the x87, MXCSR and xmm0-xmm15 state across the payload.
const fxAreaSize = 512

// SavedRegs is the frame a payload call hands to its function, lowest
// address first. Writes to it are restored into the registers when the
// payload returns. Floating-point and vector state is saved separately
// and is not visible to the payload.
type SavedRegs struct {
	RBP, R11, R10, R9, R8, RDI, RSI, RDX, RCX, RAX, RFlags uint64
}

// EncodePayloadCall emits a call to fn(pointID, *SavedRegs) that
// preserves flags, every caller-saved general-purpose register and the
// x87/SSE state (fxsave64), steps over the red zone and aligns the
// stack, so it can be spliced in front of arbitrary code. The upper
// halves of the ymm/zmm registers are not saved.
func EncodePayloadCall(pointID uint64, fn propel.Address) []byte {
	code := make([]byte, 0, PayloadCallSize)

	// lea rsp, [rsp-0x80]
	code = append(code, 0x48, 0x8D, 0x64, 0x24, byte(-redZone&0xff))
	// pushfq
	code = append(code, 0x9C)
	// push rax, rcx, rdx, rsi, rdi, r8, r9, r10, r11, rbp
	code = append(code, 0x50, 0x51, 0x52, 0x56, 0x57)
	code = append(code, 0x41, 0x50, 0x41, 0x51, 0x41, 0x52, 0x41, 0x53)
	code = append(code, 0x55)
	// mov rbp, rsp
	code = append(code, 0x48, 0x89, 0xE5)
	// and rsp, -16
	code = append(code, 0x48, 0x83, 0xE4, 0xF0)
	// sub rsp, 0x200
	code = append(code, 0x48, 0x81, 0xEC)
	code = binary.LittleEndian.AppendUint32(code, fxAreaSize)
	// fxsave64 [rsp]
	code = append(code, 0x48, 0x0F, 0xAE, 0x04, 0x24)
	// mov rsi, rbp
	code = append(code, 0x48, 0x89, 0xEE)
	// mov rdi, pointID
	code = append(code, 0x48, 0xBF)
	code = binary.LittleEndian.AppendUint64(code, pointID)
	// mov rax, fn
	code = append(code, 0x48, 0xB8)
	code = binary.LittleEndian.AppendUint64(code, uint64(fn))
	// call rax
	code = append(code, 0xFF, 0xD0)
	// fxrstor64 [rsp]
	code = append(code, 0x48, 0x0F, 0xAE, 0x0C, 0x24)
	// mov rsp, rbp
	code = append(code, 0x48, 0x89, 0xEC)
	// pop rbp, r11, r10, r9, r8, rdi, rsi, rdx, rcx, rax
	code = append(code, 0x5D)
	code = append(code, 0x41, 0x5B, 0x41, 0x5A, 0x41, 0x59, 0x41, 0x58)
	code = append(code, 0x5F, 0x5E, 0x5A, 0x59, 0x58)
	// popfq
	code = append(code, 0x9D)
	// lea rsp, [rsp+0x80]
	code = append(code, 0x48, 0x8D, 0xA4, 0x24)
	code = binary.LittleEndian.AppendUint32(code, redZone)

	return code
}

// EstimateBlobSize is the number of bytes a blob for a block of
// blockSize needs: one payload call per configured payload, the
// relocated block (relocation keeps instruction lengths) and the jump
// back, rounded up to BlobAlign.
func EstimateBlobSize(blockSize uint64, payloads int, jumpAbsSize uint64) uint64 {
	n := uint64(payloads)*PayloadCallSize + blockSize + jumpAbsSize
	return AlignUp(n, BlobAlign)
}

// AlignUp rounds n up to a multiple of align, which must be a power of
// two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// PageDown rounds addr down to the start of its page.
func PageDown(addr propel.Address, pageSize uint64) propel.Address {
	return propel.Address(uint64(addr) &^ (pageSize - 1))
}

// PageSpan returns the page-aligned range covering [addr, addr+n).
func PageSpan(addr propel.Address, n, pageSize uint64) (propel.Address, uint64) {
	start := PageDown(addr, pageSize)
	end := AlignUp(uint64(addr)+n, pageSize)
	return start, end - uint64(start)
}

// NearHints returns candidate mapping addresses within reach of a
// rel32 jump from target, nearest first, alternating below and above.
// Candidates below the first page or wrapping the address space are
// skipped.
func NearHints(target propel.Address, step uint64, count int, pageSize uint64) []propel.Address {
	const reach = 1<<31 - 1<<20

	base := uint64(PageDown(target, pageSize))
	hints := make([]propel.Address, 0, count)
	for i := uint64(1); len(hints) < count && i*step < reach; i++ {
		off := i * step
		if base > off && base-off >= pageSize {
			hints = append(hints, propel.Address(base-off))
		}
		if len(hints) < count && base+off > base {
			hints = append(hints, propel.Address(base+off))
		}
	}
	return hints
}
