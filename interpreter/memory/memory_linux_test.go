package memory_test

import (
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/interpreter/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addrOf(b []byte) propel.Address {
	return propel.Address(uintptr(unsafe.Pointer(&b[0])))
}

func openSelf(t *testing.T) *memory.Self {
	t.Helper()
	self, err := memory.Open(testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { self.Close() })
	return self
}

func TestSelf_ReadWrite(t *testing.T) {
	self := openSelf(t)
	buf := make([]byte, 32)
	addr := addrOf(buf)

	require.NoError(t, self.Write(nil, addr.Add(4), []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[4:8])

	got, err := self.Read(addr.Add(4), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestSelf_HeapPermission(t *testing.T) {
	self := openSelf(t)
	buf := make([]byte, 32)

	perm, err := self.Permission(addrOf(buf))
	require.NoError(t, err)
	assert.Equal(t, propel.PermRW, perm&propel.PermRW)
}

func TestSelf_UnmappedAddress(t *testing.T) {
	self := openSelf(t)
	_, err := self.Permission(0x10)
	assert.Error(t, err)
}

func TestArena_AllocNearAndProtect(t *testing.T) {
	self := openSelf(t)
	arena := memory.NewArena(0, testLogger())
	t.Cleanup(func() { arena.Close() })

	buf := make([]byte, 16)
	near := addrOf(buf)

	blob, err := arena.Alloc(near, 100)
	require.NoError(t, err)
	_, ok := compute.RelDisplacement(near, compute.ShortJumpSize, blob)
	assert.True(t, ok, "blob %s out of reach of %s", blob, near)

	second, err := arena.Alloc(near, 100)
	require.NoError(t, err)
	assert.Equal(t, blob.Add(112), second, "carved from the same chunk")

	require.NoError(t, self.Write(nil, blob, []byte{0xC3}))

	require.NoError(t, self.SetMemoryPermission(blob, 112, propel.PermRX))
	perm, err := self.Permission(blob)
	require.NoError(t, err)
	assert.Equal(t, propel.PermRX, perm)

	require.NoError(t, self.SetMemoryPermission(blob, 112, propel.PermRWX))
	perm, err = self.Permission(blob)
	require.NoError(t, err)
	assert.Equal(t, propel.PermRWX, perm)
}

func TestArena_LargeAllocation(t *testing.T) {
	arena := memory.NewArena(4096, testLogger())
	t.Cleanup(func() { arena.Close() })

	buf := make([]byte, 16)
	blob, err := arena.Alloc(addrOf(buf), 3*4096+1)
	require.NoError(t, err)
	assert.NotZero(t, blob)

	_, err = arena.Alloc(addrOf(buf), 0)
	assert.Error(t, err)
}

func TestProt(t *testing.T) {
	assert.Equal(t, 0, memory.Prot(propel.PermNone))
	assert.NotEqual(t, memory.Prot(propel.PermRX), memory.Prot(propel.PermRWX))
}
