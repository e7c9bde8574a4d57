package propel_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
)

func TestPermission_String(t *testing.T) {
	assert.Equal(t, "---", propel.PermNone.String())
	assert.Equal(t, "r-x", propel.PermRX.String())
	assert.Equal(t, "rw-", propel.PermRW.String())
	assert.Equal(t, "rwx", propel.PermRWX.String())
}

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in      string
		want    propel.Permission
		wantErr bool
	}{
		{"r-xp", propel.PermRX, false},
		{"rw-s", propel.PermRW, false},
		{"rwxp", propel.PermRWX, false},
		{"---p", propel.PermNone, false},
		{"--x", propel.PermExec, false},
		{"rx", propel.PermNone, true},
		{"xwr", propel.PermNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := propel.ParsePermission(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBlock(t *testing.T) {
	b := propel.Block{Start: 0x1000, Last: 0x1008, Size: 13}

	assert.Equal(t, propel.Address(0x100d), b.End())
	assert.True(t, b.Contains(0x1000))
	assert.True(t, b.Contains(0x100c))
	assert.False(t, b.Contains(0x100d))
	assert.False(t, b.Contains(0xfff))
	assert.Equal(t, "[0x1000, 0x100d) last=0x1008", b.String())
}

func TestObject_Name(t *testing.T) {
	var nilObj *propel.Object
	assert.Empty(t, nilObj.Name())
	assert.Equal(t, "libc.so.6", (&propel.Object{Path: "/lib64/libc.so.6"}).Name())
	assert.Equal(t, "server", (&propel.Object{Path: "server"}).Name())
}

func TestPoint_String(t *testing.T) {
	p := &propel.Point{ID: 3, Function: "serve"}
	assert.Equal(t, "point 3 (serve) without block", p.String())

	p.Block = &propel.Block{Start: 0x10, Last: 0x14, Size: 9}
	assert.Equal(t, "point 3 serve+[0x10, 0x19) last=0x14", p.String())
}

func TestChannel(t *testing.T) {
	var nilCh *propel.Channel
	assert.False(t, nilCh.HasPeer())

	ch := &propel.Channel{FD: 4, Direction: propel.DirWrite, Type: propel.ChannelPipe, LocalPid: 10}
	assert.False(t, ch.HasPeer())
	ch.RemotePid = 11
	assert.True(t, ch.HasPeer())
	assert.Equal(t, "pipe fd=4 write local=10 remote=11 injected=false", ch.String())
	assert.Equal(t, "Direction(7)", propel.Direction(7).String())
}

func TestFatalError(t *testing.T) {
	cause := errors.New("EFAULT")
	err := fmt.Errorf("install: %w", propel.Fatal("restore permission", 0x401000, cause))

	assert.True(t, propel.IsFatal(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fatal: restore permission at 0x401000: EFAULT")

	var fe *propel.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "restore permission", fe.Op)

	assert.Equal(t, "fatal: open: EFAULT", propel.Fatal("open", 0, cause).Error())
	assert.False(t, propel.IsFatal(cause))
}

func TestErrPermission_Unwrap(t *testing.T) {
	cause := errors.New("EACCES")
	err := propel.ErrPermission{Addr: 0x1000, Len: 5, Perm: propel.PermRWX, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "set rwx on 0x1000+5: EACCES", err.Error())
}
