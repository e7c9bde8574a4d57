package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/cmd/propel/cli"
	"github.com/frobware/go-propel/interpreter/shm"
	"github.com/frobware/go-propel/interpreter/store/sqlite"
	"github.com/frobware/go-propel/parser"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// run parses args and executes the selected command, capturing its
// output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c, kctx, err := cli.Parse(args,
		kong.Exit(func(int) { t.Fatalf("kong exited for %v", args) }),
		kong.BindTo(context.Background(), (*context.Context)(nil)))
	require.NoError(t, err)
	var out bytes.Buffer
	c.Out = &out
	err = kctx.Run(c)
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "propel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{" 4242 ", 4242, false},
		{"", 0, true},
		{"0", 0, true},
		{"-3", 0, true},
		{"0x10", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cli.ParsePID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestParseHexByte(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{"0", 0, false},
		{"1", 1, false},
		{"0xff", 0xFF, false},
		{"0X7f", 0x7F, false},
		{"256", 0, true},
		{"0x100", 0, true},
		{"on", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cli.ParseHexByte(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestParse_TableSet(t *testing.T) {
	c, kctx, err := cli.Parse([]string{"table", "set", "42", "0x2"})
	require.NoError(t, err)
	assert.Equal(t, "table set <pid> <value>", kctx.Command())
	assert.Equal(t, 42, c.Table.Set.PID.Value)
	assert.Equal(t, byte(2), c.Table.Set.Value.Value)
}

func TestParse_RejectsBadPID(t *testing.T) {
	_, _, err := cli.Parse([]string{"table", "get", "zero"})
	require.Error(t, err)
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestPrintOut_PropagatesError(t *testing.T) {
	c := &cli.CLI{Out: failingWriter{err: syscall.EPIPE}}
	assert.ErrorIs(t, c.PrintOut("x"), syscall.EPIPE)
	assert.ErrorIs(t, c.PrintOutf("%d", 1), syscall.EPIPE)
}

func TestShowConfig(t *testing.T) {
	path := writeConfig(t, "[ipc]\nenabled = true\n")

	out, err := run(t, "--config", path, "show-config")
	require.NoError(t, err)
	assert.Contains(t, out, "[ipc]")
	assert.Contains(t, out, "enabled = true")
	assert.Contains(t, out, "shm_key = 1987")
}

func TestShowConfig_InvalidFile(t *testing.T) {
	path := writeConfig(t, "[ipc]\nshm_key = \"x\"\n")

	_, err := run(t, "--config", path, "show-config")
	require.Error(t, err)
}

// seedJournal creates a file-backed journal and returns a config
// pointing at it.
func seedJournal(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := sqlite.New(ctx, dbPath, testLogger())
	require.NoError(t, err)
	defer j.Close()

	session := uuid.New()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, pid := range []int{42, 42, 43} {
		require.NoError(t, j.SavePatch(ctx, propel.PatchRecord{
			Session:   session,
			Pid:       pid,
			PointID:   uint64(i),
			Function:  "serve",
			Object:    "server",
			Addr:      propel.Address(0x401000 + i*0x10),
			Blob:      0x7f0000001000,
			Strategy:  "reloc-callblk",
			Original:  []byte{0xE8, 0, 0, 0, 0},
			CreatedAt: created,
		}))
	}
	require.NoError(t, j.SaveInjection(ctx, propel.InjectionRecord{
		Session:   session,
		LocalPid:  42,
		RemotePid: 43,
		Channel:   propel.ChannelPipe,
		FD:        5,
		Agent:     "/usr/lib/libpropel-agent.so",
		CreatedAt: created,
	}))

	return writeConfig(t, "[journal]\nenabled = true\npath = \""+dbPath+"\"\n")
}

func TestJournal_Patches(t *testing.T) {
	cfg := seedJournal(t)

	out, err := run(t, "--config", cfg, "journal", "patches")
	require.NoError(t, err)
	assert.Contains(t, out, "STRATEGY")
	assert.Contains(t, out, "0x401010")

	out, err = run(t, "--config", cfg, "journal", "patches", "--pid", "43", "-o", "json")
	require.NoError(t, err)
	var patches []propel.PatchRecord
	require.NoError(t, json.Unmarshal([]byte(out), &patches))
	require.Len(t, patches, 1)
	assert.Equal(t, 43, patches[0].Pid)
}

func TestJournal_Injections(t *testing.T) {
	cfg := seedJournal(t)

	out, err := run(t, "--config", cfg, "journal", "injections")
	require.NoError(t, err)
	assert.Contains(t, out, "pipe")
	assert.Contains(t, out, "/usr/lib/libpropel-agent.so")
}

func TestJournal_Prune(t *testing.T) {
	cfg := seedJournal(t)

	out, err := run(t, "--config", cfg, "journal", "prune", "42")
	require.NoError(t, err)
	assert.Equal(t, "Pruned 2 patches and 1 injections of pid 42\n", out)

	out, err = run(t, "--config", cfg, "journal", "patches", "--pid", "42")
	require.NoError(t, err)
	assert.Equal(t, "No patches recorded\n", out)
}

func TestJournal_Missing(t *testing.T) {
	cfg := writeConfig(t, "[journal]\npath = \""+filepath.Join(t.TempDir(), "absent.db")+"\"\n")

	_, err := run(t, "--config", cfg, "journal", "patches")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFormatTable(t *testing.T) {
	table, err := shm.NewLocal(shm.DefaultSize)
	require.NoError(t, err)
	assert.Empty(t, cli.FormatTable(table))

	require.NoError(t, table.Set(7, 1))
	require.NoError(t, table.Set(300, 2))
	assert.Equal(t, "PID\tFLAG\n7\t1\n300\t2\n", cli.FormatTable(table))
}

func TestFormatBlocks(t *testing.T) {
	assert.Equal(t, "No call blocks\n", cli.FormatBlocks(nil))

	blocks := []parser.CallBlock{
		{Block: propel.Block{Start: 0x1000, Last: 0x1004, Size: 9}, Target: 0x2000},
		{Block: propel.Block{Start: 0x1009, Last: 0x1009, Size: 2}, Indirect: true},
	}
	assert.Equal(t,
		"0x1000-0x1004\t9 bytes\tcall 0x2000\n0x1009-0x1009\t2 bytes\tcall indirect\n",
		cli.FormatBlocks(blocks))
}

//go:noinline
func disasmTarget(x int) int { return x*7 + 1 }

func TestDisasm(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("x86-64 only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, 8, disasmTarget(1))

	name := "github.com/frobware/go-propel/cmd/propel/cli_test.disasmTarget"
	out, err := run(t, "disasm", exe, name)
	require.NoError(t, err)
	assert.Contains(t, out, "<"+name+">")

	_, err = run(t, "disasm", exe, "no_such_function")
	require.Error(t, err)
}

func TestJournal_GC(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := sqlite.New(ctx, dbPath, testLogger())
	require.NoError(t, err)

	// The highest pid the kernel hands out is pid_max-1; nothing runs
	// there in a test environment.
	const gone = 4194303
	self := os.Getpid()
	for _, pid := range []int{self, gone} {
		require.NoError(t, j.SavePatch(ctx, propel.PatchRecord{
			Session: uuid.New(), Pid: pid, Addr: 0x401000, Blob: 0x500000, Strategy: "trap",
		}))
	}
	require.NoError(t, j.SaveInjection(ctx, propel.InjectionRecord{
		Session: uuid.New(), LocalPid: self, RemotePid: gone, Channel: propel.ChannelTCP, FD: 9, Agent: "a.so",
	}))
	require.NoError(t, j.Close())
	cfg := writeConfig(t, "[journal]\npath = \""+dbPath+"\"\n")

	out, err := run(t, "--config", cfg, "journal", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "pid 4194303: 1 patches, 1 injections")
	assert.Contains(t, out, "Dry run")

	out, err = run(t, "--config", cfg, "journal", "gc", "--prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed the records of 1 processes")

	out, err = run(t, "--config", cfg, "journal", "patches", "-o", "json")
	require.NoError(t, err)
	var patches []propel.PatchRecord
	require.NoError(t, json.Unmarshal([]byte(out), &patches))
	require.Len(t, patches, 1)
	assert.Equal(t, self, patches[0].Pid)

	out, err = run(t, "--config", cfg, "journal", "gc")
	require.NoError(t, err)
	assert.Equal(t, "Nothing to clean up.\n", out)
}
