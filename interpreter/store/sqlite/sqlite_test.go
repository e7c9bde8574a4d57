package sqlite_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter/store"
	"github.com/frobware/go-propel/interpreter/store/sqlite"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set PROPEL_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("PROPEL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJournal(t *testing.T) *sqlite.Journal {
	t.Helper()
	j, err := sqlite.NewInMemory(context.Background(), testLogger())
	require.NoError(t, err, "failed to create journal")
	t.Cleanup(func() { j.Close() })
	return j
}

func testPatch(session uuid.UUID, pid int, addr propel.Address) propel.PatchRecord {
	return propel.PatchRecord{
		Session:   session,
		Pid:       pid,
		PointID:   7,
		Function:  "main",
		Object:    "cat",
		Addr:      addr,
		Blob:      0x7f0000001000,
		Strategy:  "reloc-callblk",
		Original:  []byte{0x48, 0x89, 0xC7, 0xE8, 0x00},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
	}
}

func TestPatches_SaveListDelete(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	session := uuid.New()

	require.NoError(t, j.SavePatch(ctx, testPatch(session, 10, 0x401000)))
	require.NoError(t, j.SavePatch(ctx, testPatch(session, 10, 0x400800)))

	patches, err := j.ListPatches(ctx)
	require.NoError(t, err)
	require.Len(t, patches, 2)
	assert.Equal(t, propel.Address(0x400800), patches[0].Addr, "ordered by address")
	assert.Equal(t, testPatch(session, 10, 0x401000), patches[1])

	require.NoError(t, j.DeletePatch(ctx, 10, 0x400800))
	patches, err = j.ListPatches(ctx)
	require.NoError(t, err)
	require.Len(t, patches, 1)

	err = j.DeletePatch(ctx, 10, 0x400800)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPatches_SaveReplacesSameAddress(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	first := testPatch(uuid.New(), 10, 0x401000)
	second := first
	second.Session = uuid.New()
	second.Strategy = "trap"
	second.Original = nil

	require.NoError(t, j.SavePatch(ctx, first))
	require.NoError(t, j.SavePatch(ctx, second))

	patches, err := j.ListPatches(ctx)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, "trap", patches[0].Strategy)
	assert.Equal(t, second.Session, patches[0].Session)
	assert.Empty(t, patches[0].Original)
}

func TestPatches_HighAddressesRoundTrip(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	rec := testPatch(uuid.New(), 10, 0x7ffff7dd1000)
	rec.Blob = 0x7ffff7ff0000
	require.NoError(t, j.SavePatch(ctx, rec))

	patches, err := j.ListPatches(ctx)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, rec.Addr, patches[0].Addr)
	assert.Equal(t, rec.Blob, patches[0].Blob)
}

func TestInjections_SaveList(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	session := uuid.New()

	for _, remote := range []int{20, 30, 20} {
		require.NoError(t, j.SaveInjection(ctx, propel.InjectionRecord{
			Session:   session,
			LocalPid:  10,
			RemotePid: remote,
			Channel:   propel.ChannelPipe,
			FD:        4,
			Agent:     "/opt/propel/libpropel.so",
		}))
	}

	injections, err := j.ListInjections(ctx)
	require.NoError(t, err)
	require.Len(t, injections, 3)
	assert.Equal(t, []int{20, 30, 20}, []int{injections[0].RemotePid, injections[1].RemotePid, injections[2].RemotePid})
	assert.Equal(t, propel.ChannelPipe, injections[0].Channel)
	assert.Equal(t, session, injections[0].Session)
	assert.False(t, injections[0].CreatedAt.IsZero())

	n, err := j.InjectedInto(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = j.InjectedInto(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrune(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	session := uuid.New()

	require.NoError(t, j.SavePatch(ctx, testPatch(session, 10, 0x401000)))
	require.NoError(t, j.SavePatch(ctx, testPatch(session, 10, 0x402000)))
	require.NoError(t, j.SavePatch(ctx, testPatch(session, 11, 0x401000)))
	require.NoError(t, j.SaveInjection(ctx, propel.InjectionRecord{Session: session, LocalPid: 11, RemotePid: 10, Channel: propel.ChannelTCP, Agent: "a.so"}))
	require.NoError(t, j.SaveInjection(ctx, propel.InjectionRecord{Session: session, LocalPid: 11, RemotePid: 12, Channel: propel.ChannelTCP, Agent: "a.so"}))

	res, err := j.Prune(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, sqlite.PruneResult{Patches: 2, Injections: 1}, res)

	patches, err := j.ListPatches(ctx)
	require.NoError(t, err)
	require.Len(t, patches, 1)
	assert.Equal(t, 11, patches[0].Pid)

	injections, err := j.ListInjections(ctx)
	require.NoError(t, err)
	require.Len(t, injections, 1)
	assert.Equal(t, 12, injections[0].RemotePid)
}

func TestNew_FileBackedSharedByTwoHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "journal.db")

	a, err := sqlite.New(ctx, path, testLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := sqlite.New(ctx, path, testLogger())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SavePatch(ctx, testPatch(uuid.New(), 10, 0x401000)))

	patches, err := b.ListPatches(ctx)
	require.NoError(t, err)
	assert.Len(t, patches, 1)
}
