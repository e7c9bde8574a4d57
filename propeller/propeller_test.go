package propeller_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/internal/fake"
	"github.com/frobware/go-propel/lock"
	"github.com/frobware/go-propel/propeller"
	"github.com/frobware/go-propel/session"
	"github.com/frobware/go-propel/worker"
)

func testLogger() *slog.Logger {
	if os.Getenv("PROPEL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callBlock is mov rdi, rax; call +0x100; nop padding.
var callBlock = []byte{
	0x48, 0x89, 0xC7,
	0xE8, 0x00, 0x01, 0x00, 0x00,
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
}

type snippets struct {
	blob propel.Address
	made map[uint64]*fake.Snippet
}

func (s *snippets) For(pt *propel.Point) propel.Snippet {
	snip := &fake.Snippet{Blob: s.blob.Add(pt.ID * 0x100)}
	s.made[pt.ID] = snip
	return snip
}

type fixture struct {
	as       *fake.AddressSpace
	parser   *fake.Parser
	snippets *snippets
	sess     *session.Context
}

func newFixture(t *testing.T, p session.Propeller) *fixture {
	t.Helper()
	as := fake.NewAddressSpace()
	for i := range 4 {
		code := append([]byte(nil), callBlock...)
		as.Map(propel.Address(0x400000+i*0x100), code, propel.PermRX)
	}
	parser := fake.NewParser(as)

	var slot session.Slot
	sess, err := slot.Open(session.Options{
		Propeller: p,
		Parser:    parser,
		Entry:     "default_entry",
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	sess.SetAddressSpace(as)
	t.Cleanup(func() { _ = slot.Close() })

	return &fixture{as: as, parser: parser, sess: sess}
}

func point(id uint64, fn string, size uint64) *propel.Point {
	start := propel.Address(0x400000 + (id-1)*0x100)
	return &propel.Point{
		ID:       id,
		Function: fn,
		Block:    &propel.Block{Start: start, Last: start.Add(3), Size: size},
		Object:   &propel.Object{Path: "/usr/bin/app"},
	}
}

func newPropeller(t *testing.T, opts propeller.Options) (*propeller.Default, *fixture) {
	t.Helper()
	s := &snippets{blob: 0x500000, made: make(map[uint64]*fake.Snippet)}
	opts.Snippets = s
	opts.Logger = testLogger()
	p := propeller.New(opts)
	f := newFixture(t, p)
	f.snippets = s
	return p, f
}

func TestGo_InstallsEligiblePoints(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	f.parser.FuncsDenied = []string{"skipme"}
	f.sess.SetDirectcallOnly(true)

	indirect := point(3, "main", 16)
	indirect.Indirect = true
	points := []*propel.Point{
		point(1, "main", 16),
		point(2, "skipme", 16),
		indirect,
		{ID: 9, Function: "orphan"},
		point(4, "helper", 16),
	}

	require.NoError(t, p.Go(context.Background(), f.sess, points))

	assert.Equal(t, propeller.Result{Installed: 2, Skipped: 3}, p.Result())
	assert.Equal(t, byte(0xE9), f.as.Bytes(0x400000, 1)[0])
	assert.Equal(t, byte(0xE9), f.as.Bytes(0x400300, 1)[0])
	assert.Equal(t, callBlock[:5], f.as.Bytes(0x400100, 5), "denied function untouched")
	assert.Equal(t, callBlock[:5], f.as.Bytes(0x400200, 5), "indirect call untouched")

	_, ok := p.Lookup(1)
	assert.True(t, ok)
	_, ok = p.Lookup(2)
	assert.False(t, ok)
	assert.NotNil(t, points[0].Snippet, "snippet assigned")
	assert.Nil(t, points[1].Snippet)
}

func TestGo_IndirectCallsWithoutDirectcallOnly(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	pt := point(1, "main", 16)
	pt.Indirect = true

	require.NoError(t, p.Go(context.Background(), f.sess, []*propel.Point{pt}))
	assert.Equal(t, 1, p.Result().Installed)
}

func TestGo_CountsRecoverableFailures(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	points := []*propel.Point{point(1, "tiny", 3), point(2, "main", 16)}

	require.NoError(t, p.Go(context.Background(), f.sess, points))

	assert.Equal(t, propeller.Result{Installed: 1, Failed: 1}, p.Result())
	assert.Equal(t, callBlock[:3], f.as.Bytes(0x400000, 3))
}

func TestGo_FatalStopsTheRun(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	first := point(1, "main", 16)
	first.Snippet = &fake.Snippet{Blob: 0x500000, BuildErr: errors.New("out of memory")}
	second := point(2, "main", 16)

	err := p.Go(context.Background(), f.sess, []*propel.Point{first, second})
	require.Error(t, err)
	assert.True(t, propel.IsFatal(err))
	assert.Equal(t, callBlock[:5], f.as.Bytes(0x400100, 5), "later points untouched")
	assert.Nil(t, second.Snippet)
}

func TestGo_TrapOnly(t *testing.T) {
	prober := fake.NewProber()
	p, f := newPropeller(t, propeller.Options{Prober: prober})
	f.sess.SetTrapOnly(true)

	require.NoError(t, p.Go(context.Background(), f.sess, []*propel.Point{point(1, "main", 3)}))

	assert.Equal(t, 1, p.Result().Installed)
	require.Contains(t, prober.Attached, uint64(1))
	assert.Equal(t, propel.Address(0x400000), prober.Attached[1].Addr)
	assert.Empty(t, f.as.Writes(), "code is not modified")
}

func TestGo_TrapFallback(t *testing.T) {
	prober := fake.NewProber()
	p, f := newPropeller(t, propeller.Options{Prober: prober})

	require.NoError(t, p.Go(context.Background(), f.sess, []*propel.Point{point(1, "tiny", 3)}))

	assert.Equal(t, propeller.Result{Installed: 1}, p.Result())
	assert.Contains(t, prober.Attached, uint64(1))
}

func TestGo_NoAddressSpaceIsFatal(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	f.sess.SetAddressSpace(nil)

	err := p.Go(context.Background(), f.sess, []*propel.Point{point(1, "main", 16)})
	assert.True(t, propel.IsFatal(err))
}

func TestGo_NeedsSnippetSource(t *testing.T) {
	p := propeller.New(propeller.Options{Logger: testLogger()})
	f := newFixture(t, p)

	err := p.Go(context.Background(), f.sess, []*propel.Point{point(1, "main", 16)})
	require.Error(t, err)
	assert.False(t, propel.IsFatal(err))
}

func TestGo_Cancelled(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Go(ctx, f.sess, []*propel.Point{point(1, "main", 16)})
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingWorker struct {
	depths []uint64
}

func (w *recordingWorker) Name() string { return "recording" }

func (w *recordingWorker) Install(_ context.Context, scope lock.Scope, _ *propel.Point) (worker.Applied, error) {
	w.depths = append(w.depths, scope.Depth())
	return worker.Applied{Strategy: w.Name()}, nil
}

func (w *recordingWorker) Undo(context.Context, lock.Scope, *propel.Point) error { return nil }

func TestGo_LockTakenPerPoint(t *testing.T) {
	rec := &recordingWorker{}
	p, f := newPropeller(t, propeller.Options{Chain: rec})

	points := []*propel.Point{point(1, "a", 16), point(2, "b", 16), point(3, "c", 16)}
	require.NoError(t, p.Go(context.Background(), f.sess, points))

	assert.Equal(t, []uint64{1, 2, 3}, rec.depths)
}

func TestRevert(t *testing.T) {
	p, f := newPropeller(t, propeller.Options{})
	require.NoError(t, p.Go(context.Background(), f.sess, []*propel.Point{point(1, "main", 16), point(2, "main", 16)}))

	require.NoError(t, p.Revert(context.Background(), f.sess))

	assert.Equal(t, callBlock, f.as.Bytes(0x400000, 16))
	assert.Equal(t, callBlock, f.as.Bytes(0x400100, 16))
	_, ok := p.Lookup(1)
	assert.False(t, ok)
}
