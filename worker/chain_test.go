package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/internal/fake"
	"github.com/frobware/go-propel/lock"
	"github.com/frobware/go-propel/worker"
)

// stubWorker returns a canned Install error and records calls.
type stubWorker struct {
	name    string
	err     error
	calls   int
	undone  int
	undoErr error
}

func (s *stubWorker) Name() string { return s.name }

func (s *stubWorker) Install(context.Context, lock.Scope, *propel.Point) (worker.Applied, error) {
	s.calls++
	if s.err != nil {
		return worker.Applied{}, s.err
	}
	return worker.Applied{Strategy: s.name}, nil
}

func (s *stubWorker) Undo(context.Context, lock.Scope, *propel.Point) error {
	s.undone++
	return s.undoErr
}

func runChain(t *testing.T, c *worker.Chain, pt *propel.Point) (worker.Applied, error) {
	t.Helper()
	var (
		applied worker.Applied
		err     error
	)
	_ = lock.New().Run(func(s lock.Scope) error {
		applied, err = c.Install(context.Background(), s, pt)
		return nil
	})
	return applied, err
}

func testPoint() *propel.Point {
	return &propel.Point{ID: 1, Block: &propel.Block{Start: 0x400000, Size: 8}}
}

func TestChain_FallsThroughRecoverableFailures(t *testing.T) {
	first := &stubWorker{name: "first", err: propel.ErrBlockTooSmall{Size: 8, Need: 14}}
	second := &stubWorker{name: "second"}
	c := worker.NewChain(testLogger(), first, second)

	applied, err := runChain(t, c, testPoint())
	require.NoError(t, err)

	assert.Equal(t, "second", applied.Strategy)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestChain_StopsOnFatal(t *testing.T) {
	first := &stubWorker{name: "first", err: propel.Fatal("build blob", 0x400000, errors.New("boom"))}
	second := &stubWorker{name: "second"}
	c := worker.NewChain(testLogger(), first, second)

	_, err := runChain(t, c, testPoint())

	assert.True(t, propel.IsFatal(err))
	assert.Equal(t, 0, second.calls, "no strategy tried after a fatal error")
}

func TestChain_JoinsAllFailures(t *testing.T) {
	first := &stubWorker{name: "first", err: propel.ErrNoBlobAvailable}
	second := &stubWorker{name: "second", err: worker.ErrNoProber}
	c := worker.NewChain(testLogger(), first, second)

	_, err := runChain(t, c, testPoint())

	require.Error(t, err)
	assert.ErrorIs(t, err, propel.ErrNoBlobAvailable)
	assert.ErrorIs(t, err, worker.ErrNoProber)
	assert.Contains(t, err.Error(), "first:")
	assert.Contains(t, err.Error(), "second:")
}

func TestChain_Empty(t *testing.T) {
	_, err := runChain(t, worker.NewChain(testLogger()), testPoint())
	assert.ErrorIs(t, err, worker.ErrNoStrategy)
}

func TestChain_UndoFindsInstallingWorker(t *testing.T) {
	first := &stubWorker{name: "first", undoErr: propel.ErrNotInstalled{Addr: 0x400000}}
	second := &stubWorker{name: "second"}
	c := worker.NewChain(testLogger(), first, second)

	err := lock.New().Run(func(s lock.Scope) error {
		return c.Undo(context.Background(), s, testPoint())
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.undone)
	assert.Equal(t, 1, second.undone)
}

func TestChain_RelocThenTrap(t *testing.T) {
	// An 8-byte block whose blob is out of rel32 reach cannot take the
	// long jump, so the trap strategy picks it up.
	f := newFixture(t, 0x400000, 8, 0x7f0000000000)
	prober := fake.NewProber()
	c := worker.NewChain(testLogger(), f.worker, worker.NewTrap(prober, testLogger()))

	assert.Equal(t, []string{worker.RelocCallBlockName, worker.TrapName}, c.Names())

	applied, err := runChain(t, c, f.point)
	require.NoError(t, err)

	assert.Equal(t, worker.TrapName, applied.Strategy)
	require.Contains(t, prober.Attached, f.point.ID)
	assert.Equal(t, propel.Address(0x400000), prober.Attached[f.point.ID].Addr)
	assert.Empty(t, f.as.Writes())
}

func TestTrap(t *testing.T) {
	prober := fake.NewProber()
	trap := worker.NewTrap(prober, testLogger())
	pt := testPoint()
	l := lock.New()

	require.NoError(t, l.Run(func(s lock.Scope) error {
		_, err := trap.Install(context.Background(), s, pt)
		return err
	}))

	prober.Attached[pt.ID].Count = 3
	hits, err := trap.Hits(pt)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), hits)

	require.NoError(t, l.Run(func(s lock.Scope) error {
		return trap.Undo(context.Background(), s, pt)
	}))
	assert.True(t, prober.Attached[pt.ID].Closed)

	_, err = trap.Hits(pt)
	var notInstalled propel.ErrNotInstalled
	assert.ErrorAs(t, err, &notInstalled)
}

func TestTrap_WithoutProber(t *testing.T) {
	trap := worker.NewTrap(nil, testLogger())

	err := lock.New().Run(func(s lock.Scope) error {
		_, err := trap.Install(context.Background(), s, testPoint())
		return err
	})
	assert.ErrorIs(t, err, worker.ErrNoProber)
}
