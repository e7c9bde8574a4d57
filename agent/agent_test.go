package agent_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/agent"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/event"
	"github.com/frobware/go-propel/internal/fake"
	"github.com/frobware/go-propel/interpreter/shm"
	"github.com/frobware/go-propel/ipc"
	"github.com/frobware/go-propel/session"
)

const (
	localPid  = 100
	remotePid = 200
)

func testLogger() *slog.Logger {
	if os.Getenv("PROPEL_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPropeller installs nothing and answers lookups from a fixed set.
type stubPropeller struct {
	mu     sync.Mutex
	runs   int
	points map[uint64]*propel.Point
}

func (p *stubPropeller) Go(context.Context, *session.Context, []*propel.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	return nil
}

func (p *stubPropeller) Lookup(id uint64) (*propel.Point, bool) {
	pt, ok := p.points[id]
	return pt, ok
}

// recordingEvent remembers the sessions it was registered with.
type recordingEvent struct {
	mu       sync.Mutex
	sessions []*session.Context
	err      error
}

func (e *recordingEvent) RegisterEvent(_ context.Context, s *session.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions = append(e.sessions, s)
	return e.err
}

func (e *recordingEvent) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func noEnv(string) (string, bool) { return "", false }

func exe(name string) func() (string, error) {
	return func() (string, error) { return name, nil }
}

type fixture struct {
	agent     *agent.Agent
	parser    *fake.Parser
	propeller *stubPropeller
	init      *recordingEvent
	fini      *recordingEvent
}

func newFixture(t *testing.T, opts ...agent.Option) *fixture {
	t.Helper()
	f := &fixture{
		parser:    fake.NewParser(fake.NewAddressSpace()),
		propeller: &stubPropeller{points: map[uint64]*propel.Point{}},
		init:      &recordingEvent{},
		fini:      &recordingEvent{},
	}
	base := []agent.Option{
		agent.WithLogger(testLogger()),
		agent.WithSlot(&session.Slot{}),
		agent.WithLookupEnv(noEnv),
		agent.WithExecutableName(exe("server")),
	}
	f.agent = agent.Create(append(base, opts...)...)
	f.agent.SetParser(f.parser)
	f.agent.SetInitPropeller(f.propeller)
	f.agent.SetInitEvent(f.init)
	f.agent.SetFiniEvent(f.fini)
	t.Cleanup(func() { _ = f.agent.Close() })
	return f
}

func TestGo_RegistersInitAndFiniEvents(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.agent.Go(context.Background()))

	sess := f.agent.Session()
	require.NotNil(t, sess)
	require.Equal(t, 1, f.init.count())
	require.Equal(t, 1, f.fini.count())
	assert.Same(t, sess, f.init.sessions[0])
	assert.Same(t, sess, f.fini.sessions[0])

	name, addr := sess.Entry()
	assert.Equal(t, agent.DefaultEntry, name)
	assert.NotZero(t, addr)
	assert.Same(t, f.parser.Manager.Space, sess.AS())
}

func TestGo_Twice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.Go(context.Background()))
	assert.ErrorIs(t, f.agent.Go(context.Background()), agent.ErrStarted)
	assert.Equal(t, 1, f.init.count())
}

func TestGo_IllegalProgram(t *testing.T) {
	f := newFixture(t, agent.WithExecutableName(exe("bash")))

	require.NoError(t, f.agent.Go(context.Background()))
	assert.Nil(t, f.agent.Session())
	assert.Zero(t, f.init.count())
	assert.Zero(t, f.fini.count())
}

func TestGo_SetIllegalPrograms(t *testing.T) {
	f := newFixture(t, agent.WithExecutableName(exe("bash")))
	f.agent.SetIllegalPrograms([]string{"nginx"})

	require.NoError(t, f.agent.Go(context.Background()))
	assert.NotNil(t, f.agent.Session(), "bash is no longer denied")
}

func TestGo_UnknownProgramNameStillInstruments(t *testing.T) {
	f := newFixture(t, agent.WithExecutableName(func() (string, error) {
		return "", errors.New("no /proc")
	}))

	require.NoError(t, f.agent.Go(context.Background()))
	assert.NotNil(t, f.agent.Session())
}

func TestGo_ParseOnly(t *testing.T) {
	f := newFixture(t)
	f.agent.EnableParseOnly(true)

	require.NoError(t, f.agent.Go(context.Background()))
	assert.NotNil(t, f.agent.Session())
	assert.Zero(t, f.init.count())
	assert.Zero(t, f.fini.count())
}

func failingPropagator(context.Context, *session.Context) (*ipc.Propagator, error) {
	return nil, errors.New("shmget: permission denied")
}

func TestGo_Modes(t *testing.T) {
	f := newFixture(t, agent.WithPropagatorFactory(failingPropagator))
	f.agent.EnableDirectcallOnly(true)
	f.agent.EnableIPC(true)
	f.agent.EnableTrapOnly(true)

	require.NoError(t, f.agent.Go(context.Background()))
	sess := f.agent.Session()
	assert.True(t, sess.DirectcallOnly())
	assert.True(t, sess.TrapOnly())
	// Without a usable tracing table IPC is switched off again.
	assert.False(t, sess.AllowIPC())
}

func TestGo_EnvironmentForcesModes(t *testing.T) {
	env := map[string]string{
		config.EnvDirectcallOnly: "",
		config.EnvTrap:           "0",
	}
	f := newFixture(t, agent.WithLookupEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	f.agent.EnableDirectcallOnly(false)

	require.NoError(t, f.agent.Go(context.Background()))
	sess := f.agent.Session()
	assert.True(t, sess.DirectcallOnly())
	assert.True(t, sess.TrapOnly())
	assert.False(t, sess.AllowIPC())
}

func TestGo_ParserFilters(t *testing.T) {
	f := newFixture(t)
	f.agent.SetLibrariesToInstrument([]string{"libssl.so.3"})
	f.agent.SetLibrariesToInstrument([]string{"libssl.so.3", "libz.so.1"})
	f.agent.SetFuncsNotToInstrument([]string{"main"})

	require.NoError(t, f.agent.Go(context.Background()))
	assert.Equal(t, []string{"libssl.so.3", "libz.so.1"}, f.parser.Libraries)
	assert.Equal(t, []string{"main"}, f.parser.FuncsDenied)
}

func TestGo_NoAddressSpaceIsFatal(t *testing.T) {
	f := newFixture(t)
	f.parser.Manager.Space = nil

	err := f.agent.Go(context.Background())
	require.Error(t, err)
	assert.True(t, propel.IsFatal(err))
	assert.Zero(t, f.init.count())
}

func TestGo_UnresolvedEntryIsFatal(t *testing.T) {
	f := newFixture(t)
	f.agent.SetInitEntry("missing_entry")

	err := f.agent.Go(context.Background())
	require.Error(t, err)
	assert.True(t, propel.IsFatal(err))
	assert.Contains(t, err.Error(), "missing_entry")
}

func TestGo_InitEventError(t *testing.T) {
	f := newFixture(t)
	f.init.err = propel.Fatal("patch", 0x401000, errors.New("boom"))

	err := f.agent.Go(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init event")
	assert.True(t, propel.IsFatal(err))
	assert.Zero(t, f.fini.count(), "fini is not registered after a failed init")
}

func TestGo_DefaultEventsRunPropeller(t *testing.T) {
	f := newFixture(t)
	f.agent.SetInitEvent(nil)
	f.agent.SetFiniEvent(nil)

	require.NoError(t, f.agent.Go(context.Background()))
	assert.Equal(t, 1, f.propeller.runs)
}

func TestGo_DelayedInitEvent(t *testing.T) {
	f := newFixture(t)
	delayed := event.NewDelayed(0)
	f.agent.SetInitEvent(delayed)

	require.NoError(t, f.agent.Go(context.Background()))
	require.NoError(t, <-delayed.Done())
	f.propeller.mu.Lock()
	defer f.propeller.mu.Unlock()
	assert.Equal(t, 1, f.propeller.runs)
}

func TestGo_PropagatorFailureDisablesIPC(t *testing.T) {
	f := newFixture(t, agent.WithPropagatorFactory(failingPropagator))
	f.agent.EnableIPC(true)

	require.NoError(t, f.agent.Go(context.Background()))
	assert.False(t, f.agent.Session().AllowIPC())
	assert.Nil(t, f.agent.Propagator())
}

// ipcFixture wires an agent to a propagator over fakes.
type ipcFixture struct {
	*fixture
	resolver   *fake.Resolver
	injections *fake.Injections
	table      *shm.Local
}

func newIPCFixture(t *testing.T) *ipcFixture {
	t.Helper()
	table, err := shm.NewLocal(shm.DefaultSize)
	require.NoError(t, err)
	f := &ipcFixture{
		resolver:   fake.NewResolver(),
		injections: &fake.Injections{},
		table:      table,
	}
	factory := func(_ context.Context, s *session.Context) (*ipc.Propagator, error) {
		var workers []*ipc.Worker
		for _, typ := range []propel.ChannelType{propel.ChannelPipe, propel.ChannelTCP} {
			w, err := ipc.New(ipc.Options{
				Type:      typ,
				Resolver:  f.resolver,
				Injectors: f.injections,
				Table:     f.table,
				AgentName: s.Parser().AgentName(),
				Session:   s.ID(),
				Pid:       localPid,
				Logger:    testLogger(),
			})
			if err != nil {
				return nil, err
			}
			workers = append(workers, w)
		}
		return ipc.NewPropagator(s, f.resolver, testLogger(), workers...), nil
	}
	f.fixture = newFixture(t, agent.WithPropagatorFactory(factory))
	f.agent.EnableIPC(true)
	f.propeller.points[1] = &propel.Point{ID: 1, Function: "serve", Callee: "write"}
	f.propeller.points[2] = &propel.Point{ID: 2, Function: "serve", Callee: "recv"}
	f.propeller.points[3] = &propel.Point{ID: 3, Function: "serve", Callee: "strlen"}
	require.NoError(t, f.agent.Go(context.Background()))
	require.NotNil(t, f.agent.Propagator())
	return f
}

func TestEntry_SendInjectsPeer(t *testing.T) {
	f := newIPCFixture(t)
	f.resolver.Connect(5, propel.ChannelPipe, localPid, remotePid)

	regs := &compute.SavedRegs{RDI: 5}
	require.NoError(t, f.agent.Entry(context.Background(), 1, regs))
	require.NoError(t, f.agent.Entry(context.Background(), 1, regs))

	calls := f.injections.Calls()
	require.Len(t, calls, 1, "one injection per channel")
	assert.Equal(t, remotePid, calls[0].Pid)
	assert.Equal(t, f.parser.Agent, calls[0].Agent)
	assert.Equal(t, byte(1), f.table.Get(remotePid))
	assert.Equal(t, uint64(2), f.agent.Hits(1))
}

func TestEntry_SendOnTCP(t *testing.T) {
	f := newIPCFixture(t)
	f.resolver.Connect(7, propel.ChannelTCP, remotePid)

	require.NoError(t, f.agent.Entry(context.Background(), 1, &compute.SavedRegs{RDI: 7}))
	require.Len(t, f.injections.Calls(), 1)
	assert.Equal(t, byte(1), f.table.Get(remotePid))
}

func TestEntry_SendInjectionFailure(t *testing.T) {
	f := newIPCFixture(t)
	f.injections.Fail = func(int) bool { return true }
	f.resolver.Connect(5, propel.ChannelPipe, remotePid)

	err := f.agent.Entry(context.Background(), 1, &compute.SavedRegs{RDI: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pid 200")
	assert.Zero(t, f.table.Get(remotePid))
}

func TestEntry_ReceiveStartsTracing(t *testing.T) {
	f := newIPCFixture(t)
	f.resolver.Connect(6, propel.ChannelPipe, localPid, remotePid)

	require.NoError(t, f.agent.Entry(context.Background(), 2, &compute.SavedRegs{RDI: 6}))
	assert.False(t, f.agent.Tracing(), "not greenlit yet")

	require.NoError(t, f.table.Set(localPid, 1))
	require.NoError(t, f.agent.Entry(context.Background(), 2, &compute.SavedRegs{RDI: 6}))
	assert.True(t, f.agent.Tracing())
}

func TestEntry_OtherCalleesIgnored(t *testing.T) {
	f := newIPCFixture(t)
	f.resolver.Connect(5, propel.ChannelPipe, remotePid)

	require.NoError(t, f.agent.Entry(context.Background(), 3, &compute.SavedRegs{RDI: 5}))
	assert.Empty(t, f.injections.Calls())
	assert.Equal(t, uint64(1), f.agent.Hits(3))
}

func TestEntry_UnknownPoint(t *testing.T) {
	f := newIPCFixture(t)
	require.NoError(t, f.agent.Entry(context.Background(), 99, &compute.SavedRegs{}))
	assert.Equal(t, uint64(1), f.agent.Hits(99))
	assert.Zero(t, f.agent.Hits(98))
}

func TestEntry_BeforeGo(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.Entry(context.Background(), 1, &compute.SavedRegs{}))
	assert.Nil(t, f.agent.Session())
}

func TestClose(t *testing.T) {
	f := newIPCFixture(t)
	require.NoError(t, f.agent.Close())
	assert.Nil(t, f.agent.Session())
	assert.Nil(t, f.agent.Propagator())
	assert.True(t, f.parser.Closed)
	require.NoError(t, f.agent.Close())
}
