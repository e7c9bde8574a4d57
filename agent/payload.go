package agent

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/lock"
	"github.com/frobware/go-propel/logging"
)

// pointLookup is implemented by propellers that remember what they
// installed.
type pointLookup interface {
	Lookup(id uint64) (*propel.Point, bool)
}

type calleeKind int

const (
	calleeOther calleeKind = iota
	calleeSend
	calleeRecv
)

var calleeKinds = map[string]calleeKind{
	"write":    calleeSend,
	"writev":   calleeSend,
	"send":     calleeSend,
	"sendto":   calleeSend,
	"sendmsg":  calleeSend,
	"read":     calleeRecv,
	"readv":    calleeRecv,
	"recv":     calleeRecv,
	"recvfrom": calleeRecv,
	"recvmsg":  calleeRecv,
}

func classify(callee string) calleeKind {
	callee = strings.TrimPrefix(callee, "__libc_")
	if i := strings.IndexByte(callee, '@'); i >= 0 {
		callee = callee[:i]
	}
	return calleeKinds[callee]
}

// Entry is the body of the entry payload. It runs on the thread that
// reached instrumented point pointID, with regs holding that thread's
// registers at the call. For send-like callees the first argument is
// the descriptor handed to the IPC propagator; a receive on a traced
// channel turns tracing on in this process.
func (a *Agent) Entry(ctx context.Context, pointID uint64, regs *compute.SavedRegs) error {
	a.countHit(pointID)

	sess := a.sess.Load()
	if sess == nil {
		return nil
	}
	lookup, ok := sess.Propeller().(pointLookup)
	if !ok {
		return nil
	}
	pt, ok := lookup.Lookup(pointID)
	if !ok {
		a.logger.Debug("payload for unknown point", "point", pointID)
		return nil
	}
	a.logger.Log(ctx, logging.LevelTrace.ToSlog(), "entry", "point", pointID, "callee", pt.Callee, "tid", threadID())

	p := a.propagator.Load()
	if p == nil || regs == nil {
		return nil
	}
	fd := int(int32(regs.RDI))

	switch classify(pt.Callee) {
	case calleeSend:
		return sess.Lock().Run(func(scope lock.Scope) error {
			_, err := p.OnSend(ctx, scope, fd)
			return err
		})
	case calleeRecv:
		if p.OnReceive(fd) && !a.tracing.Swap(true) {
			a.logger.Info("start tracing", "fd", fd, "point", pointID)
		}
	}
	return nil
}

func (a *Agent) countHit(id uint64) {
	v, ok := a.hits.Load(id)
	if !ok {
		v, _ = a.hits.LoadOrStore(id, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(1)
}

// Hits returns how many times the payload of point id has run.
func (a *Agent) Hits(id uint64) uint64 {
	v, ok := a.hits.Load(id)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// Tracing reports whether a traced peer has sent data to this process.
func (a *Agent) Tracing() bool {
	return a.tracing.Load()
}
