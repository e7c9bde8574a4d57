//go:build !linux

package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/ipc"
	"github.com/frobware/go-propel/session"
)

var errUnsupported = errors.New("in-process instrumentation is only supported on linux")

func enableCoreDumps() error { return errUnsupported }

func threadID() int { return os.Getpid() }

func newDefaultParser(*slog.Logger) (interpreter.Parser, error) {
	return nil, errUnsupported
}

func newDefaultPropeller(*slog.Logger, interpreter.Prober, config.TrapConfig) (session.Propeller, error) {
	return nil, errUnsupported
}

func (a *Agent) defaultPropagator(context.Context, *session.Context) (*ipc.Propagator, error) {
	return nil, errUnsupported
}
