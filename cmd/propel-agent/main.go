// propel-agent is the instrumentation agent, built as a shared object
// (-buildmode=c-shared) and loaded into the target process by the
// injector or LD_PRELOAD. Instrumentation starts when the library is
// initialised. It exports default_entry, the payload every
// instrumented call block calls with its point ID and saved registers.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/frobware/go-propel/agent"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/internal/bootstrap"
)

var (
	current     atomic.Pointer[agent.Agent]
	agentLogger atomic.Pointer[slog.Logger]
)

func init() {
	ctx := context.Background()

	cfg, logger, err := bootstrap.LoadConfig()
	agentLogger.Store(logger)
	if err != nil {
		logger.Warn("invalid configuration, not instrumenting", "error", err)
		return
	}

	a, delayed, err := bootstrap.Configure(ctx, cfg, logger)
	if err != nil {
		logger.Warn("cannot set up agent, not instrumenting", "error", err)
		return
	}
	current.Store(a)

	if bootstrap.Start(ctx, a, logger) {
		os.Exit(1)
	}
	if delayed != nil {
		go func() {
			if err := <-delayed.Done(); err != nil && bootstrap.Failed(logger, "delayed instrumentation", err) {
				os.Exit(1)
			}
		}()
	}
}

//export default_entry
func default_entry(pointID C.uint64_t, regs unsafe.Pointer) {
	a := current.Load()
	if a == nil {
		return
	}
	err := a.Entry(context.Background(), uint64(pointID), (*compute.SavedRegs)(regs))
	if err != nil && bootstrap.Failed(agentLogger.Load(), "payload", err) {
		os.Exit(1)
	}
}

func main() {}
