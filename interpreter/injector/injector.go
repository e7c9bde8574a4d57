// Package injector loads the agent into other processes by running an
// external injector executable.
//
// The injector is invoked as
//
//	<path> -p <pid> <agent>
//
// while holding an exclusive file lock for the target pid, so that two
// processes sharing a channel to the same peer never inject it at the
// same time. The lock descriptor is inherited by the injector as fd 3
// and named in SP_INJECT_LOCK_FD; the injector may hold it past its own
// exit if it daemonises.
package injector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/lock"
)

// DefaultPath is the injector looked up in PATH when none is
// configured.
const DefaultPath = "sp-injector"

// Factory creates exec-based injectors.
type Factory struct {
	path    string
	lockDir string
	timeout time.Duration
	logger  *slog.Logger
}

var _ interpreter.InjectorFactory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithTimeout bounds each injector run. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(f *Factory) { f.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// New returns a factory running the injector at path, with per-pid
// lock files under lockDir.
func New(path, lockDir string, opts ...Option) *Factory {
	if path == "" {
		path = DefaultPath
	}
	f := &Factory{
		path:    path,
		lockDir: lockDir,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "injector")
	return f
}

func (f *Factory) Create(pid int) interpreter.Injector {
	return &Injector{f: f, pid: pid}
}

// Injector injects into one pid.
type Injector struct {
	f   *Factory
	pid int
}

// LockPath returns the lock file guarding injection into pid.
func (f *Factory) LockPath(pid int) string {
	return filepath.Join(f.lockDir, "inject-"+strconv.Itoa(pid)+".lock")
}

// Inject runs the injector against the pid with agentPath.
func (i *Injector) Inject(ctx context.Context, agentPath string) error {
	if err := os.MkdirAll(i.f.lockDir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if i.f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.f.timeout)
		defer cancel()
	}

	return lock.RunFile(ctx, i.f.LockPath(i.pid), func(ctx context.Context, scope lock.FileScope) error {
		lockFile, err := scope.DupFD()
		if err != nil {
			return err
		}
		defer lockFile.Close()

		cmd := i.command(ctx, agentPath, lockFile)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		i.f.logger.Debug("running injector", "pid", i.pid, "agent", agentPath, "cmd", cmd.String())
		start := time.Now()
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			i.f.logger.Warn("injector failed", "pid", i.pid, "error", err, "stderr", msg)
			if msg != "" {
				return fmt.Errorf("inject into pid %d: %w: %s", i.pid, err, msg)
			}
			return fmt.Errorf("inject into pid %d: %w", i.pid, err)
		}
		i.f.logger.Info("injected agent", "pid", i.pid, "agent", agentPath, "duration_ms", time.Since(start).Milliseconds())
		return nil
	})
}

func (i *Injector) command(ctx context.Context, agentPath string, lockFile *os.File) *exec.Cmd {
	cmd := exec.CommandContext(ctx, i.f.path, "-p", strconv.Itoa(i.pid), agentPath)
	// ExtraFiles[0] becomes fd 3 in the child.
	cmd.ExtraFiles = []*os.File{lockFile}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", lock.InjectLockFDEnvVar, 3))
	return cmd
}
