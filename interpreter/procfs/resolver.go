// Package procfs finds the processes at the other end of a file
// descriptor by walking /proc.
//
// Pipes are matched by inode: every process holding a descriptor that
// links to the same "pipe:[inode]" shares the pipe. TCP sockets are
// matched through /proc/<pid>/net/tcp{,6}: the peer socket is the one
// whose local and remote endpoints mirror ours, which only finds peers
// on this host and in this network namespace.
package procfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
)

// DefaultMountPoint is where procfs is normally mounted.
const DefaultMountPoint = procfs.DefaultMountPoint

// Resolver resolves descriptors of one process against a procfs mount.
type Resolver struct {
	root   string
	fs     procfs.FS
	self   int
	logger *slog.Logger
}

var _ interpreter.PidResolver = (*Resolver)(nil)

// New returns a resolver for the current process.
func New(logger *slog.Logger) (*Resolver, error) {
	return NewWithRoot(DefaultMountPoint, os.Getpid(), logger)
}

// NewWithRoot returns a resolver for pid using the procfs mounted at
// root.
func NewWithRoot(root string, pid int, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", root, err)
	}
	return &Resolver{
		root:   root,
		fs:     fs,
		self:   pid,
		logger: logger.With("component", "ipc"),
	}, nil
}

// target reads the link of one of our descriptors.
func (r *Resolver) target(fd int) (string, error) {
	link := filepath.Join(r.root, strconv.Itoa(r.self), "fd", strconv.Itoa(fd))
	t, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("fd %d: %w", fd, err)
	}
	return t, nil
}

// inode extracts N from "kind:[N]".
func inode(target, kind string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, kind+":[")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "]")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

// Classify reports whether fd is a pipe or a TCP socket.
func (r *Resolver) Classify(fd int) (propel.ChannelType, error) {
	t, err := r.target(fd)
	if err != nil {
		return "", err
	}
	if _, ok := inode(t, "pipe"); ok {
		return propel.ChannelPipe, nil
	}
	if ino, ok := inode(t, "socket"); ok {
		if r.isTCP(ino) {
			return propel.ChannelTCP, nil
		}
	}
	return "", fmt.Errorf("fd %d (%s) is neither a pipe nor a TCP socket", fd, t)
}

// PeerPids lists every pid holding the other end of fd, ours included.
func (r *Resolver) PeerPids(fd int, typ propel.ChannelType) ([]int, error) {
	t, err := r.target(fd)
	if err != nil {
		return nil, err
	}

	switch typ {
	case propel.ChannelPipe:
		if _, ok := inode(t, "pipe"); !ok {
			return nil, fmt.Errorf("fd %d (%s) is not a pipe", fd, t)
		}
		return r.holders(t)

	case propel.ChannelTCP:
		ino, ok := inode(t, "socket")
		if !ok {
			return nil, fmt.Errorf("fd %d (%s) is not a socket", fd, t)
		}
		peer, err := r.tcpPeer(ino)
		if err != nil {
			return nil, err
		}
		if peer == 0 {
			return nil, nil
		}
		return r.holders(fmt.Sprintf("socket:[%d]", peer))

	default:
		return nil, fmt.Errorf("unsupported channel type %q", typ)
	}
}

// holders returns the pids with a descriptor linking to target, in
// ascending pid order. Processes that vanish or deny access are
// skipped.
func (r *Resolver) holders(target string) ([]int, error) {
	procs, err := r.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var pids []int
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, t := range targets {
			if t == target {
				pids = append(pids, p.PID)
				break
			}
		}
	}
	slices.Sort(pids)
	r.logger.Debug("resolved descriptor holders", "target", target, "pids", pids)
	return pids, nil
}

func (r *Resolver) netTCP() (procfs.NetTCP, error) {
	fs, err := procfs.NewFS(filepath.Join(r.root, strconv.Itoa(r.self)))
	if err != nil {
		return nil, err
	}
	var lines procfs.NetTCP
	for _, read := range []func() (procfs.NetTCP, error){fs.NetTCP, fs.NetTCP6} {
		entries, err := read()
		if err != nil {
			continue
		}
		lines = append(lines, entries...)
	}
	return lines, nil
}

func (r *Resolver) isTCP(ino uint64) bool {
	lines, err := r.netTCP()
	if err != nil {
		return false
	}
	for _, l := range lines {
		if l.Inode == ino {
			return true
		}
	}
	return false
}

// tcpPeer returns the inode of the socket connected to ino, or 0.
func (r *Resolver) tcpPeer(ino uint64) (uint64, error) {
	lines, err := r.netTCP()
	if err != nil {
		return 0, fmt.Errorf("read tcp table: %w", err)
	}

	self := -1
	for i, l := range lines {
		if l.Inode == ino {
			self = i
			break
		}
	}
	if self < 0 {
		return 0, fmt.Errorf("socket inode %d not in tcp table", ino)
	}
	me := lines[self]

	for _, l := range lines {
		if l.Inode == 0 || l.Inode == ino {
			continue
		}
		if l.LocalPort == me.RemPort && l.RemPort == me.LocalPort &&
			l.LocalAddr.Equal(me.RemAddr) && l.RemAddr.Equal(me.LocalAddr) {
			return l.Inode, nil
		}
	}
	return 0, nil
}

// ExecutableName returns the base name of the current executable, as
// used by the agent's program denylist.
func ExecutableName() (string, error) {
	self, err := procfs.Self()
	if err != nil {
		return "", err
	}
	exe, err := self.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Base(exe), nil
}
