package propel

import "fmt"

// ChannelType identifies the IPC mechanism behind a channel.
type ChannelType string

const (
	ChannelPipe ChannelType = "pipe"
	ChannelTCP  ChannelType = "tcp"
)

// Direction is the side of a channel the local process uses.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Channel is one local endpoint of an IPC connection together with
// the process found on the other end.
//
// Injected only ever goes from false to true.
type Channel struct {
	FD        int
	Direction Direction
	Type      ChannelType
	LocalPid  int
	// RemotePid is 0 when no peer process was found.
	RemotePid int
	Injected  bool
}

// HasPeer reports whether a remote process was resolved.
func (c *Channel) HasPeer() bool {
	return c != nil && c.RemotePid > 0
}

func (c *Channel) String() string {
	return fmt.Sprintf("%s fd=%d %s local=%d remote=%d injected=%t",
		c.Type, c.FD, c.Direction, c.LocalPid, c.RemotePid, c.Injected)
}
