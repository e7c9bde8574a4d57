package propel

import (
	"time"

	"github.com/google/uuid"
)

// PatchRecord is the journal entry for one patched block.
type PatchRecord struct {
	Session  uuid.UUID
	Pid      int
	PointID  uint64
	Function string
	Object   string
	Addr     Address
	Blob     Address
	// Strategy names the worker that installed the patch.
	Strategy string
	// Original holds the bytes the patch replaced.
	Original  []byte
	CreatedAt time.Time
}

// InjectionRecord is the journal entry for one agent injection.
type InjectionRecord struct {
	Session   uuid.UUID
	LocalPid  int
	RemotePid int
	Channel   ChannelType
	FD        int
	Agent     string
	CreatedAt time.Time
}
