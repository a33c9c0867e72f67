package ctx

import (
	"sync"
	"sync/atomic"
)

// Memory chunk geometry. Chunks are the unit of every pool allocation.
const (
	ChunkSizeMB = 1
	ChunkSize   = ChunkSizeMB * 1024 * 1024
	MinChunksMB = 32
)

// DisableChecks is a bitmask of consistency checks the operator may turn off.
type DisableChecks uint

const (
	ChecksGrants DisableChecks = 1 << iota
	ChecksSupplementalLog
	ChecksBlockSum
	ChecksJSONTags
	ChecksBadData
)

// Trace is a bitmask selecting debug trace channels.
type Trace uint

const (
	TraceDisk Trace = 1 << iota
	TraceFile
	TraceSleep
	TraceThreads
	TraceRecord
	TraceTransaction
	TraceCheckpoint
)

// Ctx is the shared runtime context, owned by main and borrowed by every
// long-running goroutine. It coordinates shutdown and carries process-wide
// redo-stream facts: endianness, database version, check masks.
type Ctx struct {
	DisableChecks DisableChecks
	TraceMask     Trace

	bigEndian atomic.Bool

	// Version is fixed by the first redo log header seen; later files must
	// match. Zero means not yet known.
	Version    atomic.Uint32
	VersionStr atomic.Value // string

	softShutdown       atomic.Bool
	hardShutdown       atomic.Bool
	replicatorFinished atomic.Bool

	condMtx sync.Mutex
	conds   []*sync.Cond
}

// New creates a context with all checks enabled.
func New() *Ctx {
	c := &Ctx{}
	c.VersionStr.Store("")
	return c
}

// IsBigEndian reports the redo stream byte order.
func (c *Ctx) IsBigEndian() bool { return c.bigEndian.Load() }

// SetBigEndian switches the stream byte order, decided by the file header
// endian marker of the first log read.
func (c *Ctx) SetBigEndian() { c.bigEndian.Store(true) }

// IsDisabled reports whether the given check is masked off.
func (c *Ctx) IsDisabled(m DisableChecks) bool { return c.DisableChecks&m != 0 }

// IsTrace reports whether the given trace channel is active.
func (c *Ctx) IsTrace(t Trace) bool { return c.TraceMask&t != 0 }

// RegisterCond adds a condition variable to the set broadcast on shutdown.
// Every blocking wait in the system must sit on a registered cond and include
// a shutdown check in its predicate.
func (c *Ctx) RegisterCond(cond *sync.Cond) {
	c.condMtx.Lock()
	c.conds = append(c.conds, cond)
	c.condMtx.Unlock()
}

// StopSoft requests a graceful stop: finish the current work, emit pending
// commits, then exit.
func (c *Ctx) StopSoft() {
	c.softShutdown.Store(true)
	c.broadcast()
}

// StopHard requests an immediate stop at the next safe point. Implies soft.
func (c *Ctx) StopHard() {
	c.softShutdown.Store(true)
	c.hardShutdown.Store(true)
	c.broadcast()
}

// SoftShutdown reports whether a graceful stop was requested.
func (c *Ctx) SoftShutdown() bool { return c.softShutdown.Load() }

// HardShutdown reports whether an immediate stop was requested.
func (c *Ctx) HardShutdown() bool { return c.hardShutdown.Load() }

// SetReplicatorFinished marks that the replicator drained its last log file.
func (c *Ctx) SetReplicatorFinished() { c.replicatorFinished.Store(true) }

// ReplicatorFinished reports whether replication reached its end state.
func (c *Ctx) ReplicatorFinished() bool { return c.replicatorFinished.Load() }

func (c *Ctx) broadcast() {
	c.condMtx.Lock()
	conds := make([]*sync.Cond, len(c.conds))
	copy(conds, c.conds)
	c.condMtx.Unlock()
	for _, cond := range conds {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	}
}
