package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
)

// Status is the replication lifecycle state.
type Status int

const (
	// StatusReady: no position yet; waiting for a start command or config.
	StatusReady Status = iota
	// StatusStart: position chosen; the replicator may begin.
	StatusStart
	// StatusReplicate: actively streaming.
	StatusReplicate
	// StatusFinished: the last log was drained (batch mode or shutdown).
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusStart:
		return "START"
	case StatusReplicate:
		return "REPLICATE"
	case StatusFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

const checkpointKey = "checkpoint"

// Incarnation describes one database incarnation from the resetlogs history.
type Incarnation struct {
	Incarnation  uint32    `json:"incarnation"`
	Resetlogs    uint32    `json:"resetlogs"`
	ResetlogsScn types.Scn `json:"resetlogs-scn"`
	Parent       uint32    `json:"parent"`
	Current      bool      `json:"current"`
}

// Metadata is the durable replication position plus the lifecycle gate the
// replicator and writer synchronize on at startup.
type Metadata struct {
	Database string

	store Store

	mtx        sync.Mutex
	cond       *sync.Cond
	status     Status
	checkpoint types.Checkpoint
	haveCkpt   bool

	// Position being replicated, advanced by the replicator.
	Sequence   types.Seq
	FileOffset uint64
	FirstScn   types.Scn
	Resetlogs  uint32
	Activation uint32

	Incarnations []Incarnation
}

// New creates the metadata layer over a store.
func New(c *ctx.Ctx, store Store, database string) *Metadata {
	m := &Metadata{
		Database: database,
		store:    store,
	}
	m.cond = sync.NewCond(&m.mtx)
	c.RegisterCond(m.cond)
	return m
}

// Status returns the current lifecycle state.
func (m *Metadata) Status() Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.status
}

// SetStatus advances the lifecycle and wakes waiters.
func (m *Metadata) SetStatus(s Status) {
	m.mtx.Lock()
	m.status = s
	m.cond.Broadcast()
	m.mtx.Unlock()
}

// WaitForWriter blocks until the writer has finished startup and moved the
// state to at least StatusStart, or stop reports true. The writer may hold
// an overriding start position from a prior checkpoint, so the replicator
// must not pick a log file before this returns.
func (m *Metadata) WaitForWriter(stop func() bool) Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for m.status == StatusReady && !stop() {
		m.cond.Wait()
	}
	return m.status
}

// ReadCheckpoint loads the last persisted checkpoint, nil when none exists.
func (m *Metadata) ReadCheckpoint(c *ctx.Ctx) (*types.Checkpoint, error) {
	data, err := m.store.Read(checkpointKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var ckpt types.Checkpoint
	dec := json.NewDecoder(bytes.NewReader(data))
	if !c.IsDisabled(ctx.ChecksJSONTags) {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&ckpt); err != nil {
		return nil, ctx.DataError(30001, fmt.Sprintf("malformed checkpoint: %v", err))
	}
	if ckpt.Database != m.Database {
		return nil, ctx.DataError(30002, fmt.Sprintf(
			"checkpoint belongs to database %q, expected %q", ckpt.Database, m.Database))
	}

	m.mtx.Lock()
	m.checkpoint = ckpt
	m.haveCkpt = true
	m.mtx.Unlock()
	return &ckpt, nil
}

// WriteCheckpoint persists a new confirmed position. The (scn, idx) pair must
// not move backwards; a violation is a runtime error.
func (m *Metadata) WriteCheckpoint(ckpt types.Checkpoint) error {
	m.mtx.Lock()
	if m.haveCkpt && ckpt.Before(m.checkpoint) {
		prev := m.checkpoint
		m.mtx.Unlock()
		return ctx.RuntimeError(30003, fmt.Sprintf(
			"checkpoint would move backwards: have scn %s idx %d, got scn %s idx %d",
			prev.Scn, prev.Idx, ckpt.Scn, ckpt.Idx), nil)
	}
	m.checkpoint = ckpt
	m.haveCkpt = true
	m.mtx.Unlock()

	data, err := json.Marshal(ckpt)
	if err != nil {
		return err
	}
	if err := m.store.Write(checkpointKey, data); err != nil {
		return ctx.RuntimeError(30004, "checkpoint write failed", err)
	}
	metrics.CheckpointsWritten.Inc()
	metrics.ConfirmedScn.Set(float64(ckpt.Scn))
	log.Debug("checkpoint written at scn " + ckpt.Scn.String())
	return nil
}

// Checkpoint returns the last known confirmed position.
func (m *Metadata) Checkpoint() (types.Checkpoint, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.checkpoint, m.haveCkpt
}

// CurrentIncarnation returns the incarnation marked current, nil when the
// history is unknown.
func (m *Metadata) CurrentIncarnation() *Incarnation {
	for i := range m.Incarnations {
		if m.Incarnations[i].Current {
			return &m.Incarnations[i]
		}
	}
	return nil
}

// ActivateIncarnation switches the current flag to the given incarnation.
func (m *Metadata) ActivateIncarnation(inc uint32) {
	for i := range m.Incarnations {
		m.Incarnations[i].Current = m.Incarnations[i].Incarnation == inc
	}
}
