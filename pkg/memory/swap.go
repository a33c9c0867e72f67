package memory

import (
	"fmt"
	"path/filepath"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
)

// Per-transaction swap API, called by the transaction buffer. All methods
// mutate the per-XID SwapChunk record under swapMtx; the swapper mutates the
// same records under the same mutex.

func (m *Manager) swapFileName(xid types.Xid) string {
	return filepath.Join(m.cfg.SwapPath, xid.String()+".swap")
}

// SwapInit creates the per-XID record. If a record for the same XID from a
// just-committed transaction is still being reclaimed, waits for the swapper
// to finish unlinking it first.
func (m *Manager) SwapInit(xid types.Xid) {
	m.swapMtx.Lock()
	defer m.swapMtx.Unlock()

	for !m.context.HardShutdown() {
		if _, ok := m.swapChunks[xid]; !ok {
			break
		}
		m.condReused.Wait()
	}
	m.swapChunks[xid] = &SwapChunk{swappedMin: -1, swappedMax: -1}
}

// SwapSize returns the page count of the XID's chunk list.
func (m *Manager) SwapSize(xid types.Xid) (uint64, error) {
	m.swapMtx.Lock()
	defer m.swapMtx.Unlock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		return 0, ctx.RuntimeError(50070, "swap chunk not found for xid: "+xid.String(), nil)
	}
	return uint64(len(sc.chunks)), nil
}

// SwapGet returns chunk index of the XID's list. If the chunk is on disk, the
// swapper is asked to reload it and the call blocks until it is resident.
// Returns nil on shutdown.
func (m *Manager) SwapGet(xid types.Xid, index int64) ([]byte, error) {
	m.swapMtx.Lock()
	defer m.swapMtx.Unlock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		return nil, ctx.RuntimeError(50070, "swap chunk not found for xid: "+xid.String(), nil)
	}

	for !m.context.HardShutdown() {
		if index < sc.swappedMin || index > sc.swappedMax {
			return sc.chunks[index], nil
		}
		m.flushXid = xid
		m.condSwapper.Broadcast()
		m.condTransaction.Wait()
	}
	return nil, nil
}

// SwapRelease frees one resident chunk of the XID's list.
func (m *Manager) SwapRelease(xid types.Xid, index int64) error {
	m.swapMtx.Lock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		m.swapMtx.Unlock()
		return ctx.RuntimeError(50070, "swap chunk not found for xid: "+xid.String(), nil)
	}
	chunk := sc.chunks[index]
	sc.chunks[index] = nil
	m.swapMtx.Unlock()

	return m.FreeChunk(ModuleTransactions, chunk)
}

// SwapGrow appends a fresh chunk to the XID's list and returns it.
// Returns nil on shutdown.
func (m *Manager) SwapGrow(xid types.Xid) ([]byte, error) {
	m.swapMtx.Lock()
	_, ok := m.swapChunks[xid]
	m.swapMtx.Unlock()
	if !ok {
		return nil, ctx.RuntimeError(50070, "swap chunk not found for xid: "+xid.String(), nil)
	}

	chunk, err := m.GetChunk(ModuleTransactions, false)
	if err != nil || chunk == nil {
		return nil, err
	}

	m.swapMtx.Lock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		m.swapMtx.Unlock()
		_ = m.FreeChunk(ModuleTransactions, chunk)
		return nil, ctx.RuntimeError(50070, "swap chunk vanished for xid: "+xid.String(), nil)
	}
	sc.chunks = append(sc.chunks, chunk)
	m.swapMtx.Unlock()
	return chunk, nil
}

// SwapShrink pops the last chunk of the XID's list and returns the new last
// chunk, unswapping it first if the tail went cold. Returns nil when the
// list became empty or on shutdown.
func (m *Manager) SwapShrink(xid types.Xid) ([]byte, error) {
	m.swapMtx.Lock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		m.swapMtx.Unlock()
		return nil, ctx.RuntimeError(50070, "swap chunk not found for xid: "+xid.String(), nil)
	}
	last := sc.chunks[len(sc.chunks)-1]
	sc.chunks = sc.chunks[:len(sc.chunks)-1]
	m.swapMtx.Unlock()

	if err := m.FreeChunk(ModuleTransactions, last); err != nil {
		return nil, err
	}

	m.swapMtx.Lock()
	defer m.swapMtx.Unlock()
	if len(sc.chunks) == 0 {
		return nil, nil
	}
	index := int64(len(sc.chunks) - 1)

	m.shrinkXid = xid
	for !m.context.HardShutdown() {
		if index < sc.swappedMin || index > sc.swappedMax {
			break
		}
		m.condSwapper.Broadcast()
		m.condTransaction.Wait()
	}
	m.shrinkXid = 0
	if m.context.HardShutdown() {
		return nil, nil
	}
	return sc.chunks[len(sc.chunks)-1], nil
}

// SwapFlush asks the swapper to bring the XID's head chunks back into
// memory; the commit drain is about to walk the log from the start.
func (m *Manager) SwapFlush(xid types.Xid) {
	m.swapMtx.Lock()
	m.flushXid = xid
	m.condSwapper.Broadcast()
	m.swapMtx.Unlock()
}

// SwapRemove tears the XID's record down: frees resident chunks and hands
// the swap-file unlink to the swapper.
func (m *Manager) SwapRemove(xid types.Xid) error {
	m.swapMtx.Lock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		m.swapMtx.Unlock()
		return ctx.RuntimeError(50070, "swap chunk not found for xid: "+xid.String(), nil)
	}
	sc.release = true
	if m.flushXid == xid {
		m.flushXid = 0
	}
	if sc.swappedMax >= 0 {
		metrics.SwapOperations.WithLabelValues("discard").
			Add(float64(sc.swappedMax - sc.swappedMin + 1))
	}
	chunks := sc.chunks
	m.swapMtx.Unlock()

	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		if err := m.FreeChunk(ModuleTransactions, chunk); err != nil {
			return err
		}
	}

	m.swapMtx.Lock()
	sc.chunks = nil
	delete(m.swapChunks, xid)
	m.committedXids = append(m.committedXids, xid)
	m.condReused.Broadcast()
	m.condSwapper.Broadcast()
	m.swapMtx.Unlock()
	return nil
}

// swapInvariant checks the resident/swapped partition of one record; used by
// tests and the swapper's own sanity checks.
func (sc *SwapChunk) swapInvariant() error {
	for i, chunk := range sc.chunks {
		swapped := int64(i) >= sc.swappedMin && int64(i) <= sc.swappedMax && sc.swappedMin != -1
		if swapped && chunk != nil {
			return fmt.Errorf("chunk %d is both live and swapped", i)
		}
		if !swapped && chunk == nil {
			return fmt.Errorf("chunk %d is neither live nor swapped", i)
		}
	}
	return nil
}
