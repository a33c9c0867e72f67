package memory

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
)

const swapperIdleWait = 10 * time.Second

// RunSwapper is the background loop that pages cold transaction chunks to
// disk and reloads them on demand. It runs until hard shutdown, or until a
// soft shutdown once the replicator has finished, and returns the fatal error
// that stopped it, nil on clean shutdown.
func (m *Manager) RunSwapper() error {
	logger := log.WithComponent("swapper")
	logger.Debug().Msg("swapper starting")
	defer logger.Debug().Msg("swapper stopped")

	m.cleanupStaleSwapFiles(false)

	for !m.context.HardShutdown() {
		m.cleanCommittedTransactions()

		if m.context.SoftShutdown() && m.context.ReplicatorFinished() {
			m.cleanCommittedTransactions()
			break
		}

		var swapXid, unswapXid types.Xid
		swapIndex, unswapIndex := int64(-1), int64(-1)

		m.swapMtx.Lock()
		unswapXid, unswapIndex = m.chunkToUnswap()
		swapXid, swapIndex = m.chunkToSwap()
		m.swapMtx.Unlock()

		if swapIndex == -1 {
			if err := m.WontSwap(); err != nil {
				return err
			}
		}

		if unswapIndex == -1 && swapIndex == -1 {
			m.swapMtx.Lock()
			if !m.context.HardShutdown() {
				waitTimeout(m.condSwapper, swapperIdleWait)
			}
			m.swapMtx.Unlock()
			continue
		}

		if unswapIndex != -1 {
			ok, err := m.unswap(unswapXid, unswapIndex)
			if err != nil {
				return err
			}
			if ok {
				metrics.SwapOperations.WithLabelValues("read").Add(ctx.ChunkSizeMB)
			}
			m.swapMtx.Lock()
			m.condTransaction.Broadcast()
			m.swapMtx.Unlock()
		}
		if swapIndex != -1 {
			ok, err := m.swap(swapXid, swapIndex)
			if err != nil {
				return err
			}
			if ok {
				metrics.SwapOperations.WithLabelValues("write").Add(ctx.ChunkSizeMB)
			}
		}
	}
	return nil
}

// waitTimeout waits on cond with an upper bound; the timer broadcast wakes
// every waiter of this cond, which is only the swapper.
func waitTimeout(cond *sync.Cond, d time.Duration) {
	t := time.AfterFunc(d, cond.Broadcast)
	defer t.Stop()
	cond.Wait()
}

// cleanCommittedTransactions unlinks swap files left by committed XIDs.
// Returns the number of files removed.
func (m *Manager) cleanCommittedTransactions() uint64 {
	var removed uint64
	for {
		var xid types.Xid

		m.swapMtx.Lock()
		if len(m.committedXids) == 0 {
			m.swapMtx.Unlock()
			return removed
		}
		xid = m.committedXids[len(m.committedXids)-1]
		m.committedXids = m.committedXids[:len(m.committedXids)-1]
		m.swapMtx.Unlock()

		name := m.swapFileName(xid)
		if _, err := os.Stat(name); err == nil {
			if err := os.Remove(name); err != nil {
				log.Errorf(10010, "swap file delete failed", err)
			} else {
				removed++
			}
		}
	}
}

// cleanupStaleSwapFiles removes *.swap leftovers from a previous run.
func (m *Manager) cleanupStaleSwapFiles(silent bool) {
	if m.cfg.SwapChunks == 0 {
		return
	}
	entries, err := os.ReadDir(m.cfg.SwapPath)
	if err != nil {
		if !silent {
			log.Errorf(10012, "swap directory unreadable", err)
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".swap") {
			continue
		}
		full := filepath.Join(m.cfg.SwapPath, e.Name())
		if !silent {
			log.Warn(10067, "deleting old swap file from previous execution: "+full)
		}
		if err := os.Remove(full); err != nil {
			log.Errorf(10010, "swap file delete failed", err)
		}
	}
}

// chunkToUnswap picks a disk chunk a client is blocked on: the flush XID's
// head first (the commit drain reads forward), then the shrink XID's tail.
// Called with swapMtx held.
func (m *Manager) chunkToUnswap() (types.Xid, int64) {
	if m.flushXid != 0 {
		if sc, ok := m.swapChunks[m.flushXid]; ok && sc.swappedMin > -1 {
			return m.flushXid, sc.swappedMin
		}
	}
	if m.shrinkXid != 0 {
		if sc, ok := m.swapChunks[m.shrinkXid]; ok && sc.swappedMax > -1 {
			return m.shrinkXid, sc.swappedMax
		}
	}
	return 0, -1
}

// chunkToSwap picks the next chunk to push to disk: the first transaction
// with more than one page whose cold tail can still grow. The last page is
// never swapped; it is the append target. Called with swapMtx held.
func (m *Manager) chunkToSwap() (types.Xid, int64) {
	if m.cfg.SwapChunks == 0 {
		return 0, -1
	}
	m.memoryMtx.Lock()
	low := m.chunksAllocated-uint64(len(m.freeChunks)) < m.cfg.SwapChunks
	m.memoryMtx.Unlock()
	if low {
		return 0, -1
	}

	for xid, sc := range m.swapChunks {
		if xid == m.flushXid || sc.release || len(sc.chunks) <= 1 {
			continue
		}
		if sc.swappedMax < int64(len(sc.chunks)-2) {
			return xid, sc.swappedMax + 1
		}
	}
	return 0, -1
}

// unswap reads one chunk back from the XID's swap file. Reading the head
// advances swappedMin; reading the tail retreats swappedMax and truncates
// the file so its size stays (swappedMax+1) chunks.
func (m *Manager) unswap(xid types.Xid, index int64) (bool, error) {
	chunk, err := m.GetChunk(ModuleTransactions, true)
	if err != nil || chunk == nil {
		return false, err
	}

	name := m.swapFileName(xid)
	f, err := os.Open(name)
	if err != nil {
		return false, ctx.RuntimeError(50072, "swap file: "+name+" - open for read", err)
	}
	st, err := f.Stat()
	if err == nil {
		if st.Size()%ChunkSize != 0 || st.Size() < (index+1)*ChunkSize {
			err = ctx.RuntimeError(50072, "swap file: "+name+" - wrong file size", nil)
		}
	}
	if err == nil {
		_, err = f.ReadAt(chunk, index*ChunkSize)
	}
	f.Close()
	if err != nil {
		return false, ctx.RuntimeError(50072, "swap file: "+name+" - read failed", err)
	}

	m.swapMtx.Lock()
	defer m.swapMtx.Unlock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		// The transaction committed while the read was in flight.
		if err := m.FreeChunk(ModuleTransactions, chunk); err != nil {
			return false, err
		}
		return false, nil
	}

	switch index {
	case sc.swappedMin:
		sc.chunks[sc.swappedMin] = chunk
		if sc.swappedMin == sc.swappedMax {
			sc.swappedMin, sc.swappedMax = -1, -1
		} else {
			sc.swappedMin++
		}
		return true, nil

	case sc.swappedMax:
		sc.chunks[sc.swappedMax] = chunk
		if sc.swappedMin == sc.swappedMax {
			sc.swappedMin, sc.swappedMax = -1, -1
			if err := os.Remove(name); err != nil {
				return false, ctx.RuntimeError(50072, "swap file: "+name+" - delete failed", err)
			}
		} else {
			sc.swappedMax--
			if err := os.Truncate(name, (sc.swappedMax+1)*ChunkSize); err != nil {
				return false, ctx.RuntimeError(50072, "swap file: "+name+" - truncate failed", err)
			}
		}
		return true, nil
	}
	return false, ctx.RuntimeError(50072, "swap file: "+name+" - chunk not at a swapped edge", nil)
}

// swap writes one chunk out to the XID's swap file, extending the cold tail.
// If the transaction started shrinking meanwhile, the write is discarded.
func (m *Manager) swap(xid types.Xid, index int64) (bool, error) {
	m.swapMtx.Lock()
	sc, ok := m.swapChunks[xid]
	if !ok {
		// The transaction committed while the pick was pending.
		m.swapMtx.Unlock()
		return false, nil
	}
	if len(sc.chunks) <= 1 || index >= int64(len(sc.chunks)-1) || sc.swappedMax != index-1 {
		m.swapMtx.Unlock()
		return false, nil
	}
	chunk := sc.chunks[index]
	sc.swappedMax = index
	if sc.swappedMin == -1 {
		sc.swappedMin = sc.swappedMax
	}
	sc.chunks[index] = nil
	m.swapMtx.Unlock()

	name := m.swapFileName(xid)
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return false, ctx.RuntimeError(50072, "swap file: "+name+" - open for write", err)
	}
	if _, err := f.WriteAt(chunk, index*ChunkSize); err != nil {
		f.Close()
		return false, ctx.RuntimeError(50072, "swap file: "+name+" - write failed", err)
	}
	if err := f.Close(); err != nil {
		return false, ctx.RuntimeError(50072, "swap file: "+name+" - close failed", err)
	}

	remove := false
	var truncateTo int64 = -1
	m.swapMtx.Lock()
	if m.shrinkXid == xid {
		// The client is popping the tail; give the chunk straight back.
		sc.chunks[index] = chunk
		if sc.swappedMax == 0 {
			sc.swappedMin, sc.swappedMax = -1, -1
			remove = true
		} else {
			sc.swappedMax--
			truncateTo = (sc.swappedMax + 1) * ChunkSize
		}
		m.condTransaction.Broadcast()
	}
	m.swapMtx.Unlock()

	if remove {
		if err := os.Remove(name); err != nil {
			return false, ctx.RuntimeError(50072, "swap file: "+name+" - delete failed", err)
		}
		return false, nil
	}
	if truncateTo >= 0 {
		if err := os.Truncate(name, truncateTo); err != nil {
			return false, ctx.RuntimeError(50072, "swap file: "+name+" - truncate failed", err)
		}
		return false, nil
	}

	if err := m.FreeChunk(ModuleTransactions, chunk); err != nil {
		return false, err
	}
	return true, nil
}
