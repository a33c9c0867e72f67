package memory

import (
	"sync"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
)

// Module identifies the owner of a chunk for accounting and reservations.
type Module int

const (
	ModuleBuilder Module = iota
	ModuleMisc
	ModuleParser
	ModuleReader
	ModuleTransactions
	ModuleWriter
	moduleCount
)

var moduleNames = [moduleCount]string{
	"builder", "misc", "parser", "reader", "transactions", "writer",
}

func (m Module) String() string { return moduleNames[m] }

// ChunkSize is the unit of every pool allocation.
const ChunkSize = ctx.ChunkSize

// SwapChunk is the per-transaction page list. Indices in
// [swappedMin, swappedMax] are disk-resident and their slots are nil; the
// swap file holds exactly (swappedMax+1) chunks.
type SwapChunk struct {
	chunks     [][]byte
	swappedMin int64
	swappedMax int64
	release    bool
}

// Config sizes the arena.
type Config struct {
	MinChunks       uint64
	MaxChunks       uint64
	SwapChunks      uint64 // allocation level above which swapping starts; 0 disables
	ReadBufferMin   uint64
	ReadBufferMax   uint64
	WriteBufferMin  uint64
	WriteBufferMax  uint64
	UnswapBufferMin uint64
	SwapPath        string
}

// Manager is the chunked arena allocator. It enforces per-module minimums so
// the reader and builder can always make progress, tracks a global maximum,
// and cooperates with the swapper goroutine to page cold transaction chunks
// to disk when the parser is memory-starved.
type Manager struct {
	context *ctx.Ctx
	cfg     Config

	memoryMtx       sync.Mutex
	condOutOfMemory *sync.Cond
	freeChunks      [][]byte
	chunksAllocated uint64
	chunksHWM       uint64
	moduleAllocated [moduleCount]uint64
	moduleHWM       [moduleCount]uint64
	oomParser       bool

	swapMtx         sync.Mutex
	condSwapper     *sync.Cond // swapper work arrived
	condTransaction *sync.Cond // a requested chunk became resident
	condReused      *sync.Cond // a committed xid record was reclaimed
	swapChunks      map[types.Xid]*SwapChunk
	committedXids   []types.Xid
	flushXid        types.Xid
	shrinkXid       types.Xid
}

// NewManager creates the arena. Run the swapper with RunSwapper when
// swapping is enabled.
func NewManager(c *ctx.Ctx, cfg Config) *Manager {
	m := &Manager{
		context:    c,
		cfg:        cfg,
		swapChunks: make(map[types.Xid]*SwapChunk),
	}
	m.condOutOfMemory = sync.NewCond(&m.memoryMtx)
	m.condSwapper = sync.NewCond(&m.swapMtx)
	m.condTransaction = sync.NewCond(&m.swapMtx)
	m.condReused = sync.NewCond(&m.swapMtx)
	c.RegisterCond(m.condOutOfMemory)
	c.RegisterCond(m.condSwapper)
	c.RegisterCond(m.condTransaction)
	c.RegisterCond(m.condReused)

	// The minimum working set stays allocated for the process lifetime.
	for i := uint64(0); i < cfg.MinChunks; i++ {
		m.freeChunks = append(m.freeChunks, make([]byte, ChunkSize))
	}
	m.chunksAllocated = cfg.MinChunks
	m.chunksHWM = cfg.MinChunks
	return m
}

// GetChunk returns a zero-offset chunk charged to module, blocking until one
// is available or shutdown is requested. The swap flag marks the caller as
// the swapper's unswap path, which may dip into the unswap reserve. Returns
// nil when shutting down.
func (m *Manager) GetChunk(module Module, swap bool) ([]byte, error) {
	var chunk []byte

	m.memoryMtx.Lock()
	for {
		// Reader and builder may always claim their minimum.
		if module == ModuleReader && m.moduleAllocated[ModuleReader] < m.cfg.ReadBufferMin {
			break
		}
		if module == ModuleBuilder && m.moduleAllocated[ModuleBuilder] < m.cfg.WriteBufferMin {
			break
		}

		reserved := uint64(0)
		if m.moduleAllocated[ModuleReader] < m.cfg.ReadBufferMin {
			reserved += m.cfg.ReadBufferMin - m.moduleAllocated[ModuleReader]
		}
		if m.moduleAllocated[ModuleBuilder] < m.cfg.WriteBufferMin {
			reserved += m.cfg.WriteBufferMin - m.moduleAllocated[ModuleBuilder]
		}
		if !swap {
			reserved += m.cfg.UnswapBufferMin
		}

		if module != ModuleBuilder || m.moduleAllocated[ModuleBuilder] < m.cfg.WriteBufferMax {
			if uint64(len(m.freeChunks)) > reserved {
				break
			}
			if m.chunksAllocated < m.cfg.MaxChunks {
				m.freeChunks = append(m.freeChunks, make([]byte, ChunkSize))
				m.chunksAllocated++
				if m.chunksAllocated > m.chunksHWM {
					m.chunksHWM = m.chunksAllocated
					metrics.ChunksHighWater.Set(float64(m.chunksHWM))
				}
				break
			}
		}

		if module == ModuleParser {
			m.oomParser = true
		}
		if m.context.HardShutdown() {
			m.memoryMtx.Unlock()
			return nil, nil
		}

		// Ask the swapper for room before parking.
		m.wakeSwapper()
		m.condOutOfMemory.Wait()
	}

	if module == ModuleParser {
		m.oomParser = false
	}

	last := len(m.freeChunks) - 1
	chunk = m.freeChunks[last]
	m.freeChunks = m.freeChunks[:last]
	m.moduleAllocated[module]++
	if m.moduleAllocated[module] > m.moduleHWM[module] {
		m.moduleHWM[module] = m.moduleAllocated[module]
	}
	metrics.ChunksAllocated.WithLabelValues(module.String()).Set(float64(m.moduleAllocated[module]))
	m.memoryMtx.Unlock()

	if m.context.HardShutdown() {
		return nil, nil
	}
	for i := range chunk[:16] {
		chunk[i] = 0
	}
	return chunk, nil
}

// FreeChunk returns a chunk to the pool and wakes waiters. Chunks above the
// minimum working set are released to the runtime.
func (m *Manager) FreeChunk(module Module, chunk []byte) error {
	m.memoryMtx.Lock()
	defer m.memoryMtx.Unlock()

	if uint64(len(m.freeChunks)) == m.chunksAllocated {
		return ctx.RuntimeError(50001, "trying to free unknown memory chunk for: "+module.String(), nil)
	}

	if uint64(len(m.freeChunks)) >= m.cfg.MinChunks {
		m.chunksAllocated-- // drop the chunk
	} else {
		m.freeChunks = append(m.freeChunks, chunk)
	}

	m.moduleAllocated[module]--
	metrics.ChunksAllocated.WithLabelValues(module.String()).Set(float64(m.moduleAllocated[module]))
	m.condOutOfMemory.Broadcast()
	return nil
}

// WontSwap is called by the swapper when it found nothing to swap. If the
// parser is blocked on memory and the builder holds no surplus to drain,
// the transaction cannot fit: fail with an operator hint.
func (m *Manager) WontSwap() error {
	m.memoryMtx.Lock()
	defer m.memoryMtx.Unlock()

	if !m.oomParser {
		return nil
	}
	if m.moduleAllocated[ModuleBuilder] > m.cfg.WriteBufferMin {
		return nil
	}

	log.Hint("try to restart with a higher 'memory-max-mb' value or, if one transaction is too big, add it to 'skip-xid'")
	if m.moduleAllocated[ModuleReader] > 5 {
		log.Hint("disk read buffer utilization is high, consider lowering 'read-buffer-max-mb'")
	}
	return ctx.RuntimeError(10017, "out of memory", nil)
}

// HighWater returns the allocation high-water mark in chunks.
func (m *Manager) HighWater() uint64 {
	m.memoryMtx.Lock()
	defer m.memoryMtx.Unlock()
	return m.chunksHWM
}

// ModuleAllocated returns the live chunk count of one module.
func (m *Manager) ModuleAllocated(module Module) uint64 {
	m.memoryMtx.Lock()
	defer m.memoryMtx.Unlock()
	return m.moduleAllocated[module]
}

// wakeSwapper is called with memoryMtx held; Broadcast without swapMtx is
// fine, the swapper's timed wait covers a missed signal.
func (m *Manager) wakeSwapper() {
	m.condSwapper.Broadcast()
}
