package transaction

import (
	"fmt"
	"sync"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/types"
)

// Page layout: serialized ops from the front, a 16-byte trailer at the end
// holding (used_bytes u64, op_count u32). Each op is
// u16 tag, u16 size1, bytes[size1], u16 size2, bytes[size2]; size2 is zero
// for unpaired change vectors.
const (
	pageTrailer  = 16
	pageUsable   = memory.ChunkSize - pageTrailer
	opHeaderSize = 6
)

// Entry is one replayed op handed to the commit drain.
type Entry struct {
	Tag  uint16
	Rec1 []byte
	Rec2 []byte
}

// Transaction is the per-XID assembly state. The op bytes live in the
// memory manager's swappable page list, not here.
type Transaction struct {
	Xid           types.Xid
	BeginScn      types.Scn
	BeginTime     types.Time
	FirstSequence types.Seq
	LastSequence  types.Seq
	CommitScn     types.Scn
	CommitTime    types.Time
	RolledBack    bool
	TooBig        bool
	SizeBytes     uint64

	pages    uint64
	lastPage []byte
	begun    bool
	dirty    bool // holds at least one op
}

// Config tunes the buffer.
type Config struct {
	SkipXids    map[types.Xid]struct{}
	SizeMax     uint64 // per-transaction byte cap, 0 = unlimited
	TooBigFatal bool
}

// Buffer demultiplexes change vectors into per-XID ordered op logs and
// drains them on commit.
type Buffer struct {
	context *ctx.Ctx
	mem     *memory.Manager
	cfg     Config

	mtx  sync.Mutex
	txns map[types.Xid]*Transaction
}

// New creates the transaction buffer.
func New(c *ctx.Ctx, mem *memory.Manager, cfg Config) *Buffer {
	return &Buffer{
		context: c,
		mem:     mem,
		cfg:     cfg,
		txns:    make(map[types.Xid]*Transaction),
	}
}

func (b *Buffer) skip(xid types.Xid) bool {
	_, ok := b.cfg.SkipXids[xid]
	return ok
}

// get returns the transaction for xid, creating it on first sighting.
func (b *Buffer) get(xid types.Xid, seq types.Seq) (*Transaction, error) {
	if t, ok := b.txns[xid]; ok {
		return t, nil
	}
	t := &Transaction{
		Xid:           xid,
		BeginScn:      types.ScnNone,
		FirstSequence: seq,
		LastSequence:  seq,
	}
	b.mem.SwapInit(xid)
	b.txns[xid] = t
	metrics.TransactionsActive.Set(float64(len(b.txns)))
	return t, nil
}

// Begin marks the transaction start (undo segment header change vector).
func (b *Buffer) Begin(xid types.Xid, scn types.Scn, tm types.Time, seq types.Seq) error {
	if b.skip(xid) {
		return nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	t, err := b.get(xid, seq)
	if err != nil {
		return err
	}
	t.begun = true
	if t.BeginScn.IsNone() {
		t.BeginScn = scn
		t.BeginTime = tm
	}
	return nil
}

// Append adds one op (a paired or single change vector) to the XID's log.
func (b *Buffer) Append(xid types.Xid, tag uint16, rec1, rec2 []byte, seq types.Seq) error {
	if b.skip(xid) {
		return nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	t, err := b.get(xid, seq)
	if err != nil {
		return err
	}
	if t.RolledBack {
		return ctx.DataError(50039, "append after rollback for xid: "+xid.String())
	}
	if t.TooBig {
		return nil
	}
	t.LastSequence = seq

	need := uint64(opHeaderSize + len(rec1) + len(rec2))
	if need > pageUsable {
		return ctx.RuntimeError(50040, fmt.Sprintf(
			"change vector of %d bytes exceeds the page size for xid: %s", need, xid), nil)
	}
	if len(rec1) > 0xFFFF || len(rec2) > 0xFFFF {
		return ctx.RuntimeError(50040, fmt.Sprintf(
			"change vector of %d bytes exceeds the op size field for xid: %s", need, xid), nil)
	}

	if b.cfg.SizeMax > 0 && t.SizeBytes+need > b.cfg.SizeMax {
		t.TooBig = true
		metrics.TransactionsSkipped.Inc()
		if b.cfg.TooBigFatal {
			return ctx.RuntimeError(50041, fmt.Sprintf(
				"transaction %s exceeded transaction-max-mb", xid), nil)
		}
		log.Warn(60030, fmt.Sprintf(
			"transaction %s exceeded transaction-max-mb, further changes are dropped", xid))
		return nil
	}

	page, err := b.writablePage(t, need)
	if err != nil || page == nil {
		return err
	}

	used, count := readTrailer(page)
	off := used
	page[off] = byte(tag)
	page[off+1] = byte(tag >> 8)
	page[off+2] = byte(len(rec1))
	page[off+3] = byte(len(rec1) >> 8)
	copy(page[off+4:], rec1)
	p := off + 4 + uint64(len(rec1))
	page[p] = byte(len(rec2))
	page[p+1] = byte(len(rec2) >> 8)
	copy(page[p+2:], rec2)

	writeTrailer(page, used+need, count+1)
	t.SizeBytes += need
	t.dirty = true
	return nil
}

// writablePage returns the last page with room for need bytes, growing the
// page list when necessary. Returns nil on shutdown.
func (b *Buffer) writablePage(t *Transaction, need uint64) ([]byte, error) {
	if t.lastPage != nil {
		used, _ := readTrailer(t.lastPage)
		if used+need <= pageUsable {
			return t.lastPage, nil
		}
	}
	page, err := b.mem.SwapGrow(t.Xid)
	if err != nil || page == nil {
		return nil, err
	}
	writeTrailer(page, 0, 0)
	t.pages++
	t.lastPage = page
	return page, nil
}

func readTrailer(page []byte) (used uint64, count uint32) {
	tr := page[len(page)-pageTrailer:]
	used = ctx.Read64Little(tr)
	count = ctx.Read32Little(tr[8:])
	return used, count
}

func writeTrailer(page []byte, used uint64, count uint32) {
	tr := page[len(page)-pageTrailer:]
	for i := 0; i < 8; i++ {
		tr[i] = byte(used >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		tr[8+i] = byte(count >> (8 * i))
	}
}

// Rollback discards the transaction and releases its memory at once; a later
// commit for the XID finds nothing to drain.
func (b *Buffer) Rollback(xid types.Xid) error {
	if b.skip(xid) {
		return nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	t, ok := b.txns[xid]
	if !ok {
		return nil
	}
	t.RolledBack = true
	metrics.TransactionsRolledBack.Inc()
	return b.remove(t)
}

// RollbackLastOp undoes the most recent op (partial rollback).
func (b *Buffer) RollbackLastOp(xid types.Xid) error {
	if b.skip(xid) {
		return nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	t, ok := b.txns[xid]
	if !ok || !t.dirty || t.lastPage == nil {
		return nil
	}

	used, count := readTrailer(t.lastPage)
	if count == 0 {
		return nil
	}

	// Walk the page to find the offset of the last op.
	var off, prev uint64
	for i := uint32(0); i < count; i++ {
		prev = off
		size1 := uint64(t.lastPage[off+2]) | uint64(t.lastPage[off+3])<<8
		p := off + 4 + size1
		size2 := uint64(t.lastPage[p]) | uint64(t.lastPage[p+1])<<8
		off = p + 2 + size2
	}
	if off != used {
		return ctx.RuntimeError(50042, "op log corrupted for xid: "+xid.String(), nil)
	}

	t.SizeBytes -= used - prev
	writeTrailer(t.lastPage, prev, count-1)

	if prev == 0 {
		// Page emptied: shrink the list.
		last, err := b.mem.SwapShrink(xid)
		if err != nil {
			return err
		}
		t.pages--
		t.lastPage = last
		if last == nil {
			t.dirty = false
		}
	}
	return nil
}

// Commit drains the transaction in append order, invoking emit for every
// entry, and releases it. A rolled-back or skipped transaction emits nothing.
func (b *Buffer) Commit(xid types.Xid, scn types.Scn, tm types.Time,
	emit func(t *Transaction, e Entry) error) (*Transaction, error) {
	if b.skip(xid) {
		return nil, nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	t, ok := b.txns[xid]
	if !ok {
		return nil, nil
	}
	t.CommitScn = scn
	t.CommitTime = tm

	if t.RolledBack || t.TooBig {
		if t.TooBig {
			log.Warn(60031, "skipping too big transaction: "+xid.String())
		}
		return t, b.remove(t)
	}

	if t.dirty {
		b.mem.SwapFlush(xid)
		for page := uint64(0); page < t.pages; page++ {
			data, err := b.mem.SwapGet(xid, int64(page))
			if err != nil {
				return t, err
			}
			if data == nil {
				return t, nil // shutdown
			}
			if err := drainPage(t, data, emit); err != nil {
				return t, err
			}
			if page < t.pages-1 {
				if err := b.mem.SwapRelease(xid, int64(page)); err != nil {
					return t, err
				}
			}
		}
	}

	metrics.TransactionsCommitted.Inc()
	return t, b.remove(t)
}

func drainPage(t *Transaction, page []byte, emit func(*Transaction, Entry) error) error {
	used, count := readTrailer(page)
	var off uint64
	for i := uint32(0); i < count; i++ {
		tag := uint16(page[off]) | uint16(page[off+1])<<8
		size1 := uint64(page[off+2]) | uint64(page[off+3])<<8
		rec1 := page[off+4 : off+4+size1]
		p := off + 4 + size1
		size2 := uint64(page[p]) | uint64(page[p+1])<<8
		rec2 := page[p+2 : p+2+size2]
		off = p + 2 + size2
		if off > used {
			return ctx.RuntimeError(50042, "op log corrupted for xid: "+t.Xid.String(), nil)
		}
		if err := emit(t, Entry{Tag: tag, Rec1: rec1, Rec2: rec2}); err != nil {
			return err
		}
	}
	return nil
}

// remove releases the transaction's memory. Caller holds b.mtx.
func (b *Buffer) remove(t *Transaction) error {
	delete(b.txns, t.Xid)
	metrics.TransactionsActive.Set(float64(len(b.txns)))
	return b.mem.SwapRemove(t.Xid)
}

// Active returns the number of transactions being assembled.
func (b *Buffer) Active() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.txns)
}

// DrainAll discards all in-flight transactions (shutdown path).
func (b *Buffer) DrainAll() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, t := range b.txns {
		_ = b.mem.SwapRemove(t.Xid)
	}
	b.txns = make(map[types.Xid]*Transaction)
	metrics.TransactionsActive.Set(0)
}
