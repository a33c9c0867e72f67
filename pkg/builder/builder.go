package builder

import (
	"sync"

	"github.com/redotail/redotail/pkg/charset"
	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/types"
	"github.com/rs/zerolog"
)

// Msg flags.
const (
	FlagAllocated  uint8 = 1 << 0 // data lives in a side allocation, not a ring chunk
	FlagConfirmed  uint8 = 1 << 1 // the client acknowledged it
	FlagCheckpoint uint8 = 1 << 2 // checkpoint pseudo-message
)

// Msg is one serialized message queued for the writer. LwnScn/LwnIdx are the
// client resume watermark, stamped at the next LWN boundary after creation.
type Msg struct {
	Id      uint64
	QueueId uint64
	Scn     types.Scn
	LwnScn  types.Scn
	LwnIdx  uint64
	Flags   uint8
	Data    []byte
}

// chunkNode is one ring chunk holding packed message payloads.
type chunkNode struct {
	id   uint64
	buf  []byte
	used int
	msgs []*Msg
	next *chunkNode
}

// Config tunes the builder.
type Config struct {
	Format       config.Format
	ColumnFormat config.ColumnFormat
	Charset      *charset.Decoder
}

// Builder serializes committed transactions into output buffers consumed by
// the writer. It runs synchronously on the parser's goroutine; only the
// message queue is shared with the writer.
type Builder struct {
	context *ctx.Ctx
	mem     *memory.Manager
	schema  metadata.SchemaReader
	cfg     Config
	decoder *charset.Decoder
	logger  zerolog.Logger

	mtx        sync.Mutex
	condWriter *sync.Cond
	first      *chunkNode
	last       *chunkNode
	nextMsgId  uint64
	nextQueue  uint64

	// Messages created since the last LWN boundary, awaiting their stamp.
	unstamped  []*Msg
	lastLwnScn types.Scn
	lwnIdx     uint64

	// Per-transaction assembly state.
	pending *RowOp
	frag    *fragState
}

// New creates a builder.
func New(c *ctx.Ctx, mem *memory.Manager, schema metadata.SchemaReader, cfg Config) *Builder {
	b := &Builder{
		context: c,
		mem:     mem,
		schema:  schema,
		cfg:     cfg,
		decoder: cfg.Charset,
		logger:  log.WithComponent("builder"),
	}
	if b.decoder == nil {
		b.decoder = charset.NoMapping()
	}
	b.condWriter = sync.NewCond(&b.mtx)
	c.RegisterCond(b.condWriter)
	b.nextMsgId = 1
	return b
}

// enqueue appends a serialized payload to the ring as one message.
func (b *Builder) enqueue(scn types.Scn, flags uint8, payload []byte) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	node := b.last
	oversize := node != nil && len(payload) > len(node.buf)
	if node == nil || (!oversize && node.used+len(payload) > len(node.buf)) {
		fresh, err := b.newChunk()
		if err != nil {
			return err
		}
		if fresh == nil {
			return nil // shutdown
		}
		if node == nil {
			b.first, b.last = fresh, fresh
		} else {
			node.next = fresh
			b.last = fresh
		}
		node = fresh
	}

	msg := &Msg{
		Id:      b.nextMsgId,
		QueueId: node.id,
		Scn:     scn,
		LwnScn:  types.ScnNone,
		Flags:   flags,
	}
	b.nextMsgId++

	if len(payload) > len(node.buf)-node.used {
		// Oversize message: side allocation.
		msg.Data = append([]byte{}, payload...)
		msg.Flags |= FlagAllocated
	} else {
		copy(node.buf[node.used:], payload)
		msg.Data = node.buf[node.used : node.used+len(payload)]
		node.used += len(payload)
	}

	node.msgs = append(node.msgs, msg)
	b.unstamped = append(b.unstamped, msg)
	b.condWriter.Broadcast()
	return nil
}

// newChunk allocates the next ring chunk. Caller holds the mutex; the
// allocation may block on the memory manager, which is the designed
// back-pressure point between parser and writer.
func (b *Builder) newChunk() (*chunkNode, error) {
	b.mtx.Unlock()
	chunk, err := b.mem.GetChunk(memory.ModuleBuilder, false)
	b.mtx.Lock()
	if err != nil || chunk == nil {
		return nil, err
	}
	node := &chunkNode{id: b.nextQueue, buf: chunk}
	b.nextQueue++
	return node, nil
}

// LwnBoundary stamps all pending messages with the group's SCN and a
// per-SCN index, then emits the checkpoint pseudo-message.
func (b *Builder) LwnBoundary(scn types.Scn, timestamp types.Time) error {
	b.mtx.Lock()
	if scn != b.lastLwnScn {
		b.lastLwnScn = scn
		b.lwnIdx = 0
	}
	for _, msg := range b.unstamped {
		msg.LwnScn = scn
		msg.LwnIdx = b.lwnIdx
		b.lwnIdx++
	}
	b.unstamped = b.unstamped[:0]
	idx := b.lwnIdx
	b.mtx.Unlock()

	payload, err := b.formatCheckpoint(scn, idx, timestamp)
	if err != nil {
		return err
	}
	if err := b.enqueue(scn, FlagCheckpoint, payload); err != nil {
		return err
	}

	// The checkpoint message is its own watermark.
	b.mtx.Lock()
	for _, msg := range b.unstamped {
		msg.LwnScn = scn
		msg.LwnIdx = b.lwnIdx
		b.lwnIdx++
	}
	b.unstamped = b.unstamped[:0]
	b.mtx.Unlock()
	return nil
}

// PollMessages returns queued messages with Id > afterId, blocking until at
// least one exists, the stream is finished, or shutdown. The second result
// is false when no more messages will ever arrive.
func (b *Builder) PollMessages(afterId uint64, max int) ([]*Msg, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for {
		var out []*Msg
		for node := b.first; node != nil && len(out) < max; node = node.next {
			for _, msg := range node.msgs {
				if msg.Id > afterId && msg.LwnScn != types.ScnNone {
					out = append(out, msg)
					if len(out) == max {
						break
					}
				}
			}
		}
		if len(out) > 0 {
			return out, true
		}
		if b.context.SoftShutdown() || (b.context.ReplicatorFinished() && len(b.unstamped) == 0) {
			return nil, false
		}
		b.condWriter.Wait()
	}
}

// ReleaseConfirmed frees ring chunks whose queue id is at most maxQueueId
// and whose messages are all confirmed.
func (b *Builder) ReleaseConfirmed(maxQueueId uint64) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	for b.first != nil && b.first.id <= maxQueueId && b.first != b.last {
		all := true
		for _, msg := range b.first.msgs {
			if msg.Flags&FlagConfirmed == 0 {
				all = false
				break
			}
		}
		if !all {
			break
		}
		chunk := b.first.buf
		b.first = b.first.next
		b.mtx.Unlock()
		if err := b.mem.FreeChunk(memory.ModuleBuilder, chunk); err != nil {
			b.mtx.Lock()
			return err
		}
		b.mtx.Lock()
	}
	return nil
}

// Wake unblocks a writer parked in PollMessages (used on shutdown and when
// the replicator finishes).
func (b *Builder) Wake() {
	b.mtx.Lock()
	b.condWriter.Broadcast()
	b.mtx.Unlock()
}
