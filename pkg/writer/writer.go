package writer

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/redotail/redotail/pkg/builder"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/stream"
	"github.com/redotail/redotail/pkg/types"
	"github.com/rs/zerolog"
)

// Transport ships messages to one downstream client.
type Transport interface {
	// Await blocks until a client is connected and has negotiated its
	// position, and returns its start/continue request (nil body fields
	// when the transport has no handshake).
	Await(haveState bool, state types.Checkpoint) (*stream.Request, error)

	// Send ships one message stamped with its resume watermark.
	Send(m *builder.Msg) error

	// Confirmed returns the latest position the client acknowledged.
	Confirmed() (types.Position, bool)

	// Close tears the transport down.
	Close() error
}

// Config tunes the writer.
type Config struct {
	Database            string
	QueueSize           uint64
	CheckpointIntervalS uint64
	StartScn            uint64
	StartSeq            uint32
}

// msgQueue is the sent-but-unacknowledged set, a min-heap keyed by message
// id. Messages arrive in id order, so the head is always the oldest.
type msgQueue []*builder.Msg

func (q msgQueue) Len() int            { return len(q) }
func (q msgQueue) Less(i, j int) bool  { return q[i].Id < q[j].Id }
func (q msgQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *msgQueue) Push(x interface{}) { *q = append(*q, x.(*builder.Msg)) }
func (q *msgQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// Writer drains the builder's output ring to the client, tracks
// acknowledgments and persists client-confirmed checkpoints.
type Writer struct {
	context   *ctx.Ctx
	bld       *builder.Builder
	meta      *metadata.Metadata
	transport Transport
	cfg       Config
	logger    zerolog.Logger

	queue        msgQueue
	lastSent     uint64
	confirmed    types.Position
	haveConfirm  bool
	lastCkptTime time.Time
	maxReleased  uint64
}

// New creates a writer.
func New(c *ctx.Ctx, bld *builder.Builder, meta *metadata.Metadata, transport Transport, cfg Config) *Writer {
	return &Writer{
		context:   c,
		bld:       bld,
		meta:      meta,
		transport: transport,
		cfg:       cfg,
		logger:    log.WithComponent("writer"),
	}
}

// Run is the writer goroutine: startup (checkpoint read, start position
// resolution), then the client loop until shutdown.
func (w *Writer) Run() error {
	w.logger.Info().Msg("writer is starting")
	defer w.logger.Info().Msg("writer stopped")

	if err := w.startup(); err != nil {
		return err
	}

	for !w.context.HardShutdown() {
		err := w.clientLoop()
		if err == nil {
			return nil // clean finish
		}
		if ctx.KindOf(err) == ctx.KindNetwork {
			if w.context.SoftShutdown() {
				break
			}
			log.Warn(ctx.CodeOf(err), "client disconnected: "+err.Error())
			metrics.UpdateComponent("writer", false, "client disconnected")
			continue
		}
		return err
	}
	return w.finalCheckpoint()
}

// startup reads the durable checkpoint; a stored position overrides any
// configured start parameters, then the replicator is released.
func (w *Writer) startup() error {
	ckpt, err := w.meta.ReadCheckpoint(w.context)
	if err != nil {
		return err
	}
	if ckpt != nil {
		w.confirmed = types.Position{Scn: ckpt.Scn, Idx: ckpt.Idx}
		w.haveConfirm = true
		w.meta.FirstScn = ckpt.Scn
		w.meta.Resetlogs = ckpt.Resetlogs
		w.meta.Activation = ckpt.Activation
		log.Info(fmt.Sprintf("resuming from checkpoint scn: %s, idx: %d", ckpt.Scn, ckpt.Idx))
	} else {
		if w.cfg.StartScn > 0 {
			w.meta.FirstScn = types.Scn(w.cfg.StartScn)
		}
		if w.cfg.StartSeq > 0 {
			w.meta.Sequence = types.Seq(w.cfg.StartSeq)
		}
	}
	w.lastCkptTime = time.Now()
	return nil
}

// clientLoop serves one client connection. Returns nil when the stream is
// complete, a network error on disconnect, other errors are fatal.
func (w *Writer) clientLoop() error {
	state, _ := w.meta.Checkpoint()
	req, err := w.transport.Await(w.haveConfirm, state)
	if err != nil {
		return err
	}
	if req != nil {
		w.applyStartRequest(req)
	}
	w.meta.SetStatus(metadata.StatusReplicate)
	metrics.UpdateComponent("writer", true, "")

	// Re-send everything sent but unconfirmed to the previous client.
	for _, m := range w.queue {
		if err := w.transport.Send(m); err != nil {
			return err
		}
	}

	for !w.context.HardShutdown() {
		w.pollConfirms()
		if err := w.maybeCheckpoint(false); err != nil {
			return err
		}

		msgs, more := w.bld.PollMessages(w.lastSent, 256)
		if !more {
			// Stream complete: wait out the queue, then finish.
			for len(w.queue) > 0 && !w.context.HardShutdown() {
				w.pollConfirms()
				time.Sleep(10 * time.Millisecond)
			}
			return w.finalCheckpoint()
		}

		for _, m := range msgs {
			for uint64(len(w.queue)) >= w.cfg.QueueSize && !w.context.HardShutdown() {
				// Sent queue full: the client must ack before more.
				w.pollConfirms()
				time.Sleep(time.Millisecond)
			}
			if w.context.HardShutdown() {
				return nil
			}
			if err := w.transport.Send(m); err != nil {
				return err
			}
			heap.Push(&w.queue, m)
			w.lastSent = m.Id
			metrics.MessagesSent.Inc()
			metrics.BytesSent.Add(float64(len(m.Data)))
			metrics.WriterQueueDepth.Set(float64(len(w.queue)))
		}
	}
	return w.finalCheckpoint()
}

// applyStartRequest folds a START request's position into metadata; only
// honored when the server holds no prior state.
func (w *Writer) applyStartRequest(req *stream.Request) {
	if w.haveConfirm {
		return
	}
	if req.Scn != nil {
		w.meta.FirstScn = types.Scn(*req.Scn)
	}
	if req.Seq != nil {
		w.meta.Sequence = types.Seq(*req.Seq)
	}
}

// pollConfirms folds the transport's latest acknowledgment into the queue:
// every sent message at or below the confirmed watermark is marked, the
// confirmed head run is popped, and fully-acked chunks return to the
// builder.
func (w *Writer) pollConfirms() {
	pos, ok := w.transport.Confirmed()
	if !ok {
		return
	}

	for _, m := range w.queue {
		if m.LwnScn != types.ScnNone {
			if (types.Position{Scn: m.LwnScn, Idx: m.LwnIdx}).LessEq(pos) && m.Flags&builder.FlagConfirmed == 0 {
				m.Flags |= builder.FlagConfirmed
				metrics.MessagesConfirmed.Inc()
				metrics.BytesConfirmed.Add(float64(len(m.Data)))
			}
		}
	}

	released := false
	for len(w.queue) > 0 && w.queue[0].Flags&builder.FlagConfirmed != 0 {
		m := heap.Pop(&w.queue).(*builder.Msg)
		next := types.Position{Scn: m.LwnScn, Idx: m.LwnIdx}
		if !w.haveConfirm || w.confirmed.LessEq(next) {
			w.confirmed = next
			w.haveConfirm = true
		}
		if m.QueueId > w.maxReleased {
			w.maxReleased = m.QueueId
		}
		released = true
	}
	metrics.WriterQueueDepth.Set(float64(len(w.queue)))

	if released {
		if err := w.bld.ReleaseConfirmed(w.maxReleased); err != nil {
			log.Errorf(ctx.CodeOf(err), "buffer release failed", err)
		}
	}
}

// maybeCheckpoint persists the confirmed position at most once per interval,
// always when forced.
func (w *Writer) maybeCheckpoint(force bool) error {
	if !w.haveConfirm {
		return nil
	}
	interval := time.Duration(w.cfg.CheckpointIntervalS) * time.Second
	if !force && time.Since(w.lastCkptTime) < interval {
		return nil
	}
	w.lastCkptTime = time.Now()

	ckpt := types.Checkpoint{
		Database:   w.cfg.Database,
		Scn:        w.confirmed.Scn,
		Idx:        w.confirmed.Idx,
		Resetlogs:  w.meta.Resetlogs,
		Activation: w.meta.Activation,
	}
	if have, ok := w.meta.Checkpoint(); ok && !have.Before(ckpt) {
		return nil // nothing new to persist
	}
	return w.meta.WriteCheckpoint(ckpt)
}

func (w *Writer) finalCheckpoint() error {
	w.pollConfirms()
	return w.maybeCheckpoint(true)
}

// Confirmed returns the highest client-acknowledged position.
func (w *Writer) Confirmed() (types.Position, bool) {
	return w.confirmed, w.haveConfirm
}
