package writer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redotail/redotail/pkg/builder"
	"github.com/redotail/redotail/pkg/charset"
	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/stream"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/types"
)

// fakeTransport records sends and lets the test script acknowledgments.
type fakeTransport struct {
	mtx       sync.Mutex
	sent      []*builder.Msg
	confirmed types.Position
	haveAck   bool
}

func (f *fakeTransport) Await(bool, types.Checkpoint) (*stream.Request, error) { return nil, nil }

func (f *fakeTransport) Send(m *builder.Msg) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) ack(pos types.Position) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.confirmed = pos
	f.haveAck = true
}

func (f *fakeTransport) sentCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) Confirmed() (types.Position, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.confirmed, f.haveAck
}

func (f *fakeTransport) Close() error { return nil }

type harness struct {
	context *ctx.Ctx
	bld     *builder.Builder
	meta    *metadata.Metadata
	fake    *fakeTransport
	writer  *Writer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := ctx.New()
	mem := memory.NewManager(c, memory.Config{
		MinChunks:      2,
		MaxChunks:      16,
		ReadBufferMin:  1,
		ReadBufferMax:  4,
		WriteBufferMin: 1,
		WriteBufferMax: 8,
		SwapPath:       t.TempDir(),
	})
	store, err := metadata.NewDirStore(t.TempDir())
	require.NoError(t, err)
	schemaStore, err := metadata.NewDirStore(t.TempDir())
	require.NoError(t, err)
	schema, err := metadata.NewSchema(schemaStore)
	require.NoError(t, err)

	dec, err := charset.Get("AL32UTF8")
	require.NoError(t, err)
	bld := builder.New(c, mem, schema, builder.Config{
		Format:       config.FormatJSON,
		ColumnFormat: config.ColumnFormatMinimal,
		Charset:      dec,
	})
	meta := metadata.New(c, store, "ORCL")
	fake := &fakeTransport{}
	w := New(c, bld, meta, fake, Config{
		Database:            "ORCL",
		QueueSize:           64,
		CheckpointIntervalS: 0, // checkpoint on every opportunity
	})
	return &harness{context: c, bld: bld, meta: meta, fake: fake, writer: w}
}

func emitCommit(t *testing.T, h *harness, scn types.Scn) {
	t.Helper()
	txn := &transaction.Transaction{Xid: types.NewXid(1, 1, uint32(scn)), CommitScn: scn}
	require.NoError(t, h.bld.BeginTransaction(txn))
	require.NoError(t, h.bld.CommitTransaction(txn))
	require.NoError(t, h.bld.LwnBoundary(scn, 0))
}

func TestWriterSendsAndCheckpoints(t *testing.T) {
	h := newHarness(t)
	emitCommit(t, h, 100)

	done := make(chan error, 1)
	go func() { done <- h.writer.Run() }()

	// Wait for the three messages (BEGIN, COMMIT, CHKPT) to be sent.
	deadline := time.Now().Add(5 * time.Second)
	for h.fake.sentCount() < 3 {
		require.False(t, time.Now().After(deadline), "messages never sent")
		time.Sleep(5 * time.Millisecond)
	}

	// Acknowledge everything.
	h.fake.ack(types.Position{Scn: 100, Idx: 2})

	// Let the writer finish: mark the stream done.
	h.context.SetReplicatorFinished()
	h.bld.Wake()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer never finished")
	}

	ckpt, ok := h.meta.Checkpoint()
	require.True(t, ok)
	assert.Equal(t, types.Scn(100), ckpt.Scn)
	assert.Equal(t, uint64(2), ckpt.Idx)
}

func TestConfirmOnlyAdvancesFromHead(t *testing.T) {
	h := newHarness(t)
	emitCommit(t, h, 100)

	msgs, ok := h.bld.PollMessages(0, 10)
	require.True(t, ok)
	require.Len(t, msgs, 3)

	w := h.writer
	for _, m := range msgs {
		require.NoError(t, h.fake.Send(m))
		w.queue = append(w.queue, m)
		w.lastSent = m.Id
	}

	// Ack covering only the middle message's watermark but not the head:
	// nothing advances, because the head is idx 0.
	h.fake.ack(types.Position{Scn: 99, Idx: 9})
	w.pollConfirms()
	_, have := w.Confirmed()
	assert.False(t, have)
	assert.Len(t, w.queue, 3)

	// Ack covering the head and the rest drains the queue in id order.
	h.fake.ack(types.Position{Scn: 100, Idx: 2})
	w.pollConfirms()
	pos, have := w.Confirmed()
	assert.True(t, have)
	assert.Equal(t, types.Scn(100), pos.Scn)
	assert.Equal(t, uint64(2), pos.Idx)
	assert.Empty(t, w.queue)
}

func TestCheckpointOverridesConfigStart(t *testing.T) {
	h := newHarness(t)

	// Persist a checkpoint, then start a writer configured elsewhere.
	require.NoError(t, h.meta.WriteCheckpoint(types.Checkpoint{
		Database: "ORCL", Scn: 5000, Idx: 1, Resetlogs: 3, Activation: 7,
	}))

	w := New(h.context, h.bld, h.meta, h.fake, Config{
		Database: "ORCL", QueueSize: 8, StartScn: 1, StartSeq: 1,
	})
	require.NoError(t, w.startup())

	assert.Equal(t, types.Scn(5000), h.meta.FirstScn)
	assert.Equal(t, uint32(3), h.meta.Resetlogs)
	pos, have := w.Confirmed()
	assert.True(t, have)
	assert.Equal(t, types.Scn(5000), pos.Scn)
}

func TestFileTransport(t *testing.T) {
	path := t.TempDir() + "/out.jsonl"
	ft, err := NewFileTransport(path)
	require.NoError(t, err)

	msg := &builder.Msg{Id: 1, Scn: 10, LwnScn: 10, LwnIdx: 0, Data: []byte(`{"op":"BEGIN"}`)}
	require.NoError(t, ft.Send(msg))
	pos, ok := ft.Confirmed()
	assert.True(t, ok)
	assert.Equal(t, types.Scn(10), pos.Scn)
	require.NoError(t, ft.Close())
}
