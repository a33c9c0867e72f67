package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/types"
)

// fakeEmitter records the builder calls the parser makes.
type fakeEmitter struct {
	begins     []types.Xid
	entries    []transaction.Entry
	commits    []types.Xid
	ddls       []string
	boundaries []types.Scn
}

func (f *fakeEmitter) BeginTransaction(t *transaction.Transaction) error {
	f.begins = append(f.begins, t.Xid)
	return nil
}

func (f *fakeEmitter) EmitEntry(_ *transaction.Transaction, e transaction.Entry) error {
	f.entries = append(f.entries, transaction.Entry{
		Tag:  e.Tag,
		Rec1: append([]byte{}, e.Rec1...),
		Rec2: append([]byte{}, e.Rec2...),
	})
	return nil
}

func (f *fakeEmitter) CommitTransaction(t *transaction.Transaction) error {
	f.commits = append(f.commits, t.Xid)
	return nil
}

func (f *fakeEmitter) EmitDdl(_ types.Scn, _ types.Xid, text string) error {
	f.ddls = append(f.ddls, text)
	return nil
}

func (f *fakeEmitter) LwnBoundary(scn types.Scn, _ types.Time) error {
	f.boundaries = append(f.boundaries, scn)
	return nil
}

func put16(b []byte, v uint16) []byte { return append(b, byte(v), byte(v>>8)) }
func put32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func putScn(b []byte, v types.Scn) []byte {
	var tmp [8]byte
	ctx.WriteScnLittle(tmp[:], v)
	return append(b, tmp[:]...)
}

// record builds one record from its change vectors.
func record(scn types.Scn, subScn uint16, cvs ...*Cv) []byte {
	var body []byte
	for _, cv := range cvs {
		body = AppendCv(body, cv)
	}
	rec := put32(nil, uint32(recordHeaderSize+len(body)))
	rec = put16(rec, subScn)
	rec = put16(rec, 0)
	rec = putScn(rec, scn)
	return append(rec, body...)
}

// lwn wraps records into a log write group.
func lwn(scnBase types.Scn, records ...[]byte) []byte {
	var body []byte
	for _, r := range records {
		body = append(body, r...)
	}
	out := put32(nil, uint32(lwnHeaderSize+len(body)))
	out = put32(out, 0) // timestamp
	out = putScn(out, scnBase)
	out = put32(out, uint32(len(records)))
	return append(out, body...)
}

type pipeline struct {
	parser *Parser
	txns   *transaction.Buffer
	out    *fakeEmitter
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	c := ctx.New()
	mem := memory.NewManager(c, memory.Config{
		MinChunks:      2,
		MaxChunks:      16,
		ReadBufferMin:  1,
		ReadBufferMax:  4,
		WriteBufferMin: 1,
		WriteBufferMax: 4,
		SwapPath:       t.TempDir(),
	})
	txns := transaction.New(c, mem, transaction.Config{})
	out := &fakeEmitter{}
	return &pipeline{parser: New(c, mem, txns, out), txns: txns, out: out}
}

func TestInsertCommitFlow(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(1, 2, 3)

	begin := &Cv{Opcode: OpBegin, Xid: xid, Dba: 9}
	undo := &Cv{Opcode: OpBegin, Xid: xid, Dba: 5}
	insert := &Cv{
		Opcode: OpInsert, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 5, Slot: 1, Xid: xid,
		Cols: []RawCol{{ColNo: 1, Data: []byte{0xC1, 0x2B}}},
	}
	commit := &Cv{Opcode: OpCommit, Xid: xid}

	group := lwn(100,
		record(100, 0, begin),
		record(100, 1, undo, insert),
		record(100, 2, commit),
	)
	require.NoError(t, p.parser.feed(group))

	require.Len(t, p.out.begins, 1)
	require.Len(t, p.out.entries, 1)
	require.Len(t, p.out.commits, 1)
	assert.Equal(t, xid, p.out.begins[0])
	assert.Equal(t, []types.Scn{100}, p.out.boundaries)

	// The buffered entry carries the redo and the paired undo.
	e := p.out.entries[0]
	assert.Equal(t, uint16(OpInsert), e.Tag)
	redo, err := ParseCv(ctx.New(), e.Rec1)
	require.NoError(t, err)
	assert.Equal(t, OpInsert, redo.Opcode)
	assert.Equal(t, uint32(42), redo.Obj)
	paired, err := ParseCv(ctx.New(), e.Rec2)
	require.NoError(t, err)
	assert.Equal(t, OpBegin, paired.Opcode)
}

func TestRollbackDiscardsTransaction(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(1, 1, 1)

	insert := &Cv{
		Opcode: OpInsert, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 5, Xid: xid,
		Cols: []RawCol{{ColNo: 1, Data: []byte{0x80}}},
	}
	rollback := &Cv{Opcode: OpRollback, Xid: xid}

	group := lwn(50,
		record(50, 0, &Cv{Opcode: OpBegin, Xid: xid}),
		record(50, 1, insert),
		record(51, 0, rollback),
	)
	require.NoError(t, p.parser.feed(group))

	assert.Empty(t, p.out.begins)
	assert.Empty(t, p.out.entries)
	assert.Empty(t, p.out.commits)
	assert.Equal(t, 0, p.txns.Active())
}

func TestCommitFlaggedAsRollback(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(2, 2, 2)

	group := lwn(60,
		record(60, 0, &Cv{Opcode: OpBegin, Xid: xid}),
		record(60, 1, &Cv{
			Opcode: OpInsert, Fb: types.FbF | types.FbL, Obj: 1, Dba: 1, Xid: xid,
			Cols: []RawCol{{ColNo: 1, Data: []byte{0x80}}},
		}),
		record(61, 0, &Cv{Opcode: OpCommit, Flags: flagCommitRollback, Xid: xid}),
	)
	require.NoError(t, p.parser.feed(group))
	assert.Empty(t, p.out.commits)
	assert.Equal(t, 0, p.txns.Active())
}

func TestRecordsProcessedInScnOrder(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(3, 3, 3)

	// Commit is stored first in the group but carries the highest scn;
	// records inside the group arrive out of order and must be sorted.
	insert := &Cv{
		Opcode: OpInsert, Fb: types.FbF | types.FbL, Obj: 1, Dba: 1, Xid: xid,
		Cols: []RawCol{{ColNo: 1, Data: []byte{0x80}}},
	}
	group := lwn(70,
		record(72, 0, &Cv{Opcode: OpCommit, Xid: xid}),
		record(70, 0, &Cv{Opcode: OpBegin, Xid: xid}),
		record(71, 0, insert),
	)
	require.NoError(t, p.parser.feed(group))

	// Had the commit been processed first, nothing would have emitted.
	require.Len(t, p.out.entries, 1)
	require.Len(t, p.out.commits, 1)
}

func TestDdlEmitted(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(4, 4, 4)

	ddl := &Cv{Opcode: OpDdl, Xid: xid, Payload: []byte("TRUNCATE TABLE APP.T1")}
	group := lwn(80, record(80, 0, ddl))
	require.NoError(t, p.parser.feed(group))

	require.Len(t, p.out.ddls, 1)
	assert.Equal(t, "TRUNCATE TABLE APP.T1", p.out.ddls[0])
}

func TestUnknownOpcodeFatalUnlessMasked(t *testing.T) {
	p := newPipeline(t)
	bad := &Cv{Opcode: 0x7F7F, Xid: types.NewXid(5, 5, 5)}
	group := lwn(90, record(90, 0, bad))
	err := p.parser.feed(group)
	require.Error(t, err)
	assert.Equal(t, ctx.KindData, ctx.KindOf(err))

	masked := newPipeline(t)
	masked.parser.context.DisableChecks = ctx.ChecksBadData
	group = lwn(90, record(90, 0, bad))
	require.NoError(t, masked.parser.feed(group))
}

func TestLwnSpanningMultipleFeeds(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(6, 6, 6)

	group := lwn(95,
		record(95, 0, &Cv{Opcode: OpBegin, Xid: xid}),
		record(96, 0, &Cv{Opcode: OpCommit, Xid: xid}),
	)

	// Feed in three arbitrary slices, as blocks would deliver it.
	third := len(group) / 3
	require.NoError(t, p.parser.feed(group[:third]))
	require.NoError(t, p.parser.feed(group[third:2*third]))
	require.NoError(t, p.parser.feed(group[2*third:]))

	assert.Equal(t, []types.Scn{95}, p.out.boundaries)
}

func TestZeroFillEndsAssembly(t *testing.T) {
	p := newPipeline(t)
	pad := make([]byte, 64)
	require.NoError(t, p.parser.feed(pad))
	assert.Empty(t, p.out.boundaries)
}

func TestPartialRollbackOpcode(t *testing.T) {
	p := newPipeline(t)
	xid := types.NewXid(7, 7, 7)

	ins := func(val byte) *Cv {
		return &Cv{
			Opcode: OpInsert, Fb: types.FbF | types.FbL, Obj: 1, Dba: 1, Xid: xid,
			Cols: []RawCol{{ColNo: 1, Data: []byte{val}}},
		}
	}
	group := lwn(99,
		record(99, 0, ins(0x80)),
		record(99, 1, ins(0x81)),
		record(99, 2, &Cv{Opcode: OpRollbackAlt, Xid: xid}),
		record(100, 0, &Cv{Opcode: OpCommit, Xid: xid}),
	)
	require.NoError(t, p.parser.feed(group))
	require.Len(t, p.out.entries, 1, "the second insert was undone")
}

func TestCvRoundTrip(t *testing.T) {
	c := ctx.New()
	cv := &Cv{
		Opcode: OpUpdate,
		Fb:     types.FbF | types.FbL,
		Obj:    42, Dba: 0xDEAD, Slot: 7,
		Xid: types.NewXid(1, 2, 3),
		Cols: []RawCol{
			{ColNo: 1, Data: []byte{0xC1, 0x02}},
			{ColNo: 2, Null: true},
			{ColNo: 3, Data: []byte("abc")},
		},
		Payload: []byte{9, 9},
	}
	wire := AppendCv(nil, cv)
	got, err := ParseCv(c, wire)
	require.NoError(t, err)

	assert.Equal(t, cv.Opcode, got.Opcode)
	assert.Equal(t, cv.Obj, got.Obj)
	assert.Equal(t, cv.Xid, got.Xid)
	require.Len(t, got.Cols, 3)
	assert.True(t, got.Cols[1].Null)
	assert.Equal(t, []byte("abc"), got.Cols[2].Data)
	assert.Equal(t, []byte{9, 9}, got.Payload)

	_, err = ParseCv(c, wire[:5])
	assert.Error(t, err)
}
