package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/redotail/redotail/pkg/charset"
	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/parser"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/types"
)

func testSchema(t *testing.T) *metadata.Schema {
	t.Helper()
	store, err := metadata.NewDirStore(t.TempDir())
	require.NoError(t, err)
	schema, err := metadata.NewSchema(store)
	require.NoError(t, err)
	require.NoError(t, schema.Define(&metadata.Table{
		Obj:   42,
		Owner: "APP",
		Name:  "T1",
		Columns: []metadata.Column{
			{ColNo: 1, Name: "C1", TypeNo: 2, NumPk: 1},
			{ColNo: 2, Name: "C2", TypeNo: 1, CharsetId: 873},
		},
		GuardSegNo: -1,
	}))
	return schema
}

func testBuilder(t *testing.T, cfg Config) *Builder {
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
	if cfg.Charset == nil {
		dec, err := charset.Get("AL32UTF8")
		require.NoError(t, err)
		cfg.Charset = dec
	}
	if cfg.Format == "" {
		cfg.Format = config.FormatJSON
	}
	if cfg.ColumnFormat == "" {
		cfg.ColumnFormat = config.ColumnFormatMinimal
	}
	return New(c, mem, testSchema(t), cfg)
}

func cvEntry(t *testing.T, redo *parser.Cv, undo *parser.Cv) transaction.Entry {
	t.Helper()
	e := transaction.Entry{Rec1: parser.AppendCv(nil, redo)}
	if undo != nil {
		e.Rec2 = parser.AppendCv(nil, undo)
	}
	return e
}

func drainPayloads(t *testing.T, b *Builder) []string {
	t.Helper()
	require.NoError(t, b.LwnBoundary(1000, 0))
	msgs, ok := b.PollMessages(0, 100)
	require.True(t, ok)
	var out []string
	for _, m := range msgs {
		out = append(out, string(m.Data))
	}
	return out
}

func TestSimpleInsertJSON(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(1, 2, 3)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 100}

	require.NoError(t, b.BeginTransaction(txn))
	insert := &parser.Cv{
		Opcode: parser.OpInsert,
		Fb:     types.FbF | types.FbL,
		Obj:    42, Dba: 0x100, Slot: 1, Xid: xid,
		Cols: []parser.RawCol{
			{ColNo: 1, Data: []byte{0xC1, 0x2B}},
			{ColNo: 2, Data: []byte{0x68, 0x69}},
		},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, insert, nil)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	require.Len(t, payloads, 4) // BEGIN, INSERT, COMMIT, CHKPT

	assert.JSONEq(t, `{"scn":100,"op":"BEGIN","xid":"0001.002.00000003","tm":0}`, payloads[0])
	assert.JSONEq(t, `{"scn":100,"op":"INSERT","xid":"0001.002.00000003",
		"table":"APP.T1","rowid":"0000002a.00000100.0001",
		"after":{"C1":"42","C2":"hi"}}`, payloads[1])
	assert.JSONEq(t, `{"scn":100,"op":"COMMIT","xid":"0001.002.00000003","tm":0}`, payloads[2])
	assert.Contains(t, payloads[3], `"op":"CHKPT"`)
}

func TestUpdateMinimalColumnFormat(t *testing.T) {
	b := testBuilder(t, Config{ColumnFormat: config.ColumnFormatMinimal})
	xid := types.NewXid(1, 1, 1)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 200}

	require.NoError(t, b.BeginTransaction(txn))
	// Only B changed; the undo carries old B, the redo carries new B.
	redo := &parser.Cv{
		Opcode: parser.OpUpdate, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 1, Slot: 0, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("y")}},
	}
	undo := &parser.Cv{
		Opcode: parser.OpBegin,
		Obj:    42, Dba: 1, Slot: 0, Xid: xid,
		Cols: []parser.RawCol{
			{ColNo: 1, Data: []byte{0xC1, 0x02}}, // A=1, the PK
			{ColNo: 2, Data: []byte("x")},
		},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, redo, undo)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	require.Len(t, payloads, 4)

	update := payloads[1]
	assert.JSONEq(t, `{"scn":200,"op":"UPDATE","xid":"0001.001.00000001",
		"table":"APP.T1","rowid":"0000002a.00000001.0000",
		"before":{"C1":"1","C2":"x"},
		"after":{"C2":"y"}}`, update)
}

func TestUpdateSynthesizesMissingPkAsBeforeNull(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(2, 2, 2)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 201}

	require.NoError(t, b.BeginTransaction(txn))
	redo := &parser.Cv{
		Opcode: parser.OpUpdate, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 1, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("y")}},
	}
	// Undo without the PK column at all.
	undo := &parser.Cv{
		Opcode: parser.OpBegin, Obj: 42, Dba: 1, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("x")}},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, redo, undo)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	assert.Contains(t, payloads[1], `"C1":null`)
}

func TestFragmentMerge(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(3, 3, 3)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 300}

	require.NoError(t, b.BeginTransaction(txn))
	first := &parser.Cv{
		Opcode: parser.OpInsert, Fb: types.FbF | types.FbN,
		Obj: 42, Dba: 2, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("hel")}},
	}
	middle := &parser.Cv{
		Opcode: parser.OpInsert, Fb: types.FbN | types.FbP,
		Obj: 42, Dba: 2, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("lo ")}},
	}
	last := &parser.Cv{
		Opcode: parser.OpInsert, Fb: types.FbP | types.FbL,
		Obj: 42, Dba: 2, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("world")}},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, first, nil)))
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, middle, nil)))
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, last, nil)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	require.Len(t, payloads, 4)
	assert.Contains(t, payloads[1], `"C2":"hello world"`)
}

func TestMultiRowInsert(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(4, 4, 4)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 400}

	require.NoError(t, b.BeginTransaction(txn))
	multi := &parser.Cv{
		Opcode: parser.OpInsertMulti, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 3, Slot: 10, Xid: xid,
		NRow: 2,
		Rows: []uint16{1, 1},
		Cols: []parser.RawCol{
			{ColNo: 2, Data: []byte("a")},
			{ColNo: 2, Data: []byte("b")},
		},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, multi, nil)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	require.Len(t, payloads, 5) // BEGIN, 2x INSERT, COMMIT, CHKPT
	assert.Contains(t, payloads[1], `"C2":"a"`)
	assert.Contains(t, payloads[2], `"C2":"b"`)
	assert.Contains(t, payloads[2], `.000b"`) // slot 10+1
}

func TestSupplementalMerge(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(5, 5, 5)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 500}

	require.NoError(t, b.BeginTransaction(txn))
	update := &parser.Cv{
		Opcode: parser.OpUpdate, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 4, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 2, Data: []byte("y")}},
	}
	supp := &parser.Cv{
		Opcode: parser.OpSupplement, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 4, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 1, Data: []byte{0xC1, 0x08}}},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, update, nil)))
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, supp, nil)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	assert.Contains(t, payloads[1], `"C1":"7"`)
}

func TestUnknownTableSkipped(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(6, 6, 6)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 600}

	require.NoError(t, b.BeginTransaction(txn))
	insert := &parser.Cv{
		Opcode: parser.OpInsert, Fb: types.FbF | types.FbL,
		Obj: 999, Dba: 1, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 1, Data: []byte{0x80}}},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, insert, nil)))
	require.NoError(t, b.CommitTransaction(txn))

	payloads := drainPayloads(t, b)
	require.Len(t, payloads, 3) // BEGIN, COMMIT, CHKPT only
}

func TestProtobufFormat(t *testing.T) {
	b := testBuilder(t, Config{Format: config.FormatProtobuf})
	xid := types.NewXid(1, 2, 3)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 100}

	require.NoError(t, b.BeginTransaction(txn))
	insert := &parser.Cv{
		Opcode: parser.OpInsert, Fb: types.FbF | types.FbL,
		Obj: 42, Dba: 0x100, Slot: 1, Xid: xid,
		Cols: []parser.RawCol{{ColNo: 1, Data: []byte{0xC1, 0x2B}}},
	}
	require.NoError(t, b.EmitEntry(txn, cvEntry(t, insert, nil)))
	require.NoError(t, b.CommitTransaction(txn))
	require.NoError(t, b.LwnBoundary(1000, 0))

	msgs, ok := b.PollMessages(0, 100)
	require.True(t, ok)
	require.Len(t, msgs, 4)

	// Decode the INSERT with protowire and verify the tagged fields.
	data := msgs[1].Data
	fields := map[protowire.Number]interface{}{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		require.Greater(t, n, 0)
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			data = data[n:]
			fields[num] = v
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			data = data[n:]
			fields[num] = append([]byte{}, v...)
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
	}
	assert.Equal(t, uint64(100), fields[1])
	assert.Equal(t, uint64(types.OpInsert), fields[2])
	assert.Equal(t, []byte("0001.002.00000003"), fields[3])
	assert.Equal(t, []byte("APP.T1"), fields[4])
}

func TestLwnStampAndWatermark(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(7, 7, 7)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 700}

	require.NoError(t, b.BeginTransaction(txn))
	require.NoError(t, b.CommitTransaction(txn))
	require.NoError(t, b.LwnBoundary(700, 0))

	msgs, ok := b.PollMessages(0, 100)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, types.Scn(700), m.LwnScn)
		assert.Equal(t, uint64(i), m.LwnIdx)
	}

	// A later boundary at the same SCN keeps counting, a new SCN resets.
	require.NoError(t, b.LwnBoundary(700, 0))
	require.NoError(t, b.LwnBoundary(800, 0))
	msgs, _ = b.PollMessages(msgs[2].Id, 100)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(3), msgs[0].LwnIdx)
	assert.Equal(t, types.Scn(800), msgs[1].LwnScn)
	assert.Equal(t, uint64(0), msgs[1].LwnIdx)
}

func TestNumberDecode(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"zero", []byte{0x80}, "0"},
		{"42", []byte{0xC1, 0x2B}, "42"},
		{"1", []byte{0xC1, 0x02}, "1"},
		{"100", []byte{0xC2, 0x02}, "100"},
		{"123", []byte{0xC2, 0x02, 0x18}, "123"},
		{"0.5", []byte{0xC0, 0x33}, "0.5"},
		{"minus 1", []byte{0x3E, 0x64, 0x66}, "-1"},
		{"minus 100", []byte{0x3D, 0x64, 0x66}, "-100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeNumber(tt.in))
		})
	}
}

func TestTimestampDecode(t *testing.T) {
	// 2024-06-15 13:45:59
	data := []byte{120, 124, 6, 15, 14, 46, 60}
	assert.Equal(t, "2024-06-15 13:45:59", decodeTimestamp(data, ""))

	// With fraction.
	withFrac := append(append([]byte{}, data...), 0x00, 0x00, 0x00, 0x64)
	assert.Equal(t, "2024-06-15 13:45:59.000000100", decodeTimestamp(withFrac, ""))

	assert.Contains(t, decodeTimestamp([]byte{1, 2}, ""), "?")
}

func TestTimestampTzDecode(t *testing.T) {
	date := []byte{120, 124, 6, 15, 14, 46, 60}

	// Fixed offset +02:00: byte11 = 22, byte12 = 60.
	tz := append(append([]byte{}, date...), 22, 60)
	assert.Equal(t, "2024-06-15 13:45:59 +02:00", decodeTimestampTz(tz))

	// Fixed offset -05:30: byte11 = 15, byte12 = 30.
	tz = append(append([]byte{}, date...), 15, 30)
	assert.Equal(t, "2024-06-15 13:45:59 -05:30", decodeTimestampTz(tz))

	// Named zone.
	tz = append(append([]byte{}, date...), 0x80, 0x00)
	assert.Equal(t, "2024-06-15 13:45:59 UTC", decodeTimestampTz(tz))

	// Unknown key.
	tz = append(append([]byte{}, date...), 0xFF, 0xFF)
	assert.Equal(t, "2024-06-15 13:45:59 TZ?", decodeTimestampTz(tz))
}

func TestReleaseConfirmed(t *testing.T) {
	b := testBuilder(t, Config{})
	xid := types.NewXid(8, 8, 8)
	txn := &transaction.Transaction{Xid: xid, CommitScn: 800}

	require.NoError(t, b.BeginTransaction(txn))
	require.NoError(t, b.CommitTransaction(txn))
	require.NoError(t, b.LwnBoundary(800, 0))

	msgs, _ := b.PollMessages(0, 100)
	for _, m := range msgs {
		m.Flags |= FlagConfirmed
	}
	// All messages live in the last chunk, which is never released.
	require.NoError(t, b.ReleaseConfirmed(msgs[len(msgs)-1].QueueId))
}
