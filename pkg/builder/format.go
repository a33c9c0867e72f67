package builder

import (
	"bytes"
	"encoding/json"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/types"
)

// JSON serialization. Field order is fixed so messages are byte-stable:
// scn, op, xid, tm, table, rowid, before, after, sql.

func jsonAppendColumns(buf *bytes.Buffer, key string, cols []ColVal) {
	buf.WriteString(`,"`)
	buf.WriteString(key)
	buf.WriteString(`":{`)
	for i, c := range cols {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(c.Name)
		buf.Write(name)
		buf.WriteByte(':')
		if c.Null {
			buf.WriteString("null")
		} else {
			val, _ := json.Marshal(c.Value)
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
}

func (b *Builder) jsonHead(buf *bytes.Buffer, scn types.Scn, op types.Op, xid types.Xid) {
	buf.WriteString(`{"scn":`)
	b.writeUint(buf, uint64(scn))
	buf.WriteString(`,"op":"`)
	buf.WriteString(op.String())
	buf.WriteString(`","xid":"`)
	buf.WriteString(xid.String())
	buf.WriteByte('"')
}

func (b *Builder) writeUint(buf *bytes.Buffer, v uint64) {
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	buf.Write(tmp[i:])
}

// Protobuf-style tagged binary serialization, built with protowire
// primitives. Field numbers:
//
//	1 scn (varint)     4 table (bytes)    7 after (bytes, repeated)
//	2 op (varint)      5 rowid (bytes)    8 ddl (bytes)
//	3 xid (bytes)      6 before (bytes)   9 timestamp (varint)
//
// A column value submessage: 1 name, 2 value, 3 null.

func pbHead(dst []byte, scn types.Scn, op types.Op, xid types.Xid) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(scn))
	dst = protowire.AppendTag(dst, 2, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(op))
	dst = protowire.AppendTag(dst, 3, protowire.BytesType)
	dst = protowire.AppendString(dst, xid.String())
	return dst
}

func pbColumns(dst []byte, field protowire.Number, cols []ColVal) []byte {
	for _, c := range cols {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, c.Name)
		if c.Null {
			sub = protowire.AppendTag(sub, 3, protowire.VarintType)
			sub = protowire.AppendVarint(sub, 1)
		} else {
			sub = protowire.AppendTag(sub, 2, protowire.BytesType)
			sub = protowire.AppendString(sub, c.Value)
		}
		dst = protowire.AppendTag(dst, field, protowire.BytesType)
		dst = protowire.AppendBytes(dst, sub)
	}
	return dst
}

func (b *Builder) formatBegin(t *transaction.Transaction) ([]byte, error) {
	if b.cfg.Format == config.FormatProtobuf {
		dst := pbHead(nil, t.CommitScn, types.OpBegin, t.Xid)
		dst = protowire.AppendTag(dst, 9, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(t.CommitTime))
		return dst, nil
	}
	var buf bytes.Buffer
	b.jsonHead(&buf, t.CommitScn, types.OpBegin, t.Xid)
	buf.WriteString(`,"tm":`)
	b.writeUint(&buf, uint64(t.CommitTime))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (b *Builder) formatCommit(t *transaction.Transaction) ([]byte, error) {
	if b.cfg.Format == config.FormatProtobuf {
		dst := pbHead(nil, t.CommitScn, types.OpCommit, t.Xid)
		dst = protowire.AppendTag(dst, 9, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(t.CommitTime))
		return dst, nil
	}
	var buf bytes.Buffer
	b.jsonHead(&buf, t.CommitScn, types.OpCommit, t.Xid)
	buf.WriteString(`,"tm":`)
	b.writeUint(&buf, uint64(t.CommitTime))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (b *Builder) formatDdl(scn types.Scn, xid types.Xid, text string) ([]byte, error) {
	if b.cfg.Format == config.FormatProtobuf {
		dst := pbHead(nil, scn, types.OpDdl, xid)
		dst = protowire.AppendTag(dst, 8, protowire.BytesType)
		dst = protowire.AppendString(dst, text)
		return dst, nil
	}
	var buf bytes.Buffer
	b.jsonHead(&buf, scn, types.OpDdl, xid)
	buf.WriteString(`,"sql":`)
	sql, _ := json.Marshal(text)
	buf.Write(sql)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (b *Builder) formatCheckpoint(scn types.Scn, idx uint64, timestamp types.Time) ([]byte, error) {
	if b.cfg.Format == config.FormatProtobuf {
		var dst []byte
		dst = protowire.AppendTag(dst, 1, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(scn))
		dst = protowire.AppendTag(dst, 2, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(types.OpCheckpoint))
		dst = protowire.AppendTag(dst, 9, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(timestamp))
		dst = protowire.AppendTag(dst, 10, protowire.VarintType)
		dst = protowire.AppendVarint(dst, idx)
		return dst, nil
	}
	var buf bytes.Buffer
	buf.WriteString(`{"scn":`)
	b.writeUint(&buf, uint64(scn))
	buf.WriteString(`,"op":"CHKPT","idx":`)
	b.writeUint(&buf, idx)
	buf.WriteString(`,"tm":`)
	b.writeUint(&buf, uint64(timestamp))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (b *Builder) formatRowOp(op *RowOp) ([]byte, error) {
	if b.cfg.Format == config.FormatProtobuf {
		dst := pbHead(nil, op.Scn, op.Op, op.Xid)
		dst = protowire.AppendTag(dst, 4, protowire.BytesType)
		dst = protowire.AppendString(dst, op.Table.Owner+"."+op.Table.Name)
		dst = protowire.AppendTag(dst, 5, protowire.BytesType)
		dst = protowire.AppendString(dst, op.RowId.String())
		dst = pbColumns(dst, 6, op.Before)
		dst = pbColumns(dst, 7, op.After)
		return dst, nil
	}

	var buf bytes.Buffer
	b.jsonHead(&buf, op.Scn, op.Op, op.Xid)
	buf.WriteString(`,"table":"`)
	buf.WriteString(op.Table.Owner)
	buf.WriteByte('.')
	buf.WriteString(op.Table.Name)
	buf.WriteString(`","rowid":"`)
	buf.WriteString(op.RowId.String())
	buf.WriteByte('"')
	if op.Before != nil {
		jsonAppendColumns(&buf, "before", op.Before)
	}
	if op.After != nil {
		jsonAppendColumns(&buf, "after", op.After)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
