package parser

import (
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/types"
)

// Opcode identifies a change vector operation, major<<8 | minor.
type Opcode uint16

const (
	OpBegin       Opcode = 0x0501 // undo header / transaction start
	OpCommit      Opcode = 0x0504 // commit (or rollback when the flag is set)
	OpRollback    Opcode = 0x0506 // rollback marker
	OpRollbackAlt Opcode = 0x050B // undo of the last op (partial rollback); not a multi-row header
	OpInsert      Opcode = 0x0B02
	OpDelete      Opcode = 0x0B03
	OpLock        Opcode = 0x0B04
	OpUpdate      Opcode = 0x0B05
	OpOverwrite   Opcode = 0x0B06
	OpInsertMulti Opcode = 0x0B0B
	OpDeleteMulti Opcode = 0x0B0C
	OpSupplement  Opcode = 0x0B10
	OpDdl         Opcode = 0x1801
)

// Major returns the opcode's major layer number.
func (o Opcode) Major() uint8 { return uint8(o >> 8) }

// Minor returns the opcode's minor number within the layer.
func (o Opcode) Minor() uint8 { return uint8(o) }

// Commit flag bits (upper byte of an OpCommit vector's flags field; the low
// byte is the fb byte).
const (
	flagCommitRollback = 0x0100 // terminal marker is a rollback
)

// Wire geometry of the decoded layers. The LWN header leads each log write
// group; records follow back to back, each carrying its change vectors.
const (
	lwnHeaderSize    = 20
	recordHeaderSize = 16
	cvHeaderSize     = 26
	colHeaderSize    = 4

	// NullLength marks an absent column value on the wire.
	NullLength = 0xFFFF
)

// LwnHeader describes one log write group.
type LwnHeader struct {
	Size      uint32 // total LWN bytes including this header
	Timestamp types.Time
	ScnBase   types.Scn
	Records   uint32
}

// parseLwnHeader decodes the LWN header from b.
func parseLwnHeader(c *ctx.Ctx, b []byte) LwnHeader {
	return LwnHeader{
		Size:      c.Read32(b[0:]),
		Timestamp: types.Time(c.Read32(b[4:])),
		ScnBase:   c.ReadScn(b[8:]),
		Records:   c.Read32(b[16:]),
	}
}

// RecordHeader is the per-record envelope inside an LWN.
type RecordHeader struct {
	Size   uint32
	SubScn uint16
	Type   uint16
	Scn    types.Scn
}

func parseRecordHeader(c *ctx.Ctx, b []byte) RecordHeader {
	return RecordHeader{
		Size:   c.Read32(b[0:]),
		SubScn: c.Read16(b[4:]),
		Type:   c.Read16(b[6:]),
		Scn:    c.ReadScn(b[8:]),
	}
}

// RawCol is one column image inside a change vector.
type RawCol struct {
	ColNo uint16
	Null  bool
	Data  []byte
}

// Cv is one decoded change vector.
type Cv struct {
	Opcode Opcode
	Flags  uint16
	Fb     types.Fb
	Obj    uint32
	Dba    uint32
	Slot   uint16
	Xid    types.Xid
	NRow   uint16

	// Cols carries the column images. For multi-row vectors the groups
	// are laid out row by row; Rows gives the per-row column counts.
	Cols []RawCol
	Rows []uint16

	// Payload is the raw tail for vectors that carry opaque data (DDL
	// text, supplemental attributes).
	Payload []byte

	// Raw is the full wire image of the vector, used to buffer it in the
	// transaction log and re-decode it at commit time.
	Raw []byte
}

// Change vector wire layout:
//
//	u16 opcode | u16 flags+fb | u32 obj | u32 dba | u16 slot | u64 xid |
//	u16 nrow | u16 colCount | u16 payloadLen | columns... | payload
//
// A column is u16 colNo | u16 length | bytes; length NullLength means an
// explicit null with no bytes. For multi-row vectors each row is prefixed
// by its own u16 column count.
func parseCv(c *ctx.Ctx, b []byte) (Cv, int, error) {
	if len(b) < cvHeaderSize {
		return Cv{}, 0, ctx.DataError(50043, "change vector truncated")
	}
	cv := Cv{
		Opcode: Opcode(c.Read16(b[0:])),
		Flags:  c.Read16(b[2:]),
		Obj:    c.Read32(b[4:]),
		Dba:    c.Read32(b[8:]),
		Slot:   c.Read16(b[12:]),
		Xid:    types.Xid(c.Read64(b[14:])),
	}
	cv.Fb = types.Fb(cv.Flags & 0xFF)
	cv.NRow = c.Read16(b[22:])
	colCount := int(c.Read16(b[24:]))

	pos := cvHeaderSize
	payloadLen := 0
	if len(b) < pos+2 {
		return Cv{}, 0, ctx.DataError(50043, "change vector truncated")
	}
	payloadLen = int(c.Read16(b[pos:]))
	pos += 2

	readCols := func(n int) error {
		for i := 0; i < n; i++ {
			if len(b) < pos+colHeaderSize {
				return ctx.DataError(50043, "change vector truncated")
			}
			col := RawCol{ColNo: c.Read16(b[pos:])}
			length := int(c.Read16(b[pos+2:]))
			pos += colHeaderSize
			if length == NullLength {
				col.Null = true
			} else {
				if len(b) < pos+length {
					return ctx.DataError(50043, "change vector truncated")
				}
				col.Data = b[pos : pos+length]
				pos += length
			}
			cv.Cols = append(cv.Cols, col)
		}
		return nil
	}

	if cv.NRow > 0 {
		for r := uint16(0); r < cv.NRow; r++ {
			if len(b) < pos+2 {
				return Cv{}, 0, ctx.DataError(50043, "change vector truncated")
			}
			rowCols := int(c.Read16(b[pos:]))
			pos += 2
			cv.Rows = append(cv.Rows, uint16(rowCols))
			if err := readCols(rowCols); err != nil {
				return Cv{}, 0, err
			}
		}
	} else if err := readCols(colCount); err != nil {
		return Cv{}, 0, err
	}

	if len(b) < pos+payloadLen {
		return Cv{}, 0, ctx.DataError(50043, "change vector truncated")
	}
	cv.Payload = b[pos : pos+payloadLen]
	pos += payloadLen

	cv.Raw = b[:pos]
	return cv, pos, nil
}

// ParseCv re-decodes a change vector buffered in the transaction log.
func ParseCv(c *ctx.Ctx, b []byte) (Cv, error) {
	cv, _, err := parseCv(c, b)
	return cv, err
}

// AppendCv serializes a change vector into the wire layout; test and tooling
// helper, the inverse of parseCv.
func AppendCv(dst []byte, cv *Cv) []byte {
	put16 := func(v uint16) { dst = append(dst, byte(v), byte(v>>8)) }
	put32 := func(v uint32) {
		dst = append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}

	put16(uint16(cv.Opcode))
	put16(cv.Flags | uint16(cv.Fb))
	put32(cv.Obj)
	put32(cv.Dba)
	put16(cv.Slot)
	x := uint64(cv.Xid)
	for i := 0; i < 8; i++ {
		dst = append(dst, byte(x>>(8*i)))
	}
	put16(cv.NRow)
	if cv.NRow > 0 {
		put16(0)
	} else {
		put16(uint16(len(cv.Cols)))
	}
	put16(uint16(len(cv.Payload)))

	writeCol := func(col RawCol) {
		put16(col.ColNo)
		if col.Null {
			put16(NullLength)
			return
		}
		put16(uint16(len(col.Data)))
		dst = append(dst, col.Data...)
	}

	if cv.NRow > 0 {
		idx := 0
		for r := uint16(0); r < cv.NRow; r++ {
			n := int(cv.Rows[r])
			put16(uint16(n))
			for i := 0; i < n; i++ {
				writeCol(cv.Cols[idx])
				idx++
			}
		}
	} else {
		for _, col := range cv.Cols {
			writeCol(col)
		}
	}

	dst = append(dst, cv.Payload...)
	return dst
}
