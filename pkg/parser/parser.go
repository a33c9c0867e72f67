package parser

import (
	"fmt"
	"sort"

	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/memory"
	"github.com/redotail/redotail/pkg/metrics"
	"github.com/redotail/redotail/pkg/reader"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/types"
	"github.com/rs/zerolog"
)

// Emitter is the builder-side sink the parser drives. The builder runs on
// the parser's goroutine; these calls are synchronous.
type Emitter interface {
	// BeginTransaction opens a downstream transaction frame.
	BeginTransaction(t *transaction.Transaction) error
	// EmitEntry converts one buffered op into row messages.
	EmitEntry(t *transaction.Transaction, e transaction.Entry) error
	// CommitTransaction closes the frame.
	CommitTransaction(t *transaction.Transaction) error
	// EmitDdl ships a DDL statement.
	EmitDdl(scn types.Scn, xid types.Xid, text string) error
	// LwnBoundary stamps pending messages and emits the checkpoint
	// pseudo-message carrying the client resume watermark.
	LwnBoundary(scn types.Scn, timestamp types.Time) error
}

// lwnMember locates one record inside the assembled LWN.
type lwnMember struct {
	scn    types.Scn
	subScn uint16
	block  uint32
	offset uint32
	pos    uint64 // byte position in the LWN buffer
	size   uint32
}

// Parser decodes the redo byte stream between the reader's ring cursors into
// change vectors and drives the transaction buffer and builder.
type Parser struct {
	context *ctx.Ctx
	mem     *memory.Manager
	txns    *transaction.Buffer
	out     Emitter
	logger  zerolog.Logger

	sequence types.Seq

	// LWN assembly: payload bytes stripped of block headers accumulate in
	// parser-module chunks until lwnSize bytes arrived.
	lwnChunks [][]byte
	lwnFill   uint64
	lwnSize   uint64
	lwnHdr    LwnHeader
	members   []lwnMember
	scratch   []byte

	// File position of the block that started the LWN being assembled;
	// the resume-safe confirmation point while mid-group.
	curBlockPos uint64
	lwnStart    uint64
}

// New creates a parser bound to its collaborators.
func New(c *ctx.Ctx, mem *memory.Manager, txns *transaction.Buffer, out Emitter) *Parser {
	return &Parser{
		context: c,
		mem:     mem,
		txns:    txns,
		out:     out,
		logger:  log.WithComponent("parser"),
	}
}

// ProcessFile consumes the reader's published stream until the file ends or
// fails, returning the reader's final code.
func (p *Parser) ProcessFile(r *reader.Reader) (reader.Code, error) {
	p.sequence = r.Sequence()
	blockSize := uint64(r.BlockSize())
	pos := r.BufferStart()

	defer p.releaseLwn()

	for {
		end, code, more := r.WaitForData(pos)
		for pos < end {
			block := r.BlockAt(pos)
			p.curBlockPos = pos
			if err := p.feed(block[reader.BlockHeaderSize:]); err != nil {
				return reader.CodeErrorBadData, err
			}
			pos += blockSize
			metrics.BytesParsed.Add(float64(blockSize))
		}
		// Confirm only completed groups: a resume restarts cleanly at the
		// header of a group that was mid-assembly.
		if p.lwnFill > 0 {
			r.Confirm(p.lwnStart)
		} else {
			r.Confirm(pos)
		}

		if !more {
			if p.lwnFill > 0 && p.lwnFill < p.lwnSize && code == reader.CodeFinished {
				return code, ctx.DataError(50044, fmt.Sprintf(
					"sequence %s ends inside a log write group", p.sequence))
			}
			return code, nil
		}
		if p.context.HardShutdown() {
			return reader.CodeShutdown, nil
		}
	}
}

// feed appends one block payload to the LWN assembly, completing and
// analyzing groups as they fill. Payload bytes after the last LWN of the
// file are zero padding and end assembly silently.
func (p *Parser) feed(payload []byte) error {
	for len(payload) > 0 {
		if p.lwnFill == 0 {
			p.lwnStart = p.curBlockPos
		}
		if p.lwnSize == 0 {
			// Collect the fixed header first; it may span blocks.
			need := uint64(lwnHeaderSize) - p.lwnFill
			n := uint64(len(payload))
			if n > need {
				n = need
			}
			if err := p.lwnAppend(payload[:n]); err != nil {
				return err
			}
			payload = payload[n:]
			if p.lwnFill < lwnHeaderSize {
				return nil
			}

			hdr := parseLwnHeader(p.context, p.lwnHead())
			if hdr.Size == 0 {
				// Zero fill: no further LWNs in this block.
				p.resetLwn()
				return nil
			}
			if hdr.Size < lwnHeaderSize {
				return ctx.DataError(50045, fmt.Sprintf(
					"invalid log write group size: %d", hdr.Size))
			}
			p.lwnHdr = hdr
			p.lwnSize = uint64(hdr.Size)
			continue
		}

		need := p.lwnSize - p.lwnFill
		n := uint64(len(payload))
		if n > need {
			n = need
		}
		if err := p.lwnAppend(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]

		if p.lwnFill == p.lwnSize {
			if err := p.analyzeLwn(); err != nil {
				return err
			}
			p.resetLwn()
		}
	}
	return nil
}

// lwnAppend copies bytes into the chunked LWN buffer.
func (p *Parser) lwnAppend(b []byte) error {
	for len(b) > 0 {
		chunkIdx := int(p.lwnFill / memory.ChunkSize)
		chunkOff := p.lwnFill % memory.ChunkSize
		for chunkIdx >= len(p.lwnChunks) {
			chunk, err := p.mem.GetChunk(memory.ModuleParser, false)
			if err != nil {
				return err
			}
			if chunk == nil {
				return ctx.RuntimeError(10018, "shutdown during memory allocation", nil)
			}
			p.lwnChunks = append(p.lwnChunks, chunk)
		}
		n := copy(p.lwnChunks[chunkIdx][chunkOff:], b)
		p.lwnFill += uint64(n)
		b = b[n:]
	}
	return nil
}

func (p *Parser) lwnHead() []byte {
	return p.lwnBytes(0, lwnHeaderSize)
}

// lwnBytes returns length bytes at off, copying through the scratch buffer
// when the range spans chunks.
func (p *Parser) lwnBytes(off, length uint64) []byte {
	chunkIdx := off / memory.ChunkSize
	chunkOff := off % memory.ChunkSize
	if chunkOff+length <= memory.ChunkSize {
		return p.lwnChunks[chunkIdx][chunkOff : chunkOff+length]
	}
	if uint64(cap(p.scratch)) < length {
		p.scratch = make([]byte, length)
	}
	out := p.scratch[:length]
	copied := uint64(0)
	for copied < length {
		chunkIdx = (off + copied) / memory.ChunkSize
		chunkOff = (off + copied) % memory.ChunkSize
		copied += uint64(copy(out[copied:], p.lwnChunks[chunkIdx][chunkOff:]))
	}
	return out
}

func (p *Parser) resetLwn() {
	p.lwnFill = 0
	p.lwnSize = 0
	p.members = p.members[:0]
}

func (p *Parser) releaseLwn() {
	for _, chunk := range p.lwnChunks {
		_ = p.mem.FreeChunk(memory.ModuleParser, chunk)
	}
	p.lwnChunks = nil
	p.resetLwn()
}

// analyzeLwn splits the assembled group into records, sorts them into
// (scn, subscn, block, offset) order and analyzes each.
func (p *Parser) analyzeLwn() error {
	pos := uint64(lwnHeaderSize)
	for i := uint32(0); i < p.lwnHdr.Records; i++ {
		if pos+recordHeaderSize > p.lwnSize {
			return ctx.DataError(50046, "log write group truncated record header")
		}
		rh := parseRecordHeader(p.context, p.lwnBytes(pos, recordHeaderSize))
		if rh.Size < recordHeaderSize || pos+uint64(rh.Size) > p.lwnSize {
			return ctx.DataError(50047, fmt.Sprintf("invalid record size: %d", rh.Size))
		}
		p.members = append(p.members, lwnMember{
			scn:    rh.Scn,
			subScn: rh.SubScn,
			block:  uint32(pos / memory.ChunkSize),
			offset: uint32(pos % memory.ChunkSize),
			pos:    pos,
			size:   rh.Size,
		})
		pos += uint64(rh.Size)
	}

	sort.SliceStable(p.members, func(i, j int) bool {
		a, b := p.members[i], p.members[j]
		if a.scn != b.scn {
			return a.scn < b.scn
		}
		if a.subScn != b.subScn {
			return a.subScn < b.subScn
		}
		if a.block != b.block {
			return a.block < b.block
		}
		return a.offset < b.offset
	})

	for i := range p.members {
		m := &p.members[i]
		body := p.lwnBytes(m.pos+recordHeaderSize, uint64(m.size)-recordHeaderSize)
		rh := parseRecordHeader(p.context, p.lwnBytes(m.pos, recordHeaderSize))
		if err := p.analyzeRecord(rh, body); err != nil {
			if p.context.IsDisabled(ctx.ChecksBadData) {
				log.Warn(60032, fmt.Sprintf("skipping malformed record at scn %s: %v", rh.Scn, err))
				continue
			}
			return err
		}
	}

	return p.out.LwnBoundary(p.lwnHdr.ScnBase, p.lwnHdr.Timestamp)
}

// analyzeRecord walks a record's change vectors with one-vector lookahead:
// an undo (5.1) followed in the same record by a row redo with the same XID
// and dba is dispatched as a pair.
func (p *Parser) analyzeRecord(rh RecordHeader, body []byte) error {
	var cvs []Cv
	for len(body) > 0 {
		cv, n, err := parseCv(p.context, body)
		if err != nil {
			return err
		}
		cvs = append(cvs, cv)
		body = body[n:]
		metrics.ChangeVectors.WithLabelValues(fmt.Sprintf("%02x.%02x", cv.Opcode.Major(), cv.Opcode.Minor())).Inc()
	}

	for i := 0; i < len(cvs); i++ {
		cv := &cvs[i]

		if cv.Opcode == OpBegin && i+1 < len(cvs) {
			next := &cvs[i+1]
			if isRowOpcode(next.Opcode) && next.Xid == cv.Xid && next.Dba == cv.Dba {
				if err := p.dispatchPair(rh, cv, next); err != nil {
					return err
				}
				i++
				continue
			}
		}
		if err := p.dispatchSingle(rh, cv); err != nil {
			return err
		}
	}
	return nil
}

func isRowOpcode(op Opcode) bool {
	switch op {
	case OpInsert, OpDelete, OpLock, OpUpdate, OpOverwrite,
		OpInsertMulti, OpDeleteMulti, OpSupplement:
		return true
	}
	return false
}

// dispatchPair buffers an undo/redo pair under the transaction.
func (p *Parser) dispatchPair(rh RecordHeader, undo, redo *Cv) error {
	if redo.Opcode == OpLock {
		return nil
	}
	return p.txns.Append(redo.Xid, uint16(redo.Opcode), redo.Raw, undo.Raw, p.sequence)
}

// dispatchSingle routes an unpaired change vector.
func (p *Parser) dispatchSingle(rh RecordHeader, cv *Cv) error {
	switch cv.Opcode {
	case OpBegin:
		return p.txns.Begin(cv.Xid, rh.Scn, p.lwnHdr.Timestamp, p.sequence)

	case OpCommit:
		if cv.Flags&flagCommitRollback != 0 {
			return p.rollback(cv.Xid)
		}
		return p.commit(cv.Xid, rh.Scn)

	case OpRollback:
		return p.rollback(cv.Xid)

	case OpRollbackAlt:
		// Undo of a single op inside a live transaction.
		return p.txns.RollbackLastOp(cv.Xid)

	case OpLock:
		return nil

	case OpInsert, OpDelete, OpUpdate, OpOverwrite, OpInsertMulti, OpDeleteMulti, OpSupplement:
		return p.txns.Append(cv.Xid, uint16(cv.Opcode), cv.Raw, nil, p.sequence)

	case OpDdl:
		return p.out.EmitDdl(rh.Scn, cv.Xid, string(cv.Payload))

	default:
		if p.context.IsDisabled(ctx.ChecksBadData) {
			log.Warn(60033, fmt.Sprintf("skipping unknown opcode %02x.%02x",
				cv.Opcode.Major(), cv.Opcode.Minor()))
			return nil
		}
		return ctx.DataError(50048, fmt.Sprintf("unknown opcode %02x.%02x",
			cv.Opcode.Major(), cv.Opcode.Minor()))
	}
}

func (p *Parser) commit(xid types.Xid, scn types.Scn) error {
	var began bool
	txn, err := p.txns.Commit(xid, scn, p.lwnHdr.Timestamp, func(t *transaction.Transaction, e transaction.Entry) error {
		if !began {
			if err := p.out.BeginTransaction(t); err != nil {
				return err
			}
			began = true
		}
		return p.out.EmitEntry(t, e)
	})
	if err != nil || txn == nil {
		return err
	}
	if txn.RolledBack || txn.TooBig {
		return nil
	}
	if !began {
		if err := p.out.BeginTransaction(txn); err != nil {
			return err
		}
	}
	return p.out.CommitTransaction(txn)
}

func (p *Parser) rollback(xid types.Xid) error {
	return p.txns.Rollback(xid)
}
