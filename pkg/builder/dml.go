package builder

import (
	"fmt"

	"github.com/redotail/redotail/pkg/config"
	"github.com/redotail/redotail/pkg/log"
	"github.com/redotail/redotail/pkg/metadata"
	"github.com/redotail/redotail/pkg/parser"
	"github.com/redotail/redotail/pkg/transaction"
	"github.com/redotail/redotail/pkg/types"
)

// ColVal is one column's decoded image in an emitted message.
type ColVal struct {
	Name  string
	Value string
	Null  bool
}

// RowOp is a fully assembled row change ready for serialization.
type RowOp struct {
	Op     types.Op
	Scn    types.Scn
	Xid    types.Xid
	Table  *metadata.Table
	RowId  types.RowId
	Before []ColVal
	After  []ColVal
}

// fragState accumulates a row fragmented across change vectors
// (FbF -> FbN* -> FbL): per-column byte concatenation in chain order.
type fragState struct {
	op     parser.Opcode
	obj    uint32
	dba    uint32
	slot   uint16
	order  []uint16
	pieces map[uint16][]byte
	nulls  map[uint16]bool
}

// BeginTransaction opens the downstream frame for a committed transaction.
func (b *Builder) BeginTransaction(t *transaction.Transaction) error {
	b.pending = nil
	b.frag = nil
	payload, err := b.formatBegin(t)
	if err != nil {
		return err
	}
	return b.enqueue(t.CommitScn, 0, payload)
}

// CommitTransaction flushes assembly state and closes the frame.
func (b *Builder) CommitTransaction(t *transaction.Transaction) error {
	if err := b.flushPending(); err != nil {
		return err
	}
	payload, err := b.formatCommit(t)
	if err != nil {
		return err
	}
	return b.enqueue(t.CommitScn, 0, payload)
}

// EmitDdl ships one DDL statement outside any row frame.
func (b *Builder) EmitDdl(scn types.Scn, xid types.Xid, text string) error {
	payload, err := b.formatDdl(scn, xid, text)
	if err != nil {
		return err
	}
	return b.enqueue(scn, 0, payload)
}

// EmitEntry converts one buffered op (a change-vector pair) into row ops.
func (b *Builder) EmitEntry(t *transaction.Transaction, e transaction.Entry) error {
	redo, err := parser.ParseCv(b.context, e.Rec1)
	if err != nil {
		return err
	}
	var undo *parser.Cv
	if len(e.Rec2) > 0 {
		u, err := parser.ParseCv(b.context, e.Rec2)
		if err != nil {
			return err
		}
		undo = &u
	}

	switch redo.Opcode {
	case parser.OpSupplement:
		return b.mergeSupplemental(&redo)

	case parser.OpInsertMulti, parser.OpDeleteMulti:
		return b.emitMultiRow(t, &redo)

	default:
		return b.emitSingleRow(t, &redo, undo)
	}
}

// emitSingleRow handles 11.2/11.3/11.5/11.6, including fragment chains.
func (b *Builder) emitSingleRow(t *transaction.Transaction, redo, undo *parser.Cv) error {
	// Fragmented rows accumulate until the last piece arrives.
	if !redo.Fb.Has(types.FbL) || b.frag != nil {
		done, err := b.accumulateFragment(redo)
		if err != nil || !done {
			return err
		}
		// The chain completed; fall through with the merged vector.
		merged := b.mergedFragment()
		b.frag = nil
		redo = merged
	}

	table := b.schema.TableByObj(redo.Obj)
	if table == nil {
		return nil // not a replicated table
	}
	if err := b.flushPending(); err != nil {
		return err
	}

	op := &RowOp{
		Scn:   t.CommitScn,
		Xid:   t.Xid,
		Table: table,
		RowId: types.RowId{Obj: redo.Obj, Dba: redo.Dba, Slot: redo.Slot},
	}

	switch redo.Opcode {
	case parser.OpInsert:
		op.Op = types.OpInsert
		op.After = b.decodeCols(table, redo.Cols)

	case parser.OpDelete:
		op.Op = types.OpDelete
		op.Before = b.decodeCols(table, redo.Cols)

	case parser.OpUpdate, parser.OpOverwrite:
		op.Op = types.OpUpdate
		op.After = b.decodeCols(table, redo.Cols)
		if undo != nil {
			op.Before = b.decodeCols(table, undo.Cols)
		}

	default:
		log.Warn(60034, fmt.Sprintf("unexpected row opcode %04x", uint16(redo.Opcode)))
		return nil
	}

	b.pending = op
	return nil
}

// emitMultiRow expands an insert-multi/delete-multi vector, one op per row.
func (b *Builder) emitMultiRow(t *transaction.Transaction, cv *parser.Cv) error {
	table := b.schema.TableByObj(cv.Obj)
	if table == nil {
		return nil
	}
	if err := b.flushPending(); err != nil {
		return err
	}

	kind := types.OpInsert
	if cv.Opcode == parser.OpDeleteMulti {
		kind = types.OpDelete
	}

	idx := 0
	for r := uint16(0); r < cv.NRow; r++ {
		n := int(cv.Rows[r])
		cols := b.decodeCols(table, cv.Cols[idx:idx+n])
		idx += n

		op := &RowOp{
			Op:    kind,
			Scn:   t.CommitScn,
			Xid:   t.Xid,
			Table: table,
			RowId: types.RowId{Obj: cv.Obj, Dba: cv.Dba, Slot: cv.Slot + r},
		}
		if kind == types.OpInsert {
			op.After = cols
		} else {
			op.Before = cols
		}
		if err := b.writeRowOp(op); err != nil {
			return err
		}
	}
	return nil
}

// mergeSupplemental folds supplemental-log columns into the pending op's
// before image; columns already present are left alone.
func (b *Builder) mergeSupplemental(cv *parser.Cv) error {
	if b.pending == nil {
		return nil
	}
	table := b.pending.Table
	have := make(map[string]struct{}, len(b.pending.Before))
	for _, c := range b.pending.Before {
		have[c.Name] = struct{}{}
	}
	for _, col := range b.decodeCols(table, cv.Cols) {
		if _, ok := have[col.Name]; ok {
			continue
		}
		b.pending.Before = append(b.pending.Before, col)
	}
	return nil
}

// accumulateFragment adds one piece of a fragmented row. Returns true when
// the chain is complete.
func (b *Builder) accumulateFragment(cv *parser.Cv) (bool, error) {
	if b.frag == nil {
		if !cv.Fb.Has(types.FbF) {
			return false, nil // orphan middle piece, drop
		}
		b.frag = &fragState{
			op:     cv.Opcode,
			obj:    cv.Obj,
			dba:    cv.Dba,
			slot:   cv.Slot,
			pieces: make(map[uint16][]byte),
			nulls:  make(map[uint16]bool),
		}
	}
	for _, col := range cv.Cols {
		if _, ok := b.frag.pieces[col.ColNo]; !ok && !col.Null {
			b.frag.order = append(b.frag.order, col.ColNo)
		}
		if col.Null {
			b.frag.nulls[col.ColNo] = true
			continue
		}
		b.frag.pieces[col.ColNo] = append(b.frag.pieces[col.ColNo], col.Data...)
	}
	return cv.Fb.Has(types.FbL), nil
}

// mergedFragment materializes the completed chain as one change vector.
func (b *Builder) mergedFragment() *parser.Cv {
	cv := &parser.Cv{
		Opcode: b.frag.op,
		Fb:     types.FbF | types.FbL,
		Obj:    b.frag.obj,
		Dba:    b.frag.dba,
		Slot:   b.frag.slot,
	}
	for _, colNo := range b.frag.order {
		cv.Cols = append(cv.Cols, parser.RawCol{ColNo: colNo, Data: b.frag.pieces[colNo]})
	}
	for colNo := range b.frag.nulls {
		if _, ok := b.frag.pieces[colNo]; !ok {
			cv.Cols = append(cv.Cols, parser.RawCol{ColNo: colNo, Null: true})
		}
	}
	return cv
}

// decodeCols turns raw column images into named values via the dictionary.
func (b *Builder) decodeCols(table *metadata.Table, cols []parser.RawCol) []ColVal {
	out := make([]ColVal, 0, len(cols))
	for _, raw := range cols {
		def := columnByNo(table, raw.ColNo)
		if def == nil {
			continue
		}
		if raw.Null {
			out = append(out, ColVal{Name: def.Name, Null: true})
			continue
		}
		out = append(out, ColVal{Name: def.Name, Value: b.decodeValue(def, raw.Data)})
	}
	return out
}

func columnByNo(table *metadata.Table, colNo uint16) *metadata.Column {
	for i := range table.Columns {
		if table.Columns[i].ColNo == int(colNo) {
			return &table.Columns[i]
		}
	}
	return nil
}

// applyColumnFormat realizes the missing-column semantics for updates:
// before-image primary key columns absent from the wire are copied from the
// after image, or synthesized as null when it lacks them too. In full mode
// every dictionary column appears in both images: one missing from the before
// image is null there, one missing from the after image is filled from the
// wire before image (null when absent there too).
func (b *Builder) applyColumnFormat(op *RowOp, table *metadata.Table) {
	haveBefore := make(map[string]int, len(op.Before))
	for i, c := range op.Before {
		haveBefore[c.Name] = i
	}
	haveAfter := make(map[string]int, len(op.After))
	for i, c := range op.After {
		haveAfter[c.Name] = i
	}

	for i := range table.Columns {
		col := &table.Columns[i]
		_, inBefore := haveBefore[col.Name]
		ai, inAfter := haveAfter[col.Name]

		if !inBefore && col.NumPk > 0 {
			// PK columns always appear in the before image.
			if inAfter {
				op.Before = append(op.Before, op.After[ai])
			} else {
				op.Before = append(op.Before, ColVal{Name: col.Name, Null: true})
			}
			inBefore = true
		}

		if b.cfg.ColumnFormat == config.ColumnFormatFull {
			if !inBefore {
				op.Before = append(op.Before, ColVal{Name: col.Name, Null: true})
			}
			if !inAfter {
				if bi, ok := haveBefore[col.Name]; ok {
					op.After = append(op.After, op.Before[bi])
				} else {
					op.After = append(op.After, ColVal{Name: col.Name, Null: true})
				}
			}
		}
	}
}

// flushPending serializes the buffered row op, if any. The missing-column
// rules apply here, after any supplemental vectors have merged in.
func (b *Builder) flushPending() error {
	if b.pending == nil {
		return nil
	}
	op := b.pending
	b.pending = nil
	if op.Op == types.OpUpdate {
		b.applyColumnFormat(op, op.Table)
	}
	return b.writeRowOp(op)
}

func (b *Builder) writeRowOp(op *RowOp) error {
	payload, err := b.formatRowOp(op)
	if err != nil {
		return err
	}
	return b.enqueue(op.Scn, 0, payload)
}
