/*
Package parser decodes the redo byte stream into change vectors and drives
transaction assembly.

The decode is layered, one function per layer, mirroring the file format:

	block   strip 16-byte block headers, concatenate payloads
	LWN     assemble one log write group into parser-module chunks
	record  split the group, sort members by (scn, subscn, block, offset)
	vector  walk each record's change vectors with one-vector lookahead

The lookahead realizes the pairing rule: most row operations arrive as an
undo vector (5.1 family, before-image) immediately followed by the redo
vector (11.x, after-image) for the same XID and block address; such pairs
are buffered together. Unpaired vectors route through the opcode table:
transaction begin, commit (a flag marks commits that are really rollbacks),
rollback markers, partial-op undo, multi-row operations, supplemental-log
data, and DDL.

Nothing row-level is emitted here; vectors are buffered raw under their XID
and only a commit drains them through the builder. The parser confirms ring
bytes back to the reader only at completed group boundaries, so an
online-to-archive fallback can resume mid-file at a group header without
duplicating or losing a transaction.

The parser is single-threaded and CPU-bound; it blocks only on the reader's
ring, the memory manager, and (transitively) the builder's back-pressure.
*/
package parser
