/*
Package builder serializes committed transactions into output messages.

The builder is a synchronous callee of the parser: the transaction buffer's
commit drain hands it buffered change-vector pairs, and it assembles them
into row operations (insert/update/delete with before/after column images),
decodes column values through the dictionary and character-set decoders, and
appends serialized messages to a ring of output chunks shared with the
writer.

Assembly handles the row-level subtleties of the redo stream:

  - Rows fragmented across change vectors (FbF -> FbN* -> FbL chains) are
    merged by concatenating each column's pieces in chain order before
    decoding.
  - Supplemental-log vectors fold extra columns into the preceding op's
    before image.
  - Update images follow the missing-column rules: primary-key columns
    absent from the before image are synthesized as null, and in full column
    mode every dictionary column appears in both images.
  - Multi-row vectors expand into one op per row slot.

Two serializations are supported: JSON with a fixed field order, and a
protobuf-style tagged binary built with protowire primitives.

Every message carries its creation SCN; at each LWN boundary pending
messages are stamped with the group SCN and a per-SCN index — the client
resume watermark — and a checkpoint pseudo-message is appended. The writer
polls stamped messages in id order and returns chunks through
ReleaseConfirmed once every message in them is acknowledged. Allocation of a
new ring chunk is the back-pressure point: when the builder module is at its
maximum, the parser blocks inside the memory manager until the writer frees
chunks.
*/
package builder
