/*
Package types defines the core identifiers and values used throughout redotail.

This package contains the fundamental types of the redo-stream domain model:
SCNs, log sequence numbers, transaction identifiers, database timestamps, row
identities, change-vector flag bytes, logical operation kinds and replication
checkpoints. All other packages build on these.

# Core Types

  - Scn: System Change Number, the database transaction timestamp. The
    all-ones value (ScnNone) marks "unset", matching the on-disk sentinel.
  - Seq: redo log sequence number within one incarnation.
  - Xid: transaction identifier, (usn, slot, sqn) packed into 64 bits.
  - Time: database timestamp in the redo calendar encoding (year-1988 based).
  - RowId: (object id, data block address, slot) identity of one row.
  - Fb: the change-vector flag byte; FbF/FbN/FbP/FbL chain row fragments.
  - Op: the logical operation kind emitted downstream.
  - Checkpoint / Position: durable and in-stream replication watermarks.

# Design Patterns

Identifiers are plain integer-backed types with value receivers, formatted the
same way the emitted stream formats them, so a value printed in a log line can
be matched against client output byte for byte.

All types are JSON-serializable; Checkpoint is the exact schema of the
persisted state file.

# Thread Safety

Everything here is an immutable value. Copy freely between goroutines.
*/
package types
