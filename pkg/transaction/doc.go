/*
Package transaction assembles per-XID op logs from the parsed redo stream.

The parser appends (opcode, change-vector-pair) entries keyed by XID; nothing
is emitted downstream until the transaction's terminal marker arrives. On
commit the log is drained in append order through a caller-supplied emit
function; on rollback it is discarded. A configured skip-xid list silently
drops a transaction on both paths, and a per-transaction size cap marks an
offender too-big (skipped with a warning, or fatal, per configuration).

Op bytes live in the memory manager's swappable page lists, so a transaction
larger than RAM spills to disk transparently: appends always target the last
page (which the swapper never evicts) and the commit drain asks the swapper
to reload the head while it walks forward. Entries handed to emit alias page
memory; the receiver must consume them before returning.

Each page carries a 16-byte trailer (used bytes, op count) and ops are never
split across pages.

Partial rollback (undoing the single most recent op) walks the last page and
rewinds its trailer, shrinking the page list when a page empties.
*/
package transaction
