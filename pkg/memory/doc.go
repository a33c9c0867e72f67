/*
Package memory implements the chunked arena allocator and the swapper.

Every buffer in the pipeline is a fixed 1 MiB chunk charged to one module
(builder, misc, parser, reader, transactions, writer). The Manager enforces a
global maximum and keeps reservations so the reader and builder can always
claim their minimum working set; a caller that cannot be served parks on a
condition variable until a chunk is freed or the swapper makes room.

Transaction chunks are additionally swappable. Each in-flight transaction
owns a SwapChunk record: an ordered page list where the index range
[swappedMin, swappedMax] is disk-resident in <swap-path>/<xid>.swap and the
corresponding slots are nil. The swapper loop:

 1. Reclaims records and swap files of committed transactions.
 2. Grows the cold tail of the first transaction with more than one page
    (the last page, the append target, is never swapped).
 3. Reloads the head of the transaction the commit drain is reading.
 4. Reloads the tail of a transaction that is shrinking (partial rollback).
 5. Otherwise sleeps on its condition variable with a 10 s bound.

Invariants: a chunk is never both live and swapped. Reloading the tail or
shrinking the list truncates the swap file to (swappedMax+1) chunks, or
removes it when the range empties; reloading the head leaves the file as is.

Disk errors are fatal runtime errors; a chunk is never silently dropped.
When the parser is starved, the builder holds no surplus and nothing is
swappable, the allocator fails with an operator hint instead of deadlocking.
*/
package memory
