/*
Package reader streams redo log files into a ring buffer of memory chunks.

A Reader owns one file at a time. The replicator drives its state machine
(Sleeping -> Check -> Update -> Read) through Check, Update and StartReading;
the parser consumes published bytes through WaitForData, BlockAt and Confirm.

In the Read state the reader scans ahead in geometrically growing windows
(one block up to one chunk), validating every block header: the format byte
against the block size, the stored block number, the stored sequence, and the
XOR checksum. Only a contiguous prefix of valid blocks is published by
advancing bufferEnd. Validation outcomes map to result codes:

	OK          publishable
	EMPTY       end of the written region (tail of an online log)
	OVERWRITTEN stored sequence above the expected one; the online group
	            wrapped and the file must be fetched from the archive
	CRC ERROR   retried up to a bound, then fatal
	FINISHED    the whole file was consumed and next_scn is known

For online logs a verify delay quarantines freshly read blocks: each block's
ring slot is stamped with its read time and the block is only published after
the delay elapses, by re-reading it. This catches the database rewriting a
partially flushed block. Any EMPTY outcome triggers a header reload, since a
log switch stamps next_scn and the block count into the header.

The ring cursors (bufferStart, bufferEnd) are atomics: the reader advances
the end over validated blocks, the parser advances the start after consuming;
the reader parks on a condition variable when the ring is full.

An optional redo-copy path mirrors every successfully read block to
<dir>/<database>_<sequence>.arc.
*/
package reader
