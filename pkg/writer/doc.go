/*
Package writer ships builder output to the downstream client and owns the
durable checkpoint.

The writer polls stamped messages off the builder's ring in id order and
sends them through a Transport: a TCP server speaking the stream protocol,
or a file sink that acknowledges everything it writes. Sent messages sit in
a bounded queue (a min-heap keyed by id) until the client's CONFIRM covers
their (lwn_scn, lwn_idx) watermark; only when the queue head is confirmed
does the confirmed position advance, so an out-of-order ack can never move
the watermark past an unacknowledged message. Fully-acknowledged ring chunks
flow back to the builder, which is what unblocks the parser under
back-pressure.

The confirmed position is persisted at most once per checkpoint interval
(and always at shutdown) through the metadata layer's atomic state write. At
startup the last checkpoint overrides any configured start position, and the
replicator is held until this resolution is done. A lost client puts the
writer back into its await loop; everything sent but unconfirmed is resent
to the next client, which deduplicates by watermark.
*/
package writer
