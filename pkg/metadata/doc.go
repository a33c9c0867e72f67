/*
Package metadata is the durable state layer of redotail.

It persists the replication position (the client-acknowledged checkpoint) and
the schema snapshot through a small key-value Store with two backends: a
directory of JSON files written with the temp-file-plus-rename discipline, or
an embedded bolt database. The rest of the system depends only on the Store
interface.

The checkpoint document is:

	{"database":"ORCL","scn":12345,"idx":2,"resetlogs":3,"activation":17}

and the (scn, idx) pair is enforced to be non-decreasing across writes.

The Metadata type also carries the replication lifecycle
(READY -> START -> REPLICATE -> FINISHED). The replicator blocks in
WaitForWriter until the writer finished startup, because a prior checkpoint
read by the writer overrides any configured start position.

Schema lookups go through a bounded LRU over the store, keyed by object id;
the loader that snapshots the source database's dictionary into the store is
an external collaborator.
*/
package metadata
