/*
Package replicator sequences which redo log files are consumed.

The control loop waits for the writer to resolve the start position (a prior
checkpoint overrides configuration), then repeatedly locates the file
carrying the expected sequence:

  - In batch mode an explicit file list is ordered by the sequence each
    file's header carries and drained once.
  - In archive-only mode the archive directory is scanned, file names are
    matched against the log_archive_format pattern (%s/%S sequence, %t/%T
    thread, %r resetlogs, %a activation, %d database, %h host) and the
    matching sequence is picked.
  - In online mode the online groups are probed first; when every group has
    moved past the expected sequence the online copy is permanently lost
    and the archive serves it instead.

Each chosen file gets a fresh reader goroutine; the parser consumes it on
the replicator's goroutine. A Finished outcome advances the sequence and
checks the incarnation history: a child incarnation whose resetlogs SCN
equals the position just reached becomes current, resetting the sequence to
zero. An Overwritten outcome (the database wrapped an online group mid-read)
records the confirmed file offset and retries the same sequence from the
archive, resuming exactly where parsing stopped.
*/
package replicator
