/*
Package client is a reference consumer of the redotail stream protocol.

It dials a redotail server, negotiates its position (START against a fresh
server, CONTINUE with the server-held watermark otherwise), applies STREAM
messages through a caller-supplied handler and acknowledges them with
CONFIRM at a configurable interval. Duplicates after a reconnect are dropped
by watermark comparison, which is the deduplication contract the server's
at-least-once delivery relies on.

The same code backs the `redotail client` subcommand used for smoke-testing
a deployment.
*/
package client
