/*
Package log provides structured logging for redotail using zerolog.

A single global logger is configured once at startup via Init, then components
derive child loggers carrying a stable "component" field:

	logger := log.WithComponent("reader")
	logger.Info().Uint32("sequence", 42).Msg("opened redo log")

Warnings and errors carry a numeric "code" field. Codes are stable across
versions: 1xxxx runtime, 3xxxx metadata and configuration, 4xxxx redo data,
5xxxx memory, parser and transactions, 6xxxx warnings, 7xxxx writer, stream
and client.
Operator hints (what configuration to change after a failure) are emitted
through Hint so they can be filtered.

Output is human-readable console format by default, JSON when configured,
always to stderr so the emitted change stream can use stdout.
*/
package log
