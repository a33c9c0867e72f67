/*
Package config loads and validates the redotail runtime configuration.

Configuration is a single document, JSON or YAML selected by file extension.
Unknown fields are always rejected; the memory sizes, read buffer and queue
size are range-checked; sizes that
default to a share of the memory maximum (swap budget, read buffer) are
derived during validation so the rest of the system sees only resolved values.

A minimal configuration:

	{
	  "database": "ORCL",
	  "reader": {"archive-dir": "/arch"},
	  "mode": "arch-only",
	  "writer": {"type": "network", "uri": "0.0.0.0:7777"}
	}

See Default for the full set of defaults.
*/
package config
