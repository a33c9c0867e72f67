/*
Package charset decodes database character data into Unicode codepoints.

The database stores character columns in the character set the instance was
created with. Rather than one type per character set, the supported sets form
a closed enumeration of decoder kinds (UTF-8 including the CESU-8 surrogate
form, big-endian UTF-16, 7-bit, table-mapped 8-bit, and a raw passthrough),
with the per-set lookup tables as plain data.

Decode always consumes at least one byte and yields the Unicode replacement
character for unmappable input, so a corrupt column value degrades to visible
garbage instead of stopping replication.

The set shipped here is the representative subset exercised by the supported
configurations; the full vendor list is an external concern.
*/
package charset
