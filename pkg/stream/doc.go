/*
Package stream defines the wire protocol between redotail and its client.

Frames are length-prefixed and typed. The client opens with INFO, then either
START (no prior state on the server; optional scn/tms/tm_rel/seq pick the
position, none meaning "now") or CONTINUE with the c_scn/c_idx it last
confirmed. The server answers READY when it has no prior state and REPLICATE
when it does. STREAM frames then carry serialized change messages, each
preceded by a small header repeating the message SCN and the resume
watermark. The client periodically sends CONFIRM with the highest watermark
it has durably applied; confirmation ordering is arbitrary.

Control bodies are JSON; stream payloads are opaque bytes in whichever
serialization the builder was configured with.
*/
package stream
