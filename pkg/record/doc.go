/*
Package record implements the length-prefixed, CRC-checked append-only
record file reused by the WAL, tombstone overlays, and the summary.

# Format

Each record is framed little-endian as:

	[u32 len][u8 type][u64 seq][payload][u32 crc32(payload)]

where len counts everything after itself. The CRC is Castagnoli.

# Recovery semantics

Readers are truncation-tolerant: a clean end of file, a torn tail, or
a garbage length prefix all read as types.ErrEOF, the point recovery
truncates at. A fully framed record whose payload hash mismatches
reads as types.ErrRecordChecksum with the cursor already advanced, so
a replay loop may skip it and continue (WAL) or abort (data files).

Writers append and fsync; readers are independent handles so an active
writer and any number of replaying readers never share an offset.
*/
package record
