/*
Package tsm implements the immutable columnar data file produced by
flush and compaction, and its reader.

# Layout

	┌──────────────────────── TSM FILE ────────────────────────┐
	│ magic (0x012CDA16, LE u32)                               │
	│                                                          │
	│ pages        encoded values, one column × one series     │
	│              × one column group                          │
	│ chunks       per-series index: column groups -> pages    │
	│ chunk groups per-table index: series -> chunks           │
	│ chunk group meta: tables -> chunk groups, with schemas   │
	│ footer       vnode id, time range, series bloom filter,  │
	│              meta offset; [u32 len][u32 magic] tail      │
	└──────────────────────────────────────────────────────────┘

Each page carries its own null bitset and a CRC over the encoded
bytes; each serialized index component is length-prefixed and
independently deserializable. The footer's bloom filter never returns
a false negative for a series present in the file.

# Writer

The writer is write-once (Initialised -> Started -> Finished). It
refuses encodings incompatible with a column's type, accumulates
per-series chunks as data blocks arrive, and emits the index and
footer on Finish before syncing. WriteRaw copies a column group
byte-for-byte from another file, the compaction fast path.

# Reader

The reader opens the footer, then the chunk group meta, then only the
chunks a query touches. Reads are bloom-filtered and time-range
pruned; pages are CRC-verified; the file's tombstone overlay nulls
removed field cells and filters rows whose time column is removed.
*/
package tsm
