/*
Package vnode implements the apply loop of one storage-and-consensus
unit: the single deterministic processor of committed commands.

# Architecture

	┌──────────────────── VNODE STORE ─────────────────────┐
	│                                                       │
	│  raft committed entry                                 │
	│        │                                              │
	│  ┌─────▼─────────────────────────────────┐            │
	│  │ Apply(ctx, command)                   │            │
	│  │  write_data / drop_table / drop_column│            │
	│  │  update_tags / delete_from_table      │            │
	│  └─────┬─────────────────────────────────┘            │
	│        │                                              │
	│  ┌─────▼──────┐  ┌───────────┐  ┌──────────────────┐  │
	│  │ series     │  │ memtables │  │ tombstones over  │  │
	│  │ index      │  │ (family)  │  │ live TSM files   │  │
	│  └────────────┘  └─────┬─────┘  └──────────────────┘  │
	│                        │ flush on pressure            │
	│                  ┌─────▼─────┐                        │
	│                  │ TSM files │──► compaction          │
	│                  └───────────┘                        │
	└───────────────────────────────────────────────────────┘

Apply runs in strict mode on live consensus and lenient mode on WAL
replay: anything that already passed a leader apply must succeed on
replay, so replay-only failures are logged and skipped instead of
diverging replicas.

Snapshots capture the flushed version as a manifest of live files; the
bytes move out-of-band. ApplySnapshot swaps the whole family, rebuilds
the series index from TSM footers, and is crash-consistent because the
summary edit lands only after the staged files are in place.
*/
package vnode
