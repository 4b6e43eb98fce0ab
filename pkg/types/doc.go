/*
Package types defines the shared data model of the Gale storage engine.

A series is identified by a SeriesKey (table plus sorted tag set) and
mapped by the series index to a dense SeriesID scoped to one vnode.
Rows travel through the write path as RowGroups keyed by schema version
and come back out of the read path as RecordBatches, columns aligned to
the versioned TableSchema.

The package also carries the replicated Command envelope and its
request payloads, the predicate Domain model the index resolves, and
the sentinel error taxonomy shared by every storage component. It has
no dependencies on the engine packages so that all of them can import
it freely.
*/
package types
