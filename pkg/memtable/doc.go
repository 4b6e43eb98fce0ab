/*
Package memtable implements the in-memory columnar write buffer of one
vnode. Rows arrive as row groups keyed by schema version, land in
per-series buffers sharded by series id to reduce write contention,
and come back out sorted by timestamp with last-write-wins applied per
column on duplicates.

A vnode holds one active memtable plus zero or more frozen ones
awaiting flush; freezing is done by the family with a super-version
pointer swap, so this package only models a single memtable. Size is
tracked continuously against the configured bound.
*/
package memtable
