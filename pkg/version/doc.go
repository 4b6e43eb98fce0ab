/*
Package version tracks the atomic set of live data files of one vnode
and its durable change log.

A Version is an immutable snapshot of the live file set organized into
levels plus delta files; forking it with a VersionEdit produces the
next version without touching the old one, so readers holding a
super-version keep a stable view while files come and go.

The Summary is the record file of version edits. A single writer task
appends each edit, syncs (the commit point), installs the forked
version by pointer swap (the linearization point for readers), and
notifies the waiter. On startup the newest summary file is replayed to
reconstruct the last version; edits whose added files are missing or
corrupt are treated as uncommitted and skipped, and the result is
rewritten as one snapshot edit so future replays stay short.
*/
package version
