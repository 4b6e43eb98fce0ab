/*
Package wal implements the durable, ordered write pipeline of one
vnode. A vnode owns a sequence of record files wal-<id>; writes append
to the highest id and rotate to id+1 when the configured size is
exceeded. The same files back both data application and the raft log.

# Durability

The sync policy is configured per vnode:

  - none: leave durability to the OS page cache
  - every-n-writes: fsync after every N appended records
  - interval: fsync when the interval elapsed since the last sync

A failed write surfaces to the caller, which must not acknowledge its
client. Partial appends after a crash are detected by the record
framing on replay and truncated.

# Deletion

DeleteBefore unlinks whole files whose highest sequence is below the
requested point; it never truncates mid-file and never touches the
current file. Failures log and retry on the next call, so deletion
never blocks writes.
*/
package wal
