/*
Package index implements the persistent series index of one vnode: the
bidirectional mapping between series keys (table plus sorted tag set)
and dense series ids, plus the tag inverted index used to resolve
predicates.

# Storage

The index is a bbolt database under <vnode>/index with one bucket per
concern:

	series   series key bytes -> big-endian series id
	ids      big-endian series id -> series key bytes
	tags     table|tag key|tag value|id -> nil (inverted index)
	schemas  table name -> schema JSON

Ids come from the series bucket's sequence, so they are dense and
never reused even after a series is deleted. Every multi-entry change
(create, delete, key rewrite) commits in a single transaction: the
index is never partially rewritten.

# Concurrency

Writes are serialized by the vnode apply loop; readers get a
read-consistent view from bbolt's transactions.

The vnode-local table schema registry lives here too, so a schema
mutation and its index effects commit against the same store.
*/
package index
