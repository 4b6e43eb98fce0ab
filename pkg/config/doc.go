/*
Package config holds the process configuration: storage bounds per
vnode (memtable buffer, WAL rotation size, sync policy, snapshot
holding time, hot window, compaction trigger and parallelism, bloom
sizing) and the raft group settings. Configs load from YAML over the
defaults; byte sizes are human-readable strings ("128MB") parsed with
datasize.
*/
package config
