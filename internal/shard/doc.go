// Package shard supervises a fleet of gateway sessions.
//
// A Manager resolves the gateway URL, shard count and session start limit
// once, then starts shards in batches no larger than the allowed identify
// concurrency. A batch is released only after every shard in the previous
// batch became ready or failed for good. After startup each session runs on
// its own; the Manager only routes outbound frames and merges the sessions'
// event streams.
package shard
