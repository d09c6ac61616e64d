// Package queue reads consistent snapshots of the forced inclusion queue.
//
// Every call a read makes is pinned to one block, so bounds and entries
// always describe the same chain state. Entries are fetched in pages whose
// size depends on the store fork and are requested concurrently, bounded by
// Config.Concurrency.
package queue
