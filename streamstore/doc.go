// Package streamstore keeps the chunk log of every turn so that clients can
// disconnect and resume a stream from any sequence number.
//
// Two implementations are provided. Memory is process local and evicts
// expired records from a janitor goroutine. Redis keeps each stream as a
// Redis stream plus a meta hash and relies on key expiry for retention.
//
// A stream is created unsealed, accepts gap-free appends starting at
// sequence 0 and is sealed exactly once when the turn reaches a terminal
// chunk. After sealing it stays replayable for the retention window, after
// which every operation fails with errorx.StreamExpired.
package streamstore
