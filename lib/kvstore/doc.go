// Package kvstore defines the contract between the in-memory cache and its
// durable backing store, plus a non-durable in-memory implementation.
//
// A KVStore is a transactional row store: the flusher brackets batches of
// Set/Del calls with Begin/Commit, and results are delivered through
// callbacks carrying the number of affected rows and, for inserts, the new
// row identifier. The row id is the handle the cache later uses to page
// values back in.
//
// Implementations are driven from a single flusher goroutine for writes;
// Get may additionally be called from background-fetch tasks and must be
// safe to run concurrently with a write batch.
package kvstore
