// Package testing provides a shared conformance suite for KVStore
// implementations. Every implementation runs the same tests through a
// factory, so the memory and sqlite stores cannot drift apart on the
// contract the flusher depends on.
package testing
