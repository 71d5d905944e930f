// Package sqlite implements the durable backing store on a SQLite
// database. Rows live in a single kv table addressed by their SQLite rowid,
// which doubles as the row identity handed back to the cache; partition
// states live in a companion table keyed by vbucket id.
package sqlite
