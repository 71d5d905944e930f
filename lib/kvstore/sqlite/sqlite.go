package sqlite

import (
	"database/sql"

	"github.com/ValentinKolb/epcache/lib/kvstore"
	"github.com/lni/dragonboat/v4/logger"

	_ "modernc.org/sqlite"
)

var log = logger.GetLogger("kvstore")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    vbucket INTEGER NOT NULL,
    k       TEXT    NOT NULL,
    flags   INTEGER NOT NULL,
    exptime INTEGER NOT NULL,
    cas     INTEGER NOT NULL,
    v       BLOB
);
CREATE INDEX IF NOT EXISTS kv_vbucket ON kv(vbucket);
CREATE TABLE IF NOT EXISTS vbucket_states (
    vbucket INTEGER PRIMARY KEY,
    state   TEXT NOT NULL
);
`

// Store is a kvstore.KVStore backed by a SQLite database file.
//
// Writes are issued from the single flusher goroutine; reads may come from
// background-fetch tasks concurrently. database/sql serializes access to
// the single underlying connection.
type Store struct {
	db  *sql.DB
	txn *sql.Tx
}

// Open opens (and if needed initializes) the database at path. Use
// ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The rowid is the row identity; it must survive vacuum and reopen, so
	// a single connection keeps :memory: databases alive too.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Factory returns a kvstore.Factory opening the database at path.
func Factory(path string) kvstore.Factory {
	return func() (kvstore.KVStore, error) {
		return Open(path)
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kvstore/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Begin() {
	if s.txn != nil {
		return
	}
	txn, err := s.db.Begin()
	if err != nil {
		log.Errorf("begin failed: %v", err)
		return
	}
	s.txn = txn
}

func (s *Store) Commit() bool {
	if s.txn == nil {
		return true
	}
	err := s.txn.Commit()
	s.txn = nil
	if err != nil {
		log.Errorf("commit failed: %v", err)
		return false
	}
	return true
}

func (s *Store) Rollback() {
	if s.txn == nil {
		return
	}
	if err := s.txn.Rollback(); err != nil {
		log.Errorf("rollback failed: %v", err)
	}
	s.txn = nil
}

// exec routes through the open transaction when one exists.
func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	if s.txn != nil {
		return s.txn.Exec(query, args...)
	}
	return s.db.Exec(query, args...)
}

func (s *Store) Set(row *kvstore.Row, cb func(affected int, newRowID int64)) {
	if row.RowID <= 0 {
		res, err := s.exec(
			"INSERT INTO kv (vbucket, k, flags, exptime, cas, v) VALUES (?, ?, ?, ?, ?, ?)",
			row.VBucketID, row.Key, row.Flags, row.Exptime, row.Cas, row.Value)
		if err != nil {
			log.Errorf("insert of %q failed: %v", row.Key, err)
			cb(-1, 0)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			cb(-1, 0)
			return
		}
		cb(1, id)
		return
	}

	res, err := s.exec(
		"UPDATE kv SET vbucket = ?, k = ?, flags = ?, exptime = ?, cas = ?, v = ? WHERE rowid = ?",
		row.VBucketID, row.Key, row.Flags, row.Exptime, row.Cas, row.Value, row.RowID)
	if err != nil {
		log.Errorf("update of %q failed: %v", row.Key, err)
		cb(-1, 0)
		return
	}
	n, err := res.RowsAffected()
	if err != nil {
		cb(-1, 0)
		return
	}
	cb(int(n), 0)
}

func (s *Store) Del(key string, vbucket uint16, rowID int64, cb func(affected int)) {
	res, err := s.exec("DELETE FROM kv WHERE rowid = ?", rowID)
	if err != nil {
		log.Errorf("delete of %q failed: %v", key, err)
		cb(-1)
		return
	}
	n, err := res.RowsAffected()
	if err != nil {
		cb(-1)
		return
	}
	cb(int(n))
}

// queryRow routes through the open transaction when one exists; with a
// single connection a plain query would otherwise wait on the transaction.
func (s *Store) queryRow(query string, args ...interface{}) *sql.Row {
	if s.txn != nil {
		return s.txn.QueryRow(query, args...)
	}
	return s.db.QueryRow(query, args...)
}

func (s *Store) Get(key string, vbucket uint16, rowID int64, cb func(kvstore.GetValue)) {
	row := &kvstore.Row{RowID: rowID}
	err := s.queryRow(
		"SELECT vbucket, k, flags, exptime, cas, v FROM kv WHERE rowid = ?", rowID).
		Scan(&row.VBucketID, &row.Key, &row.Flags, &row.Exptime, &row.Cas, &row.Value)
	switch {
	case err == sql.ErrNoRows:
		cb(kvstore.GetValue{Status: kvstore.GetNotFound, RowID: rowID})
	case err != nil:
		log.Errorf("get of %q failed: %v", key, err)
		cb(kvstore.GetValue{Status: kvstore.GetError, RowID: rowID})
	default:
		cb(kvstore.GetValue{Row: row, Status: kvstore.GetSuccess, RowID: rowID})
	}
}

func (s *Store) SetVBState(vbucket uint16, state string) bool {
	_, err := s.exec(
		"INSERT INTO vbucket_states (vbucket, state) VALUES (?, ?) "+
			"ON CONFLICT(vbucket) DO UPDATE SET state = excluded.state",
		vbucket, state)
	if err != nil {
		log.Errorf("persisting state of vb%d failed: %v", vbucket, err)
		return false
	}
	return true
}

func (s *Store) DelVBucket(vbucket uint16) bool {
	if _, err := s.exec("DELETE FROM kv WHERE vbucket = ?", vbucket); err != nil {
		log.Errorf("deleting rows of vb%d failed: %v", vbucket, err)
		return false
	}
	if _, err := s.exec("DELETE FROM vbucket_states WHERE vbucket = ?", vbucket); err != nil {
		log.Errorf("deleting state of vb%d failed: %v", vbucket, err)
		return false
	}
	return true
}

func (s *Store) Reset() {
	if _, err := s.exec("DELETE FROM kv"); err != nil {
		log.Errorf("reset failed: %v", err)
	}
	if _, err := s.exec("DELETE FROM vbucket_states"); err != nil {
		log.Errorf("reset of states failed: %v", err)
	}
}

func (s *Store) Dump(cb func(*kvstore.Row)) {
	rows, err := s.db.Query("SELECT rowid, vbucket, k, flags, exptime, cas, v FROM kv ORDER BY vbucket")
	if err != nil {
		log.Errorf("dump failed: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		row := &kvstore.Row{}
		if err := rows.Scan(&row.RowID, &row.VBucketID, &row.Key, &row.Flags,
			&row.Exptime, &row.Cas, &row.Value); err != nil {
			log.Errorf("dump scan failed: %v", err)
			return
		}
		cb(row)
	}
	if err := rows.Err(); err != nil {
		log.Errorf("dump iteration failed: %v", err)
	}
}

func (s *Store) VBStates(cb func(vbucket uint16, state string)) {
	rows, err := s.db.Query("SELECT vbucket, state FROM vbucket_states")
	if err != nil {
		log.Errorf("reading vbucket states failed: %v", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var vb uint16
		var state string
		if err := rows.Scan(&vb, &state); err != nil {
			log.Errorf("state scan failed: %v", err)
			return
		}
		cb(vb, state)
	}
}

func (s *Store) Close() error {
	s.Rollback()
	return s.db.Close()
}
