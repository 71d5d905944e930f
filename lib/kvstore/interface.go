package kvstore

// --------------------------------------------------------------------------
// Rows
// --------------------------------------------------------------------------

// Row is a single persisted key-value record.
type Row struct {
	Key       string
	VBucketID uint16
	Flags     uint32
	Exptime   uint32
	Cas       uint64
	Value     []byte

	// RowID is the store-assigned identity of the row. A value <= 0 means
	// the row has not been persisted yet; Set assigns the id on insert.
	RowID int64
}

// GetStatus reports the outcome of a point lookup.
type GetStatus int

const (
	GetSuccess GetStatus = iota
	GetNotFound
	GetError
)

func (s GetStatus) String() string {
	switch s {
	case GetSuccess:
		return "Success"
	case GetNotFound:
		return "NotFound"
	case GetError:
		return "Error"
	default:
		return "Unknown"
	}
}

// GetValue is the result of a Get: the row (nil unless Status is
// GetSuccess) together with the status and the row id that was looked up.
type GetValue struct {
	Row    *Row
	Status GetStatus
	RowID  int64
}

// --------------------------------------------------------------------------
// Store Interface
// --------------------------------------------------------------------------

// Factory creates a backing store. Used to abstract construction away from
// callers that only care about the contract (servers, test harnesses).
type Factory func() (KVStore, error)

// KVStore is the durable backing store behind the cache.
//
// Set reports (affected, newRowID) through its callback: affected is 1 on
// success, 0 when the targeted row no longer exists, and -1 on failure.
// newRowID is > 0 only when the call inserted a new row. Del reports
// affected the same way (0 means the row was already gone).
type KVStore interface {
	// Begin opens a write transaction. Writes outside a transaction are
	// applied immediately.
	Begin()
	// Commit closes the current transaction. Returns false on failure, in
	// which case the caller is expected to retry.
	Commit() bool
	// Rollback abandons the current transaction.
	Rollback()

	// Set inserts (RowID <= 0) or updates (RowID > 0) a row.
	Set(row *Row, cb func(affected int, newRowID int64))
	// Del removes the row with the given identity.
	Del(key string, vbucket uint16, rowID int64, cb func(affected int))
	// Get looks a row up by identity.
	Get(key string, vbucket uint16, rowID int64, cb func(GetValue))

	// SetVBState durably records a partition's state tag.
	SetVBState(vbucket uint16, state string) bool
	// DelVBucket drops every row of a partition along with its state tag.
	DelVBucket(vbucket uint16) bool

	// Reset drops all rows and state tags.
	Reset()

	// Dump streams every stored row to cb. Drives warm-up.
	Dump(cb func(*Row))
	// VBStates streams every recorded partition state to cb.
	VBStates(cb func(vbucket uint16, state string))

	Close() error
}
