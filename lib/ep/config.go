package ep

import "time"

// Config tunes the store. Unset TxnSize, HashSize, HashLocks, FlusherSleep
// and Clock are replaced by the defaults below at construction; every other
// field is used as given, zero included. Tests typically tighten the age
// knobs and shrink the hash table.
type Config struct {
	// TxnSize is the number of dirty items persisted per backing-store
	// transaction.
	TxnSize int

	// MinDataAge is the minimum time (seconds) since the last write before
	// a dirty item is persisted, unless it exceeds QueueAgeCap.
	MinDataAge uint32

	// QueueAgeCap is the maximum time (seconds) an item may sit in the
	// dirty queue before it is persisted regardless of MinDataAge.
	QueueAgeCap uint32

	// ItemExpiryWindow is the grace period (seconds) past exptime after
	// which the flusher drops a dirty record as expired instead of
	// persisting it.
	ItemExpiryWindow uint32

	// BGFetchDelay artificially delays background fetches. Zero in
	// production; tests raise it to observe in-flight fetches.
	BGFetchDelay time.Duration

	// DoPersistence enables the dirty queue. When false the store is a
	// purely in-memory cache.
	DoPersistence bool

	// MaxDataSize caps the cached bytes; inserts beyond it fail with
	// NoMemory. Zero means unlimited.
	MaxDataSize int64

	// MemLowWatermark steers opportunistic ejection of values persisted
	// into non-active partitions. MemHighWatermark is only exported as a
	// gauge; no ejection decision reads it.
	MemLowWatermark  int64
	MemHighWatermark int64

	// HashSize and HashLocks size each partition's hash table.
	HashSize  int
	HashLocks int

	// FlusherSleep is the idle sleep between flusher wake-ups.
	FlusherSleep time.Duration

	// StartVB0 creates partition 0 in the active state at construction.
	StartVB0 bool

	// StartFlusher launches the write-behind flusher task at construction.
	// Embedders that drive flushing themselves (or tests) leave it off.
	StartFlusher bool

	// Clock supplies relative/absolute time. DefaultClock() when unset.
	Clock Clock
}

const (
	defaultTxnSize          = 250
	defaultMinDataAge       = 120
	defaultQueueAgeCap      = 900
	defaultItemExpiryWindow = 3
	defaultHashSize         = 196613
	defaultHashLocks        = 193
	defaultFlusherSleep     = time.Second
)

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		TxnSize:          defaultTxnSize,
		MinDataAge:       defaultMinDataAge,
		QueueAgeCap:      defaultQueueAgeCap,
		ItemExpiryWindow: defaultItemExpiryWindow,
		DoPersistence:    true,
		HashSize:         defaultHashSize,
		HashLocks:        defaultHashLocks,
		FlusherSleep:     defaultFlusherSleep,
		StartVB0:         true,
		StartFlusher:     true,
		Clock:            DefaultClock(),
	}
}

// withDefaults fills unset fields in place and returns the config.
func (c *Config) withDefaults() *Config {
	if c.TxnSize <= 0 {
		c.TxnSize = defaultTxnSize
	}
	if c.HashSize <= 0 {
		c.HashSize = defaultHashSize
	}
	if c.HashLocks <= 0 {
		c.HashLocks = defaultHashLocks
	}
	if c.FlusherSleep <= 0 {
		c.FlusherSleep = defaultFlusherSleep
	}
	if c.Clock.Current == nil {
		c.Clock = DefaultClock()
	}
	return c
}
