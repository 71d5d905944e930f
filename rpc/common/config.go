package common

import (
	"fmt"
	"strings"
)

// ServerConfig holds all configuration parameters for an epcache server.
type ServerConfig struct {
	// HTTP api settings
	Endpoint string

	// Backing store: path to the SQLite database, or empty for a purely
	// in-memory backing store.
	DBPath string

	// NoPersistence disables the write-behind flusher; the server becomes
	// a plain cache.
	NoPersistence bool

	// Warmup repopulates memory from the backing store at start-up.
	Warmup bool

	// Flusher tuning
	TxnSize     int
	MinDataAge  uint32
	QueueAgeCap uint32

	// ItemExpiryWindow is the flusher's grace period for expiring items.
	ItemExpiryWindow uint32

	// Memory tuning (bytes; 0 = unlimited)
	MaxDataSize      int64
	MemLowWatermark  int64
	MemHighWatermark int64

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// HTTP settings
	addSection("HTTP Server")
	addField("Endpoint", c.Endpoint)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Storage
	addSection("Storage")
	if c.DBPath == "" {
		addField("Backing Store", "memory")
	} else {
		addField("Backing Store", c.DBPath)
	}
	addField("Persistence", fmt.Sprintf("%t", !c.NoPersistence))
	addField("Warmup", fmt.Sprintf("%t", c.Warmup))

	// Flusher parameters
	addSection("Flusher")
	addField("Txn Size", fmt.Sprintf("%d", c.TxnSize))
	addField("Min Data Age", fmt.Sprintf("%d sec", c.MinDataAge))
	addField("Queue Age Cap", fmt.Sprintf("%d sec", c.QueueAgeCap))
	addField("Item Expiry Window", fmt.Sprintf("%d sec", c.ItemExpiryWindow))

	// Memory
	addSection("Memory")
	addField("Max Data Size", fmt.Sprintf("%d bytes", c.MaxDataSize))
	addField("Low Watermark", fmt.Sprintf("%d bytes", c.MemLowWatermark))
	addField("High Watermark", fmt.Sprintf("%d bytes", c.MemHighWatermark))

	return sb.String()
}
