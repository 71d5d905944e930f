package serve

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/epcache/lib/ep"
	"github.com/ValentinKolb/epcache/lib/kvstore"
	"github.com/ValentinKolb/epcache/lib/kvstore/sqlite"
	"github.com/ValentinKolb/epcache/rpc/common"
	"github.com/ValentinKolb/epcache/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig common.ServerConfig

	// ServeCmd starts the epcache server
	ServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the epcache server",
		Long: `Start the epcache server: the in-memory partitioned store, its
write-behind flusher, and the HTTP front-end.

All flags can also be set via EPCACHE_-prefixed environment variables
(e.g. EPCACHE_ENDPOINT), including from .env and .env.local files.`,
		PreRunE: loadConfig,
		RunE:    runServe,
	}
)

func init() {
	initViper()

	ServeCmd.Flags().String("endpoint", "0.0.0.0:8080", "address the HTTP server listens on")
	ServeCmd.Flags().String("db-path", "epcache.db", "path to the sqlite backing store ('' = in-memory)")
	ServeCmd.Flags().Bool("no-persistence", false, "disable the write-behind flusher (plain cache)")
	ServeCmd.Flags().Bool("warmup", true, "repopulate memory from the backing store at start-up")
	ServeCmd.Flags().Int("txn-size", 250, "dirty items persisted per transaction")
	ServeCmd.Flags().Uint32("min-data-age", 120, "seconds a dirty item must age before persisting")
	ServeCmd.Flags().Uint32("queue-age-cap", 900, "seconds after which a dirty item is force-persisted")
	ServeCmd.Flags().Uint32("item-expiry-window", 3, "grace seconds before the flusher drops expiring items")
	ServeCmd.Flags().Int64("max-data-size", 0, "cached bytes budget (0 = unlimited)")
	ServeCmd.Flags().Int64("mem-low-watermark", 0, "low watermark for opportunistic ejection (bytes)")
	ServeCmd.Flags().Int64("mem-high-watermark", 0, "high watermark, reported in stats only (bytes)")
	ServeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

// initViper wires the environment into viper
func initViper() {
	// load env files if present
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("epcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// loadConfig resolves flags and environment into the server config
func loadConfig(cmd *cobra.Command, args []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.DBPath = viper.GetString("db-path")
	serveCmdConfig.NoPersistence = viper.GetBool("no-persistence")
	serveCmdConfig.Warmup = viper.GetBool("warmup")
	serveCmdConfig.TxnSize = viper.GetInt("txn-size")
	serveCmdConfig.MinDataAge = viper.GetUint32("min-data-age")
	serveCmdConfig.QueueAgeCap = viper.GetUint32("queue-age-cap")
	serveCmdConfig.ItemExpiryWindow = viper.GetUint32("item-expiry-window")
	serveCmdConfig.MaxDataSize = viper.GetInt64("max-data-size")
	serveCmdConfig.MemLowWatermark = viper.GetInt64("mem-low-watermark")
	serveCmdConfig.MemHighWatermark = viper.GetInt64("mem-high-watermark")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return nil
}

// runServe builds the backing store and the ep store, then serves HTTP
func runServe(cmd *cobra.Command, args []string) error {
	common.InitLoggers(serveCmdConfig)

	var underlying kvstore.KVStore
	if serveCmdConfig.DBPath == "" {
		underlying = kvstore.NewMemoryStore()
	} else {
		s, err := sqlite.Open(serveCmdConfig.DBPath)
		if err != nil {
			return fmt.Errorf("opening backing store: %w", err)
		}
		underlying = s
	}

	cfg := ep.DefaultConfig()
	cfg.TxnSize = serveCmdConfig.TxnSize
	cfg.MinDataAge = serveCmdConfig.MinDataAge
	cfg.QueueAgeCap = serveCmdConfig.QueueAgeCap
	cfg.ItemExpiryWindow = serveCmdConfig.ItemExpiryWindow
	cfg.MaxDataSize = serveCmdConfig.MaxDataSize
	cfg.MemLowWatermark = serveCmdConfig.MemLowWatermark
	cfg.MemHighWatermark = serveCmdConfig.MemHighWatermark
	cfg.DoPersistence = !serveCmdConfig.NoPersistence

	store := ep.NewStore(underlying, server.NewNotifier(), cfg)
	if serveCmdConfig.Warmup && !serveCmdConfig.NoPersistence {
		store.Warmup(ep.RetainAll)
	}

	return server.NewServer(serveCmdConfig, store).Serve()
}
