package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepstream-io/recordd/internal/cache"
	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/core"
	"github.com/deepstream-io/recordd/internal/durable"
	"github.com/deepstream-io/recordd/internal/fanout"
	"github.com/deepstream-io/recordd/internal/httpapi"
	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/peerbus"
	"github.com/deepstream-io/recordd/internal/permission"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "recordd",
	Short:   "recordd - realtime record-sync core",
	Long:    `recordd holds per-record transitions, the request coalescer and the stability gate in memory, fronting a cache tier and an optional durable tier, and replicates accepted writes to peers over a Raft-backed message bus.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("recordd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.Flags().String("cache-addr", "localhost:6379", "Redis address backing the cache tier")
	rootCmd.Flags().String("durable-path", "", "bbolt database file backing the durable tier (overrides durablePath from --config; with neither set, the durable tier is disabled)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if addr, _ := cmd.Flags().GetString("cache-addr"); addr != "" && configPath == "" {
		cfg.CacheAddr = addr
	}
	if path, _ := cmd.Flags().GetString("durable-path"); path != "" {
		cfg.DurablePath = path
	}

	cacheBackend := cache.New(cfg.CacheAddr)
	defer cacheBackend.Close()

	var durableBackend *durable.BoltStore
	if cfg.DurablePath != "" {
		durableBackend, err = durable.Open(cfg.DurablePath)
		if err != nil {
			return fmt.Errorf("failed to open durable store: %w", err)
		}
		defer durableBackend.Close()
	}

	var facade *storagefacade.Facade
	if durableBackend != nil {
		facade = storagefacade.New(cfg, cacheBackend, durableBackend)
	} else {
		facade = storagefacade.New(cfg, cacheBackend, nil)
	}

	subs := fanout.NewRegistry()
	listeners := fanout.NewListenerRegistry()
	evaluator, err := permission.LoadConfigEvaluator(cfg.PermissionRulesPath)
	if err != nil {
		return fmt.Errorf("failed to load permission rules: %w", err)
	}

	handler := core.NewHandler(cfg, facade, subs, listeners, evaluator, nil)

	var cluster httpapi.ClusterStatus
	if cfg.PeerBusBindAddr != "" {
		bus, err := peerbus.New(cfg, handler)
		if err != nil {
			return fmt.Errorf("failed to start peer message bus: %w", err)
		}
		handler.SetPeerBus(bus)
		cluster = bus
	}

	server := httpapi.New(cluster)
	log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting health/metrics server")
	return server.Start(cfg.MetricsAddr)
}
