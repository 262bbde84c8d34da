package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arklabs/ark/pkg/agents"
	"github.com/arklabs/ark/pkg/api"
	"github.com/arklabs/ark/pkg/bus"
	"github.com/arklabs/ark/pkg/config"
	"github.com/arklabs/ark/pkg/errbus"
	"github.com/arklabs/ark/pkg/federation"
	"github.com/arklabs/ark/pkg/generation"
	"github.com/arklabs/ark/pkg/identity"
	"github.com/arklabs/ark/pkg/lattice"
	"github.com/arklabs/ark/pkg/log"
	"github.com/arklabs/ark/pkg/metrics"
	"github.com/arklabs/ark/pkg/orchestrator"
	"github.com/arklabs/ark/pkg/scoring"
	"github.com/arklabs/ark/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ARK node",
	Long: `Start the full node: lattice store, agent pipeline, federation
sync, and the HTTP/WebSocket API. Runs until SIGINT or SIGTERM, then
shuts down in dependency order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return serve(configPath, flagOverride(cmd.Flags()))
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("config", "store/config.toml", "Path to the TOML configuration file")
	flags.String("peer-role", "", "Override peer.role (local, cloud, edge)")
	flags.String("peer-endpoint-url", "", "Override peer.endpoint_url")
	flags.String("storage-path", "", "Override storage.path")
	flags.String("api-listen-addr", "", "Override api.listen_addr")
	flags.String("api-metrics-addr", "", "Override api.metrics_addr")
	flags.String("federation-hub-url", "", "Override federation.hub_url")
	flags.Duration("federation-sync-period", 0, "Override federation.sync_period")
	flags.Int("federation-max-peers", 0, "Override federation.max_peers")
	flags.String("log-level", "", "Override log.level")
}

// flagOverride maps serve flags onto their config keys. Only flags the user
// actually set are applied; they run after file and environment values, so
// flags outrank both.
func flagOverride(flags *pflag.FlagSet) config.Override {
	return func(cfg *config.Config) {
		if flags.Changed("peer-role") {
			v, _ := flags.GetString("peer-role")
			cfg.Peer.Role = types.PeerRole(v)
		}
		if flags.Changed("peer-endpoint-url") {
			cfg.Peer.EndpointURL, _ = flags.GetString("peer-endpoint-url")
		}
		if flags.Changed("storage-path") {
			cfg.Storage.Path, _ = flags.GetString("storage-path")
		}
		if flags.Changed("api-listen-addr") {
			cfg.API.ListenAddr, _ = flags.GetString("api-listen-addr")
		}
		if flags.Changed("api-metrics-addr") {
			cfg.API.MetricsAddr, _ = flags.GetString("api-metrics-addr")
		}
		if flags.Changed("federation-hub-url") {
			cfg.Federation.HubURL, _ = flags.GetString("federation-hub-url")
		}
		if flags.Changed("federation-sync-period") {
			v, _ := flags.GetDuration("federation-sync-period")
			cfg.Federation.SyncPeriod = config.Duration(v)
		}
		if flags.Changed("federation-max-peers") {
			cfg.Federation.MaxPeers, _ = flags.GetInt("federation-max-peers")
		}
		if flags.Changed("log-level") {
			cfg.Log.Level, _ = flags.GetString("log-level")
		}
	}
}

func serve(configPath string, overrides ...config.Override) error {
	mgr, err := config.NewManager(configPath, overrides...)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer mgr.Stop()
	cfg := mgr.Current()

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	if err := mgr.Watch(); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable, reload disabled")
	}

	id, err := identity.LoadOrCreate(filepath.Join(cfg.Storage.Path, "keys"))
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	logger.Info().Str("peer_id", id.PeerID()).Msg("identity ready")

	store, err := lattice.Open(cfg.Storage.Path, id.PeerID())
	if err != nil {
		return fmt.Errorf("failed to open lattice store: %w", err)
	}
	defer store.Close()

	eb, err := errbus.New(errbus.Options{
		LogPath: filepath.Join(cfg.Storage.Path, "errors.log"),
	})
	if err != nil {
		return fmt.Errorf("failed to open error bus: %w", err)
	}
	defer eb.Close()
	eb.Register(types.SeverityCritical, func(esc *types.Escalation) {
		log.WithCorrelationID(esc.CorrelationID).Error().
			Str("code", esc.Code).Str("from", esc.From).Msg(esc.Message)
	})

	b := bus.New(bus.Options{
		HistorySize: cfg.Bus.HistorySize,
		InboxSize:   cfg.Bus.InboxSize,
	}, eb)
	defer b.Stop()

	// Federation: peer table, local discovery, sync loop.
	self := &types.PeerRecord{
		PeerID:      id.PeerID(),
		DisplayName: cfg.Peer.DisplayName,
		Role:        cfg.Peer.Role,
		EndpointURL: cfg.Peer.EndpointURL,
		PublicKey:   id.PublicKey(),
	}
	fedHub := federation.NewHub()
	registry, err := federation.NewRegistry(self, fedHub, federation.RegistryOptions{
		SnapshotPath: filepath.Join(cfg.Storage.Path, "peers.json"),
		MaxPeers:     cfg.Federation.MaxPeers,
		PeerTTL:      cfg.Federation.PeerTTL.D(),
		PeerGC:       cfg.Federation.PeerGC.D(),
	})
	if err != nil {
		return fmt.Errorf("failed to open peer registry: %w", err)
	}
	registry.Start()
	defer registry.Stop()

	staticPeers, err := cfg.Federation.PeerRecords()
	if err != nil {
		return err
	}
	for _, rec := range staticPeers {
		if err := registry.Register(rec); err != nil {
			logger.Warn().Err(err).Str("peer_id", rec.PeerID).Msg("static peer rejected")
			continue
		}
		log.WithPeerID(rec.PeerID).Info().Str("endpoint", rec.EndpointURL).Msg("static peer registered")
	}

	var discovery *federation.Discovery
	if cfg.Discovery.Enabled {
		discovery = federation.NewDiscovery(registry, cfg.Discovery.MulticastGroup,
			cfg.Discovery.AnnounceInterval.D())
		if err := discovery.Start(); err != nil {
			logger.Warn().Err(err).Msg("multicast discovery unavailable")
			discovery = nil
		}
	}
	defer func() {
		if discovery != nil {
			discovery.Stop()
		}
	}()

	syncEngine := federation.NewEngine(store, registry, id, federation.NewHTTPTransport(),
		fedHub, eb, federation.EngineOptions{
			Role:         cfg.Peer.Role,
			HubURL:       cfg.Federation.HubURL,
			SyncPeriod:   cfg.Federation.SyncPeriod.D(),
			TombstoneTTL: cfg.Federation.TombstoneTTL.D(),
		})
	syncEngine.Start()
	defer syncEngine.Stop()

	// Pipeline: orchestrator plus the six agent roles.
	orch := orchestrator.New(b, eb, cfg)
	defer orch.Stop()

	var weights scoring.Weights
	if len(cfg.Generation.DefaultWeights) > 0 {
		weights = scoring.Weights(cfg.Generation.DefaultWeights)
	}
	engine := generation.NewEngine(store, weights)

	set := agents.StartAll(agents.Deps{
		Bus:       b,
		Errors:    eb,
		Store:     store,
		Engine:    engine,
		Rulesets:  cfg.Validator.Rulesets,
		Cancelled: orch.Cancelled,
	})
	defer set.Stop()

	server := api.NewServer(api.Options{
		ListenAddr:   cfg.API.ListenAddr,
		Version:      Version,
		Orchestrator: orch,
		Agents:       set,
		Bus:          b,
		Errors:       eb,
		Store:        store,
		Engine:       engine,
		Rulesets:     cfg.Validator.Rulesets,
		Registry:     registry,
		Sync:         syncEngine,
		FedEvents:    fedHub,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}

	if cfg.API.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.API.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	logger.Info().
		Str("role", string(cfg.Peer.Role)).
		Str("api", cfg.API.ListenAddr).
		Msg("node is up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown did not complete cleanly")
	}
	// Remaining subsystems stop in reverse start order via the defers.
	return nil
}
