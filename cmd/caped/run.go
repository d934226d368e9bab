package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"capeledger/internal/cape"
	"capeledger/internal/config"
	"capeledger/internal/erc20"
	"capeledger/internal/logging"
	"capeledger/internal/metrics"
	"capeledger/internal/server"
	"capeledger/internal/transactions"
	"capeledger/p2p"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		listenAddr string
		role       string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ledger node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("role") {
				cfg.Role = role
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runNode(cfg)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP API listen address (overrides listen_addr)")
	cmd.Flags().StringVar(&role, "role", "", "leader or follower (overrides role)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	audit := ""
	if cfg.EnableAudit {
		audit = cfg.AuditLogPath
	}
	return logging.NewLogger(cfg.LogLevel, cfg.LogFile, audit)
}

func storePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "ledger")
}

func tokenPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "tokens")
}

func runNode(cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.Zerolog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	log.Info("setting up circuits for tree depth %d", cfg.TreeDepth)
	start := time.Now()
	keys, err := transactions.Setup(cfg.TreeDepth, cfg.TransferShapes, cfg.KeyDir, zl)
	if err != nil {
		collector.RecordError("circuit_setup")
		return fmt.Errorf("circuit setup: %w", err)
	}
	collector.RecordCircuitSetup(time.Since(start))

	store, err := cape.OpenStore(storePath(cfg))
	if err != nil {
		return err
	}
	tokens, err := erc20.Open(tokenPath(cfg))
	if err != nil {
		store.Close()
		return err
	}
	defer tokens.Close()
	ledger, err := cape.Open(store, transactions.NewVerifier(keys), tokens,
		cape.WithLogger(zl),
		cape.WithWorkers(cfg.MaxConcurrency),
		cape.WithExclusiveSubmit(cfg.ExclusiveSubmit),
		cape.WithObserver(collector),
		cape.WithTreeDepth(cfg.TreeDepth),
		cape.WithVaultAddress(cfg.Vault()),
	)
	if err != nil {
		store.Close()
		return err
	}
	defer ledger.Close()
	collector.RecordEscrow(ledger.Snapshot())

	srv := server.New(ledger,
		server.WithLogger(log),
		server.WithMetrics(collector),
		server.WithRateLimiter(server.NewRelayerRateLimiter(
			cfg.RateLimitTokens, cfg.RateLimitRefill,
			time.Duration(cfg.RateLimitPeriodMs)*time.Millisecond)),
		server.WithTokens(tokens),
		server.WithReadOnly(cfg.Role == config.RoleFollower),
		server.WithVersion(Version),
	)

	var wg sync.WaitGroup
	var node *p2p.Node
	if cfg.Role == config.RoleFollower || len(cfg.Peers) > 0 {
		node = p2p.NewNode(cfg.NodeID, cfg.P2PAddr, cfg.Peers, &wg, zl)
		if err := node.StartServer(nil); err != nil {
			return err
		}
		rep := p2p.NewReplicator(node, ledger, tokens, zl)
		if cfg.Role == config.RoleFollower {
			rep.Follow()
		} else {
			rep.Lead(ctx)
		}
		srv.Health().RegisterComponent("replication", replicationCheck(rep.Diverged, rep.Lagging))
	}

	log.Audit("node_started", map[string]interface{}{
		"node_id": cfg.NodeID,
		"role":    cfg.Role,
		"height":  ledger.Height(),
		"root":    ledger.Root().Hex(),
	})
	log.Info("%s node %s ready at height %d", cfg.Role, cfg.NodeID, ledger.Height())

	err = srv.ListenAndServe(ctx, cfg.ListenAddr)
	stop()
	if node != nil {
		node.Close()
	}
	wg.Wait()
	log.Audit("node_stopped", map[string]interface{}{"height": ledger.Height()})
	return err
}

// replicationCheck reports a halted follower or lagging peers as degraded: the node keeps
// serving reads from its own ledger but no longer tracks the leader.
func replicationCheck(diverged func() error, lagging func() []string) server.Check {
	return func() error {
		if err := diverged(); err != nil {
			return &server.DegradedError{Reason: err.Error()}
		}
		if peers := lagging(); len(peers) > 0 {
			return &server.DegradedError{Reason: "peers behind: " + strings.Join(peers, ", ")}
		}
		return nil
	}
}
