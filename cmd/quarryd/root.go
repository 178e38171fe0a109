package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/core/log"
	"github.com/quarrylabs/quarry/node"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "quarryd",
		Short:         "quarry execution node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(startCmd())
	return cmd
}

func startCmd() *cobra.Command {
	cfg := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}

			logger := log.New(log.WithLevel(log.ParseLevel(cfg.LogLevel)),
				log.WithWriter(os.Stdout), log.WithName("quarryd"))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := node.Launch(ctx, cfg, devComponents(),
				node.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("launch node: %w", err)
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutdown signal received")
			case <-n.ExitFuture().Done():
			}
			n.Stop()

			if err := n.ExitFuture().Err(); err != nil {
				logger.Error("Node exited with error", "err", err)
				return err
			}
			logger.Info("Node stopped")
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.DataDir, "root", "r", ".quarry", "node data directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	fs.BoolVar(&cfg.DevMode, "dev", false, "run with a local block producer and no peers")
	fs.DurationVar(&cfg.DevBlockInterval, "dev-block-interval", cfg.DevBlockInterval, "dev-mode mining interval")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "serve prometheus metrics on this address")
	fs.StringVar(&cfg.P2P.ListenAddr, "listen", cfg.P2P.ListenAddr, "p2p listen multiaddr")
	fs.StringSliceVar(&cfg.P2P.BootstrapPeers, "bootnodes", nil, "bootstrap peer multiaddrs")
	fs.Uint64Var(&cfg.Prune.Receipts, "prune.receipts", 0, "receipt retention distance in blocks (0 = keep all)")
	fs.Uint64Var(&cfg.Prune.TxLookup, "prune.txlookup", 0, "tx-lookup retention distance in blocks (0 = keep all)")
	fs.StringVar(&cfg.Debug.Tip, "debug.tip", "", "sync to this block hash instead of the implicit target")
	fs.BoolVar(&cfg.Debug.Terminate, "debug.terminate", false, "exit once the sync tip is reached")
	fs.Uint64Var(&cfg.Debug.SkipFCU, "debug.skip-fcu", 0, "drop every n-th ForkchoiceUpdated")
	fs.Uint64Var(&cfg.Debug.SkipNewPayload, "debug.skip-new-payload", 0, "drop every n-th NewPayload")
	fs.StringVar(&cfg.Debug.EngineAPIStore, "debug.engine-api-store", "", "record engine directives to this file for replay")

	return cmd
}
