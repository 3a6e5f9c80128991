package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/pkg/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP and websocket",
		Long: `Serve exposes the session store and agent runs on an HTTP API.
Posting a message starts a run, or steers the one already going;
websocket clients get entry replay plus live events.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	workdir, err := os.Getwd()
	if err != nil {
		return err
	}
	// The server's sessions share one workspace, so they share one
	// sandbox environment.
	env, err := buildEnvironment(cfg, workdir)
	if err != nil {
		return err
	}
	defer env.Close()

	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	srv := server.New(server.Config{
		Store:            st,
		Provider:         provider,
		Tools:            buildRegistry(env, "server", workdir),
		Model:            cfg.Model,
		MaxParallelTools: cfg.Run.MaxParallelTools,
		MaxAttempts:      cfg.Run.MaxAttempts,
		MaxIterations:    cfg.Run.MaxIterations,
		MaxOutputTokens:  cfg.Run.MaxOutputTokens,
		CompactThreshold: cfg.Compact.Threshold,
		CompactKeepTurns: cfg.Compact.KeepTurns,
		Logger:           logger,
	})
	logger.Info("Starting server", "addr", addr, "store", cfg.Store.Backend, "model", cfg.Model)
	return srv.Serve(ctx, addr)
}
