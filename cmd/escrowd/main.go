package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"jobescrow/internal/config"
	"jobescrow/internal/idempotency"
	"jobescrow/internal/operation"
	"jobescrow/internal/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "escrowd",
		Short:         "escrowd - job payment escrow control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Default behavior (no subcommand) is to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newFundCmd())
	rootCmd.AddCommand(newReleaseCmd())
	rootCmd.AddCommand(newSignerCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newFundCmd() *cobra.Command {
	var (
		jobID    uint64
		provider string
		amount   string
	)

	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Fund the escrow for a job and wait for confirmation",
		Long: `Fund the escrow for a job. The amount is in display units (18 decimals).

EXAMPLES:
  escrowd fund --job 42 --provider 0xAbCd000000000000000000000000000000001234 --amount 1.5
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), operation.Fund{
				JobID:           jobID,
				ProviderAddress: provider,
				Amount:          amount,
			})
		},
	}

	cmd.Flags().Uint64Var(&jobID, "job", 0, "job id (required)")
	cmd.Flags().StringVar(&provider, "provider", "", "service provider address (required)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in display units (required)")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newReleaseCmd() *cobra.Command {
	var jobID uint64

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release escrowed funds for a job, retrying per the release policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), operation.Release{JobID: jobID})
		},
	}

	cmd.Flags().Uint64Var(&jobID, "job", 0, "job id (required)")
	_ = cmd.MarkFlagRequired("job")

	return cmd
}

func newSignerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signer",
		Short: "Print the address of the configured signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			capability, err := newSignerProvider(cfg).Resolve(contextOrBackground(cmd.Context()), cfg.Chain.ChainID)
			if err != nil {
				return err
			}
			fmt.Println(capability.Address().Hex())
			return nil
		},
	}
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	ctx = contextOrBackground(ctx)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)

	store, err := idempotency.New(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("idempotency store error: %w", err)
	}
	defer store.Close()

	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	go idempotency.RunPurger(purgeCtx, store, cfg.Service.IdempotencyPurge, logger)

	metrics := server.NewMetrics()
	rt, err := newApp(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer rt.Close()

	apiServer := server.NewServer(cfg, server.Deps{
		Operations: rt.orchestrator,
		Store:      store,
		Metrics:    metrics,
		Logger:     logger,
		RPCHealth:  rt.rpcHealth(),
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- apiServer.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func runOnce(ctx context.Context, op operation.Operation) error {
	ctx = contextOrBackground(ctx)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log)

	rt, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	res := rt.orchestrator.Handle(ctx, op)

	out := map[string]any{
		"operationId": res.OperationID,
		"status":      res.Status,
		"attempts":    res.Attempts,
	}
	if res.Succeeded() {
		out["transactionHash"] = res.TxHash
	} else {
		out["reason"] = res.Reason
		out["message"] = res.Message()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("%s failed: %s", op.Kind(), res.Reason)
	}
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
