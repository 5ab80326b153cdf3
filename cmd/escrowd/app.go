package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"jobescrow/internal/config"
	"jobescrow/internal/escrow"
	"jobescrow/internal/operation"
	"jobescrow/internal/retry"
	"jobescrow/internal/signer"
	"jobescrow/internal/txsubmit"
)

// app holds the long-lived collaborators shared by every operation.
type app struct {
	endpoint     *escrow.EthEndpoint
	orchestrator *operation.Orchestrator
}

func newApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, metrics operation.Recorder) (*app, error) {
	rt := &app{}

	opCfg := operation.Config{
		ChainID:  cfg.Chain.ChainID,
		Contract: cfg.Chain.Endpoint().Contract(),
		Signers:  newSignerProvider(cfg),
		SubmitOptions: txsubmit.Options{
			ReceiptTimeout: cfg.Chain.ReceiptTimeout,
			PollInterval:   cfg.Chain.ReceiptPoll,
			Logger:         logger,
		},
		FundPolicy:    retry.SingleAttempt(),
		ReleasePolicy: retry.Bounded(cfg.Retry.ReleaseMaxAttempts, cfg.Retry.ReleaseBackoff),
		Logger:        logger,
		Metrics:       metrics,
	}

	if cfg.Chain.DryRun {
		logger.Warn("dry-run mode: transactions are not broadcast")
		opCfg.NewSubmitter = func(*escrow.Client) txsubmit.Submitter { return txsubmit.FakeSubmitter{} }
	} else {
		endpoint, err := escrow.Dial(ctx, cfg.Chain.Endpoint())
		if err != nil {
			return nil, fmt.Errorf("escrow endpoint error: %w", err)
		}
		logger.Info("connected to rpc endpoint", "chain_id", endpoint.ChainID64(), "contract", opCfg.Contract.Hex())
		rt.endpoint = endpoint
		opCfg.Endpoint = endpoint
	}

	orch, err := operation.New(opCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orchestrator = orch
	return rt, nil
}

func (rt *app) rpcHealth() func(context.Context) error {
	if rt.endpoint == nil {
		return nil
	}
	return rt.endpoint.Ping
}

func (rt *app) Close() {
	if rt.endpoint != nil {
		rt.endpoint.Close()
	}
}

// newSignerProvider prefers an encrypted keystore over a raw key.
func newSignerProvider(cfg *config.AppConfig) signer.Provider {
	var base signer.Provider
	if cfg.Chain.KeystorePath != "" {
		path := cfg.Chain.KeystorePath
		base = signer.NewKeystoreProvider(cfg.Chain.ChainID, func() (io.ReadCloser, error) {
			return os.Open(path)
		}, cfg.Chain.KeystorePass)
	} else {
		base = signer.NewKeyProvider(cfg.Chain.ChainID, cfg.Chain.PrivateKey)
	}
	return signer.NewCachingProvider(base)
}
