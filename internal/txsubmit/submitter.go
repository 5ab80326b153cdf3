// Package txsubmit turns an escrow intent into a broadcast transaction and
// waits for its receipt. Each Submit call is a single attempt.
package txsubmit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"jobescrow/internal/escrow"
	"jobescrow/internal/signer"
)

// Submitter performs one broadcast-and-confirm attempt.
type Submitter interface {
	Submit(ctx context.Context, intent escrow.Intent) Outcome
}

const (
	DefaultReceiptTimeout = 2 * time.Minute
	DefaultPollInterval   = 2 * time.Second
)

type Options struct {
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// EthSubmitter signs with one capability and talks to one endpoint.
type EthSubmitter struct {
	backend        escrow.Backend
	signer         *signer.Capability
	receiptTimeout time.Duration
	pollInterval   time.Duration
	log            *slog.Logger
}

func NewEthSubmitter(backend escrow.Backend, sig *signer.Capability, opts Options) *EthSubmitter {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = DefaultReceiptTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EthSubmitter{
		backend:        backend,
		signer:         sig,
		receiptTimeout: opts.ReceiptTimeout,
		pollInterval:   opts.PollInterval,
		log:            opts.Logger,
	}
}

// ForClient builds a submitter from the client's bound signer and endpoint.
func ForClient(c *escrow.Client, opts Options) *EthSubmitter {
	return NewEthSubmitter(c.Endpoint(), c.Signer(), opts)
}

func (s *EthSubmitter) Submit(ctx context.Context, intent escrow.Intent) Outcome {
	opts := s.signer.TransactOpts()
	opts.Context = ctx
	opts.Value = intent.Value()

	// Nonce and gas are left to the endpoint; calldata is already encoded.
	bound := bind.NewBoundContract(intent.To(), abi.ABI{}, nil, s.backend, nil)
	tx, err := bound.RawTransact(opts, intent.Data())
	if err != nil {
		class := Classify(err)
		s.log.Warn("broadcast rejected",
			"method", intent.Method(),
			"job_id", intent.JobID(),
			"class", class.String(),
			"error", err,
		)
		return FailedOutcome(err.Error(), class)
	}

	hash := tx.Hash()
	s.log.Info("transaction broadcast",
		"method", intent.Method(),
		"job_id", intent.JobID(),
		"tx_hash", hash.Hex(),
		"nonce", tx.Nonce(),
		"value", escrow.FormatAmount(intent.Value(), escrow.NativeDecimals),
	)

	waitCtx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	receipt, err := WaitForReceipt(waitCtx, s.backend, hash, s.pollInterval)
	if err != nil {
		s.log.Warn("no receipt", "tx_hash", hash.Hex(), "error", err)
		return DroppedOutcome(hash.Hex(), err.Error())
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		// Reverted transactions still count as confirmed.
		s.log.Warn("receipt reports failed execution",
			"tx_hash", receipt.TxHash.Hex(),
			"block", receipt.BlockNumber,
			"status", receipt.Status,
		)
	}
	for _, ev := range escrow.DecodeEvents(intent.To(), receipt.Logs) {
		s.log.Info("escrow event",
			"event", ev.Name,
			"job_id", ev.JobID.String(),
			"provider", ev.Provider.Hex(),
			"amount", escrow.FormatAmount(ev.Amount, escrow.NativeDecimals),
			"tx_hash", receipt.TxHash.Hex(),
		)
	}
	return ConfirmedOutcome(receipt.TxHash.Hex(), receipt.Status)
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client receiptReader, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// FakeSubmitter confirms every intent with a hash derived from its calldata.
// Used for dry runs without a chain.
type FakeSubmitter struct{}

func (FakeSubmitter) Submit(_ context.Context, intent escrow.Intent) Outcome {
	sum := sha256.Sum256(append(intent.To().Bytes(), intent.Data()...))
	return ConfirmedOutcome("0x"+hex.EncodeToString(sum[:]), types.ReceiptStatusSuccessful)
}
