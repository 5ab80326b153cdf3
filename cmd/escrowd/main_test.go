package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobescrow/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "fund", "release", "signer"})
}

func TestDryRunAppDoesNotDial(t *testing.T) {
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Chain: config.ChainConfig{
			ChainID:         80001,
			ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			PrivateKey:      "0x" + common.Bytes2Hex(crypto.FromECDSA(pk)),
			DryRun:          true,
		},
		Retry: config.RetryConfig{ReleaseMaxAttempts: 3},
	}

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.rpcHealth())

	addr, err := newSignerProvider(cfg).Resolve(context.Background(), 80001)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(pk.PublicKey), addr.Address())
}
