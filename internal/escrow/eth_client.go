package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrChainMismatch = errors.New("endpoint chain id mismatch")

type EndpointConfig struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
}

// Validate checks the deployment values once, before any request is served.
func (c EndpointConfig) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive, got %d", c.ChainID)
	}
	if _, err := ParseAddress(c.ContractAddress); err != nil {
		return fmt.Errorf("escrow contract address: %w", err)
	}
	return nil
}

func (c EndpointConfig) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// EthEndpoint is a dialed RPC endpoint verified to serve the configured chain.
type EthEndpoint struct {
	*ethclient.Client
	chainID int64
}

func Dial(ctx context.Context, cfg EndpointConfig) (*EthEndpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	remote, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if !remote.IsInt64() || remote.Int64() != cfg.ChainID {
		cli.Close()
		return nil, fmt.Errorf("%w: configured %d, endpoint reports %s", ErrChainMismatch, cfg.ChainID, remote)
	}

	return &EthEndpoint{Client: cli, chainID: cfg.ChainID}, nil
}

func (e *EthEndpoint) ChainID64() int64 { return e.chainID }

func (e *EthEndpoint) Ping(ctx context.Context) error {
	if e.Client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := e.BlockNumber(ctx)
	return err
}
