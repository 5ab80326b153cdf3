package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"jobescrow/internal/contracts"
	"jobescrow/internal/signer"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("invalid amount")
)

var jobEscrowABI = mustParseABI(contracts.JobEscrowABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse escrow abi: %v", err))
	}
	return parsed
}

// Client builds typed intents for the JobEscrow contract. It binds one
// signing capability and one endpoint for the duration of an operation.
type Client struct {
	address  common.Address
	signer   *signer.Capability
	endpoint Backend
}

func NewClient(contract common.Address, sig *signer.Capability, endpoint Backend) *Client {
	return &Client{address: contract, signer: sig, endpoint: endpoint}
}

func (c *Client) Address() common.Address { return c.address }
func (c *Client) Signer() *signer.Capability { return c.signer }
func (c *Client) Endpoint() Backend { return c.endpoint }

// BuildFund encodes fundEscrow(jobId, provider) carrying amount as value.
// amount is in display denomination ("1.5").
func (c *Client) BuildFund(jobID uint64, providerAddress, amount string) (Intent, error) {
	provider, err := ParseAddress(providerAddress)
	if err != nil {
		return Intent{}, err
	}
	value, err := ParseAmount(amount, NativeDecimals)
	if err != nil {
		return Intent{}, err
	}
	data, err := jobEscrowABI.Pack(contracts.MethodFundEscrow, new(big.Int).SetUint64(jobID), provider)
	if err != nil {
		return Intent{}, fmt.Errorf("pack %s: %w", contracts.MethodFundEscrow, err)
	}
	return Intent{
		method: contracts.MethodFundEscrow,
		jobID:  jobID,
		to:     c.address,
		data:   data,
		value:  value,
	}, nil
}

// BuildRelease encodes releaseFundsToOperator(jobId) with no value. Every
// uint64 job id fits the uint256 argument.
func (c *Client) BuildRelease(jobID uint64) (Intent, error) {
	data, err := jobEscrowABI.Pack(contracts.MethodReleaseFunds, new(big.Int).SetUint64(jobID))
	if err != nil {
		return Intent{}, fmt.Errorf("pack %s: %w", contracts.MethodReleaseFunds, err)
	}
	return Intent{
		method: contracts.MethodReleaseFunds,
		jobID:  jobID,
		to:     c.address,
		data:   data,
		value:  new(big.Int),
	}, nil
}

// ParseAddress accepts a 20-byte hex account address with or without 0x.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
