package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the RPC endpoint surface needed to broadcast and confirm
// escrow transactions. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractTransactor
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Intent is an unsent, fully specified call against the escrow contract.
// It is never mutated after construction; accessors hand out copies.
type Intent struct {
	method string
	jobID  uint64
	to     common.Address
	data   []byte
	value  *big.Int
}

func (i Intent) Method() string { return i.method }
func (i Intent) JobID() uint64 { return i.jobID }
func (i Intent) To() common.Address { return i.to }

func (i Intent) Data() []byte {
	return common.CopyBytes(i.data)
}

// Value is the native amount attached to the call, in base units.
func (i Intent) Value() *big.Int {
	if i.value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(i.value)
}

func (i Intent) Clone() Intent {
	return Intent{
		method: i.method,
		jobID:  i.jobID,
		to:     i.to,
		data:   i.Data(),
		value:  i.Value(),
	}
}
