package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event is a JobEscrow log decoded from a receipt.
type Event struct {
	Name     string
	JobID    *big.Int
	Provider common.Address
	Amount   *big.Int
}

// DecodeEvents returns the JobEscrow events emitted by contract. Logs from
// other addresses, unknown topics and malformed payloads are skipped.
func DecodeEvents(contract common.Address, logs []*types.Log) []Event {
	var events []Event
	for _, l := range logs {
		if l == nil || l.Address != contract || len(l.Topics) != 3 {
			continue
		}
		ev, err := jobEscrowABI.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		values, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			continue
		}
		events = append(events, Event{
			Name:     ev.Name,
			JobID:    l.Topics[1].Big(),
			Provider: common.BytesToAddress(l.Topics[2].Bytes()),
			Amount:   amount,
		})
	}
	return events
}
