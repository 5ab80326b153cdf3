package contracts

// JobEscrowABI is the subset of the JobEscrow interface the service calls
// and the events it reads back from receipts.
const JobEscrowABI = `[
  {
    "type": "function",
    "name": "fundEscrow",
    "stateMutability": "payable",
    "inputs": [
      {"name": "jobId", "type": "uint256"},
      {"name": "provider", "type": "address"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "releaseFundsToOperator",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "jobId", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "EscrowFunded",
    "anonymous": false,
    "inputs": [
      {"name": "jobId", "type": "uint256", "indexed": true},
      {"name": "provider", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "FundsReleased",
    "anonymous": false,
    "inputs": [
      {"name": "jobId", "type": "uint256", "indexed": true},
      {"name": "provider", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  }
]`

const (
	MethodFundEscrow   = "fundEscrow"
	MethodReleaseFunds = "releaseFundsToOperator"

	EventEscrowFunded  = "EscrowFunded"
	EventFundsReleased = "FundsReleased"
)
