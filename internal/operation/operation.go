// Package operation is the entry point for escrow commands. It composes the
// signer provider, contract client, submitter and retry policy, and always
// returns a terminal Result.
package operation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"jobescrow/internal/escrow"
	"jobescrow/internal/retry"
	"jobescrow/internal/signer"
	"jobescrow/internal/txsubmit"
)

type Kind string

const (
	KindFund    Kind = "fund"
	KindRelease Kind = "release"
)

// Operation is either Fund or Release.
type Operation interface {
	Kind() Kind
	Job() uint64
}

type Fund struct {
	JobID           uint64
	ProviderAddress string
	// Amount is in display denomination, e.g. "1.5".
	Amount string
}

func (Fund) Kind() Kind    { return KindFund }
func (f Fund) Job() uint64 { return f.JobID }

type Release struct {
	JobID uint64
}

func (Release) Kind() Kind    { return KindRelease }
func (r Release) Job() uint64 { return r.JobID }

// Fingerprint identifies the on-chain effect of op. Spellings of the same
// address or amount ("1.5" and "1.50") share a fingerprint.
func Fingerprint(op Operation) string {
	canonical := fmt.Sprintf("%s|%d", op.Kind(), op.Job())
	if f, ok := op.(Fund); ok {
		provider := strings.ToLower(strings.TrimSpace(f.ProviderAddress))
		if addr, err := escrow.ParseAddress(f.ProviderAddress); err == nil {
			provider = strings.ToLower(addr.Hex())
		}
		amount := strings.TrimSpace(f.Amount)
		if v, err := escrow.ParseAmount(f.Amount, escrow.NativeDecimals); err == nil {
			amount = v.String()
		}
		canonical += "|" + provider + "|" + amount
	}
	return crypto.Keccak256Hash([]byte(canonical)).Hex()
}

// State is a step of the per-operation lifecycle.
type State string

const (
	StateCreated          State = "created"
	StateValidating       State = "validating"
	StateRejected         State = "rejected"
	StateSubmitting       State = "submitting"
	StateAwaiting         State = "awaiting"
	StateConfirmed        State = "confirmed"
	StateDropped          State = "dropped"
	StateSubmissionFailed State = "submission_failed"
	StateSuccess          State = "success"
	StateFailure          State = "failure"
)

// Failure reasons surfaced to callers.
const (
	ReasonInvalidAddress   = "InvalidAddress"
	ReasonInvalidAmount    = "InvalidAmount"
	ReasonKeyUnavailable   = "KeyUnavailable"
	ReasonKeyMalformed     = "KeyMalformed"
	ReasonSubmissionFailed = "SubmissionFailed"
	ReasonDropped          = "Dropped"
	ReasonExhausted        = "exhausted retries"
	ReasonInternal         = "Internal"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the orchestrator's terminal answer: Success carries TxHash,
// Failure carries Reason and Attempts.
type Result struct {
	OperationID string
	Kind        Kind
	Status      Status
	TxHash      string
	Reason      string
	Attempts    int
	Err         error
	Elapsed     time.Duration
}

func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

func (r Result) Message() string {
	if r.Err == nil {
		return r.Reason
	}
	return r.Err.Error()
}

// ReasonFor maps an error chain onto a caller-facing reason.
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, escrow.ErrInvalidAddress):
		return ReasonInvalidAddress
	case errors.Is(err, escrow.ErrInvalidAmount):
		return ReasonInvalidAmount
	case errors.Is(err, signer.ErrKeyUnavailable):
		return ReasonKeyUnavailable
	case errors.Is(err, signer.ErrKeyMalformed):
		return ReasonKeyMalformed
	case errors.Is(err, retry.ErrRetriesExhausted):
		return ReasonExhausted
	case errors.Is(err, txsubmit.ErrDropped):
		return ReasonDropped
	case errors.Is(err, txsubmit.ErrSubmissionFailed):
		return ReasonSubmissionFailed
	default:
		return ReasonInternal
	}
}

// IsValidationReason reports whether reason comes from local input checks.
func IsValidationReason(reason string) bool {
	return reason == ReasonInvalidAddress || reason == ReasonInvalidAmount
}

// IsSignerReason reports whether reason comes from signer resolution.
func IsSignerReason(reason string) bool {
	return reason == ReasonKeyUnavailable || reason == ReasonKeyMalformed
}

func stateFor(k txsubmit.Kind) State {
	switch k {
	case txsubmit.Confirmed:
		return StateConfirmed
	case txsubmit.Dropped:
		return StateDropped
	case txsubmit.SubmissionFailed:
		return StateSubmissionFailed
	default:
		panic(fmt.Sprintf("unknown outcome kind %d", int(k)))
	}
}
