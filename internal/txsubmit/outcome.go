package txsubmit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSubmissionFailed = errors.New("submission failed")
	ErrDropped          = errors.New("transaction dropped")
)

// Kind is the variant of a single submission attempt.
type Kind int

const (
	Confirmed Kind = iota
	Dropped
	SubmissionFailed
)

func (k Kind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Dropped:
		return "dropped"
	case SubmissionFailed:
		return "submission_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Class tells a retry policy whether repeating the attempt can help.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Outcome is the result of exactly one broadcast-and-wait attempt.
type Outcome struct {
	Kind   Kind
	TxHash string
	Reason string
	Class  Class
	// ReceiptStatus is informational; a receipt counts as Confirmed
	// whatever its status.
	ReceiptStatus uint64
}

func ConfirmedOutcome(txHash string, status uint64) Outcome {
	return Outcome{Kind: Confirmed, TxHash: txHash, ReceiptStatus: status}
}

func DroppedOutcome(txHash, reason string) Outcome {
	return Outcome{Kind: Dropped, TxHash: txHash, Reason: reason, Class: Transient}
}

func FailedOutcome(reason string, class Class) Outcome {
	return Outcome{Kind: SubmissionFailed, Reason: reason, Class: class}
}

// Err returns nil for Confirmed and a wrapped sentinel otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case Confirmed:
		return nil
	case Dropped:
		if o.Reason == "" {
			return ErrDropped
		}
		return fmt.Errorf("%w: %s", ErrDropped, o.Reason)
	default:
		return fmt.Errorf("%w: %s", ErrSubmissionFailed, o.Reason)
	}
}

var permanentMarkers = []string{
	"insufficient funds",
	"execution reverted",
	"invalid sender",
	"invalid signature",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"no contract code",
}

// Classify maps an endpoint rejection to Permanent or Transient. Unknown
// errors are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return Permanent
		}
	}
	return Transient
}
