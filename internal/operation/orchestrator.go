package operation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"jobescrow/internal/escrow"
	"jobescrow/internal/retry"
	"jobescrow/internal/signer"
	"jobescrow/internal/txsubmit"
)

// Recorder receives attempt and result observations. Implementations must
// be safe for concurrent use.
type Recorder interface {
	ObserveAttempt(kind Kind, out txsubmit.Outcome)
	ObserveResult(res Result)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(Kind, txsubmit.Outcome) {}
func (nopRecorder) ObserveResult(Result) {}

type Config struct {
	ChainID  int64
	Contract common.Address
	Signers  signer.Provider
	Endpoint escrow.Backend

	// NewSubmitter builds the per-operation submitter. Defaults to an
	// EthSubmitter over the client's signer and endpoint.
	NewSubmitter  func(*escrow.Client) txsubmit.Submitter
	SubmitOptions txsubmit.Options

	FundPolicy    retry.Policy
	ReleasePolicy retry.Policy
	Sleep         retry.SleepFunc

	Logger  *slog.Logger
	Metrics Recorder
}

type Orchestrator struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Signers == nil {
		return nil, fmt.Errorf("signer provider is required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("escrow contract address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewSubmitter == nil {
		if cfg.Endpoint == nil {
			return nil, fmt.Errorf("rpc endpoint is required")
		}
		opts := cfg.SubmitOptions
		if opts.Logger == nil {
			opts.Logger = cfg.Logger
		}
		cfg.NewSubmitter = func(c *escrow.Client) txsubmit.Submitter {
			return txsubmit.ForClient(c, opts)
		}
	}
	if cfg.FundPolicy.MaxAttempts == 0 {
		cfg.FundPolicy = retry.SingleAttempt()
	}
	if cfg.ReleasePolicy.MaxAttempts == 0 {
		cfg.ReleasePolicy = retry.DefaultRelease()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.TimerSleep
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger}, nil
}

// Handle runs one operation to a terminal result. Cancellation of ctx is not
// propagated once the operation has started.
func (o *Orchestrator) Handle(ctx context.Context, op Operation) (res Result) {
	start := time.Now()
	res = Result{OperationID: uuid.NewString(), Kind: op.Kind()}
	log := o.log.With(
		"operation_id", res.OperationID,
		"operation", string(op.Kind()),
		"job_id", op.Job(),
	)
	st := stateLog{log: log}
	st.enter(StateCreated)

	defer func() {
		res.Elapsed = time.Since(start)
		if res.Succeeded() {
			st.enter(StateSuccess)
			log.Info("operation succeeded", "tx_hash", res.TxHash, "attempts", res.Attempts, "elapsed", res.Elapsed)
		} else {
			st.enter(StateFailure)
			log.Error("operation failed", "reason", res.Reason, "attempts", res.Attempts, "error", res.Err)
		}
		o.cfg.Metrics.ObserveResult(res)
	}()

	ctx = context.WithoutCancel(ctx)

	st.enter(StateValidating)
	if err := validate(op); err != nil {
		st.enter(StateRejected)
		return failed(res, err, 0)
	}

	sig, err := o.cfg.Signers.Resolve(ctx, o.cfg.ChainID)
	if err != nil {
		return failed(res, err, 0)
	}

	client := escrow.NewClient(o.cfg.Contract, sig, o.cfg.Endpoint)
	policy, next, err := o.plan(client, op)
	if err != nil {
		st.enter(StateRejected)
		return failed(res, err, 0)
	}

	exec := &retry.Executor{
		Submitter: &tracedSubmitter{next: o.cfg.NewSubmitter(client), st: &st},
		Sleep:     o.cfg.Sleep,
		Logger:    log,
		OnAttempt: func(_ int, out txsubmit.Outcome) {
			st.enter(stateFor(out.Kind))
			o.cfg.Metrics.ObserveAttempt(op.Kind(), out)
		},
	}

	r := exec.Execute(ctx, policy, next)
	if !r.Succeeded() {
		return failed(res, r.Err, r.Attempts)
	}
	res.Status = StatusSuccess
	res.TxHash = r.TxHash
	res.Attempts = r.Attempts
	return res
}

// plan picks the policy and the intent factory for op. Fund submits one
// intent built up front; Release re-derives a fresh intent per attempt.
func (o *Orchestrator) plan(client *escrow.Client, op Operation) (retry.Policy, retry.IntentFactory, error) {
	switch v := op.(type) {
	case Fund:
		intent, err := client.BuildFund(v.JobID, v.ProviderAddress, v.Amount)
		if err != nil {
			return retry.Policy{}, nil, err
		}
		return o.cfg.FundPolicy, func() (escrow.Intent, error) { return intent.Clone(), nil }, nil
	case Release:
		if _, err := client.BuildRelease(v.JobID); err != nil {
			return retry.Policy{}, nil, err
		}
		return o.cfg.ReleasePolicy, func() (escrow.Intent, error) { return client.BuildRelease(v.JobID) }, nil
	default:
		return retry.Policy{}, nil, fmt.Errorf("unsupported operation %T", op)
	}
}

func validate(op Operation) error {
	switch v := op.(type) {
	case Fund:
		if _, err := escrow.ParseAddress(v.ProviderAddress); err != nil {
			return err
		}
		if _, err := escrow.ParseAmount(v.Amount, escrow.NativeDecimals); err != nil {
			return err
		}
	case Release:
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
	return nil
}

func failed(res Result, err error, attempts int) Result {
	res.Status = StatusFailure
	res.Reason = ReasonFor(err)
	res.Attempts = attempts
	res.Err = err
	return res
}

type stateLog struct {
	log   *slog.Logger
	state State
}

func (s *stateLog) enter(next State) {
	s.log.Debug("operation state", "from", string(s.state), "to", string(next))
	s.state = next
}

type tracedSubmitter struct {
	next txsubmit.Submitter
	st   *stateLog
}

func (t *tracedSubmitter) Submit(ctx context.Context, intent escrow.Intent) txsubmit.Outcome {
	t.st.enter(StateSubmitting)
	return t.next.Submit(ctx, intent)
}
