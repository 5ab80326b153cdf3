package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobescrow/internal/config"
	"jobescrow/internal/escrow"
	"jobescrow/internal/hmacauth"
	"jobescrow/internal/idempotency"
	"jobescrow/internal/operation"
	"jobescrow/internal/signer"
	"jobescrow/internal/txsubmit"
)

const (
	testChainID  = 80001
	testProvider = "0xAbCd000000000000000000000000000000001234"
)

type scriptedSubmitter struct {
	mu       sync.Mutex
	outcomes []txsubmit.Outcome
	calls    int
}

func (s *scriptedSubmitter) Submit(context.Context, escrow.Intent) txsubmit.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outcomes[len(s.outcomes)-1]
	if s.calls < len(s.outcomes) {
		out = s.outcomes[s.calls]
	}
	s.calls++
	return out
}

type testEnv struct {
	srv   *Server
	sub   *scriptedSubmitter
	store *idempotency.MemoryStore
}

type envOption func(*config.AppConfig, *operation.Config, *Deps)

func newTestEnv(t *testing.T, outcomes []txsubmit.Outcome, opts ...envOption) *testEnv {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Chain: config.ChainConfig{ChainID: testChainID},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := NewMetrics()
	env := &testEnv{
		sub:   &scriptedSubmitter{outcomes: outcomes},
		store: idempotency.NewMemoryStore(),
	}
	opCfg := operation.Config{
		ChainID:      testChainID,
		Contract:     common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Signers:      signer.NewKeyProvider(testChainID, common.Bytes2Hex(crypto.FromECDSA(pk))),
		NewSubmitter: func(*escrow.Client) txsubmit.Submitter { return env.sub },
		Sleep:        func(context.Context, time.Duration) error { return nil },
		Logger:       logger,
		Metrics:      metrics,
	}
	deps := Deps{Store: env.store, Metrics: metrics, Logger: logger}
	for _, opt := range opts {
		opt(cfg, &opCfg, &deps)
	}

	orch, err := operation.New(opCfg)
	require.NoError(t, err)
	deps.Operations = orch
	env.srv = NewServer(cfg, deps)
	return env
}

func (e *testEnv) post(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return errObj["code"].(string)
}

func TestFundEscrow_Success(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xdead", 1)})

	rec := env.post(t, "/fund-escrow", `{"job_id":42,"provider_address":"`+testProvider+`","amount_in_matic":"1.5"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "0xdead", body["transactionHash"])
	assert.Equal(t, float64(1), body["attempts"])
	assert.NotEmpty(t, body["operationId"])
}

func TestFundEscrow_AcceptsAmountField(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xdead", 1)})

	rec := env.post(t, "/fund-escrow", `{"job_id":1,"provider_address":"`+testProvider+`","amount":"2"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFundEscrow_ValidationErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		code string
	}{
		"bad address": {`{"job_id":1,"provider_address":"not-an-address","amount_in_matic":"1"}`, operation.ReasonInvalidAddress},
		"bad amount":  {`{"job_id":1,"provider_address":"` + testProvider + `","amount_in_matic":"-1"}`, operation.ReasonInvalidAmount},
		"no job":      {`{"provider_address":"` + testProvider + `","amount_in_matic":"1"}`, "INVALID_REQUEST"},
		"bad json":    {`{"job_id":`, "INVALID_REQUEST"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xdead", 1)})

			rec := env.post(t, "/fund-escrow", tc.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, rec))
			assert.Zero(t, env.sub.calls)
		})
	}
}

func TestReleaseFunds_RetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{
		txsubmit.DroppedOutcome("0x01", "receipt timeout"),
		txsubmit.DroppedOutcome("0x02", "receipt timeout"),
		txsubmit.ConfirmedOutcome("0xbeef", 1),
	})

	rec := env.post(t, "/release-funds", `{"job_id":7}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "0xbeef", body["transactionHash"])
	assert.Equal(t, float64(3), body["attempts"])
}

func TestReleaseFunds_Exhausted(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.FailedOutcome("nonce too low", txsubmit.Transient)})

	rec := env.post(t, "/release-funds", `{"job_id":7}`, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["attempts"])
	assert.Equal(t, operation.ReasonExhausted, body["error"].(map[string]any)["code"])
}

func TestSignerFailureIs500(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xbeef", 1)},
		func(_ *config.AppConfig, op *operation.Config, _ *Deps) {
			op.Signers = signer.NewKeyProvider(testChainID, "")
		})

	rec := env.post(t, "/release-funds", `{"job_id":7}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, operation.ReasonKeyUnavailable, errorCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "0x")
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{
		txsubmit.ConfirmedOutcome("0xbeef", 1),
		txsubmit.ConfirmedOutcome("0xcafe", 1),
	})
	headers := map[string]string{idempotencyHeader: "job-7"}

	first := env.post(t, "/release-funds", `{"job_id":7}`, headers)
	second := env.post(t, "/release-funds", `{"job_id":7}`, headers)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.True(t, bytes.Equal(first.Body.Bytes(), second.Body.Bytes()))
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, env.sub.calls)

	// Same key on another command is a different request.
	third := env.post(t, "/fund-escrow", `{"job_id":7,"provider_address":"`+testProvider+`","amount":"1"}`, headers)
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, "0xcafe", decode(t, third)["transactionHash"])
	assert.Equal(t, 2, env.sub.calls)
}

func TestFailuresAreNotReplayed(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{
		txsubmit.DroppedOutcome("0x01", "receipt timeout"),
		txsubmit.ConfirmedOutcome("0xdead", 1),
	})
	headers := map[string]string{idempotencyHeader: "fund-1"}
	body := `{"job_id":1,"provider_address":"` + testProvider + `","amount":"1"}`

	first := env.post(t, "/fund-escrow", body, headers)
	second := env.post(t, "/fund-escrow", body, headers)

	assert.Equal(t, http.StatusBadGateway, first.Code)
	assert.Equal(t, operation.ReasonDropped, errorCode(t, first))
	assert.Equal(t, http.StatusOK, second.Code)
}

// gatedOperations holds every Handle call until release is closed.
type gatedOperations struct {
	next    Operations
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedOperations) Handle(ctx context.Context, op operation.Operation) operation.Result {
	g.calls.Add(1)
	select {
	case g.started <- struct{}{}:
	default:
	}
	<-g.release
	return g.next.Handle(ctx, op)
}

func gate(env *testEnv) *gatedOperations {
	g := &gatedOperations{next: env.srv.ops, started: make(chan struct{}, 1), release: make(chan struct{})}
	env.srv.ops = g
	return g
}

func TestIdempotencyKeyInFlightIsRejected(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xdead", 1)})
	ops := gate(env)
	headers := map[string]string{idempotencyHeader: "fund-1"}
	body := `{"job_id":1,"provider_address":"` + testProvider + `","amount":"1"}`

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- env.post(t, "/fund-escrow", body, headers) }()
	<-ops.started

	dup := env.post(t, "/fund-escrow", body, headers)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "IDEMPOTENCY_IN_FLIGHT", errorCode(t, dup))

	close(ops.release)
	first := <-firstDone
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	replay := env.post(t, "/fund-escrow", body, headers)
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))

	assert.Equal(t, int32(1), ops.calls.Load())
	assert.Equal(t, 1, env.sub.calls)
}

func TestConcurrentSameKeyFundsOnce(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xdead", 1)})
	ops := gate(env)
	headers := map[string]string{idempotencyHeader: "fund-burst"}
	body := `{"job_id":3,"provider_address":"` + testProvider + `","amount":"2"}`

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.post(t, "/fund-escrow", body, headers)
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	<-ops.started
	time.Sleep(200 * time.Millisecond)
	close(ops.release)
	wg.Wait()

	assert.Equal(t, int32(1), ops.calls.Load())
	assert.Equal(t, 1, env.sub.calls)
	assert.Equal(t, 6, codes[http.StatusOK]+codes[http.StatusConflict], "%v", codes)
	assert.GreaterOrEqual(t, codes[http.StatusOK], 1)
}

func TestIdempotencyKeyReusedForDifferentPayload(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{
		txsubmit.ConfirmedOutcome("0xdead", 1),
		txsubmit.ConfirmedOutcome("0xcafe", 1),
	})
	headers := map[string]string{idempotencyHeader: "k1"}

	first := env.post(t, "/fund-escrow", `{"job_id":1,"provider_address":"`+testProvider+`","amount":"1"}`, headers)
	require.Equal(t, http.StatusOK, first.Code)

	for name, body := range map[string]string{
		"other job":    `{"job_id":2,"provider_address":"` + testProvider + `","amount":"9"}`,
		"other amount": `{"job_id":1,"provider_address":"` + testProvider + `","amount":"9"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.post(t, "/fund-escrow", body, headers)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", errorCode(t, rec))
			assert.NotContains(t, rec.Body.String(), "0xdead")
		})
	}

	// An equivalent spelling of the first request still replays.
	same := env.post(t, "/fund-escrow", `{"job_id":1,"provider_address":"`+strings.ToLower(testProvider)+`","amount":"1.0"}`, headers)
	require.Equal(t, http.StatusOK, same.Code)
	assert.Equal(t, "0xdead", decode(t, same)["transactionHash"])
	assert.Equal(t, 1, env.sub.calls)
}

type unavailableStore struct{ *idempotency.MemoryStore }

func (unavailableStore) Reserve(context.Context, string, idempotency.Record) (*idempotency.Record, error) {
	return nil, errors.New("connection refused")
}

func TestIdempotencyStoreOutageDoesNotSubmit(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xdead", 1)},
		func(_ *config.AppConfig, _ *operation.Config, d *Deps) {
			d.Store = unavailableStore{idempotency.NewMemoryStore()}
		})

	rec := env.post(t, "/fund-escrow", `{"job_id":1,"provider_address":"`+testProvider+`","amount":"1"}`,
		map[string]string{idempotencyHeader: "fund-1"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_UNAVAILABLE", errorCode(t, rec))
	assert.Zero(t, env.sub.calls)
}

func TestHMACRequiredWhenConfigured(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xbeef", 1)},
		func(cfg *config.AppConfig, _ *operation.Config, _ *Deps) {
			cfg.Service.HMACSecret = "secret"
		})
	body := `{"job_id":7}`

	unsigned := env.post(t, "/release-funds", body, nil)
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	signed := env.post(t, "/release-funds", body, map[string]string{
		hmacauth.DefaultTimestampHeader: ts,
		hmacauth.DefaultSignatureHeader: hmacauth.Sign("secret", ts, http.MethodPost, "/release-funds", []byte(body)),
	})
	assert.Equal(t, http.StatusOK, signed.Code, signed.Body.String())
	assert.Equal(t, 1, env.sub.calls)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xbeef", 1)},
		func(cfg *config.AppConfig, _ *operation.Config, _ *Deps) {
			cfg.Service.RateLimitRPS = 0.001
			cfg.Service.RateLimitBurst = 1
		})

	first := env.post(t, "/release-funds", `{"job_id":7}`, nil)
	second := env.post(t, "/release-funds", `{"job_id":7}`, nil)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, second))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xbeef", 1)})

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	env = newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xbeef", 1)},
		func(_ *config.AppConfig, _ *operation.Config, d *Deps) {
			d.RPCHealth = func(context.Context) error { return errors.New("dial tcp: connection refused") }
		})
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestMetricsExposeOperations(t *testing.T) {
	env := newTestEnv(t, []txsubmit.Outcome{txsubmit.ConfirmedOutcome("0xbeef", 1)})
	env.post(t, "/release-funds", `{"job_id":7}`, nil)

	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobescrow_operations_total{operation="release",reason="",status="success"} 1`)
	assert.Contains(t, rec.Body.String(), `jobescrow_submission_attempts_total{operation="release",outcome="confirmed"} 1`)
	assert.Contains(t, rec.Body.String(), `jobescrow_http_requests_total{method="POST",route="/release-funds",status="2xx"} 1`)
}
