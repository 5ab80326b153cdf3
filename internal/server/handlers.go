package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"jobescrow/internal/idempotency"
	"jobescrow/internal/operation"
)

const idempotencyHeader = "X-Idempotency-Key"

type fundRequest struct {
	JobID           *uint64 `json:"job_id"`
	ProviderAddress string  `json:"provider_address"`
	AmountInMatic   string  `json:"amount_in_matic"`
	Amount          string  `json:"amount"`
}

type releaseRequest struct {
	JobID *uint64 `json:"job_id"`
}

type successResponse struct {
	TransactionHash string `json:"transactionHash"`
	OperationID     string `json:"operationId"`
	Attempts        int    `json:"attempts"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if req.JobID == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id is required")
		return
	}
	amount := req.AmountInMatic
	if amount == "" {
		amount = req.Amount
	}

	s.execute(w, r, operation.Fund{
		JobID:           *req.JobID,
		ProviderAddress: strings.TrimSpace(req.ProviderAddress),
		Amount:          strings.TrimSpace(amount),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if req.JobID == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id is required")
		return
	}

	s.execute(w, r, operation.Release{JobID: *req.JobID})
}

// execute runs op under the request's idempotency key. The key is reserved
// before anything is submitted and released again if the operation fails.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, op operation.Operation) {
	ctx := r.Context()
	clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	key := idempotency.Key(string(op.Kind()), clientKey)
	fingerprint := operation.Fingerprint(op)

	if clientKey != "" {
		existing, err := s.store.Reserve(ctx, key, idempotency.Reservation(fingerprint, s.reservationLease()))
		if err != nil {
			s.logger.Error("idempotency reservation failed", "key", key, "error", err)
			writeError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable")
			return
		}
		if existing != nil {
			s.conflict(w, op, key, fingerprint, existing)
			return
		}
	}

	res := s.ops.Handle(ctx, op)
	if !res.Succeeded() {
		if clientKey != "" {
			if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
				s.logger.Error("idempotency release failed", "key", key, "operation_id", res.OperationID, "error", err)
			}
		}
		writeFailure(w, res)
		return
	}

	body, err := json.Marshal(successResponse{
		TransactionHash: res.TxHash,
		OperationID:     res.OperationID,
		Attempts:        res.Attempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	if clientKey != "" {
		now := time.Now()
		record := idempotency.Record{
			StatusCode:  http.StatusOK,
			Response:    body,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		// The transaction is already confirmed; if this fails the reservation
		// still blocks duplicates until its lease runs out.
		if err := s.store.Save(context.WithoutCancel(ctx), key, record); err != nil {
			s.logger.Error("idempotency save failed", "key", key, "operation_id", res.OperationID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// conflict answers a request whose key is already held by existing.
func (s *Server) conflict(w http.ResponseWriter, op operation.Operation, key, fingerprint string, existing *idempotency.Record) {
	switch {
	case existing.Fingerprint != fingerprint:
		s.logger.Warn("idempotency key reused with a different payload", "key", key, "job_id", op.Job())
		writeError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED",
			"idempotency key was already used for a different request")
	case existing.Pending():
		writeError(w, http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT",
			"a request with this idempotency key is still in progress")
	default:
		s.metrics.incReplay(op.Kind())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
	}
}

// reservationLease bounds how long an in-flight key blocks duplicates when
// the process dies before completing it.
func (s *Server) reservationLease() time.Duration {
	attempts := max(s.cfg.Retry.ReleaseMaxAttempts, 1)
	return time.Duration(attempts)*(s.cfg.Chain.ReceiptTimeout+s.cfg.Retry.ReleaseBackoff) + time.Minute
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	type component struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}
	check := func(fn func(context.Context) error) component {
		if fn == nil {
			return component{Connected: true}
		}
		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := fn(pctx); err != nil {
			healthy = false
			return component{Error: err.Error()}
		}
		return component{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
	}

	rpc := check(s.rpcHealthFn)
	store := check(s.store.Ping)

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"rpc":      rpc,
		"store":    store,
		"chain_id": s.cfg.Chain.ChainID,
		"dry_run":  s.cfg.Chain.DryRun,
	})
}

func failureStatus(reason string) int {
	switch {
	case operation.IsValidationReason(reason):
		return http.StatusBadRequest
	case operation.IsSignerReason(reason), reason == operation.ReasonInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeFailure(w http.ResponseWriter, res operation.Result) {
	writeJSON(w, failureStatus(res.Reason), map[string]any{
		"error": map[string]any{
			"code":    res.Reason,
			"message": res.Message(),
		},
		"operationId": res.OperationID,
		"attempts":    res.Attempts,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
