package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	qf "github.com/ineyio/questforge"
)

// maxBodyBytes bounds a generation request body.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type generator interface {
	Generate(ctx context.Context, req qf.GenerationRequest) (qf.Outcome, error)
}

type accounts interface {
	Account(ctx context.Context, userID string) (qf.CreditAccount, error)
}

func newHandler(g generator, acct accounts, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var req qf.GenerationRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request"})
			return
		}
		// API callers always pay the schema price.
		req.Credits = 0

		out, err := g.Generate(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Warn("generate failed", "request_id", req.RequestID, "error", err)
			}
			writeJSON(w, status, errorBody{Error: qf.UserMessage(err), RequestID: req.RequestID})
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /v1/accounts/{user}", func(w http.ResponseWriter, r *http.Request) {
		a, err := acct.Account(r.Context(), r.PathValue("user"))
		if err != nil {
			logger.Warn("account lookup failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "account unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":      a.UserID,
			"allotment":    a.Allotment,
			"consumed":     a.Consumed,
			"available":    a.Available(),
			"period_start": a.PeriodStart,
		})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, qf.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, qf.ErrInvalidRequest), errors.Is(err, qf.ErrUnknownSchema):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
