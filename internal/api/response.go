package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"recalld/internal/memory"
)

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RetryAfter int64 `json:"retry_after,omitempty"`
	ResetEpoch int64 `json:"reset_epoch,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Rate limit errors
// additionally carry Retry-After and reset hints.
func (s *Server) writeError(w http.ResponseWriter, err error) int {
	status := http.StatusInternalServerError
	kind := "server_error"

	switch {
	case errors.Is(err, memory.ErrValidation):
		status, kind = http.StatusBadRequest, "validation_error"
	case errors.Is(err, memory.ErrAuth):
		status, kind = http.StatusUnauthorized, "auth_error"
	case errors.Is(err, memory.ErrRateLimit):
		status, kind = http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, memory.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, memory.ErrIdempotencyConflict):
		status, kind = http.StatusConflict, "idempotency_conflict"
	}

	var body errorBody
	body.Error.Type = kind
	body.Error.Message = err.Error()

	var rle *memory.RateLimitError
	if errors.As(err, &rle) {
		body.RetryAfter = rle.RetryAfter
		body.ResetEpoch = rle.ResetEpoch
		w.Header().Set("Retry-After", strconv.FormatInt(rle.RetryAfter, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetEpoch, 10))
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		body.Error.Message = "internal server error"
	}

	writeJSON(w, status, body)
	return status
}
