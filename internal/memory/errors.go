package memory

import (
	"errors"
	"fmt"
)

// Stable error categories. Handlers map these onto HTTP status codes and
// clients rely on the meanings staying fixed, so new failure modes should
// wrap one of these rather than invent a new category.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuth                = errors.New("auth error")
	ErrRateLimit           = errors.New("rate limit exceeded")
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrStorageContention   = errors.New("storage contention")
	ErrServer              = errors.New("server error")
)

// EncodingError reports a failure to encode an event into embeddings.
type EncodingError struct {
	EventID string
	Reason  string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding event %s: %s", e.EventID, e.Reason)
}

func (e *EncodingError) Unwrap() error { return ErrValidation }

// RateLimitError carries the retry hint surfaced on 429 responses.
type RateLimitError struct {
	Scope      string // which budget tripped: events_daily, queries_monthly, per_minute...
	RetryAfter int64  // seconds until the budget resets
	ResetEpoch int64  // unix seconds of the reset boundary
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
