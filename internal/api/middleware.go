package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"recalld/internal/auth"
	"recalld/internal/memory"
)

type ctxKey int

const principalKey ctxKey = iota

// principal returns the authenticated caller stored by the auth middleware.
func principal(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

// authenticate resolves the bearer token and stores the principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, memory.ErrAuth)
			return
		}
		p, err := s.verifier.Authenticate(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// rateLimit enforces the per-minute window and attaches the rate limit
// headers to every authenticated response.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		account := memory.NormalizeAccountKey(p.AccountKey)

		if err := s.quota.AllowRequest(account); err != nil {
			s.setRateHeaders(w, account)
			s.writeError(w, err)
			return
		}
		s.setRateHeaders(w, account)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setRateHeaders(w http.ResponseWriter, account string) {
	limit := s.cfg.Quota.RequestsPerMinute
	if limit <= 0 {
		return
	}
	reset := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.quota.Remaining(account)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// idempotencyKey extracts and validates the Idempotency-Key header.
func (s *Server) idempotencyKey(r *http.Request) (string, error) {
	key := r.Header.Get("Idempotency-Key")
	if len(key) > s.cfg.Server.MaxIdempotencyKey {
		return "", memory.Validationf("idempotency key exceeds %d chars", s.cfg.Server.MaxIdempotencyKey)
	}
	return key, nil
}
