package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"recalld/internal/engine"
	"recalld/internal/memory"
	"recalld/internal/quota"
)

const maxBodyBytes = 1 << 20

type ingestRequest struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context"`
}

func (req *ingestRequest) toEvent() memory.RawEvent {
	ev := memory.RawEvent{
		EventID:   req.EventID,
		Timestamp: req.Timestamp,
		Content:   req.Content,
		Context:   req.Context,
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}

type ingestResponse struct {
	*engine.IngestResult
	LatencyMS float64 `json:"latency_ms"`
}

// idempotentWrite runs the quota/idempotency envelope around one mutating
// handler: replays return the stored response, fresh requests debit and
// reserve atomically, and a handler failure releases the reservation so the
// client can retry with the same key.
func (s *Server) idempotentWrite(w http.ResponseWriter, r *http.Request, op string, kind quota.Kind, units, okStatus int, body []byte, fn func() (any, error)) {
	p := principal(r)
	account := memory.NormalizeAccountKey(p.AccountKey)

	key, err := s.idempotencyKey(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	replay, err := s.quota.DebitWithReservation(r.Context(), account, op, kind, units, key, quota.HashRequest(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if replay != nil {
		w.Header().Set("X-Idempotency-Replayed", "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(replay.StatusCode)
		w.Write(replay.Body)
		return
	}

	payload, err := fn()
	if err != nil {
		if rerr := s.quota.ReleaseReservation(r.Context(), account, op, key); rerr != nil {
			s.logger.Warn("failed to release reservation", zap.Error(rerr))
		}
		s.writeError(w, err)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: response encoding failed: %v", memory.ErrServer, err))
		return
	}
	if err := s.quota.StoreResponse(r.Context(), account, op, key, okStatus, data); err != nil {
		s.logger.Warn("failed to store idempotent response", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(okStatus)
	w.Write(data)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, memory.Validationf("request body unreadable: %v", err))
		return nil, false
	}
	return body, true
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, memory.Validationf("malformed json: %v", err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, memory.Validationf("content must not be empty"))
		return
	}

	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	s.idempotentWrite(w, r, "ingest", quota.KindEvent, 1, http.StatusCreated, body, func() (any, error) {
		start := time.Now()
		res, err := s.engine.Ingest(r.Context(), account, req.toEvent())
		if err != nil {
			return nil, err
		}
		if res.Stored {
			s.metrics.events.Inc()
		}
		s.metrics.inferred.Add(float64(res.Inferred))
		return ingestResponse{IngestResult: res, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}, nil
	})
}

type batchIngestRequest struct {
	Events []ingestRequest `json:"events"`
}

type batchItem struct {
	*engine.IngestResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req batchIngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, memory.Validationf("malformed json: %v", err))
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, memory.Validationf("batch must not be empty"))
		return
	}
	if len(req.Events) > s.cfg.Server.MaxBatchItems {
		s.writeError(w, memory.Validationf("batch exceeds %d items", s.cfg.Server.MaxBatchItems))
		return
	}

	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	s.idempotentWrite(w, r, "ingest_batch", quota.KindEvent, len(req.Events), http.StatusCreated, body, func() (any, error) {
		start := time.Now()
		items := make([]batchItem, len(req.Events))
		for i, ev := range req.Events {
			res, err := s.engine.Ingest(r.Context(), account, ev.toEvent())
			if err != nil {
				items[i] = batchItem{Error: err.Error()}
				continue
			}
			if res.Stored {
				s.metrics.events.Inc()
			}
			s.metrics.inferred.Add(float64(res.Inferred))
			items[i] = batchItem{IngestResult: res}
		}
		return map[string]any{
			"items":      items,
			"latency_ms": float64(time.Since(start).Microseconds()) / 1000,
		}, nil
	})
}

type retrievedMemory struct {
	Memory *memory.MemoryRecord `json:"memory"`
	Score  float64              `json:"score"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		s.writeError(w, memory.Validationf("query parameter is required"))
		return
	}
	if len(query) > s.cfg.Server.MaxQueryChars {
		s.writeError(w, memory.Validationf("query exceeds %d chars", s.cfg.Server.MaxQueryChars))
		return
	}

	opts := engine.RetrieveOptions{
		EntityID: q.Get("entity_id"),
		Intent:   q.Get("event_type"),
		K:        s.cfg.Server.DefaultRetrieveK,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > s.cfg.Server.MaxRetrieveK {
			s.writeError(w, memory.Validationf("limit must be in [1,%d]", s.cfg.Server.MaxRetrieveK))
			return
		}
		opts.K = n
	}
	if raw := q.Get("start_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, memory.Validationf("start_time must be RFC3339"))
			return
		}
		opts.Start = ts
	}
	if raw := q.Get("end_time"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, memory.Validationf("end_time must be RFC3339"))
			return
		}
		opts.End = ts
	}

	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	if err := s.quota.Debit(r.Context(), account, quota.KindQuery, 1); err != nil {
		s.writeError(w, err)
		return
	}

	start := time.Now()
	ranked, total, err := s.engine.Retrieve(r.Context(), account, query, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.queries.Inc()

	out := make([]retrievedMemory, len(ranked))
	for i, rm := range ranked {
		out[i] = retrievedMemory{Memory: rm.Memory, Score: rm.Score}
	}
	applied := map[string]string{}
	for _, param := range []string{"entity_id", "event_type", "start_time", "end_time"} {
		if v := q.Get(param); v != "" {
			applied[param] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memories":                out,
		"total_candidates":        total,
		"query_execution_time_ms": float64(time.Since(start).Microseconds()) / 1000,
		"applied_filters":         applied,
	})
}

type feedbackRequest struct {
	MemoryID     string   `json:"memory_id"`
	Helpful      bool     `json:"helpful"`
	OutcomeValue *float64 `json:"outcome_value"`
}

func (req *feedbackRequest) toFeedback() (memory.Feedback, error) {
	if req.MemoryID == "" {
		return memory.Feedback{}, memory.Validationf("memory_id is required")
	}
	outcome := 0.8
	if req.OutcomeValue != nil {
		outcome = *req.OutcomeValue
		if outcome < -1 || outcome > 1 {
			return memory.Feedback{}, memory.Validationf("outcome_value must be in [-1,1]")
		}
	}
	return memory.Feedback{MemoryID: req.MemoryID, Helpful: req.Helpful, OutcomeValue: outcome}, nil
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, memory.Validationf("malformed json: %v", err))
		return
	}
	item, err := req.toFeedback()
	if err != nil {
		s.writeError(w, err)
		return
	}

	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	s.idempotentWrite(w, r, "feedback", quota.KindQuery, 1, http.StatusOK, body, func() (any, error) {
		res, err := s.engine.Feedback(r.Context(), account, []memory.Feedback{item})
		if err != nil {
			return nil, err
		}
		if res.Missing > 0 {
			return nil, fmt.Errorf("%w: memory %s", memory.ErrNotFound, item.MemoryID)
		}
		s.metrics.feedback.Inc()
		return map[string]any{
			"applied":         res.Applied,
			"importance_loss": res.ImportanceLoss,
		}, nil
	})
}

type batchFeedbackRequest struct {
	Items []feedbackRequest `json:"items"`
}

func (s *Server) handleFeedbackBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req batchFeedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, memory.Validationf("malformed json: %v", err))
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, memory.Validationf("batch must not be empty"))
		return
	}
	if len(req.Items) > s.cfg.Server.MaxBatchItems {
		s.writeError(w, memory.Validationf("batch exceeds %d items", s.cfg.Server.MaxBatchItems))
		return
	}

	items := make([]memory.Feedback, len(req.Items))
	for i := range req.Items {
		item, err := req.Items[i].toFeedback()
		if err != nil {
			s.writeError(w, err)
			return
		}
		items[i] = item
	}

	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	s.idempotentWrite(w, r, "feedback_batch", quota.KindQuery, len(items), http.StatusOK, body, func() (any, error) {
		res, err := s.engine.Feedback(r.Context(), account, items)
		if err != nil {
			return nil, err
		}
		s.metrics.feedback.Add(float64(res.Applied))
		return map[string]any{
			"applied":         res.Applied,
			"missing":         res.Missing,
			"importance_loss": res.ImportanceLoss,
		}, nil
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	account := memory.NormalizeAccountKey(principal(r).AccountKey)

	usage, err := s.quota.Usage(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.engine.Status(r.Context(), account)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_key":         account,
		"usage":               usage,
		"engine":              stats,
		"minute_remaining":    s.quota.Remaining(account),
		"requests_per_minute": s.cfg.Quota.RequestsPerMinute,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "ok"
	status := "ok"
	code := http.StatusOK
	if err := s.st.Ping(r.Context()); err != nil {
		storage = "unavailable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.cfg.Version,
		"storage": storage,
	})
}

func (s *Server) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"account_key": memory.NormalizeAccountKey(p.AccountKey),
		"scopes":      p.Scopes,
		"method":      p.Method,
	})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			s.writeError(w, memory.Validationf("limit must be in [1,200]"))
			return
		}
		limit = n
	}

	var cursorAt time.Time
	var cursorID string
	if raw := q.Get("cursor"); raw != "" {
		at, id, err := decodeCursor(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		cursorAt, cursorID = at, id
	}

	recs, err := s.engine.ListMemories(r.Context(), account, cursorAt, cursorID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	next := ""
	if len(recs) == limit {
		last := recs[len(recs)-1]
		next = encodeCursor(last.CreatedAt, last.MemoryID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memories":    recs,
		"next_cursor": next,
	})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	account := memory.NormalizeAccountKey(principal(r).AccountKey)
	id := chi.URLParam(r, "memoryID")
	if err := s.engine.DeleteMemory(r.Context(), account, id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "memory_id": id})
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%d|%s", at.UTC().UnixNano(), id)))
}

func decodeCursor(raw string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return time.Time{}, "", memory.Validationf("malformed cursor")
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", memory.Validationf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", memory.Validationf("malformed cursor")
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
