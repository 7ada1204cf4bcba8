package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"recalld/internal/embedding"
	"recalld/internal/memory"
)

const memoryColumns = `memory_id, account_key, event_id, content, summary, intent,
	entities, relationships, raw_embedding, semantic_embedding, semantic_key,
	created_at, updated_at, retrieval_count, avg_outcome_signal, outcome_count,
	storage_tier, latest_importance, is_compressed, original_count`

// Insert persists a new memory record. Content must already be normalized by
// NormalizeContent; embeddings are stored as float16 blobs.
func (m *Manager) Insert(ctx context.Context, rec *memory.MemoryRecord) error {
	rec.AccountKey = memory.NormalizeAccountKey(rec.AccountKey)
	return m.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (`+memoryColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			rec.MemoryID, rec.AccountKey, rec.EventID, rec.Content, rec.Summary, rec.Intent,
			encodeStrings(rec.Entities), encodeStrings(rec.Relationships),
			encodeEmbedding(rec.RawEmbedding), encodeEmbedding(rec.SemanticEmbedding), rec.SemanticKey,
			rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
			rec.RetrievalCount, rec.AvgOutcomeSignal, rec.OutcomeCount,
			rec.StorageTier, rec.LatestImportance, boolToInt(rec.IsCompressed), rec.OriginalCount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert memory %s: %w", rec.MemoryID, err)
		}
		return nil
	})
}

// GetMemory fetches one record. An empty accountKey skips tenant filtering;
// otherwise records of other tenants are invisible and report ErrNotFound.
func (m *Manager) GetMemory(ctx context.Context, accountKey, memoryID string) (*memory.MemoryRecord, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE memory_id = ?`
	args := []any{memoryID}
	if accountKey != "" {
		query += ` AND account_key = ?`
		args = append(args, accountKey)
	}

	row := m.db.QueryRowContext(ctx, query, args...)
	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: memory %s", memory.ErrNotFound, memoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory %s: %w", memoryID, err)
	}
	return rec, nil
}

// GetMemories fetches multiple records by id, tenant-scoped, preserving the
// input order. Missing ids are skipped.
func (m *Manager) GetMemories(ctx context.Context, accountKey string, ids []string) ([]*memory.MemoryRecord, error) {
	out := make([]*memory.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := m.GetMemory(ctx, accountKey, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteMemory removes one record, tenant-scoped.
func (m *Manager) DeleteMemory(ctx context.Context, accountKey, memoryID string) error {
	return m.DeleteMemories(ctx, accountKey, []string{memoryID})
}

// DeleteMemories removes a batch of records in one transaction.
func (m *Manager) DeleteMemories(ctx context.Context, accountKey string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return m.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			query := `DELETE FROM memories WHERE memory_id = ?`
			args := []any{id}
			if accountKey != "" {
				query += ` AND account_key = ?`
				args = append(args, accountKey)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to delete memory %s: %w", id, err)
			}
		}
		return nil
	})
}

// ReplaceMemories deletes the original records and inserts the replacement
// in one transaction, so a failed compression leaves the originals intact.
func (m *Manager) ReplaceMemories(ctx context.Context, accountKey string, ids []string, replacement *memory.MemoryRecord) error {
	replacement.AccountKey = memory.NormalizeAccountKey(replacement.AccountKey)
	return m.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM memories WHERE memory_id = ? AND account_key = ?`,
				id, accountKey); err != nil {
				return fmt.Errorf("failed to delete original %s: %w", id, err)
			}
		}
		r := replacement
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (`+memoryColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.MemoryID, r.AccountKey, r.EventID, r.Content, r.Summary, r.Intent,
			encodeStrings(r.Entities), encodeStrings(r.Relationships),
			encodeEmbedding(r.RawEmbedding), encodeEmbedding(r.SemanticEmbedding), r.SemanticKey,
			r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
			r.RetrievalCount, r.AvgOutcomeSignal, r.OutcomeCount,
			r.StorageTier, r.LatestImportance, boolToInt(r.IsCompressed), r.OriginalCount,
		)
		if err != nil {
			return fmt.Errorf("failed to insert replacement %s: %w", r.MemoryID, err)
		}
		return nil
	})
}

// UpdateOutcome folds one signed signal into the running outcome mean:
// avg' = (avg*n + signal) / (n+1), clamped to [-1,1].
func (m *Manager) UpdateOutcome(ctx context.Context, accountKey, memoryID string, signal float64) error {
	if signal > 1 {
		signal = 1
	}
	if signal < -1 {
		signal = -1
	}
	return m.withWriteTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE memories SET
				avg_outcome_signal = MAX(-1.0, MIN(1.0,
					(avg_outcome_signal * outcome_count + ?) / (outcome_count + 1))),
				outcome_count = outcome_count + 1,
				updated_at = ?
			WHERE memory_id = ?`
		args := []any{signal, time.Now().UTC(), memoryID}
		if accountKey != "" {
			query += ` AND account_key = ?`
			args = append(args, accountKey)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update outcome for %s: %w", memoryID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: memory %s", memory.ErrNotFound, memoryID)
		}
		return nil
	})
}

// IncrementRetrieval bumps retrieval_count and updated_at for each admitted
// retrieval hit in one transaction.
func (m *Manager) IncrementRetrieval(ctx context.Context, accountKey string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return m.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			query := `UPDATE memories SET retrieval_count = retrieval_count + 1, updated_at = ? WHERE memory_id = ?`
			args := []any{now, id}
			if accountKey != "" {
				query += ` AND account_key = ?`
				args = append(args, accountKey)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to bump retrieval count for %s: %w", id, err)
			}
		}
		return nil
	})
}

// CountMemories returns the tenant's memory count.
func (m *Manager) CountMemories(ctx context.Context, accountKey string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE account_key = ?`, accountKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// ListFilter narrows List queries. Zero values mean "no filter".
type ListFilter struct {
	Intent           string
	IntentIn         []string
	Entity           string
	Since            time.Time
	Until            time.Time
	ExcludeAssistant bool
	ExcludeCompressed bool
	Limit            int
}

// List returns tenant memories newest-first, filtered.
func (m *Manager) List(ctx context.Context, accountKey string, f ListFilter) ([]*memory.MemoryRecord, error) {
	var conds []string
	var args []any
	if accountKey != "" {
		conds = append(conds, "account_key = ?")
		args = append(args, accountKey)
	}
	if f.Intent != "" {
		conds = append(conds, "intent = ?")
		args = append(args, f.Intent)
	}
	if len(f.IntentIn) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.IntentIn)), ",")
		conds = append(conds, "intent IN ("+ph+")")
		for _, it := range f.IntentIn {
			args = append(args, it)
		}
	}
	if f.Entity != "" {
		// Entities are stored as a JSON array of strings; a quoted LIKE
		// match is exact enough at this scale.
		conds = append(conds, "entities LIKE ?")
		args = append(args, `%"`+f.Entity+`"%`)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UTC())
	}
	if f.ExcludeAssistant {
		conds = append(conds, "intent NOT LIKE 'assistant_%'")
	}
	if f.ExcludeCompressed {
		conds = append(conds, "is_compressed = 0")
	}

	query := `SELECT ` + memoryColumns + ` FROM memories`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, memory_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return m.queryMemories(ctx, query, args...)
}

// ListPage returns one keyset page of tenant memories newest-first. The
// cursor is the (created_at, memory_id) pair of the last row of the previous
// page; pass a zero cursor for the first page.
func (m *Manager) ListPage(ctx context.Context, accountKey string, cursorAt time.Time, cursorID string, limit int) ([]*memory.MemoryRecord, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE account_key = ?`
	args := []any{accountKey}
	if !cursorAt.IsZero() {
		query += ` AND (created_at < ? OR (created_at = ? AND memory_id < ?))`
		args = append(args, cursorAt.UTC(), cursorAt.UTC(), cursorID)
	}
	query += ` ORDER BY created_at DESC, memory_id DESC LIMIT ?`
	args = append(args, limit)
	return m.queryMemories(ctx, query, args...)
}

// FindBySignature returns tenant memories carrying the given inferred
// signature relationship, newest-first.
func (m *Manager) FindBySignature(ctx context.Context, accountKey, signature string) ([]*memory.MemoryRecord, error) {
	return m.queryMemories(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE account_key = ? AND relationships LIKE ?
		ORDER BY created_at DESC`,
		accountKey, `%"`+memory.RelSignature+signature+`"%`)
}

// ListExpiredInferred returns tenant memories with inferred provenance
// created before the cutoff.
func (m *Manager) ListExpiredInferred(ctx context.Context, accountKey string, cutoff time.Time) ([]*memory.MemoryRecord, error) {
	return m.queryMemories(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE account_key = ?
		  AND (intent LIKE 'inferred_%' OR relationships LIKE ?)
		  AND created_at < ?`,
		accountKey, `%"`+memory.RelInferred+`"%`, cutoff.UTC())
}

// SearchCandidates is the in-process vector search fallback: it reads the
// tenant's memories, scores cosine against the query embedding and returns
// the top-k. Used when the in-memory index is cold or empty.
func (m *Manager) SearchCandidates(ctx context.Context, accountKey string, query []float32, k int) ([]*memory.MemoryRecord, error) {
	recs, err := m.List(ctx, accountKey, ListFilter{})
	if err != nil {
		return nil, err
	}

	type scored struct {
		rec   *memory.MemoryRecord
		score float64
	}
	candidates := make([]scored, 0, len(recs))
	for _, rec := range recs {
		candidates = append(candidates, scored{rec: rec, score: embedding.Cosine(query, rec.SemanticEmbedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]*memory.MemoryRecord, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

func (m *Manager) queryMemories(ctx context.Context, query string, args ...any) ([]*memory.MemoryRecord, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}
	defer rows.Close()

	var out []*memory.MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			m.logger.Warn("skipping unreadable memory row", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memory.MemoryRecord, error) {
	var rec memory.MemoryRecord
	var entities, relationships string
	var rawBlob, semBlob []byte
	var compressed int

	err := row.Scan(
		&rec.MemoryID, &rec.AccountKey, &rec.EventID, &rec.Content, &rec.Summary, &rec.Intent,
		&entities, &relationships, &rawBlob, &semBlob, &rec.SemanticKey,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.RetrievalCount, &rec.AvgOutcomeSignal, &rec.OutcomeCount,
		&rec.StorageTier, &rec.LatestImportance, &compressed, &rec.OriginalCount,
	)
	if err != nil {
		return nil, err
	}

	rec.Entities = decodeStrings(entities)
	rec.Relationships = decodeStrings(relationships)
	rec.IsCompressed = compressed != 0
	if rec.RawEmbedding, err = decodeEmbedding(rawBlob); err != nil {
		return nil, err
	}
	if rec.SemanticEmbedding, err = decodeEmbedding(semBlob); err != nil {
		return nil, err
	}
	// A record stored without a raw embedding reuses the semantic one.
	if len(rec.RawEmbedding) == 0 {
		rec.RawEmbedding = rec.SemanticEmbedding
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
