package quota

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"recalld/internal/memory"
)

// Replay is a stored response for a previously completed idempotent request.
type Replay struct {
	StatusCode int
	Body       []byte
}

// HashRequest produces the canonical fingerprint for idempotency matching:
// two requests with the same key must carry the same body to be replays.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// DebitWithReservation runs the full envelope for one idempotent write
// request in a single transaction:
//
//   - a completed reservation with a matching request hash returns the
//     stored response and debits nothing,
//   - a reservation with a different hash is an idempotency conflict,
//   - a still-pending reservation for the same key is a conflict too
//     (the original request is in flight),
//   - otherwise the quota debit and a pending reservation commit together.
//
// An empty idemKey skips reservation handling and just debits. Keys are
// scoped per (account, operation): reusing a key on a different operation
// is a fresh reservation, not a replay.
func (m *Manager) DebitWithReservation(ctx context.Context, accountKey, op string, kind Kind, n int, idemKey, requestHash string) (*Replay, error) {
	if idemKey == "" {
		return nil, m.Debit(ctx, accountKey, kind, n)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open idempotency transaction: %v", memory.ErrServer, err)
	}
	replay, err := m.reserveTx(ctx, tx, accountKey, op, kind, n, idemKey, requestHash)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit reservation: %v", memory.ErrServer, err)
	}
	return replay, nil
}

func (m *Manager) reserveTx(ctx context.Context, tx *sql.Tx, accountKey, op string, kind Kind, n int, idemKey, requestHash string) (*Replay, error) {
	var storedHash string
	var status int
	var body []byte
	err := tx.QueryRowContext(ctx, `
		SELECT request_hash, status_code, response_body
		FROM api_idempotency WHERE account_key = ? AND operation = ? AND idem_key = ?`,
		accountKey, op, idemKey).Scan(&storedHash, &status, &body)
	switch {
	case err == nil:
		if storedHash != requestHash {
			return nil, fmt.Errorf("%w: key %q was used with a different request body",
				memory.ErrIdempotencyConflict, idemKey)
		}
		if status == 0 {
			return nil, fmt.Errorf("%w: request with key %q is still in flight",
				memory.ErrIdempotencyConflict, idemKey)
		}
		return &Replay{StatusCode: status, Body: body}, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	if err := m.debitTx(ctx, tx, accountKey, kind, n); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_idempotency (account_key, operation, idem_key, request_hash, created_at)
		VALUES (?,?,?,?,?)`,
		accountKey, op, idemKey, requestHash, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return nil, nil
}

// StoreResponse completes a pending reservation with the response that was
// actually sent, making later requests with the same key replays.
func (m *Manager) StoreResponse(ctx context.Context, accountKey, op, idemKey string, statusCode int, body []byte) error {
	if idemKey == "" {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `
		UPDATE api_idempotency SET status_code = ?, response_body = ?
		WHERE account_key = ? AND operation = ? AND idem_key = ?`,
		statusCode, body, accountKey, op, idemKey)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// ReleaseReservation drops a pending reservation after a handler failure so
// the client can retry with the same key. Completed reservations stay.
func (m *Manager) ReleaseReservation(ctx context.Context, accountKey, op, idemKey string) error {
	if idemKey == "" {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM api_idempotency
		WHERE account_key = ? AND operation = ? AND idem_key = ? AND status_code = 0`,
		accountKey, op, idemKey)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// PruneReservations deletes reservations older than the retention window.
func (m *Manager) PruneReservations(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM api_idempotency WHERE created_at < ?`,
		m.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
