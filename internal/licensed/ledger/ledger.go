// Package ledger stores licenses and drives their activation and expiry
// state machine: pending -> active -> expired, with revoked reachable from any
// state and never left.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

// Status is the lifecycle state of a license.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// AllStatuses lists every license status, in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusActive, StatusExpired, StatusRevoked}

const day = 24 * time.Hour

// License is a stored license row.
type License struct {
	ID             int64      `json:"id"`
	Key            string     `json:"licenseKey"`
	TokenID        *int64     `json:"cursorTokenId,omitempty"`
	Email          string     `json:"cursorEmail"`
	ValidDays      int        `json:"validDays"`
	Status         Status     `json:"status"`
	ActivatedAt    *time.Time `json:"activatedAt,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	MaxDevices     int        `json:"maxDevices"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt,omitempty"`
	Note           string     `json:"note,omitempty"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// NewLicense describes a pending license to insert.
type NewLicense struct {
	Key        string
	TokenID    *int64
	Email      string
	ValidDays  int
	MaxDevices int
	Note       string
	CreatedBy  string
}

const licenseColumns = `id, license_key, cursor_token_id, cursor_email, valid_days, status,
	activated_at, expires_at, max_devices, last_verified_at, note, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*License, error) {
	var (
		l              License
		tokenID        sql.NullInt64
		status         string
		activatedAt    sql.NullInt64
		expiresAt      sql.NullInt64
		lastVerifiedAt sql.NullInt64
		createdAt      int64
	)
	if err := row.Scan(&l.ID, &l.Key, &tokenID, &l.Email, &l.ValidDays, &status,
		&activatedAt, &expiresAt, &l.MaxDevices, &lastVerifiedAt, &l.Note, &l.CreatedBy, &createdAt); err != nil {
		return nil, err
	}
	if tokenID.Valid {
		v := tokenID.Int64
		l.TokenID = &v
	}
	l.Status = Status(status)
	l.ActivatedAt = store.TimePtr(activatedAt)
	l.ExpiresAt = store.TimePtr(expiresAt)
	l.LastVerifiedAt = store.TimePtr(lastVerifiedAt)
	l.CreatedAt = store.FromMillis(createdAt)
	return &l, nil
}

func getOne(ctx context.Context, q store.DBTX, op, where string, arg any) (*License, error) {
	row := q.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE `+where, arg)
	l, err := scanLicense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalerrors.NotFound(op, "license not found")
		}
		return nil, internalerrors.Internal(op, fmt.Errorf("load license: %w", err))
	}
	return l, nil
}

// Get loads a license by id.
func Get(ctx context.Context, q store.DBTX, id int64) (*License, error) {
	return getOne(ctx, q, "ledger.get", "id = ?", id)
}

// GetByKey loads a license by its key. Unknown keys are NOT_FOUND.
func GetByKey(ctx context.Context, q store.DBTX, key string) (*License, error) {
	return getOne(ctx, q, "ledger.get_by_key", "license_key = ?", strings.TrimSpace(key))
}

// Insert adds a pending license. A duplicate key is reported as KEY_COLLISION
// so the caller can regenerate and retry.
func Insert(ctx context.Context, q store.DBTX, in NewLicense, now time.Time) (int64, error) {
	const op = "ledger.insert"
	var tokenID any
	if in.TokenID != nil {
		tokenID = *in.TokenID
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO licenses (license_key, cursor_token_id, cursor_email, valid_days, status, max_devices, note, created_by, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		in.Key, tokenID, in.Email, in.ValidDays, in.MaxDevices, in.Note, in.CreatedBy, store.Millis(now))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return 0, &internalerrors.LicenseError{
				Kind:    internalerrors.KindStateConflict,
				Code:    internalerrors.CodeKeyCollision,
				Op:      op,
				Message: "license key already exists",
				Err:     err,
			}
		}
		return 0, internalerrors.Internal(op, fmt.Errorf("insert license: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, internalerrors.Internal(op, fmt.Errorf("license id: %w", err))
	}
	return id, nil
}

func execAffected(ctx context.Context, q store.DBTX, op, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, internalerrors.Internal(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, internalerrors.Internal(op, err)
	}
	return n, nil
}

// Activate performs the first activation of a pending license: activated_at
// and last_verified_at become now, expires_at becomes now + valid_days. A
// license with zero valid days goes straight to expired. It returns false when
// the license was no longer pending, e.g. a concurrent caller won.
func Activate(ctx context.Context, q store.DBTX, id int64, now time.Time) (bool, error) {
	ms := store.Millis(now)
	n, err := execAffected(ctx, q, "ledger.activate", `
		UPDATE licenses
		SET status = CASE WHEN valid_days <= 0 THEN 'expired' ELSE 'active' END,
			activated_at = ?,
			expires_at = ? + valid_days * ?,
			last_verified_at = ?
		WHERE id = ? AND status = 'pending'`,
		ms, ms, day.Milliseconds(), ms, id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Touch records a successful repeat verification. Concurrent touches race and
// the last writer wins.
func Touch(ctx context.Context, q store.DBTX, id int64, now time.Time) error {
	_, err := execAffected(ctx, q, "ledger.touch",
		`UPDATE licenses SET last_verified_at = ? WHERE id = ? AND status = 'active'`, store.Millis(now), id)
	return err
}

// Expire moves an active license to expired.
func Expire(ctx context.Context, q store.DBTX, id int64) error {
	_, err := execAffected(ctx, q, "ledger.expire",
		`UPDATE licenses SET status = 'expired' WHERE id = ? AND status = 'active'`, id)
	return err
}

// Revoke moves a license to revoked from any state. Revoking twice is a no-op.
func Revoke(ctx context.Context, q store.DBTX, id int64) error {
	const op = "ledger.revoke"
	n, err := execAffected(ctx, q, op, `UPDATE licenses SET status = 'revoked' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return internalerrors.NotFound(op, "license not found")
	}
	return nil
}

// SetStatus applies an admin status change. Only revocation changes state;
// requesting active is accepted for a license that is already active.
func SetStatus(ctx context.Context, q store.DBTX, id int64, status Status) error {
	const op = "ledger.set_status"
	switch status {
	case StatusRevoked:
		return Revoke(ctx, q, id)
	case StatusActive:
		l, err := Get(ctx, q, id)
		if err != nil {
			return err
		}
		if l.Status != StatusActive {
			return internalerrors.Conflict(internalerrors.CodeInvalidTransition, op,
				fmt.Sprintf("cannot change license from %s to %s", l.Status, status))
		}
		return nil
	default:
		return internalerrors.Conflict(internalerrors.CodeInvalidTransition, op,
			fmt.Sprintf("unsupported target status %q", status))
	}
}

// Delete removes a license row. Activations cascade; token accounting is the
// caller's responsibility.
func Delete(ctx context.Context, q store.DBTX, id int64) error {
	const op = "ledger.delete"
	n, err := execAffected(ctx, q, op, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return internalerrors.NotFound(op, "license not found")
	}
	return nil
}

// CountByStatus returns the number of licenses in each status. Every status
// is present in the result.
func CountByStatus(ctx context.Context, q store.DBTX) (map[Status]int, error) {
	const op = "ledger.count_by_status"
	out := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		out[s] = 0
	}
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, internalerrors.Internal(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, internalerrors.Internal(op, err)
		}
		out[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.Internal(op, err)
	}
	return out, nil
}

// IsExpired reports whether the license's expiry has been reached at now.
func IsExpired(l *License, now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// RemainingDays is ceil((expiresAt - now) / 24h). It is zero or negative once
// the expiry has passed.
func RemainingDays(expiresAt, now time.Time) int {
	return int(math.Ceil(float64(expiresAt.Sub(now)) / float64(day)))
}
