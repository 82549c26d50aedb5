// Package tokenpool tracks secret-bearing tokens, their exclusivity and their
// assignment counts, and binds them to licenses under contention.
//
// Every function takes a store.DBTX so callers decide whether it runs inside a
// transaction. Binding is a conditional update; a token that stopped being
// bindable between selection and bind fails closed with TOKEN_UNAVAILABLE.
package tokenpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

// Status is the lifecycle state of a token.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInUse     Status = "in_use"
	StatusExhausted Status = "exhausted"
	StatusDisabled  Status = "disabled"
)

// Token is a stored token row. The secret stays encrypted.
type Token struct {
	ID             int64
	Encrypted      string
	IV             string
	Status         Status
	Exclusive      bool
	Consumed       bool
	AssignedCount  int
	MaxAssignments *int
	Note           string
	AddedBy        string
	CreatedAt      time.Time
	LastUsedAt     *time.Time
}

// Bindable reports whether the token can take one more license right now.
func (t *Token) Bindable() bool {
	if t.Status != StatusAvailable {
		return false
	}
	if t.Exclusive {
		return !t.Consumed
	}
	return t.MaxAssignments == nil || t.AssignedCount < *t.MaxAssignments
}

// NewToken describes a token to add to the pool.
type NewToken struct {
	Encrypted      string
	IV             string
	Exclusive      bool
	MaxAssignments *int
	Note           string
	AddedBy        string
}

// Stats summarises the pool.
type Stats struct {
	Total              int            `json:"total"`
	ByStatus           map[Status]int `json:"byStatus"`
	AvailableExclusive int            `json:"availableExclusive"`
	AvailableShared    int            `json:"availableShared"`
	TotalAssigned      int            `json:"totalAssigned"`
}

const tokenColumns = `id, token_encrypted, token_iv, status, is_exclusive, is_consumed,
	assigned_count, max_assignments, note, added_by, created_at, last_used_at`

const (
	exclusiveBindable = `is_exclusive = 1 AND is_consumed = 0 AND status = 'available'`
	sharedBindable    = `is_exclusive = 0 AND status = 'available' AND (max_assignments IS NULL OR assigned_count < max_assignments)`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		t              Token
		status         string
		exclusive      int
		consumed       int
		maxAssignments sql.NullInt64
		createdAt      int64
		lastUsedAt     sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Encrypted, &t.IV, &status, &exclusive, &consumed,
		&t.AssignedCount, &maxAssignments, &t.Note, &t.AddedBy, &createdAt, &lastUsedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Exclusive = exclusive != 0
	t.Consumed = consumed != 0
	if maxAssignments.Valid {
		v := int(maxAssignments.Int64)
		t.MaxAssignments = &v
	}
	t.CreatedAt = store.FromMillis(createdAt)
	t.LastUsedAt = store.TimePtr(lastUsedAt)
	return &t, nil
}

func queryTokens(ctx context.Context, q store.DBTX, query string, args ...any) ([]*Token, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Add inserts a new available token and returns its id.
func Add(ctx context.Context, q store.DBTX, in NewToken, now time.Time) (int64, error) {
	const op = "tokenpool.add"
	if in.Encrypted == "" || in.IV == "" {
		return 0, internalerrors.Invalid(op, "encrypted token and iv are required")
	}
	if in.MaxAssignments != nil && *in.MaxAssignments <= 0 {
		return 0, internalerrors.Invalid(op, "maxAssignments must be positive")
	}
	if in.Exclusive && in.MaxAssignments != nil {
		// An exclusive token binds exactly once regardless of quota.
		in.MaxAssignments = nil
	}

	var maxAssignments any
	if in.MaxAssignments != nil {
		maxAssignments = *in.MaxAssignments
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO cursor_tokens (token_encrypted, token_iv, status, is_exclusive, max_assignments, note, added_by, created_at)
		VALUES (?, ?, 'available', ?, ?, ?, ?, ?)`,
		in.Encrypted, in.IV, store.BoolToInt(in.Exclusive), maxAssignments,
		strings.TrimSpace(in.Note), strings.TrimSpace(in.AddedBy), store.Millis(now))
	if err != nil {
		return 0, internalerrors.Internal(op, fmt.Errorf("insert token: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, internalerrors.Internal(op, fmt.Errorf("token id: %w", err))
	}
	return id, nil
}

// Get loads a token by id.
func Get(ctx context.Context, q store.DBTX, id int64) (*Token, error) {
	const op = "tokenpool.get"
	row := q.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM cursor_tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, internalerrors.NotFound(op, "token not found")
		}
		return nil, internalerrors.Internal(op, fmt.Errorf("load token %d: %w", id, err))
	}
	return t, nil
}

// SelectExclusiveAvailable returns n unconsumed exclusive tokens, oldest first.
func SelectExclusiveAvailable(ctx context.Context, q store.DBTX, n int) ([]*Token, error) {
	const op = "tokenpool.select_exclusive"
	tokens, err := queryTokens(ctx, q,
		`SELECT `+tokenColumns+` FROM cursor_tokens WHERE `+exclusiveBindable+` ORDER BY created_at ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("select exclusive tokens: %w", err))
	}
	if len(tokens) < n {
		return nil, internalerrors.Exhausted(internalerrors.CodeInsufficientExclusiveToken, op,
			fmt.Sprintf("not enough exclusive tokens: need %d, have %d", n, len(tokens)))
	}
	return tokens, nil
}

// SelectSharedAvailable returns n distinct shared tokens with remaining quota,
// least assigned first and ties broken by id.
func SelectSharedAvailable(ctx context.Context, q store.DBTX, n int) ([]*Token, error) {
	const op = "tokenpool.select_shared"
	tokens, err := queryTokens(ctx, q,
		`SELECT `+tokenColumns+` FROM cursor_tokens WHERE `+sharedBindable+` ORDER BY assigned_count ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("select shared tokens: %w", err))
	}
	if len(tokens) < n {
		return nil, internalerrors.Exhausted(internalerrors.CodeInsufficientTokens, op,
			fmt.Sprintf("not enough tokens: need %d, have %d", n, len(tokens)))
	}
	return tokens, nil
}

// SelectByIDs loads the given tokens in order and checks that each one can be
// bound now.
func SelectByIDs(ctx context.Context, q store.DBTX, ids []int64) ([]*Token, error) {
	const op = "tokenpool.select_by_ids"
	if len(ids) == 0 {
		return nil, internalerrors.Invalid(op, "at least one token id is required")
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, internalerrors.Invalid(op, fmt.Sprintf("token %d selected more than once", id))
		}
		seen[id] = struct{}{}

		t, err := Get(ctx, q, id)
		if err != nil {
			if errors.Is(err, internalerrors.ErrNotFound) {
				return nil, unavailable(op, id)
			}
			return nil, err
		}
		if !t.Bindable() {
			return nil, unavailable(op, id)
		}
		out = append(out, t)
	}
	return out, nil
}

func unavailable(op string, id int64) error {
	return internalerrors.Exhausted(internalerrors.CodeTokenUnavailable, op, fmt.Sprintf("token %d is not available", id))
}

// Bind assigns one more license to the token. Exclusive tokens are consumed
// and marked exhausted. The update only applies while the token is still
// bindable.
func Bind(ctx context.Context, q store.DBTX, id int64, exclusive bool, now time.Time) error {
	const op = "tokenpool.bind"
	var query string
	if exclusive {
		query = `UPDATE cursor_tokens
			SET is_consumed = 1, status = 'exhausted', assigned_count = assigned_count + 1, last_used_at = ?
			WHERE id = ? AND ` + exclusiveBindable
	} else {
		query = `UPDATE cursor_tokens
			SET assigned_count = assigned_count + 1, last_used_at = ?
			WHERE id = ? AND ` + sharedBindable
	}
	res, err := q.ExecContext(ctx, query, store.Millis(now), id)
	if err != nil {
		return internalerrors.Internal(op, fmt.Errorf("bind token %d: %w", id, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return internalerrors.Internal(op, fmt.Errorf("bind token %d rows affected: %w", id, err))
	}
	if affected != 1 {
		return unavailable(op, id)
	}
	return nil
}

// Unbind releases one assignment. It never clears is_consumed, so a consumed
// exclusive token is not handed out again.
func Unbind(ctx context.Context, q store.DBTX, id int64) error {
	const op = "tokenpool.unbind"
	_, err := q.ExecContext(ctx,
		`UPDATE cursor_tokens SET assigned_count = MAX(assigned_count - 1, 0) WHERE id = ?`, id)
	if err != nil {
		return internalerrors.Internal(op, fmt.Errorf("unbind token %d: %w", id, err))
	}
	return nil
}

// Delete removes a token that no license references.
func Delete(ctx context.Context, q store.DBTX, id int64) error {
	const op = "tokenpool.delete"
	var refs int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM licenses WHERE cursor_token_id = ?`, id).Scan(&refs); err != nil {
		return internalerrors.Internal(op, fmt.Errorf("count token references: %w", err))
	}
	if refs > 0 {
		return internalerrors.Conflict(internalerrors.CodeTokenInUse, op,
			fmt.Sprintf("token is referenced by %d license(s)", refs))
	}
	res, err := q.ExecContext(ctx, `DELETE FROM cursor_tokens WHERE id = ?`, id)
	if err != nil {
		return internalerrors.Internal(op, fmt.Errorf("delete token %d: %w", id, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return internalerrors.Internal(op, fmt.Errorf("delete token %d rows affected: %w", id, err))
	}
	if affected == 0 {
		return internalerrors.NotFound(op, "token not found")
	}
	return nil
}

// SetStatus enables or disables a token. A consumed exclusive token cannot be
// made available again.
func SetStatus(ctx context.Context, q store.DBTX, id int64, status Status) error {
	const op = "tokenpool.set_status"
	if status != StatusAvailable && status != StatusDisabled {
		return internalerrors.Invalid(op, "status must be available or disabled")
	}
	t, err := Get(ctx, q, id)
	if err != nil {
		return err
	}
	if status == StatusAvailable && t.Exclusive && t.Consumed {
		return internalerrors.Conflict(internalerrors.CodeTokenConsumed, op, "exclusive token has already been consumed")
	}
	if _, err := q.ExecContext(ctx, `UPDATE cursor_tokens SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return internalerrors.Internal(op, fmt.Errorf("update token %d status: %w", id, err))
	}
	return nil
}

// GetStats aggregates pool counts.
func GetStats(ctx context.Context, q store.DBTX) (*Stats, error) {
	const op = "tokenpool.stats"
	stats := &Stats{ByStatus: make(map[Status]int)}

	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(assigned_count), 0) FROM cursor_tokens GROUP BY status`)
	if err != nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("count tokens by status: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status   string
			count    int
			assigned int
		)
		if err := rows.Scan(&status, &count, &assigned); err != nil {
			return nil, internalerrors.Internal(op, fmt.Errorf("scan token stats: %w", err))
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
		stats.TotalAssigned += assigned
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("iterate token stats: %w", err))
	}

	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cursor_tokens WHERE `+exclusiveBindable).Scan(&stats.AvailableExclusive); err != nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("count exclusive tokens: %w", err))
	}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cursor_tokens WHERE `+sharedBindable).Scan(&stats.AvailableShared); err != nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("count shared tokens: %w", err))
	}
	return stats, nil
}
