package ledger

import (
	"context"
	"database/sql"
	"time"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

// Action names a protocol call recorded in the usage log.
type Action string

const (
	ActionActivate Action = "activate"
	ActionVerify   Action = "verify"
	ActionInject   Action = "inject"
)

const defaultUsageLimit = 50

// UsageEntry is one append-only audit record of a protocol call.
type UsageEntry struct {
	ID        int64     `json:"id"`
	LicenseID *int64    `json:"licenseId,omitempty"`
	Action    Action    `json:"action"`
	MachineID string    `json:"machineId,omitempty"`
	IP        string    `json:"ipAddress,omitempty"`
	Success   bool      `json:"success"`
	ErrorCode string    `json:"errorCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppendUsage writes a usage record. The license id may be nil for unknown keys.
func AppendUsage(ctx context.Context, q store.DBTX, e UsageEntry) error {
	var licenseID any
	if e.LicenseID != nil {
		licenseID = *e.LicenseID
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO usage_logs (license_id, action, machine_id, ip_address, success, error_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		licenseID, string(e.Action), e.MachineID, e.IP, store.BoolToInt(e.Success), e.ErrorCode, store.Millis(e.CreatedAt))
	if err != nil {
		return internalerrors.Internal("ledger.append_usage", err)
	}
	return nil
}

// RecentUsage returns the newest usage records of a license.
func RecentUsage(ctx context.Context, q store.DBTX, licenseID int64, limit int) ([]UsageEntry, error) {
	const op = "ledger.recent_usage"
	if limit <= 0 {
		limit = defaultUsageLimit
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, license_id, action, machine_id, ip_address, success, error_code, created_at
		FROM usage_logs WHERE license_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, licenseID, limit)
	if err != nil {
		return nil, internalerrors.Internal(op, err)
	}
	defer rows.Close()

	out := []UsageEntry{}
	for rows.Next() {
		var (
			e         UsageEntry
			id        sql.NullInt64
			action    string
			success   int
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &id, &action, &e.MachineID, &e.IP, &success, &e.ErrorCode, &createdAt); err != nil {
			return nil, internalerrors.Internal(op, err)
		}
		if id.Valid {
			v := id.Int64
			e.LicenseID = &v
		}
		e.Action = Action(action)
		e.Success = success != 0
		e.CreatedAt = store.FromMillis(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.Internal(op, err)
	}
	return out, nil
}
