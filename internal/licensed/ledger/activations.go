package ledger

import (
	"context"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

// Device identifies the machine calling the protocol.
type Device struct {
	MachineID string `json:"machineId"`
	Platform  string `json:"platform,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

// Activation is a device seen for a license. It is informational and does
// not gate activation or verification.
type Activation struct {
	ID          int64     `json:"id"`
	LicenseID   int64     `json:"licenseId"`
	MachineID   string    `json:"machineId"`
	Platform    string    `json:"platform,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// RecordActivation upserts the device row for licenseID. Empty platform or
// hostname values keep what was stored before.
func RecordActivation(ctx context.Context, q store.DBTX, licenseID int64, d Device, now time.Time) error {
	const op = "ledger.record_activation"
	machineID := strings.TrimSpace(d.MachineID)
	if machineID == "" {
		return internalerrors.Invalid(op, "machine id is required")
	}
	ms := store.Millis(now)
	_, err := q.ExecContext(ctx, `
		INSERT INTO activations (license_id, machine_id, platform, hostname, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_id, machine_id) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			platform = CASE WHEN excluded.platform <> '' THEN excluded.platform ELSE activations.platform END,
			hostname = CASE WHEN excluded.hostname <> '' THEN excluded.hostname ELSE activations.hostname END`,
		licenseID, machineID, strings.TrimSpace(d.Platform), strings.TrimSpace(d.Hostname), ms, ms)
	if err != nil {
		return internalerrors.Internal(op, err)
	}
	return nil
}

// UnbindDevice removes a device from a license.
func UnbindDevice(ctx context.Context, q store.DBTX, licenseID int64, machineID string) error {
	const op = "ledger.unbind_device"
	n, err := execAffected(ctx, q, op,
		`DELETE FROM activations WHERE license_id = ? AND machine_id = ?`, licenseID, strings.TrimSpace(machineID))
	if err != nil {
		return err
	}
	if n == 0 {
		return internalerrors.NotFound(op, "device not found")
	}
	return nil
}

// ListActivations returns the devices of a license, most recently seen first.
func ListActivations(ctx context.Context, q store.DBTX, licenseID int64) ([]Activation, error) {
	const op = "ledger.list_activations"
	rows, err := q.QueryContext(ctx, `
		SELECT id, license_id, machine_id, platform, hostname, first_seen_at, last_seen_at
		FROM activations WHERE license_id = ? ORDER BY last_seen_at DESC, id DESC`, licenseID)
	if err != nil {
		return nil, internalerrors.Internal(op, err)
	}
	defer rows.Close()

	out := []Activation{}
	for rows.Next() {
		var (
			a         Activation
			firstSeen int64
			lastSeen  int64
		)
		if err := rows.Scan(&a.ID, &a.LicenseID, &a.MachineID, &a.Platform, &a.Hostname, &firstSeen, &lastSeen); err != nil {
			return nil, internalerrors.Internal(op, err)
		}
		a.FirstSeenAt = store.FromMillis(firstSeen)
		a.LastSeenAt = store.FromMillis(lastSeen)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, internalerrors.Internal(op, err)
	}
	return out, nil
}
