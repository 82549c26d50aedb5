// Package verify serves the machine-facing activate, verify and inject calls.
//
// Calls run as standalone statements rather than one transaction: the only
// writes are the first-activation compare-and-swap, the last-verified touch
// and the lazy expiry, and the lazy expiry must persist even though the call
// itself is rejected. Every call appends a usage record.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/keygen"
	"github.com/rcourtman/licensed/internal/licensed/ledger"
	"github.com/rcourtman/licensed/internal/licensed/lsmetrics"
	"github.com/rcourtman/licensed/internal/licensed/store"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
)

// Decrypter opens stored token secrets.
type Decrypter interface {
	Decrypt(ciphertext, iv string) (string, error)
}

// Request carries the caller's license key and device details.
type Request struct {
	LicenseKey string
	MachineID  string
	Platform   string
	Hostname   string
	IP         string
}

func (r Request) device() ledger.Device {
	return ledger.Device{
		MachineID: strings.TrimSpace(r.MachineID),
		Platform:  strings.TrimSpace(r.Platform),
		Hostname:  strings.TrimSpace(r.Hostname),
	}
}

// ActivateResult is returned by a successful Activate.
type ActivateResult struct {
	Secret        string
	Email         string
	ExpiresAt     time.Time
	RemainingDays int
}

// VerifyResult is returned by a successful Verify.
type VerifyResult struct {
	Secret        string
	Email         string
	ExpiresAt     time.Time
	RemainingDays int
	Receipt       Receipt
	// Signature is reserved for signed receipts and is always empty.
	Signature  string
	ServerTime time.Time
}

// InjectResult is returned by a successful Inject.
type InjectResult struct {
	Secret string
	Email  string
}

// Receipt describes a verified license for the client to cache.
type Receipt struct {
	LicenseID  int64         `json:"licenseId"`
	KeyPrefix  string        `json:"keyPrefix"`
	Device     ledger.Device `json:"device"`
	MaxDevices int           `json:"maxDevices"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	IssuedAt   time.Time     `json:"issuedAt"`
	NotAfter   time.Time     `json:"notAfter"`
}

// Service implements the protocol over the license store.
type Service struct {
	store *store.Store
	vault Decrypter
	now   func() time.Time
}

// New returns a Service. now may be nil to use the wall clock.
func New(st *store.Store, vault Decrypter, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, vault: vault, now: now}
}

func errRevoked(op string) error {
	return internalerrors.Conflict(internalerrors.CodeRevoked, op, "license has been revoked")
}

func errExpired(op string) error {
	return internalerrors.Conflict(internalerrors.CodeExpired, op, "license has expired")
}

func errNotActivated(op string) error {
	return internalerrors.Conflict(internalerrors.CodeNotActivated, op, "license has not been activated")
}

func errInvalidOrInactive(op string) error {
	return internalerrors.New(internalerrors.KindNotFound, internalerrors.CodeInvalidOrInactive, op, "license is invalid or inactive")
}

// Activate checks the license, performs first activation when it is pending
// and returns the bound secret.
func (s *Service) Activate(ctx context.Context, req Request) (res *ActivateResult, err error) {
	const op = "verify.activate"
	started := time.Now()
	var licenseID *int64
	defer func() { s.finish(ctx, ledger.ActionActivate, licenseID, req, started, err) }()

	opCtx, cancel := s.store.WithTimeout(ctx)
	defer cancel()
	q := s.store.DB()
	now := s.now()

	l, err := ledger.GetByKey(opCtx, q, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	licenseID = &l.ID

	l, err = s.ensureActive(opCtx, q, l, now, op)
	if err != nil {
		return nil, err
	}
	if l.ExpiresAt == nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("active license %d has no expiry", l.ID))
	}

	secret, err := s.secret(opCtx, q, l, op)
	if err != nil {
		return nil, err
	}
	s.recordDevice(opCtx, q, l.ID, req, now)

	return &ActivateResult{
		Secret:        secret,
		Email:         l.Email,
		ExpiresAt:     *l.ExpiresAt,
		RemainingDays: ledger.RemainingDays(*l.ExpiresAt, now),
	}, nil
}

// ensureActive evaluates l against the state machine, activating a pending
// license. It returns the license as stored after any transition.
func (s *Service) ensureActive(ctx context.Context, q store.DBTX, l *ledger.License, now time.Time, op string) (*ledger.License, error) {
	for attempt := 0; ; attempt++ {
		switch l.Status {
		case ledger.StatusRevoked:
			return nil, errRevoked(op)
		case ledger.StatusExpired:
			return nil, errExpired(op)
		case ledger.StatusActive:
			if ledger.IsExpired(l, now) {
				return nil, s.expire(ctx, q, l, op)
			}
			if err := ledger.Touch(ctx, q, l.ID, now); err != nil {
				return nil, err
			}
			return l, nil
		case ledger.StatusPending:
			if attempt > 0 {
				return nil, internalerrors.Internal(op, fmt.Errorf("license %d still pending after activation", l.ID))
			}
			won, err := ledger.Activate(ctx, q, l.ID, now)
			if err != nil {
				return nil, err
			}
			reloaded, err := ledger.Get(ctx, q, l.ID)
			if err != nil {
				return nil, err
			}
			if !won {
				// A concurrent first activation won; evaluate what it stored.
				l = reloaded
				continue
			}
			log.Info().
				Int64("license_id", l.ID).
				Int("valid_days", l.ValidDays).
				Msg("License activated")
			if reloaded.Status != ledger.StatusActive {
				return nil, errExpired(op)
			}
			return reloaded, nil
		default:
			return nil, internalerrors.Internal(op, fmt.Errorf("license %d has unknown status %q", l.ID, l.Status))
		}
	}
}

func (s *Service) expire(ctx context.Context, q store.DBTX, l *ledger.License, op string) error {
	if err := ledger.Expire(ctx, q, l.ID); err != nil {
		return err
	}
	log.Info().Int64("license_id", l.ID).Msg("License expired")
	return errExpired(op)
}

// Verify checks an activated license and returns its secret with a receipt.
// It never activates a pending license.
func (s *Service) Verify(ctx context.Context, req Request) (res *VerifyResult, err error) {
	const op = "verify.verify"
	started := time.Now()
	var licenseID *int64
	defer func() { s.finish(ctx, ledger.ActionVerify, licenseID, req, started, err) }()

	opCtx, cancel := s.store.WithTimeout(ctx)
	defer cancel()
	q := s.store.DB()
	now := s.now()

	l, err := ledger.GetByKey(opCtx, q, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	licenseID = &l.ID

	switch l.Status {
	case ledger.StatusRevoked:
		return nil, errRevoked(op)
	case ledger.StatusPending:
		return nil, errNotActivated(op)
	case ledger.StatusExpired:
		return nil, errExpired(op)
	case ledger.StatusActive:
	default:
		return nil, internalerrors.Internal(op, fmt.Errorf("license %d has unknown status %q", l.ID, l.Status))
	}
	if ledger.IsExpired(l, now) {
		return nil, s.expire(opCtx, q, l, op)
	}
	if l.ExpiresAt == nil || l.ActivatedAt == nil {
		return nil, internalerrors.Internal(op, fmt.Errorf("active license %d has no activation window", l.ID))
	}
	if err := ledger.Touch(opCtx, q, l.ID, now); err != nil {
		return nil, err
	}

	secret, err := s.secret(opCtx, q, l, op)
	if err != nil {
		return nil, err
	}
	s.recordDevice(opCtx, q, l.ID, req, now)

	return &VerifyResult{
		Secret:        secret,
		Email:         l.Email,
		ExpiresAt:     *l.ExpiresAt,
		RemainingDays: ledger.RemainingDays(*l.ExpiresAt, now),
		Receipt: Receipt{
			LicenseID:  l.ID,
			KeyPrefix:  keygen.KeyPrefix(l.Key),
			Device:     req.device(),
			MaxDevices: l.MaxDevices,
			ExpiresAt:  *l.ExpiresAt,
			IssuedAt:   *l.ActivatedAt,
			NotAfter:   *l.ExpiresAt,
		},
		ServerTime: now,
	}, nil
}

// Inject returns the secret of an active license. Unknown, pending and
// revoked keys are indistinguishable to the caller.
func (s *Service) Inject(ctx context.Context, req Request) (res *InjectResult, err error) {
	const op = "verify.inject"
	started := time.Now()
	var licenseID *int64
	defer func() { s.finish(ctx, ledger.ActionInject, licenseID, req, started, err) }()

	opCtx, cancel := s.store.WithTimeout(ctx)
	defer cancel()
	q := s.store.DB()
	now := s.now()

	l, err := ledger.GetByKey(opCtx, q, req.LicenseKey)
	if err != nil {
		if errors.Is(err, internalerrors.ErrNotFound) {
			return nil, errInvalidOrInactive(op)
		}
		return nil, err
	}
	if l.Status != ledger.StatusActive {
		return nil, errInvalidOrInactive(op)
	}
	licenseID = &l.ID
	if ledger.IsExpired(l, now) {
		return nil, s.expire(opCtx, q, l, op)
	}

	secret, err := s.secret(opCtx, q, l, op)
	if err != nil {
		return nil, err
	}
	return &InjectResult{Secret: secret, Email: l.Email}, nil
}

// secret decrypts the token bound to l. A license without a token yields an
// empty secret; a missing row or failed decrypt is internal.
func (s *Service) secret(ctx context.Context, q store.DBTX, l *ledger.License, op string) (string, error) {
	if l.TokenID == nil {
		return "", nil
	}
	tok, err := tokenpool.Get(ctx, q, *l.TokenID)
	if err != nil {
		return "", internalerrors.Internal(op, fmt.Errorf("load token for license %d: %w", l.ID, err))
	}
	secret, err := s.vault.Decrypt(tok.Encrypted, tok.IV)
	if err != nil {
		return "", internalerrors.Internal(op, fmt.Errorf("decrypt token %d: %w", tok.ID, err))
	}
	return secret, nil
}

func (s *Service) recordDevice(ctx context.Context, q store.DBTX, licenseID int64, req Request, now time.Time) {
	d := req.device()
	if d.MachineID == "" {
		return
	}
	if err := ledger.RecordActivation(ctx, q, licenseID, d, now); err != nil {
		log.Warn().Err(err).Int64("license_id", licenseID).Msg("Failed to record device")
	}
}

// finish appends the usage record and updates metrics. Usage write failures
// are logged and do not change the call's result.
func (s *Service) finish(ctx context.Context, action ledger.Action, licenseID *int64, req Request, started time.Time, err error) {
	code := ""
	if err != nil {
		code = internalerrors.CodeOf(err)
	}
	lsmetrics.ProtocolRequestsTotal.WithLabelValues(string(action), lsmetrics.Outcome(err)).Inc()
	lsmetrics.ProtocolDuration.WithLabelValues(string(action)).Observe(time.Since(started).Seconds())

	logCtx, cancel := s.store.WithTimeout(context.WithoutCancel(ctx))
	defer cancel()
	entry := ledger.UsageEntry{
		LicenseID: licenseID,
		Action:    action,
		MachineID: strings.TrimSpace(req.MachineID),
		IP:        req.IP,
		Success:   err == nil,
		ErrorCode: code,
		CreatedAt: s.now(),
	}
	if logErr := ledger.AppendUsage(logCtx, s.store.DB(), entry); logErr != nil {
		log.Warn().Err(logErr).Str("action", string(action)).Msg("Failed to append usage log")
	}

	if err != nil && internalerrors.As(err).Kind == internalerrors.KindInternal {
		log.Error().Err(err).Str("action", string(action)).Msg("Protocol call failed")
	}
}
