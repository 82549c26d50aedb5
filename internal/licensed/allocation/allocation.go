// Package allocation creates license batches. Token selection, license inserts
// and token binds for a batch run in one transaction so a batch is committed
// whole or not at all.
package allocation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/ledger"
	"github.com/rcourtman/licensed/internal/licensed/lsmetrics"
	"github.com/rcourtman/licensed/internal/licensed/store"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
)

// Mode selects how tokens are chosen for a batch.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
	ModeManual    Mode = "manual"
)

const (
	MaxBatchSize   = 1000
	MaxValidDays   = 3650
	MaxDevices     = 10
	MaxNoteLength  = 255
	maxKeyAttempts = 5
)

// KeyGenerator produces license keys and display emails.
type KeyGenerator interface {
	LicenseKey() (string, error)
	DisplayEmail() (string, error)
}

// BatchRequest describes a batch to generate.
type BatchRequest struct {
	Count      int
	ValidDays  int
	MaxDevices int
	Note       string
	Mode       Mode
	// TokenIDs lists the tokens to bind, one per license, in ModeManual.
	TokenIDs  []int64
	CreatedBy string
}

// Issued is a license created by a batch.
type Issued struct {
	ID          int64  `json:"id"`
	LicenseKey  string `json:"licenseKey"`
	CursorEmail string `json:"cursorEmail"`
	ValidDays   int    `json:"validDays"`
	MaxDevices  int    `json:"maxDevices"`
	Exclusive   bool   `json:"exclusive"`
	TokenID     int64  `json:"tokenId"`
}

// Engine allocates tokens to new licenses.
type Engine struct {
	store *store.Store
	keys  KeyGenerator
	now   func() time.Time
}

// New returns an Engine. now may be nil to use the wall clock.
func New(st *store.Store, keys KeyGenerator, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, keys: keys, now: now}
}

func normalize(req BatchRequest) (BatchRequest, error) {
	const op = "allocation.validate"
	if req.Mode == "" {
		req.Mode = ModeShared
	}
	if req.MaxDevices == 0 {
		req.MaxDevices = 1
	}
	req.Note = strings.TrimSpace(req.Note)

	switch {
	case req.Count < 1 || req.Count > MaxBatchSize:
		return req, internalerrors.Invalid(op, fmt.Sprintf("count must be between 1 and %d", MaxBatchSize))
	case req.ValidDays < 0 || req.ValidDays > MaxValidDays:
		return req, internalerrors.Invalid(op, fmt.Sprintf("validDays must be between 0 and %d", MaxValidDays))
	case req.MaxDevices < 1 || req.MaxDevices > MaxDevices:
		return req, internalerrors.Invalid(op, fmt.Sprintf("maxDevices must be between 1 and %d", MaxDevices))
	case utf8.RuneCountInString(req.Note) > MaxNoteLength:
		return req, internalerrors.Invalid(op, fmt.Sprintf("note must be at most %d characters", MaxNoteLength))
	}

	switch req.Mode {
	case ModeExclusive, ModeShared:
		if len(req.TokenIDs) > 0 {
			return req, internalerrors.Invalid(op, "token ids are only accepted in manual mode")
		}
	case ModeManual:
		if len(req.TokenIDs) != req.Count {
			return req, internalerrors.Invalid(op,
				fmt.Sprintf("manual mode needs exactly %d token ids, got %d", req.Count, len(req.TokenIDs)))
		}
	default:
		return req, internalerrors.Invalid(op, fmt.Sprintf("unknown allocation mode %q", req.Mode))
	}
	return req, nil
}

// GenerateBatch creates req.Count pending licenses, each bound to its own
// token. Any failure rolls back the whole batch.
func (e *Engine) GenerateBatch(ctx context.Context, req BatchRequest) ([]Issued, error) {
	req, err := normalize(req)
	if err != nil {
		lsmetrics.BatchesTotal.WithLabelValues(string(req.Mode), lsmetrics.Outcome(err)).Inc()
		return nil, err
	}

	var issued []Issued
	err = e.store.InTx(ctx, func(tx store.DBTX) error {
		now := e.now()
		tokens, err := selectTokens(ctx, tx, req)
		if err != nil {
			return err
		}

		issued = make([]Issued, 0, len(tokens))
		for _, tok := range tokens {
			exclusive := req.Mode == ModeExclusive || (req.Mode == ModeManual && tok.Exclusive)
			item, err := e.issueOne(ctx, tx, req, tok.ID, exclusive, now)
			if err != nil {
				return err
			}
			issued = append(issued, item)
		}
		return nil
	})

	lsmetrics.BatchesTotal.WithLabelValues(string(req.Mode), lsmetrics.Outcome(err)).Inc()
	if err != nil {
		log.Warn().
			Str("mode", string(req.Mode)).
			Int("count", req.Count).
			Str("code", internalerrors.CodeOf(err)).
			Err(err).
			Msg("License batch rejected")
		return nil, err
	}

	lsmetrics.LicensesIssuedTotal.WithLabelValues(string(req.Mode)).Add(float64(len(issued)))
	log.Info().
		Str("mode", string(req.Mode)).
		Int("count", len(issued)).
		Int("valid_days", req.ValidDays).
		Str("created_by", req.CreatedBy).
		Msg("License batch generated")
	return issued, nil
}

func selectTokens(ctx context.Context, tx store.DBTX, req BatchRequest) ([]*tokenpool.Token, error) {
	switch req.Mode {
	case ModeExclusive:
		return tokenpool.SelectExclusiveAvailable(ctx, tx, req.Count)
	case ModeManual:
		return tokenpool.SelectByIDs(ctx, tx, req.TokenIDs)
	default:
		return tokenpool.SelectSharedAvailable(ctx, tx, req.Count)
	}
}

func (e *Engine) issueOne(ctx context.Context, tx store.DBTX, req BatchRequest, tokenID int64, exclusive bool, now time.Time) (Issued, error) {
	const op = "allocation.generate_batch"
	email, err := e.keys.DisplayEmail()
	if err != nil {
		return Issued{}, internalerrors.Internal(op, err)
	}

	var (
		key string
		id  int64
	)
	for attempt := 1; ; attempt++ {
		key, err = e.keys.LicenseKey()
		if err != nil {
			return Issued{}, internalerrors.Internal(op, err)
		}
		id, err = ledger.Insert(ctx, tx, ledger.NewLicense{
			Key:        key,
			TokenID:    &tokenID,
			Email:      email,
			ValidDays:  req.ValidDays,
			MaxDevices: req.MaxDevices,
			Note:       req.Note,
			CreatedBy:  req.CreatedBy,
		}, now)
		if err == nil {
			break
		}
		if !internalerrors.HasCode(err, internalerrors.CodeKeyCollision) {
			return Issued{}, err
		}
		if attempt >= maxKeyAttempts {
			return Issued{}, internalerrors.Conflict(internalerrors.CodeKeyCollision, op,
				fmt.Sprintf("no unique license key after %d attempts", maxKeyAttempts))
		}
		log.Debug().Int("attempt", attempt).Msg("License key collision, regenerating")
	}

	if err := tokenpool.Bind(ctx, tx, tokenID, exclusive, now); err != nil {
		return Issued{}, bindFailure(req.Mode, err)
	}

	return Issued{
		ID:          id,
		LicenseKey:  key,
		CursorEmail: email,
		ValidDays:   req.ValidDays,
		MaxDevices:  req.MaxDevices,
		Exclusive:   exclusive,
		TokenID:     tokenID,
	}, nil
}

// bindFailure reports a lost bind race on a pooled selection as pool
// exhaustion. Manual selections keep TOKEN_UNAVAILABLE.
func bindFailure(mode Mode, err error) error {
	if !internalerrors.HasCode(err, internalerrors.CodeTokenUnavailable) {
		return err
	}
	const op = "allocation.generate_batch"
	switch mode {
	case ModeExclusive:
		return internalerrors.Exhausted(internalerrors.CodeInsufficientExclusiveToken, op, "exclusive token was taken concurrently")
	case ModeShared:
		return internalerrors.Exhausted(internalerrors.CodeInsufficientTokens, op, "token was taken concurrently")
	default:
		return err
	}
}

// DeleteLicense removes a license and releases its token assignment in one
// transaction. A consumed exclusive token stays consumed.
func (e *Engine) DeleteLicense(ctx context.Context, id int64) error {
	err := e.store.InTx(ctx, func(tx store.DBTX) error {
		l, err := ledger.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if l.TokenID != nil {
			if err := tokenpool.Unbind(ctx, tx, *l.TokenID); err != nil {
				return err
			}
		}
		return ledger.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	log.Info().Int64("license_id", id).Msg("License deleted")
	return nil
}
