package tokenpool

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

const (
	minSecretLength = 10
	maxNoteLength   = 255
)

// Encrypter seals token secrets before they are stored.
type Encrypter interface {
	Encrypt(secret string) (ciphertext, iv string, err error)
}

// AddRequest describes a plaintext token to add to the pool.
type AddRequest struct {
	Secret         string
	Exclusive      bool
	MaxAssignments *int
	Note           string
	AddedBy        string
}

// Manager implements the admin token operations over a store.
type Manager struct {
	store *store.Store
	vault Encrypter
	now   func() time.Time
}

// NewManager returns a Manager. now may be nil to use the wall clock.
func NewManager(st *store.Store, vault Encrypter, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, vault: vault, now: now}
}

// Add encrypts req.Secret and stores it as an available token.
func (m *Manager) Add(ctx context.Context, req AddRequest) (int64, error) {
	const op = "tokenpool.manager.add"
	secret := strings.TrimSpace(req.Secret)
	if utf8.RuneCountInString(secret) < minSecretLength {
		return 0, internalerrors.Invalid(op, fmt.Sprintf("token must be at least %d characters", minSecretLength))
	}
	if utf8.RuneCountInString(req.Note) > maxNoteLength {
		return 0, internalerrors.Invalid(op, fmt.Sprintf("note must be at most %d characters", maxNoteLength))
	}

	ciphertext, iv, err := m.vault.Encrypt(secret)
	if err != nil {
		return 0, internalerrors.Internal(op, err)
	}

	ctx, cancel := m.store.WithTimeout(ctx)
	defer cancel()
	id, err := Add(ctx, m.store.DB(), NewToken{
		Encrypted:      ciphertext,
		IV:             iv,
		Exclusive:      req.Exclusive,
		MaxAssignments: req.MaxAssignments,
		Note:           req.Note,
		AddedBy:        req.AddedBy,
	}, m.now())
	if err != nil {
		return 0, err
	}
	log.Info().
		Int64("token_id", id).
		Bool("exclusive", req.Exclusive).
		Str("added_by", req.AddedBy).
		Msg("Token added to pool")
	return id, nil
}

// Get loads a token. The secret stays encrypted.
func (m *Manager) Get(ctx context.Context, id int64) (*Token, error) {
	ctx, cancel := m.store.WithTimeout(ctx)
	defer cancel()
	return Get(ctx, m.store.DB(), id)
}

// Delete removes an unreferenced token.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	ctx, cancel := m.store.WithTimeout(ctx)
	defer cancel()
	if err := Delete(ctx, m.store.DB(), id); err != nil {
		return err
	}
	log.Info().Int64("token_id", id).Msg("Token deleted")
	return nil
}

// SetStatus enables or disables a token.
func (m *Manager) SetStatus(ctx context.Context, id int64, status Status) error {
	ctx, cancel := m.store.WithTimeout(ctx)
	defer cancel()
	if err := SetStatus(ctx, m.store.DB(), id, status); err != nil {
		return err
	}
	log.Info().Int64("token_id", id).Str("status", string(status)).Msg("Token status changed")
	return nil
}

// Stats summarises the pool.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := m.store.WithTimeout(ctx)
	defer cancel()
	return GetStats(ctx, m.store.DB())
}
