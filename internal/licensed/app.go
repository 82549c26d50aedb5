// Package licensed wires the license server: configuration, services,
// routes and the HTTP server lifecycle.
package licensed

import (
	"fmt"
	"time"

	"github.com/rcourtman/licensed/internal/licensed/allocation"
	"github.com/rcourtman/licensed/internal/licensed/keygen"
	"github.com/rcourtman/licensed/internal/licensed/store"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
	"github.com/rcourtman/licensed/internal/licensed/vault"
	"github.com/rcourtman/licensed/internal/licensed/verify"
)

// App holds the constructed services. The CLI and the server share it.
type App struct {
	Config   *Config
	Store    *store.Store
	Engine   *allocation.Engine
	Tokens   *tokenpool.Manager
	Verifier *verify.Service
}

// NewApp opens the store and builds every service from cfg. now may be nil
// to use the wall clock.
func NewApp(cfg *Config, now func() time.Time) (*App, error) {
	if now == nil {
		now = time.Now
	}
	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init token vault: %w", err)
	}
	st, err := store.Open(cfg.DataDir, store.Options{OpTimeout: cfg.DBTimeout})
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}
	return &App{
		Config:   cfg,
		Store:    st,
		Engine:   allocation.New(st, keygen.New(cfg.KeyPrefix, cfg.EmailDomain), now),
		Tokens:   tokenpool.NewManager(st, v, now),
		Verifier: verify.New(st, v, now),
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
