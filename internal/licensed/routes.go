package licensed

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/licensed/internal/licensed/admin"
	"github.com/rcourtman/licensed/internal/licensed/api"
)

// Authenticator returns the admin authenticator configured by cfg.
func (c *Config) Authenticator() *admin.Authenticator {
	a := &admin.Authenticator{AdminKey: c.AdminKey}
	if c.JWTSecret != "" {
		a.JWTSecret = []byte(c.JWTSecret)
	}
	return a
}

// Routes builds the complete HTTP handler for app.
func (a *App) Routes(version string) http.Handler {
	mux := http.NewServeMux()
	adminAuth := a.Config.Authenticator().Middleware

	// Health / readiness are unauthenticated probes.
	mux.HandleFunc("GET /healthz", admin.HandleHealthz)
	mux.HandleFunc("GET /readyz", admin.HandleReadyz(a.Store))

	// Status is always private; metrics are private unless configured public.
	mux.Handle("GET /status", adminAuth(admin.HandleStatus(a.Store, version)))
	metricsHandler := promhttp.Handler()
	if a.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminAuth(metricsHandler))
	}

	h := api.New(a.Store, a.Engine, a.Tokens, a.Verifier)
	h.Register(mux, "", adminAuth)
	h.Register(mux, "/v1", adminAuth)

	return api.ErrorHandler(mux)
}
