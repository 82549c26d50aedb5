// Package auditlog resolves request metadata and emits structured audit
// records for admin actions.
package auditlog

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ClientIP resolves the best-effort client IP for audit metadata.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}

	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return strings.Trim(rip, "[]")
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}

// RequestPath returns a stable request path for audit metadata.
func RequestPath(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if p := strings.TrimSpace(r.URL.Path); p != "" {
		return p
	}
	return "/"
}

// Event is one admin action.
type Event struct {
	Action  string
	Actor   string
	Target  string
	Outcome string
	Fields  map[string]any
}

// Record writes e to the global logger with the request's metadata.
func Record(r *http.Request, e Event) {
	record(log.Logger, r, e)
}

func record(logger zerolog.Logger, r *http.Request, e Event) {
	outcome := e.Outcome
	if outcome == "" {
		outcome = "ok"
	}
	ev := logger.Info()
	if outcome != "ok" {
		ev = logger.Warn()
	}
	ev = ev.
		Str("audit_action", e.Action).
		Str("actor", e.Actor).
		Str("outcome", outcome).
		Str("client_ip", ClientIP(r)).
		Str("path", RequestPath(r))
	if e.Target != "" {
		ev = ev.Str("target", e.Target)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("Admin action")
}
