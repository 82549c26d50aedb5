package lsmetrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	internalerrors "github.com/rcourtman/licensed/internal/errors"
)

var (
	// ProtocolRequestsTotal counts machine protocol calls by action and outcome code.
	ProtocolRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Subsystem: "protocol",
		Name:      "requests_total",
		Help:      "Total activate/verify/inject calls by action and outcome.",
	}, []string{"action", "outcome"})

	// ProtocolDuration tracks protocol call latency.
	ProtocolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "licensed",
		Subsystem: "protocol",
		Name:      "duration_seconds",
		Help:      "Protocol call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})

	// BatchesTotal counts batch generation attempts by mode and outcome.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "batches_total",
		Help:      "Total license batch generation attempts by mode and outcome.",
	}, []string{"mode", "outcome"})

	// LicensesIssuedTotal counts licenses committed by batch generation.
	LicensesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "licensed",
		Name:      "licenses_issued_total",
		Help:      "Total licenses issued by allocation mode.",
	}, []string{"mode"})

	// LicensesByStatus tracks the number of licenses in each lifecycle state.
	LicensesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "licensed",
		Name:      "licenses_by_status",
		Help:      "Number of licenses by status.",
	}, []string{"status"})

	// TokensByStatus tracks the number of pool tokens in each state.
	TokensByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "licensed",
		Name:      "tokens_by_status",
		Help:      "Number of tokens by status.",
	}, []string{"status"})
)

// Outcome maps an operation result to a low-cardinality label value.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(internalerrors.CodeOf(err))
}
