package licensed

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/licensed/internal/licensed/admin"
	"github.com/rcourtman/licensed/internal/licensed/store"
)

const statusMetricsInterval = 60 * time.Second

func runStatusMetrics(ctx context.Context, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateStatusGauges(ctx, st)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, st)
		}
	}
}

func updateStatusGauges(ctx context.Context, st *store.Store) {
	if _, err := admin.Collect(ctx, st); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Failed to update status metrics")
	}
}
