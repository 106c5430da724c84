// Package reconcile answers overview, trend and breakdown queries by
// trying an ordered chain of metric providers.
package reconcile

import (
	"context"
	"time"

	"github.com/savegress/oeesense/pkg/models"
)

// Provider names reported in OverviewMetrics.Source
const (
	SourceCached = "cached"
	SourceLive   = "live"
)

// Provider computes metrics for a set of machines over [from, to)
type Provider interface {
	Name() string
	Overview(ctx context.Context, machines []*models.Machine, from, to time.Time) (*models.OverviewMetrics, error)
	// Trend returns one point per day that has data, ordered by date
	Trend(ctx context.Context, machines []*models.Machine, from, to time.Time) ([]models.TrendPoint, error)
}

func machineIDs(machines []*models.Machine) []string {
	ids := make([]string, 0, len(machines))
	for _, m := range machines {
		ids = append(ids, m.ID)
	}
	return ids
}
