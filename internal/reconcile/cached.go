package reconcile

import (
	"context"
	"time"

	"github.com/savegress/oeesense/pkg/models"
)

// DailyMetricReader reads precomputed daily rollups
type DailyMetricReader interface {
	FindDailyMetrics(ctx context.Context, machineIDs []string, from, to time.Time) ([]*models.DailyOeeMetric, error)
}

// CachedProvider averages precomputed DailyOeeMetric rows. A day without
// rows and a genuine zero-OEE day look the same to it.
type CachedProvider struct {
	store DailyMetricReader
}

// NewCachedProvider creates a provider over the daily rollup table
func NewCachedProvider(store DailyMetricReader) *CachedProvider {
	return &CachedProvider{store: store}
}

func (p *CachedProvider) Name() string { return SourceCached }

// Overview averages the scores of all rows and sums their totals
func (p *CachedProvider) Overview(ctx context.Context, machines []*models.Machine, from, to time.Time) (*models.OverviewMetrics, error) {
	rows, err := p.store.FindDailyMetrics(ctx, machineIDs(machines), from, to)
	if err != nil {
		return nil, err
	}
	m := average(rows)
	return &models.OverviewMetrics{
		OEE:             m.OEE,
		Availability:    m.Availability,
		Performance:     m.Performance,
		Quality:         m.Quality,
		GoodCount:       m.TotalGood,
		RejectCount:     m.TotalReject,
		DowntimeMinutes: float64(m.TotalDowntime) / 60,
		MaterialLoss:    m.TotalMaterialLoss,
	}, nil
}

// Trend averages rows per day
func (p *CachedProvider) Trend(ctx context.Context, machines []*models.Machine, from, to time.Time) ([]models.TrendPoint, error) {
	rows, err := p.store.FindDailyMetrics(ctx, machineIDs(machines), from, to)
	if err != nil {
		return nil, err
	}

	var points []models.TrendPoint
	for start := 0; start < len(rows); {
		day := models.Day(rows[start].Date)
		end := start
		for end < len(rows) && models.Day(rows[end].Date).Equal(day) {
			end++
		}
		m := average(rows[start:end])
		points = append(points, models.TrendPoint{
			Date:            day,
			OEE:             m.OEE,
			Availability:    m.Availability,
			Performance:     m.Performance,
			Quality:         m.Quality,
			GoodCount:       m.TotalGood,
			RejectCount:     m.TotalReject,
			DowntimeMinutes: float64(m.TotalDowntime) / 60,
		})
		start = end
	}
	return points, nil
}

// average returns mean scores and summed totals of rows
func average(rows []*models.DailyOeeMetric) models.DailyOeeMetric {
	var m models.DailyOeeMetric
	if len(rows) == 0 {
		return m
	}
	for _, r := range rows {
		m.Availability += r.Availability
		m.Performance += r.Performance
		m.Quality += r.Quality
		m.OEE += r.OEE
		m.TotalGood += r.TotalGood
		m.TotalReject += r.TotalReject
		m.TotalDowntime += r.TotalDowntime
		m.TotalRunTime += r.TotalRunTime
		m.TotalMaterialLoss += r.TotalMaterialLoss
	}
	n := float64(len(rows))
	m.Availability /= n
	m.Performance /= n
	m.Quality /= n
	m.OEE /= n
	return m
}
