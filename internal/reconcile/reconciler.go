package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/cache"
	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/pkg/models"
	"github.com/savegress/oeesense/pkg/workerpool"
)

// Trend modes
const (
	TrendCalendar       = "calendar"
	TrendProductionDays = "production_days"
)

// Store is the data the reconciler reads and writes directly
type Store interface {
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	ListPlants(ctx context.Context, ids []string) ([]*models.Plant, error)
	ListLines(ctx context.Context, plantID string) ([]*models.Line, error)
	ListMachines(ctx context.Context, lineID string) ([]*models.Machine, error)
	MachinesInScope(ctx context.Context, scope models.Scope) ([]*models.Machine, error)
	UpsertDailyMetric(ctx context.Context, m *models.DailyOeeMetric) error
}

// ResultCache stores query results between requests
type ResultCache interface {
	Key(parts ...string) string
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	DeletePattern(ctx context.Context, pattern string) error
}

// Options tune result acceptance
type Options struct {
	TrendMode          string
	ProductionWeekdays []time.Weekday
	// MinCoverage is the share of expected production days a trend must
	// cover in production-days mode
	MinCoverage float64
}

// Reconciler tries providers in order until one yields acceptable data
type Reconciler struct {
	store     Store
	providers []Provider
	live      *LiveProvider
	pool      *workerpool.WorkerPool
	cache     ResultCache
	opts      Options
	logger    *zap.Logger
}

// NewReconciler creates a reconciler. Without explicit providers the
// chain is cached rollups, then live recomputation. live also serves
// RollupDay.
func NewReconciler(store Store, live *LiveProvider, cached *CachedProvider, pool *workerpool.WorkerPool, opts Options, logger *zap.Logger, providers ...Provider) *Reconciler {
	if len(providers) == 0 {
		if cached != nil {
			providers = append(providers, cached)
		}
		providers = append(providers, live)
	}
	if opts.TrendMode == "" {
		opts.TrendMode = TrendCalendar
	}
	return &Reconciler{
		store:     store,
		providers: providers,
		live:      live,
		pool:      pool,
		opts:      opts,
		logger:    logging.OrNop(logger),
	}
}

// WithCache enables the result cache
func (r *Reconciler) WithCache(c ResultCache) *Reconciler {
	r.cache = c
	return r
}

// Overview returns scope metrics for the inclusive day range
func (r *Reconciler) Overview(ctx context.Context, scope models.Scope, from, to time.Time) (*models.OverviewMetrics, error) {
	start, end := models.DateRange(from, to)
	key := r.cacheKey("overview", scope, start, end)

	var cached models.OverviewMetrics
	if r.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	result, err := r.overview(ctx, scope, start, end)
	if err != nil {
		return nil, err
	}
	r.cacheSet(ctx, key, result)
	return result, nil
}

// Trend returns one point per day with data for the inclusive day range.
// Each day falls back through the provider chain on its own.
func (r *Reconciler) Trend(ctx context.Context, scope models.Scope, from, to time.Time) ([]models.TrendPoint, error) {
	start, end := models.DateRange(from, to)
	key := r.cacheKey("trend", scope, start, end)

	var cached []models.TrendPoint
	if r.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	machines, err := r.store.MachinesInScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	points := []models.TrendPoint{}
	if len(machines) > 0 {
		if points, err = r.trend(ctx, scope, machines, start, end); err != nil {
			return nil, err
		}
	}

	r.cacheSet(ctx, key, points)
	return points, nil
}

// Breakdown returns the overview of each child of a scope: lines of a
// plant, machines of a line, and permitted plants for a global scope.
func (r *Reconciler) Breakdown(ctx context.Context, scope models.Scope, from, to time.Time) ([]models.BreakdownRow, error) {
	start, end := models.DateRange(from, to)
	key := r.cacheKey("breakdown", scope, start, end)

	var cached []models.BreakdownRow
	if r.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	children, err := r.children(ctx, scope)
	if err != nil {
		return nil, err
	}

	rows := make([]models.BreakdownRow, len(children))
	fns := make([]func() error, len(children))
	for i, c := range children {
		i, c := i, c
		fns[i] = func() error {
			m, err := r.overview(ctx, c.scope, start, end)
			if err != nil {
				return err
			}
			rows[i] = models.BreakdownRow{
				ID:           c.scope.ID,
				Name:         c.name,
				Type:         c.scope.Level,
				OEE:          m.OEE,
				Availability: m.Availability,
				Performance:  m.Performance,
				Quality:      m.Quality,
				Source:       m.Source,
			}
			return nil
		}
	}
	if err := r.run(ctx, fns); err != nil {
		return nil, err
	}

	r.cacheSet(ctx, key, rows)
	return rows, nil
}

// RollupDay recomputes and stores the daily metric of a machine, then
// drops cached query results.
func (r *Reconciler) RollupDay(ctx context.Context, machineID string, day time.Time) error {
	machine, err := r.store.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	metric, err := r.live.DailyMetric(ctx, machine, day)
	if err != nil {
		return err
	}
	if err := r.store.UpsertDailyMetric(ctx, metric); err != nil {
		return err
	}

	if r.cache != nil {
		if err := r.cache.DeletePattern(ctx, r.cache.Key("*")); err != nil {
			r.logger.Warn("failed to invalidate result cache", zap.Error(err))
		}
	}
	r.logger.Info("daily metric rolled up",
		zap.String("machine_id", machineID),
		zap.Time("date", metric.Date),
		zap.Float64("oee", metric.OEE),
	)
	return nil
}

func (r *Reconciler) overview(ctx context.Context, scope models.Scope, start, end time.Time) (*models.OverviewMetrics, error) {
	machines, err := r.store.MachinesInScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(machines) == 0 {
		return &models.OverviewMetrics{}, nil
	}

	var (
		result  *models.OverviewMetrics
		lastErr error
	)
	for _, p := range r.providers {
		m, err := p.Overview(ctx, machines, start, end)
		if err != nil {
			r.logger.Warn("overview provider failed", zap.String("provider", p.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		lastErr = nil
		m.Source = p.Name()
		result = m
		if m.OEE > 0 {
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	// without acceptable data this is the last provider's answer
	return result, nil
}

// trend merges provider answers day by day. A day keeps the first
// non-zero point in provider order; days no provider filled take the last
// provider's point when it has one. In production-days mode a provider
// whose non-zero points cover less than MinCoverage of the expected
// production days is skipped unless it is the last one.
func (r *Reconciler) trend(ctx context.Context, scope models.Scope, machines []*models.Machine, start, end time.Time) ([]models.TrendPoint, error) {
	filled := make(map[time.Time]models.TrendPoint)
	var (
		last    []models.TrendPoint
		lastErr error
	)
	for i, p := range r.providers {
		got, err := p.Trend(ctx, machines, start, end)
		if err != nil {
			r.logger.Warn("trend provider failed", zap.String("provider", p.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		lastErr = nil
		last = got

		if i < len(r.providers)-1 && !r.covers(got, start, end) {
			r.logger.Debug("trend coverage too low",
				zap.String("provider", p.Name()),
				zap.String("scope", scope.Key()),
			)
			continue
		}
		for _, pt := range got {
			day := models.Day(pt.Date)
			if _, ok := filled[day]; !ok && pt.OEE > 0 {
				filled[day] = pt
			}
		}
		if r.complete(filled, start, end) {
			r.logger.Debug("trend answered", zap.String("provider", p.Name()), zap.String("scope", scope.Key()))
			break
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	for _, pt := range last {
		day := models.Day(pt.Date)
		if _, ok := filled[day]; !ok {
			filled[day] = pt
		}
	}

	points := make([]models.TrendPoint, 0, len(filled))
	for _, pt := range filled {
		points = append(points, pt)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

// covers reports whether a trend is dense enough to use. Only
// production-days mode checks coverage.
func (r *Reconciler) covers(points []models.TrendPoint, start, end time.Time) bool {
	if r.opts.TrendMode != TrendProductionDays {
		return true
	}
	expected := ProductionDays(start, end, r.opts.ProductionWeekdays)
	if expected == 0 {
		return true
	}
	covered := 0
	for _, p := range points {
		if p.OEE > 0 && isProductionDay(p.Date, r.opts.ProductionWeekdays) {
			covered++
		}
	}
	return float64(covered)/float64(expected) >= r.opts.MinCoverage
}

// complete reports whether every day that needs a point has a non-zero
// one: every calendar day, or every production day in production-days
// mode.
func (r *Reconciler) complete(filled map[time.Time]models.TrendPoint, start, end time.Time) bool {
	for d := models.Day(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		if r.opts.TrendMode == TrendProductionDays && !isProductionDay(d, r.opts.ProductionWeekdays) {
			continue
		}
		if _, ok := filled[d]; !ok {
			return false
		}
	}
	return true
}

// ProductionDays counts the days in [start, end) that fall on one of
// weekdays. No weekdays means every day.
func ProductionDays(start, end time.Time, weekdays []time.Weekday) int {
	n := 0
	for d := models.Day(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		if isProductionDay(d, weekdays) {
			n++
		}
	}
	return n
}

func isProductionDay(day time.Time, weekdays []time.Weekday) bool {
	if len(weekdays) == 0 {
		return true
	}
	for _, w := range weekdays {
		if day.Weekday() == w {
			return true
		}
	}
	return false
}

type child struct {
	scope models.Scope
	name  string
}

func (r *Reconciler) children(ctx context.Context, scope models.Scope) ([]child, error) {
	var result []child
	switch scope.Level {
	case models.ScopePlant:
		lines, err := r.store.ListLines(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		for _, l := range lines {
			result = append(result, child{scope: models.Scope{Level: models.ScopeLine, ID: l.ID}, name: l.Name})
		}
	case models.ScopeLine:
		machines, err := r.store.ListMachines(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range machines {
			result = append(result, child{scope: models.Scope{Level: models.ScopeMachine, ID: m.ID}, name: m.Name})
		}
	case models.ScopeMachine:
		// machines have no children
	default:
		plants, err := r.store.ListPlants(ctx, scope.PermittedPlantIDs)
		if err != nil {
			return nil, err
		}
		for _, p := range plants {
			result = append(result, child{scope: models.Scope{Level: models.ScopePlant, ID: p.ID}, name: p.Name})
		}
	}
	return result, nil
}

// run fans fns out on the pool, or runs them inline without one
func (r *Reconciler) run(ctx context.Context, fns []func() error) error {
	if r.pool == nil {
		for _, fn := range fns {
			if err := fn(); err != nil {
				return err
			}
		}
		return nil
	}
	return r.pool.Run(ctx, fns...)
}

func (r *Reconciler) cacheKey(kind string, scope models.Scope, start, end time.Time) string {
	if r.cache == nil {
		return ""
	}
	parts := []string{kind, scope.Key(), start.Format("2006-01-02"), end.Format("2006-01-02")}
	if len(scope.PermittedPlantIDs) > 0 {
		ids := append([]string(nil), scope.PermittedPlantIDs...)
		sort.Strings(ids)
		parts = append(parts, strings.Join(ids, ","))
	}
	return r.cache.Key(parts...)
}

func (r *Reconciler) cacheGet(ctx context.Context, key string, dest interface{}) bool {
	if r.cache == nil {
		return false
	}
	err := r.cache.Get(ctx, key, dest)
	if err == nil {
		return true
	}
	if !cache.IsMiss(err) {
		r.logger.Warn("result cache read failed", zap.String("key", key), zap.Error(err))
	}
	return false
}

func (r *Reconciler) cacheSet(ctx context.Context, key string, value interface{}) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, value); err != nil {
		r.logger.Warn("result cache write failed", zap.String("key", key), zap.Error(err))
	}
}
