package reconcile

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/oee"
	"github.com/savegress/oeesense/internal/segment"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/internal/target"
	"github.com/savegress/oeesense/pkg/models"
)

// Rate modes of the live aggregate
const (
	RateModeMachine = "machine"
	RateModeAverage = "average"
)

// LiveStore is the data the live provider recomputes from
type LiveStore interface {
	FindShifts(ctx context.Context, filter storage.ShiftFilter) ([]*models.ShiftRecord, error)
	FindDowntimeByMachines(ctx context.Context, machineIDs []string, start, end time.Time) ([]*models.DowntimeEvent, error)
	ListReasonCodes(ctx context.Context, ids []string) ([]*models.ReasonCode, error)
}

// LiveProvider recomputes metrics from completed shifts and downtime with
// the aggregate formulas: summed counts, summed elapsed time and summed
// downtime clipped to each shift.
type LiveProvider struct {
	store    LiveStore
	engine   *oee.Engine
	rates    *target.RateResolver
	rateMode string
	logger   *zap.Logger
}

// NewLiveProvider creates a live provider. rateMode is RateModeMachine or
// RateModeAverage.
func NewLiveProvider(store LiveStore, engine *oee.Engine, rates *target.RateResolver, rateMode string, logger *zap.Logger) *LiveProvider {
	if rateMode == "" {
		rateMode = RateModeMachine
	}
	return &LiveProvider{
		store:    store,
		engine:   engine,
		rates:    rates,
		rateMode: rateMode,
		logger:   logging.OrNop(logger),
	}
}

func (p *LiveProvider) Name() string { return SourceLive }

// Overview aggregates every completed shift that started in [from, to)
func (p *LiveProvider) Overview(ctx context.Context, machines []*models.Machine, from, to time.Time) (*models.OverviewMetrics, error) {
	data, err := p.load(ctx, machines, from, to)
	if err != nil {
		return nil, err
	}
	if len(data.shifts) == 0 {
		return &models.OverviewMetrics{}, nil
	}

	t, err := p.sum(ctx, target.NewRateCache(), data, data.shifts)
	if err != nil {
		return nil, err
	}
	r := p.calculate(t, "overview")
	return &models.OverviewMetrics{
		OEE:             r.OEE,
		Availability:    r.Availability,
		Performance:     r.Performance,
		Quality:         r.Quality,
		GoodCount:       t.good,
		RejectCount:     t.reject,
		DowntimeMinutes: t.downtime.Minutes(),
		MaterialLoss:    t.materialLoss,
	}, nil
}

// Trend aggregates shifts per day of their start
func (p *LiveProvider) Trend(ctx context.Context, machines []*models.Machine, from, to time.Time) ([]models.TrendPoint, error) {
	data, err := p.load(ctx, machines, from, to)
	if err != nil {
		return nil, err
	}

	byDay := make(map[time.Time][]*models.ShiftRecord)
	for _, s := range data.shifts {
		day := models.Day(s.StartedAt)
		byDay[day] = append(byDay[day], s)
	}

	cache := target.NewRateCache()
	points := make([]models.TrendPoint, 0, len(byDay))
	for day, shifts := range byDay {
		t, err := p.sum(ctx, cache, data, shifts)
		if err != nil {
			return nil, err
		}
		r := p.calculate(t, "trend:"+day.Format("2006-01-02"))
		points = append(points, models.TrendPoint{
			Date:            day,
			OEE:             r.OEE,
			Availability:    r.Availability,
			Performance:     r.Performance,
			Quality:         r.Quality,
			GoodCount:       t.good,
			RejectCount:     t.reject,
			DowntimeMinutes: t.downtime.Minutes(),
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

// DailyMetric recomputes the rollup row of one machine and day
func (p *LiveProvider) DailyMetric(ctx context.Context, machine *models.Machine, day time.Time) (*models.DailyOeeMetric, error) {
	from := models.Day(day)
	data, err := p.load(ctx, []*models.Machine{machine}, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	t, err := p.sum(ctx, target.NewRateCache(), data, data.shifts)
	if err != nil {
		return nil, err
	}
	var r oee.Result
	if len(data.shifts) > 0 {
		r = p.calculate(t, "daily:"+machine.ID+":"+from.Format("2006-01-02"))
	}
	return &models.DailyOeeMetric{
		MachineID:         machine.ID,
		Date:              from,
		Availability:      r.Availability,
		Performance:       r.Performance,
		Quality:           r.Quality,
		OEE:               r.OEE,
		TotalGood:         t.good,
		TotalReject:       t.reject,
		TotalDowntime:     int64(t.downtime.Seconds()),
		TotalRunTime:      int64(t.run.Seconds()),
		TotalMaterialLoss: t.materialLoss,
	}, nil
}

type liveData struct {
	machines map[string]*models.Machine
	shifts   []*models.ShiftRecord
	// merged downtime per machine, all categories and planned only
	downtime map[string][]segment.Interval
	planned  map[string][]segment.Interval
}

func (p *LiveProvider) load(ctx context.Context, machines []*models.Machine, from, to time.Time) (*liveData, error) {
	data := &liveData{
		machines: make(map[string]*models.Machine, len(machines)),
		downtime: make(map[string][]segment.Interval),
		planned:  make(map[string][]segment.Interval),
	}
	for _, m := range machines {
		data.machines[m.ID] = m
	}
	if len(machines) == 0 {
		return data, nil
	}

	ids := machineIDs(machines)
	shifts, err := p.store.FindShifts(ctx, storage.ShiftFilter{
		MachineIDs: ids,
		From:       from,
		To:         to,
		Statuses:   []models.ShiftStatus{models.ShiftStatusCompleted},
	})
	if err != nil {
		return nil, err
	}
	for _, s := range shifts {
		if s.EndedAt != nil && s.EndedAt.After(s.StartedAt) {
			data.shifts = append(data.shifts, s)
		}
	}
	if len(data.shifts) == 0 {
		return data, nil
	}

	// shifts that started in range may end after it
	last := to
	for _, s := range data.shifts {
		if s.EndedAt.After(last) {
			last = *s.EndedAt
		}
	}
	events, err := p.store.FindDowntimeByMachines(ctx, ids, from, last)
	if err != nil {
		return nil, err
	}

	var reasonIDs []string
	seen := make(map[string]bool)
	for _, e := range events {
		if e.ReasonCodeID != nil && !seen[*e.ReasonCodeID] {
			seen[*e.ReasonCodeID] = true
			reasonIDs = append(reasonIDs, *e.ReasonCodeID)
		}
	}
	reasons := make(map[string]*models.ReasonCode)
	if len(reasonIDs) > 0 {
		codes, err := p.store.ListReasonCodes(ctx, reasonIDs)
		if err != nil {
			return nil, err
		}
		for _, rc := range codes {
			reasons[rc.ID] = rc
		}
	}

	all := make(map[string][]segment.Interval)
	planned := make(map[string][]segment.Interval)
	for _, e := range events {
		iv := segment.Interval{Start: e.StartTime, End: e.End(last)}
		all[e.MachineID] = append(all[e.MachineID], iv)
		if models.EventCategory(e, reasons) == models.ReasonPlanned {
			planned[e.MachineID] = append(planned[e.MachineID], iv)
		}
	}
	for id, ivs := range all {
		data.downtime[id] = segment.MergeIntervals(ivs)
	}
	for id, ivs := range planned {
		data.planned[id] = segment.MergeIntervals(ivs)
	}
	return data, nil
}

type totals struct {
	good, reject    int64
	elapsed, run    time.Duration
	downtime        time.Duration
	plannedDowntime time.Duration
	standardSeconds float64
	rateRunSeconds  float64 // Σ rate × run seconds
	materialLoss    float64
	fallbackRate    float64
}

func (p *LiveProvider) sum(ctx context.Context, cache *target.RateCache, data *liveData, shifts []*models.ShiftRecord) (totals, error) {
	var t totals
	for _, s := range shifts {
		start, end := s.StartedAt, *s.EndedAt
		elapsed := end.Sub(start)

		var down, planned time.Duration
		for _, iv := range data.downtime[s.MachineID] {
			down += segment.Overlap(start, end, iv)
		}
		for _, iv := range data.planned[s.MachineID] {
			planned += segment.Overlap(start, end, iv)
		}
		run := elapsed - down
		if run < 0 {
			run = 0
		}

		rate, err := p.rate(ctx, cache, data.machines[s.MachineID], s)
		if err != nil {
			return t, err
		}

		count := s.GoodCount + s.RejectCount
		t.good += s.GoodCount
		t.reject += s.RejectCount
		t.elapsed += elapsed
		t.run += run
		t.downtime += down
		t.plannedDowntime += planned
		t.standardSeconds += float64(count) * oee.IdealCycleTime(rate)
		t.rateRunSeconds += rate * run.Seconds()
		t.materialLoss += s.Metadata.MaterialLoss
		if rate > 0 {
			t.fallbackRate = rate
		}
	}
	return t, nil
}

// rate resolves the ideal rate of a shift by the configured mode
func (p *LiveProvider) rate(ctx context.Context, cache *target.RateCache, machine *models.Machine, s *models.ShiftRecord) (float64, error) {
	if p.rateMode == RateModeAverage {
		org := ""
		if machine != nil {
			org = machine.OrganizationID
		}
		return p.rates.OrganizationRate(ctx, cache, org)
	}
	product := ""
	if s.ProductID != nil {
		product = *s.ProductID
	}
	return p.rates.ResolveIdealRate(ctx, cache, s.MachineID, product)
}

func (p *LiveProvider) calculate(t totals, label string) oee.Result {
	total := t.good + t.reject
	weightedRate := t.fallbackRate
	if t.run > 0 {
		weightedRate = t.rateRunSeconds / t.run.Seconds()
	}
	cycle := oee.IdealCycleTime(weightedRate)
	if total > 0 && t.standardSeconds > 0 {
		cycle = t.standardSeconds / float64(total)
	}
	unplanned := t.downtime - t.plannedDowntime
	if unplanned < 0 {
		unplanned = 0
	}

	r := p.engine.Calculate(oee.Input{
		RunTime:               t.run.Seconds(),
		PlannedProductionTime: t.elapsed.Seconds(),
		StandardTimeProduced:  t.standardSeconds,
		GoodCount:             float64(t.good),
		RejectCount:           float64(t.reject),
		TotalCount:            float64(total),
		IdealCycleTime:        cycle,
		PlannedDowntime:       t.plannedDowntime.Seconds(),
		UnplannedDowntime:     unplanned.Seconds(),
		WeightedIdealRate:     weightedRate,
		Label:                 label,
	})
	p.logger.Debug("live aggregate computed",
		zap.String("subject", label),
		zap.String("rate_mode", p.rateMode),
		zap.Float64("oee", r.OEE),
	)
	return r
}
