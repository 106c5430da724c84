// Package shift computes per-shift metrics and manages the shift lifecycle.
package shift

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/oee"
	"github.com/savegress/oeesense/internal/segment"
	"github.com/savegress/oeesense/internal/target"
	"github.com/savegress/oeesense/pkg/models"
)

// Input is everything needed to aggregate one shift
type Input struct {
	Shift       *models.ShiftRecord
	Template    *models.ShiftTemplate // optional
	Downtime    []*models.DowntimeEvent
	Changeovers []*models.ProductChangeover
	Reasons     map[string]*models.ReasonCode
	// Logs are the production counts of a running shift
	Logs []*models.ProductionLog
}

// Aggregator turns a shift and its events into ShiftMetrics
type Aggregator struct {
	engine *oee.Engine
	rates  *target.RateResolver
	logger *zap.Logger
}

// NewAggregator creates an aggregator
func NewAggregator(engine *oee.Engine, rates *target.RateResolver, logger *zap.Logger) *Aggregator {
	return &Aggregator{engine: engine, rates: rates, logger: logging.OrNop(logger)}
}

// Aggregate computes metrics for a finished shift. Run time, downtime and
// standard time are always measured on the elapsed window. Shifts with a
// template take their target and planned time from the scheduled window,
// and scheduled time the shift did not run counts as unplanned loss.
func (a *Aggregator) Aggregate(ctx context.Context, cache *target.RateCache, in Input) (*models.ShiftMetrics, error) {
	if in.Shift.EndedAt == nil {
		return nil, fmt.Errorf("shift %s has not ended: %w", in.Shift.ID, models.ErrInvalidRange)
	}

	timing := TimingElapsed
	window := segment.Window{Start: in.Shift.StartedAt, End: *in.Shift.EndedAt}
	schedule := window
	if in.Template != nil {
		scheduled, err := ScheduledWindow(in.Template, in.Shift.StartedAt)
		if err != nil {
			a.logger.Warn("invalid shift template, using elapsed window",
				zap.String("shift_id", in.Shift.ID),
				zap.String("template_id", in.Template.ID),
				zap.Error(err),
			)
		} else {
			timing = TimingScheduled
			schedule = scheduled
		}
	}

	good, reject := in.Shift.GoodCount, in.Shift.RejectCount
	return a.aggregate(ctx, cache, in, window, schedule, timing, window.End, good, reject, in.Shift.Metadata.MaterialLoss)
}

// AggregateLive computes metrics for a running shift over the elapsed
// window up to now, with counts taken from production logs.
func (a *Aggregator) AggregateLive(ctx context.Context, cache *target.RateCache, in Input, now time.Time) (*models.ShiftMetrics, error) {
	window := segment.Window{Start: in.Shift.StartedAt, End: now}
	if in.Shift.EndedAt != nil && in.Shift.EndedAt.Before(now) {
		window.End = *in.Shift.EndedAt
	}

	var good, reject int64
	var loss float64
	for _, l := range in.Logs {
		if l.LoggedAt.Before(window.Start) || l.LoggedAt.After(window.End) {
			continue
		}
		good += l.GoodCount
		reject += l.RejectCount
		loss += l.MaterialLoss
	}

	metrics, err := a.aggregate(ctx, cache, in, window, window, TimingElapsed, now, good, reject, loss)
	if err != nil {
		return nil, err
	}
	metrics.Live = true
	return metrics, nil
}

func (a *Aggregator) aggregate(
	ctx context.Context,
	cache *target.RateCache,
	in Input,
	window, schedule segment.Window,
	timing Timing,
	now time.Time,
	good, reject int64,
	materialLoss float64,
) (*models.ShiftMetrics, error) {
	shift := in.Shift

	var all, planned []segment.Interval
	for _, e := range in.Downtime {
		iv := segment.Interval{Start: e.StartTime, End: e.End(now)}
		all = append(all, iv)
		if models.EventCategory(e, in.Reasons) == models.ReasonPlanned {
			planned = append(planned, iv)
		}
	}

	changeovers := make([]segment.Changeover, 0, len(in.Changeovers))
	for _, co := range in.Changeovers {
		changeovers = append(changeovers, segment.Changeover{
			ToProduct:    co.ToProduct,
			ChangedAt:    co.ChangedAt,
			GoodCount:    co.GoodCount,
			RejectCount:  co.RejectCount,
			MaterialLoss: co.MaterialLoss,
		})
	}

	segments := segment.Build(window, initialProduct(shift, in.Changeovers), changeovers, all)
	perSegment := true
	for _, s := range segments[:len(segments)-1] {
		if !s.HasCounts && !s.Empty() {
			perSegment = false
		}
	}
	good, reject, materialLoss = segment.DistributeRemainder(segments, good, reject, materialLoss)

	// targets come from the scheduled window, which is the elapsed one
	// unless a template applies
	targetSegments := segments
	if schedule != window {
		targetSegments = segment.Build(schedule, initialProduct(shift, in.Changeovers), changeovers, all)
	}

	var (
		targetOutput  int64
		standardTime  float64
		weightedRate  float64
		weightedCycle float64
		netSeconds    float64
		lastRate      float64
		byProduct     []models.ProductTarget
		productIndex  = make(map[string]int)
	)
	for _, s := range segments {
		if s.Empty() && s.GoodCount+s.RejectCount == 0 {
			continue
		}
		rate, err := a.rates.ResolveIdealRate(ctx, cache, shift.MachineID, s.Product)
		if err != nil {
			return nil, err
		}
		if !s.Empty() {
			lastRate = rate
		}

		net := s.NetRuntime.Seconds()
		netSeconds += net
		weightedRate += rate * net
		weightedCycle += oee.IdealCycleTime(rate) * net
		standardTime += float64(s.GoodCount+s.RejectCount) * oee.IdealCycleTime(rate)
	}
	for _, s := range targetSegments {
		if s.Empty() && s.GoodCount+s.RejectCount == 0 {
			continue
		}
		rate, err := a.rates.ResolveIdealRate(ctx, cache, shift.MachineID, s.Product)
		if err != nil {
			return nil, err
		}
		segTarget := targetOutputFor(s.NetRuntime, rate)
		targetOutput += segTarget

		i, ok := productIndex[s.Product]
		if !ok {
			i = len(byProduct)
			productIndex[s.Product] = i
			byProduct = append(byProduct, models.ProductTarget{ProductID: s.Product, IdealRate: rate})
		}
		byProduct[i].NetRuntimeHours += s.NetRuntime.Hours()
		byProduct[i].TargetOutput += segTarget
	}

	idealRate, cycleTime := lastRate, oee.IdealCycleTime(lastRate)
	if netSeconds > 0 {
		idealRate = weightedRate / netSeconds
		cycleTime = weightedCycle / netSeconds
	}
	total := good + reject
	if !perSegment {
		standardTime = float64(total) * cycleTime
	}

	downtime := segment.TotalDowntime(segments)
	var plannedDowntime time.Duration
	for _, iv := range segment.MergeIntervals(planned) {
		plannedDowntime += segment.Overlap(window.Start, window.End, iv)
	}
	unplannedDowntime := downtime - plannedDowntime
	if unplannedDowntime < 0 {
		unplannedDowntime = 0
	}
	// scheduled time outside the elapsed window was never run
	idle := schedule.Duration() - segment.Overlap(schedule.Start, schedule.End, segment.Interval{Start: window.Start, End: window.End})
	if idle > 0 {
		unplannedDowntime += idle
	}
	runTime := segment.TotalNetRuntime(segments)

	result := a.engine.Calculate(oee.Input{
		RunTime:               runTime.Seconds(),
		PlannedProductionTime: schedule.Duration().Seconds(),
		StandardTimeProduced:  standardTime,
		GoodCount:             float64(good),
		RejectCount:           float64(reject),
		TotalCount:            float64(total),
		IdealCycleTime:        cycleTime,
		PlannedDowntime:       plannedDowntime.Seconds(),
		UnplannedDowntime:     unplannedDowntime.Seconds(),
		WeightedIdealRate:     idealRate,
		Label:                 "shift:" + shift.ID,
	})

	a.logger.Debug("shift aggregated",
		zap.String("shift_id", shift.ID),
		zap.String("timing", timing.String()),
		zap.Int("segments", len(segments)),
		zap.Int64("target_output", targetOutput),
		zap.Float64("oee", result.OEE),
	)

	metrics := &models.ShiftMetrics{
		ShiftID:         shift.ID,
		TargetOutput:    targetOutput,
		IdealRate:       idealRate,
		Availability:    result.Availability,
		Performance:     result.Performance,
		Quality:         result.Quality,
		OEE:             result.OEE,
		GoodCount:       good,
		RejectCount:     reject,
		RunTimeSeconds:  int64(runTime.Seconds()),
		PlannedSeconds:  int64(schedule.Duration().Seconds()),
		DowntimeMinutes: downtime.Minutes(),
		MaterialLoss:    materialLoss,
		ByProduct:       byProduct,
	}
	for _, w := range result.Warnings {
		metrics.Warnings = append(metrics.Warnings, w.String())
	}
	return metrics, nil
}

// initialProduct is the product the shift started with: the first
// changeover's from_product when recorded, else the shift's product.
func initialProduct(shift *models.ShiftRecord, changeovers []*models.ProductChangeover) string {
	var first *models.ProductChangeover
	for _, co := range changeovers {
		if first == nil || co.ChangedAt.Before(first.ChangedAt) {
			first = co
		}
	}
	if first != nil && first.FromProduct != nil && *first.FromProduct != "" {
		return *first.FromProduct
	}
	if shift.ProductID != nil {
		return *shift.ProductID
	}
	return ""
}

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

// targetOutputFor returns floor(net_hours × rate) without float rounding
// drift: 20 minutes at 120/h is exactly 40 units.
func targetOutputFor(net time.Duration, rate float64) int64 {
	if net <= 0 || rate <= 0 {
		return 0
	}
	return decimal.NewFromInt(int64(net)).
		Mul(decimal.NewFromFloat(rate)).
		Div(nanosPerHour).
		Floor().
		IntPart()
}
