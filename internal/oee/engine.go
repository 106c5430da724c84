// Package oee computes availability, performance, quality and OEE from a
// normalized input bundle. It performs no I/O.
package oee

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/config"
)

// Input is the normalized bundle a calculation works on. Times are seconds.
type Input struct {
	RunTime               float64
	PlannedProductionTime float64
	StandardTimeProduced  float64
	GoodCount             float64
	RejectCount           float64
	TotalCount            float64
	IdealCycleTime        float64 // seconds/unit
	PlannedDowntime       float64
	UnplannedDowntime     float64
	WeightedIdealRate     float64 // units/hour

	// Label identifies the subject in data-quality reports, e.g. "shift:42"
	Label string
}

func (in Input) variables() map[string]float64 {
	return map[string]float64{
		VarRunTime:               in.RunTime,
		VarPlannedProductionTime: in.PlannedProductionTime,
		VarStandardTimeProduced:  in.StandardTimeProduced,
		VarGoodCount:             in.GoodCount,
		VarRejectCount:           in.RejectCount,
		VarTotalCount:            in.TotalCount,
		VarWeightedIdealRate:     in.WeightedIdealRate,
		VarPlannedDowntime:       in.PlannedDowntime,
		VarUnplannedDowntime:     in.UnplannedDowntime,
		VarIdealCycleTime:        in.IdealCycleTime,
	}
}

// Scores holds the four percentages
type Scores struct {
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	OEE          float64 `json:"oee"`
}

// Result is the outcome of a calculation. The embedded scores are the
// reported (clamped) values; Raw keeps the unclamped ones.
type Result struct {
	Scores
	Raw      Scores    `json:"raw"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning flags a raw value outside its plausible range
type Warning struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %.2f%% exceeds %.0f%%", w.Metric, w.Value, w.Limit)
}

// Observer receives data-quality warnings
type Observer interface {
	ObserveWarnings(in Input, warnings []Warning)
}

// LogObserver reports warnings through zap
type LogObserver struct {
	Logger *zap.Logger
}

// ObserveWarnings logs each warning at warn level
func (o LogObserver) ObserveWarnings(in Input, warnings []Warning) {
	for _, w := range warnings {
		o.Logger.Warn("oee data quality",
			zap.String("subject", in.Label),
			zap.String("metric", w.Metric),
			zap.Float64("value", w.Value),
			zap.Float64("limit", w.Limit),
		)
	}
}

// Settings configures an Engine
type Settings struct {
	Availability         Formula
	Performance          Formula
	Quality              Formula
	CapPerformance       bool
	PerformanceWarnAbove float64
}

// DefaultSettings uses standard formulas with performance capped at 100
func DefaultSettings() Settings {
	return Settings{
		Availability:         Standard(),
		Performance:          Standard(),
		Quality:              Standard(),
		CapPerformance:       true,
		PerformanceWarnAbove: 150,
	}
}

// SettingsFromConfig compiles the configured formulas
func SettingsFromConfig(cfg config.OEEConfig) (Settings, error) {
	availability, err := ParseFormula(cfg.Availability)
	if err != nil {
		return Settings{}, fmt.Errorf("availability formula: %w", err)
	}
	performance, err := ParseFormula(cfg.Performance)
	if err != nil {
		return Settings{}, fmt.Errorf("performance formula: %w", err)
	}
	quality, err := ParseFormula(cfg.Quality)
	if err != nil {
		return Settings{}, fmt.Errorf("quality formula: %w", err)
	}
	warnAbove := cfg.PerformanceWarnAbove
	if warnAbove <= 0 {
		warnAbove = 150
	}
	return Settings{
		Availability:         availability,
		Performance:          performance,
		Quality:              quality,
		CapPerformance:       cfg.CapPerformance,
		PerformanceWarnAbove: warnAbove,
	}, nil
}

// Engine evaluates OEE formulas. It is stateless and safe for concurrent use.
type Engine struct {
	settings Settings
	observer Observer
}

// NewEngine creates an engine. A nil observer discards warnings.
func NewEngine(settings Settings, observer Observer) *Engine {
	return &Engine{settings: settings, observer: observer}
}

// Calculate computes the metrics for one input bundle. It never fails:
// degenerate inputs resolve to 0 (or 100 for quality without production).
func (e *Engine) Calculate(in Input) Result {
	var vars map[string]float64
	lazyVars := func() map[string]float64 {
		if vars == nil {
			vars = in.variables()
		}
		return vars
	}

	raw := Scores{
		Availability: e.availability(in, lazyVars),
		Performance:  e.performance(in, lazyVars),
		Quality:      e.quality(in, lazyVars),
	}
	raw.OEE = raw.Availability * raw.Performance * raw.Quality / 10000

	res := Result{Raw: raw}
	res.Availability = clamp(raw.Availability, 0, 100)
	if e.settings.CapPerformance {
		res.Performance = clamp(raw.Performance, 0, 100)
	} else {
		res.Performance = math.Max(raw.Performance, 0)
	}
	res.Quality = clamp(raw.Quality, 0, 100)
	res.OEE = clamp(res.Availability*res.Performance*res.Quality/10000, 0, 100)

	if raw.Availability > 100 {
		res.Warnings = append(res.Warnings, Warning{Metric: "availability", Value: raw.Availability, Limit: 100})
	}
	if raw.Performance > e.settings.PerformanceWarnAbove {
		res.Warnings = append(res.Warnings, Warning{Metric: "performance", Value: raw.Performance, Limit: e.settings.PerformanceWarnAbove})
	}
	if raw.Quality > 100 {
		res.Warnings = append(res.Warnings, Warning{Metric: "quality", Value: raw.Quality, Limit: 100})
	}
	if len(res.Warnings) > 0 && e.observer != nil {
		e.observer.ObserveWarnings(in, res.Warnings)
	}

	return res
}

func (e *Engine) availability(in Input, vars func() map[string]float64) float64 {
	if in.PlannedProductionTime <= 0 {
		return 0
	}
	switch e.settings.Availability.Mode {
	case ModeDynamic:
		// Measured gap: actual run time against the full window
		return ratio(in.RunTime, in.PlannedProductionTime)
	case ModeCustom:
		return finite(e.settings.Availability.expr.Eval(vars()))
	default:
		// Planned downtime is not an availability loss
		base := in.PlannedProductionTime - in.PlannedDowntime
		if base <= 0 {
			return 0
		}
		return ratio(base-in.UnplannedDowntime, base)
	}
}

func (e *Engine) performance(in Input, vars func() map[string]float64) float64 {
	if in.RunTime <= 0 {
		return 0
	}
	switch e.settings.Performance.Mode {
	case ModeDynamic:
		capacity := in.RunTime / 3600 * in.WeightedIdealRate
		if capacity <= 0 {
			return 0
		}
		return ratio(in.TotalCount, capacity)
	case ModeCustom:
		return finite(e.settings.Performance.expr.Eval(vars()))
	default:
		return ratio(in.StandardTimeProduced, in.RunTime)
	}
}

func (e *Engine) quality(in Input, vars func() map[string]float64) float64 {
	if in.TotalCount <= 0 {
		return 100
	}
	switch e.settings.Quality.Mode {
	case ModeDynamic:
		produced := in.GoodCount + in.RejectCount
		if produced <= 0 {
			return 100
		}
		return ratio(in.GoodCount, produced)
	case ModeCustom:
		return finite(e.settings.Quality.expr.Eval(vars()))
	default:
		return ratio(in.GoodCount, in.TotalCount)
	}
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return finite(num / den * 100)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// IdealCycleTime converts an ideal rate (units/hour) to seconds per unit.
// Unknown or non-positive rates give 0.
func IdealCycleTime(idealRate float64) float64 {
	if idealRate <= 0 {
		return 0
	}
	return 3600 / idealRate
}
