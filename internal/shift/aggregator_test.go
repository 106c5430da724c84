package shift

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/oee"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/internal/target"
	"github.com/savegress/oeesense/pkg/models"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func strp(s string) *string { return &s }

func int64p(v int64) *int64 { return &v }

func tp(t time.Time) *time.Time { return &t }

func newTestStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreatePlant(ctx, &models.Plant{ID: "plant-1", OrganizationID: "org-1", Name: "Plant"}))
	require.NoError(t, s.CreateLine(ctx, &models.Line{ID: "line-1", PlantID: "plant-1", Name: "Line"}))
	require.NoError(t, s.CreateMachine(ctx, &models.Machine{ID: "m-1", OrganizationID: "org-1", LineID: "line-1", Name: "Filler"}))
	require.NoError(t, s.SetMachineProductRate(ctx, &models.MachineProductConfig{MachineID: "m-1", ProductID: "p1", IdealRate: 120}))
	require.NoError(t, s.SetMachineProductRate(ctx, &models.MachineProductConfig{MachineID: "m-1", ProductID: "p2", IdealRate: 120}))
	require.NoError(t, s.SetMachineProductRate(ctx, &models.MachineProductConfig{MachineID: "m-1", ProductID: "fast", IdealRate: 240}))
	require.NoError(t, s.CreateReasonCode(ctx, &models.ReasonCode{ID: "rc-break", OrganizationID: "org-1", Code: "BRK", Category: models.ReasonPlanned}))
	require.NoError(t, s.CreateReasonCode(ctx, &models.ReasonCode{ID: "rc-jam", OrganizationID: "org-1", Code: "JAM", Category: models.ReasonUnplanned}))
	require.NoError(t, s.CreateShiftTemplate(ctx, &models.ShiftTemplate{ID: "tpl-day", Name: "Day", StartClock: "08:00", EndClock: "16:00"}))
	require.NoError(t, s.CreateShiftTemplate(ctx, &models.ShiftTemplate{ID: "tpl-night", Name: "Night", StartClock: "22:00", EndClock: "06:00"}))
	return s
}

func newTestAggregator(store target.RateStore) *Aggregator {
	engine := oee.NewEngine(oee.DefaultSettings(), nil)
	return NewAggregator(engine, target.NewRateResolver(store, 600, zap.NewNop()), zap.NewNop())
}

func referenceShift() Input {
	return Input{
		Shift: &models.ShiftRecord{
			ID: "s-1", MachineID: "m-1", ProductID: strp("p2"),
			StartedAt: at(8, 0), EndedAt: tp(at(16, 0)),
			Status: models.ShiftStatusCompleted, GoodCount: 700, RejectCount: 20,
		},
		Changeovers: []*models.ProductChangeover{
			{ID: "c-1", ShiftID: "s-1", FromProduct: strp("p1"), ToProduct: "p2", ChangedAt: at(12, 0)},
		},
		Downtime: []*models.DowntimeEvent{
			{ID: "d-1", MachineID: "m-1", ShiftID: strp("s-1"), StartTime: at(9, 0), EndTime: tp(at(9, 30))},
		},
	}
}

func TestAggregate_ReferenceShift(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), referenceShift())

	require.NoError(t, err)
	assert.Equal(t, int64(900), m.TargetOutput)
	require.Len(t, m.ByProduct, 2)
	assert.Equal(t, "p1", m.ByProduct[0].ProductID)
	assert.Equal(t, int64(420), m.ByProduct[0].TargetOutput)
	assert.InDelta(t, 3.5, m.ByProduct[0].NetRuntimeHours, 1e-9)
	assert.Equal(t, "p2", m.ByProduct[1].ProductID)
	assert.Equal(t, int64(480), m.ByProduct[1].TargetOutput)

	assert.InDelta(t, 120, m.IdealRate, 1e-9)
	assert.InDelta(t, 93.75, m.Availability, 1e-9)
	assert.InDelta(t, 80, m.Performance, 1e-9)
	assert.InDelta(t, 700.0/720.0*100, m.Quality, 1e-9)
	assert.InDelta(t, 93.75*80*(700.0/720.0*100)/10000, m.OEE, 1e-9)
	assert.InDelta(t, 72.916, m.OEE, 0.01)

	assert.Equal(t, int64(27000), m.RunTimeSeconds)
	assert.Equal(t, int64(28800), m.PlannedSeconds)
	assert.Equal(t, 30.0, m.DowntimeMinutes)
	assert.Equal(t, int64(700), m.GoodCount)
	assert.False(t, m.Live)
	assert.Empty(t, m.Warnings)
}

func TestAggregate_IsPure(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := referenceShift()

	first, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAggregate_ScheduledWindowForTemplateShift(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift: &models.ShiftRecord{
			ID: "s-1", MachineID: "m-1", ProductID: strp("p1"), TemplateID: strp("tpl-day"),
			StartedAt: at(8, 10), EndedAt: tp(at(15, 50)), GoodCount: 900,
		},
		Template: &models.ShiftTemplate{ID: "tpl-day", StartClock: "08:00", EndClock: "16:00"},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, int64(8*3600), m.PlannedSeconds)
	assert.Equal(t, int64(960), m.TargetOutput, "target reflects the scheduled window")

	// the same shift without a template is measured on elapsed time
	in.Template = nil
	m, err = agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, int64(7*3600+40*60), m.PlannedSeconds)
	assert.Equal(t, int64(920), m.TargetOutput)
}

func TestAggregate_EarlyCloseMeasuresElapsedRunTime(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift: &models.ShiftRecord{
			ID: "s-1", MachineID: "m-1", ProductID: strp("p1"), TemplateID: strp("tpl-day"),
			StartedAt: at(8, 0), EndedAt: tp(at(12, 0)), GoodCount: 480,
		},
		Template: &models.ShiftTemplate{ID: "tpl-day", StartClock: "08:00", EndClock: "16:00"},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, int64(4*3600), m.RunTimeSeconds, "only the hours that ran")
	assert.Equal(t, int64(8*3600), m.PlannedSeconds)
	assert.Equal(t, int64(960), m.TargetOutput)
	assert.InDelta(t, 100, m.Performance, 1e-9)
	assert.InDelta(t, 50, m.Availability, 1e-9, "the unrun half of the schedule is lost")
	assert.InDelta(t, 50, m.OEE, 1e-9)
	assert.Zero(t, m.DowntimeMinutes)
	require.Len(t, m.ByProduct, 1)
	assert.InDelta(t, 8, m.ByProduct[0].NetRuntimeHours, 1e-9)
}

func TestAggregate_ScheduledTargetKeepsMeasuredDowntime(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := referenceShift()
	in.Shift.TemplateID = strp("tpl-day")
	in.Shift.StartedAt = at(8, 5)
	in.Template = &models.ShiftTemplate{ID: "tpl-day", StartClock: "08:00", EndClock: "16:00"}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, int64(7*3600+25*60), m.RunTimeSeconds)
	assert.Equal(t, 30.0, m.DowntimeMinutes)
	assert.Equal(t, int64(900), m.TargetOutput)
	assert.InDelta(t, 720*30.0/(7*3600+25*60)*100, m.Performance, 1e-9)
	// 30 min jam plus 5 min late start out of 8h
	assert.InDelta(t, (480.0-35)/480*100, m.Availability, 1e-9)
}

func TestAggregate_InvalidTemplateFallsBackToElapsed(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift:    &models.ShiftRecord{ID: "s-1", MachineID: "m-1", ProductID: strp("p1"), StartedAt: at(8, 0), EndedAt: tp(at(10, 0))},
		Template: &models.ShiftTemplate{ID: "bad", StartClock: "8am", EndClock: "16:00"},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, int64(2*3600), m.PlannedSeconds)
}

func TestAggregate_RequiresEnd(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))

	_, err := agg.Aggregate(context.Background(), target.NewRateCache(), Input{
		Shift: &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: at(8, 0)},
	})

	assert.ErrorIs(t, err, models.ErrInvalidRange)
}

func TestAggregate_PlannedDowntimeIsNotAvailabilityLoss(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift: &models.ShiftRecord{ID: "s-1", MachineID: "m-1", ProductID: strp("p1"), StartedAt: at(8, 0), EndedAt: tp(at(16, 0)), GoodCount: 600},
		Downtime: []*models.DowntimeEvent{
			{ID: "d-1", MachineID: "m-1", ReasonCodeID: strp("rc-break"), StartTime: at(12, 0), EndTime: tp(at(13, 0))},
			{ID: "d-2", MachineID: "m-1", ReasonCodeID: strp("rc-jam"), StartTime: at(14, 0), EndTime: tp(at(14, 30))},
		},
		Reasons: map[string]*models.ReasonCode{
			"rc-break": {ID: "rc-break", Category: models.ReasonPlanned},
			"rc-jam":   {ID: "rc-jam", Category: models.ReasonUnplanned},
		},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	// (7h - 0.5h) / 7h
	assert.InDelta(t, 6.5/7*100, m.Availability, 1e-9)
	assert.Equal(t, 90.0, m.DowntimeMinutes)
	assert.Equal(t, int64(6*3600+30*60), m.RunTimeSeconds)
}

func TestAggregate_PerSegmentStandardTime(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	loss := 1.5
	in := Input{
		Shift: &models.ShiftRecord{
			ID: "s-1", MachineID: "m-1", ProductID: strp("fast"),
			StartedAt: at(8, 0), EndedAt: tp(at(16, 0)), GoodCount: 700, RejectCount: 20,
			Metadata: models.ShiftMetadata{MaterialLoss: 4},
		},
		Changeovers: []*models.ProductChangeover{
			{ID: "c-1", FromProduct: strp("p1"), ToProduct: "fast", ChangedAt: at(12, 0), GoodCount: int64p(300), RejectCount: int64p(5), MaterialLoss: &loss},
		},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	// 305 units at 30s plus 415 units at 15s over 8h of run time
	assert.InDelta(t, (305*30.0+415*15.0)/28800*100, m.Performance, 1e-9)
	assert.Equal(t, int64(480+960), m.TargetOutput)
	assert.InDelta(t, 180, m.IdealRate, 1e-9)
	assert.Equal(t, 4.0, m.MaterialLoss)
}

func TestAggregate_MissingRateGivesZeroPerformance(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift: &models.ShiftRecord{ID: "s-1", MachineID: "m-1", ProductID: strp("unknown"), StartedAt: at(8, 0), EndedAt: tp(at(16, 0)), GoodCount: 500},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, int64(0), m.TargetOutput)
	assert.Equal(t, 0.0, m.Performance)
	assert.Equal(t, 0.0, m.OEE)
	assert.Equal(t, 100.0, m.Availability)
}

func TestAggregate_PerformanceOverflowWarns(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift: &models.ShiftRecord{ID: "s-1", MachineID: "m-1", ProductID: strp("p1"), StartedAt: at(8, 0), EndedAt: tp(at(9, 0)), GoodCount: 240},
	}

	m, err := agg.Aggregate(context.Background(), target.NewRateCache(), in)

	require.NoError(t, err)
	assert.Equal(t, 100.0, m.Performance)
	require.Len(t, m.Warnings, 1)
	assert.Contains(t, m.Warnings[0], "performance")
}

func TestAggregateLive(t *testing.T) {
	agg := newTestAggregator(newTestStore(t))
	in := Input{
		Shift: &models.ShiftRecord{ID: "s-1", MachineID: "m-1", ProductID: strp("p1"), StartedAt: at(8, 0), Status: models.ShiftStatusActive},
		Downtime: []*models.DowntimeEvent{
			{ID: "d-1", MachineID: "m-1", StartTime: at(10, 0), EndTime: tp(at(10, 15))},
			{ID: "d-2", MachineID: "m-1", ShiftID: strp("s-1"), StartTime: at(11, 30)}, // ongoing
		},
		Logs: []*models.ProductionLog{
			{ID: "l-1", LoggedAt: at(9, 0), GoodCount: 100, RejectCount: 2},
			{ID: "l-2", LoggedAt: at(11, 0), GoodCount: 200, RejectCount: 3, MaterialLoss: 0.5},
			{ID: "l-3", LoggedAt: at(13, 0), GoodCount: 999},
		},
	}

	m, err := agg.AggregateLive(context.Background(), target.NewRateCache(), in, at(12, 0))

	require.NoError(t, err)
	assert.True(t, m.Live)
	assert.Equal(t, int64(4*3600), m.PlannedSeconds)
	assert.Equal(t, int64(3*3600+15*60), m.RunTimeSeconds)
	assert.Equal(t, 45.0, m.DowntimeMinutes)
	assert.Equal(t, int64(300), m.GoodCount)
	assert.Equal(t, int64(5), m.RejectCount)
	assert.Equal(t, 0.5, m.MaterialLoss)
	assert.Equal(t, int64(390), m.TargetOutput)
	assert.InDelta(t, 305*30.0/11700*100, m.Performance, 1e-9)
}

func TestTargetOutputFor(t *testing.T) {
	tests := []struct {
		net  time.Duration
		rate float64
		want int64
	}{
		{3*time.Hour + 30*time.Minute, 120, 420},
		{20 * time.Minute, 120, 40},
		{20 * time.Minute, 7, 2},
		{time.Hour, 0.5, 0},
		{time.Second, 3600, 1},
		{0, 120, 0},
		{time.Hour, 0, 0},
		{-time.Hour, 120, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, targetOutputFor(tt.net, tt.rate), "%s at %.1f/h", tt.net, tt.rate)
	}
}
