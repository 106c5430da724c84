// Package reliability derives MTBF/MTTR and downtime Pareto figures from
// downtime events.
package reliability

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/segment"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/pkg/models"
)

// UnassignedCode labels downtime logged without a reason code
const UnassignedCode = "UNASSIGNED"

// Store is the data the calculator reads
type Store interface {
	MachinesInScope(ctx context.Context, scope models.Scope) ([]*models.Machine, error)
	FindShifts(ctx context.Context, filter storage.ShiftFilter) ([]*models.ShiftRecord, error)
	FindDowntimeByMachines(ctx context.Context, machineIDs []string, start, end time.Time) ([]*models.DowntimeEvent, error)
	ListReasonCodes(ctx context.Context, ids []string) ([]*models.ReasonCode, error)
}

// Compute derives reliability metrics. Failures are unplanned events;
// ongoing events must be closed by the caller.
func Compute(events []*models.DowntimeEvent, reasons map[string]*models.ReasonCode, runSeconds float64) models.ReliabilityMetrics {
	var failures int
	var unplannedSeconds float64
	for _, e := range events {
		if models.EventCategory(e, reasons) != models.ReasonUnplanned {
			continue
		}
		failures++
		unplannedSeconds += e.Duration(e.StartTime).Seconds()
	}

	if runSeconds < 0 {
		runSeconds = 0
	}
	runHours := runSeconds / 3600

	m := models.ReliabilityMetrics{
		Failures:    failures,
		UptimeHours: runHours,
		MTBFHours:   runHours,
	}
	if failures > 0 {
		m.MTTRMinutes = unplannedSeconds / 60 / float64(failures)
		m.MTBFHours = runHours / float64(failures)
	}
	return m
}

// Calculator answers reliability queries over a scope and day range
type Calculator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewCalculator creates a calculator
func NewCalculator(store Store, logger *zap.Logger) *Calculator {
	return &Calculator{
		store:  store,
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MTBFMTTR computes reliability for the machines of a scope. Run time is
// the elapsed time of completed shifts minus the downtime inside them.
func (c *Calculator) MTBFMTTR(ctx context.Context, scope models.Scope, from, to time.Time) (*models.ReliabilityMetrics, error) {
	start, end := models.DateRange(from, to)

	machineIDs, err := c.machineIDs(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(machineIDs) == 0 {
		return &models.ReliabilityMetrics{}, nil
	}

	events, reasons, err := c.events(ctx, machineIDs, start, end)
	if err != nil {
		return nil, err
	}

	shifts, err := c.store.FindShifts(ctx, storage.ShiftFilter{
		MachineIDs: machineIDs,
		From:       start,
		To:         end,
		Statuses:   []models.ShiftStatus{models.ShiftStatusCompleted},
	})
	if err != nil {
		return nil, err
	}
	// downtime of shifts that started in range may run past its end
	var all []*models.DowntimeEvent
	if len(shifts) > 0 {
		last := end
		for _, s := range shifts {
			if s.EndedAt != nil && s.EndedAt.After(last) {
				last = *s.EndedAt
			}
		}
		if all, err = c.store.FindDowntimeByMachines(ctx, machineIDs, start, last); err != nil {
			return nil, err
		}
	}
	runSeconds := RunSeconds(shifts, all, c.clock(end))

	m := Compute(events, reasons, runSeconds)
	c.logger.Debug("reliability computed",
		zap.String("scope", scope.Key()),
		zap.Int("machines", len(machineIDs)),
		zap.Int("failures", m.Failures),
		zap.Float64("uptime_hours", m.UptimeHours),
	)
	return &m, nil
}

// DowntimeAnalysis groups the downtime of a scope by reason code, largest
// first.
func (c *Calculator) DowntimeAnalysis(ctx context.Context, scope models.Scope, from, to time.Time) ([]models.ReasonBreakdown, error) {
	start, end := models.DateRange(from, to)

	machineIDs, err := c.machineIDs(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(machineIDs) == 0 {
		return []models.ReasonBreakdown{}, nil
	}

	events, reasons, err := c.events(ctx, machineIDs, start, end)
	if err != nil {
		return nil, err
	}
	return Pareto(events, reasons), nil
}

// Pareto groups closed events by reason code. Rows are sorted by minutes,
// then by code.
func Pareto(events []*models.DowntimeEvent, reasons map[string]*models.ReasonCode) []models.ReasonBreakdown {
	index := make(map[string]int)
	rows := []models.ReasonBreakdown{}
	var total float64

	for _, e := range events {
		key := ""
		if e.ReasonCodeID != nil {
			key = *e.ReasonCodeID
		}
		i, ok := index[key]
		if !ok {
			row := models.ReasonBreakdown{
				ReasonCodeID: key,
				Code:         UnassignedCode,
				Category:     models.EventCategory(e, reasons),
			}
			if rc, found := reasons[key]; found {
				row.Code = rc.Code
				row.Description = rc.Description
			}
			i = len(rows)
			index[key] = i
			rows = append(rows, row)
		}
		minutes := e.Duration(e.StartTime).Minutes()
		rows[i].Events++
		rows[i].Minutes += minutes
		total += minutes
	}

	for i := range rows {
		if total > 0 {
			rows[i].Share = rows[i].Minutes / total * 100
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Minutes != rows[j].Minutes {
			return rows[i].Minutes > rows[j].Minutes
		}
		return rows[i].Code < rows[j].Code
	})
	return rows
}

// RunSeconds sums the net run time of closed shifts: elapsed time minus
// the merged downtime of the shift's machine inside its window.
func RunSeconds(shifts []*models.ShiftRecord, events []*models.DowntimeEvent, now time.Time) float64 {
	byMachine := make(map[string][]segment.Interval)
	for _, e := range events {
		byMachine[e.MachineID] = append(byMachine[e.MachineID], segment.Interval{Start: e.StartTime, End: e.End(now)})
	}
	merged := make(map[string][]segment.Interval, len(byMachine))
	for id, ivs := range byMachine {
		merged[id] = segment.MergeIntervals(ivs)
	}

	var total time.Duration
	for _, s := range shifts {
		if s.EndedAt == nil || !s.EndedAt.After(s.StartedAt) {
			continue
		}
		run := s.EndedAt.Sub(s.StartedAt)
		for _, iv := range merged[s.MachineID] {
			run -= segment.Overlap(s.StartedAt, *s.EndedAt, iv)
		}
		if run > 0 {
			total += run
		}
	}
	return total.Seconds()
}

func (c *Calculator) machineIDs(ctx context.Context, scope models.Scope) ([]string, error) {
	machines, err := c.store.MachinesInScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(machines))
	for _, m := range machines {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// events returns the downtime that started in [start, end) with ongoing
// events closed at the current time, together with their reason codes.
func (c *Calculator) events(ctx context.Context, machineIDs []string, start, end time.Time) ([]*models.DowntimeEvent, map[string]*models.ReasonCode, error) {
	found, err := c.store.FindDowntimeByMachines(ctx, machineIDs, start, end)
	if err != nil {
		return nil, nil, err
	}

	now := c.clock(end)
	var events []*models.DowntimeEvent
	var ids []string
	seen := make(map[string]bool)
	for _, e := range found {
		if e.StartTime.Before(start) {
			continue
		}
		if e.EndTime == nil {
			closed := *e
			stop := e.End(now)
			closed.EndTime = &stop
			e = &closed
		}
		events = append(events, e)
		if e.ReasonCodeID != nil && !seen[*e.ReasonCodeID] {
			seen[*e.ReasonCodeID] = true
			ids = append(ids, *e.ReasonCodeID)
		}
	}

	reasons := make(map[string]*models.ReasonCode)
	if len(ids) > 0 {
		codes, err := c.store.ListReasonCodes(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		for _, rc := range codes {
			reasons[rc.ID] = rc
		}
	}
	return events, reasons, nil
}

// clock returns now, capped at the end of the queried range
func (c *Calculator) clock(end time.Time) time.Time {
	now := c.now()
	if now.After(end) {
		return end
	}
	return now
}
