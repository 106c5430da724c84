package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/savegress/oeesense/pkg/models"
)

// MemoryStore keeps everything in process memory. It is the default
// backend for development and the fixture for service tests.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	plants      map[string]*models.Plant
	lines       map[string]*models.Line
	machines    map[string]*models.Machine
	templates   map[string]*models.ShiftTemplate
	reasons     map[string]*models.ReasonCode
	rates       map[string]float64 // machine:product
	shifts      map[string]*models.ShiftRecord
	downtime    map[string]*models.DowntimeEvent
	changeovers map[string][]*models.ProductChangeover
	logs        map[string][]*models.ProductionLog
	targets     []*models.ProductionTarget
	daily       map[string]*models.DailyOeeMetric // machine:date
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plants:      make(map[string]*models.Plant),
		lines:       make(map[string]*models.Line),
		machines:    make(map[string]*models.Machine),
		templates:   make(map[string]*models.ShiftTemplate),
		reasons:     make(map[string]*models.ReasonCode),
		rates:       make(map[string]float64),
		shifts:      make(map[string]*models.ShiftRecord),
		downtime:    make(map[string]*models.DowntimeEvent),
		changeovers: make(map[string][]*models.ProductChangeover),
		logs:        make(map[string][]*models.ProductionLog),
		daily:       make(map[string]*models.DailyOeeMetric),
	}
}

// WithTx serializes fn against other transactions. Writes are applied
// immediately; shift updates still go through the version check.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// Catalog

func (s *MemoryStore) CreatePlant(ctx context.Context, p *models.Plant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plants[p.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateLine(ctx context.Context, l *models.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.lines[l.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateMachine(ctx context.Context, m *models.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.machines[m.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateShiftTemplate(ctx context.Context, t *models.ShiftTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateReasonCode(ctx context.Context, rc *models.ReasonCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rc
	s.reasons[rc.ID] = &cp
	return nil
}

func (s *MemoryStore) SetMachineProductRate(ctx context.Context, cfg *models.MachineProductConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[cfg.MachineID+":"+cfg.ProductID] = cfg.IdealRate
	return nil
}

// Hierarchy

func (s *MemoryStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetLine(ctx context.Context, id string) (*models.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lines[id]
	if !ok {
		return nil, fmt.Errorf("line %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListPlants(ctx context.Context, ids []string) ([]*models.Plant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := toSet(ids)
	var result []*models.Plant
	for _, p := range s.plants {
		if len(allowed) > 0 && !allowed[p.ID] {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) ListLines(ctx context.Context, plantID string) ([]*models.Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Line
	for _, l := range s.lines {
		if l.PlantID == plantID {
			cp := *l
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) ListMachines(ctx context.Context, lineID string) ([]*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Machine
	for _, m := range s.machines {
		if m.LineID == lineID {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) MachinesInScope(ctx context.Context, scope models.Scope) ([]*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	permitted := toSet(scope.PermittedPlantIDs)
	var result []*models.Machine
	for _, m := range s.machines {
		line := s.lines[m.LineID]
		include := false
		switch scope.Level {
		case models.ScopeMachine:
			include = m.ID == scope.ID
		case models.ScopeLine:
			include = m.LineID == scope.ID
		case models.ScopePlant:
			include = line != nil && line.PlantID == scope.ID
		default:
			include = len(permitted) == 0 || (line != nil && permitted[line.PlantID])
		}
		if include {
			cp := *m
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetShiftTemplate(ctx context.Context, id string) (*models.ShiftTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("shift template %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// Shifts

func (s *MemoryStore) CreateShift(ctx context.Context, shift *models.ShiftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts[shift.ID] = cloneShift(shift)
	return nil
}

func (s *MemoryStore) GetShift(ctx context.Context, id string) (*models.ShiftRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shift, ok := s.shifts[id]
	if !ok {
		return nil, fmt.Errorf("shift %s: %w", id, ErrNotFound)
	}
	return cloneShift(shift), nil
}

// LockShift is GetShift; WithTx already serializes writers
func (s *MemoryStore) LockShift(ctx context.Context, id string) (*models.ShiftRecord, error) {
	return s.GetShift(ctx, id)
}

func (s *MemoryStore) FindShifts(ctx context.Context, filter ShiftFilter) ([]*models.ShiftRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	machines := toSet(filter.MachineIDs)
	statuses := make(map[models.ShiftStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	var result []*models.ShiftRecord
	for _, shift := range s.shifts {
		if !machines[shift.MachineID] {
			continue
		}
		if len(statuses) > 0 && !statuses[shift.Status] {
			continue
		}
		if !filter.From.IsZero() && shift.StartedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !shift.StartedAt.Before(filter.To) {
			continue
		}
		result = append(result, cloneShift(shift))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateShift(ctx context.Context, shift *models.ShiftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.shifts[shift.ID]
	if !ok {
		return fmt.Errorf("shift %s: %w", shift.ID, ErrNotFound)
	}
	if current.Version != shift.Version {
		return ErrVersionConflict
	}
	shift.Version++
	s.shifts[shift.ID] = cloneShift(shift)
	return nil
}

// Downtime

func (s *MemoryStore) CreateDowntime(ctx context.Context, event *models.DowntimeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downtime[event.ID] = cloneDowntime(event)
	return nil
}

func (s *MemoryStore) GetDowntime(ctx context.Context, id string) (*models.DowntimeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.downtime[id]
	if !ok {
		return nil, fmt.Errorf("downtime %s: %w", id, ErrNotFound)
	}
	return cloneDowntime(event), nil
}

func (s *MemoryStore) EndDowntime(ctx context.Context, id string, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.downtime[id]
	if !ok {
		return fmt.Errorf("downtime %s: %w", id, ErrNotFound)
	}
	event.EndTime = &end
	event.DurationSeconds = int64(end.Sub(event.StartTime).Seconds())
	return nil
}

func (s *MemoryStore) FindDowntimeByShiftIDs(ctx context.Context, shiftIDs []string) ([]*models.DowntimeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := toSet(shiftIDs)
	var result []*models.DowntimeEvent
	for _, event := range s.downtime {
		if event.ShiftID != nil && ids[*event.ShiftID] {
			result = append(result, cloneDowntime(event))
		}
	}
	sortDowntime(result)
	return result, nil
}

func (s *MemoryStore) FindDowntimeByMachines(ctx context.Context, machineIDs []string, start, end time.Time) ([]*models.DowntimeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := toSet(machineIDs)
	var result []*models.DowntimeEvent
	for _, event := range s.downtime {
		if !ids[event.MachineID] || !event.StartTime.Before(end) {
			continue
		}
		if event.EndTime != nil && !event.EndTime.After(start) {
			continue
		}
		result = append(result, cloneDowntime(event))
	}
	sortDowntime(result)
	return result, nil
}

// Changeovers and production logs

func (s *MemoryStore) CreateChangeover(ctx context.Context, co *models.ProductChangeover) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *co
	s.changeovers[co.ShiftID] = append(s.changeovers[co.ShiftID], &cp)
	return nil
}

func (s *MemoryStore) FindChangeoversByShift(ctx context.Context, shiftID string) ([]*models.ProductChangeover, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.ProductChangeover, 0, len(s.changeovers[shiftID]))
	for _, co := range s.changeovers[shiftID] {
		cp := *co
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ChangedAt.Before(result[j].ChangedAt) })
	return result, nil
}

func (s *MemoryStore) CreateProductionLog(ctx context.Context, log *models.ProductionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs[log.ShiftID] = append(s.logs[log.ShiftID], &cp)
	return nil
}

func (s *MemoryStore) FindProductionLogs(ctx context.Context, shiftID string, from, to time.Time) ([]*models.ProductionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.ProductionLog
	for _, log := range s.logs[shiftID] {
		if log.LoggedAt.Before(from) || log.LoggedAt.After(to) {
			continue
		}
		cp := *log
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LoggedAt.Before(result[j].LoggedAt) })
	return result, nil
}

// Reason codes and rates

func (s *MemoryStore) ListReasonCodes(ctx context.Context, ids []string) ([]*models.ReasonCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := toSet(ids)
	var result []*models.ReasonCode
	for _, rc := range s.reasons {
		if len(wanted) > 0 && !wanted[rc.ID] {
			continue
		}
		cp := *rc
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (s *MemoryStore) GetMachineProductRate(ctx context.Context, machineID, productID string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[machineID+":"+productID]
	return rate, ok, nil
}

func (s *MemoryStore) AverageDefaultIdealRate(ctx context.Context, organizationID string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	var n int
	for _, m := range s.machines {
		if m.OrganizationID != organizationID || m.DefaultIdealRate <= 0 {
			continue
		}
		sum += m.DefaultIdealRate
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// Targets and daily metrics

func (s *MemoryStore) CreateTarget(ctx context.Context, target *models.ProductionTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *target
	s.targets = append(s.targets, &cp)
	return nil
}

func (s *MemoryStore) FindTargets(ctx context.Context, filter TargetFilter) ([]*models.ProductionTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.ProductionTarget
	for _, t := range s.targets {
		matches := false
		if filter.MachineID != "" && t.MachineID != nil && *t.MachineID == filter.MachineID {
			matches = true
		}
		if filter.LineID != "" && t.LineID != nil && *t.LineID == filter.LineID {
			matches = true
		}
		if !matches || !t.AppliesOn(filter.AsOf) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) UpsertDailyMetric(ctx context.Context, m *models.DailyOeeMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.Date = models.Day(m.Date)
	s.daily[m.MachineID+":"+cp.Date.Format("2006-01-02")] = &cp
	return nil
}

func (s *MemoryStore) FindDailyMetrics(ctx context.Context, machineIDs []string, from, to time.Time) ([]*models.DailyOeeMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := toSet(machineIDs)
	var result []*models.DailyOeeMetric
	for _, m := range s.daily {
		if !ids[m.MachineID] || m.Date.Before(from) || !m.Date.Before(to) {
			continue
		}
		cp := *m
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date.Equal(result[j].Date) {
			return result[i].MachineID < result[j].MachineID
		}
		return result[i].Date.Before(result[j].Date)
	})
	return result, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func cloneShift(s *models.ShiftRecord) *models.ShiftRecord {
	cp := *s
	if s.EndedAt != nil {
		end := *s.EndedAt
		cp.EndedAt = &end
	}
	if s.Metadata.ClosedAt != nil {
		closed := *s.Metadata.ClosedAt
		cp.Metadata.ClosedAt = &closed
	}
	return &cp
}

func cloneDowntime(e *models.DowntimeEvent) *models.DowntimeEvent {
	cp := *e
	if e.EndTime != nil {
		end := *e.EndTime
		cp.EndTime = &end
	}
	return &cp
}

func sortDowntime(events []*models.DowntimeEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].StartTime.Before(events[j].StartTime) })
}
