// Package storage defines the repositories the metric core reads from and
// provides in-memory and SQL implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/savegress/oeesense/pkg/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// HierarchyRepository resolves plants, lines, machines and shift templates
type HierarchyRepository interface {
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	GetLine(ctx context.Context, id string) (*models.Line, error)
	ListPlants(ctx context.Context, ids []string) ([]*models.Plant, error)
	ListLines(ctx context.Context, plantID string) ([]*models.Line, error)
	ListMachines(ctx context.Context, lineID string) ([]*models.Machine, error)
	// MachinesInScope returns every machine below the scope, honouring
	// PermittedPlantIDs for global scopes.
	MachinesInScope(ctx context.Context, scope models.Scope) ([]*models.Machine, error)
	GetShiftTemplate(ctx context.Context, id string) (*models.ShiftTemplate, error)
}

// ShiftFilter selects shifts by machine and start time
type ShiftFilter struct {
	MachineIDs []string
	From       time.Time // inclusive, on started_at
	To         time.Time // exclusive, on started_at
	Statuses   []models.ShiftStatus
}

// ShiftRepository stores shift records
type ShiftRepository interface {
	CreateShift(ctx context.Context, shift *models.ShiftRecord) error
	GetShift(ctx context.Context, id string) (*models.ShiftRecord, error)
	// LockShift reads a shift and, inside a transaction, holds it until commit
	LockShift(ctx context.Context, id string) (*models.ShiftRecord, error)
	FindShifts(ctx context.Context, filter ShiftFilter) ([]*models.ShiftRecord, error)
	// UpdateShift persists status, end, counts and metadata if the stored
	// version still equals shift.Version, then increments it.
	UpdateShift(ctx context.Context, shift *models.ShiftRecord) error
}

// DowntimeRepository stores downtime events
type DowntimeRepository interface {
	CreateDowntime(ctx context.Context, event *models.DowntimeEvent) error
	GetDowntime(ctx context.Context, id string) (*models.DowntimeEvent, error)
	EndDowntime(ctx context.Context, id string, end time.Time) error
	FindDowntimeByShiftIDs(ctx context.Context, shiftIDs []string) ([]*models.DowntimeEvent, error)
	// FindDowntimeByMachines returns events overlapping [start, end).
	// Ongoing events overlap everything after their start.
	FindDowntimeByMachines(ctx context.Context, machineIDs []string, start, end time.Time) ([]*models.DowntimeEvent, error)
}

// ChangeoverRepository stores product changeovers
type ChangeoverRepository interface {
	CreateChangeover(ctx context.Context, co *models.ProductChangeover) error
	// FindChangeoversByShift returns changeovers ordered by changed_at
	FindChangeoversByShift(ctx context.Context, shiftID string) ([]*models.ProductChangeover, error)
}

// ProductionLogRepository stores incremental counts of running shifts
type ProductionLogRepository interface {
	CreateProductionLog(ctx context.Context, log *models.ProductionLog) error
	FindProductionLogs(ctx context.Context, shiftID string, from, to time.Time) ([]*models.ProductionLog, error)
}

// ReasonCodeRepository resolves downtime reason codes
type ReasonCodeRepository interface {
	ListReasonCodes(ctx context.Context, ids []string) ([]*models.ReasonCode, error)
}

// RateRepository resolves ideal rate configuration
type RateRepository interface {
	// GetMachineProductRate returns ok=false when no config exists
	GetMachineProductRate(ctx context.Context, machineID, productID string) (rate float64, ok bool, err error)
	// AverageDefaultIdealRate averages positive machine defaults of an
	// organization; ok=false when no machine has one.
	AverageDefaultIdealRate(ctx context.Context, organizationID string) (rate float64, ok bool, err error)
}

// TargetFilter selects production target candidates
type TargetFilter struct {
	MachineID string
	LineID    string
	AsOf      time.Time
}

// TargetRepository stores production targets
type TargetRepository interface {
	CreateTarget(ctx context.Context, target *models.ProductionTarget) error
	// FindTargets returns targets of the machine or line whose window
	// covers AsOf. Precedence between candidates is left to the caller.
	FindTargets(ctx context.Context, filter TargetFilter) ([]*models.ProductionTarget, error)
}

// DailyMetricRepository reads precomputed daily rollups
type DailyMetricRepository interface {
	UpsertDailyMetric(ctx context.Context, m *models.DailyOeeMetric) error
	// FindDailyMetrics returns rows with from <= date < to
	FindDailyMetrics(ctx context.Context, machineIDs []string, from, to time.Time) ([]*models.DailyOeeMetric, error)
}

// CatalogWriter creates reference data
type CatalogWriter interface {
	CreatePlant(ctx context.Context, p *models.Plant) error
	CreateLine(ctx context.Context, l *models.Line) error
	CreateMachine(ctx context.Context, m *models.Machine) error
	CreateShiftTemplate(ctx context.Context, t *models.ShiftTemplate) error
	CreateReasonCode(ctx context.Context, rc *models.ReasonCode) error
	SetMachineProductRate(ctx context.Context, cfg *models.MachineProductConfig) error
}

// Store is the full persistence surface
type Store interface {
	HierarchyRepository
	ShiftRepository
	DowntimeRepository
	ChangeoverRepository
	ProductionLogRepository
	ReasonCodeRepository
	RateRepository
	TargetRepository
	DailyMetricRepository
	CatalogWriter

	// WithTx runs fn inside a transaction. fn must use the Store it is given.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}
