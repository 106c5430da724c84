package models

import (
	"errors"
	"time"
)

var (
	ErrInvalidRange       = errors.New("invalid range")
	ErrInvalidTargetScope = errors.New("target must reference exactly one of machine or line")
)

// ShiftStatus represents the lifecycle state of a shift
type ShiftStatus string

const (
	ShiftStatusActive    ShiftStatus = "active"
	ShiftStatusCompleted ShiftStatus = "completed"
	ShiftStatusCancelled ShiftStatus = "cancelled"
)

// ReasonCategory classifies a downtime reason
type ReasonCategory string

const (
	ReasonPlanned     ReasonCategory = "planned"
	ReasonUnplanned   ReasonCategory = "unplanned"
	ReasonPerformance ReasonCategory = "performance"
	ReasonQuality     ReasonCategory = "quality"
)

// ScopeLevel is the level of the plant hierarchy a query targets
type ScopeLevel string

const (
	ScopeGlobal  ScopeLevel = "global"
	ScopePlant   ScopeLevel = "plant"
	ScopeLine    ScopeLevel = "line"
	ScopeMachine ScopeLevel = "machine"
)

// Scope selects the machines a query aggregates over
type Scope struct {
	Level ScopeLevel `json:"level"`
	ID    string     `json:"id,omitempty"`
	// PermittedPlantIDs restricts global queries to the plants the caller
	// may see. Empty means unrestricted.
	PermittedPlantIDs []string `json:"permitted_plant_ids,omitempty"`
}

// Key returns a stable identifier for the scope
func (s Scope) Key() string {
	if s.Level == "" || s.Level == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(s.Level) + ":" + s.ID
}

// Plant is the top of the hierarchy
type Plant struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// Line groups machines inside a plant
type Line struct {
	ID      string `json:"id"`
	PlantID string `json:"plant_id"`
	Name    string `json:"name"`
}

// Machine is a piece of production equipment
type Machine struct {
	ID               string  `json:"id"`
	OrganizationID   string  `json:"organization_id"`
	LineID           string  `json:"line_id"`
	Name             string  `json:"name"`
	DefaultIdealRate float64 `json:"default_ideal_rate"` // units/hour, 0 when unknown
}

// Product is something a machine produces
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ShiftTemplate describes the scheduled clock window of a shift
type ShiftTemplate struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	StartClock string `json:"start_clock"` // HH:MM
	EndClock   string `json:"end_clock"`   // HH:MM, before StartClock for overnight shifts
}

// ShiftMetadata holds figures cached when a shift is closed
type ShiftMetadata struct {
	TargetOutput    int64      `json:"target_output"`
	IdealRate       float64    `json:"ideal_rate"`
	DowntimeMinutes float64    `json:"downtime_minutes"`
	MaterialLoss    float64    `json:"material_loss"`
	QualityScore    float64    `json:"quality_score"`
	Availability    float64    `json:"availability"`
	Performance     float64    `json:"performance"`
	OEE             float64    `json:"oee"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// ShiftRecord is a production shift on one machine
type ShiftRecord struct {
	ID          string        `json:"id"`
	MachineID   string        `json:"machine_id"`
	ProductID   *string       `json:"product_id,omitempty"`
	TemplateID  *string       `json:"template_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Status      ShiftStatus   `json:"status"`
	GoodCount   int64         `json:"good_count"`
	RejectCount int64         `json:"reject_count"`
	BatchNumber string        `json:"batch_number,omitempty"`
	Metadata    ShiftMetadata `json:"metadata"`
	Version     int64         `json:"version"`
}

// IsActive reports whether the shift is still running
func (s *ShiftRecord) IsActive() bool {
	return s.Status == ShiftStatusActive
}

// DowntimeEvent is a period during which a machine did not run
type DowntimeEvent struct {
	ID              string     `json:"id"`
	MachineID       string     `json:"machine_id"`
	ShiftID         *string    `json:"shift_id,omitempty"`
	ReasonCodeID    *string    `json:"reason_code_id,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// End returns the effective end of the event. Ongoing events end at now.
func (e *DowntimeEvent) End(now time.Time) time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	if now.Before(e.StartTime) {
		return e.StartTime
	}
	return now
}

// Duration returns the event length. A stored duration is trusted only
// for closed events whose timestamps cannot be used.
func (e *DowntimeEvent) Duration(now time.Time) time.Duration {
	if e.EndTime != nil {
		if d := e.EndTime.Sub(e.StartTime); d > 0 {
			return d
		}
		return time.Duration(e.DurationSeconds) * time.Second
	}
	return e.End(now).Sub(e.StartTime)
}

// ProductChangeover records a product switch inside a shift
type ProductChangeover struct {
	ID           string    `json:"id"`
	ShiftID      string    `json:"shift_id"`
	FromProduct  *string   `json:"from_product,omitempty"`
	ToProduct    string    `json:"to_product"`
	ChangedAt    time.Time `json:"changed_at"`
	GoodCount    *int64    `json:"good_count,omitempty"`
	RejectCount  *int64    `json:"reject_count,omitempty"`
	MaterialLoss *float64  `json:"material_loss,omitempty"`
}

// ReasonCode classifies downtime events
type ReasonCode struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Code           string         `json:"code"`
	Description    string         `json:"description"`
	Category       ReasonCategory `json:"category"`
}

// MachineProductConfig is the ideal rate of a product on a machine
type MachineProductConfig struct {
	MachineID string  `json:"machine_id"`
	ProductID string  `json:"product_id"`
	IdealRate float64 `json:"ideal_rate"` // units/hour
}

// ProductionTarget is a configured performance baseline
type ProductionTarget struct {
	ID                 string     `json:"id"`
	MachineID          *string    `json:"machine_id,omitempty"`
	LineID             *string    `json:"line_id,omitempty"`
	ShiftTemplateID    *string    `json:"shift_template_id,omitempty"`
	EffectiveFrom      time.Time  `json:"effective_from"`
	EffectiveTo        *time.Time `json:"effective_to,omitempty"`
	TargetOEE          float64    `json:"target_oee"`
	TargetAvailability float64    `json:"target_availability"`
	TargetPerformance  float64    `json:"target_performance"`
	TargetQuality      float64    `json:"target_quality"`
	TargetUnits        int64      `json:"target_units"`
	TargetGoodUnits    int64      `json:"target_good_units"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Validate checks the target's scope and date window
func (t *ProductionTarget) Validate() error {
	hasMachine := t.MachineID != nil && *t.MachineID != ""
	hasLine := t.LineID != nil && *t.LineID != ""
	if hasMachine == hasLine {
		return ErrInvalidTargetScope
	}
	if t.EffectiveTo != nil && t.EffectiveTo.Before(t.EffectiveFrom) {
		return ErrInvalidRange
	}
	return nil
}

// AppliesOn reports whether the target window covers the given date
func (t *ProductionTarget) AppliesOn(date time.Time) bool {
	day := Day(date)
	if Day(t.EffectiveFrom).After(day) {
		return false
	}
	return t.EffectiveTo == nil || !Day(*t.EffectiveTo).Before(day)
}

// ProductionLog is an incremental count reported while a shift runs
type ProductionLog struct {
	ID           string    `json:"id"`
	ShiftID      string    `json:"shift_id"`
	MachineID    string    `json:"machine_id"`
	LoggedAt     time.Time `json:"logged_at"`
	GoodCount    int64     `json:"good_count"`
	RejectCount  int64     `json:"reject_count"`
	MaterialLoss float64   `json:"material_loss"`
}

// DailyOeeMetric is a precomputed daily rollup for one machine
type DailyOeeMetric struct {
	MachineID         string    `json:"machine_id"`
	Date              time.Time `json:"date"`
	Availability      float64   `json:"availability"`
	Performance       float64   `json:"performance"`
	Quality           float64   `json:"quality"`
	OEE               float64   `json:"oee"`
	TotalGood         int64     `json:"total_good"`
	TotalReject       int64     `json:"total_reject"`
	TotalDowntime     int64     `json:"total_downtime"` // seconds
	TotalRunTime      int64     `json:"total_run_time"` // seconds
	TotalMaterialLoss float64   `json:"total_material_loss"`
}

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DateRange converts an inclusive day range into the half-open interval
// [from 00:00, to+1 00:00) in UTC.
func DateRange(from, to time.Time) (time.Time, time.Time) {
	return Day(from), Day(to).AddDate(0, 0, 1)
}

// EventCategory returns the reason category of a downtime event. Events
// without a known reason count as unplanned.
func EventCategory(e *DowntimeEvent, reasons map[string]*ReasonCode) ReasonCategory {
	if e.ReasonCodeID == nil {
		return ReasonUnplanned
	}
	if rc, ok := reasons[*e.ReasonCodeID]; ok && rc.Category != "" {
		return rc.Category
	}
	return ReasonUnplanned
}
