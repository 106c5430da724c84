package models

import "time"

// OverviewMetrics summarises a scope over a date range
type OverviewMetrics struct {
	OEE             float64 `json:"oee"`
	Availability    float64 `json:"availability"`
	Performance     float64 `json:"performance"`
	Quality         float64 `json:"quality"`
	GoodCount       int64   `json:"good_count"`
	RejectCount     int64   `json:"reject_count"`
	DowntimeMinutes float64 `json:"downtime_minutes"`
	MaterialLoss    float64 `json:"material_loss"`
	Source          string  `json:"source,omitempty"`
}

// TrendPoint is one day of a trend series
type TrendPoint struct {
	Date            time.Time `json:"date"`
	OEE             float64   `json:"oee"`
	Availability    float64   `json:"availability"`
	Performance     float64   `json:"performance"`
	Quality         float64   `json:"quality"`
	GoodCount       int64     `json:"good_count"`
	RejectCount     int64     `json:"reject_count"`
	DowntimeMinutes float64   `json:"downtime_minutes"`
}

// BreakdownRow is the overview of one child entity of a scope
type BreakdownRow struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         ScopeLevel `json:"type"`
	OEE          float64    `json:"oee"`
	Availability float64    `json:"availability"`
	Performance  float64    `json:"performance"`
	Quality      float64    `json:"quality"`
	Source       string     `json:"source,omitempty"`
}

// ProductTarget is the target output attributed to one product in a shift
type ProductTarget struct {
	ProductID       string  `json:"product_id"`
	NetRuntimeHours float64 `json:"net_runtime_hours"`
	IdealRate       float64 `json:"ideal_rate"`
	TargetOutput    int64   `json:"target_output"`
}

// ShiftMetrics is the computed result for one shift
type ShiftMetrics struct {
	ShiftID         string          `json:"shift_id"`
	TargetOutput    int64           `json:"target_output"`
	IdealRate       float64         `json:"ideal_rate"`
	Availability    float64         `json:"availability"`
	Performance     float64         `json:"performance"`
	Quality         float64         `json:"quality"`
	OEE             float64         `json:"oee"`
	GoodCount       int64           `json:"good_count"`
	RejectCount     int64           `json:"reject_count"`
	RunTimeSeconds  int64           `json:"run_time_seconds"`
	PlannedSeconds  int64           `json:"planned_seconds"`
	DowntimeMinutes float64         `json:"downtime_minutes"`
	MaterialLoss    float64         `json:"material_loss"`
	ByProduct       []ProductTarget `json:"by_product,omitempty"`
	Live            bool            `json:"live"`
	Warnings        []string        `json:"warnings,omitempty"`
}

// ReliabilityMetrics holds MTBF/MTTR figures
type ReliabilityMetrics struct {
	MTBFHours   float64 `json:"mtbf_hours"`
	MTTRMinutes float64 `json:"mttr_minutes"`
	Failures    int     `json:"failures"`
	UptimeHours float64 `json:"uptime_hours"`
}

// ReasonBreakdown is one row of a downtime Pareto analysis
type ReasonBreakdown struct {
	ReasonCodeID string         `json:"reason_code_id,omitempty"`
	Code         string         `json:"code"`
	Description  string         `json:"description,omitempty"`
	Category     ReasonCategory `json:"category,omitempty"`
	Events       int            `json:"events"`
	Minutes      float64        `json:"minutes"`
	Share        float64        `json:"share"` // percent of total downtime
}
