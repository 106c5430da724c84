package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/config"
	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/pkg/models"
)

// Source tells where a resolved target came from
type Source string

const (
	SourceMachine Source = "machine"
	SourceLine    Source = "line"
	SourceDefault Source = "default"
)

// Query selects the target applying to a machine or line on a date
type Query struct {
	MachineID       string
	LineID          string
	ShiftTemplateID string
	AsOf            time.Time
}

// Target is a resolved performance baseline
type Target struct {
	ID           string  `json:"id,omitempty"`
	Source       Source  `json:"source"`
	OEE          float64 `json:"oee"`
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
	Units        int64   `json:"units,omitempty"`
	GoodUnits    int64   `json:"good_units,omitempty"`
}

// TargetStore is the data the target resolver reads
type TargetStore interface {
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	FindTargets(ctx context.Context, filter storage.TargetFilter) ([]*models.ProductionTarget, error)
}

// Resolver picks the production target that applies to a query
type Resolver struct {
	store    TargetStore
	defaults config.TargetDefaults
	logger   *zap.Logger
}

// NewResolver creates a target resolver
func NewResolver(store TargetStore, defaults config.TargetDefaults, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, defaults: defaults, logger: logging.OrNop(logger)}
}

// ResolveTarget returns the applicable target or the configured default.
// When only a machine is given its line is looked up so a line target
// can stand in for a missing machine target.
func (r *Resolver) ResolveTarget(ctx context.Context, q Query) (Target, error) {
	if q.MachineID == "" && q.LineID == "" {
		return Target{}, models.ErrInvalidTargetScope
	}

	if q.MachineID != "" && q.LineID == "" {
		machine, err := r.store.GetMachine(ctx, q.MachineID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Target{}, fmt.Errorf("failed to resolve machine line: %w", err)
		}
		if machine != nil {
			q.LineID = machine.LineID
		}
	}

	candidates, err := r.store.FindTargets(ctx, storage.TargetFilter{
		MachineID: q.MachineID,
		LineID:    q.LineID,
		AsOf:      q.AsOf,
	})
	if err != nil {
		return Target{}, fmt.Errorf("failed to find targets: %w", err)
	}

	best := Select(candidates, q)
	if best == nil {
		r.logger.Debug("no production target, using defaults",
			zap.String("machine_id", q.MachineID),
			zap.String("line_id", q.LineID),
		)
		return r.Default(), nil
	}

	source := SourceLine
	if best.MachineID != nil {
		source = SourceMachine
	}
	return Target{
		ID:           best.ID,
		Source:       source,
		OEE:          best.TargetOEE,
		Availability: best.TargetAvailability,
		Performance:  best.TargetPerformance,
		Quality:      best.TargetQuality,
		Units:        best.TargetUnits,
		GoodUnits:    best.TargetGoodUnits,
	}, nil
}

// Default returns the configured default target
func (r *Resolver) Default() Target {
	return Target{
		Source:       SourceDefault,
		OEE:          r.defaults.OEE,
		Availability: r.defaults.Availability,
		Performance:  r.defaults.Performance,
		Quality:      r.defaults.Quality,
	}
}

// Select applies target precedence to candidates:
//  1. only targets whose window covers q.AsOf are considered
//  2. an exact machine match beats any line target
//  3. a target for q.ShiftTemplateID beats one without a shift; targets
//     for other shifts never apply
//  4. the most recently created target wins remaining ties
//
// It returns nil when nothing applies.
func Select(candidates []*models.ProductionTarget, q Query) *models.ProductionTarget {
	var machineBest, lineBest *models.ProductionTarget
	for _, c := range candidates {
		if c == nil || !c.AppliesOn(q.AsOf) || shiftRank(c, q.ShiftTemplateID) == 0 {
			continue
		}
		switch {
		case q.MachineID != "" && c.MachineID != nil && *c.MachineID == q.MachineID:
			machineBest = better(machineBest, c, q.ShiftTemplateID)
		case q.LineID != "" && c.LineID != nil && *c.LineID == q.LineID:
			lineBest = better(lineBest, c, q.ShiftTemplateID)
		}
	}
	if machineBest != nil {
		return machineBest
	}
	return lineBest
}

// shiftRank is 2 for an exact shift match, 1 for a target that applies
// to all shifts and 0 for a target of another shift.
func shiftRank(t *models.ProductionTarget, shiftTemplateID string) int {
	if t.ShiftTemplateID == nil || *t.ShiftTemplateID == "" {
		return 1
	}
	if *t.ShiftTemplateID == shiftTemplateID {
		return 2
	}
	return 0
}

func better(current, candidate *models.ProductionTarget, shiftTemplateID string) *models.ProductionTarget {
	if current == nil {
		return candidate
	}
	cr, nr := shiftRank(current, shiftTemplateID), shiftRank(candidate, shiftTemplateID)
	if nr != cr {
		if nr > cr {
			return candidate
		}
		return current
	}
	if candidate.CreatedAt.After(current.CreatedAt) {
		return candidate
	}
	return current
}
