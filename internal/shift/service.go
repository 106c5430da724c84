package shift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/internal/target"
	"github.com/savegress/oeesense/pkg/models"
)

var (
	ErrShiftAlreadyClosed = errors.New("shift already closed")
	ErrShiftNotActive     = errors.New("shift is not active")
	ErrShiftInProgress    = errors.New("machine already has an active shift")
	ErrDowntimeEnded      = errors.New("downtime event already ended")
)

// DayRollup refreshes the precomputed daily metrics of a machine
type DayRollup interface {
	RollupDay(ctx context.Context, machineID string, day time.Time) error
}

// StartRequest opens a shift
type StartRequest struct {
	MachineID   string     `json:"machine_id"`
	ProductID   string     `json:"product_id,omitempty"`
	TemplateID  string     `json:"template_id,omitempty"`
	BatchNumber string     `json:"batch_number,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

// DowntimeRequest records a downtime event
type DowntimeRequest struct {
	MachineID    string     `json:"machine_id"`
	ShiftID      string     `json:"shift_id,omitempty"`
	ReasonCodeID string     `json:"reason_code_id,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
}

// ChangeoverRequest switches the product of a running shift. Counts, when
// given, belong to the product that ran until the changeover.
type ChangeoverRequest struct {
	ToProduct    string     `json:"to_product"`
	ChangedAt    *time.Time `json:"changed_at,omitempty"`
	GoodCount    *int64     `json:"good_count,omitempty"`
	RejectCount  *int64     `json:"reject_count,omitempty"`
	MaterialLoss *float64   `json:"material_loss,omitempty"`
}

// ProductionRequest reports incremental output of a running shift
type ProductionRequest struct {
	GoodCount    int64      `json:"good_count"`
	RejectCount  int64      `json:"reject_count"`
	MaterialLoss float64    `json:"material_loss"`
	LoggedAt     *time.Time `json:"logged_at,omitempty"`
}

// CloseRequest ends a shift. Nil counts keep the accumulated totals.
type CloseRequest struct {
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	GoodCount    *int64     `json:"good_count,omitempty"`
	RejectCount  *int64     `json:"reject_count,omitempty"`
	MaterialLoss *float64   `json:"material_loss,omitempty"`
}

// Service manages the shift lifecycle on top of the aggregator
type Service struct {
	store      storage.Store
	aggregator *Aggregator
	rollup     DayRollup
	tolerance  time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a shift service. rollup may be nil.
func NewService(store storage.Store, aggregator *Aggregator, rollup DayRollup, tolerance time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		aggregator: aggregator,
		rollup:     rollup,
		tolerance:  tolerance,
		logger:     logging.OrNop(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// StartShift opens a shift on an idle machine
func (s *Service) StartShift(ctx context.Context, req StartRequest) (*models.ShiftRecord, error) {
	if req.MachineID == "" {
		return nil, fmt.Errorf("machine_id is required: %w", models.ErrInvalidRange)
	}

	shift := &models.ShiftRecord{
		ID:          uuid.New().String(),
		MachineID:   req.MachineID,
		StartedAt:   s.now(),
		Status:      models.ShiftStatusActive,
		BatchNumber: req.BatchNumber,
	}
	if req.StartedAt != nil {
		shift.StartedAt = req.StartedAt.UTC()
	}
	if req.ProductID != "" {
		shift.ProductID = &req.ProductID
	}
	if req.TemplateID != "" {
		shift.TemplateID = &req.TemplateID
	}

	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		if _, err := tx.GetMachine(ctx, req.MachineID); err != nil {
			return err
		}
		if shift.TemplateID != nil {
			if _, err := tx.GetShiftTemplate(ctx, *shift.TemplateID); err != nil {
				return err
			}
		}
		active, err := tx.FindShifts(ctx, storage.ShiftFilter{
			MachineIDs: []string{req.MachineID},
			Statuses:   []models.ShiftStatus{models.ShiftStatusActive},
		})
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return ErrShiftInProgress
		}
		return tx.CreateShift(ctx, shift)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("shift started",
		zap.String("shift_id", shift.ID),
		zap.String("machine_id", shift.MachineID),
	)
	return shift, nil
}

// LogDowntime records a downtime event. Events tied to a shift can only
// be logged while it runs, which serializes them against CloseShift.
func (s *Service) LogDowntime(ctx context.Context, req DowntimeRequest) (*models.DowntimeEvent, error) {
	if req.EndTime != nil && req.EndTime.Before(req.StartTime) {
		return nil, fmt.Errorf("downtime ends before it starts: %w", models.ErrInvalidRange)
	}

	event := &models.DowntimeEvent{
		ID:        uuid.New().String(),
		MachineID: req.MachineID,
		StartTime: req.StartTime.UTC(),
	}
	if event.StartTime.IsZero() {
		event.StartTime = s.now()
	}
	if req.ReasonCodeID != "" {
		event.ReasonCodeID = &req.ReasonCodeID
	}
	if req.EndTime != nil {
		end := req.EndTime.UTC()
		event.EndTime = &end
		event.DurationSeconds = int64(end.Sub(event.StartTime).Seconds())
	}

	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		if req.ShiftID != "" {
			shift, err := tx.LockShift(ctx, req.ShiftID)
			if err != nil {
				return err
			}
			if !shift.IsActive() {
				return ErrShiftNotActive
			}
			if event.MachineID == "" {
				event.MachineID = shift.MachineID
			}
			event.ShiftID = &shift.ID
		}
		if _, err := tx.GetMachine(ctx, event.MachineID); err != nil {
			return err
		}
		return tx.CreateDowntime(ctx, event)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// EndDowntime closes an ongoing downtime event
func (s *Service) EndDowntime(ctx context.Context, id string, end *time.Time) (*models.DowntimeEvent, error) {
	at := s.now()
	if end != nil {
		at = end.UTC()
	}

	var event *models.DowntimeEvent
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		current, err := tx.GetDowntime(ctx, id)
		if err != nil {
			return err
		}
		if current.EndTime != nil {
			return ErrDowntimeEnded
		}
		if at.Before(current.StartTime) {
			return fmt.Errorf("downtime ends before it starts: %w", models.ErrInvalidRange)
		}
		if err := tx.EndDowntime(ctx, id, at); err != nil {
			return err
		}
		event, err = tx.GetDowntime(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// RecordChangeover switches the running product. Changeovers more than
// the configured tolerance outside the shift are rejected.
func (s *Service) RecordChangeover(ctx context.Context, shiftID string, req ChangeoverRequest) (*models.ProductChangeover, error) {
	if req.ToProduct == "" {
		return nil, fmt.Errorf("to_product is required: %w", models.ErrInvalidRange)
	}

	now := s.now()
	changedAt := now
	if req.ChangedAt != nil {
		changedAt = req.ChangedAt.UTC()
	}

	var co *models.ProductChangeover
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		shift, err := tx.LockShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if !shift.IsActive() {
			return ErrShiftNotActive
		}
		if changedAt.Before(shift.StartedAt.Add(-s.tolerance)) || changedAt.After(now.Add(s.tolerance)) {
			return fmt.Errorf("changeover at %s outside shift: %w", changedAt.Format(time.RFC3339), models.ErrInvalidRange)
		}

		co = &models.ProductChangeover{
			ID:           uuid.New().String(),
			ShiftID:      shift.ID,
			FromProduct:  shift.ProductID,
			ToProduct:    req.ToProduct,
			ChangedAt:    changedAt,
			GoodCount:    req.GoodCount,
			RejectCount:  req.RejectCount,
			MaterialLoss: req.MaterialLoss,
		}
		if err := tx.CreateChangeover(ctx, co); err != nil {
			return err
		}

		shift.ProductID = &req.ToProduct
		return tx.UpdateShift(ctx, shift)
	})
	if err != nil {
		return nil, err
	}
	return co, nil
}

// LogProduction appends a production log and adds it to the shift totals
func (s *Service) LogProduction(ctx context.Context, shiftID string, req ProductionRequest) (*models.ProductionLog, error) {
	if req.GoodCount < 0 || req.RejectCount < 0 || req.MaterialLoss < 0 {
		return nil, fmt.Errorf("counts must not be negative: %w", models.ErrInvalidRange)
	}

	loggedAt := s.now()
	if req.LoggedAt != nil {
		loggedAt = req.LoggedAt.UTC()
	}

	var entry *models.ProductionLog
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		shift, err := tx.LockShift(ctx, shiftID)
		if err != nil {
			return err
		}
		if !shift.IsActive() {
			return ErrShiftNotActive
		}

		entry = &models.ProductionLog{
			ID:           uuid.New().String(),
			ShiftID:      shift.ID,
			MachineID:    shift.MachineID,
			LoggedAt:     loggedAt,
			GoodCount:    req.GoodCount,
			RejectCount:  req.RejectCount,
			MaterialLoss: req.MaterialLoss,
		}
		if err := tx.CreateProductionLog(ctx, entry); err != nil {
			return err
		}

		shift.GoodCount += req.GoodCount
		shift.RejectCount += req.RejectCount
		shift.Metadata.MaterialLoss += req.MaterialLoss
		return tx.UpdateShift(ctx, shift)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CloseShift ends an active shift and stores its final metrics. Reading
// the shift's events, aggregating and writing the result happen in one
// transaction; of two concurrent closes only one succeeds and the other
// gets ErrShiftAlreadyClosed.
func (s *Service) CloseShift(ctx context.Context, shiftID string, req CloseRequest) (*models.ShiftMetrics, error) {
	now := s.now()
	endedAt := now
	if req.EndedAt != nil {
		endedAt = req.EndedAt.UTC()
	}

	var (
		metrics *models.ShiftMetrics
		closed  *models.ShiftRecord
	)
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		shift, err := tx.LockShift(ctx, shiftID)
		if err != nil {
			return err
		}
		switch shift.Status {
		case models.ShiftStatusCompleted:
			return ErrShiftAlreadyClosed
		case models.ShiftStatusCancelled:
			return ErrShiftNotActive
		}
		if endedAt.Before(shift.StartedAt) {
			return fmt.Errorf("shift ends before it starts: %w", models.ErrInvalidRange)
		}

		shift.EndedAt = &endedAt
		if req.GoodCount != nil {
			shift.GoodCount = *req.GoodCount
		}
		if req.RejectCount != nil {
			shift.RejectCount = *req.RejectCount
		}
		if req.MaterialLoss != nil {
			shift.Metadata.MaterialLoss = *req.MaterialLoss
		}

		in, err := loadInput(ctx, tx, shift)
		if err != nil {
			return err
		}
		// ongoing downtime of the shift ends with it, never before it started
		for _, e := range in.Downtime {
			if e.EndTime == nil {
				end := endedAt
				if end.Before(e.StartTime) {
					end = e.StartTime
				}
				if err := tx.EndDowntime(ctx, e.ID, end); err != nil {
					return err
				}
				e.EndTime = &end
			}
		}

		metrics, err = s.aggregator.Aggregate(ctx, target.NewRateCache(), in)
		if err != nil {
			return err
		}

		shift.Status = models.ShiftStatusCompleted
		shift.Metadata = models.ShiftMetadata{
			TargetOutput:    metrics.TargetOutput,
			IdealRate:       metrics.IdealRate,
			DowntimeMinutes: metrics.DowntimeMinutes,
			MaterialLoss:    metrics.MaterialLoss,
			QualityScore:    metrics.Quality,
			Availability:    metrics.Availability,
			Performance:     metrics.Performance,
			OEE:             metrics.OEE,
			ClosedAt:        &now,
		}
		if err := tx.UpdateShift(ctx, shift); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				return ErrShiftAlreadyClosed
			}
			return err
		}
		closed = shift
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("shift closed",
		zap.String("shift_id", closed.ID),
		zap.String("machine_id", closed.MachineID),
		zap.Int64("target_output", metrics.TargetOutput),
		zap.Float64("oee", metrics.OEE),
	)

	if s.rollup != nil {
		if err := s.rollup.RollupDay(ctx, closed.MachineID, closed.StartedAt); err != nil {
			s.logger.Warn("daily rollup failed",
				zap.String("machine_id", closed.MachineID),
				zap.Error(err),
			)
		}
	}
	return metrics, nil
}

// CancelShift abandons an active shift without computing metrics
func (s *Service) CancelShift(ctx context.Context, shiftID string) (*models.ShiftRecord, error) {
	var cancelled *models.ShiftRecord
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		shift, err := tx.LockShift(ctx, shiftID)
		if err != nil {
			return err
		}
		switch shift.Status {
		case models.ShiftStatusCompleted:
			return ErrShiftAlreadyClosed
		case models.ShiftStatusCancelled:
			return ErrShiftNotActive
		}
		now := s.now()
		shift.Status = models.ShiftStatusCancelled
		shift.EndedAt = &now
		if err := tx.UpdateShift(ctx, shift); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				return ErrShiftAlreadyClosed
			}
			return err
		}
		cancelled = shift
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// ShiftMetrics returns live metrics for a running shift and recomputed
// final metrics otherwise.
func (s *Service) ShiftMetrics(ctx context.Context, shiftID string) (*models.ShiftMetrics, error) {
	shift, err := s.store.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if shift.IsActive() {
		return s.liveMetrics(ctx, shift)
	}

	in, err := loadInput(ctx, s.store, shift)
	if err != nil {
		return nil, err
	}
	return s.aggregator.Aggregate(ctx, target.NewRateCache(), in)
}

// LiveMetrics computes metrics of a running shift up to now
func (s *Service) LiveMetrics(ctx context.Context, shiftID string) (*models.ShiftMetrics, error) {
	shift, err := s.store.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if !shift.IsActive() {
		return nil, ErrShiftNotActive
	}
	return s.liveMetrics(ctx, shift)
}

func (s *Service) liveMetrics(ctx context.Context, shift *models.ShiftRecord) (*models.ShiftMetrics, error) {
	now := s.now()

	in, err := loadInput(ctx, s.store, shift)
	if err != nil {
		return nil, err
	}

	// unassigned downtime of the machine inside the elapsed window counts too
	unassigned, err := s.store.FindDowntimeByMachines(ctx, []string{shift.MachineID}, shift.StartedAt, now)
	if err != nil {
		return nil, err
	}
	for _, e := range unassigned {
		if e.ShiftID == nil {
			in.Downtime = append(in.Downtime, e)
		}
	}
	if in.Reasons, err = loadReasons(ctx, s.store, in.Downtime); err != nil {
		return nil, err
	}

	if in.Logs, err = s.store.FindProductionLogs(ctx, shift.ID, shift.StartedAt, now); err != nil {
		return nil, err
	}

	return s.aggregator.AggregateLive(ctx, target.NewRateCache(), in, now)
}

// loadInput reads the events of a shift
func loadInput(ctx context.Context, st storage.Store, shift *models.ShiftRecord) (Input, error) {
	in := Input{Shift: shift}

	if shift.TemplateID != nil {
		tpl, err := st.GetShiftTemplate(ctx, *shift.TemplateID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return in, err
		}
		in.Template = tpl
	}

	var err error
	if in.Downtime, err = st.FindDowntimeByShiftIDs(ctx, []string{shift.ID}); err != nil {
		return in, err
	}
	if in.Changeovers, err = st.FindChangeoversByShift(ctx, shift.ID); err != nil {
		return in, err
	}
	if in.Reasons, err = loadReasons(ctx, st, in.Downtime); err != nil {
		return in, err
	}
	return in, nil
}

func loadReasons(ctx context.Context, st storage.ReasonCodeRepository, events []*models.DowntimeEvent) (map[string]*models.ReasonCode, error) {
	reasons := make(map[string]*models.ReasonCode)
	var ids []string
	seen := make(map[string]bool)
	for _, e := range events {
		if e.ReasonCodeID != nil && !seen[*e.ReasonCodeID] {
			seen[*e.ReasonCodeID] = true
			ids = append(ids, *e.ReasonCodeID)
		}
	}
	if len(ids) == 0 {
		return reasons, nil
	}
	codes, err := st.ListReasonCodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, rc := range codes {
		reasons[rc.ID] = rc
	}
	return reasons, nil
}
