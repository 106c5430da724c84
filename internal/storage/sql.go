package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/savegress/oeesense/pkg/models"
)

// Dialect captures the differences between the SQL backends
type Dialect struct {
	Name string
	// LockSuffix is appended to row reads that must hold the row until commit
	LockSuffix string
}

var (
	PostgresDialect = Dialect{Name: "postgres", LockSuffix: " FOR UPDATE"}
	// SQLite has no row locks; writers are serialized by BEGIN IMMEDIATE
	SQLiteDialect = Dialect{Name: "sqlite"}
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLStore implements Store on database/sql. Queries use $N placeholders
// in ascending order so they run unchanged on Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

// NewSQLStore wraps an open database
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, q: db, dialect: dialect}
}

// DB returns the underlying database
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn in a database transaction. Nested calls reuse the
// enclosing transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLStore{db: s.db, q: tx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Catalog
// =============================================================================

func (s *SQLStore) CreatePlant(ctx context.Context, p *models.Plant) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plants (id, organization_id, name) VALUES ($1, $2, $3)`,
		p.ID, p.OrganizationID, p.Name)
	if err != nil {
		return fmt.Errorf("failed to create plant: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateLine(ctx context.Context, l *models.Line) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO lines (id, plant_id, name) VALUES ($1, $2, $3)`,
		l.ID, l.PlantID, l.Name)
	if err != nil {
		return fmt.Errorf("failed to create line: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateMachine(ctx context.Context, m *models.Machine) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO machines (id, organization_id, line_id, name, default_ideal_rate) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.OrganizationID, m.LineID, m.Name, m.DefaultIdealRate)
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateShiftTemplate(ctx context.Context, t *models.ShiftTemplate) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO shift_templates (id, name, start_clock, end_clock) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.StartClock, t.EndClock)
	if err != nil {
		return fmt.Errorf("failed to create shift template: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateReasonCode(ctx context.Context, rc *models.ReasonCode) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO reason_codes (id, organization_id, code, description, category) VALUES ($1, $2, $3, $4, $5)`,
		rc.ID, rc.OrganizationID, rc.Code, rc.Description, string(rc.Category))
	if err != nil {
		return fmt.Errorf("failed to create reason code: %w", err)
	}
	return nil
}

func (s *SQLStore) SetMachineProductRate(ctx context.Context, cfg *models.MachineProductConfig) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO machine_product_configs (machine_id, product_id, ideal_rate) VALUES ($1, $2, $3)
		ON CONFLICT (machine_id, product_id) DO UPDATE SET ideal_rate = excluded.ideal_rate`,
		cfg.MachineID, cfg.ProductID, cfg.IdealRate)
	if err != nil {
		return fmt.Errorf("failed to set machine product rate: %w", err)
	}
	return nil
}

// =============================================================================
// Hierarchy
// =============================================================================

const machineColumns = `m.id, m.organization_id, m.line_id, m.name, m.default_ideal_rate`

func (s *SQLStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	m := &models.Machine{}
	err := s.q.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines m WHERE m.id = $1`, id,
	).Scan(&m.ID, &m.OrganizationID, &m.LineID, &m.Name, &m.DefaultIdealRate)
	if err != nil {
		return nil, notFound(err, "machine", id)
	}
	return m, nil
}

func (s *SQLStore) GetLine(ctx context.Context, id string) (*models.Line, error) {
	l := &models.Line{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, plant_id, name FROM lines WHERE id = $1`, id,
	).Scan(&l.ID, &l.PlantID, &l.Name)
	if err != nil {
		return nil, notFound(err, "line", id)
	}
	return l, nil
}

func (s *SQLStore) ListPlants(ctx context.Context, ids []string) ([]*models.Plant, error) {
	query := `SELECT id, organization_id, name FROM plants`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id IN (` + placeholders(1, len(ids)) + `)`
		args = stringArgs(ids)
	}
	query += ` ORDER BY name`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plants: %w", err)
	}
	defer rows.Close()

	var plants []*models.Plant
	for rows.Next() {
		p := &models.Plant{}
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name); err != nil {
			return nil, fmt.Errorf("failed to scan plant: %w", err)
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

func (s *SQLStore) ListLines(ctx context.Context, plantID string) ([]*models.Line, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, plant_id, name FROM lines WHERE plant_id = $1 ORDER BY name`, plantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lines: %w", err)
	}
	defer rows.Close()

	var lines []*models.Line
	for rows.Next() {
		l := &models.Line{}
		if err := rows.Scan(&l.ID, &l.PlantID, &l.Name); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *SQLStore) ListMachines(ctx context.Context, lineID string) ([]*models.Machine, error) {
	return s.queryMachines(ctx,
		`SELECT `+machineColumns+` FROM machines m WHERE m.line_id = $1 ORDER BY m.name`, lineID)
}

func (s *SQLStore) MachinesInScope(ctx context.Context, scope models.Scope) ([]*models.Machine, error) {
	switch scope.Level {
	case models.ScopeMachine:
		return s.queryMachines(ctx,
			`SELECT `+machineColumns+` FROM machines m WHERE m.id = $1`, scope.ID)
	case models.ScopeLine:
		return s.queryMachines(ctx,
			`SELECT `+machineColumns+` FROM machines m WHERE m.line_id = $1 ORDER BY m.id`, scope.ID)
	case models.ScopePlant:
		return s.queryMachines(ctx,
			`SELECT `+machineColumns+` FROM machines m JOIN lines l ON l.id = m.line_id WHERE l.plant_id = $1 ORDER BY m.id`, scope.ID)
	default:
		query := `SELECT ` + machineColumns + ` FROM machines m`
		var args []any
		if len(scope.PermittedPlantIDs) > 0 {
			query += ` JOIN lines l ON l.id = m.line_id WHERE l.plant_id IN (` + placeholders(1, len(scope.PermittedPlantIDs)) + `)`
			args = stringArgs(scope.PermittedPlantIDs)
		}
		return s.queryMachines(ctx, query+` ORDER BY m.id`, args...)
	}
}

func (s *SQLStore) queryMachines(ctx context.Context, query string, args ...any) ([]*models.Machine, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query machines: %w", err)
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		m := &models.Machine{}
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.LineID, &m.Name, &m.DefaultIdealRate); err != nil {
			return nil, fmt.Errorf("failed to scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *SQLStore) GetShiftTemplate(ctx context.Context, id string) (*models.ShiftTemplate, error) {
	t := &models.ShiftTemplate{}
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, start_clock, end_clock FROM shift_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.StartClock, &t.EndClock)
	if err != nil {
		return nil, notFound(err, "shift template", id)
	}
	return t, nil
}

// =============================================================================
// Shifts
// =============================================================================

const shiftColumns = `id, machine_id, product_id, template_id, started_at, ended_at, status,
	good_count, reject_count, batch_number, metadata, version`

func (s *SQLStore) CreateShift(ctx context.Context, shift *models.ShiftRecord) error {
	metadata, err := json.Marshal(shift.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode shift metadata: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO shifts (id, machine_id, product_id, template_id, started_at, ended_at, status,
			good_count, reject_count, batch_number, metadata, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		shift.ID, shift.MachineID, nullString(shift.ProductID), nullString(shift.TemplateID),
		shift.StartedAt.UTC(), nullTime(shift.EndedAt), string(shift.Status),
		shift.GoodCount, shift.RejectCount, shift.BatchNumber, string(metadata), shift.Version)
	if err != nil {
		return fmt.Errorf("failed to create shift: %w", err)
	}
	return nil
}

func (s *SQLStore) GetShift(ctx context.Context, id string) (*models.ShiftRecord, error) {
	shift, err := scanShift(s.q.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "shift", id)
	}
	return shift, nil
}

func (s *SQLStore) LockShift(ctx context.Context, id string) (*models.ShiftRecord, error) {
	shift, err := scanShift(s.q.QueryRowContext(ctx,
		`SELECT `+shiftColumns+` FROM shifts WHERE id = $1`+s.dialect.LockSuffix, id))
	if err != nil {
		return nil, notFound(err, "shift", id)
	}
	return shift, nil
}

func (s *SQLStore) FindShifts(ctx context.Context, filter ShiftFilter) ([]*models.ShiftRecord, error) {
	if len(filter.MachineIDs) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + shiftColumns + ` FROM shifts WHERE machine_id IN (`)
	b.WriteString(placeholders(1, len(filter.MachineIDs)))
	b.WriteString(`)`)
	args := stringArgs(filter.MachineIDs)

	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		b.WriteString(` AND started_at >= $` + strconv.Itoa(len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		b.WriteString(` AND started_at < $` + strconv.Itoa(len(args)))
	}
	if len(filter.Statuses) > 0 {
		b.WriteString(` AND status IN (` + placeholders(len(args)+1, len(filter.Statuses)) + `)`)
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	b.WriteString(` ORDER BY started_at`)

	rows, err := s.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find shifts: %w", err)
	}
	defer rows.Close()

	var shifts []*models.ShiftRecord
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shift: %w", err)
		}
		shifts = append(shifts, shift)
	}
	return shifts, rows.Err()
}

func (s *SQLStore) UpdateShift(ctx context.Context, shift *models.ShiftRecord) error {
	metadata, err := json.Marshal(shift.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode shift metadata: %w", err)
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE shifts
		SET product_id = $1, ended_at = $2, status = $3, good_count = $4, reject_count = $5,
			batch_number = $6, metadata = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		nullString(shift.ProductID), nullTime(shift.EndedAt), string(shift.Status),
		shift.GoodCount, shift.RejectCount, shift.BatchNumber, string(metadata),
		shift.ID, shift.Version)
	if err != nil {
		return fmt.Errorf("failed to update shift: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update shift: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetShift(ctx, shift.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	shift.Version++
	return nil
}

func scanShift(row rowScanner) (*models.ShiftRecord, error) {
	var (
		shift      models.ShiftRecord
		productID  sql.NullString
		templateID sql.NullString
		endedAt    sql.NullTime
		status     string
		metadata   string
	)
	err := row.Scan(&shift.ID, &shift.MachineID, &productID, &templateID, &shift.StartedAt, &endedAt,
		&status, &shift.GoodCount, &shift.RejectCount, &shift.BatchNumber, &metadata, &shift.Version)
	if err != nil {
		return nil, err
	}
	shift.ProductID = stringPtr(productID)
	shift.TemplateID = stringPtr(templateID)
	shift.EndedAt = timePtr(endedAt)
	shift.StartedAt = shift.StartedAt.UTC()
	shift.Status = models.ShiftStatus(status)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &shift.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode shift metadata: %w", err)
		}
	}
	return &shift, nil
}

// =============================================================================
// Downtime
// =============================================================================

const downtimeColumns = `id, machine_id, shift_id, reason_code_id, start_time, end_time, duration_seconds`

func (s *SQLStore) CreateDowntime(ctx context.Context, event *models.DowntimeEvent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO downtime_events (`+downtimeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.MachineID, nullString(event.ShiftID), nullString(event.ReasonCodeID),
		event.StartTime.UTC(), nullTime(event.EndTime), event.DurationSeconds)
	if err != nil {
		return fmt.Errorf("failed to create downtime event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDowntime(ctx context.Context, id string) (*models.DowntimeEvent, error) {
	event, err := scanDowntime(s.q.QueryRowContext(ctx,
		`SELECT `+downtimeColumns+` FROM downtime_events WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "downtime", id)
	}
	return event, nil
}

func (s *SQLStore) EndDowntime(ctx context.Context, id string, end time.Time) error {
	event, err := s.GetDowntime(ctx, id)
	if err != nil {
		return err
	}
	duration := int64(end.Sub(event.StartTime).Seconds())
	_, err = s.q.ExecContext(ctx,
		`UPDATE downtime_events SET end_time = $1, duration_seconds = $2 WHERE id = $3`,
		end.UTC(), duration, id)
	if err != nil {
		return fmt.Errorf("failed to end downtime event: %w", err)
	}
	return nil
}

func (s *SQLStore) FindDowntimeByShiftIDs(ctx context.Context, shiftIDs []string) ([]*models.DowntimeEvent, error) {
	if len(shiftIDs) == 0 {
		return nil, nil
	}
	return s.queryDowntime(ctx,
		`SELECT `+downtimeColumns+` FROM downtime_events WHERE shift_id IN (`+placeholders(1, len(shiftIDs))+`) ORDER BY start_time`,
		stringArgs(shiftIDs)...)
}

func (s *SQLStore) FindDowntimeByMachines(ctx context.Context, machineIDs []string, start, end time.Time) ([]*models.DowntimeEvent, error) {
	if len(machineIDs) == 0 {
		return nil, nil
	}
	n := len(machineIDs)
	args := append(stringArgs(machineIDs), end.UTC(), start.UTC())
	query := `SELECT ` + downtimeColumns + ` FROM downtime_events
		WHERE machine_id IN (` + placeholders(1, n) + `)
		AND start_time < $` + strconv.Itoa(n+1) + `
		AND (end_time IS NULL OR end_time > $` + strconv.Itoa(n+2) + `)
		ORDER BY start_time`
	return s.queryDowntime(ctx, query, args...)
}

func (s *SQLStore) queryDowntime(ctx context.Context, query string, args ...any) ([]*models.DowntimeEvent, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query downtime events: %w", err)
	}
	defer rows.Close()

	var events []*models.DowntimeEvent
	for rows.Next() {
		event, err := scanDowntime(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan downtime event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanDowntime(row rowScanner) (*models.DowntimeEvent, error) {
	var (
		event    models.DowntimeEvent
		shiftID  sql.NullString
		reasonID sql.NullString
		endTime  sql.NullTime
	)
	err := row.Scan(&event.ID, &event.MachineID, &shiftID, &reasonID, &event.StartTime, &endTime, &event.DurationSeconds)
	if err != nil {
		return nil, err
	}
	event.ShiftID = stringPtr(shiftID)
	event.ReasonCodeID = stringPtr(reasonID)
	event.StartTime = event.StartTime.UTC()
	event.EndTime = timePtr(endTime)
	return &event, nil
}

// =============================================================================
// Changeovers and production logs
// =============================================================================

func (s *SQLStore) CreateChangeover(ctx context.Context, co *models.ProductChangeover) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO product_changeovers (id, shift_id, from_product, to_product, changed_at, good_count, reject_count, material_loss)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		co.ID, co.ShiftID, nullString(co.FromProduct), co.ToProduct, co.ChangedAt.UTC(),
		nullInt64(co.GoodCount), nullInt64(co.RejectCount), nullFloat64(co.MaterialLoss))
	if err != nil {
		return fmt.Errorf("failed to create changeover: %w", err)
	}
	return nil
}

func (s *SQLStore) FindChangeoversByShift(ctx context.Context, shiftID string) ([]*models.ProductChangeover, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, shift_id, from_product, to_product, changed_at, good_count, reject_count, material_loss
		FROM product_changeovers WHERE shift_id = $1 ORDER BY changed_at`, shiftID)
	if err != nil {
		return nil, fmt.Errorf("failed to find changeovers: %w", err)
	}
	defer rows.Close()

	var changeovers []*models.ProductChangeover
	for rows.Next() {
		var (
			co     models.ProductChangeover
			from   sql.NullString
			good   sql.NullInt64
			reject sql.NullInt64
			loss   sql.NullFloat64
		)
		if err := rows.Scan(&co.ID, &co.ShiftID, &from, &co.ToProduct, &co.ChangedAt, &good, &reject, &loss); err != nil {
			return nil, fmt.Errorf("failed to scan changeover: %w", err)
		}
		co.FromProduct = stringPtr(from)
		co.ChangedAt = co.ChangedAt.UTC()
		if good.Valid {
			co.GoodCount = &good.Int64
		}
		if reject.Valid {
			co.RejectCount = &reject.Int64
		}
		if loss.Valid {
			co.MaterialLoss = &loss.Float64
		}
		changeovers = append(changeovers, &co)
	}
	return changeovers, rows.Err()
}

func (s *SQLStore) CreateProductionLog(ctx context.Context, log *models.ProductionLog) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO production_logs (id, shift_id, machine_id, logged_at, good_count, reject_count, material_loss)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ID, log.ShiftID, log.MachineID, log.LoggedAt.UTC(), log.GoodCount, log.RejectCount, log.MaterialLoss)
	if err != nil {
		return fmt.Errorf("failed to create production log: %w", err)
	}
	return nil
}

func (s *SQLStore) FindProductionLogs(ctx context.Context, shiftID string, from, to time.Time) ([]*models.ProductionLog, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, shift_id, machine_id, logged_at, good_count, reject_count, material_loss
		FROM production_logs
		WHERE shift_id = $1 AND logged_at >= $2 AND logged_at <= $3
		ORDER BY logged_at`, shiftID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find production logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.ProductionLog
	for rows.Next() {
		log := &models.ProductionLog{}
		if err := rows.Scan(&log.ID, &log.ShiftID, &log.MachineID, &log.LoggedAt,
			&log.GoodCount, &log.RejectCount, &log.MaterialLoss); err != nil {
			return nil, fmt.Errorf("failed to scan production log: %w", err)
		}
		log.LoggedAt = log.LoggedAt.UTC()
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// =============================================================================
// Reason codes and rates
// =============================================================================

func (s *SQLStore) ListReasonCodes(ctx context.Context, ids []string) ([]*models.ReasonCode, error) {
	query := `SELECT id, organization_id, code, description, category FROM reason_codes`
	var args []any
	if len(ids) > 0 {
		query += ` WHERE id IN (` + placeholders(1, len(ids)) + `)`
		args = stringArgs(ids)
	}
	query += ` ORDER BY code`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reason codes: %w", err)
	}
	defer rows.Close()

	var codes []*models.ReasonCode
	for rows.Next() {
		rc := &models.ReasonCode{}
		var category string
		if err := rows.Scan(&rc.ID, &rc.OrganizationID, &rc.Code, &rc.Description, &category); err != nil {
			return nil, fmt.Errorf("failed to scan reason code: %w", err)
		}
		rc.Category = models.ReasonCategory(category)
		codes = append(codes, rc)
	}
	return codes, rows.Err()
}

func (s *SQLStore) GetMachineProductRate(ctx context.Context, machineID, productID string) (float64, bool, error) {
	var rate float64
	err := s.q.QueryRowContext(ctx,
		`SELECT ideal_rate FROM machine_product_configs WHERE machine_id = $1 AND product_id = $2`,
		machineID, productID).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get machine product rate: %w", err)
	}
	return rate, true, nil
}

func (s *SQLStore) AverageDefaultIdealRate(ctx context.Context, organizationID string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := s.q.QueryRowContext(ctx,
		`SELECT AVG(default_ideal_rate) FROM machines WHERE organization_id = $1 AND default_ideal_rate > 0`,
		organizationID).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("failed to average ideal rates: %w", err)
	}
	return avg.Float64, avg.Valid, nil
}

// =============================================================================
// Targets and daily metrics
// =============================================================================

func (s *SQLStore) CreateTarget(ctx context.Context, t *models.ProductionTarget) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO production_targets (id, machine_id, line_id, shift_template_id, effective_from, effective_to,
			target_oee, target_availability, target_performance, target_quality, target_units, target_good_units, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, nullString(t.MachineID), nullString(t.LineID), nullString(t.ShiftTemplateID),
		t.EffectiveFrom.UTC(), nullTime(t.EffectiveTo),
		t.TargetOEE, t.TargetAvailability, t.TargetPerformance, t.TargetQuality,
		t.TargetUnits, t.TargetGoodUnits, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	return nil
}

// FindTargets filters the date window in Go so both backends compare at
// day granularity.
func (s *SQLStore) FindTargets(ctx context.Context, filter TargetFilter) ([]*models.ProductionTarget, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, machine_id, line_id, shift_template_id, effective_from, effective_to,
			target_oee, target_availability, target_performance, target_quality, target_units, target_good_units, created_at
		FROM production_targets
		WHERE machine_id = $1 OR line_id = $2`, filter.MachineID, filter.LineID)
	if err != nil {
		return nil, fmt.Errorf("failed to find targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.ProductionTarget
	for rows.Next() {
		var (
			t          models.ProductionTarget
			machineID  sql.NullString
			lineID     sql.NullString
			templateID sql.NullString
			to         sql.NullTime
		)
		if err := rows.Scan(&t.ID, &machineID, &lineID, &templateID, &t.EffectiveFrom, &to,
			&t.TargetOEE, &t.TargetAvailability, &t.TargetPerformance, &t.TargetQuality,
			&t.TargetUnits, &t.TargetGoodUnits, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t.MachineID = stringPtr(machineID)
		t.LineID = stringPtr(lineID)
		t.ShiftTemplateID = stringPtr(templateID)
		t.EffectiveTo = timePtr(to)
		if t.AppliesOn(filter.AsOf) {
			targets = append(targets, &t)
		}
	}
	return targets, rows.Err()
}

func (s *SQLStore) UpsertDailyMetric(ctx context.Context, m *models.DailyOeeMetric) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO daily_oee_metrics (machine_id, date, availability, performance, quality, oee,
			total_good, total_reject, total_downtime, total_run_time, total_material_loss)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (machine_id, date) DO UPDATE SET
			availability = excluded.availability,
			performance = excluded.performance,
			quality = excluded.quality,
			oee = excluded.oee,
			total_good = excluded.total_good,
			total_reject = excluded.total_reject,
			total_downtime = excluded.total_downtime,
			total_run_time = excluded.total_run_time,
			total_material_loss = excluded.total_material_loss`,
		m.MachineID, models.Day(m.Date), m.Availability, m.Performance, m.Quality, m.OEE,
		m.TotalGood, m.TotalReject, m.TotalDowntime, m.TotalRunTime, m.TotalMaterialLoss)
	if err != nil {
		return fmt.Errorf("failed to upsert daily metric: %w", err)
	}
	return nil
}

func (s *SQLStore) FindDailyMetrics(ctx context.Context, machineIDs []string, from, to time.Time) ([]*models.DailyOeeMetric, error) {
	if len(machineIDs) == 0 {
		return nil, nil
	}
	n := len(machineIDs)
	args := append(stringArgs(machineIDs), models.Day(from), models.Day(to))
	query := `SELECT machine_id, date, availability, performance, quality, oee,
			total_good, total_reject, total_downtime, total_run_time, total_material_loss
		FROM daily_oee_metrics
		WHERE machine_id IN (` + placeholders(1, n) + `)
		AND date >= $` + strconv.Itoa(n+1) + ` AND date < $` + strconv.Itoa(n+2) + `
		ORDER BY date, machine_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find daily metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*models.DailyOeeMetric
	for rows.Next() {
		m := &models.DailyOeeMetric{}
		if err := rows.Scan(&m.MachineID, &m.Date, &m.Availability, &m.Performance, &m.Quality, &m.OEE,
			&m.TotalGood, &m.TotalReject, &m.TotalDowntime, &m.TotalRunTime, &m.TotalMaterialLoss); err != nil {
			return nil, fmt.Errorf("failed to scan daily metric: %w", err)
		}
		m.Date = models.Day(m.Date)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", kind, err)
}

// placeholders returns "$start, $start+1, ..." for n arguments
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
