package storage

// schema is portable between Postgres and SQLite. Timestamps are stored
// in UTC as TIMESTAMP so both drivers scan them into time.Time.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS plants (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lines (
		id TEXT PRIMARY KEY,
		plant_id TEXT NOT NULL REFERENCES plants(id),
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		line_id TEXT NOT NULL REFERENCES lines(id),
		name TEXT NOT NULL,
		default_ideal_rate DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_line ON machines(line_id)`,
	`CREATE TABLE IF NOT EXISTS shift_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_clock TEXT NOT NULL,
		end_clock TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reason_codes (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		code TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS machine_product_configs (
		machine_id TEXT NOT NULL REFERENCES machines(id),
		product_id TEXT NOT NULL,
		ideal_rate DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (machine_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL REFERENCES machines(id),
		product_id TEXT,
		template_id TEXT,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		status TEXT NOT NULL,
		good_count BIGINT NOT NULL DEFAULT 0,
		reject_count BIGINT NOT NULL DEFAULT 0,
		batch_number TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		version BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_machine_started ON shifts(machine_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS downtime_events (
		id TEXT PRIMARY KEY,
		machine_id TEXT NOT NULL REFERENCES machines(id),
		shift_id TEXT,
		reason_code_id TEXT,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		duration_seconds BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_downtime_shift ON downtime_events(shift_id)`,
	`CREATE INDEX IF NOT EXISTS idx_downtime_machine_start ON downtime_events(machine_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS product_changeovers (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL REFERENCES shifts(id),
		from_product TEXT,
		to_product TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL,
		good_count BIGINT,
		reject_count BIGINT,
		material_loss DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_changeovers_shift ON product_changeovers(shift_id, changed_at)`,
	`CREATE TABLE IF NOT EXISTS production_logs (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL REFERENCES shifts(id),
		machine_id TEXT NOT NULL,
		logged_at TIMESTAMP NOT NULL,
		good_count BIGINT NOT NULL DEFAULT 0,
		reject_count BIGINT NOT NULL DEFAULT 0,
		material_loss DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_production_logs_shift ON production_logs(shift_id, logged_at)`,
	`CREATE TABLE IF NOT EXISTS production_targets (
		id TEXT PRIMARY KEY,
		machine_id TEXT,
		line_id TEXT,
		shift_template_id TEXT,
		effective_from TIMESTAMP NOT NULL,
		effective_to TIMESTAMP,
		target_oee DOUBLE PRECISION NOT NULL DEFAULT 0,
		target_availability DOUBLE PRECISION NOT NULL DEFAULT 0,
		target_performance DOUBLE PRECISION NOT NULL DEFAULT 0,
		target_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
		target_units BIGINT NOT NULL DEFAULT 0,
		target_good_units BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_targets_machine ON production_targets(machine_id)`,
	`CREATE INDEX IF NOT EXISTS idx_targets_line ON production_targets(line_id)`,
	`CREATE TABLE IF NOT EXISTS daily_oee_metrics (
		machine_id TEXT NOT NULL,
		date DATE NOT NULL,
		availability DOUBLE PRECISION NOT NULL DEFAULT 0,
		performance DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality DOUBLE PRECISION NOT NULL DEFAULT 0,
		oee DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_good BIGINT NOT NULL DEFAULT 0,
		total_reject BIGINT NOT NULL DEFAULT 0,
		total_downtime BIGINT NOT NULL DEFAULT 0,
		total_run_time BIGINT NOT NULL DEFAULT 0,
		total_material_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (machine_id, date)
	)`,
}
