package db

import (
	"database/sql"
	"fmt"

	"medpricer/internal/logger"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise open its own private
		// in-memory database.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate() error {
	version := 0
	// Try to read current version
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS geography (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				zip5           TEXT NOT NULL,
				plus4          TEXT,
				has_plus4      INTEGER NOT NULL DEFAULT 0,
				state          TEXT NOT NULL,
				locality_id    TEXT NOT NULL,
				carrier_id     TEXT,
				rural_flag     TEXT,
				effective_from TEXT NOT NULL,
				effective_to   TEXT,
				dataset_digest TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_geography_zip ON geography(zip5, has_plus4, effective_from);

			CREATE TABLE IF NOT EXISTS zip_geometry (
				zip5           TEXT NOT NULL,
				lat            REAL NOT NULL,
				lon            REAL NOT NULL,
				state          TEXT NOT NULL,
				is_pobox       INTEGER NOT NULL DEFAULT 0,
				effective_from TEXT NOT NULL,
				effective_to   TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_zip_geometry_state ON zip_geometry(state, effective_from);
			CREATE INDEX IF NOT EXISTS idx_zip_geometry_zip ON zip_geometry(zip5);

			CREATE TABLE IF NOT EXISTS zip_cbsa (
				zip5           TEXT NOT NULL,
				cbsa           TEXT NOT NULL,
				effective_from TEXT NOT NULL,
				effective_to   TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_zip_cbsa_zip ON zip_cbsa(zip5);

			CREATE TABLE IF NOT EXISTS wage_index (
				year       INTEGER NOT NULL,
				quarter    INTEGER,
				cbsa       TEXT NOT NULL,
				wage_index REAL NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_wage_index ON wage_index(year, cbsa);

			CREATE TABLE IF NOT EXISTS mpfs (
				year          INTEGER NOT NULL,
				locality_id   TEXT NOT NULL,
				hcpcs         TEXT NOT NULL,
				work_rvu      REAL NOT NULL,
				pe_nonfac_rvu REAL NOT NULL,
				pe_fac_rvu    REAL NOT NULL,
				malp_rvu      REAL NOT NULL,
				status_code   TEXT NOT NULL DEFAULT 'A',
				global_days   TEXT NOT NULL DEFAULT '000',
				PRIMARY KEY (year, locality_id, hcpcs)
			);

			CREATE TABLE IF NOT EXISTS gpci (
				year        INTEGER NOT NULL,
				locality_id TEXT NOT NULL,
				gpci_work   REAL NOT NULL,
				gpci_pe     REAL NOT NULL,
				gpci_malp   REAL NOT NULL,
				PRIMARY KEY (year, locality_id)
			);

			CREATE TABLE IF NOT EXISTS conversion_factor (
				year  INTEGER NOT NULL,
				kind  TEXT NOT NULL,
				value REAL NOT NULL,
				PRIMARY KEY (year, kind)
			);

			CREATE TABLE IF NOT EXISTS opps (
				year                      INTEGER NOT NULL,
				quarter                   INTEGER NOT NULL,
				hcpcs                     TEXT NOT NULL,
				status_indicator          TEXT NOT NULL,
				apc_code                  TEXT,
				national_unadj_rate_cents INTEGER NOT NULL DEFAULT 0,
				packaging_flag            TEXT,
				PRIMARY KEY (year, quarter, hcpcs)
			);

			CREATE TABLE IF NOT EXISTS ipps_drg (
				fiscal_year     INTEGER NOT NULL,
				drg_code        TEXT NOT NULL,
				relative_weight REAL NOT NULL,
				PRIMARY KEY (fiscal_year, drg_code)
			);

			CREATE TABLE IF NOT EXISTS ipps_base (
				fiscal_year         INTEGER PRIMARY KEY,
				operating_base_cents INTEGER NOT NULL,
				capital_base_cents   INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS asc_fee (
				year      INTEGER NOT NULL,
				quarter   INTEGER NOT NULL,
				hcpcs     TEXT NOT NULL,
				fee_cents INTEGER NOT NULL,
				PRIMARY KEY (year, quarter, hcpcs)
			);

			CREATE TABLE IF NOT EXISTS clfs_fee (
				year      INTEGER NOT NULL,
				quarter   INTEGER NOT NULL,
				hcpcs     TEXT NOT NULL,
				fee_cents INTEGER NOT NULL,
				PRIMARY KEY (year, quarter, hcpcs)
			);

			CREATE TABLE IF NOT EXISTS dmepos_fee (
				year      INTEGER NOT NULL,
				quarter   INTEGER NOT NULL,
				code      TEXT NOT NULL,
				rural     INTEGER NOT NULL DEFAULT 0,
				fee_cents INTEGER NOT NULL,
				PRIMARY KEY (year, quarter, code, rural)
			);

			CREATE TABLE IF NOT EXISTS drug_asp (
				year               INTEGER NOT NULL,
				quarter            INTEGER NOT NULL,
				hcpcs              TEXT NOT NULL,
				asp_per_unit_cents INTEGER NOT NULL,
				PRIMARY KEY (year, quarter, hcpcs)
			);

			CREATE TABLE IF NOT EXISTS nadac (
				as_of            TEXT NOT NULL,
				ndc11            TEXT NOT NULL,
				unit_price_cents INTEGER NOT NULL,
				unit_type        TEXT NOT NULL DEFAULT 'EA',
				PRIMARY KEY (as_of, ndc11)
			);

			CREATE TABLE IF NOT EXISTS ndc_hcpcs (
				ndc11           TEXT NOT NULL,
				hcpcs           TEXT NOT NULL,
				units_per_hcpcs REAL NOT NULL,
				PRIMARY KEY (ndc11, hcpcs)
			);

			CREATE TABLE IF NOT EXISTS snapshots (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				dataset_id     TEXT NOT NULL,
				effective_from TEXT NOT NULL,
				effective_to   TEXT,
				digest         TEXT NOT NULL,
				manifest       TEXT NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_dataset ON snapshots(dataset_id, effective_from);

			CREATE TABLE IF NOT EXISTS snapshot_pins (
				pin_name   TEXT PRIMARY KEY,
				dataset_id TEXT NOT NULL,
				digest     TEXT NOT NULL,
				created_at TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1 (reference tables)")
	}

	if version < 2 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS plans (
				id         TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS plan_components (
				id                     INTEGER PRIMARY KEY AUTOINCREMENT,
				plan_id                TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
				sequence               INTEGER NOT NULL,
				code                   TEXT NOT NULL,
				setting                TEXT NOT NULL,
				units                  REAL NOT NULL DEFAULT 1,
				utilization_weight     REAL NOT NULL DEFAULT 1,
				professional_component INTEGER NOT NULL DEFAULT 0,
				facility_component     INTEGER NOT NULL DEFAULT 0,
				modifiers              TEXT NOT NULL DEFAULT '[]',
				pos                    TEXT,
				ndc11                  TEXT,
				wastage_units          REAL NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_plan_components_plan ON plan_components(plan_id, sequence);

			CREATE TABLE IF NOT EXISTS runs (
				run_id      TEXT PRIMARY KEY,
				endpoint    TEXT NOT NULL,
				request     TEXT NOT NULL,
				response    TEXT NOT NULL,
				status      TEXT NOT NULL,
				started_at  TEXT NOT NULL,
				duration_ms INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS run_inputs (
				id     INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
				name   TEXT NOT NULL,
				value  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_run_inputs_run ON run_inputs(run_id);

			CREATE TABLE IF NOT EXISTS run_outputs (
				id                         INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id                     TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
				line_sequence              INTEGER NOT NULL,
				code                       TEXT NOT NULL,
				setting                    TEXT NOT NULL,
				allowed_cents              INTEGER NOT NULL,
				deductible_cents           INTEGER NOT NULL,
				coinsurance_cents          INTEGER NOT NULL,
				beneficiary_total_cents    INTEGER NOT NULL,
				program_payment_cents      INTEGER NOT NULL,
				professional_allowed_cents INTEGER NOT NULL,
				facility_allowed_cents     INTEGER NOT NULL,
				reference_price_cents      INTEGER,
				packaged                   INTEGER NOT NULL DEFAULT 0,
				facility_specific          INTEGER NOT NULL DEFAULT 0,
				source                     TEXT NOT NULL DEFAULT 'benchmark',
				error_kind                 TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_run_outputs_run ON run_outputs(run_id, line_sequence);

			CREATE TABLE IF NOT EXISTS run_traces (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id        TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
				kind          TEXT NOT NULL,
				payload       TEXT NOT NULL,
				line_sequence INTEGER
			);
			CREATE INDEX IF NOT EXISTS idx_run_traces_run ON run_traces(run_id);

			CREATE TABLE IF NOT EXISTS resolution_traces (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				inputs          TEXT NOT NULL,
				match_level     TEXT NOT NULL,
				locality_id     TEXT,
				state           TEXT,
				rural_flag      TEXT,
				nearest_zip     TEXT,
				distance_miles  REAL,
				dataset_digest  TEXT,
				latency_ms      REAL NOT NULL,
				service_version TEXT NOT NULL,
				error_code      TEXT,
				resolved_at     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_resolution_traces_at ON resolution_traces(resolved_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		logger.Info("DB", "Applied migration v2 (plans, runs, traces)")
	}

	if version < 3 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS benefit_params (
				year                          INTEGER PRIMARY KEY,
				part_b_deductible_cents       INTEGER NOT NULL,
				coinsurance_rate              REAL NOT NULL,
				part_a_admission_deduct_cents INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS api_keys (
				key_hash   TEXT PRIMARY KEY,
				name       TEXT NOT NULL,
				admin      INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (3);
		`)
		if err != nil {
			return fmt.Errorf("migration v3: %w", err)
		}
		logger.Info("DB", "Applied migration v3 (benefit params, api keys)")
	}

	return nil
}

// SqlDB returns the underlying *sql.DB for use by other packages (e.g. auth store).
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}
