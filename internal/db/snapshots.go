package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Snapshot is an effective-dated, digest-identified version of a dataset.
type Snapshot struct {
	ID            int64
	DatasetID     string
	EffectiveFrom string
	EffectiveTo   string
	Digest        string
	Manifest      string
}

// Pin records a named digest for reproducibility tests.
type Pin struct {
	Name      string
	DatasetID string
	Digest    string
	CreatedAt string
}

// InsertSnapshot appends a snapshot row. Snapshots are never updated in place.
func (d *DB) InsertSnapshot(s Snapshot) error {
	_, err := d.sql.Exec(`
		INSERT INTO snapshots (dataset_id, effective_from, effective_to, digest, manifest)
		VALUES (?, ?, NULLIF(?,''), ?, ?)`,
		s.DatasetID, s.EffectiveFrom, s.EffectiveTo, s.Digest, s.Manifest)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// SnapshotsForDataset returns all snapshots for a dataset, newest first.
func (d *DB) SnapshotsForDataset(ctx context.Context, datasetID string) ([]Snapshot, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, dataset_id, effective_from, COALESCE(effective_to,''), digest, manifest
		FROM snapshots WHERE dataset_id = ? ORDER BY effective_from DESC, id DESC`,
		datasetID)
	if err != nil {
		return nil, fmt.Errorf("snapshots for dataset: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// AllSnapshots returns every snapshot, newest first.
func (d *DB) AllSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, dataset_id, effective_from, COALESCE(effective_to,''), digest, manifest
		FROM snapshots ORDER BY dataset_id, effective_from DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("all snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.DatasetID, &s.EffectiveFrom, &s.EffectiveTo, &s.Digest, &s.Manifest); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SnapshotByDigest returns the snapshot with the given dataset and digest, or nil.
func (d *DB) SnapshotByDigest(ctx context.Context, datasetID, digest string) (*Snapshot, error) {
	var s Snapshot
	err := d.sql.QueryRowContext(ctx, `
		SELECT id, dataset_id, effective_from, COALESCE(effective_to,''), digest, manifest
		FROM snapshots WHERE dataset_id = ? AND digest = ? ORDER BY id DESC LIMIT 1`,
		datasetID, digest).Scan(&s.ID, &s.DatasetID, &s.EffectiveFrom, &s.EffectiveTo, &s.Digest, &s.Manifest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot by digest: %w", err)
	}
	return &s, nil
}

// SavePin stores or replaces a named digest pin.
func (d *DB) SavePin(p Pin) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO snapshot_pins (pin_name, dataset_id, digest, created_at)
		VALUES (?, ?, ?, ?)`,
		p.Name, p.DatasetID, p.Digest, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save pin: %w", err)
	}
	return nil
}

// GetPin returns a pin by name, or nil.
func (d *DB) GetPin(ctx context.Context, name string) (*Pin, error) {
	var p Pin
	err := d.sql.QueryRowContext(ctx,
		`SELECT pin_name, dataset_id, digest, created_at FROM snapshot_pins WHERE pin_name = ?`,
		name).Scan(&p.Name, &p.DatasetID, &p.Digest, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pin: %w", err)
	}
	return &p, nil
}

// datasetQueries maps dataset ids to the canonical column-ordered dump used
// for digest computation. Column order is fixed; NULLs dump as empty strings.
var datasetQueries = map[string]string{
	"geography": `SELECT zip5, COALESCE(plus4,''), has_plus4, state, locality_id,
		COALESCE(carrier_id,''), COALESCE(rural_flag,''), effective_from, COALESCE(effective_to,'')
		FROM geography`,
	"zip_geometry": `SELECT zip5, lat, lon, state, is_pobox, effective_from, COALESCE(effective_to,'')
		FROM zip_geometry`,
	"wage_index": `SELECT year, COALESCE(quarter,''), cbsa, wage_index FROM wage_index`,
	"mpfs": `SELECT year, locality_id, hcpcs, work_rvu, pe_nonfac_rvu, pe_fac_rvu, malp_rvu, status_code, global_days
		FROM mpfs`,
	"gpci":              `SELECT year, locality_id, gpci_work, gpci_pe, gpci_malp FROM gpci`,
	"conversion_factor": `SELECT year, kind, value FROM conversion_factor`,
	"opps": `SELECT year, quarter, hcpcs, status_indicator, COALESCE(apc_code,''),
		national_unadj_rate_cents, COALESCE(packaging_flag,'') FROM opps`,
	"ipps": `SELECT d.fiscal_year, d.drg_code, d.relative_weight, COALESCE(b.operating_base_cents,0), COALESCE(b.capital_base_cents,0)
		FROM ipps_drg d LEFT JOIN ipps_base b ON b.fiscal_year = d.fiscal_year`,
	"asc":      `SELECT year, quarter, hcpcs, fee_cents FROM asc_fee`,
	"clfs":     `SELECT year, quarter, hcpcs, fee_cents FROM clfs_fee`,
	"dmepos":   `SELECT year, quarter, code, rural, fee_cents FROM dmepos_fee`,
	"drug_asp": `SELECT year, quarter, hcpcs, asp_per_unit_cents FROM drug_asp`,
	"nadac":    `SELECT as_of, ndc11, unit_price_cents, unit_type FROM nadac`,
	"ndc_hcpcs": `SELECT ndc11, hcpcs, units_per_hcpcs FROM ndc_hcpcs`,
}

// KnownDatasets returns the dataset ids that support digest computation.
func KnownDatasets() []string {
	out := make([]string, 0, len(datasetQueries))
	for id := range datasetQueries {
		out = append(out, id)
	}
	return out
}

// DatasetTuples dumps a dataset's rows as string tuples in the canonical
// column order. Floats use the shortest round-trip representation so the
// dump is deterministic for a given row set.
func (d *DB) DatasetTuples(ctx context.Context, datasetID string) ([][]string, error) {
	query, ok := datasetQueries[datasetID]
	if !ok {
		return nil, fmt.Errorf("unknown dataset id %q", datasetID)
	}
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dataset dump %s: %w", datasetID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dataset columns %s: %w", datasetID, err)
	}

	var out [][]string
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("dataset scan %s: %w", datasetID, err)
		}
		tuple := make([]string, len(cols))
		for i, v := range raw {
			tuple[i] = canonicalValue(v)
		}
		out = append(out, tuple)
	}
	return out, rows.Err()
}

func canonicalValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", x)
	}
}
