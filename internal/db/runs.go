package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Run is the persisted record of one pricing or resolution call.
type Run struct {
	RunID      string
	Endpoint   string
	Request    string
	Response   string
	Status     string
	StartedAt  string
	DurationMs int64
}

// RunInput is one top-level request parameter of a run.
type RunInput struct {
	Name  string
	Value string
}

// RunOutput is the flattened per-line pricing result of a run.
type RunOutput struct {
	LineSequence             int
	Code                     string
	Setting                  string
	AllowedCents             int64
	DeductibleCents          int64
	CoinsuranceCents         int64
	BeneficiaryTotalCents    int64
	ProgramPaymentCents      int64
	ProfessionalAllowedCents int64
	FacilityAllowedCents     int64
	ReferencePriceCents      *int64
	Packaged                 bool
	FacilitySpecific         bool
	Source                   string
	ErrorKind                string
}

// RunTrace is one auditable trace entry emitted during a run.
type RunTrace struct {
	Kind         string
	Payload      string
	LineSequence *int
}

// ResolutionTrace is the persisted record of one geographic resolution.
type ResolutionTrace struct {
	Inputs         string
	MatchLevel     string
	LocalityID     string
	State          string
	RuralFlag      string
	NearestZip     string
	DistanceMiles  *float64
	DatasetDigest  string
	LatencyMs      float64
	ServiceVersion string
	ErrorCode      string
	ResolvedAt     string
}

// InsertRunBundle persists a run with its inputs, outputs, and traces in one
// transaction: either all rows land or none.
func (d *DB) InsertRunBundle(run Run, inputs []RunInput, outputs []RunOutput, traces []RunTrace) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("run bundle begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO runs (run_id, endpoint, request, response, status, started_at, duration_ms)
		VALUES (?,?,?,?,?,?,?)`,
		run.RunID, run.Endpoint, run.Request, run.Response, run.Status, run.StartedAt, run.DurationMs); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, in := range inputs {
		if _, err := tx.Exec(`INSERT INTO run_inputs (run_id, name, value) VALUES (?,?,?)`,
			run.RunID, in.Name, in.Value); err != nil {
			return fmt.Errorf("insert run input %s: %w", in.Name, err)
		}
	}

	stmt, err := tx.Prepare(`
		INSERT INTO run_outputs (run_id, line_sequence, code, setting,
			allowed_cents, deductible_cents, coinsurance_cents, beneficiary_total_cents,
			program_payment_cents, professional_allowed_cents, facility_allowed_cents,
			reference_price_cents, packaged, facility_specific, source, error_kind)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULLIF(?,''))`)
	if err != nil {
		return fmt.Errorf("prepare run outputs: %w", err)
	}
	defer stmt.Close()
	for _, o := range outputs {
		var ref interface{}
		if o.ReferencePriceCents != nil {
			ref = *o.ReferencePriceCents
		}
		if _, err := stmt.Exec(run.RunID, o.LineSequence, o.Code, o.Setting,
			o.AllowedCents, o.DeductibleCents, o.CoinsuranceCents, o.BeneficiaryTotalCents,
			o.ProgramPaymentCents, o.ProfessionalAllowedCents, o.FacilityAllowedCents,
			ref, boolInt(o.Packaged), boolInt(o.FacilitySpecific), o.Source, o.ErrorKind); err != nil {
			return fmt.Errorf("insert run output %d: %w", o.LineSequence, err)
		}
	}

	for _, tr := range traces {
		var seq interface{}
		if tr.LineSequence != nil {
			seq = *tr.LineSequence
		}
		if _, err := tx.Exec(`INSERT INTO run_traces (run_id, kind, payload, line_sequence) VALUES (?,?,?,?)`,
			run.RunID, tr.Kind, tr.Payload, seq); err != nil {
			return fmt.Errorf("insert run trace %s: %w", tr.Kind, err)
		}
	}

	return tx.Commit()
}

// GetRun returns the run row, or nil.
func (d *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := d.sql.QueryRowContext(ctx, `
		SELECT run_id, endpoint, request, response, status, started_at, duration_ms
		FROM runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Endpoint, &r.Request, &r.Response, &r.Status, &r.StartedAt, &r.DurationMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// GetRunInputs returns the recorded request parameters of a run.
func (d *DB) GetRunInputs(ctx context.Context, runID string) ([]RunInput, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT name, value FROM run_inputs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run inputs: %w", err)
	}
	defer rows.Close()
	var out []RunInput
	for rows.Next() {
		var in RunInput
		if err := rows.Scan(&in.Name, &in.Value); err != nil {
			return nil, fmt.Errorf("scan run input: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// GetRunOutputs returns the per-line results of a run in sequence order.
func (d *DB) GetRunOutputs(ctx context.Context, runID string) ([]RunOutput, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT line_sequence, code, setting,
			allowed_cents, deductible_cents, coinsurance_cents, beneficiary_total_cents,
			program_payment_cents, professional_allowed_cents, facility_allowed_cents,
			reference_price_cents, packaged, facility_specific, source, COALESCE(error_kind,'')
		FROM run_outputs WHERE run_id = ? ORDER BY line_sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run outputs: %w", err)
	}
	defer rows.Close()
	var out []RunOutput
	for rows.Next() {
		var o RunOutput
		var ref sql.NullInt64
		var packaged, facSpecific int
		if err := rows.Scan(&o.LineSequence, &o.Code, &o.Setting,
			&o.AllowedCents, &o.DeductibleCents, &o.CoinsuranceCents, &o.BeneficiaryTotalCents,
			&o.ProgramPaymentCents, &o.ProfessionalAllowedCents, &o.FacilityAllowedCents,
			&ref, &packaged, &facSpecific, &o.Source, &o.ErrorKind); err != nil {
			return nil, fmt.Errorf("scan run output: %w", err)
		}
		if ref.Valid {
			v := ref.Int64
			o.ReferencePriceCents = &v
		}
		o.Packaged = packaged != 0
		o.FacilitySpecific = facSpecific != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetRunTraces returns the trace entries of a run.
func (d *DB) GetRunTraces(ctx context.Context, runID string) ([]RunTrace, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT kind, payload, line_sequence FROM run_traces WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run traces: %w", err)
	}
	defer rows.Close()
	var out []RunTrace
	for rows.Next() {
		var tr RunTrace
		var seq sql.NullInt64
		if err := rows.Scan(&tr.Kind, &tr.Payload, &seq); err != nil {
			return nil, fmt.Errorf("scan run trace: %w", err)
		}
		if seq.Valid {
			v := int(seq.Int64)
			tr.LineSequence = &v
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// InsertResolutionTrace persists a resolver trace row. Errors are logged and
// swallowed by the caller; trace writes must never fail a resolution.
func (d *DB) InsertResolutionTrace(tr ResolutionTrace) error {
	if tr.ResolvedAt == "" {
		tr.ResolvedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var dist interface{}
	if tr.DistanceMiles != nil {
		dist = *tr.DistanceMiles
	}
	_, err := d.sql.Exec(`
		INSERT INTO resolution_traces (inputs, match_level, locality_id, state, rural_flag,
			nearest_zip, distance_miles, dataset_digest, latency_ms, service_version, error_code, resolved_at)
		VALUES (?,?,NULLIF(?,''),NULLIF(?,''),NULLIF(?,''),NULLIF(?,''),?,NULLIF(?,''),?,?,NULLIF(?,''),?)`,
		tr.Inputs, tr.MatchLevel, tr.LocalityID, tr.State, tr.RuralFlag,
		tr.NearestZip, dist, tr.DatasetDigest, tr.LatencyMs, tr.ServiceVersion, tr.ErrorCode, tr.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert resolution trace: %w", err)
	}
	return nil
}

// RecentResolutionLatencies returns the latest n resolver latencies (ms),
// newest first. Used by the healthz SLO gauge.
func (d *DB) RecentResolutionLatencies(ctx context.Context, n int) []float64 {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT latency_ms FROM resolution_traces ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		log.Printf("[DB] RecentResolutionLatencies: %v", err)
		return nil
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err == nil {
			out = append(out, v)
		}
	}
	return out
}
