package db

import (
	"context"
	"database/sql"
	"fmt"
)

// MPFSRow holds the RVU components for one code in one locality-year.
type MPFSRow struct {
	Year        int
	LocalityID  string
	HCPCS       string
	WorkRVU     float64
	PENonfacRVU float64
	PEFacRVU    float64
	MalpRVU     float64
	StatusCode  string
	GlobalDays  string
}

// GPCIRow holds the geographic practice cost indices for a locality-year.
type GPCIRow struct {
	Year       int
	LocalityID string
	Work       float64
	PE         float64
	Malp       float64
}

// OPPSRow holds the outpatient schedule entry for one code in a year-quarter.
type OPPSRow struct {
	Year            int
	Quarter         int
	HCPCS           string
	StatusIndicator string
	APCCode         string
	RateCents       int64
	PackagingFlag   string
}

// IPPSBase holds the fiscal-year operating and capital base rates.
type IPPSBase struct {
	FiscalYear         int
	OperatingBaseCents int64
	CapitalBaseCents   int64
}

// NADACRow is a drug acquisition-cost reference price.
type NADACRow struct {
	AsOf           string
	NDC11          string
	UnitPriceCents int64
	UnitType       string
}

// MPFS returns the physician fee-schedule row, or nil if absent.
func (d *DB) MPFS(ctx context.Context, year int, localityID, hcpcs string) (*MPFSRow, error) {
	var r MPFSRow
	err := d.sql.QueryRowContext(ctx, `
		SELECT year, locality_id, hcpcs, work_rvu, pe_nonfac_rvu, pe_fac_rvu, malp_rvu, status_code, global_days
		FROM mpfs WHERE year = ? AND locality_id = ? AND hcpcs = ?`,
		year, localityID, hcpcs).Scan(
		&r.Year, &r.LocalityID, &r.HCPCS, &r.WorkRVU, &r.PENonfacRVU, &r.PEFacRVU, &r.MalpRVU, &r.StatusCode, &r.GlobalDays)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mpfs lookup: %w", err)
	}
	return &r, nil
}

// GPCI returns the locality GPCI row, or nil if absent.
func (d *DB) GPCI(ctx context.Context, year int, localityID string) (*GPCIRow, error) {
	var r GPCIRow
	err := d.sql.QueryRowContext(ctx, `
		SELECT year, locality_id, gpci_work, gpci_pe, gpci_malp
		FROM gpci WHERE year = ? AND locality_id = ?`,
		year, localityID).Scan(&r.Year, &r.LocalityID, &r.Work, &r.PE, &r.Malp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gpci lookup: %w", err)
	}
	return &r, nil
}

// ConversionFactor returns the dollar conversion factor for a year and kind
// ("physician" or "anesthesia"). Returns (0, false) if absent.
func (d *DB) ConversionFactor(ctx context.Context, year int, kind string) (float64, bool, error) {
	var v float64
	err := d.sql.QueryRowContext(ctx,
		`SELECT value FROM conversion_factor WHERE year = ? AND kind = ?`, year, kind).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("conversion factor lookup: %w", err)
	}
	return v, true, nil
}

// OPPS returns the outpatient schedule row, or nil if absent.
func (d *DB) OPPS(ctx context.Context, year, quarter int, hcpcs string) (*OPPSRow, error) {
	var r OPPSRow
	var apc, pkg sql.NullString
	err := d.sql.QueryRowContext(ctx, `
		SELECT year, quarter, hcpcs, status_indicator, apc_code, national_unadj_rate_cents, packaging_flag
		FROM opps WHERE year = ? AND quarter = ? AND hcpcs = ?`,
		year, quarter, hcpcs).Scan(&r.Year, &r.Quarter, &r.HCPCS, &r.StatusIndicator, &apc, &r.RateCents, &pkg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opps lookup: %w", err)
	}
	r.APCCode = apc.String
	r.PackagingFlag = pkg.String
	return &r, nil
}

// WageIndex returns the wage index for a CBSA. Pass quarter 0 for the annual
// (IPPS) series; OPPS uses the quarterly series.
func (d *DB) WageIndex(ctx context.Context, year, quarter int, cbsa string) (float64, bool, error) {
	var v float64
	var err error
	if quarter == 0 {
		err = d.sql.QueryRowContext(ctx,
			`SELECT wage_index FROM wage_index WHERE year = ? AND quarter IS NULL AND cbsa = ?`,
			year, cbsa).Scan(&v)
	} else {
		err = d.sql.QueryRowContext(ctx,
			`SELECT wage_index FROM wage_index WHERE year = ? AND quarter = ? AND cbsa = ?`,
			year, quarter, cbsa).Scan(&v)
	}
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("wage index lookup: %w", err)
	}
	return v, true, nil
}

// DRGWeight returns the relative weight for a DRG in a fiscal year.
func (d *DB) DRGWeight(ctx context.Context, fiscalYear int, drgCode string) (float64, bool, error) {
	var w float64
	err := d.sql.QueryRowContext(ctx,
		`SELECT relative_weight FROM ipps_drg WHERE fiscal_year = ? AND drg_code = ?`,
		fiscalYear, drgCode).Scan(&w)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("drg lookup: %w", err)
	}
	return w, true, nil
}

// IPPSBaseRates returns the fiscal-year base rates, or nil if absent.
func (d *DB) IPPSBaseRates(ctx context.Context, fiscalYear int) (*IPPSBase, error) {
	var b IPPSBase
	err := d.sql.QueryRowContext(ctx,
		`SELECT fiscal_year, operating_base_cents, capital_base_cents FROM ipps_base WHERE fiscal_year = ?`,
		fiscalYear).Scan(&b.FiscalYear, &b.OperatingBaseCents, &b.CapitalBaseCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ipps base lookup: %w", err)
	}
	return &b, nil
}

// ASCFee returns the ambulatory surgical rate in cents.
func (d *DB) ASCFee(ctx context.Context, year, quarter int, hcpcs string) (int64, bool, error) {
	return d.feeLookup(ctx, `SELECT fee_cents FROM asc_fee WHERE year = ? AND quarter = ? AND hcpcs = ?`, year, quarter, hcpcs)
}

// CLFSFee returns the clinical laboratory fee in cents.
func (d *DB) CLFSFee(ctx context.Context, year, quarter int, hcpcs string) (int64, bool, error) {
	return d.feeLookup(ctx, `SELECT fee_cents FROM clfs_fee WHERE year = ? AND quarter = ? AND hcpcs = ?`, year, quarter, hcpcs)
}

func (d *DB) feeLookup(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	var cents int64
	err := d.sql.QueryRowContext(ctx, query, args...).Scan(&cents)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("fee lookup: %w", err)
	}
	return cents, true, nil
}

// DMEPOSFee returns the durable-equipment fee in cents for the rural or
// non-rural series.
func (d *DB) DMEPOSFee(ctx context.Context, year, quarter int, code string, rural bool) (int64, bool, error) {
	r := 0
	if rural {
		r = 1
	}
	return d.feeLookup(ctx,
		`SELECT fee_cents FROM dmepos_fee WHERE year = ? AND quarter = ? AND code = ? AND rural = ?`,
		year, quarter, code, r)
}

// DrugASP returns the average-sales-price per billing unit in cents.
func (d *DB) DrugASP(ctx context.Context, year, quarter int, hcpcs string) (int64, bool, error) {
	return d.feeLookup(ctx, `SELECT asp_per_unit_cents FROM drug_asp WHERE year = ? AND quarter = ? AND hcpcs = ?`, year, quarter, hcpcs)
}

// LatestNADAC returns the most recent NADAC row for an NDC, or nil.
func (d *DB) LatestNADAC(ctx context.Context, ndc11 string) (*NADACRow, error) {
	var r NADACRow
	err := d.sql.QueryRowContext(ctx, `
		SELECT as_of, ndc11, unit_price_cents, unit_type
		FROM nadac WHERE ndc11 = ? ORDER BY as_of DESC LIMIT 1`,
		ndc11).Scan(&r.AsOf, &r.NDC11, &r.UnitPriceCents, &r.UnitType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nadac lookup: %w", err)
	}
	return &r, nil
}

// Crosswalk returns units-per-HCPCS for an NDC↔HCPCS pair. Returns (0, false)
// when the pair is unmapped.
func (d *DB) Crosswalk(ctx context.Context, ndc11, hcpcs string) (float64, bool, error) {
	var units float64
	err := d.sql.QueryRowContext(ctx,
		`SELECT units_per_hcpcs FROM ndc_hcpcs WHERE ndc11 = ? AND hcpcs = ?`,
		ndc11, hcpcs).Scan(&units)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("crosswalk lookup: %w", err)
	}
	return units, true, nil
}

// --- ingestion/seed inserts ---

// InsertMPFS writes a physician fee-schedule row.
func (d *DB) InsertMPFS(r MPFSRow) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO mpfs (year, locality_id, hcpcs, work_rvu, pe_nonfac_rvu, pe_fac_rvu, malp_rvu, status_code, global_days)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.Year, r.LocalityID, r.HCPCS, r.WorkRVU, r.PENonfacRVU, r.PEFacRVU, r.MalpRVU, r.StatusCode, r.GlobalDays)
	return err
}

// InsertGPCI writes a GPCI row.
func (d *DB) InsertGPCI(r GPCIRow) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO gpci (year, locality_id, gpci_work, gpci_pe, gpci_malp) VALUES (?,?,?,?,?)`,
		r.Year, r.LocalityID, r.Work, r.PE, r.Malp)
	return err
}

// InsertConversionFactor writes a conversion factor.
func (d *DB) InsertConversionFactor(year int, kind string, value float64) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO conversion_factor (year, kind, value) VALUES (?,?,?)`,
		year, kind, value)
	return err
}

// InsertOPPS writes an outpatient schedule row.
func (d *DB) InsertOPPS(r OPPSRow) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO opps (year, quarter, hcpcs, status_indicator, apc_code, national_unadj_rate_cents, packaging_flag)
		VALUES (?,?,?,?,NULLIF(?,''),?,NULLIF(?,''))`,
		r.Year, r.Quarter, r.HCPCS, r.StatusIndicator, r.APCCode, r.RateCents, r.PackagingFlag)
	return err
}

// InsertWageIndex writes a wage-index row. Pass quarter 0 for the annual series.
func (d *DB) InsertWageIndex(year, quarter int, cbsa string, value float64) error {
	var q interface{}
	if quarter != 0 {
		q = quarter
	}
	_, err := d.sql.Exec(`INSERT INTO wage_index (year, quarter, cbsa, wage_index) VALUES (?,?,?,?)`,
		year, q, cbsa, value)
	return err
}

// InsertDRG writes a DRG weight row.
func (d *DB) InsertDRG(fiscalYear int, drgCode string, weight float64) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO ipps_drg (fiscal_year, drg_code, relative_weight) VALUES (?,?,?)`,
		fiscalYear, drgCode, weight)
	return err
}

// InsertIPPSBase writes fiscal-year base rates.
func (d *DB) InsertIPPSBase(b IPPSBase) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO ipps_base (fiscal_year, operating_base_cents, capital_base_cents) VALUES (?,?,?)`,
		b.FiscalYear, b.OperatingBaseCents, b.CapitalBaseCents)
	return err
}

// InsertASCFee writes an ambulatory surgical fee.
func (d *DB) InsertASCFee(year, quarter int, hcpcs string, cents int64) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO asc_fee (year, quarter, hcpcs, fee_cents) VALUES (?,?,?,?)`,
		year, quarter, hcpcs, cents)
	return err
}

// InsertCLFSFee writes a laboratory fee.
func (d *DB) InsertCLFSFee(year, quarter int, hcpcs string, cents int64) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO clfs_fee (year, quarter, hcpcs, fee_cents) VALUES (?,?,?,?)`,
		year, quarter, hcpcs, cents)
	return err
}

// InsertDMEPOSFee writes a durable-equipment fee.
func (d *DB) InsertDMEPOSFee(year, quarter int, code string, rural bool, cents int64) error {
	r := 0
	if rural {
		r = 1
	}
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO dmepos_fee (year, quarter, code, rural, fee_cents) VALUES (?,?,?,?,?)`,
		year, quarter, code, r, cents)
	return err
}

// InsertDrugASP writes an average-sales-price row.
func (d *DB) InsertDrugASP(year, quarter int, hcpcs string, cents int64) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO drug_asp (year, quarter, hcpcs, asp_per_unit_cents) VALUES (?,?,?,?)`,
		year, quarter, hcpcs, cents)
	return err
}

// InsertNADAC writes a drug acquisition-cost row.
func (d *DB) InsertNADAC(r NADACRow) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO nadac (as_of, ndc11, unit_price_cents, unit_type) VALUES (?,?,?,?)`,
		r.AsOf, r.NDC11, r.UnitPriceCents, r.UnitType)
	return err
}

// InsertCrosswalk writes an NDC↔HCPCS crosswalk row.
func (d *DB) InsertCrosswalk(ndc11, hcpcs string, unitsPerHCPCS float64) error {
	_, err := d.sql.Exec(`INSERT OR REPLACE INTO ndc_hcpcs (ndc11, hcpcs, units_per_hcpcs) VALUES (?,?,?)`,
		ndc11, hcpcs, unitsPerHCPCS)
	return err
}
