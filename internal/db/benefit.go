package db

import (
	"context"
	"database/sql"
	"fmt"
)

// BenefitParams holds the benefit-year parameters used for cost sharing.
type BenefitParams struct {
	Year                      int
	PartBDeductibleCents      int64
	CoinsuranceRate           float64
	PartAAdmissionDeductCents int64
}

// BenefitParamsForYear returns the stored benefit parameters for a year, or
// nil when none are stored (caller falls back to config defaults).
func (d *DB) BenefitParamsForYear(ctx context.Context, year int) (*BenefitParams, error) {
	var b BenefitParams
	err := d.sql.QueryRowContext(ctx, `
		SELECT year, part_b_deductible_cents, coinsurance_rate, part_a_admission_deduct_cents
		FROM benefit_params WHERE year = ?`, year).Scan(
		&b.Year, &b.PartBDeductibleCents, &b.CoinsuranceRate, &b.PartAAdmissionDeductCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("benefit params: %w", err)
	}
	return &b, nil
}

// UpsertBenefitParams stores benefit parameters for a year.
func (d *DB) UpsertBenefitParams(b BenefitParams) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO benefit_params (year, part_b_deductible_cents, coinsurance_rate, part_a_admission_deduct_cents)
		VALUES (?,?,?,?)`,
		b.Year, b.PartBDeductibleCents, b.CoinsuranceRate, b.PartAAdmissionDeductCents)
	if err != nil {
		return fmt.Errorf("upsert benefit params: %w", err)
	}
	return nil
}
