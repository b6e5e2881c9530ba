package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"medpricer/internal/db"
)

// packagedStatuses are the outpatient status indicators whose payment is
// bundled into another line. Packaged lines price to zero.
var packagedStatuses = map[string]bool{
	"N":  true,
	"J1": true,
	"Q1": true,
	"Q2": true,
	"Q3": true,
}

// priceOutpatient prices one line on the outpatient prospective schedule,
// wage-adjusting the national rate by the resolved CBSA's quarterly index.
func (p *Pricer) priceOutpatient(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	comp := lc.Component
	quarter := lc.quarterOf()
	line := lc.newLine("benchmark")
	line.FacilitySpecific = true

	row, err := cachedLookup(ctx, p, fmt.Sprintf("opps:%d:%d:%s", lc.Year, quarter, comp.Code),
		func(ctx context.Context) (*db.OPPSRow, error) {
			return p.db.OPPS(ctx, lc.Year, quarter, comp.Code)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if row == nil {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrSchedulePricingMiss,
			Message: fmt.Sprintf("no outpatient schedule entry for %s in %dQ%d", comp.Code, lc.Year, quarter),
		}
	}

	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "opps_status",
		Payload: map[string]interface{}{
			"status_indicator": row.StatusIndicator,
			"apc_code":         row.APCCode,
			"national_cents":   row.RateCents,
		},
	})

	if packagedStatuses[row.StatusIndicator] {
		line.Packaged = true
		cs, remaining := costShare(0, lc.DeductibleRemainingCents, lc.CoinsuranceRate)
		line.applyCostShare(cs)
		return line, remaining, nil
	}

	if lc.Geo.CBSA == "" {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no CBSA resolved for locality %s; wage adjustment impossible", lc.Geo.LocalityID),
		}
	}
	wi, found, err := p.cachedRef(ctx, fmt.Sprintf("wage:%d:%d:%s", lc.Year, quarter, lc.Geo.CBSA),
		func(ctx context.Context) (float64, bool, error) {
			return p.db.WageIndex(ctx, lc.Year, quarter, lc.Geo.CBSA)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if !found {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no wage index for CBSA %s in %dQ%d", lc.Geo.CBSA, lc.Year, quarter),
		}
	}

	wageAdjusted := roundCents(decimal.NewFromInt(row.RateCents).Mul(decimal.NewFromFloat(wi)))
	allowed, steps := applyModifiers(wageAdjusted, comp.Modifiers)
	allowed = scaleUnits(allowed, comp.Units, comp.UtilizationWeight)

	line.AllowedCents = allowed
	line.FacilityAllowedCents = allowed
	line.Modifiers = steps
	cs, remaining := costShare(allowed, lc.DeductibleRemainingCents, lc.CoinsuranceRate)
	line.applyCostShare(cs)

	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "opps_wage_adjustment",
		Payload: map[string]interface{}{
			"cbsa":                lc.Geo.CBSA,
			"wage_index":          wi,
			"wage_adjusted_cents": wageAdjusted,
		},
	})
	return line, remaining, nil
}
