package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"medpricer/internal/db"
)

// posNonFacility reports whether a place-of-service code selects the
// non-facility practice-expense RVU. Codes 11 through 21 are office and
// office-adjacent settings; an unset POS prices at the facility rate.
func posNonFacility(pos string) bool {
	if pos == "" {
		return false
	}
	n, err := strconv.Atoi(pos)
	if err != nil {
		return false
	}
	return n >= 11 && n <= 21
}

// pricePhysician prices one line on the physician fee schedule:
// RVUs weighted by the locality GPCIs, times the conversion factor.
func (p *Pricer) pricePhysician(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	comp := lc.Component
	line := lc.newLine("benchmark")

	row, err := cachedLookup(ctx, p, fmt.Sprintf("mpfs:%d:%s:%s", lc.Year, lc.Geo.LocalityID, comp.Code),
		func(ctx context.Context) (*db.MPFSRow, error) {
			return p.db.MPFS(ctx, lc.Year, lc.Geo.LocalityID, comp.Code)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if row == nil {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrSchedulePricingMiss,
			Message: fmt.Sprintf("no physician fee entry for %s in locality %s year %d", comp.Code, lc.Geo.LocalityID, lc.Year),
		}
	}

	gpci, err := cachedLookup(ctx, p, fmt.Sprintf("gpci:%d:%s", lc.Year, lc.Geo.LocalityID),
		func(ctx context.Context) (*db.GPCIRow, error) {
			return p.db.GPCI(ctx, lc.Year, lc.Geo.LocalityID)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if gpci == nil {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no GPCI for locality %s year %d", lc.Geo.LocalityID, lc.Year),
		}
	}

	cfValue, cfFound, err := p.cachedRef(ctx, fmt.Sprintf("cf:%d:physician", lc.Year),
		func(ctx context.Context) (float64, bool, error) {
			return p.db.ConversionFactor(ctx, lc.Year, "physician")
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if !cfFound {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no physician conversion factor for year %d", lc.Year),
		}
	}
	cf := decimal.NewFromFloat(cfValue)

	peRVU := row.PEFacRVU
	nonFacility := posNonFacility(comp.POS)
	if nonFacility {
		peRVU = row.PENonfacRVU
	}

	totalRVU := decimal.NewFromFloat(row.WorkRVU).Mul(decimal.NewFromFloat(gpci.Work)).
		Add(decimal.NewFromFloat(peRVU).Mul(decimal.NewFromFloat(gpci.PE))).
		Add(decimal.NewFromFloat(row.MalpRVU).Mul(decimal.NewFromFloat(gpci.Malp)))
	baseCents := dollarsToCents(totalRVU.Mul(cf))

	allowed, steps := applyModifiers(baseCents, comp.Modifiers)
	allowed = scaleUnits(allowed, comp.Units, comp.UtilizationWeight)

	line.AllowedCents = allowed
	line.Modifiers = steps
	if comp.ProfessionalComponent {
		line.ProfessionalAllowedCents = allowed
	}
	cs, remaining := costShare(allowed, lc.DeductibleRemainingCents, lc.CoinsuranceRate)
	line.applyCostShare(cs)

	totalF, _ := totalRVU.Float64()
	cfF, _ := cf.Float64()
	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "mpfs_computation",
		Payload: map[string]interface{}{
			"work_rvu":          row.WorkRVU,
			"pe_rvu":            peRVU,
			"malp_rvu":          row.MalpRVU,
			"pe_non_facility":   nonFacility,
			"gpci":              []float64{gpci.Work, gpci.PE, gpci.Malp},
			"total_rvu":         totalF,
			"conversion_factor": cfF,
			"base_cents":        baseCents,
		},
	})
	return line, remaining, nil
}
