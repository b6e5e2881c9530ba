package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"medpricer/internal/db"
)

// priceInpatient prices one admission on the inpatient prospective schedule:
// DRG weight times the wage-adjusted operating and capital base rates. Cost
// sharing is the per-admission Part-A deductible, applied entirely to this
// line with no coinsurance; the Part-B deductible is untouched.
func (p *Pricer) priceInpatient(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	comp := lc.Component
	line := lc.newLine("benchmark")
	line.FacilitySpecific = true

	weight, found, err := p.cachedRef(ctx, fmt.Sprintf("drg:%d:%s", lc.Year, comp.Code),
		func(ctx context.Context) (float64, bool, error) {
			return p.db.DRGWeight(ctx, lc.Year, comp.Code)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if !found {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no DRG weight for %s in fiscal year %d", comp.Code, lc.Year),
		}
	}

	base, err := cachedLookup(ctx, p, fmt.Sprintf("ippsbase:%d", lc.Year),
		func(ctx context.Context) (*db.IPPSBase, error) {
			return p.db.IPPSBaseRates(ctx, lc.Year)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if base == nil {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no inpatient base rates for fiscal year %d", lc.Year),
		}
	}

	if lc.Geo.CBSA == "" {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no CBSA resolved for locality %s; wage adjustment impossible", lc.Geo.LocalityID),
		}
	}
	// Inpatient uses the annual wage-index series.
	wi, found, err := p.cachedRef(ctx, fmt.Sprintf("wage:%d:annual:%s", lc.Year, lc.Geo.CBSA),
		func(ctx context.Context) (float64, bool, error) {
			return p.db.WageIndex(ctx, lc.Year, 0, lc.Geo.CBSA)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if !found {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrRequiredReferenceMiss,
			Message: fmt.Sprintf("no annual wage index for CBSA %s in %d", lc.Geo.CBSA, lc.Year),
		}
	}

	wiDec := decimal.NewFromFloat(wi)
	adjusted := decimal.NewFromInt(base.OperatingBaseCents).Mul(wiDec).
		Add(decimal.NewFromInt(base.CapitalBaseCents).Mul(wiDec))
	baseCents := roundCents(decimal.NewFromFloat(weight).Mul(adjusted))

	allowed, steps := applyModifiers(baseCents, comp.Modifiers)
	allowed = scaleUnits(allowed, comp.Units, comp.UtilizationWeight)

	admissionDed := lc.PartAAdmissionDeductCents
	if admissionDed > allowed {
		admissionDed = allowed
	}
	line.AllowedCents = allowed
	line.FacilityAllowedCents = allowed
	line.Modifiers = steps
	line.DeductibleCents = admissionDed
	line.BeneficiaryTotalCents = admissionDed
	line.ProgramPaymentCents = allowed - admissionDed

	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "ipps_computation",
		Payload: map[string]interface{}{
			"drg_code":             comp.Code,
			"relative_weight":      weight,
			"operating_base_cents": base.OperatingBaseCents,
			"capital_base_cents":   base.CapitalBaseCents,
			"cbsa":                 lc.Geo.CBSA,
			"wage_index":           wi,
			"admission_deductible": admissionDed,
		},
	})
	return line, lc.DeductibleRemainingCents, nil
}
