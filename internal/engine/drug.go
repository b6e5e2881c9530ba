package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"medpricer/internal/db"
)

// priceDrug prices one line of the Part-B drug schedule: ASP plus the 6%
// add-on, scaled by units and utilization, then modifiers. When an NDC is
// given, a NADAC acquisition-cost reference price is attached via the
// NDC to HCPCS crosswalk; a NADAC miss is a trace note, not a failure.
func (p *Pricer) priceDrug(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	comp := lc.Component
	quarter := lc.quarterOf()
	line := lc.newLine("benchmark")

	asp, found, err := p.cachedFee(ctx, fmt.Sprintf("asp:%d:%d:%s", lc.Year, quarter, comp.Code),
		func(ctx context.Context) (int64, bool, error) {
			return p.db.DrugASP(ctx, lc.Year, quarter, comp.Code)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	if !found {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrSchedulePricingMiss,
			Message: fmt.Sprintf("no drug ASP entry for %s in %dQ%d", comp.Code, lc.Year, quarter),
		}
	}

	base := roundCents(decimal.NewFromInt(asp).
		Mul(drugAddOn).
		Mul(decimal.NewFromFloat(comp.Units)).
		Mul(decimal.NewFromFloat(comp.UtilizationWeight)))
	allowed, steps := applyModifiers(base, comp.Modifiers)

	line.AllowedCents = allowed
	line.Modifiers = steps
	cs, remaining := costShare(allowed, lc.DeductibleRemainingCents, lc.CoinsuranceRate)
	line.applyCostShare(cs)

	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "drug_asp",
		Payload: map[string]interface{}{
			"asp_per_unit_cents": asp,
			"addon_factor":       1.06,
			"base_cents":         base,
		},
	})

	if comp.NDC11 != "" {
		p.attachDrugReference(ctx, lc, line)
	}
	return line, remaining, nil
}

// attachDrugReference computes the NADAC reference price for an NDC-bearing
// drug line. Missing crosswalk or NADAC data degrades to a trace note.
func (p *Pricer) attachDrugReference(ctx context.Context, lc *LineContext, line *LineResult) {
	comp := lc.Component

	unitsPer, mapped, err := p.cachedRef(ctx, fmt.Sprintf("xwalk:%s:%s", comp.NDC11, comp.Code),
		func(ctx context.Context) (float64, bool, error) {
			return p.db.Crosswalk(ctx, comp.NDC11, comp.Code)
		})
	if err != nil || !mapped {
		line.TraceRefs = append(line.TraceRefs, TraceRef{
			Kind: "drug_reference_unavailable",
			Payload: map[string]interface{}{
				"ndc11":  comp.NDC11,
				"reason": "no crosswalk mapping",
			},
		})
		return
	}

	nadac, err := cachedLookup(ctx, p, fmt.Sprintf("nadac:%s", comp.NDC11),
		func(ctx context.Context) (*db.NADACRow, error) {
			return p.db.LatestNADAC(ctx, comp.NDC11)
		})
	if err != nil || nadac == nil {
		line.TraceRefs = append(line.TraceRefs, TraceRef{
			Kind: "drug_reference_unavailable",
			Payload: map[string]interface{}{
				"ndc11":  comp.NDC11,
				"reason": "no acquisition-cost row",
			},
		})
		return
	}

	ref := roundCents(decimal.NewFromInt(nadac.UnitPriceCents).
		Mul(decimal.NewFromFloat(unitsPer)).
		Mul(decimal.NewFromFloat(comp.Units)).
		Mul(decimal.NewFromFloat(comp.UtilizationWeight)))
	line.ReferencePriceCents = &ref
	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "drug_unit_conversion",
		Payload: map[string]interface{}{
			"ndc11":                 comp.NDC11,
			"units_per_hcpcs":       unitsPer,
			"nadac_unit_cents":      nadac.UnitPriceCents,
			"nadac_as_of":           nadac.AsOf,
			"reference_price_cents": ref,
		},
	})
}
