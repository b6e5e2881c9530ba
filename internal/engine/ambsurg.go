package engine

import (
	"context"
	"fmt"
)

// priceFlat prices the flat fee-schedule settings (ASC, CLFS, DMEPOS): a
// direct cents lookup, then modifiers, units, utilization, and standard cost
// sharing.
func (p *Pricer) priceFlat(lc *LineContext, scheduleName string, feeCents int64, found bool) (*LineResult, int64, error) {
	comp := lc.Component
	if !found {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrSchedulePricingMiss,
			Message: fmt.Sprintf("no %s entry for %s in %dQ%d", scheduleName, comp.Code, lc.Year, lc.quarterOf()),
		}
	}

	line := lc.newLine("benchmark")
	allowed, steps := applyModifiers(feeCents, comp.Modifiers)
	allowed = scaleUnits(allowed, comp.Units, comp.UtilizationWeight)

	line.AllowedCents = allowed
	line.Modifiers = steps
	cs, remaining := costShare(allowed, lc.DeductibleRemainingCents, lc.CoinsuranceRate)
	line.applyCostShare(cs)
	return line, remaining, nil
}

// priceASC prices one line on the ambulatory surgical schedule.
func (p *Pricer) priceASC(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	quarter := lc.quarterOf()
	cents, found, err := p.cachedFee(ctx, fmt.Sprintf("asc:%d:%d:%s", lc.Year, quarter, lc.Component.Code),
		func(ctx context.Context) (int64, bool, error) {
			return p.db.ASCFee(ctx, lc.Year, quarter, lc.Component.Code)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	line, remaining, perr := p.priceFlat(lc, "ambulatory surgical schedule", cents, found)
	if perr != nil {
		return nil, remaining, perr
	}
	line.FacilitySpecific = true
	line.FacilityAllowedCents = line.AllowedCents
	return line, remaining, nil
}
