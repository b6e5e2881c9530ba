package engine

import (
	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	bilateral    = decimal.NewFromFloat(1.5)
	multipleProc = decimal.NewFromFloat(0.5)
	drugAddOn    = decimal.NewFromFloat(1.06)
)

// roundCents rounds a decimal cent amount to a whole number of cents using
// banker's rounding.
func roundCents(d decimal.Decimal) int64 {
	return d.RoundBank(0).IntPart()
}

// dollarsToCents converts a dollar amount to integer cents with banker's
// rounding at the point of conversion.
func dollarsToCents(d decimal.Decimal) int64 {
	return roundCents(d.Mul(hundred))
}

// modifierFactor returns the multiplier for a modifier and whether the
// modifier has a defined numeric effect. Unknown modifiers pass through
// unchanged but are recorded on the line.
func modifierFactor(mod string) (decimal.Decimal, bool) {
	switch normalizeModifier(mod) {
	case "50":
		return bilateral, true
	case "51":
		return multipleProc, true
	default:
		return decimal.NewFromInt(1), false
	}
}

func normalizeModifier(mod string) string {
	if len(mod) > 0 && mod[0] == '-' {
		return mod[1:]
	}
	return mod
}

// applyModifiers applies modifiers in order, multiplying in cents with
// banker's rounding after each step.
func applyModifiers(cents int64, modifiers []string) (int64, []ModifierStep) {
	if len(modifiers) == 0 {
		return cents, nil
	}
	steps := make([]ModifierStep, 0, len(modifiers))
	for _, mod := range modifiers {
		factor, known := modifierFactor(mod)
		if known {
			cents = roundCents(decimal.NewFromInt(cents).Mul(factor))
		}
		f, _ := factor.Float64()
		steps = append(steps, ModifierStep{Modifier: mod, Factor: f, Applied: known})
	}
	return cents, steps
}

// scaleUnits multiplies an amount by units and utilization weight, rounding
// to cents once after the product.
func scaleUnits(cents int64, units, utilization float64) int64 {
	return roundCents(decimal.NewFromInt(cents).
		Mul(decimal.NewFromFloat(units)).
		Mul(decimal.NewFromFloat(utilization)))
}

// CostShare is the beneficiary/program split of one line's allowed amount.
type CostShare struct {
	DeductibleCents       int64
	CoinsuranceCents      int64
	BeneficiaryTotalCents int64
	ProgramPaymentCents   int64
}

// costShare splits an allowed amount against the remaining deductible and a
// coinsurance rate. Returns the split and the updated deductible remaining
// for the orchestrator to thread through subsequent lines.
func costShare(allowedCents, deductibleRemainingCents int64, coinsuranceRate float64) (CostShare, int64) {
	ded := deductibleRemainingCents
	if allowedCents < ded {
		ded = allowedCents
	}
	if ded < 0 {
		ded = 0
	}
	coins := roundCents(decimal.NewFromInt(allowedCents - ded).Mul(decimal.NewFromFloat(coinsuranceRate)))
	cs := CostShare{
		DeductibleCents:       ded,
		CoinsuranceCents:      coins,
		BeneficiaryTotalCents: ded + coins,
		ProgramPaymentCents:   allowedCents - ded - coins,
	}
	return cs, deductibleRemainingCents - ded
}

func (l *LineResult) applyCostShare(cs CostShare) {
	l.DeductibleCents = cs.DeductibleCents
	l.CoinsuranceCents = cs.CoinsuranceCents
	l.BeneficiaryTotalCents = cs.BeneficiaryTotalCents
	l.ProgramPaymentCents = cs.ProgramPaymentCents
}
