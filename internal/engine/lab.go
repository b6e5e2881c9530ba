package engine

import (
	"context"
	"fmt"
)

// priceLab prices one line on the clinical laboratory schedule.
func (p *Pricer) priceLab(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	quarter := lc.quarterOf()
	cents, found, err := p.cachedFee(ctx, fmt.Sprintf("clfs:%d:%d:%s", lc.Year, quarter, lc.Component.Code),
		func(ctx context.Context) (int64, bool, error) {
			return p.db.CLFSFee(ctx, lc.Year, quarter, lc.Component.Code)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	line, remaining, perr := p.priceFlat(lc, "laboratory schedule", cents, found)
	if perr != nil {
		return nil, remaining, perr
	}
	line.ProfessionalAllowedCents = line.AllowedCents
	return line, remaining, nil
}
