package engine

import (
	"context"
	"fmt"
)

// priceDME prices one line on the durable-equipment schedule. The rural fee
// series applies when the resolved rural flag is R or B.
func (p *Pricer) priceDME(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	quarter := lc.quarterOf()
	rural := lc.Geo.RuralFlag == "R" || lc.Geo.RuralFlag == "B"
	cents, found, err := p.cachedFee(ctx, fmt.Sprintf("dmepos:%d:%d:%s:%t", lc.Year, quarter, lc.Component.Code, rural),
		func(ctx context.Context) (int64, bool, error) {
			return p.db.DMEPOSFee(ctx, lc.Year, quarter, lc.Component.Code, rural)
		})
	if err != nil {
		return nil, lc.DeductibleRemainingCents, internalErr(err)
	}
	line, remaining, perr := p.priceFlat(lc, "durable equipment schedule", cents, found)
	if perr != nil {
		return nil, remaining, perr
	}
	line.TraceRefs = append(line.TraceRefs, TraceRef{
		Kind: "dmepos_series",
		Payload: map[string]interface{}{
			"rural":      rural,
			"rural_flag": lc.Geo.RuralFlag,
		},
	})
	return line, remaining, nil
}
