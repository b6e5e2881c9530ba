package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"medpricer/internal/cache"
	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/geo"
)

// LineContext carries everything an engine needs to price one component.
type LineContext struct {
	Component     PlanComponent
	Geo           *geo.Result
	Year          int
	Quarter       int
	ValuationDate time.Time

	DeductibleRemainingCents  int64
	CoinsuranceRate           float64
	PartAAdmissionDeductCents int64
}

// Pricer dispatches plan components to the fee-schedule engine for their
// setting. Schedule lookups go through the shared cache.
type Pricer struct {
	db    *db.DB
	cache *cache.Cache
	cfg   *config.Config
}

// NewPricer creates a Pricer.
func NewPricer(d *db.DB, c *cache.Cache, cfg *config.Config) *Pricer {
	return &Pricer{db: d, cache: c, cfg: cfg}
}

type engineFunc func(p *Pricer, ctx context.Context, lc *LineContext) (*LineResult, int64, error)

// engines maps each setting to its pricing function.
var engines = map[Setting]engineFunc{
	SettingPhysician:  (*Pricer).pricePhysician,
	SettingOutpatient: (*Pricer).priceOutpatient,
	SettingInpatient:  (*Pricer).priceInpatient,
	SettingASC:        (*Pricer).priceASC,
	SettingLab:        (*Pricer).priceLab,
	SettingDME:        (*Pricer).priceDME,
	SettingDrug:       (*Pricer).priceDrug,
}

// componentDatasets lists the reference datasets the engine for a component's
// setting reads while pricing it. Ids match the snapshot registry's dataset
// ids.
func componentDatasets(comp PlanComponent) []string {
	switch comp.Setting {
	case SettingPhysician:
		return []string{"mpfs", "gpci", "conversion_factor"}
	case SettingOutpatient:
		return []string{"opps", "wage_index"}
	case SettingInpatient:
		return []string{"ipps", "wage_index"}
	case SettingASC:
		return []string{"asc"}
	case SettingLab:
		return []string{"clfs"}
	case SettingDME:
		return []string{"dmepos"}
	case SettingDrug:
		if comp.NDC11 != "" {
			return []string{"drug_asp", "nadac", "ndc_hcpcs"}
		}
		return []string{"drug_asp"}
	}
	return nil
}

// PriceLine prices one component, returning the line result and the updated
// Part-B deductible remaining. Line-level failures come back as
// *PricingError; the caller decides whether they abort the run.
func (p *Pricer) PriceLine(ctx context.Context, lc *LineContext) (*LineResult, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, lc.DeductibleRemainingCents, &PricingError{Kind: ErrTimeout, Message: err.Error()}
	}
	fn, ok := engines[lc.Component.Setting]
	if !ok {
		return nil, lc.DeductibleRemainingCents, &PricingError{
			Kind:    ErrInvalidInput,
			Message: fmt.Sprintf("unknown setting %q", lc.Component.Setting),
		}
	}
	return fn(p, ctx, lc)
}

func (lc *LineContext) newLine(source string) *LineResult {
	return &LineResult{
		Sequence: lc.Component.Sequence,
		Code:     lc.Component.Code,
		Setting:  lc.Component.Setting,
		Source:   source,
	}
}

// cachedLookup routes a schedule lookup through the cache as JSON. Negative
// results (absent rows) are cached too so hot misses don't hammer the store.
func cachedLookup[T any](ctx context.Context, p *Pricer, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	data, err := p.cache.GetOrCompute(ctx, key, "", p.cfg.CacheTTL, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return out, nil
}

type feeResult struct {
	Cents int64 `json:"cents"`
	Found bool  `json:"found"`
}

// refValue is the cached shape of non-monetary reference factors such as
// conversion factors, wage indices, and DRG weights.
type refValue struct {
	Value float64 `json:"value"`
	Found bool    `json:"found"`
}

func (p *Pricer) cachedRef(ctx context.Context, key string, load func(context.Context) (float64, bool, error)) (float64, bool, error) {
	r, err := cachedLookup(ctx, p, key, func(ctx context.Context) (refValue, error) {
		v, found, err := load(ctx)
		return refValue{Value: v, Found: found}, err
	})
	if err != nil {
		return 0, false, err
	}
	return r.Value, r.Found, nil
}

func (p *Pricer) cachedFee(ctx context.Context, key string, load func(context.Context) (int64, bool, error)) (int64, bool, error) {
	r, err := cachedLookup(ctx, p, key, func(ctx context.Context) (feeResult, error) {
		cents, found, err := load(ctx)
		return feeResult{Cents: cents, Found: found}, err
	})
	if err != nil {
		return 0, false, err
	}
	return r.Cents, r.Found, nil
}

func internalErr(err error) *PricingError {
	return &PricingError{Kind: ErrInternal, Message: err.Error()}
}

// quarterOf derives the calendar quarter from the line context when the
// request did not carry one.
func (lc *LineContext) quarterOf() int {
	if lc.Quarter >= 1 && lc.Quarter <= 4 {
		return lc.Quarter
	}
	if !lc.ValuationDate.IsZero() {
		return (int(lc.ValuationDate.Month())-1)/3 + 1
	}
	return 1
}
