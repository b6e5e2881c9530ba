package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/geo"
	"medpricer/internal/snapshot"
)

// PriceRequest is one plan-pricing call. PlanID and Components are mutually
// exclusive; Components is the ad-hoc shape.
type PriceRequest struct {
	ZIP           string          `json:"zip"`
	Plus4         string          `json:"plus4,omitempty"`
	CCN           string          `json:"ccn,omitempty"`
	Year          int             `json:"year"`
	Quarter       int             `json:"quarter,omitempty"`
	ValuationDate time.Time       `json:"valuation_date,omitempty"`
	PlanID        string          `json:"plan_id,omitempty"`
	Components    []PlanComponent `json:"components,omitempty"`
	Payer         string          `json:"payer,omitempty"`
	PlanName      string          `json:"plan,omitempty"`
	Strict        bool            `json:"strict,omitempty"`

	IncludeHomeHealth  bool     `json:"include_home_health,omitempty"`
	IncludeSNF         bool     `json:"include_snf,omitempty"`
	ApplySequestration *bool    `json:"apply_sequestration,omitempty"`
	SequestrationRate  *float64 `json:"sequestration_rate,omitempty"`
}

// Toggles are the effective policy switches of a run, used for comparison
// parity checks.
type Toggles struct {
	ApplySequestration bool    `json:"apply_sequestration"`
	SequestrationRate  float64 `json:"sequestration_rate"`
	IncludeHomeHealth  bool    `json:"include_home_health"`
	IncludeSNF         bool    `json:"include_snf"`
}

// DatasetDigest identifies the published snapshot a dataset was served under
// during a run.
type DatasetDigest struct {
	DatasetID string `json:"dataset_id"`
	Digest    string `json:"digest"`
}

// PriceResponse is the aggregated outcome of one run.
type PriceResponse struct {
	RunID              string          `json:"run_id"`
	Geography          *geo.Result     `json:"geography"`
	LineItems          []*LineResult   `json:"line_items"`
	Totals             Totals          `json:"totals"`
	SequestrationCents int64           `json:"sequestration_cents,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
	DatasetDigests     []DatasetDigest `json:"dataset_digests"`
	Toggles            Toggles         `json:"toggles"`
	PlanID             string          `json:"plan_id,omitempty"`
}

// Orchestrator executes plans end to end: resolve once, price each component
// in sequence order threading the deductible through, aggregate, persist.
type Orchestrator struct {
	db       *db.DB
	pricer   *Pricer
	resolver *geo.Resolver
	snaps    *snapshot.Registry
	cfg      *config.Config
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(d *db.DB, pricer *Pricer, resolver *geo.Resolver, snaps *snapshot.Registry, cfg *config.Config) *Orchestrator {
	return &Orchestrator{db: d, pricer: pricer, resolver: resolver, snaps: snaps, cfg: cfg}
}

// Price executes a run and persists its bundle atomically.
func (o *Orchestrator) Price(ctx context.Context, endpoint string, req PriceRequest) (*PriceResponse, error) {
	return o.run(ctx, endpoint, req, true)
}

// Execute runs a request without persisting anything. Replay uses this to
// re-derive a prior run's numbers side-effect free.
func (o *Orchestrator) Execute(ctx context.Context, req PriceRequest) (*PriceResponse, error) {
	return o.run(ctx, "replay", req, false)
}

func (o *Orchestrator) run(ctx context.Context, endpoint string, req PriceRequest, persist bool) (*PriceResponse, error) {
	started := time.Now()
	resp := &PriceResponse{RunID: uuid.NewString(), PlanID: req.PlanID}
	resp.Toggles = o.toggles(req)

	res, components, err := o.prepare(ctx, req, resp)
	if err == nil {
		err = o.priceLines(ctx, req, res, components, resp)
	}
	if err == nil && resp.Toggles.ApplySequestration {
		resp.SequestrationCents = roundCents(decimal.NewFromInt(resp.Totals.ProgramPaymentCents).
			Mul(decimal.NewFromFloat(resp.Toggles.SequestrationRate)))
	}

	if persist {
		if perr := o.persist(endpoint, req, resp, err, started); perr != nil {
			// The run must exist fully or not at all; a failed bundle write
			// invalidates the run id we were about to hand out.
			return nil, fmt.Errorf("persist run %s: %w", resp.RunID, perr)
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) toggles(req PriceRequest) Toggles {
	t := Toggles{
		ApplySequestration: o.cfg.ApplySequestration,
		SequestrationRate:  o.cfg.SequestrationRate,
		IncludeHomeHealth:  req.IncludeHomeHealth,
		IncludeSNF:         req.IncludeSNF,
	}
	if req.ApplySequestration != nil {
		t.ApplySequestration = *req.ApplySequestration
	}
	if req.SequestrationRate != nil {
		t.SequestrationRate = *req.SequestrationRate
	}
	return t
}

// prepare resolves geography and loads the component list.
func (o *Orchestrator) prepare(ctx context.Context, req PriceRequest, resp *PriceResponse) (*geo.Result, []PlanComponent, error) {
	res, err := o.resolver.Resolve(ctx, geo.Request{
		ZIP:           req.ZIP,
		Plus4:         req.Plus4,
		Year:          req.Year,
		Quarter:       req.Quarter,
		ValuationDate: req.ValuationDate,
		Strict:        req.Strict,
	})
	if err != nil {
		return nil, nil, err
	}
	resp.Geography = res
	if res.MatchLevel == geo.MatchDefault {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("no geography coverage for %s; priced under benchmark locality %s", req.ZIP, res.LocalityID))
	}

	components, err := o.components(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := o.collectDigests(ctx, res, components, resp); err != nil {
		return nil, nil, err
	}
	return res, components, nil
}

// collectDigests records the published snapshot digest of every dataset the
// run reads: geography from the resolution itself, then the active snapshot
// of each schedule dataset the components' settings consult. Datasets with no
// published snapshot are omitted, the same way an unstamped geography row
// carries no digest.
func (o *Orchestrator) collectDigests(ctx context.Context, res *geo.Result, components []PlanComponent, resp *PriceResponse) error {
	if res.DatasetDigest != "" {
		resp.DatasetDigests = append(resp.DatasetDigests, DatasetDigest{DatasetID: "geography", Digest: res.DatasetDigest})
	}
	seen := make(map[string]bool)
	var ids []string
	for _, comp := range components {
		for _, id := range componentDatasets(comp) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap, err := o.snaps.Active(ctx, id, res.ValuationDate, false)
		if err != nil {
			if errors.Is(err, snapshot.ErrNoSnapshot) {
				continue
			}
			return &PricingError{Kind: ErrInternal, Message: err.Error()}
		}
		resp.DatasetDigests = append(resp.DatasetDigests, DatasetDigest{DatasetID: id, Digest: snap.Digest})
	}
	return nil
}

func (o *Orchestrator) components(ctx context.Context, req PriceRequest) ([]PlanComponent, error) {
	if req.PlanID != "" {
		plan, err := o.db.GetPlan(ctx, req.PlanID)
		if err != nil {
			return nil, &PricingError{Kind: ErrInternal, Message: err.Error()}
		}
		if plan == nil {
			return nil, &PricingError{Kind: ErrInvalidInput, Message: fmt.Sprintf("plan %s not found", req.PlanID)}
		}
		out := make([]PlanComponent, 0, len(plan.Components))
		for _, c := range plan.Components {
			comp, err := ComponentFromStorage(c)
			if err != nil {
				return nil, &PricingError{Kind: ErrInvalidInput, Message: err.Error()}
			}
			out = append(out, comp)
		}
		return out, nil
	}

	if len(req.Components) == 0 {
		return nil, &PricingError{Kind: ErrInvalidInput, Message: "request carries neither plan_id nor components"}
	}
	out := make([]PlanComponent, len(req.Components))
	copy(out, req.Components)
	for i := range out {
		if out[i].Units == 0 {
			out[i].Units = 1
		}
		if out[i].UtilizationWeight == 0 {
			out[i].UtilizationWeight = 1
		}
		if _, err := ParseSetting(string(out[i].Setting)); err != nil {
			return nil, &PricingError{Kind: ErrInvalidInput, Message: err.Error()}
		}
	}
	// Ad-hoc payloads keep their submitted order as the tiebreak.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (o *Orchestrator) priceLines(ctx context.Context, req PriceRequest, res *geo.Result, components []PlanComponent, resp *PriceResponse) error {
	params := o.benefitParams(ctx, res.ValuationDate.Year())
	remaining := params.PartBDeductibleCents

	for _, comp := range components {
		lc := &LineContext{
			Component:                 comp,
			Geo:                       res,
			Year:                      res.ValuationDate.Year(),
			Quarter:                   req.Quarter,
			ValuationDate:             res.ValuationDate,
			DeductibleRemainingCents:  remaining,
			CoinsuranceRate:           params.CoinsuranceRate,
			PartAAdmissionDeductCents: params.PartAAdmissionDeductCents,
		}
		line, newRemaining, err := o.pricer.PriceLine(ctx, lc)
		if err != nil {
			var perr *PricingError
			if !errors.As(err, &perr) {
				perr = &PricingError{Kind: ErrInternal, Message: err.Error()}
			}
			if req.Strict || perr.Kind == ErrTimeout {
				return perr
			}
			line = lc.newLine("benchmark")
			line.Error = &LineError{Kind: perr.Kind, Message: perr.Message}
			resp.Warnings = append(resp.Warnings,
				fmt.Sprintf("line %d (%s): %s", comp.Sequence, comp.Code, perr.Message))
			newRemaining = remaining
		}
		remaining = newRemaining
		resp.LineItems = append(resp.LineItems, line)
		resp.Totals.Add(line)
	}
	return nil
}

// benefitParams returns the stored benefit parameters for a year, falling
// back to config defaults.
func (o *Orchestrator) benefitParams(ctx context.Context, year int) db.BenefitParams {
	if b, err := o.db.BenefitParamsForYear(ctx, year); err == nil && b != nil {
		return *b
	}
	return db.BenefitParams{
		Year:                      year,
		PartBDeductibleCents:      o.cfg.PartBDeductibleCents,
		CoinsuranceRate:           o.cfg.CoinsuranceRate,
		PartAAdmissionDeductCents: o.cfg.PartAAdmissionDeductCents,
	}
}

func (o *Orchestrator) persist(endpoint string, req PriceRequest, resp *PriceResponse, runErr error, started time.Time) error {
	reqJSON, _ := json.Marshal(req)
	respJSON, _ := json.Marshal(resp)

	status := "ok"
	if runErr != nil {
		status = "error"
	}
	run := db.Run{
		RunID:      resp.RunID,
		Endpoint:   endpoint,
		Request:    string(reqJSON),
		Response:   string(respJSON),
		Status:     status,
		StartedAt:  started.UTC().Format(time.RFC3339Nano),
		DurationMs: time.Since(started).Milliseconds(),
	}

	inputs := []db.RunInput{
		{Name: "zip", Value: req.ZIP},
		{Name: "year", Value: fmt.Sprintf("%d", req.Year)},
	}
	if req.Plus4 != "" {
		inputs = append(inputs, db.RunInput{Name: "plus4", Value: req.Plus4})
	}
	if req.Quarter != 0 {
		inputs = append(inputs, db.RunInput{Name: "quarter", Value: fmt.Sprintf("%d", req.Quarter)})
	}
	if req.CCN != "" {
		inputs = append(inputs, db.RunInput{Name: "ccn", Value: req.CCN})
	}
	if req.PlanID != "" {
		inputs = append(inputs, db.RunInput{Name: "plan_id", Value: req.PlanID})
	}
	if req.Payer != "" {
		inputs = append(inputs, db.RunInput{Name: "payer", Value: req.Payer})
	}

	var outputs []db.RunOutput
	var traces []db.RunTrace
	for _, line := range resp.LineItems {
		out := db.RunOutput{
			LineSequence:             line.Sequence,
			Code:                     line.Code,
			Setting:                  string(line.Setting),
			AllowedCents:             line.AllowedCents,
			DeductibleCents:          line.DeductibleCents,
			CoinsuranceCents:         line.CoinsuranceCents,
			BeneficiaryTotalCents:    line.BeneficiaryTotalCents,
			ProgramPaymentCents:      line.ProgramPaymentCents,
			ProfessionalAllowedCents: line.ProfessionalAllowedCents,
			FacilityAllowedCents:     line.FacilityAllowedCents,
			ReferencePriceCents:      line.ReferencePriceCents,
			Packaged:                 line.Packaged,
			FacilitySpecific:         line.FacilitySpecific,
			Source:                   line.Source,
		}
		if line.Error != nil {
			out.ErrorKind = string(line.Error.Kind)
		}
		outputs = append(outputs, out)

		for _, ref := range line.TraceRefs {
			payload, _ := json.Marshal(ref.Payload)
			seq := line.Sequence
			traces = append(traces, db.RunTrace{Kind: ref.Kind, Payload: string(payload), LineSequence: &seq})
		}
	}

	summary, _ := json.Marshal(map[string]interface{}{
		"totals":              resp.Totals,
		"dataset_digests":     resp.DatasetDigests,
		"toggles":             resp.Toggles,
		"sequestration_cents": resp.SequestrationCents,
		"warnings":            resp.Warnings,
		"status":              status,
	})
	traces = append(traces, db.RunTrace{Kind: "run_summary", Payload: string(summary)})

	return o.db.InsertRunBundle(run, inputs, outputs, traces)
}
