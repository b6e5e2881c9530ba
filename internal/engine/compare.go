package engine

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// CompareRequest prices the same plan at two locations.
type CompareRequest struct {
	ZIPA   string `json:"zip_a"`
	ZIPB   string `json:"zip_b"`
	Plus4A string `json:"plus4_a,omitempty"`
	Plus4B string `json:"plus4_b,omitempty"`
	CCNA   string `json:"ccn_a,omitempty"`
	CCNB   string `json:"ccn_b,omitempty"`

	Year       int             `json:"year"`
	Quarter    int             `json:"quarter,omitempty"`
	PlanID     string          `json:"plan_id,omitempty"`
	Components []PlanComponent `json:"components,omitempty"`
	Payer      string          `json:"payer,omitempty"`
	PlanName   string          `json:"plan,omitempty"`
	Strict     bool            `json:"strict,omitempty"`

	IncludeHomeHealth  bool     `json:"include_home_health,omitempty"`
	IncludeSNF         bool     `json:"include_snf,omitempty"`
	ApplySequestration *bool    `json:"apply_sequestration,omitempty"`
	SequestrationRate  *float64 `json:"sequestration_rate,omitempty"`
}

// FieldDelta is one totals field compared across sides.
type FieldDelta struct {
	Field        string  `json:"field"`
	ACents       int64   `json:"a_cents"`
	BCents       int64   `json:"b_cents"`
	DeltaCents   int64   `json:"delta_cents"`
	DeltaPercent float64 `json:"delta_percent"`
}

// ParityReport records whether the two sides were priced under comparable
// conditions.
type ParityReport struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

const (
	ViolationDatasetDigestDiffer = "DatasetDigestDiffer"
	ViolationToggleMismatch      = "ToggleMismatch"
	ViolationPlanMismatch        = "PlanMismatch"
)

// CompareResponse holds both sides, per-field deltas, and the parity report.
type CompareResponse struct {
	A      *PriceResponse `json:"a"`
	B      *PriceResponse `json:"b"`
	Deltas []FieldDelta   `json:"deltas"`
	Parity ParityReport   `json:"parity"`
}

// Compare prices both sides concurrently, then checks the parity invariants.
// Parity violations do not suppress the numbers; callers decide whether an
// invalid parity report rejects the response.
func (o *Orchestrator) Compare(ctx context.Context, req CompareRequest) (*CompareResponse, error) {
	sideA := o.sideRequest(req, req.ZIPA, req.Plus4A, req.CCNA)
	sideB := o.sideRequest(req, req.ZIPB, req.Plus4B, req.CCNB)

	var respA, respB *PriceResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		respA, err = o.Price(gctx, "pricing/compare", sideA)
		return err
	})
	g.Go(func() error {
		var err error
		respB, err = o.Price(gctx, "pricing/compare", sideB)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &CompareResponse{
		A:      respA,
		B:      respB,
		Deltas: totalsDeltas(respA.Totals, respB.Totals),
		Parity: checkParity(respA, respB),
	}
	return out, nil
}

func (o *Orchestrator) sideRequest(req CompareRequest, zip, plus4, ccn string) PriceRequest {
	return PriceRequest{
		ZIP:                zip,
		Plus4:              plus4,
		CCN:                ccn,
		Year:               req.Year,
		Quarter:            req.Quarter,
		PlanID:             req.PlanID,
		Components:         req.Components,
		Payer:              req.Payer,
		PlanName:           req.PlanName,
		Strict:             req.Strict,
		IncludeHomeHealth:  req.IncludeHomeHealth,
		IncludeSNF:         req.IncludeSNF,
		ApplySequestration: req.ApplySequestration,
		SequestrationRate:  req.SequestrationRate,
	}
}

func checkParity(a, b *PriceResponse) ParityReport {
	rep := ParityReport{Valid: true}
	if !digestSetsEqual(a.DatasetDigests, b.DatasetDigests) {
		rep.Violations = append(rep.Violations, ViolationDatasetDigestDiffer)
	}
	if a.Toggles != b.Toggles {
		rep.Violations = append(rep.Violations, ViolationToggleMismatch)
	}
	if a.PlanID != b.PlanID {
		rep.Violations = append(rep.Violations, ViolationPlanMismatch)
	}
	rep.Valid = len(rep.Violations) == 0
	return rep
}

func digestSetsEqual(a, b []DatasetDigest) bool {
	as := digestKeys(a)
	bs := digestKeys(b)
	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func digestKeys(digests []DatasetDigest) []string {
	out := make([]string, len(digests))
	for i, d := range digests {
		out[i] = d.DatasetID + ":" + d.Digest
	}
	sort.Strings(out)
	return out
}

func totalsDeltas(a, b Totals) []FieldDelta {
	fields := []struct {
		name string
		a, b int64
	}{
		{"allowed_cents", a.AllowedCents, b.AllowedCents},
		{"beneficiary_deductible_cents", a.DeductibleCents, b.DeductibleCents},
		{"beneficiary_coinsurance_cents", a.CoinsuranceCents, b.CoinsuranceCents},
		{"beneficiary_total_cents", a.BeneficiaryTotalCents, b.BeneficiaryTotalCents},
		{"program_payment_cents", a.ProgramPaymentCents, b.ProgramPaymentCents},
		{"professional_allowed_cents", a.ProfessionalAllowedCents, b.ProfessionalAllowedCents},
		{"facility_allowed_cents", a.FacilityAllowedCents, b.FacilityAllowedCents},
	}
	out := make([]FieldDelta, 0, len(fields))
	for _, f := range fields {
		d := FieldDelta{Field: f.name, ACents: f.a, BCents: f.b, DeltaCents: f.b - f.a}
		if f.a != 0 {
			d.DeltaPercent = float64(f.b-f.a) / float64(f.a) * 100
		}
		out = append(out, d)
	}
	return out
}
