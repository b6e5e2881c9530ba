package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"medpricer/internal/db"
	"medpricer/internal/engine"
	"medpricer/internal/snapshot"
)

// Diff is one field that differed between a stored run and its replay.
type Diff struct {
	Field        string `json:"field"`
	LineSequence *int   `json:"line_sequence,omitempty"`
	Stored       string `json:"stored"`
	Replayed     string `json:"replayed"`
}

// ReplayResult reports whether a re-execution reproduced a stored run
// byte-for-byte on all numeric fields.
type ReplayResult struct {
	RunID  string `json:"run_id"`
	Equal  bool   `json:"equal"`
	Diffs  []Diff `json:"diffs,omitempty"`
	Status string `json:"status"`
}

// Replayer re-executes stored runs without persisting anything.
type Replayer struct {
	store *Store
	orch  *engine.Orchestrator
	snaps *snapshot.Registry
}

// NewReplayer creates a Replayer.
func NewReplayer(store *Store, orch *engine.Orchestrator, snaps *snapshot.Registry) *Replayer {
	return &Replayer{store: store, orch: orch, snaps: snaps}
}

// Replay re-executes the stored request of a run and compares every numeric
// field of the outcome against the stored bundle. A passing replay is the
// definition of deterministic pricing. Returns nil when the run is unknown.
func (r *Replayer) Replay(ctx context.Context, runID string) (*ReplayResult, error) {
	stored, err := r.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}

	result := &ReplayResult{RunID: runID, Status: stored.Run.Status}

	// Every stored digest must still resolve against its dataset before the
	// numbers can be expected to match.
	for _, dd := range stored.DatasetDigests {
		if _, err := r.snaps.ByDigest(ctx, dd.DatasetID, dd.Digest); err != nil {
			if errors.Is(err, snapshot.ErrNoSnapshot) {
				result.Diffs = append(result.Diffs, Diff{
					Field:  "dataset_digest",
					Stored: dd.DatasetID + ":" + dd.Digest, Replayed: "unresolvable",
				})
				continue
			}
			return nil, err
		}
	}

	var req engine.PriceRequest
	if err := json.Unmarshal([]byte(stored.Run.Request), &req); err != nil {
		return nil, fmt.Errorf("stored request: %w", err)
	}

	resp, err := r.orch.Execute(ctx, req)
	if err != nil {
		if stored.Run.Status == "error" {
			// Both executions failed; the run is reproducibly failing.
			result.Equal = len(result.Diffs) == 0
			return result, nil
		}
		result.Diffs = append(result.Diffs, Diff{Field: "status", Stored: stored.Run.Status, Replayed: "error: " + err.Error()})
		return result, nil
	}
	if stored.Run.Status == "error" {
		result.Diffs = append(result.Diffs, Diff{Field: "status", Stored: stored.Run.Status, Replayed: "ok"})
		return result, nil
	}

	result.Diffs = append(result.Diffs, compareOutputs(stored.Outputs, resp.LineItems)...)
	result.Diffs = append(result.Diffs, compareDigests(stored.DatasetDigests, resp.DatasetDigests)...)
	result.Equal = len(result.Diffs) == 0
	return result, nil
}

func compareOutputs(stored []db.RunOutput, replayed []*engine.LineResult) []Diff {
	var diffs []Diff
	if len(stored) != len(replayed) {
		diffs = append(diffs, Diff{
			Field:  "line_count",
			Stored: fmt.Sprintf("%d", len(stored)), Replayed: fmt.Sprintf("%d", len(replayed)),
		})
		return diffs
	}
	for i, o := range stored {
		l := replayed[i]
		seq := o.LineSequence
		check := func(field string, a, b int64) {
			if a != b {
				diffs = append(diffs, Diff{
					Field: field, LineSequence: &seq,
					Stored: fmt.Sprintf("%d", a), Replayed: fmt.Sprintf("%d", b),
				})
			}
		}
		check("allowed_cents", o.AllowedCents, l.AllowedCents)
		check("deductible_cents", o.DeductibleCents, l.DeductibleCents)
		check("coinsurance_cents", o.CoinsuranceCents, l.CoinsuranceCents)
		check("beneficiary_total_cents", o.BeneficiaryTotalCents, l.BeneficiaryTotalCents)
		check("program_payment_cents", o.ProgramPaymentCents, l.ProgramPaymentCents)
		check("professional_allowed_cents", o.ProfessionalAllowedCents, l.ProfessionalAllowedCents)
		check("facility_allowed_cents", o.FacilityAllowedCents, l.FacilityAllowedCents)

		storedRef, replayedRef := int64(-1), int64(-1)
		if o.ReferencePriceCents != nil {
			storedRef = *o.ReferencePriceCents
		}
		if l.ReferencePriceCents != nil {
			replayedRef = *l.ReferencePriceCents
		}
		check("reference_price_cents", storedRef, replayedRef)

		if o.Packaged != l.Packaged {
			diffs = append(diffs, Diff{
				Field: "packaged", LineSequence: &seq,
				Stored: fmt.Sprintf("%t", o.Packaged), Replayed: fmt.Sprintf("%t", l.Packaged),
			})
		}
		replayedErr := ""
		if l.Error != nil {
			replayedErr = string(l.Error.Kind)
		}
		if o.ErrorKind != replayedErr {
			diffs = append(diffs, Diff{
				Field: "error_kind", LineSequence: &seq,
				Stored: o.ErrorKind, Replayed: replayedErr,
			})
		}
	}
	return diffs
}

func compareDigests(stored, replayed []engine.DatasetDigest) []Diff {
	seen := make(map[string]bool, len(replayed))
	for _, d := range replayed {
		seen[d.DatasetID+":"+d.Digest] = true
	}
	var diffs []Diff
	for _, d := range stored {
		if !seen[d.DatasetID+":"+d.Digest] {
			diffs = append(diffs, Diff{Field: "dataset_digests", Stored: d.DatasetID + ":" + d.Digest, Replayed: "absent"})
		}
	}
	if len(stored) != len(replayed) {
		diffs = append(diffs, Diff{
			Field:  "dataset_digest_count",
			Stored: fmt.Sprintf("%d", len(stored)), Replayed: fmt.Sprintf("%d", len(replayed)),
		})
	}
	return diffs
}
