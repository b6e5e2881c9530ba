package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"medpricer/internal/db"
	"medpricer/internal/engine"
	"medpricer/internal/geo"
)

const resolveLatencySLOMs = 150.0

// handleResolve runs one geographic resolution from query parameters.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := geo.Request{
		ZIP:           q.Get("zip"),
		Plus4:         q.Get("plus4"),
		Strict:        q.Get("strict") == "true" || q.Get("strict") == "1",
		ExposeCarrier: q.Get("expose_carrier") == "true" || q.Get("expose_carrier") == "1",
	}
	if v := q.Get("valuation_year"); v != "" {
		req.Year, _ = strconv.Atoi(v)
	}
	if v := q.Get("quarter"); v != "" {
		req.Quarter, _ = strconv.Atoi(v)
	}
	if v := q.Get("valuation_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, 400, "GEO_INVALID_DATE", fmt.Sprintf("valuation_date %q is not YYYY-MM-DD", v), "")
			return
		}
		req.ValuationDate = t
	}
	for _, p := range []struct {
		name string
		dst  *float64
	}{
		{"initial_radius_miles", &req.InitialRadiusMiles},
		{"expand_step_miles", &req.ExpandStepMiles},
		{"max_radius_miles", &req.MaxRadiusMiles},
	} {
		if v := q.Get(p.name); v != "" {
			*p.dst, _ = strconv.ParseFloat(v, 64)
		}
	}

	res, err := s.resolver.Resolve(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, res)
}

// handleHealthz reports service health: database reachability, the active
// geography snapshot, and a p95 latency gauge over recent resolutions.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.db.SqlDB().PingContext(r.Context()); err != nil {
		writeJSONStatus(w, 503, map[string]interface{}{
			"status":         "error",
			"build":          s.version,
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
			"detail":         err.Error(),
		})
		return
	}

	p95 := p95Latency(s.db.RecentResolutionLatencies(r.Context(), 200))
	if p95 > resolveLatencySLOMs {
		status = "degraded"
	}

	activeDigest := ""
	if snap, err := s.snaps.Active(r.Context(), "geography", time.Now().UTC(), false); err == nil && snap != nil {
		activeDigest = snap.Digest
	}

	writeJSON(w, map[string]interface{}{
		"status":          status,
		"build":           s.version,
		"active_snapshot": activeDigest,
		"perf_slo": map[string]interface{}{
			"resolve_p95_ms": p95,
			"threshold_ms":   resolveLatencySLOMs,
			"met":            p95 <= resolveLatencySLOMs,
		},
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func p95Latency(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// handleCodePrice prices a single code as a one-line ad-hoc plan.
func (s *Server) handleCodePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	code := q.Get("code")
	if code == "" || len(code) > 5 {
		writeError(w, 400, "PRICING_INVALID_INPUT", "code must be 1-5 characters", "")
		return
	}
	setting, err := engine.ParseSetting(q.Get("setting"))
	if err != nil {
		writeError(w, 400, "PRICING_INVALID_INPUT", err.Error(), "")
		return
	}
	year, err := strconv.Atoi(q.Get("year"))
	if err != nil || year < 2020 || year > 2030 {
		writeError(w, 400, "PRICING_INVALID_INPUT", "year must be 2020-2030", "")
		return
	}
	quarter := 0
	if v := q.Get("quarter"); v != "" {
		quarter, err = strconv.Atoi(v)
		if err != nil || quarter < 1 || quarter > 4 {
			writeError(w, 400, "PRICING_INVALID_INPUT", "quarter must be 1-4", "")
			return
		}
	}

	req := engine.PriceRequest{
		ZIP:      q.Get("zip"),
		CCN:      q.Get("ccn"),
		Year:     year,
		Quarter:  quarter,
		Payer:    q.Get("payer"),
		PlanName: q.Get("plan"),
		Components: []engine.PlanComponent{{
			Sequence:          1,
			Code:              code,
			Setting:           setting,
			Units:             1,
			UtilizationWeight: 1,
			POS:               q.Get("pos"),
		}},
	}
	resp, err := s.orch.Price(r.Context(), "pricing/codes/price", req)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, map[string]interface{}{
		"run_id":    resp.RunID,
		"geography": resp.Geography,
		"line_item": resp.LineItems[0],
		"warnings":  resp.Warnings,
	})
}

type priceBody struct {
	engine.PriceRequest
	Format string `json:"format,omitempty"`
}

// handlePrice prices a stored or ad-hoc plan.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var body priceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, 400, "PRICING_INVALID_INPUT", "invalid json", "")
		return
	}
	if body.Year < 2020 || body.Year > 2030 {
		writeError(w, 400, "PRICING_INVALID_INPUT", "year must be 2020-2030", "")
		return
	}
	if body.Format != "" && body.Format != "cents" && body.Format != "decimal" {
		writeError(w, 400, "PRICING_INVALID_INPUT", `format must be "cents" or "decimal"`, "")
		return
	}

	resp, err := s.orch.Price(r.Context(), "pricing/price", body.PriceRequest)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if body.Format == "decimal" {
		writeJSON(w, map[string]interface{}{
			"run_id":          resp.RunID,
			"geography":       resp.Geography,
			"line_items":      resp.LineItems,
			"totals":          resp.Totals,
			"totals_decimal":  decimalTotals(resp.Totals),
			"warnings":        resp.Warnings,
			"dataset_digests": resp.DatasetDigests,
			"toggles":         resp.Toggles,
		})
		return
	}
	writeJSON(w, resp)
}

// decimalTotals renders the totals as dollar strings for clients that asked
// for the decimal format.
func decimalTotals(t engine.Totals) map[string]string {
	f := func(cents int64) string { return fmt.Sprintf("%d.%02d", cents/100, cents%100) }
	return map[string]string{
		"allowed":                 f(t.AllowedCents),
		"beneficiary_deductible":  f(t.DeductibleCents),
		"beneficiary_coinsurance": f(t.CoinsuranceCents),
		"beneficiary_total":       f(t.BeneficiaryTotalCents),
		"program_payment":         f(t.ProgramPaymentCents),
	}
}

// handleCompare prices the same plan at two locations and reports parity.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req engine.CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "PRICING_INVALID_INPUT", "invalid json", "")
		return
	}
	if req.Year < 2020 || req.Year > 2030 {
		writeError(w, 400, "PRICING_INVALID_INPUT", "year must be 2020-2030", "")
		return
	}
	resp, err := s.orch.Compare(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, resp)
}

// handleTrace returns the full stored trace of a run.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	ft, err := s.traces.Get(r.Context(), runID)
	if err != nil {
		writeError(w, 500, "INTERNAL", err.Error(), runID)
		return
	}
	if ft == nil {
		writeError(w, 404, "TRACE_NOT_FOUND", fmt.Sprintf("run %s not found", runID), runID)
		return
	}
	writeJSON(w, ft)
}

// handleReplay re-executes a stored run and reports numeric equality.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	result, err := s.replayer.Replay(r.Context(), runID)
	if err != nil {
		writeError(w, 500, "INTERNAL", err.Error(), runID)
		return
	}
	if result == nil {
		writeError(w, 404, "TRACE_NOT_FOUND", fmt.Sprintf("run %s not found", runID), runID)
		return
	}
	writeJSON(w, result)
}

type planBody struct {
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name"`
	Components []engine.PlanComponent `json:"components"`
}

// handleCreatePlan stores a new treatment plan.
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var body planBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, 400, "PLAN_INVALID", "invalid json", "")
		return
	}
	if body.Name == "" || len(body.Components) == 0 {
		writeError(w, 400, "PLAN_INVALID", "plan needs a name and at least one component", "")
		return
	}
	stored, err := storageComponents(body.Components)
	if err != nil {
		writeError(w, 400, "PLAN_INVALID", err.Error(), "")
		return
	}
	plan := db.Plan{ID: body.ID, Name: body.Name, Components: stored}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if err := s.db.CreatePlan(plan); err != nil {
		writeError(w, 500, "INTERNAL", err.Error(), "")
		return
	}
	writeJSON(w, map[string]string{"id": plan.ID})
}

// handleGetPlan returns a stored plan with decoded components.
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	plan, err := s.db.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, 500, "INTERNAL", err.Error(), "")
		return
	}
	if plan == nil {
		writeError(w, 404, "PLAN_NOT_FOUND", fmt.Sprintf("plan %s not found", id), "")
		return
	}
	components := make([]engine.PlanComponent, 0, len(plan.Components))
	for _, c := range plan.Components {
		comp, err := engine.ComponentFromStorage(c)
		if err != nil {
			writeError(w, 500, "INTERNAL", err.Error(), "")
			return
		}
		components = append(components, comp)
	}
	writeJSON(w, map[string]interface{}{
		"id":         plan.ID,
		"name":       plan.Name,
		"created_at": plan.CreatedAt,
		"updated_at": plan.UpdatedAt,
		"components": components,
	})
}

// handleReplaceComponents swaps a plan's components.
func (s *Server) handleReplaceComponents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var components []engine.PlanComponent
	if err := json.NewDecoder(r.Body).Decode(&components); err != nil {
		writeError(w, 400, "PLAN_INVALID", "invalid json", "")
		return
	}
	if len(components) == 0 {
		writeError(w, 400, "PLAN_INVALID", "at least one component required", "")
		return
	}
	stored, err := storageComponents(components)
	if err != nil {
		writeError(w, 400, "PLAN_INVALID", err.Error(), "")
		return
	}
	if err := s.db.ReplaceComponents(id, stored); err != nil {
		writeError(w, 400, "PLAN_INVALID", err.Error(), "")
		return
	}
	writeJSON(w, map[string]string{"id": id, "status": "replaced"})
}

func storageComponents(components []engine.PlanComponent) ([]db.PlanComponent, error) {
	out := make([]db.PlanComponent, 0, len(components))
	for _, c := range components {
		if _, err := engine.ParseSetting(string(c.Setting)); err != nil {
			return nil, fmt.Errorf("component %d: %w", c.Sequence, err)
		}
		mods, _ := json.Marshal(c.Modifiers)
		units := c.Units
		if units == 0 {
			units = 1
		}
		weight := c.UtilizationWeight
		if weight == 0 {
			weight = 1
		}
		out = append(out, db.PlanComponent{
			Sequence:              c.Sequence,
			Code:                  c.Code,
			Setting:               string(c.Setting),
			Units:                 units,
			UtilizationWeight:     weight,
			ProfessionalComponent: c.ProfessionalComponent,
			FacilityComponent:     c.FacilityComponent,
			ModifiersJSON:         string(mods),
			POS:                   c.POS,
			NDC11:                 c.NDC11,
			WastageUnits:          c.WastageUnits,
		})
	}
	return out, nil
}

// handleListSnapshots lists published snapshots, optionally filtered by
// dataset.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	datasetID := r.URL.Query().Get("dataset")
	var (
		snaps []db.Snapshot
		err   error
	)
	if datasetID != "" {
		snaps, err = s.db.SnapshotsForDataset(r.Context(), datasetID)
	} else {
		snaps, err = s.db.AllSnapshots(r.Context())
	}
	if err != nil {
		writeError(w, 500, "INTERNAL", err.Error(), "")
		return
	}
	writeJSON(w, map[string]interface{}{"snapshots": snaps})
}

// handlePin records a named pin of a dataset's current digest.
func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		DatasetID string `json:"dataset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" || body.DatasetID == "" {
		writeError(w, 400, "SNAPSHOT_INVALID", "name and dataset_id required", "")
		return
	}
	pin, err := s.snaps.Pin(r.Context(), body.Name, body.DatasetID)
	if err != nil {
		writeError(w, 400, "SNAPSHOT_INVALID", err.Error(), "")
		return
	}
	writeJSON(w, pin)
}

// handleStatus reports basic service info.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"service":        "medpricer",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"datasets":       db.KnownDatasets(),
	})
}
