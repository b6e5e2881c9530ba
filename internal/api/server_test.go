package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"medpricer/internal/auth"
	"medpricer/internal/cache"
	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/engine"
	"medpricer/internal/geo"
	"medpricer/internal/snapshot"
	"medpricer/internal/trace"
)

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.SeedDemo(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := config.Default()
	c, err := cache.New(256, 0, "")
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	snaps := snapshot.NewRegistry(d)
	if _, err := snaps.Publish(context.Background(), "geography", "2024-01-01", "", "{}"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	resolver := geo.NewResolver(d, snaps, cfg, "test")
	orch := engine.NewOrchestrator(d, engine.NewPricer(d, c, cfg), resolver, snaps, cfg)
	store := trace.NewStore(d)
	replayer := trace.NewReplayer(store, orch, snaps)
	keys := auth.NewStore(d.SqlDB())
	return NewServer(cfg, d, resolver, orch, snaps, store, replayer, keys, "test"), d
}

func do(t *testing.T, srv *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestResolveEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/api/geography/resolve?zip=94110&valuation_year=2025", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var res geo.Result
	decode(t, rec, &res)
	if res.LocalityID != "5" || res.State != "CA" {
		t.Errorf("result = %+v", res)
	}
	// Carrier stays hidden unless asked for.
	if res.CarrierID != "" {
		t.Errorf("carrier leaked: %q", res.CarrierID)
	}
}

func TestResolveStrictEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/api/geography/resolve?zip=94110&plus4=9999&strict=1", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var env struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		TraceID string `json:"trace_id"`
	}
	decode(t, rec, &env)
	if env.Code != "GEO_NEEDS_PLUS4" {
		t.Errorf("code = %q", env.Code)
	}
	if env.Error == "" || env.TraceID == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestCodePriceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/api/pricing/codes/price?zip=94110&code=99213&setting=MPFS&year=2025&quarter=1&pos=11", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out struct {
		RunID    string             `json:"run_id"`
		LineItem *engine.LineResult `json:"line_item"`
	}
	decode(t, rec, &out)
	if out.RunID == "" {
		t.Error("missing run id")
	}
	if out.LineItem == nil || out.LineItem.AllowedCents != 8859 {
		t.Errorf("line = %+v", out.LineItem)
	}
}

func TestCodePriceValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []string{
		"/api/pricing/codes/price?zip=94110&setting=MPFS&year=2025",              // no code
		"/api/pricing/codes/price?zip=94110&code=99213&setting=HHA&year=2025",    // bad setting
		"/api/pricing/codes/price?zip=94110&code=99213&setting=MPFS&year=1999",   // bad year
		"/api/pricing/codes/price?zip=94110&code=99213&setting=MPFS&year=2025&quarter=5", // bad quarter
	}
	for _, target := range cases {
		rec := do(t, srv, "GET", target, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestPriceEndpointDecimalFormat(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{
		"zip": "94110", "year": 2025, "quarter": 1, "format": "decimal",
		"components": [{"sequence": 1, "code": "99213", "setting": "PHYS", "pos": "11"}]
	}`
	rec := do(t, srv, "POST", "/api/pricing/price", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out struct {
		TotalsDecimal map[string]string `json:"totals_decimal"`
	}
	decode(t, rec, &out)
	if out.TotalsDecimal["allowed"] != "88.59" {
		t.Errorf("allowed = %q, want 88.59", out.TotalsDecimal["allowed"])
	}
}

func TestPriceEndpointScheduleMiss(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{
		"zip": "94110", "year": 2025, "strict": true,
		"components": [{"sequence": 1, "code": "99999", "setting": "PHYS"}]
	}`
	rec := do(t, srv, "POST", "/api/pricing/price", body, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var env struct {
		Code string `json:"code"`
	}
	decode(t, rec, &env)
	if env.Code != "PRICING_SCHEDULE_MISS" {
		t.Errorf("code = %q", env.Code)
	}
}

func TestCompareEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{
		"zip_a": "94110", "zip_b": "10001", "year": 2025, "quarter": 1,
		"components": [{"sequence": 1, "code": "99213", "setting": "PHYS", "pos": "11"}]
	}`
	rec := do(t, srv, "POST", "/api/pricing/compare", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out engine.CompareResponse
	decode(t, rec, &out)
	if !out.Parity.Valid {
		t.Errorf("parity = %+v", out.Parity)
	}
	if len(out.Deltas) != 7 {
		t.Errorf("deltas = %d", len(out.Deltas))
	}
}

func TestTraceRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{
		"zip": "94110", "year": 2025, "quarter": 1,
		"components": [{"sequence": 1, "code": "99213", "setting": "PHYS", "pos": "11"}]
	}`
	rec := do(t, srv, "POST", "/api/pricing/price", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("price status = %d", rec.Code)
	}
	var priced engine.PriceResponse
	decode(t, rec, &priced)

	rec = do(t, srv, "GET", "/api/trace/"+priced.RunID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trace status = %d body = %s", rec.Code, rec.Body)
	}
	var ft trace.FullTrace
	decode(t, rec, &ft)
	if ft.Run.RunID != priced.RunID || len(ft.Outputs) != 1 {
		t.Errorf("trace = %+v", ft.Run)
	}

	// With no keys stored the open key is admin, so replay is reachable.
	rec = do(t, srv, "GET", "/api/trace/"+priced.RunID+"/replay", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d body = %s", rec.Code, rec.Body)
	}
	var result trace.ReplayResult
	decode(t, rec, &result)
	if !result.Equal {
		t.Errorf("replay diffs = %+v", result.Diffs)
	}
}

func TestTraceNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/api/trace/no-such-run", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var env struct {
		Code string `json:"code"`
	}
	decode(t, rec, &env)
	if env.Code != "TRACE_NOT_FOUND" {
		t.Errorf("code = %q", env.Code)
	}
}

func TestPlanLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{
		"name": "knee replacement",
		"components": [
			{"sequence": 1, "code": "470", "setting": "IPPS"},
			{"sequence": 2, "code": "99213", "setting": "PHYS", "pos": "11"}
		]
	}`
	rec := do(t, srv, "POST", "/api/plans", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	decode(t, rec, &created)
	if created.ID == "" {
		t.Fatal("no plan id")
	}

	rec = do(t, srv, "GET", "/api/plans/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var plan struct {
		Name       string                 `json:"name"`
		Components []engine.PlanComponent `json:"components"`
	}
	decode(t, rec, &plan)
	if plan.Name != "knee replacement" || len(plan.Components) != 2 {
		t.Errorf("plan = %+v", plan)
	}

	rec = do(t, srv, "PUT", "/api/plans/"+created.ID+"/components",
		`[{"sequence": 1, "code": "66984", "setting": "ASC"}]`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace status = %d body = %s", rec.Code, rec.Body)
	}
	rec = do(t, srv, "GET", "/api/plans/"+created.ID, "", nil)
	decode(t, rec, &plan)
	if len(plan.Components) != 1 || plan.Components[0].Code != "66984" {
		t.Errorf("replaced components = %+v", plan.Components)
	}

	// The stored plan prices end to end.
	rec = do(t, srv, "POST", "/api/pricing/price",
		fmt.Sprintf(`{"zip": "94110", "year": 2025, "quarter": 1, "plan_id": %q}`, created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("price plan status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestAuthGatesOnceKeysExist(t *testing.T) {
	srv, d := newTestServer(t)

	keys := auth.NewStore(d.SqlDB())
	userSecret, err := keys.Create(context.Background(), "user", false)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	adminSecret, err := keys.Create(context.Background(), "admin", true)
	if err != nil {
		t.Fatalf("create admin key: %v", err)
	}

	rec := do(t, srv, "GET", "/api/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}
	rec = do(t, srv, "GET", "/api/status", "", map[string]string{"X-API-Key": "bogus"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key status = %d, want 401", rec.Code)
	}
	rec = do(t, srv, "GET", "/api/status", "", map[string]string{"X-API-Key": userSecret})
	if rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", rec.Code)
	}

	// Admin routes reject non-admin keys.
	rec = do(t, srv, "POST", "/api/snapshots/pin",
		`{"name": "r1", "dataset_id": "geography"}`, map[string]string{"X-API-Key": userSecret})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin pin status = %d, want 403", rec.Code)
	}
	rec = do(t, srv, "POST", "/api/snapshots/pin",
		`{"name": "r1", "dataset_id": "geography"}`, map[string]string{"X-API-Key": adminSecret})
	if rec.Code != http.StatusOK {
		t.Errorf("admin pin status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestListSnapshots(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/api/snapshots?dataset=geography", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Snapshots []db.Snapshot `json:"snapshots"`
	}
	decode(t, rec, &out)
	if len(out.Snapshots) != 1 || out.Snapshots[0].DatasetID != "geography" {
		t.Errorf("snapshots = %+v", out.Snapshots)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.limiters.limit = 0
	srv.limiters.burst = 1

	rec := do(t, srv, "GET", "/api/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec = do(t, srv, "GET", "/api/status", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	var env struct {
		Code string `json:"code"`
	}
	decode(t, rec, &env)
	if env.Code != "RATE_LIMITED" {
		t.Errorf("code = %q", env.Code)
	}
}

func TestRateLimitIsPerCaller(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.limiters.limit = 0
	srv.limiters.burst = 1

	a := map[string]string{"X-API-Key": "caller-a"}
	b := map[string]string{"X-API-Key": "caller-b"}
	if rec := do(t, srv, "GET", "/api/status", "", a); rec.Code != http.StatusOK {
		t.Fatalf("caller a first request status = %d", rec.Code)
	}
	if rec := do(t, srv, "GET", "/api/status", "", a); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("caller a second request status = %d, want 429", rec.Code)
	}
	// One exhausted caller does not consume anyone else's budget.
	if rec := do(t, srv, "GET", "/api/status", "", b); rec.Code != http.StatusOK {
		t.Errorf("caller b status = %d, want 200", rec.Code)
	}
	// Unkeyed callers fall back to a per-IP bucket.
	if rec := do(t, srv, "GET", "/api/status", "", nil); rec.Code != http.StatusOK {
		t.Errorf("unkeyed caller status = %d, want 200", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "GET", "/api/geography/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Status         string `json:"status"`
		ActiveSnapshot string `json:"active_snapshot"`
	}
	decode(t, rec, &out)
	if out.Status != "ok" {
		t.Errorf("status = %q", out.Status)
	}
	if out.ActiveSnapshot == "" {
		t.Error("missing active snapshot digest")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, "OPTIONS", "/api/pricing/price", "", nil)
	if rec.Code != 204 {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
