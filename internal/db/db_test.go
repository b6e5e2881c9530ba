package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestGeographyWindowSelection(t *testing.T) {
	d := openTestDB(t)

	rows := []GeographyRow{
		{Zip5: "94110", State: "CA", LocalityID: "5", EffectiveFrom: "2023-01-01", EffectiveTo: "2024-01-01"},
		{Zip5: "94110", State: "CA", LocalityID: "6", EffectiveFrom: "2024-01-01"},
	}
	for _, r := range rows {
		if err := d.InsertGeographyRow(r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	cases := []struct {
		at       string
		locality string
	}{
		{"2023-06-01", "5"},
		{"2024-06-01", "6"},
		// Window end is exclusive: the old row no longer covers its end date.
		{"2024-01-01", "6"},
	}
	for _, tc := range cases {
		row, err := d.GeographyZip5(context.Background(), "94110", date(tc.at))
		if err != nil {
			t.Fatalf("lookup at %s: %v", tc.at, err)
		}
		if row == nil {
			t.Fatalf("lookup at %s: no row", tc.at)
		}
		if row.LocalityID != tc.locality {
			t.Errorf("at %s: locality = %s, want %s", tc.at, row.LocalityID, tc.locality)
		}
	}

	// Before any window.
	row, err := d.GeographyZip5(context.Background(), "94110", date("2022-06-01"))
	if err != nil {
		t.Fatalf("lookup before window: %v", err)
	}
	if row != nil {
		t.Errorf("expected no coverage before 2023, got locality %s", row.LocalityID)
	}
}

func TestGeographyZip4Precedence(t *testing.T) {
	d := openTestDB(t)

	if err := d.InsertGeographyRow(GeographyRow{
		Zip5: "01434", Plus4: "0001", HasPlus4: true, State: "MA", LocalityID: "1", RuralFlag: "R", EffectiveFrom: "2024-01-01",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	row, err := d.GeographyZip4(context.Background(), "01434", "0001", date("2025-01-01"))
	if err != nil {
		t.Fatalf("zip4 lookup: %v", err)
	}
	if row == nil || row.RuralFlag != "R" {
		t.Fatalf("zip4 lookup = %+v, want rural R row", row)
	}

	// The plus-4 row must not satisfy a bare ZIP5 lookup.
	row, err = d.GeographyZip5(context.Background(), "01434", date("2025-01-01"))
	if err != nil {
		t.Fatalf("zip5 lookup: %v", err)
	}
	if row != nil {
		t.Errorf("zip5 lookup matched a plus4 row: %+v", row)
	}
}

func TestWageIndexAnnualVsQuarterly(t *testing.T) {
	d := openTestDB(t)

	if err := d.InsertWageIndex(2025, 1, "41860", 1.20); err != nil {
		t.Fatalf("insert quarterly: %v", err)
	}
	if err := d.InsertWageIndex(2025, 0, "41860", 1.25); err != nil {
		t.Fatalf("insert annual: %v", err)
	}

	v, found, err := d.WageIndex(context.Background(), 2025, 1, "41860")
	if err != nil || !found || v != 1.20 {
		t.Errorf("quarterly = (%v, %v, %v), want 1.20", v, found, err)
	}
	v, found, err = d.WageIndex(context.Background(), 2025, 0, "41860")
	if err != nil || !found || v != 1.25 {
		t.Errorf("annual = (%v, %v, %v), want 1.25", v, found, err)
	}
	_, found, err = d.WageIndex(context.Background(), 2025, 2, "41860")
	if err != nil || found {
		t.Errorf("q2 should be absent, got found=%v err=%v", found, err)
	}
}

func TestDMEPOSRuralSeries(t *testing.T) {
	d := openTestDB(t)

	if err := d.InsertDMEPOSFee(2025, 1, "E0601", false, 6000); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.InsertDMEPOSFee(2025, 1, "E0601", true, 6500); err != nil {
		t.Fatalf("insert rural: %v", err)
	}

	cents, found, err := d.DMEPOSFee(context.Background(), 2025, 1, "E0601", true)
	if err != nil || !found || cents != 6500 {
		t.Errorf("rural fee = (%d, %v, %v), want 6500", cents, found, err)
	}
	cents, found, err = d.DMEPOSFee(context.Background(), 2025, 1, "E0601", false)
	if err != nil || !found || cents != 6000 {
		t.Errorf("non-rural fee = (%d, %v, %v), want 6000", cents, found, err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	d := openTestDB(t)

	plan := Plan{
		ID:   "plan-1",
		Name: "knee episode",
		Components: []PlanComponent{
			{Sequence: 2, Code: "80053", Setting: "OPPS", Units: 1, UtilizationWeight: 1},
			{Sequence: 1, Code: "99213", Setting: "PHYS", Units: 1, UtilizationWeight: 1, POS: "11", ModifiersJSON: `["-50"]`},
		},
	}
	if err := d.CreatePlan(plan); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := d.GetPlan(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("plan not found")
	}
	if len(got.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(got.Components))
	}
	// Ordered by sequence regardless of insertion order.
	if got.Components[0].Code != "99213" || got.Components[1].Code != "80053" {
		t.Errorf("component order = %s, %s", got.Components[0].Code, got.Components[1].Code)
	}
	if got.Components[0].ModifiersJSON != `["-50"]` {
		t.Errorf("modifiers = %s", got.Components[0].ModifiersJSON)
	}

	if err := d.ReplaceComponents("plan-1", []PlanComponent{
		{Sequence: 1, Code: "J1745", Setting: "DRUG", Units: 10, UtilizationWeight: 1},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = d.GetPlan(context.Background(), "plan-1")
	if len(got.Components) != 1 || got.Components[0].Code != "J1745" {
		t.Errorf("after replace: %+v", got.Components)
	}

	if err := d.ReplaceComponents("missing", nil); err == nil {
		t.Error("replace on missing plan should fail")
	}
}

func TestRunBundleAtomicity(t *testing.T) {
	d := openTestDB(t)

	ref := int64(1500)
	run := Run{
		RunID: "run-1", Endpoint: "pricing/price",
		Request: `{"zip":"94110"}`, Response: `{"ok":true}`,
		Status: "ok", StartedAt: "2025-06-01T00:00:00Z", DurationMs: 12,
	}
	outputs := []RunOutput{
		{LineSequence: 1, Code: "99213", Setting: "PHYS", AllowedCents: 8859, CoinsuranceCents: 1772,
			BeneficiaryTotalCents: 1772, ProgramPaymentCents: 7087, Source: "benchmark"},
		{LineSequence: 2, Code: "J1745", Setting: "DRUG", AllowedCents: 88224, ReferencePriceCents: &ref, Source: "benchmark"},
	}
	seq := 1
	traces := []RunTrace{
		{Kind: "mpfs_computation", Payload: `{"total_rvu":2.56}`, LineSequence: &seq},
		{Kind: "run_summary", Payload: `{"lines":2}`},
	}
	inputs := []RunInput{{Name: "zip", Value: "94110"}, {Name: "year", Value: "2025"}}

	if err := d.InsertRunBundle(run, inputs, outputs, traces); err != nil {
		t.Fatalf("insert bundle: %v", err)
	}

	// Duplicate run id must fail and leave no partial rows behind.
	if err := d.InsertRunBundle(run, inputs, outputs, traces); err == nil {
		t.Fatal("duplicate bundle should fail")
	}
	gotOut, err := d.GetRunOutputs(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get outputs: %v", err)
	}
	if len(gotOut) != 2 {
		t.Fatalf("outputs = %d, want 2 (no partial duplicate rows)", len(gotOut))
	}
	if gotOut[1].ReferencePriceCents == nil || *gotOut[1].ReferencePriceCents != 1500 {
		t.Errorf("reference price = %v, want 1500", gotOut[1].ReferencePriceCents)
	}
	if gotOut[0].ErrorKind != "" {
		t.Errorf("error kind = %q, want empty", gotOut[0].ErrorKind)
	}

	gotTraces, err := d.GetRunTraces(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get traces: %v", err)
	}
	if len(gotTraces) != 2 {
		t.Fatalf("traces = %d, want 2", len(gotTraces))
	}
	if gotTraces[0].LineSequence == nil || *gotTraces[0].LineSequence != 1 {
		t.Errorf("trace line sequence = %v, want 1", gotTraces[0].LineSequence)
	}
	if gotTraces[1].LineSequence != nil {
		t.Errorf("run_summary should have no line sequence")
	}
}

func TestBenefitParamsFallback(t *testing.T) {
	d := openTestDB(t)

	got, err := d.BenefitParamsForYear(context.Background(), 2025)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil before seed, got %+v", got)
	}

	if err := d.UpsertBenefitParams(BenefitParams{
		Year: 2025, PartBDeductibleCents: 25700, CoinsuranceRate: 0.20, PartAAdmissionDeductCents: 167600,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = d.BenefitParamsForYear(context.Background(), 2025)
	if err != nil || got == nil {
		t.Fatalf("lookup after seed: %v %v", got, err)
	}
	if got.PartBDeductibleCents != 25700 || got.CoinsuranceRate != 0.20 {
		t.Errorf("params = %+v", got)
	}
}

func TestMemoryDBUsesOneConnection(t *testing.T) {
	d := openTestDB(t)
	if err := d.SeedDemo(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A second pooled connection would see its own empty database, so the
	// in-memory pool must be capped at one.
	if got := d.SqlDB().Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("max open conns = %d, want 1", got)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row, err := d.MPFS(context.Background(), 2025, "5", "99213")
			if err != nil {
				errs <- err
				return
			}
			if row == nil {
				errs <- fmt.Errorf("mpfs row missing")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent lookup: %v", err)
	}
}

func TestSeedDemoLoads(t *testing.T) {
	d := openTestDB(t)

	if err := d.SeedDemo(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	row, err := d.MPFS(context.Background(), 2025, "5", "99213")
	if err != nil || row == nil {
		t.Fatalf("mpfs after seed: %v %v", row, err)
	}
	if row.WorkRVU != 1.30 {
		t.Errorf("work rvu = %v", row.WorkRVU)
	}
	cbsa, err := d.ZipCBSA(context.Background(), "94110", date("2025-06-01"))
	if err != nil || cbsa != "41860" {
		t.Errorf("cbsa = %q, %v", cbsa, err)
	}
	for _, dataset := range KnownDatasets() {
		if _, err := d.DatasetTuples(context.Background(), dataset); err != nil {
			t.Errorf("tuples for %s: %v", dataset, err)
		}
	}
}
