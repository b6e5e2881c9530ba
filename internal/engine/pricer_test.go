package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"medpricer/internal/cache"
	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/geo"
)

func dbComponent(code, setting, modifiersJSON string) db.PlanComponent {
	return db.PlanComponent{Sequence: 1, Code: code, Setting: setting, ModifiersJSON: modifiersJSON}
}

func newTestPricer(t *testing.T) (*Pricer, *db.DB) {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.SeedDemo(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, err := cache.New(256, 0, "")
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return NewPricer(d, c, config.Default()), d
}

func sfGeo() *geo.Result {
	return &geo.Result{
		LocalityID:    "5",
		State:         "CA",
		CBSA:          "41860",
		MatchLevel:    geo.MatchZip5,
		ValuationDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testContext(comp PlanComponent, g *geo.Result, dedRemaining int64) *LineContext {
	if comp.Units == 0 {
		comp.Units = 1
	}
	if comp.UtilizationWeight == 0 {
		comp.UtilizationWeight = 1
	}
	return &LineContext{
		Component:                 comp,
		Geo:                       g,
		Year:                      2025,
		Quarter:                   1,
		ValuationDate:             g.ValuationDate,
		DeductibleRemainingCents:  dedRemaining,
		CoinsuranceRate:           0.20,
		PartAAdmissionDeductCents: 167600,
	}
}

func TestPhysicianOfficeVisit(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "99213", Setting: SettingPhysician, POS: "11"}, sfGeo(), 0)
	line, remaining, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// total_rvu = 1.30 + 1.17 + 0.09 = 2.56; x 34.6062 = $88.591872.
	if line.AllowedCents != 8859 {
		t.Errorf("allowed = %d, want 8859", line.AllowedCents)
	}
	if line.CoinsuranceCents != 1772 {
		t.Errorf("coinsurance = %d, want 1772", line.CoinsuranceCents)
	}
	if line.ProgramPaymentCents != 7087 {
		t.Errorf("program = %d, want 7087", line.ProgramPaymentCents)
	}
	if line.BeneficiaryTotalCents != 1772 {
		t.Errorf("beneficiary total = %d, want 1772", line.BeneficiaryTotalCents)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d", remaining)
	}
	if len(line.TraceRefs) == 0 {
		t.Error("expected an mpfs_computation trace ref")
	}
}

func TestPhysicianFacilityPE(t *testing.T) {
	p, _ := newTestPricer(t)

	// Unset POS selects the facility PE RVU: 1.30 + 0.55 + 0.09 = 1.94.
	lc := testContext(PlanComponent{Sequence: 1, Code: "99213", Setting: SettingPhysician}, sfGeo(), 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// 1.94 x 34.6062 = $67.136028.
	if line.AllowedCents != 6714 {
		t.Errorf("facility allowed = %d, want 6714", line.AllowedCents)
	}

	// POS 21 (inpatient hospital) is still in the non-facility band per the
	// office range rule.
	lc = testContext(PlanComponent{Sequence: 1, Code: "99213", Setting: SettingPhysician, POS: "21"}, sfGeo(), 0)
	line, _, err = p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if line.AllowedCents != 8859 {
		t.Errorf("pos 21 allowed = %d, want 8859", line.AllowedCents)
	}
}

func TestPhysicianDeductibleApplied(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "99213", Setting: SettingPhysician, POS: "11"}, sfGeo(), 25700)
	line, remaining, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if line.DeductibleCents != 8859 || line.CoinsuranceCents != 0 || line.ProgramPaymentCents != 0 {
		t.Errorf("fresh deductible line = %+v", line)
	}
	if remaining != 25700-8859 {
		t.Errorf("remaining = %d, want %d", remaining, 25700-8859)
	}
}

func TestPhysicianScheduleMiss(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "99999", Setting: SettingPhysician}, sfGeo(), 0)
	_, _, err := p.PriceLine(context.Background(), lc)
	var perr *PricingError
	if !errors.As(err, &perr) || perr.Kind != ErrSchedulePricingMiss {
		t.Fatalf("error = %v, want SchedulePricingMiss", err)
	}
}

func TestPhysicianMissingGPCI(t *testing.T) {
	p, d := newTestPricer(t)

	// Locality 9 has an MPFS row but no GPCI.
	if err := d.InsertMPFS(db.MPFSRow{Year: 2025, LocalityID: "9", HCPCS: "99213",
		WorkRVU: 1.30, PENonfacRVU: 1.17, PEFacRVU: 0.55, MalpRVU: 0.09}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	g := sfGeo()
	g.LocalityID = "9"
	lc := testContext(PlanComponent{Sequence: 1, Code: "99213", Setting: SettingPhysician}, g, 0)
	_, _, err := p.PriceLine(context.Background(), lc)
	var perr *PricingError
	if !errors.As(err, &perr) || perr.Kind != ErrRequiredReferenceMiss {
		t.Fatalf("error = %v, want RequiredReferenceMiss", err)
	}
}

func TestOutpatientPackaged(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "80053", Setting: SettingOutpatient}, sfGeo(), 25700)
	line, remaining, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !line.Packaged {
		t.Error("status N should mark packaged")
	}
	if line.AllowedCents != 0 || line.BeneficiaryTotalCents != 0 || line.ProgramPaymentCents != 0 {
		t.Errorf("packaged line should be zero: %+v", line)
	}
	if remaining != 25700 {
		t.Errorf("packaged line consumed deductible: %d", remaining)
	}
}

func TestOutpatientWageAdjusted(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "G0463", Setting: SettingOutpatient}, sfGeo(), 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// 13500 x 1.20 wage index.
	if line.AllowedCents != 16200 {
		t.Errorf("allowed = %d, want 16200", line.AllowedCents)
	}
	if !line.FacilitySpecific || line.FacilityAllowedCents != 16200 {
		t.Errorf("facility fields = %+v", line)
	}
	if line.CoinsuranceCents != 3240 {
		t.Errorf("coinsurance = %d, want 3240", line.CoinsuranceCents)
	}
}

func TestOutpatientMissingCBSA(t *testing.T) {
	p, _ := newTestPricer(t)

	g := sfGeo()
	g.CBSA = ""
	lc := testContext(PlanComponent{Sequence: 1, Code: "G0463", Setting: SettingOutpatient}, g, 0)
	_, _, err := p.PriceLine(context.Background(), lc)
	var perr *PricingError
	if !errors.As(err, &perr) || perr.Kind != ErrRequiredReferenceMiss {
		t.Fatalf("error = %v, want RequiredReferenceMiss", err)
	}
}

func TestInpatientAdmission(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "470", Setting: SettingInpatient}, sfGeo(), 25700)
	line, remaining, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// (672600 + 52100) x 1.20 = 869640; x 1.9898 = 1730409.672 -> 1730410.
	if line.AllowedCents != 1730410 {
		t.Errorf("allowed = %d, want 1730410", line.AllowedCents)
	}
	if line.DeductibleCents != 167600 {
		t.Errorf("admission deductible = %d, want 167600", line.DeductibleCents)
	}
	if line.CoinsuranceCents != 0 {
		t.Errorf("inpatient coinsurance = %d, want 0", line.CoinsuranceCents)
	}
	if line.ProgramPaymentCents != 1730410-167600 {
		t.Errorf("program = %d", line.ProgramPaymentCents)
	}
	// Part B deductible untouched.
	if remaining != 25700 {
		t.Errorf("part b remaining = %d, want 25700", remaining)
	}
}

func TestInpatientUnknownDRG(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "999", Setting: SettingInpatient}, sfGeo(), 0)
	_, _, err := p.PriceLine(context.Background(), lc)
	var perr *PricingError
	if !errors.As(err, &perr) || perr.Kind != ErrRequiredReferenceMiss {
		t.Fatalf("error = %v, want RequiredReferenceMiss", err)
	}
}

func TestAmbulatorySurgical(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "66984", Setting: SettingASC}, sfGeo(), 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if line.AllowedCents != 106000 || line.FacilityAllowedCents != 106000 {
		t.Errorf("asc line = %+v", line)
	}
	if line.CoinsuranceCents != 21200 {
		t.Errorf("coinsurance = %d, want 21200", line.CoinsuranceCents)
	}
}

func TestLaboratory(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "80053", Setting: SettingLab}, sfGeo(), 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if line.AllowedCents != 1056 || line.ProfessionalAllowedCents != 1056 {
		t.Errorf("lab line = %+v", line)
	}
}

func TestDMERuralSeries(t *testing.T) {
	p, _ := newTestPricer(t)

	rural := sfGeo()
	rural.RuralFlag = "R"
	lc := testContext(PlanComponent{Sequence: 1, Code: "E0601", Setting: SettingDME}, rural, 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price rural: %v", err)
	}
	if line.AllowedCents != 6500 {
		t.Errorf("rural allowed = %d, want 6500", line.AllowedCents)
	}

	lc = testContext(PlanComponent{Sequence: 1, Code: "E0601", Setting: SettingDME}, sfGeo(), 0)
	line, _, err = p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price urban: %v", err)
	}
	if line.AllowedCents != 6000 {
		t.Errorf("urban allowed = %d, want 6000", line.AllowedCents)
	}
}

func TestDrugASPWithReference(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{
		Sequence: 1, Code: "J1745", Setting: SettingDrug,
		Units: 10, UtilizationWeight: 1, NDC11: "00074433902",
	}, sfGeo(), 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// 8323 x 1.06 x 10 = 88223.8 -> 88224.
	if line.AllowedCents != 88224 {
		t.Errorf("allowed = %d, want 88224", line.AllowedCents)
	}
	if line.ReferencePriceCents == nil {
		t.Fatal("expected a NADAC reference price")
	}
	// 150 x 10 units-per x 10 units = 15000.
	if *line.ReferencePriceCents != 15000 {
		t.Errorf("reference = %d, want 15000", *line.ReferencePriceCents)
	}
}

func TestDrugMissingCrosswalk(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{
		Sequence: 1, Code: "J1745", Setting: SettingDrug,
		Units: 10, UtilizationWeight: 1, NDC11: "99999999999",
	}, sfGeo(), 0)
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// Primary allowed still computed; reference absent; trace notes the gap.
	if line.AllowedCents != 88224 {
		t.Errorf("allowed = %d, want 88224", line.AllowedCents)
	}
	if line.ReferencePriceCents != nil {
		t.Errorf("reference = %v, want absent", *line.ReferencePriceCents)
	}
	found := false
	for _, ref := range line.TraceRefs {
		if ref.Kind == "drug_reference_unavailable" {
			found = true
		}
	}
	if !found {
		t.Error("expected a drug_reference_unavailable trace note")
	}
}

func TestUnknownSetting(t *testing.T) {
	p, _ := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "X", Setting: "HHA"}, sfGeo(), 0)
	_, _, err := p.PriceLine(context.Background(), lc)
	var perr *PricingError
	if !errors.As(err, &perr) || perr.Kind != ErrInvalidInput {
		t.Fatalf("error = %v, want InvalidInput", err)
	}
}

func TestConservationAcrossSettings(t *testing.T) {
	p, _ := newTestPricer(t)

	comps := []PlanComponent{
		{Sequence: 1, Code: "99213", Setting: SettingPhysician, POS: "11"},
		{Sequence: 2, Code: "G0463", Setting: SettingOutpatient},
		{Sequence: 3, Code: "470", Setting: SettingInpatient},
		{Sequence: 4, Code: "66984", Setting: SettingASC},
		{Sequence: 5, Code: "80053", Setting: SettingLab},
		{Sequence: 6, Code: "E0601", Setting: SettingDME},
		{Sequence: 7, Code: "J1745", Setting: SettingDrug, Units: 10},
	}
	remaining := int64(25700)
	for _, comp := range comps {
		lc := testContext(comp, sfGeo(), remaining)
		line, newRemaining, err := p.PriceLine(context.Background(), lc)
		if err != nil {
			t.Fatalf("price %s: %v", comp.Code, err)
		}
		sum := line.DeductibleCents + line.CoinsuranceCents + line.ProgramPaymentCents
		if sum != line.AllowedCents {
			t.Errorf("%s: split %d != allowed %d", comp.Code, sum, line.AllowedCents)
		}
		if line.BeneficiaryTotalCents != line.DeductibleCents+line.CoinsuranceCents {
			t.Errorf("%s: beneficiary total mismatch", comp.Code)
		}
		remaining = newRemaining
	}
}

func TestScheduleLookupsAreCached(t *testing.T) {
	p, d := newTestPricer(t)

	lc := testContext(PlanComponent{Sequence: 1, Code: "99213", Setting: SettingPhysician, POS: "11"}, sfGeo(), 0)
	if _, _, err := p.PriceLine(context.Background(), lc); err != nil {
		t.Fatalf("first price: %v", err)
	}

	// Change the stored row; the cached copy still serves until it expires.
	if err := d.InsertMPFS(db.MPFSRow{Year: 2025, LocalityID: "5", HCPCS: "99213",
		WorkRVU: 99, PENonfacRVU: 99, PEFacRVU: 99, MalpRVU: 99}); err != nil {
		t.Fatalf("update: %v", err)
	}
	line, _, err := p.PriceLine(context.Background(), lc)
	if err != nil {
		t.Fatalf("second price: %v", err)
	}
	if line.AllowedCents != 8859 {
		t.Errorf("allowed = %d, want cached 8859", line.AllowedCents)
	}
}
