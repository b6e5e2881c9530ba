package engine

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundCentsBankers(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{1771.8, 1772},
		{1771.5, 1772}, // half to even, 1772 is even
		{1770.5, 1770},
		{13288.5, 13288},
		{4429.5, 4430},
		{-0.5, 0},
		{0, 0},
	}
	for _, tc := range cases {
		if got := roundCents(decimal.NewFromFloat(tc.in)); got != tc.want {
			t.Errorf("roundCents(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDollarsToCents(t *testing.T) {
	d := decimal.NewFromFloat(88.591872)
	if got := dollarsToCents(d); got != 8859 {
		t.Errorf("dollarsToCents(88.591872) = %d, want 8859", got)
	}
}

func TestApplyModifiers(t *testing.T) {
	got, steps := applyModifiers(10000, []string{"-50"})
	if got != 15000 {
		t.Errorf("bilateral = %d, want 15000", got)
	}
	if len(steps) != 1 || !steps[0].Applied || steps[0].Factor != 1.5 {
		t.Errorf("steps = %+v", steps)
	}

	got, _ = applyModifiers(10000, []string{"-51"})
	if got != 5000 {
		t.Errorf("multiple procedure = %d, want 5000", got)
	}

	// Unknown modifiers pass through unchanged but are recorded.
	got, steps = applyModifiers(10000, []string{"-59"})
	if got != 10000 {
		t.Errorf("unknown modifier changed cents: %d", got)
	}
	if len(steps) != 1 || steps[0].Applied {
		t.Errorf("unknown modifier steps = %+v", steps)
	}

	// Leading dash is optional.
	got, _ = applyModifiers(10000, []string{"50"})
	if got != 15000 {
		t.Errorf("bare modifier = %d, want 15000", got)
	}
}

func TestModifierOrderDependence(t *testing.T) {
	// Per-step banker's rounding makes -50/-51 order-dependent on odd
	// half-cent boundaries; both orders are pinned here.
	a, _ := applyModifiers(8859, []string{"-50", "-51"})
	if a != 6644 {
		t.Errorf("-50 then -51 = %d, want 6644", a)
	}
	b, _ := applyModifiers(8859, []string{"-51", "-50"})
	if b != 6645 {
		t.Errorf("-51 then -50 = %d, want 6645", b)
	}
}

func TestScaleUnits(t *testing.T) {
	if got := scaleUnits(8859, 2, 1); got != 17718 {
		t.Errorf("2 units = %d, want 17718", got)
	}
	if got := scaleUnits(8859, 1, 0.5); got != 4430 {
		t.Errorf("half utilization = %d, want 4430 (4429.5 rounds to even)", got)
	}
	if got := scaleUnits(8859, 1, 1); got != 8859 {
		t.Errorf("identity = %d", got)
	}
}

func TestCostShare(t *testing.T) {
	cases := []struct {
		name            string
		allowed, dedRem int64
		rate            float64
		wantDed         int64
		wantCoins       int64
		wantRemaining   int64
	}{
		{"deductible met", 8859, 0, 0.20, 0, 1772, 0},
		{"fresh deductible swallows line", 8859, 25700, 0.20, 8859, 0, 16841},
		{"partial deductible", 8859, 5000, 0.20, 5000, 772, 0},
		{"zero allowed", 0, 25700, 0.20, 0, 0, 25700},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs, remaining := costShare(tc.allowed, tc.dedRem, tc.rate)
			if cs.DeductibleCents != tc.wantDed {
				t.Errorf("deductible = %d, want %d", cs.DeductibleCents, tc.wantDed)
			}
			if cs.CoinsuranceCents != tc.wantCoins {
				t.Errorf("coinsurance = %d, want %d", cs.CoinsuranceCents, tc.wantCoins)
			}
			if remaining != tc.wantRemaining {
				t.Errorf("remaining = %d, want %d", remaining, tc.wantRemaining)
			}
			// Conservation: allowed splits exactly.
			sum := cs.DeductibleCents + cs.CoinsuranceCents + cs.ProgramPaymentCents
			if sum != tc.allowed {
				t.Errorf("split sums to %d, want %d", sum, tc.allowed)
			}
			if cs.BeneficiaryTotalCents != cs.DeductibleCents+cs.CoinsuranceCents {
				t.Errorf("beneficiary total mismatch: %+v", cs)
			}
		})
	}
}

func TestParseSetting(t *testing.T) {
	if s, err := ParseSetting("MPFS"); err != nil || s != SettingPhysician {
		t.Errorf("MPFS alias = (%v, %v)", s, err)
	}
	for _, name := range []string{"PHYS", "OPPS", "ASC", "IPPS", "CLFS", "DMEPOS", "DRUG"} {
		if _, err := ParseSetting(name); err != nil {
			t.Errorf("ParseSetting(%s): %v", name, err)
		}
	}
	if _, err := ParseSetting("HHA"); err == nil {
		t.Error("unknown setting should fail")
	}
}

func TestComponentFromStorageDefaults(t *testing.T) {
	comp, err := ComponentFromStorage(dbComponent("99213", "PHYS", `["-50"]`))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if comp.Units != 1 || comp.UtilizationWeight != 1 {
		t.Errorf("defaults = units %v, weight %v, want 1", comp.Units, comp.UtilizationWeight)
	}
	if len(comp.Modifiers) != 1 || comp.Modifiers[0] != "-50" {
		t.Errorf("modifiers = %v", comp.Modifiers)
	}

	if _, err := ComponentFromStorage(dbComponent("99213", "BOGUS", "")); err == nil {
		t.Error("bogus setting should fail")
	}
	if _, err := ComponentFromStorage(dbComponent("99213", "PHYS", "{not json")); err == nil {
		t.Error("bad modifier json should fail")
	}
}
