package db

import (
	"fmt"
)

// SeedDemo loads a small but complete demo dataset: three ZIPs across MA, CA,
// and NY with geometry and CBSA mappings, 2025 schedule rows for every
// setting, and 2025 benefit parameters. After seeding, callers should publish
// snapshots so resolutions carry a dataset digest.
func (d *DB) SeedDemo() error {
	const from = "2024-01-01"

	geography := []GeographyRow{
		{Zip5: "01434", Plus4: "0001", HasPlus4: true, State: "MA", LocalityID: "1", CarrierID: "10112", RuralFlag: "R", EffectiveFrom: from},
		{Zip5: "01434", State: "MA", LocalityID: "1", CarrierID: "10112", RuralFlag: "R", EffectiveFrom: from},
		{Zip5: "94110", State: "CA", LocalityID: "5", CarrierID: "01112", EffectiveFrom: from},
		{Zip5: "10001", State: "NY", LocalityID: "1", CarrierID: "13102", EffectiveFrom: from},
	}
	for _, g := range geography {
		if err := d.InsertGeographyRow(g); err != nil {
			return fmt.Errorf("seed geography %s: %w", g.Zip5, err)
		}
	}

	geometry := []ZipGeometry{
		{Zip5: "01434", Lat: 42.5431, Lon: -71.5730, State: "MA", EffectiveFrom: from},
		{Zip5: "94110", Lat: 37.7485, Lon: -122.4156, State: "CA", EffectiveFrom: from},
		{Zip5: "10001", Lat: 40.7506, Lon: -73.9971, State: "NY", EffectiveFrom: from},
	}
	for _, g := range geometry {
		if err := d.InsertZipGeometry(g); err != nil {
			return fmt.Errorf("seed geometry %s: %w", g.Zip5, err)
		}
	}

	cbsas := map[string]string{
		"01434": "15764",
		"94110": "41860",
		"10001": "35620",
	}
	for zip, cbsa := range cbsas {
		if err := d.InsertZipCBSA(zip, cbsa, from, ""); err != nil {
			return fmt.Errorf("seed cbsa %s: %w", zip, err)
		}
	}

	// Physician schedule: the 99213 office-visit reference case.
	for _, loc := range []string{"1", "5"} {
		if err := d.InsertMPFS(MPFSRow{
			Year: 2025, LocalityID: loc, HCPCS: "99213",
			WorkRVU: 1.30, PENonfacRVU: 1.17, PEFacRVU: 0.55, MalpRVU: 0.09,
			StatusCode: "A", GlobalDays: "000",
		}); err != nil {
			return fmt.Errorf("seed mpfs: %w", err)
		}
		if err := d.InsertGPCI(GPCIRow{Year: 2025, LocalityID: loc, Work: 1.0, PE: 1.0, Malp: 1.0}); err != nil {
			return fmt.Errorf("seed gpci: %w", err)
		}
	}
	if err := d.InsertConversionFactor(2025, "physician", 34.6062); err != nil {
		return fmt.Errorf("seed conversion factor: %w", err)
	}

	// Outpatient: one packaged lab panel and one payable clinic visit.
	oppsRows := []OPPSRow{
		{Year: 2025, Quarter: 1, HCPCS: "80053", StatusIndicator: "N", RateCents: 1234},
		{Year: 2025, Quarter: 1, HCPCS: "G0463", StatusIndicator: "S", APCCode: "5012", RateCents: 13500},
	}
	for _, r := range oppsRows {
		if err := d.InsertOPPS(r); err != nil {
			return fmt.Errorf("seed opps %s: %w", r.HCPCS, err)
		}
	}

	// Wage indices: quarterly series for outpatient, annual for inpatient.
	wage := []struct {
		cbsa  string
		value float64
	}{
		{"15764", 1.05},
		{"41860", 1.20},
		{"35620", 1.10},
	}
	for _, w := range wage {
		for q := 1; q <= 4; q++ {
			if err := d.InsertWageIndex(2025, q, w.cbsa, w.value); err != nil {
				return fmt.Errorf("seed wage index %s q%d: %w", w.cbsa, q, err)
			}
		}
		if err := d.InsertWageIndex(2025, 0, w.cbsa, w.value); err != nil {
			return fmt.Errorf("seed annual wage index %s: %w", w.cbsa, err)
		}
	}

	// Inpatient: major joint replacement.
	if err := d.InsertDRG(2025, "470", 1.9898); err != nil {
		return fmt.Errorf("seed drg: %w", err)
	}
	if err := d.InsertIPPSBase(IPPSBase{FiscalYear: 2025, OperatingBaseCents: 672600, CapitalBaseCents: 52100}); err != nil {
		return fmt.Errorf("seed ipps base: %w", err)
	}

	// Flat fee schedules.
	if err := d.InsertASCFee(2025, 1, "66984", 106000); err != nil {
		return fmt.Errorf("seed asc: %w", err)
	}
	if err := d.InsertCLFSFee(2025, 1, "80053", 1056); err != nil {
		return fmt.Errorf("seed clfs: %w", err)
	}
	if err := d.InsertDMEPOSFee(2025, 1, "E0601", false, 6000); err != nil {
		return fmt.Errorf("seed dmepos: %w", err)
	}
	if err := d.InsertDMEPOSFee(2025, 1, "E0601", true, 6500); err != nil {
		return fmt.Errorf("seed dmepos rural: %w", err)
	}

	// Drugs: infliximab with a NADAC reference.
	if err := d.InsertDrugASP(2025, 1, "J1745", 8323); err != nil {
		return fmt.Errorf("seed asp: %w", err)
	}
	if err := d.InsertNADAC(NADACRow{AsOf: "2025-01-15", NDC11: "00074433902", UnitPriceCents: 150, UnitType: "EA"}); err != nil {
		return fmt.Errorf("seed nadac: %w", err)
	}
	if err := d.InsertCrosswalk("00074433902", "J1745", 10); err != nil {
		return fmt.Errorf("seed crosswalk: %w", err)
	}

	if err := d.UpsertBenefitParams(BenefitParams{
		Year:                      2025,
		PartBDeductibleCents:      25700,
		CoinsuranceRate:           0.20,
		PartAAdmissionDeductCents: 167600,
	}); err != nil {
		return fmt.Errorf("seed benefit params: %w", err)
	}
	return nil
}
