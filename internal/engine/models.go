package engine

import (
	"encoding/json"
	"fmt"

	"medpricer/internal/db"
)

// Setting identifies which fee schedule prices a plan component.
type Setting string

const (
	SettingPhysician  Setting = "PHYS"
	SettingOutpatient Setting = "OPPS"
	SettingASC        Setting = "ASC"
	SettingInpatient  Setting = "IPPS"
	SettingLab        Setting = "CLFS"
	SettingDME        Setting = "DMEPOS"
	SettingDrug       Setting = "DRUG"
)

// ParseSetting accepts the canonical setting names plus the MPFS alias used
// by the single-code pricing endpoint.
func ParseSetting(s string) (Setting, error) {
	switch s {
	case "PHYS", "MPFS":
		return SettingPhysician, nil
	case "OPPS":
		return SettingOutpatient, nil
	case "ASC":
		return SettingASC, nil
	case "IPPS":
		return SettingInpatient, nil
	case "CLFS":
		return SettingLab, nil
	case "DMEPOS":
		return SettingDME, nil
	case "DRUG":
		return SettingDrug, nil
	default:
		return "", fmt.Errorf("unknown setting %q", s)
	}
}

// PlanComponent is one line of a treatment plan in domain shape.
type PlanComponent struct {
	Sequence              int      `json:"sequence"`
	Code                  string   `json:"code"`
	Setting               Setting  `json:"setting"`
	Units                 float64  `json:"units"`
	UtilizationWeight     float64  `json:"utilization_weight"`
	ProfessionalComponent bool     `json:"professional_component"`
	FacilityComponent     bool     `json:"facility_component"`
	Modifiers             []string `json:"modifiers,omitempty"`
	POS                   string   `json:"pos,omitempty"`
	NDC11                 string   `json:"ndc11,omitempty"`
	WastageUnits          float64  `json:"wastage_units,omitempty"`
}

// ComponentFromStorage converts a stored plan component to domain shape.
func ComponentFromStorage(c db.PlanComponent) (PlanComponent, error) {
	setting, err := ParseSetting(c.Setting)
	if err != nil {
		return PlanComponent{}, fmt.Errorf("component %d: %w", c.Sequence, err)
	}
	var mods []string
	if c.ModifiersJSON != "" {
		if err := json.Unmarshal([]byte(c.ModifiersJSON), &mods); err != nil {
			return PlanComponent{}, fmt.Errorf("component %d modifiers: %w", c.Sequence, err)
		}
	}
	out := PlanComponent{
		Sequence:              c.Sequence,
		Code:                  c.Code,
		Setting:               setting,
		Units:                 c.Units,
		UtilizationWeight:     c.UtilizationWeight,
		ProfessionalComponent: c.ProfessionalComponent,
		FacilityComponent:     c.FacilityComponent,
		Modifiers:             mods,
		POS:                   c.POS,
		NDC11:                 c.NDC11,
		WastageUnits:          c.WastageUnits,
	}
	if out.Units == 0 {
		out.Units = 1
	}
	if out.UtilizationWeight == 0 {
		out.UtilizationWeight = 1
	}
	return out, nil
}

// ErrKind classifies pricing failures.
type ErrKind string

const (
	ErrInvalidInput          ErrKind = "InvalidInput"
	ErrSchedulePricingMiss   ErrKind = "SchedulePricingMiss"
	ErrRequiredReferenceMiss ErrKind = "RequiredReferenceMiss"
	ErrTimeout               ErrKind = "Timeout"
	ErrInternal              ErrKind = "Internal"
)

// PricingError is a typed line-level pricing failure.
type PricingError struct {
	Kind    ErrKind
	Message string
}

func (e *PricingError) Error() string {
	return e.Message
}

// ModifierStep records one modifier application on a line.
type ModifierStep struct {
	Modifier string `json:"modifier"`
	Factor   float64 `json:"factor"`
	Applied  bool   `json:"applied"`
}

// TraceRef is one engine-emitted trace payload attached to a line.
type TraceRef struct {
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload"`
}

// LineError is the non-fatal failure recorded on a line.
type LineError struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`
}

// LineResult is the priced outcome of one plan component. All monetary
// fields are integer cents.
type LineResult struct {
	Sequence                 int            `json:"sequence"`
	Code                     string         `json:"code"`
	Setting                  Setting        `json:"setting"`
	AllowedCents             int64          `json:"allowed_cents"`
	DeductibleCents          int64          `json:"beneficiary_deductible_cents"`
	CoinsuranceCents         int64          `json:"beneficiary_coinsurance_cents"`
	BeneficiaryTotalCents    int64          `json:"beneficiary_total_cents"`
	ProgramPaymentCents      int64          `json:"program_payment_cents"`
	ProfessionalAllowedCents int64          `json:"professional_allowed_cents"`
	FacilityAllowedCents     int64          `json:"facility_allowed_cents"`
	ReferencePriceCents      *int64         `json:"reference_price_cents,omitempty"`
	Packaged                 bool           `json:"packaged"`
	FacilitySpecific         bool           `json:"facility_specific"`
	Source                   string         `json:"source"`
	Modifiers                []ModifierStep `json:"modifiers,omitempty"`
	Error                    *LineError     `json:"error,omitempty"`
	TraceRefs                []TraceRef     `json:"-"`
}

// Totals aggregates per-line fields across a run.
type Totals struct {
	AllowedCents             int64 `json:"allowed_cents"`
	DeductibleCents          int64 `json:"beneficiary_deductible_cents"`
	CoinsuranceCents         int64 `json:"beneficiary_coinsurance_cents"`
	BeneficiaryTotalCents    int64 `json:"beneficiary_total_cents"`
	ProgramPaymentCents      int64 `json:"program_payment_cents"`
	ProfessionalAllowedCents int64 `json:"professional_allowed_cents"`
	FacilityAllowedCents     int64 `json:"facility_allowed_cents"`
	Lines                    int   `json:"lines"`
	FailedLines              int   `json:"failed_lines"`
}

// Add accumulates one line into the totals.
func (t *Totals) Add(l *LineResult) {
	t.Lines++
	if l.Error != nil {
		t.FailedLines++
		return
	}
	t.AllowedCents += l.AllowedCents
	t.DeductibleCents += l.DeductibleCents
	t.CoinsuranceCents += l.CoinsuranceCents
	t.BeneficiaryTotalCents += l.BeneficiaryTotalCents
	t.ProgramPaymentCents += l.ProgramPaymentCents
	t.ProfessionalAllowedCents += l.ProfessionalAllowedCents
	t.FacilityAllowedCents += l.FacilityAllowedCents
}
