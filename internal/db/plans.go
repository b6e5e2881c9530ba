package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Plan is a stored treatment plan.
type Plan struct {
	ID         string
	Name       string
	CreatedAt  string
	UpdatedAt  string
	Components []PlanComponent
}

// PlanComponent is the storage shape of one plan line. Modifiers are kept as
// a JSON array string; the engine layer decodes them.
type PlanComponent struct {
	Sequence              int
	Code                  string
	Setting               string
	Units                 float64
	UtilizationWeight     float64
	ProfessionalComponent bool
	FacilityComponent     bool
	ModifiersJSON         string
	POS                   string
	NDC11                 string
	WastageUnits          float64
}

// CreatePlan inserts a plan with its components atomically.
func (d *DB) CreatePlan(p Plan) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("create plan begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`INSERT INTO plans (id, name, created_at, updated_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, now, now); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	if err := insertComponents(tx, p.ID, p.Components); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceComponents swaps a plan's components atomically.
func (d *DB) ReplaceComponents(planID string, components []PlanComponent) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("replace components begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE plans SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), planID)
	if err != nil {
		return fmt.Errorf("touch plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s not found", planID)
	}
	if _, err := tx.Exec(`DELETE FROM plan_components WHERE plan_id = ?`, planID); err != nil {
		return fmt.Errorf("clear components: %w", err)
	}
	if err := insertComponents(tx, planID, components); err != nil {
		return err
	}
	return tx.Commit()
}

func insertComponents(tx *sql.Tx, planID string, components []PlanComponent) error {
	stmt, err := tx.Prepare(`
		INSERT INTO plan_components (plan_id, sequence, code, setting, units, utilization_weight,
			professional_component, facility_component, modifiers, pos, ndc11, wastage_units)
		VALUES (?,?,?,?,?,?,?,?,?,NULLIF(?,''),NULLIF(?,''),?)`)
	if err != nil {
		return fmt.Errorf("prepare components: %w", err)
	}
	defer stmt.Close()

	for _, c := range components {
		mods := c.ModifiersJSON
		if mods == "" {
			mods = "[]"
		}
		if _, err := stmt.Exec(planID, c.Sequence, c.Code, c.Setting, c.Units, c.UtilizationWeight,
			boolInt(c.ProfessionalComponent), boolInt(c.FacilityComponent), mods, c.POS, c.NDC11, c.WastageUnits); err != nil {
			return fmt.Errorf("insert component %d: %w", c.Sequence, err)
		}
	}
	return nil
}

// GetPlan loads a plan and its components ordered by sequence, or nil.
func (d *DB) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	err := d.sql.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM plans WHERE id = ?`, id).Scan(
		&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	rows, err := d.sql.QueryContext(ctx, `
		SELECT sequence, code, setting, units, utilization_weight,
			professional_component, facility_component, modifiers,
			COALESCE(pos,''), COALESCE(ndc11,''), wastage_units
		FROM plan_components WHERE plan_id = ? ORDER BY sequence, id`, id)
	if err != nil {
		return nil, fmt.Errorf("get plan components: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c PlanComponent
		var prof, fac int
		if err := rows.Scan(&c.Sequence, &c.Code, &c.Setting, &c.Units, &c.UtilizationWeight,
			&prof, &fac, &c.ModifiersJSON, &c.POS, &c.NDC11, &c.WastageUnits); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		c.ProfessionalComponent = prof != 0
		c.FacilityComponent = fac != 0
		p.Components = append(p.Components, c)
	}
	return &p, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
