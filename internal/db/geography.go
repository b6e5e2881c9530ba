package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GeographyRow maps a ZIP (optionally ZIP+4) to a pricing locality for an
// effective window. effective_to empty means open-ended.
type GeographyRow struct {
	Zip5          string
	Plus4         string
	HasPlus4      bool
	State         string
	LocalityID    string
	CarrierID     string
	RuralFlag     string
	EffectiveFrom string
	EffectiveTo   string
	DatasetDigest string
}

// ZipGeometry is one representative point for a ZIP within an effective window.
type ZipGeometry struct {
	Zip5          string
	Lat           float64
	Lon           float64
	State         string
	IsPOBox       bool
	EffectiveFrom string
	EffectiveTo   string
}

// ISODate formats a time as the canonical stored date string.
func ISODate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

const windowCovers = "effective_from <= ? AND (effective_to IS NULL OR effective_to > ?)"

// GeographyZip4 returns the ZIP+4 geography row covering the date, if any.
func (d *DB) GeographyZip4(ctx context.Context, zip5, plus4 string, at time.Time) (*GeographyRow, error) {
	return d.scanGeography(ctx, `
		SELECT zip5, COALESCE(plus4,''), has_plus4, state, locality_id,
		       COALESCE(carrier_id,''), COALESCE(rural_flag,''),
		       effective_from, COALESCE(effective_to,''), dataset_digest
		FROM geography
		WHERE zip5 = ? AND plus4 = ? AND has_plus4 = 1 AND `+windowCovers+`
		ORDER BY effective_from DESC LIMIT 1`,
		zip5, plus4, ISODate(at), ISODate(at))
}

// GeographyZip5 returns the ZIP5-only geography row covering the date, if any.
func (d *DB) GeographyZip5(ctx context.Context, zip5 string, at time.Time) (*GeographyRow, error) {
	return d.scanGeography(ctx, `
		SELECT zip5, COALESCE(plus4,''), has_plus4, state, locality_id,
		       COALESCE(carrier_id,''), COALESCE(rural_flag,''),
		       effective_from, COALESCE(effective_to,''), dataset_digest
		FROM geography
		WHERE zip5 = ? AND has_plus4 = 0 AND `+windowCovers+`
		ORDER BY effective_from DESC LIMIT 1`,
		zip5, ISODate(at), ISODate(at))
}

// GeographyZip5InState returns the ZIP5 row covering the date restricted to a
// state, used when joining a nearest-neighbor candidate back to a locality.
func (d *DB) GeographyZip5InState(ctx context.Context, zip5, state string, at time.Time) (*GeographyRow, error) {
	return d.scanGeography(ctx, `
		SELECT zip5, COALESCE(plus4,''), has_plus4, state, locality_id,
		       COALESCE(carrier_id,''), COALESCE(rural_flag,''),
		       effective_from, COALESCE(effective_to,''), dataset_digest
		FROM geography
		WHERE zip5 = ? AND state = ? AND has_plus4 = 0 AND `+windowCovers+`
		ORDER BY effective_from DESC LIMIT 1`,
		zip5, state, ISODate(at), ISODate(at))
}

func (d *DB) scanGeography(ctx context.Context, query string, args ...interface{}) (*GeographyRow, error) {
	var g GeographyRow
	var hasPlus4 int
	err := d.sql.QueryRowContext(ctx, query, args...).Scan(
		&g.Zip5, &g.Plus4, &hasPlus4, &g.State, &g.LocalityID,
		&g.CarrierID, &g.RuralFlag, &g.EffectiveFrom, &g.EffectiveTo, &g.DatasetDigest,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geography lookup: %w", err)
	}
	g.HasPlus4 = hasPlus4 != 0
	return &g, nil
}

// Geometry returns the representative point for a ZIP covering the date, if any.
func (d *DB) Geometry(ctx context.Context, zip5 string, at time.Time) (*ZipGeometry, error) {
	var g ZipGeometry
	var pobox int
	err := d.sql.QueryRowContext(ctx, `
		SELECT zip5, lat, lon, state, is_pobox, effective_from, COALESCE(effective_to,'')
		FROM zip_geometry
		WHERE zip5 = ? AND `+windowCovers+`
		ORDER BY effective_from DESC LIMIT 1`,
		zip5, ISODate(at), ISODate(at)).Scan(
		&g.Zip5, &g.Lat, &g.Lon, &g.State, &pobox, &g.EffectiveFrom, &g.EffectiveTo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geometry lookup: %w", err)
	}
	g.IsPOBox = pobox != 0
	return &g, nil
}

// StateGeometries returns all ZIP geometry points for a state covering the
// date, excluding the source ZIP itself.
func (d *DB) StateGeometries(ctx context.Context, state, excludeZip string, at time.Time) ([]ZipGeometry, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT zip5, lat, lon, state, is_pobox, effective_from, COALESCE(effective_to,'')
		FROM zip_geometry
		WHERE state = ? AND zip5 != ? AND `+windowCovers+`
		ORDER BY zip5`,
		state, excludeZip, ISODate(at), ISODate(at))
	if err != nil {
		return nil, fmt.Errorf("state geometries: %w", err)
	}
	defer rows.Close()

	var out []ZipGeometry
	for rows.Next() {
		var g ZipGeometry
		var pobox int
		if err := rows.Scan(&g.Zip5, &g.Lat, &g.Lon, &g.State, &pobox, &g.EffectiveFrom, &g.EffectiveTo); err != nil {
			return nil, fmt.Errorf("scan geometry: %w", err)
		}
		g.IsPOBox = pobox != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// ZipCBSA returns the CBSA code for a ZIP covering the date, or "" if unmapped.
func (d *DB) ZipCBSA(ctx context.Context, zip5 string, at time.Time) (string, error) {
	var cbsa string
	err := d.sql.QueryRowContext(ctx, `
		SELECT cbsa FROM zip_cbsa
		WHERE zip5 = ? AND `+windowCovers+`
		ORDER BY effective_from DESC LIMIT 1`,
		zip5, ISODate(at), ISODate(at)).Scan(&cbsa)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("zip cbsa: %w", err)
	}
	return cbsa, nil
}

// InsertGeographyRow writes a geography row (ingestion/seed path).
func (d *DB) InsertGeographyRow(g GeographyRow) error {
	hasPlus4 := 0
	if g.HasPlus4 {
		hasPlus4 = 1
	}
	_, err := d.sql.Exec(`
		INSERT INTO geography (zip5, plus4, has_plus4, state, locality_id, carrier_id, rural_flag, effective_from, effective_to, dataset_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?,''), ?)`,
		g.Zip5, nullable(g.Plus4), hasPlus4, g.State, g.LocalityID,
		nullable(g.CarrierID), nullable(g.RuralFlag), g.EffectiveFrom, g.EffectiveTo, g.DatasetDigest)
	if err != nil {
		return fmt.Errorf("insert geography: %w", err)
	}
	return nil
}

// InsertZipGeometry writes a ZIP geometry row (ingestion/seed path).
func (d *DB) InsertZipGeometry(g ZipGeometry) error {
	pobox := 0
	if g.IsPOBox {
		pobox = 1
	}
	_, err := d.sql.Exec(`
		INSERT INTO zip_geometry (zip5, lat, lon, state, is_pobox, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?,''))`,
		g.Zip5, g.Lat, g.Lon, g.State, pobox, g.EffectiveFrom, g.EffectiveTo)
	if err != nil {
		return fmt.Errorf("insert zip geometry: %w", err)
	}
	return nil
}

// InsertZipCBSA maps a ZIP to a CBSA for an effective window.
func (d *DB) InsertZipCBSA(zip5, cbsa, effectiveFrom, effectiveTo string) error {
	_, err := d.sql.Exec(`
		INSERT INTO zip_cbsa (zip5, cbsa, effective_from, effective_to)
		VALUES (?, ?, ?, NULLIF(?,''))`,
		zip5, cbsa, effectiveFrom, effectiveTo)
	if err != nil {
		return fmt.Errorf("insert zip cbsa: %w", err)
	}
	return nil
}

// SetGeographyDigest stamps every geography row with the dataset digest.
// Called after ingestion once the snapshot digest is computed.
func (d *DB) SetGeographyDigest(digest string) error {
	_, err := d.sql.Exec(`UPDATE geography SET dataset_digest = ?`, digest)
	if err != nil {
		return fmt.Errorf("set geography digest: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
