package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"medpricer/internal/config"
	"medpricer/internal/db"
	"medpricer/internal/snapshot"
)

// MatchLevel identifies which step of the resolution hierarchy produced the
// locality.
type MatchLevel string

const (
	MatchZip4    MatchLevel = "zip+4"
	MatchZip5    MatchLevel = "zip5"
	MatchNearest MatchLevel = "nearest"
	MatchDefault MatchLevel = "default"
	MatchError   MatchLevel = "error"
)

// FailKind classifies resolver failures.
type FailKind string

const (
	FailInvalidZip FailKind = "InvalidZip"
	FailNeedsPlus4 FailKind = "NeedsPlus4"
	FailNoCoverage FailKind = "NoCoverage"
	FailInternal   FailKind = "InternalResolverError"
)

// ResolveError is a typed resolver failure with a user-facing message.
type ResolveError struct {
	Kind    FailKind
	Message string
}

func (e *ResolveError) Error() string {
	return e.Message
}

// Request carries the inputs of one resolution call. Radius parameters of 0
// fall back to configured defaults.
type Request struct {
	ZIP           string
	Plus4         string
	ValuationDate time.Time
	Year          int
	Quarter       int
	Strict        bool
	ExposeCarrier bool

	InitialRadiusMiles float64
	ExpandStepMiles    float64
	MaxRadiusMiles     float64
}

// Result is a successful resolution.
type Result struct {
	LocalityID    string     `json:"locality_id"`
	State         string     `json:"state"`
	RuralFlag     string     `json:"rural_flag,omitempty"`
	CarrierID     string     `json:"carrier,omitempty"`
	CBSA          string     `json:"cbsa,omitempty"`
	MatchLevel    MatchLevel `json:"match_level"`
	DatasetDigest string     `json:"dataset_digest"`
	NearestZip    string     `json:"nearest_zip,omitempty"`
	DistanceMiles *float64   `json:"distance_miles,omitempty"`
	POBoxFallback bool       `json:"pobox_fallback,omitempty"`
	ValuationDate time.Time  `json:"-"`
}

// Resolver maps ZIP/ZIP+4 inputs to pricing localities.
type Resolver struct {
	db      *db.DB
	snaps   *snapshot.Registry
	cfg     *config.Config
	version string
}

// NewResolver creates a Resolver.
func NewResolver(d *db.DB, snaps *snapshot.Registry, cfg *config.Config, version string) *Resolver {
	return &Resolver{db: d, snaps: snaps, cfg: cfg, version: version}
}

// Resolve runs the precedence hierarchy for one request and persists a trace
// row whether it succeeds or fails. Trace persistence errors are logged and
// swallowed.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := r.resolve(ctx, req)
	r.writeTrace(req, res, err, time.Since(start))
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, req Request) (*Result, error) {
	zip5, plus4, err := NormalizeZip(req.ZIP, req.Plus4)
	if err != nil {
		return nil, err
	}
	at := r.valuationDate(req)

	digest := r.activeDigest(ctx, at)

	// Step 1: ZIP+4 exact.
	if plus4 != "" {
		row, err := r.db.GeographyZip4(ctx, zip5, plus4, at)
		if err != nil {
			return nil, &ResolveError{Kind: FailInternal, Message: err.Error()}
		}
		if row != nil {
			return r.result(ctx, row, MatchZip4, digest, at, req), nil
		}
		// Step 2: strict gate.
		if req.Strict {
			return nil, &ResolveError{
				Kind:    FailNeedsPlus4,
				Message: fmt.Sprintf("no ZIP+4 record for %s-%s; strict mode requires an exact plus-4 match", zip5, plus4),
			}
		}
	}

	// Step 3: ZIP5 exact.
	row, err := r.db.GeographyZip5(ctx, zip5, at)
	if err != nil {
		return nil, &ResolveError{Kind: FailInternal, Message: err.Error()}
	}
	if row != nil {
		return r.result(ctx, row, MatchZip5, digest, at, req), nil
	}
	// Step 4: strict gate.
	if req.Strict {
		return nil, &ResolveError{
			Kind:    FailNoCoverage,
			Message: fmt.Sprintf("no geography coverage for ZIP %s at %s", zip5, db.ISODate(at)),
		}
	}

	// Steps 5-6: geodesic nearest within the same state, expanding radius.
	if res, err := r.nearest(ctx, zip5, at, req, digest); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	// Step 7: benchmark locality.
	return &Result{
		LocalityID:    r.cfg.BenchmarkLocality,
		MatchLevel:    MatchDefault,
		DatasetDigest: digest,
		ValuationDate: at,
	}, nil
}

// valuationDate derives the pricing date: an explicit date wins; otherwise
// the quarter start of (year, quarter), the year start when no quarter, and
// the current year when no year.
func (r *Resolver) valuationDate(req Request) time.Time {
	if !req.ValuationDate.IsZero() {
		return req.ValuationDate.UTC()
	}
	year := req.Year
	if year == 0 {
		year = time.Now().UTC().Year()
	}
	month := time.January
	if req.Quarter >= 1 && req.Quarter <= 4 {
		month = time.Month((req.Quarter-1)*3 + 1)
	}
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func (r *Resolver) activeDigest(ctx context.Context, at time.Time) string {
	s, err := r.snaps.Active(ctx, "geography", at, false)
	if err != nil || s == nil {
		return ""
	}
	return s.Digest
}

func (r *Resolver) result(ctx context.Context, row *db.GeographyRow, level MatchLevel, fallbackDigest string, at time.Time, req Request) *Result {
	digest := row.DatasetDigest
	if digest == "" {
		digest = fallbackDigest
	}
	res := &Result{
		LocalityID:    row.LocalityID,
		State:         row.State,
		RuralFlag:     row.RuralFlag,
		MatchLevel:    level,
		DatasetDigest: digest,
		ValuationDate: at,
	}
	if req.ExposeCarrier {
		res.CarrierID = row.CarrierID
	}
	if cbsa, err := r.db.ZipCBSA(ctx, row.Zip5, at); err == nil {
		res.CBSA = cbsa
	}
	return res
}

type candidate struct {
	zip5     string
	distance float64
	poBox    bool
}

// nearest searches same-state ZIP geometries outward from the source ZIP,
// expanding the radius until a candidate joins back to a geography row or
// the maximum radius is exhausted. Returns (nil, nil) when nothing matched.
func (r *Resolver) nearest(ctx context.Context, zip5 string, at time.Time, req Request, digest string) (*Result, error) {
	source, err := r.db.Geometry(ctx, zip5, at)
	if err != nil {
		return nil, &ResolveError{Kind: FailInternal, Message: err.Error()}
	}
	if source == nil {
		return nil, nil
	}

	all, err := r.db.StateGeometries(ctx, source.State, zip5, at)
	if err != nil {
		return nil, &ResolveError{Kind: FailInternal, Message: err.Error()}
	}
	if len(all) == 0 {
		return nil, nil
	}

	initial := req.InitialRadiusMiles
	if initial <= 0 {
		initial = r.cfg.InitialRadiusMiles
	}
	step := req.ExpandStepMiles
	if step <= 0 {
		step = r.cfg.ExpandStepMiles
	}
	max := req.MaxRadiusMiles
	if max <= 0 {
		max = r.cfg.MaxRadiusMiles
	}

	for radius := initial; radius <= max; radius += step {
		var cands []candidate
		for _, g := range all {
			d := Haversine(source.Lat, source.Lon, g.Lat, g.Lon)
			if d <= radius {
				cands = append(cands, candidate{zip5: g.Zip5, distance: d, poBox: g.IsPOBox})
			}
		}
		if len(cands) == 0 {
			continue
		}

		// Deterministic ordering: non-PO-Box first, then distance, then
		// ascending zip5.
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].poBox != cands[j].poBox {
				return !cands[i].poBox
			}
			if cands[i].distance != cands[j].distance {
				return cands[i].distance < cands[j].distance
			}
			return cands[i].zip5 < cands[j].zip5
		})

		for _, c := range cands {
			row, err := r.db.GeographyZip5InState(ctx, c.zip5, source.State, at)
			if err != nil {
				return nil, &ResolveError{Kind: FailInternal, Message: err.Error()}
			}
			if row == nil {
				continue
			}
			res := r.result(ctx, row, MatchNearest, digest, at, req)
			res.NearestZip = c.zip5
			dist := c.distance
			res.DistanceMiles = &dist
			res.POBoxFallback = c.poBox
			return res, nil
		}
		// Candidates in range but none joined; widening the radius may
		// surface a ZIP that has a geography row.
	}
	return nil, nil
}

// ResolveDigest resolves a bare ZIP5 at a date and reports the dataset
// digest the resolution was served from. Used by reproducibility checks.
func (r *Resolver) ResolveDigest(ctx context.Context, zip5 string, at time.Time) (string, error) {
	res, err := r.Resolve(ctx, Request{ZIP: zip5, ValuationDate: at})
	if err != nil {
		return "", err
	}
	return res.DatasetDigest, nil
}

func (r *Resolver) writeTrace(req Request, res *Result, resErr error, elapsed time.Duration) {
	inputs, _ := json.Marshal(map[string]interface{}{
		"zip":     req.ZIP,
		"plus4":   req.Plus4,
		"year":    req.Year,
		"quarter": req.Quarter,
		"strict":  req.Strict,
	})
	tr := db.ResolutionTrace{
		Inputs:         string(inputs),
		MatchLevel:     string(MatchError),
		LatencyMs:      float64(elapsed.Microseconds()) / 1000.0,
		ServiceVersion: r.version,
	}
	if res != nil {
		tr.MatchLevel = string(res.MatchLevel)
		tr.LocalityID = res.LocalityID
		tr.State = res.State
		tr.RuralFlag = res.RuralFlag
		tr.NearestZip = res.NearestZip
		tr.DistanceMiles = res.DistanceMiles
		tr.DatasetDigest = res.DatasetDigest
	}
	if resErr != nil {
		if re, ok := resErr.(*ResolveError); ok {
			tr.ErrorCode = string(re.Kind)
		} else {
			tr.ErrorCode = string(FailInternal)
		}
	}
	if err := r.db.InsertResolutionTrace(tr); err != nil {
		log.Printf("[GEO] trace write failed: %v", err)
	}
}
