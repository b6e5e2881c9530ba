package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"medpricer/internal/db"
	"medpricer/internal/logger"
)

// ErrNoSnapshot is returned by strict selection when no snapshot covers the
// requested date.
var ErrNoSnapshot = errors.New("no snapshot covers the requested date")

// Registry selects effective-dated dataset snapshots and computes their
// content digests.
type Registry struct {
	db *db.DB
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(d *db.DB) *Registry {
	return &Registry{db: d}
}

// Active returns the snapshot for a dataset whose effective window covers
// the date. Among covering snapshots the most recent effective_from wins.
// When none covers: strict selection fails with ErrNoSnapshot; otherwise the
// snapshot with the greatest effective_from <= at is used and a warning is
// logged (latest_before fallback).
func (r *Registry) Active(ctx context.Context, datasetID string, at time.Time, strict bool) (*db.Snapshot, error) {
	snaps, err := r.db.SnapshotsForDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	date := db.ISODate(at)

	// Rows come back newest effective_from first.
	for i := range snaps {
		s := &snaps[i]
		if s.EffectiveFrom <= date && (s.EffectiveTo == "" || date < s.EffectiveTo) {
			return s, nil
		}
	}

	if strict {
		return nil, fmt.Errorf("dataset %s at %s: %w", datasetID, date, ErrNoSnapshot)
	}
	for i := range snaps {
		s := &snaps[i]
		if s.EffectiveFrom <= date {
			logger.Warn("Snapshot", fmt.Sprintf("dataset %s: no window covers %s, falling back to snapshot effective %s", datasetID, date, s.EffectiveFrom))
			return s, nil
		}
	}
	return nil, fmt.Errorf("dataset %s at %s: %w", datasetID, date, ErrNoSnapshot)
}

// ByDigest returns the snapshot pinned to an exact digest, or an error when
// the digest is not known for the dataset.
func (r *Registry) ByDigest(ctx context.Context, datasetID, digest string) (*db.Snapshot, error) {
	s, err := r.db.SnapshotByDigest(ctx, datasetID, digest)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("dataset %s digest %s: %w", datasetID, digest, ErrNoSnapshot)
	}
	return s, nil
}

// CanonicalDigest hashes a row set deterministically: each tuple's columns
// are comma-joined without surrounding whitespace, the full tuples sorted
// lexicographically, rows newline-joined, and the UTF-8 bytes SHA-256
// hashed. The digest depends only on the row set, not insertion order.
func CanonicalDigest(tuples [][]string) string {
	lines := make([]string, len(tuples))
	for i, t := range tuples {
		lines[i] = strings.Join(t, ",")
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// ComputeDigest recomputes a dataset's digest from its current rows.
func (r *Registry) ComputeDigest(ctx context.Context, datasetID string) (string, error) {
	tuples, err := r.db.DatasetTuples(ctx, datasetID)
	if err != nil {
		return "", err
	}
	return CanonicalDigest(tuples), nil
}

// Publish computes the current digest of a dataset and appends a snapshot
// row for the given effective window. Used by the ingestion edge and the
// demo seeder.
func (r *Registry) Publish(ctx context.Context, datasetID, effectiveFrom, effectiveTo, manifest string) (*db.Snapshot, error) {
	digest, err := r.ComputeDigest(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if manifest == "" {
		manifest = "{}"
	}
	s := db.Snapshot{
		DatasetID:     datasetID,
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   effectiveTo,
		Digest:        digest,
		Manifest:      manifest,
	}
	if err := r.db.InsertSnapshot(s); err != nil {
		return nil, err
	}
	logger.Success("Snapshot", fmt.Sprintf("Published %s effective %s digest %s", datasetID, effectiveFrom, digest[:12]))
	return &s, nil
}

// Pin records the dataset's current digest under a name for later
// reproducibility checks.
func (r *Registry) Pin(ctx context.Context, name, datasetID string) (*db.Pin, error) {
	digest, err := r.ComputeDigest(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	p := db.Pin{Name: name, DatasetID: datasetID, Digest: digest}
	if err := r.db.SavePin(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ResolveDigestFunc resolves a ZIP at a date and reports the dataset digest
// the resolution was served from. Supplied by the geographic resolver.
type ResolveDigestFunc func(ctx context.Context, zip5 string, at time.Time) (string, error)

// VerifyResult reports the outcome of a reproducibility check against a pin.
type VerifyResult struct {
	PinName  string   `json:"pin_name"`
	Digest   string   `json:"digest"`
	Total    int      `json:"total"`
	Matched  int      `json:"matched"`
	Failed   int      `json:"failed"`
	Score    float64  `json:"score"`
	Mismatch []string `json:"mismatch,omitempty"`
}

// VerifyPin resolves each sample ZIP and scores the fraction of successful
// resolutions whose reported digest equals the pinned digest.
func (r *Registry) VerifyPin(ctx context.Context, pinName string, sampleZips []string, at time.Time, resolve ResolveDigestFunc) (*VerifyResult, error) {
	pin, err := r.db.GetPin(ctx, pinName)
	if err != nil {
		return nil, err
	}
	if pin == nil {
		return nil, fmt.Errorf("pin %q not found", pinName)
	}

	res := &VerifyResult{PinName: pinName, Digest: pin.Digest, Total: len(sampleZips)}
	succeeded := 0
	for _, zip := range sampleZips {
		digest, err := resolve(ctx, zip, at)
		if err != nil {
			res.Failed++
			continue
		}
		succeeded++
		if digest == pin.Digest {
			res.Matched++
		} else {
			res.Mismatch = append(res.Mismatch, zip)
		}
	}
	if succeeded > 0 {
		res.Score = float64(res.Matched) / float64(succeeded)
	}
	return res, nil
}
