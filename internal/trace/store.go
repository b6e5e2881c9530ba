package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"medpricer/internal/db"
	"medpricer/internal/engine"
)

// FullTrace is the assembled audit record of one run: the run row, the
// recorded request parameters, the flattened line results, every trace entry,
// and the set of dataset digests the run was served from.
type FullTrace struct {
	Run            db.Run                 `json:"run"`
	Inputs         []db.RunInput          `json:"inputs"`
	Outputs        []db.RunOutput         `json:"outputs"`
	Traces         []TraceEntry           `json:"traces"`
	DatasetDigests []engine.DatasetDigest `json:"dataset_digests"`
}

// TraceEntry is one stored trace row with its payload decoded.
type TraceEntry struct {
	Kind         string                 `json:"kind"`
	LineSequence *int                   `json:"line_sequence,omitempty"`
	Payload      map[string]interface{} `json:"payload"`
}

// Store reads run bundles back out of the database.
type Store struct {
	db *db.DB
}

// NewStore creates a Store.
func NewStore(d *db.DB) *Store {
	return &Store{db: d}
}

// Get assembles the full trace for a run id, or nil when the run does not
// exist.
func (s *Store) Get(ctx context.Context, runID string) (*FullTrace, error) {
	run, err := s.db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	ft := &FullTrace{Run: *run}
	if ft.Inputs, err = s.db.GetRunInputs(ctx, runID); err != nil {
		return nil, err
	}
	if ft.Outputs, err = s.db.GetRunOutputs(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.GetRunTraces(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, tr := range rows {
		entry := TraceEntry{Kind: tr.Kind, LineSequence: tr.LineSequence}
		if err := json.Unmarshal([]byte(tr.Payload), &entry.Payload); err != nil {
			return nil, fmt.Errorf("trace payload %s: %w", tr.Kind, err)
		}
		ft.Traces = append(ft.Traces, entry)
	}

	ft.DatasetDigests = storedDigests(run.Response)
	return ft, nil
}

// storedDigests extracts the dataset digest set from a run's canonical
// response JSON.
func storedDigests(responseJSON string) []engine.DatasetDigest {
	var resp struct {
		DatasetDigests []engine.DatasetDigest `json:"dataset_digests"`
	}
	if err := json.Unmarshal([]byte(responseJSON), &resp); err != nil {
		return nil
	}
	return resp.DatasetDigests
}
