package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spec-harvester/convergence/internal/types"
)

// runsDir is where every subcommand reads and writes run.json artifacts.
func runsDir() string {
	return filepath.Join(workspace, "runs")
}

func loadRunSummary(runID string) (types.RunSummary, error) {
	path := filepath.Join(runsDir(), runID+".json")
	b, err := os.ReadFile(path) //nolint:gosec // path is runsDir joined with the caller-supplied run_id
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	var s types.RunSummary
	if err := json.Unmarshal(b, &s); err != nil {
		return types.RunSummary{}, fmt.Errorf("parse run %s: %w", runID, err)
	}
	return s, nil
}

// listRuns returns every run summary under runsDir, most recently started
// first.
func listRuns() ([]types.RunSummary, error) {
	entries, err := os.ReadDir(runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	out := make([]types.RunSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(runsDir(), e.Name()))
		if err != nil {
			continue
		}
		var s types.RunSummary
		if err := json.Unmarshal(b, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// latestRunFor returns the most recent run for a product identity, or the
// single most recent run overall if fingerprint is empty.
func latestRunFor(fingerprint string) (types.RunSummary, error) {
	runs, err := listRuns()
	if err != nil {
		return types.RunSummary{}, err
	}
	for _, r := range runs {
		if fingerprint == "" || r.Product.IdentityFingerprint == fingerprint {
			return r, nil
		}
	}
	return types.RunSummary{}, fmt.Errorf("no runs found")
}
