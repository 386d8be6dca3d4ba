package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// MarshalGolden renders the snapshot as indented JSON with a trailing
// newline.
func (s Snapshot) MarshalGolden() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario, fails t on any failed expectation and
// compares the snapshot with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario, t.TempDir())
	require.NoError(t, err)
	require.True(t, result.Pass, "scenario %s failed: %v", scenario.Name, result.Errors)

	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares a result's snapshot with a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := result.Snapshot.MarshalGolden()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
