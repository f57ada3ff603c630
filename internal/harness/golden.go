package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// AssertConsoleGolden compares authority console output against the golden
// file testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/... -update
func AssertConsoleGolden(t *testing.T, name string, output []byte) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, output)
}

// AssertSummaryGolden compares the indented JSON form of a summary against
// testdata/golden/{name}.golden.
func AssertSummaryGolden(t *testing.T, name string, sum Summary) {
	t.Helper()

	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
