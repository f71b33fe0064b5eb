package report

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mendlabs/pagemend/internal/types"
)

func sampleSession() *types.LoopSession {
	started := time.Now().Add(-5 * time.Minute).UTC()
	return &types.LoopSession{
		ID:        "abc123",
		TargetURL: "https://example.com",
		StartedAt: started,
		EndedAt:   started.Add(4 * time.Minute),
		Status:    types.LoopStopped,
		Iterations: []types.LoopIteration{
			{
				Number: 1,
				Status: types.IterationFailed,
				Errors: []types.BrowserError{
					{ID: "e1", Kind: types.KindNetwork, Severity: types.SeverityCritical,
						Category: "network", Message: "HTTP 503 from /api/data"},
				},
				FailedRepairs: 1,
				HealthScore:   68,
				ValidationReports: []types.ValidationReport{
					{Recommendations: []string{"check network calls and third-party integrations on the target"}},
				},
			},
		},
		TotalErrors:  1,
		TotalRepairs: 1,
	}
}

func TestWriteProducesBothArtifacts(t *testing.T) {
	dir := t.TempDir()
	session := sampleSession()

	jsonPath, mdPath, err := Write(dir, session)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("reading JSON artifact: %v", err)
	}
	var loaded types.LoopSession
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("JSON artifact does not parse: %v", err)
	}
	if loaded.ID != session.ID || len(loaded.Iterations) != 1 {
		t.Errorf("JSON artifact lost data: %+v", loaded)
	}

	md, err := os.ReadFile(mdPath)
	if err != nil {
		t.Fatalf("reading Markdown artifact: %v", err)
	}
	if !strings.Contains(string(md), "abc123") {
		t.Error("Markdown artifact missing session id")
	}
}

func TestMarkdownSections(t *testing.T) {
	out := Markdown(sampleSession())

	for _, want := range []string{
		"# Repair session abc123",
		"https://example.com",
		"## Iterations",
		"## Unresolved errors",
		"HTTP 503 from /api/data",
		"## Recommendations",
		"third-party integrations",
		"## Conclusion",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestMarkdownDeduplicatesUnfixed(t *testing.T) {
	session := sampleSession()
	// Same unresolved message in a second iteration
	session.Iterations = append(session.Iterations, types.LoopIteration{
		Number: 2,
		Status: types.IterationFailed,
		Errors: []types.BrowserError{
			{ID: "e2", Category: "network", Message: "HTTP 503 from /api/data"},
		},
	})

	out := Markdown(session)
	if got := strings.Count(out, "HTTP 503 from /api/data"); got != 1 {
		t.Errorf("unresolved error listed %d times, want 1", got)
	}
}
