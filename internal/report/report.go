// Package report renders final session artifacts: a JSON document holding
// the full LoopSession and a human-readable Markdown summary. Artifacts are
// written by the caller that owns the session, never by the loop itself.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mendlabs/pagemend/internal/loop"
	"github.com/mendlabs/pagemend/internal/types"
)

// Write renders both artifacts into dir, named by session id. Returns the
// JSON and Markdown paths.
func Write(dir string, session *types.LoopSession) (jsonPath, markdownPath string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create report directory: %w", err)
	}

	jsonPath = filepath.Join(dir, fmt.Sprintf("session-%s.json", session.ID))
	markdownPath = filepath.Join(dir, fmt.Sprintf("session-%s.md", session.ID))

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write JSON report: %w", err)
	}

	if err := os.WriteFile(markdownPath, []byte(Markdown(session)), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write Markdown report: %w", err)
	}
	return jsonPath, markdownPath, nil
}

// Markdown renders the human-readable report
func Markdown(session *types.LoopSession) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Repair session %s\n\n", session.ID)
	fmt.Fprintf(&b, "**Target:** %s\n\n", session.TargetURL)

	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Status | %s |\n", session.Status)
	if session.EmergencyStopReason != "" {
		fmt.Fprintf(&b, "| Emergency stop | %s |\n", session.EmergencyStopReason)
	}
	fmt.Fprintf(&b, "| Started | %s |\n", session.StartedAt.Format(time.RFC3339))
	if !session.EndedAt.IsZero() {
		fmt.Fprintf(&b, "| Ended | %s |\n", session.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "| Duration | %s |\n", session.Duration().Round(time.Second))
	fmt.Fprintf(&b, "| Iterations | %d |\n", len(session.Iterations))
	fmt.Fprintf(&b, "| Errors detected | %d |\n", session.TotalErrors)
	fmt.Fprintf(&b, "| Repairs | %d attempted, %d succeeded |\n",
		session.TotalRepairs, session.SuccessfulRepairs)
	fmt.Fprintf(&b, "| Repair success rate | %.0f%% |\n", 100*session.RepairSuccessRate())
	fmt.Fprintf(&b, "| Average health score | %.1f |\n\n", session.AverageHealthScore())

	if len(session.Iterations) > 0 {
		b.WriteString("## Iterations\n\n")
		b.WriteString("| # | Status | Errors | Repairs | Health |\n")
		b.WriteString("|---|--------|--------|---------|--------|\n")
		for _, it := range session.Iterations {
			fmt.Fprintf(&b, "| %d | %s | %d | %d/%d | %.1f |\n",
				it.Number, it.Status, len(it.Errors),
				it.SuccessfulRepairs, it.SuccessfulRepairs+it.FailedRepairs,
				it.HealthScore)
		}
		b.WriteString("\n")
	}

	if errs := collectUnfixed(session); len(errs) > 0 {
		b.WriteString("## Unresolved errors\n\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- `%s` [%s/%s] %s\n", e.Category, e.Kind, e.Severity, e.Message)
		}
		b.WriteString("\n")
	}

	if recs := collectRecommendations(session); len(recs) > 0 {
		b.WriteString("## Recommendations\n\n")
		for _, r := range recs {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Conclusion\n\n%s\n", loop.Conclusion(session))
	return b.String()
}

// collectUnfixed gathers errors that ended the session unrepaired,
// deduplicated by message.
func collectUnfixed(session *types.LoopSession) []types.BrowserError {
	seen := map[string]bool{}
	var out []types.BrowserError
	for _, it := range session.Iterations {
		for _, e := range it.Errors {
			if e.Fixed || seen[e.Message] {
				continue
			}
			seen[e.Message] = true
			out = append(out, e)
		}
	}
	return out
}

// collectRecommendations merges validation recommendations across all
// iterations, deduplicated.
func collectRecommendations(session *types.LoopSession) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range session.Iterations {
		for _, vr := range it.ValidationReports {
			for _, rec := range vr.Recommendations {
				if seen[rec] {
					continue
				}
				seen[rec] = true
				out = append(out, rec)
			}
		}
	}
	return out
}
