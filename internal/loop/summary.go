package loop

import (
	"fmt"
	"strings"
	"time"

	"github.com/mendlabs/pagemend/internal/types"
)

// Summary renders the final textual report for a closed session: totals,
// success rate, per-iteration digest, and the classified conclusion.
func Summary(session *types.LoopSession) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Loop session %s (%s)\n", session.ID, session.TargetURL)
	fmt.Fprintf(&b, "Status: %s", session.Status)
	if session.EmergencyStopReason != "" {
		fmt.Fprintf(&b, " (%s)", session.EmergencyStopReason)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Duration: %s over %d iterations\n",
		session.Duration().Round(time.Second), len(session.Iterations))
	fmt.Fprintf(&b, "Errors detected: %d\n", session.TotalErrors)
	fmt.Fprintf(&b, "Repairs: %d attempted, %d succeeded (%.0f%%)\n",
		session.TotalRepairs, session.SuccessfulRepairs, 100*session.RepairSuccessRate())
	fmt.Fprintf(&b, "Average health score: %.1f\n", session.AverageHealthScore())

	if len(session.Iterations) > 0 {
		b.WriteString("\nIterations:\n")
		for _, it := range session.Iterations {
			fmt.Fprintf(&b, "  %3d. %-9s errors=%-3d repairs=%d/%d health=%.1f\n",
				it.Number, it.Status, len(it.Errors),
				it.SuccessfulRepairs, it.SuccessfulRepairs+it.FailedRepairs,
				it.HealthScore)
		}
	}

	fmt.Fprintf(&b, "\nConclusion: %s\n", Conclusion(session))
	return b.String()
}
