package loop

import (
	"fmt"
	"time"

	"github.com/mendlabs/pagemend/internal/types"
)

// healthScore derives the 0-100 advisory score for one iteration: start
// at 100, subtract 10 per detected error, credit up to 20 points for the
// repair success ratio, and subtract 2 per minute of iteration duration
// (capped at 10 minutes).
func healthScore(errorCount, attemptedRepairs, successfulRepairs int, duration time.Duration) float64 {
	score := 100.0
	score -= 10 * float64(errorCount)

	if attemptedRepairs > 0 {
		score += 20 * float64(successfulRepairs) / float64(attemptedRepairs)
	}

	minutes := duration.Minutes()
	if minutes > 10 {
		minutes = 10
	}
	score -= 2 * minutes

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// emergencyReason evaluates the hard-stop predicates against the session
// state. Returns "" when none holds. Checked before each iteration starts.
func (o *Orchestrator) emergencyReason(session *types.LoopSession) string {
	if elapsed := time.Since(session.StartedAt); elapsed > o.cfg.MaxTotalRuntime {
		return fmt.Sprintf("total runtime %s exceeded limit %s",
			elapsed.Round(time.Second), o.cfg.MaxTotalRuntime)
	}

	if n := len(session.Iterations); n > 0 {
		if last := session.Iterations[n-1]; len(last.Errors) > o.cfg.MaxErrorsPerIteration {
			return fmt.Sprintf("iteration %d detected %d errors, exceeding the per-iteration cap of %d",
				last.Number, len(last.Errors), o.cfg.MaxErrorsPerIteration)
		}
	}

	if session.ConsecutiveFailures >= o.cfg.MaxConsecutiveFailures {
		return fmt.Sprintf("%d consecutive failed iterations reached the limit of %d",
			session.ConsecutiveFailures, o.cfg.MaxConsecutiveFailures)
	}

	if msg, count := o.mostRepeatedError(); count > o.cfg.MaxSameErrorRepeats {
		return fmt.Sprintf("error %q repeated %d times, exceeding the limit of %d",
			truncate(msg, 80), count, o.cfg.MaxSameErrorRepeats)
	}

	if o.totalRepairAttempts > o.cfg.MaxRepairAttempts {
		return fmt.Sprintf("cumulative repair attempts %d exceeded the limit of %d",
			o.totalRepairAttempts, o.cfg.MaxRepairAttempts)
	}

	return ""
}

// successReached evaluates the success termination condition after an
// iteration: either the last successThreshold iterations all detected zero
// errors, or the current iteration is near-clean with a health score of 90
// or better.
func (o *Orchestrator) successReached(session *types.LoopSession, current types.LoopIteration) bool {
	if session.ConsecutiveSuccesses >= o.cfg.SuccessThreshold {
		cleanStreak := true
		n := len(session.Iterations)
		for i := n - o.cfg.SuccessThreshold; i < n; i++ {
			if i < 0 || len(session.Iterations[i].Errors) > 0 {
				cleanStreak = false
				break
			}
		}
		if cleanStreak {
			return true
		}
	}

	// The near-clean path only applies when an error tolerance is
	// configured; otherwise every clean healthy iteration would end the
	// session before a streak could form
	return o.cfg.ErrorThreshold > 0 &&
		len(current.Errors) <= o.cfg.ErrorThreshold &&
		current.HealthScore >= 90
}

// failureReached is the graceful-failure path, checked after an iteration.
// The emergency predicate of the same shape is the hard-stop path checked
// before the next iteration starts; this one closes the session cleanly as
// stopped instead.
func (o *Orchestrator) failureReached(session *types.LoopSession) bool {
	return session.ConsecutiveFailures >= o.cfg.MaxConsecutiveFailures
}

// Conclusion classifies a closed session for the final report
func Conclusion(session *types.LoopSession) string {
	switch {
	case session.TotalErrors == 0:
		return "fully stable: no errors were detected across the session"
	case session.RepairSuccessRate() > 0.8:
		return "mostly repaired: over 80% of repair attempts succeeded"
	case session.AverageHealthScore() > 70:
		return "partially stable: average health score above 70"
	default:
		return "requires manual intervention: automated repair did not stabilize the target"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
