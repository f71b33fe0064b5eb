package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mendlabs/pagemend/internal/events"
	"github.com/mendlabs/pagemend/internal/types"
)

// batchSource returns one queued batch of errors per drain
type batchSource struct {
	mu      sync.Mutex
	batches [][]types.BrowserError
}

func (s *batchSource) Drain() []types.BrowserError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch
}

// scriptedRepairer completes every repair with a fixed outcome
type scriptedRepairer struct {
	mu          sync.Mutex
	succeed     bool
	dispatchErr error
	attempts    int
	dispatched  int
}

func (r *scriptedRepairer) RepairError(ctx context.Context, berr *types.BrowserError) (types.RepairSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatchErr != nil {
		return types.RepairSession{}, r.dispatchErr
	}
	r.dispatched++
	return types.RepairSession{
		ID:      fmt.Sprintf("repair-%d", r.dispatched),
		ErrorID: berr.ID,
		Status:  types.SessionPending,
	}, nil
}

func (r *scriptedRepairer) WaitForSession(ctx context.Context, id string, timeout, interval time.Duration, cancel <-chan struct{}) (types.RepairSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := r.attempts
	if attempts == 0 {
		attempts = 1
	}
	status := types.SessionFailed
	if r.succeed {
		status = types.SessionCompleted
	}
	return types.RepairSession{ID: id, Status: status, Attempts: attempts}, nil
}

// blockingRepairer parks WaitForSession until its cancel channel fires
type blockingRepairer struct{}

func (r *blockingRepairer) RepairError(ctx context.Context, berr *types.BrowserError) (types.RepairSession, error) {
	return types.RepairSession{ID: "repair-blocked", ErrorID: berr.ID, Status: types.SessionPending}, nil
}

func (r *blockingRepairer) WaitForSession(ctx context.Context, id string, timeout, interval time.Duration, cancel <-chan struct{}) (types.RepairSession, error) {
	select {
	case <-cancel:
		return types.RepairSession{ID: id, Status: types.SessionRunning}, errors.New("wait canceled")
	case <-time.After(timeout):
		return types.RepairSession{ID: id, Status: types.SessionRunning}, errors.New("wait timed out")
	}
}

// verdictValidator returns a fixed pass/fail report
type verdictValidator struct {
	pass bool
}

func (v *verdictValidator) ValidateRepair(ctx context.Context, session types.RepairSession, originalError types.BrowserError, targetURL string) types.ValidationReport {
	score := 100.0
	failed := 0
	if !v.pass {
		score = 40
		failed = 1
	}
	return types.ValidationReport{
		RepairSessionID: session.ID,
		OverallScore:    score,
		FailedTests:     failed,
		Passed:          v.pass,
		Summary:         "scripted report",
	}
}

// fastConfig returns a config with sub-second timings for tests
func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.IterationDelay = time.Millisecond
	cfg.ObservationWindow = time.Millisecond
	cfg.RepairWait = 200 * time.Millisecond
	cfg.RepairPollInterval = time.Millisecond
	cfg.MaxTotalRuntime = time.Hour
	return cfg
}

func errs(messages ...string) []types.BrowserError {
	out := make([]types.BrowserError, len(messages))
	for i, m := range messages {
		out[i] = types.BrowserError{
			ID:       fmt.Sprintf("err-%d-%s", i, m),
			Kind:     types.KindJavaScript,
			Severity: types.SeverityHigh,
			Message:  m,
			Category: "reference",
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg *Config, source ErrorSource, repairer Repairer, validator Validator) *Orchestrator {
	t.Helper()
	o, err := New(cfg, source, repairer, validator, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

// drainEvents empties the subscription buffer into a per-type index
func drainEvents(ch <-chan events.Event) map[events.EventType][]events.Event {
	out := make(map[events.EventType][]events.Event)
	for {
		select {
		case ev := <-ch:
			out[ev.Type] = append(out[ev.Type], ev)
		default:
			return out
		}
	}
}

func TestRunPublishesDetectionAndTypedPayloads(t *testing.T) {
	cfg := fastConfig()
	cfg.SuccessThreshold = 1

	publisher := events.NewPublisher(256, nil)
	defer publisher.Close()
	ch, unsubscribe := publisher.Subscribe()
	defer unsubscribe()

	source := &batchSource{batches: [][]types.BrowserError{errs("widget is not defined")}}
	o, err := New(cfg, source, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true}, publisher, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if session.Status != types.LoopSuccess {
		t.Fatalf("status = %s, want success", session.Status)
	}

	// Repair outcome is recorded on the loop-owned error from the
	// session snapshot
	first := session.Iterations[0].Errors[0]
	if !first.Fixed {
		t.Error("repaired error not marked fixed on the session")
	}
	if first.FixAttempts != 1 {
		t.Errorf("error FixAttempts = %d, want 1", first.FixAttempts)
	}

	byType := drainEvents(ch)

	detected := byType[events.EventTypeErrorDetected]
	if len(detected) != 1 {
		t.Fatalf("error_detected events = %d, want 1", len(detected))
	}
	if got := detected[0].Data["error_id"]; got != first.ID {
		t.Errorf("error_detected Data[error_id] = %v, want %s", got, first.ID)
	}
	if detected[0].Severity != events.SeverityError {
		t.Errorf("error_detected severity = %s, want error for a high-severity error", detected[0].Severity)
	}

	repairs := byType[events.EventTypeRepairCompleted]
	if len(repairs) != 1 {
		t.Fatalf("repair_completed events = %d, want 1", len(repairs))
	}
	for _, key := range []string{"session_id", "error_id", "strategy", "status", "attempts"} {
		if _, ok := repairs[0].Data[key]; !ok {
			t.Errorf("repair_completed Data missing %q", key)
		}
	}

	iterations := byType[events.EventTypeIterationCompleted]
	if len(iterations) == 0 {
		t.Fatal("no iteration_completed events")
	}
	if got, ok := iterations[0].Data["error_count"].(int); !ok || got != 1 {
		t.Errorf("iteration_completed Data[error_count] = %v, want 1", iterations[0].Data["error_count"])
	}
	if _, ok := iterations[0].Data["health_score"]; !ok {
		t.Error("iteration_completed Data missing health_score")
	}
}

func TestEmergencyStopEventCarriesReason(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxErrorsPerIteration = 1
	cfg.MaxSameErrorRepeats = 1000
	cfg.MaxRepairAttempts = 1000

	publisher := events.NewPublisher(256, nil)
	defer publisher.Close()
	ch, unsubscribe := publisher.Subscribe()
	defer unsubscribe()

	source := &batchSource{batches: [][]types.BrowserError{errs("first", "second")}}
	o, err := New(cfg, source, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true}, publisher, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if session.Status != types.LoopEmergencyStop {
		t.Fatalf("status = %s, want emergency_stop", session.Status)
	}

	stops := drainEvents(ch)[events.EventTypeEmergencyStop]
	if len(stops) != 1 {
		t.Fatalf("emergency_stop events = %d, want 1", len(stops))
	}
	reason, _ := stops[0].Data["reason"].(string)
	if !strings.Contains(reason, "per-iteration") {
		t.Errorf("emergency_stop Data[reason] = %q, want the per-iteration cap named", reason)
	}
	if _, ok := stops[0].Data["iteration"]; !ok {
		t.Error("emergency_stop Data missing iteration")
	}
}

func TestSuccessAfterCleanStreak(t *testing.T) {
	cfg := fastConfig()
	cfg.SuccessThreshold = 3

	o := newTestOrchestrator(t, cfg, &batchSource{}, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != types.LoopSuccess {
		t.Fatalf("status = %s, want success", session.Status)
	}
	if session.ConsecutiveSuccesses != 3 {
		t.Errorf("consecutive successes = %d, want 3", session.ConsecutiveSuccesses)
	}
	if len(session.Iterations) != 3 {
		t.Errorf("iterations = %d, want 3", len(session.Iterations))
	}
	if session.TotalErrors != 0 {
		t.Errorf("total errors = %d, want 0", session.TotalErrors)
	}
}

func TestNearCleanEarlySuccess(t *testing.T) {
	cfg := fastConfig()
	cfg.ErrorThreshold = 1
	cfg.SuccessThreshold = 5

	source := &batchSource{batches: [][]types.BrowserError{errs("widget is not defined")}}
	o := newTestOrchestrator(t, cfg, source, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != types.LoopSuccess {
		t.Fatalf("status = %s, want success (near-clean path)", session.Status)
	}
	if len(session.Iterations) != 1 {
		t.Errorf("iterations = %d, want 1", len(session.Iterations))
	}
	if session.SuccessfulRepairs != 1 {
		t.Errorf("successful repairs = %d, want 1", session.SuccessfulRepairs)
	}
}

func TestGracefulFailureOnConsecutiveFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3
	cfg.MaxIterations = 10

	source := &batchSource{batches: [][]types.BrowserError{
		errs("a"), errs("b"), errs("c"),
	}}
	repairer := &scriptedRepairer{dispatchErr: errors.New("no applicable repair strategy")}
	o := newTestOrchestrator(t, cfg, source, repairer, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Graceful-failure path, not the pre-iteration hard stop
	if session.Status != types.LoopStopped {
		t.Fatalf("status = %s, want stopped", session.Status)
	}
	if session.EmergencyStopReason != "" {
		t.Errorf("emergency reason = %q, want empty on the graceful path", session.EmergencyStopReason)
	}
	if session.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", session.ConsecutiveFailures)
	}
	if len(session.Iterations) != 3 {
		t.Errorf("iterations = %d, want 3", len(session.Iterations))
	}
}

func TestEmergencyStopOnErrorFlood(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxErrorsPerIteration = 20
	cfg.MaxSameErrorRepeats = 1000
	cfg.MaxRepairAttempts = 1000

	var flood []string
	for i := 0; i < 25; i++ {
		flood = append(flood, fmt.Sprintf("distinct error %d", i))
	}
	source := &batchSource{batches: [][]types.BrowserError{errs(flood...)}}
	o := newTestOrchestrator(t, cfg, source, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != types.LoopEmergencyStop {
		t.Fatalf("status = %s, want emergency_stop", session.Status)
	}
	if !strings.Contains(session.EmergencyStopReason, "per-iteration") {
		t.Errorf("reason %q does not name the per-iteration error cap", session.EmergencyStopReason)
	}
	if len(session.Iterations) != 1 {
		t.Errorf("iterations = %d, want 1 (stop fires before the second)", len(session.Iterations))
	}
}

func TestEmergencyStopOnRepeatedError(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxSameErrorRepeats = 5
	cfg.MaxRepairAttempts = 1000
	cfg.SuccessThreshold = 100

	// The same message twice per iteration; the cumulative count crosses
	// the cap of 5 during the third iteration
	same := [][]types.BrowserError{
		errs("stuck error", "stuck error"),
		errs("stuck error", "stuck error"),
		errs("stuck error", "stuck error"),
	}
	source := &batchSource{batches: same}
	o := newTestOrchestrator(t, cfg, source, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != types.LoopEmergencyStop {
		t.Fatalf("status = %s, want emergency_stop", session.Status)
	}
	if !strings.Contains(session.EmergencyStopReason, "repeated") {
		t.Errorf("reason %q does not name the repeat cap", session.EmergencyStopReason)
	}
}

func TestEmergencyStopOnCumulativeAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRepairAttempts = 5
	cfg.MaxSameErrorRepeats = 1000
	cfg.SuccessThreshold = 100

	source := &batchSource{batches: [][]types.BrowserError{
		errs("a1", "a2"), errs("b1", "b2"),
	}}
	// Every repair burns 3 attempts; 4 repairs = 12 > 5
	repairer := &scriptedRepairer{succeed: true, attempts: 3}
	o := newTestOrchestrator(t, cfg, source, repairer, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != types.LoopEmergencyStop {
		t.Fatalf("status = %s, want emergency_stop", session.Status)
	}
	if !strings.Contains(session.EmergencyStopReason, "repair attempts") {
		t.Errorf("reason %q does not name the attempt cap", session.EmergencyStopReason)
	}
}

func TestStopBeforeFirstIteration(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), &batchSource{}, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true})
	o.Stop()
	o.Stop() // idempotent

	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if session.Status != types.LoopStopped {
		t.Errorf("status = %s, want stopped", session.Status)
	}
	if len(session.Iterations) != 0 {
		t.Errorf("iterations = %d, want 0", len(session.Iterations))
	}
}

func TestExternalEmergencyStopShortCircuitsRepairWait(t *testing.T) {
	cfg := fastConfig()
	cfg.RepairWait = 10 * time.Second // only the emergency channel can cut this short

	source := &batchSource{batches: [][]types.BrowserError{errs("hang")}}
	o := newTestOrchestrator(t, cfg, source, &blockingRepairer{}, &verdictValidator{pass: true})

	go func() {
		time.Sleep(50 * time.Millisecond)
		o.EmergencyStop("operator halt")
		o.EmergencyStop("second call ignored")
	}()

	start := time.Now()
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %v; emergency stop did not short-circuit the repair wait", elapsed)
	}
	if session.Status != types.LoopEmergencyStop {
		t.Fatalf("status = %s, want emergency_stop", session.Status)
	}
	if session.EmergencyStopReason != "operator halt" {
		t.Errorf("reason = %q, want the first call's reason", session.EmergencyStopReason)
	}
}

func TestIterationLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxIterations = 2
	cfg.SuccessThreshold = 100
	cfg.MaxConsecutiveFailures = 100
	cfg.MaxSameErrorRepeats = 1000

	source := &batchSource{batches: [][]types.BrowserError{
		errs("x"), errs("y"), errs("z"),
	}}
	o := newTestOrchestrator(t, cfg, source, &scriptedRepairer{succeed: true}, &verdictValidator{pass: false})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != types.LoopStopped {
		t.Errorf("status = %s, want stopped at the iteration limit", session.Status)
	}
	if len(session.Iterations) != 2 {
		t.Errorf("iterations = %d, want 2", len(session.Iterations))
	}
}

func TestConsecutiveCountersMutuallyExclusive(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxIterations = 4
	cfg.SuccessThreshold = 100
	cfg.MaxConsecutiveFailures = 100
	cfg.MaxSameErrorRepeats = 1000

	// Alternating failed (dispatch error) and clean iterations
	source := &batchSource{batches: [][]types.BrowserError{
		errs("a"), nil, errs("b"), nil,
	}}
	repairer := &scriptedRepairer{dispatchErr: errors.New("no applicable repair strategy")}
	o := newTestOrchestrator(t, cfg, source, repairer, &verdictValidator{pass: true})
	session, err := o.Run(context.Background(), "https://example.com")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.ConsecutiveSuccesses != 0 && session.ConsecutiveFailures != 0 {
		t.Errorf("both counters non-zero: successes=%d failures=%d",
			session.ConsecutiveSuccesses, session.ConsecutiveFailures)
	}
}

func TestSecondRunRejected(t *testing.T) {
	o := newTestOrchestrator(t, fastConfig(), &batchSource{}, &scriptedRepairer{succeed: true}, &verdictValidator{pass: true})
	o.Stop()
	if _, err := o.Run(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if _, err := o.Run(context.Background(), "https://example.com"); err == nil {
		t.Error("second Run accepted; orchestrators are single-use")
	}
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name       string
		errors     int
		attempted  int
		successful int
		duration   time.Duration
		want       float64
	}{
		{"clean instant iteration", 0, 0, 0, 0, 100},
		{"errors with full repair credit", 2, 2, 2, 0, 100},
		{"errors with half repair credit", 2, 2, 1, 0, 90},
		{"errors with no repairs attempted", 3, 0, 0, 0, 70},
		{"time penalty", 0, 0, 0, 5 * time.Minute, 90},
		{"time penalty capped at ten minutes", 0, 0, 0, time.Hour, 80},
		{"clamped to zero", 15, 0, 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := healthScore(tc.errors, tc.attempted, tc.successful, tc.duration)
			if got != tc.want {
				t.Errorf("healthScore(%d,%d,%d,%s) = %v, want %v",
					tc.errors, tc.attempted, tc.successful, tc.duration, got, tc.want)
			}
		})
	}
}

func TestConclusion(t *testing.T) {
	tests := []struct {
		name    string
		session types.LoopSession
		wantSub string
	}{
		{
			"fully stable",
			types.LoopSession{TotalErrors: 0},
			"fully stable",
		},
		{
			"mostly repaired",
			types.LoopSession{TotalErrors: 10, TotalRepairs: 10, SuccessfulRepairs: 9},
			"mostly repaired",
		},
		{
			"partially stable",
			types.LoopSession{
				TotalErrors: 10, TotalRepairs: 10, SuccessfulRepairs: 5,
				Iterations: []types.LoopIteration{{HealthScore: 75}, {HealthScore: 80}},
			},
			"partially stable",
		},
		{
			"manual intervention",
			types.LoopSession{
				TotalErrors: 10, TotalRepairs: 10, SuccessfulRepairs: 1,
				Iterations: []types.LoopIteration{{HealthScore: 20}},
			},
			"manual intervention",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Conclusion(&tc.session); !strings.Contains(got, tc.wantSub) {
				t.Errorf("Conclusion() = %q, want substring %q", got, tc.wantSub)
			}
		})
	}
}

func TestSummaryContainsTotalsAndConclusion(t *testing.T) {
	session := &types.LoopSession{
		ID:        "sess-1",
		TargetURL: "https://example.com",
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Status:    types.LoopSuccess,
		Iterations: []types.LoopIteration{
			{Number: 1, Status: types.IterationCompleted, HealthScore: 98},
		},
	}
	out := Summary(session)
	for _, want := range []string{"sess-1", "https://example.com", "success", "Conclusion:", "fully stable"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
