package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/log"
	"github.com/mendlabs/pagemend/internal/types"
)

// DriverProvider resolves the automation driver for a target URL
type DriverProvider func(targetURL string) (browser.Driver, error)

// Input carries the repair outcome a test validates against
type Input struct {
	RepairSession types.RepairSession
	OriginalError types.BrowserError
	TargetURL     string
}

// Test is one named, categorized, prioritized check. Run must return a
// result with a score in [0,100]; Passed is the test's own threshold on
// that score. A test sets CriticalFailure only when its failure makes all
// subsequent validation meaningless.
type Test struct {
	Name     string
	Category types.TestCategory
	Priority types.TestPriority
	// Timeout overrides the suite default when positive
	Timeout time.Duration
	Run     func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult
}

// Config holds validation suite configuration
type Config struct {
	// TestTimeout bounds each test's execution
	// Default: 10 seconds
	TestTimeout time.Duration
	// PassThreshold is the overall score a report needs to pass
	// Default: 80
	PassThreshold float64
}

// DefaultConfig returns default validation suite configuration
func DefaultConfig() *Config {
	return &Config{
		TestTimeout:   10 * time.Second,
		PassThreshold: 80,
	}
}

// Suite runs registered validation tests against a target after a repair.
// Tests execute sequentially in priority order; tests may share target
// state, so the suite never runs two of them concurrently.
type Suite struct {
	cfg     Config
	drivers DriverProvider
	logger  *log.Logger

	mu    sync.RWMutex
	tests []*Test
}

// New creates a validation suite
func New(cfg *Config, drivers DriverProvider, logger *log.Logger) (*Suite, error) {
	if drivers == nil {
		return nil, fmt.Errorf("driver provider is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 10 * time.Second
	}
	if cfg.PassThreshold <= 0 {
		cfg.PassThreshold = 80
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Suite{
		cfg:     *cfg,
		drivers: drivers,
		logger:  logger.WithComponent("validation"),
	}, nil
}

// Register adds a test to the suite. Priority ordering is applied at run
// time; ties keep registration order.
func (s *Suite) Register(t *Test) error {
	if t == nil {
		return fmt.Errorf("test is nil")
	}
	if t.Name == "" {
		return fmt.Errorf("test name is required")
	}
	if !t.Category.IsValid() {
		return fmt.Errorf("test %s: invalid category %q", t.Name, t.Category)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("test %s: invalid priority %q", t.Name, t.Priority)
	}
	if t.Run == nil {
		return fmt.Errorf("test %s: run function is required", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tests {
		if existing.Name == t.Name {
			return fmt.Errorf("test %s already registered", t.Name)
		}
	}
	s.tests = append(s.tests, t)
	return nil
}

// TestNames returns the registered test names in execution order
func (s *Suite) TestNames() []string {
	ordered := s.orderedTests()
	names := make([]string, len(ordered))
	for i, t := range ordered {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of registered tests
func (s *Suite) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tests)
}

// orderedTests returns a priority-sorted snapshot of the registry
func (s *Suite) orderedTests() []*Test {
	s.mu.RLock()
	snapshot := make([]*Test, len(s.tests))
	copy(snapshot, s.tests)
	s.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].Priority.Rank() > snapshot[j].Priority.Rank()
	})
	return snapshot
}

// ValidateRepair runs the full test set against the target and aggregates
// the results. Execution stops early only on a critical failure, and the
// report records why. Tests that never ran are counted as skipped, not
// scored as zero.
func (s *Suite) ValidateRepair(ctx context.Context, session types.RepairSession, originalError types.BrowserError, targetURL string) types.ValidationReport {
	ordered := s.orderedTests()

	report := types.ValidationReport{
		ID:              uuid.New().String(),
		RepairSessionID: session.ID,
		TargetURL:       targetURL,
		TotalTests:      len(ordered),
		StartedAt:       time.Now(),
	}

	input := Input{
		RepairSession: session,
		OriginalError: originalError,
		TargetURL:     targetURL,
	}

	drv, err := s.drivers(targetURL)
	if err != nil {
		report.CompletedAt = time.Now()
		report.SkippedTests = len(ordered)
		report.ShortCircuited = true
		report.ShortCircuitReason = fmt.Sprintf("no driver for target: %v", err)
		report.Summary = "validation could not run: target unreachable"
		return report
	}

	for i, t := range ordered {
		result := s.runTest(ctx, t, drv, input)
		report.Results = append(report.Results, result)

		if result.Passed {
			report.PassedTests++
		} else {
			report.FailedTests++
		}

		if result.CriticalFailure {
			report.ShortCircuited = true
			report.ShortCircuitReason = fmt.Sprintf("critical failure in test %q: %s", t.Name, result.Message)
			report.SkippedTests = len(ordered) - i - 1
			s.logger.Warn("validation short-circuited",
				zap.String("test", t.Name),
				zap.Int("skipped", report.SkippedTests))
			break
		}
	}

	finalize(&report, s.cfg.PassThreshold)

	s.logger.Info("validation completed",
		zap.String("report_id", report.ID),
		zap.Float64("score", report.OverallScore),
		zap.Bool("passed", report.Passed))
	return report
}

// runTest executes one test in a race against its timeout. A timeout
// produces a synthetic failing result with RetryRecommended set.
func (s *Suite) runTest(ctx context.Context, t *Test, drv browser.Driver, input Input) types.ValidationResult {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.TestTimeout
	}

	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan types.ValidationResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.ValidationResult{
					Passed:  false,
					Score:   0,
					Message: fmt.Sprintf("test panicked: %v", r),
					Errors:  []string{fmt.Sprint(r)},
				}
			}
		}()
		done <- t.Run(testCtx, drv, input)
	}()

	var result types.ValidationResult
	select {
	case result = <-done:
	case <-testCtx.Done():
		result = types.ValidationResult{
			Passed:           false,
			Score:            0,
			Message:          fmt.Sprintf("test timed out after %s", timeout),
			RetryRecommended: true,
		}
	}

	// The suite owns identity and timing; tests only fill outcome fields
	result.TestName = t.Name
	result.Category = t.Category
	result.Priority = t.Priority
	result.ExecutionTime = time.Since(started)
	return result
}

// finalize computes the overall score, verdict, summary, and
// recommendations for an accumulated report.
func finalize(report *types.ValidationReport, passThreshold float64) {
	report.CompletedAt = time.Now()

	if len(report.Results) > 0 {
		var sum float64
		for _, r := range report.Results {
			sum += r.Score
		}
		report.OverallScore = sum / float64(len(report.Results))
	}

	report.Passed = report.OverallScore >= passThreshold && report.FailedTests == 0

	switch {
	case report.Passed:
		report.Summary = fmt.Sprintf("all %d executed tests passed (score %.1f)",
			len(report.Results), report.OverallScore)
	case report.ShortCircuited:
		report.Summary = fmt.Sprintf("validation aborted: %s", report.ShortCircuitReason)
	default:
		report.Summary = fmt.Sprintf("%d of %d tests failed (score %.1f)",
			report.FailedTests, len(report.Results), report.OverallScore)
	}

	report.Recommendations = recommendations(report.Results)
}

// recommendations derives remediation hints from which categories failed
func recommendations(results []types.ValidationResult) []string {
	failed := map[types.TestCategory]bool{}
	for _, r := range results {
		if !r.Passed {
			failed[r.Category] = true
		}
	}
	if len(failed) == 0 {
		return nil
	}

	var recs []string
	if failed[types.CategoryFunctional] {
		recs = append(recs, "verify the target loads and core page behavior works after the repair")
	}
	if failed[types.CategoryPerformance] {
		recs = append(recs, "optimize page load time; injected fixes may be adding overhead")
	}
	if failed[types.CategoryAccessibility] {
		recs = append(recs, "add missing accessibility attributes (alt text, form labels)")
	}
	if failed[types.CategorySecurity] {
		recs = append(recs, "review page content for unsafe inline handlers or mixed content")
	}
	if failed[types.CategoryUI] {
		recs = append(recs, "inspect visual layout and broken resources on the page")
	}
	if failed[types.CategoryIntegration] {
		recs = append(recs, "check network calls and third-party integrations on the target")
	}
	sort.Strings(recs)
	return recs
}

// describeResults renders a compact one-line-per-test digest, used by the
// final loop report.
func describeResults(results []types.ValidationResult) string {
	var b strings.Builder
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %s (%s/%s) score=%.0f %s\n",
			status, r.TestName, r.Category, r.Priority, r.Score, r.Message)
	}
	return b.String()
}

// Describe renders a human-readable digest of a report
func Describe(report types.ValidationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation %s: %s\n", report.ID, report.Summary)
	b.WriteString(describeResults(report.Results))
	for _, rec := range report.Recommendations {
		fmt.Fprintf(&b, "  recommend: %s\n", rec)
	}
	return b.String()
}
