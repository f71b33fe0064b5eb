package validation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/types"
)

// probeDriver answers Evaluate from a caller-supplied function
type probeDriver struct {
	evaluate func(expression string) (json.RawMessage, error)
}

func (d *probeDriver) Navigate(ctx context.Context, url string) error { return nil }
func (d *probeDriver) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	if d.evaluate == nil {
		return json.RawMessage(`true`), nil
	}
	return d.evaluate(expression)
}
func (d *probeDriver) InjectScript(ctx context.Context, code string) error { return nil }
func (d *probeDriver) InjectStyle(ctx context.Context, css string) error   { return nil }
func (d *probeDriver) PatchMarkup(ctx context.Context, selector, html string) error {
	return nil
}
func (d *probeDriver) Subscribe(handler func(browser.PageEvent)) func() { return func() {} }
func (d *probeDriver) TargetURL() string                                { return "https://example.com" }
func (d *probeDriver) Close() error                                     { return nil }

func newTestSuite(t *testing.T, drv browser.Driver) *Suite {
	t.Helper()
	s, err := New(DefaultConfig(), func(string) (browser.Driver, error) {
		return drv, nil
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// staticTest returns a test whose Run produces a fixed result and records
// its own execution in order.
func staticTest(name string, priority types.TestPriority, result types.ValidationResult, order *[]string) *Test {
	return &Test{
		Name:     name,
		Category: types.CategoryFunctional,
		Priority: priority,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			if order != nil {
				*order = append(*order, name)
			}
			return result
		},
	}
}

func pass(score float64) types.ValidationResult {
	return types.ValidationResult{Passed: true, Score: score}
}

func fail(score float64) types.ValidationResult {
	return types.ValidationResult{Passed: false, Score: score}
}

func TestValidateRepairPriorityOrder(t *testing.T) {
	s := newTestSuite(t, &probeDriver{})

	var order []string
	// Registered deliberately out of priority order; "b-medium" before
	// "a-medium" checks that ties keep registration order
	for _, tc := range []struct {
		name     string
		priority types.TestPriority
	}{
		{"low", types.PriorityLow},
		{"b-medium", types.PriorityMedium},
		{"critical", types.PriorityCritical},
		{"a-medium", types.PriorityMedium},
		{"high", types.PriorityHigh},
	} {
		if err := s.Register(staticTest(tc.name, tc.priority, pass(100), &order)); err != nil {
			t.Fatalf("Register(%s) failed: %v", tc.name, err)
		}
	}

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	want := []string{"critical", "high", "b-medium", "a-medium", "low"}
	if len(order) != len(want) {
		t.Fatalf("executed %d tests, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("execution[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if !report.Passed {
		t.Errorf("report not passed: %s", report.Summary)
	}
}

func TestValidateRepairCriticalShortCircuit(t *testing.T) {
	s := newTestSuite(t, &probeDriver{})

	var order []string
	critical := fail(0)
	critical.CriticalFailure = true
	critical.Message = "target failed to load"

	s.Register(staticTest("loader", types.PriorityCritical, critical, &order))
	s.Register(staticTest("high", types.PriorityHigh, pass(100), &order))
	s.Register(staticTest("low", types.PriorityLow, pass(100), &order))

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	if len(order) != 1 || order[0] != "loader" {
		t.Fatalf("executed tests = %v, want only the critical one", order)
	}
	if !report.ShortCircuited {
		t.Error("report not marked short-circuited")
	}
	if !strings.Contains(report.ShortCircuitReason, "loader") {
		t.Errorf("short-circuit reason %q does not name the test", report.ShortCircuitReason)
	}
	if report.SkippedTests != 2 {
		t.Errorf("skipped = %d, want 2", report.SkippedTests)
	}
	if report.Passed {
		t.Error("short-circuited report must not pass")
	}
}

func TestValidateRepairScoreIsMeanOfExecuted(t *testing.T) {
	s := newTestSuite(t, &probeDriver{})

	critical := fail(40)
	critical.CriticalFailure = true

	s.Register(staticTest("first", types.PriorityCritical, pass(100), nil))
	s.Register(staticTest("second", types.PriorityHigh, critical, nil))
	// Never executes; must not drag the mean to zero
	s.Register(staticTest("third", types.PriorityLow, pass(100), nil))

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	if want := 70.0; report.OverallScore != want {
		t.Errorf("overall score = %v, want %v (mean of executed only)", report.OverallScore, want)
	}
	if report.TotalTests != 3 || report.SkippedTests != 1 {
		t.Errorf("total/skipped = %d/%d, want 3/1", report.TotalTests, report.SkippedTests)
	}
}

func TestValidateRepairVerdict(t *testing.T) {
	tests := []struct {
		name    string
		results []types.ValidationResult
		want    bool
	}{
		{"all pass high score", []types.ValidationResult{pass(90), pass(100)}, true},
		{"all pass at threshold", []types.ValidationResult{pass(80), pass(80)}, true},
		{"all pass low score", []types.ValidationResult{pass(70), pass(70)}, false},
		{"one failure despite score", []types.ValidationResult{pass(100), fail(100)}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSuite(t, &probeDriver{})
			for i, r := range tc.results {
				s.Register(staticTest(string(rune('a'+i)), types.PriorityMedium, r, nil))
			}
			report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")
			if report.Passed != tc.want {
				t.Errorf("passed = %v, want %v (score %.1f, failed %d)",
					report.Passed, tc.want, report.OverallScore, report.FailedTests)
			}
		})
	}
}

func TestValidateRepairTestTimeout(t *testing.T) {
	s := newTestSuite(t, &probeDriver{})

	s.Register(&Test{
		Name:     "hang",
		Category: types.CategoryFunctional,
		Priority: types.PriorityHigh,
		Timeout:  50 * time.Millisecond,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			<-ctx.Done()
			// Linger past cancellation so the race is decided by the timeout
			time.Sleep(50 * time.Millisecond)
			return pass(100)
		},
	})

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	if len(report.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(report.Results))
	}
	r := report.Results[0]
	if r.Passed {
		t.Error("timed-out test reported as passed")
	}
	if !r.RetryRecommended {
		t.Error("timeout result should recommend retry")
	}
	if !strings.Contains(r.Message, "timed out") {
		t.Errorf("message %q does not mention timeout", r.Message)
	}
}

func TestValidateRepairDriverUnavailable(t *testing.T) {
	s, err := New(DefaultConfig(), func(string) (browser.Driver, error) {
		return nil, errors.New("connection refused")
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Register(staticTest("any", types.PriorityHigh, pass(100), nil))

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	if report.Passed {
		t.Error("report passed with no driver")
	}
	if !report.ShortCircuited || report.SkippedTests != 1 {
		t.Errorf("short-circuited=%v skipped=%d, want true/1", report.ShortCircuited, report.SkippedTests)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestSuite(t, &probeDriver{})

	if err := s.Register(nil); err == nil {
		t.Error("nil test accepted")
	}
	if err := s.Register(&Test{Name: "", Category: types.CategoryUI, Priority: types.PriorityLow}); err == nil {
		t.Error("unnamed test accepted")
	}
	if err := s.Register(staticTest("dup", types.PriorityLow, pass(100), nil)); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := s.Register(staticTest("dup", types.PriorityLow, pass(100), nil)); err == nil {
		t.Error("duplicate name accepted")
	}
	bad := staticTest("bad-category", types.PriorityLow, pass(100), nil)
	bad.Category = types.TestCategory("nonsense")
	if err := s.Register(bad); err == nil {
		t.Error("invalid category accepted")
	}
}

func TestRecommendationsPerFailedCategory(t *testing.T) {
	results := []types.ValidationResult{
		{Category: types.CategoryAccessibility, Passed: false},
		{Category: types.CategoryPerformance, Passed: false},
		{Category: types.CategoryFunctional, Passed: true},
	}
	recs := recommendations(results)
	if len(recs) != 2 {
		t.Fatalf("recommendations = %d, want 2: %v", len(recs), recs)
	}
	joined := strings.Join(recs, " | ")
	if !strings.Contains(joined, "alt text") {
		t.Errorf("missing accessibility recommendation in %q", joined)
	}
	if !strings.Contains(joined, "load time") {
		t.Errorf("missing performance recommendation in %q", joined)
	}
}

func TestBuiltinPageLoadCritical(t *testing.T) {
	s := newTestSuite(t, &probeDriver{
		evaluate: func(expr string) (json.RawMessage, error) {
			return nil, errors.New("target crashed")
		},
	})
	if err := RegisterBuiltins(s); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	if !report.ShortCircuited {
		t.Fatal("unreachable target did not short-circuit validation")
	}
	if report.Results[0].TestName != "page-load" {
		t.Errorf("first executed test = %q, want page-load", report.Results[0].TestName)
	}
	if !report.Results[0].CriticalFailure {
		t.Error("page-load failure not marked critical")
	}
}

func TestBuiltinsAllPassOnHealthyPage(t *testing.T) {
	drv := &probeDriver{
		evaluate: func(expr string) (json.RawMessage, error) {
			switch {
			case strings.Contains(expr, "readyState"):
				return json.RawMessage(`"complete"`), nil
			case strings.Contains(expr, "children.length"):
				return json.RawMessage(`12`), nil
			case strings.Contains(expr, "naturalWidth"):
				return json.RawMessage(`0`), nil
			case strings.Contains(expr, "loadEventEnd"):
				return json.RawMessage(`1500`), nil
			case strings.Contains(expr, "imagesWithAlt"):
				return json.RawMessage(`{"images":4,"imagesWithAlt":4,"inputs":2,"inputsLabeled":2}`), nil
			default:
				return json.RawMessage(`true`), nil
			}
		},
	}
	s := newTestSuite(t, drv)
	if err := RegisterBuiltins(s); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	report := s.ValidateRepair(context.Background(), types.RepairSession{}, types.BrowserError{}, "https://example.com")

	if !report.Passed {
		t.Fatalf("healthy page failed validation: %s\n%s", report.Summary, Describe(report))
	}
	if report.FailedTests != 0 || report.SkippedTests != 0 {
		t.Errorf("failed/skipped = %d/%d, want 0/0", report.FailedTests, report.SkippedTests)
	}
}

func TestReferencedIdentifier(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"myWidget is not defined", "myWidget"},
		{"ReferenceError: $ is not defined", "$"},
		{"something else entirely", ""},
	}
	for _, tc := range tests {
		if got := referencedIdentifier(tc.message); got != tc.want {
			t.Errorf("referencedIdentifier(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}

func TestScoreLoadTime(t *testing.T) {
	tests := []struct {
		load time.Duration
		want float64
	}{
		{1 * time.Second, 100},
		{3 * time.Second, 80},
		{7 * time.Second, 60},
		{20 * time.Second, 30},
	}
	for _, tc := range tests {
		if got := scoreLoadTime(tc.load); got != tc.want {
			t.Errorf("scoreLoadTime(%s) = %v, want %v", tc.load, got, tc.want)
		}
	}
}
