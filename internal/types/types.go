package types

import (
	"fmt"
	"time"
)

// BrowserError represents one detected runtime anomaly on a monitored target.
// Errors are created by the detector and, once drained, mutated only by the
// loop orchestrator (Fixed flag, FixAttempts counter, recorded from the
// repair session snapshot). The repair engine works on its own copy.
type BrowserError struct {
	ID          string    `json:"id"`
	Kind        ErrorKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Source      string    `json:"source,omitempty"`
	Line        int       `json:"line,omitempty"`
	Column      int       `json:"column,omitempty"`
	Stack       string    `json:"stack,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	TargetURL   string    `json:"target_url"`
	Fixed       bool      `json:"fixed"`
	FixAttempts int       `json:"fix_attempts"`
	AutoFixable bool      `json:"auto_fixable"`
	// Category tags the error for strategy matching (e.g. "reference",
	// "network", "resource", "security")
	Category string `json:"category,omitempty"`
}

// Validate checks if the error has valid field values
func (e *BrowserError) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Message == "" {
		return fmt.Errorf("message is required")
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("invalid error kind: %s", e.Kind)
	}
	if !e.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", e.Severity)
	}
	if e.FixAttempts < 0 {
		return fmt.Errorf("fix_attempts cannot be negative")
	}
	return nil
}

// ErrorKind categorizes the runtime signal that produced an error
type ErrorKind string

const (
	KindConsole    ErrorKind = "console"
	KindJavaScript ErrorKind = "javascript"
	KindNetwork    ErrorKind = "network"
	KindSecurity   ErrorKind = "security"
)

// IsValid checks if the error kind value is valid
func (k ErrorKind) IsValid() bool {
	switch k {
	case KindConsole, KindJavaScript, KindNetwork, KindSecurity:
		return true
	}
	return false
}

// Severity represents how serious a detected error is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank returns the numeric rank of a severity for threshold comparisons.
// Higher is more severe. Unknown severities rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ActionKind identifies the mechanism a repair action uses against the page
type ActionKind string

const (
	ActionScriptInjection ActionKind = "script_injection"
	ActionStyleInjection  ActionKind = "style_injection"
	ActionMarkupPatch     ActionKind = "markup_patch"
)

// IsValid checks if the action kind value is valid
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionScriptInjection, ActionStyleInjection, ActionMarkupPatch:
		return true
	}
	return false
}

// RepairAction is one concrete corrective operation produced by a strategy.
// Actions are immutable once applied; a retry produces a new action.
type RepairAction struct {
	ID          string     `json:"id"`
	Kind        ActionKind `json:"kind"`
	Description string     `json:"description"`
	// Payload is the code or markup the action applies
	Payload   string    `json:"payload"`
	Applied   bool      `json:"applied"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskLevel gates whether a strategy is eligible for unattended execution
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsValid checks if the risk level value is valid
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// SessionStatus represents the state of a repair session
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsValid checks if the session status value is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionPending, SessionRunning, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a session in this status accepts further attempts
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// RepairResult records the outcome of one repair attempt
type RepairResult struct {
	Attempt int `json:"attempt"`
	// Actions generated and applied during this attempt, in application order
	Actions          []RepairAction `json:"actions"`
	Success          bool           `json:"success"`
	Message          string         `json:"message,omitempty"`
	RetryRecommended bool           `json:"retry_recommended"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// RepairSession ties one BrowserError to one chosen strategy and tracks its
// attempts through to a terminal outcome.
// State machine: pending → running → {completed | failed}, with
// failed → pending re-queue permitted while attempts remain.
type RepairSession struct {
	ID           string         `json:"id"`
	ErrorID      string         `json:"error_id"`
	StrategyName string         `json:"strategy_name"`
	Status       SessionStatus  `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	Results      []RepairResult `json:"results,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Succeeded reports whether the session reached the completed state
func (s *RepairSession) Succeeded() bool {
	return s.Status == SessionCompleted
}

// TestCategory groups validation tests by the concern they exercise
type TestCategory string

const (
	CategoryFunctional    TestCategory = "functional"
	CategoryPerformance   TestCategory = "performance"
	CategoryAccessibility TestCategory = "accessibility"
	CategorySecurity      TestCategory = "security"
	CategoryUI            TestCategory = "ui"
	CategoryIntegration   TestCategory = "integration"
)

// IsValid checks if the test category value is valid
func (c TestCategory) IsValid() bool {
	switch c {
	case CategoryFunctional, CategoryPerformance, CategoryAccessibility,
		CategorySecurity, CategoryUI, CategoryIntegration:
		return true
	}
	return false
}

// TestPriority orders validation test execution
type TestPriority string

const (
	PriorityCritical TestPriority = "critical"
	PriorityHigh     TestPriority = "high"
	PriorityMedium   TestPriority = "medium"
	PriorityLow      TestPriority = "low"
)

// IsValid checks if the test priority value is valid
func (p TestPriority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the numeric rank of a priority for sort ordering.
// Higher runs first.
func (p TestPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ValidationResult is the immutable outcome of one validation test
type ValidationResult struct {
	TestName string       `json:"test_name"`
	Category TestCategory `json:"category"`
	Priority TestPriority `json:"priority"`
	Passed   bool         `json:"passed"`
	// Score is in [0,100]; Passed is a test-defined threshold on it
	Score            float64       `json:"score"`
	Message          string        `json:"message,omitempty"`
	Details          []string      `json:"details,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
	ExecutionTime    time.Duration `json:"execution_time"`
	RetryRecommended bool          `json:"retry_recommended"`
	// CriticalFailure means all subsequent validation is meaningless
	// (e.g. the target fails to load at all)
	CriticalFailure bool `json:"critical_failure"`
}

// ValidationReport aggregates all tests run for one repair session
type ValidationReport struct {
	ID              string             `json:"id"`
	RepairSessionID string             `json:"repair_session_id,omitempty"`
	TargetURL       string             `json:"target_url"`
	TotalTests      int                `json:"total_tests"`
	PassedTests     int                `json:"passed_tests"`
	FailedTests     int                `json:"failed_tests"`
	SkippedTests    int                `json:"skipped_tests"`
	OverallScore    float64            `json:"overall_score"`
	Passed          bool               `json:"passed"`
	ShortCircuited  bool               `json:"short_circuited"`
	// ShortCircuitReason records why remaining tests were skipped
	ShortCircuitReason string             `json:"short_circuit_reason,omitempty"`
	Results            []ValidationResult `json:"results"`
	Summary            string             `json:"summary,omitempty"`
	Recommendations    []string           `json:"recommendations,omitempty"`
	StartedAt          time.Time          `json:"started_at"`
	CompletedAt        time.Time          `json:"completed_at"`
}

// IterationStatus is the per-iteration status. "completed" is instantaneous;
// sessions use LoopStatus for their terminal states.
type IterationStatus string

const (
	IterationRunning   IterationStatus = "running"
	IterationCompleted IterationStatus = "completed"
	IterationFailed    IterationStatus = "failed"
	IterationStopped   IterationStatus = "stopped"
)

// IsValid checks if the iteration status value is valid
func (s IterationStatus) IsValid() bool {
	switch s {
	case IterationRunning, IterationCompleted, IterationFailed, IterationStopped:
		return true
	}
	return false
}

// LoopIteration records one detect→repair→validate pass of the control loop
type LoopIteration struct {
	Number            int                `json:"number"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       time.Time          `json:"completed_at"`
	Errors            []BrowserError     `json:"errors,omitempty"`
	RepairSessions    []RepairSession    `json:"repair_sessions,omitempty"`
	ValidationReports []ValidationReport `json:"validation_reports,omitempty"`
	SuccessfulRepairs int                `json:"successful_repairs"`
	FailedRepairs     int                `json:"failed_repairs"`
	// HealthScore is a derived 0-100 advisory metric for this iteration
	HealthScore float64         `json:"health_score"`
	Status      IterationStatus `json:"status"`
}

// LoopStatus is the terminal (or running) status of a loop session
type LoopStatus string

const (
	LoopRunning       LoopStatus = "running"
	LoopSuccess       LoopStatus = "success"
	LoopStopped       LoopStatus = "stopped"
	LoopEmergencyStop LoopStatus = "emergency_stop"
)

// IsValid checks if the loop status value is valid
func (s LoopStatus) IsValid() bool {
	switch s {
	case LoopRunning, LoopSuccess, LoopStopped, LoopEmergencyStop:
		return true
	}
	return false
}

// IsTerminal reports whether the session has closed
func (s LoopStatus) IsTerminal() bool {
	return s != LoopRunning
}

// LoopSession is the top-level run of the control loop. It is the only entity
// that persists across iterations; it is owned and mutated exclusively by the
// orchestrator goroutine.
type LoopSession struct {
	ID        string    `json:"id"`
	TargetURL string    `json:"target_url"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	// ConfigSnapshot captures the loop configuration at session start
	ConfigSnapshot map[string]interface{} `json:"config_snapshot,omitempty"`
	Iterations     []LoopIteration        `json:"iterations"`

	// Running totals across all iterations
	TotalErrors       int `json:"total_errors"`
	TotalRepairs      int `json:"total_repairs"`
	SuccessfulRepairs int `json:"successful_repairs"`

	ConsecutiveSuccesses int `json:"consecutive_successes"`
	ConsecutiveFailures  int `json:"consecutive_failures"`

	Status LoopStatus `json:"status"`
	// EmergencyStopReason names the predicate that fired, if any
	EmergencyStopReason string `json:"emergency_stop_reason,omitempty"`
}

// RepairSuccessRate returns the fraction of repairs that succeeded, in [0,1].
// Returns 0 when no repairs were attempted.
func (s *LoopSession) RepairSuccessRate() float64 {
	if s.TotalRepairs == 0 {
		return 0
	}
	return float64(s.SuccessfulRepairs) / float64(s.TotalRepairs)
}

// AverageHealthScore returns the mean health score across all iterations.
// Returns 0 when no iterations have run.
func (s *LoopSession) AverageHealthScore() float64 {
	if len(s.Iterations) == 0 {
		return 0
	}
	var sum float64
	for _, it := range s.Iterations {
		sum += it.HealthScore
	}
	return sum / float64(len(s.Iterations))
}

// Duration returns the session's wall-clock duration. For a session that is
// still open it measures up to now.
func (s *LoopSession) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}
