// Package loop drives the detect-repair-validate control cycle. One
// Orchestrator owns one LoopSession: strictly sequential iterations, each
// sampling the detector, dispatching repairs, validating outcomes, scoring
// health, and evaluating the termination policy. The session aggregate is
// mutated only by the orchestrator goroutine.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mendlabs/pagemend/internal/events"
	"github.com/mendlabs/pagemend/internal/log"
	"github.com/mendlabs/pagemend/internal/types"
)

// ErrorSource yields the errors detected since the previous drain. The
// detector runs on its own cadence; the orchestrator samples it rather
// than driving it.
type ErrorSource interface {
	Drain() []types.BrowserError
}

// Repairer dispatches repair sessions for detected errors
type Repairer interface {
	RepairError(ctx context.Context, err *types.BrowserError) (types.RepairSession, error)
	WaitForSession(ctx context.Context, id string, timeout, interval time.Duration, cancel <-chan struct{}) (types.RepairSession, error)
}

// Validator checks a repair outcome against the target
type Validator interface {
	ValidateRepair(ctx context.Context, session types.RepairSession, originalError types.BrowserError, targetURL string) types.ValidationReport
}

// Config holds loop orchestration and termination policy configuration
type Config struct {
	// MaxIterations caps loop iterations
	// Default: 50
	MaxIterations int
	// IterationDelay is the sleep between iterations
	// Default: 30 seconds
	IterationDelay time.Duration
	// ObservationWindow is how long an iteration watches before draining
	// the detector
	// Default: 10 seconds
	ObservationWindow time.Duration
	// RepairWait bounds the per-error wait for repair completion; the
	// wait is abandoned on timeout, not the repair
	// Default: 30 seconds
	RepairWait time.Duration
	// RepairPollInterval is the poll cadence during RepairWait
	// Default: 500 milliseconds
	RepairPollInterval time.Duration
	// SuccessThreshold is the clean-iteration streak that ends the
	// session successfully
	// Default: 3
	SuccessThreshold int
	// ErrorThreshold allows early success when the current iteration has
	// at most this many errors and health score >= 90
	// Default: 0
	ErrorThreshold int
	// MaxConsecutiveFailures bounds failed iterations in a row
	// Default: 3
	MaxConsecutiveFailures int
	// MaxTotalRuntime is the wall-clock bound for the session
	// Default: 30 minutes
	MaxTotalRuntime time.Duration
	// MaxErrorsPerIteration is the emergency per-iteration error cap
	// Default: 20
	MaxErrorsPerIteration int
	// MaxSameErrorRepeats is the emergency cap on one message's
	// cumulative occurrences
	// Default: 5
	MaxSameErrorRepeats int
	// MaxRepairAttempts is the emergency cap on cumulative repair
	// attempts
	// Default: 50
	MaxRepairAttempts int
}

// DefaultConfig returns default loop configuration
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:          50,
		IterationDelay:         30 * time.Second,
		ObservationWindow:      10 * time.Second,
		RepairWait:             30 * time.Second,
		RepairPollInterval:     500 * time.Millisecond,
		SuccessThreshold:       3,
		ErrorThreshold:         0,
		MaxConsecutiveFailures: 3,
		MaxTotalRuntime:        30 * time.Minute,
		MaxErrorsPerIteration:  20,
		MaxSameErrorRepeats:    5,
		MaxRepairAttempts:      50,
	}
}

// Orchestrator runs one loop session to a terminal state
type Orchestrator struct {
	cfg       Config
	source    ErrorSource
	repairer  Repairer
	validator Validator
	publisher *events.Publisher
	logger    *log.Logger

	mu      sync.RWMutex
	session *types.LoopSession

	stopOnce      sync.Once
	stopCh        chan struct{}
	emergencyOnce sync.Once
	emergencyCh   chan struct{}
	// external emergency reason, set before emergencyCh closes
	externalReason string

	// cumulative across the session, read by the emergency predicates
	errorCounts         map[string]int
	totalRepairAttempts int
}

// New creates an orchestrator. The publisher and logger may be nil.
func New(cfg *Config, source ErrorSource, repairer Repairer, validator Validator, publisher *events.Publisher, logger *log.Logger) (*Orchestrator, error) {
	if source == nil {
		return nil, fmt.Errorf("error source is required")
	}
	if repairer == nil {
		return nil, fmt.Errorf("repairer is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if cfg.IterationDelay <= 0 {
		cfg.IterationDelay = 30 * time.Second
	}
	if cfg.ObservationWindow < 0 {
		cfg.ObservationWindow = 10 * time.Second
	}
	if cfg.RepairWait <= 0 {
		cfg.RepairWait = 30 * time.Second
	}
	if cfg.RepairPollInterval <= 0 {
		cfg.RepairPollInterval = 500 * time.Millisecond
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.MaxTotalRuntime <= 0 {
		cfg.MaxTotalRuntime = 30 * time.Minute
	}
	if cfg.MaxErrorsPerIteration <= 0 {
		cfg.MaxErrorsPerIteration = 20
	}
	if cfg.MaxSameErrorRepeats <= 0 {
		cfg.MaxSameErrorRepeats = 5
	}
	if cfg.MaxRepairAttempts <= 0 {
		cfg.MaxRepairAttempts = 50
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Orchestrator{
		cfg:         *cfg,
		source:      source,
		repairer:    repairer,
		validator:   validator,
		publisher:   publisher,
		logger:      logger.WithComponent("loop"),
		stopCh:      make(chan struct{}),
		emergencyCh: make(chan struct{}),
		errorCounts: make(map[string]int),
	}, nil
}

// Stop requests a graceful stop, observed at the next iteration boundary.
// In-flight repair and validation for the current iteration finish first.
// Idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// EmergencyStop requests an immediate stop: it is observed at the next
// iteration boundary like Stop, and additionally short-circuits the
// current wait-for-repair poll. Idempotent.
func (o *Orchestrator) EmergencyStop(reason string) {
	o.emergencyOnce.Do(func() {
		o.mu.Lock()
		o.externalReason = reason
		o.mu.Unlock()
		close(o.emergencyCh)
	})
	o.Stop()
}

// Session returns a snapshot of the current session, or false before Run
// has started one.
func (o *Orchestrator) Session() (types.LoopSession, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.session == nil {
		return types.LoopSession{}, false
	}
	snapshot := *o.session
	snapshot.Iterations = append([]types.LoopIteration{}, o.session.Iterations...)
	return snapshot, true
}

// Run executes the control loop until a terminal state is reached. It
// always returns a closed session with a terminal status, even when
// individual iterations fault; the error return is reserved for being
// unable to run at all (already running, context already canceled).
func (o *Orchestrator) Run(ctx context.Context, targetURL string) (*types.LoopSession, error) {
	o.mu.Lock()
	if o.session != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator already ran a session; create a new one per run")
	}
	session := &types.LoopSession{
		ID:        uuid.New().String(),
		TargetURL: targetURL,
		StartedAt: time.Now(),
		Status:    types.LoopRunning,
		ConfigSnapshot: map[string]interface{}{
			"max_iterations":           o.cfg.MaxIterations,
			"iteration_delay":          o.cfg.IterationDelay.String(),
			"success_threshold":        o.cfg.SuccessThreshold,
			"error_threshold":          o.cfg.ErrorThreshold,
			"max_consecutive_failures": o.cfg.MaxConsecutiveFailures,
			"max_total_runtime":        o.cfg.MaxTotalRuntime.String(),
			"max_errors_per_iteration": o.cfg.MaxErrorsPerIteration,
			"max_same_error_repeats":   o.cfg.MaxSameErrorRepeats,
			"max_repair_attempts":      o.cfg.MaxRepairAttempts,
		},
	}
	o.session = session
	o.mu.Unlock()

	o.publish(events.Event{
		Type:      events.EventTypeSessionStarted,
		SessionID: session.ID,
		Severity:  events.SeverityInfo,
		Message:   fmt.Sprintf("loop session started for %s", targetURL),
	})
	o.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("target", targetURL))

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		// Emergency is checked first: EmergencyStop also raises the stop
		// flag, and must not be misread as a graceful stop
		if reason := o.pendingEmergency(session); reason != "" {
			o.emergencyClose(session, iteration, reason)
			return session, nil
		}

		// Stop requests are observed only at iteration boundaries
		if o.stopRequested() || ctx.Err() != nil {
			o.close(session, types.LoopStopped, "")
			return session, nil
		}

		it := o.runIteration(ctx, session, iteration)

		o.mu.Lock()
		session.Iterations = append(session.Iterations, it)
		session.TotalErrors += len(it.Errors)
		session.TotalRepairs += len(it.RepairSessions)
		session.SuccessfulRepairs += it.SuccessfulRepairs
		if it.Status == types.IterationCompleted {
			session.ConsecutiveSuccesses++
			session.ConsecutiveFailures = 0
		} else {
			session.ConsecutiveFailures++
			session.ConsecutiveSuccesses = 0
		}
		for i := range it.Errors {
			o.errorCounts[it.Errors[i].Message]++
		}
		for i := range it.RepairSessions {
			o.totalRepairAttempts += it.RepairSessions[i].Attempts
		}
		o.mu.Unlock()

		o.publishIterationCompleted(session.ID, it)

		if it.HealthScore < 50 {
			o.publish(events.Event{
				Type:      events.EventTypeAlert,
				SessionID: session.ID,
				Iteration: it.Number,
				Severity:  events.SeverityWarning,
				Message:   fmt.Sprintf("health score dropped to %.1f", it.HealthScore),
			})
		}

		if o.successReached(session, it) {
			o.close(session, types.LoopSuccess, "")
			return session, nil
		}
		if o.failureReached(session) {
			o.close(session, types.LoopStopped,
				fmt.Sprintf("%d consecutive failed iterations", session.ConsecutiveFailures))
			return session, nil
		}

		if iteration < o.cfg.MaxIterations {
			select {
			case <-time.After(o.cfg.IterationDelay):
			case <-o.stopCh:
			case <-ctx.Done():
			}
		}
	}

	o.close(session, types.LoopStopped, "iteration limit reached")
	return session, nil
}

// runIteration performs one detect-repair-validate pass. A panicking
// iteration is absorbed: it is marked failed and the loop keeps evaluating
// termination conditions as normal.
func (o *Orchestrator) runIteration(ctx context.Context, session *types.LoopSession, number int) (it types.LoopIteration) {
	it = types.LoopIteration{
		Number:    number,
		StartedAt: time.Now(),
		Status:    types.IterationRunning,
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("iteration panicked",
				zap.Int("iteration", number),
				zap.Any("panic", r))
			it.Status = types.IterationFailed
		}
		it.CompletedAt = time.Now()
		it.HealthScore = healthScore(len(it.Errors),
			len(it.RepairSessions), it.SuccessfulRepairs,
			it.CompletedAt.Sub(it.StartedAt))
		if it.Status == types.IterationRunning {
			it.Status = types.IterationCompleted
		}
	}()

	o.publish(events.Event{
		Type:      events.EventTypeIterationStarted,
		SessionID: session.ID,
		Iteration: number,
		Severity:  events.SeverityInfo,
		Message:   fmt.Sprintf("iteration %d started", number),
	})

	// Observe, then sample the detector's collected errors
	select {
	case <-time.After(o.cfg.ObservationWindow):
	case <-o.stopCh:
	case <-ctx.Done():
	}
	it.Errors = o.source.Drain()

	if len(it.Errors) == 0 {
		o.logger.Info("iteration clean", zap.Int("iteration", number))
		return it
	}

	o.logger.Info("errors detected",
		zap.Int("iteration", number),
		zap.Int("count", len(it.Errors)))

	for i := range it.Errors {
		berr := &it.Errors[i]
		o.publish(events.Event{
			Type:      events.EventTypeErrorDetected,
			SessionID: session.ID,
			Iteration: number,
			Severity:  severityForError(berr.Severity),
			Message:   fmt.Sprintf("detected %s error: %s", berr.Kind, berr.Message),
			Data: map[string]interface{}{
				"error_id": berr.ID,
				"kind":     string(berr.Kind),
				"severity": string(berr.Severity),
				"category": berr.Category,
				"source":   berr.Source,
			},
		})
	}

	allRepaired := true
	allValidated := true
	for i := range it.Errors {
		repaired, validated := o.repairAndValidate(ctx, session, number, &it.Errors[i], &it)
		if !repaired {
			allRepaired = false
		}
		if !validated {
			allValidated = false
		}
	}

	if allRepaired && allValidated {
		it.Status = types.IterationCompleted
	} else {
		it.Status = types.IterationFailed
	}
	return it
}

// repairAndValidate dispatches one error's repair, waits for its terminal
// status, and validates the outcome. Returns whether the repair succeeded
// and whether its validation passed.
func (o *Orchestrator) repairAndValidate(ctx context.Context, session *types.LoopSession, number int, berr *types.BrowserError, it *types.LoopIteration) (repaired, validated bool) {
	snapshot, err := o.repairer.RepairError(ctx, berr)
	if err != nil {
		// No strategy (or engine unavailable): nothing to wait on or
		// validate, the iteration fails for this error
		o.logger.Warn("repair not dispatched",
			zap.String("error_id", berr.ID),
			zap.Error(err))
		it.FailedRepairs++
		return false, false
	}

	o.publish(events.Event{
		Type:      events.EventTypeRepairStarted,
		SessionID: session.ID,
		Iteration: number,
		Severity:  events.SeverityInfo,
		Message:   fmt.Sprintf("repair %s queued for error %s", snapshot.ID, berr.ID),
	})

	// Emergency stop short-circuits this wait; a timeout abandons the
	// wait, not the repair
	repairSession, waitErr := o.repairer.WaitForSession(ctx, snapshot.ID,
		o.cfg.RepairWait, o.cfg.RepairPollInterval, o.emergencyCh)
	if waitErr != nil {
		o.logger.Warn("repair wait abandoned",
			zap.String("repair_session", snapshot.ID),
			zap.Error(waitErr))
	}
	it.RepairSessions = append(it.RepairSessions, repairSession)

	// The engine works on its own copy of the error; the repair outcome is
	// recorded here, on the loop-owned error, from the session snapshot
	repaired = repairSession.Succeeded()
	berr.Fixed = repaired
	berr.FixAttempts = repairSession.Attempts
	if repaired {
		it.SuccessfulRepairs++
	} else {
		it.FailedRepairs++
	}

	o.publish(events.Event{
		Type:      events.EventTypeRepairCompleted,
		SessionID: session.ID,
		Iteration: number,
		Severity:  severityForRepair(repaired),
		Message:   fmt.Sprintf("repair %s reached status %s", repairSession.ID, repairSession.Status),
		Data: events.RepairCompletedData{
			SessionID:    repairSession.ID,
			ErrorID:      repairSession.ErrorID,
			StrategyName: repairSession.StrategyName,
			Status:       repairSession.Status,
			Attempts:     repairSession.Attempts,
		}.Fields(),
	})

	report := o.validator.ValidateRepair(ctx, repairSession, *berr, session.TargetURL)
	it.ValidationReports = append(it.ValidationReports, report)

	o.publish(events.Event{
		Type:      events.EventTypeValidationCompleted,
		SessionID: session.ID,
		Iteration: number,
		Severity:  severityForRepair(report.Passed),
		Message:   report.Summary,
	})

	return repaired, report.Passed
}

// stopRequested reports whether a graceful stop is pending
func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// pendingEmergency returns the active emergency reason, external requests
// taking precedence over predicate evaluation.
func (o *Orchestrator) pendingEmergency(session *types.LoopSession) string {
	select {
	case <-o.emergencyCh:
		o.mu.RLock()
		defer o.mu.RUnlock()
		if o.externalReason != "" {
			return o.externalReason
		}
		return "external emergency stop"
	default:
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.emergencyReason(session)
}

// mostRepeatedError returns the most frequent error message seen across
// the session and its count. Callers hold o.mu.
func (o *Orchestrator) mostRepeatedError() (string, int) {
	var topMsg string
	var topCount int
	for msg, count := range o.errorCounts {
		if count > topCount {
			topMsg, topCount = msg, count
		}
	}
	return topMsg, topCount
}

// close finalizes the session in a terminal state
func (o *Orchestrator) close(session *types.LoopSession, status types.LoopStatus, note string) {
	o.mu.Lock()
	session.Status = status
	session.EndedAt = time.Now()
	o.mu.Unlock()

	msg := fmt.Sprintf("session closed with status %s", status)
	if note != "" {
		msg += ": " + note
	}
	o.publish(events.Event{
		Type:      events.EventTypeSessionClosed,
		SessionID: session.ID,
		Iteration: len(session.Iterations),
		Severity:  events.SeverityInfo,
		Message:   msg,
	})
	o.logger.Info("session closed",
		zap.String("session_id", session.ID),
		zap.String("status", string(status)),
		zap.Int("iterations", len(session.Iterations)),
		zap.Float64("repair_success_rate", session.RepairSuccessRate()))
}

// emergencyClose finalizes the session on an emergency predicate
func (o *Orchestrator) emergencyClose(session *types.LoopSession, iteration int, reason string) {
	o.mu.Lock()
	session.Status = types.LoopEmergencyStop
	session.EmergencyStopReason = reason
	session.EndedAt = time.Now()
	o.mu.Unlock()

	o.publish(events.Event{
		Type:      events.EventTypeEmergencyStop,
		SessionID: session.ID,
		Iteration: iteration,
		Severity:  events.SeverityCritical,
		Message:   fmt.Sprintf("emergency stop: %s", reason),
		Data:      events.EmergencyStopData{Reason: reason, Iteration: iteration}.Fields(),
	})
	o.logger.Error("emergency stop",
		zap.String("session_id", session.ID),
		zap.String("reason", reason))
}

// publish sends an event if a publisher is attached
func (o *Orchestrator) publish(ev events.Event) {
	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
}

func (o *Orchestrator) publishIterationCompleted(sessionID string, it types.LoopIteration) {
	o.publish(events.Event{
		Type:      events.EventTypeIterationCompleted,
		SessionID: sessionID,
		Iteration: it.Number,
		Severity:  severityForIteration(it.Status),
		Message: fmt.Sprintf("iteration %d finished %s: %d errors, %d/%d repairs succeeded, health %.1f",
			it.Number, it.Status, len(it.Errors), it.SuccessfulRepairs,
			it.SuccessfulRepairs+it.FailedRepairs, it.HealthScore),
		Data: events.IterationCompletedData{
			Number:            it.Number,
			Status:            it.Status,
			ErrorCount:        len(it.Errors),
			SuccessfulRepairs: it.SuccessfulRepairs,
			FailedRepairs:     it.FailedRepairs,
			HealthScore:       it.HealthScore,
			DurationMs:        it.CompletedAt.Sub(it.StartedAt).Milliseconds(),
		}.Fields(),
	})
}

func severityForError(s types.Severity) events.EventSeverity {
	switch s {
	case types.SeverityCritical:
		return events.SeverityCritical
	case types.SeverityHigh:
		return events.SeverityError
	default:
		return events.SeverityWarning
	}
}

func severityForRepair(ok bool) events.EventSeverity {
	if ok {
		return events.SeverityInfo
	}
	return events.SeverityWarning
}

func severityForIteration(status types.IterationStatus) events.EventSeverity {
	if status == types.IterationCompleted {
		return events.SeverityInfo
	}
	return events.SeverityWarning
}
