// Package events defines the typed event stream published by the loop
// orchestrator. Subscribers (notification sinks, the control surface, tests)
// receive events over buffered channels; a slow or panicking subscriber never
// affects orchestration.
package events

import (
	"time"

	"github.com/mendlabs/pagemend/internal/types"
)

// EventType represents the type of event that occurred during a loop session.
type EventType string

const (
	// EventTypeSessionStarted indicates a loop session opened
	EventTypeSessionStarted EventType = "session_started"
	// EventTypeSessionClosed indicates a loop session reached a terminal state
	EventTypeSessionClosed EventType = "session_closed"
	// EventTypeIterationStarted indicates an iteration began
	EventTypeIterationStarted EventType = "iteration_started"
	// EventTypeIterationCompleted indicates an iteration finished (any status)
	EventTypeIterationCompleted EventType = "iteration_completed"
	// EventTypeErrorDetected indicates the detector emitted a new error
	EventTypeErrorDetected EventType = "error_detected"
	// EventTypeRepairStarted indicates a repair session was queued
	EventTypeRepairStarted EventType = "repair_started"
	// EventTypeRepairCompleted indicates a repair session reached a terminal state
	EventTypeRepairCompleted EventType = "repair_completed"
	// EventTypeValidationCompleted indicates a validation report was produced
	EventTypeValidationCompleted EventType = "validation_completed"
	// EventTypeEmergencyStop indicates an emergency-stop predicate fired
	EventTypeEmergencyStop EventType = "emergency_stop"
	// EventTypeAlert indicates an operator-facing alert (low health, repeated
	// failures) that notification sinks should deliver
	EventTypeAlert EventType = "alert"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
	// SeverityCritical indicates critical events requiring immediate attention
	SeverityCritical EventSeverity = "critical"
)

// Event is one occurrence in a loop session's lifetime. Events are published
// by the orchestrator and stored for analysis and review.
type Event struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the loop session this event belongs to
	SessionID string `json:"session_id"`
	// Iteration is the iteration ordinal when the event occurred (0 before
	// the first iteration)
	Iteration int `json:"iteration,omitempty"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data,omitempty"`
}

// IterationCompletedData contains structured data for iteration completion events.
type IterationCompletedData struct {
	// Number is the iteration ordinal
	Number int `json:"number"`
	// Status is the iteration's final status
	Status types.IterationStatus `json:"status"`
	// ErrorCount is how many errors the iteration detected
	ErrorCount int `json:"error_count"`
	// SuccessfulRepairs is how many repairs succeeded this iteration
	SuccessfulRepairs int `json:"successful_repairs"`
	// FailedRepairs is how many repairs failed this iteration
	FailedRepairs int `json:"failed_repairs"`
	// HealthScore is the iteration's derived health score
	HealthScore float64 `json:"health_score"`
	// DurationMs is the iteration duration in milliseconds
	DurationMs int64 `json:"duration_ms"`
}

// Fields renders the payload as an Event Data map
func (d IterationCompletedData) Fields() map[string]interface{} {
	return map[string]interface{}{
		"number":             d.Number,
		"status":             string(d.Status),
		"error_count":        d.ErrorCount,
		"successful_repairs": d.SuccessfulRepairs,
		"failed_repairs":     d.FailedRepairs,
		"health_score":       d.HealthScore,
		"duration_ms":        d.DurationMs,
	}
}

// RepairCompletedData contains structured data for repair completion events.
type RepairCompletedData struct {
	// SessionID is the repair session id
	SessionID string `json:"session_id"`
	// ErrorID is the error the session repaired
	ErrorID string `json:"error_id"`
	// StrategyName is the strategy the engine selected
	StrategyName string `json:"strategy_name"`
	// Status is the session's terminal status
	Status types.SessionStatus `json:"status"`
	// Attempts is how many attempts the session used
	Attempts int `json:"attempts"`
}

// Fields renders the payload as an Event Data map
func (d RepairCompletedData) Fields() map[string]interface{} {
	return map[string]interface{}{
		"session_id": d.SessionID,
		"error_id":   d.ErrorID,
		"strategy":   d.StrategyName,
		"status":     string(d.Status),
		"attempts":   d.Attempts,
	}
}

// EmergencyStopData contains structured data for emergency stop events.
type EmergencyStopData struct {
	// Reason names the predicate that fired
	Reason string `json:"reason"`
	// Iteration is the iteration ordinal at which the stop fired
	Iteration int `json:"iteration"`
}

// Fields renders the payload as an Event Data map
func (d EmergencyStopData) Fields() map[string]interface{} {
	return map[string]interface{}{
		"reason":    d.Reason,
		"iteration": d.Iteration,
	}
}
