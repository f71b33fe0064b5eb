// Package browser provides the automation capability the control loop runs
// against: navigating a target page, evaluating page-side code, injecting
// script/style fragments, and subscribing to the runtime signals (console
// messages, uncaught exceptions, failed responses and requests) that the
// detector classifies into errors.
package browser

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind identifies the raw runtime signal an event was normalized from
type EventKind string

const (
	EventConsole       EventKind = "console"
	EventException     EventKind = "exception"
	EventResponse      EventKind = "response"
	EventRequestFailed EventKind = "request_failed"
)

// PageEvent is a normalized runtime signal from a monitored page.
// The detector consumes these and decides which become errors.
type PageEvent struct {
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Line      int       `json:"line,omitempty"`
	Column    int       `json:"column,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	// Level is the console level for console events ("log", "warning", "error")
	Level string `json:"level,omitempty"`
	// StatusCode is set for response events (only >= 400 are emitted)
	StatusCode int       `json:"status_code,omitempty"`
	TargetURL  string    `json:"target_url"`
	Timestamp  time.Time `json:"timestamp"`
}

// Driver is the page automation capability consumed by the core components.
// Implementations must be safe for concurrent use: the repair engine applies
// actions from multiple workers while the detector's subscription is live.
type Driver interface {
	// Navigate loads the target URL and waits for the page to be ready
	Navigate(ctx context.Context, url string) error

	// Evaluate runs a snippet of page-side code and returns its JSON result
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)

	// InjectScript evaluates a script fragment in the page
	InjectScript(ctx context.Context, code string) error

	// InjectStyle appends a style element containing the given CSS
	InjectStyle(ctx context.Context, css string) error

	// PatchMarkup replaces the markup of the first element matching the
	// selector. Returns an error if no element matches.
	PatchMarkup(ctx context.Context, selector, html string) error

	// Subscribe registers a handler for normalized page events. The returned
	// function detaches the handler. Handlers are invoked from the driver's
	// event goroutine and must not block.
	Subscribe(handler func(PageEvent)) (unsubscribe func())

	// TargetURL returns the URL this driver is bound to
	TargetURL() string

	// Close tears down the page and releases browser resources
	Close() error
}
