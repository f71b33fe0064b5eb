package detector

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/types"
)

// classify runs the filter pipeline on one raw signal. Returns the normalized
// error and true if the signal survives, or false if it was dropped.
//
// Pipeline order matters: severity is computed first so the minimum-severity
// filter sees the final rank, then exclude patterns, then the include-only
// list.
func classify(ev browser.PageEvent, cfg *Config) (types.BrowserError, bool) {
	kind, severity := kindAndSeverity(ev)

	if severity.Rank() < cfg.MinSeverity.Rank() {
		return types.BrowserError{}, false
	}

	if matchesAny(ev.Message, ev.Source, cfg.ExcludePatterns) {
		return types.BrowserError{}, false
	}

	if len(cfg.IncludePatterns) > 0 && !matchesAny(ev.Message, ev.Source, cfg.IncludePatterns) {
		return types.BrowserError{}, false
	}

	category := categorize(kind, ev.Message)

	berr := types.BrowserError{
		ID:          uuid.New().String(),
		Kind:        kind,
		Severity:    severity,
		Message:     ev.Message,
		Source:      ev.Source,
		Line:        ev.Line,
		Column:      ev.Column,
		Stack:       ev.Stack,
		Timestamp:   ev.Timestamp,
		TargetURL:   ev.TargetURL,
		Category:    category,
		AutoFixable: autoFixable(category),
	}
	if berr.Timestamp.IsZero() {
		berr.Timestamp = time.Now()
	}
	return berr, true
}

// kindAndSeverity maps a raw signal to its error kind and computed severity:
// failed request / 5xx → critical, 4xx → medium, uncaught exception → high,
// console error → high, console warning → medium.
func kindAndSeverity(ev browser.PageEvent) (types.ErrorKind, types.Severity) {
	switch ev.Kind {
	case browser.EventRequestFailed:
		return types.KindNetwork, types.SeverityCritical
	case browser.EventResponse:
		if ev.StatusCode >= 500 {
			return types.KindNetwork, types.SeverityCritical
		}
		return types.KindNetwork, types.SeverityMedium
	case browser.EventException:
		if isSecurityMessage(ev.Message) {
			return types.KindSecurity, types.SeverityHigh
		}
		return types.KindJavaScript, types.SeverityHigh
	case browser.EventConsole:
		if isSecurityMessage(ev.Message) {
			return types.KindSecurity, types.SeverityHigh
		}
		if ev.Level == "error" {
			return types.KindConsole, types.SeverityHigh
		}
		return types.KindConsole, types.SeverityMedium
	}
	return types.KindConsole, types.SeverityLow
}

// categorize tags an error for strategy matching
func categorize(kind types.ErrorKind, message string) string {
	lower := strings.ToLower(message)

	switch {
	case isSecurityMessage(message):
		return "security"
	case kind == types.KindNetwork && strings.Contains(lower, "404"):
		return "resource"
	case kind == types.KindNetwork:
		return "network"
	case strings.Contains(lower, "referenceerror"), strings.Contains(lower, "is not defined"):
		return "reference"
	case strings.Contains(lower, "typeerror"), strings.Contains(lower, "is not a function"),
		strings.Contains(lower, "cannot read properties"):
		return "type"
	case strings.Contains(lower, "syntaxerror"):
		return "syntax"
	default:
		return "general"
	}
}

// autoFixable reports whether errors in a category are eligible for
// unattended repair. Security findings always require a human.
func autoFixable(category string) bool {
	switch category {
	case "reference", "type", "resource", "network":
		return true
	}
	return false
}

func isSecurityMessage(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "content security policy") ||
		strings.Contains(lower, "csp") ||
		strings.Contains(lower, "cors") ||
		strings.Contains(lower, "blocked by") ||
		strings.Contains(lower, "mixed content")
}

// matchesAny reports whether the message or source contains any of the
// patterns (exact substring match, case-insensitive)
func matchesAny(message, source string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	lowerMsg := strings.ToLower(message)
	lowerSrc := strings.ToLower(source)
	for _, p := range patterns {
		lp := strings.ToLower(p)
		if lp == "" {
			continue
		}
		if strings.Contains(lowerMsg, lp) || strings.Contains(lowerSrc, lp) {
			return true
		}
	}
	return false
}
