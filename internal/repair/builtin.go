package repair

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/mendlabs/pagemend/internal/types"
)

// BuiltinStrategies returns the fixed pattern→fix table the engine ships
// with. Operators can add or remove strategies on the registry afterwards.
func BuiltinStrategies() []*Strategy {
	return []*Strategy{
		undefinedReferenceStrategy(),
		nullAccessGuardStrategy(),
		missingResourceStrategy(),
		failedRequestRetryStrategy(),
		layoutOverflowStrategy(),
	}
}

// undefinedReferenceStrategy stubs out references to undefined globals so
// the rest of the page can keep running.
func undefinedReferenceStrategy() *Strategy {
	pattern := regexp.MustCompile(`(?i)(ReferenceError|is not defined)`)
	return &Strategy{
		Name:         "undefined-reference-stub",
		Description:  "Defines a no-op stub for an undefined global reference",
		Priority:     80,
		Risk:         types.RiskLow,
		ErrorPattern: pattern,
		Categories:   []string{"reference"},
		Generate: func(err types.BrowserError) []types.RepairAction {
			name := extractIdentifier(err.Message)
			if name == "" {
				return nil
			}
			code := fmt.Sprintf(
				`if (typeof window[%q] === 'undefined') { window[%q] = function() {}; }`,
				name, name)
			return []types.RepairAction{newAction(
				types.ActionScriptInjection,
				fmt.Sprintf("stub undefined global %q", name),
				code,
			)}
		},
	}
}

// nullAccessGuardStrategy installs a global error trap that logs and
// swallows repeated null-access failures from event handlers.
func nullAccessGuardStrategy() *Strategy {
	pattern := regexp.MustCompile(`(?i)(TypeError|cannot read propert|is not a function)`)
	return &Strategy{
		Name:         "null-access-guard",
		Description:  "Installs a window error trap for repeated null-access failures",
		Priority:     70,
		Risk:         types.RiskMedium,
		ErrorPattern: pattern,
		Categories:   []string{"type"},
		Generate: func(err types.BrowserError) []types.RepairAction {
			code := `if (!window.__pagemendErrorTrap) {
	window.__pagemendErrorTrap = true;
	window.addEventListener('error', function(e) {
		if (e.error instanceof TypeError) { e.preventDefault(); }
	});
}`
			return []types.RepairAction{newAction(
				types.ActionScriptInjection,
				"trap TypeError events at window scope",
				code,
			)}
		},
	}
}

// missingResourceStrategy hides broken images and removes dead resource
// references so 404s stop recurring on re-render.
func missingResourceStrategy() *Strategy {
	pattern := regexp.MustCompile(`(?i)(404|not found)`)
	return &Strategy{
		Name:         "missing-resource-cleanup",
		Description:  "Hides elements referencing resources that return 404",
		Priority:     60,
		Risk:         types.RiskLow,
		ErrorPattern: pattern,
		Categories:   []string{"resource"},
		Generate: func(err types.BrowserError) []types.RepairAction {
			css := `img[src=""], img:not([src]) { display: none; }`
			script := fmt.Sprintf(`document.querySelectorAll('img, script, link').forEach(function(el) {
	const ref = el.src || el.href || '';
	if (ref && ref.indexOf(%q) !== -1) { el.remove(); }
});`, err.Source)
			return []types.RepairAction{
				newAction(types.ActionScriptInjection,
					fmt.Sprintf("remove elements referencing missing resource %s", err.Source),
					script),
				newAction(types.ActionStyleInjection,
					"hide broken image placeholders",
					css),
			}
		},
	}
}

// failedRequestRetryStrategy patches fetch to retry transient upstream
// failures once with a short delay.
func failedRequestRetryStrategy() *Strategy {
	pattern := regexp.MustCompile(`(?i)(HTTP 5\d\d|request failed|ERR_|timeout)`)
	return &Strategy{
		Name:         "transient-request-retry",
		Description:  "Wraps fetch with a single retry for 5xx and network failures",
		Priority:     50,
		Risk:         types.RiskMedium,
		ErrorPattern: pattern,
		Categories:   []string{"network"},
		Generate: func(err types.BrowserError) []types.RepairAction {
			code := `if (!window.__pagemendFetchRetry) {
	window.__pagemendFetchRetry = true;
	const original = window.fetch;
	window.fetch = function() {
		const args = arguments;
		return original.apply(window, args).then(function(resp) {
			if (resp.status >= 500) {
				return new Promise(function(resolve) {
					setTimeout(function() { resolve(original.apply(window, args)); }, 1000);
				});
			}
			return resp;
		});
	};
}`
			return []types.RepairAction{newAction(
				types.ActionScriptInjection,
				"retry transient fetch failures once",
				code,
			)}
		},
	}
}

// layoutOverflowStrategy clamps runaway horizontal overflow, a common
// symptom of broken stylesheet loads.
func layoutOverflowStrategy() *Strategy {
	pattern := regexp.MustCompile(`(?i)(stylesheet|css|layout)`)
	return &Strategy{
		Name:         "layout-overflow-clamp",
		Description:  "Clamps horizontal overflow after a failed stylesheet load",
		Priority:     40,
		Risk:         types.RiskLow,
		ErrorPattern: pattern,
		Categories:   []string{"resource", "general"},
		Generate: func(err types.BrowserError) []types.RepairAction {
			return []types.RepairAction{newAction(
				types.ActionStyleInjection,
				"clamp horizontal overflow",
				`html, body { overflow-x: hidden; max-width: 100vw; }`,
			)}
		},
	}
}

var identifierPattern = regexp.MustCompile(`([A-Za-z_$][A-Za-z0-9_$]*) is not defined`)

// extractIdentifier pulls the undefined identifier name out of a
// ReferenceError message. Returns "" if the message has no identifiable name.
func extractIdentifier(message string) string {
	m := identifierPattern.FindStringSubmatch(message)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

func newAction(kind types.ActionKind, description, payload string) types.RepairAction {
	return types.RepairAction{
		ID:          uuid.New().String(),
		Kind:        kind,
		Description: description,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
}
