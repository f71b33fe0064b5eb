package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/types"
)

// RegisterBuiltins installs the default test set on a suite
func RegisterBuiltins(s *Suite) error {
	builtins := []*Test{
		pageLoadTest(),
		domIntegrityTest(),
		errorRecurrenceTest(),
		brokenResourcesTest(),
		performanceTimingTest(),
		accessibilityTest(),
	}
	for _, t := range builtins {
		if err := s.Register(t); err != nil {
			return fmt.Errorf("register builtin %s: %w", t.Name, err)
		}
	}
	return nil
}

// evalInto evaluates an expression and unmarshals its JSON result
func evalInto(ctx context.Context, drv browser.Driver, expression string, out interface{}) error {
	raw, err := drv.Evaluate(ctx, expression)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// pageLoadTest verifies the target document finished loading. Its failure
// is critical: nothing else can be meaningfully validated against a page
// that never loaded.
func pageLoadTest() *Test {
	return &Test{
		Name:     "page-load",
		Category: types.CategoryFunctional,
		Priority: types.PriorityCritical,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			var readyState string
			if err := evalInto(ctx, drv, `document.readyState`, &readyState); err != nil {
				return types.ValidationResult{
					Passed:          false,
					Score:           0,
					Message:         fmt.Sprintf("target unreachable: %v", err),
					Errors:          []string{err.Error()},
					CriticalFailure: true,
				}
			}
			if readyState != "complete" && readyState != "interactive" {
				return types.ValidationResult{
					Passed:          false,
					Score:           0,
					Message:         fmt.Sprintf("document readyState is %q", readyState),
					CriticalFailure: true,
				}
			}
			return types.ValidationResult{
				Passed:  true,
				Score:   100,
				Message: "page loaded",
				Details: []string{fmt.Sprintf("readyState=%s", readyState)},
			}
		},
	}
}

// domIntegrityTest checks the page produced a non-empty document body
func domIntegrityTest() *Test {
	return &Test{
		Name:     "dom-integrity",
		Category: types.CategoryFunctional,
		Priority: types.PriorityHigh,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			var childCount float64
			expr := `document.body ? document.body.children.length : -1`
			if err := evalInto(ctx, drv, expr, &childCount); err != nil {
				return types.ValidationResult{
					Passed:           false,
					Score:            0,
					Message:          fmt.Sprintf("dom probe failed: %v", err),
					RetryRecommended: true,
				}
			}
			if childCount <= 0 {
				return types.ValidationResult{
					Passed:  false,
					Score:   0,
					Message: "document body is missing or empty",
				}
			}
			return types.ValidationResult{
				Passed:  true,
				Score:   100,
				Message: fmt.Sprintf("body has %d child elements", int(childCount)),
			}
		},
	}
}

// errorRecurrenceTest re-probes the condition that produced the original
// error. For reference errors it checks the identifier now resolves; for
// everything else it falls back to confirming the page still evaluates
// scripts at all.
func errorRecurrenceTest() *Test {
	return &Test{
		Name:     "error-recurrence",
		Category: types.CategoryFunctional,
		Priority: types.PriorityHigh,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			expr := `true`
			detail := "generic script-evaluation probe"
			if input.OriginalError.Category == "reference" {
				if name := referencedIdentifier(input.OriginalError.Message); name != "" {
					expr = fmt.Sprintf(`typeof window[%q] !== "undefined"`, name)
					detail = fmt.Sprintf("identifier %q resolves", name)
				}
			}

			var ok bool
			if err := evalInto(ctx, drv, expr, &ok); err != nil {
				return types.ValidationResult{
					Passed:           false,
					Score:            0,
					Message:          fmt.Sprintf("recurrence probe failed: %v", err),
					RetryRecommended: true,
				}
			}
			if !ok {
				return types.ValidationResult{
					Passed:           false,
					Score:            0,
					Message:          "original error condition still present",
					Details:          []string{detail},
					RetryRecommended: true,
				}
			}
			return types.ValidationResult{
				Passed:  true,
				Score:   100,
				Message: "original error condition no longer reproduces",
				Details: []string{detail},
			}
		},
	}
}

var identifierPattern = regexp.MustCompile(`([A-Za-z_$][A-Za-z0-9_$]*) is not defined`)

// referencedIdentifier pulls the undefined identifier out of a reference
// error message, or returns "" when the message has another shape.
func referencedIdentifier(message string) string {
	m := identifierPattern.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return m[1]
}

// brokenResourcesTest counts images that completed loading with no pixel
// data. Each broken image costs 25 points.
func brokenResourcesTest() *Test {
	return &Test{
		Name:     "broken-resources",
		Category: types.CategoryUI,
		Priority: types.PriorityMedium,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			var broken float64
			expr := `Array.from(document.images).filter(function(img) {
				return img.complete && img.naturalWidth === 0;
			}).length`
			if err := evalInto(ctx, drv, expr, &broken); err != nil {
				return types.ValidationResult{
					Passed:           false,
					Score:            0,
					Message:          fmt.Sprintf("resource probe failed: %v", err),
					RetryRecommended: true,
				}
			}

			score := 100 - 25*broken
			if score < 0 {
				score = 0
			}
			result := types.ValidationResult{
				Passed:  broken == 0,
				Score:   score,
				Message: fmt.Sprintf("%d broken images", int(broken)),
			}
			if broken > 0 {
				result.Warnings = []string{"page contains images that failed to load"}
			}
			return result
		},
	}
}

// performanceTimingTest scores the page's load time from the Navigation
// Timing API. Passes at 80 or better.
func performanceTimingTest() *Test {
	return &Test{
		Name:     "performance-timing",
		Category: types.CategoryPerformance,
		Priority: types.PriorityMedium,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			var loadMillis float64
			expr := `(function() {
				var nav = performance.getEntriesByType("navigation")[0];
				if (nav && nav.loadEventEnd > 0) { return nav.loadEventEnd; }
				var t = performance.timing;
				if (t && t.loadEventEnd > 0) { return t.loadEventEnd - t.navigationStart; }
				return -1;
			})()`
			if err := evalInto(ctx, drv, expr, &loadMillis); err != nil {
				return types.ValidationResult{
					Passed:           false,
					Score:            0,
					Message:          fmt.Sprintf("timing probe failed: %v", err),
					RetryRecommended: true,
				}
			}
			if loadMillis < 0 {
				// Load event has not fired yet; score neutrally rather
				// than failing a page that is still settling
				return types.ValidationResult{
					Passed:   true,
					Score:    80,
					Message:  "load timing not yet available",
					Warnings: []string{"navigation timing incomplete"},
				}
			}

			load := time.Duration(loadMillis) * time.Millisecond
			score := scoreLoadTime(load)
			return types.ValidationResult{
				Passed:  score >= 80,
				Score:   score,
				Message: fmt.Sprintf("page loaded in %s", load.Round(time.Millisecond)),
			}
		},
	}
}

// scoreLoadTime maps a page load duration onto [0,100]
func scoreLoadTime(load time.Duration) float64 {
	switch {
	case load <= 2*time.Second:
		return 100
	case load <= 5*time.Second:
		return 80
	case load <= 8*time.Second:
		return 60
	default:
		return 30
	}
}

// accessibilityTest scores the fraction of images with alt text and form
// inputs with an associated label or aria-label. Passes at 80 or better.
func accessibilityTest() *Test {
	return &Test{
		Name:     "accessibility-attributes",
		Category: types.CategoryAccessibility,
		Priority: types.PriorityLow,
		Run: func(ctx context.Context, drv browser.Driver, input Input) types.ValidationResult {
			var stats struct {
				Images        float64 `json:"images"`
				ImagesWithAlt float64 `json:"imagesWithAlt"`
				Inputs        float64 `json:"inputs"`
				InputsLabeled float64 `json:"inputsLabeled"`
			}
			expr := `(function() {
				var imgs = Array.from(document.images);
				var inputs = Array.from(document.querySelectorAll("input, select, textarea"));
				return {
					images: imgs.length,
					imagesWithAlt: imgs.filter(function(i) { return i.hasAttribute("alt"); }).length,
					inputs: inputs.length,
					inputsLabeled: inputs.filter(function(el) {
						if (el.getAttribute("aria-label") || el.getAttribute("aria-labelledby")) { return true; }
						return el.id && document.querySelector('label[for="' + el.id + '"]') !== null;
					}).length
				};
			})()`
			if err := evalInto(ctx, drv, expr, &stats); err != nil {
				return types.ValidationResult{
					Passed:           false,
					Score:            0,
					Message:          fmt.Sprintf("accessibility probe failed: %v", err),
					RetryRecommended: true,
				}
			}

			total := stats.Images + stats.Inputs
			if total == 0 {
				return types.ValidationResult{
					Passed:  true,
					Score:   100,
					Message: "no images or form controls to check",
				}
			}
			covered := stats.ImagesWithAlt + stats.InputsLabeled
			score := 100 * covered / total
			result := types.ValidationResult{
				Passed: score >= 80,
				Score:  score,
				Message: fmt.Sprintf("%d of %d elements carry accessibility attributes",
					int(covered), int(total)),
			}
			if stats.Images > stats.ImagesWithAlt {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%d images missing alt text", int(stats.Images-stats.ImagesWithAlt)))
			}
			if stats.Inputs > stats.InputsLabeled {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%d form controls missing labels", int(stats.Inputs-stats.InputsLabeled)))
			}
			return result
		},
	}
}
