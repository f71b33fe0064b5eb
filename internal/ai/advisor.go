// Package ai provides an optional advisor that suggests remediation for
// errors no repair strategy matched. Suggestions are operator-facing text
// only; the advisor never generates or applies fixes itself.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/mendlabs/pagemend/internal/log"
	"github.com/mendlabs/pagemend/internal/types"
)

const defaultModel = "claude-sonnet-4-5"

// Suggestion is the advisor's assessment of an unmatched error
type Suggestion struct {
	// Diagnosis is a short explanation of the likely root cause
	Diagnosis string `json:"diagnosis"`
	// Remediation describes what a developer should change on the page
	Remediation string `json:"remediation"`
	// StrategyHint names which kind of repair action could handle this
	// class of error, if one were written (script_injection,
	// style_injection, markup_patch, or none)
	StrategyHint string `json:"strategy_hint"`
	// Confidence is the advisor's confidence in the diagnosis (0.0-1.0)
	Confidence float64 `json:"confidence"`
}

// Advisor wraps the Anthropic API for error diagnosis
type Advisor struct {
	client  *anthropic.Client
	model   string
	retry   RetryConfig
	breaker *CircuitBreaker
	logger  *log.Logger
}

// NewAdvisor creates an advisor. Returns an error when no API key is
// available; callers treat an absent advisor as a disabled feature, not a
// failure.
func NewAdvisor(model string, logger *log.Logger) (*Advisor, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = log.Nop()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	retry := DefaultRetryConfig()

	var breaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		breaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}

	return &Advisor{
		client:  &client,
		model:   model,
		retry:   retry,
		breaker: breaker,
		logger:  logger.WithComponent("advisor"),
	}, nil
}

// Suggest asks the model to diagnose an error and propose remediation
func (a *Advisor) Suggest(ctx context.Context, berr types.BrowserError) (*Suggestion, error) {
	prompt := buildSuggestionPrompt(berr)

	var response *anthropic.Message
	err := a.retryWithBackoff(ctx, "suggestion", func(attemptCtx context.Context) error {
		resp, apiErr := a.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	var responseText string
	for _, block := range response.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}

	suggestion, err := parseSuggestion(responseText)
	if err != nil {
		a.logger.Warn("unparseable advisor response",
			zap.String("error_id", berr.ID),
			zap.Error(err))
		return nil, err
	}

	a.logger.Info("suggestion produced",
		zap.String("error_id", berr.ID),
		zap.String("strategy_hint", suggestion.StrategyHint),
		zap.Float64("confidence", suggestion.Confidence))
	return suggestion, nil
}

func buildSuggestionPrompt(berr types.BrowserError) string {
	var b strings.Builder
	b.WriteString("You are diagnosing a browser error that automated repair could not handle.\n\n")
	fmt.Fprintf(&b, "Error kind: %s\nSeverity: %s\nCategory: %s\nMessage: %s\n",
		berr.Kind, berr.Severity, berr.Category, berr.Message)
	if berr.Source != "" {
		fmt.Fprintf(&b, "Source: %s", berr.Source)
		if berr.Line > 0 {
			fmt.Fprintf(&b, ":%d", berr.Line)
		}
		b.WriteString("\n")
	}
	if berr.Stack != "" {
		fmt.Fprintf(&b, "Stack:\n%s\n", berr.Stack)
	}
	b.WriteString(`
Respond with ONLY a JSON object, no other text:
{
  "diagnosis": "likely root cause in one or two sentences",
  "remediation": "what a developer should change",
  "strategy_hint": "script_injection|style_injection|markup_patch|none",
  "confidence": 0.0
}`)
	return b.String()
}

// parseSuggestion parses the model's response, tolerating markdown code
// fences around the JSON.
func parseSuggestion(text string) (*Suggestion, error) {
	cleaned := strings.TrimSpace(text)
	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			cleaned = cleaned[start : end+1]
		}
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(cleaned), &s); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion: %w", err)
	}
	if s.Diagnosis == "" {
		return nil, fmt.Errorf("suggestion missing diagnosis")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		s.Confidence = 0
	}
	return &s, nil
}
