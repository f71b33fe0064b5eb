package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Config holds Chrome driver configuration
type Config struct {
	// TargetURL is the page this driver is bound to
	TargetURL string
	// Headless controls whether Chrome runs without a visible window
	// Default: true
	Headless bool
	// NavigationTimeout bounds each Navigate call
	// Default: 30 seconds
	NavigationTimeout time.Duration
	// RemoteURL attaches to an existing Chrome instance over the DevTools
	// protocol instead of launching one (e.g. ws://127.0.0.1:9222)
	RemoteURL string
}

// DefaultConfig returns default Chrome driver configuration
func DefaultConfig(targetURL string) *Config {
	return &Config{
		TargetURL:         targetURL,
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
	}
}

// Chrome is a Driver backed by a Chrome DevTools Protocol session.
// One Chrome instance owns one page bound to one target URL.
type Chrome struct {
	cfg *Config

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	mu       sync.RWMutex
	handlers map[int]func(PageEvent)
	nextID   int
	closed   bool
}

// NewChrome launches (or attaches to) a browser and opens a page for the
// configured target. Event listeners are attached immediately so signals
// raised during the first navigation are not lost.
func NewChrome(ctx context.Context, cfg *Config) (*Chrome, error) {
	if cfg == nil || cfg.TargetURL == "" {
		return nil, fmt.Errorf("target URL is required")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	c := &Chrome{
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		handlers:    make(map[int]func(PageEvent)),
	}

	chromedp.ListenTarget(tabCtx, c.handleCDPEvent)

	// Enable the network domain up front so response/loading-failure events
	// flow before the first Navigate
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	return c, nil
}

// runContext bounds a CDP call by the driver timeout and the caller's
// context. chromedp needs the tab context as the base, so the caller's
// cancellation is propagated onto the derived context instead.
func (c *Chrome) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return boundedContext(ctx, c.tabCtx, c.cfg.NavigationTimeout)
}

// boundedContext derives a context from base with the given timeout that is
// also canceled when parent ends.
func boundedContext(parent, base context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(base, timeout)
	stop := context.AfterFunc(parent, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Navigate loads the target URL and waits for the body to be ready
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := c.runContext(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Evaluate runs a snippet of page-side code and returns its JSON result
func (c *Chrome) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	runCtx, cancel := c.runContext(ctx)
	defer cancel()

	var result json.RawMessage
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, &result)); err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return result, nil
}

// InjectScript evaluates a script fragment in the page. The fragment is
// wrapped in an IIFE so stray declarations don't leak into page scope.
func (c *Chrome) InjectScript(ctx context.Context, code string) error {
	wrapped := fmt.Sprintf("(() => { %s })()", code)
	if _, err := c.Evaluate(ctx, wrapped); err != nil {
		return fmt.Errorf("script injection failed: %w", err)
	}
	return nil
}

// InjectStyle appends a style element containing the given CSS
func (c *Chrome) InjectStyle(ctx context.Context, css string) error {
	expr := fmt.Sprintf(`(() => {
		const style = document.createElement('style');
		style.textContent = %q;
		document.head.appendChild(style);
		return true;
	})()`, css)
	if _, err := c.Evaluate(ctx, expr); err != nil {
		return fmt.Errorf("style injection failed: %w", err)
	}
	return nil
}

// PatchMarkup replaces the markup of the first element matching the selector
func (c *Chrome) PatchMarkup(ctx context.Context, selector, html string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) { return false; }
		el.outerHTML = %q;
		return true;
	})()`, selector, html)

	result, err := c.Evaluate(ctx, expr)
	if err != nil {
		return fmt.Errorf("markup patch failed: %w", err)
	}

	var matched bool
	if err := json.Unmarshal(result, &matched); err != nil {
		return fmt.Errorf("markup patch returned unexpected result: %w", err)
	}
	if !matched {
		return fmt.Errorf("markup patch failed: no element matches selector %q", selector)
	}
	return nil
}

// Subscribe registers a handler for normalized page events
func (c *Chrome) Subscribe(handler func(PageEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.handlers[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// TargetURL returns the URL this driver is bound to
func (c *Chrome) TargetURL() string {
	return c.cfg.TargetURL
}

// Close tears down the page and releases browser resources. Idempotent.
func (c *Chrome) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.tabCancel()
	c.allocCancel()
	return nil
}

// handleCDPEvent normalizes raw CDP events into PageEvents and fans them out
// to subscribers. Runs on chromedp's listener goroutine, so it must not block.
func (c *Chrome) handleCDPEvent(ev interface{}) {
	var pe PageEvent

	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		// Only console noise at warning level and above is interesting
		if e.Type != runtime.APITypeError && e.Type != runtime.APITypeWarning {
			return
		}
		pe = PageEvent{
			Kind:    EventConsole,
			Level:   string(e.Type),
			Message: consoleArgsToMessage(e.Args),
		}
		if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
			frame := e.StackTrace.CallFrames[0]
			pe.Source = frame.URL
			pe.Line = int(frame.LineNumber)
			pe.Column = int(frame.ColumnNumber)
		}

	case *runtime.EventExceptionThrown:
		d := e.ExceptionDetails
		pe = PageEvent{
			Kind:    EventException,
			Message: d.Text,
			Source:  d.URL,
			Line:    int(d.LineNumber),
			Column:  int(d.ColumnNumber),
		}
		if d.Exception != nil && d.Exception.Description != "" {
			pe.Message = d.Exception.Description
		}
		if d.StackTrace != nil {
			pe.Stack = stackTraceToString(d.StackTrace)
		}

	case *network.EventResponseReceived:
		if e.Response == nil || e.Response.Status < 400 {
			return
		}
		pe = PageEvent{
			Kind:       EventResponse,
			Message:    fmt.Sprintf("HTTP %d %s for %s", e.Response.Status, e.Response.StatusText, e.Response.URL),
			Source:     e.Response.URL,
			StatusCode: int(e.Response.Status),
		}

	case *network.EventLoadingFailed:
		if e.Canceled {
			return
		}
		pe = PageEvent{
			Kind:    EventRequestFailed,
			Message: fmt.Sprintf("request failed: %s", e.ErrorText),
		}

	default:
		return
	}

	pe.TargetURL = c.cfg.TargetURL
	pe.Timestamp = time.Now()

	c.mu.RLock()
	handlers := make([]func(PageEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(pe)
	}
}

func consoleArgsToMessage(args []*runtime.RemoteObject) string {
	msg := ""
	for i, arg := range args {
		if i > 0 {
			msg += " "
		}
		switch {
		case arg.Value != nil:
			// Value is raw JSON; strip quotes from plain strings
			var s string
			if err := json.Unmarshal(arg.Value, &s); err == nil {
				msg += s
			} else {
				msg += string(arg.Value)
			}
		case arg.Description != "":
			msg += arg.Description
		}
	}
	return msg
}

func stackTraceToString(st *runtime.StackTrace) string {
	out := ""
	for _, frame := range st.CallFrames {
		out += fmt.Sprintf("    at %s (%s:%d:%d)\n",
			frame.FunctionName, frame.URL, frame.LineNumber, frame.ColumnNumber)
	}
	return out
}
