// Package detector owns error detection for monitored targets. It subscribes
// to runtime signals from the browser driver, classifies and filters them
// into a normalized BrowserError stream, and runs a periodic health sweep
// over every target independent of the orchestrator's iteration cadence.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/log"
	"github.com/mendlabs/pagemend/internal/types"
)

// SessionStatus is the monitoring session's lifecycle status
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
	// SessionError means the whole periodic sweep failed, not a single target
	SessionError SessionStatus = "error"
)

// Config holds detector configuration
type Config struct {
	// Targets are the URLs to monitor
	Targets []string
	// CheckInterval is how often the periodic target sweep runs
	// Default: 10 seconds
	CheckInterval time.Duration
	// MinSeverity drops signals classified below this rank
	// Default: low (keep everything)
	MinSeverity types.Severity
	// ExcludePatterns drops events whose message or source contains any of
	// these substrings (case-insensitive)
	ExcludePatterns []string
	// IncludePatterns, when non-empty, drops events unless message or source
	// contains at least one of these substrings (case-insensitive)
	IncludePatterns []string
	// MaxRecentErrors bounds the in-memory error list
	// Default: 200
	MaxRecentErrors int
	// EventsPerSecond caps raw signal ingestion to guard against event
	// storms from a broken page. Default: 50, burst 100.
	EventsPerSecond float64
}

// DefaultConfig returns default detector configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:   10 * time.Second,
		MinSeverity:     types.SeverityLow,
		MaxRecentErrors: 200,
		EventsPerSecond: 50,
	}
}

// DriverFactory opens an automation context bound to one target URL.
// The detector owns the returned driver and closes it on StopMonitoring.
type DriverFactory func(ctx context.Context, targetURL string) (browser.Driver, error)

// Session holds counters for one monitoring run
type Session struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	StoppedAt  time.Time     `json:"stopped_at,omitempty"`
	Status     SessionStatus `json:"status"`
	ErrorCount int           `json:"error_count"`
	SweepsRun  int           `json:"sweeps_run"`
	// TargetFailures counts isolated single-target check failures
	TargetFailures int `json:"target_failures"`
}

// Status is a point-in-time snapshot returned by GetStatus
type Status struct {
	Monitoring   bool                `json:"monitoring"`
	Session      *Session            `json:"session,omitempty"`
	TargetCount  int                 `json:"target_count"`
	TotalErrors  int                 `json:"total_errors"`
	RecentErrors []types.BrowserError `json:"recent_errors,omitempty"`
}

// Detector monitors one or more targets and emits normalized errors
type Detector struct {
	mu      sync.RWMutex
	cfg     Config
	factory DriverFactory
	logger  *log.Logger

	drivers      map[string]browser.Driver
	unsubscribes []func()

	session   *Session
	errors    []types.BrowserError
	callbacks []func(types.BrowserError)
	limiter   *rate.Limiter

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a detector. The factory is invoked once per target during
// Initialize.
func New(cfg *Config, factory DriverFactory, logger *log.Logger) (*Detector, error) {
	if factory == nil {
		return nil, fmt.Errorf("driver factory is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = types.SeverityLow
	}
	if cfg.MaxRecentErrors <= 0 {
		cfg.MaxRecentErrors = 200
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = 50
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Detector{
		cfg:     *cfg,
		factory: factory,
		logger:  logger.WithComponent("detector"),
		drivers: make(map[string]browser.Driver),
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), int(cfg.EventsPerSecond)*2),
	}, nil
}

// Initialize prepares one automation context per configured target.
// A target that fails to open is skipped with a warning; Initialize only
// fails when no target could be opened at all.
func (d *Detector) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, target := range d.cfg.Targets {
		if _, exists := d.drivers[target]; exists {
			continue
		}
		drv, err := d.factory(ctx, target)
		if err != nil {
			d.logger.Warn("failed to open target, skipping",
				zap.String("target", target), zap.Error(err))
			continue
		}
		d.drivers[target] = drv
	}

	if len(d.drivers) == 0 {
		return fmt.Errorf("no targets could be opened")
	}
	return nil
}

// StartMonitoring attaches event subscriptions and begins the periodic
// sweep. Calling it while already running is a no-op with a logged warning.
func (d *Detector) StartMonitoring(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn("start requested while already monitoring; ignoring")
		return nil
	}
	if len(d.drivers) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("detector is not initialized")
	}

	d.running = true
	d.session = &Session{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		Status:    SessionActive,
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	for _, drv := range d.drivers {
		unsub := drv.Subscribe(d.handleEvent)
		d.unsubscribes = append(d.unsubscribes, unsub)
	}
	interval := d.cfg.CheckInterval
	d.mu.Unlock()

	go d.sweepLoop(ctx, interval)

	d.logger.Info("monitoring started",
		zap.Int("targets", len(d.drivers)),
		zap.Duration("check_interval", interval))
	return nil
}

// StopMonitoring detaches subscriptions, stops the periodic sweep, and tears
// down automation contexts. Idempotent.
func (d *Detector) StopMonitoring() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	doneCh := d.doneCh

	for _, unsub := range d.unsubscribes {
		unsub()
	}
	d.unsubscribes = nil

	for target, drv := range d.drivers {
		if err := drv.Close(); err != nil {
			d.logger.Warn("failed to close target driver",
				zap.String("target", target), zap.Error(err))
		}
		delete(d.drivers, target)
	}

	if d.session != nil && d.session.Status == SessionActive {
		d.session.Status = SessionStopped
		d.session.StoppedAt = time.Now()
	}
	d.mu.Unlock()

	<-doneCh
	d.logger.Info("monitoring stopped")
}

// OnError registers a callback invoked synchronously, in registration order,
// for every error that survives filtering. Callback panics are caught and
// logged, never propagated.
func (d *Detector) OnError(cb func(types.BrowserError)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

// UpdateConfig merges non-zero fields of the update into the current
// configuration. Filter changes only affect future events.
func (d *Detector) UpdateConfig(update *Config) {
	if update == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if update.CheckInterval > 0 {
		d.cfg.CheckInterval = update.CheckInterval
	}
	if update.MinSeverity != "" {
		d.cfg.MinSeverity = update.MinSeverity
	}
	if update.ExcludePatterns != nil {
		d.cfg.ExcludePatterns = update.ExcludePatterns
	}
	if update.IncludePatterns != nil {
		d.cfg.IncludePatterns = update.IncludePatterns
	}
	if update.MaxRecentErrors > 0 {
		d.cfg.MaxRecentErrors = update.MaxRecentErrors
	}
}

// GetStatus returns counts and the most recent n errors (n <= 0 returns all
// retained errors).
func (d *Detector) GetStatus(n int) Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{
		Monitoring:  d.running,
		TargetCount: len(d.drivers),
		TotalErrors: len(d.errors),
	}
	if d.session != nil {
		s := *d.session
		st.Session = &s
	}

	start := 0
	if n > 0 && len(d.errors) > n {
		start = len(d.errors) - n
	}
	st.RecentErrors = append([]types.BrowserError{}, d.errors[start:]...)
	return st
}

// Drain returns all accumulated errors and clears the list, transferring
// ownership to the caller. The orchestrator calls this once per iteration.
func (d *Detector) Drain() []types.BrowserError {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.errors
	d.errors = nil
	return out
}

// handleEvent is the driver subscription callback. It runs the
// classification/filter pipeline and records surviving errors.
func (d *Detector) handleEvent(ev browser.PageEvent) {
	// Flood guard: a broken page can emit thousands of identical signals
	// per second
	if !d.limiter.Allow() {
		return
	}

	d.mu.Lock()

	berr, ok := classify(ev, &d.cfg)
	if !ok {
		d.mu.Unlock()
		return
	}

	d.errors = append(d.errors, berr)
	if len(d.errors) > d.cfg.MaxRecentErrors {
		d.errors = d.errors[len(d.errors)-d.cfg.MaxRecentErrors:]
	}
	if d.session != nil {
		d.session.ErrorCount++
	}
	callbacks := append([]func(types.BrowserError){}, d.callbacks...)
	d.mu.Unlock()

	for _, cb := range callbacks {
		d.invokeCallback(cb, berr)
	}
}

func (d *Detector) invokeCallback(cb func(types.BrowserError), berr types.BrowserError) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("error callback panicked",
				zap.Any("panic", r), zap.String("error_id", berr.ID))
		}
	}()
	cb(berr)
}

// sweepLoop runs the periodic per-target health check until stopped
func (d *Detector) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(d.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep checks every target once. A single target's failure is isolated and
// counted; the session status flips to error only if the sweep itself
// panics.
func (d *Detector) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("target sweep panicked", zap.Any("panic", r))
			d.mu.Lock()
			if d.session != nil {
				d.session.Status = SessionError
			}
			d.mu.Unlock()
		}
	}()

	d.mu.RLock()
	drivers := make(map[string]browser.Driver, len(d.drivers))
	for target, drv := range d.drivers {
		drivers[target] = drv
	}
	d.mu.RUnlock()

	for target, drv := range drivers {
		if err := d.checkTarget(ctx, drv); err != nil {
			d.logger.Warn("target check failed",
				zap.String("target", target), zap.Error(err))
			d.mu.Lock()
			if d.session != nil {
				d.session.TargetFailures++
			}
			d.mu.Unlock()
		}
	}

	d.mu.Lock()
	if d.session != nil {
		d.session.SweepsRun++
	}
	d.mu.Unlock()
}

// checkTarget verifies the page is still responsive. Page-side errors arrive
// through the event subscription; this only catches a dead or hung target.
func (d *Detector) checkTarget(ctx context.Context, drv browser.Driver) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := drv.Evaluate(checkCtx, "document.readyState")
	return err
}
