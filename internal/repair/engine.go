package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/log"
	"github.com/mendlabs/pagemend/internal/types"
)

// ErrNoStrategy is returned by RepairError when no registered strategy
// matches the error. This is not retryable; no session is created.
var ErrNoStrategy = errors.New("no applicable repair strategy")

// ErrEngineStopped is returned when work is submitted to a stopped engine
var ErrEngineStopped = errors.New("repair engine is not running")

// DriverProvider resolves the automation driver for a target URL
type DriverProvider func(targetURL string) (browser.Driver, error)

// Config holds repair engine configuration
type Config struct {
	// MaxConcurrentRepairs bounds how many sessions run at once
	// Default: 3
	MaxConcurrentRepairs int
	// MaxAttempts caps attempts per session
	// Default: 3
	MaxAttempts int
	// RetryBackoff is the fixed delay before a failed session is re-queued
	// Default: 5 seconds
	RetryBackoff time.Duration
	// QueueCapacity bounds the pending work queue
	// Default: 64
	QueueCapacity int
}

// DefaultConfig returns default repair engine configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentRepairs: 3,
		MaxAttempts:          3,
		RetryBackoff:         5 * time.Second,
		QueueCapacity:        64,
	}
}

// Stats is a point-in-time snapshot of engine activity. Reading stats never
// blocks in-flight work.
type Stats struct {
	TotalSessions     int     `json:"total_sessions"`
	PendingSessions   int     `json:"pending_sessions"`
	RunningSessions   int     `json:"running_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	FailedSessions    int     `json:"failed_sessions"`
	SuccessRate       float64 `json:"success_rate"`
}

// workItem carries one queued repair attempt. err is the engine's private
// copy of the error: the caller's error is never read or written after
// dispatch, and outcomes are exposed through the session snapshot instead.
type workItem struct {
	sessionID string
	err       *types.BrowserError
	strategy  *Strategy
}

// Engine selects and executes repair strategies with bounded concurrency.
// Sessions are tracked in an engine-owned map; every status transition and
// attempt increment happens under the engine lock, and a dequeued session is
// flipped to running before any other worker can see it.
type Engine struct {
	cfg      Config
	registry *Registry
	drivers  DriverProvider
	logger   *log.Logger

	mu       sync.RWMutex
	sessions map[string]*types.RepairSession
	running  bool

	queue  chan workItem
	sem    *semaphore.Weighted
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a repair engine
func New(cfg *Config, registry *Registry, drivers DriverProvider, logger *log.Logger) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("strategy registry is required")
	}
	if drivers == nil {
		return nil, fmt.Errorf("driver provider is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxConcurrentRepairs <= 0 {
		cfg.MaxConcurrentRepairs = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Engine{
		cfg:      *cfg,
		registry: registry,
		drivers:  drivers,
		logger:   logger.WithComponent("repair"),
		sessions: make(map[string]*types.RepairSession),
		queue:    make(chan workItem, cfg.QueueCapacity),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRepairs)),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the dispatcher. Must be called before RepairError.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("repair engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.dispatch(ctx)
	return nil
}

// Stop drains the dispatcher and waits for in-flight work to finish.
// Idempotent with respect to a never-started engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// RepairError selects a strategy for the error, creates a pending session,
// and queues it for execution. Returns a snapshot of the new session, or
// ErrNoStrategy (wrapped) when nothing matches.
func (e *Engine) RepairError(ctx context.Context, berr *types.BrowserError) (types.RepairSession, error) {
	strategy := e.registry.Select(*berr)
	if strategy == nil {
		return types.RepairSession{}, fmt.Errorf("%w for error %s (%s)", ErrNoStrategy, berr.ID, berr.Category)
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return types.RepairSession{}, ErrEngineStopped
	}

	now := time.Now()
	session := &types.RepairSession{
		ID:           uuid.New().String(),
		ErrorID:      berr.ID,
		StrategyName: strategy.Name,
		Status:       types.SessionPending,
		MaxAttempts:  e.cfg.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.sessions[session.ID] = session
	snapshot := *session
	e.mu.Unlock()

	// The session map entry is the export surface for this repair; workers
	// operate on a private copy so the caller's error stays untouched
	errCopy := *berr
	item := workItem{sessionID: session.ID, err: &errCopy, strategy: strategy}
	select {
	case e.queue <- item:
	case <-ctx.Done():
		e.failSession(session.ID, "queue submission canceled")
		return snapshot, ctx.Err()
	case <-e.stopCh:
		e.failSession(session.ID, "engine stopped before execution")
		return snapshot, ErrEngineStopped
	}

	e.logger.Info("repair queued",
		zap.String("session_id", session.ID),
		zap.String("error_id", berr.ID),
		zap.String("strategy", strategy.Name))
	return snapshot, nil
}

// Session returns a snapshot of the session with the given id
func (e *Engine) Session(id string) (types.RepairSession, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.sessions[id]
	if !ok {
		return types.RepairSession{}, false
	}
	snapshot := *s
	snapshot.Results = append([]types.RepairResult{}, s.Results...)
	return snapshot, true
}

// WaitForSession polls until the session reaches a terminal status or the
// timeout elapses. The wait is abandoned on timeout; the repair itself keeps
// running. A cancel channel (may be nil) short-circuits the wait immediately.
func (e *Engine) WaitForSession(ctx context.Context, id string, timeout, interval time.Duration, cancel <-chan struct{}) (types.RepairSession, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		session, ok := e.Session(id)
		if !ok {
			return types.RepairSession{}, fmt.Errorf("unknown repair session %s", id)
		}
		if session.Status.IsTerminal() {
			return session, nil
		}
		if time.Now().After(deadline) {
			return session, fmt.Errorf("timed out waiting for repair session %s", id)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return session, ctx.Err()
		case <-cancel:
			return session, fmt.Errorf("wait for repair session %s canceled", id)
		}
	}
}

// GetStats returns session counts and the success rate
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{TotalSessions: len(e.sessions)}
	for _, s := range e.sessions {
		switch s.Status {
		case types.SessionPending:
			st.PendingSessions++
		case types.SessionRunning:
			st.RunningSessions++
		case types.SessionCompleted:
			st.CompletedSessions++
		case types.SessionFailed:
			st.FailedSessions++
		}
	}
	terminal := st.CompletedSessions + st.FailedSessions
	if terminal > 0 {
		st.SuccessRate = float64(st.CompletedSessions) / float64(terminal)
	}
	return st
}

// dispatch pulls work off the queue and hands each item to a worker, bounded
// by the concurrency semaphore.
func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case item := <-e.queue:
			if err := e.sem.Acquire(ctx, 1); err != nil {
				e.failSession(item.sessionID, "engine shutting down")
				return
			}
			e.wg.Add(1)
			go func(item workItem) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.process(ctx, item)
			}(item)
		}
	}
}

// process runs one attempt for a session: flip the session to running,
// execute the strategy, and decide the outcome.
func (e *Engine) process(ctx context.Context, item workItem) {
	e.mu.Lock()
	session, ok := e.sessions[item.sessionID]
	if !ok || session.Status.IsTerminal() {
		// Completed sessions never run again
		e.mu.Unlock()
		return
	}
	session.Status = types.SessionRunning
	session.Attempts++
	session.UpdatedAt = time.Now()
	attempt := session.Attempts
	e.mu.Unlock()

	result := e.executeAttempt(ctx, item, attempt)

	e.mu.Lock()
	session.Results = append(session.Results, result)
	session.UpdatedAt = time.Now()

	if result.Success {
		session.Status = types.SessionCompleted
		e.mu.Unlock()
		e.logger.Info("repair completed",
			zap.String("session_id", item.sessionID),
			zap.Int("attempt", attempt))
		return
	}

	if result.RetryRecommended && session.Attempts < session.MaxAttempts {
		session.Status = types.SessionPending
		e.mu.Unlock()
		e.logger.Warn("repair attempt failed, re-queueing",
			zap.String("session_id", item.sessionID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", e.cfg.RetryBackoff))
		e.scheduleRetry(ctx, item)
		return
	}

	session.Status = types.SessionFailed
	e.mu.Unlock()
	e.logger.Warn("repair failed terminally",
		zap.String("session_id", item.sessionID),
		zap.Int("attempts", attempt))
}

// scheduleRetry re-queues the item after the backoff. Runs off-worker so a
// backing-off session never occupies a concurrency slot and a full queue
// never blocks a slot holder.
func (e *Engine) scheduleRetry(ctx context.Context, item workItem) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		timer := time.NewTimer(e.cfg.RetryBackoff)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.stopCh:
			e.failSession(item.sessionID, "engine stopped during retry backoff")
			return
		case <-ctx.Done():
			e.failSession(item.sessionID, "canceled during retry backoff")
			return
		}

		select {
		case e.queue <- item:
		case <-e.stopCh:
			e.failSession(item.sessionID, "engine stopped before retry")
		case <-ctx.Done():
			e.failSession(item.sessionID, "canceled before retry")
		}
	}()
}

// executeAttempt generates the strategy's actions and applies them in order.
// Application failures are caught per-action and recorded, never thrown to
// the caller. The first successful action adopts the fix and short-circuits
// the rest.
func (e *Engine) executeAttempt(ctx context.Context, item workItem, attempt int) types.RepairResult {
	result := types.RepairResult{
		Attempt:   attempt,
		StartedAt: time.Now(),
	}
	defer func() {
		result.CompletedAt = time.Now()
	}()

	drv, err := e.drivers(item.err.TargetURL)
	if err != nil {
		result.Message = fmt.Sprintf("no driver for target: %v", err)
		result.RetryRecommended = true
		return result
	}

	actions := item.strategy.Generate(*item.err)
	if len(actions) == 0 {
		result.Message = "strategy generated no actions"
		return result
	}

	for i := range actions {
		action := &actions[i]
		action.Applied = true
		action.Timestamp = time.Now()

		if err := e.applyAction(ctx, drv, action); err != nil {
			action.Success = false
			e.logger.Warn("action application failed",
				zap.String("session_id", item.sessionID),
				zap.String("action", action.Description),
				zap.Error(err))
			continue
		}

		action.Success = true
		result.Actions = actions[:i+1]
		result.Success = true
		result.Message = fmt.Sprintf("fixed by action %q", action.Description)
		return result
	}

	result.Actions = actions
	result.Message = "all generated actions failed to apply"
	result.RetryRecommended = true
	return result
}

// applyAction dispatches one action to the driver according to its kind
func (e *Engine) applyAction(ctx context.Context, drv browser.Driver, action *types.RepairAction) error {
	switch action.Kind {
	case types.ActionScriptInjection:
		return drv.InjectScript(ctx, action.Payload)
	case types.ActionStyleInjection:
		return drv.InjectStyle(ctx, action.Payload)
	case types.ActionMarkupPatch:
		// Payload convention: "selector\n<replacement html>"
		selector, html, err := splitMarkupPayload(action.Payload)
		if err != nil {
			return err
		}
		return drv.PatchMarkup(ctx, selector, html)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func splitMarkupPayload(payload string) (selector, html string, err error) {
	for i := 0; i < len(payload); i++ {
		if payload[i] == '\n' {
			return payload[:i], payload[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("markup payload missing selector line")
}

// failSession marks a session failed with a message, if it is still live
func (e *Engine) failSession(id, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.sessions[id]
	if !ok || session.Status.IsTerminal() {
		return
	}
	session.Status = types.SessionFailed
	session.UpdatedAt = time.Now()
	session.Results = append(session.Results, types.RepairResult{
		Attempt:     session.Attempts,
		Message:     message,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	})
}
