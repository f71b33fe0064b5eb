package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mendlabs/pagemend/internal/ai"
	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/config"
	"github.com/mendlabs/pagemend/internal/control"
	"github.com/mendlabs/pagemend/internal/detector"
	"github.com/mendlabs/pagemend/internal/events"
	"github.com/mendlabs/pagemend/internal/log"
	"github.com/mendlabs/pagemend/internal/loop"
	"github.com/mendlabs/pagemend/internal/notify"
	"github.com/mendlabs/pagemend/internal/repair"
	"github.com/mendlabs/pagemend/internal/report"
	"github.com/mendlabs/pagemend/internal/storage"
	"github.com/mendlabs/pagemend/internal/types"
	"github.com/mendlabs/pagemend/internal/validation"
)

var runTarget string

var runCmd = &cobra.Command{
	Use:   "run [target-url]",
	Short: "Run the detect-repair-validate loop against a target",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			runTarget = args[0]
		}
		if runTarget != "" {
			cfg.Targets = []string{runTarget}
		}
		if len(cfg.Targets) == 0 {
			return fmt.Errorf("no targets configured: pass a URL or set targets in the config file")
		}
		return runLoop(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// driverPool shares one browser page per target between the detector, the
// repair engine, and the validation suite, so repairs land on the same live
// page the errors came from.
type driverPool struct {
	ctx    context.Context
	cfg    *config.Config
	logger *log.Logger

	mu      sync.Mutex
	drivers map[string]browser.Driver
}

func newDriverPool(ctx context.Context, cfg *config.Config, logger *log.Logger) *driverPool {
	return &driverPool{
		ctx:     ctx,
		cfg:     cfg,
		logger:  logger.WithComponent("drivers"),
		drivers: make(map[string]browser.Driver),
	}
}

func (p *driverPool) get(targetURL string) (browser.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if drv, ok := p.drivers[targetURL]; ok {
		return drv, nil
	}

	drv, err := browser.NewChrome(p.ctx, &browser.Config{
		TargetURL:         targetURL,
		Headless:          p.cfg.Browser.Headless,
		RemoteURL:         p.cfg.Browser.RemoteURL,
		NavigationTimeout: p.cfg.Browser.NavigationTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open browser for %s: %w", targetURL, err)
	}
	if err := drv.Navigate(p.ctx, targetURL); err != nil {
		drv.Close()
		return nil, err
	}

	p.logger.Info("browser page opened", zap.String("target", targetURL))
	p.drivers[targetURL] = drv
	return drv, nil
}

func (p *driverPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, drv := range p.drivers {
		if err := drv.Close(); err != nil {
			p.logger.Warn("failed to close browser", zap.String("target", url), zap.Error(err))
		}
	}
	p.drivers = make(map[string]browser.Driver)
}

// advisedRepairer decorates the repair engine with AI diagnosis for errors
// no registered strategy can handle. The suggestion is logged and published
// as an alert event so it lands in the event store; the error still counts
// as unrepaired.
type advisedRepairer struct {
	engine    *repair.Engine
	advisor   *ai.Advisor
	publisher *events.Publisher
	logger    *log.Logger
}

func (r *advisedRepairer) RepairError(ctx context.Context, berr *types.BrowserError) (types.RepairSession, error) {
	session, err := r.engine.RepairError(ctx, berr)
	if err != nil && errors.Is(err, repair.ErrNoStrategy) && r.advisor != nil {
		suggestion, aerr := r.advisor.Suggest(ctx, *berr)
		if aerr != nil {
			r.logger.Warn("advisor unavailable", zap.Error(aerr))
		} else {
			r.logger.Info("advisor suggestion for unmatched error",
				zap.String("error", berr.Message),
				zap.String("diagnosis", suggestion.Diagnosis),
				zap.String("remediation", suggestion.Remediation),
				zap.Float64("confidence", suggestion.Confidence))
			r.publisher.Publish(events.Event{
				Type:     events.EventTypeAlert,
				Severity: events.SeverityWarning,
				Message:  fmt.Sprintf("advisor suggestion for unrepairable error: %s", berr.Message),
				Data: map[string]interface{}{
					"error_id":      berr.ID,
					"diagnosis":     suggestion.Diagnosis,
					"remediation":   suggestion.Remediation,
					"strategy_hint": suggestion.StrategyHint,
					"confidence":    suggestion.Confidence,
				},
			})
		}
	}
	return session, err
}

func (r *advisedRepairer) WaitForSession(ctx context.Context, id string, timeout, interval time.Duration, cancel <-chan struct{}) (types.RepairSession, error) {
	return r.engine.WaitForSession(ctx, id, timeout, interval, cancel)
}

func runLoop(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := newDriverPool(ctx, cfg, logger)
	defer pool.closeAll()

	det, err := detector.New(&detector.Config{
		Targets:         cfg.Targets,
		CheckInterval:   cfg.Detector.CheckInterval.Std(),
		MinSeverity:     types.Severity(cfg.Detector.MinSeverity),
		ExcludePatterns: cfg.Detector.ExcludePatterns,
		IncludePatterns: cfg.Detector.IncludePatterns,
		MaxRecentErrors: cfg.Detector.MaxRecentErrors,
		EventsPerSecond: float64(cfg.Detector.EventsPerSecond),
	}, func(_ context.Context, targetURL string) (browser.Driver, error) {
		return pool.get(targetURL)
	}, logger)
	if err != nil {
		return err
	}

	registry, err := repair.NewRegistry(repair.BuiltinStrategies()...)
	if err != nil {
		return err
	}
	engine, err := repair.New(&repair.Config{
		MaxConcurrentRepairs: cfg.Repair.MaxConcurrentRepairs,
		MaxAttempts:          cfg.Repair.MaxAttempts,
		RetryBackoff:         cfg.Repair.RetryBackoff.Std(),
	}, registry, pool.get, logger)
	if err != nil {
		return err
	}

	suite, err := validation.New(&validation.Config{
		TestTimeout:   cfg.Validation.TestTimeout.Std(),
		PassThreshold: cfg.Validation.PassThreshold,
	}, pool.get, logger)
	if err != nil {
		return err
	}
	if err := validation.RegisterBuiltins(suite); err != nil {
		return err
	}

	var advisor *ai.Advisor
	if cfg.Advisor.Enabled {
		advisor, err = ai.NewAdvisor(cfg.Advisor.Model, logger)
		if err != nil {
			logger.Warn("advisor disabled", zap.Error(err))
		}
	}

	publisher := events.NewPublisher(256, logger)
	defer publisher.Close()

	var store *storage.Store
	if cfg.Storage.Path != "" {
		store, err = storage.New(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var wg sync.WaitGroup
	if store != nil {
		eventCh, unsubscribe := publisher.Subscribe()
		defer unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Pump(ctx, eventCh)
		}()
	}

	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	dispatcher := notify.NewDispatcher(logger, sinks...)
	alertCh, unsubAlerts := publisher.Subscribe()
	defer unsubAlerts()
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx, alertCh)
	}()

	orch, err := loop.New(&loop.Config{
		MaxIterations:          cfg.Loop.MaxIterations,
		IterationDelay:         cfg.Loop.IterationDelay.Std(),
		ObservationWindow:      cfg.Loop.ObservationWindow.Std(),
		RepairWait:             cfg.Loop.RepairWait.Std(),
		SuccessThreshold:       cfg.Loop.SuccessThreshold,
		ErrorThreshold:         cfg.Loop.ErrorThreshold,
		MaxConsecutiveFailures: cfg.Loop.MaxConsecutiveFailures,
		MaxTotalRuntime:        cfg.Loop.MaxTotalRuntime.Std(),
		MaxErrorsPerIteration:  cfg.Loop.MaxErrorsPerIteration,
		MaxSameErrorRepeats:    cfg.Loop.MaxSameErrorRepeats,
		MaxRepairAttempts:      cfg.Loop.MaxRepairAttempts,
	}, det, &advisedRepairer{
		engine:    engine,
		advisor:   advisor,
		publisher: publisher,
		logger:    logger.WithComponent("advisor"),
	}, suite, publisher, logger)
	if err != nil {
		return err
	}

	var ctl *control.Server
	if cfg.Control.SocketPath != "" {
		ctl, err = control.NewServer(cfg.Control.SocketPath, controlHandler(orch, det, engine), logger)
		if err != nil {
			return err
		}
		if err := ctl.Start(ctx); err != nil {
			return err
		}
		defer ctl.Stop()
	}

	if err := det.Initialize(ctx); err != nil {
		return err
	}
	if err := det.StartMonitoring(ctx); err != nil {
		return err
	}
	defer det.StopMonitoring()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	// First SIGINT asks for a graceful stop at the iteration boundary; a
	// second one halts immediately.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("interrupt received, stopping at iteration boundary (interrupt again to halt)")
			orch.Stop()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigCh:
			orch.EmergencyStop("operator interrupt")
		case <-ctx.Done():
		}
	}()

	target := cfg.Targets[0]
	color.Cyan("pagemend: starting repair loop against %s", target)

	session, runErr := orch.Run(ctx, target)

	if session != nil {
		if store != nil {
			if err := store.SaveSession(context.Background(), session); err != nil {
				logger.Error("failed to persist session", zap.Error(err))
			}
		}
		if cfg.Storage.ReportDir != "" {
			jsonPath, mdPath, err := report.Write(cfg.Storage.ReportDir, session)
			if err != nil {
				logger.Error("failed to write report", zap.Error(err))
			} else {
				logger.Info("report written",
					zap.String("json", jsonPath),
					zap.String("markdown", mdPath))
			}
		}
		fmt.Println(loop.Summary(session))
		printVerdict(session)
	}

	cancel()
	wg.Wait()
	return runErr
}

func printVerdict(session *types.LoopSession) {
	switch session.Status {
	case types.LoopSuccess:
		color.Green("session %s succeeded: %s", session.ID, loop.Conclusion(session))
	case types.LoopEmergencyStop:
		color.Red("session %s emergency-stopped: %s", session.ID, session.EmergencyStopReason)
	default:
		color.Yellow("session %s ended with status %s", session.ID, session.Status)
	}
}

func controlHandler(orch *loop.Orchestrator, det *detector.Detector, engine *repair.Engine) control.Handler {
	return func(cmd control.Command) (map[string]interface{}, error) {
		switch cmd.Type {
		case control.CmdStatus:
			data := map[string]interface{}{
				"detector": det.GetStatus(5),
			}
			if session, ok := orch.Session(); ok {
				data["session"] = session
			}
			return data, nil
		case control.CmdStop:
			orch.Stop()
			return map[string]interface{}{"stopping": true}, nil
		case control.CmdHalt:
			reason := cmd.Reason
			if reason == "" {
				reason = "halt requested via control socket"
			}
			orch.EmergencyStop(reason)
			return map[string]interface{}{"halting": true, "reason": reason}, nil
		case control.CmdStats:
			return map[string]interface{}{"repair": engine.GetStats()}, nil
		default:
			return nil, fmt.Errorf("unknown command: %s", cmd.Type)
		}
	}
}
