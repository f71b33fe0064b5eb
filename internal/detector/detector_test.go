package detector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mendlabs/pagemend/internal/browser"
	"github.com/mendlabs/pagemend/internal/types"
)

// fakeDriver is a test double for browser.Driver that lets tests push
// synthetic page events.
type fakeDriver struct {
	mu       sync.Mutex
	url      string
	handlers []func(browser.PageEvent)
	evalErr  error
	closed   bool
}

func newFakeDriver(url string) *fakeDriver {
	return &fakeDriver{url: url}
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error { return nil }

func (f *fakeDriver) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	return json.RawMessage(`"complete"`), nil
}

func (f *fakeDriver) InjectScript(ctx context.Context, code string) error { return nil }
func (f *fakeDriver) InjectStyle(ctx context.Context, css string) error   { return nil }
func (f *fakeDriver) PatchMarkup(ctx context.Context, selector, html string) error {
	return nil
}

func (f *fakeDriver) Subscribe(handler func(browser.PageEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
	idx := len(f.handlers) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[idx] = nil
	}
}

func (f *fakeDriver) TargetURL() string { return f.url }

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDriver) emit(ev browser.PageEvent) {
	f.mu.Lock()
	handlers := append([]func(browser.PageEvent){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

func newTestDetector(t *testing.T, cfg *Config) (*Detector, *fakeDriver) {
	t.Helper()

	drv := newFakeDriver("https://example.com")
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = []string{"https://example.com"}
	}

	d, err := New(cfg, func(ctx context.Context, targetURL string) (browser.Driver, error) {
		return drv, nil
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return d, drv
}

func TestDetectorEmitsFilteredErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSeverity = types.SeverityHigh
	cfg.CheckInterval = time.Hour // keep the sweep out of the way
	d, drv := newTestDetector(t, cfg)

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	defer d.StopMonitoring()

	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "TypeError: boom", TargetURL: "https://example.com"})
	drv.emit(browser.PageEvent{Kind: browser.EventConsole, Level: "warning", Message: "noise", TargetURL: "https://example.com"})

	st := d.GetStatus(10)
	if st.TotalErrors != 1 {
		t.Fatalf("total errors = %d, want 1 (filter should drop the warning)", st.TotalErrors)
	}
	if st.RecentErrors[0].Kind != types.KindJavaScript {
		t.Errorf("kind = %q, want javascript", st.RecentErrors[0].Kind)
	}
	if st.Session == nil || st.Session.ErrorCount != 1 {
		t.Errorf("session error count not incremented: %+v", st.Session)
	}
}

func TestDetectorCallbacksInOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	d, drv := newTestDetector(t, cfg)

	var mu sync.Mutex
	var order []int
	d.OnError(func(types.BrowserError) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	// A panicking callback must not break later callbacks
	d.OnError(func(types.BrowserError) { panic("callback bug") })
	d.OnError(func(types.BrowserError) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	defer d.StopMonitoring()

	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "boom"})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Errorf("callback order = %v, want [1 3]", order)
	}
}

func TestDetectorReentrantStartIsNoOp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	d, _ := newTestDetector(t, cfg)

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	defer d.StopMonitoring()

	firstSession := d.GetStatus(0).Session.ID

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("re-entrant start returned error: %v", err)
	}

	if got := d.GetStatus(0).Session.ID; got != firstSession {
		t.Error("re-entrant start replaced the session")
	}
}

func TestDetectorDrainTransfersOwnership(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	d, drv := newTestDetector(t, cfg)

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	defer d.StopMonitoring()

	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "first"})
	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "second"})

	drained := d.Drain()
	if len(drained) != 2 {
		t.Fatalf("drained %d errors, want 2", len(drained))
	}
	if again := d.Drain(); len(again) != 0 {
		t.Errorf("second drain returned %d errors, want 0", len(again))
	}
	if st := d.GetStatus(0); st.TotalErrors != 0 {
		t.Errorf("status still reports %d errors after drain", st.TotalErrors)
	}
}

func TestDetectorStopClosesDrivers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	d, drv := newTestDetector(t, cfg)

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}

	d.StopMonitoring()
	// Idempotent
	d.StopMonitoring()

	if !drv.closed {
		t.Error("driver was not closed on stop")
	}

	st := d.GetStatus(0)
	if st.Monitoring {
		t.Error("status still reports monitoring after stop")
	}
	if st.Session.Status != SessionStopped {
		t.Errorf("session status = %q, want stopped", st.Session.Status)
	}

	// Events after stop must not be recorded
	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "late"})
	if got := d.GetStatus(0).TotalErrors; got != 0 {
		// The subscription handler slot was nilled on unsubscribe, so nothing
		// should have arrived
		t.Errorf("errors after stop = %d, want 0", got)
	}
}

func TestDetectorUpdateConfigAffectsFutureEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	d, drv := newTestDetector(t, cfg)

	if err := d.StartMonitoring(context.Background()); err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	defer d.StopMonitoring()

	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "error in widget"})

	d.UpdateConfig(&Config{ExcludePatterns: []string{"widget"}})

	drv.emit(browser.PageEvent{Kind: browser.EventException, Message: "another error in widget"})

	st := d.GetStatus(0)
	if st.TotalErrors != 1 {
		t.Errorf("total errors = %d, want 1 (first kept, second excluded)", st.TotalErrors)
	}
}
