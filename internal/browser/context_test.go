package browser

import (
	"context"
	"testing"
	"time"
)

func TestBoundedContextCallerCancelPropagates(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	runCtx, cancel := boundedContext(parent, context.Background(), time.Minute)
	defer cancel()

	cancelParent()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context survived the caller's cancellation")
	}
}

func TestBoundedContextBaseCancelPropagates(t *testing.T) {
	base, cancelBase := context.WithCancel(context.Background())
	runCtx, cancel := boundedContext(context.Background(), base, time.Minute)
	defer cancel()

	cancelBase()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context survived the tab context's cancellation")
	}
}

func TestBoundedContextTimeout(t *testing.T) {
	runCtx, cancel := boundedContext(context.Background(), context.Background(), 10*time.Millisecond)
	defer cancel()

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context did not time out")
	}
	if runCtx.Err() != context.DeadlineExceeded {
		t.Errorf("err = %v, want DeadlineExceeded", runCtx.Err())
	}
}

func TestBoundedContextCancelReleasesWatcher(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	defer cancelParent()

	runCtx, cancel := boundedContext(parent, context.Background(), time.Minute)
	cancel()

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel func did not end the derived context")
	}
}
