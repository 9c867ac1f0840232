package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"videosearch/logging"
)

func testLogger() *logging.Logger {
	return logging.New("test", logging.ERROR)
}

func waitForState(t *testing.T, q Queue, key string, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.State(key) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key %s never reached state %s (stuck at %s)", key, want, q.State(key))
}

func TestWorkerPoolRunsTask(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	defer p.Shutdown()

	done := make(chan struct{})
	if err := p.Submit("k1", func(ctx context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	waitForState(t, p, "k1", TaskFinished)
}

func TestWorkerPoolRejectsDuplicateActiveKey(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	defer p.Shutdown()

	release := make(chan struct{})
	if err := p.Submit("k1", func(ctx context.Context) error {
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err := p.Submit("k1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("duplicate Submit = %v, want ErrDuplicateKey", err)
	}
	close(release)
}

func TestWorkerPoolAllowsKeyReuseAfterFinish(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	defer p.Shutdown()

	if err := p.Submit("k1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, p, "k1", TaskFinished)

	if err := p.Submit("k1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("resubmit after finish: %v", err)
	}
}

func TestWorkerPoolRecordsFailure(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	defer p.Shutdown()

	if err := p.Submit("k1", func(ctx context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, p, "k1", TaskFailed)
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	defer p.Shutdown()

	if err := p.Submit("k1", func(ctx context.Context) error {
		panic("worker must survive this")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, p, "k1", TaskFailed)

	// The worker survived and still serves tasks.
	if err := p.Submit("k2", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	waitForState(t, p, "k2", TaskFinished)
}

func TestWorkerPoolAppliesTimeout(t *testing.T) {
	p := NewWorkerPool(1, 4, 20*time.Millisecond, testLogger())
	defer p.Shutdown()

	if err := p.Submit("k1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, p, "k1", TaskFailed)
}

func TestWorkerPoolRejectsAfterShutdown(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	p.Shutdown()

	err := p.Submit("k1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("Submit after shutdown = %v, want ErrQueueUnavailable", err)
	}
}

func TestWorkerPoolUnknownKey(t *testing.T) {
	p := NewWorkerPool(1, 4, time.Minute, testLogger())
	defer p.Shutdown()

	if got := p.State("never-seen"); got != TaskUnknown {
		t.Errorf("State(unknown) = %s, want %s", got, TaskUnknown)
	}
}
