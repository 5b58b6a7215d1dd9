package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/signalscan/models"
)

// blockingClient parks every fetch until its context is cancelled.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingClient) FetchAllIndicators(ctx context.Context, symbol string, interval models.Timeframe, outputSize int) (*models.IndicatorBundle, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *blockingClient) CreditsUsed() int64 { return 0 }
func (c *blockingClient) Throttles() int64   { return 0 }

func TestStartStaysPassiveWhenLockHeld(t *testing.T) {
	store := newFakeStorage()
	locker := &fakeLocker{held: true}
	s := newTestScheduler(store, &fakeClient{}, locker)

	active, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if active {
		t.Fatal("instance must stay passive when the lock is held elsewhere")
	}

	// Stop on a passive instance must return promptly and must not
	// release a lock it never acquired.
	done := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a passive instance")
	}
	if locker.unlocked {
		t.Error("passive instance released a lock it does not hold")
	}
}

func TestStopReleasesAcquiredLock(t *testing.T) {
	store := newFakeStorage()
	locker := &fakeLocker{}
	s := newTestScheduler(store, &fakeClient{}, locker)

	active, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !active {
		t.Fatal("expected to become the active scanner")
	}

	done := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the boundary timer")
	}
	if !locker.unlocked {
		t.Error("active instance must release the lock on Stop")
	}
}

func TestStopInterruptsInFlightCycle(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	client := &blockingClient{started: make(chan struct{})}
	s := New(store, client, &fakeLocker{})
	s.now = func() time.Time { return scanNow }

	// Wire the cycle the way the loop does: a cancellable child context
	// owned by the scheduler.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.RunCycle(runCtx)
	}()
	<-client.started

	done := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited out the in-flight cycle instead of cancelling it")
	}
	if len(store.runs) != 1 || store.runs[0].Status != models.RunStatusError {
		t.Errorf("cancelled cycle should finish its run row as error, runs=%+v", store.runs)
	}
}

func TestRunCycleSkipsWhileAnotherIsInFlight(t *testing.T) {
	store := newFakeStorage()
	store.instruments = []models.Instrument{eurusd()}
	s := newTestScheduler(store, &fakeClient{bundles: signalBundles()}, &fakeLocker{})

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	run, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if run != nil {
		t.Errorf("overlapping tick must be dropped, got run %+v", run)
	}
	if len(store.runs) != 0 {
		t.Errorf("dropped tick created %d run rows", len(store.runs))
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	run, err = s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle after release: %v", err)
	}
	if run == nil {
		t.Fatal("cycle must run again once the guard is released")
	}
}
