// Package scan orchestrates the per-cycle pipeline: boundary-aligned
// wake-up, fleet-wide single-flight, throttled instrument bursts, and the
// ingest -> evaluate -> persist flow per instrument.
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/signalscan/models"
)

const (
	// EntryTimeframe is the scan cadence and signal timeframe.
	EntryTimeframe = models.Timeframe15Min
	// BiasTimeframe provides longer-period directional context.
	BiasTimeframe = models.Timeframe1H

	// graceDelay gives the vendor time to close and serve its own bar
	// after the wall-clock boundary.
	graceDelay = 5 * time.Second

	entryOutputSize = 80
	biasOutputSize  = 60
)

// quoteClient is the slice of the vendor client the scheduler needs.
type quoteClient interface {
	FetchAllIndicators(ctx context.Context, symbol string, interval models.Timeframe, outputSize int) (*models.IndicatorBundle, error)
	CreditsUsed() int64
	Throttles() int64
}

// Scheduler drives scan cycles anchored to wall-clock 15-minute
// boundaries. At most one instance across the fleet runs cycles (advisory
// lock); within the process a boolean guard prevents overlapping cycles.
type Scheduler struct {
	store    models.Storage
	client   quoteClient
	locker   models.Locker
	alerters []models.Alerter
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	active  bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	now func() time.Time
}

// New creates a scheduler. Alerters run in order per dispatched signal.
func New(store models.Storage, client quoteClient, locker models.Locker, alerters ...models.Alerter) *Scheduler {
	return &Scheduler{
		store:    store,
		client:   client,
		locker:   locker,
		alerters: alerters,
		logger:   log.With().Str("component", "scan_scheduler").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start tries to take the fleet-wide scanner role once. When another
// instance holds the lock this one stays passive; it does not retry on a
// timer. Returns whether this instance became the active scanner.
func (s *Scheduler) Start(ctx context.Context) (bool, error) {
	ok, err := s.locker.TryLock(ctx)
	if err != nil {
		close(s.done)
		return false, err
	}
	if !ok {
		s.logger.Info().Msg("scan lock held by another instance, staying passive")
		close(s.done)
		return false, nil
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.logger.Info().Msg("acquired scan lock, scheduling cycles")

	// Cycles run under a cancellable child context so Stop can interrupt
	// an in-flight cycle instead of waiting it out.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(runCtx)
	return true, nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		wake := models.NextBoundary(s.now(), EntryTimeframe.Duration()).Add(graceDelay)
		timer := time.NewTimer(wake.Sub(s.now()))
		s.logger.Debug().Time("wake", wake).Msg("armed for next boundary")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scan cycle failed")
		}
	}
}

// Stop cancels the pending timer and the context of any in-flight cycle,
// then releases the fleet lock. It does not wait for a cycle to run to
// completion; cancellation aborts it at the next blocking point.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done

	s.mu.Lock()
	active := s.active
	s.active = false
	s.mu.Unlock()
	if active {
		if err := s.locker.Unlock(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("releasing scan lock")
		}
	}
}

// RunCycle executes one cycle unless one is already in flight in this
// process. Also the entry point for the manual trigger surface.
func (s *Scheduler) RunCycle(ctx context.Context) (*models.ScanRun, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn().Msg("previous cycle still in flight, skipping tick")
		return nil, nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	return s.runCycle(ctx)
}
