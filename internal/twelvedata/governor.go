package twelvedata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// budgetTarget keeps local usage below this share of the plan ceiling,
// leaving headroom for bursts and header-reporting latency.
const budgetTarget = 0.85

// maxThrottleJitter spreads resumption after a throttle across instances.
const maxThrottleJitter = 500 * time.Millisecond

// Governor owns the rolling one-minute credit window shared by every
// outbound vendor request. It is the single point of truth for "is it
// safe to send now"; callers must Acquire before each request.
type Governor struct {
	mu          sync.Mutex
	planLimit   int
	used        int
	left        int // vendor-reported, -1 when unknown
	windowStart time.Time
	pausedUntil time.Time
	retries     int // throttles within the current window
	throttles   int64
	credits     int64

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// NewGovernor creates a governor for a plan of planLimit credits/minute.
func NewGovernor(planLimit int) *Governor {
	g := &Governor{
		planLimit: planLimit,
		left:      -1,
		now:       time.Now,
		sleep:     sleepCtx,
		logger:    log.With().Str("component", "rate_governor").Logger(),
	}
	g.windowStart = g.now().Truncate(time.Minute)
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until a request may be sent: the window has rolled over,
// or the governor is unpaused and usage sits below the budget target.
// Only process shutdown (ctx) interrupts the wait.
func (g *Governor) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.now()
		g.rollOverLocked(now)

		var wait time.Duration
		switch {
		case !now.After(g.pausedUntil):
			// Resume strictly after the pause expiry, never at it.
			wait = g.pausedUntil.Sub(now) + time.Nanosecond
		case g.used >= g.targetLocked():
			wait = g.windowStart.Add(time.Minute).Sub(now)
		}
		g.mu.Unlock()

		if wait <= 0 {
			return nil
		}
		g.logger.Debug().Dur("wait", wait).Msg("deferring request until credit window allows")
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *Governor) rollOverLocked(now time.Time) {
	if now.Sub(g.windowStart) >= time.Minute {
		g.windowStart = now.Truncate(time.Minute)
		g.used = 0
		g.left = -1
		g.retries = 0
	}
}

func (g *Governor) targetLocked() int {
	t := int(float64(g.planLimit) * budgetTarget)
	if t < 1 {
		t = 1
	}
	return t
}

// RecordThrottle absorbs a vendor throttle signal: pause until the next
// minute boundary plus a small random jitter.
func (g *Governor) RecordThrottle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	jitter := time.Duration(rand.Int63n(int64(maxThrottleJitter)))
	g.pausedUntil = now.Truncate(time.Minute).Add(time.Minute).Add(jitter)
	g.retries++
	g.throttles++
	g.logger.Warn().
		Time("paused_until", g.pausedUntil).
		Int("window_retries", g.retries).
		Msg("vendor throttling, pausing request flow")
}

// RecordUsage folds one completed request into the window. Header-reported
// counts always override the local estimate; without headers the governor
// increments its own estimate by one credit.
func (g *Governor) RecordUsage(used, left int, reported bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollOverLocked(g.now())
	if reported {
		g.used = used
		g.left = left
	} else {
		g.used++
		if g.left > 0 {
			g.left--
		}
	}
	g.credits++
}

// Credits returns the cumulative number of requests accounted for.
func (g *Governor) Credits() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.credits
}

// Throttles returns the cumulative throttle count since startup.
func (g *Governor) Throttles() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.throttles
}
