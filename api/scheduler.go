/*
scheduler.go - Rebuild orchestration and the daily schedule

PURPOSE:
  Two pieces:

  Rebuilder runs one rebuild end-to-end: take the single-rebuild latch,
  scan+build, publish on success, persist the registry, record the outcome.
  Both the daily schedule and the admin trigger go through it, so they are
  coalesced by construction.

  RebuildScheduler fires the Rebuilder once per day after the configured
  load hour (the upstream fact load finishes before then). A tick that
  lands while a manual rebuild is running is simply skipped.

DESIGN:
  - Background goroutine with ticker + stop channel + WaitGroup
  - Rebuild failures never touch the published generation; they are
    recorded and surfaced via /api/status and the log

SEE ALSO:
  - dateindex/builder.go: The actual rebuild
  - handlers.go: TriggerRebuild endpoint (manual path)
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/warp/date-engine/dateindex"
)

// =============================================================================
// REBUILDER - One rebuild, end to end
// =============================================================================

// RebuildStatus is a snapshot of rebuild health.
type RebuildStatus struct {
	Runs        int
	Failures    int
	LastSuccess time.Time
	LastError   string
	LastErrorAt time.Time
}

// Rebuilder runs rebuilds against a manager and persists the registry.
type Rebuilder struct {
	Builder  *dateindex.Builder
	Manager  *dateindex.Manager
	Registry *dateindex.Registry

	// RegistryPath is where the registry is persisted after each
	// successful rebuild. Empty disables persistence (tests).
	RegistryPath string

	mu     sync.Mutex
	status RebuildStatus
}

// NewRebuilder wires a rebuilder.
func NewRebuilder(builder *dateindex.Builder, manager *dateindex.Manager, registry *dateindex.Registry, registryPath string) *Rebuilder {
	return &Rebuilder{
		Builder:      builder,
		Manager:      manager,
		Registry:     registry,
		RegistryPath: registryPath,
	}
}

// Run executes one rebuild. Returns ErrRebuildInProgress if another run
// holds the latch. On any failure the previous generation keeps serving.
func (rb *Rebuilder) Run(ctx context.Context) (*dateindex.Generation, error) {
	if err := rb.Manager.BeginRebuild(); err != nil {
		return nil, err
	}
	defer rb.Manager.EndRebuild()

	rb.mu.Lock()
	rb.status.Runs++
	rb.mu.Unlock()

	gen, err := rb.Builder.Rebuild(ctx, rb.Manager.Current())
	if err != nil {
		rb.recordFailure(err)
		log.Printf("[Rebuilder] REBUILD FAILED, previous generation retained: %v", err)
		return nil, err
	}

	rb.Manager.Publish(gen)

	if rb.RegistryPath != "" {
		if err := dateindex.SaveRegistry(rb.Registry, rb.RegistryPath); err != nil {
			// The in-memory registry is intact and the generation is live;
			// persistence catches up on the next successful run.
			log.Printf("[Rebuilder] Failed to persist registry: %v", err)
		}
	}

	rb.mu.Lock()
	rb.status.LastSuccess = time.Now()
	rb.status.LastError = ""
	rb.mu.Unlock()
	return gen, nil
}

func (rb *Rebuilder) recordFailure(err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.status.Failures++
	rb.status.LastError = err.Error()
	rb.status.LastErrorAt = time.Now()
}

// Status returns a copy of the rebuild health counters.
func (rb *Rebuilder) Status() RebuildStatus {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.status
}

// =============================================================================
// SCHEDULER - Daily post-load trigger
// =============================================================================

// RebuildScheduler triggers a rebuild once per day after RebuildHour.
type RebuildScheduler struct {
	Rebuilder     *Rebuilder
	CheckInterval time.Duration
	RebuildHour   int // local hour after which the daily rebuild may fire

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastDay string // YYYY-MM-DD of the last completed scheduled run
}

// NewRebuildScheduler creates a scheduler with the default hourly check.
func NewRebuildScheduler(rb *Rebuilder, rebuildHour int) *RebuildScheduler {
	return &RebuildScheduler{
		Rebuilder:     rb,
		CheckInterval: 15 * time.Minute,
		RebuildHour:   rebuildHour,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *RebuildScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)
	go rs.run()

	log.Printf("[Scheduler] Started: daily rebuild after %02d:00, checking every %v",
		rs.RebuildHour, rs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (rs *RebuildScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RebuildScheduler) run() {
	defer rs.wg.Done()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndRebuild(time.Now())
		case <-rs.stop:
			return
		}
	}
}

// checkAndRebuild fires the daily rebuild if we are past the load hour and
// have not run today.
func (rs *RebuildScheduler) checkAndRebuild(now time.Time) {
	if now.Hour() < rs.RebuildHour {
		return
	}
	day := now.Format("2006-01-02")

	rs.mu.Lock()
	done := rs.lastDay == day
	rs.mu.Unlock()
	if done {
		return
	}

	log.Printf("[Scheduler] Daily rebuild window reached (%s)", day)
	if _, err := rs.Rebuilder.Run(context.Background()); err != nil {
		if errors.Is(err, dateindex.ErrRebuildInProgress) {
			// A manual rebuild is running; it counts as today's run only if
			// it succeeds, so leave lastDay unset and re-check next tick.
			log.Println("[Scheduler] Rebuild already in progress, skipping tick")
			return
		}
		// Failure is recorded by the Rebuilder; retry on the next tick.
		return
	}

	rs.mu.Lock()
	rs.lastDay = day
	rs.mu.Unlock()
}

// NextRunTime returns when the next daily rebuild can fire.
func (rs *RebuildScheduler) NextRunTime() time.Time {
	return rs.nextRunTime(time.Now())
}

func (rs *RebuildScheduler) nextRunTime(now time.Time) time.Time {
	rs.mu.Lock()
	ranToday := rs.lastDay == now.Format("2006-01-02")
	rs.mu.Unlock()

	window := time.Date(now.Year(), now.Month(), now.Day(), rs.RebuildHour, 0, 0, 0, now.Location())
	switch {
	case ranToday:
		return window.AddDate(0, 0, 1)
	case now.Before(window):
		return window
	default:
		// Past the window but not yet run today; the next check fires it.
		return now.Add(rs.CheckInterval)
	}
}
