// Package reaper runs the background sweep that retires idle sessions.
// Slots are never released on disconnect, so the reaper is the only path
// that frees a slot a player abandoned.
package reaper

import (
	"context"
	"time"

	"iptv-gate/work/logger"
)

// Purger is the slot-freeing surface the reaper drives.
type Purger interface {
	PurgeIdle(ctx context.Context, timeout time.Duration) (int, error)
}

// Reaper periodically purges sessions idle longer than the session timeout.
type Reaper struct {
	purger   Purger
	interval time.Duration
	timeout  time.Duration
	stopChan chan bool
}

// New creates a reaper that sweeps every interval and retires sessions idle
// longer than timeout.
func New(purger Purger, interval, timeout time.Duration) *Reaper {
	return &Reaper{
		purger:   purger,
		interval: interval,
		timeout:  timeout,
		stopChan: make(chan bool, 1),
	}
}

// Start launches the sweep loop in its own goroutine. Call Stop to
// terminate it.
func (r *Reaper) Start() {
	logger.Info("{reaper - Start} sweeping every %s, session timeout %s", r.interval, r.timeout)

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopChan:
				logger.Debug("{reaper - Start} sweep loop stopped")
				return
			}
		}
	}()
}

// Stop signals the sweep loop to terminate.
func (r *Reaper) Stop() {
	select {
	case r.stopChan <- true:
	default:
	}
}

// sweep runs one purge pass. A failing pass is logged and skipped; the next
// tick retries.
func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := r.purger.PurgeIdle(ctx, r.timeout)
	if err != nil {
		logger.Error("{reaper - sweep} purge failed: %v", err)
		return
	}
	if removed > 0 {
		logger.Debug("{reaper - sweep} retired %d idle sessions", removed)
	}
}
