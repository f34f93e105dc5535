// Package jobs runs repository re-syncs triggered by webhook events.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Message asks for a site to be re-synced from its repository.
type Message struct {
	SiteID         string
	Repository     string
	Branch         string
	RootDir        string
	InstallationID int64
}

// Runner executes one re-sync.
type Runner interface {
	Run(ctx context.Context, msg Message) error
}

// Dispatcher debounces messages per site and runs at most one job per site
// at a time. A message arriving while its site's job runs is kept as the
// single pending re-run; later messages replace it.
type Dispatcher struct {
	ctx    context.Context
	runner Runner
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex         // guards timers, running and pending
	timers  map[string]*timer  // debounce timers by site
	running map[string]bool    // sites with a job in progress
	pending map[string]Message // coalesced re-run per site
	wg      sync.WaitGroup
}

type timer struct {
	t   *time.Timer
	msg Message
}

// NewDispatcher creates a dispatcher whose jobs run under ctx.
func NewDispatcher(ctx context.Context, runner Runner, delay time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:     ctx,
		runner:  runner,
		delay:   delay,
		logger:  logger,
		timers:  make(map[string]*timer),
		running: make(map[string]bool),
		pending: make(map[string]Message),
	}
}

// Enqueue schedules a re-sync of msg.SiteID after the debounce delay.
// Messages for the same site within the delay collapse into the last one.
func (d *Dispatcher) Enqueue(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tm, ok := d.timers[msg.SiteID]; ok && tm.t.Stop() {
		tm.msg = msg
		tm.t.Reset(d.delay)
		d.logger.Debug("debounced re-sync", "site_id", msg.SiteID)
		return
	}

	tm := &timer{msg: msg}
	d.wg.Add(1)
	tm.t = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.timers[msg.SiteID] == tm {
			delete(d.timers, msg.SiteID)
		}
		latest := tm.msg
		d.mu.Unlock()

		d.perform(latest)
	})
	d.timers[msg.SiteID] = tm
}

// perform runs the job for msg with single-flight semantics per site.
func (d *Dispatcher) perform(msg Message) {
	site := msg.SiteID

	d.mu.Lock()
	if d.running[site] {
		d.pending[site] = msg
		d.mu.Unlock()
		d.logger.Info("re-sync already in progress, queuing pending re-run", "site_id", site)
		return
	}
	d.running[site] = true
	d.mu.Unlock()

	for {
		if err := d.runner.Run(d.ctx, msg); err != nil {
			d.logger.Error("re-sync failed", "site_id", site, "error", err)
		}

		d.mu.Lock()
		next, ok := d.pending[site]
		if !ok {
			delete(d.running, site)
			d.mu.Unlock()
			return
		}
		delete(d.pending, site)
		d.mu.Unlock()

		d.logger.Info("re-running re-sync due to pending request", "site_id", site)
		msg = next
	}
}

// Stop cancels debounce timers that have not fired yet.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for site, tm := range d.timers {
		if tm.t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, site)
	}
}

// Wait blocks until every scheduled job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
