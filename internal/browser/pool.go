// Package browser manages the pool of shared browser instances.
// Browsers are expensive to launch, so the pool reuses them across
// sessions: each instance hosts pages for many sessions up to a per
// instance page cap, and a recycler retires instances before they get
// slow or leaky.
//
// Lock ordering: p.mu guards the instance table and the waiter queue.
// Never hold p.mu across a browser launch, health probe, or close.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/types"
)

const (
	// consecutiveFailureLimit marks an instance unhealthy once this many
	// actions in a row have failed on it.
	consecutiveFailureLimit = 5

	// drainGrace is how long a draining instance may keep its pages open
	// before it is force-closed.
	drainGrace = 2 * time.Minute
)

// waiter is one queued Acquire call. Waiters are served in strict FIFO
// order; a freed slot goes to the head of the queue, never to a late
// arrival racing the queue.
type waiter struct {
	ch chan *Instance // buffered 1, send never blocks
}

// PoolStats counts pool activity since startup.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Launched atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// PoolStatsSnapshot is a serializable copy of PoolStats plus the live
// instance table.
type PoolStatsSnapshot struct {
	Acquired  int64              `json:"acquired"`
	Released  int64              `json:"released"`
	Launched  int64              `json:"launched"`
	Recycled  int64              `json:"recycled"`
	Errors    int64              `json:"errors"`
	Waiters   int                `json:"waiters"`
	Instances []InstanceSnapshot `json:"instances"`
}

// Pool owns every browser instance in the process.
type Pool struct {
	mu        sync.Mutex
	instances map[string]*Instance
	waiters   []*waiter
	launching int // in-flight launches, count toward the size cap

	cfg    *config.Config
	drv    driver.Driver
	bus    *events.Bus
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	stats    PoolStats
	recycler *Recycler
}

// NewPool builds the pool and pre-warms it to the configured floor.
// A pre-warm launch failure is logged, not fatal: the pool recovers by
// launching on demand.
func NewPool(cfg *config.Config, drv driver.Driver, bus *events.Bus) *Pool {
	p := &Pool{
		instances: make(map[string]*Instance),
		cfg:       cfg,
		drv:       drv,
		bus:       bus,
		stopCh:    make(chan struct{}),
	}
	p.recycler = NewRecycler(p, cfg)

	log.Info().
		Int("max_size", cfg.PoolMaxSize).
		Int("min_size", cfg.PoolMinSize).
		Int("max_pages", cfg.MaxPagesPerBrowser).
		Msg("Initializing browser pool")

	for i := 0; i < cfg.PoolMinSize; i++ {
		if _, err := p.launch(context.Background()); err != nil {
			log.Error().Err(err).Int("index", i).Msg("Pre-warm launch failed")
			p.stats.Errors.Add(1)
		}
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.healthCheckLoop()
	}()
	go func() {
		defer p.wg.Done()
		p.maintenanceLoop()
	}()

	return p
}

// Acquire reserves a page slot on an instance, launching a new browser
// if every live instance is full and the pool is under its size cap.
// When the pool is saturated the caller queues behind earlier callers
// and is served strictly in arrival order.
//
// The caller must hand the slot back with Release once the page it
// created on the instance is closed.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolShuttingDown
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	p.mu.Lock()

	if in := p.pickLocked(); in != nil {
		p.reserveLocked(in)
		p.mu.Unlock()
		p.stats.Acquired.Add(1)
		metrics.AcquireWaitTime.Observe(time.Since(start).Seconds())
		return in, nil
	}

	if len(p.instances)+p.launching < p.cfg.PoolMaxSize {
		p.launching++
		p.mu.Unlock()

		in, err := p.launch(ctx)
		if err != nil {
			p.stats.Errors.Add(1)
			return nil, err
		}

		p.mu.Lock()
		p.reserveLocked(in)
		p.dispatchLocked()
		p.mu.Unlock()

		p.stats.Acquired.Add(1)
		metrics.AcquireWaitTime.Observe(time.Since(start).Seconds())
		return in, nil
	}

	// Saturated: queue behind everyone already waiting.
	w := &waiter{ch: make(chan *Instance, 1)}
	p.waiters = append(p.waiters, w)
	metrics.AcquireQueueLength.Set(float64(len(p.waiters)))
	p.mu.Unlock()

	log.Debug().Msg("Pool saturated, queueing acquire")

	select {
	case in := <-w.ch:
		p.stats.Acquired.Add(1)
		metrics.AcquireWaitTime.Observe(time.Since(start).Seconds())
		return in, nil

	case <-ctx.Done():
		p.abandonWaiter(w)
		// A slot may have been handed to us in the race window.
		select {
		case in := <-w.ch:
			p.Release(in)
		default:
		}
		p.stats.Errors.Add(1)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.ErrAcquireTimeout
		}
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())

	case <-p.stopCh:
		p.abandonWaiter(w)
		return nil, types.ErrPoolShuttingDown
	}
}

// Release returns a page slot. The freed slot is offered to the head of
// the waiter queue before anything else.
func (p *Pool) Release(in *Instance) {
	if in == nil {
		return
	}
	p.stats.Released.Add(1)

	p.mu.Lock()
	if in.pages > 0 {
		in.pages--
	}
	in.lastUsedAt = time.Now()

	var finalize bool
	if in.state == StateDraining && in.pages == 0 {
		p.removeLocked(in)
		finalize = true
	}
	p.dispatchLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	if finalize {
		p.destroy(in, "drained")
		p.recycleInstance(in.ID)
	}
}

// RecordResult feeds an action outcome into the instance's health
// signals. A run of failures marks the instance for draining.
func (p *Pool) RecordResult(in *Instance, err error) {
	if in == nil {
		return
	}
	if err == nil {
		in.Stats.RecordSuccess()
		return
	}
	in.Stats.RecordFailure()
	if in.Stats.ConsecutiveFailures.Load() >= consecutiveFailureLimit {
		log.Warn().
			Str("instance_id", in.ID).
			Int32("consecutive_failures", in.Stats.ConsecutiveFailures.Load()).
			Msg("Instance failing consistently, draining")
		p.Drain(in, "consecutive_failures")
	}
}

// Drain retires an instance gracefully: no new page slots, existing
// pages run to completion, then the process is closed and replaced if
// the pool would drop under its floor.
func (p *Pool) Drain(in *Instance, reason string) {
	p.mu.Lock()
	if in.state != StateActive {
		p.mu.Unlock()
		return
	}
	in.state = StateDraining
	in.recycledAt = time.Now()
	empty := in.pages == 0
	if empty {
		p.removeLocked(in)
	}
	p.mu.Unlock()

	p.stats.Recycled.Add(1)
	metrics.BrowsersRecycled.Inc()
	log.Info().Str("instance_id", in.ID).Str("reason", reason).Msg("Draining browser instance")
	p.publish("pool:recycling", in.ID, map[string]any{"reason": reason})

	if empty {
		p.destroy(in, reason)
		p.recycleInstance(in.ID)
	}
}

// Snapshot returns pool counters and per-instance state for the stats
// endpoint.
func (p *Pool) Snapshot() PoolStatsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PoolStatsSnapshot{
		Acquired: p.stats.Acquired.Load(),
		Released: p.stats.Released.Load(),
		Launched: p.stats.Launched.Load(),
		Recycled: p.stats.Recycled.Load(),
		Errors:   p.stats.Errors.Load(),
		Waiters:  len(p.waiters),
	}
	for _, in := range p.instances {
		snap.Instances = append(snap.Instances, in.snapshot())
	}
	return snap
}

// Size returns the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Shutdown stops the background loops, fails queued waiters, and closes
// every instance in parallel.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	log.Info().Msg("Shutting down browser pool")
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	doomed := make([]*Instance, 0, len(p.instances))
	for _, in := range p.instances {
		doomed = append(doomed, in)
	}
	p.instances = make(map[string]*Instance)
	p.waiters = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, in := range doomed {
		in := in
		eg.Go(func() error {
			p.destroy(in, "shutdown")
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for browsers to close")
		return ctx.Err()
	}

	log.Info().
		Int64("total_acquired", p.stats.Acquired.Load()).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Msg("Browser pool closed")
	return nil
}

// pickLocked selects the least-loaded active instance with a free slot.
// Least-loaded placement keeps page counts even across instances.
func (p *Pool) pickLocked() *Instance {
	var best *Instance
	for _, in := range p.instances {
		if in.state != StateActive || in.pages >= p.cfg.MaxPagesPerBrowser {
			continue
		}
		if best == nil || in.pages < best.pages {
			best = in
		}
	}
	return best
}

func (p *Pool) reserveLocked(in *Instance) {
	in.pages++
	in.useCount++
	in.lastUsedAt = time.Now()
	p.updateGaugesLocked()
}

// dispatchLocked hands free slots to queued waiters in FIFO order.
func (p *Pool) dispatchLocked() {
	for len(p.waiters) > 0 {
		in := p.pickLocked()
		if in == nil {
			if len(p.instances)+p.launching < p.cfg.PoolMaxSize && !p.closed.Load() {
				p.launching++
				go p.launchInBackground()
			}
			break
		}
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.reserveLocked(in)
		w.ch <- in
	}
	metrics.AcquireQueueLength.Set(float64(len(p.waiters)))
}

func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	metrics.AcquireQueueLength.Set(float64(len(p.waiters)))
}

// launch starts a browser outside the lock and registers it under a
// fresh id. The caller must have incremented p.launching beforehand.
func (p *Pool) launch(ctx context.Context) (*Instance, error) {
	return p.launchAs(ctx, uuid.NewString())
}

// launchAs starts a browser and registers it under the given id.
// Recycling relaunches under the retired instance's id, so the identity
// operators and page records see survives the process swap.
func (p *Pool) launchAs(ctx context.Context, id string) (*Instance, error) {
	b, err := p.drv.Launch(ctx, driver.LaunchOptions{})

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if p.closed.Load() {
		p.mu.Unlock()
		b.Close()
		return nil, types.ErrPoolShuttingDown
	}

	in := newInstance(id, b)
	p.instances[in.ID] = in
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.stats.Launched.Add(1)
	metrics.BrowsersCreated.Inc()
	log.Info().Str("instance_id", in.ID).Msg("Browser instance launched")
	p.publish("pool:launched", in.ID, nil)
	return in, nil
}

func (p *Pool) launchInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.launch(ctx); err != nil {
		log.Error().Err(err).Msg("Background browser launch failed")
		p.stats.Errors.Add(1)
		return
	}
	p.mu.Lock()
	p.dispatchLocked()
	p.mu.Unlock()
}

// recycleInstance replaces a retired instance's browser process under
// its original id. When the relaunch cannot run, the floor is restored
// with fresh instances instead.
func (p *Pool) recycleInstance(id string) {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	if len(p.instances)+p.launching >= p.cfg.PoolMaxSize {
		p.mu.Unlock()
		p.replenish()
		return
	}
	p.launching++
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := p.launchAs(ctx, id); err != nil {
			log.Error().Err(err).Str("instance_id", id).Msg("Recycle relaunch failed")
			p.stats.Errors.Add(1)
			p.replenish()
			return
		}
		p.mu.Lock()
		p.dispatchLocked()
		p.mu.Unlock()
	}()
}

// replenish launches replacements until the pool is back at its floor.
func (p *Pool) replenish() {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	need := p.cfg.PoolMinSize - (len(p.instances) + p.launching)
	p.launching += max(need, 0)
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		go p.launchInBackground()
	}
}

// removeLocked drops the instance from the table. The caller closes the
// browser outside the lock.
func (p *Pool) removeLocked(in *Instance) {
	in.state = StateClosed
	delete(p.instances, in.ID)
	p.updateGaugesLocked()
}

func (p *Pool) destroy(in *Instance, reason string) {
	in.close()
	metrics.BrowsersDestroyed.Inc()
	metrics.BrowserLifetime.Observe(time.Since(in.createdAt).Seconds())
	log.Debug().Str("instance_id", in.ID).Str("reason", reason).Msg("Browser instance closed")
	p.publish("pool:closed", in.ID, map[string]any{"reason": reason})
}

func (p *Pool) updateGaugesLocked() {
	total := len(p.instances) * p.cfg.MaxPagesPerBrowser
	used := 0
	for _, in := range p.instances {
		used += in.pages
	}
	if total > 0 {
		metrics.PoolUtilization.Set(float64(used) / float64(total))
	} else {
		metrics.PoolUtilization.Set(0)
	}
}

func (p *Pool) publish(typ, instanceID string, data map[string]any) {
	if p.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["instanceId"] = instanceID
	p.bus.Publish(events.Event{Channel: "pool:status", Type: typ, Data: data})
}

// healthCheckLoop probes every instance on an interval. Probes run
// outside the lock since they round-trip to the browser process.
func (p *Pool) healthCheckLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	candidates := make([]*Instance, 0, len(p.instances))
	for _, in := range p.instances {
		candidates = append(candidates, in)
	}
	p.mu.Unlock()

	for _, in := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		healthy := in.Browser.Healthy(ctx)
		cancel()

		if healthy {
			// Force-close drains that outlived their grace period.
			p.mu.Lock()
			expired := in.state == StateDraining && time.Since(in.recycledAt) > drainGrace
			if expired {
				p.removeLocked(in)
			}
			p.mu.Unlock()
			if expired {
				log.Warn().Str("instance_id", in.ID).Msg("Drain grace expired, force-closing instance")
				p.destroy(in, "drain_timeout")
				p.recycleInstance(in.ID)
			}
			continue
		}

		log.Warn().Str("instance_id", in.ID).Msg("Instance failed health check, removing")
		p.mu.Lock()
		alive := in.state != StateClosed
		if alive {
			p.removeLocked(in)
			p.dispatchLocked()
		}
		p.mu.Unlock()
		if alive {
			p.stats.Errors.Add(1)
			p.destroy(in, "unhealthy")
			p.recycleInstance(in.ID)
		}
	}
}

// maintenanceLoop handles idle cleanup, use-count retirement, and the
// weighted recycler pass.
func (p *Pool) maintenanceLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupIdle()
			p.retireOverused()
			p.recycler.Sweep(time.Now())
		}
	}
}

// cleanupIdle closes instances with no pages that sat idle past the
// timeout, without dropping the pool under its floor.
func (p *Pool) cleanupIdle() {
	now := time.Now()

	p.mu.Lock()
	var idle []*Instance
	for _, in := range p.instances {
		if in.state != StateActive || in.pages != 0 {
			continue
		}
		if now.Sub(in.lastUsedAt) > p.cfg.IdleTimeout {
			idle = append(idle, in)
		}
	}
	for _, in := range idle {
		if len(p.instances) <= p.cfg.PoolMinSize {
			break
		}
		p.removeLocked(in)
	}
	p.mu.Unlock()

	for _, in := range idle {
		if in.state == StateClosed {
			log.Info().Str("instance_id", in.ID).Msg("Closing idle browser instance")
			p.destroy(in, "idle")
		}
	}
}

func (p *Pool) retireOverused() {
	if p.cfg.RecycleAfterUses <= 0 {
		return
	}
	p.mu.Lock()
	var worn []*Instance
	for _, in := range p.instances {
		if in.state == StateActive && in.useCount >= p.cfg.RecycleAfterUses {
			worn = append(worn, in)
		}
	}
	p.mu.Unlock()

	for _, in := range worn {
		p.Drain(in, "use_count")
	}
}
