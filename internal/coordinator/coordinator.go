// Package coordinator decides when the engine drains: on reconnect, on a
// periodic timer and on demand. It also runs retention cleanup, keeps the
// sync status current and turns pass results into user notifications.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storyboard-sync/internal/connectivity"
	"storyboard-sync/internal/engine"
	"storyboard-sync/internal/events"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/store"
	"storyboard-sync/internal/telemetry"
)

// Drainer runs one drain pass.
type Drainer interface {
	Drain(ctx context.Context) (engine.Result, error)
}

// Reason says why a pass was started. It decides which notifications the
// pass produces.
type Reason string

const (
	ReasonReconnect Reason = "reconnect"
	ReasonPeriodic  Reason = "periodic"
	ReasonManual    Reason = "manual"
	ReasonStartup   Reason = "startup"
)

// Options holds the coordinator timers.
type Options struct {
	SyncInterval    time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

// DefaultOptions returns the production timers.
func DefaultOptions() Options {
	return Options{
		SyncInterval:    30 * time.Second,
		CleanupInterval: time.Hour,
		Retention:       24 * time.Hour,
	}
}

// Status is the sync state shown to the user.
type Status struct {
	Online       bool       `json:"online"`
	IsSyncing    bool       `json:"is_syncing"`
	PendingCount int        `json:"pending_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Coordinator owns the background loops around the engine.
type Coordinator struct {
	drainer Drainer
	queue   *queue.Queue
	monitor connectivity.Monitor
	bus     *events.Bus
	log     zerolog.Logger
	opts    Options

	mu      sync.Mutex
	status  Status
	current *pass
	subs    map[int]chan Status
	nextSub int
	ctx     context.Context
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a coordinator. Zero option fields take their defaults.
func New(d Drainer, q *queue.Queue, m connectivity.Monitor, bus *events.Bus, log zerolog.Logger, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = def.SyncInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = def.Retention
	}
	return &Coordinator{
		drainer: d,
		queue:   q,
		monitor: m,
		bus:     bus,
		log:     log.With().Str("component", "coordinator").Logger(),
		opts:    opts,
		status:  Status{Online: m.Online()},
		subs:    make(map[int]chan Status),
		ctx:     context.Background(),
	}
}

// Start launches the connectivity, change, sync and cleanup loops. Passes
// started afterwards run on ctx.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopped = false
	c.ctx = ctx
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	c.mu.Unlock()

	online, cancelOnline := c.monitor.Subscribe()
	changes, cancelChanges := c.queue.Observe()

	c.refreshPending(ctx)
	c.setOnline(c.monitor.Online())

	c.wg.Add(4)
	go c.connectivityLoop(ctx, stop, online, cancelOnline)
	go c.changeLoop(ctx, stop, changes, cancelChanges)
	go c.syncLoop(ctx, stop)
	go c.cleanupLoop(ctx, stop)

	if c.monitor.Online() {
		// picks up work left behind by a previous run, including interrupted actions
		c.Trigger(ReasonStartup)
	}
	c.log.Info().Dur("sync_interval", c.opts.SyncInterval).Dur("cleanup_interval", c.opts.CleanupInterval).Msg("coordinator started")
}

// Stop ends the loops and waits for an in-flight pass to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.log.Info().Msg("coordinator stopped")
}

func (c *Coordinator) connectivityLoop(ctx context.Context, stop <-chan struct{}, online <-chan bool, cancel func()) {
	defer c.wg.Done()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case v, ok := <-online:
			if !ok {
				return
			}
			c.handleConnectivity(ctx, v)
		}
	}
}

func (c *Coordinator) handleConnectivity(ctx context.Context, online bool) {
	if !c.setOnline(online) {
		return
	}
	if !online {
		c.log.Warn().Msg("connectivity lost")
		c.bus.Notify(ctx, events.LevelWarning, "You are offline. Changes will sync when the connection returns.", "")
		return
	}

	c.log.Info().Msg("connectivity restored")
	n := c.refreshPending(ctx)
	if n == 0 {
		return
	}
	c.bus.Notify(ctx, events.LevelInfo, "Processing offline changes", "")
	c.Trigger(ReasonReconnect)
}

func (c *Coordinator) changeLoop(ctx context.Context, stop <-chan struct{}, changes <-chan store.Change, cancel func()) {
	defer c.wg.Done()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			c.refreshPending(ctx)
		}
	}
}

func (c *Coordinator) syncLoop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !c.monitor.Online() {
				continue
			}
			if c.refreshPending(ctx) == 0 {
				continue
			}
			c.Trigger(ReasonPeriodic)
		}
	}
}

func (c *Coordinator) cleanupLoop(ctx context.Context, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := c.Cleanup(ctx); err != nil {
				c.log.Error().Err(err).Msg("cleanup")
			}
		}
	}
}

// Cleanup deletes completed actions older than the retention window.
func (c *Coordinator) Cleanup(ctx context.Context) (int, error) {
	n, err := c.queue.Cleanup(ctx, c.opts.Retention)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed actions: %w", err)
	}
	if n > 0 {
		c.log.Info().Int("deleted", n).Dur("retention", c.opts.Retention).Msg("removed old completed actions")
	}
	return n, nil
}

// Trigger starts a drain pass, or joins the one already running. After Stop
// it returns a finished task carrying ErrStopped.
func (c *Coordinator) Trigger(reason Reason) *Task {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return &Task{pass: finishedPass(reason, ErrStopped)}
	}
	if c.current != nil {
		p := c.current
		p.join(reason)
		c.mu.Unlock()
		c.log.Debug().Str("reason", string(reason)).Msg("drain already running, coalescing")
		return &Task{pass: p, coalesced: true}
	}
	p := &pass{reason: reason, done: make(chan struct{})}
	c.current = p
	c.status.IsSyncing = true
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()
	c.broadcast()

	go c.run(ctx, p)
	return &Task{pass: p}
}

func (c *Coordinator) run(ctx context.Context, p *pass) {
	defer c.wg.Done()

	res, err := c.drainer.Drain(ctx)

	// later triggers start a new pass; the reason is final once detached
	c.mu.Lock()
	c.current = nil
	reason := p.currentReason()
	c.status.IsSyncing = false
	if err != nil {
		c.status.LastError = err.Error()
	} else if res.Ran() {
		at := time.Now().UTC()
		c.status.LastSyncAt = &at
		c.status.LastError = ""
	}
	c.mu.Unlock()
	c.broadcast()
	c.report(ctx, reason, res, err)
	c.refreshPending(ctx)

	p.result, p.err = res, err
	close(p.done)
}

// report turns a finished pass into notifications.
func (c *Coordinator) report(ctx context.Context, reason Reason, res engine.Result, err error) {
	if err != nil {
		if ctx.Err() != nil {
			c.log.Info().Err(err).Msg("drain pass interrupted by shutdown")
			return
		}
		c.log.Error().Err(err).Str("reason", string(reason)).Msg("drain pass failed")
		c.bus.Notify(ctx, events.LevelError, fmt.Sprintf("Sync failed: %v", err), "")
		return
	}
	for _, f := range res.TerminalFailures() {
		c.bus.Notify(ctx, events.LevelError, fmt.Sprintf("%s failed: %s", describe(f), f.UserMessage), f.ActionID)
	}
	if res.Succeeded == 0 {
		return
	}
	switch reason {
	case ReasonReconnect:
		c.bus.Notify(ctx, events.LevelSuccess, fmt.Sprintf("%d offline actions processed", res.Succeeded), "")
	case ReasonManual:
		c.bus.Notify(ctx, events.LevelSuccess, fmt.Sprintf("%d actions processed", res.Succeeded), "")
	}
}

// Status returns a snapshot of the sync state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe delivers the latest status after every change until cancel is called.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.status
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Coordinator) broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c.status
	}
}

func (c *Coordinator) setOnline(online bool) bool {
	c.mu.Lock()
	changed := c.status.Online != online
	c.status.Online = online
	c.mu.Unlock()
	if changed {
		c.broadcast()
	}
	return changed
}

// refreshPending reloads the pending count and returns it. On error the
// previous count is kept.
func (c *Coordinator) refreshPending(ctx context.Context) int {
	n, err := c.queue.PendingCount(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("count pending actions")
		return c.Status().PendingCount
	}
	telemetry.PendingGauge.Set(float64(n))

	c.mu.Lock()
	changed := c.status.PendingCount != n
	c.status.PendingCount = n
	c.mu.Unlock()
	if changed {
		c.broadcast()
	}
	return n
}

func describe(f engine.Failure) string {
	switch f.Type {
	case models.ActionGenerateScenes:
		return "Scene generation"
	case models.ActionGenerateImage:
		return "Image generation"
	case models.ActionGenerateVideo:
		return "Video generation"
	case models.ActionSyncProject:
		return "Project sync"
	case models.ActionBackupData:
		return "Backup"
	case models.ActionExportData:
		return "Export"
	}
	return string(f.Type)
}
