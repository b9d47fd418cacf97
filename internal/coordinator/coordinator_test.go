package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/connectivity"
	"storyboard-sync/internal/engine"
	"storyboard-sync/internal/events"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/store"
)

type fixture struct {
	queue   *queue.Queue
	monitor *connectivity.Manual
	engine  *engine.Engine
	bus     *events.Bus

	mu  sync.Mutex
	ran []string
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		queue:   queue.New(st),
		monitor: connectivity.NewManual(online),
		bus:     events.NewBus(zerolog.Nop()),
	}
	f.engine = engine.New(f.queue, f.monitor, zerolog.Nop(), engine.Options{MaxRetries: 3})
	f.engine.RegisterHandler(models.ActionSyncProject, func(_ context.Context, a models.Action) (engine.Outcome, error) {
		p := a.Payload.(models.SyncProjectPayload)
		f.mu.Lock()
		f.ran = append(f.ran, p.ProjectID)
		f.mu.Unlock()
		return engine.Outcome{Result: "projects/" + p.ProjectID + ".json"}, nil
	})
	f.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (engine.Outcome, error) {
		return engine.Outcome{}, apperr.HTTP(400, "backup rejected")
	})
	return f
}

func (f *fixture) coordinator(opts Options) *Coordinator {
	return New(f.engine, f.queue, f.monitor, f.bus, zerolog.Nop(), opts)
}

func (f *fixture) processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func waitFor(t *testing.T, ch <-chan events.Notification, level events.Level) events.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Level == level {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", level)
		}
	}
}

func countLevel(ns []events.Notification, level events.Level) int {
	n := 0
	for _, x := range ns {
		if x.Level == level {
			n++
		}
	}
	return n
}

func TestReconnectDrainsOfflineActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	first, err := f.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p1"})
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p2"})
	require.NoError(t, err)

	c := f.coordinator(Options{SyncInterval: time.Hour})
	notes, cancel := f.bus.Subscribe()
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	assert.Equal(t, 2, c.Status().PendingCount)
	assert.False(t, c.Status().Online)

	f.monitor.Set(true)

	info := waitFor(t, notes, events.LevelInfo)
	assert.Equal(t, "Processing offline changes", info.Message)
	done := waitFor(t, notes, events.LevelSuccess)
	assert.Equal(t, "2 offline actions processed", done.Message)

	assert.Equal(t, []string{"p1", "p2"}, f.processed())
	for _, id := range []string{first.ID, second.ID} {
		a, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, a.Status)
	}

	c.Stop()
	assert.Equal(t, 1, countLevel(f.bus.Recent(), events.LevelSuccess))
	st := c.Status()
	assert.True(t, st.Online)
	assert.False(t, st.IsSyncing)
	assert.Zero(t, st.PendingCount)
	assert.NotNil(t, st.LastSyncAt)
}

func TestReconnectWithEmptyQueueIsQuiet(t *testing.T) {
	f := newFixture(t, false)
	c := f.coordinator(Options{SyncInterval: time.Hour})
	c.Start(context.Background())
	defer c.Stop()

	f.monitor.Set(true)
	require.Eventually(t, func() bool { return c.Status().Online }, 2*time.Second, 10*time.Millisecond)
	c.Stop()
	assert.Empty(t, f.bus.Recent())
}

func TestGoingOfflineWarns(t *testing.T) {
	f := newFixture(t, true)
	c := f.coordinator(Options{SyncInterval: time.Hour})
	notes, cancel := f.bus.Subscribe()
	defer cancel()
	c.Start(context.Background())
	defer c.Stop()

	f.monitor.Set(false)
	n := waitFor(t, notes, events.LevelWarning)
	assert.Contains(t, n.Message, "offline")
	assert.False(t, c.Status().Online)
}

func TestPeriodicDrainIsSilent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	c := f.coordinator(Options{SyncInterval: 20 * time.Millisecond})
	c.Start(ctx)
	defer c.Stop()

	a, err := f.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.queue.Get(ctx, a.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.Empty(t, f.bus.Recent())
}

func TestTerminalFailureIsNotified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	c := f.coordinator(Options{SyncInterval: 20 * time.Millisecond})
	notes, cancel := f.bus.Subscribe()
	defer cancel()

	a, err := f.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)
	c.Start(ctx)
	defer c.Stop()

	n := waitFor(t, notes, events.LevelError)
	assert.Equal(t, a.ID, n.ActionID)
	assert.Contains(t, n.Message, "Backup failed")

	got, err := f.queue.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

type blockingDrainer struct {
	started chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (d *blockingDrainer) Drain(context.Context) (engine.Result, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	d.started <- struct{}{}
	<-d.release
	return engine.Result{Attempted: 1, Succeeded: 1}, nil
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t, true)
	d := &blockingDrainer{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := New(d, f.queue, f.monitor, f.bus, zerolog.Nop(), Options{})

	first := c.Trigger(ReasonManual)
	<-d.started
	assert.False(t, first.Coalesced())
	assert.True(t, c.Status().IsSyncing)

	second := c.Trigger(ReasonPeriodic)
	assert.True(t, second.Coalesced())
	assert.Equal(t, ReasonManual, second.Reason())

	_, err := first.Result()
	assert.ErrorIs(t, err, ErrNotFinished)

	// giving up on the wait leaves the pass running
	waitCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = second.Wait(waitCtx)
	assert.ErrorIs(t, err, context.Canceled)

	close(d.release)
	res, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	<-second.Done()
	res, err = second.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, d.calls)

	st := c.Status()
	assert.False(t, st.IsSyncing)
	require.NotNil(t, st.LastSyncAt)
	assert.Equal(t, "1 actions processed", f.bus.Recent()[0].Message)
}

func TestReconnectJoiningSilentPassReportsSummary(t *testing.T) {
	f := newFixture(t, true)
	d := &blockingDrainer{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := New(d, f.queue, f.monitor, f.bus, zerolog.Nop(), Options{})

	first := c.Trigger(ReasonPeriodic)
	<-d.started
	joined := c.Trigger(ReasonReconnect)
	assert.True(t, joined.Coalesced())
	assert.Equal(t, ReasonReconnect, first.Reason())

	close(d.release)
	_, err := joined.Wait(context.Background())
	require.NoError(t, err)

	notes := f.bus.Recent()
	require.Len(t, notes, 1)
	assert.Equal(t, events.LevelSuccess, notes[0].Level)
	assert.Equal(t, "1 offline actions processed", notes[0].Message)
}

func TestManualPassKeepsReasonWhenReconnectJoins(t *testing.T) {
	f := newFixture(t, true)
	d := &blockingDrainer{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := New(d, f.queue, f.monitor, f.bus, zerolog.Nop(), Options{})

	first := c.Trigger(ReasonManual)
	<-d.started
	c.Trigger(ReasonReconnect)
	assert.Equal(t, ReasonManual, first.Reason())
	close(d.release)
	<-first.Done()
	assert.Equal(t, "1 actions processed", f.bus.Recent()[0].Message)
}

func TestTriggerAfterStopIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	a, err := f.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p1"})
	require.NoError(t, err)

	c := f.coordinator(Options{SyncInterval: time.Hour})
	c.Start(ctx)
	c.Stop()

	f.monitor.Set(true)
	task := c.Trigger(ReasonManual)
	select {
	case <-task.Done():
	default:
		t.Fatal("task after stop must be finished")
	}
	_, err = task.Result()
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, c.Status().IsSyncing)

	assert.Empty(t, f.processed())
	got, err := f.queue.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestCleanupHonoursRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	now := time.Now()
	f.queue.SetClock(func() time.Time { return now })

	complete := func() models.Action {
		a, err := f.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p"})
		require.NoError(t, err)
		_, err = f.queue.Transition(ctx, a.ID, models.StatusProcessing, queue.TransitionFields{})
		require.NoError(t, err)
		a, err = f.queue.Transition(ctx, a.ID, models.StatusCompleted, queue.TransitionFields{})
		require.NoError(t, err)
		return a
	}

	old := complete()
	now = now.Add(24 * time.Hour)
	recent := complete()
	now = now.Add(time.Hour)

	c := f.coordinator(Options{Retention: 24 * time.Hour})
	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.queue.Get(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.queue.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestSubscribeDeliversStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	c := f.coordinator(Options{SyncInterval: time.Hour})
	updates, cancel := c.Subscribe()
	defer cancel()

	first := <-updates
	assert.False(t, first.Online)

	c.Start(ctx)
	defer c.Stop()
	_, err := f.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p1"})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-updates:
			if st.PendingCount == 1 {
				return
			}
		case <-deadline:
			t.Fatal("pending count never reached 1")
		}
	}
}
