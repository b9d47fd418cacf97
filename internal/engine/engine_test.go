package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/store"
)

type flag struct{ v atomic.Bool }

func (f *flag) Online() bool { return f.v.Load() }

func newFlag(online bool) *flag {
	f := &flag{}
	f.v.Store(online)
	return f
}

type fakeScenes struct {
	scenes []models.Scene
	err    error
	calls  int
}

func (f *fakeScenes) GenerateScenes(_ context.Context, text string) ([]models.Scene, error) {
	f.calls++
	return f.scenes, f.err
}

type fakeImages struct {
	url     string
	err     error
	prompts []string
}

func (f *fakeImages) GenerateImage(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.url, f.err
}

type fakeRenderer struct {
	uri   string
	calls int
}

func (f *fakeRenderer) RenderVideo(_ context.Context, _ string, _ []models.Scene) (string, error) {
	f.calls++
	return f.uri, nil
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return "mem://" + key, nil
}

type harness struct {
	store  *store.Store
	queue  *queue.Queue
	engine *Engine
	online *flag
	deps   Deps
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "engine.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(st)
	online := newFlag(true)
	e := New(q, online, zerolog.Nop(), Options{MaxRetries: 3})
	deps.Store = st
	deps.Log = zerolog.Nop()
	RegisterDefaults(e, deps)
	return &harness{store: st, queue: q, engine: e, online: online, deps: deps}
}

func (h *harness) addProject(t *testing.T, id, text string, scenes ...models.Scene) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.store.Write(context.Background(), func(tx *store.Tx) error {
		if err := tx.InsertProject(context.Background(), models.Project{
			ID: id, Title: id, SourceText: text, Status: models.ProjectDraft, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if len(scenes) == 0 {
			return nil
		}
		for i := range scenes {
			scenes[i].ProjectID = id
			scenes[i].CreatedAt = now
			scenes[i].UpdatedAt = now
		}
		return tx.ReplaceScenes(context.Background(), id, scenes)
	}))
}

func (h *harness) get(t *testing.T, id string) models.Action {
	t.Helper()
	a, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestDrainGeneratesScenes(t *testing.T) {
	ctx := context.Background()
	scenes := &fakeScenes{scenes: []models.Scene{
		{Title: "Opening", Description: "a quiet village"},
		{Description: "a storm arrives", ImagePrompt: "dark clouds"},
		{Title: "Ending", Description: "sunrise"},
	}}
	h := newHarness(t, Deps{Scenes: scenes})
	h.addProject(t, "p1", "X")

	a, err := h.queue.Enqueue(ctx, models.GenerateScenesPayload{ProjectID: "p1"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)

	got, err := h.store.ListScenes(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Scene 2", got[1].Title)
	assert.Equal(t, "dark clouds", got[1].ImagePrompt)

	project, err := h.store.FindProject(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, project.Progress, 1e-9)
	assert.Equal(t, models.ProjectScenesGenerated, project.Status)

	done := h.get(t, a.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "3 scenes", done.Result)

	// running the same work again replaces rather than duplicates
	_, err = h.queue.Enqueue(ctx, models.GenerateScenesPayload{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	got, err = h.store.ListScenes(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestNetworkFailureExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{err: apperr.Wrap(apperr.KindNetwork, "generate image", errors.New("connection refused"))}
	h := newHarness(t, Deps{Images: images})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest"})

	a, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1"})
	require.NoError(t, err)

	for pass := 1; pass <= 3; pass++ {
		res, err := h.engine.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempted, "pass %d", pass)
	}

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "connection refused")
	assert.Len(t, images.prompts, 3)

	// terminal actions are inert
	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Len(t, images.prompts, 3)
}

func TestRetryThenTerminalFailureReporting(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{err: apperr.New(apperr.KindTimeout, "slow")}
	h := newHarness(t, Deps{Images: images})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest"})
	_, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	require.Len(t, res.Failures, 1)
	assert.False(t, res.Failures[0].Terminal)
	assert.Empty(t, res.TerminalFailures())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{err: apperr.HTTP(400, "prompt rejected")}
	h := newHarness(t, Deps{Images: images})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest"})
	a, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.TerminalFailures(), 1)
	assert.Equal(t, apperr.KindServer, res.Failures[0].Kind)

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRateLimitedIsRetried(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{err: apperr.HTTP(429, "slow down")}
	h := newHarness(t, Deps{Images: images})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest"})
	a, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1"})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestGenerateImageStoresURLAndStyle(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{url: "https://cdn/s1.png"}
	h := newHarness(t, Deps{Images: images})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest", ImagePrompt: "pine forest"})
	_, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1", Style: "watercolor"})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)

	scene, err := h.store.FindScene(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/s1.png", scene.ImageURL)
	assert.Equal(t, []string{"pine forest, watercolor style"}, images.prompts)
}

func TestEmptyImageURLIsRetryable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{Images: &fakeImages{}})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest"})
	a, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1"})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, h.get(t, a.ID).Status)
}

func TestInvalidScenesAreNotRetried(t *testing.T) {
	ctx := context.Background()
	scenes := &fakeScenes{scenes: []models.Scene{{Title: "no description"}}}
	h := newHarness(t, Deps{Scenes: scenes})
	h.addProject(t, "p1", "X")
	a, err := h.queue.Enqueue(ctx, models.GenerateScenesPayload{ProjectID: "p1"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	stored, err := h.store.ListScenes(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestMissingProjectIsValidationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{Scenes: &fakeScenes{}})
	a, err := h.queue.Enqueue(ctx, models.GenerateScenesPayload{ProjectID: "ghost"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, apperr.KindValidation, res.Failures[0].Kind)
	assert.Equal(t, models.StatusFailed, h.get(t, a.ID).Status)
}

func TestVideoRequiresImages(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{uri: "https://cdn/video.mp4"}
	h := newHarness(t, Deps{Videos: renderer})
	h.addProject(t, "p1", "X",
		models.Scene{ID: "s1", Index: 0, Description: "a", ImageURL: "https://cdn/1.png"},
		models.Scene{ID: "s2", Index: 1, Description: "b"},
	)
	a, err := h.queue.Enqueue(ctx, models.GenerateVideoPayload{ProjectID: "p1"})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "s2")
	assert.Zero(t, renderer.calls)
}

func TestVideoCompletesProject(t *testing.T) {
	ctx := context.Background()
	renderer := &fakeRenderer{uri: "https://cdn/video.mp4"}
	h := newHarness(t, Deps{Videos: renderer})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "a", ImageURL: "https://cdn/1.png"})
	_, err := h.queue.Enqueue(ctx, models.GenerateVideoPayload{ProjectID: "p1"})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	project, err := h.store.FindProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/video.mp4", project.VideoURI)
	assert.Equal(t, models.ProjectCompleted, project.Status)
	assert.InDelta(t, 1.0, project.Progress, 1e-9)
}

func TestDrainOrderFollowsPriorityThenCreation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	var order []string
	h.engine.RegisterHandler(models.ActionBackupData, func(_ context.Context, a models.Action) (Outcome, error) {
		order = append(order, a.Payload.(models.BackupDataPayload).Label)
		return Outcome{}, nil
	})

	for _, label := range []string{"first", "second"} {
		_, err := h.queue.Enqueue(ctx, models.BackupDataPayload{Label: label})
		require.NoError(t, err)
	}
	_, err := h.queue.Enqueue(ctx, models.BackupDataPayload{Label: "urgent"}, queue.WithPriority(5))
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, []string{"urgent", "first", "second"}, order)
}

func TestOfflineDrainDoesNothing(t *testing.T) {
	ctx := context.Background()
	images := &fakeImages{url: "https://cdn/x.png"}
	h := newHarness(t, Deps{Images: images})
	h.online.v.Store(false)
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "forest"})
	a, err := h.queue.Enqueue(ctx, models.GenerateImagePayload{SceneID: "s1"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipOffline, res.Skipped)
	assert.False(t, res.Ran())
	assert.Empty(t, images.prompts)
	assert.Equal(t, models.StatusPending, h.get(t, a.ID).Status)
}

func TestEmptyDrainWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	changes, cancel := h.store.Observe()
	defer cancel()

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Ran())
	assert.Zero(t, res.Attempted)
	assert.Empty(t, res.Failures)

	select {
	case c := <-changes:
		t.Fatalf("unexpected write to %s", c.Table)
	default:
	}
}

func TestStorageFailureRevertsWithoutCountingAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		return Outcome{Apply: func(context.Context, *store.Tx) error {
			return apperr.Wrap(apperr.KindStorage, "disk full", errors.New("write failed"))
		}}, nil
	})
	a, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reverted)
	assert.Empty(t, res.Failures)

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, got.LastError, "disk full")
}

func TestRecoversInterruptedAction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		return Outcome{Result: "ok"}, nil
	})
	now := time.Now()
	h.queue.SetClock(func() time.Time { return now })
	a, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)
	// simulate a crash after the claim
	_, err = h.queue.Transition(ctx, a.ID, models.StatusProcessing, queue.TransitionFields{})
	require.NoError(t, err)
	now = now.Add(11 * time.Minute)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, res.Succeeded)

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestSecondEngineLeavesLiveClaimAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	var runs atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		runs.Add(1)
		close(entered)
		<-release
		return Outcome{Result: "first"}, nil
	})
	other := New(h.queue, h.online, zerolog.Nop(), Options{MaxRetries: 3})
	other.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		runs.Add(1)
		return Outcome{Result: "second"}, nil
	})

	a, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)

	done := make(chan Result)
	go func() {
		res, _ := h.engine.Drain(ctx)
		done <- res
	}()
	<-entered

	res, err := other.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Recovered)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, models.StatusProcessing, h.get(t, a.ID).Status)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.Equal(t, int32(1), runs.Load())

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "first", got.Result)
}

func TestSupersededClaimDoesNotComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	var mu sync.Mutex
	now := time.Now()
	h.queue.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		close(entered)
		<-release
		return Outcome{Result: "late"}, nil
	})
	other := New(h.queue, h.online, zerolog.Nop(), Options{MaxRetries: 3})
	other.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		return Outcome{Result: "on time"}, nil
	})

	a, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)
	done := make(chan Result)
	go func() {
		res, _ := h.engine.Drain(ctx)
		done <- res
	}()
	<-entered

	// the first claim outlives the stale threshold and is taken over
	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()
	res, err := other.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, res.Succeeded)

	close(release)
	late := <-done
	assert.Zero(t, late.Succeeded)

	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "on time", got.Result)
}

func TestDeleteDuringProcessingIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		close(entered)
		<-release
		return Outcome{Result: "ok"}, nil
	})
	a, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)

	done := make(chan Result)
	go func() {
		res, _ := h.engine.Drain(ctx)
		done <- res
	}()
	<-entered

	assert.ErrorIs(t, h.queue.DeletePermanently(ctx, a.ID), queue.ErrConflict)
	close(release)
	res := <-done
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, models.StatusCompleted, h.get(t, a.ID).Status)
}

func TestConcurrentDrainIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		close(entered)
		<-release
		return Outcome{}, nil
	})
	_, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)

	done := make(chan Result)
	go func() {
		res, _ := h.engine.Drain(ctx)
		done <- res
	}()
	<-entered
	assert.True(t, h.engine.Running())

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipInFlight, res.Skipped)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Succeeded)
	assert.False(t, h.engine.Running())
}

func TestCancellationStopsBetweenActions(t *testing.T) {
	h := newHarness(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	h.engine.RegisterHandler(models.ActionBackupData, func(actionCtx context.Context, _ models.Action) (Outcome, error) {
		calls++
		cancel()
		// the running action is not interrupted
		if actionCtx.Err() != nil {
			return Outcome{}, actionCtx.Err()
		}
		return Outcome{}, nil
	})
	first, err := h.queue.Enqueue(context.Background(), models.BackupDataPayload{Label: "a"})
	require.NoError(t, err)
	second, err := h.queue.Enqueue(context.Background(), models.BackupDataPayload{Label: "b"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.StatusCompleted, h.get(t, first.ID).Status)
	assert.Equal(t, models.StatusPending, h.get(t, second.ID).Status)
}

func TestBackoffDefersRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	h.engine.opts.BackoffInitial = time.Minute
	h.engine.opts.BackoffMax = time.Hour
	now := time.Now()
	h.queue.SetClock(func() time.Time { return now })

	var calls int
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		calls++
		return Outcome{}, apperr.New(apperr.KindNetwork, "offline")
	})
	_, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	res, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 2, calls)
}

func TestUnknownErrorsEndFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	h.engine.RegisterHandler(models.ActionBackupData, func(context.Context, models.Action) (Outcome, error) {
		return Outcome{}, errors.New("boom")
	})
	a, err := h.queue.Enqueue(ctx, models.BackupDataPayload{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = h.engine.Drain(ctx)
		require.NoError(t, err)
	}
	got := h.get(t, a.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestSyncBackupAndExport(t *testing.T) {
	ctx := context.Background()
	up := &memUploader{}
	h := newHarness(t, Deps{Artifacts: up})
	h.addProject(t, "p1", "X", models.Scene{ID: "s1", Description: "a"})

	syncAction, err := h.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p1"})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, models.BackupDataPayload{Label: "nightly"})
	require.NoError(t, err)
	export, err := h.queue.Enqueue(ctx, models.ExportDataPayload{ProjectID: "p1"})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)

	assert.Contains(t, up.objects, "projects/p1.json")
	assert.Equal(t, "mem://projects/p1.json", h.get(t, syncAction.ID).Result)

	project, err := h.store.FindProject(ctx, "p1")
	require.NoError(t, err)
	assert.NotNil(t, project.SyncedAt)

	var backupFound bool
	for key := range up.objects {
		if filepath.Ext(key) == ".json" && filepath.Dir(key) == "backups" {
			backupFound = true
			assert.Contains(t, key, "-nightly")
		}
	}
	assert.True(t, backupFound)

	exportKey := h.get(t, export.ID).Result[len("mem://"):]
	zr, err := zip.NewReader(bytes.NewReader(up.objects[exportKey]), int64(len(up.objects[exportKey])))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.NotEmpty(t, body)
	}
	assert.ElementsMatch(t, []string{"project.json", "scenes.json"}, names)
}

func TestMissingCollaboratorFailsValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Deps{})
	h.addProject(t, "p1", "X")
	a, err := h.queue.Enqueue(ctx, models.SyncProjectPayload{ProjectID: "p1"})
	require.NoError(t, err)

	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, h.get(t, a.ID).Status)
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}

	if d := backoffWithJitter(0, max, 2); d != 0 {
		t.Fatalf("zero base must disable backoff, got %s", d)
	}
}
