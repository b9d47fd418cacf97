// Package queue is the durable offline action queue. Actions are persisted in
// the record store and move through pending, processing, completed and failed
// only along the allowed edges, each move being a single conditional write.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/store"
	"storyboard-sync/internal/telemetry"
)

var (
	// ErrConflict means the action was not in the status the transition requires.
	ErrConflict = errors.New("action is not in the required status")
	// ErrInvalidTransition means the target status is not reachable by any edge.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queue persists actions and guards their state machine.
type Queue struct {
	store *store.Store
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New builds a queue over an opened store.
func New(st *store.Store) *Queue {
	return &Queue{store: st, now: time.Now}
}

// SetClock replaces the time source. Tests use it to control backoff and retention.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Now returns the queue's current time.
func (q *Queue) Now() time.Time {
	return q.now().UTC()
}

// Store exposes the underlying record store.
func (q *Queue) Store() *store.Store {
	return q.store
}

// stamp returns a creation time strictly after the previous one so that
// creation order is total within a process.
func (q *Queue) stamp() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now().Truncate(time.Millisecond)
	if !now.After(q.last) {
		now = q.last.Add(time.Millisecond)
	}
	q.last = now
	return now
}

// EnqueueOption customises a new action.
type EnqueueOption func(*models.Action)

// WithPriority sets the drain priority; higher runs first.
func WithPriority(priority int) EnqueueOption {
	return func(a *models.Action) { a.Priority = priority }
}

// Enqueue validates the payload and persists a new pending action.
func (q *Queue) Enqueue(ctx context.Context, payload models.Payload, opts ...EnqueueOption) (models.Action, error) {
	if payload == nil {
		return models.Action{}, apperr.New(apperr.KindValidation, "payload is required")
	}
	if err := payload.Validate(); err != nil {
		return models.Action{}, apperr.Wrap(apperr.KindValidation, "invalid payload", err)
	}

	now := q.stamp()
	a := models.Action{
		ID:        uuid.NewString(),
		Type:      payload.ActionType(),
		Payload:   payload,
		Status:    models.StatusPending,
		NextRunAt: q.Now(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&a)
	}

	if err := q.store.Write(ctx, func(tx *store.Tx) error {
		return tx.InsertAction(ctx, a)
	}); err != nil {
		return models.Action{}, fmt.Errorf("enqueue %s: %w", a.Type, err)
	}
	telemetry.ActionsEnqueued.WithLabelValues(string(a.Type)).Inc()
	return a, nil
}

// Get loads one action.
func (q *Queue) Get(ctx context.Context, id string) (models.Action, error) {
	return q.store.FindAction(ctx, id)
}

// List returns actions matching the filter in drain order.
func (q *Queue) List(ctx context.Context, filter store.ActionFilter) ([]models.Action, error) {
	return q.store.QueryActions(ctx, filter)
}

// ListPending returns every pending action ordered by priority, then creation.
func (q *Queue) ListPending(ctx context.Context) ([]models.Action, error) {
	return q.store.QueryActions(ctx, store.ActionFilter{Statuses: []models.ActionStatus{models.StatusPending}})
}

// ListCompletedOlderThan returns completed actions last updated more than age ago.
func (q *Queue) ListCompletedOlderThan(ctx context.Context, age time.Duration) ([]models.Action, error) {
	return q.store.QueryActions(ctx, store.ActionFilter{
		Statuses:      []models.ActionStatus{models.StatusCompleted},
		UpdatedBefore: q.Now().Add(-age),
	})
}

// PendingCount counts pending actions.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.store.CountActions(ctx, models.StatusPending)
}

// TransitionFields carries the values written alongside a status change.
// IncrementRetry counts the transition as one failed attempt. NextRunAt defers
// the next attempt of a pending action; zero means now. ClaimedAt fences a move
// out of processing to the claim that started it, so a superseded claim yields
// ErrConflict.
type TransitionFields struct {
	IncrementRetry bool
	LastError      string
	Result         string
	NextRunAt      time.Time
	ClaimedAt      *time.Time
}

// SourceStatus returns the only status from which to can be entered.
func SourceStatus(to models.ActionStatus) (models.ActionStatus, error) {
	switch to {
	case models.StatusProcessing:
		return models.StatusPending, nil
	case models.StatusCompleted, models.StatusPending, models.StatusFailed:
		return models.StatusProcessing, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
}

// Transition moves an action to status to in its own transaction.
func (q *Queue) Transition(ctx context.Context, id string, to models.ActionStatus, fields TransitionFields) (models.Action, error) {
	var out models.Action
	err := q.store.Write(ctx, func(tx *store.Tx) error {
		var err error
		out, err = q.TransitionTx(ctx, tx, id, to, fields)
		return err
	})
	return out, err
}

// TransitionTx moves an action to status to inside the caller's transaction.
// The write only applies if the action is still in the required source status.
func (q *Queue) TransitionTx(ctx context.Context, tx *store.Tx, id string, to models.ActionStatus, fields TransitionFields) (models.Action, error) {
	from, err := SourceStatus(to)
	if err != nil {
		return models.Action{}, err
	}

	a, err := tx.FindAction(ctx, id)
	if err != nil {
		return models.Action{}, err
	}
	if a.Status != from {
		return models.Action{}, fmt.Errorf("%w: action %s is %s, %s requires %s", ErrConflict, id, a.Status, to, from)
	}
	if fields.ClaimedAt != nil && !sameClaim(a.ProcessedAt, fields.ClaimedAt) {
		return models.Action{}, fmt.Errorf("%w: action %s was claimed again", ErrConflict, id)
	}

	now := q.Now()
	u := store.ActionUpdate{
		Status:      to,
		RetryCount:  a.RetryCount,
		LastError:   a.LastError,
		Result:      a.Result,
		NextRunAt:   a.NextRunAt,
		UpdatedAt:   now,
		ProcessedAt: a.ProcessedAt,
		ClaimedAt:   fields.ClaimedAt,
	}
	if fields.IncrementRetry {
		u.RetryCount++
	}
	if fields.LastError != "" {
		u.LastError = fields.LastError
	}

	switch to {
	case models.StatusProcessing:
		u.ProcessedAt = &now
	case models.StatusCompleted:
		u.LastError = ""
		u.Result = fields.Result
	case models.StatusPending:
		u.NextRunAt = now
		if fields.NextRunAt.After(now) {
			u.NextRunAt = fields.NextRunAt
		}
	}

	ok, err := tx.UpdateAction(ctx, id, from, u)
	if err != nil {
		return models.Action{}, err
	}
	if !ok {
		return models.Action{}, fmt.Errorf("%w: action %s changed concurrently", ErrConflict, id)
	}

	a.Status = u.Status
	a.RetryCount = u.RetryCount
	a.LastError = u.LastError
	a.Result = u.Result
	a.NextRunAt = u.NextRunAt
	a.UpdatedAt = u.UpdatedAt
	a.ProcessedAt = u.ProcessedAt
	return a, nil
}

// RecoverProcessing returns actions left in processing by an interrupted pass
// to pending. Only claims older than staleAfter are taken back, so an action
// another pass is still executing stays where it is. A non-positive staleAfter
// recovers every processing action. Retry counts are untouched.
func (q *Queue) RecoverProcessing(ctx context.Context, staleAfter time.Duration) ([]models.Action, error) {
	filter := store.ActionFilter{Statuses: []models.ActionStatus{models.StatusProcessing}}
	if staleAfter > 0 {
		filter.ProcessedBefore = q.Now().Add(-staleAfter)
	}
	var recovered []models.Action
	err := q.store.Write(ctx, func(tx *store.Tx) error {
		recovered = recovered[:0]
		stuck, err := tx.QueryActions(ctx, filter)
		if err != nil {
			return err
		}
		for _, a := range stuck {
			moved, err := q.TransitionTx(ctx, tx, a.ID, models.StatusPending, TransitionFields{ClaimedAt: a.ProcessedAt})
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				return err
			}
			recovered = append(recovered, moved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

func sameClaim(stored, claimed *time.Time) bool {
	if stored == nil || claimed == nil {
		return stored == claimed
	}
	return stored.UnixMilli() == claimed.UnixMilli()
}

// DeletePermanently removes one action. An action that is being processed
// cannot be deleted and yields ErrConflict.
func (q *Queue) DeletePermanently(ctx context.Context, id string) error {
	return q.store.Write(ctx, func(tx *store.Tx) error {
		ok, err := tx.DeleteAction(ctx, id, models.StatusProcessing)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		a, err := tx.FindAction(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: action %s is %s and cannot be deleted", ErrConflict, id, a.Status)
	})
}

// Purge deletes a batch of actions in one transaction and reports how many
// were removed. Actions being processed are skipped.
func (q *Queue) Purge(ctx context.Context, ids []string) (int, error) {
	var n int
	err := q.store.Write(ctx, func(tx *store.Tx) error {
		n = 0
		for _, id := range ids {
			ok, err := tx.DeleteAction(ctx, id, models.StatusProcessing)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Cleanup deletes completed actions older than retention.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	old, err := q.ListCompletedOlderThan(ctx, retention)
	if err != nil {
		return 0, err
	}
	if len(old) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(old))
	for _, a := range old {
		ids = append(ids, a.ID)
	}
	n, err := q.Purge(ctx, ids)
	if err != nil {
		return 0, err
	}
	telemetry.ActionsPurged.Add(float64(n))
	return n, nil
}

// Requeue enqueues a fresh copy of a failed action. The failed record stays as is.
func (q *Queue) Requeue(ctx context.Context, id string) (models.Action, error) {
	a, err := q.Get(ctx, id)
	if err != nil {
		return models.Action{}, err
	}
	if a.Status != models.StatusFailed {
		return models.Action{}, fmt.Errorf("%w: action %s is %s, only failed actions can be requeued", ErrConflict, id, a.Status)
	}
	if a.Payload == nil {
		return models.Action{}, apperr.Newf(apperr.KindValidation, "action %s has an unreadable payload", id)
	}
	return q.Enqueue(ctx, a.Payload, WithPriority(a.Priority))
}

// Observe notifies on every committed change to the actions table.
func (q *Queue) Observe() (<-chan store.Change, func()) {
	return q.store.Observe(store.TableActions)
}
