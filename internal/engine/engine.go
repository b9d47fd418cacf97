// Package engine drains the offline action queue. A drain pass claims each due
// pending action, runs the handler registered for its type and records the
// outcome: completed, back to pending for a retry, or failed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/models"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/store"
	"storyboard-sync/internal/telemetry"
)

// Handler executes one action. It must not write to the store directly: side
// effects go into Outcome.Apply so they commit together with the completed
// status.
type Handler func(ctx context.Context, action models.Action) (Outcome, error)

// Outcome is a successful handler result.
type Outcome struct {
	// Apply runs inside the transaction that marks the action completed.
	Apply func(ctx context.Context, tx *store.Tx) error
	// Result is a short reference to what was produced.
	Result string
}

// Connectivity reports whether remote calls can be attempted.
type Connectivity interface {
	Online() bool
}

// Lease serialises drain passes across processes.
type Lease interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// Options tunes retry behaviour.
type Options struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ActionTimeout bounds a single handler invocation. Zero disables it.
	ActionTimeout time.Duration
	// StaleAfter is how long a claim may stay in processing before a pass
	// treats it as interrupted. Zero derives it from ActionTimeout.
	StaleAfter time.Duration
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		BackoffInitial: 5 * time.Second,
		BackoffMax:     5 * time.Minute,
		ActionTimeout:  2 * time.Minute,
		StaleAfter:     3 * time.Minute,
	}
}

// staleAfter leaves a claim alone for a minute past the handler timeout.
func staleAfter(actionTimeout time.Duration) time.Duration {
	if actionTimeout <= 0 {
		return 10 * time.Minute
	}
	return actionTimeout + time.Minute
}

// SkipReason explains why a drain pass did nothing.
type SkipReason string

const (
	SkipOffline   SkipReason = "offline"
	SkipInFlight  SkipReason = "in_flight"
	SkipLeaseHeld SkipReason = "lease_held"
)

// Failure describes one failed attempt in a pass. Message is the error
// recorded on the action; Terminal is set when the action moved to failed.
type Failure struct {
	ActionID    string
	Type        models.ActionType
	Kind        apperr.Kind
	Message     string
	UserMessage string
	Terminal    bool
}

// Result aggregates one drain pass.
type Result struct {
	Skipped   SkipReason
	Recovered int
	Attempted int
	Succeeded int
	Retried   int
	Failed    int
	Reverted  int
	Deferred  int
	Failures  []Failure
	Duration  time.Duration
}

// Ran reports whether the pass executed rather than being skipped.
func (r Result) Ran() bool {
	return r.Skipped == ""
}

// TerminalFailures returns the failures that moved an action to failed.
func (r Result) TerminalFailures() []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.Terminal {
			out = append(out, f)
		}
	}
	return out
}

// Engine runs drain passes. At most one pass runs at a time per Engine.
type Engine struct {
	queue    *queue.Queue
	online   Connectivity
	lease    Lease
	handlers map[models.ActionType]Handler
	opts     Options
	log      zerolog.Logger
	running  atomic.Bool
}

// New builds an engine with no handlers registered.
func New(q *queue.Queue, online Connectivity, log zerolog.Logger, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = staleAfter(opts.ActionTimeout)
	}
	return &Engine{
		queue:    q,
		online:   online,
		handlers: make(map[models.ActionType]Handler),
		opts:     opts,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// SetLease enables cross-process exclusion of drain passes.
func (e *Engine) SetLease(l Lease) {
	e.lease = l
}

// RegisterHandler binds a handler to an action type.
func (e *Engine) RegisterHandler(actionType models.ActionType, handler Handler) {
	if actionType == "" || handler == nil {
		return
	}
	e.handlers[actionType] = handler
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// MaxRetries returns the configured attempt limit.
func (e *Engine) MaxRetries() int {
	return e.opts.MaxRetries
}

// Drain runs one pass over the pending actions. Cancelling ctx stops the pass
// between actions; an action that has started always runs to its outcome.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	if !e.online.Online() {
		telemetry.DrainPasses.WithLabelValues(string(SkipOffline)).Inc()
		return Result{Skipped: SkipOffline}, nil
	}
	if !e.running.CompareAndSwap(false, true) {
		telemetry.DrainPasses.WithLabelValues(string(SkipInFlight)).Inc()
		return Result{Skipped: SkipInFlight}, nil
	}
	defer e.running.Store(false)

	if e.lease != nil {
		release, ok, err := e.lease.Acquire(ctx)
		if err != nil {
			telemetry.DrainPasses.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("acquire drain lease: %w", err)
		}
		if !ok {
			telemetry.DrainPasses.WithLabelValues(string(SkipLeaseHeld)).Inc()
			return Result{Skipped: SkipLeaseHeld}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.log.Warn().Err(err).Msg("release drain lease")
			}
		}()
	}

	start := time.Now()
	res, err := e.drain(ctx)
	res.Duration = time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.DrainPasses.WithLabelValues(outcome).Inc()
	telemetry.DrainDuration.Observe(res.Duration.Seconds())
	if res.Attempted > 0 || res.Recovered > 0 {
		e.log.Info().
			Int("attempted", res.Attempted).
			Int("succeeded", res.Succeeded).
			Int("retried", res.Retried).
			Int("failed", res.Failed).
			Int("reverted", res.Reverted).
			Int("deferred", res.Deferred).
			Int("recovered", res.Recovered).
			Dur("duration", res.Duration).
			Msg("drain pass finished")
	}
	return res, err
}

func (e *Engine) drain(ctx context.Context) (Result, error) {
	var res Result

	recovered, err := e.queue.RecoverProcessing(ctx, e.opts.StaleAfter)
	if err != nil {
		return res, fmt.Errorf("recover interrupted actions: %w", err)
	}
	res.Recovered = len(recovered)
	for _, a := range recovered {
		e.log.Warn().Str("action_id", a.ID).Str("type", string(a.Type)).Msg("recovered action left in processing")
	}

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending actions: %w", err)
	}

	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.online.Online() {
			e.log.Info().Msg("connectivity lost, stopping drain pass")
			break
		}
		if !a.Due(e.queue.Now()) {
			res.Deferred++
			continue
		}
		e.process(ctx, a, &res)
	}
	return res, nil
}

// process runs one action to its outcome on a context detached from the
// caller's cancellation.
func (e *Engine) process(parent context.Context, a models.Action, res *Result) {
	ctx := context.WithoutCancel(parent)
	log := e.log.With().Str("action_id", a.ID).Str("type", string(a.Type)).Logger()

	claimed, err := e.queue.Transition(ctx, a.ID, models.StatusProcessing, queue.TransitionFields{})
	if errors.Is(err, queue.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		log.Debug().Err(err).Msg("action no longer pending")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("claim action")
		return
	}
	res.Attempted++

	outcome, err := e.execute(ctx, claimed)
	if err == nil {
		err = e.complete(ctx, claimed, outcome)
		if err == nil {
			res.Succeeded++
			telemetry.ActionsCompleted.WithLabelValues(string(a.Type)).Inc()
			log.Info().Str("result", outcome.Result).Msg("action completed")
			return
		}
		if errors.Is(err, queue.ErrConflict) {
			log.Warn().Err(err).Msg("action changed while completing")
			return
		}
	}
	e.fail(ctx, claimed, err, res, log)
}

func (e *Engine) execute(ctx context.Context, a models.Action) (Outcome, error) {
	if a.Payload == nil {
		return Outcome{}, apperr.New(apperr.KindValidation, "stored payload could not be decoded")
	}
	handler, ok := e.handlers[a.Type]
	if !ok {
		return Outcome{}, apperr.Newf(apperr.KindValidation, "no handler registered for type %q", a.Type)
	}
	if e.opts.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ActionTimeout)
		defer cancel()
	}
	return handler(ctx, a)
}

func (e *Engine) complete(ctx context.Context, a models.Action, outcome Outcome) error {
	return e.queue.Store().Write(ctx, func(tx *store.Tx) error {
		if outcome.Apply != nil {
			if err := outcome.Apply(ctx, tx); err != nil {
				return err
			}
		}
		_, err := e.queue.TransitionTx(ctx, tx, a.ID, models.StatusCompleted, queue.TransitionFields{
			Result:    outcome.Result,
			ClaimedAt: a.ProcessedAt,
		})
		return err
	})
}

func (e *Engine) fail(ctx context.Context, a models.Action, cause error, res *Result, log zerolog.Logger) {
	c := apperr.Classify(cause)

	// Storage failures are ours, not the action's: put it back untouched.
	if c.Kind == apperr.KindStorage {
		res.Reverted++
		telemetry.ActionsReverted.Inc()
		log.Warn().Err(cause).Msg("storage failure, reverting action to pending")
		if _, err := e.queue.Transition(ctx, a.ID, models.StatusPending, queue.TransitionFields{LastError: cause.Error(), ClaimedAt: a.ProcessedAt}); err != nil {
			log.Error().Err(err).Msg("revert action; it will be recovered on the next pass")
		}
		return
	}

	attempt := a.RetryCount + 1
	failure := Failure{ActionID: a.ID, Type: a.Type, Kind: c.Kind, Message: cause.Error(), UserMessage: c.UserMessage}

	if c.Retryable && attempt < e.opts.MaxRetries {
		wait := backoffWithJitter(e.opts.BackoffInitial, e.opts.BackoffMax, attempt)
		_, err := e.queue.Transition(ctx, a.ID, models.StatusPending, queue.TransitionFields{
			IncrementRetry: true,
			LastError:      cause.Error(),
			NextRunAt:      e.queue.Now().Add(wait),
			ClaimedAt:      a.ProcessedAt,
		})
		if err != nil {
			log.Error().Err(err).Msg("schedule retry")
			return
		}
		res.Retried++
		res.Failures = append(res.Failures, failure)
		telemetry.ActionsRetried.WithLabelValues(string(a.Type), string(c.Kind)).Inc()
		log.Warn().Err(cause).Int("attempt", attempt).Dur("backoff", wait).Msg("action failed, will retry")
		return
	}

	_, err := e.queue.Transition(ctx, a.ID, models.StatusFailed, queue.TransitionFields{
		IncrementRetry: true,
		LastError:      cause.Error(),
		ClaimedAt:      a.ProcessedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("mark action failed")
		return
	}
	failure.Terminal = true
	res.Failed++
	res.Failures = append(res.Failures, failure)
	telemetry.ActionsFailed.WithLabelValues(string(a.Type), string(c.Kind)).Inc()
	log.Error().Err(cause).Int("attempt", attempt).Bool("retryable", c.Retryable).Msg("action failed permanently")
}

// backoffWithJitter returns a delay in [wait/2, wait) where wait doubles per
// attempt from base and is capped at max.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && (wait > max || exp > float64(math.MaxInt64)) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
