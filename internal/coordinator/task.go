package coordinator

import (
	"context"
	"errors"
	"sync"

	"storyboard-sync/internal/engine"
)

var (
	// ErrNotFinished is returned by Task.Result while the pass is still running.
	ErrNotFinished = errors.New("drain pass still running")
	// ErrStopped is the result of a trigger that arrived after Stop.
	ErrStopped = errors.New("coordinator stopped")
)

type pass struct {
	mu     sync.Mutex
	reason Reason
	done   chan struct{}
	result engine.Result
	err    error
}

func (p *pass) currentReason() Reason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// join lets a reconnect take over a silent pass so the offline summary is
// still reported.
func (p *pass) join(reason Reason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reason == ReasonReconnect && (p.reason == ReasonPeriodic || p.reason == ReasonStartup) {
		p.reason = ReasonReconnect
	}
}

func finishedPass(reason Reason, err error) *pass {
	p := &pass{reason: reason, done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// Task is a handle on a drain pass started or joined by Trigger.
type Task struct {
	pass      *pass
	coalesced bool
}

// Reason returns why the underlying pass runs. For a coalesced task this is
// the reason of the pass that was already running, unless a reconnect joined
// a periodic or startup pass.
func (t *Task) Reason() Reason {
	return t.pass.currentReason()
}

// Coalesced reports whether the trigger joined a pass that was already running.
func (t *Task) Coalesced() bool {
	return t.coalesced
}

// Done is closed when the pass has finished and its notifications were sent.
func (t *Task) Done() <-chan struct{} {
	return t.pass.done
}

// Wait blocks until the pass finishes or ctx ends. Giving up on the wait does
// not stop the pass.
func (t *Task) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-t.pass.done:
		return t.pass.result, t.pass.err
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

// Result returns the outcome of a finished pass, or ErrNotFinished.
func (t *Task) Result() (engine.Result, error) {
	select {
	case <-t.pass.done:
		return t.pass.result, t.pass.err
	default:
		return engine.Result{}, ErrNotFinished
	}
}
