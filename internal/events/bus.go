// Package events carries user-facing notifications about connectivity and
// drain outcomes to in-process subscribers and external sinks.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity shown to the user.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one transient message for the user.
type Notification struct {
	Level    Level     `json:"level"`
	Message  string    `json:"message"`
	ActionID string    `json:"action_id,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher forwards notifications outside the process.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

const historySize = 50

// Bus fans notifications out to subscribers and sinks and keeps a short history.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Notification
	next    int
	sinks   []Publisher
	history []Notification
	log     zerolog.Logger
	now     func() time.Time
}

// NewBus returns an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan Notification),
		log:  log.With().Str("component", "events").Logger(),
		now:  time.Now,
	}
}

// AddSink registers an external publisher.
func (b *Bus) AddSink(p Publisher) {
	b.mu.Lock()
	b.sinks = append(b.sinks, p)
	b.mu.Unlock()
}

// Notify builds and publishes a notification.
func (b *Bus) Notify(ctx context.Context, level Level, message, actionID string) {
	b.Publish(ctx, Notification{Level: level, Message: message, ActionID: actionID, At: b.now().UTC()})
}

// Publish delivers n. Subscribers that are not keeping up miss it.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	b.mu.Lock()
	b.history = append(b.history, n)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
	sinks := append([]Publisher(nil), b.sinks...)
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, n); err != nil {
			b.log.Warn().Err(err).Msg("publish notification")
		}
	}
	b.log.Debug().Str("level", string(n.Level)).Str("message", n.Message).Msg("notification")
}

// Subscribe receives notifications until cancel is called.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns the latest notifications, oldest first.
func (b *Bus) Recent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.history...)
}
