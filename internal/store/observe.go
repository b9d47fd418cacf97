package store

import (
	"sync"
	"time"
)

// Change reports that a table was modified by a committed transaction.
type Change struct {
	Table Table
	At    time.Time
}

type subscription struct {
	tables map[Table]struct{}
	ch     chan Change
}

func (s subscription) wants(table Table) bool {
	if len(s.tables) == 0 {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

type observer struct {
	mu   sync.Mutex
	next int
	subs map[int]subscription
}

func newObserver() *observer {
	return &observer{subs: make(map[int]subscription)}
}

func (o *observer) subscribe(tables []Table) (<-chan Change, func()) {
	sub := subscription{
		tables: make(map[Table]struct{}, len(tables)),
		ch:     make(chan Change, 16),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = sub
	o.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (o *observer) notify(tables []Table, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sub := range o.subs {
		for _, t := range tables {
			if !sub.wants(t) {
				continue
			}
			select {
			case sub.ch <- Change{Table: t, At: at}:
			default:
				// subscriber is behind; it already has a pending notification
			}
		}
	}
}
