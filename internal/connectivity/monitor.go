// Package connectivity tracks whether the generation services are reachable.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storyboard-sync/internal/telemetry"
)

// Monitor reports the current connectivity and pushes changes.
type Monitor interface {
	Online() bool
	// Subscribe delivers every change of the online flag until cancel is called.
	Subscribe() (<-chan bool, func())
}

// Manual is a Monitor whose state is set from outside, e.g. by the app
// bridge through the API.
type Manual struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan bool
	next   int
}

// NewManual returns a monitor starting in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{online: online, subs: make(map[int]chan bool)}
	setGauge(online)
	return m
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set updates the state and notifies subscribers when it changed.
func (m *Manual) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	setGauge(online)
	for _, ch := range m.subs {
		// drop a stale value so the latest state always fits
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe implements Monitor.
func (m *Manual) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func setGauge(online bool) {
	if online {
		telemetry.OnlineGauge.Set(1)
		return
	}
	telemetry.OnlineGauge.Set(0)
}

// Prober polls a URL and reports online while it answers below 500.
type Prober struct {
	*Manual
	url      string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger
}

// NewProber builds a prober for url. It assumes online until the first probe.
func NewProber(url string, interval time.Duration, log zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		Manual:   NewManual(true),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "connectivity").Logger(),
	}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs one reachability check and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if p.Set(online) {
		p.log.Info().Bool("online", online).Str("url", p.url).Msg("connectivity changed")
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
