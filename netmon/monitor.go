// Package netmon tracks connectivity for the reading cache. The
// platform's connectivity signal is pushed in via SetOnline; consumers
// read the current state or subscribe to transitions. There is no
// polling and no retrying here; a positive reading does not guarantee a
// request will succeed, which is why the read path keeps its own
// fallback.
package netmon

import (
	"log/slog"
	"sync"
)

// State is a connectivity state.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Monitor holds the current connectivity state and fans transitions out
// to subscribers.
type Monitor struct {
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]chan State
	nextID int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithInitialState sets the starting connectivity state.
// The default is online.
func WithInitialState(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		logger: slog.Default(),
		online: true,
		subs:   make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity reading from the platform signal.
// A transition is fanned out to subscribers; repeating the current state
// emits nothing. Slow subscribers never block the caller: each
// subscription channel is buffered and sends are non-blocking, so a
// subscriber that falls behind misses intermediate transitions rather
// than stalling the signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	state := Offline
	if online {
		state = Online
	}

	for _, ch := range m.subs {
		select {
		case ch <- state:
		default:
		}
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "state", state)
}

// Subscribe registers for transition events. The returned cancel
// function removes the subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	ch := make(chan State, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
