// Package netmon tracks network reachability for the sync engine. The
// platform layer feeds reachability signals in via Notify; subscribers see
// at most one event per actual transition. A transition is never delivered
// twice, but a subscriber whose channel buffer is full misses that edge, so
// events are a wake-up hint and Online is the truth.
package netmon

import (
	"log/slog"
	"sync"
)

// Monitor holds the current online/offline state and fans out transitions.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// New creates a Monitor with the given initial state, read from the
// platform's reachability signal at startup.
func New(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Notify reports a platform reachability signal. Repeated signals for the
// current state are dropped so subscribers only ever see edges.
func (m *Monitor) Notify(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	slog.Debug("connectivity transition", "online", online)
	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// subscriber is behind; it will read current state on next event
		}
	}
}

// Subscribe registers a transition listener. The channel receives true on
// offline->online and false on online->offline. Delivery is non-blocking:
// a subscriber that falls more than the buffer behind loses edges and must
// consult Online for current state.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 8)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener registered with Subscribe.
func (m *Monitor) Unsubscribe(ch <-chan bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(sub)
			return
		}
	}
}
