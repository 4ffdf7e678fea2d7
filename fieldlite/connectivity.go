// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import "sync"

// Monitor exposes network reachability as a push-based boolean signal. It is a
// thin wrapper the platform layer drives via Set; the sync worker subscribes
// and treats an offline→online transition as a trigger.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	next   int
}

// NewMonitor creates a monitor with the given initial reachability.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current reachability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates reachability and notifies subscribers on transitions only.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			// Replace a stale unread transition with the latest state
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe registers a transition listener. The returned cancel func must be
// called to release the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
