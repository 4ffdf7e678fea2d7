// Copyright 2026 FieldOps Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"sync"
)

// changeHub is the store-level change notification: every committed mutation
// ticks it, and observable queries re-run on ticks. Subscriber channels have
// capacity 1 and ticks coalesce, so a slow reader sees at least one tick for
// any burst of mutations.
type changeHub struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[int]chan struct{})}
}

func (h *changeHub) subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *changeHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default: // a tick is already pending; coalesce
		}
	}
}

// broadcaster fans events out to subscriber channels without ever blocking
// the emitter. Each subscriber channel has capacity 1; when a subscriber lags,
// the stale event is replaced by the newest one.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[int]chan T)}
}

func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan T, 1)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster[T]) publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Drop the stale event and keep the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// ObserveRecords exposes ListFinalizedRecords as a push-based stream: the
// current result is emitted immediately and re-emitted after every store
// mutation. The channel closes when ctx is done.
func (c *Client) ObserveRecords(ctx context.Context, filter RecordFilter) <-chan []FinalizedRecord {
	out := make(chan []FinalizedRecord, 1)
	ticks, cancel := c.hub.subscribe()

	go func() {
		defer close(out)
		defer cancel()

		emit := func() {
			records, err := c.ListFinalizedRecords(ctx, filter)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Observable record query failed", "error", err)
				}
				return
			}
			select {
			case out <- records:
			default:
				// Replace the unread result with the fresh one
				select {
				case <-out:
				default:
				}
				select {
				case out <- records:
				default:
				}
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				emit()
			}
		}
	}()

	return out
}

// ObserveSyncProgress streams {fraction, message} events for sync cycles.
// The channel closes when ctx is done.
func (c *Client) ObserveSyncProgress(ctx context.Context) <-chan SyncProgress {
	events, cancel := c.progress.subscribe()
	out := make(chan SyncProgress, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ObserveSyncRunning streams transitions of the "cycle in progress" flag.
func (c *Client) ObserveSyncRunning(ctx context.Context) <-chan bool {
	events, cancel := c.running.subscribe()
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
