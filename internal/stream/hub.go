// Package stream implements the Execution Stream Hub (C4): an in-process
// pub/sub that mirrors engine.Event notices to subscribers without
// blocking the engine, applying a bounded-buffer overflow policy per
// subscriber.
package stream

import (
	"sync"

	"github.com/n3flow/platform/internal/engine"
)

const defaultBufferSize = 256

// Subscription is the read side a caller (an HTTP/websocket handler, a
// test) drains events from.
type Subscription struct {
	ch     chan engine.Event
	hub    *Hub
	id     uint64
	closed chan struct{}
}

// Events returns the channel to range over. It is closed when the
// subscriber is unsubscribed or disconnected for OVERFLOW.
func (s *Subscription) Events() <-chan engine.Event { return s.ch }

// Overflowed reports whether this subscription has been closed. It is true
// after a disconnect because an execution.status event could not be
// delivered without blocking the hub, and also after Unsubscribe; the two
// cases are not distinguished.
func (s *Subscription) Overflowed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Unsubscribe removes this subscription from the hub and closes its
// channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s.id)
}

// subscriber is the hub's internal bookkeeping for one Subscription: its
// execution filter and bounded event buffer. The per-node snapshot used to
// catch up a late subscriber is kept on the Hub.
type subscriber struct {
	id        uint64
	execID    string // "" subscribes to every execution
	ch        chan engine.Event
	closed    chan struct{}
	closeOnce *sync.Once
}

// Hub fans engine events out to subscribers. It implements
// engine.Publisher so an Engine can be constructed with a Hub as its
// Publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64

	bufferSize int

	snapshotMu sync.Mutex
	// latestNodeStatus holds the last node.status event per (executionID,
	// nodeID) and latestExecStatus the last execution.status event per
	// executionID, used
	// to build a synthetic snapshot for late subscribers.
	latestNodeStatus map[string]map[string]engine.Event
	latestExecStatus map[string]engine.Event
}

// NewHub builds a Hub with the given per-subscriber buffer size (0 uses
// the default of 256).
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subscribers:      make(map[uint64]*subscriber),
		bufferSize:       bufferSize,
		latestNodeStatus: make(map[string]map[string]engine.Event),
		latestExecStatus: make(map[string]engine.Event),
	}
}

// Subscribe registers a new subscription. executionID == "" subscribes to
// every execution's events. If executionID names a currently-tracked
// execution, the subscriber's channel is seeded with a synthetic snapshot
// (the execution's last known status plus the latest status per node)
// before any live event is delivered.
func (h *Hub) Subscribe(executionID string) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	sub := &subscriber{
		id:        id,
		execID:    executionID,
		ch:        make(chan engine.Event, h.bufferSize),
		closed:    make(chan struct{}),
		closeOnce: &sync.Once{},
	}
	h.subscribers[id] = sub
	h.mu.Unlock()

	if executionID != "" {
		for _, ev := range h.snapshot(executionID) {
			sub.ch <- ev
		}
	}

	return &Subscription{ch: sub.ch, hub: h, id: id, closed: sub.closed}
}

func (h *Hub) snapshot(executionID string) []engine.Event {
	h.snapshotMu.Lock()
	defer h.snapshotMu.Unlock()

	var out []engine.Event
	if ev, ok := h.latestExecStatus[executionID]; ok {
		out = append(out, ev)
	}
	for _, ev := range h.latestNodeStatus[executionID] {
		out = append(out, ev)
	}
	return out
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if ok {
		closeSubscriber(sub)
	}
}

func closeSubscriber(sub *subscriber) {
	sub.closeOnce.Do(func() {
		close(sub.closed)
		close(sub.ch)
	})
}

// Publish implements engine.Publisher. It records the event in the
// snapshot cache (for future late subscribers) and fans it out to every
// matching subscriber, applying the overflow policy to any subscriber
// whose buffer is full.
func (h *Hub) Publish(ev engine.Event) {
	h.recordSnapshot(ev)

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if sub.execID == "" || sub.execID == ev.ExecutionID {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		h.deliver(sub, ev)
	}
}

func (h *Hub) recordSnapshot(ev engine.Event) {
	h.snapshotMu.Lock()
	defer h.snapshotMu.Unlock()
	switch ev.Type {
	case "execution.status":
		h.latestExecStatus[ev.ExecutionID] = ev
		if ev.Status == engine.ExecutionCompleted || ev.Status == engine.ExecutionFailed || ev.Status == engine.ExecutionCancelled {
			delete(h.latestNodeStatus, ev.ExecutionID)
		}
	case "node.status":
		byNode, ok := h.latestNodeStatus[ev.ExecutionID]
		if !ok {
			byNode = make(map[string]engine.Event)
			h.latestNodeStatus[ev.ExecutionID] = byNode
		}
		byNode[ev.NodeID] = ev
	}
}

// deliver attempts a non-blocking send. On overflow it applies the
// drop-oldest-output / coalesce-status / disconnect-on-status-loss policy
// described in §4.4.
func (h *Hub) deliver(sub *subscriber, ev engine.Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	// Buffer is full. execution.status must never be silently dropped:
	// disconnect instead.
	if ev.Type == "execution.status" {
		h.remove(sub.id)
		return
	}

	// For node.output and node.status, make room by dropping or
	// coalescing one buffered event, then retry once.
	if h.makeRoom(sub, ev) {
		select {
		case sub.ch <- ev:
		default:
			// Still full (a racing publisher refilled it): give up on
			// this one event rather than block the engine.
		}
	}
}

// makeRoom drains exactly one event from sub.ch to free a slot, preferring
// to drop a node.output event over a node.status event, per the overflow
// policy's priority order. It returns false if the channel could not be
// drained (e.g. it raced closed).
func (h *Hub) makeRoom(sub *subscriber, incoming engine.Event) bool {
	const scanLimit = 64 // bound the scan so a pathological mix can't spin forever

	var drained []engine.Event
	found := false
	for i := 0; i < scanLimit; i++ {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return false
			}
			if !found && ev.Type == "node.output" {
				found = true
				continue // drop it
			}
			drained = append(drained, ev)
		default:
			i = scanLimit // nothing left buffered
		}
		if found {
			break
		}
	}

	if !found && len(drained) > 0 {
		// No node.output to drop: coalesce the oldest two node.status
		// events for the same node instead, keeping the newest.
		drained, found = coalesceOldestStatus(drained)
	}

	for _, ev := range drained {
		select {
		case sub.ch <- ev:
		default:
			// Channel refilled by a racing publish; stop re-queuing rather
			// than block.
			return found
		}
	}
	return found
}

// coalesceOldestStatus drops the oldest node.status event when two
// node.status events for the same node both appear in events, keeping
// only the most recent of the pair.
func coalesceOldestStatus(events []engine.Event) ([]engine.Event, bool) {
	seen := make(map[string]int) // nodeID -> index of the kept event in out
	out := make([]engine.Event, 0, len(events))
	coalesced := false
	for _, ev := range events {
		if ev.Type != "node.status" {
			out = append(out, ev)
			continue
		}
		if idx, ok := seen[ev.NodeID]; ok {
			out[idx] = ev // keep the newer one in place
			coalesced = true
			continue
		}
		seen[ev.NodeID] = len(out)
		out = append(out, ev)
	}
	return out, coalesced
}

var _ engine.Publisher = (*Hub)(nil)
