package engine

import (
	"sync"

	durable "github.com/goliatone/go-durable"
)

type eventKey struct {
	instanceID string
	name       string
}

type eventWaiter struct {
	ch chan durable.Event
}

// Correlator matches externally raised events with waiting orchestrations,
// keyed by (instance, event name). Raised events are appended to the
// instance history before delivery, so the history itself is the durable
// buffer: an event raised before any wait is registered is simply consumed
// from history when the wait arrives. Waiters are satisfied FIFO.
type Correlator struct {
	mu      sync.Mutex
	waiters map[eventKey][]*eventWaiter
}

// NewCorrelator constructs an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{waiters: make(map[eventKey][]*eventWaiter)}
}

// Register enqueues a waiter for the next undelivered (instance, name)
// event. The returned channel receives exactly one event.
func (c *Correlator) Register(instanceID, name string) chan durable.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := eventKey{instanceID: instanceID, name: name}
	w := &eventWaiter{ch: make(chan durable.Event, 1)}
	c.waiters[key] = append(c.waiters[key], w)
	return w.ch
}

// Deliver hands the event to the earliest registered waiter, reporting
// whether one consumed it. A false return means no wait is registered yet;
// the event stays buffered in history.
func (c *Correlator) Deliver(instanceID string, ev durable.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := eventKey{instanceID: instanceID, name: ev.Name}
	queue := c.waiters[key]
	if len(queue) == 0 {
		return false
	}
	w := queue[0]
	if len(queue) == 1 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = queue[1:]
	}
	w.ch <- ev
	return true
}

// DropInstance discards every waiter for an instance, used on terminal
// transitions.
func (c *Correlator) DropInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.waiters {
		if key.instanceID == instanceID {
			delete(c.waiters, key)
		}
	}
}
