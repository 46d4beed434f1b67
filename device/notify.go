package device

import (
	"context"
	"sync"
)

// NotificationKind identifies a notification delivered to the upper layer.
type NotificationKind uint8

// Notification kinds.
const (
	NotifyTransfer NotificationKind = iota // Request completed or released
	NotifyError                            // Non-fatal error (protocol, no buffer, overflow, bus)
	NotifyReset                            // Bus reset handled
	NotifySuspend                          // Bus suspended
	NotifyResume                           // Bus resumed
	NotifyTimeout                          // Watchdog fired for an endpoint
)

// String returns the notification kind name.
func (k NotificationKind) String() string {
	switch k {
	case NotifyTransfer:
		return "transfer"
	case NotifyError:
		return "error"
	case NotifyReset:
		return "reset"
	case NotifySuspend:
		return "suspend"
	case NotifyResume:
		return "resume"
	case NotifyTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Notification reports an engine outcome to the upper layer.
type Notification struct {
	Kind     NotificationKind
	Endpoint EndpointAddress
	Request  *Request // set for NotifyTransfer
	Err      error
}

// Sink receives notifications in the order the engine produces them. Notify
// is called with the controller locked: it must not block and must not call
// back into the Controller. Hand work to another goroutine instead, for
// example with a NotifyQueue.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification)

// Notify calls f(n).
func (f SinkFunc) Notify(n Notification) {
	f(n)
}

// NotifyQueue is an unbounded ordered Sink drained by a consumer goroutine.
type NotifyQueue struct {
	mu     sync.Mutex
	items  []Notification
	wake   chan struct{}
	closed bool
}

// NewNotifyQueue creates an empty queue.
func NewNotifyQueue() *NotifyQueue {
	return &NotifyQueue{wake: make(chan struct{}, 1)}
}

// Notify appends n.
func (q *NotifyQueue) Notify(n Notification) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, n)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryNext removes the oldest notification without waiting.
func (q *NotifyQueue) TryNext() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Notification{}, false
	}
	n := q.items[0]
	q.items[0] = Notification{}
	q.items = q.items[1:]
	return n, true
}

// Next waits for the oldest notification. It returns ctx.Err() if ctx ends
// first and context.Canceled once the queue is closed and empty.
func (q *NotifyQueue) Next(ctx context.Context) (Notification, error) {
	for {
		if n, ok := q.TryNext(); ok {
			return n, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Notification{}, context.Canceled
		}
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len returns the number of queued notifications.
func (q *NotifyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting notifications and wakes any waiter.
func (q *NotifyQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
