package pickerservice

import (
	"context"
	"sync"
)

// ChangeNotifier provides a simple in-process pub-sub for change events. The
// containers in this package embed one to signal that their media or album
// set changed so list_changed notifications can be sent to clients.
type ChangeNotifier struct {
	subscribers   []chan struct{}
	subscribersMu sync.RWMutex
	closed        bool
}

// Notify signals all registered listeners that the underlying set changed.
// It returns nil always; the error return exists only for future expansion.
// Callers may safely ignore the returned error.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.subscribersMu.RLock()
	defer cn.subscribersMu.RUnlock()

	if cn.closed {
		return nil
	}

	// Best-effort fan-out: non-blocking send to each subscriber to avoid
	// head-of-line blocking on slow consumers.
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// drop if subscriber is backed up
		}
	}
	return nil
}

// Close releases all subscriber channels. Subsequent Notify calls are no-ops
// and new Subscriber calls return an already-closed channel.
func (cn *ChangeNotifier) Close() {
	// Take exclusive lock so no Notify holds a read lock while we swap/close.
	cn.subscribersMu.Lock()
	if cn.closed {
		cn.subscribersMu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.subscribersMu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// ChangeSubscriber is implemented by values that can hand out change
// channels, typically by embedding a ChangeNotifier.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

// Subscriber returns a channel that receives a signal whenever Notify is
// called. The channel is buffered with capacity 1 so notification coalescing
// is automatic: a subscriber that has not drained yet absorbs further
// signals without losing the fact that something changed.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.subscribersMu.Lock()
	defer cn.subscribersMu.Unlock()

	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	// Buffered to avoid blocking Notify; sends are non-blocking anyway.
	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)

	return ch
}
