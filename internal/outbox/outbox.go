// Package outbox batches outgoing game messages so several of them ride on
// one poll request.
//
// The Outbox accumulates messages and is due for a flush when:
//
//   - Delay expires, measured from the first message in the batch and not
//     reset by later adds (deadline semantics, not debounce)
//   - Threshold messages are pending
//   - the caller flushes explicitly, e.g. on shutdown
package outbox

import (
	"sync"
	"time"

	"github.com/chronologos/ddnet/internal/protocol"
)

const (
	// Delay is the batching deadline from the first message in a batch.
	Delay = 250 * time.Millisecond

	// Threshold makes a batch due immediately.
	Threshold = 16
)

// Outbox is safe for concurrent use. Add may be called from any
// goroutine; Timer and Notify are meant for one select loop.
type Outbox struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	timer  *time.Timer
	armed  bool
	notify chan struct{}
}

// New creates an empty Outbox.
func New() *Outbox {
	t := time.NewTimer(0)
	if !t.Stop() {
		<-t.C
	}
	return &Outbox{timer: t, notify: make(chan struct{}, 1)}
}

// Add queues msg and reports whether the threshold was reached, in which
// case the caller should flush now. The first message of a batch arms the
// deadline timer. A nil msg is ignored.
func (o *Outbox) Add(msg *protocol.Message) bool {
	if msg == nil {
		return false
	}
	o.mu.Lock()
	if len(o.msgs) == 0 && !o.armed {
		o.timer.Reset(Delay)
		o.armed = true
	}
	o.msgs = append(o.msgs, msg)
	full := len(o.msgs) >= Threshold
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return full
}

// Requeue puts msgs back at the front, ahead of anything added since they
// were flushed, and arms the timer if it is idle.
func (o *Outbox) Requeue(msgs []*protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(append([]*protocol.Message(nil), msgs...), o.msgs...)
	if !o.armed {
		o.timer.Reset(Delay)
		o.armed = true
	}
}

// Flush returns the pending messages and empties the outbox. It returns
// nil when nothing is pending.
func (o *Outbox) Flush() []*protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) == 0 {
		return nil
	}
	if o.armed {
		if !o.timer.Stop() {
			// Fired but not received; drain so it does not trigger a
			// spurious select case later.
			select {
			case <-o.timer.C:
			default:
			}
		}
		o.armed = false
	}
	out := o.msgs
	o.msgs = nil
	return out
}

// Timer returns the channel that fires when the batch deadline expires,
// or nil when no batch is pending. A nil channel blocks forever in a
// select, disabling the case.
func (o *Outbox) Timer() <-chan time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.armed {
		return nil
	}
	return o.timer.C
}

// Notify receives a value after every Add, so a select loop can pick up a
// timer armed after it last called Timer.
func (o *Outbox) Notify() <-chan struct{} { return o.notify }

// Full reports whether the threshold is reached.
func (o *Outbox) Full() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs) >= Threshold
}

// Stop releases the timer.
func (o *Outbox) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timer.Stop()
	o.armed = false
}

// Pending returns the number of queued messages.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}
