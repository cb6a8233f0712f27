package bus

import (
	"sync"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// Subscription is one consumer's bounded view of a project stream.
//
// Events are staged in a ring of fixed capacity. When the consumer falls
// behind and the ring fills, the oldest staged event is dropped; the gap
// is surfaced in-stream as a single synthetic logEntry event carrying
// the number of dropped events. Delivery order is otherwise publish
// order.
type Subscription struct {
	projectID string
	out       chan *Envelope

	mu      sync.Mutex
	ring    []*Envelope
	cap     int
	dropped int
	closed  bool

	notify chan struct{}
	done   chan struct{}

	cancelOnce sync.Once
	doneOnce   sync.Once
	cancel     func(*Subscription)
}

func newSubscription(projectID string, buffer int, cancel func(*Subscription)) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{
		projectID: projectID,
		out:       make(chan *Envelope),
		ring:      make([]*Envelope, 0, buffer),
		cap:       buffer,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go s.pump()
	return s
}

// newClosedSubscription returns a subscription whose stream has already
// ended. Subscribing to a closed project yields one of these.
func newClosedSubscription(projectID string) *Subscription {
	s := &Subscription{
		projectID: projectID,
		out:       make(chan *Envelope),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.closed = true
	close(s.out)
	s.closeDone()
	return s
}

// Events returns the receive channel. It is closed when the project
// topic closes or the subscription is cancelled.
func (s *Subscription) Events() <-chan *Envelope {
	return s.out
}

// ProjectID reports which project the subscription is attached to.
func (s *Subscription) ProjectID() string {
	return s.projectID
}

// Cancel detaches the subscription and closes the events channel. Any
// events still staged are discarded.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
		s.closeDone()
		s.finish()
	})
}

func (s *Subscription) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// offer stages an envelope for delivery, dropping the oldest staged
// event when the ring is full. It never blocks.
func (s *Subscription) offer(env *Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= s.cap {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
		s.dropped++
	}
	s.ring = append(s.ring, env)
	s.mu.Unlock()
	s.wake()
}

// finish marks the stream complete. Staged events are still delivered
// before the channel closes.
func (s *Subscription) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves staged events to the consumer channel. The consumer sees a
// lag marker at the position of any gap, then delivery resumes with the
// oldest surviving event.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *Envelope
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			next = lagEnvelope(s.projectID, n)
			if !s.send(next) {
				return
			}
			continue
		}
		if len(s.ring) > 0 {
			next = s.ring[0]
			s.ring = s.ring[1:]
			s.mu.Unlock()
			if !s.send(next) {
				return
			}
			continue
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			// Drain whatever is staged, then exit via the closed path.
		}
	}
}

func (s *Subscription) send(env *Envelope) bool {
	select {
	case s.out <- env:
		return true
	case <-s.done:
		return false
	}
}

// lagEnvelope is the synthetic event that marks dropped deliveries.
func lagEnvelope(projectID string, dropped int) *Envelope {
	data := v1.LogEntryData("warn", "subscriber lag", "SubscriberLag")
	data["dropped"] = dropped
	return NewEnvelope(projectID, v1.EventLogEntry, data)
}
