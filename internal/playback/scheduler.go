// Package playback paces synthesised audio to the client.
//
// The [Scheduler] assigns every enqueued chunk a contiguous slot on a virtual
// timeline: start = max(now, nextStart), nextStart = start + duration. A
// single dispatch goroutine hands each chunk to the [Sink] when its slot
// begins, so the relay downstream is never more than a lead interval ahead of
// real playback and a barge-in only has to cancel what is still queued here.
package playback

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/tutorvox/pkg/audio"
)

// Slot is a chunk with its place on the playback timeline.
type Slot struct {
	// Seq is a per-scheduler sequence number starting at 1. It keeps
	// increasing across Clear so the client can discard stale audio.
	Seq   uint64
	Frame audio.AudioFrame
	Start time.Time
	End   time.Time
}

// Sink receives paced audio. Both methods are called from a single goroutine
// at a time and must not block for long.
type Sink interface {
	// Deliver is called when a slot is due.
	Deliver(Slot)

	// OnClear is called after Clear cancelled pending or playing audio, so the
	// client can drop whatever it has buffered.
	OnClear()
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the clock. Defaults to the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLead delivers each slot up to d before its start time, giving the
// client a small jitter buffer. Default 0.
func WithLead(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lead = d
		}
	}
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	sink  Sink
	clock clockwork.Clock
	lead  time.Duration

	mu        sync.Mutex
	queue     []Slot
	nextStart time.Time
	seq       uint64
	closed    bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New creates a Scheduler and starts its dispatch goroutine. Call Close to
// stop it.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		clock:  clockwork.NewRealClock(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Enqueue schedules frame directly after everything already scheduled, or now
// if the timeline has run dry. It returns the assigned slot. After Close the
// frame is discarded and a zero Slot is returned.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Slot{}
	}

	now := s.clock.Now()
	start := s.nextStart
	if start.Before(now) {
		start = now
	}
	s.seq++
	slot := Slot{
		Seq:   s.seq,
		Frame: frame,
		Start: start,
		End:   start.Add(frame.Duration()),
	}
	s.nextStart = slot.End
	s.queue = append(s.queue, slot)
	s.wake()
	return slot
}

// Clear cancels every undelivered slot, resets the timeline to now and tells
// the sink. It reports whether anything was cancelled; with nothing queued and
// nothing still playing it is a no-op.
func (s *Scheduler) Clear() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	active := len(s.queue) > 0 || s.nextStart.After(now)
	s.queue = nil
	s.nextStart = now
	if active {
		s.wake()
	}
	s.mu.Unlock()

	if active {
		s.sink.OnClear()
	}
	return active
}

// Len returns the number of undelivered slots.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Playing reports whether scheduled audio extends past now.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0 || s.nextStart.After(s.clock.Now())
}

// Close stops dispatching and drops pending slots. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	<-s.exited
	return nil
}

// wake must be called with s.mu held.
func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-s.notify:
				continue
			}
		}
		head := s.queue[0]
		s.mu.Unlock()

		if wait := head.Start.Sub(s.clock.Now()) - s.lead; wait > 0 {
			timer := s.clock.NewTimer(wait)
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-s.notify:
				// The queue changed; re-evaluate the head.
				timer.Stop()
				continue
			case <-timer.Chan():
			}
		}

		s.mu.Lock()
		due := len(s.queue) > 0 && s.queue[0].Seq == head.Seq
		if due {
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if due {
			s.sink.Deliver(head)
		}
	}
}
