package eventbus

import (
	"sync"
	"time"
)

// Event is the in-memory signal used to propagate state transitions.
//
// Contract:
//   - Publish MUST be non-blocking for the publisher.
//   - Every subscriber receives every event at least once, in emission order.
//     Per-entity ordering follows from global emission order.
//
// OldState/NewState are the string forms of the entity's states so observers
// never need the owning package's types.
type Event struct {
	EntityKind string // "job_run" | "action_run" | "trigger"
	EntityID   string
	OldState   string
	NewState   string
	Time       time.Time
	Data       any
}

type Bus interface {
	Publish(e Event)
	Subscribe(name string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus.
//
// Unlike a drop-on-full design, each subscriber owns an unbounded FIFO
// drained by a dedicated goroutine: trigger resolution must not miss a
// completion event because a burst outran a channel buffer.
func New() Bus {
	return &memBus{subs: map[string]*subscriber{}}
}

type memBus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
	seq  uint64
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	out     chan Event
}

func newSubscriber() *subscriber {
	s := &subscriber{out: make(chan Event)}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.pending = append(s.pending, e)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.pending) == 0 {
			s.mu.Unlock()
			close(s.out)
			return
		}
		e := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.out <- e
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.closed = true
	// Drop undelivered events so drain() does not block on a reader that
	// has gone away.
	s.pending = nil
	s.cond.Signal()
	s.mu.Unlock()
	// Unblock a drain() goroutine parked on the out channel.
	go func() {
		for range s.out {
		}
	}()
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
}

func (b *memBus) Subscribe(name string) (<-chan Event, func()) {
	sub := newSubscriber()

	b.mu.Lock()
	b.seq++
	key := name + "#" + itoa(b.seq)
	b.subs[key] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, key)
			b.mu.Unlock()
			sub.stop()
		})
	}
	return sub.out, unsub
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
