package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Envelope wraps a payload with its topic and publish time.
type Envelope struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type subscriber struct {
	ch     chan Envelope
	topics map[Event]bool // nil means every topic
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for the given topics (all topics when none are
// given) and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Envelope, func()) {
	s := &subscriber{ch: make(chan Envelope, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Event]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, c := range b.subs {
				if c == s {
					close(c.ch)
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}

	return s.ch, unsub
}

// Publish fans the payload out without blocking; slow subscribers lose events.
func (b *Bus) Publish(e Event, payload any) {
	env := Envelope{Event: e, Payload: payload, At: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.topics != nil && !s.topics[e] {
			continue
		}
		select {
		case s.ch <- env:
		default:
			// drop if subscriber is slow; keep broker non-blocking
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
