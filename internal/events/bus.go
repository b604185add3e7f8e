// Package events fans slot and negotiation changes out to observers that
// live outside the control loop (display layers, recorders, the health
// endpoint).
//
// Publish never blocks. A subscriber whose channel is full misses the event
// and the drop is counted; the control loop is never held up by a slow
// consumer.
//
//	bus := events.New()
//	defer bus.Close()
//
//	ch := make(chan events.Event, 16)
//	bus.Subscribe("ui", ch)
//
//	for ev := range ch {
//	    fmt.Println(ev.Slot, ev.Kind)
//	}
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Bus distributes events to multiple subscribers with a drop policy.
type Bus interface {
	// Subscribe registers a channel. Returns an error if id already exists
	// or the bus is closed.
	Subscribe(id string, ch chan<- Event) error

	// Unsubscribe removes a subscriber by id.
	Unsubscribe(id string) error

	// Publish sends ev to every subscriber without blocking. Events
	// published after Close are discarded.
	Publish(ev Event)

	// Stats returns a snapshot of delivery counters.
	Stats() BusStats

	// Close stops the bus. Subscriber channels are not closed.
	Close() error
}

var (
	ErrSubscriberExists   = errors.New("events: subscriber id already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber id not found")
	ErrBusClosed          = errors.New("events: bus is closed")
)

// Source names the component an event came from
type Source string

const (
	SourcePipeline  Source = "pipeline"
	SourceNegotiate Source = "negotiate"
)

// Event is a slot-level change
type Event struct {
	Source  Source    `json:"source"`
	Slot    string    `json:"slot"`
	Kind    string    `json:"kind"`              // playing, stopped, error, requested, active, failed, ...
	Profile string    `json:"profile,omitempty"` // display label of the profile involved
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// BusStats contains global and per-subscriber counters
type BusStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

// SubscriberStats tracks one subscriber
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriberStats struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Event
	stats       map[string]*subscriberStats
	closed      bool

	totalPublished atomic.Uint64
}

// New creates an event bus
func New() Bus {
	return &bus{
		subscribers: make(map[string]chan<- Event),
		stats:       make(map[string]*subscriberStats),
	}
}

func (b *bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return errors.New("events: subscriber channel cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = ch
	b.stats[id] = &subscriberStats{}
	return nil
}

func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subscribers, id)
	delete(b.stats, id)
	return nil
}

func (b *bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
			b.stats[id].sent.Add(1)
		default:
			b.stats[id].dropped.Add(1)
		}
	}
}

func (b *bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := BusStats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.stats)),
	}
	for id, s := range b.stats {
		sent, dropped := s.sent.Load(), s.dropped.Load()
		result.TotalSent += sent
		result.TotalDropped += dropped
		result.Subscribers[id] = SubscriberStats{Sent: sent, Dropped: dropped}
	}
	return result
}

// Close is idempotent
func (b *bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
