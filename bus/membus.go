package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/flowport/importer"
)

const defaultSubscriberBuffer = 256

// allImports is the topic of SubscribeAll. Import ids are never empty.
const allImports = ""

// MemBusConfig configures a MemBus.
type MemBusConfig struct {
	// SubscriberBufferSize is the per-subscriber channel capacity. Zero
	// selects 256.
	SubscriberBufferSize int
}

// MemBus is an in-process EventBus. Subscribers are grouped by topic: an
// import id, or allImports for feed subscribers.
type MemBus struct {
	mu      sync.RWMutex
	topics  map[string]map[*memSub]struct{}
	bufSize int
	closed  bool

	dropped atomic.Uint64
}

// NewMemBus creates an empty bus.
func NewMemBus(cfg MemBusConfig) *MemBus {
	size := cfg.SubscriberBufferSize
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	return &MemBus{
		topics:  make(map[string]map[*memSub]struct{}),
		bufSize: size,
	}
}

// Publish delivers event to the subscribers of its import and to every
// feed subscriber. Publishing on a closed bus is a no-op.
func (b *MemBus) Publish(event importer.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, topic := range [2]string{event.ImportID, allImports} {
		for sub := range b.topics[topic] {
			if !sub.offer(event) {
				b.dropped.Add(1)
			}
		}
	}
}

func (b *MemBus) Subscribe(importID string) Subscription {
	return b.subscribe(importID)
}

func (b *MemBus) SubscribeAll() Subscription {
	return b.subscribe(allImports)
}

func (b *MemBus) subscribe(topic string) *memSub {
	sub := &memSub{ch: make(chan importer.Event, b.bufSize), bus: b, topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shut()
		return sub
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*memSub]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (b *MemBus) unsubscribe(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Dropped counts events not delivered because a subscriber's buffer was
// full.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later subscriptions start closed.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			sub.shut()
		}
	}
	b.topics = make(map[string]map[*memSub]struct{})
	return nil
}

type memSub struct {
	ch    chan importer.Event
	bus   *MemBus
	topic string

	mu     sync.Mutex
	closed bool
}

func (s *memSub) Events() <-chan importer.Event { return s.ch }

func (s *memSub) Close() error {
	s.bus.unsubscribe(s)
	s.shut()
	return nil
}

// offer queues event without blocking. It reports false when the event
// was dropped on a full buffer.
func (s *memSub) offer(event importer.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
