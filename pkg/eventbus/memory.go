package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
)

const defaultQueueDepth = 64

type subscriber struct {
	userID string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver enqueues without blocking, dropping the oldest queued event when
// the consumer has fallen behind.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemoryBus is the single-process Bus implementation. Subscriber channels are
// bounded; slow consumers lose their oldest events, emitters never block.
type MemoryBus struct {
	mu         sync.Mutex
	subs       map[int64]*subscriber
	nextID     int64
	queueDepth int
	closed     bool
}

// NewMemoryBus creates an in-process bus with the given per-subscriber queue
// depth.
func NewMemoryBus(queueDepth int) *MemoryBus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &MemoryBus{
		subs:       make(map[int64]*subscriber),
		queueDepth: queueDepth,
	}
}

// Emit publishes to matching subscribers. The subscriber list is snapshotted
// under the mutex; fan-out happens outside it.
func (b *MemoryBus) Emit(topic string, payload interface{}, targetUserID string) {
	event, err := NewEvent(topic, targetUserID, payload)
	if err != nil {
		logger.Warn("event dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if targetUserID == "" || sub.userID == targetUserID {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
}

// Subscribe registers a bounded channel for userID.
func (b *MemoryBus) Subscribe(userID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{userID: userID, ch: make(chan Event, b.queueDepth)}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub.ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.shutdown()
	}
	return sub.ch, cancel
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		delete(b.subs, id)
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

var _ Bus = (*MemoryBus)(nil)
