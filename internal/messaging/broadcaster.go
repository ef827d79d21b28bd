package messaging

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/logger"
)

const subscriberBuffer = 64

type subscriber struct {
	account string
	ch      chan Event
}

// Broadcaster fans events out to in-process subscribers, such as server-sent event streams.
// Slow subscribers lose events instead of blocking the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a subscriber for an account. The returned cancel function must be called to release it.
func (b *Broadcaster) Subscribe(account string) (<-chan Event, func()) {
	s := &subscriber{account: account, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[s]; ok {
				delete(b.subscribers, s)
				close(s.ch)
			}
		})
	}
}

func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subscribers {
		if s.account != event.Account {
			continue
		}
		select {
		case s.ch <- event:
		default:
			logger.WarnCtx(ctx, "Dropping event for slow subscriber",
				logger.Account(s.account),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)))
		}
	}
	return nil
}

// Close closes every subscriber channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, s)
	}
}
