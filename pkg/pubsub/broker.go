// Package pubsub fans events out to named broadcast channels. Delivery is
// at-least-once per channel; subscribers must tolerate duplicates.
package pubsub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is one payload delivered on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker publishes payloads to channels and manages subscriptions.
type Broker interface {
	Publish(channel string, payload []byte)
	Subscribe(channel string) *Subscription
}

// Subscription receives messages for one channel until closed.
type Subscription struct {
	C       <-chan Message
	ch      chan Message
	channel string
	broker  *MemoryBroker
	once    sync.Once
}

// Close unsubscribes and releases the subscription's channel. It takes
// the broker's write lock, so no publish can be sending concurrently.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		s.broker.removeLocked(s.channel, s)
		close(s.ch)
	})
}

// MemoryBroker is an in-process Broker. Each subscriber gets a buffered
// queue; a publisher blocked on a full queue gives up after a bounded
// wait and drops that subscriber's copy with a warning.
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]bool
	logger  zerolog.Logger
	buffer  int
	maxWait time.Duration
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker(logger zerolog.Logger) *MemoryBroker {
	return &MemoryBroker{
		subs:    make(map[string]map[*Subscription]bool),
		logger:  logger,
		buffer:  64,
		maxWait: time.Second,
	}
}

// Subscribe registers a new subscription on channel.
func (b *MemoryBroker) Subscribe(channel string) *Subscription {
	ch := make(chan Message, b.buffer)
	sub := &Subscription{C: ch, ch: ch, channel: channel, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*Subscription]bool)
	}
	b.subs[channel][sub] = true
	return sub
}

func (b *MemoryBroker) removeLocked(channel string, sub *Subscription) {
	if set, ok := b.subs[channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, channel)
		}
	}
}

// Publish delivers payload to every subscriber of channel. Delivery runs
// under the read lock so a subscription cannot be closed mid-send.
func (b *MemoryBroker) Publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			// Queue full: wait a bounded time before dropping.
			select {
			case sub.ch <- msg:
			case <-time.After(b.maxWait):
				b.logger.Warn().
					Str("channel", channel).
					Msg("Dropping message for slow subscriber")
			}
		}
	}
}

// SubscriberCount returns how many subscriptions a channel has.
func (b *MemoryBroker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
