package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicBotState        Topic = "bot.state"
	TopicBotAnalysis     Topic = "bot.analysis"
	TopicTradeOpened     Topic = "trade.opened"
	TopicTradeClosed     Topic = "trade.closed"
	TopicControllerCycle Topic = "controller.cycle"
)

// Event is a single broadcast message. Payload keys are stable identifiers
// consumed by the WebSocket facade and dashboards.
type Event struct {
	Topic     Topic                  `json:"topic"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Subscription is a receive-only view of the bus for one consumer. Events are
// delivered per-topic FIFO, at most once, and dropped when the consumer lags
// behind its buffer.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topics map[Topic]bool // nil means all topics
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.ch)
	})
}

func (s *Subscription) wants(topic Topic) bool {
	return s.topics == nil || s.topics[topic]
}

// Bus is a single-writer-per-topic broadcast hub. Delivery is best-effort:
// a slow subscriber loses the oldest events beyond its buffer.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]bool
	dropped atomic.Int64
	buffer  int
}

const defaultBuffer = 256

// NewBus creates an event bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]bool), buffer: defaultBuffer}
}

// NewBusWithBuffer creates an event bus with a custom per-subscriber buffer.
func NewBusWithBuffer(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{subs: make(map[*Subscription]bool), buffer: buffer}
}

// Subscribe registers a consumer for the given topics. An empty topic list
// subscribes to everything.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{ch: make(chan Event, b.buffer), bus: b}
	sub.C = sub.ch
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish fans an event out to all matching subscribers. Never blocks the
// publisher: when a subscriber's buffer is full the oldest event is dropped
// to make room, preserving per-topic FIFO for the events that survive.
func (b *Bus) Publish(topic Topic, payload map[string]interface{}) {
	event := Event{Topic: topic, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: shed the oldest, then retry once.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the total number of events shed due to subscriber lag.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
