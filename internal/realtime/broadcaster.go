// Package realtime fans committed change events out to subscribed
// sinks with best-effort delivery.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/featherbase/featherbase/internal/record"
)

// Event kinds written to a sink.
const (
	EventConnected = "connected"
	EventMessage   = "message"
	EventPing      = "ping"
)

// Event is one frame delivered to a subscriber.
type Event struct {
	Kind string
	Data []byte
}

// Message is the payload of an EventMessage frame.
type Message struct {
	Collection string        `json:"collection"`
	Action     string        `json:"action"`
	Data       record.Record `json:"data"`
}

// Subscriber is one registered sink. Events are delivered through a
// buffered channel; a subscriber that cannot keep up is evicted.
type Subscriber struct {
	ID string

	events chan Event

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// Events returns the subscriber's delivery channel. The channel is
// closed on eviction.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Touch records sink activity, deferring idle eviction.
func (s *Subscriber) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Before(cutoff)
}

// send attempts a non-blocking delivery. Returns false when the sink
// is full or closed.
func (s *Subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		s.lastActivity = time.Now()
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Config tunes the broadcaster.
type Config struct {
	// HeartbeatInterval is how often ping frames are written.
	HeartbeatInterval time.Duration
	// IdleTimeout evicts sinks with no activity for this long.
	IdleTimeout time.Duration
	// SinkBuffer is the per-subscriber channel depth; a full channel
	// is the backpressure signal that evicts the sink.
	SinkBuffer int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = 64
	}
}

// Broadcaster maintains the subscriber set and fans events out.
// Delivery is best-effort: no replay, no queueing beyond the sink
// buffer, ordering per sink follows broadcast call order.
type Broadcaster struct {
	logger *slog.Logger
	cfg    Config

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	stop chan struct{}
	done chan struct{}

	eventsSent   uint64
	sinksEvicted uint64
}

// NewBroadcaster creates a broadcaster and starts its heartbeat task.
func NewBroadcaster(logger *slog.Logger, cfg Config) *Broadcaster {
	cfg.applyDefaults()
	b := &Broadcaster{
		logger:      logger,
		cfg:         cfg,
		subscribers: make(map[string]*Subscriber),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go b.heartbeat()
	return b
}

// Subscribe registers a new sink and writes its connection marker.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:           uuid.NewString(),
		events:       make(chan Event, b.cfg.SinkBuffer),
		lastActivity: time.Now(),
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"clientId": sub.ID})
	sub.send(Event{Kind: EventConnected, Data: data})

	b.logger.Debug("subscriber connected",
		slog.String("id", sub.ID),
		slog.Int("subscribers", count),
	)
	return sub
}

// Unsubscribe removes and closes a sink.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish implements engine.EventSink: the event is serialized once
// and written to every sink. A sink whose buffer is full is closed
// and evicted.
func (b *Broadcaster) Publish(collection, action string, rec record.Record) {
	data, err := json.Marshal(Message{Collection: collection, Action: action, Data: rec})
	if err != nil {
		b.logger.Error("failed to encode change event", slog.String("error", err.Error()))
		return
	}
	ev := Event{Kind: EventMessage, Data: data}

	for _, sub := range b.snapshot() {
		if !sub.send(ev) {
			b.evict(sub, "backpressure")
			continue
		}
		b.mu.Lock()
		b.eventsSent++
		b.mu.Unlock()
	}
}

// SubscriberCount returns the current sink count.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats reports broadcaster counters.
type Stats struct {
	Subscribers  int    `json:"subscribers"`
	EventsSent   uint64 `json:"eventsSent"`
	SinksEvicted uint64 `json:"sinksEvicted"`
}

// Stats returns current counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers:  len(b.subscribers),
		EventsSent:   b.eventsSent,
		SinksEvicted: b.sinksEvicted,
	}
}

// Close stops the heartbeat and evicts every sink.
func (b *Broadcaster) Close() {
	close(b.stop)
	<-b.done

	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (b *Broadcaster) snapshot() []*Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		out = append(out, sub)
	}
	return out
}

func (b *Broadcaster) evict(sub *Subscriber, reason string) {
	b.mu.Lock()
	_, ok := b.subscribers[sub.ID]
	if ok {
		delete(b.subscribers, sub.ID)
		b.sinksEvicted++
	}
	b.mu.Unlock()
	if ok {
		sub.close()
		b.logger.Debug("subscriber evicted",
			slog.String("id", sub.ID),
			slog.String("reason", reason),
		)
	}
}

// heartbeat writes keep-alive frames and evicts idle sinks.
func (b *Broadcaster) heartbeat() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.IdleTimeout)
			for _, sub := range b.snapshot() {
				if sub.idleSince(cutoff) {
					b.evict(sub, "idle")
					continue
				}
				if !sub.send(Event{Kind: EventPing}) {
					b.evict(sub, "backpressure")
				}
			}
		}
	}
}
