// Package stream fans ingested spans and insight notifications out to live
// subscribers over bounded channels. Producers never block: a full
// subscriber channel drops its oldest message to make room.
package stream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tailspin/internal/clock"
	"tailspin/internal/logging"
	"tailspin/internal/metrics"
	"tailspin/internal/span"
)

// DefaultCapacity is the per-subscriber channel size.
const DefaultCapacity = 1000

// ErrSubscriptionClosed is returned by Stream when the subscription is
// closed underneath it (unsubscribed or replaced).
var ErrSubscriptionClosed = errors.New("stream: subscription closed")

// MessageType identifies the payload of a Message.
type MessageType string

const (
	TypeSpans     MessageType = "spans"
	TypeInsight   MessageType = "insight"
	TypeHeartbeat MessageType = "heartbeat"
)

// InsightSummary announces a newly materialized insight tier.
type InsightSummary struct {
	Tier           string    `json:"tier"`
	ContentHash    string    `json:"content_hash"`
	MaterializedAt time.Time `json:"materialized_at"`
	SpanCount      int64     `json:"span_count"`
}

// Message is one delivery to a subscriber. Sequence increases with every
// publish and is shared by all subscribers that receive it.
type Message struct {
	Type     MessageType     `json:"type"`
	Sequence uint64          `json:"sequence"`
	Spans    []span.Record   `json:"spans,omitempty"`
	Insight  *InsightSummary `json:"insight,omitempty"`
	Time     time.Time       `json:"time"`
}

// Options configures a Broadcaster.
type Options struct {
	Capacity          int           `yaml:"capacity" envconfig:"STREAM_CAPACITY"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"STREAM_HEARTBEAT_INTERVAL"`
}

// SubscribeOptions narrows what a subscriber receives.
type SubscribeOptions struct {
	// SessionID restricts span messages to spans of this session key.
	SessionID string
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	id        string
	sessionID string

	mu      sync.Mutex
	ch      chan Message
	closed  bool
	dropped atomic.Uint64
}

// ID returns the client id.
func (s *Subscription) ID() string { return s.id }

// Events returns the receive side of the queue. It is closed on
// unsubscribe.
func (s *Subscription) Events() <-chan Message { return s.ch }

// Dropped returns how many messages were discarded to make room.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// enqueue appends msg, discarding the oldest queued message while the
// channel is full. The subscription lock serializes producers and makes
// sends after close a no-op.
func (s *Subscription) enqueue(msg Message, m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			m.StreamDrop()
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Broadcaster is the pub/sub hub.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	// pubMu orders publishes so every subscriber sees sequence order.
	pubMu sync.Mutex
	seq   uint64

	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Broadcaster with no subscribers.
func New(opts Options, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if opts.Capacity < 1 {
		opts.Capacity = DefaultCapacity
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Broadcaster{
		subs:    make(map[string]*Subscription),
		opts:    opts,
		clock:   clk,
		logger:  logging.OrNop(logger).Named("stream"),
		metrics: m,
	}
}

// Subscribe registers clientID. An empty id is replaced by a generated
// one; an id that is already subscribed has its old subscription closed.
func (b *Broadcaster) Subscribe(clientID string, opts SubscribeOptions) *Subscription {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sub := &Subscription{
		id:        clientID,
		sessionID: opts.SessionID,
		ch:        make(chan Message, b.opts.Capacity),
	}

	b.mu.Lock()
	old := b.subs[clientID]
	b.subs[clientID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	if old != nil {
		old.close()
		b.logger.Debug("subscription replaced", zap.String("client_id", clientID))
	}
	b.metrics.SetSubscribers(n)
	b.logger.Debug("subscribed", zap.String("client_id", clientID), zap.String("session_id", opts.SessionID))
	return sub
}

// Unsubscribe removes clientID and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	sub, ok := b.subs[clientID]
	if ok {
		delete(b.subs, clientID)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		sub.close()
		b.metrics.SetSubscribers(n)
	}
}

// unsubscribe removes sub only if it is still the registered subscription
// for its id, so a replaced subscriber cannot remove its successor.
func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	current, ok := b.subs[sub.id]
	if ok && current == sub {
		delete(b.subs, sub.id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	sub.close()
	b.metrics.SetSubscribers(n)
}

func (b *Broadcaster) snapshot() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

// Publish delivers msg to every subscriber. Type and payload are taken
// from msg; Sequence and Time are assigned here.
func (b *Broadcaster) Publish(msg Message) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.seq++
	msg.Sequence = b.seq
	msg.Time = b.clock.Now()
	for _, sub := range b.snapshot() {
		sub.enqueue(msg, b.metrics)
	}
}

// PublishSpans delivers batch to every subscriber after applying its
// session filter. Subscribers with no matching spans receive nothing.
func (b *Broadcaster) PublishSpans(batch []span.Record) {
	if len(batch) == 0 {
		return
	}
	batch = slices.Clone(batch)

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.seq++
	seq, now := b.seq, b.clock.Now()
	for _, sub := range b.snapshot() {
		spans := batch
		if sub.sessionID != "" {
			spans = filterSession(batch, sub.sessionID)
			if len(spans) == 0 {
				continue
			}
		}
		sub.enqueue(Message{Type: TypeSpans, Sequence: seq, Spans: spans, Time: now}, b.metrics)
	}
}

func filterSession(batch []span.Record, sessionID string) []span.Record {
	var out []span.Record
	for i := range batch {
		if span.SessionKey(&batch[i]) == sessionID {
			out = append(out, batch[i])
		}
	}
	return out
}

// NotifyInsight publishes an insight message.
func (b *Broadcaster) NotifyInsight(summary InsightSummary) {
	b.Publish(Message{Type: TypeInsight, Insight: &summary})
}

// Stream subscribes clientID and calls fn for each message until ctx
// ends, fn fails or the subscription is closed. The subscription is
// always removed before Stream returns.
func (b *Broadcaster) Stream(ctx context.Context, clientID string, opts SubscribeOptions, fn func(Message) error) error {
	sub := b.Subscribe(clientID, opts)
	defer b.unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Events():
			if !ok {
				return ErrSubscriptionClosed
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

// SubscriberCount returns the number of current subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// RunHeartbeat publishes a heartbeat every HeartbeatInterval until ctx
// ends, so idle streams notice dead connections.
func (b *Broadcaster) RunHeartbeat(ctx context.Context) {
	ticker := b.clock.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Publish(Message{Type: TypeHeartbeat})
		}
	}
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.metrics.SetSubscribers(0)
}
