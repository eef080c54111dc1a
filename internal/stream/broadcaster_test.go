package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tailspin/internal/clock"
	"tailspin/internal/span"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBroadcaster(capacity int) *Broadcaster {
	return New(Options{Capacity: capacity}, clock.Fake(t0), nil, nil)
}

func rec(traceID, spanID, session string) span.Record {
	return span.Record{TraceID: traceID, SpanID: spanID, SessionID: session, StartTimeUnixNano: 1, EndTimeUnixNano: 2}
}

func drain(sub *Subscription) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestDropOldestKeepsMostRecent(t *testing.T) {
	const capacity = 10
	b := newTestBroadcaster(capacity)
	sub := b.Subscribe("c1", SubscribeOptions{})

	for i := 0; i < capacity+5; i++ {
		b.PublishSpans([]span.Record{rec("t", fmt.Sprintf("s%d", i), "")})
	}

	got := drain(sub)
	require.Len(t, got, capacity)
	assert.Equal(t, uint64(5), sub.Dropped())
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("s%d", i+5), msg.Spans[0].SpanID)
		assert.Equal(t, uint64(i+6), msg.Sequence)
	}
}

func TestSessionFilterSkipsEmptyBatches(t *testing.T) {
	b := newTestBroadcaster(10)
	all := b.Subscribe("all", SubscribeOptions{})
	s1 := b.Subscribe("s1", SubscribeOptions{SessionID: "S1"})

	b.PublishSpans([]span.Record{rec("t1", "a", "S1"), rec("t2", "b", "S2")})
	b.PublishSpans([]span.Record{rec("t3", "c", "S2")})
	// Trace id is the session key when no session is set.
	b.PublishSpans([]span.Record{rec("S1", "d", "")})

	allMsgs := drain(all)
	require.Len(t, allMsgs, 3)
	assert.Len(t, allMsgs[0].Spans, 2)

	s1Msgs := drain(s1)
	require.Len(t, s1Msgs, 2)
	assert.Equal(t, "a", s1Msgs[0].Spans[0].SpanID)
	assert.Len(t, s1Msgs[0].Spans, 1)
	assert.Equal(t, "d", s1Msgs[1].Spans[0].SpanID)
	assert.Equal(t, uint64(3), s1Msgs[1].Sequence)
}

func TestEmptyIDGetsGeneratedID(t *testing.T) {
	b := newTestBroadcaster(1)
	a := b.Subscribe("", SubscribeOptions{})
	c := b.Subscribe("", SubscribeOptions{})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), c.ID())
	assert.Equal(t, 2, b.SubscriberCount())
}

func TestResubscribeReplacesAndClosesOld(t *testing.T) {
	b := newTestBroadcaster(4)
	old := b.Subscribe("c1", SubscribeOptions{})
	fresh := b.Subscribe("c1", SubscribeOptions{})

	_, ok := <-old.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(Message{Type: TypeHeartbeat})
	assert.Len(t, drain(fresh), 1)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newTestBroadcaster(4)
	sub := b.Subscribe("c1", SubscribeOptions{})

	b.Unsubscribe("c1")
	b.Unsubscribe("c1")
	b.Unsubscribe("never")

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount())

	// Publishing after removal must not panic.
	assert.NotPanics(t, func() {
		b.PublishSpans([]span.Record{rec("t", "s", "")})
		sub.enqueue(Message{Type: TypeHeartbeat}, nil)
	})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := newTestBroadcaster(2)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		id := fmt.Sprintf("c%d", i)
		b.Subscribe(id, SubscribeOptions{})
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.PublishSpans([]span.Record{rec("t", "s", "")})
			}
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(id)
		}()
	}
	wg.Wait()
	assert.Zero(t, b.SubscriberCount())
}

func TestPerSubscriberOrderMatchesPublishOrder(t *testing.T) {
	b := newTestBroadcaster(1000)
	sub := b.Subscribe("c1", SubscribeOptions{})

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish(Message{Type: TypeHeartbeat})
			}
		}()
	}
	wg.Wait()

	got := drain(sub)
	require.Len(t, got, 200)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Sequence, got[i].Sequence)
	}
}

func TestStreamUnsubscribesOnCancel(t *testing.T) {
	b := newTestBroadcaster(10)
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- b.Stream(ctx, "c1", SubscribeOptions{}, func(m Message) error {
			received <- m
			return nil
		})
	}()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	b.NotifyInsight(InsightSummary{Tier: "alerts", ContentHash: "h"})

	select {
	case m := <-received:
		assert.Equal(t, TypeInsight, m.Type)
		assert.Equal(t, "alerts", m.Insight.Tier)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stream did not return after cancel")
	}
	assert.Zero(t, b.SubscriberCount())
}

func TestStreamReturnsCallbackError(t *testing.T) {
	b := newTestBroadcaster(10)
	boom := errors.New("client gone")

	done := make(chan error, 1)
	go func() {
		done <- b.Stream(context.Background(), "c1", SubscribeOptions{}, func(Message) error { return boom })
	}()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	b.Publish(Message{Type: TypeHeartbeat})

	assert.ErrorIs(t, <-done, boom)
	assert.Zero(t, b.SubscriberCount())
}

func TestReplacedStreamDoesNotRemoveSuccessor(t *testing.T) {
	b := newTestBroadcaster(10)
	done := make(chan error, 1)
	go func() {
		done <- b.Stream(context.Background(), "c1", SubscribeOptions{}, func(Message) error { return nil })
	}()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	successor := b.Subscribe("c1", SubscribeOptions{})
	assert.ErrorIs(t, <-done, ErrSubscriptionClosed)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(Message{Type: TypeHeartbeat})
	assert.Len(t, drain(successor), 1)
}

func TestRunHeartbeat(t *testing.T) {
	clk := clock.Fake(t0)
	b := New(Options{Capacity: 10, HeartbeatInterval: time.Second}, clk, nil, nil)
	sub := b.Subscribe("c1", SubscribeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunHeartbeat(ctx)

	clk.WaitForTimers(1)
	clk.Advance(time.Second)

	select {
	case m := <-sub.Events():
		assert.Equal(t, TypeHeartbeat, m.Type)
		assert.Equal(t, t0.Add(time.Second), m.Time)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := newTestBroadcaster(1)
	a := b.Subscribe("a", SubscribeOptions{})
	c := b.Subscribe("c", SubscribeOptions{})
	b.Close()

	_, ok := <-a.Events()
	assert.False(t, ok)
	_, ok = <-c.Events()
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount())
}
