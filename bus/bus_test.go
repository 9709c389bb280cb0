package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(capacity int) *AgentBus {
	return New(Config{Capacity: capacity, DeadLetterTopic: "deadletter"}, zap.NewNop())
}

func TestRegisterAgent(t *testing.T) {
	b := newTestBus(4)

	inbox, err := b.RegisterAgent("a")
	require.NoError(t, err)
	assert.Equal(t, "a", inbox.ID())
	assert.True(t, b.IsRegistered("a"))

	_, err = b.RegisterAgent("a")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = b.RegisterAgent("  ")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = b.RegisterAgent("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, b.Agents())
}

func TestSendTo_DeliversAndReceives(t *testing.T) {
	b := newTestBus(4)
	inbox, err := b.RegisterAgent("worker")
	require.NoError(t, err)

	env := NewEnvelope("task", map[string]any{"n": 1})
	require.NoError(t, b.SendTo(context.Background(), "worker", env))

	got, err := inbox.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, 1, got.Payload["n"])

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.Sent)
	assert.Equal(t, uint64(1), m.Received)
}

func TestSendTo_UnknownAgentIsRecoverable(t *testing.T) {
	b := newTestBus(4)
	err := b.SendTo(context.Background(), "ghost", NewEnvelope("x", nil))
	require.ErrorIs(t, err, ErrAgentNotRegistered)

	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Recoverable())
	assert.Equal(t, "ghost", se.Target)
}

func TestSendTo_CancelReleasesBlockedSender(t *testing.T) {
	b := newTestBus(1)
	_, err := b.RegisterAgent("slow")
	require.NoError(t, err)
	require.NoError(t, b.SendTo(context.Background(), "slow", NewEnvelope("fill", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.SendTo(ctx, "slow", NewEnvelope("blocked", nil))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released by cancellation")
	}
	assert.Equal(t, uint64(1), b.Metrics().Cancelled)
}

func TestRegistrationNotBlockedByFullInbox(t *testing.T) {
	b := newTestBus(1)
	_, err := b.RegisterAgent("slow")
	require.NoError(t, err)
	require.NoError(t, b.SendTo(context.Background(), "slow", NewEnvelope("fill", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blocked := make(chan error, 1)
	go func() {
		blocked <- b.SendTo(ctx, "slow", NewEnvelope("blocked", nil))
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	_, err = b.RegisterAgent("newcomer")
	require.NoError(t, err)
	require.NoError(t, b.SubscribeTopic("news", "newcomer"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-blocked, ErrCancelled)
}

func TestUnregisterReleasesBlockedSenders(t *testing.T) {
	b := newTestBus(1)
	inbox, err := b.RegisterAgent("slow")
	require.NoError(t, err)
	require.NoError(t, b.SendTo(context.Background(), "slow", NewEnvelope("queued", nil)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.SendTo(context.Background(), "slow", NewEnvelope("blocked", nil))
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.UnregisterAgent("slow"))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAgentNotRegistered)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released by unregister")
	}

	// queued envelope is still drained, then the inbox reports not registered
	got, err := inbox.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Type)
	_, err = inbox.Receive(context.Background())
	assert.ErrorIs(t, err, ErrAgentNotRegistered)

	assert.ErrorIs(t, b.UnregisterAgent("slow"), ErrAgentNotRegistered)
}

func TestCloseReleasesBlockedSenders(t *testing.T) {
	b := newTestBus(1)
	_, err := b.RegisterAgent("slow")
	require.NoError(t, err)
	require.NoError(t, b.SendTo(context.Background(), "slow", NewEnvelope("fill", nil)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.SendTo(context.Background(), "slow", NewEnvelope("blocked", nil))
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()
	b.Close()

	assert.ErrorIs(t, <-errCh, ErrBusClosed)
	_, err = b.RegisterAgent("late")
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSubscribeTopic_Idempotent(t *testing.T) {
	b := newTestBus(4)
	inbox, err := b.RegisterAgent("a")
	require.NoError(t, err)

	var subscribed int
	b.OnEvent(func(ev Event) {
		if ev.Kind == EventTopicSubscribed {
			subscribed++
		}
	})

	require.NoError(t, b.SubscribeTopic("orders", "a"))
	require.NoError(t, b.SubscribeTopic("orders", "a"))
	assert.Equal(t, 1, subscribed)
	assert.Equal(t, []string{"a"}, b.Subscribers("orders"))

	require.NoError(t, b.Publish(context.Background(), "orders", NewEnvelope("order.created", nil)))
	_, ok := inbox.TryReceive()
	require.True(t, ok)
	_, ok = inbox.TryReceive()
	assert.False(t, ok, "subscriber must receive exactly one copy")
}

func TestSubscribeTopic_RequiresRegistration(t *testing.T) {
	b := newTestBus(4)
	err := b.SubscribeTopic("orders", "ghost")
	assert.ErrorIs(t, err, ErrAgentNotRegistered)
	assert.ErrorIs(t, b.SubscribeTopic("", "ghost"), ErrInvalidID)
}

func TestPublish_FanOutCopies(t *testing.T) {
	b := newTestBus(4)
	a, _ := b.RegisterAgent("a")
	c, _ := b.RegisterAgent("c")
	require.NoError(t, b.SubscribeTopic("t", "a"))
	require.NoError(t, b.SubscribeTopic("t", "c"))

	env := NewEnvelope("evt", map[string]any{"items": []any{"x"}})
	require.NoError(t, b.Publish(context.Background(), "t", env))

	ga, err := a.Receive(context.Background())
	require.NoError(t, err)
	gc, err := c.Receive(context.Background())
	require.NoError(t, err)

	ga.Payload["items"] = append(ga.Payload["items"].([]any), "mutated")
	assert.Len(t, gc.Payload["items"], 1)
	assert.Len(t, env.Payload["items"], 1)
}

func TestPublish_NoSubscribers(t *testing.T) {
	b := newTestBus(4)
	assert.NoError(t, b.Publish(context.Background(), "empty", NewEnvelope("x", nil)))
	assert.Equal(t, uint64(1), b.Metrics().Published)
}

func TestUnregisterRemovesSubscriptions(t *testing.T) {
	b := newTestBus(4)
	_, _ = b.RegisterAgent("a")
	require.NoError(t, b.SubscribeTopic("t", "a"))
	require.NoError(t, b.UnregisterAgent("a"))
	assert.Empty(t, b.Subscribers("t"))
	assert.Empty(t, b.Topics())
}

func TestUnsubscribeTopic(t *testing.T) {
	b := newTestBus(4)
	inbox, _ := b.RegisterAgent("a")
	require.NoError(t, b.SubscribeTopic("t", "a"))
	b.UnsubscribeTopic("t", "a")
	b.UnsubscribeTopic("t", "a")

	require.NoError(t, b.Publish(context.Background(), "t", NewEnvelope("x", nil)))
	assert.Equal(t, 0, inbox.Len())
}

func TestBroadcast_SkipsSender(t *testing.T) {
	b := newTestBus(4)
	a, _ := b.RegisterAgent("a")
	bb, _ := b.RegisterAgent("b")
	c, _ := b.RegisterAgent("c")

	require.NoError(t, b.Broadcast(context.Background(), NewEnvelope("hello", nil).WithSender("a")))
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 1, bb.Len())
	assert.Equal(t, 1, c.Len())
}

func TestEvents(t *testing.T) {
	b := newTestBus(4)
	var mu sync.Mutex
	var kinds []EventKind
	remove := b.OnEvent(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		assert.False(t, ev.Time.IsZero())
		// listener may call back into the bus
		_ = b.IsRegistered(ev.AgentID)
	})

	_, _ = b.RegisterAgent("a")
	require.NoError(t, b.SubscribeTopic("t", "a"))
	require.NoError(t, b.UnregisterAgent("a"))
	remove()
	_, _ = b.RegisterAgent("b")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventAgentRegistered, EventTopicSubscribed, EventAgentUnregistered}, kinds)
}

func TestConcurrentSendersAndRegistrations(t *testing.T) {
	b := newTestBus(8)
	inbox, _ := b.RegisterAgent("sink")

	const senders = 8
	const perSender = 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_ = b.SendTo(context.Background(), "sink", NewEnvelope("n", nil))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			id := "tmp"
			if _, err := b.RegisterAgent(id); err == nil {
				_ = b.SubscribeTopic("x", id)
				_ = b.UnregisterAgent(id)
			}
		}
	}()

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for received < senders*perSender {
		_, err := inbox.Receive(context.Background())
		require.NoError(t, err)
		received++
	}
	<-done
	assert.Equal(t, senders*perSender, received)
}
