package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/errs"
)

type received struct {
	mu     sync.Mutex
	events []entity.RoomEvent
}

func (r *received) handle(room string, ev *entity.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, entity.RoomEvent{Room: room, Event: ev})
}

func (r *received) snapshot() []entity.RoomEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]entity.RoomEvent(nil), r.events...)
}

// startSubscriber 订阅确认之后才返回
func startSubscriber(t *testing.T, bus *BroadcastBusRedis, h func(string, *entity.StatusEvent)) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Subscribe(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitSubscribers(t *testing.T, bus *BroadcastBusRedis, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := bus.client.PubSubNumSub(context.Background(), bus.channel).Result()
		return err == nil && counts[bus.channel] >= int64(n)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastBusRedis_EveryNodeReceives(t *testing.T) {
	_, client := newTestClient(t)
	p1 := NewBroadcastBusRedis(client, "")
	p2 := NewBroadcastBusRedis(client, "")

	var r1, r2 received
	startSubscriber(t, p1, r1.handle)
	startSubscriber(t, p2, r2.handle)
	waitSubscribers(t, p1, 2)

	ev := &entity.StatusEvent{UserID: "1", Status: entity.PresenceStatusOnline, Timestamp: 42}
	require.NoError(t, p1.Publish(context.Background(), "user:2", ev))

	// 发布方自己也从订阅侧收到
	for _, r := range []*received{&r1, &r2} {
		require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
		got := r.snapshot()[0]
		assert.Equal(t, "user:2", got.Room)
		assert.Equal(t, *ev, *got.Event)
	}
}

func TestBroadcastBusRedis_DropsMalformedPayload(t *testing.T) {
	mr, client := newTestClient(t)
	bus := NewBroadcastBusRedis(client, "")

	var r received
	startSubscriber(t, bus, r.handle)
	waitSubscribers(t, bus, 1)

	mr.Publish(DefaultEventChannel, "garbage")
	require.NoError(t, bus.Publish(context.Background(), "user:9", &entity.StatusEvent{UserID: "3", Status: entity.PresenceStatusOffline}))

	require.Eventually(t, func() bool { return len(r.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "user:9", r.snapshot()[0].Room)
}

func TestBroadcastBusRedis_PublishUnavailable(t *testing.T) {
	mr, client := newTestClient(t)
	bus := NewBroadcastBusRedis(client, "")
	mr.Close()

	err := bus.Publish(context.Background(), "user:1", &entity.StatusEvent{UserID: "2"})
	assert.ErrorIs(t, err, errs.ErrBusUnavailable)
}

func TestBroadcastBusRedis_CloseEndsSubscribe(t *testing.T) {
	_, client := newTestClient(t)
	bus := NewBroadcastBusRedis(client, "")

	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(context.Background(), func(string, *entity.StatusEvent) {}) }()
	waitSubscribers(t, bus, 1)

	require.NoError(t, bus.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after close")
	}

	err := bus.Subscribe(context.Background(), func(string, *entity.StatusEvent) {})
	assert.ErrorIs(t, err, errs.ErrBusUnavailable)
}
