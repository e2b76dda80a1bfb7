package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/errs"
	"github.com/EthanQC/presence/internal/ports/out"
)

// 所有房间共用一个频道，载荷里带目标房间
const DefaultEventChannel = "presence:events"

var errBusClosed = errors.New("bus closed")

// BroadcastBusRedis 基于 Redis Pub/Sub 的跨进程总线，最多一次投递
type BroadcastBusRedis struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

func NewBroadcastBusRedis(client redis.UniversalClient, channel string) *BroadcastBusRedis {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &BroadcastBusRedis{
		client:  client,
		channel: channel,
		subs:    make(map[*redis.PubSub]struct{}),
	}
}

var _ out.BroadcastBus = (*BroadcastBusRedis)(nil)

func busErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, errs.ErrBusUnavailable, err)
}

func (b *BroadcastBusRedis) Publish(ctx context.Context, room string, event *entity.StatusEvent) error {
	data, err := entity.MarshalRoomEvent(room, event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return busErr("publish", err)
	}
	return nil
}

// Subscribe 确认订阅生效后才开始分发，断线由 go-redis 自动重连
func (b *BroadcastBusRedis) Subscribe(ctx context.Context, handler out.EventHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return busErr("subscribe", errBusClosed)
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, pubsub)
		b.mu.Unlock()
		pubsub.Close()
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return busErr("subscribe", err)
	}
	zap.L().Info("broadcast bus subscribed", zap.String("driver", "redis"), zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			re, err := entity.UnmarshalRoomEvent([]byte(msg.Payload))
			if err != nil {
				zap.L().Warn("drop malformed bus payload",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			handler(re.Room, re.Event)
		}
	}
}

// Close 结束所有订阅；client 由调用方关闭
func (b *BroadcastBusRedis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ps := range b.subs {
		ps.Close()
	}
	return nil
}
