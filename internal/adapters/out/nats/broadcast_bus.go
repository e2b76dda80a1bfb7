package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/errs"
	"github.com/EthanQC/presence/internal/ports/out"
)

// 所有房间共用一个 subject，载荷里带目标房间
const DefaultSubject = "presence.events"

var errBusClosed = errors.New("bus closed")

// natsConn 用到的 *nats.Conn 子集
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Connect 建立连接，无限重连，断开和重连都记日志
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.L().Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.L().Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
}

// BroadcastBusNATS 基于 NATS core pub/sub 的跨进程总线，最多一次投递
type BroadcastBusNATS struct {
	nc      natsConn
	subject string

	mu     sync.Mutex
	subs   map[*nats.Subscription]context.CancelFunc
	closed bool
}

func NewBroadcastBusNATS(nc *nats.Conn, subject string) *BroadcastBusNATS {
	return newBroadcastBus(nc, subject)
}

func newBroadcastBus(nc natsConn, subject string) *BroadcastBusNATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &BroadcastBusNATS{
		nc:      nc,
		subject: subject,
		subs:    make(map[*nats.Subscription]context.CancelFunc),
	}
}

var _ out.BroadcastBus = (*BroadcastBusNATS)(nil)

func busErr(op string, err error) error {
	return fmt.Errorf("nats %s: %w: %w", op, errs.ErrBusUnavailable, err)
}

func (b *BroadcastBusNATS) Publish(ctx context.Context, room string, event *entity.StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return busErr("publish", err)
	}
	data, err := entity.MarshalRoomEvent(room, event)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return busErr("publish", err)
	}
	return nil
}

func (b *BroadcastBusNATS) Subscribe(ctx context.Context, handler out.EventHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return busErr("subscribe", errBusClosed)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := b.nc.Subscribe(b.subject, messageHandler(handler))
	if err != nil {
		b.mu.Unlock()
		return busErr("subscribe", err)
	}
	b.subs[sub] = cancel
	b.mu.Unlock()

	zap.L().Info("broadcast bus subscribed", zap.String("driver", "nats"), zap.String("subject", b.subject))

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	return nil
}

// messageHandler 解码载荷后交给 handler，坏数据丢弃
func messageHandler(handler out.EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		re, err := entity.UnmarshalRoomEvent(msg.Data)
		if err != nil {
			zap.L().Warn("drop malformed bus payload",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		handler(re.Room, re.Event)
	}
}

// Close 结束所有订阅；连接由调用方 Drain
func (b *BroadcastBusNATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.subs {
		cancel()
	}
	return nil
}
