package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/errs"
	"github.com/EthanQC/presence/internal/ports/out"
)

var errBusClosed = errors.New("bus closed")

// BroadcastBus 进程内总线：每个订阅者都会收到每条事件
// 多个 RoomRouter 共用同一个实例时，可以模拟多进程共享 broker
type BroadcastBus struct {
	mu     sync.RWMutex
	subs   map[int]chan entity.RoomEvent
	nextID int
	buffer int
	closed bool
}

// NewBroadcastBus buffer 是每个订阅者的队列长度，满了就丢（尽力而为）
func NewBroadcastBus(buffer int) *BroadcastBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &BroadcastBus{
		subs:   make(map[int]chan entity.RoomEvent),
		buffer: buffer,
	}
}

var _ out.BroadcastBus = (*BroadcastBus)(nil)

func (b *BroadcastBus) Publish(ctx context.Context, room string, event *entity.StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(errs.ErrBusUnavailable, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.Join(errs.ErrBusUnavailable, errBusClosed)
	}

	ev := *event
	for _, ch := range b.subs {
		select {
		case ch <- entity.RoomEvent{Room: room, Event: &ev}:
		default:
			// 订阅者处理不过来，按最多一次语义丢弃
		}
	}
	return nil
}

func (b *BroadcastBus) Subscribe(ctx context.Context, handler out.EventHandler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Join(errs.ErrBusUnavailable, errBusClosed)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan entity.RoomEvent, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case re, ok := <-ch:
			if !ok {
				return nil
			}
			handler(re.Room, re.Event)
		}
	}
}

// Subscribers 当前订阅者数量
func (b *BroadcastBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *BroadcastBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
