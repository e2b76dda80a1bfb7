package out

import (
	"context"

	"github.com/EthanQC/presence/internal/domain/entity"
)

// EventHandler 订阅回调，收到的每条房间事件都会交给它
type EventHandler func(room string, event *entity.StatusEvent)

// BroadcastBus 跨进程的房间事件总线
// 每个进程启动时订阅一次，自己发布的事件也从订阅侧收到，不走本地捷径
type BroadcastBus interface {
	// Publish 向房间发布事件，失败返回 errs.ErrBusUnavailable
	Publish(ctx context.Context, room string, event *entity.StatusEvent) error
	// Subscribe 阻塞直到 ctx 结束
	Subscribe(ctx context.Context, handler EventHandler) error
	// Close 释放与 broker 的连接
	Close() error
}

// Connection 传输层连接，只暴露投递需要的能力
type Connection interface {
	// ID 连接唯一标识
	ID() string
	// UserID 握手时带上来的用户 ID
	UserID() string
	// Send 非阻塞投递，缓冲区满或已关闭时返回错误
	Send(message []byte) error
	// Close 关闭连接，可重复调用
	Close() error
}

// RoomRouter 本进程内 房间 -> 连接 的映射
type RoomRouter interface {
	// Join 把连接加入房间，同一房间可以有多个连接
	Join(room string, conn Connection)
	// Leave 把连接移出房间
	Leave(room string, conn Connection)
	// EmitToRoom 投递给房间里本进程的所有连接，没有成员时什么都不做
	EmitToRoom(room string, event *entity.StatusEvent) int
	// Members 房间在本进程的连接数
	Members(room string) int
}
