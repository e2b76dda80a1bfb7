package in

import (
	"context"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/session"
	"github.com/EthanQC/presence/internal/ports/out"
)

// PresenceUseCase 在线状态用例接口
// 后端失败只影响状态新鲜度，不会让连接失败
type PresenceUseCase interface {
	// Connect 连接上线：写状态、解析并缓存好友、入房间、通知好友
	Connect(ctx context.Context, userID string, conn out.Connection) *session.Session
	// Disconnect 连接下线，每个会话只会真正执行一次
	Disconnect(ctx context.Context, s *session.Session, conn out.Connection)
	// FriendsStatus 读取缓存好友的当前状态，没有记录的好友不返回
	FriendsStatus(ctx context.Context, s *session.Session) map[string]*entity.UserPresence
	// AllStatuses 全量状态（调试接口）
	AllStatuses(ctx context.Context) (map[string]*entity.UserPresence, error)
}
