package out

import (
	"context"

	"github.com/EthanQC/presence/internal/domain/entity"
)

// PresenceRepository 在线状态仓储接口，所有服务实例共享同一份
type PresenceRepository interface {
	// SetStatus 整条覆盖用户状态
	SetStatus(ctx context.Context, userID string, online bool, lastSeen int64) error
	// GetStatus 获取单个用户状态，没有记录时返回 nil, nil
	GetStatus(ctx context.Context, userID string) (*entity.UserPresence, error)
	// GetStatuses 批量获取，没有记录的用户不出现在结果里
	GetStatuses(ctx context.Context, userIDs []string) (map[string]*entity.UserPresence, error)
	// GetAllStatuses 全量读取（调试接口用）
	GetAllStatuses(ctx context.Context) (map[string]*entity.UserPresence, error)
	// AddConnection 集群内该用户的连接数 +1，返回新值
	AddConnection(ctx context.Context, userID string) (int64, error)
	// RemoveConnection 集群内该用户的连接数 -1，返回新值
	RemoveConnection(ctx context.Context, userID string) (int64, error)
}

// FriendResolver 好友列表来源
// 结果有序、不包含自己；未知用户返回空切片而不是错误
type FriendResolver interface {
	Resolve(ctx context.Context, userID string) ([]string, error)
}

// EventPublisher 状态变更事件对外发布接口
type EventPublisher interface {
	// PublishPresenceChange 发布状态变更事件
	PublishPresenceChange(ctx context.Context, change *entity.PresenceChange) error
	Close() error
}
