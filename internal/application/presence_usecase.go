package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/session"
	"github.com/EthanQC/presence/internal/metrics"
	"github.com/EthanQC/presence/internal/ports/in"
	"github.com/EthanQC/presence/internal/ports/out"
	"github.com/EthanQC/presence/pkg/zlog"
)

// 存储和总线调用的默认超时
const defaultCallTimeout = 3 * time.Second

// OfflinePolicy 同一用户多连接时的下线判定方式
type OfflinePolicy string

const (
	// OfflineOnAny 任意一个连接断开就把用户标记为离线（历史行为）
	OfflineOnAny OfflinePolicy = "any"
	// OfflineOnLast 集群内该用户最后一个连接断开才离线
	OfflineOnLast OfflinePolicy = "last"
)

// Options 用例参数
type Options struct {
	NodeID        string
	StoreTimeout  time.Duration
	BusTimeout    time.Duration
	OfflinePolicy OfflinePolicy
	Clock         func() time.Time
}

// PresenceUseCaseImpl 在线状态用例实现
type PresenceUseCaseImpl struct {
	presenceRepo   out.PresenceRepository
	friendResolver out.FriendResolver
	router         out.RoomRouter
	bus            out.BroadcastBus
	eventPublisher out.EventPublisher
	metrics        *metrics.Metrics
	opts           Options
}

// NewPresenceUseCase 创建在线状态用例，eventPublisher 可以为 nil
func NewPresenceUseCase(
	presenceRepo out.PresenceRepository,
	friendResolver out.FriendResolver,
	router out.RoomRouter,
	bus out.BroadcastBus,
	eventPublisher out.EventPublisher,
	m *metrics.Metrics,
	opts Options,
) in.PresenceUseCase {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultCallTimeout
	}
	if opts.BusTimeout <= 0 {
		opts.BusTimeout = defaultCallTimeout
	}
	if opts.OfflinePolicy == "" {
		opts.OfflinePolicy = OfflineOnAny
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &PresenceUseCaseImpl{
		presenceRepo:   presenceRepo,
		friendResolver: friendResolver,
		router:         router,
		bus:            bus,
		eventPublisher: eventPublisher,
		metrics:        m,
		opts:           opts,
	}
}

// Connect 上线：写状态 -> 解析好友 -> 入房间 -> 通知每个好友的房间
func (uc *PresenceUseCaseImpl) Connect(ctx context.Context, userID string, conn out.Connection) *session.Session {
	s := session.New(conn.ID(), userID)
	defer s.Settle()

	log := zlog.C(ctx).With(zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
	now := uc.opts.Clock()

	if uc.opts.OfflinePolicy == OfflineOnLast {
		uc.countConnection(ctx, log, userID, +1)
	}

	uc.setStatus(ctx, log, userID, true, now)

	friends := uc.resolveFriends(ctx, log, userID)
	s.SetFriends(friends)

	uc.router.Join(entity.RoomForUser(userID), conn)
	uc.metrics.Connections.Inc()

	uc.fanOut(ctx, log, userID, entity.PresenceStatusOnline, now, friends)
	uc.publishChange(userID, conn.ID(), entity.PresenceStatusOnline, now)

	if err := s.Transition(session.EventOnline); err != nil {
		// 连接在握手途中已经断开，交给 Disconnect 收尾
		log.Debug("connection closed before going online", zap.Error(err))
		return s
	}
	uc.metrics.Connects.Inc()
	log.Info("user online", zap.Int("friends", len(friends)))
	return s
}

// Disconnect 下线：写状态 -> 出房间 -> 通知每个缓存的好友；同一会话只执行一次
func (uc *PresenceUseCaseImpl) Disconnect(ctx context.Context, s *session.Session, conn out.Connection) {
	if s == nil || !s.BeginClose() {
		return
	}

	log := zlog.C(ctx).With(zap.String("user_id", s.UserID()), zap.String("conn_id", s.ConnID()))

	// 上线流程还没走完时先等它，否则 Leave 可能跑在 Join 前面
	if !s.WaitSettled(ctx) {
		log.Warn("gave up waiting for connect to settle")
	}

	userID := s.UserID()
	now := uc.opts.Clock()

	goOffline := true
	if uc.opts.OfflinePolicy == OfflineOnLast {
		if remaining, ok := uc.countConnection(ctx, log, userID, -1); ok && remaining > 0 {
			goOffline = false
			log.Debug("sibling connections still open", zap.Int64("remaining", remaining))
		}
	}

	if goOffline {
		uc.setStatus(ctx, log, userID, false, now)
	}

	uc.router.Leave(entity.RoomForUser(userID), conn)
	uc.metrics.Connections.Dec()

	if goOffline {
		uc.fanOut(ctx, log, userID, entity.PresenceStatusOffline, now, s.Friends())
		uc.publishChange(userID, s.ConnID(), entity.PresenceStatusOffline, now)
	}

	if err := s.Transition(session.EventClosed); err != nil {
		log.Warn("unexpected session state on close", zap.Error(err))
	}
	uc.metrics.Disconnects.Inc()
	log.Info("user offline", zap.Bool("marked_offline", goOffline), zap.Duration("online_for", s.Duration()))
}

// FriendsStatus 按缓存的好友集合批量读取状态
func (uc *PresenceUseCaseImpl) FriendsStatus(ctx context.Context, s *session.Session) map[string]*entity.UserPresence {
	result := make(map[string]*entity.UserPresence)
	friends := s.Friends()
	if len(friends) == 0 {
		return result
	}

	storeCtx, cancel := withTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()

	statuses, err := uc.presenceRepo.GetStatuses(storeCtx, friends)
	if err != nil {
		uc.metrics.StoreErrors.WithLabelValues("get").Inc()
		zlog.C(ctx).Warn("read friends status failed",
			zap.String("user_id", s.UserID()),
			zap.Error(err))
		return result
	}

	for _, id := range friends {
		if p, ok := statuses[id]; ok && p != nil {
			result[id] = p
		}
	}
	return result
}

// AllStatuses 全量状态
func (uc *PresenceUseCaseImpl) AllStatuses(ctx context.Context) (map[string]*entity.UserPresence, error) {
	storeCtx, cancel := withTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()

	statuses, err := uc.presenceRepo.GetAllStatuses(storeCtx)
	if err != nil {
		uc.metrics.StoreErrors.WithLabelValues("get_all").Inc()
		return nil, err
	}
	return statuses, nil
}

func (uc *PresenceUseCaseImpl) setStatus(ctx context.Context, log *zap.Logger, userID string, online bool, at time.Time) {
	storeCtx, cancel := withTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()

	// 存储不可用时只记日志，可用性优先于一致性
	if err := uc.presenceRepo.SetStatus(storeCtx, userID, online, entity.Millis(at)); err != nil {
		uc.metrics.StoreErrors.WithLabelValues("set").Inc()
		log.Warn("write presence failed", zap.Bool("online", online), zap.Error(err))
	}
}

func (uc *PresenceUseCaseImpl) resolveFriends(ctx context.Context, log *zap.Logger, userID string) []string {
	resolveCtx, cancel := withTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()

	friends, err := uc.friendResolver.Resolve(resolveCtx, userID)
	if err != nil {
		uc.metrics.FriendErrors.Inc()
		log.Warn("resolve friends failed", zap.Error(err))
		return nil
	}

	// 去掉自己和重复项，保持原有顺序
	seen := make(map[string]struct{}, len(friends))
	result := make([]string, 0, len(friends))
	for _, id := range friends {
		if id == userID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

// countConnection 维护集群内连接计数，失败时 ok 为 false，调用方按 any 策略处理
func (uc *PresenceUseCaseImpl) countConnection(ctx context.Context, log *zap.Logger, userID string, delta int) (int64, bool) {
	storeCtx, cancel := withTimeout(ctx, uc.opts.StoreTimeout)
	defer cancel()

	var (
		n   int64
		err error
	)
	if delta > 0 {
		n, err = uc.presenceRepo.AddConnection(storeCtx, userID)
	} else {
		n, err = uc.presenceRepo.RemoveConnection(storeCtx, userID)
	}
	if err != nil {
		uc.metrics.StoreErrors.WithLabelValues("conn_count").Inc()
		log.Warn("update connection count failed", zap.Int("delta", delta), zap.Error(err))
		return 0, false
	}
	return n, true
}

// fanOut 按好友顺序逐个发布；同一连接内保证先写存储再发布
func (uc *PresenceUseCaseImpl) fanOut(ctx context.Context, log *zap.Logger, userID string, status entity.PresenceStatus, at time.Time, friends []string) {
	if len(friends) == 0 {
		return
	}

	event := &entity.StatusEvent{
		UserID:    userID,
		Status:    status,
		Timestamp: entity.Millis(at),
	}

	busCtx, cancel := withTimeout(ctx, uc.opts.BusTimeout)
	defer cancel()

	dropped := 0
	for _, friendID := range friends {
		if err := uc.bus.Publish(busCtx, entity.RoomForUser(friendID), event); err != nil {
			dropped++
			uc.metrics.EventsDropped.WithLabelValues("bus").Inc()
			log.Debug("publish status failed", zap.String("friend_id", friendID), zap.Error(err))
			continue
		}
		uc.metrics.EventsPublished.Inc()
	}

	// 丢掉的事件不重试，存储层仍然是可查询的事实来源
	if dropped > 0 {
		log.Warn("status events dropped",
			zap.String("status", string(status)),
			zap.Int("dropped", dropped),
			zap.Int("total", len(friends)))
	}
}

func (uc *PresenceUseCaseImpl) publishChange(userID, connID string, status entity.PresenceStatus, at time.Time) {
	if uc.eventPublisher == nil {
		return
	}

	change := &entity.PresenceChange{
		UserID:    userID,
		Status:    status,
		ConnID:    connID,
		NodeID:    uc.opts.NodeID,
		Timestamp: at,
	}
	timeout := uc.opts.BusTimeout
	go func() {
		ctx, cancel := withTimeout(context.Background(), timeout)
		defer cancel()
		if err := uc.eventPublisher.PublishPresenceChange(ctx, change); err != nil {
			zap.L().Warn("publish presence change failed",
				zap.String("user_id", change.UserID),
				zap.Error(err))
		}
	}()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
