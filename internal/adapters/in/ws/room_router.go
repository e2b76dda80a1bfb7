package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/metrics"
	"github.com/EthanQC/presence/internal/ports/out"
)

// RoomRouter 本进程的房间路由：room -> connID -> connection
// 只负责本地投递，跨进程转发交给 BroadcastBus
type RoomRouter struct {
	rooms map[string]map[string]out.Connection
	mu    sync.RWMutex

	// 统计
	totalConns     int64
	totalDelivered int64

	metrics *metrics.Metrics
}

func NewRoomRouter(m *metrics.Metrics) *RoomRouter {
	if m == nil {
		m = metrics.New(nil)
	}
	return &RoomRouter{
		rooms:   make(map[string]map[string]out.Connection),
		metrics: m,
	}
}

var _ out.RoomRouter = (*RoomRouter)(nil)

func (r *RoomRouter) Join(room string, conn out.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]out.Connection)
		r.rooms[room] = members
	}
	if _, dup := members[conn.ID()]; !dup {
		atomic.AddInt64(&r.totalConns, 1)
	}
	members[conn.ID()] = conn

	zap.L().Debug("room joined",
		zap.String("room", room),
		zap.String("conn_id", conn.ID()),
		zap.Int("members", len(members)))
}

func (r *RoomRouter) Leave(room string, conn out.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, ok := members[conn.ID()]; !ok {
		return
	}
	delete(members, conn.ID())
	atomic.AddInt64(&r.totalConns, -1)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	zap.L().Debug("room left",
		zap.String("room", room),
		zap.String("conn_id", conn.ID()),
		zap.Int("members", len(members)))
}

// EmitToRoom 序列化一次，推给房间内每个连接；返回成功投递的连接数
func (r *RoomRouter) EmitToRoom(room string, event *entity.StatusEvent) int {
	r.mu.RLock()
	members := r.rooms[room]
	if len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}
	conns := make([]out.Connection, 0, len(members))
	for _, c := range members {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	data, err := encodeMessage(MsgTypeUserStatus, event)
	if err != nil {
		r.metrics.EventsDropped.WithLabelValues("encode").Inc()
		zap.L().Error("encode status event failed", zap.String("room", room), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, c := range conns {
		// Send 不阻塞，慢连接不会拖住其他成员
		if err := c.Send(data); err != nil {
			r.metrics.EventsDropped.WithLabelValues("send").Inc()
			zap.L().Warn("deliver status event failed",
				zap.String("room", room),
				zap.String("conn_id", c.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}

	atomic.AddInt64(&r.totalDelivered, int64(delivered))
	r.metrics.EventsDelivered.Add(float64(delivered))
	return delivered
}

func (r *RoomRouter) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Stats 本进程统计信息
func (r *RoomRouter) Stats() map[string]int64 {
	r.mu.RLock()
	rooms := int64(len(r.rooms))
	r.mu.RUnlock()

	return map[string]int64{
		"rooms":            rooms,
		"connections":      atomic.LoadInt64(&r.totalConns),
		"events_delivered": atomic.LoadInt64(&r.totalDelivered),
	}
}

// encodeMessage 统一的下行消息封装
func encodeMessage(msgType WSMessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{
		Type: msgType,
		Data: data,
		Ts:   time.Now().UnixMilli(),
	})
}
