package entity

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrMalformedRoomEvent = errors.New("malformed room event")

// UserPresence 用户最近一次已知的在线状态，存储层里每个用户只保留一条，整条覆盖
type UserPresence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // epoch 毫秒
}

// PresenceStatus 状态枚举
type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusOffline PresenceStatus = "offline"
)

// StatusFor 把 bool 转成状态枚举
func StatusFor(online bool) PresenceStatus {
	if online {
		return PresenceStatusOnline
	}
	return PresenceStatusOffline
}

// StatusEvent 推给好友房间的状态变更事件，只在线上传递，不落库
type StatusEvent struct {
	UserID    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Timestamp int64          `json:"timestamp"`
}

// RoomEvent 广播总线上的载荷：目标房间 + 事件
type RoomEvent struct {
	Room  string       `json:"room"`
	Event *StatusEvent `json:"event"`
}

// PresenceChange 对外发布的状态变更（Kafka 流）
type PresenceChange struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	ConnID    string         `json:"conn_id"`
	NodeID    string         `json:"node_id"`
	Timestamp time.Time      `json:"timestamp"`
}

const roomPrefix = "user:"

// RoomForUser 每个用户一个房间，该用户的所有连接都加入这个房间
func RoomForUser(userID string) string {
	return roomPrefix + userID
}

// UserForRoom 房间名反解出用户 ID，不是用户房间时 ok 为 false
func UserForRoom(room string) (userID string, ok bool) {
	if !strings.HasPrefix(room, roomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, roomPrefix), true
}

// Millis 统一的时间戳口径
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// MarshalRoomEvent 总线上的编码
func MarshalRoomEvent(room string, event *StatusEvent) ([]byte, error) {
	return json.Marshal(RoomEvent{Room: room, Event: event})
}

// UnmarshalRoomEvent 总线上的解码，缺房间、缺事件或缺用户 ID 都算坏数据
func UnmarshalRoomEvent(data []byte) (*RoomEvent, error) {
	var re RoomEvent
	if err := json.Unmarshal(data, &re); err != nil {
		return nil, err
	}
	if re.Room == "" || re.Event == nil || re.Event.UserID == "" {
		return nil, ErrMalformedRoomEvent
	}
	return &re, nil
}
