package ws

import "encoding/json"

// WSMessageType WebSocket消息类型
type WSMessageType string

const (
	// 客户端消息类型
	MsgTypeGetFriendsStatus WSMessageType = "getFriendsStatus"
	MsgTypePing             WSMessageType = "ping"

	// 服务端消息类型
	MsgTypeFriendsStatus WSMessageType = "friendsStatus"
	MsgTypeUserStatus    WSMessageType = "userStatus"
	MsgTypePong          WSMessageType = "pong"
	MsgTypeError         WSMessageType = "error"
)

// WSMessage 上下行统一的消息封装
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	ID   string          `json:"id,omitempty"` // 请求 ID，响应原样带回
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"` // 毫秒时间戳
}
