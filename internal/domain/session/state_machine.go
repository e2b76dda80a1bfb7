package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State 连接生命周期状态
type State string

const (
	StateConnecting    State = "connecting"    // 握手完成，正在上线
	StateOnline        State = "online"        // 已上线
	StateDisconnecting State = "disconnecting" // 正在下线
	StateClosed        State = "closed"        // 已结束
)

// Event 驱动状态迁移的事件
type Event string

const (
	EventOnline Event = "online" // 上线流程走完
	EventClose  Event = "close"  // 传输层关闭（正常或异常）
	EventClosed Event = "closed" // 下线流程走完
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionClosed     = errors.New("session already closed")
)

type stateEvent struct {
	state State
	event Event
}

// 连接在握手途中断开时，Connecting 可以直接进入 Disconnecting
var transitions = map[stateEvent]State{
	{StateConnecting, EventOnline}:    StateOnline,
	{StateConnecting, EventClose}:     StateDisconnecting,
	{StateOnline, EventClose}:         StateDisconnecting,
	{StateDisconnecting, EventClosed}: StateClosed,
}

// Session 单个连接的上线状态机，持有连接建立时解析出的好友集合
type Session struct {
	connID    string
	userID    string
	friends   []string
	state     State
	startTime time.Time
	onlineAt  time.Time
	closedAt  time.Time
	mu        sync.RWMutex

	// 上线流程结束（无论成败）后关闭，下线流程要等它，避免先 Leave 后 Join
	settled    chan struct{}
	settleOnce sync.Once
}

// New 创建状态机，初始为 Connecting
func New(connID, userID string) *Session {
	return &Session{
		connID:    connID,
		userID:    userID,
		state:     StateConnecting,
		startTime: time.Now(),
		settled:   make(chan struct{}),
	}
}

// Settle 标记上线流程已经走完，可重复调用
func (s *Session) Settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

// WaitSettled 等上线流程走完，ctx 先结束时返回 false
func (s *Session) WaitSettled(ctx context.Context) bool {
	select {
	case <-s.settled:
		return true
	case <-ctx.Done():
		return false
	}
}

// Transition 执行状态转换
func (s *Session) Transition(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(event)
}

func (s *Session) transitionLocked(event Event) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	next, ok := transitions[stateEvent{s.state, event}]
	if !ok {
		return ErrInvalidTransition
	}

	switch next {
	case StateOnline:
		s.onlineAt = time.Now()
	case StateClosed:
		s.closedAt = time.Now()
	}
	s.state = next
	return nil
}

// BeginClose 进入 Disconnecting；只有第一个调用者拿到 true，用来保证下线流程只跑一次
func (s *Session) BeginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(EventClose) == nil
}

// SetFriends 缓存好友集合，整个连接生命周期内不再重新计算
func (s *Session) SetFriends(friends []string) {
	cp := make([]string, len(friends))
	copy(cp, friends)

	s.mu.Lock()
	s.friends = cp
	s.mu.Unlock()
}

// Friends 返回好友集合的副本
func (s *Session) Friends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]string, len(s.friends))
	copy(cp, s.friends)
	return cp
}

// IsFriend 判断 id 是否在缓存的好友集合里
func (s *Session) IsFriend(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.friends {
		if f == id {
			return true
		}
	}
	return false
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) ConnID() string { return s.connID }

func (s *Session) UserID() string { return s.userID }

// Duration 在线时长，未上线返回 0
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.onlineAt.IsZero() {
		return 0
	}
	if s.closedAt.IsZero() {
		return time.Since(s.onlineAt)
	}
	return s.closedAt.Sub(s.onlineAt)
}
