package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/errs"
	"github.com/EthanQC/presence/internal/domain/session"
	"github.com/EthanQC/presence/internal/ports/in"
	"github.com/EthanQC/presence/internal/ports/out"
	"github.com/EthanQC/presence/pkg/zlog"
)

const (
	// 写超时
	defaultWriteWait = 10 * time.Second
	// Pong等待时间
	defaultPongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	defaultPingPeriod = 30 * time.Second
	// 最大消息大小
	defaultMaxMessageSize = 64 * 1024
	// 发送队列长度
	defaultSendBuffer = 256
	// 断开时等待下线流程的上限
	defaultDisconnectTimeout = 10 * time.Second
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// ServerOptions 连接参数，零值取默认
type ServerOptions struct {
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxMessageSize    int64
	SendBuffer        int
	DisconnectTimeout time.Duration
	CheckOrigin       func(r *http.Request) bool
}

func (o *ServerOptions) withDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
		if o.PongWait == defaultPongWait {
			o.PingPeriod = defaultPingPeriod
		}
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = defaultDisconnectTimeout
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// WSConnection 单个客户端连接
type WSConnection struct {
	id          string
	userID      string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closed      int32
	closeOnce   sync.Once
	connectedAt time.Time
	opts        *ServerOptions
}

func newWSConnection(conn *websocket.Conn, userID string, opts *ServerOptions) *WSConnection {
	return &WSConnection{
		id:          uuid.NewString(),
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		opts:        opts,
	}
}

var _ out.Connection = (*WSConnection)(nil)

func (c *WSConnection) ID() string     { return c.id }
func (c *WSConnection) UserID() string { return c.userID }

// Send 非阻塞入队，队列满直接丢
func (c *WSConnection) Send(message []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrConnectionClosed
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 可重复调用；send 通道不关闭，由 done 通知写协程退出
func (c *WSConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSConnection) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// writePump 写入消息
func (c *WSConnection) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zap.L().Debug("write error", zap.String("conn_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *WSConnection) sendJSON(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.Send(data); err != nil {
		zap.L().Debug("reply dropped", zap.String("conn_id", c.id), zap.Error(err))
	}
}

func (c *WSConnection) sendError(msgID, errMsg string) {
	errData, _ := json.Marshal(map[string]string{"error": errMsg})
	c.sendJSON(WSMessage{
		Type: MsgTypeError,
		ID:   msgID,
		Data: errData,
		Ts:   time.Now().UnixMilli(),
	})
}

// Server WebSocket 服务端
type Server struct {
	presence in.PresenceUseCase
	verifier IdentityVerifier
	upgrader websocket.Upgrader
	opts     ServerOptions

	conns    sync.Map // connID -> *WSConnection
	wg       sync.WaitGroup
	shutdown int32
}

// NewServer verifier 为 nil 时使用 ?userId=
func NewServer(presence in.PresenceUseCase, verifier IdentityVerifier, opts ServerOptions) *Server {
	opts.withDefaults()
	if verifier == nil {
		verifier = NewQueryIdentity("")
	}
	return &Server{
		presence: presence,
		verifier: verifier,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// HandleConnection 身份校验 -> 升级 -> 上线；之后由连接协程负责整个生命周期
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shutdown) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.verifier.Verify(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, errs.ErrMalformedHandshake) {
			status = http.StatusBadRequest
		}
		zap.L().Info("handshake rejected", zap.Int("status", status), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := newWSConnection(wsConn, userID, &s.opts)
	s.conns.Store(c.id, c)
	s.wg.Add(1)

	go c.writePump()
	go s.serve(c)
}

// serve 连接协程：上线、读循环、下线，下线只执行一次
func (s *Server) serve(c *WSConnection) {
	defer s.wg.Done()
	defer s.conns.Delete(c.id)

	// 请求被劫持后 r.Context() 不再可用，生命周期挂在独立的 context 上
	logCtx := zlog.With(context.Background(), zap.String("user_id", c.userID), zap.String("conn_id", c.id))
	ctx, cancel := context.WithCancel(logCtx)
	defer cancel()

	sess := s.presence.Connect(ctx, c.userID, c)

	s.readLoop(ctx, c, sess)

	c.Close()
	disconnectCtx, dcancel := context.WithTimeout(logCtx, s.opts.DisconnectTimeout)
	defer dcancel()
	s.presence.Disconnect(disconnectCtx, sess, c)
}

// readLoop 读取消息直到连接关闭或超时
func (s *Server) readLoop(ctx context.Context, c *WSConnection, sess *session.Session) {
	c.conn.SetReadLimit(s.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zlog.C(ctx).Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		s.handleMessage(ctx, c, sess, message)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *WSConnection, sess *session.Session, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message format")
		return
	}

	switch msg.Type {
	case MsgTypeGetFriendsStatus:
		s.handleFriendsStatus(ctx, c, sess, msg.ID)

	case MsgTypePing:
		c.sendJSON(WSMessage{
			Type: MsgTypePong,
			ID:   msg.ID,
			Ts:   time.Now().UnixMilli(),
		})

	default:
		c.sendError(msg.ID, "unknown message type")
	}
}

func (s *Server) handleFriendsStatus(ctx context.Context, c *WSConnection, sess *session.Session, msgID string) {
	statuses := s.presence.FriendsStatus(ctx, sess)

	respData, err := json.Marshal(statuses)
	if err != nil {
		c.sendError(msgID, "encode friends status failed")
		return
	}
	c.sendJSON(WSMessage{
		Type: MsgTypeFriendsStatus,
		ID:   msgID,
		Data: respData,
		Ts:   time.Now().UnixMilli(),
	})
}

// ActiveConnections 本进程当前连接数
func (s *Server) ActiveConnections() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown 拒绝新连接，关闭现有连接并等待它们走完下线流程
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)

	s.conns.Range(func(_, v any) bool {
		v.(*WSConnection).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
