package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/presence/internal/adapters/out/memory"
	"github.com/EthanQC/presence/internal/application"
	"github.com/EthanQC/presence/internal/domain/entity"
)

type staticFriends map[string][]string

func (f staticFriends) Resolve(_ context.Context, userID string) ([]string, error) {
	return f[userID], nil
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	repo   *memory.PresenceRepository
	router *RoomRouter
}

func newTestEnv(t *testing.T, friends staticFriends, verifier IdentityVerifier) *testEnv {
	t.Helper()
	repo := memory.NewPresenceRepository()
	bus := memory.NewBroadcastBus(0)
	router := NewRoomRouter(nil)
	uc := application.NewPresenceUseCase(repo, friends, router, bus, nil, nil, application.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Subscribe(ctx, func(room string, ev *entity.StatusEvent) {
			router.EmitToRoom(room, ev)
		})
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	srv := NewServer(uc, verifier, ServerOptions{})
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleConnection))
	t.Cleanup(func() {
		hs.Close()
		shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		srv.Shutdown(shutdownCtx)
		cancel()
		<-done
	})
	return &testEnv{srv: srv, http: hs, repo: repo, router: router}
}

func (e *testEnv) url(query string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws" + query
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url("?userId="+userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil 读到指定类型的消息为止
func readUntil(t *testing.T, conn *websocket.Conn, msgType WSMessageType) WSMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestServer_RejectsMissingUserID(t *testing.T) {
	env := newTestEnv(t, staticFriends{}, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.url(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	all, err := env.repo.GetAllStatuses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestServer_ConnectAndDisconnect(t *testing.T) {
	env := newTestEnv(t, staticFriends{}, nil)
	conn := env.dial(t, "1")

	require.Eventually(t, func() bool {
		p, _ := env.repo.GetStatus(context.Background(), "1")
		return p != nil && p.Online
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.srv.ActiveConnections())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool {
		p, _ := env.repo.GetStatus(context.Background(), "1")
		return p != nil && !p.Online
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.srv.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.router.Members("user:1"))
}

func TestServer_FriendReceivesStatusUpdates(t *testing.T) {
	env := newTestEnv(t, staticFriends{"1": {"2"}, "2": {"1"}}, nil)

	friend := env.dial(t, "2")
	require.Eventually(t, func() bool { return env.router.Members("user:2") == 1 }, 2*time.Second, 10*time.Millisecond)

	user := env.dial(t, "1")
	msg := readUntil(t, friend, MsgTypeUserStatus)
	var ev entity.StatusEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "1", ev.UserID)
	assert.Equal(t, entity.PresenceStatusOnline, ev.Status)

	user.Close()
	msg = readUntil(t, friend, MsgTypeUserStatus)
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "1", ev.UserID)
	assert.Equal(t, entity.PresenceStatusOffline, ev.Status)
}

func TestServer_GetFriendsStatus(t *testing.T) {
	env := newTestEnv(t, staticFriends{"1": {"2", "3"}}, nil)
	require.NoError(t, env.repo.SetStatus(context.Background(), "2", true, 111))
	require.NoError(t, env.repo.SetStatus(context.Background(), "9", true, 999))

	conn := env.dial(t, "1")
	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeGetFriendsStatus, ID: "req-1"}))

	msg := readUntil(t, conn, MsgTypeFriendsStatus)
	assert.Equal(t, "req-1", msg.ID)

	var statuses map[string]entity.UserPresence
	require.NoError(t, json.Unmarshal(msg.Data, &statuses))
	assert.Len(t, statuses, 1)
	assert.Equal(t, entity.UserPresence{Online: true, LastSeen: 111}, statuses["2"])
}

func TestServer_PingAndUnknown(t *testing.T) {
	env := newTestEnv(t, staticFriends{}, nil)
	conn := env.dial(t, "1")

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypePing, ID: "p"}))
	msg := readUntil(t, conn, MsgTypePong)
	assert.Equal(t, "p", msg.ID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "dance", ID: "x"}))
	msg = readUntil(t, conn, MsgTypeError)
	assert.Equal(t, "x", msg.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg = readUntil(t, conn, MsgTypeError)
	assert.Contains(t, string(msg.Data), "invalid message format")
}

func TestServer_ShutdownMarksUsersOffline(t *testing.T) {
	env := newTestEnv(t, staticFriends{}, nil)
	env.dial(t, "1")
	env.dial(t, "2")
	require.Eventually(t, func() bool { return env.srv.ActiveConnections() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.srv.Shutdown(ctx))

	all, err := env.repo.GetAllStatuses(context.Background())
	require.NoError(t, err)
	for _, id := range []string{"1", "2"} {
		require.Contains(t, all, id)
		assert.False(t, all[id].Online, id)
	}

	// 关闭之后拒绝新连接
	_, resp, err := websocket.DefaultDialer.Dial(env.url("?userId=3"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestServer_JWTIdentity(t *testing.T) {
	env := newTestEnv(t, staticFriends{}, NewJWTIdentity("secret", ""))

	_, resp, err := websocket.DefaultDialer.Dial(env.url("?token="+signToken(t, "wrong", "1")), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.url("?userId=1"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	header := http.Header{"Authorization": {"Bearer " + signToken(t, "secret", "42")}}
	conn, _, err := websocket.DefaultDialer.Dial(env.url(""), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.router.Members("user:42") == 1 }, 2*time.Second, 10*time.Millisecond)
}
