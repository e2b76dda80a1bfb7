package ws

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/metrics"
)

type stubConn struct {
	id   string
	full bool

	mu   sync.Mutex
	sent [][]byte
}

func (c *stubConn) ID() string     { return c.id }
func (c *stubConn) UserID() string { return "" }
func (c *stubConn) Close() error   { return nil }

func (c *stubConn) Send(b []byte) error {
	if c.full {
		return ErrSendBufferFull
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, b)
	return nil
}

func (c *stubConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestRoomRouter_JoinLeave(t *testing.T) {
	r := NewRoomRouter(nil)
	a, b := &stubConn{id: "a"}, &stubConn{id: "b"}

	r.Join("user:1", a)
	r.Join("user:1", b)
	r.Join("user:1", a) // 重复加入不计数
	assert.Equal(t, 2, r.Members("user:1"))
	assert.Equal(t, int64(2), r.Stats()["connections"])

	r.Leave("user:1", a)
	r.Leave("user:1", a)
	assert.Equal(t, 1, r.Members("user:1"))

	r.Leave("user:1", b)
	assert.Equal(t, 0, r.Members("user:1"))
	assert.Equal(t, int64(0), r.Stats()["rooms"])

	r.Leave("user:404", b)
}

func TestRoomRouter_EmitToRoom(t *testing.T) {
	m := metrics.New(nil)
	r := NewRoomRouter(m)
	a, b, other := &stubConn{id: "a"}, &stubConn{id: "b"}, &stubConn{id: "c"}
	r.Join("user:2", a)
	r.Join("user:2", b)
	r.Join("user:3", other)

	ev := &entity.StatusEvent{UserID: "1", Status: entity.PresenceStatusOnline, Timestamp: 7}
	assert.Equal(t, 2, r.EmitToRoom("user:2", ev))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 0, other.count())

	var msg WSMessage
	require.NoError(t, json.Unmarshal(a.sent[0], &msg))
	assert.Equal(t, MsgTypeUserStatus, msg.Type)
	assert.NotZero(t, msg.Ts)
	assert.JSONEq(t, `{"userId":"1","status":"online","timestamp":7}`, string(msg.Data))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsDelivered))
}

func TestRoomRouter_EmptyRoomIsNoop(t *testing.T) {
	r := NewRoomRouter(nil)
	assert.Equal(t, 0, r.EmitToRoom("user:9", &entity.StatusEvent{UserID: "1"}))
}

func TestRoomRouter_SlowConnectionDoesNotBlockOthers(t *testing.T) {
	m := metrics.New(nil)
	r := NewRoomRouter(m)
	slow, fast := &stubConn{id: "slow", full: true}, &stubConn{id: "fast"}
	r.Join("user:2", slow)
	r.Join("user:2", fast)

	assert.Equal(t, 1, r.EmitToRoom("user:2", &entity.StatusEvent{UserID: "1"}))
	assert.Equal(t, 1, fast.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped.WithLabelValues("send")))
}

func TestRoomRouter_ConcurrentAccess(t *testing.T) {
	r := NewRoomRouter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &stubConn{id: string(rune('a' + i))}
			r.Join("user:1", c)
			r.EmitToRoom("user:1", &entity.StatusEvent{UserID: "2"})
			r.Leave("user:1", c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Members("user:1"))
}

func TestEncodeMessage(t *testing.T) {
	data, err := encodeMessage(MsgTypeFriendsStatus, map[string]int{"a": 1})
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MsgTypeFriendsStatus, msg.Type)
	assert.JSONEq(t, `{"a":1}`, string(msg.Data))

	_, err = encodeMessage(MsgTypeError, make(chan int))
	assert.Error(t, err)
}
