package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 在线状态相关的 Prometheus 指标
type Metrics struct {
	Connections     prometheus.Gauge
	Connects        prometheus.Counter
	Disconnects     prometheus.Counter
	EventsPublished prometheus.Counter
	EventsDropped   *prometheus.CounterVec // reason: bus, decode, send
	EventsDelivered prometheus.Counter
	StoreErrors     *prometheus.CounterVec // op: set, get, get_all, conn_count
	FriendErrors    prometheus.Counter
}

// New 创建并注册到 reg；reg 为 nil 时只创建不注册（测试用）
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_connections",
			Help: "Websocket connections currently open on this node.",
		}),
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_connects_total",
			Help: "Connections that completed the online transition.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_disconnects_total",
			Help: "Connections that completed the offline transition.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_events_published_total",
			Help: "Status events handed to the broadcast bus.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_events_dropped_total",
			Help: "Status events dropped, by reason.",
		}, []string{"reason"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_events_delivered_total",
			Help: "Status events written to local connections.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_store_errors_total",
			Help: "Presence store failures, by operation.",
		}, []string{"op"}),
		FriendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_friend_resolve_errors_total",
			Help: "Friend resolver failures.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.Connects,
			m.Disconnects,
			m.EventsPublished,
			m.EventsDropped,
			m.EventsDelivered,
			m.StoreErrors,
			m.FriendErrors,
		)
	}
	return m
}
