package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connects.Inc()
	m.EventsDropped.WithLabelValues("bus").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("bus")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// 重复注册同一组指标会 panic
	assert.Panics(t, func() { New(reg) })
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	assert.NotNil(t, m.Connections)
}
