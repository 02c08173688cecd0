package udsonip

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}

	before := counterValue(t, reg, "udsonip_target_switches_total")
	c := NewConn(nil, newMockTransport())
	require.NoError(t, c.SetTarget(0x00E0))
	require.NoError(t, c.SetTarget(0x00E1))
	assert.ErrorIs(t, c.SetTarget(-1), ErrAddressSwitch)
	assert.Equal(t, before+2, counterValue(t, reg, "udsonip_target_switches_total"))

	trans := newMockTransport()
	trans.On("Connect").Return(nil).Once()
	trans.On("Disconnect").Return(nil).Once()
	r, _ := registryOn(t, trans)
	require.NoError(t, r.Register("metrics-engine", 0x00E0))

	before = counterValue(t, reg, "udsonip_sessions_created_total")
	_, err := r.Session("metrics-engine")
	require.NoError(t, err)
	_, err = r.Session("metrics-engine")
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, reg, "udsonip_sessions_created_total"))
}
