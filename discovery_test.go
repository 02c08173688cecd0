package udsonip

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eshenhu/udsonip/doip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mockDiscoverer(t *testing.T, a *scriptedAnnouncer) *Discoverer {
	a.clock = clock.NewMock()
	return NewDiscoverer(zaptest.NewLogger(t).Sugar(), a, WithClock(a.clock))
}

func TestDiscoverDeduplicates(t *testing.T) {
	a := &scriptedAnnouncer{anns: []*doip.Announcement{
		announcement("10.0.0.5", 0x3001),
		announcement("10.0.0.5", 0x3001),
		announcement("10.0.0.6", 0x3001),
		announcement("10.0.0.5", 0x3001),
		announcement("10.0.0.5", 0x3002),
	}}
	a.anns[1].FurtherAction = 0x10

	found, err := mockDiscoverer(t, a).Discover("", 5*time.Second, doip.DefaultProtocolVersion)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "ECU(10.0.0.5 @ 0x3001)", found[0].String())
	assert.Equal(t, "ECU(10.0.0.6 @ 0x3001)", found[1].String())
	assert.Equal(t, "ECU(10.0.0.5 @ 0x3002)", found[2].String())

	// first seen wins
	require.NotNil(t, found[0].FurtherAction)
	assert.Equal(t, byte(0x00), *found[0].FurtherAction)
	assert.Equal(t, "WDD2220001A000001", found[0].VINString())
	assert.Equal(t, 1, a.broadcasts)
}

func TestDiscoverBroadcastFailure(t *testing.T) {
	a := &scriptedAnnouncer{
		broadcastErr: errors.New("network is unreachable"),
		anns:         []*doip.Announcement{announcement("10.0.0.9", 0x2001)},
	}

	found, err := mockDiscoverer(t, a).Discover("eth9", 3*time.Second, 0x02)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "10.0.0.9", found[0].IP)
	assert.Equal(t, LogicalAddress(0x2001), found[0].LogicalAddress)
}

func TestDiscoverTimeBudget(t *testing.T) {
	a := &scriptedAnnouncer{}
	d := mockDiscoverer(t, a)

	found, err := d.Discover("", 2500*time.Millisecond, doip.DefaultProtocolVersion)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, []time.Duration{time.Second, time.Second, 500 * time.Millisecond}, a.waits)

	t.Run("defaultBudget", func(t *testing.T) {
		a := &scriptedAnnouncer{}
		found, err := mockDiscoverer(t, a).Discover("", 0, doip.DefaultProtocolVersion)
		assert.NoError(t, err)
		assert.Empty(t, found)
		assert.Len(t, a.waits, 5)
		assert.Equal(t, 1, a.broadcasts)
	})

	t.Run("configuredBudget", func(t *testing.T) {
		a := &scriptedAnnouncer{clock: clock.NewMock()}
		d := NewDiscoverer(nil, a, WithClock(a.clock), WithDefaultTimeouts(1500*time.Millisecond, 0))
		_, err := d.Discover("", 0, doip.DefaultProtocolVersion)
		assert.NoError(t, err)
		assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond}, a.waits)
	})

	t.Run("listenSlice", func(t *testing.T) {
		a := &scriptedAnnouncer{clock: clock.NewMock()}
		d := NewDiscoverer(nil, a, WithClock(a.clock), WithListenSlice(250*time.Millisecond))
		_, err := d.Discover("", 600*time.Millisecond, doip.DefaultProtocolVersion)
		assert.NoError(t, err)
		assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 100 * time.Millisecond}, a.waits)
	})
}

func TestDiscoverListenFault(t *testing.T) {
	denied := errors.New("permission denied")
	a := &scriptedAnnouncer{awaitErr: denied}

	found, err := mockDiscoverer(t, a).Discover("", 5*time.Second, doip.DefaultProtocolVersion)
	assert.Nil(t, found)
	assert.ErrorIs(t, err, ErrDiscovery)
	assert.ErrorIs(t, err, denied)
}

func TestGetEntity(t *testing.T) {
	a := &scriptedAnnouncer{entities: map[string]*doip.Announcement{
		"192.168.1.10": announcement("192.168.1.10", 0x1000),
	}}
	d := mockDiscoverer(t, a)

	info, err := d.GetEntity("192.168.1.10", time.Second, doip.DefaultProtocolVersion)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, LogicalAddress(0x1000), info.LogicalAddress)
	assert.Equal(t, []byte{0x00, 0x1A, 0x2B, 0x3C, 0x4D, 0x5E}, info.EID)

	info, err = d.GetEntity("192.168.1.11", time.Second, doip.DefaultProtocolVersion)
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetEntityFault(t *testing.T) {
	d := NewDiscoverer(nil, doip.NewAnnouncer(nil))
	defer d.Close()

	_, err := d.GetEntity("::1", 100*time.Millisecond, doip.DefaultProtocolVersion)
	assert.ErrorIs(t, err, ErrDiscovery)
}

func TestGetEntitySilentHost(t *testing.T) {
	loge := zaptest.NewLogger(t).Sugar()
	silent, err := doip.RunLocalUDPResponder("127.0.0.1:0", loge)
	require.NoError(t, err)
	defer silent.Close()

	a := doip.NewAnnouncer(loge)
	a.SetPorts(0, silent.LocalAddr().(*net.UDPAddr).Port)
	d := NewDiscoverer(loge, a)
	defer d.Close()

	start := time.Now()
	info, err := d.GetEntity("127.0.0.1", 200*time.Millisecond, doip.DefaultProtocolVersion)
	elapsed := time.Since(start)
	assert.NoError(t, err)
	assert.Nil(t, info)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestGetEntityLoopback(t *testing.T) {
	loge := zaptest.NewLogger(t).Sugar()
	ann := announcement("", 0x2001)
	responder, err := doip.RunLocalUDPResponder("127.0.0.1:0", loge, ann)
	require.NoError(t, err)
	defer responder.Close()

	cfg := DefaultConfig()
	cfg.UDPPort = responder.LocalAddr().(*net.UDPAddr).Port
	d := NewDiscovererFromConfig(cfg, loge)
	defer d.Close()

	info, err := d.GetEntity("127.0.0.1", time.Second, cfg.ProtocolVersion)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "ECU(127.0.0.1 @ 0x2001)", info.String())
}

func TestScanNetwork(t *testing.T) {
	a := &scriptedAnnouncer{entities: map[string]*doip.Announcement{
		"10.0.0.2": announcement("10.0.0.2", 0x1000),
		"10.0.0.5": announcement("10.0.0.5", 0x3001),
	}}
	d := mockDiscoverer(t, a)

	found, err := d.ScanNetwork("10.0.0.0/29", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"}, a.probes)
	require.Len(t, found, 2)
	assert.Equal(t, "ECU(10.0.0.2 @ 0x1000)", found[0].String())
	assert.Equal(t, "ECU(10.0.0.5 @ 0x3001)", found[1].String())

	_, err = d.ScanNetwork("10.0.0.300/24", time.Millisecond)
	assert.ErrorIs(t, err, ErrDiscovery)
	_, err = d.ScanNetwork("fd00::/120", time.Millisecond)
	assert.ErrorIs(t, err, ErrDiscovery)
}

func TestHostsOf(t *testing.T) {
	for _, tt := range []struct {
		cidr  string
		hosts []string
	}{
		{"192.168.1.7/32", []string{"192.168.1.7"}},
		{"192.168.1.6/31", []string{"192.168.1.6", "192.168.1.7"}},
		{"192.168.1.5/30", []string{"192.168.1.5", "192.168.1.6"}},
	} {
		t.Run(tt.cidr, func(t *testing.T) {
			hosts, err := hostsOf(tt.cidr)
			require.NoError(t, err)
			assert.Equal(t, tt.hosts, hosts)
		})
	}

	hosts, err := hostsOf("172.16.0.0/16")
	require.NoError(t, err)
	assert.Len(t, hosts, 65534)

	_, err = hostsOf("10.0.0.0/8")
	assert.Error(t, err)
}

func TestPackageScanNetworkInvalid(t *testing.T) {
	_, err := ScanNetwork("not-a-network", time.Millisecond)
	assert.ErrorIs(t, err, ErrDiscovery)
}
