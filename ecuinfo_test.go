package udsonip

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECUInfoString(t *testing.T) {
	info := ECUInfo{IP: "192.168.1.10", LogicalAddress: 0x00E0}
	assert.Equal(t, "ECU(192.168.1.10 @ 0xe0)", info.String())
	assert.Equal(t, "ECUInfo(ip='192.168.1.10', logical_address=0xe0)", fmt.Sprintf("%#v", info))
}

func TestECUInfoIdentity(t *testing.T) {
	fa := byte(0x10)
	a := ECUInfo{IP: "10.0.0.5", LogicalAddress: 0x3001, EID: []byte{1}}
	b := ECUInfo{IP: "10.0.0.5", LogicalAddress: 0x3001, GID: []byte{2}, FurtherAction: &fa}
	c := ECUInfo{IP: "10.0.0.6", LogicalAddress: 0x3001}

	assert.True(t, a.Same(b))
	assert.False(t, a.Same(c))
}

func TestECUInfoFromAnnouncement(t *testing.T) {
	ann := announcement("10.0.0.5", 0x3001)
	ann.VIN = []byte("WDD2220001A00000\x00")
	ann.FurtherAction = 0x10

	info := ecuInfoFromAnnouncement(ann)
	assert.Equal(t, "10.0.0.5", info.IP)
	assert.Equal(t, LogicalAddress(0x3001), info.LogicalAddress)
	assert.Equal(t, "WDD2220001A00000", info.VINString())
	require.NotNil(t, info.FurtherAction)
	assert.Equal(t, byte(0x10), *info.FurtherAction)

	// the descriptor does not alias the announcement
	ann.EID[0] = 0xFF
	ann.FurtherAction = 0x00
	assert.Equal(t, byte(0x00), info.EID[0])
	assert.Equal(t, byte(0x10), *info.FurtherAction)
}

func TestParseLogicalAddress(t *testing.T) {
	for _, v := range []int{0, 1, 0x00E0, 0xFFFF} {
		a, err := ParseLogicalAddress(v)
		assert.NoError(t, err)
		assert.Equal(t, LogicalAddress(v), a)
	}
	for _, v := range []int{-1, 0x10000, 1 << 20} {
		_, err := ParseLogicalAddress(v)
		assert.ErrorIs(t, err, ErrAddressSwitch)
	}
	assert.Equal(t, "0x00e0", LogicalAddress(0x00E0).String())
}
