package doip

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrame(t *testing.T, c net.Conn) (MsgTid, []byte) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(time.Second))
	var h [headerLen]byte
	_, err := io.ReadFull(c, h[:])
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(h[4:8]))
	_, err = io.ReadFull(c, payload)
	require.NoError(t, err)
	return MsgTid(binary.BigEndian.Uint16(h[2:4])), payload
}

func TestServerRejectsDiagBeforeActivation(t *testing.T) {
	_, addr := runGateway(t)
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	req := &MsgDiagMsgReq{SrcAddress: testerLogicalAddr, DstAddress: engineLogicalAddr, Userdata: []byte{0x3E, 0x00}}
	_, err = c.Write(Frame(DefaultProtocolVersion, DiagnosticMessage, req.Pack()))
	require.NoError(t, err)

	id, payload := readFrame(t, c)
	assert.Equal(t, GenericHeaderNegativeAcknowledge, id)
	assert.Equal(t, []byte{DoIPHdrErrSecurity}, payload)
}

func TestServerRoutesByTargetAddress(t *testing.T) {
	_, addr := runGateway(t)
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	ra := &MsgActivationReq{Id: RoutingActivationRequest, SrcAddress: testerLogicalAddr, ReserveForStd: []byte{0, 0, 0, 0}}
	_, err = c.Write(Frame(0x02, RoutingActivationRequest, ra.Pack()))
	require.NoError(t, err)

	id, payload := readFrame(t, c)
	assert.Equal(t, RoutingActivationResponse, id)
	assert.Equal(t, testerLogicalAddr, binary.BigEndian.Uint16(payload[0:2]))
	assert.Equal(t, gatewayLogicalAddr, binary.BigEndian.Uint16(payload[2:4]))
	assert.Equal(t, RoutingSuccessfullyActivated, payload[4])

	req := &MsgDiagMsgReq{SrcAddress: testerLogicalAddr, DstAddress: engineLogicalAddr, Userdata: []byte{0x22, 0xF1, 0x90}}
	_, err = c.Write(Frame(0x02, DiagnosticMessage, req.Pack()))
	require.NoError(t, err)

	id, payload = readFrame(t, c)
	assert.Equal(t, DiagnosticMessagePositiveAcknowledge, id)
	assert.Equal(t, byte(0), payload[4])

	id, payload = readFrame(t, c)
	assert.Equal(t, DiagnosticMessage, id)
	assert.Equal(t, engineLogicalAddr, binary.BigEndian.Uint16(payload[0:2]))
	assert.Equal(t, testerLogicalAddr, binary.BigEndian.Uint16(payload[2:4]))
	assert.Equal(t, []byte{0x22, 0xF1, 0x90}, payload[4:])
}

func TestServerUnknownPayloadType(t *testing.T) {
	_, addr := runGateway(t)
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(Frame(DefaultProtocolVersion, MsgTid(0x4001), []byte{0x01}))
	require.NoError(t, err)

	id, payload := readFrame(t, c)
	assert.Equal(t, GenericHeaderNegativeAcknowledge, id)
	assert.Equal(t, []byte{DoIPHdrErrUnknownPayloadType}, payload)
}

func TestRouterAddRemove(t *testing.T) {
	r := NewRouter(nil, gatewayLogicalAddr)
	assert.NoError(t, r.Add(0x0010, echoECU))
	assert.Error(t, r.Add(0x0010, echoECU))

	_, ok := r.lookup(0x0010)
	assert.True(t, ok)
	r.Remove(0x0010)
	_, ok = r.lookup(0x0010)
	assert.False(t, ok)
}
