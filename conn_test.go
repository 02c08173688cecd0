package udsonip

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConnInheritsTransportTarget(t *testing.T) {
	c := NewConn(nil, newMockTransport())
	assert.Equal(t, LogicalAddress(0x0001), c.Target())
	assert.False(t, c.IsOpen())

	c, err := NewConnWithTarget(nil, newMockTransport(), 0x00E0)
	require.NoError(t, err)
	assert.Equal(t, LogicalAddress(0x00E0), c.Target())

	_, err = NewConnWithTarget(nil, newMockTransport(), 0x10000)
	assert.ErrorIs(t, err, ErrAddressSwitch)
}

func TestSetTargetRoutesNextSend(t *testing.T) {
	trans := newMockTransport()
	c := NewConn(zaptest.NewLogger(t).Sugar(), trans)
	require.NoError(t, c.Open())

	payload := []byte{0x22, 0xF1, 0x90}
	for _, addr := range []int{0x0000, 0x00E0, 0x1234, 0xFFFF} {
		trans.On("SendTo", uint16(addr), payload).Return(nil).Once()
		require.NoError(t, c.SetTarget(addr))
		require.NoError(t, c.Send(payload))
		assert.Equal(t, LogicalAddress(addr), c.Target())
	}
	trans.AssertExpectations(t)
}

func TestSetTargetRejectsOutOfRange(t *testing.T) {
	trans := newMockTransport()
	c, err := NewConnWithTarget(nil, trans, 0x00E0)
	require.NoError(t, err)
	c.Open()

	for _, addr := range []int{-1, 0x10000, 0x7FFFFFFF} {
		err := c.SetTarget(addr)
		assert.ErrorIs(t, err, ErrAddressSwitch)
		assert.Equal(t, LogicalAddress(0x00E0), c.Target())
	}
	assert.True(t, c.IsOpen(), "a failed switch must not change open state")

	trans.On("SendTo", uint16(0x00E0), mock.Anything).Return(nil).Once()
	assert.NoError(t, c.Send([]byte{0x3E, 0x00}))
	trans.AssertExpectations(t)
}

func TestConnOpenClose(t *testing.T) {
	trans := newMockTransport()
	c := NewConn(nil, trans)

	assert.NoError(t, c.Open())
	assert.NoError(t, c.Open())
	assert.True(t, c.IsOpen())

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.IsOpen())

	err := c.Send([]byte{0x3E, 0x00})
	assert.ErrorIs(t, err, ErrSession)
	trans.AssertNotCalled(t, "SendTo", mock.Anything, mock.Anything)

	data, err := c.Receive(time.Second)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ErrSession)
	trans.AssertNotCalled(t, "ReceiveTimeout", mock.Anything)
	trans.AssertNotCalled(t, "Disconnect")
}

func TestConnSendFault(t *testing.T) {
	trans := newMockTransport()
	c, _ := NewConnWithTarget(nil, trans, 0x1D01)
	c.Open()

	linkDown := errors.New("broken pipe")
	trans.On("SendTo", uint16(0x1D01), mock.Anything).Return(linkDown)

	err := c.Send([]byte{0x10, 0x01})
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, linkDown)
	assert.Contains(t, err.Error(), "0x1d01")
}

func TestConnReceive(t *testing.T) {
	trans := newMockTransport()
	c := NewConn(nil, trans)
	c.Open()

	trans.On("ReceiveTimeout", 50*time.Millisecond).Return([]byte{0x7E, 0x00}, nil).Once()
	data, err := c.Receive(50 * time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x7E, 0x00}, data)

	t.Run("timeoutIsNoData", func(t *testing.T) {
		trans.On("ReceiveTimeout", time.Duration(0)).Return(nil, timeoutError{}).Once()
		data, err := c.Receive(0)
		assert.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("faultIsConnectionError", func(t *testing.T) {
		reset := errors.New("connection reset by peer")
		trans.On("ReceiveTimeout", time.Second).Return(nil, reset).Once()
		_, err := c.Receive(time.Second)
		assert.ErrorIs(t, err, ErrConnection)
		assert.ErrorIs(t, err, reset)
	})
}

func TestConnEmpty(t *testing.T) {
	trans := &mockTransport{}
	trans.On("TargetAddress").Return(uint16(0x0001))
	trans.On("Flush").Return().Once()

	NewConn(nil, trans).Empty()
	trans.AssertExpectations(t)
}
