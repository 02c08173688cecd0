package udsonip

import (
	"fmt"
	"sync"
	"time"

	"github.com/eshenhu/udsonip/doip"
	"github.com/eshenhu/udsonip/uds"
)

// Transport is one physical DoIP link to a gateway or ECU.
// *doip.DoIP implements it.
type Transport interface {
	Connect() error
	Disconnect() error
	SendTo(target uint16, payload []byte) error
	// ReceiveTimeout returns an error reporting IsTimeout when nothing
	// arrived in time. A timeout <= 0 waits forever.
	ReceiveTimeout(timeout time.Duration) ([]byte, error)
	Flush()
	TargetAddress() uint16
}

var (
	_ Transport = (*doip.DoIP)(nil)
	_ uds.Conn  = (*Conn)(nil)
)

// Conn routes UDS traffic over a shared Transport to a target logical
// address that can be changed at any time. It never connects or
// disconnects the Transport itself.
type Conn struct {
	log    Logger
	trans  Transport
	mtx    sync.Mutex
	target LogicalAddress
	opened bool
}

// NewConn creates a closed Conn aimed at the transport's default address.
func NewConn(log Logger, trans Transport) *Conn {
	return &Conn{
		log:    orNop(log),
		trans:  trans,
		target: LogicalAddress(trans.TargetAddress()),
	}
}

// NewConnWithTarget creates a closed Conn aimed at target.
func NewConnWithTarget(log Logger, trans Transport, target int) (*Conn, error) {
	addr, err := ParseLogicalAddress(target)
	if err != nil {
		return nil, err
	}
	c := NewConn(log, trans)
	c.target = addr
	return c, nil
}

// Target returns the current target logical address.
func (c *Conn) Target() LogicalAddress {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.target
}

// SetTarget aims every following Send at addr. An out of range addr
// leaves the target unchanged.
func (c *Conn) SetTarget(addr int) error {
	a, err := ParseLogicalAddress(addr)
	if err != nil {
		return err
	}
	c.mtx.Lock()
	c.target = a
	c.mtx.Unlock()
	targetSwitches.Inc()
	c.log.Infof("Target address switched to %s", a)
	return nil
}

// Open marks the Conn usable. The Transport must already be connected.
func (c *Conn) Open() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.opened {
		c.opened = true
		c.log.Debugf("Conn to %s opened", c.target)
	}
	return nil
}

// Close marks the Conn unusable. The shared Transport stays connected.
func (c *Conn) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.opened {
		c.opened = false
		c.log.Debugf("Conn to %s closed", c.target)
	}
	return nil
}

// IsOpen reports whether Open was called more recently than Close.
func (c *Conn) IsOpen() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.opened
}

// Send forwards payload to the current target.
func (c *Conn) Send(payload []byte) error {
	c.mtx.Lock()
	target, opened := c.target, c.opened
	c.mtx.Unlock()
	if !opened {
		return fmt.Errorf("%w: send to %s on a closed connection", ErrSession, target)
	}

	c.log.Debugf("Sending %d bytes to %s: %x", len(payload), target, payload)
	if err := c.trans.SendTo(uint16(target), payload); err != nil {
		transportErrors.WithLabelValues("send").Inc()
		return fmt.Errorf("%w: send to %s: %w", ErrConnection, target, err)
	}
	return nil
}

// Receive waits up to timeout for the next frame. It returns nil data and
// a nil error when nothing arrived in time.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	c.mtx.Lock()
	target, opened := c.target, c.opened
	c.mtx.Unlock()
	if !opened {
		return nil, fmt.Errorf("%w: receive from %s on a closed connection", ErrSession, target)
	}

	data, err := c.trans.ReceiveTimeout(timeout)
	switch {
	case isTimeout(err):
		return nil, nil
	case err != nil:
		transportErrors.WithLabelValues("receive").Inc()
		c.log.Debugf("Error receiving frame: %v", err)
		return nil, fmt.Errorf("%w: receive from %s: %w", ErrConnection, target, err)
	}
	c.log.Debugf("Received %d bytes: %x", len(data), data)
	return data, nil
}

// Empty drops frames already queued on the transport.
func (c *Conn) Empty() {
	c.trans.Flush()
}
