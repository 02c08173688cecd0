package udsonip

import (
	"fmt"

	"github.com/eshenhu/udsonip/uds"
)

// Client talks UDS to one ECU over its own DoIP link. The target can still
// be moved to other ECUs behind the same entity with SetTarget.
type Client struct {
	log   Logger
	cfg   Config
	trans Transport
	conn  *Conn
	uds   *uds.Client
}

// NewClient connects to cfg.TargetIP and aims at cfg.LogicalAddress.
// No Client is returned when the link cannot be established.
func NewClient(cfg Config, log Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target, err := ParseLogicalAddress(cfg.LogicalAddress)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, log, cfg.newTransport(orNop(log), target))
}

func newClient(cfg Config, log Logger, trans Transport) (*Client, error) {
	log = orNop(log)
	if err := trans.Connect(); err != nil {
		transportErrors.WithLabelValues("connect").Inc()
		return nil, fmt.Errorf("%w: failed to connect to %s at %#04x: %w", ErrConnection, cfg.TargetIP, cfg.LogicalAddress, err)
	}
	conn, err := NewConnWithTarget(log, trans, cfg.LogicalAddress)
	if err != nil {
		trans.Disconnect()
		return nil, err
	}
	conn.Open()
	cfg.keepAlive(trans)

	u := uds.NewClient(log, conn)
	if cfg.ReadTimeout > 0 {
		u.SetTimeout(cfg.ReadTimeout)
	}
	log.Infof("Connected to %s, target %s", cfg.TargetIP, conn.Target())
	return &Client{log: log, cfg: cfg, trans: trans, conn: conn, uds: u}, nil
}

// SetTarget aims the following requests at another ECU on the same link.
func (c *Client) SetTarget(addr int) error {
	return c.conn.SetTarget(addr)
}

// Target returns the current target logical address.
func (c *Client) Target() LogicalAddress {
	return c.conn.Target()
}

// UDS returns the underlying UDS client for services without a helper here.
func (c *Client) UDS() *uds.Client {
	return c.uds
}

// Conn returns the addressable connection of this client.
func (c *Client) Conn() *Conn {
	return c.conn
}

// Close closes the connection and disconnects the link.
func (c *Client) Close() error {
	c.conn.Close()
	if err := c.trans.Disconnect(); err != nil {
		transportErrors.WithLabelValues("disconnect").Inc()
		return fmt.Errorf("%w: disconnect from %s: %w", ErrConnection, c.cfg.TargetIP, err)
	}
	c.log.Infof("Disconnected from %s", c.cfg.TargetIP)
	return nil
}

// TesterPresent keeps the current diagnostic session alive. With suppress
// set the ECU is asked not to answer.
func (c *Client) TesterPresent(suppress bool) error {
	_, err := c.uds.TesterPresent(suppress)
	return err
}

// ReadDataByIdentifier returns the record stored under did.
func (c *Client) ReadDataByIdentifier(did uint16) ([]byte, error) {
	return c.uds.ReadDataByIdentifier(did)
}

// WriteDataByIdentifier stores data under did.
func (c *Client) WriteDataByIdentifier(did uint16, data []byte) error {
	return c.uds.WriteDataByIdentifier(did, data)
}

// ReadDTCInformation reports the DTCs matching statusMask.
func (c *Client) ReadDTCInformation(statusMask byte) ([]byte, error) {
	return c.uds.ReadDTCByMask(statusMask)
}

// ClearDTC clears the DTCs of group, uds.AllDTCGroups for everything.
func (c *Client) ClearDTC(group uint32) error {
	return c.uds.ClearDTC(group)
}

// ECUReset resets the ECU.
func (c *Client) ECUReset(resetType byte) ([]byte, error) {
	return c.uds.ECUReset(resetType)
}

// ChangeSession switches the diagnostic session.
func (c *Client) ChangeSession(session byte) ([]byte, error) {
	return c.uds.ChangeSession(session)
}

// SecurityAccess requests the seed of level when key is nil, otherwise it
// sends key for level and returns nothing.
func (c *Client) SecurityAccess(level byte, key []byte) ([]byte, error) {
	if key == nil {
		return c.uds.RequestSeed(level)
	}
	return nil, c.uds.SendKey(level, key)
}

// RoutineControl starts, stops or polls a routine.
func (c *Client) RoutineControl(controlType byte, routineID uint16, data []byte) ([]byte, error) {
	return c.uds.RoutineControl(controlType, routineID, data)
}
