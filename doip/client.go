package doip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	aliveTimeout = 1 * time.Second
	readTimeout  = 2 * time.Second
	dialTimeout  = 10 * time.Second
)

// DoIP struct : internal represation on L3
type DoIP struct {
	log            Logger
	source         uint16
	target         uint16
	server         string
	localIP        string
	version        byte
	activationType byte
	readTimeout    time.Duration
	mtx            sync.Mutex
	inChan         chan *doIPMessage
	errChan        chan error
	running        chan struct{}
	connection     net.Conn
}

type doIPMessage struct {
	source uint16
	target uint16
	data   []byte
}

type doIPError int

const (
	noError                         doIPError = 0
	timeout                         doIPError = 1
	unmatchedSrcAddr                doIPError = 2
	incorrectPatternFormat          doIPError = 7
	invalidPayloadLength            doIPError = 8
	negativeAck                     doIPError = 9
	routingActivationResponseFailed doIPError = 11
	sessionDisconnected             doIPError = 12
	unknownPayloadType              doIPError = 13
	unknownError                    doIPError = 14
)

func (d doIPError) Error() string {
	switch d {
	case timeout:
		return fmt.Sprintf("#%02d <DoIP: Receive timeout>", d)
	case unmatchedSrcAddr:
		return fmt.Sprintf("#%02d <DoIP: Unmatched src address>", d)
	case incorrectPatternFormat:
		return fmt.Sprintf("#%02d <DoIP: Header incorrect pattern format, close socket>", d)
	case invalidPayloadLength:
		return fmt.Sprintf("#%02d <DoIP: Invalid payload length, close socket>", d)
	case negativeAck:
		return fmt.Sprintf("#%02d <DoIP: Negative ACK response>", d)
	case routingActivationResponseFailed:
		return fmt.Sprintf("#%02d <DoIP: Routing activation failed>", d)
	case sessionDisconnected:
		return fmt.Sprintf("#%02d <DoIP: Session disconnected>", d)
	case unknownPayloadType:
		return fmt.Sprintf("#%02d <DoIP: Unknown payload type>", d)
	default:
		return fmt.Sprintf("#%02d <DoIP: Unknown error>", unknownError)
	}
}

// IsTimeout reports a receive that ran out of time.
func (d doIPError) IsTimeout() bool {
	return d == timeout
}

// IsDisconnected reports a link that is no longer usable.
func (d doIPError) IsDisconnected() bool {
	return d == sessionDisconnected
}

// IsTimeout reports whether err is the DoIP receive timeout.
func IsTimeout(err error) bool {
	e, ok := err.(doIPError)
	return ok && e.IsTimeout()
}

// IsDisconnected reports whether err means the DoIP link is gone.
func IsDisconnected(err error) bool {
	e, ok := err.(doIPError)
	return ok && e.IsDisconnected()
}

// NewDoIP : creates a new DoIP instance talking to server ("host:port")
// with sourceAddress as the tester logical address.
// Nothing is dialed before Connect.
func NewDoIP(logger Logger, sourceAddress uint16, server string) *DoIP {
	if logger == nil {
		logger = NewLogger()
	}
	return &DoIP{
		log:         logger,
		source:      sourceAddress,
		server:      server,
		version:     DefaultProtocolVersion,
		readTimeout: readTimeout,
	}
}

// SetReadTimeout set a custom read timeout
func (d *DoIP) SetReadTimeout(timeout time.Duration) {
	d.readTimeout = timeout
}

// SetProtocolVersion sets the version byte written in every header.
func (d *DoIP) SetProtocolVersion(version byte) {
	d.version = version
}

// SetActivationType sets the routing activation type used by Connect.
func (d *DoIP) SetActivationType(activationType byte) {
	d.activationType = activationType
}

// SetLocalIP binds the tester side of the TCP connection to ip.
func (d *DoIP) SetLocalIP(ip string) {
	d.localIP = ip
}

// SetTargetAddress sets the default ECU logical address of this link.
func (d *DoIP) SetTargetAddress(target uint16) {
	d.target = target
}

// TargetAddress returns the default ECU logical address of this link.
func (d *DoIP) TargetAddress() uint16 {
	return d.target
}

// SourceAddress returns the tester logical address.
func (d *DoIP) SourceAddress() uint16 {
	return d.source
}

// Connect : connect to the server and prepare to send/receive
// Initiates the inputLoop routine to receive messages from the socket and
// performs the routing activation handshake.
func (d *DoIP) Connect() (err error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	if d.localIP != "" {
		ip := net.ParseIP(d.localIP)
		if ip == nil {
			return fmt.Errorf("doip: invalid client ip %q", d.localIP)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	conn, err := dialer.Dial("tcp", d.server)
	if err != nil {
		d.log.Debugf("Dial %s failed: %v", d.server, err)
		return
	}

	d.mtx.Lock()
	d.connection = conn
	d.inChan = make(chan *doIPMessage, 1)
	d.errChan = make(chan error, 1)
	d.running = make(chan struct{})
	d.mtx.Unlock()

	// pass connection to inputLoop to avoid a race with Disconnect and try to access a nil pointer on the DoIP struct
	go d.inputLoop(conn)

	err = d.activationHandshake()
	if err != nil {
		d.log.Debugf("Activation handshake failed %v", err)
		// close the connection and stop the input loop
		d.Disconnect()
		return
	}
	return
}

// Disconnect : closes the connection to the server
func (d *DoIP) Disconnect() error {
	d.log.Debugf("Disconnect... ")
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.connection == nil {
		return nil
	}
	close(d.running)
	err := d.connection.Close()
	if err != nil {
		d.log.Debugf("Failed to close the socket (%v)", err)
	}
	d.connection = nil
	return err
}

// Exchange : sync way to send and rcv roundtrip message to the DoIP entity.
func (d *DoIP) Exchange(targetAddr uint16, writeData []byte) (readData []byte, err error) {
	if err := d.SendRaw(targetAddr, DiagnosticMessage, writeData); err != nil {
		return nil, err
	}
	_, _, readData, err = d.Receive()
	return readData, err
}

// Send : sends a diagnostic message to TargetAddress
func (d *DoIP) Send(TargetAddress uint16, data []byte) error {
	return d.SendRaw(TargetAddress, DiagnosticMessage, data)
}

// SendTo is Send under the name the tester core expects.
func (d *DoIP) SendTo(target uint16, data []byte) error {
	return d.Send(target, data)
}

// SendRaw : Send only method
func (d *DoIP) SendRaw(TargetAddress uint16, payloadType MsgTid, data []byte) error {
	var payload []byte
	switch payloadType {
	case AliveCheckRequest:
	case RoutingActivationRequest:
		payload = make([]byte, 2+len(data))
		binary.BigEndian.PutUint16(payload[0:2], d.source)
		copy(payload[2:], data)
	case DiagnosticMessage:
		payload = (&MsgDiagMsgReq{
			SrcAddress: d.source,
			DstAddress: TargetAddress,
			Userdata:   data,
		}).Pack()
	default:
		return unknownPayloadType
	}
	return d.write(Frame(d.version, payloadType, payload))
}

func (d *DoIP) write(buffer []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.connection == nil {
		d.log.Debugf("DoIP: Attempt to send when not connected")
		return sessionDisconnected
	}
	sent := 0
	for sent < len(buffer) {
		n, err := d.connection.Write(buffer[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

// Receive : get messages received. Set an error if a timeout or an error message has been received
func (d *DoIP) Receive() (source uint16, target uint16, data []byte, err error) {
	return d.receive(d.readTimeout)
}

// ReceiveTimeout waits up to timeout for the next diagnostic payload.
// A timeout <= 0 waits until data or a fault arrives.
func (d *DoIP) ReceiveTimeout(timeout time.Duration) ([]byte, error) {
	_, _, data, err := d.receive(timeout)
	return data, err
}

func (d *DoIP) receive(wait time.Duration) (source uint16, target uint16, data []byte, err error) {
	d.mtx.Lock()
	inChan, errChan, connected := d.inChan, d.errChan, d.connection != nil
	d.mtx.Unlock()
	if !connected && inChan == nil {
		return 0, 0, nil, sessionDisconnected
	}

	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}

	var ok bool
	select {
	case message, ok := <-inChan:
		if ok {
			return message.source, message.target, message.data, nil
		}
		err = sessionDisconnected
		d.log.Debugf("%v", err)

	case err, ok = <-errChan:
		if !ok {
			err = sessionDisconnected
		}
		d.log.Debugf("%v", err)

	case <-expired:
		err = timeout
		d.log.Debugf("%v", err)
	}
	return
}

// Flush drops every message already queued by the input loop.
func (d *DoIP) Flush() {
	d.mtx.Lock()
	inChan, errChan := d.inChan, d.errChan
	d.mtx.Unlock()
	for {
		select {
		case _, ok := <-inChan:
			if !ok {
				return
			}
		case _, ok := <-errChan:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// aliveCheckPeriodical : sends an alive check every second to indicate that
// the diagnostic services are to remain active. 7.1.7
func (d *DoIP) aliveCheckPeriodical(running <-chan struct{}) {
	ticker := time.NewTicker(aliveTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.SendRaw(0, AliveCheckRequest, nil); err != nil {
				d.log.Debugf("Alive check send error %s", err)
			}
		case <-running:
			return
		}
	}
}

// KeepAlive starts the periodic alive check until Disconnect.
func (d *DoIP) KeepAlive() {
	d.mtx.Lock()
	running := d.running
	d.mtx.Unlock()
	if running == nil {
		return
	}
	go d.aliveCheckPeriodical(running)
}

// See Table 22
func (d *DoIP) activationHandshake() (err error) {
	err = d.SendRaw(d.source, RoutingActivationRequest, []byte{d.activationType, 0x00, 0x00, 0x00, 0x00})
	if err != nil {
		return
	}

	_, _, data, err := d.Receive()
	if err != nil {
		return
	}
	// See Table 25
	if len(data) == 0 || data[0] != RoutingSuccessfullyActivated {
		err = routingActivationResponseFailed
	}
	return
}

func (d *DoIP) isStopped() bool {
	d.mtx.Lock()
	running := d.running
	d.mtx.Unlock()
	select {
	case _, ok := <-running:
		return !ok
	default:
		return false
	}
}

// inputLoop: waits for incoming data on the socket
// First, reads the header and extracts the package size
// Reads the package payload according to the size
// Drops message / sets errors as specified in the ISO or sends the message up
func (d *DoIP) inputLoop(connection net.Conn) {
	d.mtx.Lock()
	inChan, errChan, running := d.inChan, d.errChan, d.running
	d.mtx.Unlock()
	defer close(inChan)
	defer close(errChan)

	// nobody may be reading any more once Disconnect was called
	fail := func(err error) bool {
		select {
		case errChan <- err:
			return true
		case <-running:
			return false
		}
	}
	deliver := func(m *doIPMessage) bool {
		select {
		case inChan <- m:
			return true
		case <-running:
			return false
		}
	}

	var header [headerLen]byte
	for {
		// First receive and decode the header
		n, err := io.ReadFull(connection, header[:])
		if err != nil {
			if !d.isStopped() && err != io.EOF && err != io.ErrUnexpectedEOF {
				d.log.Debugf("DoIP: Failed to read from socket (recv: %v of %v, err: %v)", n, headerLen, err)
			}
			return
		}
		if header[1] != ^header[0] {
			d.log.Debugf("DoIP Protocol Error")
			if !fail(incorrectPatternFormat) {
				return
			}
			continue
		}

		payloadType := MsgTid(binary.BigEndian.Uint16(header[2:4]))
		dataSize := binary.BigEndian.Uint32(header[4:8])
		if dataSize > maxMsgSize {
			d.log.Debugf("DoIP: Payload of %v bytes exceeds %v, closing socket", dataSize, maxMsgSize)
			fail(invalidPayloadLength)
			connection.Close()
			return
		}

		payload := make([]byte, dataSize)
		n, err = io.ReadFull(connection, payload)
		if err != nil {
			if !d.isStopped() && err != io.EOF && err != io.ErrUnexpectedEOF {
				d.log.Debugf("DoIP: Failed to read from socket (recv: %v of %v, err: %v)", n, dataSize, err)
			}
			return
		}

		if !validPayloadLength(payloadType, payload) {
			if !fail(invalidPayloadLength) {
				return
			}
			continue
		}
		sourceAddress, targetAddress := parseAddresses(payloadType, payload)

		ok := true
		switch {
		case payloadType == AliveCheckRequest:
			// answer on behalf of the tester, the gateway checks we are still here
			resp, _ := packResAC(&MsgAliveChkRes{SrcAddress: d.source})
			if err := d.write(Frame(header[0], AliveCheckResponse, resp)); err != nil {
				d.log.Debugf("DoIP: alive check response failed %v", err)
			}

		case payloadType == AliveCheckResponse:

		case payloadType == GenericHeaderNegativeAcknowledge:
			d.log.Debug("DoIP: NACK - drop message")
			ok = fail(unknownPayloadType)

		case targetAddress != d.source:
			d.log.Debugf("DoIP: Unknown target address %v - drop message %v", targetAddress, payloadType)
			ok = fail(unmatchedSrcAddr)

		case payloadType == DiagnosticMessageNegativeAcknowledge:
			ok = fail(negativeAck)

		case payloadType == DiagnosticMessagePositiveAcknowledge:
			// the real answer follows as a DiagnosticMessage
			d.log.Debugf("DoIP: ACK from %x", sourceAddress)

		case payloadType == RoutingActivationResponse:
			ok = deliver(&doIPMessage{
				source: sourceAddress,
				target: targetAddress,
				data:   payload[4:],
			})

		case payloadType == DiagnosticMessage:
			ok = deliver(&doIPMessage{
				source: sourceAddress,
				target: targetAddress,
				data:   payload[4:],
			})

		default:
			d.log.Debugf("DoIP: Unknown payload type - drop message")
			ok = fail(unknownPayloadType)
		}
		if !ok {
			return
		}
	}
}

func validPayloadLength(payloadType MsgTid, payload []byte) bool {
	switch payloadType {
	case RoutingActivationResponse:
		return len(payload) == 9 || len(payload) == 13
	case DiagnosticMessage, DiagnosticMessagePositiveAcknowledge, DiagnosticMessageNegativeAcknowledge:
		return len(payload) >= 4
	case AliveCheckResponse:
		return len(payload) == 2
	case GenericHeaderNegativeAcknowledge:
		return len(payload) == 1
	}
	return true
}

func parseAddresses(payloadType MsgTid, payload []byte) (sourceAddress uint16, targetAddress uint16) {
	switch payloadType {
	case RoutingActivationResponse:
		targetAddress = binary.BigEndian.Uint16(payload[0:2])
		sourceAddress = binary.BigEndian.Uint16(payload[2:4])

	case DiagnosticMessage, DiagnosticMessagePositiveAcknowledge, DiagnosticMessageNegativeAcknowledge:
		sourceAddress = binary.BigEndian.Uint16(payload[0:2])
		targetAddress = binary.BigEndian.Uint16(payload[2:4])

	case AliveCheckResponse:
		sourceAddress = binary.BigEndian.Uint16(payload[0:2])
	}
	return
}
