package doip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	tcpIdleTimeout = 15 * time.Second
	maxMsgSize     = 1 << 20
)

var (
	errMsgProtocolMismatch = errors.New("Message protocol mismatch")
	errMsgTooLarge         = errors.New("Message too large")
)

// UDSHandler is implemented by any value that implements ServeDoIP.
type UDSHandler interface {
	ServeDoIP(w ResponseWriter, r Msg)
}

// A ResponseWriter interface is used by an DoIP handler to
// construct an DoIP response.
type ResponseWriter interface {
	// LocalAddr returns the net.Addr of the server
	LocalAddr() net.Addr
	// RemoteAddr returns the net.Addr of the client that sent the current request.
	RemoteAddr() net.Addr
	// WriteMsg writes a reply back to the client.
	WriteMsg(Msg) error
	// Write writes a raw buffer back to the client.
	Write([]byte) (int, error)
	// Close closes the connection.
	Close() error
}

type response struct {
	srv        *Server
	tcp        net.Conn
	remoteAddr net.Addr
	version    byte
	mtx        sync.Mutex
}

// A Server is a DoIP entity (gateway) simulator. It answers routing
// activation and hands every request to Handler.
type Server struct {
	// Address to listen on, ":13400" if empty.
	Addr string
	// TCP Listener, set by ListenAndServe.
	Listener net.Listener
	// Handler to invoke for every message of an activated tester.
	Handler UDSHandler
	// Idle timeout of a tester connection, defaults to 15s.
	IdleTimeout time.Duration
	// If NotifyStartedFunc is set it is called once the server has started listening.
	NotifyStartedFunc func()

	lock sync.Mutex
	// tester logical address per connection, 0 until routing is activated
	activeConn map[net.Conn]uint16
	log        Logger
	wg         sync.WaitGroup
}

// NewServer creates a server that dispatches to handler.
func NewServer(addr string, handler UDSHandler, logger Logger) *Server {
	if logger == nil {
		logger = NewLogger()
	}
	return &Server{
		Addr:    addr,
		Handler: handler,
		log:     logger,
	}
}

// ListenAndServe starts listening on the configured address and serves
// until Shutdown.
func (srv *Server) ListenAndServe() error {
	addr := srv.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", DefaultPort)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv.lock.Lock()
	srv.Listener = l
	srv.lock.Unlock()
	srv.log.Debugf("Started server at %s", l.Addr())
	return srv.serveTCP(l)
}

// Shutdown closes the listener and every tester connection.
func (srv *Server) Shutdown() error {
	srv.lock.Lock()
	l := srv.Listener
	srv.lock.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	srv.wg.Wait()
	return err
}

// serveTCP accepts testers, each one served in its own goroutine.
func (srv *Server) serveTCP(l net.Listener) error {
	if srv.NotifyStartedFunc != nil {
		srv.NotifyStartedFunc()
	}
	if srv.Handler == nil {
		panic("handler is nil")
	}

	var err error
	for {
		rw, e := l.Accept()
		if e != nil {
			if errors.Is(e, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(e, &ne) && ne.Timeout() {
				continue
			}
			err = e
			break
		}
		srv.log.Debugf("New connection on %s", rw.RemoteAddr())
		srv.trackConn(rw, true)
		srv.wg.Add(1)
		go srv.serve(rw)
	}
	srv.closeConns()
	return err
}

func (srv *Server) serve(t net.Conn) {
	defer srv.wg.Done()
	defer srv.trackConn(t, false)

	w := &response{srv: srv, tcp: t, remoteAddr: t.RemoteAddr(), version: DefaultProtocolVersion}
	idle := srv.IdleTimeout
	if idle == 0 {
		idle = tcpIdleTimeout
	}

	for {
		b, id, version, err := readMsg(t, idle)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				srv.log.Debugf("rcv error on %s: %v", t.RemoteAddr(), err)
			}
			if err == errMsgProtocolMismatch {
				failedHandler(w, DoIPHdrErrIncorrectFormat)
			}
			break
		}
		// answer in the version the tester speaks
		w.version = version

		m, e := Unpack(b, id)
		if e != nil {
			srv.log.Debugf("rcv error on %v", e)
			if e == ErrUnpackNoExist {
				failedHandler(w, DoIPHdrErrUnknownPayloadType)
			} else {
				failedHandler(w, DoIPHdrErrInvalidLen)
			}
			continue
		}
		if !srv.permitted(t, m) {
			srv.log.Debugf("Message %v before routing activation", id)
			failedHandler(w, DoIPHdrErrSecurity)
			continue
		}
		srv.Handler.ServeDoIP(w, m)
	}
	w.Close()
	srv.log.Debugf("Exit server with %s", t.RemoteAddr())
}

func (srv *Server) permitted(c net.Conn, m Msg) bool {
	switch m.GetID() {
	case RoutingActivationRequest, AliveCheckRequest, VehicleIdentificationRequest:
		return true
	}
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return srv.activeConn[c] != 0
}

func readMsg(conn net.Conn, idle time.Duration) ([]byte, MsgTid, byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, 0, 0, err
	}
	var h [headerLen]byte
	if _, err := io.ReadFull(conn, h[:]); err != nil {
		return nil, 0, 0, err
	}
	if h[1] != ^h[0] {
		return nil, 0, 0, errMsgProtocolMismatch
	}
	id := MsgTid(binary.BigEndian.Uint16(h[2:4]))
	size := binary.BigEndian.Uint32(h[4:8])
	if size > maxMsgSize {
		return nil, 0, 0, errMsgTooLarge
	}
	m := make([]byte, size)
	if _, err := io.ReadFull(conn, m); err != nil {
		return nil, 0, 0, err
	}
	return m, id, h[0], nil
}

func (srv *Server) closeConns() {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	for c := range srv.activeConn {
		c.Close()
	}
}

func (srv *Server) trackConn(c net.Conn, add bool) {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if srv.activeConn == nil {
		srv.activeConn = make(map[net.Conn]uint16)
	}
	if add {
		srv.activeConn[c] = 0
	} else {
		delete(srv.activeConn, c)
	}
}

func (srv *Server) activate(c net.Conn, tester uint16) {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	if _, ok := srv.activeConn[c]; ok {
		srv.activeConn[c] = tester
	}
}

// WriteMsg implements the ResponseWriter.WriteMsg method.
func (w *response) WriteMsg(m Msg) error {
	b, err := Pack(m, m.GetID())
	if err != nil {
		return err
	}
	if ra, ok := m.(*MsgActivationRes); ok && ra.Code == RoutingSuccessfullyActivated {
		w.srv.activate(w.tcp, ra.SrcAddress)
	}
	_, err = w.Write(Frame(w.version, m.GetID(), b))
	return err
}

// Write implements the ResponseWriter.Write method.
func (w *response) Write(m []byte) (int, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.tcp == nil {
		return 0, ErrDoIPNoSocket
	}
	sent := 0
	for sent < len(m) {
		n, err := w.tcp.Write(m[sent:])
		if err != nil {
			return sent, fmt.Errorf("Send: Conn write error (%v)", err)
		}
		sent += n
	}
	return sent, nil
}

// LocalAddr implements the ResponseWriter.LocalAddr method.
func (w *response) LocalAddr() net.Addr {
	return w.tcp.LocalAddr()
}

// RemoteAddr implements the ResponseWriter.RemoteAddr method.
func (w *response) RemoteAddr() net.Addr { return w.remoteAddr }

// Close implements the ResponseWriter.Close method
func (w *response) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.tcp != nil {
		e := w.tcp.Close()
		w.tcp = nil
		return e
	}
	return nil
}

func failedHandler(w ResponseWriter, code byte) {
	w.WriteMsg(&MsgNACKReq{
		Id:      GenericHeaderNegativeAcknowledge,
		ErrCode: code,
	})
}

// RunLocalTCPServer starts a server on addr and returns once it is listening.
func RunLocalTCPServer(addr string, handler UDSHandler, logger Logger) (*Server, string, error) {
	server := NewServer(addr, handler, logger)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	server.Listener = l

	var wg sync.WaitGroup
	wg.Add(1)
	server.NotifyStartedFunc = wg.Done

	go server.serveTCP(l)

	wg.Wait()
	return server, l.Addr().String(), nil
}

// RunLocalUDPResponder answers vehicle identification requests on addr with
// one announcement frame per entry of anns.
func RunLocalUDPResponder(addr string, logger Logger, anns ...*Announcement) (*net.UDPConn, error) {
	if logger == nil {
		logger = NewLogger()
	}
	uaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", uaddr)
	if err != nil {
		return nil, err
	}

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			id, _, err := splitDatagram(buf[:n])
			if err != nil || id != VehicleIdentificationRequest {
				continue
			}
			logger.Debugf("Vehicle identification request from %s", from)
			for _, a := range anns {
				if _, err := conn.WriteToUDP(Frame(buf[0], VehicleAnnouncement, a.Pack()), from); err != nil {
					logger.Debugf("Announcement to %s failed: %v", from, err)
				}
			}
		}
	}()
	return conn, nil
}
