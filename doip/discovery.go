package doip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const maxDatagram = 1500

// Announcer speaks the UDP side of DoIP: vehicle identification requests
// and vehicle announcements.
type Announcer struct {
	log        Logger
	listenPort int
	remotePort int
	mtx        sync.Mutex
	conn       *net.UDPConn
}

// NewAnnouncer creates an announcer on the well-known discovery port.
// The socket is bound on first use.
func NewAnnouncer(logger Logger) *Announcer {
	if logger == nil {
		logger = NewLogger()
	}
	return &Announcer{
		log:        logger,
		listenPort: DefaultPort,
		remotePort: DefaultPort,
	}
}

// SetPorts overrides the local listen port (0 picks a free one) and the
// port requests are sent to.
func (a *Announcer) SetPorts(listen, remote int) {
	a.listenPort = listen
	a.remotePort = remote
}

// LocalAddr returns the bound socket address, nil before first use.
func (a *Announcer) LocalAddr() net.Addr {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

func (a *Announcer) socket() (*net.UDPConn, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: a.listenPort})
	if err != nil {
		return nil, err
	}
	a.log.Debugf("DoIP: discovery socket bound on %s", conn.LocalAddr())
	a.conn = conn
	return conn, nil
}

// Close releases the discovery socket.
func (a *Announcer) Close() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// RequestVehicleIdentification broadcasts a vehicle identification request on
// iface, or on the limited broadcast address when iface is empty.
func (a *Announcer) RequestVehicleIdentification(iface string, version byte) error {
	dst, err := broadcastAddr(iface, a.remotePort)
	if err != nil {
		return err
	}
	conn, err := a.socket()
	if err != nil {
		return err
	}
	a.log.Debugf("DoIP: vehicle identification request to %s", dst)
	_, err = conn.WriteToUDP(Frame(version, VehicleIdentificationRequest, nil), dst)
	return err
}

// AwaitAnnouncement waits up to timeout for the next vehicle announcement.
// Anything else arriving on the socket is skipped.
func (a *Announcer) AwaitAnnouncement(wait time.Duration, iface string) (*Announcement, error) {
	conn, err := a.socket()
	if err != nil {
		return nil, err
	}
	return readAnnouncement(conn, wait)
}

// RequestEntity asks the entity at ip to identify itself.
func (a *Announcer) RequestEntity(ip string, wait time.Duration, version byte) (*Announcement, error) {
	raddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, fmt.Sprint(a.remotePort)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP(Frame(version, VehicleIdentificationRequest, nil), raddr); err != nil {
		return nil, err
	}
	return readAnnouncement(conn, wait)
}

func readAnnouncement(conn *net.UDPConn, wait time.Duration) (*Announcement, error) {
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, timeout
			}
			return nil, err
		}
		id, payload, err := splitDatagram(buf[:n])
		if err != nil || id != VehicleAnnouncement {
			continue
		}
		ann, err := ParseAnnouncement(payload, addr)
		if err != nil {
			continue
		}
		return ann, nil
	}
}

func splitDatagram(b []byte) (MsgTid, []byte, error) {
	if len(b) < headerLen {
		return 0, nil, ErrUnpackTooShort
	}
	if b[1] != ^b[0] {
		return 0, nil, ErrDoIPHdrErr
	}
	size := binary.BigEndian.Uint32(b[4:8])
	if int(size) != len(b)-headerLen {
		return 0, nil, ErrDoIPHdrErr
	}
	return MsgTid(binary.BigEndian.Uint16(b[2:4])), b[headerLen:], nil
}

// broadcastAddr computes the directed broadcast address of the first IPv4
// network on iface.
func broadcastAddr(iface string, port int) (*net.UDPAddr, error) {
	if iface == "" {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: port}, nil
	}
	ief, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	addrs, err := ief.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %s addresses: %w", iface, err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil {
			continue
		}
		mask := ipnet.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}
		bcast := make(net.IP, net.IPv4len)
		for i := range ip {
			bcast[i] = ip[i] | ^mask[i]
		}
		return &net.UDPAddr{IP: bcast, Port: port}, nil
	}
	return nil, fmt.Errorf("no IPv4 address found on interface %s", iface)
}
