package udsonip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eshenhu/udsonip/doip"
)

// ListenSlice bounds a single wait for announcements during Discover.
const ListenSlice = time.Second

// ScanNetwork refuses networks with more host bits than this.
const maxScanBits = 16

// Announcer is the UDP side of DoIP used for discovery.
// *doip.Announcer implements it.
type Announcer interface {
	RequestVehicleIdentification(iface string, version byte) error
	AwaitAnnouncement(timeout time.Duration, iface string) (*doip.Announcement, error)
	RequestEntity(ip string, timeout time.Duration, version byte) (*doip.Announcement, error)
}

var _ Announcer = (*doip.Announcer)(nil)

// DiscovererOption customises a Discoverer.
type DiscovererOption func(*Discoverer)

// WithClock sets the clock measuring discovery budgets.
func WithClock(c clock.Clock) DiscovererOption {
	return func(d *Discoverer) {
		d.clock = c
	}
}

// WithListenSlice overrides ListenSlice.
func WithListenSlice(slice time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		if slice > 0 {
			d.slice = slice
		}
	}
}

// WithDefaultTimeouts sets the budgets used when Discover, GetEntity or
// ScanNetwork get a timeout <= 0.
func WithDefaultTimeouts(discovery, probe time.Duration) DiscovererOption {
	return func(d *Discoverer) {
		if discovery > 0 {
			d.discoveryTimeout = discovery
		}
		if probe > 0 {
			d.probeTimeout = probe
		}
	}
}

// WithProtocolVersion sets the version used by ScanNetwork.
func WithProtocolVersion(version byte) DiscovererOption {
	return func(d *Discoverer) {
		d.version = version
	}
}

// Discoverer finds DoIP entities by broadcast, passive listening or
// direct queries.
type Discoverer struct {
	log       Logger
	announcer Announcer
	clock     clock.Clock
	slice     time.Duration
	version   byte

	discoveryTimeout time.Duration
	probeTimeout     time.Duration
}

// NewDiscoverer creates a Discoverer on top of announcer.
func NewDiscoverer(log Logger, announcer Announcer, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		log:       orNop(log),
		announcer: announcer,
		clock:     clock.New(),
		slice:     ListenSlice,
		version:   doip.DefaultProtocolVersion,

		discoveryTimeout: DefaultDiscoveryTimeout,
		probeTimeout:     DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDiscovererFromConfig creates a Discoverer on a UDP announcer using
// the ports, protocol version and timeouts of cfg.
func NewDiscovererFromConfig(cfg Config, log Logger, opts ...DiscovererOption) *Discoverer {
	a := doip.NewAnnouncer(orNop(log))
	a.SetPorts(cfg.UDPPort, cfg.UDPPort)
	opts = append([]DiscovererOption{
		WithProtocolVersion(cfg.ProtocolVersion),
		WithDefaultTimeouts(cfg.DiscoveryTimeout, cfg.ProbeTimeout),
	}, opts...)
	return NewDiscoverer(log, a, opts...)
}

// Close releases the announcer when it holds a socket.
func (d *Discoverer) Close() error {
	if c, ok := d.announcer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Discover broadcasts an identification request on iface and collects
// announcements until timeout has elapsed. A failed broadcast only leaves
// discovery passive. Each (IP, logical address) appears once, first seen
// wins.
func (d *Discoverer) Discover(iface string, timeout time.Duration, version byte) ([]ECUInfo, error) {
	if timeout <= 0 {
		timeout = d.discoveryTimeout
	}
	start := d.clock.Now()
	if err := d.announcer.RequestVehicleIdentification(iface, version); err != nil {
		d.log.Warnf("Vehicle identification broadcast failed, listening only: %v", err)
	}

	var found []ECUInfo
	seen := make(map[ecuKey]struct{})
	for {
		remaining := timeout - d.clock.Since(start)
		if remaining <= 0 {
			break
		}
		wait := d.slice
		if remaining < wait {
			wait = remaining
		}

		ann, err := d.announcer.AwaitAnnouncement(wait, iface)
		switch {
		case isTimeout(err):
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: ECU discovery failed: %w", ErrDiscovery, err)
		case ann == nil:
			continue
		}

		info := ecuInfoFromAnnouncement(ann)
		if _, dup := seen[info.key()]; dup {
			d.log.Debugf("Ignoring repeated announcement from %s", info)
			continue
		}
		seen[info.key()] = struct{}{}
		found = append(found, info)
		discoveredECUs.Inc()
		d.log.Infof("Discovered %s", info)
	}
	return found, nil
}

// GetEntity asks the entity at ip to identify itself. It returns nil and
// no error when the entity stays silent for timeout.
func (d *Discoverer) GetEntity(ip string, timeout time.Duration, version byte) (*ECUInfo, error) {
	if timeout <= 0 {
		timeout = d.probeTimeout
	}
	ann, err := d.announcer.RequestEntity(ip, timeout, version)
	switch {
	case isTimeout(err):
		d.log.Debugf("No entity answered at %s", ip)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: failed to get entity info from %s: %w", ErrDiscovery, ip, err)
	case ann == nil:
		return nil, nil
	}
	info := ecuInfoFromAnnouncement(ann)
	if info.IP == "" {
		info.IP = ip
	}
	return &info, nil
}

// ScanNetwork queries every host of an IPv4 CIDR one after another, each
// with timeout. Hosts failing with anything but a timeout are skipped.
func (d *Discoverer) ScanNetwork(cidr string, timeout time.Duration) ([]ECUInfo, error) {
	hosts, err := hostsOf(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: network scan failed: %w", ErrDiscovery, err)
	}

	var found []ECUInfo
	seen := make(map[ecuKey]struct{})
	for _, ip := range hosts {
		info, err := d.GetEntity(ip, timeout, d.version)
		if err != nil {
			d.log.Debugf("Skipping %s: %v", ip, err)
			continue
		}
		if info == nil {
			continue
		}
		if _, dup := seen[info.key()]; dup {
			continue
		}
		seen[info.key()] = struct{}{}
		found = append(found, *info)
		discoveredECUs.Inc()
		d.log.Infof("Found %s", info)
	}
	return found, nil
}

// hostsOf lists the host addresses of an IPv4 network. Network and
// broadcast addresses are left out for prefixes shorter than /31.
func hostsOf(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	base := ipnet.IP.To4()
	if base == nil {
		return nil, fmt.Errorf("%s is not an IPv4 network", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > maxScanBits {
		return nil, fmt.Errorf("%s is larger than /%d", cidr, bits-maxScanBits)
	}
	size := uint32(1) << uint(bits-ones)
	first, last := uint32(0), size-1
	if bits-ones > 1 {
		first, last = 1, size-2
	}

	start := binary.BigEndian.Uint32(base)
	hosts := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		ip := make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(ip, start+i)
		hosts = append(hosts, ip.String())
	}
	return hosts, nil
}

// Discover runs a discovery on the default UDP port.
func Discover(iface string, timeout time.Duration, version byte) ([]ECUInfo, error) {
	d := NewDiscoverer(nil, doip.NewAnnouncer(nil))
	defer d.Close()
	return d.Discover(iface, timeout, version)
}

// GetEntity queries one entity on the default UDP port.
func GetEntity(ip string, timeout time.Duration, version byte) (*ECUInfo, error) {
	d := NewDiscoverer(nil, doip.NewAnnouncer(nil))
	defer d.Close()
	return d.GetEntity(ip, timeout, version)
}

// ScanNetwork scans cidr on the default UDP port.
func ScanNetwork(cidr string, timeout time.Duration) ([]ECUInfo, error) {
	d := NewDiscoverer(nil, doip.NewAnnouncer(nil))
	defer d.Close()
	return d.ScanNetwork(cidr, timeout)
}
