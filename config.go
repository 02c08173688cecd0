package udsonip

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/eshenhu/udsonip/doip"
	"gopkg.in/yaml.v3"
)

// Default values applied by DefaultConfig.
const (
	DefaultClientLogicalAddress = 0x0E00
	DefaultGatewayAddress       = 0x0001
	DefaultReadTimeout          = 2 * time.Second
	DefaultDiscoveryTimeout     = 5 * time.Second
	DefaultProbeTimeout         = 2 * time.Second
)

// Config describes how to reach a DoIP entity and the ECUs behind it.
type Config struct {
	TargetIP             string         `yaml:"target_ip"`
	LogicalAddress       int            `yaml:"logical_address"`
	ClientIP             string         `yaml:"client_ip,omitempty"`
	ClientLogicalAddress int            `yaml:"client_logical_address"`
	ActivationType       byte           `yaml:"activation_type"`
	ProtocolVersion      byte           `yaml:"protocol_version"`
	TCPPort              int            `yaml:"tcp_port"`
	UDPPort              int            `yaml:"udp_port"`
	ReadTimeout          time.Duration  `yaml:"read_timeout"`
	DiscoveryTimeout     time.Duration  `yaml:"discovery_timeout"`
	ProbeTimeout         time.Duration  `yaml:"probe_timeout"`
	GatewayAddress       int            `yaml:"gateway_address"`
	AliveCheck           bool           `yaml:"alive_check,omitempty"`
	ECUs                 map[string]int `yaml:"ecus,omitempty"`
}

// DefaultConfig returns a Config with every optional field set.
func DefaultConfig() Config {
	return Config{
		ClientLogicalAddress: DefaultClientLogicalAddress,
		ProtocolVersion:      doip.DefaultProtocolVersion,
		TCPPort:              doip.DefaultPort,
		UDPPort:              doip.DefaultPort,
		ReadTimeout:          DefaultReadTimeout,
		DiscoveryTimeout:     DefaultDiscoveryTimeout,
		ProbeTimeout:         DefaultProbeTimeout,
		GatewayAddress:       DefaultGatewayAddress,
	}
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks addresses, ports and timeouts.
func (c Config) Validate() error {
	if c.TargetIP != "" && net.ParseIP(c.TargetIP) == nil {
		return fmt.Errorf("invalid target_ip %q", c.TargetIP)
	}
	if c.ClientIP != "" && net.ParseIP(c.ClientIP) == nil {
		return fmt.Errorf("invalid client_ip %q", c.ClientIP)
	}
	for field, v := range map[string]int{
		"logical_address":        c.LogicalAddress,
		"client_logical_address": c.ClientLogicalAddress,
		"gateway_address":        c.GatewayAddress,
	} {
		if _, err := ParseLogicalAddress(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	for name, v := range c.ECUs {
		if _, err := ParseLogicalAddress(v); err != nil {
			return fmt.Errorf("ecus.%s: %w", name, err)
		}
	}
	if c.TCPPort <= 0 || c.TCPPort > 0xFFFF {
		return fmt.Errorf("invalid tcp_port %d", c.TCPPort)
	}
	if c.UDPPort <= 0 || c.UDPPort > 0xFFFF {
		return fmt.Errorf("invalid udp_port %d", c.UDPPort)
	}
	if c.ReadTimeout < 0 || c.DiscoveryTimeout < 0 || c.ProbeTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// serverAddr is the TCP endpoint of TargetIP.
func (c Config) serverAddr() string {
	return net.JoinHostPort(c.TargetIP, strconv.Itoa(c.TCPPort))
}

// newTransport builds an unconnected DoIP link to TargetIP whose default
// target is target.
func (c Config) newTransport(log Logger, target LogicalAddress) *doip.DoIP {
	d := doip.NewDoIP(log, uint16(c.ClientLogicalAddress), c.serverAddr())
	d.SetTargetAddress(uint16(target))
	d.SetProtocolVersion(c.ProtocolVersion)
	d.SetActivationType(c.ActivationType)
	if c.ReadTimeout > 0 {
		d.SetReadTimeout(c.ReadTimeout)
	}
	if c.ClientIP != "" {
		d.SetLocalIP(c.ClientIP)
	}
	return d
}

// keepAlive starts periodic alive checks when cfg asks for them and the
// transport supports it.
func (c Config) keepAlive(trans Transport) {
	if !c.AliveCheck {
		return
	}
	if ka, ok := trans.(interface{ KeepAlive() }); ok {
		ka.KeepAlive()
	}
}
