package udsonip

import (
	"bytes"
	"fmt"

	"github.com/eshenhu/udsonip/doip"
)

// ECUInfo describes a DoIP entity found on the network. Two descriptors
// with the same IP and LogicalAddress are the same endpoint.
type ECUInfo struct {
	IP             string
	LogicalAddress LogicalAddress
	EID            []byte
	GID            []byte
	FurtherAction  *byte
	VIN            []byte
}

type ecuKey struct {
	ip   string
	addr LogicalAddress
}

func (e ECUInfo) key() ecuKey {
	return ecuKey{ip: e.IP, addr: e.LogicalAddress}
}

// Same reports whether e and o identify the same endpoint.
func (e ECUInfo) Same(o ECUInfo) bool {
	return e.key() == o.key()
}

func (e ECUInfo) String() string {
	return fmt.Sprintf("ECU(%s @ %#x)", e.IP, uint16(e.LogicalAddress))
}

// GoString is used by %#v.
func (e ECUInfo) GoString() string {
	return fmt.Sprintf("ECUInfo(ip='%s', logical_address=%#x)", e.IP, uint16(e.LogicalAddress))
}

// VINString returns the VIN with trailing padding removed.
func (e ECUInfo) VINString() string {
	return string(bytes.TrimRight(e.VIN, "\x00\xff "))
}

// Connect opens a Client on this endpoint. cfg supplies everything except
// the target IP and logical address.
func (e ECUInfo) Connect(cfg Config, log Logger) (*Client, error) {
	cfg.TargetIP = e.IP
	cfg.LogicalAddress = int(e.LogicalAddress)
	return NewClient(cfg, log)
}

func ecuInfoFromAnnouncement(a *doip.Announcement) ECUInfo {
	fa := a.FurtherAction
	return ECUInfo{
		IP:             a.SourceIP,
		LogicalAddress: LogicalAddress(a.LogicalAddress),
		EID:            append([]byte(nil), a.EID...),
		GID:            append([]byte(nil), a.GID...),
		FurtherAction:  &fa,
		VIN:            append([]byte(nil), a.VIN...),
	}
}
