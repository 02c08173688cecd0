package udsonip

import "fmt"

// LogicalAddress identifies an ECU or gateway on the DoIP link.
type LogicalAddress uint16

// ParseLogicalAddress validates v as a 16-bit logical address.
func ParseLogicalAddress(v int) (LogicalAddress, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("%w: invalid logical address %#x, must be a 16-bit integer", ErrAddressSwitch, v)
	}
	return LogicalAddress(v), nil
}

func (a LogicalAddress) String() string {
	return fmt.Sprintf("%#04x", uint16(a))
}
