package udsonip

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Err is the root of every error kind below.
var Err = errors.New("udsonip")

// Error kinds. Every error returned by this package wraps exactly one of
// them and through it Err; test with errors.Is.
var (
	ErrConnection    = fmt.Errorf("%w: connection error", Err)
	ErrAddressSwitch = fmt.Errorf("%w: address switch error", Err)
	ErrDiscovery     = fmt.Errorf("%w: discovery error", Err)
	ErrSession       = fmt.Errorf("%w: session error", Err)
	ErrECUNotFound   = fmt.Errorf("%w: ecu not found", Err)
)

// ECUError annotates a failure inside a scoped session with the ECU name.
// Unwrap exposes the wrapped kind.
type ECUError struct {
	Name string
	Err  error
}

func (e *ECUError) Error() string {
	return fmt.Sprintf("error communicating with ECU '%s': %v", e.Name, e.Err)
}

func (e *ECUError) Unwrap() error { return e.Err }

// Is reports an ECUError as a udsonip error even when the wrapped fault
// came from the UDS layer.
func (e *ECUError) Is(target error) bool { return target == Err }

// isTimeout recognises the timeout faults of the transports: the DoIP
// client's IsTimeout, net.Error and expired deadlines.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ IsTimeout() bool }
	if errors.As(err, &t) && t.IsTimeout() {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
