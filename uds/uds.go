package uds

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// The definition of these constants can be found in ISO 14229-1
// Request codes
const (
	udsSessionCtrlReq      uint8 = 0x10
	udsEcuResetReq         uint8 = 0x11
	udsClearDtcReq         uint8 = 0x14
	udsDtcReq              uint8 = 0x19
	udsReadDIDReq          uint8 = 0x22
	udsReadMemByAddressReq uint8 = 0x23
	udsSecurityAccessReq   uint8 = 0x27
	udsWriteDIDReq         uint8 = 0x2E
	udsRoutineCtrlReq      uint8 = 0x31
	udsTesterPresentReq    uint8 = 0x3E
)

const (
	udsPosRespMask   uint8 = 0x40
	udsNegRespServID uint8 = 0x7f
	udsSuppressPos   uint8 = 0x80
)

// Negative response codes
const (
	udsServiceNotSupported  uint8 = 0x11
	udsConditionsNotCorrect uint8 = 0x22
	udsRequestOutOfRange    uint8 = 0x31
	udsSecurityAccessDenied uint8 = 0x33
	udsInvalidKey           uint8 = 0x35
	udsRespPending          uint8 = 0x78
)

// Subfunctions for udsDtcReq
const (
	udsDtcNumberByMask       uint8 = 0x01
	udsDtcByMask             uint8 = 0x02
	udsDtcSnapIdentification uint8 = 0x03
	udsDtcSnapRecByDtcNum    uint8 = 0x04
	udsDtcExtendedByDtcNum   uint8 = 0x06
)

// Diagnostic sessions (0x10)
const (
	DefaultSession     uint8 = 0x01
	ProgrammingSession uint8 = 0x02
	ExtendedSession    uint8 = 0x03
)

// ECU reset types (0x11)
const (
	HardReset     uint8 = 0x01
	KeyOffOnReset uint8 = 0x02
	SoftReset     uint8 = 0x03
)

// Routine control types (0x31)
const (
	StartRoutine         uint8 = 0x01
	StopRoutine          uint8 = 0x02
	RequestRoutineResult uint8 = 0x03
)

// AllDTCGroups selects every DTC for ClearDTC.
const AllDTCGroups uint32 = 0xFFFFFF

const defaultP2Timeout = 2 * time.Second

// Logger interface should be implemented by the client
type Logger interface {
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
}

// NewLogger creates a logger that discards everything.
func NewLogger() Logger {
	return zap.NewNop().Sugar()
}

// Conn is the transport a Client talks through. The target ECU is chosen
// by the Conn, not by the Client.
type Conn interface {
	Open() error
	Close() error
	IsOpen() bool
	Send(payload []byte) error
	// Receive returns nil data and nil error when timeout expires.
	Receive(timeout time.Duration) ([]byte, error)
	Empty()
}

// Error : specific uds error
type Error interface {
	error
	Unrecoverable() bool
}

type udsError struct {
	code     int
	request  []byte
	response []byte
	count    int8
	err      error
}

const (
	innerError             int = 0
	noResponse             int = 1
	tooManyResponsePending int = 2
	unexpectedResponse     int = 4
	zeroLengthResponse     int = 5
	connectionClosed       int = 7
	unknownError           int = 12
)

func (u *udsError) Error() string {
	switch u.code {
	case innerError:
		return fmt.Sprintf("#%02d.%x %s", u.code, u.request, u.err)
	case noResponse:
		return fmt.Sprintf("#%02d.%x <%s>", u.code, u.request, "Uds: No response within P2")
	case tooManyResponsePending:
		return fmt.Sprintf("#%02d.%x.%02x <%s>", u.code, u.request, u.count, "Uds: Too many response pending messages received")
	case unexpectedResponse:
		return fmt.Sprintf("#%02d.%x.%x <%s>", u.code, u.request, u.response, "Uds: Unexpected response")
	case zeroLengthResponse:
		return fmt.Sprintf("#%02d.%x <%s>", u.code, u.request, "Uds: Zero length Response")
	case connectionClosed:
		return fmt.Sprintf("#%02d.%x <%s>", u.code, u.request, "Uds: Connection is not open")
	default:
		return fmt.Sprintf("#%02d <Uds: Unknown error>", unknownError)
	}
}

func (u *udsError) Unwrap() error { return u.err }

// Unrecoverable is true when the transport under the session is gone.
func (u *udsError) Unrecoverable() bool {
	if u.code == connectionClosed {
		return true
	}
	var d interface{ IsDisconnected() bool }
	return u.err != nil && errors.As(u.err, &d) && d.IsDisconnected()
}

// IsTimeout reports whether err is a request that got no answer.
func IsTimeout(err error) bool {
	var u *udsError
	return errors.As(err, &u) && u.code == noResponse
}

// NegativeResponseError is returned when the ECU answers 0x7F.
type NegativeResponseError struct {
	Service  uint8
	Code     uint8
	Response []byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("Uds: negative response to %#02x: %#02x (%s)", e.Service, e.Code, nrcName(e.Code))
}

func nrcName(code uint8) string {
	switch code {
	case udsServiceNotSupported:
		return "serviceNotSupported"
	case udsConditionsNotCorrect:
		return "conditionsNotCorrect"
	case udsRequestOutOfRange:
		return "requestOutOfRange"
	case udsSecurityAccessDenied:
		return "securityAccessDenied"
	case udsInvalidKey:
		return "invalidKey"
	case udsRespPending:
		return "responsePending"
	default:
		return "unknown"
	}
}

// Client is one diagnostic session bound to one Conn.
type Client struct {
	log          Logger
	conn         Conn
	pendingCount int8
	p2           time.Duration
	exchange     sync.Locker
}

// NewClient creates a new UDS session with conn as the bearer, accepting
// five response pending messages per request.
func NewClient(log Logger, conn Conn) *Client {
	// The default value here is just set arbitrary
	return NewClientWithPendingCount(log, conn, 5)
}

// NewClientWithPendingCount creates a new UDS session with conn as the bearer.
// count is the number of response pending messages the UDS layer will accept
// before returning an error.
func NewClientWithPendingCount(log Logger, conn Conn, count int8) *Client {
	if log == nil {
		log = NewLogger()
	}
	return &Client{
		log:          log,
		conn:         conn,
		pendingCount: count,
		p2:           defaultP2Timeout,
		exchange:     &sync.Mutex{},
	}
}

// SetTimeout sets how long to wait for each response frame.
func (u *Client) SetTimeout(p2 time.Duration) {
	u.p2 = p2
}

// SetLocker replaces the lock that serializes request/response exchanges.
// Sessions sharing one link must share one locker.
func (u *Client) SetLocker(l sync.Locker) {
	u.exchange = l
}

// Conn returns the transport of this session.
func (u *Client) Conn() Conn {
	return u.conn
}

// Request sends a raw request and returns the positive response.
func (u *Client) Request(request []byte) ([]byte, error) {
	return u.doUdsRawReq(request)
}

// ChangeSession : DiagnosticSessionControl (0x10)
func (u *Client) ChangeSession(session uint8) ([]byte, error) {
	return u.doUdsRawReq([]byte{udsSessionCtrlReq, session})
}

// TesterPresent : TesterPresent (0x3E). With suppress set no answer is expected.
func (u *Client) TesterPresent(suppress bool) ([]byte, error) {
	if suppress {
		return nil, u.send([]byte{udsTesterPresentReq, udsSuppressPos})
	}
	return u.doUdsRawReq([]byte{udsTesterPresentReq, 0x00})
}

// ReadDataByIdentifier : ReadDataByIdentifier (0x22) service, returns the record
// without the echoed identifier.
func (u *Client) ReadDataByIdentifier(did uint16) ([]byte, error) {
	response, err := u.doUdsRawReq([]byte{udsReadDIDReq, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	return response[3:], nil
}

// WriteDataByIdentifier : WriteDataByIdentifier (0x2E)
func (u *Client) WriteDataByIdentifier(did uint16, data []byte) error {
	request := append([]byte{udsWriteDIDReq, byte(did >> 8), byte(did)}, data...)
	_, err := u.doUdsRawReq(request)
	return err
}

// ReadDTCByMask : ReadDTCInformation (0x19) service : sub-function (0x02): retrieves a list of DTCs that match the status mask specified
func (u *Client) ReadDTCByMask(statusMask uint8) ([]byte, error) {
	return u.doUdsRawReq([]byte{udsDtcReq, udsDtcByMask, statusMask})
}

// ReadDTCCountByMask : ReadDTCInformation (0x19) sub-function (0x01)
func (u *Client) ReadDTCCountByMask(statusMask uint8) ([]byte, error) {
	return u.doUdsRawReq([]byte{udsDtcReq, udsDtcNumberByMask, statusMask})
}

// ReadDTCSnapshotID : ReadDTCInformation (0x19) service : subfunction  (0x03): lists the DTC that have saved snapshot data.
func (u *Client) ReadDTCSnapshotID() ([]byte, error) {
	return u.doUdsRawReq([]byte{udsDtcReq, udsDtcSnapIdentification})
}

// ReadDTCSnapshotRecord : ReadDTCInformation (0x19) service : sub-function (0x04): used to download the snapshot data records, one by one.
func (u *Client) ReadDTCSnapshotRecord(dtcMask uint32, snapRecNumber uint8) ([]byte, error) {
	return u.doUdsRawReq([]byte{udsDtcReq, udsDtcSnapRecByDtcNum,
		byte(dtcMask >> 16), byte(dtcMask >> 8), byte(dtcMask), snapRecNumber})
}

// ReadDTCExtData : ReadDTCInformation (0x19) service : sub-function  (0x06): retrieve extended data for a client defined in conjunction with the record number
func (u *Client) ReadDTCExtData(dtcMask uint32, extDataRecNumber uint8) ([]byte, error) {
	return u.doUdsRawReq([]byte{udsDtcReq, udsDtcExtendedByDtcNum,
		byte(dtcMask >> 16), byte(dtcMask >> 8), byte(dtcMask), extDataRecNumber})
}

// ClearDTC : ClearDiagnosticInformation (0x14) for a 3-byte group.
func (u *Client) ClearDTC(group uint32) error {
	_, err := u.doUdsRawReq([]byte{udsClearDtcReq, byte(group >> 16), byte(group >> 8), byte(group)})
	return err
}

// ECUReset : ECUReset (0x11)
func (u *Client) ECUReset(resetType uint8) ([]byte, error) {
	return u.doUdsRawReq([]byte{udsEcuResetReq, resetType})
}

// RequestSeed : SecurityAccess (0x27) odd level, returns the seed.
func (u *Client) RequestSeed(level uint8) ([]byte, error) {
	response, err := u.doUdsRawReq([]byte{udsSecurityAccessReq, level})
	if err != nil {
		return nil, err
	}
	return response[2:], nil
}

// SendKey : SecurityAccess (0x27) with the key for the seed of level.
func (u *Client) SendKey(level uint8, key []byte) error {
	_, err := u.doUdsRawReq(append([]byte{udsSecurityAccessReq, level + 1}, key...))
	return err
}

// RoutineControl : RoutineControl (0x31), returns the routine status record.
func (u *Client) RoutineControl(controlType uint8, routineID uint16, data []byte) ([]byte, error) {
	request := append([]byte{udsRoutineCtrlReq, controlType, byte(routineID >> 8), byte(routineID)}, data...)
	response, err := u.doUdsRawReq(request)
	if err != nil {
		return nil, err
	}
	return response[4:], nil
}

// ReadMemByAddress : ReadMemByAddress (0x23) service :  request memory data from the server via provided starting address and size of memory to read
func (u *Client) ReadMemByAddress(addrLenFormatID uint8, memAddress []byte, memSize []byte) ([]byte, error) {
	var request = []byte{udsReadMemByAddressReq, addrLenFormatID}
	request = append(request, memAddress...)
	request = append(request, memSize...)
	return u.doUdsRawReq(request)
}

func (u *Client) send(request []byte) error {
	u.exchange.Lock()
	defer u.exchange.Unlock()
	if !u.conn.IsOpen() {
		return &udsError{code: connectionClosed, request: request}
	}
	if err := u.conn.Send(request); err != nil {
		return &udsError{code: innerError, request: request, err: err}
	}
	return nil
}

// doUdsRawReq is a helper function that handles errors in send/receive and retries on UDS response pending
func (u *Client) doUdsRawReq(request []byte) (response []byte, err error) {
	u.exchange.Lock()
	defer u.exchange.Unlock()

	if !u.conn.IsOpen() {
		return nil, &udsError{code: connectionClosed, request: request}
	}

	u.log.Debugf("Sending uds request with payload %x", request)
	u.conn.Empty()
	if err = u.conn.Send(request); err != nil {
		u.log.Infof("Sending uds request with payload %x failed with %s", request, err)
		return nil, &udsError{code: innerError, request: request, err: err}
	}

	count := int8(0)
	for count <= u.pendingCount {
		u.log.Debugf("Waiting for uds response for request %x", request)
		response, err = u.conn.Receive(u.p2)
		switch {
		case err != nil:
			return nil, &udsError{code: innerError, request: request, err: err}

		case response == nil:
			return nil, &udsError{code: noResponse, request: request}

		case len(response) == 0:
			return nil, &udsError{code: zeroLengthResponse, request: request}

		case response[0] == udsNegRespServID:
			if len(response) < 3 {
				return nil, &udsError{code: unexpectedResponse, request: request, response: response}
			}
			if response[2] != udsRespPending {
				u.log.Debugf("Received a negative response %x", response)
				return nil, &NegativeResponseError{Service: response[1], Code: response[2], Response: response}
			}
			// try to handle the pending response by call Receive again
			count++
			u.log.Debugf("response pending, count: %v of %v", count, u.pendingCount)

		case !validatePositiveResponse(request, response):
			u.log.Debugf("Received an unexpected response %x", response)
			return nil, &udsError{code: unexpectedResponse, request: request, response: response}

		default: // good answer
			u.log.Debugf("Received positive response %x", response)
			return response, nil
		}
	}
	return nil, &udsError{code: tooManyResponsePending, request: request, count: count}
}

// validatePositiveResponse : check that the response received has the correct format
func validatePositiveResponse(request []byte, response []byte) bool {
	if len(response) == 0 || request[0]|udsPosRespMask != response[0] {
		return false
	}

	switch request[0] {
	case udsReadDIDReq, udsWriteDIDReq:
		return len(response) >= 3 && bytes.Equal(request[1:3], response[1:3])
	case udsRoutineCtrlReq:
		return len(response) >= 4 && bytes.Equal(request[1:4], response[1:4])
	case udsDtcReq, udsSessionCtrlReq, udsEcuResetReq, udsSecurityAccessReq, udsTesterPresentReq:
		return len(response) > 1 && request[1] == response[1]
	default:
		return true
	}
}
