package doip

import (
	"encoding/binary"
	"errors"
	"net"
)

// Error for NACK HEADER Message
const (
	DoIPHdrErrIncorrectFormat    byte = 0
	DoIPHdrErrUnknownPayloadType byte = 1
	DoIPHdrErrMsgTooLarge        byte = 2
	DoIPHdrErrOutOfMemory        byte = 3
	DoIPHdrErrInvalidLen         byte = 4
	DoIPHdrErrSecurity           byte = 10
)

// Errors
var (
	ErrDoIPHdrErr   error = &Error{err: "header error"}
	ErrDoIPNoSocket error = &Error{err: "no socket"}
)

// Unpack error
var (
	ErrUnpackNoExist  = errors.New("Unpack No existed")
	ErrUnpackTooShort = errors.New("Unpack Too short")
)

// Pack error
var (
	ErrPackNoExist = errors.New("Pack No existed")
	ErrPackNil     = errors.New("Pack nil")
)

var (
	mhUnpack = map[MsgTid]func([]byte) (Msg, error){
		VehicleIdentificationRequest: unpackReqVI,
		VehicleAnnouncement:          unpackAnnouncement,
		RoutingActivationRequest:     unpackReqRA,
		AliveCheckRequest:            unpackReqAC,
		DiagnosticMessage:            unpackReqDM,
	}

	mhPack = map[MsgTid]func(Msg) ([]byte, error){
		GenericHeaderNegativeAcknowledge:     packResNAK,
		VehicleAnnouncement:                  packAnnouncement,
		RoutingActivationResponse:            packResRA,
		AliveCheckResponse:                   packResAC,
		DiagnosticMessagePositiveAcknowledge: packResDM,
		DiagnosticMessageNegativeAcknowledge: packResDM,
		DiagnosticMessage:                    packResInd,
	}
)

// Unpack the raw bytes into the formated Message
func Unpack(b []byte, id MsgTid) (Msg, error) {
	if f, ok := mhUnpack[id]; ok {
		return f(b)
	}
	return nil, ErrUnpackNoExist
}

// Pack the Msg into bytes
func Pack(m Msg, id MsgTid) ([]byte, error) {
	if f, ok := mhPack[id]; ok {
		return f(m)
	}
	return nil, ErrPackNoExist
}

// Frame prepends the generic DoIP header to a packed payload.
func Frame(version byte, id MsgTid, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = version
	buf[1] = ^version
	binary.BigEndian.PutUint16(buf[2:4], uint16(id))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	return buf
}

// MsgTid represent the type of data
type MsgTid uint16

// Error represents a DoIP error.
type Error struct{ err string }

func (e *Error) Error() string {
	if e == nil {
		return "DoIP: <nil>"
	}
	return "DoIP: " + e.err
}

// Msg represent the L2 Message
type Msg interface {
	GetID() MsgTid
}

// MsgNACKReq : NACK message
type MsgNACKReq struct {
	Id      MsgTid
	ErrCode byte
}

// GetID returns id
func (r *MsgNACKReq) GetID() MsgTid { return r.Id }

// Pack message
func (r *MsgNACKReq) Pack() []byte {
	return []byte{r.ErrCode}
}

// MsgVehicleIDReq carries no payload; it asks every entity to announce itself.
type MsgVehicleIDReq struct{}

// GetID returns id
func (r *MsgVehicleIDReq) GetID() MsgTid { return VehicleIdentificationRequest }

// Pack message
func (r *MsgVehicleIDReq) Pack() []byte { return []byte{} }

// Announcement is a vehicle announcement or vehicle identification response
// (Table 5). SourceIP is filled in by the receiver.
type Announcement struct {
	SourceIP       string
	VIN            []byte
	LogicalAddress uint16
	EID            []byte
	GID            []byte
	FurtherAction  byte
	// SyncStatus is only valid when HasSyncStatus is set.
	SyncStatus    byte
	HasSyncStatus bool
}

// GetID returns id
func (a *Announcement) GetID() MsgTid { return VehicleAnnouncement }

// Pack message
func (a *Announcement) Pack() []byte {
	b, _ := packAnnouncement(a)
	return b
}

// MsgActivationReq :
type MsgActivationReq struct {
	Id             MsgTid
	SrcAddress     uint16
	ActivationType byte
	ReserveForStd  []byte
	ReserveForOEM  []byte
}

// GetID returns id
func (r *MsgActivationReq) GetID() MsgTid { return r.Id }

// Pack message
func (r *MsgActivationReq) Pack() []byte {
	ln := 2 + 1 + 4
	if len(r.ReserveForOEM) == 4 {
		ln += 4
	}

	buf := make([]byte, ln)
	binary.BigEndian.PutUint16(buf[:2], r.SrcAddress)
	buf[2] = r.ActivationType
	copy(buf[3:7], r.ReserveForStd)

	if len(r.ReserveForOEM) == 4 {
		copy(buf[7:], r.ReserveForOEM)
	}
	return buf
}

// MsgActivationRes Res
type MsgActivationRes struct {
	Id            MsgTid
	SrcAddress    uint16
	DstAddress    uint16
	Code          byte
	ReserveForOEM []byte
}

// GetID returns id
func (w *MsgActivationRes) GetID() MsgTid { return w.Id }

// MsgAliveChkReq AliveCheck
type MsgAliveChkReq struct{}

// GetID returns id
func (r *MsgAliveChkReq) GetID() MsgTid { return AliveCheckRequest }

// Pack message
func (r *MsgAliveChkReq) Pack() []byte {
	return []byte{}
}

// MsgAliveChkRes AliveCheck
type MsgAliveChkRes struct {
	SrcAddress uint16
}

// GetID returns id
func (w *MsgAliveChkRes) GetID() MsgTid { return AliveCheckResponse }

// MsgDiagMsgReq DiagMsg
type MsgDiagMsgReq struct {
	Id         MsgTid
	SrcAddress uint16
	DstAddress uint16
	Userdata   []byte
}

// GetID returns id
func (r *MsgDiagMsgReq) GetID() MsgTid { return r.Id }

// Pack message
func (r *MsgDiagMsgReq) Pack() []byte {
	buf := make([]byte, 4+len(r.Userdata))
	binary.BigEndian.PutUint16(buf[0:2], r.SrcAddress)
	binary.BigEndian.PutUint16(buf[2:4], r.DstAddress)
	copy(buf[4:], r.Userdata)
	return buf
}

// MsgDiagMsgRes DiagMsg
type MsgDiagMsgRes struct {
	Id         MsgTid
	SrcAddress uint16
	DstAddress uint16
	AckCode    byte // 0: Ack 1..0xFF NAck
	Userdata   []byte
}

// GetID returns id
func (w *MsgDiagMsgRes) GetID() MsgTid { return w.Id }

// MsgDiagMsgInd is a diagnostic message flowing from an ECU to the tester.
type MsgDiagMsgInd struct {
	SrcAddress uint16
	DstAddress uint16
	Userdata   []byte
}

// GetID returns id
func (r *MsgDiagMsgInd) GetID() MsgTid { return DiagnosticMessage }

// Pack message
func (r *MsgDiagMsgInd) Pack() []byte {
	b, _ := packResInd(r)
	return b
}

func packResNAK(m Msg) ([]byte, error) {
	r, ok := m.(*MsgNACKReq)
	if !ok {
		return nil, ErrPackNil
	}
	return []byte{r.ErrCode}, nil
}

func unpackReqVI(b []byte) (Msg, error) {
	return &MsgVehicleIDReq{}, nil
}

func unpackAnnouncement(b []byte) (Msg, error) {
	if len(b) < announcementMinLen {
		return nil, ErrUnpackTooShort
	}
	a := &Announcement{
		VIN:            append([]byte(nil), b[0:vinLen]...),
		LogicalAddress: binary.BigEndian.Uint16(b[vinLen : vinLen+2]),
	}
	off := vinLen + 2
	a.EID = append([]byte(nil), b[off:off+eidLen]...)
	off += eidLen
	a.GID = append([]byte(nil), b[off:off+gidLen]...)
	off += gidLen
	a.FurtherAction = b[off]
	off++
	if len(b) > off {
		a.SyncStatus = b[off]
		a.HasSyncStatus = true
	}
	return a, nil
}

func packAnnouncement(m Msg) ([]byte, error) {
	a, ok := m.(*Announcement)
	if !ok {
		return nil, ErrPackNil
	}
	ln := announcementMinLen
	if a.HasSyncStatus {
		ln++
	}
	w := make([]byte, ln)
	copy(w[0:vinLen], a.VIN)
	binary.BigEndian.PutUint16(w[vinLen:vinLen+2], a.LogicalAddress)
	off := vinLen + 2
	copy(w[off:off+eidLen], a.EID)
	off += eidLen
	copy(w[off:off+gidLen], a.GID)
	off += gidLen
	w[off] = a.FurtherAction
	if a.HasSyncStatus {
		w[off+1] = a.SyncStatus
	}
	return w, nil
}

// ParseAnnouncement decodes an announcement payload received from addr.
func ParseAnnouncement(payload []byte, addr net.Addr) (*Announcement, error) {
	m, err := unpackAnnouncement(payload)
	if err != nil {
		return nil, err
	}
	a := m.(*Announcement)
	if u, ok := addr.(*net.UDPAddr); ok {
		a.SourceIP = u.IP.String()
	} else if addr != nil {
		a.SourceIP = addr.String()
	}
	return a, nil
}

func unpackReqRA(b []byte) (Msg, error) {
	ll := len(b)
	if !(ll == 7 || ll == 11) {
		return nil, ErrUnpackTooShort
	}
	m := &MsgActivationReq{
		Id:             RoutingActivationRequest,
		SrcAddress:     binary.BigEndian.Uint16(b[0:2]),
		ActivationType: b[2],
		ReserveForStd:  b[3:7],
	}
	if ll == 11 {
		m.ReserveForOEM = b[7:11]
	}
	return m, nil
}

func packResRA(m Msg) ([]byte, error) {
	r, ok := m.(*MsgActivationRes)
	if !ok {
		return nil, ErrPackNil
	}
	ln := 9
	if len(r.ReserveForOEM) == 4 {
		ln += 4
	}

	w := make([]byte, ln)
	binary.BigEndian.PutUint16(w[0:2], r.SrcAddress)
	binary.BigEndian.PutUint16(w[2:4], r.DstAddress)
	w[4] = r.Code
	binary.BigEndian.PutUint32(w[5:9], 0)

	if ln == 13 {
		copy(w[9:13], r.ReserveForOEM)
	}
	return w, nil
}

func unpackReqAC(b []byte) (Msg, error) {
	return &MsgAliveChkReq{}, nil
}

func packResAC(m Msg) ([]byte, error) {
	r, ok := m.(*MsgAliveChkRes)
	if !ok {
		return nil, ErrPackNil
	}
	w := make([]byte, 2)
	binary.BigEndian.PutUint16(w, r.SrcAddress)
	return w, nil
}

func unpackReqDM(b []byte) (Msg, error) {
	if len(b) <= 4 {
		return nil, ErrUnpackTooShort
	}
	m := &MsgDiagMsgReq{
		Id:         DiagnosticMessage,
		SrcAddress: binary.BigEndian.Uint16(b[0:2]),
		DstAddress: binary.BigEndian.Uint16(b[2:4]),
		Userdata:   b[4:],
	}
	return m, nil
}

func packResDM(m Msg) ([]byte, error) {
	r, ok := m.(*MsgDiagMsgRes)
	if !ok {
		return nil, ErrPackNil
	}
	ln := 5 + len(r.Userdata)
	w := make([]byte, ln)
	binary.BigEndian.PutUint16(w[0:2], r.SrcAddress)
	binary.BigEndian.PutUint16(w[2:4], r.DstAddress)
	w[4] = r.AckCode
	copy(w[5:ln], r.Userdata)
	return w, nil
}

func packResInd(m Msg) ([]byte, error) {
	r, ok := m.(*MsgDiagMsgInd)
	if !ok {
		return nil, ErrPackNil
	}
	ln := 4 + len(r.Userdata)
	w := make([]byte, ln)
	binary.BigEndian.PutUint16(w[0:2], r.SrcAddress)
	binary.BigEndian.PutUint16(w[2:4], r.DstAddress)
	copy(w[4:ln], r.Userdata)
	return w, nil
}
