package doip

// Default DoIP protocol version, ISO 13400-2:2019.
const (
	DefaultProtocolVersion uint8 = 0x03
	// DefaultPort is the well-known TCP_DATA and UDP_DISCOVERY port.
	DefaultPort = 13400
)

// Table 17: DoIP payload types
const (
	GenericHeaderNegativeAcknowledge     MsgTid = 0x0000
	VehicleIdentificationRequest         MsgTid = 0x0001
	VehicleIdentificationRequestEID      MsgTid = 0x0002
	VehicleIdentificationRequestVIN      MsgTid = 0x0003
	VehicleAnnouncement                  MsgTid = 0x0004
	RoutingActivationRequest             MsgTid = 0x0005
	RoutingActivationResponse            MsgTid = 0x0006
	AliveCheckRequest                    MsgTid = 0x0007
	AliveCheckResponse                   MsgTid = 0x0008
	DiagnosticMessage                    MsgTid = 0x8001
	DiagnosticMessagePositiveAcknowledge MsgTid = 0x8002
	DiagnosticMessageNegativeAcknowledge MsgTid = 0x8003
)

// Table 25: Routing activation response code values
const (
	RoutingDeniedUnknownSA       byte = 0x00
	RoutingDeniedUnsupportedType byte = 0x06
	RoutingSuccessfullyActivated byte = 0x10
)

// Table 28: Diagnostic message negative acknowledge codes
const (
	DiagNackInvalidSA         byte = 0x02
	DiagNackUnknownTA         byte = 0x03
	DiagNackMessageTooLarge   byte = 0x04
	DiagNackOutOfMemory       byte = 0x05
	DiagNackTargetUnreachable byte = 0x06
	DiagNackUnknownNetwork    byte = 0x07
	DiagNackTransportProtocol byte = 0x08
)

// Announcement payload layout (Table 5)
const (
	vinLen = 17
	eidLen = 6
	gidLen = 6
	// VIN + LA + EID + GID + further action
	announcementMinLen = vinLen + 2 + eidLen + gidLen + 1
)

const headerLen = 8
