package doip

import (
	"fmt"
	"sync"
)

// ECUFunc answers one diagnostic request. A nil return sends no response
// after the positive acknowledge.
type ECUFunc func(request []byte) []byte

// Router plays a DoIP gateway: it activates routing for testers and relays
// each diagnostic message to the ECU registered under its target address.
type Router struct {
	sync.Mutex
	address uint16
	ecus    map[uint16]ECUFunc
	log     Logger
}

// NewRouter creates a gateway with logical address gateway and no ECUs.
func NewRouter(log Logger, gateway uint16) *Router {
	if log == nil {
		log = NewLogger()
	}
	return &Router{
		address: gateway,
		ecus:    make(map[uint16]ECUFunc),
		log:     log,
	}
}

// Add registers an ECU behind the gateway.
func (r *Router) Add(addr uint16, f ECUFunc) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.ecus[addr]; ok {
		return fmt.Errorf("router: failed to add as %#04x had already existed", addr)
	}
	r.ecus[addr] = f
	return nil
}

// Remove drops the ECU at addr; later requests to it are NACKed.
func (r *Router) Remove(addr uint16) {
	r.Lock()
	defer r.Unlock()
	delete(r.ecus, addr)
}

func (r *Router) lookup(addr uint16) (ECUFunc, bool) {
	r.Lock()
	defer r.Unlock()
	f, ok := r.ecus[addr]
	return f, ok
}

// ServeDoIP : dispatches the request according to its payload type and,
// for diagnostic messages, its target address.
func (r *Router) ServeDoIP(w ResponseWriter, req Msg) {
	switch m := req.(type) {
	case *MsgActivationReq:
		code := RoutingSuccessfullyActivated
		switch m.ActivationType {
		case 0x00, 0x01, 0xE0:
		default:
			code = RoutingDeniedUnsupportedType
		}
		w.WriteMsg(&MsgActivationRes{
			Id:         RoutingActivationResponse,
			SrcAddress: m.SrcAddress,
			DstAddress: r.address,
			Code:       code,
		})

	case *MsgAliveChkReq:
		w.WriteMsg(&MsgAliveChkRes{SrcAddress: r.address})

	case *MsgDiagMsgReq:
		f, ok := r.lookup(m.DstAddress)
		if !ok {
			r.log.Debugf("Router: unknown target %#04x", m.DstAddress)
			w.WriteMsg(&MsgDiagMsgRes{
				Id:         DiagnosticMessageNegativeAcknowledge,
				SrcAddress: m.DstAddress,
				DstAddress: m.SrcAddress,
				AckCode:    DiagNackUnknownTA,
			})
			return
		}
		if err := w.WriteMsg(&MsgDiagMsgRes{
			Id:         DiagnosticMessagePositiveAcknowledge,
			SrcAddress: m.DstAddress,
			DstAddress: m.SrcAddress,
		}); err != nil {
			return
		}
		resp := f(m.Userdata)
		if resp == nil {
			return
		}
		w.WriteMsg(&MsgDiagMsgInd{
			SrcAddress: m.DstAddress,
			DstAddress: m.SrcAddress,
			Userdata:   resp,
		})

	default:
		failedHandler(w, DoIPHdrErrUnknownPayloadType)
	}
}
