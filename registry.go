package udsonip

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/eshenhu/udsonip/uds"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// TransportFactory creates the shared link of a Registry. It is called at
// most once per successful connect.
type TransportFactory func() (Transport, error)

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithTransportFactory replaces the DoIP link built from the Config.
// The factory must not refer back to the Registry.
func WithTransportFactory(f TransportFactory) RegistryOption {
	return func(r *Registry) {
		r.factory = f
	}
}

type session struct {
	id     uuid.UUID
	conn   *Conn
	client *uds.Client
}

// Registry manages named ECUs behind one gateway. All sessions share a
// single Transport, connected on first use.
type Registry struct {
	log     Logger
	cfg     Config
	factory TransportFactory

	mtx       sync.Mutex
	ecus      map[string]LogicalAddress
	sessions  map[string]*session
	trans     Transport
	connected bool

	// exchange serialises request/response pairs across sessions
	exchange *sync.Mutex
}

// NewRegistry creates an empty Registry for the gateway at cfg.TargetIP.
// Nothing is dialed before the first session is requested.
func NewRegistry(cfg Config, log Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:      orNop(log),
		cfg:      cfg,
		ecus:     make(map[string]LogicalAddress),
		sessions: make(map[string]*session),
		exchange: &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(r)
	}
	runtime.SetFinalizer(r, func(r *Registry) {
		r.Close()
	})
	return r
}

// NewRegistryFromConfig creates a Registry with every ECU of cfg.ECUs
// registered.
func NewRegistryFromConfig(cfg Config, log Logger, opts ...RegistryOption) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := NewRegistry(cfg, log, opts...)
	for name, addr := range cfg.ECUs {
		if err := r.Register(name, addr); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) doipTransport() (Transport, error) {
	gw, err := ParseLogicalAddress(r.cfg.GatewayAddress)
	if err != nil {
		return nil, err
	}
	return r.cfg.newTransport(r.log, gw), nil
}

// Register adds name, or replaces its address. A cached session keeps its
// old target until the name is unregistered.
func (r *Registry) Register(name string, addr int) error {
	a, err := ParseLogicalAddress(addr)
	if err != nil {
		return err
	}
	r.mtx.Lock()
	r.ecus[name] = a
	r.mtx.Unlock()
	r.log.Debugf("Registered ECU %q at %s", name, a)
	return nil
}

// Unregister removes name and its cached session. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.ecus[name]; !ok {
		return
	}
	delete(r.ecus, name)
	if s, ok := r.sessions[name]; ok {
		delete(r.sessions, name)
		s.conn.Close()
		r.log.Debugf("Dropped session %s of ECU %q", s.id, name)
	}
}

// List returns a copy of the registered names and addresses.
func (r *Registry) List() map[string]LogicalAddress {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make(map[string]LogicalAddress, len(r.ecus))
	for k, v := range r.ecus {
		out[k] = v
	}
	return out
}

// EnsureConnected creates and connects the shared transport unless that
// already happened. A failed attempt can be retried.
func (r *Registry) EnsureConnected() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.ensureConnected()
}

func (r *Registry) ensureConnected() error {
	if r.connected {
		return nil
	}
	factory := r.factory
	if factory == nil {
		factory = r.doipTransport
	}
	trans, err := factory()
	if err != nil {
		transportErrors.WithLabelValues("connect").Inc()
		return fmt.Errorf("%w: failed to create transport to gateway %s: %w", ErrConnection, r.cfg.TargetIP, err)
	}
	if err := trans.Connect(); err != nil {
		transportErrors.WithLabelValues("connect").Inc()
		return fmt.Errorf("%w: failed to connect to gateway %s: %w", ErrConnection, r.cfg.TargetIP, err)
	}
	r.cfg.keepAlive(trans)
	r.trans = trans
	r.connected = true
	r.log.Infof("Connected to gateway %s", r.cfg.TargetIP)
	return nil
}

// Session returns the cached UDS client of name, creating it (and the
// shared link) on first use.
func (r *Registry) Session(name string) (*uds.Client, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	addr, ok := r.ecus[name]
	if !ok {
		return nil, fmt.Errorf("%w: ECU '%s' not found in registry", ErrECUNotFound, name)
	}
	if s, ok := r.sessions[name]; ok {
		return s.client, nil
	}
	if err := r.ensureConnected(); err != nil {
		return nil, err
	}

	conn := NewConn(r.log, r.trans)
	conn.target = addr
	if err := conn.Open(); err != nil {
		return nil, fmt.Errorf("%w: open connection to %s: %w", ErrSession, addr, err)
	}
	client := uds.NewClient(r.log, conn)
	client.SetLocker(r.exchange)
	if r.cfg.ReadTimeout > 0 {
		client.SetTimeout(r.cfg.ReadTimeout)
	}

	s := &session{id: uuid.New(), conn: conn, client: client}
	r.sessions[name] = s
	sessionsCreated.WithLabelValues(name).Inc()
	r.log.Infof("Created session %s for ECU %q at %s", s.id, name, addr)
	return client, nil
}

// SwitchTo is Session under the name used by callers that move between
// ECUs without a scoped helper.
func (r *Registry) SwitchTo(name string) (*uds.Client, error) {
	return r.Session(name)
}

// WithECU runs fn with the session of name. Any failure is returned as an
// *ECUError carrying name. The session stays cached.
func (r *Registry) WithECU(name string, fn func(*uds.Client) error) error {
	client, err := r.Session(name)
	if err != nil {
		return &ECUError{Name: name, Err: err}
	}
	if err := fn(client); err != nil {
		return &ECUError{Name: name, Err: err}
	}
	return nil
}

// Close closes every session and disconnects the shared link. The registry
// is always left empty and disconnected; faults along the way are logged
// and returned together.
func (r *Registry) Close() error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var errs error
	for name, s := range r.sessions {
		if err := s.conn.Close(); err != nil {
			r.log.Warnf("Closing session %s of ECU %q: %v", s.id, name, err)
			errs = multierr.Append(errs, fmt.Errorf("%w: close %q: %w", ErrSession, name, err))
			continue
		}
		r.log.Debugf("Closed session %s of ECU %q", s.id, name)
	}
	if r.trans != nil && r.connected {
		if err := r.trans.Disconnect(); err != nil {
			transportErrors.WithLabelValues("disconnect").Inc()
			r.log.Warnf("Disconnecting from gateway %s: %v", r.cfg.TargetIP, err)
			errs = multierr.Append(errs, fmt.Errorf("%w: disconnect from gateway %s: %w", ErrConnection, r.cfg.TargetIP, err))
		}
	}
	r.connected = false
	r.trans = nil
	r.sessions = make(map[string]*session)
	return errs
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.sessions)
}

// Connected reports whether the shared link is up.
func (r *Registry) Connected() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.connected
}
