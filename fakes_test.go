package udsonip

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eshenhu/udsonip/doip"
	"github.com/stretchr/testify/mock"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Connect() error    { return m.Called().Error(0) }
func (m *mockTransport) Disconnect() error { return m.Called().Error(0) }
func (m *mockTransport) Flush()            { m.Called() }

func (m *mockTransport) SendTo(target uint16, payload []byte) error {
	return m.Called(target, payload).Error(0)
}

func (m *mockTransport) ReceiveTimeout(timeout time.Duration) ([]byte, error) {
	args := m.Called(timeout)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockTransport) TargetAddress() uint16 {
	return m.Called().Get(0).(uint16)
}

// newMockTransport returns a transport whose default target is 0x0001 and
// that accepts any number of Flush calls.
func newMockTransport() *mockTransport {
	m := &mockTransport{}
	m.On("TargetAddress").Return(uint16(0x0001)).Maybe()
	m.On("Flush").Return().Maybe()
	return m
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

// scriptedAnnouncer replays announcements, one per AwaitAnnouncement call,
// and advances a mock clock by the wait it was given.
type scriptedAnnouncer struct {
	mtx          sync.Mutex
	clock        *clock.Mock
	broadcastErr error
	broadcasts   int
	anns         []*doip.Announcement
	awaitErr     error
	waits        []time.Duration
	entities     map[string]*doip.Announcement
	probes       []string
}

func (a *scriptedAnnouncer) RequestVehicleIdentification(iface string, version byte) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.broadcasts++
	return a.broadcastErr
}

func (a *scriptedAnnouncer) AwaitAnnouncement(wait time.Duration, iface string) (*doip.Announcement, error) {
	a.mtx.Lock()
	a.waits = append(a.waits, wait)
	if a.awaitErr != nil {
		a.mtx.Unlock()
		return nil, a.awaitErr
	}
	if len(a.anns) > 0 {
		ann := a.anns[0]
		a.anns = a.anns[1:]
		a.mtx.Unlock()
		a.clock.Add(10 * time.Millisecond)
		return ann, nil
	}
	a.mtx.Unlock()
	a.clock.Add(wait)
	return nil, timeoutError{}
}

func (a *scriptedAnnouncer) RequestEntity(ip string, wait time.Duration, version byte) (*doip.Announcement, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.probes = append(a.probes, ip)
	if ann, ok := a.entities[ip]; ok {
		return ann, nil
	}
	return nil, timeoutError{}
}

func announcement(ip string, la uint16) *doip.Announcement {
	return &doip.Announcement{
		SourceIP:       ip,
		VIN:            []byte("WDD2220001A000001"),
		LogicalAddress: la,
		EID:            []byte{0x00, 0x1A, 0x2B, 0x3C, 0x4D, 0x5E},
		GID:            []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		FurtherAction:  0x00,
	}
}
