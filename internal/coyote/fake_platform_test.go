package coyote

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakePlatform drives the session deterministically in tests. Every connect
// resolves a fresh peripheral generation so stale-handle behavior is
// observable.
type fakePlatform struct {
	mu sync.Mutex

	enableErr    error
	failConnects int   // first N FromAddress calls fail with a transient error
	accessErr    error // applied to every resolved peripheral
	discErr      error // uncached-discovery failure on every resolved peripheral
	treeFactory  func() []*fakeService

	connectCalls int
	lastPeriph   *fakePeripheral
	handler      func(id string, connected bool)

	scanAdvs      []Advertisement
	scanStop      chan struct{}
	stopRequested bool // StopScan arrived before Scan registered its channel
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{treeFactory: defaultTree}
}

// defaultTree mirrors the pulse + battery GATT layout of the real hardware.
func defaultTree() []*fakeService {
	return []*fakeService{
		{uuid: PulseServiceUUID, chars: []*fakeChar{
			{uuid: WriteCharUUID, props: PropWrite | PropWriteWithoutResponse},
			{uuid: NotifyCharUUID, props: PropNotify | PropRead},
		}},
		{uuid: BatteryServiceUUID, chars: []*fakeChar{
			{uuid: BatteryCharUUID, props: PropRead, readData: []byte{88}},
		}},
	}
}

func (p *fakePlatform) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableErr
}

func (p *fakePlatform) Scan(serviceUUID string, onAdv func(Advertisement)) error {
	p.mu.Lock()
	stop := make(chan struct{})
	p.scanStop = stop
	if p.stopRequested {
		p.stopRequested = false
		close(stop)
	}
	advs := append([]Advertisement(nil), p.scanAdvs...)
	p.mu.Unlock()

	for _, adv := range advs {
		onAdv(adv)
	}
	<-stop
	return nil
}

func (p *fakePlatform) StopScan() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scanStop == nil {
		p.stopRequested = true
		return nil
	}
	select {
	case <-p.scanStop:
	default:
		close(p.scanStop)
	}
	return nil
}

func (p *fakePlatform) SetConnectHandler(fn func(id string, connected bool)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

func (p *fakePlatform) FromKnownDevice(ctx context.Context, id string) (Peripheral, error) {
	return nil, nil
}

func (p *fakePlatform) FromAddress(ctx context.Context, address string) (Peripheral, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls++
	if p.failConnects > 0 {
		p.failConnects--
		return nil, newError(KindTransient, "fake", "radio busy")
	}
	periph := &fakePeripheral{id: address, services: p.treeFactory(), accessErr: p.accessErr, discErr: p.discErr}
	p.lastPeriph = periph
	return periph, nil
}

// fireDisconnect simulates the platform reporting a dropped link.
func (p *fakePlatform) fireDisconnect(id string) {
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(id, false)
	}
}

func (p *fakePlatform) current() *fakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPeriph
}

func (p *fakePlatform) connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

type fakePeripheral struct {
	mu        sync.Mutex
	id        string
	services  []*fakeService
	accessErr error
	discErr   error // uncached discovery failure; cached pass still works

	disconnected bool
}

func (p *fakePeripheral) ID() string { return p.id }

func (p *fakePeripheral) Pair(ctx context.Context) error { return nil }

func (p *fakePeripheral) RequestAccess(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessErr
}

func (p *fakePeripheral) DiscoverServices(ctx context.Context, cached bool) ([]Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !cached && p.discErr != nil {
		return nil, p.discErr
	}
	services := make([]Service, 0, len(p.services))
	for _, svc := range p.services {
		services = append(services, svc)
	}
	return services, nil
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
	return nil
}

func (p *fakePeripheral) isDisconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *fakePeripheral) char(uuid string) *fakeChar {
	for _, svc := range p.services {
		for _, c := range svc.chars {
			if normalizeUUID(c.uuid) == normalizeUUID(uuid) {
				return c
			}
		}
	}
	return nil
}

type fakeService struct {
	mu            sync.Mutex
	uuid          string
	chars         []*fakeChar
	discoveries   int
	discoverErr   error
	maintainCalls int
}

func (s *fakeService) UUID() string { return s.uuid }

func (s *fakeService) MaintainConnection(enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintainCalls++
	return nil
}

func (s *fakeService) DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discoveries++
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	chars := make([]Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		chars = append(chars, c)
	}
	return chars, nil
}

func (s *fakeService) discoverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoveries
}

type fakeChar struct {
	mu    sync.Mutex
	uuid  string
	props CharProps

	writes     [][]byte
	writeErrs  []error // consumed one per write attempt
	writeDelay time.Duration
	inflight   bool
	overlapped bool

	readData []byte
	readErr  error

	subscribed bool
	subErrs    []error
	handler    func([]byte)
}

func (c *fakeChar) UUID() string          { return c.uuid }
func (c *fakeChar) Properties() CharProps { return c.props }

func (c *fakeChar) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.readData...), nil
}

func (c *fakeChar) Write(ctx context.Context, data []byte) error {
	return c.write(data)
}

func (c *fakeChar) WriteWithoutResponse(ctx context.Context, data []byte) error {
	return c.write(data)
}

// write records the frame and flags overlapping entries so tests can assert
// that frames reach the wire one at a time.
func (c *fakeChar) write(data []byte) error {
	c.mu.Lock()
	if c.inflight {
		c.overlapped = true
	}
	c.inflight = true
	delay := c.writeDelay
	var err error
	if len(c.writeErrs) > 0 {
		err = c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
	}
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	c.inflight = false
	if err == nil {
		c.writes = append(c.writes, append([]byte(nil), data...))
	}
	c.mu.Unlock()
	return err
}

func (c *fakeChar) Subscribe(ctx context.Context, fn func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subErrs) > 0 {
		err := c.subErrs[0]
		c.subErrs = c.subErrs[1:]
		return err
	}
	c.subscribed = true
	c.handler = fn
	return nil
}

func (c *fakeChar) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	c.handler = nil
	return nil
}

// notify injects a device notification as the platform would deliver it.
func (c *fakeChar) notify(data []byte) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *fakeChar) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *fakeChar) recorded() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeChar) sawOverlap() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overlapped
}

// testConfig keeps every retry budget tight so tests run in milliseconds.
func testConfig() SessionConfig {
	return SessionConfig{
		ConnectAttempts:   3,
		ConnectBackoff:    time.Millisecond,
		AttemptTimeout:    time.Second,
		PairTimeout:       50 * time.Millisecond,
		SubscribeAttempts: 3,
		SubscribeDelay:    time.Millisecond,
		WriteAttempts:     3,
		WriteDelay:        time.Millisecond,
		WriteTimeout:      time.Second,
		ReadTimeout:       time.Second,
		RecoverAttempts:   3,
		RecoverDelay:      2 * time.Millisecond,
	}
}

func newTestSession(p *fakePlatform) *Session {
	return NewSession(p, NewScanner(p), testConfig())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
