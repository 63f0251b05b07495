package coyote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/protocol"
)

// ConnectionState is the session's position in the connect lifecycle. Exactly
// one instance exists per physical device session and only the session
// mutates it.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// StateChange is one observed transition on the state feed.
type StateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Reason   string
}

// SessionConfig carries the retry budgets and timeouts. Zero fields take the
// package defaults.
type SessionConfig struct {
	ConnectAttempts   int
	ConnectBackoff    time.Duration
	AttemptTimeout    time.Duration
	PairTimeout       time.Duration
	SubscribeAttempts int
	SubscribeDelay    time.Duration
	WriteAttempts     int
	WriteDelay        time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	RecoverAttempts   int
	RecoverDelay      time.Duration

	// DisableRecovery turns the supervisor off: an unexpected link drop
	// tears the session down instead of reconnecting.
	DisableRecovery bool
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.PairTimeout <= 0 {
		c.PairTimeout = DefaultPairTimeout
	}
	if c.SubscribeAttempts <= 0 {
		c.SubscribeAttempts = DefaultSubscribeAttempts
	}
	if c.SubscribeDelay <= 0 {
		c.SubscribeDelay = DefaultSubscribeDelay
	}
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = DefaultWriteAttempts
	}
	if c.WriteDelay <= 0 {
		c.WriteDelay = DefaultWriteDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.RecoverAttempts <= 0 {
		c.RecoverAttempts = DefaultRecoverAttempts
	}
	if c.RecoverDelay <= 0 {
		c.RecoverDelay = DefaultRecoverDelay
	}
	return c
}

// Session owns one physical BLE connection: state transitions, the handle
// cache, subscription intent, and the recovery supervisor. State transitions
// are serialized by connLock; GATT operations by gattLock, so at most one
// GATT transaction is ever in flight.
type Session struct {
	platform Platform
	scanner  *Scanner
	cfg      SessionConfig
	cache    *CharacteristicCache

	connLock chan struct{}
	gattLock chan struct{}

	state      atomic.Int32
	recovering atomic.Bool

	mu            sync.RWMutex
	peripheral    Peripheral
	deviceID      string
	intents       map[charKey]func([]byte)
	live          map[charKey]Characteristic
	softLimit     *protocol.SoftLimit
	manual        bool
	recoverCancel context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once

	states    *feed[StateChange]
	telemetry *feed[protocol.Telemetry]
}

// NewSession builds a session around a platform BLE stack. The scanner is
// consulted for device address records and cancelled before every connect.
func NewSession(platform Platform, scanner *Scanner, cfg SessionConfig) *Session {
	s := &Session{
		platform:  platform,
		scanner:   scanner,
		cfg:       cfg.withDefaults(),
		cache:     NewCharacteristicCache(),
		connLock:  make(chan struct{}, 1),
		gattLock:  make(chan struct{}, 1),
		intents:   make(map[charKey]func([]byte)),
		live:      make(map[charKey]Characteristic),
		closed:    make(chan struct{}),
		states:    newFeed[StateChange](),
		telemetry: newFeed[protocol.Telemetry](),
	}
	platform.SetConnectHandler(s.onPlatformConnectEvent)
	return s
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// DeviceID returns the id of the current (or last) target device.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// StateChanges subscribes to connection-state transitions.
func (s *Session) StateChanges() (<-chan StateChange, func()) {
	return s.states.subscribe(16)
}

// Telemetry subscribes to decoded strength reports from the device.
func (s *Session) Telemetry() (<-chan protocol.Telemetry, func()) {
	return s.telemetry.subscribe(16)
}

// Cache exposes the handle cache (read-mostly; tests assert emptiness after
// disconnect).
func (s *Session) Cache() *CharacteristicCache {
	return s.cache
}

func (s *Session) setState(next ConnectionState, reason string) {
	prev := ConnectionState(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	logger.Info("[COYOTE] state %s -> %s (%s)", prev, next, reason)
	s.states.publish(StateChange{Previous: prev, Current: next, Reason: reason})
}

// acquire takes a lock with bounded wait: the caller's context and session
// teardown both abort the wait.
func (s *Session) acquire(ctx context.Context, lock chan struct{}, op string) error {
	select {
	case <-s.closed:
		return newError(KindInvalidState, op, "session closed")
	default:
	}
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return wrapError(KindTransient, op, ctx.Err())
	case <-s.closed:
		return newError(KindInvalidState, op, "session closed")
	}
}

func (s *Session) release(lock chan struct{}) {
	<-lock
}

// Connect establishes a session with the given device, retrying within the
// connect budget before surfacing a terminal error.
func (s *Session) Connect(ctx context.Context, deviceID string) error {
	const op = "connect"

	// a running scan contends with connection on most radios
	s.scanner.Cancel()

	if err := s.acquire(ctx, s.connLock, op); err != nil {
		return err
	}
	defer s.release(s.connLock)

	s.mu.Lock()
	s.manual = false
	s.mu.Unlock()

	return s.connectLocked(ctx, deviceID, op)
}

// connectLocked runs the bounded connect loop. Caller holds connLock.
func (s *Session) connectLocked(ctx context.Context, deviceID, op string) error {
	if s.State() == StateConnected {
		s.setState(StateDisconnecting, "reconnect requested")
		s.teardown("reconnect")
	}

	if err := s.platform.Enable(); err != nil {
		s.setState(StateDisconnected, "adapter unavailable")
		return wrapError(KindUnavailable, op, err)
	}

	s.setState(StateConnecting, "connect requested")

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ConnectAttempts; attempt++ {
		if attempt > 1 {
			backoff := s.cfg.ConnectBackoff * time.Duration(attempt-1)
			logger.Info("[COYOTE] connect attempt %d/%d in %s", attempt, s.cfg.ConnectAttempts, backoff)
			if err := s.sleep(ctx, backoff); err != nil {
				s.setState(StateDisconnected, "connect cancelled")
				return wrapError(KindTransient, op, err)
			}
		}

		err := s.connectAttempt(ctx, deviceID)
		if err == nil {
			s.mu.Lock()
			s.deviceID = deviceID
			s.mu.Unlock()
			s.setState(StateConnected, "connected")
			return nil
		}

		lastErr = err
		if !retryable(err) {
			s.setState(StateDisconnected, "connect failed")
			return wrapError(KindTransient, op, err)
		}
		logger.Warn("[COYOTE] connect attempt %d failed: %v", attempt, err)
	}

	s.setState(StateDisconnected, "connect attempts exhausted")
	return wrapError(KindTransient, op, lastErr)
}

// connectAttempt performs one full connection attempt under a hard timeout so
// a stuck platform call cannot hang the retry loop.
func (s *Session) connectAttempt(ctx context.Context, deviceID string) error {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	p, err := s.resolvePeripheral(actx, deviceID)
	if err != nil {
		return err
	}

	// opportunistic pairing with a short leash; several firmware revisions
	// time out here yet connect fine unpaired
	pctx, pcancel := context.WithTimeout(actx, s.cfg.PairTimeout)
	if err := p.Pair(pctx); err != nil {
		logger.Warn("[COYOTE] pairing failed (continuing unpaired): %v", err)
	}
	pcancel()

	if err := p.RequestAccess(actx); err != nil {
		s.dropPeripheral(p)
		return wrapError(KindPermissionDenied, "connect", err)
	}

	services, err := p.DiscoverServices(actx, false)
	if err != nil {
		logger.Warn("[COYOTE] uncached service discovery failed, retrying cached: %v", err)
		services, err = p.DiscoverServices(actx, true)
		if err != nil {
			s.dropPeripheral(p)
			return wrapError(KindTransient, "connect", err)
		}
	}

	s.cache.Populate(services)
	for _, svc := range services {
		if err := svc.MaintainConnection(true); err != nil {
			logger.Debug("[COYOTE] maintain-connection hint rejected for %s: %v", svc.UUID(), err)
		}
	}

	s.mu.Lock()
	s.peripheral = p
	s.mu.Unlock()
	return nil
}

// resolvePeripheral prefers the system device record and falls back to raw
// address resolution. The ordering matters: some firmware only exposes a
// stable handle through one of the two paths.
func (s *Session) resolvePeripheral(ctx context.Context, deviceID string) (Peripheral, error) {
	p, err := s.platform.FromKnownDevice(ctx, deviceID)
	if err != nil {
		logger.Debug("[COYOTE] known-device resolution failed: %v", err)
	}
	if p != nil {
		return p, nil
	}

	address := deviceID
	if dev := s.scanner.Device(deviceID); dev != nil && dev.Address != "" {
		address = dev.Address
	}
	p, err = s.platform.FromAddress(ctx, address)
	if p != nil {
		return p, nil
	}
	if err != nil {
		return nil, wrapError(KindTransient, "connect", err)
	}
	return nil, newError(KindTransient, "connect", "no handle for device %s", deviceID)
}

// dropPeripheral releases a half-built handle from a failed attempt.
func (s *Session) dropPeripheral(p Peripheral) {
	s.cache.InvalidateAll()
	if err := p.Disconnect(); err != nil {
		logger.Debug("[COYOTE] disconnect of failed attempt: %v", err)
	}
}

// Disconnect tears the session down. It never fails: teardown errors are
// logged and the state machine still reaches Disconnected. An in-flight
// recovery episode is cancelled rather than waited out.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	cancel := s.recoverCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case s.connLock <- struct{}{}:
	case <-s.closed:
		return
	}
	defer s.release(s.connLock)

	if s.State() == StateDisconnected {
		return
	}
	s.setState(StateDisconnecting, "manual disconnect")
	s.teardown("manual disconnect")
	s.setState(StateDisconnected, "manual disconnect")
}

// teardown releases every live resource of the current connection. Caller
// holds connLock. Infallible by contract.
func (s *Session) teardown(reason string) {
	s.mu.Lock()
	p := s.peripheral
	s.peripheral = nil
	live := s.live
	s.live = make(map[charKey]Characteristic)
	s.mu.Unlock()

	// unsubscribe before releasing handles; releasing first orphans hardware
	// notification state on some stacks
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	for key, char := range live {
		if err := char.Unsubscribe(ctx); err != nil {
			logger.Warn("[COYOTE] unsubscribe %s during teardown: %v", key.char, err)
		}
	}

	s.cache.InvalidateAll()

	if p != nil {
		if err := p.Disconnect(); err != nil {
			logger.Warn("[COYOTE] peripheral disconnect (%s): %v", reason, err)
		}
	}
}

// Subscribe enables notifications on a characteristic and records the intent
// so recovery can replay it after a reconnect.
func (s *Session) Subscribe(ctx context.Context, serviceUUID, charUUID string, handler func(data []byte)) error {
	const op = "subscribe"
	if err := s.acquire(ctx, s.gattLock, op); err != nil {
		return err
	}
	defer s.release(s.gattLock)
	return s.subscribeLocked(ctx, serviceUUID, charUUID, handler, op)
}

func (s *Session) subscribeLocked(ctx context.Context, serviceUUID, charUUID string, handler func([]byte), op string) error {
	if s.State() != StateConnected {
		return newError(KindInvalidState, op, "not connected (state %s)", s.State())
	}

	char, err := s.cache.Resolve(ctx, serviceUUID, charUUID)
	if err != nil {
		return wrapError(KindTransient, op, err)
	}
	if !char.Properties().CanNotify() {
		return newError(KindNotFound, op, "characteristic %s lacks notify/indicate", charUUID)
	}

	wrapped := s.wrapNotification(handler)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.SubscribeAttempts; attempt++ {
		if attempt > 1 {
			// detach between attempts so a half-applied descriptor write
			// cannot cause duplicate delivery
			if err := char.Unsubscribe(ctx); err != nil {
				logger.Debug("[COYOTE] detach before retry: %v", err)
			}
			if err := s.sleep(ctx, s.cfg.SubscribeDelay); err != nil {
				return wrapError(KindTransient, op, err)
			}
		}
		if err := char.Subscribe(ctx, wrapped); err != nil {
			lastErr = err
			logger.Warn("[COYOTE] subscribe %s attempt %d failed: %v", charUUID, attempt, err)
			continue
		}

		key := charKey{normalizeUUID(serviceUUID), normalizeUUID(charUUID)}
		s.mu.Lock()
		s.intents[key] = handler
		s.live[key] = char
		s.mu.Unlock()
		return nil
	}
	return wrapError(KindTransient, op, lastErr)
}

// Unsubscribe disables notifications and forgets the intent.
func (s *Session) Unsubscribe(ctx context.Context, serviceUUID, charUUID string) error {
	const op = "unsubscribe"
	if err := s.acquire(ctx, s.gattLock, op); err != nil {
		return err
	}
	defer s.release(s.gattLock)

	if s.State() != StateConnected {
		return newError(KindInvalidState, op, "not connected (state %s)", s.State())
	}

	key := charKey{normalizeUUID(serviceUUID), normalizeUUID(charUUID)}
	s.mu.Lock()
	delete(s.intents, key)
	char := s.live[key]
	delete(s.live, key)
	s.mu.Unlock()

	if char != nil {
		if err := char.Unsubscribe(ctx); err != nil {
			logger.Warn("[COYOTE] unsubscribe %s: %v", charUUID, err)
		}
	}
	return nil
}

// wrapNotification decodes inbound telemetry for the feed before handing the
// raw bytes to the caller's handler.
func (s *Session) wrapNotification(handler func([]byte)) func([]byte) {
	return func(data []byte) {
		if tele, err := protocol.DecodeTelemetry(data); err == nil {
			s.telemetry.publish(*tele)
		}
		if handler != nil {
			handler(data)
		}
	}
}

// SetSoftLimit records the soft limit to re-assert after every (re)connect.
// The write itself goes through the dispatcher.
func (s *Session) SetSoftLimit(limit *protocol.SoftLimit) {
	s.mu.Lock()
	s.softLimit = limit
	s.mu.Unlock()
}

// SoftLimit returns the last requested soft limit, or nil.
func (s *Session) SoftLimit() *protocol.SoftLimit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.softLimit
}

// WriteFrame serializes one frame onto the control characteristic. attempts
// bounds transport-level retries (fixed delay); preferUnacked tries the
// cheaper write-without-response first and falls back to the acknowledged
// path.
func (s *Session) WriteFrame(ctx context.Context, frame protocol.Frame, attempts int, preferUnacked bool) error {
	const op = "write"
	if err := s.acquire(ctx, s.gattLock, op); err != nil {
		return err
	}
	defer s.release(s.gattLock)
	return s.writeFrameLocked(ctx, frame, attempts, preferUnacked, op)
}

func (s *Session) writeFrameLocked(ctx context.Context, frame protocol.Frame, attempts int, preferUnacked bool, op string) error {
	if s.State() != StateConnected {
		return newError(KindInvalidState, op, "not connected (state %s)", s.State())
	}

	char, err := s.cache.Resolve(ctx, PulseServiceUUID, WriteCharUUID)
	if err != nil {
		return wrapError(KindTransient, op, err)
	}

	if attempts <= 0 {
		attempts = 1
	}
	data := frame.Encode()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.cfg.WriteDelay); err != nil {
				return wrapError(KindTransient, op, err)
			}
		}

		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err = s.writeOnce(wctx, char, data, preferUnacked)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		logger.Warn("[COYOTE] write attempt %d/%d failed: %v", attempt, attempts, err)
	}
	return wrapError(KindTransient, op, lastErr)
}

func (s *Session) writeOnce(ctx context.Context, char Characteristic, data []byte, preferUnacked bool) error {
	if preferUnacked {
		err := char.WriteWithoutResponse(ctx, data)
		if err == nil {
			return nil
		}
		logger.Debug("[COYOTE] unacked write failed, falling back to acknowledged: %v", err)
	}
	return char.Write(ctx, data)
}

// ReadCharacteristic reads one characteristic value under the read timeout.
// Reads are not retried: they are not assumed idempotent-safe.
func (s *Session) ReadCharacteristic(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	const op = "read"
	if err := s.acquire(ctx, s.gattLock, op); err != nil {
		return nil, err
	}
	defer s.release(s.gattLock)

	if s.State() != StateConnected {
		return nil, newError(KindInvalidState, op, "not connected (state %s)", s.State())
	}

	char, err := s.cache.Resolve(ctx, serviceUUID, charUUID)
	if err != nil {
		return nil, wrapError(KindTransient, op, err)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	data, err := char.Read(rctx)
	if err != nil {
		return nil, wrapError(KindTransient, op, err)
	}
	return data, nil
}

// onPlatformConnectEvent watches for the platform reporting a link drop while
// we believed the session was up and, for unexpected drops, hands off to the
// recovery supervisor instead of surfacing an error.
func (s *Session) onPlatformConnectEvent(id string, connected bool) {
	if connected {
		return
	}
	if s.State() != StateConnected {
		return
	}

	s.mu.RLock()
	ours := s.deviceID == id
	manual := s.manual
	s.mu.RUnlock()
	if !ours || manual {
		return
	}

	logger.Warn("[COYOTE] unexpected disconnect from %s", id)
	if s.cfg.DisableRecovery {
		go s.abandonAfterDrop()
		return
	}
	s.startRecovery(id)
}

// abandonAfterDrop releases the dead link's handles when recovery is
// disabled. Runs off the platform callback goroutine.
func (s *Session) abandonAfterDrop() {
	select {
	case s.connLock <- struct{}{}:
	case <-s.closed:
		return
	}
	defer s.release(s.connLock)
	s.setState(StateDisconnecting, "link lost")
	s.teardown("link lost")
	s.setState(StateDisconnected, "link lost")
}

// isManual reports whether a manual disconnect has been requested since the
// last connect.
func (s *Session) isManual() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manual
}

// sleep waits for d, aborting on caller cancellation or session teardown.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return context.Canceled
	}
}

// Close tears the component down: cancels recovery, disconnects, and closes
// every notification feed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.manual = true
		cancel := s.recoverCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(s.closed)

		s.connLock <- struct{}{}
		if s.State() != StateDisconnected {
			s.setState(StateDisconnecting, "session closed")
			s.teardown("session closed")
			s.setState(StateDisconnected, "session closed")
		}
		s.release(s.connLock)

		s.states.closeAll()
		s.telemetry.closeAll()
	})
}
