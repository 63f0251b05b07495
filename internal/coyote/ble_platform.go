package coyote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
)

// blePlatform is the production Platform built on tinygo.org/x/bluetooth,
// with the BlueZ D-Bus bridge filling in acknowledged writes, capability
// flags, and AcquireNotify delivery where available.
type blePlatform struct {
	adapter *bluetooth.Adapter
	bridge  *bluezBridge

	mu      sync.RWMutex
	known   map[string]bluetooth.Address // device id -> address seen this process
	handler func(id string, connected bool)
}

// NewBLEPlatform wires the default adapter. The D-Bus bridge is optional:
// without it the platform degrades to the pure tinygo paths.
func NewBLEPlatform() Platform {
	p := &blePlatform{
		adapter: bluetooth.DefaultAdapter,
		known:   make(map[string]bluetooth.Address),
	}
	bridge, err := newBluezBridge()
	if err != nil {
		logger.Warn("[COYOTE] system bus unavailable, acknowledged writes degrade to unacked: %v", err)
	} else {
		p.bridge = bridge
	}

	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		p.mu.RLock()
		fn := p.handler
		p.mu.RUnlock()
		if fn != nil {
			fn(device.Address.String(), connected)
		}
	})
	return p
}

func (p *blePlatform) Enable() error {
	if err := p.adapter.Enable(); err != nil {
		return newError(KindUnavailable, "platform", "enable adapter: %v", err)
	}
	return nil
}

func (p *blePlatform) Scan(serviceUUID string, onAdv func(Advertisement)) error {
	var filter bluetooth.UUID
	filtered := false
	if serviceUUID != "" {
		uuid, err := bluetooth.ParseUUID(serviceUUID)
		if err != nil {
			return fmt.Errorf("invalid service filter %q: %w", serviceUUID, err)
		}
		filter = uuid
		filtered = true
	}

	return p.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if filtered && !result.HasServiceUUID(filter) {
			return
		}
		addr := result.Address.String()
		if addr == "" {
			return
		}
		p.mu.Lock()
		p.known[addr] = result.Address
		p.mu.Unlock()

		onAdv(Advertisement{
			ID:          addr,
			Name:        result.LocalName(),
			Address:     addr,
			RSSI:        int(result.RSSI),
			Connectable: true,
		})
	})
}

func (p *blePlatform) StopScan() error {
	return p.adapter.StopScan()
}

func (p *blePlatform) SetConnectHandler(fn func(id string, connected bool)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// FromKnownDevice resolves through an existing device record: either BlueZ
// already holds one for this address, or we recorded the address during a
// scan in this process. Returns (nil, nil) when no record exists.
func (p *blePlatform) FromKnownDevice(ctx context.Context, id string) (Peripheral, error) {
	p.mu.RLock()
	addr, seen := p.known[id]
	p.mu.RUnlock()

	if !seen {
		if p.bridge == nil || !p.bridge.hasDeviceRecord(id) {
			return nil, nil
		}
		parsed, err := parseAddress(id)
		if err != nil {
			return nil, nil
		}
		addr = parsed
	}
	return p.connect(ctx, id, addr)
}

func (p *blePlatform) FromAddress(ctx context.Context, address string) (Peripheral, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, newError(KindNotFound, "platform", "bad address %q: %v", address, err)
	}
	return p.connect(ctx, address, addr)
}

// connect runs the blocking platform connect under the caller's context.
func (p *blePlatform) connect(ctx context.Context, id string, addr bluetooth.Address) (Peripheral, error) {
	type result struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan result, 1)
	go func() {
		device, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- result{device, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		p.mu.Lock()
		p.known[id] = addr
		p.mu.Unlock()
		return &blePeripheral{platform: p, id: id, address: addr.String(), device: r.device}, nil
	case <-ctx.Done():
		// the stray connect result is dropped; the device object is only
		// adopted when the attempt wins the race
		return nil, ctx.Err()
	}
}

// parseAddress converts XX:XX:XX:XX:XX:XX into a platform address.
func parseAddress(mac string) (bluetooth.Address, error) {
	var addr bluetooth.Address
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(mac)), ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid address format: %s", mac)
	}
	for _, part := range parts {
		var b byte
		if _, err := fmt.Sscanf(part, "%02X", &b); err != nil {
			return addr, fmt.Errorf("invalid address byte: %s", part)
		}
	}
	addr.Set(strings.Join(parts, ":"))
	return addr, nil
}

type blePeripheral struct {
	platform *blePlatform
	id       string
	address  string
	device   bluetooth.Device
}

func (p *blePeripheral) ID() string { return p.id }

func (p *blePeripheral) Pair(ctx context.Context) error {
	if p.platform.bridge == nil {
		return nil // nothing to do; BlueZ agent handles pairing out of band
	}
	done := make(chan error, 1)
	go func() { done <- p.platform.bridge.pairDevice(p.address) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestAccess is a no-op on Linux: BlueZ raises no per-app access prompt.
// The method exists for platforms that do.
func (p *blePeripheral) RequestAccess(ctx context.Context) error {
	return nil
}

func (p *blePeripheral) DiscoverServices(ctx context.Context, cached bool) ([]Service, error) {
	// BlueZ caches GATT databases internally, so the cached retry pass is the
	// same call; the distinction matters on stacks that expose both modes.
	type result struct {
		services []bluetooth.DeviceService
		err      error
	}
	done := make(chan result, 1)
	go func() {
		services, err := p.device.DiscoverServices(nil)
		done <- result{services, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		services := make([]Service, 0, len(r.services))
		for _, svc := range r.services {
			services = append(services, &bleService{peripheral: p, service: svc})
		}
		return services, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *blePeripheral) Disconnect() error {
	if p.platform.bridge != nil {
		p.platform.bridge.close()
	}
	return p.device.Disconnect()
}

type bleService struct {
	peripheral *blePeripheral
	service    bluetooth.DeviceService
}

func (s *bleService) UUID() string {
	return s.service.UUID().String()
}

// MaintainConnection is a no-op: BlueZ keeps the link alive while a client
// object exists.
func (s *bleService) MaintainConnection(enable bool) error {
	return nil
}

func (s *bleService) DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error) {
	type result struct {
		chars []bluetooth.DeviceCharacteristic
		err   error
	}
	done := make(chan result, 1)
	go func() {
		chars, err := s.service.DiscoverCharacteristics(nil)
		done <- result{chars, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		chars := make([]Characteristic, 0, len(r.chars))
		for _, char := range r.chars {
			chars = append(chars, newBLECharacteristic(s.peripheral, char))
		}
		return chars, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type bleCharacteristic struct {
	peripheral *blePeripheral
	char       bluetooth.DeviceCharacteristic
	props      CharProps
}

func newBLECharacteristic(p *blePeripheral, char bluetooth.DeviceCharacteristic) *bleCharacteristic {
	c := &bleCharacteristic{peripheral: p, char: char}
	// the tinygo layer hides capability flags; ask BlueZ, and assume a fully
	// capable characteristic when the bridge cannot answer
	c.props = PropRead | PropWrite | PropWriteWithoutResponse | PropNotify
	if bridge := p.platform.bridge; bridge != nil {
		if path, err := bridge.characteristicPath(p.address, c.UUID()); err == nil {
			if props, err := bridge.characteristicFlags(path); err == nil {
				c.props = props
			}
		}
	}
	return c
}

func (c *bleCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *bleCharacteristic) Properties() CharProps {
	return c.props
}

func (c *bleCharacteristic) Read(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 512)
		n, err := c.char.Read(buf)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{buf[:n], nil}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *bleCharacteristic) Write(ctx context.Context, data []byte) error {
	if bridge := c.peripheral.platform.bridge; bridge != nil {
		path, err := bridge.characteristicPath(c.peripheral.address, c.UUID())
		if err == nil {
			done := make(chan error, 1)
			go func() { done <- bridge.writeWithResponse(path, data) }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		logger.Debug("[COYOTE] no BlueZ path for %s, acknowledged write degrades: %v", c.UUID(), err)
	}
	return c.WriteWithoutResponse(ctx, data)
}

func (c *bleCharacteristic) WriteWithoutResponse(ctx context.Context, data []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.char.WriteWithoutResponse(data)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *bleCharacteristic) Subscribe(ctx context.Context, fn func(data []byte)) error {
	// prefer AcquireNotify: exclusive descriptor delivery, no Value-property
	// races with other BlueZ clients
	if bridge := c.peripheral.platform.bridge; bridge != nil {
		if path, err := bridge.characteristicPath(c.peripheral.address, c.UUID()); err == nil {
			if err := bridge.acquireNotify(path, fn); err == nil {
				return nil
			} else {
				logger.Debug("[COYOTE] AcquireNotify refused for %s, using stack notifications: %v", c.UUID(), err)
			}
		}
	}
	return c.char.EnableNotifications(fn)
}

func (c *bleCharacteristic) Unsubscribe(ctx context.Context) error {
	if bridge := c.peripheral.platform.bridge; bridge != nil {
		if path, err := bridge.characteristicPath(c.peripheral.address, c.UUID()); err == nil {
			bridge.releaseNotify(path)
		}
	}
	return c.char.EnableNotifications(nil)
}
