package coyote

import (
	"context"
	"strings"
	"time"
)

// Coyote GATT identifiers. The pulse service carries the write characteristic
// for command frames and the notify characteristic for telemetry; battery
// level lives on its own service.
const (
	PulseServiceUUID   = "0000180c-0000-1000-8000-00805f9b34fb"
	WriteCharUUID      = "0000150a-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID     = "0000150b-0000-1000-8000-00805f9b34fb"
	BatteryServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	BatteryCharUUID    = "00001500-0000-1000-8000-00805f9b34fb"
)

// DeviceModel identifies the hardware generation from its advertised name.
type DeviceModel string

const (
	ModelCoyoteV2 DeviceModel = "V2"
	ModelCoyoteV3 DeviceModel = "V3"
	ModelUnknown  DeviceModel = "Unknown"
)

// detectModelFromName identifies the device generation from the advertisement.
func detectModelFromName(name string) DeviceModel {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(upper, "47L121000"):
		return ModelCoyoteV3
	case strings.Contains(upper, "D-LAB ESTIM"):
		return ModelCoyoteV2
	default:
		return ModelUnknown
	}
}

// CharProps is the capability bitmask of a characteristic.
type CharProps uint8

const (
	PropRead CharProps = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// CanNotify reports whether the characteristic supports either notification
// path required for a subscription.
func (p CharProps) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// Advertisement is one raw scan result from the platform radio.
type Advertisement struct {
	ID           string
	Name         string
	Address      string
	RSSI         int
	ServiceUUIDs []string
	Connectable  bool
}

// Platform abstracts the OS BLE stack. The production implementation wraps
// tinygo.org/x/bluetooth (plus a BlueZ D-Bus bridge on Linux); tests supply a
// fake so session behavior can be driven deterministically.
type Platform interface {
	// Enable powers the adapter. Returns a KindUnavailable error when no
	// usable adapter exists.
	Enable() error

	// Scan streams advertisements until StopScan is called. It blocks.
	// serviceUUID, when non-empty, is applied as a platform-level filter.
	Scan(serviceUUID string, onAdv func(Advertisement)) error
	StopScan() error

	// FromKnownDevice resolves a peripheral handle through a previously-seen
	// system device record. A (nil, nil) return means the record does not
	// exist; the caller falls back to FromAddress.
	FromKnownDevice(ctx context.Context, id string) (Peripheral, error)

	// FromAddress resolves a peripheral handle directly by radio address.
	FromAddress(ctx context.Context, address string) (Peripheral, error)

	// SetConnectHandler registers the callback invoked on every platform
	// connect/disconnect event for any peripheral.
	SetConnectHandler(fn func(id string, connected bool))
}

// Peripheral is one resolved remote device handle. Handles are stale after a
// disconnect and must be re-resolved, never reused.
type Peripheral interface {
	ID() string

	// Pair attempts opportunistic platform pairing. Failure is tolerated by
	// the session; many firmware revisions connect fine unpaired.
	Pair(ctx context.Context) error

	// RequestAccess asks the OS for device access. A refusal surfaces as
	// KindPermissionDenied and is never retried.
	RequestAccess(ctx context.Context) error

	// DiscoverServices enumerates GATT services. cached selects the
	// platform's cached discovery pass; the session tries uncached first and
	// falls back to cached on failure.
	DiscoverServices(ctx context.Context, cached bool) ([]Service, error)

	// Disconnect tears the link down. Part of the infallible teardown path:
	// errors are reported for logging only.
	Disconnect() error
}

// Service is one resolved GATT service.
type Service interface {
	UUID() string
	DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error)

	// MaintainConnection hints the platform to keep the link alive. A no-op
	// where unsupported.
	MaintainConnection(enable bool) error
}

// Characteristic is one resolved GATT characteristic.
type Characteristic interface {
	UUID() string
	Properties() CharProps

	Read(ctx context.Context) ([]byte, error)

	// Write performs an acknowledged GATT write.
	Write(ctx context.Context, data []byte) error

	// WriteWithoutResponse performs the cheaper unacknowledged write.
	WriteWithoutResponse(ctx context.Context, data []byte) error

	// Subscribe writes the notification descriptor and attaches fn.
	Subscribe(ctx context.Context, fn func(data []byte)) error

	// Unsubscribe detaches the handler and clears hardware notification
	// state. Infallible-teardown contract: error is for logging only.
	Unsubscribe(ctx context.Context) error
}

// normalizeUUID lowercases a UUID for map lookups so the cache is insensitive
// to the case the platform reports.
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}

// Default timing for the session and dispatcher retry budgets.
const (
	DefaultConnectAttempts   = 4
	DefaultConnectBackoff    = 2 * time.Second
	DefaultAttemptTimeout    = 15 * time.Second
	DefaultPairTimeout       = 3 * time.Second
	DefaultSubscribeAttempts = 3
	DefaultSubscribeDelay    = 500 * time.Millisecond
	DefaultWriteAttempts     = 3
	DefaultWriteDelay        = 200 * time.Millisecond
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultRecoverAttempts   = 3
	DefaultRecoverDelay      = 2 * time.Second
	DefaultScanTimeout       = 10 * time.Second
)
