package coyote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
)

// DiscoveredDevice is one deduplicated scan result. Keyed by ID; the latest
// advertisement wins.
type DiscoveredDevice struct {
	ID           string
	Name         string
	Model        DeviceModel
	Address      string
	RSSI         int
	ServiceUUIDs []string
	Connectable  bool
	DiscoveredAt time.Time
	LastSeen     time.Time
}

// ScanOptions narrow a scan. ServiceUUID is applied at the platform layer,
// NamePrefix in software. Zero Timeout uses the default scan window.
type ScanOptions struct {
	ServiceUUID string
	NamePrefix  string
	Timeout     time.Duration
}

// Scanner drives BLE discovery and owns the deduplicated result set for the
// current scan window.
type Scanner struct {
	mu       sync.RWMutex
	platform Platform
	devices  map[string]*DiscoveredDevice
	scanning bool
	stop     chan struct{}
	done     chan struct{}

	discoveries *feed[*DiscoveredDevice]
}

func NewScanner(platform Platform) *Scanner {
	return &Scanner{
		platform:    platform,
		devices:     make(map[string]*DiscoveredDevice),
		discoveries: newFeed[*DiscoveredDevice](),
	}
}

// Discoveries returns a channel of scan results as they arrive. The cancel
// func must be called when the observer goes away.
func (s *Scanner) Discoveries() (<-chan *DiscoveredDevice, func()) {
	return s.discoveries.subscribe(16)
}

// Scan runs one discovery window and returns the deduplicated results. A call
// made while a scan is already running does not error: it returns the current
// result set immediately.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) ([]*DiscoveredDevice, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		logger.Debug("[COYOTE] scan already running, returning current results")
		return s.Devices(), nil
	}
	if err := s.platform.Enable(); err != nil {
		s.mu.Unlock()
		return nil, wrapError(KindUnavailable, "scan", err)
	}
	s.scanning = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.devices = make(map[string]*DiscoveredDevice)
	stop, done := s.stop, s.done
	s.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	logger.Info("[COYOTE] starting BLE scan (timeout %s)", timeout)

	scanErr := make(chan error, 1)
	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.scanning = false
			s.mu.Unlock()
		}()
		scanErr <- s.platform.Scan(opts.ServiceUUID, func(adv Advertisement) {
			s.record(adv, opts)
		})
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		logger.Info("[COYOTE] scan cancelled")
		s.stopPlatformScan()
	case <-stop:
		logger.Debug("[COYOTE] scan stopped")
	case <-timer.C:
		logger.Debug("[COYOTE] scan window elapsed")
		s.stopPlatformScan()
	case err := <-scanErr:
		if err != nil {
			return nil, wrapError(KindTransient, "scan", err)
		}
	}

	<-done
	return s.Devices(), nil
}

// Cancel aborts any scan in progress. Called before a connect attempt so the
// radio is not contended, and safe to call when idle.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	done := s.done
	s.mu.Unlock()

	s.stopPlatformScan()
	if done != nil {
		<-done
	}
}

func (s *Scanner) stopPlatformScan() {
	if err := s.platform.StopScan(); err != nil {
		logger.Warn("[COYOTE] failed to stop scan: %v", err)
	}
}

// Devices returns a snapshot of the discovered set, strongest signal first.
func (s *Scanner) Devices() []*DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*DiscoveredDevice, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices
}

// Device returns one discovered device by ID, or nil.
func (s *Scanner) Device(id string) *DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[id]
}

// IsScanning reports whether a scan window is open.
func (s *Scanner) IsScanning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanning
}

// record applies the software-side filters and folds an advertisement into
// the deduplicated set.
func (s *Scanner) record(adv Advertisement, opts ScanOptions) {
	if adv.ID == "" {
		return
	}
	if opts.NamePrefix != "" && !hasFold(adv.Name, opts.NamePrefix) {
		return
	}

	now := time.Now()
	s.mu.Lock()
	dev, known := s.devices[adv.ID]
	if known {
		dev.Name = adv.Name
		dev.RSSI = adv.RSSI
		dev.LastSeen = now
		if adv.Address != "" {
			dev.Address = adv.Address
		}
		if len(adv.ServiceUUIDs) > 0 {
			dev.ServiceUUIDs = adv.ServiceUUIDs
		}
		dev.Connectable = adv.Connectable
		s.mu.Unlock()
		return
	}
	dev = &DiscoveredDevice{
		ID:           adv.ID,
		Name:         adv.Name,
		Model:        detectModelFromName(adv.Name),
		Address:      adv.Address,
		RSSI:         adv.RSSI,
		ServiceUUIDs: adv.ServiceUUIDs,
		Connectable:  adv.Connectable,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	s.devices[adv.ID] = dev
	s.mu.Unlock()

	logger.Info("[COYOTE] discovered device: %s (%s) RSSI %d", dev.Name, dev.Model, dev.RSSI)
	s.discoveries.publish(dev)
}

// hasFold is a case-insensitive prefix match for the software name filter.
func hasFold(name, prefix string) bool {
	return strings.HasPrefix(strings.ToUpper(name), strings.ToUpper(prefix))
}
