package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Web       WebConfig               `yaml:"web" json:"web"`
	Bluetooth BluetoothConfig         `yaml:"bluetooth" json:"bluetooth"`
	Limits    LimitsConfig            `yaml:"limits" json:"limits"`
	Logging   LoggingConfig           `yaml:"logging" json:"logging"`
	Devices   map[string]DeviceConfig `yaml:"devices" json:"devices"`
}

type WebConfig struct {
	Port int `yaml:"port" json:"port"`
}

// BluetoothConfig carries the scan and retry budgets for the BLE layer.
// Durations are in seconds so the YAML stays hand-editable.
type BluetoothConfig struct {
	NamePrefix         string `yaml:"name_prefix" json:"name_prefix"`
	ScanTimeoutSec     int    `yaml:"scan_timeout_sec" json:"scan_timeout_sec"`
	ConnectAttempts    int    `yaml:"connect_attempts" json:"connect_attempts"`
	ConnectBackoffSec  int    `yaml:"connect_backoff_sec" json:"connect_backoff_sec"`
	RecoverAttempts    int    `yaml:"recover_attempts" json:"recover_attempts"`
	RecoverDelaySec    int    `yaml:"recover_delay_sec" json:"recover_delay_sec"`
	AutoReconnect      bool   `yaml:"auto_reconnect" json:"auto_reconnect"`
	AutoConnectAddress string `yaml:"auto_connect_address" json:"auto_connect_address"`
}

// LimitsConfig is the default output ceiling applied to a device on connect.
type LimitsConfig struct {
	ChannelA int `yaml:"channel_a" json:"channel_a"`
	ChannelB int `yaml:"channel_b" json:"channel_b"`
}

type LoggingConfig struct {
	FilePath   string `yaml:"file_path" json:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	Debug      bool   `yaml:"debug" json:"debug"`
}

// DeviceConfig stores per-device settings remembered across runs, keyed by
// the device's radio address.
type DeviceConfig struct {
	Name   string `yaml:"name" json:"name"`
	LimitA int    `yaml:"limit_a" json:"limit_a"`
	LimitB int    `yaml:"limit_b" json:"limit_b"`
}

type Manager struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

func NewManager(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
	}
}

func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.config = DefaultConfig()
			return m.saveUnsafe()
		}
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	m.config = &cfg
	return nil
}

func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	return os.WriteFile(m.filePath, data, 0600)
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = &cfg
	return m.saveUnsafe()
}

// ScanTimeout returns the configured scan window as a duration.
func (c *BluetoothConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSec) * time.Second
}

func (c *BluetoothConfig) ConnectBackoff() time.Duration {
	return time.Duration(c.ConnectBackoffSec) * time.Second
}

func (c *BluetoothConfig) RecoverDelay() time.Duration {
	return time.Duration(c.RecoverDelaySec) * time.Second
}

// Validate checks if the configuration is valid and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web port %d is invalid (must be 1-65535)", c.Web.Port))
	}

	if c.Bluetooth.ScanTimeoutSec < 1 || c.Bluetooth.ScanTimeoutSec > 300 {
		errors = append(errors, fmt.Sprintf("scan timeout %ds is invalid (must be 1-300)", c.Bluetooth.ScanTimeoutSec))
	}
	if c.Bluetooth.ConnectAttempts < 1 || c.Bluetooth.ConnectAttempts > 10 {
		errors = append(errors, fmt.Sprintf("connect attempts %d is invalid (must be 1-10)", c.Bluetooth.ConnectAttempts))
	}
	if c.Bluetooth.RecoverAttempts < 1 || c.Bluetooth.RecoverAttempts > 10 {
		errors = append(errors, fmt.Sprintf("recover attempts %d is invalid (must be 1-10)", c.Bluetooth.RecoverAttempts))
	}

	if c.Limits.ChannelA < 0 || c.Limits.ChannelA > 200 {
		errors = append(errors, fmt.Sprintf("channel A limit %d is invalid (must be 0-200)", c.Limits.ChannelA))
	}
	if c.Limits.ChannelB < 0 || c.Limits.ChannelB > 200 {
		errors = append(errors, fmt.Sprintf("channel B limit %d is invalid (must be 0-200)", c.Limits.ChannelB))
	}

	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, fmt.Sprintf("log max size %dMB is invalid (must be >= 0)", c.Logging.MaxSizeMB))
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, fmt.Sprintf("log max backups %d is invalid (must be >= 0)", c.Logging.MaxBackups))
	}

	for addr, dev := range c.Devices {
		if dev.LimitA < 0 || dev.LimitA > 200 || dev.LimitB < 0 || dev.LimitB > 200 {
			errors = append(errors, fmt.Sprintf("device %s limits %d/%d are invalid (must be 0-200)", addr, dev.LimitA, dev.LimitB))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// SaveDeviceConfig saves or updates device configuration by radio address
func (m *Manager) SaveDeviceConfig(address string, cfg DeviceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Devices == nil {
		m.config.Devices = make(map[string]DeviceConfig)
	}

	m.config.Devices[address] = cfg
	return m.saveUnsafe()
}

// LoadDeviceConfig retrieves device configuration by radio address
func (m *Manager) LoadDeviceConfig(address string) (DeviceConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config.Devices == nil {
		return DeviceConfig{}, false
	}

	cfg, ok := m.config.Devices[address]
	return cfg, ok
}

// GetAllDeviceConfigs returns all saved device configurations
func (m *Manager) GetAllDeviceConfigs() map[string]DeviceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config.Devices == nil {
		return make(map[string]DeviceConfig)
	}

	// Return a copy to avoid external modification
	devices := make(map[string]DeviceConfig)
	for k, v := range m.config.Devices {
		devices[k] = v
	}
	return devices
}

// DeleteDeviceConfig removes device configuration by radio address
func (m *Manager) DeleteDeviceConfig(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.Devices != nil {
		delete(m.config.Devices, address)
		return m.saveUnsafe()
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Web: WebConfig{
			Port: 8080,
		},
		Bluetooth: BluetoothConfig{
			NamePrefix:        "47L",
			ScanTimeoutSec:    10,
			ConnectAttempts:   4,
			ConnectBackoffSec: 2,
			RecoverAttempts:   3,
			RecoverDelaySec:   2,
			AutoReconnect:     true,
		},
		Limits: LimitsConfig{
			ChannelA: 100,
			ChannelB: 100,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Devices: make(map[string]DeviceConfig),
	}
}
