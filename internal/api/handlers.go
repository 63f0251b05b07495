package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/config"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/coyote"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/protocol"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/stats"
)

type Handler struct {
	config     *config.Manager
	scanner    *coyote.Scanner
	session    *coyote.Session
	dispatcher *coyote.Dispatcher
	stats      *stats.Collector
	logs       *stats.LogBuffer
	wsHub      *Hub
	startTime  time.Time
	appVersion string
}

func NewHandler(cfg *config.Manager, scanner *coyote.Scanner, session *coyote.Session, dispatcher *coyote.Dispatcher, st *stats.Collector, lg *stats.LogBuffer, hub *Hub) *Handler {
	return &Handler{
		config:     cfg,
		scanner:    scanner,
		session:    session,
		dispatcher: dispatcher,
		stats:      st,
		logs:       lg,
		wsHub:      hub,
		startTime:  time.Now(),
	}
}

// ========== Types ==========

type StatusResponse struct {
	Uptime     int64             `json:"uptime"`
	State      string            `json:"state"`
	DeviceID   string            `json:"device_id,omitempty"`
	Recovering bool              `json:"recovering"`
	Scanning   bool              `json:"scanning"`
	Limits     *LimitsStatus     `json:"limits,omitempty"`
	Telemetry  stats.DataPoint   `json:"telemetry"`
	History    []stats.DataPoint `json:"history"`
	Version    string            `json:"version,omitempty"`
}

type LimitsStatus struct {
	ChannelA int `json:"channel_a"`
	ChannelB int `json:"channel_b"`
}

type DeviceListResponse struct {
	Devices  []*DeviceInfo `json:"devices"`
	Scanning bool          `json:"scanning"`
}

type DeviceInfo struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Model       string               `json:"model"`
	Address     string               `json:"address"`
	RSSI        int                  `json:"rssi"`
	Connected   bool                 `json:"connected"`
	LastSeen    int64                `json:"last_seen"`
	SavedConfig *config.DeviceConfig `json:"saved_config,omitempty"`
}

type StrengthRequest struct {
	Channel string `json:"channel"`
	Mode    string `json:"mode"`
	Value   int    `json:"value"`
}

type WaveformRequest struct {
	Channel string          `json:"channel"`
	Samples []WaveformPoint `json:"samples"`
}

type WaveformPoint struct {
	FrequencyHz int `json:"frequency_hz"`
	Strength    int `json:"strength"`
}

type LimitsRequest struct {
	ChannelA int `json:"channel_a"`
	ChannelB int `json:"channel_b"`
}

type ClearRequest struct {
	Channel string `json:"channel"`
}

// ========== Helper Methods ==========

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// errorStatus maps the device layer's error taxonomy onto HTTP codes.
func errorStatus(err error) int {
	switch coyote.KindOf(err) {
	case coyote.KindNotFound:
		return http.StatusNotFound
	case coyote.KindInvalidState:
		return http.StatusConflict
	case coyote.KindPermissionDenied:
		return http.StatusForbidden
	case coyote.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (h *Handler) uptime() time.Duration {
	return time.Since(h.startTime)
}

// SetVersion sets the application version
func (h *Handler) SetVersion(version string) {
	h.appVersion = version
}

// GetVersion returns the application version
func (h *Handler) GetVersion() string {
	return h.appVersion
}

func parseChannel(s string) (protocol.Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a":
		return protocol.ChannelA, nil
	case "b":
		return protocol.ChannelB, nil
	case "ab", "both":
		return protocol.ChannelBoth, nil
	}
	return 0, fmt.Errorf("unknown channel %q (use a, b or both)", s)
}

func parseMode(s string) (protocol.StrengthMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set", "absolute":
		return protocol.ModeAbsolute, nil
	case "increase", "up":
		return protocol.ModeIncrease, nil
	case "decrease", "down":
		return protocol.ModeDecrease, nil
	}
	return 0, fmt.Errorf("unknown mode %q (use set, increase or decrease)", s)
}

// parseDevicePath pulls the device id out of /api/devices/{id}/{action}.
func parseDevicePath(path string) string {
	path = strings.TrimPrefix(path, "/api/devices/")
	if idx := strings.Index(path, "/"); idx >= 0 {
		path = path[:idx]
	}
	return path
}

func parseTimeout(timeoutStr string, fallback time.Duration) time.Duration {
	timeout := fallback
	if timeoutStr != "" {
		if t, err := time.ParseDuration(timeoutStr); err == nil && t > 0 && t < 5*time.Minute {
			timeout = t
		}
	}
	return timeout
}

func (h *Handler) buildDeviceInfo(dev *coyote.DiscoveredDevice) *DeviceInfo {
	connected := h.session.State() == coyote.StateConnected && h.session.DeviceID() == dev.ID

	var saved *config.DeviceConfig
	if cfg, ok := h.config.LoadDeviceConfig(dev.ID); ok {
		saved = &cfg
	}

	return &DeviceInfo{
		ID:          dev.ID,
		Name:        dev.Name,
		Model:       string(dev.Model),
		Address:     dev.Address,
		RSSI:        dev.RSSI,
		Connected:   connected,
		LastSeen:    dev.LastSeen.Unix(),
		SavedConfig: saved,
	}
}

func (h *Handler) buildSavedDeviceInfo(id string, cfg config.DeviceConfig) *DeviceInfo {
	connected := h.session.State() == coyote.StateConnected && h.session.DeviceID() == id
	return &DeviceInfo{
		ID:          id,
		Name:        cfg.Name,
		Model:       string(coyote.ModelUnknown),
		Address:     id,
		RSSI:        -100,
		Connected:   connected,
		SavedConfig: &cfg,
	}
}

func (h *Handler) limitsStatus() *LimitsStatus {
	limit := h.session.SoftLimit()
	if limit == nil {
		return nil
	}
	return &LimitsStatus{ChannelA: int(limit.LimitA), ChannelB: int(limit.LimitB)}
}
