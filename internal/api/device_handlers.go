package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/coyote"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
)

// HandleDeviceList returns discovered devices plus saved ones that are not
// currently advertising.
func (h *Handler) HandleDeviceList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	discovered := h.scanner.Devices()
	devices := make([]*DeviceInfo, 0, len(discovered))
	discoveredIDs := make(map[string]bool)

	for _, dev := range discovered {
		discoveredIDs[dev.ID] = true
		devices = append(devices, h.buildDeviceInfo(dev))
	}

	for id, cfg := range h.config.GetAllDeviceConfigs() {
		if !discoveredIDs[id] {
			devices = append(devices, h.buildSavedDeviceInfo(id, cfg))
		}
	}

	json.NewEncoder(w).Encode(DeviceListResponse{
		Devices:  devices,
		Scanning: h.scanner.IsScanning(),
	})
}

// HandleDeviceScan starts a BLE discovery window. The scan runs in the
// background; results arrive on the websocket as they are found.
func (h *Handler) HandleDeviceScan(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.config.Get()
	timeout := parseTimeout(r.URL.Query().Get("timeout"), cfg.Bluetooth.ScanTimeout())

	go func() {
		opts := coyote.ScanOptions{
			ServiceUUID: coyote.PulseServiceUUID,
			NamePrefix:  cfg.Bluetooth.NamePrefix,
			Timeout:     timeout,
		}
		// the request context dies when the handler returns; the scan outlives it
		if _, err := h.scanner.Scan(context.Background(), opts); err != nil {
			logger.Error("Scan failed: %v", err)
			h.wsHub.Broadcast("scan_error", map[string]string{"error": err.Error()})
			return
		}
		h.wsHub.Broadcast("scan_done", map[string]bool{"scanning": false})
	}()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "scanning",
		"timeout": timeout.String(),
	})
}

// HandleDeviceScanStop aborts the current discovery window.
func (h *Handler) HandleDeviceScanStop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.scanner.Cancel()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "stopped",
	})
}

// HandleDeviceConnect establishes the session with a device and applies its
// saved (or default) output limits.
func (h *Handler) HandleDeviceConnect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deviceID := parseDevicePath(r.URL.Path)
	if deviceID == "" {
		jsonError(w, "Device ID required", http.StatusBadRequest)
		return
	}

	if err := h.ConnectDevice(r.Context(), deviceID); err != nil {
		jsonError(w, fmt.Sprintf("Failed to connect: %v", err), errorStatus(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "connected",
		"device": deviceID,
	})
}

// ConnectDevice establishes the session and applies post-connect state. Also
// used by the daemon's auto-connect path.
func (h *Handler) ConnectDevice(ctx context.Context, deviceID string) error {
	if err := h.session.Connect(ctx, deviceID); err != nil {
		return err
	}
	if err := h.applyStartupState(ctx, deviceID); err != nil {
		logger.Warn("Post-connect setup for %s incomplete: %v", deviceID, err)
	}
	return nil
}

// applyStartupState subscribes to telemetry and pushes the device's output
// ceilings right after a connect. The soft limit registers with the session,
// so recovery re-asserts it on every reconnect.
func (h *Handler) applyStartupState(ctx context.Context, deviceID string) error {
	if err := h.session.Subscribe(ctx, coyote.PulseServiceUUID, coyote.NotifyCharUUID, nil); err != nil {
		return err
	}

	cfg := h.config.Get()
	limitA, limitB := cfg.Limits.ChannelA, cfg.Limits.ChannelB
	if saved, ok := h.config.LoadDeviceConfig(deviceID); ok {
		limitA, limitB = saved.LimitA, saved.LimitB
	}
	return h.dispatcher.SetSoftLimits(ctx, limitA, limitB)
}

// HandleDeviceDisconnect tears the session down.
func (h *Handler) HandleDeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.session.Disconnect()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "disconnected",
	})
}

// HandleDeviceForget removes a device's saved configuration.
func (h *Handler) HandleDeviceForget(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deviceID := parseDevicePath(r.URL.Path)
	if deviceID == "" {
		jsonError(w, "Device ID required", http.StatusBadRequest)
		return
	}

	if err := h.config.DeleteDeviceConfig(deviceID); err != nil {
		jsonError(w, fmt.Sprintf("Failed to forget device: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "forgotten",
		"device": deviceID,
	})
}
