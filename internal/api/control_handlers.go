package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/protocol"
)

// HandleStrength adjusts channel output strength.
func (h *Handler) HandleStrength(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StrengthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	channel, err := parseChannel(req.Channel)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.SetStrength(r.Context(), channel, mode, req.Value); err != nil {
		jsonError(w, fmt.Sprintf("Failed to set strength: %v", err), errorStatus(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"channel": req.Channel,
		"mode":    req.Mode,
		"value":   req.Value,
	})
}

// HandleWaveform queues waveform samples on one channel. Frequencies arrive
// in source units and are mapped onto the device scale here.
func (h *Handler) HandleWaveform(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req WaveformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	channel, err := parseChannel(req.Channel)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Samples) == 0 || len(req.Samples) > 4 {
		jsonError(w, fmt.Sprintf("waveform needs 1-4 samples, got %d", len(req.Samples)), http.StatusBadRequest)
		return
	}

	// short bursts repeat their last sample to fill the frame
	var samples [4]protocol.Sample
	for i := 0; i < 4; i++ {
		point := req.Samples[len(req.Samples)-1]
		if i < len(req.Samples) {
			point = req.Samples[i]
		}
		if point.Strength < 0 || point.Strength > protocol.MaxSampleStrength {
			jsonError(w, fmt.Sprintf("sample strength %d out of range 0-%d", point.Strength, protocol.MaxSampleStrength), http.StatusBadRequest)
			return
		}
		samples[i] = protocol.Sample{
			Frequency: protocol.MapFrequency(point.FrequencyHz),
			Strength:  uint8(point.Strength),
		}
	}

	if err := h.dispatcher.SendWaveform(r.Context(), channel, samples); err != nil {
		jsonError(w, fmt.Sprintf("Failed to send waveform: %v", err), errorStatus(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "queued",
		"channel": req.Channel,
	})
}

// HandleLimits sets the device-side output ceilings and remembers them for
// the connected device.
func (h *Handler) HandleLimits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		limits := h.limitsStatus()
		if limits == nil {
			cfg := h.config.Get()
			limits = &LimitsStatus{ChannelA: cfg.Limits.ChannelA, ChannelB: cfg.Limits.ChannelB}
		}
		json.NewEncoder(w).Encode(limits)

	case http.MethodPost, http.MethodPut:
		var req LimitsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
		if req.ChannelA < 0 || req.ChannelA > protocol.MaxStrength ||
			req.ChannelB < 0 || req.ChannelB > protocol.MaxStrength {
			jsonError(w, fmt.Sprintf("limits must be 0-%d", protocol.MaxStrength), http.StatusBadRequest)
			return
		}

		if err := h.dispatcher.SetSoftLimits(r.Context(), req.ChannelA, req.ChannelB); err != nil {
			jsonError(w, fmt.Sprintf("Failed to set limits: %v", err), errorStatus(err))
			return
		}

		if deviceID := h.session.DeviceID(); deviceID != "" {
			saved, _ := h.config.LoadDeviceConfig(deviceID)
			saved.LimitA = req.ChannelA
			saved.LimitB = req.ChannelB
			if saved.Name == "" {
				if dev := h.scanner.Device(deviceID); dev != nil {
					saved.Name = dev.Name
				}
			}
			if err := h.config.SaveDeviceConfig(deviceID, saved); err != nil {
				logger.Warn("Failed to persist limits for %s: %v", deviceID, err)
			}
		}

		h.wsHub.Broadcast("limits", LimitsStatus{ChannelA: req.ChannelA, ChannelB: req.ChannelB})
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleClear flushes a channel's pending waveform queue.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	channel, err := parseChannel(req.Channel)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	channels := []protocol.Channel{channel}
	if channel == protocol.ChannelBoth {
		channels = []protocol.Channel{protocol.ChannelA, protocol.ChannelB}
	}
	for _, ch := range channels {
		if err := h.dispatcher.ClearQueue(r.Context(), ch); err != nil {
			jsonError(w, fmt.Sprintf("Failed to clear %s: %v", ch, err), errorStatus(err))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "cleared",
		"channel": req.Channel,
	})
}

// HandleBattery reads the device battery level.
func (h *Handler) HandleBattery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level, err := h.dispatcher.ReadBattery(r.Context())
	if err != nil {
		jsonError(w, fmt.Sprintf("Failed to read battery: %v", err), errorStatus(err))
		return
	}

	json.NewEncoder(w).Encode(map[string]int{"battery": level})
}
