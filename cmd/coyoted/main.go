package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/api"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/config"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/coyote"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/stats"
	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfgManager := config.NewManager(*configPath)
	if err := cfgManager.Load(); err != nil {
		log.Printf("[WARN] Failed to load config: %v\nAttempting to create a default config...", err)
		// Ensure the config directory exists before saving
		configDir := filepath.Dir(*configPath)
		if mkErr := os.MkdirAll(configDir, 0755); mkErr != nil {
			log.Fatalf("Failed to create config directory %s: %v", configDir, mkErr)
		}
		if saveErr := cfgManager.Save(); saveErr != nil {
			log.Fatalf("Failed to create default config: %v", saveErr)
		}
		log.Printf("[INFO] Default config created at %s", *configPath)
	}

	cfg := cfgManager.Get()

	// Initialize logger with config settings
	if err := logger.Init(cfg.Logging.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.Debug); err != nil {
		log.Printf("[WARN] Failed to initialize file logging: %v (continuing with stdout only)", err)
		// Initialize with stdout-only logging as fallback
		if err := logger.Init("", 0, 0, cfg.Logging.Debug); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	}
	defer logger.Get().Close()

	logger.Printf("Starting %s on port %d", version.Info(), cfg.Web.Port)

	statsCollector := stats.NewCollector()
	logBuffer := stats.NewLogBuffer(1000)

	platform := coyote.NewBLEPlatform()
	scanner := coyote.NewScanner(platform)
	session := coyote.NewSession(platform, scanner, coyote.SessionConfig{
		ConnectAttempts: cfg.Bluetooth.ConnectAttempts,
		ConnectBackoff:  cfg.Bluetooth.ConnectBackoff(),
		RecoverAttempts: cfg.Bluetooth.RecoverAttempts,
		RecoverDelay:    cfg.Bluetooth.RecoverDelay(),
		DisableRecovery: !cfg.Bluetooth.AutoReconnect,
	})
	dispatcher := coyote.NewDispatcher(session)

	wsHub := api.NewHub()
	go wsHub.Run()

	handler := api.NewHandler(cfgManager, scanner, session, dispatcher, statsCollector, logBuffer, wsHub)
	handler.SetVersion(version.GetVersion())

	if addr := cfg.Bluetooth.AutoConnectAddress; addr != "" {
		go func() {
			logger.Printf("Auto-connecting to %s", addr)
			if err := handler.ConnectDevice(context.Background(), addr); err != nil {
				logger.Warn("Auto-connect to %s failed: %v", addr, err)
			}
		}()
	}

	go runBroadcaster(session, scanner, dispatcher, statsCollector, logBuffer, wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", handler.HandleStatus)
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handler.HandleConfigGet(w, r)
		case http.MethodPut:
			handler.HandleConfigUpdate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/devices", handler.HandleDeviceList)
	mux.HandleFunc("/api/devices/scan", handler.HandleDeviceScan)
	mux.HandleFunc("/api/devices/scan/stop", handler.HandleDeviceScanStop)
	mux.HandleFunc("/api/devices/", func(w http.ResponseWriter, r *http.Request) {
		// Route device-specific endpoints
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/connect"):
			handler.HandleDeviceConnect(w, r)
		case strings.HasSuffix(path, "/disconnect"):
			handler.HandleDeviceDisconnect(w, r)
		case strings.HasSuffix(path, "/forget"):
			handler.HandleDeviceForget(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/device/strength", handler.HandleStrength)
	mux.HandleFunc("/api/device/waveform", handler.HandleWaveform)
	mux.HandleFunc("/api/device/limits", handler.HandleLimits)
	mux.HandleFunc("/api/device/clear", handler.HandleClear)
	mux.HandleFunc("/api/device/battery", handler.HandleBattery)

	mux.HandleFunc("/api/logs", handler.HandleLogs)
	mux.HandleFunc("/api/logs/download", handler.HandleLogsDownload)
	mux.HandleFunc("/api/debug", handler.HandleDebugMode)

	mux.HandleFunc("/ws", handler.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed: %v", err)
		}
	}()

	logger.Printf("Server started at http://localhost:%d", cfg.Web.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("Shutting down...")

	scanner.Cancel()
	session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}

	logger.Println("Server stopped")
}

// batteryPollInterval is deliberately long; a battery read is a full GATT
// transaction that competes with command writes for the link.
const batteryPollInterval = 60 * time.Second

// runBroadcaster fans session, scanner and telemetry events out to websocket
// clients and samples telemetry into the history collector once per second.
func runBroadcaster(session *coyote.Session, scanner *coyote.Scanner, dispatcher *coyote.Dispatcher, collector *stats.Collector, logBuffer *stats.LogBuffer, hub *api.Hub) {
	stateCh, cancelStates := session.StateChanges()
	defer cancelStates()
	telemetryCh, cancelTelemetry := session.Telemetry()
	defer cancelTelemetry()
	discoveryCh, cancelDiscoveries := scanner.Discoveries()
	defer cancelDiscoveries()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	batteryTicker := time.NewTicker(batteryPollInterval)
	defer batteryTicker.Stop()

	var lastA, lastB int
	lastBattery := -1

	for {
		select {
		case change, ok := <-stateCh:
			if !ok {
				return
			}
			if change.Current != coyote.StateConnected {
				lastA, lastB = 0, 0
			}
			logBuffer.Add("session", fmt.Sprintf("%s -> %s (%s)", change.Previous, change.Current, change.Reason))
			hub.Broadcast("state", map[string]interface{}{
				"previous": change.Previous.String(),
				"state":    change.Current.String(),
				"reason":   change.Reason,
				"device":   session.DeviceID(),
			})

		case tel, ok := <-telemetryCh:
			if !ok {
				return
			}
			lastA, lastB = int(tel.StrengthA), int(tel.StrengthB)
			hub.Broadcast("telemetry", map[string]interface{}{
				"seq":        tel.Sequence,
				"strength_a": tel.StrengthA,
				"strength_b": tel.StrengthB,
			})

		case dev, ok := <-discoveryCh:
			if !ok {
				return
			}
			hub.Broadcast("device", map[string]interface{}{
				"id":    dev.ID,
				"name":  dev.Name,
				"model": dev.Model,
				"rssi":  dev.RSSI,
			})

		case <-ticker.C:
			if session.State() != coyote.StateConnected {
				continue
			}
			collector.Record(lastA, lastB, lastBattery)
			hub.Broadcast("stats", map[string]interface{}{
				"state":      session.State().String(),
				"device":     session.DeviceID(),
				"recovering": session.Recovering(),
				"strength_a": lastA,
				"strength_b": lastB,
				"battery":    lastBattery,
			})

		case <-batteryTicker.C:
			if session.State() != coyote.StateConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			level, err := dispatcher.ReadBattery(ctx)
			cancel()
			if err != nil {
				logger.Debug("[COYOTE] battery poll failed: %v", err)
				continue
			}
			lastBattery = level
			hub.Broadcast("battery", map[string]interface{}{"level": level})
		}
	}
}
