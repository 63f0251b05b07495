package coyote

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
)

// bluezBridge talks to BlueZ over the system D-Bus for the pieces the tinygo
// stack does not cover reliably: acknowledged characteristic writes,
// AcquireNotify-based notification delivery, device-record lookup, and
// characteristic capability flags. When the system bus is unavailable the
// platform layer degrades to the tinygo paths.
type bluezBridge struct {
	mu      sync.RWMutex
	conn    *dbus.Conn
	readers map[dbus.ObjectPath]*os.File
}

func newBluezBridge() (*bluezBridge, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &bluezBridge{
		conn:    conn,
		readers: make(map[dbus.ObjectPath]*os.File),
	}, nil
}

// devicePathFragment converts a radio address to the path form BlueZ uses
// (XX:XX:XX:XX:XX:XX -> dev_XX_XX_XX_XX_XX_XX).
func devicePathFragment(address string) string {
	return "dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
}

// hasDeviceRecord reports whether BlueZ holds a device record for the
// address, i.e. the system has seen this peripheral before.
func (b *bluezBridge) hasDeviceRecord(address string) bool {
	objects, err := b.managedObjects()
	if err != nil {
		return false
	}
	fragment := devicePathFragment(address)
	for path, interfaces := range objects {
		if !strings.HasSuffix(string(path), fragment) {
			continue
		}
		if _, ok := interfaces["org.bluez.Device1"]; ok {
			return true
		}
	}
	return false
}

// characteristicPath locates the BlueZ object for a characteristic under the
// given device.
func (b *bluezBridge) characteristicPath(address, charUUID string) (dbus.ObjectPath, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return "", err
	}

	fragment := devicePathFragment(address)
	want := normalizeUUID(charUUID)
	for path, interfaces := range objects {
		if !strings.Contains(string(path), fragment) {
			continue
		}
		charIface, ok := interfaces["org.bluez.GattCharacteristic1"]
		if !ok {
			continue
		}
		uuidVar, ok := charIface["UUID"]
		if !ok {
			continue
		}
		if uuid, ok := uuidVar.Value().(string); ok && normalizeUUID(uuid) == want {
			return path, nil
		}
	}
	return "", fmt.Errorf("characteristic %s not found under %s", charUUID, address)
}

func (b *bluezBridge) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := b.conn.Object("org.bluez", "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// characteristicFlags reads the capability flags BlueZ reports for a
// characteristic and maps them onto CharProps.
func (b *bluezBridge) characteristicFlags(path dbus.ObjectPath) (CharProps, error) {
	obj := b.conn.Object("org.bluez", path)
	variant, err := obj.GetProperty("org.bluez.GattCharacteristic1.Flags")
	if err != nil {
		return 0, err
	}
	flags, ok := variant.Value().([]string)
	if !ok {
		return 0, fmt.Errorf("unexpected Flags type %T", variant.Value())
	}

	var props CharProps
	for _, f := range flags {
		switch f {
		case "read":
			props |= PropRead
		case "write":
			props |= PropWrite
		case "write-without-response":
			props |= PropWriteWithoutResponse
		case "notify":
			props |= PropNotify
		case "indicate":
			props |= PropIndicate
		}
	}
	return props, nil
}

// writeWithResponse performs an acknowledged GATT write through BlueZ. The
// tinygo characteristic only exposes the unacknowledged path.
func (b *bluezBridge) writeWithResponse(path dbus.ObjectPath, data []byte) error {
	obj := b.conn.Object("org.bluez", path)
	options := map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	}
	call := obj.Call("org.bluez.GattCharacteristic1.WriteValue", 0, data, options)
	return call.Err
}

// pairDevice runs platform pairing on the device object.
func (b *bluezBridge) pairDevice(address string) error {
	objects, err := b.managedObjects()
	if err != nil {
		return err
	}
	fragment := devicePathFragment(address)
	for path, interfaces := range objects {
		if !strings.HasSuffix(string(path), fragment) {
			continue
		}
		if _, ok := interfaces["org.bluez.Device1"]; !ok {
			continue
		}
		return b.conn.Object("org.bluez", path).Call("org.bluez.Device1.Pair", 0).Err
	}
	return fmt.Errorf("no device record for %s", address)
}

// acquireNotify takes exclusive notification delivery for a characteristic
// via an AcquireNotify file descriptor and streams frames to fn. Falls back
// to StartNotify when the descriptor path is refused; in that mode the caller
// must rely on the tinygo notification handler instead.
func (b *bluezBridge) acquireNotify(path dbus.ObjectPath, fn func([]byte)) error {
	obj := b.conn.Object("org.bluez", path)

	var fd dbus.UnixFD
	var mtu uint16
	call := obj.Call("org.bluez.GattCharacteristic1.AcquireNotify", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return call.Err
	}
	if err := call.Store(&fd, &mtu); err != nil {
		return err
	}

	file := os.NewFile(uintptr(fd), "ble-notify")
	if file == nil {
		return fmt.Errorf("invalid notify descriptor %d", fd)
	}

	b.mu.Lock()
	if old, ok := b.readers[path]; ok {
		old.Close()
	}
	b.readers[path] = file
	b.mu.Unlock()

	logger.Debug("[COYOTE-DBus] AcquireNotify on %s: fd=%d mtu=%d", path, fd, mtu)
	go b.readNotifications(path, file, fn)
	return nil
}

// readNotifications drains one AcquireNotify descriptor until it is closed.
func (b *bluezBridge) readNotifications(path dbus.ObjectPath, file *os.File, fn func([]byte)) {
	defer file.Close()
	buf := make([]byte, 512)
	for {
		n, err := file.Read(buf)
		if err != nil {
			logger.Debug("[COYOTE-DBus] notify reader for %s ended: %v", path, err)
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		fn(data)
	}
}

// releaseNotify closes the notification descriptor for a characteristic,
// ending its reader goroutine.
func (b *bluezBridge) releaseNotify(path dbus.ObjectPath) {
	b.mu.Lock()
	file, ok := b.readers[path]
	delete(b.readers, path)
	b.mu.Unlock()
	if ok {
		file.Close()
	}
	obj := b.conn.Object("org.bluez", path)
	if call := obj.Call("org.bluez.GattCharacteristic1.StopNotify", 0); call.Err != nil {
		logger.Debug("[COYOTE-DBus] StopNotify on %s: %v", path, call.Err)
	}
}

// close releases every open notification descriptor.
func (b *bluezBridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for path, file := range b.readers {
		file.Close()
		delete(b.readers, path)
	}
}
