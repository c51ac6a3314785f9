package bluetooth

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/Akhil521ak/Akbot-car/utils"
)

// BluezManager is the management plane: adapter power, discovery, pairing
// and device enumeration over the BlueZ system bus. The data plane (the
// serial stream to the car) lives in the transports.
type BluezManager struct {
	mu       sync.RWMutex
	conn     *dbus.Conn
	hub      *utils.WebSocketHub
	adapter  string
	scanning bool
}

func NewBluezManager(adapter string, hub *utils.WebSocketHub) (*BluezManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %v", err)
	}

	m := &BluezManager{
		conn:    conn,
		hub:     hub,
		adapter: adapter,
	}

	if err := m.checkAdapter(); err != nil {
		return nil, err
	}
	return m, nil
}

// Conn exposes the bus connection for the pairing agent.
func (m *BluezManager) Conn() *dbus.Conn {
	return m.conn
}

func (m *BluezManager) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + m.adapter)
}

// formatDevicePath maps a MAC address onto its BlueZ object path,
// e.g. AA:BB:CC:DD:EE:FF -> /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func formatDevicePath(adapter, address string) dbus.ObjectPath {
	formatted := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, formatted))
}

// addressFromPath is the inverse of formatDevicePath.
func addressFromPath(path dbus.ObjectPath) string {
	parts := strings.Split(string(path), "/")
	if len(parts) < 5 {
		return ""
	}
	last := parts[len(parts)-1]
	if !strings.HasPrefix(last, "dev_") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(last, "dev_"), "_", ":")
}

func (m *BluezManager) checkAdapter() error {
	objects, err := m.managedObjects()
	if err != nil {
		return err
	}
	if _, ok := objects[m.adapterPath()]; !ok {
		return fmt.Errorf("bluetooth adapter %s not found", m.adapter)
	}
	return nil
}

func (m *BluezManager) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := m.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %v", err)
	}
	return objects, nil
}

// PowerOn makes sure the adapter is up before anything else runs.
func (m *BluezManager) PowerOn() error {
	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapterPath())
	call := obj.Call("org.freedesktop.DBus.Properties.Set", 0,
		BLUEZ_ADAPTER_INTERFACE, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("failed to power on adapter %s: %v", m.adapter, call.Err)
	}
	log.Printf("BLUEZ: adapter %s powered on", m.adapter)
	return nil
}

// StartScan begins device discovery on the adapter.
func (m *BluezManager) StartScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanning {
		return nil
	}

	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapterPath())

	// Discover both BR/EDR cars and BLE modules in one pass.
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("auto"),
	}
	if call := obj.Call("org.bluez.Adapter1.SetDiscoveryFilter", 0, filter); call.Err != nil {
		log.Printf("BLUEZ: failed to set discovery filter: %v", call.Err)
	}

	if call := obj.Call("org.bluez.Adapter1.StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("failed to start discovery: %v", call.Err)
	}

	m.scanning = true
	log.Println("BLUEZ: discovery started")
	m.hub.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/scan",
		Payload: utils.ScanStatePayload{Scanning: true},
	})
	return nil
}

// StopScan ends device discovery.
func (m *BluezManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.scanning {
		return nil
	}

	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapterPath())
	if call := obj.Call("org.bluez.Adapter1.StopDiscovery", 0); call.Err != nil {
		return fmt.Errorf("failed to stop discovery: %v", call.Err)
	}

	m.scanning = false
	log.Println("BLUEZ: discovery stopped")
	m.hub.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/scan",
		Payload: utils.ScanStatePayload{Scanning: false},
	})
	return nil
}

// IsScanning reports whether discovery is running.
func (m *BluezManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Devices lists every device BlueZ knows under this adapter.
func (m *BluezManager) Devices() ([]utils.BluetoothDeviceInfo, error) {
	objects, err := m.managedObjects()
	if err != nil {
		return nil, err
	}

	prefix := string(m.adapterPath()) + "/"
	devices := []utils.BluetoothDeviceInfo{}
	for path, interfaces := range objects {
		props, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		devices = append(devices, deviceInfoFromProps(props))
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}

// Device returns a single device's properties.
func (m *BluezManager) Device(address string) (*utils.BluetoothDeviceInfo, error) {
	obj := m.conn.Object(BLUEZ_BUS_NAME, formatDevicePath(m.adapter, address))

	var props map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, BLUEZ_DEVICE_INTERFACE).Store(&props); err != nil {
		return nil, fmt.Errorf("failed to get device properties: %v", err)
	}

	info := deviceInfoFromProps(props)
	return &info, nil
}

// Pair runs BlueZ pairing against the device. The registered agent
// answers the PIN prompt, so no UI is involved.
func (m *BluezManager) Pair(address string) error {
	log.Printf("BLUEZ: pairing with %s", address)

	obj := m.conn.Object(BLUEZ_BUS_NAME, formatDevicePath(m.adapter, address))
	if call := obj.Call("org.bluez.Device1.Pair", 0); call.Err != nil {
		// Already-paired is success for our purposes.
		if strings.Contains(call.Err.Error(), "AlreadyExists") {
			log.Printf("BLUEZ: %s already paired", address)
			return nil
		}
		return fmt.Errorf("failed to pair with %s: %v", address, call.Err)
	}

	log.Printf("BLUEZ: paired with %s", address)
	return nil
}

// Trust marks the device trusted so BlueZ accepts its connections
// without asking again.
func (m *BluezManager) Trust(address string) error {
	obj := m.conn.Object(BLUEZ_BUS_NAME, formatDevicePath(m.adapter, address))
	call := obj.Call("org.freedesktop.DBus.Properties.Set", 0,
		BLUEZ_DEVICE_INTERFACE, "Trusted", dbus.MakeVariant(true))
	if call.Err != nil {
		return fmt.Errorf("failed to trust %s: %v", address, call.Err)
	}
	log.Printf("BLUEZ: %s marked trusted", address)
	return nil
}

// RemoveDevice unpairs and forgets the device on the adapter.
func (m *BluezManager) RemoveDevice(address string) error {
	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapterPath())
	call := obj.Call("org.bluez.Adapter1.RemoveDevice", 0, formatDevicePath(m.adapter, address))
	if call.Err != nil {
		return fmt.Errorf("failed to remove %s: %v", address, call.Err)
	}
	log.Printf("BLUEZ: removed %s", address)
	return nil
}

// Close releases the bus connection.
func (m *BluezManager) Close() error {
	return m.conn.Close()
}

func deviceInfoFromProps(props map[string]dbus.Variant) utils.BluetoothDeviceInfo {
	info := utils.BluetoothDeviceInfo{}

	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			info.Address = s
		}
	}
	if v, ok := props["Name"]; ok {
		if s, ok := v.Value().(string); ok {
			info.Name = s
		}
	}
	if v, ok := props["Alias"]; ok {
		if s, ok := v.Value().(string); ok {
			info.Alias = s
		}
	}
	if v, ok := props["Paired"]; ok {
		if b, ok := v.Value().(bool); ok {
			info.Paired = b
		}
	}
	if v, ok := props["Trusted"]; ok {
		if b, ok := v.Value().(bool); ok {
			info.Trusted = b
		}
	}
	if v, ok := props["Blocked"]; ok {
		if b, ok := v.Value().(bool); ok {
			info.Blocked = b
		}
	}
	if v, ok := props["Connected"]; ok {
		if b, ok := v.Value().(bool); ok {
			info.Connected = b
		}
	}
	if v, ok := props["RSSI"]; ok {
		if r, ok := v.Value().(int16); ok {
			info.RSSI = r
		}
	}
	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			info.Serial = hasSerialProfile(uuids)
		}
	}
	return info
}

// hasSerialProfile reports whether the advertised services include a
// serial stream this daemon can drive: classic SPP or the Nordic UART.
// The UI uses it to put likely cars at the top of the device list.
func hasSerialProfile(uuids []string) bool {
	for _, u := range uuids {
		switch strings.ToLower(u) {
		case PROFILE_SPP_UUID, NUS_SERVICE_UUID:
			return true
		}
	}
	return false
}
