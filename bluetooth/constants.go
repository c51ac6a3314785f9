package bluetooth

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_AGENT_INTERFACE   = "org.bluez.Agent1"
	BLUEZ_AGENT_MANAGER     = "org.bluez.AgentManager1"
	BLUEZ_OBJECT_PATH       = "/org/bluez"
	AGENT_PATH              = "/com/akbot/agent"
)

// Serial profiles the car side may expose.
const (
	// Serial Port Profile, the classic RFCOMM serial UUID used by
	// HC-05/HC-06 modules.
	PROFILE_SPP_UUID = "00001101-0000-1000-8000-00805f9b34fb"

	// Nordic UART Service, the BLE serial equivalent.
	NUS_SERVICE_UUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUS_RX_CHAR_UUID = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // Write - commands to the car
	NUS_TX_CHAR_UUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // Notify - data from the car
)

// RFCOMM channel probing bounds. Most serial modules listen on channel 1,
// a few firmwares pick another low channel.
const (
	MinRFCOMMChannel = 1
	MaxRFCOMMChannel = 5
)
