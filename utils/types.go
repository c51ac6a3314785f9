package utils

// Bluetooth
type BluetoothDeviceInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Alias     string `json:"alias"`
	Paired    bool   `json:"paired"`
	Trusted   bool   `json:"trusted"`
	Blocked   bool   `json:"blocked"`
	Connected bool   `json:"connected"`
	Serial    bool   `json:"serial"`
	RSSI      int16  `json:"rssi,omitempty"`
}

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type DeviceConnectedPayload struct {
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	Transport string `json:"transport"`
	Timestamp int64  `json:"timestamp"`
}

type DeviceDisconnectedPayload struct {
	Address   string `json:"address"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type PairingStartedPayload struct {
	Address string `json:"address"`
	PinCode string `json:"pinCode,omitempty"`
}

type CommandSentPayload struct {
	Button string `json:"button,omitempty"`
	Char   string `json:"char"`
	Action string `json:"action"`
}

type ScanStatePayload struct {
	Scanning bool `json:"scanning"`
}

// ErrorResponse is the payload of per-client control/error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
