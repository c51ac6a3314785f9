package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListenAddr = ":8791"

	DefaultAdapter       = "hci0"
	DefaultTransport     = TransportRFCOMM
	DefaultRFCOMMChannel = 1
	DefaultPinCode       = "1234"

	DefaultKeepAliveInterval = 2 * time.Second
	DefaultKeepAliveChar     = "S"
	DefaultReconnectInterval = 3 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
	DefaultWriteTimeout      = 1 * time.Second

	DefaultMaxCommandsPerSecond = 20
	DefaultBurstSize            = 5
	DefaultMinSendGap           = 50 * time.Millisecond

	DefaultSettingsPath = "/var/lib/akbot/settings.json"

	DefaultCheckHost = "1.1.1.1"
	DefaultInterface = "wlan0"
)

// Transport kinds accepted in bluetooth.transport.
const (
	TransportRFCOMM = "rfcomm"
	TransportBLE    = "ble"
)

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	// Bluetooth defaults
	if c.Bluetooth.Adapter == "" {
		c.Bluetooth.Adapter = DefaultAdapter
	}
	if c.Bluetooth.Transport == "" {
		c.Bluetooth.Transport = DefaultTransport
	}
	if c.Bluetooth.RFCOMMChannel == 0 {
		c.Bluetooth.RFCOMMChannel = DefaultRFCOMMChannel
	}
	if c.Bluetooth.PinCode == "" {
		c.Bluetooth.PinCode = DefaultPinCode
	}

	// Link defaults
	if c.Link.KeepAliveInterval == 0 {
		c.Link.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.Link.KeepAliveChar == "" {
		c.Link.KeepAliveChar = DefaultKeepAliveChar
	}
	if c.Link.ReconnectInterval == 0 {
		c.Link.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Link.ConnectTimeout == 0 {
		c.Link.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Link.WriteTimeout == 0 {
		c.Link.WriteTimeout = DefaultWriteTimeout
	}

	// Control defaults
	if c.Control.MaxCommandsPerSecond == 0 {
		c.Control.MaxCommandsPerSecond = DefaultMaxCommandsPerSecond
	}
	if c.Control.BurstSize == 0 {
		c.Control.BurstSize = DefaultBurstSize
	}
	if c.Control.MinSendGap == 0 {
		c.Control.MinSendGap = DefaultMinSendGap
	}

	if c.Settings.Path == "" {
		c.Settings.Path = DefaultSettingsPath
	}

	// Network defaults
	if c.Network.CheckHost == "" {
		c.Network.CheckHost = DefaultCheckHost
	}
	if c.Network.Interface == "" {
		c.Network.Interface = DefaultInterface
	}
}
