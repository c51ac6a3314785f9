package config

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	switch c.Bluetooth.Transport {
	case TransportRFCOMM, TransportBLE:
	default:
		return fmt.Errorf("bluetooth.transport must be %q or %q, got %q",
			TransportRFCOMM, TransportBLE, c.Bluetooth.Transport)
	}

	if c.Bluetooth.RFCOMMChannel < 1 || c.Bluetooth.RFCOMMChannel > 30 {
		return fmt.Errorf("bluetooth.rfcomm_channel must be between 1 and 30, got %d", c.Bluetooth.RFCOMMChannel)
	}

	if c.Link.KeepAliveInterval <= 0 {
		return errors.New("link.keepalive_interval must be positive")
	}
	if utf8.RuneCountInString(c.Link.KeepAliveChar) != 1 {
		return fmt.Errorf("link.keepalive_char must be a single character, got %q", c.Link.KeepAliveChar)
	}
	if c.Link.ReconnectInterval <= 0 {
		return errors.New("link.reconnect_interval must be positive")
	}
	if c.Link.ConnectTimeout <= 0 {
		return errors.New("link.connect_timeout must be positive")
	}
	if c.Link.WriteTimeout <= 0 {
		return errors.New("link.write_timeout must be positive")
	}

	if c.Control.MaxCommandsPerSecond < 1 {
		return errors.New("control.max_commands_per_second must be >= 1")
	}
	if c.Control.BurstSize < 1 {
		return errors.New("control.burst_size must be >= 1")
	}
	if c.Control.MinSendGap < 0 {
		return errors.New("control.min_send_gap must be >= 0")
	}

	if c.Settings.Path == "" {
		return errors.New("settings.path is required")
	}

	return nil
}
