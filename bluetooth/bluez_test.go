package bluetooth

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestFormatDevicePathRoundTrip(t *testing.T) {
	path := formatDevicePath("hci0", "aa:bb:cc:dd:ee:ff")
	if want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); path != want {
		t.Errorf("formatDevicePath() = %q, want %q", path, want)
	}

	if got := addressFromPath(path); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("addressFromPath() = %q, want AA:BB:CC:DD:EE:FF", got)
	}
}

func TestAddressFromPathRejectsNonDevicePaths(t *testing.T) {
	for _, path := range []dbus.ObjectPath{"/org/bluez/hci0", "/", "/org/bluez/hci0/weird"} {
		if got := addressFromPath(path); got != "" {
			t.Errorf("addressFromPath(%q) = %q, want empty", path, got)
		}
	}
}

func TestDeviceInfoFromProps(t *testing.T) {
	props := map[string]dbus.Variant{
		"Address":   dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Name":      dbus.MakeVariant("AKBOT-CAR"),
		"Alias":     dbus.MakeVariant("akbot"),
		"Paired":    dbus.MakeVariant(true),
		"Trusted":   dbus.MakeVariant(true),
		"Connected": dbus.MakeVariant(false),
		"RSSI":      dbus.MakeVariant(int16(-62)),
		"UUIDs":     dbus.MakeVariant([]string{PROFILE_SPP_UUID}),
	}

	info := deviceInfoFromProps(props)
	if info.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address = %q, want AA:BB:CC:DD:EE:FF", info.Address)
	}
	if info.Name != "AKBOT-CAR" {
		t.Errorf("Name = %q, want AKBOT-CAR", info.Name)
	}
	if !info.Paired || !info.Trusted || info.Connected {
		t.Errorf("flags = paired %v trusted %v connected %v, want true true false",
			info.Paired, info.Trusted, info.Connected)
	}
	if info.RSSI != -62 {
		t.Errorf("RSSI = %d, want -62", info.RSSI)
	}
	if !info.Serial {
		t.Error("SPP device should be flagged serial")
	}
}

func TestHasSerialProfile(t *testing.T) {
	tests := []struct {
		name  string
		uuids []string
		want  bool
	}{
		{"spp", []string{PROFILE_SPP_UUID}, true},
		{"nus", []string{NUS_SERVICE_UUID}, true},
		{"spp uppercase", []string{"00001101-0000-1000-8000-00805F9B34FB"}, true},
		{"audio only", []string{"0000110b-0000-1000-8000-00805f9b34fb"}, false},
		{"none", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasSerialProfile(tt.uuids); got != tt.want {
				t.Errorf("hasSerialProfile(%v) = %v, want %v", tt.uuids, got, tt.want)
			}
		})
	}
}
