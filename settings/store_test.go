package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestDefaults(t *testing.T) {
	store := newTestStore(t)

	if got := store.Theme(); got != DefaultTheme {
		t.Errorf("Theme() = %q, want %q", got, DefaultTheme)
	}
	if dev := store.Device(); dev != nil {
		t.Errorf("Device() = %v, want nil", dev)
	}

	char, err := store.ButtonChar("forward")
	if err != nil {
		t.Fatalf("ButtonChar(forward) failed: %v", err)
	}
	if char != "F" {
		t.Errorf("ButtonChar(forward) = %q, want %q", char, "F")
	}
	if got := store.StopChar(); got != "S" {
		t.Errorf("StopChar() = %q, want %q", got, "S")
	}
}

func TestSetButtonPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.SetButton("horn", "X"); err != nil {
		t.Fatalf("SetButton failed: %v", err)
	}

	// Reload from disk and verify the mapping survived.
	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	char, err := reloaded.ButtonChar("horn")
	if err != nil {
		t.Fatalf("ButtonChar(horn) failed: %v", err)
	}
	if char != "X" {
		t.Errorf("ButtonChar(horn) after reload = %q, want %q", char, "X")
	}
}

func TestSetButtonRejectsMultiChar(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetButton("forward", "FF"); err == nil {
		t.Error("expected error for two-character mapping")
	}
	if err := store.SetButton("forward", ""); err == nil {
		t.Error("expected error for empty mapping")
	}
	// A multi-byte rune is still a single character.
	if err := store.SetButton("forward", "Ä"); err != nil {
		t.Errorf("single multi-byte rune rejected: %v", err)
	}
}

func TestSetButtonRejectsUnknownButton(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetButton("turbo", "T"); err == nil {
		t.Error("expected error for unknown button")
	}
}

func TestRememberedDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.SetDevice("98:D3:31:F5:B2:11", "AKBOT"); err != nil {
		t.Fatalf("SetDevice failed: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	dev := reloaded.Device()
	if dev == nil {
		t.Fatal("Device() = nil after reload")
	}
	if dev.Address != "98:D3:31:F5:B2:11" {
		t.Errorf("Device().Address = %q, want %q", dev.Address, "98:D3:31:F5:B2:11")
	}
	if dev.Name != "AKBOT" {
		t.Errorf("Device().Name = %q, want %q", dev.Name, "AKBOT")
	}

	if err := reloaded.ForgetDevice(); err != nil {
		t.Fatalf("ForgetDevice failed: %v", err)
	}
	if reloaded.Device() != nil {
		t.Error("Device() != nil after ForgetDevice")
	}
}

func TestResetButtons(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetButton("left", "Z"); err != nil {
		t.Fatalf("SetButton failed: %v", err)
	}
	if err := store.ResetButtons(); err != nil {
		t.Fatalf("ResetButtons failed: %v", err)
	}

	char, err := store.ButtonChar("left")
	if err != nil {
		t.Fatalf("ButtonChar(left) failed: %v", err)
	}
	if char != "L" {
		t.Errorf("ButtonChar(left) after reset = %q, want %q", char, "L")
	}
}

func TestLoadMergesMissingButtons(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	// A file from an older build that only knows two buttons.
	old := map[string]interface{}{
		"theme": "light",
		"buttons": map[string]string{
			"forward": "A",
			"bogus":   "Q",
		},
	}
	data, err := json.Marshal(old)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if got := store.Theme(); got != "light" {
		t.Errorf("Theme() = %q, want %q", got, "light")
	}
	char, err := store.ButtonChar("forward")
	if err != nil {
		t.Fatalf("ButtonChar(forward) failed: %v", err)
	}
	if char != "A" {
		t.Errorf("ButtonChar(forward) = %q, want %q", char, "A")
	}
	// Buttons absent from the file fall back to defaults.
	char, err = store.ButtonChar("stop")
	if err != nil {
		t.Fatalf("ButtonChar(stop) failed: %v", err)
	}
	if char != "S" {
		t.Errorf("ButtonChar(stop) = %q, want %q", char, "S")
	}
	// Unknown buttons in the file are dropped.
	if _, err := store.ButtonChar("bogus"); err == nil {
		t.Error("expected unknown button from file to be dropped")
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := NewStore(path); err == nil {
		t.Fatal("expected error for corrupt settings file")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := newTestStore(t)

	snap := store.Get()
	snap.Buttons["forward"] = "Z"

	char, err := store.ButtonChar("forward")
	if err != nil {
		t.Fatalf("ButtonChar(forward) failed: %v", err)
	}
	if char != "F" {
		t.Errorf("mutating Get() snapshot leaked into store: ButtonChar(forward) = %q", char)
	}
}
