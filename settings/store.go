// Package settings persists user preferences: UI theme, the remembered car,
// and the per-button command characters.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"
)

var (
	ErrUnknownButton = errors.New("unknown button")
	ErrInvalidChar   = errors.New("button mapping must be a single character")
)

// RememberedDevice is the car the daemon reconnects to on startup.
type RememberedDevice struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Settings is the persisted preferences blob.
type Settings struct {
	Theme   string            `json:"theme"`
	Device  *RememberedDevice `json:"device,omitempty"`
	Buttons map[string]string `json:"buttons"`
}

// DefaultTheme is applied when no settings file exists yet.
const DefaultTheme = "dark"

// DefaultButtons is the single-character command map most Arduino-style
// RC car sketches ship with.
func DefaultButtons() map[string]string {
	return map[string]string{
		"forward":       "F",
		"backward":      "B",
		"left":          "L",
		"right":         "R",
		"forwardLeft":   "G",
		"forwardRight":  "I",
		"backwardLeft":  "H",
		"backwardRight": "J",
		"stop":          "S",
		"horn":          "V",
		"frontLights":   "W",
		"backLights":    "U",
	}
}

// Store is a mutex-guarded settings file. Every mutation is written back
// to disk before it returns.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewStore loads settings from path, falling back to defaults when the
// file does not exist yet. Buttons missing from an older file are filled
// in from the default map.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		settings: Settings{
			Theme:   DefaultTheme,
			Buttons: DefaultButtons(),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}

	if loaded.Theme != "" {
		s.settings.Theme = loaded.Theme
	}
	s.settings.Device = loaded.Device
	for name, char := range loaded.Buttons {
		if _, known := s.settings.Buttons[name]; known && utf8.RuneCountInString(char) == 1 {
			s.settings.Buttons[name] = char
		}
	}

	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// Theme returns the current UI theme.
func (s *Store) Theme() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Theme
}

func (s *Store) SetTheme(theme string) error {
	if theme == "" {
		return errors.New("theme must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Theme = theme
	return s.save()
}

// Device returns the remembered car, or nil when none is remembered.
func (s *Store) Device() *RememberedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings.Device == nil {
		return nil
	}
	d := *s.settings.Device
	return &d
}

func (s *Store) SetDevice(address, name string) error {
	if address == "" {
		return errors.New("device address must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Device = &RememberedDevice{Address: address, Name: name}
	return s.save()
}

func (s *Store) ForgetDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Device = nil
	return s.save()
}

// ButtonChar returns the command character mapped to a button.
func (s *Store) ButtonChar(button string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	char, ok := s.settings.Buttons[button]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownButton, button)
	}
	return char, nil
}

// StopChar returns the character sent on button release.
func (s *Store) StopChar() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Buttons["stop"]
}

// Buttons returns a copy of the button map.
func (s *Store) Buttons() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyButtons(s.settings.Buttons)
}

// SetButton remaps a button to a new command character. The mapping must
// be exactly one character so the write path never fragments a command.
func (s *Store) SetButton(button, char string) error {
	if utf8.RuneCountInString(char) != 1 {
		return fmt.Errorf("%w, got %q", ErrInvalidChar, char)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings.Buttons[button]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownButton, button)
	}
	s.settings.Buttons[button] = char
	return s.save()
}

// ResetButtons restores the default button map.
func (s *Store) ResetButtons() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Buttons = DefaultButtons()
	return s.save()
}

func (s *Store) snapshot() Settings {
	out := Settings{
		Theme:   s.settings.Theme,
		Buttons: copyButtons(s.settings.Buttons),
	}
	if s.settings.Device != nil {
		d := *s.settings.Device
		out.Device = &d
	}
	return out
}

// save writes the settings to disk. It writes to a temp file and renames
// it into place so a crash never leaves a torn file. Callers must hold mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close settings file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

func copyButtons(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
