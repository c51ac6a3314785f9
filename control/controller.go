// Package control translates button presses into the single-character
// drive protocol the car firmware speaks.
package control

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Akhil521ak/Akbot-car/bluetooth"
	"github.com/Akhil521ak/Akbot-car/settings"
	"github.com/Akhil521ak/Akbot-car/utils"
)

// Link is the connection surface the controller drives.
type Link interface {
	Send(char string) error
	SendUrgent(char string) error
	IsConnected() bool
}

// Speed levels map onto the firmware's digit protocol: 0-9 plus 'q'
// for full speed.
const (
	MinSpeed = 0
	MaxSpeed = 10
)

var speedChars = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", "q"}

// Controller owns held-button state and speed. Presses stream the mapped
// character, releases always stream the stop character, so a missed
// press can never leave the car driving.
type Controller struct {
	mu    sync.Mutex
	link  Link
	store *settings.Store
	hub   *utils.WebSocketHub

	held  map[string]bool
	speed int
}

func NewController(link Link, store *settings.Store, hub *utils.WebSocketHub) *Controller {
	return &Controller{
		link:  link,
		store: store,
		hub:   hub,
		held:  make(map[string]bool),
		speed: MaxSpeed,
	}
}

// Press streams the character mapped to the button and marks it held.
func (c *Controller) Press(button string) error {
	char, err := c.store.ButtonChar(button)
	if err != nil {
		return err
	}

	if err := c.link.Send(char); err != nil {
		return err
	}

	c.mu.Lock()
	c.held[button] = true
	c.mu.Unlock()

	c.broadcast(button, char, "press")
	return nil
}

// Release streams the stop character. It runs even when the press was
// never delivered and treats a dead link as already stopped.
func (c *Controller) Release(button string) error {
	if _, err := c.store.ButtonChar(button); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.held, button)
	c.mu.Unlock()

	stop := c.store.StopChar()
	if err := c.link.SendUrgent(stop); err != nil {
		if errors.Is(err, bluetooth.ErrNotConnected) {
			return nil
		}
		return err
	}

	c.broadcast(button, stop, "release")
	return nil
}

// Tap streams the character once, for momentary buttons like the horn
// and the light toggles.
func (c *Controller) Tap(button string) error {
	char, err := c.store.ButtonChar(button)
	if err != nil {
		return err
	}

	if err := c.link.Send(char); err != nil {
		return err
	}

	c.broadcast(button, char, "tap")
	return nil
}

// SetSpeed streams the speed level, 0 through 10.
func (c *Controller) SetSpeed(level int) error {
	if level < MinSpeed || level > MaxSpeed {
		return fmt.Errorf("speed %d out of range %d-%d", level, MinSpeed, MaxSpeed)
	}

	char := speedChars[level]
	if err := c.link.Send(char); err != nil {
		return err
	}

	c.mu.Lock()
	c.speed = level
	c.mu.Unlock()

	c.broadcast("speed", char, "speed")
	return nil
}

// Stop flushes everything and streams the stop character immediately.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.held = make(map[string]bool)
	c.mu.Unlock()

	stop := c.store.StopChar()
	if err := c.link.SendUrgent(stop); err != nil {
		if errors.Is(err, bluetooth.ErrNotConnected) {
			return nil
		}
		return err
	}

	c.broadcast("stop", stop, "stop")
	return nil
}

// Speed returns the last speed level sent.
func (c *Controller) Speed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Held reports the buttons currently held down.
func (c *Controller) Held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := make([]string, 0, len(c.held))
	for button := range c.held {
		held = append(held, button)
	}
	return held
}

func (c *Controller) broadcast(button, char, action string) {
	log.Printf("CONTROL: %s %s (%q)", action, button, char)
	c.hub.Broadcast(utils.WebSocketEvent{
		Type: "control/command",
		Payload: utils.CommandSentPayload{
			Button: button,
			Char:   char,
			Action: action,
		},
	})
}
