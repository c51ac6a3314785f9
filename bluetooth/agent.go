package bluetooth

import (
	"fmt"
	"log"
	"strconv"

	"github.com/godbus/dbus/v5"

	"github.com/Akhil521ak/Akbot-car/utils"
)

// PairingAgent is a headless org.bluez.Agent1. Cheap serial modules pair
// with a fixed legacy PIN, so every prompt BlueZ would show a user is
// answered here instead.
type PairingAgent struct {
	conn    *dbus.Conn
	hub     *utils.WebSocketHub
	pinCode string
}

func NewPairingAgent(conn *dbus.Conn, hub *utils.WebSocketHub, pinCode string) *PairingAgent {
	return &PairingAgent{
		conn:    conn,
		hub:     hub,
		pinCode: pinCode,
	}
}

// Register exports the agent on the bus and makes it the system default.
func (a *PairingAgent) Register() error {
	if err := a.conn.Export(a, dbus.ObjectPath(AGENT_PATH), BLUEZ_AGENT_INTERFACE); err != nil {
		return fmt.Errorf("failed to export pairing agent: %v", err)
	}

	obj := a.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH))
	call := obj.Call(BLUEZ_AGENT_MANAGER+".RegisterAgent", 0,
		dbus.ObjectPath(AGENT_PATH), "KeyboardDisplay")
	if call.Err != nil {
		return fmt.Errorf("failed to register pairing agent: %v", call.Err)
	}

	call = obj.Call(BLUEZ_AGENT_MANAGER+".RequestDefaultAgent", 0, dbus.ObjectPath(AGENT_PATH))
	if call.Err != nil {
		return fmt.Errorf("failed to set default pairing agent: %v", call.Err)
	}

	log.Printf("AGENT: registered at %s", AGENT_PATH)
	return nil
}

// Unregister removes the agent from BlueZ.
func (a *PairingAgent) Unregister() error {
	obj := a.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH))
	call := obj.Call(BLUEZ_AGENT_MANAGER+".UnregisterAgent", 0, dbus.ObjectPath(AGENT_PATH))
	if call.Err != nil {
		return fmt.Errorf("failed to unregister pairing agent: %v", call.Err)
	}
	log.Println("AGENT: unregistered")
	return nil
}

func (a *PairingAgent) notifyPairing(device dbus.ObjectPath) {
	address := addressFromPath(device)
	a.hub.Broadcast(utils.WebSocketEvent{
		Type: "bluetooth/pairing",
		Payload: utils.PairingStartedPayload{
			Address: address,
			PinCode: a.pinCode,
		},
	})
}

// Release is called when BlueZ unregisters the agent.
func (a *PairingAgent) Release() *dbus.Error {
	log.Println("AGENT: released by bluez")
	return nil
}

// RequestPinCode answers legacy PIN pairing, the mode HC-05/HC-06
// serial modules use.
func (a *PairingAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	log.Printf("AGENT: pin code requested for %s", addressFromPath(device))
	a.notifyPairing(device)
	return a.pinCode, nil
}

func (a *PairingAgent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	log.Printf("AGENT: display pin %s for %s", pincode, addressFromPath(device))
	return nil
}

// RequestPasskey answers numeric-passkey pairing with the same PIN.
func (a *PairingAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	log.Printf("AGENT: passkey requested for %s", addressFromPath(device))
	a.notifyPairing(device)

	passkey, err := strconv.ParseUint(a.pinCode, 10, 32)
	if err != nil {
		return 0, dbus.MakeFailedError(fmt.Errorf("pin code %q is not numeric", a.pinCode))
	}
	return uint32(passkey), nil
}

func (a *PairingAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	log.Printf("AGENT: display passkey %06d for %s", passkey, addressFromPath(device))
	return nil
}

// RequestConfirmation auto-accepts numeric comparison.
func (a *PairingAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	log.Printf("AGENT: confirming passkey %06d for %s", passkey, addressFromPath(device))
	return nil
}

// RequestAuthorization auto-accepts the pairing request.
func (a *PairingAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	log.Printf("AGENT: authorizing %s", addressFromPath(device))
	return nil
}

// AuthorizeService auto-accepts service connections from paired cars.
func (a *PairingAgent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	log.Printf("AGENT: authorizing service %s for %s", uuid, addressFromPath(device))
	return nil
}

func (a *PairingAgent) Cancel() *dbus.Error {
	log.Println("AGENT: pairing cancelled")
	return nil
}
