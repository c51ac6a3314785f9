package bluetooth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	ble "tinygo.org/x/bluetooth"
)

var (
	bleAdapter     = ble.DefaultAdapter
	bleEnableOnce  sync.Once
	bleEnableError error

	nusServiceUUID = mustUUID(NUS_SERVICE_UUID)
	nusRXCharUUID  = mustUUID(NUS_RX_CHAR_UUID)
	nusTXCharUUID  = mustUUID(NUS_TX_CHAR_UUID)
)

func mustUUID(s string) ble.UUID {
	u, err := ble.ParseUUID(s)
	if err != nil {
		panic("bad uuid constant " + s + ": " + err.Error())
	}
	return u
}

func enableBLEAdapter() error {
	bleEnableOnce.Do(func() {
		bleEnableError = bleAdapter.Enable()
	})
	return bleEnableError
}

// BLEUARTTransport is the serial stream for BLE-equipped cars: Nordic UART
// Service, commands written to RX, car chatter notified on TX.
type BLEUARTTransport struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	address string

	device    ble.Device
	hasDevice bool
	rxChar    ble.DeviceCharacteristic
	recvCh    chan []byte
	connected bool
}

func NewBLEUARTTransport(address string) *BLEUARTTransport {
	return &BLEUARTTransport{address: address}
}

func (t *BLEUARTTransport) Connect(ctx context.Context) error {
	if t.Connected() {
		return ErrAlreadyConnected
	}
	if err := enableBLEAdapter(); err != nil {
		return fmt.Errorf("enable BLE adapter: %w", err)
	}

	result, err := t.scanForDevice(ctx)
	if err != nil {
		return err
	}

	device, err := bleAdapter.Connect(result.Address, ble.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("ble connect %s: %w", t.address, err)
	}

	services, err := device.DiscoverServices([]ble.UUID{nusServiceUUID})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("discover UART service on %s: %w", t.address, err)
	}
	if len(services) == 0 {
		device.Disconnect()
		return fmt.Errorf("no UART service on %s", t.address)
	}

	chars, err := services[0].DiscoverCharacteristics([]ble.UUID{
		nusRXCharUUID,
		nusTXCharUUID,
	})
	if err != nil {
		device.Disconnect()
		return fmt.Errorf("discover UART characteristics on %s: %w", t.address, err)
	}
	if len(chars) != 2 {
		device.Disconnect()
		return fmt.Errorf("UART service on %s is missing its rx/tx characteristics", t.address)
	}
	rx, tx := chars[0], chars[1]

	recvCh := make(chan []byte, 32)

	t.mu.Lock()
	t.device = device
	t.hasDevice = true
	t.rxChar = rx
	t.recvCh = recvCh
	t.connected = true
	t.mu.Unlock()

	// Not every car firmware exposes notifications; the command path
	// works without them.
	if err := tx.EnableNotifications(t.deliver); err != nil {
		log.Printf("BLE: notifications unavailable on %s: %v", t.address, err)
	}

	log.Printf("BLE: connected to %s", t.address)
	return nil
}

// scanForDevice scans until the configured address appears or ctx expires.
func (t *BLEUARTTransport) scanForDevice(ctx context.Context) (ble.ScanResult, error) {
	resultCh := make(chan ble.ScanResult, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- bleAdapter.Scan(func(adapter *ble.Adapter, result ble.ScanResult) {
			if !strings.EqualFold(result.Address.String(), t.address) {
				return
			}
			adapter.StopScan()
			select {
			case resultCh <- result:
			default:
			}
		})
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-scanDone:
		if err != nil {
			return ble.ScanResult{}, fmt.Errorf("ble scan: %w", err)
		}
		// Scan ended without a match.
		select {
		case result := <-resultCh:
			return result, nil
		default:
			return ble.ScanResult{}, fmt.Errorf("device %s not found", t.address)
		}
	case <-ctx.Done():
		bleAdapter.StopScan()
		<-scanDone
		return ble.ScanResult{}, ctx.Err()
	}
}

// deliver forwards a notification into the recv channel. Runs on the BLE
// stack's callback goroutine, so it must never block.
func (t *BLEUARTTransport) deliver(buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.recvCh == nil {
		return
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	select {
	case t.recvCh <- data:
	default:
	}
}

func (t *BLEUARTTransport) Write(p []byte) error {
	t.mu.Lock()
	connected := t.connected
	rx := t.rxChar
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	// One write at a time keeps command bytes in press order.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := rx.WriteWithoutResponse(p); err != nil {
		return fmt.Errorf("ble write: %w", err)
	}
	return nil
}

func (t *BLEUARTTransport) Recv() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recvCh
}

func (t *BLEUARTTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *BLEUARTTransport) Close() error {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	recvCh := t.recvCh
	t.recvCh = nil
	device := t.device
	hadDevice := t.hasDevice
	t.hasDevice = false
	t.mu.Unlock()

	// deliver() can no longer reach recvCh, so closing here is safe.
	if recvCh != nil {
		close(recvCh)
	}

	if hadDevice {
		if err := device.Disconnect(); err != nil && wasConnected {
			return fmt.Errorf("ble disconnect: %w", err)
		}
	}
	return nil
}

func (t *BLEUARTTransport) Kind() string {
	return "ble"
}
