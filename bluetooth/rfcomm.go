package bluetooth

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RFCOMMTransport is a Bluetooth Classic serial stream over a raw RFCOMM
// socket. This is the link HC-05/HC-06 style car modules speak.
type RFCOMMTransport struct {
	mu           sync.Mutex
	address      string
	channel      uint8
	lastGood     uint8
	writeTimeout time.Duration

	file      *os.File
	recvCh    chan []byte
	connected bool

	learned func(uint8)
}

func NewRFCOMMTransport(address string, channel int, writeTimeout time.Duration) *RFCOMMTransport {
	return &RFCOMMTransport{
		address:      address,
		channel:      uint8(channel),
		writeTimeout: writeTimeout,
	}
}

// SetChannelHint seeds the probe order with the channel that worked on a
// previous session. Zero means no hint.
func (t *RFCOMMTransport) SetChannelHint(ch uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastGood = ch
}

// OnChannelLearned registers fn, called once with the working channel
// after a successful connect. The factory uses it to carry the channel
// across transports, which live for a single session.
func (t *RFCOMMTransport) OnChannelLearned(fn func(uint8)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.learned = fn
}

// parseBDAddr converts a MAC string into the byte order the kernel
// expects in a BD_ADDR, which is the reverse of the printed form.
func parseBDAddr(macStr string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return b, err
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("not a 6-byte bluetooth address: %s", macStr)
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

func (t *RFCOMMTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	address := t.address
	t.mu.Unlock()

	addr, err := parseBDAddr(address)
	if err != nil {
		return fmt.Errorf("parse device address: %w", err)
	}

	var lastErr error
	for _, ch := range t.candidateChannels() {
		if err := ctx.Err(); err != nil {
			return err
		}

		// dial leaves the fd non-blocking, so the runtime poller owns it
		// and read/write deadlines work on the wrapped File.
		fd, err := t.dial(ctx, addr, ch)
		if err != nil {
			lastErr = err
			continue
		}

		file := os.NewFile(uintptr(fd), "rfcomm:"+address)
		recvCh := make(chan []byte, 32)

		t.mu.Lock()
		t.file = file
		t.recvCh = recvCh
		t.connected = true
		t.lastGood = ch
		learned := t.learned
		t.mu.Unlock()

		go t.readPump(file, recvCh)

		if learned != nil {
			learned(ch)
		}

		log.Printf("RFCOMM: connected to %s on channel %d", address, ch)
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable RFCOMM channel on %s", address)
	}
	return fmt.Errorf("connect %s: %w", address, lastErr)
}

// candidateChannels lists the channels to try, preferring the channel that
// worked last time, then the configured one, then the common low channels.
func (t *RFCOMMTransport) candidateChannels() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[uint8]bool)
	out := make([]uint8, 0, MaxRFCOMMChannel+2)
	add := func(ch uint8) {
		if ch == 0 || seen[ch] {
			return
		}
		seen[ch] = true
		out = append(out, ch)
	}

	add(t.lastGood)
	add(t.channel)
	for ch := MinRFCOMMChannel; ch <= MaxRFCOMMChannel; ch++ {
		add(uint8(ch))
	}
	return out
}

// dial opens and connects an RFCOMM socket on one channel. The connect
// is non-blocking and polled, because closing an fd does not unblock a
// thread parked in connect(2); this way ctx genuinely bounds the
// attempt instead of the kernel's RFCOMM page timeout.
func (t *RFCOMMTransport) dial(ctx context.Context, addr [6]byte, channel uint8) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("create bluetooth socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{
		Addr:    addr,
		Channel: channel,
	}

	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, nil
	case unix.EINPROGRESS:
	default:
		unix.Close(fd)
		return -1, fmt.Errorf("channel %d: %w", channel, err)
	}

	// Poll for writability in short slices so ctx cancellation is seen
	// promptly.
	for {
		if err := ctx.Err(); err != nil {
			unix.Close(fd)
			return -1, err
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			unix.Close(fd)
			return -1, fmt.Errorf("channel %d: poll: %w", channel, err)
		}
		if n == 0 {
			continue
		}

		// Writable (or errored): the connect outcome is in SO_ERROR.
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("channel %d: %w", channel, err)
		}
		if soErr != 0 {
			unix.Close(fd)
			return -1, fmt.Errorf("channel %d: %w", channel, unix.Errno(soErr))
		}
		return fd, nil
	}
}

// readPump drains the stream until it closes, then closes recvCh so the
// supervisor sees the disconnect.
func (t *RFCOMMTransport) readPump(file *os.File, recvCh chan []byte) {
	buf := make([]byte, 256)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case recvCh <- data:
			default:
				// Nobody is draining; the car's chatter is not worth
				// blocking the pump for.
			}
		}
		if err != nil {
			break
		}
	}

	t.mu.Lock()
	if t.file == file {
		t.connected = false
		t.file = nil
	}
	t.mu.Unlock()

	close(recvCh)
}

func (t *RFCOMMTransport) Write(p []byte) error {
	t.mu.Lock()
	file := t.file
	connected := t.connected
	timeout := t.writeTimeout
	t.mu.Unlock()

	if !connected || file == nil {
		return ErrNotConnected
	}

	if timeout > 0 {
		file.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := file.Write(p); err != nil {
		return fmt.Errorf("rfcomm write: %w", err)
	}
	return nil
}

func (t *RFCOMMTransport) Recv() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recvCh
}

func (t *RFCOMMTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *RFCOMMTransport) Close() error {
	t.mu.Lock()
	file := t.file
	t.file = nil
	t.connected = false
	t.mu.Unlock()

	if file != nil {
		// The pump's blocked Read returns once the file closes.
		return file.Close()
	}
	return nil
}

func (t *RFCOMMTransport) Kind() string {
	return "rfcomm"
}
