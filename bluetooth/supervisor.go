package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Akhil521ak/Akbot-car/utils"
)

var (
	ErrNoDevice  = errors.New("no target device selected")
	ErrQueueFull = errors.New("command queue full")
)

// SupervisorConfig tunes the connection lifecycle.
type SupervisorConfig struct {
	// KeepAliveInterval is how often the heartbeat character is written
	// while connected.
	KeepAliveInterval time.Duration
	// KeepAliveChar is the character written as a heartbeat. The stop
	// character is the safe choice: a car that misses a release still
	// halts.
	KeepAliveChar string
	// ReconnectInterval is the polling cadence while disconnected.
	ReconnectInterval time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
}

func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		KeepAliveInterval: 2 * time.Second,
		KeepAliveChar:     "S",
		ReconnectInterval: 3 * time.Second,
		ConnectTimeout:    15 * time.Second,
	}
}

// TransportFactory builds a fresh transport for one connection attempt.
// A stale half-closed stream is never reused.
type TransportFactory func(address string) Transport

// LinkSupervisor owns the connection lifecycle to the car: connect,
// keep-alive, disconnect detection, and the polling auto-reconnect loop.
// One boolean, Connected, is the truth the UI sees; every edge is
// broadcast on the hub.
type LinkSupervisor struct {
	mu      sync.RWMutex
	hub     *utils.WebSocketHub
	cfg     *SupervisorConfig
	factory TransportFactory
	queue   *CommandQueue

	isRunning bool
	stopChan  chan struct{}

	// Target and state
	address       string
	name          string
	autoReconnect bool
	connecting    bool
	connected     bool
	transport     Transport
	sessionID     string
	sessionAddr   string
	sessionDone   chan struct{}
	connectedAt   time.Time
	lastActivity  time.Time
	lastError     string

	writeMu sync.Mutex

	// Counters
	keepAlivesSent    uint64
	keepAliveFailures uint64
	reconnectAttempts uint64
	disconnects       uint64
	bytesSent         uint64
}

func NewLinkSupervisor(factory TransportFactory, hub *utils.WebSocketHub, cfg *SupervisorConfig, rateCfg *RateLimitConfig) *LinkSupervisor {
	if cfg == nil {
		cfg = DefaultSupervisorConfig()
	}

	s := &LinkSupervisor{
		hub:      hub,
		cfg:      cfg,
		factory:  factory,
		stopChan: make(chan struct{}),
	}
	s.queue = NewCommandQueue(rateCfg, func(cmd *Command) error {
		return s.writeFrame([]byte(cmd.Char))
	})
	return s
}

// Start launches the supervisor loops.
func (s *LinkSupervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("supervisor already running")
	}

	log.Println("SUPERVISOR: starting link supervisor")
	s.stopChan = make(chan struct{})
	s.queue.Start()
	go s.run(s.stopChan)
	s.isRunning = true
	return nil
}

// Stop tears the supervisor down, dropping any open link.
func (s *LinkSupervisor) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.autoReconnect = false
	stopChan := s.stopChan
	s.mu.Unlock()

	log.Println("SUPERVISOR: stopping link supervisor")
	close(stopChan)
	s.queue.Stop()
	s.dropLink("daemon shutting down")
}

// Connect selects a target car and arms auto-reconnect. The first attempt
// happens immediately; the polling loop owns every retry after that.
func (s *LinkSupervisor) Connect(address, name string) error {
	if address == "" {
		return ErrNoDevice
	}

	s.mu.Lock()
	if s.connected && s.address == address {
		s.mu.Unlock()
		return nil
	}
	sameTarget := s.address == address
	s.address = address
	s.name = name
	s.autoReconnect = true
	s.mu.Unlock()

	if !sameTarget {
		s.dropLink("switching device")
	}

	log.Printf("SUPERVISOR: target set to %s (%s)", address, name)
	go s.attemptConnect()
	return nil
}

// Disconnect drops the link deliberately and disarms auto-reconnect.
func (s *LinkSupervisor) Disconnect() {
	s.mu.Lock()
	s.autoReconnect = false
	s.mu.Unlock()

	s.dropLink("disconnect requested")
	log.Println("SUPERVISOR: auto-reconnect disarmed")
}

// Send queues a command character for the car.
func (s *LinkSupervisor) Send(char string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	if !s.queue.Enqueue(char) {
		return ErrQueueFull
	}
	return nil
}

// SendUrgent flushes the backlog and queues the character at the front.
// A stop must never wait behind stale presses.
func (s *LinkSupervisor) SendUrgent(char string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	s.queue.EnqueueUrgent(char)
	return nil
}

// IsConnected reports the single connection flag.
func (s *LinkSupervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Target returns the selected device and whether auto-reconnect is armed.
func (s *LinkSupervisor) Target() (address string, armed bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address, s.autoReconnect
}

// Status returns a snapshot for the HTTP status endpoint.
func (s *LinkSupervisor) Status() LinkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := LinkStatus{
		Connected:     s.connected,
		AutoReconnect: s.autoReconnect,
		Address:       s.address,
		Name:          s.name,
		LastError:     s.lastError,
	}
	if s.connected {
		status.Transport = s.transport.Kind()
		status.SessionID = s.sessionID
		status.ConnectedAt = s.connectedAt.Unix()
		status.UptimeSeconds = int64(time.Since(s.connectedAt).Seconds())
	}
	return status
}

// Stats returns counters for the stats endpoint.
func (s *LinkSupervisor) Stats() map[string]interface{} {
	s.mu.RLock()
	stats := map[string]interface{}{
		"is_running":         s.isRunning,
		"connected":          s.connected,
		"auto_reconnect":     s.autoReconnect,
		"keepalives_sent":    s.keepAlivesSent,
		"keepalive_failures": s.keepAliveFailures,
		"reconnect_attempts": s.reconnectAttempts,
		"disconnects":        s.disconnects,
		"bytes_sent":         s.bytesSent,
		"keepalive_interval": s.cfg.KeepAliveInterval.String(),
		"reconnect_interval": s.cfg.ReconnectInterval.String(),
	}
	if !s.lastActivity.IsZero() {
		stats["last_activity"] = s.lastActivity.Unix()
	}
	s.mu.RUnlock()

	stats["command_queue"] = s.queue.Stats()
	return stats
}

// run is the reconnect poll loop. While a target is armed and the link is
// down, it retries on every tick.
func (s *LinkSupervisor) run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.shouldAttempt() {
				s.attemptConnect()
			}
		}
	}
}

func (s *LinkSupervisor) shouldAttempt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoReconnect && !s.connected && !s.connecting && s.address != ""
}

// attemptConnect runs one connection attempt against the current target.
func (s *LinkSupervisor) attemptConnect() {
	s.mu.Lock()
	if s.connected || s.connecting || !s.autoReconnect || s.address == "" {
		s.mu.Unlock()
		return
	}
	s.connecting = true
	address := s.address
	name := s.name
	s.mu.Unlock()

	transport := s.factory(address)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	err := transport.Connect(ctx)
	cancel()

	if err != nil {
		s.mu.Lock()
		s.connecting = false
		s.reconnectAttempts++
		s.lastError = err.Error()
		armed := s.autoReconnect
		s.mu.Unlock()

		if armed {
			log.Printf("SUPERVISOR: connect %s failed (%v), retrying in %v", address, err, s.cfg.ReconnectInterval)
		}
		return
	}

	sessionDone := make(chan struct{})

	s.mu.Lock()
	s.connecting = false
	// The attempt may have been overtaken by a shutdown, a deliberate
	// disconnect, or a retarget while it was dialing.
	if !s.isRunning || !s.autoReconnect || s.address != address {
		s.mu.Unlock()
		transport.Close()
		return
	}
	s.connected = true
	s.transport = transport
	s.sessionID = uuid.NewString()
	s.sessionAddr = address
	s.sessionDone = sessionDone
	s.connectedAt = time.Now()
	s.lastActivity = s.connectedAt
	s.lastError = ""
	stop := s.stopChan
	s.mu.Unlock()

	// Presses from before the link came up are stale.
	s.queue.Clear()

	log.Printf("SUPERVISOR: connected to %s (%s) via %s", address, name, transport.Kind())
	s.hub.Broadcast(utils.WebSocketEvent{
		Type: "bluetooth/connected",
		Payload: utils.DeviceConnectedPayload{
			Address:   address,
			Name:      name,
			Transport: transport.Kind(),
			Timestamp: time.Now().Unix(),
		},
	})

	go s.keepAliveLoop(sessionDone, stop)
	go s.readLoop(transport, sessionDone, stop)
}

// keepAliveLoop writes the heartbeat character on a fixed cadence. A
// failed write means the stream is gone.
func (s *LinkSupervisor) keepAliveLoop(done, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := s.writeFrame([]byte(s.cfg.KeepAliveChar)); err != nil {
				s.mu.Lock()
				s.keepAliveFailures++
				s.mu.Unlock()
				log.Printf("SUPERVISOR: keep-alive write failed: %v", err)
				s.dropLink("keep-alive write failed")
				return
			}
			s.mu.Lock()
			s.keepAlivesSent++
			s.mu.Unlock()
		}
	}
}

// readLoop drains inbound data and turns stream closure into a disconnect.
func (s *LinkSupervisor) readLoop(transport Transport, done, stop <-chan struct{}) {
	recv := transport.Recv()
	if recv == nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-stop:
			return
		case _, ok := <-recv:
			if !ok {
				s.dropLink("stream closed")
				return
			}
			s.mu.Lock()
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}
	}
}

// writeFrame is the single write path to the transport. The queue
// processor and the keep-alive loop both come through here.
func (s *LinkSupervisor) writeFrame(p []byte) error {
	s.mu.RLock()
	transport := s.transport
	connected := s.connected
	s.mu.RUnlock()

	if !connected || transport == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := transport.Write(p); err != nil {
		return err
	}

	s.mu.Lock()
	s.bytesSent += uint64(len(p))
	s.mu.Unlock()
	return nil
}

// dropLink tears down the current session and broadcasts the edge. The
// poll loop takes over from here when auto-reconnect is armed.
func (s *LinkSupervisor) dropLink(reason string) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.disconnects++
	s.lastError = reason
	transport := s.transport
	s.transport = nil
	sessionDone := s.sessionDone
	s.sessionDone = nil
	// The session remembers its own address; on a retarget the field
	// already points at the next car.
	address := s.sessionAddr
	target := s.address
	armed := s.autoReconnect
	s.mu.Unlock()

	if sessionDone != nil {
		close(sessionDone)
	}
	if transport != nil {
		transport.Close()
	}
	s.queue.Clear()

	log.Printf("SUPERVISOR: link to %s down (%s)", address, reason)
	if armed {
		log.Printf("SUPERVISOR: polling for %s every %v", target, s.cfg.ReconnectInterval)
	}

	s.hub.Broadcast(utils.WebSocketEvent{
		Type: "bluetooth/disconnected",
		Payload: utils.DeviceDisconnectedPayload{
			Address:   address,
			Reason:    reason,
			Timestamp: time.Now().Unix(),
		},
	})
}
