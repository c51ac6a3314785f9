package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	ping "github.com/prometheus-community/pro-bing"

	"github.com/Akhil521ak/Akbot-car/bluetooth"
	"github.com/Akhil521ak/Akbot-car/config"
	"github.com/Akhil521ak/Akbot-car/control"
	"github.com/Akhil521ak/Akbot-car/server"
	"github.com/Akhil521ak/Akbot-car/settings"
	"github.com/Akhil521ak/Akbot-car/utils"
)

const (
	defaultConfigPath = "/etc/akbot/config.yaml"
	defaultLogPath    = "/var/log/akbot/akbotd.log"

	blueZInitAttempts = 10
	blueZInitDelay    = 3 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "", "Config file path (default "+defaultConfigPath+" if present)")
		listenAddr = flag.String("listen", "", "HTTP listen address (overrides config)")
		logFile    = flag.String("log", "", "Log file path (overrides config)")
	)
	flag.Parse()

	cfg, cfgSource := loadConfig(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	// Log to both file and stdout so journalctl and the on-disk log agree
	logPath := *logFile
	if logPath == "" {
		logPath = cfg.LogFile
	}
	if logPath == "" {
		logPath = defaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		log.Printf("Warning: Could not create log directory %s: %v", filepath.Dir(logPath), err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("Warning: Could not open log file: %v", err)
	} else {
		log.SetOutput(io.MultiWriter(os.Stdout, file))
		defer file.Close()
		log.Printf("Logging to %s", logPath)
	}

	log.Println("========================================")
	log.Println("Starting Akbot Car Service")
	log.Println("========================================")
	log.Printf("Configuration:")
	log.Printf("  Config: %s", cfgSource)
	log.Printf("  Listen: %s", cfg.ListenAddr)
	log.Printf("  Adapter: %s", cfg.Bluetooth.Adapter)
	log.Printf("  Transport: %s", cfg.Bluetooth.Transport)
	log.Printf("  Keep-alive: %q every %v", cfg.Link.KeepAliveChar, cfg.Link.KeepAliveInterval)
	log.Printf("  Reconnect poll: every %v", cfg.Link.ReconnectInterval)
	log.Printf("  Settings: %s", cfg.Settings.Path)

	// Writes to a torn-down RFCOMM socket must surface as errors on the
	// keep-alive path, not kill the process.
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)

	log.Println("Initializing WebSocket hub...")
	wsHub := utils.NewWebSocketHub()

	log.Println("Loading settings...")
	store, err := settings.NewStore(cfg.Settings.Path)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}
	log.Printf("Settings loaded (theme: %s)", store.Theme())

	// bluetoothd may still be coming up when we start at boot
	log.Println("Connecting to BlueZ...")
	var bluez *bluetooth.BluezManager
	for attempt := 1; ; attempt++ {
		bluez, err = bluetooth.NewBluezManager(cfg.Bluetooth.Adapter, wsHub)
		if err == nil {
			log.Printf("BlueZ ready on attempt %d", attempt)
			break
		}
		if attempt >= blueZInitAttempts {
			log.Fatalf("Failed to reach BlueZ after %d attempts: %v", attempt, err)
		}
		log.Printf("BlueZ not ready (attempt %d/%d): %v", attempt, blueZInitAttempts, err)
		time.Sleep(blueZInitDelay)
	}
	if err := bluez.PowerOn(); err != nil {
		log.Printf("Warning: Could not power on adapter %s: %v", cfg.Bluetooth.Adapter, err)
	}

	log.Println("Registering pairing agent...")
	agent := bluetooth.NewPairingAgent(bluez.Conn(), wsHub, cfg.Bluetooth.PinCode)
	if err := agent.Register(); err != nil {
		// Pairing new cars will prompt elsewhere; paired ones still connect
		log.Printf("Warning: Pairing agent not registered: %v", err)
	}

	log.Println("Starting link supervisor...")
	supervisor := bluetooth.NewLinkSupervisor(
		transportFactory(cfg),
		wsHub,
		&bluetooth.SupervisorConfig{
			KeepAliveInterval: cfg.Link.KeepAliveInterval,
			KeepAliveChar:     cfg.Link.KeepAliveChar,
			ReconnectInterval: cfg.Link.ReconnectInterval,
			ConnectTimeout:    cfg.Link.ConnectTimeout,
		},
		&bluetooth.RateLimitConfig{
			MaxCommandsPerSecond: cfg.Control.MaxCommandsPerSecond,
			BurstSize:            cfg.Control.BurstSize,
			MinSendGap:           cfg.Control.MinSendGap,
		},
	)
	if err := supervisor.Start(); err != nil {
		log.Fatalf("Failed to start link supervisor: %v", err)
	}
	log.Println("Link supervisor started")

	controller := control.NewController(supervisor, store, wsHub)

	checker := newNetworkChecker(wsHub, cfg.Network)
	checkerStop := make(chan struct{})
	go checker.run(checkerStop)

	log.Printf("Initializing HTTP server on %s...", cfg.ListenAddr)
	httpServer := server.NewServer(supervisor, bluez, controller, store, checker, wsHub)
	go func() {
		if err := httpServer.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Reconnect to the remembered car without waiting for the UI
	if device := store.Device(); device != nil {
		log.Printf("Remembered car %s (%s), arming auto-reconnect", device.Address, device.Name)
		if err := supervisor.Connect(device.Address, device.Name); err != nil {
			log.Printf("Warning: Could not arm reconnect: %v", err)
		}
	}

	notifySystemd()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("========================================")
	log.Println("Akbot Car Service is running")
	log.Println("========================================")

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Halt the car before tearing the link down. The queue ticks every
	// few milliseconds; give it one beat to flush the stop character.
	if supervisor.IsConnected() {
		log.Println("Halting the car...")
		if err := controller.Stop(); err != nil {
			log.Printf("Warning: Could not send halt: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Println("Stopping HTTP server...")
	if err := httpServer.Stop(); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}

	log.Println("Stopping link supervisor...")
	supervisor.Stop()

	close(checkerStop)

	if err := agent.Unregister(); err != nil {
		log.Printf("Error unregistering pairing agent: %v", err)
	}
	if bluez.IsScanning() {
		bluez.StopScan()
	}
	if err := bluez.Close(); err != nil {
		log.Printf("Error closing BlueZ connection: %v", err)
	}

	log.Println("========================================")
	log.Println("Akbot Car Service stopped gracefully")
	log.Println("========================================")
}

// loadConfig resolves the config file from the flag, the AKBOT_CONFIG
// environment variable, then the default path. Missing everywhere means
// built-in defaults.
func loadConfig(path string) (*config.Config, string) {
	if path == "" {
		path = os.Getenv("AKBOT_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	if path == "" {
		return config.Default(), "built-in defaults"
	}

	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", path, err)
	}
	return cfg, path
}

// transportFactory picks the serial transport from config. Classic
// HC-05/HC-06 modules speak RFCOMM; BLE clones expose a Nordic UART.
func transportFactory(cfg *config.Config) bluetooth.TransportFactory {
	if cfg.Bluetooth.Transport == config.TransportBLE {
		return func(address string) bluetooth.Transport {
			return bluetooth.NewBLEUARTTransport(address)
		}
	}
	channel := cfg.Bluetooth.RFCOMMChannel
	writeTimeout := cfg.Link.WriteTimeout

	// Transports live for one session, so the working channel is kept
	// here and seeded into the next attempt. Reconnects then hit the
	// right channel first instead of re-probing.
	var (
		channelMu sync.Mutex
		lastGood  = make(map[string]uint8)
	)
	return func(address string) bluetooth.Transport {
		t := bluetooth.NewRFCOMMTransport(address, channel, writeTimeout)

		channelMu.Lock()
		hint := lastGood[address]
		channelMu.Unlock()
		t.SetChannelHint(hint)
		t.OnChannelLearned(func(ch uint8) {
			channelMu.Lock()
			lastGood[address] = ch
			channelMu.Unlock()
		})
		return t
	}
}

// notifySystemd reports readiness and arms the watchdog when running as
// a systemd unit. Both are no-ops otherwise.
func notifySystemd() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Printf("Warning: sd_notify failed: %v", err)
	} else if sent {
		log.Println("Notified systemd: ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for range ticker.C {
			daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}()
	log.Printf("Systemd watchdog armed (every %v)", interval/2)
}

// networkChecker probes the uplink and broadcasts reachability edges.
// The car link itself is Bluetooth; this only tells the UI whether the
// host still has a route out.
type networkChecker struct {
	hub   *utils.WebSocketHub
	host  string
	iface string

	mu     sync.RWMutex
	online bool
}

func newNetworkChecker(hub *utils.WebSocketHub, cfg config.NetworkConfig) *networkChecker {
	return &networkChecker{hub: hub, host: cfg.CheckHost, iface: cfg.Interface}
}

func (n *networkChecker) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

func (n *networkChecker) InterfaceName() string {
	return n.iface
}

func (n *networkChecker) probe() bool {
	pinger, err := ping.NewPinger(n.host)
	if err != nil {
		log.Printf("NETWORK: failed to create pinger: %v", err)
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 1 * time.Second
	pinger.Interval = 1 * time.Second
	pinger.SetPrivileged(true)
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// run polls the check host once a second. Three straight failures mark
// the uplink offline; a single success brings it back.
func (n *networkChecker) run(stop <-chan struct{}) {
	const failThreshold = 3

	online := n.probe()
	n.announce(online)

	failCount := 0
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if n.probe() {
			failCount = 0
			if !online {
				online = true
				n.announce(true)
			}
			continue
		}

		failCount++
		if failCount >= failThreshold && online {
			online = false
			n.announce(false)
		}
	}
}

func (n *networkChecker) announce(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()

	status := "offline"
	if online {
		status = "online"
	}
	log.Printf("NETWORK: uplink %s", status)
	n.hub.Broadcast(utils.WebSocketEvent{
		Type:    "network_status",
		Payload: map[string]string{"status": status},
	})
}
