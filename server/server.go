package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Akhil521ak/Akbot-car/bluetooth"
	"github.com/Akhil521ak/Akbot-car/control"
	"github.com/Akhil521ak/Akbot-car/settings"
	"github.com/Akhil521ak/Akbot-car/utils"
)

const serverVersion = "1.0.0"

// WebSocket keep-alive cadence: the server pings on the interval and the
// read path evicts a client that has not ponged within the wait. Vars so
// tests can shrink them.
var (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
)

// NetworkStatus is what the network checker exposes to the HTTP layer.
type NetworkStatus interface {
	Online() bool
	InterfaceName() string
}

// Server is the HTTP and WebSocket surface of the daemon.
type Server struct {
	supervisor *bluetooth.LinkSupervisor
	bluez      *bluetooth.BluezManager
	controller *control.Controller
	store      *settings.Store
	network    NetworkStatus
	hub        *utils.WebSocketHub
	upgrader   websocket.Upgrader
	server     *http.Server
	startedAt  time.Time
}

func NewServer(
	supervisor *bluetooth.LinkSupervisor,
	bluez *bluetooth.BluezManager,
	controller *control.Controller,
	store *settings.Store,
	network NetworkStatus,
	hub *utils.WebSocketHub,
) *Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // The controller UI runs on the phone, not this host
		},
	}

	return &Server{
		supervisor: supervisor,
		bluez:      bluez,
		controller: controller,
		store:      store,
		network:    network,
		hub:        hub,
		upgrader:   upgrader,
	}
}

// Start runs the HTTP server. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	// Daemon state
	mux.HandleFunc("/status", s.methodHandler("GET", s.handleStatus))
	mux.HandleFunc("/health", s.methodHandler("GET", s.handleHealth))
	mux.HandleFunc("/info", s.methodHandler("GET", s.handleInfo))
	mux.HandleFunc("/stats", s.methodHandler("GET", s.handleStats))

	// Preferences
	mux.HandleFunc("/settings", s.methodHandler("GET", s.handleSettings))
	mux.HandleFunc("/settings/theme", s.methodHandler("PUT", s.handleTheme))
	mux.HandleFunc("/settings/buttons", s.multiMethodHandler([]string{"GET", "PUT"}, s.handleButtons))
	mux.HandleFunc("/settings/buttons/reset", s.methodHandler("POST", s.handleButtonsReset))

	// Bluetooth management
	mux.HandleFunc("/bluetooth/devices", s.methodHandler("GET", s.handleDevices))
	mux.HandleFunc("/bluetooth/scan/start", s.methodHandler("POST", s.handleScanStart))
	mux.HandleFunc("/bluetooth/scan/stop", s.methodHandler("POST", s.handleScanStop))
	mux.HandleFunc("/bluetooth/pair", s.methodHandler("POST", s.handlePair))
	mux.HandleFunc("/bluetooth/connect", s.methodHandler("POST", s.handleConnect))
	mux.HandleFunc("/bluetooth/disconnect", s.methodHandler("POST", s.handleDisconnect))
	mux.HandleFunc("/bluetooth/forget", s.methodHandler("POST", s.handleForget))

	// Driving
	mux.HandleFunc("/control/press", s.methodHandler("POST", s.handlePress))
	mux.HandleFunc("/control/release", s.methodHandler("POST", s.handleRelease))
	mux.HandleFunc("/control/tap", s.methodHandler("POST", s.handleTap))
	mux.HandleFunc("/control/speed", s.methodHandler("POST", s.handleSpeed))
	mux.HandleFunc("/control/stop", s.methodHandler("POST", s.handleStop))

	// Host network
	mux.HandleFunc("/network", s.methodHandler("GET", s.handleNetwork))

	handler := loggingMiddleware(corsMiddleware(mux))

	// WebSocket stays outside the middleware chain so the upgrade is not
	// wrapped by the response recorder.
	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/ws", s.handleWebSocket)
	mainMux.Handle("/", handler)

	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mainMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("HTTP_SRV: listening on %s", addr)
	log.Printf("HTTP_SRV:   GET  /status")
	log.Printf("HTTP_SRV:   GET  /bluetooth/devices")
	log.Printf("HTTP_SRV:   POST /bluetooth/connect")
	log.Printf("HTTP_SRV:   POST /control/press")
	log.Printf("HTTP_SRV:   GET  /ws (WebSocket)")

	return s.server.ListenAndServe()
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// controlFrame is an inbound WebSocket command. Driving over the socket
// skips per-request HTTP overhead, which matters while streaming presses.
type controlFrame struct {
	Type   string `json:"type"`
	Button string `json:"button,omitempty"`
	Action string `json:"action,omitempty"`
	Level  int    `json:"level,omitempty"`
}

// handleWebSocket upgrades the connection, registers it with the hub and
// dispatches inbound control frames until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Printf("HTTP_SRV: WebSocket connection attempt from %s", r.RemoteAddr)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("HTTP_SRV: WebSocket upgrade failed: %v", err)
		return
	}

	clientID := s.hub.AddClient(conn)
	log.Printf("HTTP_SRV: WebSocket client %s connected from %s", clientID, r.RemoteAddr)

	defer func() {
		log.Printf("HTTP_SRV: WebSocket client %s disconnected", clientID)
		s.hub.RemoveClient(clientID)
	}()

	// Armed before the first read so a client that never pongs is still
	// evicted; the pong handler only extends it.
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("HTTP_SRV: WebSocket error: %v", err)
				}
				return
			}
			s.dispatchFrame(clientID, data)
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			// Through the hub so the ping holds the client's write lock
			// and cannot interleave with a broadcast.
			if err := s.hub.Ping(clientID); err != nil {
				log.Printf("HTTP_SRV: WebSocket ping failed: %v", err)
				return
			}
		}
	}
}

// dispatchFrame routes one inbound WebSocket frame to the controller.
// Failures go back to the sending client only; the other clients have
// no use for them.
func (s *Server) dispatchFrame(clientID string, data []byte) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("HTTP_SRV: dropping malformed WebSocket frame: %v", err)
		return
	}
	if frame.Type != "control" {
		return
	}

	var err error
	switch frame.Action {
	case "press":
		err = s.controller.Press(frame.Button)
	case "release":
		err = s.controller.Release(frame.Button)
	case "tap":
		err = s.controller.Tap(frame.Button)
	case "speed":
		err = s.controller.SetSpeed(frame.Level)
	case "stop":
		err = s.controller.Stop()
	default:
		log.Printf("HTTP_SRV: unknown control action %q", frame.Action)
		return
	}

	if err != nil {
		log.Printf("HTTP_SRV: control frame %s/%s failed: %v", frame.Action, frame.Button, err)
		s.hub.SendTo(clientID, utils.WebSocketEvent{
			Type:    "control/error",
			Payload: utils.ErrorResponse{Error: err.Error()},
		})
	}
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	}

	if err != nil {
		response["details"] = err.Error()
		log.Printf("API Error: %s - %v", message, err)
	}

	writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		log.Printf("%s %s %d %v", r.Method, r.URL.Path, rec.statusCode, duration)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// methodHandler creates a handler that only accepts a specific HTTP method
func (s *Server) methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		handler(w, r)
	}
}

// multiMethodHandler creates a handler that accepts multiple HTTP methods
func (s *Server) multiMethodHandler(methods []string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed := false
		for _, method := range methods {
			if r.Method == method {
				allowed = true
				break
			}
		}
		if !allowed {
			writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		handler(w, r)
	}
}
