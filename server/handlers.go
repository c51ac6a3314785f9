package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/Akhil521ak/Akbot-car/bluetooth"
	"github.com/Akhil521ak/Akbot-car/settings"
)

type addressRequest struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type buttonRequest struct {
	Button string `json:"button"`
}

type mappingRequest struct {
	Button string `json:"button"`
	Char   string `json:"char"`
}

type speedRequest struct {
	Level int `json:"level"`
}

type themeRequest struct {
	Theme string `json:"theme"`
}

// handleStatus returns the daemon state in one shot: the link, the
// controller and the scan flag.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "running",
		"version":    serverVersion,
		"timestamp":  time.Now().Unix(),
		"link":       s.supervisor.Status(),
		"speed":      s.controller.Speed(),
		"held":       s.controller.Held(),
		"scanning":   s.bluez.IsScanning(),
		"ws_clients": s.hub.ClientCount(),
	}
	if device := s.store.Device(); device != nil {
		status["device"] = device
	}

	writeJSONResponse(w, http.StatusOK, status)
}

// handleHealth returns health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"checks": map[string]interface{}{
			"bluez":          s.bluez != nil,
			"supervisor":     s.supervisor != nil,
			"settings_store": s.store != nil,
			"websocket_hub":  s.hub != nil,
		},
	}

	writeJSONResponse(w, http.StatusOK, health)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"name":           "akbotd",
		"version":        serverVersion,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().Unix(),
	})
}

// handleStats returns link and queue counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.supervisor.Stats())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.store.Get())
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Theme != "dark" && req.Theme != "light" {
		writeErrorResponse(w, http.StatusBadRequest, "Theme must be dark or light", nil)
		return
	}

	if err := s.store.SetTheme(req.Theme); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to save theme", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"theme":  req.Theme,
	})
}

func (s *Server) handleButtons(w http.ResponseWriter, r *http.Request) {
	if r.Method == "GET" {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"buttons": s.store.Buttons(),
		})
		return
	}

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.store.SetButton(req.Button, req.Char); err != nil {
		if errors.Is(err, settings.ErrUnknownButton) || errors.Is(err, settings.ErrInvalidChar) {
			writeErrorResponse(w, http.StatusBadRequest, "Invalid button mapping", err)
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to save mapping", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"button": req.Button,
		"char":   req.Char,
	})
}

func (s *Server) handleButtonsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResetButtons(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to reset buttons", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"buttons": s.store.Buttons(),
	})
}

// handleDevices lists every device BlueZ knows about
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.bluez.Devices()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"devices":   devices,
		"count":     len(devices),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.bluez.StartScan(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to start scan", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"status": "scanning"})
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	if err := s.bluez.StopScan(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to stop scan", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"status": "stopped"})
}

// handlePair pairs and trusts the car so later reconnects need no prompt.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Address == "" {
		writeErrorResponse(w, http.StatusBadRequest, "Device address required", nil)
		return
	}

	if err := s.bluez.Pair(req.Address); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Pairing failed", err)
		return
	}
	if err := s.bluez.Trust(req.Address); err != nil {
		log.Printf("HTTP_SRV: paired %s but could not mark trusted: %v", req.Address, err)
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "paired",
		"address": req.Address,
	})
}

// handleConnect remembers the car and arms the reconnect loop. The
// response comes back before the link is up; the connected edge arrives
// over the WebSocket.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Address == "" {
		writeErrorResponse(w, http.StatusBadRequest, "Device address required", nil)
		return
	}

	// Fill a missing name from BlueZ so the remembered car is labeled.
	name := req.Name
	if name == "" {
		if info, err := s.bluez.Device(req.Address); err == nil {
			name = info.Name
			if name == "" {
				name = info.Alias
			}
		}
	}

	if err := s.store.SetDevice(req.Address, name); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to remember device", err)
		return
	}

	if err := s.supervisor.Connect(req.Address, name); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to start connection", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "connecting",
		"address": req.Address,
		"name":    name,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.supervisor.Disconnect()
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status": "disconnected",
	})
}

// handleForget drops the link, clears the remembered car and removes the
// pairing. The address is optional; it defaults to the remembered car.
func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	address := req.Address
	if address == "" {
		if device := s.store.Device(); device != nil {
			address = device.Address
		}
	}
	if address == "" {
		writeErrorResponse(w, http.StatusBadRequest, "No device to forget", nil)
		return
	}

	if target, _ := s.supervisor.Target(); target == address {
		s.supervisor.Disconnect()
	}

	if err := s.store.ForgetDevice(); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to forget device", err)
		return
	}
	if err := s.bluez.RemoveDevice(address); err != nil {
		log.Printf("HTTP_SRV: forgot %s but could not remove pairing: %v", address, err)
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "forgotten",
		"address": address,
	})
}

func (s *Server) handlePress(w http.ResponseWriter, r *http.Request) {
	var req buttonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.controller.Press(req.Button); err != nil {
		writeControlError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"button":    req.Button,
		"action":    "press",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req buttonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.controller.Release(req.Button); err != nil {
		writeControlError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"button":    req.Button,
		"action":    "release",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var req buttonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.controller.Tap(req.Button); err != nil {
		writeControlError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"button":    req.Button,
		"action":    "tap",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.controller.SetSpeed(req.Level); err != nil {
		if errors.Is(err, bluetooth.ErrNotConnected) || errors.Is(err, bluetooth.ErrQueueFull) {
			writeControlError(w, err)
			return
		}
		writeErrorResponse(w, http.StatusBadRequest, "Invalid speed level", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"speed":     req.Level,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Stop(); err != nil {
		writeControlError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"action":    "stop",
		"timestamp": time.Now().Unix(),
	})
}

// handleNetwork reports the host uplink: interface state from netlink
// plus reachability from the network checker.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	iface := s.network.InterfaceName()
	response := map[string]interface{}{
		"interface": iface,
		"online":    s.network.Online(),
		"timestamp": time.Now().Unix(),
	}

	link, err := netlink.LinkByName(iface)
	if err != nil || link.Attrs().Flags&net.FlagUp == 0 {
		response["status"] = "down"
	} else {
		response["status"] = "up"
		response["mtu"] = link.Attrs().MTU
		if mac := link.Attrs().HardwareAddr; len(mac) > 0 {
			response["mac"] = mac.String()
		}
	}

	writeJSONResponse(w, http.StatusOK, response)
}

// writeControlError maps controller failures onto HTTP statuses.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settings.ErrUnknownButton):
		writeErrorResponse(w, http.StatusBadRequest, "Unknown button", err)
	case errors.Is(err, bluetooth.ErrNotConnected):
		writeErrorResponse(w, http.StatusServiceUnavailable, "Not connected to the car", err)
	case errors.Is(err, bluetooth.ErrQueueFull):
		writeErrorResponse(w, http.StatusServiceUnavailable, "Command backlog full", err)
	default:
		writeErrorResponse(w, http.StatusInternalServerError, "Command failed", err)
	}
}
