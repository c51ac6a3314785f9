package bluetooth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Akhil521ak/Akbot-car/utils"
)

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	writeErr   error
	writes     []string
	recvCh     chan []byte
	connected  bool
	recvClosed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recvCh: make(chan []byte, 8)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if !f.recvClosed {
		f.recvClosed = true
		close(f.recvCh)
	}
	return nil
}

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if !f.connected {
		return ErrNotConnected
	}
	f.writes = append(f.writes, string(p))
	return nil
}

func (f *fakeTransport) Recv() <-chan []byte {
	return f.recvCh
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Kind() string {
	return "fake"
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// dropStream simulates the peer vanishing: the read side closes.
func (f *fakeTransport) dropStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.recvClosed {
		f.recvClosed = true
		close(f.recvCh)
	}
}

func (f *fakeTransport) writeLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeTransport) wrote(char string) bool {
	for _, w := range f.writeLog() {
		if w == char {
			return true
		}
	}
	return false
}

type fakeFactory struct {
	mu         sync.Mutex
	connectErr error
	transports []*fakeTransport
}

func (ff *fakeFactory) make(address string) Transport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ft := newFakeTransport()
	ft.connectErr = ff.connectErr
	ff.transports = append(ff.transports, ft)
	return ft
}

func (ff *fakeFactory) setConnectErr(err error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.connectErr = err
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.transports) == 0 {
		return nil
	}
	return ff.transports[len(ff.transports)-1]
}

// The keep-alive char is distinct from any test command so write logs
// stay unambiguous.
func testSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		KeepAliveInterval: 20 * time.Millisecond,
		KeepAliveChar:     "K",
		ReconnectInterval: 25 * time.Millisecond,
		ConnectTimeout:    500 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, ff *fakeFactory) *LinkSupervisor {
	t.Helper()

	sup := NewLinkSupervisor(ff.make, utils.NewWebSocketHub(), testSupervisorConfig(), fastQueueConfig())
	if err := sup.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(sup.Stop)
	return sup
}

func TestSupervisorConnectsAndSendsKeepAlives(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	waitFor(t, 2*time.Second, sup.IsConnected)
	waitFor(t, 2*time.Second, func() bool {
		ft := ff.last()
		return ft != nil && len(ft.writeLog()) >= 2
	})

	for _, w := range ff.last().writeLog() {
		if w != "K" {
			t.Errorf("unexpected write %q, want keep-alive only", w)
		}
	}

	status := sup.Status()
	if !status.Connected {
		t.Error("status should report connected")
	}
	if status.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("status address = %q, want AA:BB:CC:DD:EE:FF", status.Address)
	}
	if status.Transport != "fake" {
		t.Errorf("status transport = %q, want fake", status.Transport)
	}
	if status.SessionID == "" {
		t.Error("status session id should be set while connected")
	}
	if !status.AutoReconnect {
		t.Error("auto-reconnect should be armed after Connect")
	}
}

func TestSupervisorStreamClosureDropsAndReconnects(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, 2*time.Second, sup.IsConnected)

	first := ff.last()
	first.dropStream()

	// The poll loop should bring up a fresh transport.
	waitFor(t, 2*time.Second, func() bool {
		return ff.count() >= 2 && sup.IsConnected()
	})

	if ff.last() == first {
		t.Error("reconnect should use a fresh transport")
	}
}

func TestSupervisorKeepAliveFailureDropsLink(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, 2*time.Second, sup.IsConnected)

	first := ff.last()
	first.setWriteErr(errors.New("broken pipe"))

	// Keep-alive hits the broken pipe, drops, then a new session comes up.
	waitFor(t, 2*time.Second, func() bool {
		return ff.count() >= 2 && sup.IsConnected()
	})

	stats := sup.Stats()
	if stats["disconnects"].(uint64) == 0 {
		t.Error("disconnects counter should record the dropped link")
	}
}

func TestSupervisorRetriesWhileTargetDown(t *testing.T) {
	ff := &fakeFactory{}
	ff.setConnectErr(errors.New("host is down"))
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// Initial attempt plus at least one poll retry.
	waitFor(t, 2*time.Second, func() bool { return ff.count() >= 2 })

	if sup.IsConnected() {
		t.Fatal("should not be connected while the target is down")
	}

	ff.setConnectErr(nil)
	waitFor(t, 2*time.Second, sup.IsConnected)
}

func TestSupervisorDisconnectDisarmsReconnect(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, 2*time.Second, sup.IsConnected)

	sup.Disconnect()

	if sup.IsConnected() {
		t.Fatal("should be disconnected after Disconnect")
	}

	attempts := ff.count()
	time.Sleep(100 * time.Millisecond)
	if got := ff.count(); got != attempts {
		t.Errorf("connection attempts after Disconnect = %d, want %d", got, attempts)
	}

	if status := sup.Status(); status.AutoReconnect {
		t.Error("auto-reconnect should be disarmed after Disconnect")
	}
}

func TestSupervisorSendRequiresConnection(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Send("F"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() while down = %v, want ErrNotConnected", err)
	}
	if err := sup.SendUrgent("S"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendUrgent() while down = %v, want ErrNotConnected", err)
	}
}

func TestSupervisorSendReachesTransport(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, 2*time.Second, sup.IsConnected)

	if err := sup.Send("F"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ff.last().wrote("F") })

	if err := sup.SendUrgent("S"); err != nil {
		t.Fatalf("SendUrgent() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ff.last().wrote("S") })
}

func TestSupervisorConnectSameAddressWhileConnected(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, 2*time.Second, sup.IsConnected)

	attempts := ff.count()
	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() again error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if !sup.IsConnected() {
		t.Error("repeat Connect to the same address should keep the link")
	}
	if got := ff.count(); got != attempts {
		t.Errorf("repeat Connect spawned %d attempts, want %d", got, attempts)
	}
}

// newEdgeClient registers one real WebSocket client with the hub so a
// test can observe broadcasts the way the UI does.
func newEdgeClient(t *testing.T, hub *utils.WebSocketHub) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.AddClient(conn)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered with the hub")
	}
	return conn
}

func readHubEvent(t *testing.T, conn *websocket.Conn) utils.WebSocketEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev utils.WebSocketEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read hub event: %v", err)
	}
	return ev
}

func TestSupervisorBroadcastsLinkEdges(t *testing.T) {
	ff := &fakeFactory{}
	hub := utils.NewWebSocketHub()
	conn := newEdgeClient(t, hub)

	sup := NewLinkSupervisor(ff.make, hub, testSupervisorConfig(), fastQueueConfig())
	if err := sup.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(sup.Stop)

	if err := sup.Connect("AA:BB:CC:DD:EE:FF", "akbot"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitFor(t, 2*time.Second, sup.IsConnected)

	ev := readHubEvent(t, conn)
	if ev.Type != "bluetooth/connected" {
		t.Fatalf("first event = %q, want bluetooth/connected", ev.Type)
	}
	payload, ok := ev.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("connected payload = %v, want object", ev.Payload)
	}
	if payload["address"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("connected address = %v, want AA:BB:CC:DD:EE:FF", payload["address"])
	}
	if payload["transport"] != "fake" {
		t.Errorf("connected transport = %v, want fake", payload["transport"])
	}

	ff.last().dropStream()

	ev = readHubEvent(t, conn)
	if ev.Type != "bluetooth/disconnected" {
		t.Fatalf("second event = %q, want bluetooth/disconnected", ev.Type)
	}
	payload, ok = ev.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("disconnected payload = %v, want object", ev.Payload)
	}
	if payload["address"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("disconnected address = %v, want AA:BB:CC:DD:EE:FF", payload["address"])
	}
	if reason, _ := payload["reason"].(string); reason == "" {
		t.Error("disconnected event should carry a reason")
	}
}

func TestSupervisorConnectRequiresAddress(t *testing.T) {
	ff := &fakeFactory{}
	sup := newTestSupervisor(t, ff)

	if err := sup.Connect("", ""); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Connect(\"\") = %v, want ErrNoDevice", err)
	}
}
