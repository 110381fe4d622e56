package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/berth-ai/berth/internal/eventbus"
)

type testBridge struct {
	server *Server
	bus    *eventbus.Bus
	wsURL  string
}

func newTestBridge(t *testing.T, snapshot SnapshotFunc) *testBridge {
	t.Helper()

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	srv := NewServer(bus, snapshot)
	go srv.Run()
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", srv.HandleWebSocket)
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	return &testBridge{
		server: srv,
		bus:    bus,
		wsURL:  "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/events",
	}
}

func dial(t *testing.T, tb *testBridge) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tb.wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", srv.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	tb := newTestBridge(t, nil)
	conn := dial(t, tb)
	waitForClients(t, tb.server, 1)

	eventbus.Publish(context.Background(), tb.bus, eventbus.Runtime.Status, eventbus.SourceRuntimeManager, eventbus.RuntimeStatusEvent{
		WorkspaceID: "ws-1",
		Status:      eventbus.RuntimeRunning,
		Port:        4100,
	})

	msg := readMessage(t, conn)
	if msg.Type != string(eventbus.TopicRuntimeStatus) {
		t.Fatalf("frame type = %q, want %q", msg.Type, eventbus.TopicRuntimeStatus)
	}
	if msg.Source != string(eventbus.SourceRuntimeManager) {
		t.Fatalf("frame source = %q", msg.Source)
	}

	data, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("frame data has type %T", msg.Data)
	}
	if data["workspaceId"] != "ws-1" || data["status"] != "running" {
		t.Fatalf("frame data = %v", data)
	}
	if data["port"] != float64(4100) {
		t.Fatalf("frame port = %v", data["port"])
	}
}

func TestBridgeBroadcastsToAllClients(t *testing.T) {
	tb := newTestBridge(t, nil)

	conns := []*websocket.Conn{dial(t, tb), dial(t, tb), dial(t, tb)}
	waitForClients(t, tb.server, len(conns))

	eventbus.Publish(context.Background(), tb.bus, eventbus.App.State, eventbus.SourceCoordinator, eventbus.AppStateEvent{
		Licensed: true,
	})

	for i, conn := range conns {
		msg := readMessage(t, conn)
		if msg.Type != string(eventbus.TopicAppState) {
			t.Fatalf("client %d: frame type = %q", i, msg.Type)
		}
		data, _ := msg.Data.(map[string]any)
		if data["licensed"] != true {
			t.Fatalf("client %d: frame data = %v", i, msg.Data)
		}
	}
}

func TestBridgeSendsSnapshotOnConnect(t *testing.T) {
	snapshot := func(context.Context) (eventbus.AppStateEvent, error) {
		return eventbus.AppStateEvent{Licensed: true, WorkspacesEnabled: true, RuntimeInstalled: true}, nil
	}
	tb := newTestBridge(t, snapshot)
	conn := dial(t, tb)

	msg := readMessage(t, conn)
	if msg.Type != string(eventbus.TopicAppState) {
		t.Fatalf("first frame type = %q, want app state snapshot", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["licensed"] != true || data["workspacesEnabled"] != true {
		t.Fatalf("snapshot data = %v", msg.Data)
	}
}

func TestBridgeForwardsLogLines(t *testing.T) {
	tb := newTestBridge(t, nil)
	conn := dial(t, tb)
	waitForClients(t, tb.server, 1)

	eventbus.Publish(context.Background(), tb.bus, eventbus.Runtime.Log, eventbus.SourceRuntimeProcess, eventbus.RuntimeLogEvent{
		WorkspaceID: "ws-1",
		Stream:      eventbus.LogStreamStderr,
		Line:        "listening on 127.0.0.1:4100",
		Timestamp:   time.Now().UTC(),
	})

	msg := readMessage(t, conn)
	if msg.Type != string(eventbus.TopicRuntimeLog) {
		t.Fatalf("frame type = %q", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["stream"] != "stderr" || data["line"] != "listening on 127.0.0.1:4100" {
		t.Fatalf("frame data = %v", msg.Data)
	}
}

func TestBridgeClientDisconnectUpdatesCount(t *testing.T) {
	tb := newTestBridge(t, nil)
	conn := dial(t, tb)
	waitForClients(t, tb.server, 1)

	conn.Close()
	waitForClients(t, tb.server, 0)
}

func TestBridgeRejectsUnknownOrigin(t *testing.T) {
	tb := newTestBridge(t, nil)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(tb.wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("dial with foreign origin should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("upgrade response = %+v, want 403", resp)
	}
}

func TestBridgeAcceptsLocalOrigins(t *testing.T) {
	tb := newTestBridge(t, nil)

	for _, origin := range []string{
		"http://localhost:5173",
		"http://127.0.0.1:8080",
		"tauri://localhost",
	} {
		header := http.Header{"Origin": []string{origin}}
		conn, _, err := websocket.DefaultDialer.Dial(tb.wsURL, header)
		if err != nil {
			t.Fatalf("dial with origin %s rejected: %v", origin, err)
		}
		conn.Close()
	}
}

func TestBridgeCloseDisconnectsClients(t *testing.T) {
	tb := newTestBridge(t, nil)
	conn := dial(t, tb)
	waitForClients(t, tb.server, 1)

	tb.server.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestIsBuiltinOrigin(t *testing.T) {
	cases := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:5173", true},
		{"http://localhost", true},
		{"http://127.0.0.1:4100", true},
		{"https://tauri.localhost", true},
		{"tauri://localhost", true},
		{"https://example.com", false},
		{"http://192.168.1.10:8080", false},
		{"https://localhost:5173", false},
		{"://broken", false},
	}
	for _, tc := range cases {
		if got := isBuiltinOrigin(tc.origin); got != tc.want {
			t.Errorf("isBuiltinOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestMessageEncoding(t *testing.T) {
	msg := Message{
		Type:      "runtime.status",
		Source:    "runtime_manager",
		Data:      eventbus.RuntimeStatusEvent{Status: eventbus.RuntimeStarting, WorkspaceID: "ws-9"},
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"type":"runtime.status"`, `"workspaceId":"ws-9"`, `"status":"starting"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("encoded frame missing %s: %s", want, raw)
		}
	}
}
