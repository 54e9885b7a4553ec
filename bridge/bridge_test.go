package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lojahub/waconnect/pubsub"
	"github.com/lojahub/waconnect/session"
)

type fakeConnector struct {
	mu       sync.Mutex
	sessions []session.Snapshot
	started  []string
}

func (f *fakeConnector) Start(sessionID string) (session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
	return session.Snapshot{ID: sessionID, Status: session.StatusInitializing}, nil
}

func (f *fakeConnector) Sessions() []session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Snapshot{}, f.sessions...)
}

func (f *fakeConnector) startedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.started...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) SendText(ctx context.Context, sessionID, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sessionID+"|"+to+"|"+text)
	return "msg-1", nil
}

func (f *fakeSender) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

func newBridgeFixture(t *testing.T, connector *fakeConnector, sender *fakeSender) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer("secret-key", connector, sender, zerolog.Nop())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?access_token=" + key
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %s", err)
	}
	return env
}

func TestInvalidKeyRejected(t *testing.T) {
	_, ts := newBridgeFixture(t, &fakeConnector{}, &fakeSender{})
	ws := dial(t, ts, "wrong-key")
	env := readEnvelope(t, ws)
	if env.Type != TypeError {
		t.Errorf("got %s want %s", env.Type, TypeError)
	}
	// The server closes immediately after the rejection.
	ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Errorf("connection stayed open after key rejection")
	}
}

// A freshly connected dashboard immediately receives the current status and
// any outstanding pairing artifact.
func TestSnapshotOnConnect(t *testing.T) {
	connector := &fakeConnector{
		sessions: []session.Snapshot{
			{ID: "store-1", Status: session.StatusConnected, Identity: "5511999990000"},
			{ID: "store-2", Status: session.StatusPairingRequired, PairingArtifact: "data:image/png;base64,AAA"},
		},
	}
	_, ts := newBridgeFixture(t, connector, &fakeSender{})
	ws := dial(t, ts, "secret-key")

	env := readEnvelope(t, ws)
	if env.Type != TypeStatus {
		t.Fatalf("got %s want STATUS", env.Type)
	}
	var st StatusData
	json.Unmarshal(env.Data, &st)
	if st.SessionID != "store-1" || st.Identity != "5511999990000" {
		t.Errorf("got %+v", st)
	}

	env = readEnvelope(t, ws)
	if env.Type != TypeStatus {
		t.Fatalf("got %s want STATUS", env.Type)
	}
	env = readEnvelope(t, ws)
	if env.Type != TypePairingArtifact {
		t.Fatalf("got %s want PAIRING_ARTIFACT", env.Type)
	}
	var pa PairingArtifactData
	json.Unmarshal(env.Data, &pa)
	if pa.SessionID != "store-2" || pa.Artifact == "" {
		t.Errorf("got %+v", pa)
	}
}

func TestStartCommand(t *testing.T) {
	connector := &fakeConnector{}
	_, ts := newBridgeFixture(t, connector, &fakeSender{})
	ws := dial(t, ts, "secret-key")

	ws.WriteJSON(map[string]interface{}{
		"type": TypeStart,
		"data": map[string]string{"sessionId": "store-1"},
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(connector.startedSessions()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := connector.startedSessions()
	if len(got) != 1 || got[0] != "store-1" {
		t.Errorf("started = %v, want [store-1]", got)
	}
}

func TestSendMessageCommand(t *testing.T) {
	sender := &fakeSender{}
	_, ts := newBridgeFixture(t, &fakeConnector{}, sender)
	ws := dial(t, ts, "secret-key")

	ws.WriteJSON(map[string]interface{}{
		"type": TypeSendMessage,
		"data": map[string]string{"sessionId": "store-1", "to": "11987654321", "text": "oi"},
	})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.sentMessages()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := sender.sentMessages()
	if len(got) != 1 || got[0] != "store-1|11987654321|oi" {
		t.Errorf("sent = %v", got)
	}
}

func TestSendFailureReturnsErrorEnvelope(t *testing.T) {
	sender := &fakeSender{err: errors.New("destination invalid")}
	_, ts := newBridgeFixture(t, &fakeConnector{}, sender)
	ws := dial(t, ts, "secret-key")

	ws.WriteJSON(map[string]interface{}{
		"type": TypeSendMessage,
		"data": map[string]string{"sessionId": "store-1", "to": "x", "text": "oi"},
	})
	env := readEnvelope(t, ws)
	if env.Type != TypeError {
		t.Errorf("got %s want ERROR", env.Type)
	}
}

// Connector payloads are fanned out to every connected dashboard.
func TestBroadcast(t *testing.T) {
	srv, ts := newBridgeFixture(t, &fakeConnector{}, &fakeSender{})
	ws1 := dial(t, ts, "secret-key")
	ws2 := dial(t, ts, "secret-key")
	// Wait for both registrations.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.OnSessionStatus(&pubsub.SessionStatus{SessionID: "store-1", Status: "Connected", Identity: "5511999990000"})
	for _, ws := range []*websocket.Conn{ws1, ws2} {
		env := readEnvelope(t, ws)
		if env.Type != TypeStatus {
			t.Errorf("got %s want STATUS", env.Type)
		}
	}

	srv.OnNewMessage(&pubsub.NewMessage{SessionID: "store-1", Message: json.RawMessage(`{"id":"wa-1"}`)})
	env := readEnvelope(t, ws1)
	if env.Type != TypeNewMessage {
		t.Errorf("got %s want NEW_MESSAGE", env.Type)
	}
	if string(env.Data) != `{"id":"wa-1"}` {
		t.Errorf("got data %s", env.Data)
	}
}

// The dashboard client retries until the connector appears, and commands
// issued while down are dropped rather than queued.
func TestClientReconnects(t *testing.T) {
	received := make(chan Envelope, 16)
	client := NewClient("ws://127.0.0.1:1", "secret-key", 20*time.Millisecond,
		func(env Envelope) { received <- env }, zerolog.Nop())

	// No connection yet: commands are silently dropped.
	client.Start("store-1")
	client.SendMessage("store-1", "11987654321", "oi")

	connector := &fakeConnector{sessions: []session.Snapshot{
		{ID: "store-1", Status: session.StatusConnected},
	}}
	_, ts := newBridgeFixture(t, connector, &fakeSender{})
	client.url = "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case env := <-received:
		if env.Type != TypeStatus {
			t.Errorf("got %s want STATUS", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client never received the snapshot")
	}

	client.Start("store-1")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(connector.startedSessions()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := connector.startedSessions(); len(got) != 1 {
		t.Errorf("started = %v, want one start", got)
	}
}
