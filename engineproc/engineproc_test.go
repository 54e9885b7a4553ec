package engineproc

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lojahub/waconnect/adapter"
)

// writeEngine drops a shell script standing in for the chat-protocol engine.
func writeEngine(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine is a shell script")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake engine: %s", err)
	}
	return path
}

// echoEngine pairs, connects, then answers every command it can parse. It
// reports a clean close when its stdin is shut.
const echoEngine = `#!/bin/sh
echo '{"event":"pairing_code","code":"2@abcdef=="}'
echo '{"event":"connected","identity":"5511999990000"}'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed 's/.*"id":"\([^"]*\)".*/\1/')
  op=$(printf '%s' "$line" | sed 's/.*"op":"\([^"]*\)".*/\1/')
  case "$op" in
    send_text) printf '{"id":"%s","ok":true,"messageId":"engine-msg-1"}\n' "$id" ;;
    resolve)   printf '{"id":"%s","ok":true,"exists":true,"canonical":"5511987654321"}\n' "$id" ;;
    download)  printf '{"id":"%s","ok":true,"data":"bWVkaWEtYnl0ZXM="}\n' "$id" ;;
    *)         printf '{"id":"%s","ok":false,"error":"unsupported op"}\n' "$id" ;;
  esac
done
echo '{"event":"closed","reason":"network","message":"stdin closed"}'
`

func startEngine(t *testing.T, script string) (adapter.Adapter, chan adapter.Event) {
	t.Helper()
	events := make(chan adapter.Event, 16)
	cfg := Config{Binary: writeEngine(t, script), Logger: zerolog.Nop()}
	ad, err := cfg.Factory()("store-1", t.TempDir(), func(ev adapter.Event) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("factory: %s", err)
	}
	if err := ad.Start(context.Background()); err != nil {
		t.Fatalf("Start: %s", err)
	}
	return ad, events
}

func nextEvent(t *testing.T, events chan adapter.Event) adapter.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for engine event")
		return nil
	}
}

func TestEngineEventsAndCommands(t *testing.T) {
	ad, events := startEngine(t, echoEngine)

	ev := nextEvent(t, events)
	pairing, ok := ev.(adapter.PairingCode)
	if !ok || pairing.Code != "2@abcdef==" {
		t.Fatalf("got %#v want pairing code", ev)
	}
	ev = nextEvent(t, events)
	connected, ok := ev.(adapter.Connected)
	if !ok || connected.Identity != "5511999990000" {
		t.Fatalf("got %#v want connected", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := ad.SendText(ctx, "5511987654321@s.whatsapp.net", "oi")
	if err != nil {
		t.Fatalf("SendText: %s", err)
	}
	if id != "engine-msg-1" {
		t.Errorf("got message id %q", id)
	}

	canonical, exists, err := ad.ResolveDestination(ctx, "5511987654321")
	if err != nil || !exists || canonical != "5511987654321" {
		t.Errorf("resolve: got (%q, %t, %v)", canonical, exists, err)
	}

	data, err := ad.DownloadMedia(ctx, "wa-media-1")
	if err != nil {
		t.Fatalf("DownloadMedia: %s", err)
	}
	if string(data) != "media-bytes" {
		t.Errorf("got media %q", data)
	}

	if err := ad.Stop(ctx); err != nil {
		t.Fatalf("Stop: %s", err)
	}
}

func TestEngineErrorResponse(t *testing.T) {
	ad, events := startEngine(t, echoEngine)
	defer ad.Stop(context.Background())
	nextEvent(t, events) // pairing
	nextEvent(t, events) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The fake engine does not implement send_media.
	if _, err := ad.SendMedia(ctx, "5511987654321", []byte("x"), "f.pdf", ""); err == nil {
		t.Errorf("expected an error for an unsupported op")
	}
}

// An engine that dies without reporting a close still produces a transient
// close event, so the session manager never sees a silent death.
func TestUnexpectedExitSynthesizesClose(t *testing.T) {
	_, events := startEngine(t, `#!/bin/sh
echo '{"event":"connected","identity":"5511999990000"}'
exit 1
`)
	nextEvent(t, events) // connected
	ev := nextEvent(t, events)
	closed, ok := ev.(adapter.Closed)
	if !ok {
		t.Fatalf("got %#v want closed", ev)
	}
	if closed.Reason.Code != adapter.CloseStream {
		t.Errorf("got reason %s want %s", closed.Reason.Code, adapter.CloseStream)
	}
	if closed.Reason.Terminal() {
		t.Errorf("synthesized close must be transient")
	}
}

// Stopping after the engine already exited on its own must return promptly:
// the read loop and Stop race to reap the process, and only one may Wait.
func TestStopAfterEngineExit(t *testing.T) {
	ad, events := startEngine(t, `#!/bin/sh
echo '{"event":"closed","reason":"logged-out","message":"remote logout"}'
exit 0
`)
	ev := nextEvent(t, events)
	if _, ok := ev.(adapter.Closed); !ok {
		t.Fatalf("got %#v want closed", ev)
	}
	done := make(chan error, 1)
	go func() { done <- ad.Stop(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop hung after the engine exited")
	}
}

// Commands issued after the engine is gone fail fast instead of hanging.
func TestCommandAfterStop(t *testing.T) {
	ad, events := startEngine(t, echoEngine)
	nextEvent(t, events)
	nextEvent(t, events)
	if err := ad.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ad.SendText(ctx, "5511987654321", "oi"); err == nil {
		t.Errorf("expected an error after stop")
	}
}
