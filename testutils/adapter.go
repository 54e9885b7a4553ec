// Package testutils provides a scriptable mock adapter shared by the
// package tests.
package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/lojahub/waconnect/adapter"
)

// SentText records one SendText call.
type SentText struct {
	To   string
	Text string
}

// MockAdapter is a scriptable adapter.Adapter. Tests drive the session state
// machine by calling Emit with the events a real engine would produce.
type MockAdapter struct {
	SessionID     string
	CredentialDir string
	Sink          adapter.EventSink

	// StartErr is returned from Start, simulating an engine which fails to
	// spawn.
	StartErr error
	// ResolveFunc overrides destination resolution. Default: every number
	// exists, canonical form is the digits unchanged.
	ResolveFunc func(digits string) (string, bool, error)
	// DownloadFunc overrides media download. Default: returns "media-bytes".
	DownloadFunc func(messageID string) ([]byte, error)

	mu        sync.Mutex
	stopped   bool
	sendSeq   int
	sent      []SentText
	downloads int
}

func (a *MockAdapter) Start(ctx context.Context) error {
	return a.StartErr
}

func (a *MockAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

func (a *MockAdapter) SendText(ctx context.Context, to, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendSeq++
	a.sent = append(a.sent, SentText{To: to, Text: text})
	return fmt.Sprintf("mock-msg-%d", a.sendSeq), nil
}

func (a *MockAdapter) SendMedia(ctx context.Context, to string, data []byte, filename, caption string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendSeq++
	return fmt.Sprintf("mock-msg-%d", a.sendSeq), nil
}

func (a *MockAdapter) ResolveDestination(ctx context.Context, digits string) (string, bool, error) {
	if a.ResolveFunc != nil {
		return a.ResolveFunc(digits)
	}
	return digits, true, nil
}

func (a *MockAdapter) DownloadMedia(ctx context.Context, messageID string) ([]byte, error) {
	a.mu.Lock()
	a.downloads++
	a.mu.Unlock()
	if a.DownloadFunc != nil {
		return a.DownloadFunc(messageID)
	}
	return []byte("media-bytes"), nil
}

// Emit delivers an event to the session manager as if the engine produced it.
func (a *MockAdapter) Emit(ev adapter.Event) {
	a.Sink(ev)
}

func (a *MockAdapter) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *MockAdapter) Sent() []SentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SentText{}, a.sent...)
}

func (a *MockAdapter) Downloads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.downloads
}

// MockFactory builds MockAdapters and remembers every instance, so tests can
// assert on how many adapters were ever constructed (the single live adapter
// invariant) and drive the latest one.
type MockFactory struct {
	// Err makes construction fail.
	Err error
	// Configure runs on each new adapter before it is returned.
	Configure func(a *MockAdapter)

	mu       sync.Mutex
	adapters []*MockAdapter
}

func (f *MockFactory) Factory() adapter.Factory {
	return func(sessionID, credentialDir string, sink adapter.EventSink) (adapter.Adapter, error) {
		if f.Err != nil {
			return nil, f.Err
		}
		a := &MockAdapter{
			SessionID:     sessionID,
			CredentialDir: credentialDir,
			Sink:          sink,
		}
		if f.Configure != nil {
			f.Configure(a)
		}
		f.mu.Lock()
		f.adapters = append(f.adapters, a)
		f.mu.Unlock()
		return a, nil
	}
}

// Count returns how many adapters were constructed.
func (f *MockFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

// Last returns the most recently constructed adapter, or nil.
func (f *MockFactory) Last() *MockAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adapters) == 0 {
		return nil
	}
	return f.adapters[len(f.adapters)-1]
}
