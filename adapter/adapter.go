// Package adapter defines the capability interface over the external
// chat-protocol engine. The engine itself (pairing cryptography, wire
// format) lives out of process; this package only describes what the
// connector needs from it: a lifecycle, an event stream and a handful of
// outbound operations.
package adapter

import (
	"context"
	"time"
)

// MediaKind classifies message payloads.
type MediaKind string

const (
	KindText     MediaKind = "text"
	KindImage    MediaKind = "image"
	KindDocument MediaKind = "document"
	KindAudio    MediaKind = "audio"
)

// CloseReasonCode identifies why a connection closed.
type CloseReasonCode string

const (
	// Transient: the remote session credentials are still valid.
	CloseNetwork CloseReasonCode = "network"
	CloseStream  CloseReasonCode = "stream"
	// Terminal: the session must be paired again from scratch.
	CloseLoggedOut     CloseReasonCode = "logged-out"
	CloseReplaced      CloseReasonCode = "replaced"
	CloseBadCredential CloseReasonCode = "credentials-rejected"
)

// CloseReason is the structured reason attached to a Closed event.
type CloseReason struct {
	Code    CloseReasonCode
	Message string
}

// Terminal reports whether the reason requires a full re-pair, as opposed
// to a retry with the existing credentials.
func (r CloseReason) Terminal() bool {
	switch r.Code {
	case CloseLoggedOut, CloseReplaced, CloseBadCredential:
		return true
	}
	return false
}

func (r CloseReason) String() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return string(r.Code) + ": " + r.Message
}

// Event is the sealed set of events an adapter can emit. Events for a
// given session are delivered serially, in emission order.
type Event interface {
	isAdapterEvent()
}

// PairingCode is emitted when the engine issues a fresh one-time pairing
// challenge. A new event supersedes any previous outstanding challenge.
type PairingCode struct {
	Code string
}

// Connected is emitted once the remote end confirms the session.
type Connected struct {
	// Identity is the remote-confirmed account identifier, e.g. the full
	// phone number the session is bound to.
	Identity string
}

// Closed is emitted when the connection drops, with a structured reason.
type Closed struct {
	Reason CloseReason
}

// IncomingMessage is a raw inbound message event. Media payloads are not
// included; they must be fetched separately via DownloadMedia.
type IncomingMessage struct {
	ID        string
	From      string
	Kind      MediaKind
	Text      string
	Filename  string
	Timestamp time.Time
}

// DeliveryAck reports a delivery state change for a previously sent
// outbound message.
type DeliveryAck struct {
	MessageID string
	Status    string
}

func (PairingCode) isAdapterEvent()     {}
func (Connected) isAdapterEvent()       {}
func (Closed) isAdapterEvent()          {}
func (IncomingMessage) isAdapterEvent() {}
func (DeliveryAck) isAdapterEvent()     {}

// EventSink receives adapter events. Implementations must not block for
// long periods; the adapter delivers events from its own goroutine.
type EventSink func(ev Event)

// Adapter is one live connection attempt for one session. Exactly one
// Adapter may be live per session id at any instant; the session manager
// enforces this.
type Adapter interface {
	// Start begins connecting asynchronously. Progress is reported through
	// the EventSink the adapter was constructed with.
	Start(ctx context.Context) error
	// Stop tears the connection down. Safe to call more than once.
	Stop(ctx context.Context) error
	// SendText dispatches a text message and returns the engine-assigned
	// message id.
	SendText(ctx context.Context, to, text string) (string, error)
	// SendMedia dispatches a media message.
	SendMedia(ctx context.Context, to string, data []byte, filename, caption string) (string, error)
	// ResolveDestination asks the engine whether the given digit string is
	// a reachable account, returning its canonical identifier if so.
	ResolveDestination(ctx context.Context, digits string) (canonical string, ok bool, err error)
	// DownloadMedia fetches the media payload for a previously received
	// message.
	DownloadMedia(ctx context.Context, messageID string) ([]byte, error)
}

// Factory constructs an Adapter bound to one session's credential
// directory. The adapter owns the key material inside credentialDir and
// persists rotations there for the lifetime of the session.
type Factory func(sessionID, credentialDir string, sink EventSink) (Adapter, error)
