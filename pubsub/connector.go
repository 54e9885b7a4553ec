package pubsub

import "encoding/json"

// The channel which has connector payloads (session status changes, pairing
// artifacts, relayed messages).
const ChanConnector = "connectorch"

// ConnectorListener receives connector payloads in a type-safe way.
type ConnectorListener interface {
	OnSessionStatus(p *SessionStatus)
	OnPairingArtifact(p *PairingArtifact)
	OnNewMessage(p *NewMessage)
}

// SessionStatus is published on every session state transition.
type SessionStatus struct {
	SessionID string
	Status    string
	Identity  string
}

func (s SessionStatus) Type() string { return "STATUS" }

// PairingArtifact is published when a fresh pairing code becomes available
// for a session. An empty Artifact means the previous one was consumed.
type PairingArtifact struct {
	SessionID string
	Artifact  string
}

func (p PairingArtifact) Type() string { return "PAIRING_ARTIFACT" }

// NewMessage is published for every canonical message the relay produces,
// inbound and outbound. The message is carried pre-marshalled so listeners
// can forward it without a decode/encode round trip.
type NewMessage struct {
	SessionID string
	Message   json.RawMessage
}

func (n NewMessage) Type() string { return "NEW_MESSAGE" }

// ConnectorSub is a subscription to connector payloads which dispatches onto
// a ConnectorListener.
type ConnectorSub struct {
	listener Listener
	receiver ConnectorListener
}

func NewConnectorSub(l Listener, recv ConnectorListener) *ConnectorSub {
	return &ConnectorSub{
		listener: l,
		receiver: recv,
	}
}

func (s *ConnectorSub) Teardown() {
	s.listener.Close()
}

func (s *ConnectorSub) onMessage(p Payload) {
	switch pl := p.(type) {
	case *SessionStatus:
		s.receiver.OnSessionStatus(pl)
	case *PairingArtifact:
		s.receiver.OnPairingArtifact(pl)
	case *NewMessage:
		s.receiver.OnNewMessage(pl)
	}
}

// Listen blocks until the listener is closed.
func (s *ConnectorSub) Listen() error {
	return s.listener.Listen(ChanConnector, s.onMessage)
}
