// Package bridge is the duplex channel between a locally-run connector
// process and a remote dashboard process: the connector pushes session
// events over a websocket, the dashboard sends start/send commands back.
package bridge

import "encoding/json"

// Envelope is the wire format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Server to client.
const (
	TypeStatus          = "STATUS"
	TypePairingArtifact = "PAIRING_ARTIFACT"
	TypeNewMessage      = "NEW_MESSAGE"
	TypeError           = "ERROR"
)

// Client to server.
const (
	TypeStart       = "START"
	TypeSendMessage = "SEND_MESSAGE"
)

type StatusData struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Identity  string `json:"identity,omitempty"`
}

type PairingArtifactData struct {
	SessionID string `json:"sessionId"`
	Artifact  string `json:"artifact"`
}

type StartData struct {
	SessionID string `json:"sessionId"`
}

type SendMessageData struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

type ErrorData struct {
	Error string `json:"error"`
}

func envelope(typ string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: typ, Data: raw}, nil
}
