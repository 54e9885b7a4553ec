package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/lojahub/waconnect/pubsub"
	"github.com/lojahub/waconnect/session"
)

const sendTimeout = 30 * time.Second

// Connector is the slice of the session manager the bridge needs.
type Connector interface {
	Start(sessionID string) (session.Snapshot, error)
	Sessions() []session.Snapshot
}

// MessageSender is the slice of the relay the bridge needs.
type MessageSender interface {
	SendText(ctx context.Context, sessionID, to, text string) (string, error)
}

// Server accepts dashboard websocket connections, authenticated by a
// pre-shared API key, and fans connector payloads out to all of them. The
// connector never dials out; dashboards connect in.
type Server struct {
	apiKey    string
	connector Connector
	sender    MessageSender
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// wsConn wraps a websocket connection with a write lock: payload fan-out and
// per-connection command replies write concurrently.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeEnvelope(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

func NewServer(apiKey string, connector Connector, sender MessageSender, logger zerolog.Logger) *Server {
	return &Server{
		apiKey:    apiKey,
		connector: connector,
		sender:    sender,
		logger:    logger,
		upgrader: websocket.Upgrader{
			// Dashboards are served from a different origin than the
			// connector; auth is the API key, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Err(err).Msg("bridge upgrade failed")
		return
	}
	conn := &wsConn{ws: ws}
	if !s.authorized(req) {
		// Reject with an ERROR envelope before closing, so the dashboard
		// can tell a bad key from a flaky network.
		env, _ := envelope(TypeError, ErrorData{Error: "invalid api key"})
		conn.writeEnvelope(env)
		ws.Close()
		return
	}
	s.register(conn)
	s.logger.Info().Str("remote", ws.RemoteAddr().String()).Msg("dashboard connected")
	// A freshly opened dashboard is never left blank: replay the current
	// status and any outstanding pairing artifact for every session.
	s.sendSnapshot(conn)
	s.readLoop(conn)
}

func (s *Server) authorized(req *http.Request) bool {
	key := req.URL.Query().Get("access_token")
	if key == "" {
		key = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	}
	return s.apiKey != "" && key == s.apiKey
}

func (s *Server) register(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) unregister(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) sendSnapshot(c *wsConn) {
	for _, snap := range s.connector.Sessions() {
		env, _ := envelope(TypeStatus, StatusData{
			SessionID: snap.ID,
			Status:    string(snap.Status),
			Identity:  snap.Identity,
		})
		c.writeEnvelope(env)
		if snap.PairingArtifact != "" {
			env, _ := envelope(TypePairingArtifact, PairingArtifactData{
				SessionID: snap.ID,
				Artifact:  snap.PairingArtifact,
			})
			c.writeEnvelope(env)
		}
	}
}

func (s *Server) readLoop(c *wsConn) {
	defer func() {
		s.unregister(c)
		c.ws.Close()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			s.logger.Info().Err(err).Msg("dashboard disconnected")
			return
		}
		s.handleCommand(c, raw)
	}
}

func (s *Server) handleCommand(c *wsConn, raw []byte) {
	parsed := gjson.ParseBytes(raw)
	switch parsed.Get("type").Str {
	case TypeStart:
		sessionID := parsed.Get("data.sessionId").Str
		if _, err := s.connector.Start(sessionID); err != nil {
			s.sendError(c, err)
		}
	case TypeSendMessage:
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_, err := s.sender.SendText(ctx,
			parsed.Get("data.sessionId").Str,
			parsed.Get("data.to").Str,
			parsed.Get("data.text").Str,
		)
		cancel()
		if err != nil {
			s.sendError(c, err)
		}
	default:
		s.logger.Warn().Str("type", parsed.Get("type").Str).Msg("unknown bridge command")
	}
}

func (s *Server) sendError(c *wsConn, err error) {
	env, envErr := envelope(TypeError, ErrorData{Error: err.Error()})
	if envErr != nil {
		return
	}
	c.writeEnvelope(env)
}

// broadcast fans one envelope out to every connected dashboard. A failed
// write is only logged here; the connection's read loop observes the broken
// socket and unregisters it.
func (s *Server) broadcast(env *Envelope) {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.writeEnvelope(env); err != nil {
			s.logger.Err(err).Msg("bridge broadcast failed")
		}
	}
}

// The server is a pubsub.ConnectorListener: connector payloads become
// envelopes pushed to every dashboard.

func (s *Server) OnSessionStatus(p *pubsub.SessionStatus) {
	env, err := envelope(TypeStatus, StatusData{
		SessionID: p.SessionID,
		Status:    p.Status,
		Identity:  p.Identity,
	})
	if err != nil {
		return
	}
	s.broadcast(env)
}

func (s *Server) OnPairingArtifact(p *pubsub.PairingArtifact) {
	env, err := envelope(TypePairingArtifact, PairingArtifactData{
		SessionID: p.SessionID,
		Artifact:  p.Artifact,
	})
	if err != nil {
		return
	}
	s.broadcast(env)
}

func (s *Server) OnNewMessage(p *pubsub.NewMessage) {
	s.broadcast(&Envelope{Type: TypeNewMessage, Data: json.RawMessage(p.Message)})
}
