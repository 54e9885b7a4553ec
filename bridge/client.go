package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventFunc receives every envelope the connector pushes.
type EventFunc func(env Envelope)

// Client is the dashboard side of the bridge. It dials the connector and
// keeps retrying on a fixed interval until the connection succeeds, then
// redials after every drop. Commands issued while the socket is down are
// silently dropped: the dashboard re-renders from the snapshot the connector
// replays on reconnect, so nothing is queued.
type Client struct {
	url      string
	apiKey   string
	interval time.Duration
	onEvent  EventFunc
	logger   zerolog.Logger

	mu sync.Mutex
	ws *websocket.Conn
}

// NewClient prepares a dashboard client for the given ws:// or wss:// URL.
// Run must be called to actually connect.
func NewClient(url, apiKey string, retryInterval time.Duration, onEvent EventFunc, logger zerolog.Logger) *Client {
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &Client{
		url:      url,
		apiKey:   apiKey,
		interval: retryInterval,
		onEvent:  onEvent,
		logger:   logger,
	}
}

// Run blocks, maintaining the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connectAndRead(ctx); err != nil {
			c.logger.Warn().Err(err).Str("retry_in", c.interval.String()).Msg("bridge connection lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.url+"?access_token="+c.apiKey, nil)
	if err != nil {
		return err
	}
	c.setConn(ws)
	defer func() {
		c.setConn(nil)
		ws.Close()
	}()
	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Err(err).Msg("bad bridge envelope")
			continue
		}
		if c.onEvent != nil {
			c.onEvent(env)
		}
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// Start asks the connector to start a session. Dropped if the socket is not
// open.
func (c *Client) Start(sessionID string) {
	c.send(TypeStart, StartData{SessionID: sessionID})
}

// SendMessage asks the connector to dispatch an outbound message. Dropped if
// the socket is not open.
func (c *Client) SendMessage(sessionID, to, text string) {
	c.send(TypeSendMessage, SendMessageData{SessionID: sessionID, To: to, Text: text})
}

func (c *Client) send(typ string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return
	}
	env, err := envelope(typ, data)
	if err != nil {
		return
	}
	if err := c.ws.WriteJSON(env); err != nil {
		c.logger.Err(err).Str("type", typ).Msg("bridge command write failed")
	}
}
