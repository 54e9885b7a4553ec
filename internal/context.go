package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "waconnect_data"
)

// logging metadata for a single request
type data struct {
	sessionID   string
	messageID   string
	numSessions int
}

// prepare a request context so it can carry connector info
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numSessions: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the session ID to this request context. Need to have called RequestContext first.
func SetRequestContextSessionID(ctx context.Context, sessionID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sessionID = sessionID
}

func SetRequestContextMessageID(ctx context.Context, messageID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.messageID = messageID
}

func SetRequestContextNumSessions(ctx context.Context, n int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numSessions = n
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.messageID != "" {
		l = l.Str("m", da.messageID)
	}
	if da.numSessions >= 0 {
		l = l.Int("n", da.numSessions)
	}
	return l
}
