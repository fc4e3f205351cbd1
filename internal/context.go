package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "companion_data"
)

// logging metadata for a single inbound message
type data struct {
	sessionCode string
	clientID    string
	msgType     string
	actorID     string
	numClients  int
}

// prepare a message context so it can contain relay info
func MessageContext(ctx context.Context, sessionCode string) context.Context {
	d := &data{
		sessionCode: sessionCode,
		numClients:  -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the sender and type of the message being handled. Need to have called MessageContext first.
func SetMessageContextSender(ctx context.Context, clientID, msgType string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.clientID = clientID
	da.msgType = msgType
}

func SetMessageContextActor(ctx context.Context, actorID string, numClients int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.actorID = actorID
	da.numClients = numClients
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.sessionCode != "" {
		l = l.Str("s", da.sessionCode)
	}
	if da.clientID != "" {
		l = l.Str("c", da.clientID)
	}
	if da.msgType != "" {
		l = l.Str("t", da.msgType)
	}
	if da.actorID != "" {
		l = l.Str("a", da.actorID)
	}
	if da.numClients >= 0 {
		l = l.Int("n", da.numClients)
	}
	return l
}
