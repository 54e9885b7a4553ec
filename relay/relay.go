// Package relay normalizes inbound adapter events into canonical message
// records, manages a bounded time-limited media cache, and validates
// outbound destination identifiers before dispatch.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/lojahub/waconnect/adapter"
	"github.com/lojahub/waconnect/internal"
	"github.com/lojahub/waconnect/pubsub"
)

var ErrDestinationInvalid = errors.New("destination invalid")

const (
	// mediaTTL bounds how long downloaded attachments stay in memory. A
	// repeated read of the same message inside this window returns the
	// cached bytes without a second remote fetch.
	mediaTTL = 10 * time.Minute
	// mediaCacheCapacity bounds the total number of cached attachments.
	// Time-based eviction alone lets a burst of large attachments pin
	// arbitrary memory for the full TTL.
	mediaCacheCapacity = 256

	// ackTTL is how long an outbound message stays eligible for a delivery
	// ack update.
	ackTTL = 10 * time.Minute

	downloadWorkers = 4
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// AckStatus is the delivery acknowledgement state of an outbound message.
type AckStatus string

const (
	AckPending   AckStatus = "pending"
	AckSent      AckStatus = "sent"
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
)

// Message is the canonical inbound/outbound record. It is created once and
// never mutated, except to attach a delivery ack update. The relay does not
// own messages long-term: they are handed to the forward hook (the external
// business store) and then dropped, with only cached media retained.
type Message struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	Direction   Direction         `json:"direction"`
	RemoteParty string            `json:"remoteParty"`
	Kind        adapter.MediaKind `json:"kind"`
	Text        string            `json:"text,omitempty"`
	// MediaRef is the command-surface path the cached payload can be read
	// from. Empty for text messages, and for media whose fetch failed.
	MediaRef  string    `json:"mediaRef,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Ack       AckStatus `json:"ack,omitempty"`
}

// SenderProvider yields the live adapter for a Connected session. The
// session manager implements this; splitting the interface keeps the relay
// testable without a manager.
type SenderProvider interface {
	Sender(sessionID string) (adapter.Adapter, error)
}

// ForwardFunc receives every canonical message the relay produces. This is
// the hand-off point to the external business store.
type ForwardFunc func(msg *Message)

// Relay is the message normalization and dispatch component. One relay
// serves all sessions.
type Relay struct {
	senders  SenderProvider
	notifier pubsub.Notifier
	forward  ForwardFunc
	logger   zerolog.Logger

	media *ttlcache.Cache[string, []byte]
	// recent outbound messages, kept around so late delivery acks can be
	// attached and re-published.
	outbound *ttlcache.Cache[string, *Message]
	pool     *internal.WorkerPool
}

func NewRelay(senders SenderProvider, notifier pubsub.Notifier, forward ForwardFunc, logger zerolog.Logger) *Relay {
	return newRelay(senders, notifier, forward, logger, mediaTTL, ackTTL)
}

func newRelay(senders SenderProvider, notifier pubsub.Notifier, forward ForwardFunc, logger zerolog.Logger, mediaTTL, ackTTL time.Duration) *Relay {
	r := &Relay{
		senders:  senders,
		notifier: notifier,
		forward:  forward,
		logger:   logger,
		media: ttlcache.New[string, []byte](
			ttlcache.WithTTL[string, []byte](mediaTTL),
			ttlcache.WithCapacity[string, []byte](mediaCacheCapacity),
			// The TTL runs from the download, not the last read.
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
		outbound: ttlcache.New[string, *Message](
			ttlcache.WithTTL[string, *Message](ackTTL),
			ttlcache.WithDisableTouchOnHit[string, *Message](),
		),
		pool: internal.NewWorkerPool(downloadWorkers),
	}
	go r.media.Start()
	go r.outbound.Start()
	r.pool.Start()
	return r
}

// Stop terminates the eviction loops and download workers. Only useful for
// tests; a relay normally lives for the whole process.
func (r *Relay) Stop() {
	r.media.Stop()
	r.outbound.Stop()
	r.pool.Stop()
}

// HandleInbound normalizes one raw adapter message event. Text messages are
// relayed immediately; media messages are queued on the download pool so a
// slow media host never stalls the adapter's event delivery.
func (r *Relay) HandleInbound(sessionID string, ev adapter.IncomingMessage) {
	msg := &Message{
		ID:          ev.ID,
		SessionID:   sessionID,
		Direction:   DirectionInbound,
		RemoteParty: ev.From,
		Kind:        ev.Kind,
		Text:        ev.Text,
		Filename:    ev.Filename,
		Timestamp:   ev.Timestamp,
	}
	if ev.Kind == adapter.KindText {
		r.deliver(msg)
		return
	}
	r.pool.Queue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.fetchMedia(ctx, sessionID, ev.ID); err != nil {
			// Non-fatal: the message is still delivered, with no media
			// reference.
			r.logger.Err(err).Str("session", sessionID).Str("message", ev.ID).
				Msg("media fetch failed")
		} else {
			msg.MediaRef = mediaPath(sessionID, ev.ID)
		}
		r.deliver(msg)
	})
}

func mediaPath(sessionID, messageID string) string {
	return fmt.Sprintf("/session/media/%s/%s", sessionID, messageID)
}

// fetchMedia returns the media payload for a message, downloading it at most
// once per TTL window.
func (r *Relay) fetchMedia(ctx context.Context, sessionID, messageID string) ([]byte, error) {
	key := sessionID + "/" + messageID
	if item := r.media.Get(key); item != nil {
		return item.Value(), nil
	}
	ad, err := r.senders.Sender(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := ad.DownloadMedia(ctx, messageID)
	if err != nil {
		return nil, err
	}
	r.media.Set(key, data, ttlcache.DefaultTTL)
	return data, nil
}

// Media returns the payload bytes for a previously relayed media message,
// from cache when fresh and via a new download once the cache entry expired.
func (r *Relay) Media(ctx context.Context, sessionID, messageID string) ([]byte, error) {
	return r.fetchMedia(ctx, sessionID, messageID)
}

// SendText validates and normalizes the destination, then dispatches a text
// message. Returns the engine-assigned message id.
func (r *Relay) SendText(ctx context.Context, sessionID, to, text string) (string, error) {
	ad, err := r.senders.Sender(sessionID)
	if err != nil {
		return "", err
	}
	dest, err := r.resolveDestination(ctx, ad, to)
	if err != nil {
		return "", err
	}
	id, err := ad.SendText(ctx, dest, text)
	if err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	r.recordOutbound(&Message{
		ID:          id,
		SessionID:   sessionID,
		Direction:   DirectionOutbound,
		RemoteParty: dest,
		Kind:        adapter.KindText,
		Text:        text,
		Timestamp:   time.Now(),
		Ack:         AckSent,
	})
	return id, nil
}

// SendMedia is SendText for binary payloads.
func (r *Relay) SendMedia(ctx context.Context, sessionID, to string, data []byte, filename, caption string) (string, error) {
	ad, err := r.senders.Sender(sessionID)
	if err != nil {
		return "", err
	}
	dest, err := r.resolveDestination(ctx, ad, to)
	if err != nil {
		return "", err
	}
	id, err := ad.SendMedia(ctx, dest, data, filename, caption)
	if err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	r.recordOutbound(&Message{
		ID:          id,
		SessionID:   sessionID,
		Direction:   DirectionOutbound,
		RemoteParty: dest,
		Kind:        adapter.KindDocument,
		Text:        caption,
		Filename:    filename,
		Timestamp:   time.Now(),
		Ack:         AckSent,
	})
	return id, nil
}

// AttachAck updates the delivery acknowledgement on a recently sent outbound
// message and re-publishes it. Acks arriving after the retention window are
// dropped.
func (r *Relay) AttachAck(sessionID, messageID string, status AckStatus) {
	item := r.outbound.Get(sessionID + "/" + messageID)
	if item == nil {
		return
	}
	msg := item.Value()
	msg.Ack = status
	r.deliver(msg)
}

func (r *Relay) recordOutbound(msg *Message) {
	r.outbound.Set(msg.SessionID+"/"+msg.ID, msg, ttlcache.DefaultTTL)
	r.deliver(msg)
}

// deliver hands a canonical message to the forward hook and publishes it for
// bridge clients.
func (r *Relay) deliver(msg *Message) {
	if r.forward != nil {
		r.forward(msg)
	}
	if r.notifier == nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		r.logger.Err(err).Str("message", msg.ID).Msg("failed to marshal message payload")
		return
	}
	err = r.notifier.Notify(pubsub.ChanConnector, &pubsub.NewMessage{
		SessionID: msg.SessionID,
		Message:   raw,
	})
	if err != nil {
		r.logger.Err(err).Str("message", msg.ID).Msg("failed to publish message payload")
	}
}
