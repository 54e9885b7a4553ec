// Package session owns the map of session id to session state: the state
// machine, the single-active-connection invariant, reconnection scheduling
// and credential persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/lojahub/waconnect/adapter"
	"github.com/lojahub/waconnect/internal"
	"github.com/lojahub/waconnect/pubsub"
)

// Status of one logical connection slot.
type Status string

const (
	StatusInitializing    Status = "Initializing"
	StatusPairingRequired Status = "PairingRequired"
	StatusConnected       Status = "Connected"
	StatusReconnecting    Status = "Reconnecting"
	StatusDisconnected    Status = "Disconnected"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotConnected = errors.New("session not connected")
	ErrPairingFailed       = errors.New("pairing failed")
)

// stopTimeout bounds how long a teardown may take. The engine side of a stop
// is a process kill, which either completes promptly or not at all.
const stopTimeout = 10 * time.Second

var (
	liveAdaptersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "waconnect",
		Subsystem: "session",
		Name:      "live_adapters",
		Help:      "Number of live adapter instances",
	})
	reconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "waconnect",
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Number of scheduled reconnection attempts",
	})
	terminalClosesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "waconnect",
		Subsystem: "session",
		Name:      "terminal_closes_total",
		Help:      "Number of terminal disconnects (credentials wiped)",
	})
)

func init() {
	prometheus.MustRegister(liveAdaptersGauge, reconnectsCounter, terminalClosesCounter)
}

// Snapshot is a read-only view of one session, safe to hand across API
// boundaries.
type Snapshot struct {
	ID                string
	Status            Status
	PairingArtifact   string
	Identity          string
	ReconnectAttempts int
}

// MessageHandler receives raw inbound message events, outside the manager
// lock. The relay registers itself here.
type MessageHandler func(sessionID string, ev adapter.IncomingMessage)

// AckHandler receives delivery acknowledgement events, outside the manager
// lock.
type AckHandler func(sessionID string, ev adapter.DeliveryAck)

// session is one logical connection slot. All fields are guarded by the
// Manager mutex. The adapter handle is exclusively owned: no other component
// may hold or mutate it.
type session struct {
	id                string
	status            Status
	pairingArtifact   string
	identity          string
	reconnectAttempts int
	adapter           adapter.Adapter
	// retryTimer is the single pending reconnection for this session,
	// replaced (never accumulated) and cancelled by Stop.
	retryTimer    *time.Timer
	retrySchedule backoff.BackOff
	pairedAt      time.Time
	// gen counts adapter instantiations. Events from a previous instance
	// carry a stale gen and are dropped, so a lingering goroutine from a
	// torn-down adapter can never drive the current instance's state.
	gen int
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		ID:                s.id,
		Status:            s.status,
		PairingArtifact:   s.pairingArtifact,
		Identity:          s.identity,
		ReconnectAttempts: s.reconnectAttempts,
	}
}

// Manager owns the session map and drives the per-session state machine from
// adapter events. At most one adapter handle is live per session id at any
// instant.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	factory  adapter.Factory
	store    *CredentialStore
	policy   *ReconnectionPolicy
	pairing  *PairingFlow
	notifier pubsub.Notifier
	logger   zerolog.Logger

	onMessage MessageHandler
	onAck     AckHandler
}

func NewManager(factory adapter.Factory, store *CredentialStore, policy *ReconnectionPolicy, notifier pubsub.Notifier, logger zerolog.Logger) *Manager {
	if policy == nil {
		policy = DefaultReconnectionPolicy()
	}
	return &Manager{
		sessions: make(map[string]*session),
		factory:  factory,
		store:    store,
		policy:   policy,
		pairing:  NewPairingFlow(logger),
		notifier: notifier,
		logger:   logger,
	}
}

// SetMessageHandler registers the inbound message sink. Call before any
// session is started.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = h
}

// SetAckHandler registers the delivery acknowledgement sink. Call before any
// session is started.
func (m *Manager) SetAckHandler(h AckHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAck = h
}

// Start creates a session for this id if none exists, or if the existing one
// is Disconnected. Starting a session that is already live is a no-op which
// returns the current state rather than creating a duplicate connection.
// Start never blocks on the network: the adapter connects asynchronously and
// drives state transitions through events.
func (m *Manager) Start(sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[sessionID]; s != nil && s.status != StatusDisconnected {
		return s.snapshot(), nil
	}
	return m.startLocked(sessionID)
}

func (m *Manager) startLocked(sessionID string) (Snapshot, error) {
	s := &session{
		id:            sessionID,
		status:        StatusInitializing,
		retrySchedule: m.policy.NewSchedule(),
	}
	if prev := m.sessions[sessionID]; prev != nil {
		// The generation is monotonic per id across restarts, so sinks
		// held by adapters from before this restart stay stale forever.
		s.gen = prev.gen
	}
	m.sessions[sessionID] = s
	// The identity is only surfaced once the adapter confirms the
	// connection; the bundle is loaded just to learn whether this session
	// was ever paired.
	if bundle, err := m.store.LoadBundle(sessionID); err == nil && bundle != nil {
		s.pairedAt = bundle.PairedAt
	}
	if err := m.instantiateLocked(s); err != nil {
		s.status = StatusDisconnected
		m.notifyStatusLocked(s)
		sentry.CaptureException(err)
		return s.snapshot(), fmt.Errorf("%w: %s", ErrPairingFailed, err)
	}
	m.notifyStatusLocked(s)
	return s.snapshot(), nil
}

// instantiateLocked constructs and starts a new adapter for this session.
// The previous instance for this id must already be fully torn down: any
// lingering lock from it (or from a crashed prior process) is forcibly
// cleared first, so two adapters never race over the same credential
// directory.
func (m *Manager) instantiateLocked(s *session) error {
	internal.Assert("no live adapter when instantiating", s.adapter == nil)
	dir, err := m.store.EnsureDir(s.id)
	if err != nil {
		return err
	}
	m.store.ClearStaleLock(s.id)
	if err := m.store.AcquireLock(s.id); err != nil {
		return err
	}
	s.gen++
	sink := m.sinkFor(s.id, s.gen)
	ad, err := m.factory(s.id, dir, sink)
	if err != nil {
		m.store.ReleaseLock(s.id)
		return fmt.Errorf("adapter construction failed for %s: %w", s.id, err)
	}
	s.adapter = ad
	liveAdaptersGauge.Inc()
	go func() {
		ctx := context.Background()
		if err := ad.Start(ctx); err != nil {
			sink(adapter.Closed{Reason: adapter.CloseReason{
				Code:    adapter.CloseStream,
				Message: err.Error(),
			}})
		}
	}()
	return nil
}

func (m *Manager) sinkFor(sessionID string, gen int) adapter.EventSink {
	return func(ev adapter.Event) {
		m.handleEvent(sessionID, gen, ev)
	}
}

// handleEvent is the single dispatch path for adapter events. Events for a
// given session arrive serially (adapter contract), so each transition here
// sees a consistent predecessor state.
func (m *Manager) handleEvent(sessionID string, gen int, ev adapter.Event) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil || s.gen != gen || s.adapter == nil {
		// Stale event from an adapter instance which has since been torn
		// down. Drop it.
		m.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case adapter.PairingCode:
		// A fresh challenge invalidates and replaces any prior artifact.
		s.pairingArtifact = m.pairing.Render(e.Code)
		s.status = StatusPairingRequired
		m.notifyStatusLocked(s)
		m.notifyArtifactLocked(s)
	case adapter.Connected:
		firstPairing := s.pairedAt.IsZero()
		s.status = StatusConnected
		s.identity = e.Identity
		s.pairingArtifact = ""
		s.reconnectAttempts = 0
		s.retrySchedule.Reset()
		if firstPairing {
			s.pairedAt = time.Now()
		}
		bundle := &CredentialBundle{
			SessionID: s.id,
			Identity:  s.identity,
			PairedAt:  s.pairedAt,
			UpdatedAt: time.Now(),
		}
		if err := m.store.SaveBundle(bundle); err != nil {
			m.logger.Err(err).Str("session", s.id).Msg("failed to persist credential bundle")
			sentry.CaptureException(err)
		}
		m.logger.Info().Str("session", s.id).Str("identity", s.identity).Msg("session connected")
		m.notifyStatusLocked(s)
		m.notifyArtifactLocked(s)
	case adapter.Closed:
		m.handleClosedLocked(s, e.Reason)
	case adapter.IncomingMessage:
		h := m.onMessage
		m.mu.Unlock()
		// Deliver outside the lock: the relay calls back into Sender.
		if h != nil {
			h(sessionID, e)
		}
		return
	case adapter.DeliveryAck:
		h := m.onAck
		m.mu.Unlock()
		if h != nil {
			h(sessionID, e)
		}
		return
	}
	m.mu.Unlock()
}

func (m *Manager) handleClosedLocked(s *session, reason adapter.CloseReason) {
	m.logger.Warn().Str("session", s.id).Stringer("reason", reason).Msg("connection closed")
	if s.adapter != nil {
		s.adapter = nil
		liveAdaptersGauge.Dec()
		if err := m.store.ReleaseLock(s.id); err != nil {
			m.logger.Err(err).Str("session", s.id).Msg("failed to release adapter lock")
		}
	}
	dec := m.policy.Decide(reason, s.reconnectAttempts+1, s.retrySchedule)
	switch {
	case dec.Terminal:
		// Remote logout / replaced / rejected: the credentials are dead.
		terminalClosesCounter.Inc()
		s.status = StatusDisconnected
		s.pairingArtifact = ""
		s.identity = ""
		if err := m.store.Delete(s.id); err != nil {
			m.logger.Err(err).Str("session", s.id).Msg("failed to delete credentials on terminal close")
			sentry.CaptureException(err)
		}
	case dec.Retry:
		s.reconnectAttempts++
		s.status = StatusReconnecting
		reconnectsCounter.Inc()
		m.logger.Info().Str("session", s.id).Int("attempt", s.reconnectAttempts).
			Str("delay", dec.Delay.String()).Msg("scheduling reconnect")
		if s.retryTimer != nil {
			s.retryTimer.Stop()
		}
		id := s.id
		s.retryTimer = time.AfterFunc(dec.Delay, func() { m.retry(id) })
	default:
		// Attempt ceiling reached: give up, but keep credentials so a
		// manual start can resume without re-pairing.
		m.logger.Warn().Str("session", s.id).Int("attempts", s.reconnectAttempts).
			Msg("reconnect ceiling reached, session disconnected")
		s.status = StatusDisconnected
		s.pairingArtifact = ""
	}
	m.notifyStatusLocked(s)
}

// retry fires when a scheduled reconnection delay elapses.
func (m *Manager) retry(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil || s.status != StatusReconnecting {
		// Cancelled by a Stop, or superseded by a manual restart.
		return
	}
	if err := m.instantiateLocked(s); err != nil {
		m.logger.Err(err).Str("session", sessionID).Msg("reconnect instantiation failed")
		sentry.CaptureException(err)
		// Treat like another transient close so the ceiling still applies.
		m.handleClosedLocked(s, adapter.CloseReason{
			Code:    adapter.CloseStream,
			Message: err.Error(),
		})
	}
}

// Status returns a read-only snapshot, or ErrSessionNotFound if the session
// was never started this process lifetime.
func (m *Manager) Status(sessionID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Sessions returns snapshots for every known session, ordered by id.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		snaps = append(snaps, s.snapshot())
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		return strings.Compare(a.ID, b.ID)
	})
	return snaps
}

// Sender returns the live adapter for a Connected session. The relay uses
// this for outbound dispatch; every other state yields a typed error.
func (m *Manager) Sender(sessionID string) (adapter.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.status != StatusConnected || s.adapter == nil {
		return nil, ErrSessionNotConnected
	}
	return s.adapter, nil
}

// Stop tears down the session's adapter. With permanent=true the credential
// bundle is deleted too (logout); otherwise credentials stay on disk for
// future restoration. Any pending reconnect is cancelled, never fired.
//
// Teardown happens under the manager lock: a concurrent Start for the same
// id therefore waits for teardown completion, preserving the single live
// adapter invariant. Adapter stops are bounded by stopTimeout.
func (m *Manager) Stop(sessionID string, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return ErrSessionNotFound
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.adapter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := s.adapter.Stop(ctx); err != nil {
			m.logger.Err(err).Str("session", sessionID).Msg("adapter stop failed")
		}
		cancel()
		s.adapter = nil
		liveAdaptersGauge.Dec()
		if err := m.store.ReleaseLock(sessionID); err != nil {
			m.logger.Err(err).Str("session", sessionID).Msg("failed to release adapter lock")
		}
	}
	s.status = StatusDisconnected
	s.pairingArtifact = ""
	if permanent {
		s.identity = ""
		if err := m.store.Delete(sessionID); err != nil {
			return fmt.Errorf("failed to delete credentials for %s: %w", sessionID, err)
		}
	}
	m.notifyStatusLocked(s)
	return nil
}

// RestoreAll enumerates persisted credential directories and starts each
// session, so sessions survive a process restart without re-pairing. Called
// once at startup.
func (m *Manager) RestoreAll(ctx context.Context) error {
	ids, err := m.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := m.Start(id); err != nil {
			// Non-fatal: the session ends up Disconnected and can be started
			// manually.
			m.logger.Err(err).Str("session", id).Msg("failed to restore session")
		}
	}
	m.logger.Info().Int("num_sessions", len(ids)).Msg("restored persisted sessions")
	return nil
}

func (m *Manager) notifyStatusLocked(s *session) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(pubsub.ChanConnector, &pubsub.SessionStatus{
		SessionID: s.id,
		Status:    string(s.status),
		Identity:  s.identity,
	})
	if err != nil {
		m.logger.Err(err).Str("session", s.id).Msg("failed to publish status payload")
	}
}

func (m *Manager) notifyArtifactLocked(s *session) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(pubsub.ChanConnector, &pubsub.PairingArtifact{
		SessionID: s.id,
		Artifact:  s.pairingArtifact,
	})
	if err != nil {
		m.logger.Err(err).Str("session", s.id).Msg("failed to publish pairing artifact payload")
	}
}
