package waconnect

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/lojahub/waconnect/internal"
	"github.com/lojahub/waconnect/relay"
	"github.com/lojahub/waconnect/session"
)

// Handler is the command surface over the session manager and relay.
type Handler struct {
	Sessions *session.Manager
	Relay    *relay.Relay
	logger   zerolog.Logger
}

func NewHandler(sessions *session.Manager, rl *relay.Relay, logger zerolog.Logger) *Handler {
	return &Handler{
		Sessions: sessions,
		Relay:    rl,
		logger:   logger,
	}
}

type startRequest struct {
	SessionID string `json:"sessionId"`
}

type statusResponse struct {
	Status          string `json:"status"`
	PairingArtifact string `json:"pairingArtifact,omitempty"`
	Identity        string `json:"identity,omitempty"`
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

type sendMediaRequest struct {
	SessionID   string `json:"sessionId"`
	To          string `json:"to"`
	MediaBase64 string `json:"mediaBase64"`
	Filename    string `json:"filename"`
	Caption     string `json:"caption"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

type sessionSummary struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Identity string `json:"identity,omitempty"`
}

func (h *Handler) ServeStart(w http.ResponseWriter, req *http.Request) {
	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.SessionID == "" {
		h.respondError(w, req, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("missing or malformed sessionId"),
		})
		return
	}
	ctx, span := internal.StartSpan(req.Context(), "ServeStart")
	defer span.End()
	internal.SetRequestContextSessionID(ctx, body.SessionID)
	internal.Logf(ctx, "session", "start %s", body.SessionID)
	snap, err := h.Sessions.Start(body.SessionID)
	if err != nil {
		h.respondError(w, req, err)
		return
	}
	h.respondJSON(w, statusResponse{Status: string(snap.Status)})
}

func (h *Handler) ServeStatus(w http.ResponseWriter, req *http.Request) {
	internal.SetRequestContextSessionID(req.Context(), mux.Vars(req)["sessionId"])
	snap, err := h.Sessions.Status(mux.Vars(req)["sessionId"])
	if err != nil {
		h.respondError(w, req, err)
		return
	}
	h.respondJSON(w, statusResponse{
		Status:          string(snap.Status),
		PairingArtifact: snap.PairingArtifact,
		Identity:        snap.Identity,
	})
}

func (h *Handler) ServeSessions(w http.ResponseWriter, req *http.Request) {
	snaps := h.Sessions.Sessions()
	internal.SetRequestContextNumSessions(req.Context(), len(snaps))
	out := make([]sessionSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, sessionSummary{
			ID:       snap.ID,
			Status:   string(snap.Status),
			Identity: snap.Identity,
		})
	}
	h.respondJSON(w, out)
}

func (h *Handler) ServeSend(w http.ResponseWriter, req *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.SessionID == "" {
		h.respondError(w, req, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("malformed send request"),
		})
		return
	}
	ctx, span := internal.StartSpan(req.Context(), "ServeSend")
	defer span.End()
	internal.SetRequestContextSessionID(ctx, body.SessionID)
	id, err := h.Relay.SendText(ctx, body.SessionID, body.To, body.Text)
	if err != nil {
		h.respondError(w, req, err)
		return
	}
	internal.SetRequestContextMessageID(ctx, id)
	h.respondJSON(w, sendResponse{MessageID: id})
}

func (h *Handler) ServeSendMedia(w http.ResponseWriter, req *http.Request) {
	var body sendMediaRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.SessionID == "" {
		h.respondError(w, req, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("malformed send-media request"),
		})
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.MediaBase64)
	if err != nil {
		h.respondError(w, req, &internal.HandlerError{
			StatusCode: 400,
			Err:        fmt.Errorf("mediaBase64 is not valid base64: %s", err),
		})
		return
	}
	ctx, span := internal.StartSpan(req.Context(), "ServeSendMedia")
	defer span.End()
	internal.SetRequestContextSessionID(ctx, body.SessionID)
	id, err := h.Relay.SendMedia(ctx, body.SessionID, body.To, data, body.Filename, body.Caption)
	if err != nil {
		h.respondError(w, req, err)
		return
	}
	internal.SetRequestContextMessageID(ctx, id)
	h.respondJSON(w, sendResponse{MessageID: id})
}

func (h *Handler) ServeMedia(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	internal.SetRequestContextSessionID(req.Context(), vars["sessionId"])
	internal.SetRequestContextMessageID(req.Context(), vars["messageId"])
	data, err := h.Relay.Media(req.Context(), vars["sessionId"], vars["messageId"])
	if err != nil {
		h.respondError(w, req, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(200)
	w.Write(data)
}

func (h *Handler) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Err(err).Msg("failed to write response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, req *http.Request, err error) {
	herr := asHandlerError(err)
	if herr.StatusCode >= 500 {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

// asHandlerError maps the domain error taxonomy onto HTTP status codes.
// Adapter-originated failures (disconnects, media errors) never reach here;
// they resolve internally to state transitions.
func asHandlerError(err error) *internal.HandlerError {
	var herr *internal.HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	status := 500
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status = 404
	case errors.Is(err, session.ErrSessionNotConnected):
		status = 409
	case errors.Is(err, relay.ErrDestinationInvalid):
		status = 400
	case errors.Is(err, session.ErrPairingFailed):
		status = 502
	}
	return &internal.HandlerError{StatusCode: status, Err: err}
}
