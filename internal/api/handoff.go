package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/platform/web"
)

type sessionResponse struct {
	Token          string         `json:"token"`
	Status         handoff.Status `json:"status"`
	ExpiresAt      time.Time      `json:"expires_at,omitzero"`
	PollIntervalMs int64          `json:"poll_interval_ms"`
}

// handleHandoffRegister issues a token, or re-registers one the caller already holds.
func (s *Server) handleHandoffRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			web.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var sess handoff.Session
	var err error
	if req.Token == "" {
		sess, err = s.deps.Broker.Open(r.Context())
	} else {
		sess, err = s.deps.Broker.Register(r.Context(), req.Token)
	}
	switch {
	case errors.Is(err, handoff.ErrInvalidToken):
		web.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, handoff.ErrExpired):
		web.WriteError(w, http.StatusGone, err.Error())
		return
	case err != nil:
		slog.Error("Failed to register handoff session", "error", err)
		web.WriteError(w, http.StatusServiceUnavailable, "handoff store unavailable")
		return
	}

	web.WriteJSON(w, http.StatusCreated, sessionResponse{
		Token:          sess.Token,
		Status:         sess.Status,
		ExpiresAt:      sess.ExpiresAt,
		PollIntervalMs: s.cfg.Handoff.PollInterval.Milliseconds(),
	})
}

type pollResponse struct {
	Status    handoff.Status  `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

func (s *Server) handleHandoffPoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Broker.Poll(r.Context(), r.PathValue("token"))
	if err != nil {
		slog.Error("Failed to poll handoff session", "error", err)
		web.WriteError(w, http.StatusServiceUnavailable, "handoff store unavailable")
		return
	}
	web.WriteJSON(w, http.StatusOK, pollResponse{
		Status:    res.Status,
		Payload:   json.RawMessage(res.Payload),
		ExpiresAt: res.ExpiresAt,
	})
}

// handleHandoffDeliver accepts the producer's JSON payload for a waiting token.
func (s *Server) handleHandoffDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, handoff.MaxPayloadBytes))
	if err != nil {
		web.WriteError(w, http.StatusRequestEntityTooLarge, handoff.ErrPayloadTooLarge.Error())
		return
	}
	if !json.Valid(body) {
		web.WriteError(w, http.StatusBadRequest, "payload must be JSON")
		return
	}
	// The payload is read once, so its shape is checked before it is stored.
	if _, err := parseRows(body); err != nil {
		web.WriteError(w, http.StatusUnprocessableEntity, "payload must be a row array or {\"rows\": [...]}")
		return
	}

	err = s.deps.Broker.Deliver(r.Context(), r.PathValue("token"), body)
	switch {
	case err == nil:
		web.WriteJSON(w, http.StatusAccepted, map[string]string{"status": string(handoff.StatusReady)})
	case errors.Is(err, handoff.ErrAlreadyDelivered):
		web.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, handoff.ErrExpired):
		web.WriteError(w, http.StatusGone, err.Error())
	case errors.Is(err, handoff.ErrPayloadTooLarge):
		web.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		slog.Error("Failed to deliver handoff payload", "error", err)
		web.WriteError(w, http.StatusServiceUnavailable, "handoff store unavailable")
	}
}
