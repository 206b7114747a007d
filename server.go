package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/exchange"
	"i4.energy/across/sbdgw/modem"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger  *slog.Logger
	Modem   *modem.Modem
	Session *modem.Session
	Coord   *exchange.Coordinator
	// Wake nudges the gateway run loop to start an exchange cycle.
	Wake chan<- struct{}
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handleSubmit)
	mux.HandleFunc("DELETE /messages/latest", s.handleCancel)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /cycle", s.handleCycle)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)

}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleSubmit queues a message for the next exchange cycle and nudges
// the run loop so delivery starts right away.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	type SubmitRequest struct {
		Message string `json:"message"`
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Message == "" {
		s.sendError(w, "'message' field is required", http.StatusBadRequest)
		return
	}

	handle, err := s.Coord.Submit(req.Message)
	switch {
	case errors.Is(err, exchange.ErrAlreadyPending):
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, modem.ErrPayloadTooLarge), errors.Is(err, modem.ErrPayloadInvalid):
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	select {
	case s.Wake <- struct{}{}:
	default:
	}

	s.Logger.Info("Message queued", "handle", handle, "message_length", len(req.Message))
	s.sendJSON(w, http.StatusAccepted, map[string]any{"handle": handle})
}

// handleCancel aborts the pending message, if it has not gone over the
// air yet.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.Coord.Pending()
	if !ok || msg.Status.Terminal() {
		s.sendError(w, "no pending message", http.StatusNotFound)
		return
	}

	switch err := s.Coord.Cancel(msg.Handle); {
	case errors.Is(err, exchange.ErrNotCancellable):
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, exchange.ErrUnknownHandle):
		s.sendError(w, "no pending message", http.StatusNotFound)
		return
	case err != nil:
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.Logger.Info("Message cancelled", "handle", msg.Handle)
	s.sendJSON(w, http.StatusOK, map[string]any{"handle": msg.Handle})
}

// Wire representations of the engine types.

type deviceJSON struct {
	MOPending bool `json:"mo_pending"`
	MTPending bool `json:"mt_pending"`
	MOMSN     int  `json:"momsn"`
	MTMSN     int  `json:"mtmsn"`
	RingAlert bool `json:"ring_alert"`
	Waiting   int  `json:"waiting"`
	Signal    int  `json:"signal"`
}

type pendingJSON struct {
	Handle   exchange.Handle `json:"handle"`
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	LastErr  string          `json:"last_error,omitempty"`
}

type incomingJSON struct {
	Payload    string `json:"payload"`
	ReceivedAt string `json:"received_at"`
	Sequence   int    `json:"sequence"`
}

func toDeviceJSON(s *at.Status) *deviceJSON {
	if s == nil {
		return nil
	}
	return &deviceJSON{
		MOPending: s.MOFlag,
		MTPending: s.MTFlag,
		MOMSN:     s.MOMSN,
		MTMSN:     s.MTMSN,
		RingAlert: s.RingAlert,
		Waiting:   s.Waiting,
		Signal:    s.Signal,
	}
}

func toIncomingJSON(m *exchange.IncomingMessage) *incomingJSON {
	if m == nil {
		return nil
	}
	return &incomingJSON{
		Payload:    m.Payload,
		ReceivedAt: m.ReceivedAt.UTC().Format(time.RFC3339),
		Sequence:   m.Sequence,
	}
}

// handleStatus reports the modem identity, session state, the latest
// device status snapshot and message state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		IMEI     string        `json:"imei"`
		State    string        `json:"state"`
		Device   *deviceJSON   `json:"device,omitempty"`
		Pending  *pendingJSON  `json:"pending,omitempty"`
		Incoming *incomingJSON `json:"incoming,omitempty"`
	}

	resp := StatusResponse{
		IMEI:  s.Modem.IMEI(),
		State: s.Session.State().String(),
	}
	if status, ok := s.Coord.CurrentStatus(); ok {
		resp.Device = toDeviceJSON(&status)
	}
	if msg, ok := s.Coord.Pending(); ok {
		resp.Pending = &pendingJSON{
			Handle:   msg.Handle,
			Status:   msg.Status.String(),
			Attempts: msg.Attempts,
			LastErr:  msg.LastErr,
		}
	}
	if msg, ok := s.Coord.LatestIncoming(); ok {
		resp.Incoming = toIncomingJSON(&msg)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleReset returns a faulted session engine to service. This
// recovers from transient faults where the serial link itself survived,
// such as a burst of command timeouts; it does not reopen the port, so
// a dead link needs a process restart. Harmless when the engine is
// healthy.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.Coord.Reset()
	s.Logger.Info("Session engine reset", "state", s.Session.State().String())
	w.WriteHeader(http.StatusNoContent)
}

// handleCycle runs one exchange cycle synchronously and reports its
// outcome. A session over the air can take a while; the request context
// bounds it.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.Coord.RunCycle(r.Context())
	switch {
	case errors.Is(err, exchange.ErrCycleInProgress):
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.Logger.Error("Cycle failed", "error", err)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type CycleResponse struct {
		SentHandle      exchange.Handle `json:"sent_handle,omitempty"`
		SessionAttempts int             `json:"session_attempts"`
		Received        *incomingJSON   `json:"received,omitempty"`
		Device          *deviceJSON     `json:"device,omitempty"`
	}

	s.sendJSON(w, http.StatusOK, CycleResponse{
		SentHandle:      outcome.SentHandle,
		SessionAttempts: outcome.SessionAttempts,
		Received:        toIncomingJSON(outcome.Received),
		Device:          toDeviceJSON(outcome.Status),
	})
}
