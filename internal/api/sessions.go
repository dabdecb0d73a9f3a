package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/avoronin/dialdesk/internal/appeal"
	"github.com/avoronin/dialdesk/internal/session"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SessionsHandler exposes the live operator sessions over REST. The
// workspace opens a session when the agent view mounts, feeds the wrap-up
// draft as the operator types, and closes the session on unmount.
type SessionsHandler struct {
	manager *session.Manager
	appeals appeal.Store
	logger  zerolog.Logger
}

// NewSessionsHandler creates a new SessionsHandler
func NewSessionsHandler(manager *session.Manager, appeals appeal.Store, logger zerolog.Logger) *SessionsHandler {
	return &SessionsHandler{
		manager: manager,
		appeals: appeals,
		logger:  logger.With().Str("component", "sessions_handler").Logger(),
	}
}

type openSessionRequest struct {
	Extension string `json:"extension"`
}

// Open starts a session and its endpoint poller for one agent
// POST /api/sessions/{agentID}
func (h *SessionsHandler) Open(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		http.Error(w, "agentID is required", http.StatusBadRequest)
		return
	}

	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Extension == "" {
		http.Error(w, "extension is required", http.StatusBadRequest)
		return
	}

	machine, err := h.manager.Open(agentID, req.Extension)
	if errors.Is(err, session.ErrExtensionMismatch) {
		http.Error(w, "session already open on another extension", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to open session")
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(machine.Snapshot())
}

// Get returns the current session snapshot for one agent
// GET /api/sessions/{agentID}
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.lookup(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(machine.Snapshot())
}

// Close tears down one agent's session
// DELETE /api/sessions/{agentID}
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !h.manager.Close(agentID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List returns snapshots of all open sessions, for supervisor views
// GET /api/sessions
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.manager.Snapshots()
	if snaps == nil {
		snaps = []types.SessionSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

// UpdateDraft replaces the wrap-up annotation draft for one agent
// PUT /api/sessions/{agentID}/draft
func (h *SessionsHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var draft types.AppealDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid draft body", http.StatusBadRequest)
		return
	}

	machine.SetDraft(draft)
	w.WriteHeader(http.StatusNoContent)
}

// SubmitWrapUp commits the wrap-up draft immediately
// POST /api/sessions/{agentID}/wrapup
func (h *SessionsHandler) SubmitWrapUp(w http.ResponseWriter, r *http.Request) {
	machine, ok := h.lookup(w, r)
	if !ok {
		return
	}

	err := machine.SubmitWrapUp()
	switch {
	case errors.Is(err, session.ErrNotWrappingUp):
		http.Error(w, "no wrap-up in progress", http.StatusConflict)
		return
	case errors.Is(err, session.ErrDraftIncomplete):
		http.Error(w, "draft is missing mandatory fields", http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to submit wrap-up")
		http.Error(w, "failed to submit wrap-up", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(machine.Snapshot())
}

// ListAppeals returns the appeals written by one operator
// GET /api/operators/{operatorID}/appeals
func (h *SessionsHandler) ListAppeals(w http.ResponseWriter, r *http.Request) {
	operatorID := chi.URLParam(r, "operatorID")
	if operatorID == "" {
		http.Error(w, "operatorID is required", http.StatusBadRequest)
		return
	}

	appeals, err := h.appeals.ListByOperator(r.Context(), operatorID)
	if err != nil {
		h.logger.Error().Err(err).Str("operator_id", operatorID).Msg("failed to list appeals")
		http.Error(w, "failed to retrieve appeals", http.StatusInternalServerError)
		return
	}
	if appeals == nil {
		appeals = []types.Appeal{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(appeals)
}

func (h *SessionsHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Machine, bool) {
	agentID := chi.URLParam(r, "agentID")
	if agentID == "" {
		http.Error(w, "agentID is required", http.StatusBadRequest)
		return nil, false
	}

	machine, ok := h.manager.Get(agentID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return machine, true
}
