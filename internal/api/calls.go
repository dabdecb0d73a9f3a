package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/avoronin/dialdesk/internal/cdr"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// CallsHandler provides REST endpoints for call history
type CallsHandler struct {
	store  *cdr.Store
	logger zerolog.Logger
}

// NewCallsHandler creates a new CallsHandler
func NewCallsHandler(store *cdr.Store, logger zerolog.Logger) *CallsHandler {
	return &CallsHandler{
		store:  store,
		logger: logger.With().Str("component", "calls_handler").Logger(),
	}
}

// List returns one page of deduplicated calls for a date range
// GET /api/calls?from=YYYY-MM-DD&to=YYYY-MM-DD&operator=105&type=missed&page=1&per_page=50
func (h *CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := time.Parse("2006-01-02", q.Get("from"))
	if err != nil {
		http.Error(w, "from query parameter is required (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	to, err := time.Parse("2006-01-02", q.Get("to"))
	if err != nil {
		http.Error(w, "to query parameter is required (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}

	filter := cdr.ListFilter{
		Operator: q.Get("operator"),
		Type:     cdr.CallType(q.Get("type")),
	}
	filter.From, filter.To = cdr.DayRange(from, to)

	if page := q.Get("page"); page != "" {
		filter.Page, err = strconv.Atoi(page)
		if err != nil || filter.Page < 1 {
			http.Error(w, "page must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	if perPage := q.Get("per_page"); perPage != "" {
		filter.PerPage, err = strconv.Atoi(perPage)
		if err != nil || filter.PerPage < 1 {
			http.Error(w, "per_page must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	page, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list calls")
		http.Error(w, "failed to retrieve calls", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

// Get resolves one call by its own id or its correlation id
// GET /api/calls/{callID}
func (h *CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "callID is required", http.StatusBadRequest)
		return
	}

	call, err := h.store.Resolve(r.Context(), callID)
	if errors.Is(err, cdr.ErrNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to resolve call")
		http.Error(w, "failed to retrieve call", http.StatusInternalServerError)
		return
	}

	if err := h.store.AttachRecording(r.Context(), call); err != nil {
		// The call itself is still useful without its recording id
		h.logger.Warn().Err(err).Str("call_id", callID).Msg("failed to locate recording")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(call)
}

// GetRecording returns the recording id for one call
// GET /api/calls/{callID}/recording
func (h *CallsHandler) GetRecording(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "callID is required", http.StatusBadRequest)
		return
	}

	call, err := h.store.Resolve(r.Context(), callID)
	if errors.Is(err, cdr.ErrNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to resolve call")
		http.Error(w, "failed to retrieve call", http.StatusInternalServerError)
		return
	}

	if err := h.store.AttachRecording(r.Context(), call); err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to locate recording")
		http.Error(w, "failed to locate recording", http.StatusInternalServerError)
		return
	}
	if call.RecordingID == "" {
		http.Error(w, "no recording for this call", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"callId":      call.ID,
		"recordingId": call.RecordingID,
	})
}
