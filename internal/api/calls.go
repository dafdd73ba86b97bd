// Package api exposes the authenticated read surface: call records,
// campaign contacts and pool occupancy.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/types"
)

// Handler provides REST endpoints for call and pool state
type Handler struct {
	store  storage.Store
	pool   *pool.Manager
	logger zerolog.Logger
}

// NewHandler creates a read API handler
func NewHandler(store storage.Store, p *pool.Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		pool:   p,
		logger: logger.With().Str("component", "api_handler").Logger(),
	}
}

// Routes mounts the read API. The caller wraps r with authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/calls/{callID}", h.GetCall)
	r.Get("/api/calls/{callID}/transcript", h.GetTranscript)
	r.Get("/api/campaigns/{campaignID}/contacts", h.GetContacts)
	r.Get("/api/pool", h.GetPool)
}

// GetCall returns the stored record for one call
// GET /api/calls/{callID}
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	call, err := h.store.GetCall(callID)
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to load call")
		http.Error(w, "failed to retrieve call", http.StatusInternalServerError)
		return
	}
	if call == nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(call)
}

// GetTranscript returns the flattened transcript of a finished call
// GET /api/calls/{callID}/transcript
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	call, err := h.store.GetCall(callID)
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to load call")
		http.Error(w, "failed to retrieve call", http.StatusInternalServerError)
		return
	}
	if call == nil {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"callId":     call.CallID,
		"transcript": call.Transcript,
	})
}

// GetContacts returns every contact in a campaign with its outcome
// GET /api/campaigns/{campaignID}/contacts
func (h *Handler) GetContacts(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	contacts, err := h.store.ListContacts(campaignID)
	if err != nil {
		h.logger.Error().Err(err).Str("campaign_id", campaignID).Msg("failed to list contacts")
		http.Error(w, "failed to retrieve contacts", http.StatusInternalServerError)
		return
	}
	if contacts == nil {
		contacts = []types.Contact{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(contacts)
}

// poolStatus is the occupancy document GetPool returns
type poolStatus struct {
	Ceiling      int            `json:"ceiling"`
	TotalActive  int            `json:"totalActive"`
	ByCredential map[string]int `json:"byCredential"`
}

// GetPool returns current pool occupancy
// GET /api/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(poolStatus{
		Ceiling:      h.pool.Ceiling(),
		TotalActive:  h.pool.TotalActive(),
		ByCredential: h.pool.Snapshot(),
	})
}
