package campaign

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialtide/voicebridge/internal/types"
)

// startRequest is the POST body for launching a campaign
type startRequest struct {
	From               string            `json:"from"`
	CredentialID       string            `json:"credentialId"`
	OwnerID            string            `json:"ownerId"`
	Agent              types.AgentConfig `json:"agent"`
	Concurrency        int               `json:"concurrency,omitempty"`
	InterCallDelaySecs int               `json:"interCallDelaySecs,omitempty"`
	MaxCallMinutes     int               `json:"maxCallMinutes,omitempty"`
}

// Defaults fill in start-request fields the caller omitted
type Defaults struct {
	Concurrency     int
	InterCallDelay  time.Duration
	MaxCallDuration time.Duration
}

// Routes mounts the campaign control API on r. The caller wraps r with
// authentication.
func (m *Manager) Routes(r chi.Router, defaults Defaults) {
	r.Route("/campaigns/{campaignID}", func(r chi.Router) {
		r.Post("/start", m.handleStart(defaults))
		r.Post("/pause", m.handlePause)
		r.Post("/resume", m.handleResume)
		r.Post("/cancel", m.handleCancel)
		r.Get("/status", m.handleStatus)
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (m *Manager) handleStart(defaults Defaults) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "campaignID")

		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.From == "" || req.CredentialID == "" || req.OwnerID == "" {
			http.Error(w, "from, credentialId and ownerId are required", http.StatusBadRequest)
			return
		}

		cfg := Config{
			CampaignID:      campaignID,
			From:            req.From,
			CredentialID:    req.CredentialID,
			OwnerID:         req.OwnerID,
			Agent:           req.Agent,
			Concurrency:     defaults.Concurrency,
			InterCallDelay:  defaults.InterCallDelay,
			MaxCallDuration: defaults.MaxCallDuration,
		}
		if req.Concurrency > 0 {
			cfg.Concurrency = req.Concurrency
		}
		if req.InterCallDelaySecs > 0 {
			cfg.InterCallDelay = time.Duration(req.InterCallDelaySecs) * time.Second
		}
		if req.MaxCallMinutes > 0 {
			cfg.MaxCallDuration = time.Duration(req.MaxCallMinutes) * time.Minute
		}

		// The campaign outlives the HTTP request; cancellation happens via
		// the cancel endpoint or server shutdown, not the request context.
		if err := m.Start(context.Background(), cfg); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		m.logger.Info().Str("campaign_id", campaignID).Msg("campaign started via API")
		respondJSON(w, http.StatusAccepted, map[string]string{
			"message":    "campaign started",
			"campaignId": campaignID,
		})
	}
}

func (m *Manager) handlePause(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if err := m.Pause(campaignID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "campaign paused", "campaignId": campaignID})
}

func (m *Manager) handleResume(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if err := m.Resume(campaignID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "campaign resumed", "campaignId": campaignID})
}

func (m *Manager) handleCancel(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if err := m.Cancel(campaignID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "campaign cancelled", "campaignId": campaignID})
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	snapshot, err := m.Status(campaignID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}
