// Package webhook receives the telephony provider's HTTP callbacks and
// media-stream websocket, and drives the bridge and lifecycle layers from
// them. Handlers always answer 200: the provider retries failed callbacks
// and retries would duplicate side effects.
package webhook

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/billing"
	"github.com/dialtide/voicebridge/internal/bridge"
	"github.com/dialtide/voicebridge/internal/config"
	"github.com/dialtide/voicebridge/internal/lifecycle"
	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/telephony"
	"github.com/dialtide/voicebridge/internal/types"
)

const apologyMessage = "We are sorry, this call cannot be completed right now. Please try again later."

// Handler serves the provider-facing endpoints
type Handler struct {
	lifecycle *lifecycle.Service
	registry  *bridge.Registry
	ledger    billing.Ledger
	directory AgentDirectory
	setups    *Setups
	cfg       *config.Config
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// NewHandler creates the provider-facing webhook handler
func NewHandler(lc *lifecycle.Service, registry *bridge.Registry, ledger billing.Ledger, directory AgentDirectory, setups *Setups, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		lifecycle: lc,
		registry:  registry,
		ledger:    ledger,
		directory: directory,
		setups:    setups,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media stream comes from the provider's backbone, not a
			// browser; there is no origin to verify.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes mounts all provider-facing endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Route("/webhooks/voice", func(r chi.Router) {
		r.Post("/answer", h.handleAnswer)
		r.Post("/status", h.handleStatus)
		r.Post("/recording", h.handleRecording)
		r.Get("/transfer", h.handleTransfer)
		r.Post("/transfer", h.handleTransfer)
		r.Post("/hangup", h.handleHangup)
	})
	r.Get("/stream/{callID}", h.handleStream)
}

func writeTwiML(w http.ResponseWriter, markup string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(markup))
}

// handleAnswer answers an inbound ring: if an agent with credit is bound to
// the called number, the response connects the provider's media stream;
// otherwise the caller hears an apology and the call ends. The record stays
// pending either way until the stream actually starts.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	metrics.Get().RecordWebhookRequest("answer")

	if err := r.ParseForm(); err != nil {
		h.logger.Warn().Err(err).Msg("unparseable answer webhook")
		writeTwiML(w, telephony.SayHangup(apologyMessage))
		return
	}

	providerSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	to := r.FormValue("To")

	agent, credentialID, ownerID, ok := h.directory.AgentForNumber(to)
	if !ok {
		h.logger.Info().Str("to", to).Msg("inbound call to number with no agent")
		writeTwiML(w, telephony.SayHangup(apologyMessage))
		return
	}

	balance, err := h.ledger.Balance(ownerID)
	if err != nil || balance < 1 {
		h.logger.Warn().Err(err).Str("owner_id", ownerID).Int("balance", balance).Msg("inbound call without credit")
		writeTwiML(w, telephony.SayHangup(apologyMessage))
		return
	}

	callID := uuid.NewString()
	if _, err := h.lifecycle.CreateInboundCall(callID, providerSID, from, to, ownerID, credentialID, agent); err != nil {
		h.logger.Error().Err(err).Msg("failed to create inbound call record")
		writeTwiML(w, telephony.SayHangup(apologyMessage))
		return
	}

	h.setups.Register(callID, Setup{
		ProviderSID:  providerSID,
		CredentialID: credentialID,
		OwnerID:      ownerID,
		Direction:    types.DirectionInbound,
		From:         from,
		To:           to,
		Agent:        agent,
	})

	writeTwiML(w, telephony.ConnectStream(h.cfg.StreamURL(callID)))
}

// handleStatus applies a provider status push. The response is 200 no
// matter what happens internally.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics.Get().RecordWebhookRequest("status")
	defer w.WriteHeader(http.StatusOK)

	if err := r.ParseForm(); err != nil {
		h.logger.Warn().Err(err).Msg("unparseable status webhook")
		return
	}

	providerSID := r.FormValue("CallSid")
	providerStatus := r.FormValue("CallStatus")
	hangupCause := r.FormValue("HangupCause")
	if providerSID == "" {
		h.logger.Warn().Msg("status webhook without CallSid")
		return
	}

	callID := h.lifecycle.ResolveCallID(providerSID)
	mapped := lifecycle.MapProviderStatus(providerStatus, hangupCause)

	var durationPtr *int
	if raw := r.FormValue("CallDuration"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			durationPtr = &secs
		}
	}

	meta := map[string]string{}
	if hangupCause != "" {
		meta["hangupCause"] = hangupCause
	}

	if mapped.IsTerminal() {
		if session := h.registry.Get(callID); session != nil {
			duration, transcript := session.End("status webhook")
			h.lifecycle.AttachTranscript(callID, transcript)
			if durationPtr == nil {
				durationPtr = &duration
			}
		}
		h.setups.Drop(callID)
	}

	if err := h.lifecycle.HandleStatusUpdate(callID, mapped, meta, durationPtr); err != nil {
		h.logger.Warn().Err(err).Str("call_id", callID).Str("status", string(mapped)).Msg("status update not applied")
	}
}

// recordingPayload is the recording-ready callback body. Some provider
// configurations deliver it as ordinary form fields, others as a JSON
// document inside a single form field.
type recordingPayload struct {
	CallSid           string `json:"CallSid"`
	RecordingSid      string `json:"RecordingSid"`
	RecordingURL      string `json:"RecordingUrl"`
	RecordingDuration string `json:"RecordingDuration"`
	DurationMs        string `json:"duration_ms"`
}

// handleRecording persists a finished recording's reference. Responds 200
// unconditionally.
func (h *Handler) handleRecording(w http.ResponseWriter, r *http.Request) {
	metrics.Get().RecordWebhookRequest("recording")
	defer w.WriteHeader(http.StatusOK)

	if err := r.ParseForm(); err != nil {
		h.logger.Warn().Err(err).Msg("unparseable recording webhook")
		return
	}

	payload := recordingPayload{
		CallSid:           r.FormValue("CallSid"),
		RecordingSid:      r.FormValue("RecordingSid"),
		RecordingURL:      r.FormValue("RecordingUrl"),
		RecordingDuration: r.FormValue("RecordingDuration"),
		DurationMs:        r.FormValue("duration_ms"),
	}

	// JSON-string-in-a-form-field wrapping: the whole document arrives as
	// the value of one field
	if payload.RecordingURL == "" {
		for _, values := range r.Form {
			for _, value := range values {
				var wrapped recordingPayload
				if err := json.Unmarshal([]byte(value), &wrapped); err == nil && wrapped.RecordingURL != "" {
					payload = wrapped
				}
			}
		}
	}

	if payload.RecordingURL == "" {
		h.logger.Warn().Msg("recording webhook without a recording URL")
		return
	}

	durationSecs := 0
	if payload.RecordingDuration != "" {
		if secs, err := strconv.Atoi(payload.RecordingDuration); err == nil {
			durationSecs = secs
		}
	} else if payload.DurationMs != "" {
		if ms, err := strconv.Atoi(payload.DurationMs); err == nil {
			durationSecs = ms / 1000
		}
	}

	callID := h.lifecycle.ResolveCallID(payload.CallSid)
	h.lifecycle.AttachRecording(callID, payload.RecordingURL, payload.RecordingSid, durationSecs)
	h.logger.Info().Str("call_id", callID).Str("recording_sid", payload.RecordingSid).Msg("recording stored")
}

// handleTransfer returns the dial instructions a transfer redirect fetches.
// The target and caller id ride in the query; a transfer armed by the
// bridge is the fallback when they are absent.
func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	metrics.Get().RecordWebhookRequest("transfer")

	target := r.URL.Query().Get("target")
	callerID := r.URL.Query().Get("callerId")

	if target == "" {
		providerSID := r.FormValue("CallSid")
		if providerSID == "" {
			providerSID = r.URL.Query().Get("CallSid")
		}
		if providerSID != "" {
			callID := h.lifecycle.ResolveCallID(providerSID)
			if transfer, ok := h.registry.TakePendingTransfer(callID); ok {
				target = transfer.Target
				callerID = transfer.CallerID
			}
		}
	}

	if target == "" {
		h.logger.Warn().Msg("transfer webhook without a target")
		writeTwiML(w, telephony.SayHangup(apologyMessage))
		return
	}

	writeTwiML(w, telephony.Dial(target, callerID))
}

// handleHangup speaks a goodbye and ends the call
func (h *Handler) handleHangup(w http.ResponseWriter, r *http.Request) {
	metrics.Get().RecordWebhookRequest("hangup")
	writeTwiML(w, telephony.SayHangup("Thank you for calling. Goodbye."))
}
