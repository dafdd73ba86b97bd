package webhook

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/bridge"
	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/types"
)

// streamEvent is the provider's media-stream framing in both directions
type streamEvent struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
}

type streamStart struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

type streamMedia struct {
	Payload     string `json:"payload"`
	ContentType string `json:"contentType,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
}

// streamWriter serializes writes to the telephony websocket. The bridge's
// playback path and the ping loop both write.
type streamWriter struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	writeWait time.Duration
}

func (sw *streamWriter) writeJSON(v interface{}) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.ws.SetWriteDeadline(time.Now().Add(sw.writeWait))
	return sw.ws.WriteJSON(v)
}

func (sw *streamWriter) ping() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(sw.writeWait))
}

// handleStream carries one call's audio. The provider connects here after
// receiving the stream-connect markup; the session is stood up on the
// start frame and torn down when the socket closes.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	logger := h.logger.With().Str("call_id", callID).Logger()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("stream upgrade failed")
		return
	}
	defer ws.Close()

	ws.SetReadLimit(h.cfg.MaxStreamMessage)
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	writer := &streamWriter{ws: ws, writeWait: h.cfg.WriteWait}

	// Keepalive pings until the read loop exits
	stopPings := make(chan struct{})
	defer close(stopPings)
	go func() {
		ticker := time.NewTicker(h.cfg.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPings:
				return
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					return
				}
			}
		}
	}()

	var session *bridge.Session
	var streamSID string

	defer func() {
		if session == nil {
			return
		}
		duration, transcript := session.End("telephony stream closed")
		h.lifecycle.AttachTranscript(callID, transcript)
		if err := h.lifecycle.HandleStatusUpdate(callID, types.CallStatusCompleted,
			map[string]string{"endReason": "stream closed"}, &duration); err != nil {
			logger.Warn().Err(err).Msg("status update on stream close not applied")
		}
	}()

	for {
		var event streamEvent
		if err := ws.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("stream read error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		switch event.Event {
		case "start":
			if session != nil {
				logger.Warn().Msg("duplicate start frame ignored")
				continue
			}
			if event.Start != nil {
				streamSID = event.Start.StreamSid
			}
			session = h.startSession(r.Context(), callID, streamSID, event.Start, writer, logger)
			if session == nil {
				return
			}

		case "media":
			// Media arriving before the start frame has no session to
			// carry it and is dropped
			if session == nil || event.Media == nil {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(event.Media.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping malformed media payload")
				continue
			}
			session.HandleMediaFrame(mulaw)

		case "stop":
			logger.Debug().Msg("stream stop received")

		default:
			logger.Debug().Str("event", event.Event).Msg("unhandled stream event")
		}
	}
}

// startSession stands up the bridge session for a freshly started stream.
// Returns nil when no setup is registered for the call or the pool is full;
// the caller closes the socket in that case.
func (h *Handler) startSession(ctx context.Context, callID, streamSID string, start *streamStart, writer *streamWriter, logger zerolog.Logger) *bridge.Session {
	setup, ok := h.setups.Take(callID)
	if !ok {
		logger.Warn().Msg("stream started for unknown call")
		return nil
	}

	providerSID := setup.ProviderSID
	if start != nil && start.CallSid != "" {
		providerSID = start.CallSid
	}

	params := bridge.SessionParams{
		CallID:       callID,
		ProviderSID:  providerSID,
		CredentialID: setup.CredentialID,
		Direction:    setup.Direction,
		From:         setup.From,
		To:           setup.To,
		Agent:        setup.Agent,
		SendPlayback: func(mulaw []byte) error {
			return writer.writeJSON(streamEvent{
				Event:     "media",
				StreamSid: streamSID,
				Media: &streamMedia{
					Payload:     base64.StdEncoding.EncodeToString(mulaw),
					ContentType: "audio/x-mulaw",
					SampleRate:  8000,
				},
			})
		},
	}

	session, err := h.registry.Create(ctx, params)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create bridge session")
		return nil
	}

	session.HandleStreamStart(streamSID, providerSID)

	if err := h.lifecycle.HandleStatusUpdate(callID, types.CallStatusInProgress, nil, nil); err != nil {
		logger.Warn().Err(err).Msg("in-progress transition not applied")
	}
	metrics.Get().RecordWebhookRequest("stream")
	return session
}
