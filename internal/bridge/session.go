package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/audio"
	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/speech"
	"github.com/dialtide/voicebridge/internal/types"
)

// SessionState tracks the bridge's connection status
type SessionState string

const (
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateDisconnected SessionState = "disconnected"
	StateError        SessionState = "error"
)

// ToolFunc executes a non-built-in tool call and returns the JSON result
// delivered back to the model
type ToolFunc func(ctx context.Context, args string) (string, error)

// SessionParams carries everything needed to stand up one call's bridge
type SessionParams struct {
	CallID       string
	ProviderSID  string
	CredentialID string
	Direction    types.CallDirection
	From         string
	To           string
	Agent        types.AgentConfig

	// SendPlayback writes one narrowband audio payload to the telephony
	// stream. Must be safe for concurrent use.
	SendPlayback func(mulaw []byte) error
	// OnEnd is invoked once when the session tears down for any reason
	OnEnd func(reason string)
	// Handlers maps tool names to their executors; tools without an entry
	// fall back to Fallback.
	Handlers map[string]ToolFunc
	// Fallback handles tool names with no registered handler. May be nil.
	Fallback func(ctx context.Context, name, args string) (string, error)
}

// Session bridges one call between the telephony media stream and the
// speech-AI realtime connection
type Session struct {
	registry *Registry
	params   SessionParams
	conn     speech.Conn
	logger   zerolog.Logger

	mu             sync.Mutex
	state          SessionState
	providerSID    string
	streamSID      string
	streamReady    bool
	greetingSent   bool
	processedTools map[string]bool
	transcript     []types.TranscriptEntry
	endReason      string
	ended          bool
	endedAfter     int // call duration in seconds, fixed when ended flips

	startedAt time.Time

	restTimeout time.Duration
}

const mulawBytesPerSecond = 8000 // 8kHz, one byte per sample

// operationalRules are appended to every agent's instructions so the model
// honors the call-control contract regardless of how the agent was authored
const operationalRules = "\n\nOperational rules you must always follow:\n" +
	"- Speak only in short, natural conversational turns.\n" +
	"- Never end the call until the caller has confirmed they are finished.\n" +
	"- If a data-submission tool is declared, call it before ending the call.\n" +
	"- When transferring or ending the call, tell the caller first, then use the tool."

func newSession(ctx context.Context, r *Registry, params SessionParams) (*Session, error) {
	logger := r.logger.With().Str("call_id", params.CallID).Logger()

	s := &Session{
		registry:       r,
		params:         params,
		logger:         logger,
		state:          StateConnecting,
		providerSID:    params.ProviderSID,
		processedTools: make(map[string]bool),
		startedAt:      time.Now(),
		restTimeout:    10 * time.Second,
	}

	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open speech connection: %w", err)
	}
	s.conn = conn

	if err := conn.Configure(s.sessionConfig()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure speech session: %w", err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()

	metrics.Get().RecordSessionStart()
	go s.readLoop()

	s.maybeSendGreeting()
	return s, nil
}

// sessionConfig builds the one-time session.update from the agent config
func (s *Session) sessionConfig() speech.SessionConfig {
	agent := s.params.Agent

	cfg := speech.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            agent.Instructions + operationalRules,
		Voice:                   agent.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &speech.Transcription{Model: "whisper-1"},
	}

	switch agent.TurnDetection.Mode {
	case types.TurnDetectionSemantic:
		eagerness := agent.TurnDetection.Eagerness
		if eagerness == "" {
			eagerness = "auto"
		}
		cfg.TurnDetection = &speech.TurnDetection{Type: "semantic_vad", Eagerness: eagerness}
	default:
		td := &speech.TurnDetection{
			Type:              "server_vad",
			Threshold:         agent.TurnDetection.Threshold,
			PrefixPaddingMs:   agent.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: agent.TurnDetection.SilenceDurationMs,
		}
		if td.Threshold == 0 {
			td.Threshold = 0.5
		}
		if td.PrefixPaddingMs == 0 {
			td.PrefixPaddingMs = 300
		}
		if td.SilenceDurationMs == 0 {
			td.SilenceDurationMs = 500
		}
		cfg.TurnDetection = td
	}

	for _, tool := range agent.Tools {
		cfg.Tools = append(cfg.Tools, speech.ToolDecl{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return cfg
}

// HandleStreamStart marks the telephony stream ready. The provider's start
// frame carries the stream and call correlation ids.
func (s *Session) HandleStreamStart(streamSID, providerSID string) {
	s.mu.Lock()
	s.streamSID = streamSID
	if providerSID != "" {
		s.providerSID = providerSID
	}
	s.streamReady = true
	s.mu.Unlock()

	s.logger.Debug().Str("stream_sid", streamSID).Msg("telephony stream ready")
	s.maybeSendGreeting()
}

// maybeSendGreeting fires the configured greeting exactly once, after both
// the telephony stream and the speech connection are up. Whichever side
// comes up last triggers the send.
func (s *Session) maybeSendGreeting() {
	s.mu.Lock()
	if s.greetingSent || !s.streamReady || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.greetingSent = true
	greeting := s.params.Agent.Greeting
	s.mu.Unlock()

	if greeting == "" {
		return
	}

	instructions := fmt.Sprintf("Say exactly the following, once, and then wait for the caller to respond: %q", greeting)
	if err := s.conn.CreateResponse(instructions); err != nil {
		s.logger.Error().Err(err).Msg("failed to send greeting")
	}
}

// HandleMediaFrame forwards one telephony audio payload to the speech
// connection. Frames arriving after disconnect are dropped.
func (s *Session) HandleMediaFrame(mulaw []byte) {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || len(mulaw) == 0 {
		return
	}

	pcm := audio.UpsampleToWideband(mulaw)
	if err := s.conn.AppendAudio(pcm); err != nil {
		s.logger.Warn().Err(err).Msg("failed to append audio")
		return
	}
	s.registry.pool.UpdateActivity(s.params.CallID)
	metrics.Get().RecordFrameUpsampled()
}

// readLoop owns all reads from the speech connection. It exits when the
// socket closes, tearing the session down unless a tool already did.
func (s *Session) readLoop() {
	for {
		ev, err := s.conn.ReadEvent()
		if err != nil {
			s.mu.Lock()
			wasConnected := s.state == StateConnected
			s.mu.Unlock()
			if wasConnected {
				s.logger.Warn().Err(err).Msg("speech connection lost")
				metrics.Get().RecordSessionError()
				s.End("speech socket closed")
			}
			return
		}
		s.handleEvent(ev)
	}
}

// handleEvent processes one speech server event. Errors are contained per
// message so a malformed event cannot kill the session.
func (s *Session) handleEvent(ev *speech.ServerEvent) {
	switch ev.Type {
	case speech.EventAudioDelta:
		s.handleAudioDelta(ev.Delta)
	case speech.EventUserTranscript:
		s.appendTranscript(types.SpeakerUser, ev.Transcript)
	case speech.EventAgentTranscriptDone:
		s.appendTranscript(types.SpeakerAgent, ev.Transcript)
	case speech.EventFunctionCallDone:
		// Tool execution may block on provider REST calls; keep it off
		// the event path.
		go s.dispatchTool(ev.Name, ev.CallID, ev.Arguments)
	case speech.EventError:
		if ev.Error != nil {
			s.logger.Warn().Str("error_type", ev.Error.Type).Str("message", ev.Error.Message).Msg("speech service error")
		}
		metrics.Get().RecordSessionError()
	}
}

func (s *Session) handleAudioDelta(delta string) {
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed audio delta")
		return
	}

	mulaw := audio.DownsampleToNarrowband(pcm)
	if len(mulaw) == 0 {
		return
	}
	if err := s.params.SendPlayback(mulaw); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send playback frame")
		return
	}
	metrics.Get().RecordFrameDownsampled()
}

func (s *Session) appendTranscript(speaker types.Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, types.TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()
}

// Transcript returns the flattened, speaker-labeled transcript so far
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, entry := range s.transcript {
		b.WriteString(string(entry.Speaker))
		b.WriteString(": ")
		b.WriteString(entry.Text)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// State returns the session's current connection state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markDisconnected flips the session out of connected before any blocking
// teardown work, so late frames and duplicate tool calls are dropped
// instead of racing the teardown. Returns false if already disconnected.
func (s *Session) markDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.state = StateDisconnected
	return true
}

// End tears the session down: closes the speech socket, releases the pool
// slot, removes the registry entry and reports duration and transcript to
// the owner. Safe to call from every termination path; only the first call
// does the work.
func (s *Session) End(reason string) (durationSecs int, transcript string) {
	s.mu.Lock()
	if s.ended {
		durationSecs = s.endedAfter
		s.mu.Unlock()
		return durationSecs, s.Transcript()
	}
	s.ended = true
	s.endReason = reason
	s.endedAfter = int(time.Since(s.startedAt).Seconds())
	durationSecs = s.endedAfter
	if s.state == StateConnected {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.conn.Close()
	s.registry.pool.Release(s.params.CallID)
	s.registry.Remove(s.params.CallID)

	transcript = s.Transcript()

	metrics.Get().RecordSessionEnd()
	s.logger.Info().
		Str("reason", reason).
		Int("duration_secs", durationSecs).
		Msg("bridge session ended")

	if s.params.OnEnd != nil {
		s.params.OnEnd(reason)
	}
	return durationSecs, transcript
}

// toolResult marshals a tool outcome for delivery to the model
func toolResult(fields map[string]string) string {
	out, err := json.Marshal(fields)
	if err != nil {
		return `{"status":"error"}`
	}
	return string(out)
}
