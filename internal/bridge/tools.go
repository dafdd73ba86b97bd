package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/telephony"
	"github.com/dialtide/voicebridge/internal/types"
)

// dispatchTool executes one tool invocation from the model. Deliveries are
// deduplicated by the model's call id; a duplicate still gets a result so
// the protocol handshake completes.
func (s *Session) dispatchTool(name, toolCallID, arguments string) {
	s.mu.Lock()
	if s.processedTools[toolCallID] {
		s.mu.Unlock()
		metrics.Get().RecordToolCallDuplicate()
		s.logger.Debug().Str("tool", name).Str("tool_call_id", toolCallID).Msg("duplicate tool delivery ignored")
		s.sendToolResult(toolCallID, toolResult(map[string]string{"status": "already processed"}))
		return
	}
	s.processedTools[toolCallID] = true
	s.mu.Unlock()

	s.logger.Info().Str("tool", name).Str("tool_call_id", toolCallID).Msg("tool call received")
	metrics.Get().RecordToolCall(name)

	switch {
	case name == "end_call":
		s.executeEndCall(toolCallID)
	case strings.HasPrefix(name, "transfer"):
		s.executeTransfer(name, toolCallID, arguments)
	case strings.HasPrefix(name, "play_audio"):
		s.executePlayAudio(name, toolCallID, arguments)
	default:
		s.executeCustom(name, toolCallID, arguments)
	}
}

// sendToolResult delivers the function output and immediately asks the
// model to resume. The output must land before the resume request or the
// protocol handshake breaks.
func (s *Session) sendToolResult(toolCallID, result string) {
	if err := s.conn.SendFunctionOutput(toolCallID, result); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send tool result")
		return
	}
	if err := s.conn.CreateResponse(""); err != nil {
		s.logger.Warn().Err(err).Msg("failed to request response after tool result")
	}
}

// executeEndCall hangs the call up. A transfer that already disconnected
// the session wins; the intent is simply dropped.
func (s *Session) executeEndCall(toolCallID string) {
	if !s.markDisconnected() {
		s.logger.Debug().Msg("end_call ignored, session already disconnected")
		return
	}

	s.sendToolResult(toolCallID, toolResult(map[string]string{"status": "call ending"}))

	ctx, cancel := context.WithTimeout(context.Background(), s.restTimeout)
	defer cancel()
	if err := s.registry.provider.HangupCall(ctx, s.providerCallSID()); err != nil {
		s.logger.Error().Err(err).Msg("provider hangup failed")
	}
	s.End("end_call tool")
}

// executeTransfer resolves the destination, arms the pending transfer the
// provider's markup fetch will consume, then redirects the control leg and
// stops the stream. The redirect-then-stop order matters: stopping the
// stream is what makes the provider fetch the redirect URL.
func (s *Session) executeTransfer(name, toolCallID, arguments string) {
	target := s.resolveTransferTarget(name, arguments)
	if target == "" {
		s.logger.Warn().Str("tool", name).Msg("transfer requested with no destination")
		s.sendToolResult(toolCallID, toolResult(map[string]string{
			"status": "error",
			"error":  "no transfer destination configured",
		}))
		return
	}

	if !s.markDisconnected() {
		s.sendToolResult(toolCallID, toolResult(map[string]string{"status": "already processed"}))
		return
	}

	callerID := s.transferCallerID()
	s.registry.SetPendingTransfer(s.params.CallID, Transfer{Target: target, CallerID: callerID})

	s.sendToolResult(toolCallID, toolResult(map[string]string{
		"status": "transferring",
		"target": target,
	}))

	// Let any in-flight spoken announcement finish before pulling the
	// stream out from under it.
	time.Sleep(s.registry.transferPause)

	ctx, cancel := context.WithTimeout(context.Background(), s.restTimeout)
	defer cancel()

	redirectURL := telephony.TransferURL(s.registry.publicBaseURL, target, callerID)
	if err := s.registry.provider.RedirectCall(ctx, s.providerCallSID(), redirectURL); err != nil {
		s.logger.Error().Err(err).Str("target", target).Msg("transfer redirect failed")
		s.End("transfer failed")
		return
	}
	if err := s.registry.provider.StopStream(ctx, s.providerCallSID(), s.currentStreamSID()); err != nil {
		s.logger.Error().Err(err).Msg("stream stop failed")
	}

	s.logger.Info().Str("target", target).Msg("call transfer issued")
	s.End("transfer_call tool")
}

// resolveTransferTarget picks the destination number: explicit arguments
// first, then the agent's configured default, then the tool's metadata
func (s *Session) resolveTransferTarget(name, arguments string) string {
	var args struct {
		PhoneNumber string `json:"phone_number"`
		Number      string `json:"number"`
		Target      string `json:"target"`
	}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			s.logger.Warn().Err(err).Msg("unparseable transfer arguments")
		}
	}

	for _, candidate := range []string{args.PhoneNumber, args.Number, args.Target} {
		if candidate != "" {
			return candidate
		}
	}
	if s.params.Agent.TransferNumber != "" {
		return s.params.Agent.TransferNumber
	}
	if meta := s.toolMetadata(name); meta != nil {
		for _, key := range []string{"phone_number", "number", "target"} {
			if meta[key] != "" {
				return meta[key]
			}
		}
	}
	return ""
}

// transferCallerID returns the provider-owned number on this call, resolved
// from direction: the called number for inbound, the calling number for
// outbound. See DESIGN.md for the ported-number caveat.
func (s *Session) transferCallerID() string {
	if s.params.Direction == types.DirectionInbound {
		return s.params.To
	}
	return s.params.From
}

// executePlayAudio mixes an audio file into the live call and holds the
// tool result back for the estimated playback duration so the model does
// not talk over it
func (s *Session) executePlayAudio(name, toolCallID, arguments string) {
	audioURL := s.resolveAudioURL(name, arguments)
	if audioURL == "" {
		s.sendToolResult(toolCallID, toolResult(map[string]string{
			"status": "error",
			"error":  "no audio URL configured",
		}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.restTimeout)
	defer cancel()

	if err := s.registry.provider.PlayAudio(ctx, s.providerCallSID(), audioURL); err != nil {
		s.logger.Error().Err(err).Str("url", audioURL).Msg("play audio failed")
		s.sendToolResult(toolCallID, toolResult(map[string]string{
			"status": "error",
			"error":  "playback failed",
		}))
		return
	}

	if size, err := s.registry.provider.FetchAudioSize(ctx, audioURL); err == nil && size > 0 {
		if estimate := playbackDuration(size); estimate > 0 {
			time.Sleep(estimate)
		}
	}

	s.sendToolResult(toolCallID, toolResult(map[string]string{"status": "audio played"}))
}

// playbackDuration estimates how long a µ-law file of the given size plays
// for. Multiply before dividing so short clips keep sub-second precision.
func playbackDuration(size int64) time.Duration {
	return time.Duration(size) * time.Second / mulawBytesPerSecond
}

func (s *Session) resolveAudioURL(name, arguments string) string {
	var args struct {
		URL      string `json:"url"`
		AudioURL string `json:"audio_url"`
	}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			s.logger.Warn().Err(err).Msg("unparseable play-audio arguments")
		}
	}
	if args.URL != "" {
		return args.URL
	}
	if args.AudioURL != "" {
		return args.AudioURL
	}
	if meta := s.toolMetadata(name); meta != nil {
		for _, key := range []string{"url", "audio_url"} {
			if meta[key] != "" {
				return meta[key]
			}
		}
	}
	return ""
}

// executeCustom dispatches to the registered handler for the tool, then the
// generic fallback; unknown names get an explicit error result
func (s *Session) executeCustom(name, toolCallID, arguments string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.restTimeout)
	defer cancel()

	var result string
	var err error
	switch {
	case s.params.Handlers[name] != nil:
		result, err = s.params.Handlers[name](ctx, arguments)
	case s.params.Fallback != nil:
		result, err = s.params.Fallback(ctx, name, arguments)
	default:
		s.logger.Warn().Str("tool", name).Msg("unknown tool")
		s.sendToolResult(toolCallID, toolResult(map[string]string{
			"status": "error",
			"error":  "unknown tool: " + name,
		}))
		return
	}

	if err != nil {
		s.logger.Error().Err(err).Str("tool", name).Msg("tool handler failed")
		s.sendToolResult(toolCallID, toolResult(map[string]string{
			"status": "error",
			"error":  err.Error(),
		}))
		return
	}
	if result == "" {
		result = toolResult(map[string]string{"status": "ok"})
	}
	s.sendToolResult(toolCallID, result)
}

func (s *Session) toolMetadata(name string) map[string]string {
	for _, tool := range s.params.Agent.Tools {
		if tool.Name == name {
			return tool.Metadata
		}
	}
	return nil
}

func (s *Session) providerCallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerSID != "" {
		return s.providerSID
	}
	return s.params.CallID
}

func (s *Session) currentStreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}
