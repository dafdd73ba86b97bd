// Package speech implements the client side of the speech-AI realtime
// websocket protocol: session configuration, audio streaming in both
// directions, and the function-call/function-output exchange.
package speech

import "encoding/json"

// SessionConfig is the one-time session.update payload sent after connect
type SessionConfig struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []ToolDecl     `json:"tools,omitempty"`
}

// Transcription enables server-side transcription of caller audio
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side end-of-utterance detection.
// Threshold fields apply to server_vad; Eagerness applies to semantic_vad.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	Eagerness         string  `json:"eagerness,omitempty"`
}

// ToolDecl declares one callable function to the model
type ToolDecl struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// clientEvent is the envelope for every message sent to the service
type clientEvent struct {
	Type     string            `json:"type"`
	Session  *SessionConfig    `json:"session,omitempty"`
	Audio    string            `json:"audio,omitempty"`
	Item     *conversationItem `json:"item,omitempty"`
	Response *responseParams   `json:"response,omitempty"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// Server event types the bridge reacts to
const (
	EventSessionCreated      = "session.created"
	EventAudioDelta          = "response.audio.delta"
	EventUserTranscript      = "conversation.item.input_audio_transcription.completed"
	EventAgentTranscriptDone = "response.audio_transcript.done"
	EventFunctionCallDone    = "response.function_call_arguments.done"
	EventResponseDone        = "response.done"
	EventError               = "error"
)

// ServerEvent is a decoded message from the service. Fields are populated
// according to Type; unrecognized types decode with just Type set.
type ServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`      // base64 audio for audio deltas
	Transcript string `json:"transcript,omitempty"` // completed transcripts
	Name       string `json:"name,omitempty"`       // function name
	CallID     string `json:"call_id,omitempty"`    // function call id
	Arguments  string `json:"arguments,omitempty"`  // function arguments JSON
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
