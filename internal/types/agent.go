package types

import "encoding/json"

// TurnDetectionMode selects how end-of-utterance is detected on the speech-AI side
type TurnDetectionMode string

const (
	TurnDetectionThreshold TurnDetectionMode = "server_vad"
	TurnDetectionSemantic  TurnDetectionMode = "semantic_vad"
)

// TurnDetection holds voice-activity parameters for the speech-AI session
type TurnDetection struct {
	Mode              TurnDetectionMode `json:"mode"`
	Threshold         float64           `json:"threshold,omitempty"`         // server_vad only
	PrefixPaddingMs   int               `json:"prefixPaddingMs,omitempty"`   // server_vad only
	SilenceDurationMs int               `json:"silenceDurationMs,omitempty"` // server_vad only
	Eagerness         string            `json:"eagerness,omitempty"`         // semantic_vad only
}

// ToolConfig declares one function the speech-AI may invoke mid-call.
// Metadata carries tool-specific defaults such as a transfer number or
// audio URL that the model does not need to supply in arguments.
type ToolConfig struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  json.RawMessage   `json:"parameters,omitempty"` // JSON schema
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AgentConfig is the compiled conversational configuration for one call
type AgentConfig struct {
	AgentID         string        `json:"agentId"`
	Instructions    string        `json:"instructions"`
	Voice           string        `json:"voice"`
	Greeting        string        `json:"greeting,omitempty"`
	TurnDetection   TurnDetection `json:"turnDetection"`
	Tools           []ToolConfig  `json:"tools,omitempty"`
	TransferNumber  string        `json:"transferNumber,omitempty"` // default transfer destination
	MaxDurationSecs int           `json:"maxDurationSecs,omitempty"`
}
