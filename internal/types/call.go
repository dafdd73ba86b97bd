package types

import "time"

// CallStatus represents the lifecycle state of a call
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"     // Record created, provider request not yet accepted
	CallStatusInitiated  CallStatus = "initiated"   // Provider accepted the outbound request
	CallStatusRinging    CallStatus = "ringing"     // Far end is ringing
	CallStatusInProgress CallStatus = "in-progress" // Answered, audio flowing
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether no further transition is permitted from s
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}

// CallDirection distinguishes inbound from outbound calls
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// Call is one phone call tracked by the orchestration engine
type Call struct {
	CallID       string        `json:"callId"`
	ProviderSID  string        `json:"providerSid,omitempty"` // provider correlation id
	Direction    CallDirection `json:"direction"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	CredentialID string        `json:"credentialId,omitempty"` // speech-AI credential used
	OwnerID      string        `json:"ownerId,omitempty"`      // billing owner
	Status       CallStatus    `json:"status"`

	StartedAt  time.Time  `json:"startedAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`

	DurationSecs int    `json:"durationSecs,omitempty"` // meaningful once Status is terminal
	Transcript   string `json:"transcript,omitempty"`

	RecordingURL      string `json:"recordingUrl,omitempty"`
	RecordingSID      string `json:"recordingSid,omitempty"`
	RecordingDuration int    `json:"recordingDurationSecs,omitempty"`

	CreditsDeducted bool              `json:"creditsDeducted,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Speaker identifies who produced a transcript fragment
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// TranscriptEntry is one speaker-tagged fragment of a call transcript
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
