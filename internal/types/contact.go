package types

import "time"

// ContactStatus tracks a campaign contact through its single dial attempt
type ContactStatus string

const (
	ContactStatusPending   ContactStatus = "pending"
	ContactStatusDialing   ContactStatus = "dialing"
	ContactStatusCompleted ContactStatus = "completed"
	ContactStatusFailed    ContactStatus = "failed"
)

// Contact is one dialable entry in a campaign's contact list
type Contact struct {
	ContactID  string        `json:"contactId"`
	CampaignID string        `json:"campaignId"`
	Phone      string        `json:"phone"`
	Name       string        `json:"name,omitempty"`
	Status     ContactStatus `json:"status"`
	CallID     string        `json:"callId,omitempty"` // set once a dial attempt starts
	UpdatedAt  time.Time     `json:"updatedAt,omitempty"`
}

// CampaignSnapshot is a point-in-time view of a running campaign
type CampaignSnapshot struct {
	CampaignID string    `json:"campaignId"`
	Running    bool      `json:"running"`
	Paused     bool      `json:"paused"`
	QueueDepth int       `json:"queueDepth"`
	InFlight   int       `json:"inFlight"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Timestamp  time.Time `json:"timestamp"`
}
