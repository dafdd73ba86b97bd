// Package telephony wraps the voice provider's REST API for call control
// and generates the markup responses its webhooks expect.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CallDetail is the provider's view of one call, fetched for reconciliation
type CallDetail struct {
	SID         string `json:"sid"`
	Status      string `json:"status"`
	Duration    string `json:"duration"` // seconds, as a string on the wire
	HangupCause string `json:"hangup_cause,omitempty"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// CallControl is the subset of provider operations the core drives.
// Split out so the bridge and lifecycle can be tested against fakes.
type CallControl interface {
	CreateCall(ctx context.Context, from, to, twiml, statusCallback string) (string, error)
	GetCall(ctx context.Context, callSID string) (*CallDetail, error)
	HangupCall(ctx context.Context, callSID string) error
	RedirectCall(ctx context.Context, callSID, twimlURL string) error
	StopStream(ctx context.Context, callSID, streamSID string) error
	PlayAudio(ctx context.Context, callSID, audioURL string) error
	FetchAudioSize(ctx context.Context, audioURL string) (int64, error)
}

// Client talks to the provider's REST API with account-scoped basic auth
type Client struct {
	accountSID string
	authToken  string
	apiBase    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a provider REST client
func NewClient(accountSID, authToken, apiBase string, logger zerolog.Logger) *Client {
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (c *Client) callsURL(suffix string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls%s", c.apiBase, c.accountSID, suffix)
}

func (c *Client) postForm(ctx context.Context, rawURL string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}

// CreateCall places an outbound call that executes the given markup on
// answer and reports progress to the status callback. Returns the
// provider's call SID.
func (c *Client) CreateCall(ctx context.Context, from, to, twiml, statusCallback string) (string, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Twiml", twiml)
	if statusCallback != "" {
		form.Set("StatusCallback", statusCallback)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var detail CallDetail
	if err := c.postForm(ctx, c.callsURL(".json"), form, &detail); err != nil {
		return "", err
	}

	c.logger.Debug().
		Str("provider_sid", detail.SID).
		Str("to", to).
		Msg("outbound call created")
	return detail.SID, nil
}

// GetCall fetches the provider's call detail record
func (c *Client) GetCall(ctx context.Context, callSID string) (*CallDetail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.callsURL("/"+callSID+".json"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	var detail CallDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("failed to decode call detail: %w", err)
	}
	return &detail, nil
}

// HangupCall ends the call immediately
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return c.postForm(ctx, c.callsURL("/"+callSID+".json"), form, nil)
}

// RedirectCall points the call's control leg at a new markup URL. The
// provider fetches the URL once its current instruction ends.
func (c *Client) RedirectCall(ctx context.Context, callSID, twimlURL string) error {
	form := url.Values{}
	form.Set("Url", twimlURL)
	form.Set("Method", "POST")
	return c.postForm(ctx, c.callsURL("/"+callSID+".json"), form, nil)
}

// StopStream ends the bidirectional media stream on the call, which makes
// the provider proceed to its next instruction (or a pending redirect)
func (c *Client) StopStream(ctx context.Context, callSID, streamSID string) error {
	form := url.Values{}
	form.Set("Status", "stopped")
	return c.postForm(ctx, c.callsURL("/"+callSID+"/Streams/"+streamSID+".json"), form, nil)
}

// PlayAudio mixes an audio file into the live call
func (c *Client) PlayAudio(ctx context.Context, callSID, audioURL string) error {
	form := url.Values{}
	form.Set("Url", audioURL)
	return c.postForm(ctx, c.callsURL("/"+callSID+"/Play.json"), form, nil)
}

// FetchAudioSize returns the byte size of an audio file, used to estimate
// playback duration before releasing a play-audio tool result
func (c *Client) FetchAudioSize(ctx context.Context, audioURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, audioURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("audio fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("audio fetch returned %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}
