package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dialtide/voicebridge/internal/types"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Call metrics
	CallsInitiatedTotal int64
	callsByStatus       map[types.CallStatus]int64

	// Bridge session metrics
	SessionsStartedTotal int64
	SessionsEndedTotal   int64
	SessionErrorsTotal   int64
	activeSessions       int64

	// Audio metrics
	FramesUpsampledTotal   int64
	FramesDownsampledTotal int64

	// Tool metrics
	toolCallsTotal     map[string]int64 // tool name -> count
	ToolCallDupesTotal int64

	// Pool metrics
	poolSlotsByCredential map[string]int

	// Billing metrics
	CreditsDeductedTotal int64
	BillingFailuresTotal int64
	ReconciliationsTotal int64
	ForcedFailuresTotal  int64

	// Campaign metrics
	CampaignCallsStartedTotal   int64
	CampaignCallsCompletedTotal int64
	CampaignCallsFailedTotal    int64

	// HTTP metrics
	webhookRequestsTotal map[string]int64 // endpoint -> count

	// Timing
	startTime time.Time
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			callsByStatus:         make(map[types.CallStatus]int64),
			toolCallsTotal:        make(map[string]int64),
			poolSlotsByCredential: make(map[string]int),
			webhookRequestsTotal:  make(map[string]int64),
			startTime:             time.Now(),
		}
	})
	return instance
}

// RecordCallInitiated increments the initiated-call counter
func (m *Metrics) RecordCallInitiated() {
	m.mu.Lock()
	m.CallsInitiatedTotal++
	m.mu.Unlock()
}

// RecordCallStatus counts a status transition
func (m *Metrics) RecordCallStatus(status types.CallStatus) {
	m.mu.Lock()
	m.callsByStatus[status]++
	m.mu.Unlock()
}

// RecordSessionStart increments session counters
func (m *Metrics) RecordSessionStart() {
	m.mu.Lock()
	m.SessionsStartedTotal++
	m.activeSessions++
	m.mu.Unlock()
}

// RecordSessionEnd decrements the active-session gauge
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	m.SessionsEndedTotal++
	m.activeSessions--
	m.mu.Unlock()
}

// RecordSessionError increments the session error counter
func (m *Metrics) RecordSessionError() {
	m.mu.Lock()
	m.SessionErrorsTotal++
	m.mu.Unlock()
}

// RecordFrameUpsampled counts one telephony-to-speech audio frame
func (m *Metrics) RecordFrameUpsampled() {
	m.mu.Lock()
	m.FramesUpsampledTotal++
	m.mu.Unlock()
}

// RecordFrameDownsampled counts one speech-to-telephony audio frame
func (m *Metrics) RecordFrameDownsampled() {
	m.mu.Lock()
	m.FramesDownsampledTotal++
	m.mu.Unlock()
}

// RecordToolCall counts one executed tool invocation
func (m *Metrics) RecordToolCall(name string) {
	m.mu.Lock()
	m.toolCallsTotal[name]++
	m.mu.Unlock()
}

// RecordToolCallDuplicate counts a deduplicated tool delivery
func (m *Metrics) RecordToolCallDuplicate() {
	m.mu.Lock()
	m.ToolCallDupesTotal++
	m.mu.Unlock()
}

// UpdatePoolStats replaces the per-credential slot gauge
func (m *Metrics) UpdatePoolStats(slots map[string]int) {
	m.mu.Lock()
	m.poolSlotsByCredential = slots
	m.mu.Unlock()
}

// RecordCreditsDeducted adds to the deducted-credit counter
func (m *Metrics) RecordCreditsDeducted(units int) {
	m.mu.Lock()
	m.CreditsDeductedTotal += int64(units)
	m.mu.Unlock()
}

// RecordBillingFailure increments the billing failure counter
func (m *Metrics) RecordBillingFailure() {
	m.mu.Lock()
	m.BillingFailuresTotal++
	m.mu.Unlock()
}

// RecordReconciliation counts one provider reconciliation fetch
func (m *Metrics) RecordReconciliation() {
	m.mu.Lock()
	m.ReconciliationsTotal++
	m.mu.Unlock()
}

// RecordForcedFailure counts a call force-failed by the sweeper
func (m *Metrics) RecordForcedFailure() {
	m.mu.Lock()
	m.ForcedFailuresTotal++
	m.mu.Unlock()
}

// RecordCampaignCallStarted increments the campaign start counter
func (m *Metrics) RecordCampaignCallStarted() {
	m.mu.Lock()
	m.CampaignCallsStartedTotal++
	m.mu.Unlock()
}

// RecordCampaignCallCompleted increments the campaign completion counter
func (m *Metrics) RecordCampaignCallCompleted() {
	m.mu.Lock()
	m.CampaignCallsCompletedTotal++
	m.mu.Unlock()
}

// RecordCampaignCallFailed increments the campaign failure counter
func (m *Metrics) RecordCampaignCallFailed() {
	m.mu.Lock()
	m.CampaignCallsFailedTotal++
	m.mu.Unlock()
}

// RecordWebhookRequest counts one provider callback
func (m *Metrics) RecordWebhookRequest(endpoint string) {
	m.mu.Lock()
	m.webhookRequestsTotal[endpoint]++
	m.mu.Unlock()
}

// GetActiveSessions returns the current bridge session count
func (m *Metrics) GetActiveSessions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeSessions
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Helper to write metric
		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int:
				w.Write([]byte(name + labelStr + " " + strconv.Itoa(v) + "\n"))
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		// System metrics
		write("voicebridge_uptime_seconds", time.Since(m.startTime).Seconds())

		// Call metrics
		write("voicebridge_calls_initiated_total", m.CallsInitiatedTotal)
		for status, count := range m.callsByStatus {
			write("voicebridge_calls_by_status_total", count, "status", string(status))
		}

		// Session metrics
		write("voicebridge_sessions_started_total", m.SessionsStartedTotal)
		write("voicebridge_sessions_ended_total", m.SessionsEndedTotal)
		write("voicebridge_sessions_active", m.activeSessions)
		write("voicebridge_session_errors_total", m.SessionErrorsTotal)

		// Audio metrics
		write("voicebridge_frames_upsampled_total", m.FramesUpsampledTotal)
		write("voicebridge_frames_downsampled_total", m.FramesDownsampledTotal)

		// Tool metrics
		for name, count := range m.toolCallsTotal {
			write("voicebridge_tool_calls_total", count, "tool", name)
		}
		write("voicebridge_tool_call_duplicates_total", m.ToolCallDupesTotal)

		// Pool metrics
		for cred, slots := range m.poolSlotsByCredential {
			write("voicebridge_pool_slots_in_use", slots, "credential", cred)
		}

		// Billing metrics
		write("voicebridge_credits_deducted_total", m.CreditsDeductedTotal)
		write("voicebridge_billing_failures_total", m.BillingFailuresTotal)
		write("voicebridge_reconciliations_total", m.ReconciliationsTotal)
		write("voicebridge_forced_failures_total", m.ForcedFailuresTotal)

		// Campaign metrics
		write("voicebridge_campaign_calls_started_total", m.CampaignCallsStartedTotal)
		write("voicebridge_campaign_calls_completed_total", m.CampaignCallsCompletedTotal)
		write("voicebridge_campaign_calls_failed_total", m.CampaignCallsFailedTotal)

		// Webhook metrics
		for endpoint, count := range m.webhookRequestsTotal {
			write("voicebridge_webhook_requests_total", count, "endpoint", endpoint)
		}
	}
}
