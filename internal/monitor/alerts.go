package monitor

import (
	"fmt"

	"github.com/dialtide/voicebridge/internal/types"
)

// Severity grades an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one triggered alert rule in a feed frame
type Alert struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// CheckAlerts evaluates alert rules against the current pool and campaign
// state and returns the triggered alerts.
func CheckAlerts(ceiling int, poolByCredential map[string]int, campaigns []types.CampaignSnapshot) []Alert {
	var alerts []Alert

	for credential, active := range poolByCredential {
		switch {
		case ceiling > 0 && active >= ceiling:
			alerts = append(alerts, Alert{
				Rule:     "pool_at_ceiling",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("credential %s at ceiling: %d/%d connections", credential, active, ceiling),
			})
		case ceiling > 0 && active*10 >= ceiling*8:
			alerts = append(alerts, Alert{
				Rule:     "pool_near_ceiling",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("credential %s near ceiling: %d/%d connections", credential, active, ceiling),
			})
		}
	}

	for _, campaign := range campaigns {
		if !campaign.Running {
			continue
		}
		total := campaign.Completed + campaign.Failed
		if total >= 10 && campaign.Failed*2 > total {
			alerts = append(alerts, Alert{
				Rule:     "campaign_failure_rate",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("campaign %s failing: %d of %d calls failed", campaign.CampaignID, campaign.Failed, total),
			})
		}
	}

	return alerts
}
