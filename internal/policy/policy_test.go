package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"anchorline/internal/domain"
)

func enabledPolicy() domain.Policy {
	return domain.Policy{
		AutopilotEnabled:            true,
		RequireApprovalHighRisk:     true,
		RequireApprovalCriticalRisk: true,
		WorkerIntervalSeconds:       30,
	}
}

func TestDecideRiskTiers(t *testing.T) {
	p := enabledPolicy()

	tests := []struct {
		name string
		risk string
		want string
	}{
		{"low auto-approves", domain.RiskLow, domain.DecisionAutoApprove},
		{"medium auto-approves", domain.RiskMedium, domain.DecisionAutoApprove},
		{"high requires approval", domain.RiskHigh, domain.DecisionRequireApproval},
		{"critical requires approval", domain.RiskCritical, domain.DecisionRequireApproval},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide("publish_attestation", tc.risk, false, p)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecideApprovalFlagsFlipDecision(t *testing.T) {
	p := enabledPolicy()
	assert.Equal(t, domain.DecisionRequireApproval, Decide("publish_attestation", domain.RiskCritical, false, p))

	p.RequireApprovalCriticalRisk = false
	assert.Equal(t, domain.DecisionAutoApprove, Decide("publish_attestation", domain.RiskCritical, false, p))

	p.RequireApprovalHighRisk = false
	assert.Equal(t, domain.DecisionAutoApprove, Decide("publish_attestation", domain.RiskHigh, false, p))
}

func TestDecideAutopilotDisabled(t *testing.T) {
	p := enabledPolicy()
	p.AutopilotEnabled = false

	assert.Equal(t, domain.DecisionDeny, Decide("checkin_reminder", domain.RiskLow, false, p))
	// Human-initiated actions bypass the blanket deny.
	assert.Equal(t, domain.DecisionAutoApprove, Decide("checkin_reminder", domain.RiskLow, true, p))
	assert.Equal(t, domain.DecisionRequireApproval, Decide("escalation_flag", domain.RiskCritical, true, p))
}

func TestDecideIsDeterministic(t *testing.T) {
	p := enabledPolicy()
	for _, risk := range []string{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
		first := Decide("journal_digest", risk, false, p)
		for i := 0; i < 50; i++ {
			assert.Equal(t, first, Decide("journal_digest", risk, false, p))
		}
	}
}

func TestInitialStatus(t *testing.T) {
	assert.Equal(t, domain.StatusApproved, InitialStatus(domain.DecisionAutoApprove))
	assert.Equal(t, domain.StatusAwaitingApproval, InitialStatus(domain.DecisionRequireApproval))
	assert.Equal(t, domain.StatusRejected, InitialStatus(domain.DecisionDeny))
}
