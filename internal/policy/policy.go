// Package policy maps a proposed action and a policy snapshot to a decision.
// Decide is pure: no I/O, no clock, no ambient state, so historical
// (action_type, risk_level) pairs can be replayed against any snapshot.
package policy

import "anchorline/internal/domain"

// Decide returns the policy decision for one proposed action.
//
// Autopilot off denies everything except human-initiated actions. Otherwise
// the risk tier and the per-tier approval flags pick between auto-approval
// and the human queue.
func Decide(actionType, riskLevel string, humanInitiated bool, p domain.Policy) string {
	_ = actionType // validated at ingestion; reserved for per-type rules
	if !p.AutopilotEnabled && !humanInitiated {
		return domain.DecisionDeny
	}
	switch riskLevel {
	case domain.RiskCritical:
		if p.RequireApprovalCriticalRisk {
			return domain.DecisionRequireApproval
		}
	case domain.RiskHigh:
		if p.RequireApprovalHighRisk {
			return domain.DecisionRequireApproval
		}
	}
	return domain.DecisionAutoApprove
}

// InitialStatus maps a decision to the status a new action starts in.
func InitialStatus(decision string) string {
	switch decision {
	case domain.DecisionAutoApprove:
		return domain.StatusApproved
	case domain.DecisionRequireApproval:
		return domain.StatusAwaitingApproval
	default:
		return domain.StatusRejected
	}
}
