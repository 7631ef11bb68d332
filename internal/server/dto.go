package server

import (
	"encoding/json"

	"anchorline/internal/config"
	"anchorline/internal/domain"
)

// Request payloads

type SubmitActionRequest struct {
	ID             *string        `json:"id,omitempty"`
	ActionType     string         `json:"action_type" enum:"publish_attestation,checkin_reminder,escalation_flag,journal_digest"`
	RiskLevel      string         `json:"risk_level" enum:"low,medium,high,critical"`
	ChainID        *int64         `json:"chain_id,omitempty"`
	AttestationID  *string        `json:"attestation_id,omitempty"`
	CounselorID    *string        `json:"counselor_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	HumanInitiated bool           `json:"human_initiated,omitempty"`
}

type ApproveActionRequest struct {
	Note *string `json:"note,omitempty"`
}

type RejectActionRequest struct {
	Note string `json:"note" minLength:"1"`
}

type UpdatePolicyRequest struct {
	AutopilotEnabled            bool `json:"autopilot_enabled"`
	OnchainPlaceholder          bool `json:"onchain_placeholder"`
	WorkerIntervalSeconds       int  `json:"worker_interval_seconds" minimum:"1"`
	RequireApprovalHighRisk     bool `json:"require_approval_high_risk"`
	RequireApprovalCriticalRisk bool `json:"require_approval_critical_risk"`
}

// Response payloads

type StatusResponse struct {
	Enabled               bool `json:"enabled"`
	OnchainPlaceholder    bool `json:"onchain_placeholder"`
	WorkerIntervalSeconds int  `json:"worker_interval_seconds"`
}

type ActionResponse struct {
	ID             string  `json:"id"`
	ActionType     string  `json:"action_type" enum:"publish_attestation,checkin_reminder,escalation_flag,journal_digest"`
	RiskLevel      string  `json:"risk_level" enum:"low,medium,high,critical"`
	PolicyDecision string  `json:"policy_decision" enum:"auto_approve,require_approval,deny"`
	Status         string  `json:"status" enum:"awaiting_approval,approved,rejected,running,confirmed,failed,dead_letter"`
	HumanInitiated bool    `json:"human_initiated"`
	RetryCount     int     `json:"retry_count"`
	ChainID        *int64  `json:"chain_id,omitempty"`
	TxHash         *string `json:"tx_hash,omitempty"`
	ExplorerURL    string  `json:"explorer_url,omitempty"`
	AttestationID  *string `json:"attestation_id,omitempty"`
	ApprovalNotes  *string `json:"approval_notes,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	NextAttemptAt  *string `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ExecutedAt     *string `json:"executed_at,omitempty" format:"date-time"`
}

type PolicyResponse struct {
	Version                     int    `json:"version"`
	AutopilotEnabled            bool   `json:"autopilot_enabled"`
	OnchainPlaceholder          bool   `json:"onchain_placeholder"`
	WorkerIntervalSeconds       int    `json:"worker_interval_seconds"`
	RequireApprovalHighRisk     bool   `json:"require_approval_high_risk"`
	RequireApprovalCriticalRisk bool   `json:"require_approval_critical_risk"`
	UpdatedAt                   string `json:"updated_at" format:"date-time"`
}

type RecordResponse struct {
	ID            string  `json:"id"`
	AttestationID string  `json:"attestation_id"`
	CounselorID   string  `json:"counselor_id"`
	Status        string  `json:"status" enum:"pending,confirmed,failed"`
	ChainID       *int64  `json:"chain_id,omitempty"`
	TxHash        *string `json:"tx_hash,omitempty"`
	ExplorerURL   string  `json:"explorer_url,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type MonitorResponse struct {
	TotalActions          int64                      `json:"total_actions"`
	ConfirmedActions      int64                      `json:"confirmed_actions"`
	PendingActions        int64                      `json:"pending_actions"`
	SuccessRate           float64                    `json:"success_rate"`
	AvgConfirmationSecs   float64                    `json:"avg_confirmation_seconds"`
	QueueByStatus         map[string]int64           `json:"queue_by_status"`
	RecordsByStatus       map[string]int64           `json:"records_by_status"`
	Contracts             []domain.ContractTelemetry `json:"contracts"`
	RecentRecords         []RecordResponse           `json:"recent_records"`
	RecentActions         []ActionResponse           `json:"recent_actions"`
}

type actionList struct {
	Items []ActionResponse `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func actionResponse(a domain.Action, cfg *config.Config) ActionResponse {
	res := ActionResponse{
		ID:             a.ID,
		ActionType:     a.ActionType,
		RiskLevel:      a.RiskLevel,
		PolicyDecision: a.PolicyDecision,
		Status:         a.Status,
		HumanInitiated: a.HumanInitiated,
		RetryCount:     a.RetryCount,
		ChainID:        a.ChainID,
		TxHash:         a.TxHash,
		AttestationID:  a.AttestationID,
		ApprovalNotes:  a.ApprovalNotes,
		ErrorMessage:   a.ErrorMessage,
		NextAttemptAt:  a.NextAttemptAt,
		CreatedAt:      a.CreatedAt,
		ExecutedAt:     a.ExecutedAt,
	}
	if cfg != nil && a.ChainID != nil && a.TxHash != nil {
		res.ExplorerURL = cfg.ExplorerTxURL(*a.ChainID, *a.TxHash)
	}
	return res
}

func recordResponse(rec domain.AttestationRecord, cfg *config.Config) RecordResponse {
	res := RecordResponse{
		ID:            rec.ID,
		AttestationID: rec.AttestationID,
		CounselorID:   rec.CounselorID,
		Status:        rec.Status,
		ChainID:       rec.ChainID,
		TxHash:        rec.TxHash,
		LastError:     rec.LastError,
		CreatedAt:     rec.CreatedAt,
		ProcessedAt:   rec.ProcessedAt,
	}
	if cfg != nil && rec.ChainID != nil && rec.TxHash != nil {
		res.ExplorerURL = cfg.ExplorerTxURL(*rec.ChainID, *rec.TxHash)
	}
	return res
}

func policyResponse(p domain.Policy) PolicyResponse {
	return PolicyResponse(p)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
