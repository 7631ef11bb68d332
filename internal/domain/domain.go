package domain

// Risk tiers assigned by the originating agent.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Policy decisions.
const (
	DecisionAutoApprove     = "auto_approve"
	DecisionRequireApproval = "require_approval"
	DecisionDeny            = "deny"
)

// Action statuses.
const (
	StatusAwaitingApproval = "awaiting_approval"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusRunning          = "running"
	StatusConfirmed        = "confirmed"
	StatusFailed           = "failed"
	StatusDeadLetter       = "dead_letter"
)

// KnownActionTypes is the closed set accepted at ingestion. Unknown types are
// a validation error, never a silent default.
var KnownActionTypes = []string{
	"publish_attestation",
	"checkin_reminder",
	"escalation_flag",
	"journal_digest",
}

func ValidActionType(t string) bool {
	for _, k := range KnownActionTypes {
		if k == t {
			return true
		}
	}
	return false
}

func ValidRiskLevel(r string) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Policy is the singleton runtime policy, versioned on every update.
type Policy struct {
	Version                     int    `json:"version"`
	AutopilotEnabled            bool   `json:"autopilot_enabled"`
	OnchainPlaceholder          bool   `json:"onchain_placeholder"`
	WorkerIntervalSeconds       int    `json:"worker_interval_seconds"`
	RequireApprovalHighRisk     bool   `json:"require_approval_high_risk"`
	RequireApprovalCriticalRisk bool   `json:"require_approval_critical_risk"`
	UpdatedAt                   string `json:"updated_at" format:"date-time"`
}

// Action is the execution ticket for one agent-proposed step.
type Action struct {
	ID             string  `json:"id"`
	ActionType     string  `json:"action_type" enum:"publish_attestation,checkin_reminder,escalation_flag,journal_digest"`
	RiskLevel      string  `json:"risk_level" enum:"low,medium,high,critical"`
	PolicyDecision string  `json:"policy_decision" enum:"auto_approve,require_approval,deny"`
	Status         string  `json:"status" enum:"awaiting_approval,approved,rejected,running,confirmed,failed,dead_letter"`
	HumanInitiated bool    `json:"human_initiated"`
	RetryCount     int     `json:"retry_count"`
	ChainID        *int64  `json:"chain_id,omitempty"`
	TxHash         *string `json:"tx_hash,omitempty"`
	AttestationID  *string `json:"attestation_id,omitempty"`
	PayloadJSON    *string `json:"payload_json,omitempty"`
	ApprovalNotes  *string `json:"approval_notes,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	NextAttemptAt  *string `json:"next_attempt_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ExecutedAt     *string `json:"executed_at,omitempty" format:"date-time"`
}

// Retryable reports whether a failed action still has retry budget. A failed
// action with no next_attempt_at is a permanent failure awaiting a human.
func (a Action) Retryable(maxRetries int) bool {
	return a.Status == StatusFailed && a.NextAttemptAt != nil && a.RetryCount < maxRetries
}

// AttestationRecord is the durable domain fact an Action may produce. The
// Action is the execution ticket; the record outlives it.
type AttestationRecord struct {
	ID            string  `json:"id"`
	AttestationID string  `json:"attestation_id"`
	CounselorID   string  `json:"counselor_id"`
	Status        string  `json:"status" enum:"pending,confirmed,failed"`
	ChainID       *int64  `json:"chain_id,omitempty"`
	TxHash        *string `json:"tx_hash,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
}

// AttestationRecord statuses.
const (
	RecordPending   = "pending"
	RecordConfirmed = "confirmed"
	RecordFailed    = "failed"
)

// Consistency classifications for reconciliation.
const (
	ConsistencyAligned      = "aligned"
	ConsistencyBackendAhead = "backend_ahead"
	ConsistencyOnchainAhead = "onchain_ahead"
	ConsistencyUnknown      = "unknown"
)

// ContractTelemetry is the per-contract reconciliation snapshot. It is
// recomputed each sweep, never persisted as source of truth.
type ContractTelemetry struct {
	ChainID                   int64   `json:"chain_id"`
	ContractAddress           string  `json:"contract_address"`
	PublisherAddress          string  `json:"publisher_address"`
	RPCConnected              bool    `json:"rpc_connected"`
	IsReady                   bool    `json:"is_ready"`
	PublishAttempts           int64   `json:"publish_attempts"`
	PublishSuccesses          int64   `json:"publish_successes"`
	PublishFailures           int64   `json:"publish_failures"`
	OnchainPublisherPublished *int64  `json:"onchain_publisher_published,omitempty"`
	OnchainTotalPublished     *int64  `json:"onchain_total_published,omitempty"`
	Consistency               string  `json:"consistency" enum:"aligned,backend_ahead,onchain_ahead,unknown"`
	Delta                     int64   `json:"delta"`
	LastPublishSuccessAt      *string `json:"last_publish_success_at,omitempty" format:"date-time"`
	OnchainLastPublishedAt    *string `json:"onchain_last_published_at,omitempty" format:"date-time"`
	LastError                 *string `json:"last_error,omitempty"`
	LastOnchainReadError      *string `json:"last_onchain_read_error,omitempty"`
	CheckedAt                 string  `json:"checked_at" format:"date-time"`
}

// ContractStats is the backend-tracked publish bookkeeping per contract.
type ContractStats struct {
	ChainID              int64   `json:"chain_id"`
	ContractAddress      string  `json:"contract_address"`
	PublishAttempts      int64   `json:"publish_attempts"`
	PublishSuccesses     int64   `json:"publish_successes"`
	PublishFailures      int64   `json:"publish_failures"`
	LastPublishSuccessAt *string `json:"last_publish_success_at,omitempty" format:"date-time"`
	LastError            *string `json:"last_error,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
