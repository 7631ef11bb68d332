package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"anchorline/internal/config"
	"anchorline/internal/domain"
	"anchorline/internal/events"
	"anchorline/internal/policy"
	"anchorline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SubmitOptions are parameters for submitting a proposed action.
type SubmitOptions struct {
	ID             string
	ActionType     string
	RiskLevel      string
	ChainID        *int64
	AttestationID  string
	CounselorID    string
	PayloadJSON    string
	HumanInitiated bool
	ActorID        string
}

// SubmitAction validates a proposal, runs it through the policy engine, and
// records it in its initial state. A denied action is still recorded (as
// rejected) so the audit trail keeps what the agent asked for.
func (e Engine) SubmitAction(ctx context.Context, opts SubmitOptions) (domain.Action, error) {
	if !domain.ValidActionType(opts.ActionType) {
		return domain.Action{}, ValidationError{Field: "action_type", Msg: fmt.Sprintf("unknown action type %q", opts.ActionType)}
	}
	if !domain.ValidRiskLevel(opts.RiskLevel) {
		return domain.Action{}, ValidationError{Field: "risk_level", Msg: fmt.Sprintf("unknown risk level %q", opts.RiskLevel)}
	}
	if opts.ActionType == "publish_attestation" {
		if opts.AttestationID == "" {
			return domain.Action{}, ValidationError{Field: "attestation_id", Msg: "required for publish_attestation"}
		}
		if opts.ChainID == nil {
			return domain.Action{}, ValidationError{Field: "chain_id", Msg: "required for publish_attestation"}
		}
		if _, ok := e.Config.Chain(*opts.ChainID); !ok {
			return domain.Action{}, ValidationError{Field: "chain_id", Msg: fmt.Sprintf("chain %d not configured", *opts.ChainID)}
		}
	}

	pol, err := e.Repo.GetPolicy(ctx)
	if err != nil {
		return domain.Action{}, err
	}
	decision := policy.Decide(opts.ActionType, opts.RiskLevel, opts.HumanInitiated, pol)
	status := policy.InitialStatus(decision)

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Action{
		ID:             id,
		ActionType:     opts.ActionType,
		RiskLevel:      opts.RiskLevel,
		PolicyDecision: decision,
		Status:         status,
		HumanInitiated: opts.HumanInitiated,
		ChainID:        opts.ChainID,
		AttestationID:  optionalString(opts.AttestationID),
		PayloadJSON:    optionalString(opts.PayloadJSON),
		CreatedAt:      now,
	}
	if decision == domain.DecisionDeny {
		reason := "autopilot disabled"
		a.ApprovalNotes = &reason
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertActionTx(ctx, tx, a); err != nil {
		return domain.Action{}, fmt.Errorf("insert action: %w", err)
	}
	if opts.ActionType == "publish_attestation" {
		rec := domain.AttestationRecord{
			ID:            uuid.New().String(),
			AttestationID: opts.AttestationID,
			CounselorID:   opts.CounselorID,
			Status:        domain.RecordPending,
			ChainID:       opts.ChainID,
			CreatedAt:     now,
		}
		if err := e.Repo.InsertRecordTx(ctx, tx, rec); err != nil {
			return domain.Action{}, fmt.Errorf("insert attestation record: %w", err)
		}
		// Cross-reference so terminal transitions can settle the record.
		a.PayloadJSON = mergeRecordRef(a.PayloadJSON, rec.ID)
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET payload_json=? WHERE id=?`, *a.PayloadJSON, a.ID); err != nil {
			return domain.Action{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActionSubmitted, "action", a.ID, opts.ActorID, events.EventPayload{
		"action_type": a.ActionType,
		"risk_level":  a.RiskLevel,
		"decision":    decision,
		"status":      status,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	if decision == domain.DecisionDeny {
		return a, PolicyViolationError{Reason: "autopilot disabled"}
	}
	return a, nil
}

// Approve moves an awaiting_approval action into the executable queue.
func (e Engine) Approve(ctx context.Context, id, note, actorID string) (domain.Action, error) {
	a, err := e.Repo.GetAction(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status != domain.StatusAwaitingApproval {
		return a, fmt.Errorf("invalid action status transition %s -> %s", a.Status, domain.StatusApproved)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDecisionStatusTx(ctx, tx, id, domain.StatusApproved, optionalString(note)); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.ActionApproved, "action", id, actorID, events.EventPayload{"note": note}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetAction(ctx, id)
}

// Reject requires a non-empty note; rejection without justification is a
// contract violation, not a silent no-op.
func (e Engine) Reject(ctx context.Context, id, note, actorID string) (domain.Action, error) {
	if note == "" {
		return domain.Action{}, ValidationError{Field: "note", Msg: "rejection requires a note"}
	}
	a, err := e.Repo.GetAction(ctx, id)
	if err != nil {
		return a, err
	}
	if a.Status != domain.StatusAwaitingApproval {
		return a, fmt.Errorf("invalid action status transition %s -> %s", a.Status, domain.StatusRejected)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDecisionStatusTx(ctx, tx, id, domain.StatusRejected, &note); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.ActionRejected, "action", id, actorID, events.EventPayload{"note": note}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetAction(ctx, id)
}

// ClaimAction atomically takes an action into running. Only the worker loop
// calls this; the conditional update makes a double claim lose cleanly.
func (e Engine) ClaimAction(ctx context.Context, id string) (domain.Action, error) {
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.ClaimActionTx(ctx, tx, id, now, e.Config.Retry.MaxAttempts)
	if err != nil {
		return domain.Action{}, err
	}
	if a.ChainID != nil {
		if ch, ok := e.Config.Chain(*a.ChainID); ok {
			if err := e.Repo.RecordPublishAttemptTx(ctx, tx, ch.ChainID, ch.ContractAddress); err != nil {
				return a, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActionClaimed, "action", id, "worker", events.EventPayload{"retry_count": a.RetryCount}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// ConfirmAction settles a successful publish: action, bookkeeping counters,
// and the attestation record move together in one transaction.
func (e Engine) ConfirmAction(ctx context.Context, a domain.Action, txHash string) (domain.Action, error) {
	if txHash == "" {
		return a, fmt.Errorf("confirm requires tx hash")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkConfirmedTx(ctx, tx, a.ID, txHash, now); err != nil {
		return a, err
	}
	if a.ChainID != nil {
		if ch, ok := e.Config.Chain(*a.ChainID); ok {
			if err := e.Repo.RecordPublishSuccessTx(ctx, tx, ch.ChainID, ch.ContractAddress, now); err != nil {
				return a, err
			}
		}
	}
	if recID := recordRef(a.PayloadJSON); recID != "" {
		if err := e.Repo.SetRecordOutcomeTx(ctx, tx, recID, domain.RecordConfirmed, a.ChainID, &txHash, nil, &now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.ActionConfirmed, "action", a.ID, "worker", events.EventPayload{"tx_hash": txHash}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetAction(ctx, a.ID)
}

// FailAction records a failed attempt. Transient failures get a backoff
// window until the retry budget runs out; permanent failures park the action
// as failed with no further retries.
func (e Engine) FailAction(ctx context.Context, a domain.Action, errMsg string, transient bool) (domain.Action, error) {
	if errMsg == "" {
		errMsg = "publish failed"
	}
	attempts := a.RetryCount + 1
	maxAttempts := e.Config.Retry.MaxAttempts
	now := e.now().UTC()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	switch {
	case transient && attempts < maxAttempts:
		next := now.Add(e.backoff(a.RetryCount)).Format(time.RFC3339)
		if err := e.Repo.MarkFailedTx(ctx, tx, a.ID, errMsg, &next); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, events.ActionFailed, "action", a.ID, "worker", events.EventPayload{
			"error":           errMsg,
			"retry_count":     a.RetryCount,
			"next_attempt_at": next,
		}); err != nil {
			return a, err
		}
	case transient:
		if err := e.Repo.MarkDeadLetterTx(ctx, tx, a.ID, errMsg); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, events.ActionDeadLetter, "action", a.ID, "worker", events.EventPayload{
			"error":    errMsg,
			"attempts": attempts,
		}); err != nil {
			return a, err
		}
	default:
		// Permanent: never re-claimed, waits for a human.
		if err := e.Repo.MarkFailedTx(ctx, tx, a.ID, errMsg, nil); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, events.ActionFailed, "action", a.ID, "worker", events.EventPayload{
			"error":     errMsg,
			"permanent": true,
		}); err != nil {
			return a, err
		}
	}

	if a.ChainID != nil {
		if ch, ok := e.Config.Chain(*a.ChainID); ok {
			if err := e.Repo.RecordPublishFailureTx(ctx, tx, ch.ChainID, ch.ContractAddress, errMsg); err != nil {
				return a, err
			}
		}
	}
	if recID := recordRef(a.PayloadJSON); recID != "" {
		if err := e.Repo.SetRecordOutcomeTx(ctx, tx, recID, domain.RecordFailed, a.ChainID, nil, &errMsg, nil); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return a, err
		}
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetAction(ctx, a.ID)
}

// backoff doubles per retry from the configured base, capped.
func (e Engine) backoff(retryCount int) time.Duration {
	base := time.Duration(e.Config.Retry.BackoffBaseSeconds) * time.Second
	ceiling := time.Duration(e.Config.Retry.BackoffCapSeconds) * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// UpdatePolicy applies a new policy snapshot; takes effect on the next worker
// cycle at the latest.
func (e Engine) UpdatePolicy(ctx context.Context, p domain.Policy, actorID string) (domain.Policy, error) {
	if p.WorkerIntervalSeconds < 1 {
		return p, ValidationError{Field: "worker_interval_seconds", Msg: "must be >= 1"}
	}
	if _, err := e.Repo.GetPolicy(ctx); err != nil {
		return p, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdatePolicyTx(ctx, tx, p, now)
	if err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.PolicyUpdated, "policy", "autopilot", actorID, events.EventPayload{
		"version":             updated.Version,
		"autopilot_enabled":   updated.AutopilotEnabled,
		"onchain_placeholder": updated.OnchainPlaceholder,
		"worker_interval":     updated.WorkerIntervalSeconds,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return updated, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// The record id rides in the payload JSON under a reserved key so the action
// row stays a single flat table.
func mergeRecordRef(payload *string, recordID string) *string {
	merged := map[string]any{}
	if payload != nil && *payload != "" {
		_ = json.Unmarshal([]byte(*payload), &merged)
	}
	merged["_record_id"] = recordID
	out, _ := json.Marshal(merged)
	s := string(out)
	return &s
}

func recordRef(payload *string) string {
	if payload == nil || *payload == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*payload), &m); err != nil {
		return ""
	}
	if id, ok := m["_record_id"].(string); ok {
		return id
	}
	return ""
}
