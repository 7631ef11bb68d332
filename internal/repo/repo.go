package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"anchorline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrClaimConflict is returned when a conditional claim matches no row,
// meaning another worker got there first or the action left a claimable state.
var ErrClaimConflict = errors.New("action not claimable")

// --- policy singleton ---

// GetPolicy returns the runtime policy, seeding the default row on first read.
func (r Repo) GetPolicy(ctx context.Context) (domain.Policy, error) {
	p, err := r.scanPolicy(ctx)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO autopilot_policy(id,version,autopilot_enabled,onchain_placeholder,worker_interval_seconds,require_approval_high_risk,require_approval_critical_risk,updated_at)
VALUES (1,1,0,1,30,1,1,?) ON CONFLICT(id) DO NOTHING`, now); err != nil {
		return domain.Policy{}, err
	}
	return r.scanPolicy(ctx)
}

func (r Repo) scanPolicy(ctx context.Context) (domain.Policy, error) {
	var p domain.Policy
	var enabled, placeholder, high, critical int
	err := r.DB.QueryRowContext(ctx, `SELECT version,autopilot_enabled,onchain_placeholder,worker_interval_seconds,require_approval_high_risk,require_approval_critical_risk,updated_at FROM autopilot_policy WHERE id=1`).
		Scan(&p.Version, &enabled, &placeholder, &p.WorkerIntervalSeconds, &high, &critical, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.AutopilotEnabled = enabled != 0
	p.OnchainPlaceholder = placeholder != 0
	p.RequireApprovalHighRisk = high != 0
	p.RequireApprovalCriticalRisk = critical != 0
	return p, nil
}

// UpdatePolicyTx replaces the policy fields and bumps the version.
func (r Repo) UpdatePolicyTx(ctx context.Context, tx *sql.Tx, p domain.Policy, now string) (domain.Policy, error) {
	if p.WorkerIntervalSeconds < 1 {
		return p, fmt.Errorf("worker_interval_seconds must be >= 1")
	}
	res, err := tx.ExecContext(ctx, `UPDATE autopilot_policy SET version=version+1,autopilot_enabled=?,onchain_placeholder=?,worker_interval_seconds=?,require_approval_high_risk=?,require_approval_critical_risk=?,updated_at=? WHERE id=1`,
		boolInt(p.AutopilotEnabled), boolInt(p.OnchainPlaceholder), p.WorkerIntervalSeconds,
		boolInt(p.RequireApprovalHighRisk), boolInt(p.RequireApprovalCriticalRisk), now)
	if err != nil {
		return p, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p, ErrNotFound
	}
	// the caller's struct may carry a stale or zero version; the row is truth
	if err := tx.QueryRowContext(ctx, `SELECT version FROM autopilot_policy WHERE id=1`).Scan(&p.Version); err != nil {
		return p, err
	}
	p.UpdatedAt = now
	return p, nil
}

// --- actions ---

const actionCols = `id,action_type,risk_level,policy_decision,status,human_initiated,retry_count,chain_id,tx_hash,attestation_id,payload_json,approval_notes,error_message,next_attempt_at,created_at,executed_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var humanInitiated int
	var chainID sql.NullInt64
	var txHash, attID, payload, notes, errMsg, nextAt, executedAt sql.NullString
	err := scan(&a.ID, &a.ActionType, &a.RiskLevel, &a.PolicyDecision, &a.Status, &humanInitiated, &a.RetryCount,
		&chainID, &txHash, &attID, &payload, &notes, &errMsg, &nextAt, &a.CreatedAt, &executedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.HumanInitiated = humanInitiated != 0
	if chainID.Valid {
		a.ChainID = &chainID.Int64
	}
	a.TxHash = optString(txHash)
	a.AttestationID = optString(attID)
	a.PayloadJSON = optString(payload)
	a.ApprovalNotes = optString(notes)
	a.ErrorMessage = optString(errMsg)
	a.NextAttemptAt = optString(nextAt)
	a.ExecutedAt = optString(executedAt)
	return a, nil
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(`+actionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ActionType, a.RiskLevel, a.PolicyDecision, a.Status, boolInt(a.HumanInitiated), a.RetryCount,
		nullableInt64Ptr(a.ChainID), nullableStringPtr(a.TxHash), nullableStringPtr(a.AttestationID),
		nullableStringPtr(a.PayloadJSON), nullableStringPtr(a.ApprovalNotes), nullableStringPtr(a.ErrorMessage),
		nullableStringPtr(a.NextAttemptAt), a.CreatedAt, nullableStringPtr(a.ExecutedAt))
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// ListActions returns actions newest first, optionally filtered by status.
func (r Repo) ListActions(ctx context.Context, status string, limit int) ([]domain.Action, error) {
	clauses := []string{}
	args := []any{}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + actionCols + ` FROM actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimableActionIDs returns ids the worker may claim this cycle: approved
// actions plus failed actions whose backoff window has elapsed and whose retry
// budget remains. Permanent failures carry a NULL next_attempt_at and never
// match.
func (r Repo) ClaimableActionIDs(ctx context.Context, now string, maxRetries, limit int) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM actions
WHERE status=? OR (status=? AND next_attempt_at IS NOT NULL AND next_attempt_at<=? AND retry_count<?)
ORDER BY created_at ASC LIMIT ?`,
		domain.StatusApproved, domain.StatusFailed, now, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimActionTx moves an action into running with a conditional update, so
// exactly one worker wins even if several race on the same row. retry_count
// increments only when re-claiming a prior failure.
func (r Repo) ClaimActionTx(ctx context.Context, tx *sql.Tx, id, now string, maxRetries int) (domain.Action, error) {
	res, err := tx.ExecContext(ctx, `UPDATE actions
SET status=?, retry_count = retry_count + (CASE WHEN status=? THEN 1 ELSE 0 END)
WHERE id=? AND (status=? OR (status=? AND next_attempt_at IS NOT NULL AND next_attempt_at<=? AND retry_count<?))`,
		domain.StatusRunning, domain.StatusFailed,
		id, domain.StatusApproved, domain.StatusFailed, now, maxRetries)
	if err != nil {
		return domain.Action{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Action{}, ErrClaimConflict
	}
	row := tx.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// SetDecisionStatusTx is used by approve/reject on awaiting_approval rows only.
func (r Repo) SetDecisionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, notes *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, approval_notes=? WHERE id=? AND status=?`,
		status, nullableStringPtr(notes), id, domain.StatusAwaitingApproval)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConfirmedTx finishes a running action with its transaction hash.
func (r Repo) MarkConfirmedTx(ctx context.Context, tx *sql.Tx, id, txHash, executedAt string) error {
	if txHash == "" {
		return fmt.Errorf("confirmed action requires tx hash")
	}
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, tx_hash=?, executed_at=?, error_message=NULL, next_attempt_at=NULL WHERE id=? AND status=?`,
		domain.StatusConfirmed, txHash, executedAt, id, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailedTx records a failed attempt. nextAttemptAt nil means the failure
// is permanent and the action waits for a human instead of the worker.
func (r Repo) MarkFailedTx(ctx context.Context, tx *sql.Tx, id, errMsg string, nextAttemptAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, error_message=?, next_attempt_at=? WHERE id=? AND status=?`,
		domain.StatusFailed, errMsg, nullableStringPtr(nextAttemptAt), id, domain.StatusRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeadLetterTx retires an action that exhausted its retry budget.
func (r Repo) MarkDeadLetterTx(ctx context.Context, tx *sql.Tx, id, errMsg string) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, error_message=?, next_attempt_at=NULL WHERE id=? AND status IN (?,?)`,
		domain.StatusDeadLetter, errMsg, id, domain.StatusRunning, domain.StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActionsByStatus returns the publish-queue histogram.
func (r Repo) CountActionsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AvgConfirmationSeconds averages executed_at-created_at over confirmed actions.
func (r Repo) AvgConfirmationSeconds(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(unixepoch(executed_at)-unixepoch(created_at)) FROM actions WHERE status=? AND executed_at IS NOT NULL`,
		domain.StatusConfirmed).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}
