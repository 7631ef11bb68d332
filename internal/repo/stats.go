package repo

import (
	"context"
	"database/sql"

	"anchorline/internal/domain"
)

// RecordPublishAttemptTx bumps the attempt counter before each publish so
// attempts are never undercounted even if the process dies mid-publish.
func (r Repo) RecordPublishAttemptTx(ctx context.Context, tx *sql.Tx, chainID int64, contract string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contract_stats(chain_id,contract_address,publish_attempts) VALUES (?,?,1)
ON CONFLICT(chain_id,contract_address) DO UPDATE SET publish_attempts=publish_attempts+1`, chainID, contract)
	return err
}

func (r Repo) RecordPublishSuccessTx(ctx context.Context, tx *sql.Tx, chainID int64, contract, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contract_stats(chain_id,contract_address,publish_successes,last_publish_success_at) VALUES (?,?,1,?)
ON CONFLICT(chain_id,contract_address) DO UPDATE SET publish_successes=publish_successes+1, last_publish_success_at=excluded.last_publish_success_at, last_error=NULL`,
		chainID, contract, at)
	return err
}

func (r Repo) RecordPublishFailureTx(ctx context.Context, tx *sql.Tx, chainID int64, contract, errMsg string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contract_stats(chain_id,contract_address,publish_failures,last_error) VALUES (?,?,1,?)
ON CONFLICT(chain_id,contract_address) DO UPDATE SET publish_failures=publish_failures+1, last_error=excluded.last_error`,
		chainID, contract, errMsg)
	return err
}

func (r Repo) GetContractStats(ctx context.Context, chainID int64, contract string) (domain.ContractStats, error) {
	var s domain.ContractStats
	var lastAt, lastErr sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT chain_id,contract_address,publish_attempts,publish_successes,publish_failures,last_publish_success_at,last_error
FROM contract_stats WHERE chain_id=? AND contract_address=?`, chainID, contract).
		Scan(&s.ChainID, &s.ContractAddress, &s.PublishAttempts, &s.PublishSuccesses, &s.PublishFailures, &lastAt, &lastErr)
	if err == sql.ErrNoRows {
		// No publishes yet is a valid zero state, distinct from a read error.
		return domain.ContractStats{ChainID: chainID, ContractAddress: contract}, nil
	}
	if err != nil {
		return s, err
	}
	s.LastPublishSuccessAt = optString(lastAt)
	s.LastError = optString(lastErr)
	return s, nil
}
