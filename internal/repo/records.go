package repo

import (
	"context"
	"database/sql"

	"anchorline/internal/domain"
)

const recordCols = `id,attestation_id,counselor_id,status,chain_id,tx_hash,last_error,created_at,processed_at`

func scanRecord(scan func(dest ...any) error) (domain.AttestationRecord, error) {
	var rec domain.AttestationRecord
	var chainID sql.NullInt64
	var txHash, lastErr, processedAt sql.NullString
	err := scan(&rec.ID, &rec.AttestationID, &rec.CounselorID, &rec.Status, &chainID, &txHash, &lastErr, &rec.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if chainID.Valid {
		rec.ChainID = &chainID.Int64
	}
	rec.TxHash = optString(txHash)
	rec.LastError = optString(lastErr)
	rec.ProcessedAt = optString(processedAt)
	return rec, nil
}

func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.AttestationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attestation_records(`+recordCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.AttestationID, rec.CounselorID, rec.Status, nullableInt64Ptr(rec.ChainID),
		nullableStringPtr(rec.TxHash), nullableStringPtr(rec.LastError), rec.CreatedAt, nullableStringPtr(rec.ProcessedAt))
	return err
}

func (r Repo) GetRecord(ctx context.Context, id string) (domain.AttestationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordCols+` FROM attestation_records WHERE id=?`, id)
	return scanRecord(row.Scan)
}

// GetRecordByAttestation looks up the record for a content-hash reference.
func (r Repo) GetRecordByAttestation(ctx context.Context, attestationID string) (domain.AttestationRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordCols+` FROM attestation_records WHERE attestation_id=? ORDER BY created_at DESC LIMIT 1`, attestationID)
	return scanRecord(row.Scan)
}

func (r Repo) ListRecords(ctx context.Context, limit int) ([]domain.AttestationRecord, error) {
	query := `SELECT ` + recordCols + ` FROM attestation_records ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AttestationRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SetRecordOutcomeTx updates the record in the same transaction as its driving
// action's terminal transition.
func (r Repo) SetRecordOutcomeTx(ctx context.Context, tx *sql.Tx, id, status string, chainID *int64, txHash, lastErr, processedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE attestation_records SET status=?, chain_id=COALESCE(?,chain_id), tx_hash=COALESCE(?,tx_hash), last_error=?, processed_at=? WHERE id=?`,
		status, nullableInt64Ptr(chainID), nullableStringPtr(txHash), nullableStringPtr(lastErr), nullableStringPtr(processedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRecordsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM attestation_records GROUP BY status`)
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
