package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

const receiptColumns = `id, kind, class_id, org, quantity, params, tx_hash, block_number, content_hash,
	status, failure_code, failure_message, idempotency_key, created_at, updated_at`

func (s *SQLStore) InsertReceipt(ctx context.Context, r *receipts.Receipt) error {
	query := s.rebind(`INSERT INTO receipts (` + receiptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	var block sql.NullInt64
	if r.BlockNumber > 0 {
		block = sql.NullInt64{Int64: int64(r.BlockNumber), Valid: true} //nolint:gosec // block heights fit in int64
	}
	_, err := s.db.ExecContext(ctx, query,
		r.ID, string(r.Kind), nullString(r.ClassID), r.Org, nullString(r.Quantity), string(r.Params),
		nullString(r.TxHash), block, nullString(r.ContentHash),
		string(r.Status), nullString(string(r.FailureCode)), nullString(r.FailureMessage),
		nullString(r.IdempotencyKey), s.ts(r.CreatedAt), s.ts(r.UpdatedAt),
	)
	if err != nil {
		if r.IdempotencyKey != "" && isUniqueViolation(err) {
			return receipts.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReceipt(ctx context.Context, id string) (*receipts.Receipt, error) {
	return s.queryReceipt(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
}

func (s *SQLStore) GetReceiptByIdempotencyKey(ctx context.Context, key string) (*receipts.Receipt, error) {
	return s.queryReceipt(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE idempotency_key = ?`, key)
}

func (s *SQLStore) FinalizeReceipt(ctx context.Context, id string, o receipts.Outcome, at time.Time) (bool, error) {
	query := s.rebind(`UPDATE receipts
		SET status = ?, tx_hash = ?, block_number = ?, content_hash = ?,
		    failure_code = ?, failure_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	var block sql.NullInt64
	if o.BlockNumber > 0 {
		block = sql.NullInt64{Int64: int64(o.BlockNumber), Valid: true} //nolint:gosec // block heights fit in int64
	}
	res, err := s.db.ExecContext(ctx, query,
		string(o.Status), nullString(o.TxHash), block, nullString(o.ContentHash),
		nullString(string(o.FailureCode)), nullString(o.FailureMessage), s.ts(at),
		id, string(receipts.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to finalize receipt: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) ListPendingReceipts(ctx context.Context, cutoff time.Time, limit int) ([]*receipts.Receipt, error) {
	query := s.rebind(`SELECT ` + receiptColumns + ` FROM receipts
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, string(receipts.StatusPending), s.ts(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*receipts.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) queryReceipt(ctx context.Context, query string, arg any) (*receipts.Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, receipts.ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanner) (*receipts.Receipt, error) {
	var (
		r                                  receipts.Receipt
		kind, status, params               string
		classID, quantity, txHash, content sql.NullString
		failureCode, failureMsg, idemKey   sql.NullString
		block                              sql.NullInt64
		createdAt, updatedAt               sqlTime
	)
	if err := row.Scan(&r.ID, &kind, &classID, &r.Org, &quantity, &params, &txHash, &block, &content,
		&status, &failureCode, &failureMsg, &idemKey, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}
	r.Kind = receipts.Kind(kind)
	r.Status = receipts.Status(status)
	r.Params = []byte(params)
	r.ClassID = classID.String
	r.Quantity = quantity.String
	r.TxHash = txHash.String
	r.ContentHash = content.String
	r.FailureCode = apperr.Code(failureCode.String)
	r.FailureMessage = failureMsg.String
	r.IdempotencyKey = idemKey.String
	if block.Valid {
		r.BlockNumber = uint64(block.Int64) //nolint:gosec // stored from uint64
	}
	r.CreatedAt = createdAt.t
	r.UpdatedAt = updatedAt.t
	return &r, nil
}
