package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/idempotency"
)

func (s *SQLStore) InsertIdempotency(ctx context.Context, rec idempotency.Record) (bool, error) {
	query := s.rebind(`INSERT INTO idempotency_records (idem_key, method, path, body_hash, org, receipt_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idem_key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		rec.Key, rec.Method, rec.Path, rec.BodyHash, rec.Org, nullString(rec.ReceiptID), s.ts(rec.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLStore) GetIdempotency(ctx context.Context, key string) (*idempotency.Record, error) {
	query := s.rebind(`SELECT idem_key, method, path, body_hash, org, receipt_id, created_at
		FROM idempotency_records WHERE idem_key = ?`)
	var (
		rec       idempotency.Record
		receiptID sql.NullString
		createdAt sqlTime
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &rec.Method, &rec.Path, &rec.BodyHash, &rec.Org, &receiptID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}
	rec.ReceiptID = receiptID.String
	rec.CreatedAt = createdAt.t
	return &rec, nil
}

func (s *SQLStore) BindIdempotency(ctx context.Context, key, receiptID string) (bool, error) {
	query := s.rebind(`UPDATE idempotency_records SET receipt_id = ? WHERE idem_key = ? AND receipt_id IS NULL`)
	res, err := s.db.ExecContext(ctx, query, receiptID, key)
	if err != nil {
		return false, fmt.Errorf("failed to bind idempotency record: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLStore) DeleteUnboundIdempotency(ctx context.Context, key string) (bool, error) {
	query := s.rebind(`DELETE FROM idempotency_records WHERE idem_key = ? AND receipt_id IS NULL`)
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return affectedOne(res)
}

func (s *SQLStore) ReclaimIdempotency(ctx context.Context, rec idempotency.Record, staleBefore time.Time) (bool, error) {
	query := s.rebind(`UPDATE idempotency_records SET created_at = ?
		WHERE idem_key = ? AND receipt_id IS NULL AND created_at < ?`)
	res, err := s.db.ExecContext(ctx, query, s.ts(rec.CreatedAt), rec.Key, s.ts(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to reclaim idempotency record: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
