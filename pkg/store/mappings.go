package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
)

func (s *SQLStore) GetClassMapping(ctx context.Context, projectID string, start, end time.Time) (*derive.Mapping, error) {
	query := s.rebind(`SELECT project_id, window_start, window_end, class_id, created_at
		FROM class_mappings WHERE project_id = ? AND window_start = ? AND window_end = ?`)
	var (
		m                 derive.Mapping
		ws, we, createdAt sqlTime
	)
	err := s.db.QueryRowContext(ctx, query, projectID, s.ts(start), s.ts(end)).Scan(
		&m.ProjectID, &ws, &we, &m.ClassID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derive.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read class mapping: %w", err)
	}
	m.WindowStart, m.WindowEnd, m.CreatedAt = ws.t, we.t, createdAt.t
	return &m, nil
}

// PutClassMapping records m. An existing row for the same triple wins.
func (s *SQLStore) PutClassMapping(ctx context.Context, m derive.Mapping) error {
	query := s.rebind(`INSERT INTO class_mappings (project_id, window_start, window_end, class_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, window_start, window_end) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, query,
		m.ProjectID, s.ts(m.WindowStart), s.ts(m.WindowEnd), m.ClassID, s.ts(m.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert class mapping: %w", err)
	}
	return nil
}
