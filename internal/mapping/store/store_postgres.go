package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"civreg/internal/mapping"
	"civreg/internal/platform/database"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
)

// PostgresStore persists mappings in external_mappings.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindActive(ctx context.Context, kind mapping.Kind, code string) (*mapping.Mapping, error) {
	m := &mapping.Mapping{}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, kind, sub_kind, external_code, entity_id, created_at, last_access, deleted
		FROM external_mappings
		WHERE kind = $1 AND external_code = $2 AND NOT deleted
	`, kind, code).Scan(&m.ID, &m.Kind, &m.SubKind, &m.ExternalCode, &m.EntityID, &m.CreatedAt, &m.LastAccess, &m.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find mapping: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) Exists(ctx context.Context, kind mapping.Kind, code string) (bool, error) {
	var exists bool
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM external_mappings WHERE kind = $1 AND external_code = $2)
	`, kind, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check mapping: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Create(ctx context.Context, m *mapping.Mapping) error {
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO external_mappings (kind, sub_kind, external_code, entity_id, created_at, last_access, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING id
	`, m.Kind, m.SubKind, m.ExternalCode, m.EntityID, m.CreatedAt, m.LastAccess).Scan(&m.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, id int64, at time.Time) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE external_mappings SET last_access = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("touch mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDeleted(ctx context.Context, id int64) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE external_mappings SET deleted = TRUE WHERE id = $1 AND NOT deleted
	`, id)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
