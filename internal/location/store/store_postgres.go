package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"civreg/internal/location"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
)

// PostgresStore persists nodes in locations and archived versions in
// location_history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const nodeColumns = `id, code, name, level, parent_id, audit_user_id, validity_from, validity_to`

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*location.Node, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM locations WHERE id = $1 AND validity_to IS NULL
	`, id)
	return scanNode(row)
}

func (s *PostgresStore) FindAnyByID(ctx context.Context, id int64) (*location.Node, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM locations WHERE id = $1
	`, id)
	return scanNode(row)
}

func (s *PostgresStore) FindRoot(ctx context.Context, name string) (*location.Node, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM locations
		WHERE level = $1 AND name = $2 AND validity_to IS NULL
		ORDER BY id LIMIT 1
	`, location.LevelRegion, name)
	return scanNode(row)
}

func (s *PostgresStore) Create(ctx context.Context, n *location.Node) error {
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO locations (code, name, level, parent_id, audit_user_id, validity_from)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, n.Code, n.Name, n.Level, n.ParentID, n.AuditUserID, n.ValidityFrom).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (s *PostgresStore) Archive(ctx context.Context, n *location.Node, at time.Time) (*location.NodeVersion, error) {
	v := &location.NodeVersion{NodeID: n.ID, ValidTo: at}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO location_history (location_id, name, level, parent_id, valid_from, valid_to)
		SELECT id, name, level, parent_id, validity_from, $2
		FROM locations WHERE id = $1 AND validity_to IS NULL
		RETURNING name, level, parent_id, valid_from
	`, n.ID, at).Scan(&v.Name, &v.Level, &v.ParentID, &v.ValidFrom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("archive location: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Update(ctx context.Context, n *location.Node) error {
	return s.execOne(ctx, "update location", `
		UPDATE locations SET name = $2, parent_id = $3, validity_from = $4
		WHERE id = $1 AND validity_to IS NULL
	`, n.ID, n.Name, n.ParentID, n.ValidityFrom)
}

func (s *PostgresStore) AssignCode(ctx context.Context, id int64, code string) error {
	return s.execOne(ctx, "assign location code", `
		UPDATE locations SET code = $2 WHERE id = $1
	`, id, code)
}

func (s *PostgresStore) Retire(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, "retire location", `
		UPDATE locations SET validity_to = $2 WHERE id = $1 AND validity_to IS NULL
	`, id, at)
}

func (s *PostgresStore) History(ctx context.Context, id int64) ([]location.NodeVersion, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT location_id, name, level, parent_id, valid_from, valid_to
		FROM location_history WHERE location_id = $1 ORDER BY valid_from, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list location history: %w", err)
	}
	defer rows.Close()

	var versions []location.NodeVersion
	for rows.Next() {
		var v location.NodeVersion
		if err := rows.Scan(&v.NodeID, &v.Name, &v.Level, &v.ParentID, &v.ValidFrom, &v.ValidTo); err != nil {
			return nil, fmt.Errorf("scan location history: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanNode(row *sql.Row) (*location.Node, error) {
	n := &location.Node{}
	err := row.Scan(&n.ID, &n.Code, &n.Name, &n.Level, &n.ParentID, &n.AuditUserID, &n.ValidityFrom, &n.ValidityTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan location: %w", err)
	}
	return n, nil
}
