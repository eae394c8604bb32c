package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"civreg/internal/facility"
	"civreg/internal/platform/database"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
)

// PostgresStore persists facilities in health_facilities and archived
// versions in health_facility_history.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*facility.Facility, error) {
	f := &facility.Facility{}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, code, name, care_level, legal_form, care_type, location_id, audit_user_id, validity_from, validity_to
		FROM health_facilities WHERE id = $1 AND validity_to IS NULL
	`, id).Scan(&f.ID, &f.Code, &f.Name, &f.CareLevel, &f.LegalForm, &f.CareType, &f.LocationID, &f.AuditUserID, &f.ValidityFrom, &f.ValidityTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find facility: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ExistsByNameInLocation(ctx context.Context, name string, locationID int64) (bool, error) {
	var exists bool
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM health_facilities
			WHERE name = $1 AND location_id = $2 AND validity_to IS NULL
		)
	`, name, locationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check facility name: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Create(ctx context.Context, f *facility.Facility) error {
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO health_facilities (code, name, care_level, legal_form, care_type, location_id, audit_user_id, validity_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, f.Code, f.Name, f.CareLevel, f.LegalForm, f.CareType, f.LocationID, f.AuditUserID, f.ValidityFrom).Scan(&f.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert facility: %w", err)
	}
	return nil
}

func (s *PostgresStore) Archive(ctx context.Context, f *facility.Facility, at time.Time) (*facility.Version, error) {
	v := &facility.Version{FacilityID: f.ID, ValidTo: at}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO health_facility_history (facility_id, name, care_level, legal_form, location_id, valid_from, valid_to)
		SELECT id, name, care_level, legal_form, location_id, validity_from, $2
		FROM health_facilities WHERE id = $1 AND validity_to IS NULL
		RETURNING name, care_level, legal_form, location_id, valid_from
	`, f.ID, at).Scan(&v.Name, &v.CareLevel, &v.LegalForm, &v.LocationID, &v.ValidFrom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("archive facility: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Update(ctx context.Context, f *facility.Facility) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE health_facilities
		SET name = $2, care_level = $3, legal_form = $4, location_id = $5, validity_from = $6
		WHERE id = $1 AND validity_to IS NULL
	`, f.ID, f.Name, f.CareLevel, f.LegalForm, f.LocationID, f.ValidityFrom)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update facility: %w", err)
	}
	return requireRow(res, "update facility")
}

func (s *PostgresStore) AssignCode(ctx context.Context, id int64, code string) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `UPDATE health_facilities SET code = $2 WHERE id = $1`, id, code)
	if err != nil {
		return fmt.Errorf("assign facility code: %w", err)
	}
	return requireRow(res, "assign facility code")
}

func (s *PostgresStore) Retire(ctx context.Context, id int64, at time.Time) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE health_facilities SET validity_to = $2 WHERE id = $1 AND validity_to IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("retire facility: %w", err)
	}
	return requireRow(res, "retire facility")
}

func (s *PostgresStore) History(ctx context.Context, id int64) ([]facility.Version, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT facility_id, name, care_level, legal_form, location_id, valid_from, valid_to
		FROM health_facility_history WHERE facility_id = $1 ORDER BY valid_from, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list facility history: %w", err)
	}
	defer rows.Close()

	var versions []facility.Version
	for rows.Next() {
		var v facility.Version
		if err := rows.Scan(&v.FacilityID, &v.Name, &v.CareLevel, &v.LegalForm, &v.LocationID, &v.ValidFrom, &v.ValidTo); err != nil {
			return nil, fmt.Errorf("scan facility history: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
