package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"civreg/internal/person"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
)

// PostgresStore persists persons, households and person_history rows.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FindCurrentByNationalID(ctx context.Context, nin string) (*person.Person, error) {
	p := &person.Person{}
	var extra []byte
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, national_id, other_names, last_name, phone, date_of_birth, gender,
		       profession_id, household_id, head, extra, audit_user_id, validity_from, validity_to
		FROM persons
		WHERE national_id = $1 AND validity_to IS NULL
		ORDER BY id LIMIT 1
	`, nin).Scan(&p.ID, &p.NationalID, &p.OtherNames, &p.LastName, &p.Phone, &p.DateOfBirth, &p.Gender,
		&p.ProfessionID, &p.HouseholdID, &p.Head, &extra, &p.AuditUserID, &p.ValidityFrom, &p.ValidityTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find person: %w", err)
	}
	p.Extra = extra
	return p, nil
}

func (s *PostgresStore) FindProfession(ctx context.Context, name string) (*person.Profession, error) {
	p := &person.Profession{}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, name FROM professions WHERE name = $1
	`, name).Scan(&p.ID, &p.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find profession: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateHousehold(ctx context.Context, h *person.Household) error {
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO households (village_id, head_id, audit_user_id, validity_from)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, h.VillageID, h.HeadID, h.AuditUserID, h.ValidityFrom).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("insert household: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindHousehold(ctx context.Context, id int64) (*person.Household, error) {
	h := &person.Household{}
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, village_id, head_id, audit_user_id, enrolled_at, validity_from
		FROM households WHERE id = $1
	`, id).Scan(&h.ID, &h.VillageID, &h.HeadID, &h.AuditUserID, &h.EnrolledAt, &h.ValidityFrom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find household: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) MarkEnrolled(ctx context.Context, householdID int64, at time.Time) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE households SET enrolled_at = $2 WHERE id = $1
	`, householdID, at)
	if err != nil {
		return fmt.Errorf("mark household enrolled: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark household enrolled: %w", err)
	} else if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreatePerson(ctx context.Context, p *person.Person) error {
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO persons (national_id, other_names, last_name, phone, date_of_birth, gender,
		                     profession_id, household_id, head, extra, audit_user_id, validity_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, p.NationalID, p.OtherNames, p.LastName, p.Phone, p.DateOfBirth, p.Gender,
		p.ProfessionID, p.HouseholdID, p.Head, nullJSON(p.Extra), p.AuditUserID, p.ValidityFrom).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetHouseholdHead(ctx context.Context, householdID, personID int64) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE households SET head_id = $2 WHERE id = $1
	`, householdID, personID)
	if err != nil {
		return fmt.Errorf("set household head: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set household head: %w", err)
	} else if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Archive(ctx context.Context, p *person.Person, at time.Time) (*person.Version, error) {
	v := &person.Version{PersonID: p.ID, ValidTo: at}
	var extra []byte
	err := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO person_history (person_id, other_names, last_name, phone, date_of_birth, gender,
		                            profession_id, extra, valid_from, valid_to)
		SELECT id, other_names, last_name, phone, date_of_birth, gender, profession_id, extra, validity_from, $2
		FROM persons WHERE id = $1 AND validity_to IS NULL
		RETURNING other_names, last_name, phone, date_of_birth, gender, profession_id, extra, valid_from
	`, p.ID, at).Scan(&v.OtherNames, &v.LastName, &v.Phone, &v.DateOfBirth, &v.Gender, &v.ProfessionID, &extra, &v.ValidFrom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("archive person: %w", err)
	}
	v.Extra = extra
	return v, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *person.Person) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE persons
		SET other_names = $2, last_name = $3, phone = $4, date_of_birth = $5, gender = $6,
		    profession_id = $7, extra = $8, validity_from = $9
		WHERE id = $1 AND validity_to IS NULL
	`, p.ID, p.OtherNames, p.LastName, p.Phone, p.DateOfBirth, p.Gender, p.ProfessionID, nullJSON(p.Extra), p.ValidityFrom)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update person: %w", err)
	} else if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, id int64) ([]person.Version, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT person_id, other_names, last_name, phone, date_of_birth, gender, profession_id, extra, valid_from, valid_to
		FROM person_history WHERE person_id = $1 ORDER BY valid_from, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list person history: %w", err)
	}
	defer rows.Close()

	var versions []person.Version
	for rows.Next() {
		var v person.Version
		var extra []byte
		if err := rows.Scan(&v.PersonID, &v.OtherNames, &v.LastName, &v.Phone, &v.DateOfBirth, &v.Gender,
			&v.ProfessionID, &extra, &v.ValidFrom, &v.ValidTo); err != nil {
			return nil, fmt.Errorf("scan person history: %w", err)
		}
		v.Extra = extra
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// nullJSON sends an empty document as NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
