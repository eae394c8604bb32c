package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"civreg/internal/platform/database"
	"civreg/internal/subscription"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
)

// PostgresStore persists subscriptions in the subscriptions table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `uuid, topic, created_by, created_at, active, cancelled_by, cancelled_at`

func (s *PostgresStore) Create(ctx context.Context, sub *subscription.Subscription) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO subscriptions (uuid, topic, created_by, created_at, active)
		VALUES ($1, $2, $3, $4, $5)
	`, sub.UUID, sub.Topic, sub.CreatedBy, sub.CreatedAt, sub.Active)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActive(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE uuid = $1 AND active
	`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE subscriptions SET active = FALSE, cancelled_by = $2, cancelled_at = $3
		WHERE uuid = $1 AND active
	`, id, by, at)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, activeOnly bool) ([]*subscription.Subscription, error) {
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE active OR NOT $1
		ORDER BY created_at
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*subscription.Subscription, error) {
	var (
		sub         subscription.Subscription
		cancelledBy sql.NullString
		cancelledAt sql.NullTime
	)
	err := row.Scan(&sub.UUID, &sub.Topic, &sub.CreatedBy, &sub.CreatedAt, &sub.Active, &cancelledBy, &cancelledAt)
	if err != nil {
		return nil, err
	}
	sub.CancelledBy = cancelledBy.String
	if cancelledAt.Valid {
		at := cancelledAt.Time
		sub.CancelledAt = &at
	}
	return &sub, nil
}
