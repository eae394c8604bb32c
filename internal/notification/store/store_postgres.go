package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"civreg/internal/notification"
	"civreg/internal/platform/database"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
)

// PostgresStore persists events in the notifications table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, topic, operation, context, status, payload, message, received_at, processed_at`

func (s *PostgresStore) Create(ctx context.Context, ev *notification.Event) error {
	_, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO notifications (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.Topic, ev.Operation, ev.Context, ev.Status, []byte(ev.Payload), ev.Message, ev.ReceivedAt, ev.ProcessedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*notification.Event, error) {
	row := tx.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM notifications WHERE id = $1
	`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status notification.Status, message string, processedAt *time.Time) error {
	res, err := tx.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE notifications SET status = $2, message = $3, processed_at = $4 WHERE id = $1
	`, id, status, message, processedAt)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, statuses []notification.Status, limit int) ([]*notification.Event, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := tx.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM notifications
		WHERE status = ANY($1::text[])
		ORDER BY received_at DESC
		LIMIT $2
	`, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*notification.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*notification.Event, error) {
	var (
		ev          notification.Event
		raw         []byte
		processedAt sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.Topic, &ev.Operation, &ev.Context, &ev.Status, &raw, &ev.Message, &ev.ReceivedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = raw
	if processedAt.Valid {
		at := processedAt.Time
		ev.ProcessedAt = &at
	}
	return &ev, nil
}
