package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iot-gateway/internal/gateway"
	"iot-gateway/pkg/dialect"
	"iot-gateway/pkg/utils"
	"log/slog"
	"time"
)

// SQLStore persists commands in SQLite or PostgreSQL through database/sql.
// The schema is owned by the embedded dbmate migrations.
type SQLStore struct {
	l  *slog.Logger
	db *sql.DB
	d  dialect.Dialect
}

// NewSQLStore creates a store over an already-open, already-migrated database.
func NewSQLStore(l *slog.Logger, db *sql.DB, d dialect.Dialect) (*SQLStore, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	return &SQLStore{
		l:  l.With(slog.String("component", "command-store"), slog.String("dialect", d.String())),
		db: db,
		d:  d,
	}, nil
}

func (s *SQLStore) Create(ctx context.Context, cmd *gateway.Command) error {
	data, err := utils.ToJSON(cmd.Data)
	if err != nil {
		return fmt.Errorf("failed to encode command data: %w", err)
	}

	query := fmt.Sprintf(
		`INSERT INTO commands (id, device_id, type, data, status, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3),
		s.d.Placeholder(4), s.d.Placeholder(5), s.d.Placeholder(6),
	)

	_, err = s.db.ExecContext(ctx, query,
		cmd.ID, cmd.DeviceID, cmd.Type, string(data), string(cmd.Status), cmd.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert command %s: %w", cmd.ID, err)
	}

	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*gateway.Command, error) {
	query := fmt.Sprintf(
		`SELECT id, device_id, type, data, status, error, response, created_at, sent_at, acknowledged_at
		 FROM commands WHERE id = %s`,
		s.d.Placeholder(1),
	)

	var (
		cmd            gateway.Command
		dataRaw        sql.NullString
		errDetail      sql.NullString
		responseRaw    sql.NullString
		sentAt         sql.NullTime
		acknowledgedAt sql.NullTime
	)

	row := s.db.QueryRowContext(ctx, query, id)
	if err := row.Scan(
		&cmd.ID, &cmd.DeviceID, &cmd.Type, &dataRaw, &cmd.Status,
		&errDetail, &responseRaw, &cmd.CreatedAt, &sentAt, &acknowledgedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("failed to load command %s: %w", id, err)
	}

	if dataRaw.Valid && dataRaw.String != "" {
		data, err := utils.FromJSON[map[string]any]([]byte(dataRaw.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode command data for %s: %w", id, err)
		}

		cmd.Data = data
	}

	if responseRaw.Valid && responseRaw.String != "" {
		response, err := utils.FromJSON[map[string]any]([]byte(responseRaw.String))
		if err != nil {
			return nil, fmt.Errorf("failed to decode command response for %s: %w", id, err)
		}

		cmd.Response = response
	}

	if errDetail.Valid {
		cmd.Error = errDetail.String
	}

	if sentAt.Valid {
		cmd.SentAt = utils.Ptr(sentAt.Time)
	}

	if acknowledgedAt.Valid {
		cmd.AcknowledgedAt = utils.Ptr(acknowledgedAt.Time)
	}

	return &cmd, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status gateway.CommandStatus, errDetail string) error {
	return s.transition(ctx, id, status, func(tx *sql.Tx, now time.Time) error {
		var (
			query string
			args  []any
		)

		switch status {
		case gateway.CommandSent:
			query = fmt.Sprintf(`UPDATE commands SET status = %s, sent_at = %s WHERE id = %s`,
				s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3))
			args = []any{string(status), now, id}
		case gateway.CommandFailed:
			query = fmt.Sprintf(`UPDATE commands SET status = %s, error = %s WHERE id = %s`,
				s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3))
			args = []any{string(status), errDetail, id}
		case gateway.CommandAcknowledged:
			query = fmt.Sprintf(`UPDATE commands SET status = %s, acknowledged_at = %s WHERE id = %s`,
				s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3))
			args = []any{string(status), now, id}
		default:
			query = fmt.Sprintf(`UPDATE commands SET status = %s WHERE id = %s`,
				s.d.Placeholder(1), s.d.Placeholder(2))
			args = []any{string(status), id}
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update command %s: %w", id, err)
		}

		return nil
	})
}

func (s *SQLStore) SetResponse(ctx context.Context, id string, status gateway.CommandStatus, response map[string]any) error {
	responseJSON, err := utils.ToJSON(response)
	if err != nil {
		return fmt.Errorf("failed to encode command response: %w", err)
	}

	return s.transition(ctx, id, status, func(tx *sql.Tx, now time.Time) error {
		query := fmt.Sprintf(
			`UPDATE commands SET status = %s, response = %s, acknowledged_at = %s WHERE id = %s`,
			s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4),
		)

		if _, err := tx.ExecContext(ctx, query, string(status), string(responseJSON), now, id); err != nil {
			return fmt.Errorf("failed to store response for command %s: %w", id, err)
		}

		return nil
	})
}

// transition runs fn inside a transaction after checking that the move to
// status is monotonic. The current status is read in the same transaction so
// concurrent updates cannot race a regression past the check.
func (s *SQLStore) transition(ctx context.Context, id string, status gateway.CommandStatus, fn func(tx *sql.Tx, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.l.Error("failed to roll back transaction", utils.ErrAttr(err))
		}
	}()

	query := fmt.Sprintf(`SELECT status FROM commands WHERE id = %s`, s.d.Placeholder(1))

	var current gateway.CommandStatus
	if err := tx.QueryRowContext(ctx, query, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("command %s: %w", id, ErrNotFound)
		}

		return fmt.Errorf("failed to load command %s: %w", id, err)
	}

	if !current.CanTransition(status) {
		return fmt.Errorf("command %s: %s -> %s: %w", id, current, status, ErrInvalidTransition)
	}

	if err := fn(tx, time.Now().UTC()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
