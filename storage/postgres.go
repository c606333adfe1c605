package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"mailq/queue"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const messageColumns = `id, channel, recipient, subject, payload, status, attempts, max_retries,
	next_retry_at, last_error, created_at, updated_at, sent_at, failed_at`

// Postgres stores messages in the outbound_messages table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects with the lib/pq driver, retrying the initial ping.
func OpenPostgres(ctx context.Context, dsn string, attempts int, delay time.Duration, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}
		logger.Warn("Failed to reach database",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	db.Close()
	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", attempts, err)
}

// Migrate applies the embedded schema migrations. An up-to-date schema is
// not an error.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Insert adds a new row.
func (p *Postgres) Insert(ctx context.Context, msg queue.QueuedMessage) error {
	query := `
		INSERT INTO outbound_messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	args, err := rowArgs(msg)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert outbound message %s: %w", msg.ID, err)
	}
	return nil
}

// Update upserts the delivery state. Rows already sent or failed are left
// untouched so a late writer cannot revive them.
func (p *Postgres) Update(ctx context.Context, msg queue.QueuedMessage) error {
	query := `
		INSERT INTO outbound_messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at,
			sent_at = EXCLUDED.sent_at,
			failed_at = EXCLUDED.failed_at
		WHERE outbound_messages.status NOT IN ('sent', 'failed')
	`
	args, err := rowArgs(msg)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update outbound message %s: %w", msg.ID, err)
	}
	return nil
}

// Get returns one row by id.
func (p *Postgres) Get(ctx context.Context, id string) (queue.QueuedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = $1`
	msg, err := scanMessage(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.QueuedMessage{}, ErrNotFound
	}
	if err != nil {
		return queue.QueuedMessage{}, fmt.Errorf("failed to get outbound message %s: %w", id, err)
	}
	return msg, nil
}

// LoadPending returns queued, retry and sending rows by next_retry_at.
func (p *Postgres) LoadPending(ctx context.Context) ([]queue.QueuedMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbound_messages
		WHERE status = ANY($1)
		ORDER BY next_retry_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(pendingStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to load pending outbound messages: %w", err)
	}
	return collect(rows)
}

// LoadReady returns up to limit queued or retry rows due by now.
func (p *Postgres) LoadReady(ctx context.Context, now time.Time, limit int) ([]queue.QueuedMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM outbound_messages
		WHERE status = ANY($1) AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3
	`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(readyStatuses), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load ready outbound messages: %w", err)
	}
	return collect(rows)
}

func rowArgs(msg queue.QueuedMessage) ([]any, error) {
	payload, err := json.Marshal(msg.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for %s: %w", msg.ID, err)
	}
	return []any{
		msg.ID,
		string(msg.ChannelOrDefault()),
		msg.To,
		msg.Subject,
		payload,
		string(msg.Status),
		msg.Attempts,
		msg.MaxRetries,
		msg.NextRetryAt,
		msg.LastError,
		msg.CreatedAt,
		msg.UpdatedAt,
		nullTime(msg.SentAt),
		nullTime(msg.FailedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (queue.QueuedMessage, error) {
	var (
		msg      queue.QueuedMessage
		channel  string
		status   string
		payload  []byte
		sentAt   sql.NullTime
		failedAt sql.NullTime
	)
	err := row.Scan(
		&msg.ID,
		&channel,
		&msg.To,
		&msg.Subject,
		&payload,
		&status,
		&msg.Attempts,
		&msg.MaxRetries,
		&msg.NextRetryAt,
		&msg.LastError,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&sentAt,
		&failedAt,
	)
	if err != nil {
		return msg, err
	}
	if len(payload) > 0 {
		var body queue.Message
		if err := json.Unmarshal(payload, &body); err != nil {
			return msg, fmt.Errorf("failed to decode payload for %s: %w", msg.ID, err)
		}
		msg.Body = body.Body
		msg.TemplateID = body.TemplateID
		msg.Variables = body.Variables
	}
	msg.Channel = queue.Channel(channel)
	msg.Status = queue.Status(status)
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	if failedAt.Valid {
		msg.FailedAt = &failedAt.Time
	}
	return msg, nil
}

func collect(rows *sql.Rows) ([]queue.QueuedMessage, error) {
	defer rows.Close()

	var messages []queue.QueuedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbound message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbound messages: %w", err)
	}
	return messages, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
