package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conductor-hq/conductor/pkg/models"
	"github.com/conductor-hq/conductor/pkg/persistence"
)

// MessageRepository handles message-log database operations.
type MessageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db *sql.DB, logger *slog.Logger) *MessageRepository {
	return &MessageRepository{db: db, logger: logger}
}

const messageColumns = `id, from_role, to_role, kind, subject, content, read,
	processed_at, processing_error, created_at`

// Save inserts a new message row.
func (mr *MessageRepository) Save(ctx context.Context, message *models.Message) error {
	contentJSON, err := json.Marshal(message.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal message content: %w", err)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = mr.db.ExecContext(ctx, query,
		message.ID,
		message.From,
		message.To,
		message.Kind,
		message.Subject,
		contentJSON,
		message.Read,
		message.ProcessedAt,
		message.ProcessingError,
		message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// Get retrieves a message by its ID.
func (mr *MessageRepository) Get(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	message, err := mr.scanMessage(mr.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrMessageNotFound
		}

		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	return message, nil
}

// ListUnprocessed returns unacknowledged messages addressed to the role,
// directly or via broadcast, oldest first. This is the catch-up read a
// consumer performs on startup.
func (mr *MessageRepository) ListUnprocessed(ctx context.Context, role models.Role) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE processed_at IS NULL AND (to_role = $1 OR to_role = $2)
		ORDER BY created_at ASC`

	rows, err := mr.db.QueryContext(ctx, query, role, models.RoleBroadcast)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			mr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var messages []*models.Message

	for rows.Next() {
		message, err := mr.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// MarkProcessed acknowledges a message. The update only applies while
// processed_at is unset, which makes repeated calls no-ops.
func (mr *MessageRepository) MarkProcessed(ctx context.Context, id string) (*models.Message, error) {
	return mr.acknowledge(ctx, id, "")
}

// MarkFailed acknowledges a message with a processing error. Idempotent in
// the same way as MarkProcessed.
func (mr *MessageRepository) MarkFailed(ctx context.Context, id string, reason string) (*models.Message, error) {
	return mr.acknowledge(ctx, id, reason)
}

func (mr *MessageRepository) acknowledge(ctx context.Context, id string, reason string) (*models.Message, error) {
	query := `
		UPDATE messages
		SET processed_at = $2, processing_error = $3, read = TRUE
		WHERE id = $1 AND processed_at IS NULL
	`

	_, err := mr.db.ExecContext(ctx, query, id, time.Now().UTC(), reason)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge message: %w", err)
	}

	// Zero rows affected means the message was already acknowledged; return
	// the stored row either way.
	return mr.Get(ctx, id)
}

// scanMessage scans a message from a database row.
func (mr *MessageRepository) scanMessage(scanner interface {
	Scan(dest ...any) error
}) (*models.Message, error) {
	var (
		message     models.Message
		contentJSON []byte
		processedAt sql.NullTime
	)

	err := scanner.Scan(
		&message.ID,
		&message.From,
		&message.To,
		&message.Kind,
		&message.Subject,
		&contentJSON,
		&message.Read,
		&processedAt,
		&message.ProcessingError,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if processedAt.Valid {
		message.ProcessedAt = &processedAt.Time
	}

	message.Content = make(map[string]any)

	if contentJSON != nil {
		if err := json.Unmarshal(contentJSON, &message.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message content: %w", err)
		}
	}

	return &message, nil
}
