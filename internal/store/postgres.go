package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReadDocument returns the fields of a document, or false when it is absent.
func (s *PostgresStore) ReadDocument(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read document: %w", err)
	}

	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return fields, true, nil
}

// WriteDocument creates or updates a document. With merge the given fields are
// merged over the stored ones key by key; without it the document is replaced.
func (s *PostgresStore) WriteDocument(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}

	query := `
		INSERT INTO documents (collection, id, fields)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET fields=EXCLUDED.fields, updated_at=NOW()
	`
	if merge {
		query = `
			INSERT INTO documents (collection, id, fields)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (collection, id) DO UPDATE SET fields=documents.fields || EXCLUDED.fields, updated_at=NOW()
		`
	}
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(payload)); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, provider, provider_subject)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cred.ID, normalizeEmail(cred.Email), cred.DisplayName, cred.PasswordHash, cred.Provider, cred.ProviderSubject)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) CredentialByEmail(ctx context.Context, email string) (Credential, error) {
	return s.scanCredential(ctx, `WHERE email=$1`, normalizeEmail(email))
}

func (s *PostgresStore) CredentialByID(ctx context.Context, id string) (Credential, error) {
	return s.scanCredential(ctx, `WHERE id=$1`, id)
}

func (s *PostgresStore) scanCredential(ctx context.Context, where string, arg string) (Credential, error) {
	var cred Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, provider, provider_subject, created_at
		FROM users `+where, arg).Scan(
		&cred.ID, &cred.Email, &cred.DisplayName, &cred.PasswordHash,
		&cred.Provider, &cred.ProviderSubject, &cred.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read credential: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) UpdateDisplayName(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET display_name=$2, updated_at=NOW() WHERE id=$1`, id, name)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, user_id, text, is_user, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.UserID, msg.Text, msg.IsUser, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns a user's messages oldest first.
func (s *PostgresStore) ListChatMessages(ctx context.Context, userID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, text, is_user, created_at
		FROM chat_messages
		WHERE user_id=$1
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Text, &msg.IsUser, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
