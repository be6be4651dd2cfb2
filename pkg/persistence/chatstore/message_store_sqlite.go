package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstream/pkg/messages"
)

type SQLiteMessageStore struct {
	db *sql.DB
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			response_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			usage TEXT,
			provider_metadata TEXT,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_chat ON messages(chat_id, created_at_ms);`,
		`CREATE INDEX IF NOT EXISTS messages_by_response ON messages(response_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

// SaveMessages writes all rows in one transaction. Saving a row id twice replaces it.
func (s *SQLiteMessageStore) SaveMessages(ctx context.Context, msgs []messages.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, m := range msgs {
		if err := validateMessage(m); err != nil {
			return errors.Wrap(err, "sqlite message store")
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO messages(id, chat_id, response_id, role, content, model, provider, usage, provider_metadata, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: prepare")
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return errors.Wrap(err, "sqlite message store: marshal content")
		}
		var usage sql.NullString
		if m.Usage != nil {
			b, err := json.Marshal(m.Usage)
			if err != nil {
				return errors.Wrap(err, "sqlite message store: marshal usage")
			}
			usage = sql.NullString{String: string(b), Valid: true}
		}
		var meta sql.NullString
		if len(m.ProviderMetadata) > 0 {
			meta = sql.NullString{String: string(m.ProviderMetadata), Valid: true}
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.ChatID, m.ResponseID, string(m.Role), string(content),
			m.Model, m.Provider, usage, meta, createdAt.UnixMilli()); err != nil {
			return errors.Wrap(err, "sqlite message store: insert")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite message store: commit")
	}
	return nil
}

func (s *SQLiteMessageStore) ListMessages(ctx context.Context, q MessageQuery) ([]messages.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	if strings.TrimSpace(q.ChatID) == "" {
		return nil, errors.New("sqlite message store: chatID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	clauses := []string{"chat_id = ?"}
	args := []any{strings.TrimSpace(q.ChatID)}
	if v := strings.TrimSpace(q.ResponseID); v != "" {
		clauses = append(clauses, "response_id = ?")
		args = append(args, v)
	}
	if q.SinceMs > 0 {
		clauses = append(clauses, "created_at_ms >= ?")
		args = append(args, q.SinceMs)
	}
	query := fmt.Sprintf(`
		SELECT id, chat_id, response_id, role, content, model, provider, usage, provider_metadata, created_at_ms
		FROM messages
		WHERE %s
		ORDER BY created_at_ms ASC, id ASC
		LIMIT ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []messages.Message{}
	for rows.Next() {
		var (
			m         messages.Message
			role      string
			content   string
			usage     sql.NullString
			meta      sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ResponseID, &role, &content, &m.Model, &m.Provider, &usage, &meta, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan")
		}
		m.Role = messages.Role(role)
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, errors.Wrapf(err, "sqlite message store: decode content of %s", m.ID)
		}
		if usage.Valid {
			var u messages.Usage
			if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
				return nil, errors.Wrapf(err, "sqlite message store: decode usage of %s", m.ID)
			}
			m.Usage = &u
		}
		if meta.Valid {
			m.ProviderMetadata = json.RawMessage(meta.String)
		}
		m.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func SQLiteMessageDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func validateMessage(m messages.Message) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is empty")
	}
	if strings.TrimSpace(m.ChatID) == "" {
		return errors.New("chatID is empty")
	}
	switch m.Role {
	case messages.RoleUser, messages.RoleAssistant, messages.RoleTool:
	default:
		return errors.Errorf("invalid role %q", m.Role)
	}
	if len(m.Content) == 0 {
		return errors.Errorf("message %s has no content", m.ID)
	}
	return nil
}
