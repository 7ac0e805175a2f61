// Package storage persists projects and finalized messages in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"agentd/internal/agent"
	"agentd/internal/logging"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	root_path         TEXT NOT NULL,
	preferred_cli     TEXT NOT NULL DEFAULT '',
	selected_model    TEXT NOT NULL DEFAULT '',
	resume_session_id TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	last_active_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	message_type    TEXT NOT NULL,
	content         TEXT NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '',
	cli_source      TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at);
`

// Store is a SQLite-backed implementation of the project directory and
// message sink ports.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string, logger logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: logging.OrNop(logger)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateProject inserts a project, assigning an id and timestamps when
// missing.
func (s *Store) CreateProject(ctx context.Context, p agent.Project) (agent.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, root_path, preferred_cli, selected_model, resume_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.RootPath, p.PreferredEngine, p.SelectedModel, p.ResumeSessionID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return agent.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*agent.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, root_path, preferred_cli, selected_model, resume_session_id, created_at, updated_at, last_active_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects ordered by most recent activity.
func (s *Store) ListProjects(ctx context.Context) ([]agent.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, root_path, preferred_cli, selected_model, resume_session_id, created_at, updated_at, last_active_at
		FROM projects ORDER BY COALESCE(last_active_at, updated_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []agent.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProject overwrites the mutable fields of a project.
func (s *Store) UpdateProject(ctx context.Context, p agent.Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = ?, description = ?, root_path = ?, preferred_cli = ?, selected_model = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, p.RootPath, p.PreferredEngine, p.SelectedModel, time.Now().UTC(), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRow(res)
}

// DeleteProject removes a project and its messages.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("delete project messages: %w", err)
	}
	return nil
}

// SetResumeSessionID stores (or, with "", clears) the backend resume token.
func (s *Store) SetResumeSessionID(ctx context.Context, projectID, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET resume_session_id = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("set resume token: %w", err)
	}
	return requireRow(res)
}

// TouchLastActive bumps the project's activity timestamp.
func (s *Store) TouchLastActive(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), projectID)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return requireRow(res)
}

// SaveMessage appends one finalized message.
func (s *Store) SaveMessage(ctx context.Context, msg agent.StoredMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	meta := ""
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, session_id, conversation_id, role, message_type, content, metadata, cli_source, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.SessionID, msg.ConversationID, msg.Role, msg.MessageType,
		msg.Content, meta, msg.CLISource, msg.RequestID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessagePage is one page of session history.
type MessagePage struct {
	Messages []agent.StoredMessage `json:"messages"`
	HasMore  bool                  `json:"hasMore"`
}

// ListSessionMessages pages through a session's history in chronological
// order.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit, offset int) (MessagePage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	// Fetch one extra row to detect a further page without a second query.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, conversation_id, role, message_type, content, metadata, cli_source, request_id, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?`, sessionID, limit+1, offset)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []agent.StoredMessage
	for rows.Next() {
		var (
			m    agent.StoredMessage
			meta string
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SessionID, &m.ConversationID, &m.Role,
			&m.MessageType, &m.Content, &meta, &m.CLISource, &m.RequestID, &m.CreatedAt); err != nil {
			return MessagePage{}, fmt.Errorf("scan message: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				s.logger.Warn("dropping unreadable metadata on message %s: %v", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	page := MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	return page, nil
}

// DeleteSessionMessages clears a session's history and reports how many rows
// were removed.
func (s *Store) DeleteSessionMessages(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*agent.Project, error) {
	var (
		p          agent.Project
		lastActive sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.RootPath, &p.PreferredEngine,
		&p.SelectedModel, &p.ResumeSessionID, &p.CreatedAt, &p.UpdatedAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if lastActive.Valid {
		p.LastActiveAt = lastActive.Time
	}
	return &p, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
