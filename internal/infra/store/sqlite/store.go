// Package sqlite is the default durable SessionStore, backed by a single
// SQLite file through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"missionloop/internal/domain/mission"
	jsonx "missionloop/internal/shared/json"
	"missionloop/internal/shared/logging"
)

const driverName = "sqlite"

// Fixed-width UTC timestamps keep TEXT columns sortable.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA foreign_keys=ON;`,
	`PRAGMA busy_timeout=5000;`,
	`CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	missing_fields TEXT NOT NULL DEFAULT '[]',
	plan TEXT,
	pending TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	payload TEXT,
	created_at TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, seq);`,
	`CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	mission TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	cancelled INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);`,
	`CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	message TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	data TEXT,
	UNIQUE (run_id, seq)
);`,
}

// Store implements ports.SessionStore on SQLite.
type Store struct {
	db     *sql.DB
	path   string
	logger logging.Logger
	now    func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if !logging.IsNil(logger) {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection keeps ":memory:" shared too.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		path:   path,
		logger: logging.NewComponentLogger("SQLiteSessionStore"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts an empty conversation, or returns the existing one.
func (s *Store) Create(ctx context.Context, id string) (*mission.Conversation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, insertConversation, id, string(mission.StatusRunning), formatTime(s.now()), formatTime(s.now())); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.Get(ctx, id)
}

const insertConversation = `INSERT OR IGNORE INTO conversations (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`

// Get loads the conversation with its messages in append order.
func (s *Store) Get(ctx context.Context, id string) (*mission.Conversation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var (
		conv                 mission.Conversation
		status, missing      string
		plan, pending        sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, status, missing_fields, plan, pending, created_at, updated_at
FROM conversations WHERE id = ?`, id).Scan(&conv.ID, &status, &missing, &plan, &pending, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mission.ErrNotFound
		}
		return nil, err
	}
	conv.Status = mission.Status(status)
	if err := jsonx.UnmarshalIfPresent([]byte(missing), &conv.MissingFields); err != nil {
		return nil, fmt.Errorf("decode missing fields: %w", err)
	}
	if plan.Valid {
		if err := jsonx.UnmarshalIfPresent([]byte(plan.String), &conv.Plan); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}
	if pending.Valid {
		if err := jsonx.UnmarshalIfPresent([]byte(pending.String), &conv.Pending); err != nil {
			return nil, fmt.Errorf("decode pending: %w", err)
		}
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)

	messages, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return &conv, nil
}

func (s *Store) messages(ctx context.Context, id string) ([]mission.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, role, content, kind, payload, created_at
FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []mission.Message{}
	for rows.Next() {
		var (
			msg       mission.Message
			kind      string
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&msg.Seq, &msg.Role, &msg.Content, &kind, &payload, &createdAt); err != nil {
			return nil, err
		}
		msg.Kind = mission.EntryKind(kind)
		if payload.Valid && payload.String != "" {
			msg.Payload = []byte(payload.String)
		}
		msg.CreatedAt = parseTime(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AddMessage appends a plain message.
func (s *Store) AddMessage(ctx context.Context, id, role, content string) (*mission.Conversation, error) {
	return s.AppendMessage(ctx, id, mission.Message{Role: role, Content: content})
}

// AppendMessage appends msg, creating the conversation when missing.
func (s *Store) AppendMessage(ctx context.Context, id string, msg mission.Message) (*mission.Conversation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	var payload any
	if len(msg.Payload) > 0 {
		payload = string(msg.Payload)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertConversation, id, string(mission.StatusRunning), formatTime(now), formatTime(now)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (conversation_id, role, content, kind, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, id, msg.Role, msg.Content, string(msg.Kind), payload, formatTime(msg.CreatedAt)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(now), id)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to append message to %s: %v", id, err)
		return nil, fmt.Errorf("append message: %w", err)
	}
	return s.Get(ctx, id)
}

// SaveState upserts the resumable state of a conversation.
func (s *Store) SaveState(ctx context.Context, id string, state mission.SessionState) error {
	if err := validID(id); err != nil {
		return err
	}
	missing := state.MissingFields
	if missing == nil {
		missing = []string{}
	}
	missingJSON, err := jsonx.Marshal(missing)
	if err != nil {
		return fmt.Errorf("encode missing fields: %w", err)
	}
	planJSON, err := nullableJSON(state.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	pendingJSON, err := nullableJSON(state.Pending)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	now := formatTime(s.now())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO conversations (id, status, missing_fields, plan, pending, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, missing_fields = excluded.missing_fields,
	plan = excluded.plan, pending = excluded.pending, updated_at = excluded.updated_at`,
		id, string(state.Status), string(missingJSON), planJSON, pendingJSON, now, now)
	if err != nil {
		s.logger.Error("Failed to save state for %s: %v", id, err)
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// ListConversations returns the most recently updated conversations first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]mission.ConversationSummary, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.status, c.updated_at, (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
FROM conversations c
ORDER BY c.updated_at DESC, c.id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mission.ConversationSummary
	for rows.Next() {
		var (
			summary   mission.ConversationSummary
			status    string
			updatedAt string
		)
		if err := rows.Scan(&summary.ID, &status, &updatedAt, &summary.MessageCount); err != nil {
			return nil, err
		}
		summary.Status = mission.Status(status)
		summary.UpdatedAt = parseTime(updatedAt)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, run mission.RunRecord) error {
	if err := validID(run.ID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, conversation_id, mission, status, started_at, cancelled)
VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.Mission, string(run.Status), formatTime(run.StartedAt), boolInt(run.Cancelled))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, status mission.Status, cancelled bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, cancelled = ?, completed_at = ? WHERE id = ?`,
		string(status), boolInt(cancelled), formatTime(at), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return mission.ErrNotFound
	}
	return nil
}

// GetRun loads a run record.
func (s *Store) GetRun(ctx context.Context, runID string) (*mission.RunRecord, error) {
	var (
		run         mission.RunRecord
		status      string
		startedAt   string
		completedAt sql.NullString
		cancelled   int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, mission, status, started_at, completed_at, cancelled
FROM runs WHERE id = ?`, runID).Scan(&run.ID, &run.ConversationID, &run.Mission, &status, &startedAt, &completedAt, &cancelled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mission.ErrNotFound
		}
		return nil, err
	}
	run.Status = mission.Status(status)
	run.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		at := parseTime(completedAt.String)
		run.CompletedAt = &at
	}
	run.Cancelled = cancelled != 0
	return &run, nil
}

// SaveTasks replaces the run's task list.
func (s *Store) SaveTasks(ctx context.Context, runID string, tasks []mission.PlannedTask) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE run_id = ?`, runID); err != nil {
			return err
		}
		for i, task := range tasks {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, run_id, position, title, status) VALUES (?, ?, ?, ?, ?)`,
				task.ID, runID, i, task.Title, string(task.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTasks returns the run's persisted tasks in plan order.
func (s *Store) ListTasks(ctx context.Context, runID string) ([]mission.PlannedTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, status FROM tasks WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []mission.PlannedTask
	for rows.Next() {
		var (
			task   mission.PlannedTask
			status string
		)
		if err := rows.Scan(&task.ID, &task.Title, &status); err != nil {
			return nil, err
		}
		task.Status = mission.TaskStatus(status)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// AppendEvent stores one event. A duplicate (run, seq) is an error.
func (s *Store) AppendEvent(ctx context.Context, event mission.Event) error {
	data, err := nullableJSON(event.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (id, run_id, seq, type, message, timestamp, conversation_id, task_id, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.Seq, string(event.Type), event.Message, formatTime(event.Timestamp),
		event.ConversationID, event.TaskID, data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the run's events after afterSeq in order.
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]mission.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, seq, type, message, timestamp, conversation_id, task_id, data
FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []mission.Event
	for rows.Next() {
		var (
			event     mission.Event
			eventType string
			timestamp string
			data      sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Seq, &eventType, &event.Message, &timestamp,
			&event.ConversationID, &event.TaskID, &data); err != nil {
			return nil, err
		}
		event.Type = mission.EventType(eventType)
		event.Timestamp = parseTime(timestamp)
		if data.Valid {
			if err := jsonx.UnmarshalIfPresent([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// nullableJSON encodes v, returning a SQL NULL for nil values.
func nullableJSON(v any) (any, error) {
	data, err := jsonx.MarshalOrNull(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
