// Package postgres is the shared-deployment SessionStore, backed by pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"missionloop/internal/domain/mission"
	jsonx "missionloop/internal/shared/json"
	"missionloop/internal/shared/logging"
)

const uniqueViolation = "23505"

// ErrDuplicateEvent is returned when a run already logged the same seq.
var ErrDuplicateEvent = errors.New("event sequence already recorded")

// Store implements ports.SessionStore on Postgres.
type Store struct {
	pool   *pgxpool.Pool
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

// New wraps an existing pool. Call EnsureSchema before first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	store := &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresSessionStore"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Open dials databaseURL, verifies the connection and applies the schema.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := New(pool, opts...)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("session store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mission_conversations (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    missing_fields JSONB NOT NULL DEFAULT '[]'::jsonb,
    plan JSONB,
    pending JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS mission_messages (
    seq BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES mission_conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    payload JSONB,
    created_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_mission_messages_conversation ON mission_messages (conversation_id, seq);`,
		`CREATE TABLE IF NOT EXISTS mission_runs (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    mission TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    cancelled BOOLEAN NOT NULL DEFAULT FALSE
);`,
		`CREATE TABLE IF NOT EXISTS mission_tasks (
    id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL,
    PRIMARY KEY (run_id, position)
);`,
		`CREATE TABLE IF NOT EXISTS mission_events (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL,
    conversation_id TEXT NOT NULL DEFAULT '',
    task_id TEXT NOT NULL DEFAULT '',
    data JSONB,
    UNIQUE (run_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS idx_mission_conversations_updated_at ON mission_conversations (updated_at DESC);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const insertConversation = `INSERT INTO mission_conversations (id, status, created_at, updated_at)
VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`

// Create inserts an empty conversation, or returns the existing one.
func (s *Store) Create(ctx context.Context, id string) (*mission.Conversation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	if _, err := s.pool.Exec(ctx, insertConversation, id, string(mission.StatusRunning), s.now()); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.Get(ctx, id)
}

// Get loads the conversation with its messages in append order.
func (s *Store) Get(ctx context.Context, id string) (*mission.Conversation, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var (
		conv                   mission.Conversation
		status                 string
		missing, plan, pending []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, status, missing_fields, plan, pending, created_at, updated_at
FROM mission_conversations WHERE id = $1`, id).Scan(
		&conv.ID, &status, &missing, &plan, &pending, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mission.ErrNotFound
		}
		return nil, err
	}
	conv.Status = mission.Status(status)
	if err := jsonx.UnmarshalIfPresent(missing, &conv.MissingFields); err != nil {
		return nil, fmt.Errorf("decode missing fields: %w", err)
	}
	if err := jsonx.UnmarshalIfPresent(plan, &conv.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := jsonx.UnmarshalIfPresent(pending, &conv.Pending); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT seq, role, content, kind, payload, created_at
FROM mission_messages WHERE conversation_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Messages = []mission.Message{}
	for rows.Next() {
		var (
			msg     mission.Message
			kind    string
			payload []byte
		)
		if err := rows.Scan(&msg.Seq, &msg.Role, &msg.Content, &kind, &payload, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Kind = mission.EntryKind(kind)
		if len(payload) > 0 {
			msg.Payload = payload
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &conv, nil
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
		payload = []byte(msg.Payload)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertConversation, id, string(mission.StatusRunning), now); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO mission_messages (conversation_id, role, content, kind, payload, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)`, id, msg.Role, msg.Content, string(msg.Kind), payload, msg.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE mission_conversations SET updated_at = $2 WHERE id = $1`, id, now)
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
	_, err = s.pool.Exec(ctx, `
INSERT INTO mission_conversations (id, status, missing_fields, plan, pending, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $6)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, missing_fields = EXCLUDED.missing_fields,
    plan = EXCLUDED.plan, pending = EXCLUDED.pending, updated_at = EXCLUDED.updated_at`,
		id, string(state.Status), missingJSON, planJSON, pendingJSON, s.now())
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
	rows, err := s.pool.Query(ctx, `
SELECT c.id, c.status, c.updated_at, (SELECT COUNT(*) FROM mission_messages m WHERE m.conversation_id = c.id)
FROM mission_conversations c
ORDER BY c.updated_at DESC, c.id ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mission.ConversationSummary
	for rows.Next() {
		var (
			summary mission.ConversationSummary
			status  string
			count   int64
		)
		if err := rows.Scan(&summary.ID, &status, &summary.UpdatedAt, &count); err != nil {
			return nil, err
		}
		summary.Status = mission.Status(status)
		summary.MessageCount = int(count)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, run mission.RunRecord) error {
	if err := validID(run.ID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO mission_runs (id, conversation_id, mission, status, started_at, cancelled)
VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.ConversationID, run.Mission, string(run.Status), run.StartedAt, run.Cancelled)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stores the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, status mission.Status, cancelled bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE mission_runs SET status = $2, cancelled = $3, completed_at = $4 WHERE id = $1`,
		runID, string(status), cancelled, at)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mission.ErrNotFound
	}
	return nil
}

// GetRun loads a run record.
func (s *Store) GetRun(ctx context.Context, runID string) (*mission.RunRecord, error) {
	var (
		run    mission.RunRecord
		status string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, conversation_id, mission, status, started_at, completed_at, cancelled
FROM mission_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.ConversationID, &run.Mission, &status, &run.StartedAt, &run.CompletedAt, &run.Cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mission.ErrNotFound
		}
		return nil, err
	}
	run.Status = mission.Status(status)
	return &run, nil
}

// SaveTasks replaces the run's task list in one batch.
func (s *Store) SaveTasks(ctx context.Context, runID string, tasks []mission.PlannedTask) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM mission_tasks WHERE run_id = $1`, runID)
		for i, task := range tasks {
			batch.Queue(`INSERT INTO mission_tasks (id, run_id, position, title, status) VALUES ($1, $2, $3, $4, $5)`,
				task.ID, runID, i, task.Title, string(task.Status))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ListTasks returns the run's persisted tasks in plan order.
func (s *Store) ListTasks(ctx context.Context, runID string) ([]mission.PlannedTask, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, title, status FROM mission_tasks WHERE run_id = $1 ORDER BY position ASC`, runID)
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

// AppendEvent stores one event.
func (s *Store) AppendEvent(ctx context.Context, event mission.Event) error {
	data, err := nullableJSON(event.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mission_events (id, run_id, seq, type, message, timestamp, conversation_id, task_id, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		event.ID, event.RunID, event.Seq, string(event.Type), event.Message, event.Timestamp,
		event.ConversationID, event.TaskID, data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEvent, event.RunID, event.Seq)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the run's events after afterSeq in order.
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]mission.Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, run_id, seq, type, message, timestamp, conversation_id, task_id, data
FROM mission_events WHERE run_id = $1 AND seq > $2 ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []mission.Event
	for rows.Next() {
		var (
			event     mission.Event
			eventType string
			data      []byte
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Seq, &eventType, &event.Message, &event.Timestamp,
			&event.ConversationID, &event.TaskID, &data); err != nil {
			return nil, err
		}
		event.Type = mission.EventType(eventType)
		if err := jsonx.UnmarshalIfPresent(data, &event.Data); err != nil {
			return nil, fmt.Errorf("decode event data: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func nullableJSON(v any) (any, error) {
	data, err := jsonx.MarshalOrNull(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
