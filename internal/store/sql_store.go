package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/memory"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// sqlStore implements Store over database/sql. Queries use ? placeholders and are
// rebound for dialects that number them.
type sqlStore struct {
	db        *sql.DB
	name      string // log prefix, e.g. "SQLiteStore"
	numbered  bool   // $1-style placeholders
	lockUsers string // row-lock suffix for the memory transaction
}

func (s *sqlStore) q(query string) string {
	if s.numbered {
		return rebind(query)
	}
	return query
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "error", err, "store", s.name)
	} else {
		slog.Debug("Database connection closed successfully", "store", s.name)
	}
	return err
}

// DB exposes the underlying handle for components that need dialect-specific features.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// --- users ---

func (s *sqlStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" GetUser not found", "userID", id)
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByChannel(ctx context.Context, channelName, channelUserID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE channel_name = ? AND channel_user_id = ?`), channelName, channelUserID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetUserByChannel failed", "error", err, "channel", channelName)
		return nil, fmt.Errorf("failed to get user on %s: %w", channelName, err)
	}
	return u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.AppData == nil {
		user.AppData = map[string]any{}
	}
	args, err := userDocuments(user)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO users (id, channel_name, channel_user_id, profile, conversation, bot, app_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.Channel.Name, user.Channel.UserID, args[0], args[1], args[2], args[3], toMillis(user.CreatedAt), toMillis(user.UpdatedAt))
	if err != nil {
		slog.Error(s.name+" CreateUser failed", "error", err, "userID", user.ID)
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	slog.Debug(s.name+" CreateUser succeeded", "userID", user.ID, "channel", user.Channel.Name)
	return nil
}

func (s *sqlStore) SaveUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	args, err := userDocuments(user)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET profile = ?, conversation = ?, bot = ?, app_data = ?, updated_at = ? WHERE id = ?`),
		args[0], args[1], args[2], args[3], toMillis(user.UpdatedAt), user.ID)
	if err != nil {
		slog.Error(s.name+" SaveUser failed", "error", err, "userID", user.ID)
		return fmt.Errorf("failed to save user %s: %w", user.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.Debug(s.name+" SaveUser succeeded", "userID", user.ID)
	return nil
}

func userDocuments(user *models.User) ([4]string, error) {
	var out [4]string
	for i, v := range []any{user.Profile, user.Conversation, user.Bot, user.AppData} {
		doc, err := marshalJSON(v)
		if err != nil {
			return out, fmt.Errorf("failed to encode user %s: %w", user.ID, err)
		}
		out[i] = doc
	}
	return out, nil
}

func (s *sqlStore) UpdateUserMemory(ctx context.Context, userID string, changes models.MemoryChanges) (map[string]any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error(s.name+" UpdateUserMemory begin failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to begin memory update: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, s.q(`SELECT app_data FROM users WHERE id = ?`+s.lockUsers), userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" UpdateUserMemory read failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to read memory of user %s: %w", userID, err)
	}
	var appData map[string]any
	if err := unmarshalJSON(raw, &appData); err != nil {
		return nil, fmt.Errorf("failed to decode memory of user %s: %w", userID, err)
	}
	updated := memory.Apply(appData, changes)
	doc, err := marshalJSON(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory of user %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE users SET app_data = ?, updated_at = ? WHERE id = ?`), doc, toMillis(time.Now()), userID); err != nil {
		slog.Error(s.name+" UpdateUserMemory write failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to write memory of user %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit memory of user %s: %w", userID, err)
	}
	slog.Debug(s.name+" UpdateUserMemory succeeded", "userID", userID, "set", len(changes.Set), "unset", len(changes.Unset))
	return updated, nil
}

// --- flows ---

func (s *sqlStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition, updated_at FROM flows ORDER BY id`)
	if err != nil {
		slog.Error(s.name+" ListFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()
	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			slog.Error(s.name+" ListFlows scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug(s.name+" ListFlows succeeded", "count", len(flows))
	return flows, nil
}

func (s *sqlStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	f, err := scanFlow(s.db.QueryRowContext(ctx, s.q(`SELECT id, definition, updated_at FROM flows WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetFlow failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return f, nil
}

func (s *sqlStore) SaveFlow(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	flow.UpdatedAt = time.Now().UTC()
	doc, err := marshalJSON(flow)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", flow.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO flows (id, uri, canonical_uri, definition, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET uri = excluded.uri, canonical_uri = excluded.canonical_uri,
		definition = excluded.definition, updated_at = excluded.updated_at`),
		flow.ID, nilIfEmpty(flow.URI), nilIfEmpty(flow.CanonicalURI), doc, toMillis(flow.UpdatedAt))
	if err != nil {
		slog.Error(s.name+" SaveFlow failed", "error", err, "flowID", flow.ID)
		return fmt.Errorf("failed to save flow %s: %w", flow.ID, err)
	}
	slog.Debug(s.name+" SaveFlow succeeded", "flowID", flow.ID, "uri", flow.URI)
	return nil
}

func (s *sqlStore) DeleteFlow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM flows WHERE id = ?`), id); err != nil {
		slog.Error(s.name+" DeleteFlow failed", "error", err, "flowID", id)
		return fmt.Errorf("failed to delete flow %s: %w", id, err)
	}
	return nil
}

// --- tasks ---

func (s *sqlStore) UpsertTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	actions, err := marshalJSON(task.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task actions: %w", err)
	}
	ignoreDays, err := marshalJSON(task.IgnoreDays)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task ignore days: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO tasks (id, hash, user_id, actions, next_run_date, run_every, run_time, ignore_days,
			max_runs, num_runs, allow_concurrent, locked_since, timezone_offset, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT (hash, user_id) DO UPDATE SET actions = excluded.actions, next_run_date = excluded.next_run_date,
			run_every = excluded.run_every, run_time = excluded.run_time, ignore_days = excluded.ignore_days,
			max_runs = excluded.max_runs, allow_concurrent = excluded.allow_concurrent,
			timezone_offset = excluded.timezone_offset, updated_at = excluded.updated_at`),
		task.ID, task.Hash, task.UserID, actions, nullMillis(task.NextRunDate), task.RunEvery, task.RunTime, ignoreDays,
		task.MaxRuns, task.NumRuns, task.AllowConcurrent, task.TimezoneUTCOffset, toMillis(now), toMillis(now))
	if err != nil {
		slog.Error(s.name+" UpsertTask failed", "error", err, "hash", task.Hash, "userID", task.UserID)
		return nil, fmt.Errorf("failed to upsert task %s: %w", task.Hash, err)
	}
	stored, err := scanTask(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE hash = ? AND user_id = ?`), task.Hash, task.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to read back task %s: %w", task.Hash, err)
	}
	slog.Debug(s.name+" UpsertTask succeeded", "taskID", stored.ID, "hash", stored.Hash, "userID", stored.UserID)
	return stored, nil
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetTask failed", "error", err, "taskID", id)
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

func (s *sqlStore) FindDueTasks(ctx context.Context, now time.Time) ([]models.Task, error) {
	return s.queryTasks(ctx, "FindDueTasks",
		`SELECT `+taskColumns+` FROM tasks WHERE next_run_date IS NOT NULL AND next_run_date <= ? ORDER BY next_run_date ASC`,
		toMillis(now))
}

func (s *sqlStore) FindTasksForUser(ctx context.Context, userID string) ([]models.Task, error) {
	return s.queryTasks(ctx, "FindTasksForUser",
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY next_run_date ASC`, userID)
}

func (s *sqlStore) queryTasks(ctx context.Context, op, query string, args ...any) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" "+op+" query failed", "error", err)
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			slog.Error(s.name+" "+op+" scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	slog.Debug(s.name+" "+op+" succeeded", "count", len(tasks))
	return tasks, nil
}

func (s *sqlStore) AcquireTaskLease(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET locked_since = ?, num_runs = num_runs + 1, updated_at = ?
		WHERE id = ? AND (locked_since IS NULL OR locked_since <= ?)`),
		toMillis(now), toMillis(now), id, toMillis(now.Add(-models.MaxLockTime)))
	if err != nil {
		slog.Error(s.name+" AcquireTaskLease failed", "error", err, "taskID", id)
		return false, fmt.Errorf("failed to lease task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease rows affected check failed: %w", err)
	}
	slog.Debug(s.name+" AcquireTaskLease", "taskID", id, "acquired", n > 0)
	return n > 0, nil
}

func (s *sqlStore) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET next_run_date = ?, num_runs = ?, locked_since = ?, timezone_offset = ?, updated_at = ? WHERE id = ?`),
		nullMillis(task.NextRunDate), task.NumRuns, nullMillis(task.LockedSinceDate), task.TimezoneUTCOffset, toMillis(task.UpdatedAt), task.ID)
	if err != nil {
		slog.Error(s.name+" UpdateTask failed", "error", err, "taskID", task.ID)
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	slog.Debug(s.name+" UpdateTask succeeded", "taskID", task.ID, "numRuns", task.NumRuns)
	return nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		slog.Error(s.name+" DeleteTask failed", "error", err, "taskID", id)
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	slog.Debug(s.name+" DeleteTask succeeded", "taskID", id)
	return nil
}

func (s *sqlStore) DeleteTasksForUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE user_id = ?`), userID); err != nil {
		slog.Error(s.name+" DeleteTasksForUser failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete tasks of user %s: %w", userID, err)
	}
	slog.Debug(s.name+" DeleteTasksForUser succeeded", "userID", userID)
	return nil
}

// --- messages ---

func (s *sqlStore) AddMessage(ctx context.Context, msg *models.MessageRecord) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO messages (id, user_id, direction, text, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.UserID, string(msg.Direction), msg.Text, msg.Payload, toMillis(msg.CreatedAt))
	if err != nil {
		slog.Error(s.name+" AddMessage failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to add message for %s: %w", msg.UserID, err)
	}
	return nil
}

func (s *sqlStore) ListMessages(ctx context.Context, userID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, user_id, direction, text, payload, created_at FROM messages
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		slog.Error(s.name+" ListMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var out []models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		var direction string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &direction, &m.Text, &m.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Direction = models.MessageDirection(direction)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeleteMessagesForUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM messages WHERE user_id = ?`), userID); err != nil {
		slog.Error(s.name+" DeleteMessagesForUser failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete messages of user %s: %w", userID, err)
	}
	return nil
}

// --- dedup ---

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, userKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO inbound_dedup (message_id, user_key, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`), messageID, userKey, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), toMillis(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
