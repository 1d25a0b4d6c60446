package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// toMillis converts a time to the unix-millisecond column representation.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// nullMillis converts an optional time to a nullable millisecond column value.
func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func rebind(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, channel_name, channel_user_id, profile, conversation, bot, app_data, created_at, updated_at`

// scanUser scans a User from a row selected with userColumns.
func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var profile, conversation, bot, appData string
	var createdAt, updatedAt int64
	if err := row.Scan(&u.ID, &u.Channel.Name, &u.Channel.UserID, &profile, &conversation, &bot, &appData, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(profile, &u.Profile); err != nil {
		return nil, fmt.Errorf("decode profile for user %s: %w", u.ID, err)
	}
	if err := unmarshalJSON(conversation, &u.Conversation); err != nil {
		return nil, fmt.Errorf("decode conversation for user %s: %w", u.ID, err)
	}
	if err := unmarshalJSON(bot, &u.Bot); err != nil {
		return nil, fmt.Errorf("decode bot state for user %s: %w", u.ID, err)
	}
	if err := unmarshalJSON(appData, &u.AppData); err != nil {
		return nil, fmt.Errorf("decode appData for user %s: %w", u.ID, err)
	}
	if u.AppData == nil {
		u.AppData = map[string]any{}
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

const taskColumns = `id, hash, user_id, actions, next_run_date, run_every, run_time, ignore_days, max_runs, num_runs, allow_concurrent, locked_since, timezone_offset, created_at, updated_at`

// scanTask scans a Task from a row selected with taskColumns.
func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var actions, ignoreDays string
	var nextRun, lockedSince sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.Hash, &t.UserID, &actions, &nextRun, &t.RunEvery, &t.RunTime, &ignoreDays,
		&t.MaxRuns, &t.NumRuns, &t.AllowConcurrent, &lockedSince, &t.TimezoneUTCOffset, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actions, &t.Actions); err != nil {
		return nil, fmt.Errorf("decode actions for task %s: %w", t.ID, err)
	}
	if err := unmarshalJSON(ignoreDays, &t.IgnoreDays); err != nil {
		return nil, fmt.Errorf("decode ignore days for task %s: %w", t.ID, err)
	}
	t.NextRunDate = fromNullMillis(nextRun)
	t.LockedSinceDate = fromNullMillis(lockedSince)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

// scanFlow scans a Flow from (id, definition, updated_at).
func scanFlow(row rowScanner) (*models.Flow, error) {
	var id, definition string
	var updatedAt int64
	if err := row.Scan(&id, &definition, &updatedAt); err != nil {
		return nil, err
	}
	var f models.Flow
	if err := unmarshalJSON(definition, &f); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", id, err)
	}
	f.ID = id
	f.Dynamic = true
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}
