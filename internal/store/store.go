// Package store provides storage backends for FlowPipe.
//
// Every backend implements Store: users (with their conversation cursor and appData memory),
// dynamic flows, scheduled tasks, message history and inbound deduplication. The in-memory
// store serves tests and ephemeral runs; SQLite and Postgres share one database/sql core.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// UserRepo persists users.
type UserRepo interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByChannel(ctx context.Context, channelName, channelUserID string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	// SaveUser writes profile, conversation, bot state and appData.
	SaveUser(ctx context.Context, user *models.User) error
	// UpdateUserMemory applies changes to the stored appData in one transaction and
	// returns the resulting appData.
	UpdateUserMemory(ctx context.Context, userID string, changes models.MemoryChanges) (map[string]any, error)
}

// FlowRepo persists dynamic flows.
type FlowRepo interface {
	ListFlows(ctx context.Context) ([]models.Flow, error)
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	SaveFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, id string) error
}

// TaskRepo persists scheduler tasks.
type TaskRepo interface {
	// UpsertTask inserts or updates the task identified by (Hash, UserID) and returns the stored row.
	// NumRuns and the lease of an existing task are kept.
	UpsertTask(ctx context.Context, task *models.Task) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// FindDueTasks returns tasks whose next run date is at or before now, earliest first.
	FindDueTasks(ctx context.Context, now time.Time) ([]models.Task, error)
	// AcquireTaskLease atomically takes the lease on a task when no valid lease exists,
	// incrementing NumRuns. It reports whether the lease was taken.
	AcquireTaskLease(ctx context.Context, id string, now time.Time) (bool, error)
	// UpdateTask writes the schedule state: next run date, run count, lease and timezone.
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	FindTasksForUser(ctx context.Context, userID string) ([]models.Task, error)
	DeleteTasksForUser(ctx context.Context, userID string) error
}

// MessageRepo persists message history.
type MessageRepo interface {
	AddMessage(ctx context.Context, msg *models.MessageRecord) error
	ListMessages(ctx context.Context, userID string, limit int) ([]models.MessageRecord, error)
	DeleteMessagesForUser(ctx context.Context, userID string) error
}

// Store is the full persistence collaborator.
type Store interface {
	UserRepo
	FlowRepo
	TaskRepo
	MessageRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}
