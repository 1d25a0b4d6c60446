// Package analytics defines the tracking collaborator of the workflow engine.
package analytics

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Tracker records user traits, named events and message traffic.
type Tracker interface {
	TrackUser(ctx context.Context, user *models.User, traits map[string]any) error
	TrackEvent(ctx context.Context, user *models.User, name string, data map[string]any) error
	TrackMessage(ctx context.Context, user *models.User, msg models.MessageRecord) error
}

func userID(user *models.User) string {
	if user == nil {
		return ""
	}
	return user.ID
}

// LogTracker writes every tracking call as a structured log line.
type LogTracker struct {
	logger *slog.Logger
}

// Compile-time check that LogTracker implements Tracker.
var _ Tracker = (*LogTracker)(nil)

// NewLogTracker creates a tracker logging through logger, or the default logger when nil.
func NewLogTracker(logger *slog.Logger) *LogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracker{logger: logger.With("component", "analytics")}
}

func (t *LogTracker) TrackUser(ctx context.Context, user *models.User, traits map[string]any) error {
	t.logger.InfoContext(ctx, "track user", "userID", userID(user), "traits", traits)
	return nil
}

func (t *LogTracker) TrackEvent(ctx context.Context, user *models.User, name string, data map[string]any) error {
	t.logger.InfoContext(ctx, "track event", "userID", userID(user), "event", name, "data", data)
	return nil
}

func (t *LogTracker) TrackMessage(ctx context.Context, user *models.User, msg models.MessageRecord) error {
	t.logger.DebugContext(ctx, "track message", "userID", userID(user), "direction", msg.Direction, "length", len(msg.Text))
	return nil
}

// Call is one tracking call captured by Recorder.
type Call struct {
	Kind   string // user, event or message
	UserID string
	Name   string
	Data   map[string]any
}

// Recorder keeps tracking calls in memory.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// Compile-time check that Recorder implements Tracker.
var _ Tracker = (*Recorder)(nil)

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *Recorder) TrackUser(ctx context.Context, user *models.User, traits map[string]any) error {
	r.record(Call{Kind: "user", UserID: userID(user), Data: traits})
	return nil
}

func (r *Recorder) TrackEvent(ctx context.Context, user *models.User, name string, data map[string]any) error {
	r.record(Call{Kind: "event", UserID: userID(user), Name: name, Data: data})
	return nil
}

func (r *Recorder) TrackMessage(ctx context.Context, user *models.User, msg models.MessageRecord) error {
	r.record(Call{Kind: "message", UserID: userID(user), Name: string(msg.Direction), Data: map[string]any{"text": msg.Text}})
	return nil
}

// Calls returns the recorded calls, optionally only those of one kind.
func (r *Recorder) Calls(kind string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
