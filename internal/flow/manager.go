// Package flow implements the workflow engine: the flow table, the flow executor, the action
// interpreter, prompt reply handling, command execution and incoming message dispatch.
// All of it is owned by one Manager.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/analytics"
	"github.com/BTreeMap/FlowPipe/internal/command"
	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/match"
	"github.com/BTreeMap/FlowPipe/internal/memory"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Engine defaults.
const (
	DefaultFlowURI = "static://default"
	// MaxDelay caps a single delay action.
	MaxDelay = 15 * time.Second
	// ProfileRefreshInterval is how old a profile may get before it is fetched again.
	ProfileRefreshInterval = 24 * time.Hour
	// maxFlowDepth bounds nested change-flow and redirect chains.
	maxFlowDepth = 32
)

// Scheduler is the part of the task scheduler the engine needs.
type Scheduler interface {
	AddTask(ctx context.Context, taskID, userID string, actions []models.FlowAction, opts models.TaskOptions, timezoneUTCOffset float64) (*models.Task, error)
	RemoveAllTasksForUser(ctx context.Context, userID string) error
}

// Opts holds configuration for a Manager.
type Opts struct {
	StaticFlows         []models.Flow
	Commands            *command.Matcher
	MatchEngine         *match.Engine
	Scheduler           Scheduler
	Tracker             analytics.Tracker
	Events              events.Publisher
	Metrics             *metrics.Collectors
	Dedup               store.DedupRepo
	Hooks               map[string]Hook
	Webviews            map[string]models.Webview
	DefaultFlowURI      string
	DefaultErrorMessage string
	Sleep               func(ctx context.Context, d time.Duration) error
	Now                 func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithStaticFlows sets the file-sourced flows.
func WithStaticFlows(flows []models.Flow) Option {
	return func(o *Opts) { o.StaticFlows = flows }
}

// WithCommands sets the command matcher.
func WithCommands(m *command.Matcher) Option {
	return func(o *Opts) { o.Commands = m }
}

// WithMatchEngine sets the match engine used for prompt options.
func WithMatchEngine(e *match.Engine) Option {
	return func(o *Opts) { o.MatchEngine = e }
}

// WithScheduler enables schedule-task actions.
func WithScheduler(s Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithTracker sets the analytics tracker.
func WithTracker(t analytics.Tracker) Option {
	return func(o *Opts) { o.Tracker = t }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(o *Opts) { o.Events = p }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(c *metrics.Collectors) Option {
	return func(o *Opts) { o.Metrics = c }
}

// WithDedup replaces the store's inbound dedup records, e.g. with Redis.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithHook registers an execute-hook extension.
func WithHook(name string, h Hook) Option {
	return func(o *Opts) {
		if o.Hooks == nil {
			o.Hooks = make(map[string]Hook)
		}
		o.Hooks[name] = h
	}
}

// WithWebviews sets the named webviews prompts may open.
func WithWebviews(webviews []models.Webview) Option {
	return func(o *Opts) {
		o.Webviews = make(map[string]models.Webview, len(webviews))
		for _, wv := range webviews {
			o.Webviews[wv.Name] = wv
		}
	}
}

// WithDefaultFlowURI sets the flow idle users enter.
func WithDefaultFlowURI(uri string) Option {
	return func(o *Opts) { o.DefaultFlowURI = uri }
}

// WithDefaultErrorMessage sets the validation message used when none is configured.
func WithDefaultErrorMessage(msg string) Option {
	return func(o *Opts) { o.DefaultErrorMessage = msg }
}

// WithSleep replaces how delay actions wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Manager is the workflow engine.
type Manager struct {
	store    store.Store
	channels *messaging.Registry
	opts     Opts

	mu    sync.RWMutex
	table *Table

	userLocks sync.Map // user id -> *sync.Mutex
}

// NewManager creates a Manager. Call LoadFlows before handling messages.
func NewManager(st store.Store, channels *messaging.Registry, opts ...Option) *Manager {
	cfg := Opts{
		DefaultFlowURI:      DefaultFlowURI,
		DefaultErrorMessage: memory.DefaultErrorMessage,
		Sleep:               sleepContext,
		Now:                 func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MatchEngine == nil {
		cfg.MatchEngine = match.New(nil)
	}
	if cfg.Commands == nil {
		cfg.Commands = command.NewMatcher(command.Builtins(cfg.DefaultFlowURI), cfg.MatchEngine)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = analytics.NewLogTracker(nil)
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Dedup == nil {
		cfg.Dedup = st
	}
	if cfg.Hooks == nil {
		cfg.Hooks = make(map[string]Hook)
	}
	if _, ok := cfg.Hooks[command.RemoveTasksHook]; !ok {
		cfg.Hooks[command.RemoveTasksHook] = removeTasksHook
	}
	return &Manager{store: st, channels: channels, opts: cfg, table: NewTable()}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) now() time.Time { return m.opts.Now() }

// LoadFlows merges static flows with every dynamic flow in the store. Duplicate uris are fatal.
func (m *Manager) LoadFlows(ctx context.Context) error {
	dynamic, err := m.store.ListFlows(ctx)
	if err != nil {
		slog.Error("Manager LoadFlows failed to list dynamic flows", "error", err)
		return fmt.Errorf("list dynamic flows: %w", err)
	}
	table, err := BuildTable(m.opts.StaticFlows, dynamic)
	if err != nil {
		slog.Error("Manager LoadFlows failed", "error", err)
		return err
	}
	m.mu.Lock()
	m.table = table
	m.mu.Unlock()
	slog.Info("Flows loaded", "static", len(m.opts.StaticFlows), "dynamic", len(dynamic))
	return nil
}

// ReloadFlows re-fetches every dynamic flow; static flows are kept.
func (m *Manager) ReloadFlows(ctx context.Context) error {
	return m.LoadFlows(ctx)
}

// ReloadFlow removes the dynamic flow id and re-inserts its stored version, if any.
func (m *Manager) ReloadFlow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.table.Clone()
	next.Remove(id)
	f, err := m.store.GetFlow(ctx, id)
	switch {
	case err == nil:
		f.Dynamic = true
		if err := next.Insert(*f); err != nil {
			slog.Error("Manager ReloadFlow insert failed", "error", err, "flowID", id)
			return err
		}
	case errors.Is(err, store.ErrNotFound):
		slog.Info("Manager ReloadFlow removed flow", "flowID", id)
	default:
		slog.Error("Manager ReloadFlow fetch failed", "error", err, "flowID", id)
		return fmt.Errorf("fetch flow %s: %w", id, err)
	}
	m.table = next
	return nil
}

// GetFlow resolves a flow by uri or id.
func (m *Manager) GetFlow(uri string) (*models.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Get(uri)
}

// Flows returns all loaded flows.
func (m *Manager) Flows() []models.Flow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table.Flows()
}

// Commands returns the command matcher.
func (m *Manager) Commands() *command.Matcher {
	return m.opts.Commands
}

// lockUser serializes all work for one user and returns the unlock function.
func (m *Manager) lockUser(userID string) func() {
	v, _ := m.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type depthKey struct{}

// enterFlow increments the nesting depth carried in ctx.
func enterFlow(ctx context.Context) (context.Context, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxFlowDepth {
		return ctx, fmt.Errorf("flow nesting exceeds %d levels", maxFlowDepth)
	}
	return context.WithValue(ctx, depthKey{}, depth+1), nil
}
