package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/expression"
	"github.com/BTreeMap/FlowPipe/internal/memory"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Typing-based delays: per word, with a floor.
const (
	delayPerWord = 250 * time.Millisecond
	minTextDelay = 500 * time.Millisecond
)

// scope names the owner of an action list in logs and errors.
type scope struct {
	kind string // flow, command, prompt, task
	id   string
}

// ExecuteActions runs actions in order for user. It stops at the first change-flow or
// disable-bot action and at the first failing execute-hook or update-memory action.
func (m *Manager) ExecuteActions(ctx context.Context, kind, id string, actions []models.FlowAction, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	return m.executeActions(ctx, scope{kind: kind, id: id}, actions, user, msg)
}

func (m *Manager) executeActions(ctx context.Context, sc scope, actions []models.FlowAction, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	for i, action := range actions {
		ok, err := expression.EvaluateConditional(action.Conditional, models.Variables(user, msg))
		if err != nil {
			slog.Error("Action conditional invalid", "error", err, "scope", sc.kind, "id", sc.id, "index", i)
			return models.StopFailure("invalid conditional"), fmt.Errorf("%s %s action %d: %w", sc.kind, sc.id, i, err)
		}
		if !ok {
			continue
		}
		out, err := m.executeAction(ctx, action, user, msg)
		m.opts.Metrics.ActionExecuted(string(action.Type))
		if err != nil {
			slog.Error("Action failed", "error", err, "scope", sc.kind, "id", sc.id, "index", i, "type", action.Type)
			return models.StopFailure("action failed"), fmt.Errorf("%s %s action %d (%s): %w", sc.kind, sc.id, i, action.Type, err)
		}
		if !out.ShouldContinue() {
			slog.Debug("Action stopped list", "scope", sc.kind, "id", sc.id, "index", i, "type", action.Type, "outcome", out.Kind)
			return out, nil
		}
	}
	return models.Continue(), nil
}

func requireUser(user *models.User, t models.ActionType) error {
	if user == nil {
		return fmt.Errorf("%s action needs a user", t)
	}
	return nil
}

// executeAction dispatches one action. One case per type keeps the stop semantics explicit.
func (m *Manager) executeAction(ctx context.Context, a models.FlowAction, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	switch a.Type {
	case models.ActionSendMessage:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		return models.Continue(), m.sendMessage(ctx, user, renderMessage(a, models.Variables(user, msg)))

	case models.ActionChangeFlow:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		target := expression.Interpolate(a.NextURI, models.Variables(user, msg))
		out, err := m.ExecuteFlow(ctx, target, user, msg)
		if err != nil || out.Kind == models.OutcomeStopFailure {
			return out, err
		}
		return models.StopSuccess("changed flow"), nil

	case models.ActionDelay:
		return models.Continue(), m.delay(ctx, a, user, msg)

	case models.ActionDisableBot:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		user.Bot.Disabled = true
		if err := m.saveUser(ctx, user); err != nil {
			return models.StopFailure(""), err
		}
		return models.StopSuccess("bot disabled"), nil

	case models.ActionEnableBot:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		user.Bot.Disabled = false
		return models.Continue(), m.saveUser(ctx, user)

	case models.ActionExecuteHook:
		return m.executeHook(ctx, a, user, msg)

	case models.ActionMarkAsTyping:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		return models.Continue(), m.markTyping(ctx, user, !a.Off)

	case models.ActionScheduleTask:
		return models.Continue(), m.scheduleTask(ctx, a, user, msg)

	case models.ActionTrackEvent:
		vars := models.Variables(user, msg)
		if err := m.opts.Tracker.TrackEvent(ctx, user, expression.Interpolate(a.Event, vars), interpolateMap(a.Data, vars)); err != nil {
			slog.Warn("track-event failed", "error", err, "event", a.Event)
		}
		return models.Continue(), nil

	case models.ActionTrackUser:
		if err := m.opts.Tracker.TrackUser(ctx, user, interpolateMap(a.Traits, models.Variables(user, msg))); err != nil {
			slog.Warn("track-user failed", "error", err)
		}
		return models.Continue(), nil

	case models.ActionUpdateMemory:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		return m.applyMemory(ctx, a.Memory, a.ErrorMessage, user, msg)

	case models.ActionWipeMemory:
		if err := requireUser(user, a.Type); err != nil {
			return models.StopFailure(""), err
		}
		return models.Continue(), m.wipeMemory(ctx, a, user)

	default:
		return models.StopFailure("unknown action"), fmt.Errorf("%w: %q", models.ErrUnknownActionType, a.Type)
	}
}

func renderMessage(a models.FlowAction, vars map[string]any) models.OutgoingMessage {
	out := models.OutgoingMessage{Text: expression.Interpolate(a.Text, vars)}
	for _, opt := range a.Options {
		out.Options = append(out.Options, models.MessageOption{Label: expression.Interpolate(opt.Label, vars), Value: opt.Value})
	}
	for _, btn := range a.Buttons {
		out.Buttons = append(out.Buttons, models.MessageButton{
			Label: expression.Interpolate(btn.Label, vars),
			URL:   expression.Interpolate(btn.URL, vars),
		})
	}
	return out
}

// interpolateMap resolves references in string values; a value that is a single reference keeps its type.
func interpolateMap(in map[string]any, vars map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") && strings.Count(trimmed, "<") == 1 {
			if val, found := expression.Lookup(vars, strings.Trim(trimmed, "<>")); found {
				out[k] = val
				continue
			}
		}
		out[k] = expression.Interpolate(s, vars)
	}
	return out
}

func (m *Manager) markTyping(ctx context.Context, user *models.User, on bool) error {
	svc, err := m.channels.Get(user.Channel.Name)
	if err != nil {
		return err
	}
	if on {
		return svc.MarkAsTypingOn(ctx, user)
	}
	return svc.MarkAsTypingOff(ctx, user)
}

// delayDuration is the requested delay, or one derived from the word count of Text, capped at MaxDelay.
func delayDuration(a models.FlowAction, vars map[string]any) time.Duration {
	d := time.Duration(a.Delay) * time.Millisecond
	if d <= 0 {
		words := len(strings.Fields(expression.Interpolate(a.Text, vars)))
		d = max(time.Duration(words)*delayPerWord, minTextDelay)
	}
	if a.Randomize {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	if d > MaxDelay {
		slog.Warn("Delay exceeds maximum, clamping", "requested", d, "max", MaxDelay)
		d = MaxDelay
	}
	return d
}

func (m *Manager) delay(ctx context.Context, a models.FlowAction, user *models.User, msg *models.IncomingMessage) error {
	if a.Typing && user != nil {
		if err := m.markTyping(ctx, user, true); err != nil {
			slog.Warn("delay could not mark typing", "error", err, "userID", user.ID)
		}
	}
	return m.opts.Sleep(ctx, delayDuration(a, models.Variables(user, msg)))
}

func (m *Manager) scheduleTask(ctx context.Context, a models.FlowAction, user *models.User, msg *models.IncomingMessage) error {
	if m.opts.Scheduler == nil {
		return models.ErrSchedulerUnavailable
	}
	taskID := expression.Interpolate(a.TaskID, models.Variables(user, msg))
	if taskID == "" {
		return fmt.Errorf("%w: taskId is required", models.ErrInvalidTask)
	}
	if a.NextRunDate == nil && a.RunEvery == "" {
		return fmt.Errorf("%w: task %s needs nextRunDate or runEvery", models.ErrInvalidTask, taskID)
	}
	userID, tz := "", 0.0
	if !a.Global && user != nil {
		userID, tz = user.ID, user.Profile.TimezoneUTCOffset
	}
	_, err := m.opts.Scheduler.AddTask(ctx, taskID, userID, a.TaskActions, models.TaskOptions{
		NextRunDate:     a.NextRunDate,
		RunEvery:        a.RunEvery,
		RunTime:         a.RunTime,
		IgnoreDays:      a.IgnoreDays,
		MaxRuns:         a.MaxRuns,
		AllowConcurrent: a.AllowConcurrent,
	}, tz)
	return err
}

// applyMemory computes and stores memory changes. Validation failures are reported to the
// user and end the list with StopFailure.
func (m *Manager) applyMemory(ctx context.Context, def models.MemoryDefinition, errorMessage string, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	if errorMessage == "" {
		errorMessage = m.opts.DefaultErrorMessage
	}
	changes, err := memory.PrepareChanges(def, user.AppData, errorMessage, models.Variables(user, msg))
	if err != nil {
		if ve, ok := models.IsValidationError(err); ok {
			slog.Debug("Memory validation failed", "userID", user.ID, "field", ve.Field)
			if sendErr := m.sendMessage(ctx, user, models.OutgoingMessage{Text: ve.Message}); sendErr != nil {
				return models.StopFailure("validation"), sendErr
			}
			return models.StopFailure("validation"), nil
		}
		return models.StopFailure("memory"), err
	}
	if err := m.updateUserMemory(ctx, user, changes); err != nil {
		return models.StopFailure("memory"), err
	}
	return models.Continue(), nil
}

// updateUserMemory publishes one event per changed field, then applies the change set to the
// stored record and to user.
func (m *Manager) updateUserMemory(ctx context.Context, user *models.User, changes models.MemoryChanges) error {
	if changes.IsEmpty() {
		return nil
	}
	for field, value := range changes.Set {
		old, _ := memory.Get(user.AppData, field)
		m.opts.Events.Publish(ctx, events.MemoryChanged, user.ID, map[string]any{"field": field, "oldValue": old, "newValue": value})
	}
	for _, field := range changes.Unset {
		old, _ := memory.Get(user.AppData, field)
		m.opts.Events.Publish(ctx, events.MemoryChanged, user.ID, map[string]any{"field": field, "oldValue": old, "newValue": nil})
	}
	appData, err := m.store.UpdateUserMemory(ctx, user.ID, changes)
	if err != nil {
		slog.Error("updateUserMemory failed", "error", err, "userID", user.ID)
		return fmt.Errorf("update memory of %s: %w", user.ID, err)
	}
	user.AppData = appData
	return nil
}

func (m *Manager) wipeMemory(ctx context.Context, a models.FlowAction, user *models.User) error {
	user.AppData = map[string]any{}
	if a.WipeProfile {
		user.Profile = models.Profile{TimezoneUTCOffset: user.Profile.TimezoneUTCOffset}
	}
	user.Bot.Disabled = false
	if err := m.saveUser(ctx, user); err != nil {
		return err
	}
	if a.WipeMessages {
		if err := m.store.DeleteMessagesForUser(ctx, user.ID); err != nil {
			return fmt.Errorf("wipe messages of %s: %w", user.ID, err)
		}
	}
	if a.WipeTasks {
		if err := m.removeAllTasks(ctx, user.ID); err != nil {
			return err
		}
	}
	slog.Info("Memory wiped", "userID", user.ID, "profile", a.WipeProfile, "messages", a.WipeMessages, "tasks", a.WipeTasks)
	return nil
}

func (m *Manager) removeAllTasks(ctx context.Context, userID string) error {
	if m.opts.Scheduler != nil {
		return m.opts.Scheduler.RemoveAllTasksForUser(ctx, userID)
	}
	return m.store.DeleteTasksForUser(ctx, userID)
}
