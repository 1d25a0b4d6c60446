package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/expression"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// HookResult tells the action interpreter what to do after a hook returns.
type HookResult int

const (
	// HookContinue runs the next action.
	HookContinue HookResult = iota
	// HookFinish stops the list successfully; the prompt phase still runs.
	HookFinish
	// HookFinishImmediately stops the list and skips whatever the caller would do next.
	HookFinishImmediately
	// HookFail stops the list as a failure.
	HookFail
)

// Hook is an execute-hook extension registered with WithHook.
type Hook func(ctx context.Context, hc *HookContext) (HookResult, error)

// HookContext is the facade a hook gets over the engine.
type HookContext struct {
	m    *Manager
	user *models.User

	Message   *models.IncomingMessage
	Variables map[string]any
	Args      map[string]any
}

// User returns a copy of the user the hook runs for, or nil for global tasks.
func (hc *HookContext) User() *models.User {
	return hc.user.Clone()
}

// SendMessage sends text to the user.
func (hc *HookContext) SendMessage(ctx context.Context, msg models.OutgoingMessage) error {
	if hc.user == nil {
		return fmt.Errorf("hook has no user to message")
	}
	return hc.m.sendMessage(ctx, hc.user, msg)
}

// ChangeFlow executes another flow for the user.
func (hc *HookContext) ChangeFlow(ctx context.Context, uri string) (models.Outcome, error) {
	if hc.user == nil {
		return models.StopFailure("no user"), fmt.Errorf("hook has no user to change flow for")
	}
	return hc.m.ExecuteFlow(ctx, uri, hc.user, hc.Message)
}

// ScheduleTask schedules actions for the user.
func (hc *HookContext) ScheduleTask(ctx context.Context, taskID string, actions []models.FlowAction, opts models.TaskOptions) (*models.Task, error) {
	if hc.m.opts.Scheduler == nil {
		return nil, models.ErrSchedulerUnavailable
	}
	userID, tz := "", 0.0
	if hc.user != nil {
		userID, tz = hc.user.ID, hc.user.Profile.TimezoneUTCOffset
	}
	return hc.m.opts.Scheduler.AddTask(ctx, taskID, userID, actions, opts, tz)
}

// RemoveAllTasks deletes every task of the user.
func (hc *HookContext) RemoveAllTasks(ctx context.Context) error {
	if hc.user == nil {
		return nil
	}
	return hc.m.removeAllTasks(ctx, hc.user.ID)
}

// EvaluateConditional evaluates an expression against the hook's variables.
func (hc *HookContext) EvaluateConditional(cond string) (bool, error) {
	return expression.EvaluateConditional(cond, hc.Variables)
}

// Interpolate resolves <references> against the hook's variables.
func (hc *HookContext) Interpolate(text string) string {
	return expression.Interpolate(text, hc.Variables)
}

// UpdateMemory applies a memory definition. It returns false when validation failed and the
// user has been told.
func (hc *HookContext) UpdateMemory(ctx context.Context, def models.MemoryDefinition) (bool, error) {
	if hc.user == nil {
		return false, fmt.Errorf("hook has no user to update")
	}
	out, err := hc.m.applyMemory(ctx, def, "", hc.user, hc.Message)
	if err != nil {
		return false, err
	}
	hc.Variables = models.Variables(hc.user, hc.Message)
	return out.ShouldContinue(), nil
}

func (m *Manager) executeHook(ctx context.Context, a models.FlowAction, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	hook, ok := m.opts.Hooks[a.Hook]
	if !ok {
		return models.StopFailure("hook not found"), fmt.Errorf("%w: %s", models.ErrHookNotFound, a.Hook)
	}
	vars := models.Variables(user, msg)
	hc := &HookContext{
		m:         m,
		user:      user,
		Message:   msg,
		Variables: vars,
		Args:      interpolateMap(a.Args, vars),
	}
	res, err := hook(ctx, hc)
	if err != nil {
		return models.StopFailure("hook error"), fmt.Errorf("hook %s: %w", a.Hook, err)
	}
	switch res {
	case HookContinue:
		return models.Continue(), nil
	case HookFinish:
		return models.StopSuccess("hook " + a.Hook), nil
	case HookFinishImmediately:
		return models.StopImmediately("hook " + a.Hook), nil
	case HookFail:
		slog.Debug("Hook reported failure", "hook", a.Hook)
		return models.StopFailure("hook " + a.Hook), nil
	default:
		return models.StopFailure("hook result"), fmt.Errorf("hook %s returned unknown result %d", a.Hook, res)
	}
}

// removeTasksHook cancels every scheduled task of the user. The built-in stop command uses it.
func removeTasksHook(ctx context.Context, hc *HookContext) (HookResult, error) {
	if err := hc.RemoveAllTasks(ctx); err != nil {
		return HookFail, err
	}
	return HookContinue, nil
}
