package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ExecuteCommand saves the command's memory, then runs its actions.
func (m *Manager) ExecuteCommand(ctx context.Context, cmd *models.Command, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	m.opts.Metrics.CommandMatched(cmd.Name)
	slog.Debug("ExecuteCommand started", "command", cmd.Name, "userID", user.ID)
	if len(cmd.Memory) > 0 {
		out, err := m.applyMemory(ctx, cmd.Memory, cmd.ErrorMessage, user, msg)
		if err != nil || !out.ShouldContinue() {
			return out, err
		}
	}
	out, err := m.executeActions(ctx, scope{kind: "command", id: cmd.Name}, cmd.Actions, user, msg)
	if err != nil {
		return out, err
	}
	if err := m.saveUser(ctx, user); err != nil {
		return models.StopFailure("save failed"), err
	}
	return out, nil
}

// ExecuteTaskActions runs a due task. Tasks without a user run their actions with no user;
// actions that need one fail.
func (m *Manager) ExecuteTaskActions(ctx context.Context, task *models.Task) (models.Outcome, error) {
	sc := scope{kind: "task", id: task.Hash}
	if task.UserID == "" {
		return m.executeActions(ctx, sc, task.Actions, nil, nil)
	}

	unlock := m.lockUser(task.UserID)
	defer unlock()
	user, err := m.store.GetUser(ctx, task.UserID)
	if err != nil {
		slog.Error("ExecuteTaskActions user lookup failed", "error", err, "taskID", task.ID, "userID", task.UserID)
		return models.StopFailure("user not found"), fmt.Errorf("task %s user %s: %w", task.ID, task.UserID, err)
	}
	if !user.CanReceive() {
		slog.Debug("ExecuteTaskActions skipped, bot disabled for user", "taskID", task.ID, "userID", user.ID)
		return models.StopFailure("bot disabled"), nil
	}
	out, err := m.executeActions(ctx, sc, task.Actions, user, nil)
	if err != nil {
		return out, err
	}
	if err := m.saveUser(ctx, user); err != nil {
		return models.StopFailure("save failed"), err
	}
	return out, nil
}
