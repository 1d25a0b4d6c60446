package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/expression"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultWebviewButtonText labels webview buttons without their own text.
const DefaultWebviewButtonText = "Open"

// ExecuteFlow runs the flow at uri for user: redirect, actions, prompt, then the cursor update.
// A disabled or removed user gets StopFailure without side effects.
func (m *Manager) ExecuteFlow(ctx context.Context, uri string, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	out, err := m.executeFlow(ctx, uri, user, msg)
	switch {
	case err != nil:
		m.opts.Metrics.FlowExecuted("error")
	default:
		m.opts.Metrics.FlowExecuted(out.Kind.String())
	}
	return out, err
}

func (m *Manager) executeFlow(ctx context.Context, uri string, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	if user == nil {
		return models.StopFailure("no user"), fmt.Errorf("execute flow %s: no user", uri)
	}
	if !user.CanReceive() {
		slog.Debug("ExecuteFlow skipped, bot disabled for user", "userID", user.ID, "uri", uri)
		return models.StopFailure("bot disabled"), nil
	}
	ctx, err := enterFlow(ctx)
	if err != nil {
		return models.StopFailure("too deep"), fmt.Errorf("execute flow %s: %w", uri, err)
	}

	f, err := m.GetFlow(uri)
	if err != nil {
		slog.Error("ExecuteFlow unknown flow", "error", err, "uri", uri, "userID", user.ID)
		return models.StopFailure("flow not found"), err
	}
	key := Key(f)
	slog.Debug("ExecuteFlow started", "flow", key, "userID", user.ID)

	if f.EffectiveType() == models.FlowTypeRedirect {
		if f.NextURI == "" {
			return models.StopFailure("redirect without target"), fmt.Errorf("redirect flow %s has no nextUri", key)
		}
		out, err := m.executeFlow(ctx, f.NextURI, user, msg)
		if err != nil || out.Kind == models.OutcomeStopFailure {
			return out, err
		}
		return models.StopSuccess("redirected"), nil
	}

	out, err := m.executeActions(ctx, scope{kind: "flow", id: key}, f.Actions, user, msg)
	if err != nil {
		return out, err
	}
	if !out.ShouldContinue() {
		if out.Kind == models.OutcomeStopFailure {
			return out, nil
		}
		return models.StopSuccess(out.Reason), nil
	}

	if f.Prompt != nil {
		prompt, err := m.buildPromptMessage(f.Prompt, user, msg)
		if err != nil {
			slog.Error("ExecuteFlow prompt build failed", "error", err, "flow", key, "userID", user.ID)
			return models.StopFailure("prompt failed"), fmt.Errorf("flow %s prompt: %w", key, err)
		}
		if err := m.sendMessage(ctx, user, prompt); err != nil {
			return models.StopFailure("send failed"), err
		}
	}

	user.Conversation.PreviousStepURI = user.Conversation.CurrentStepURI
	if f.Prompt == nil {
		user.Conversation.CurrentStepURI = ""
		user.Conversation.WaitingOnPrompt = false
	} else {
		user.Conversation.CurrentStepURI = key
		user.Conversation.WaitingOnPrompt = true
	}
	if err := m.saveUser(ctx, user); err != nil {
		return models.StopFailure("save failed"), err
	}
	slog.Debug("ExecuteFlow completed", "flow", key, "userID", user.ID, "waitingOnPrompt", user.Conversation.WaitingOnPrompt)
	return models.Continue(), nil
}

// filterOptions returns the options whose conditional holds.
func filterOptions(options []models.PromptOption, vars map[string]any) ([]models.PromptOption, error) {
	var out []models.PromptOption
	for _, opt := range options {
		ok, err := expression.EvaluateConditional(opt.Conditional, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, opt)
		}
	}
	return out, nil
}

// buildPromptMessage renders the outgoing message for a prompt.
func (m *Manager) buildPromptMessage(p *models.Prompt, user *models.User, msg *models.IncomingMessage) (models.OutgoingMessage, error) {
	vars := models.Variables(user, msg)
	var out models.OutgoingMessage

	found := false
	for _, variant := range p.Text {
		ok, err := expression.EvaluateConditional(variant.Conditional, vars)
		if err != nil {
			return out, err
		}
		if ok {
			out.Text = expression.Interpolate(variant.Value, vars)
			found = true
			break
		}
	}
	if !found {
		return out, models.ErrNoPromptText
	}

	options, err := filterOptions(p.Options, vars)
	if err != nil {
		return out, err
	}
	rendered := make([]models.MessageOption, 0, len(options))
	for _, opt := range options {
		rendered = append(rendered, models.MessageOption{
			Label: expression.Interpolate(opt.Label, vars),
			Value: opt.Value,
		})
	}

	switch p.EffectiveType() {
	case models.PromptTypeOptions:
		if len(p.Options) > 0 && len(options) == 0 {
			return out, models.ErrNoPromptOptions
		}
		out.Options = rendered
	case models.PromptTypeWebview:
		wv, ok := m.opts.Webviews[p.Webview]
		if !ok {
			return out, fmt.Errorf("%w: %s", models.ErrUnknownWebview, p.Webview)
		}
		label := wv.ButtonText
		if label == "" {
			label = DefaultWebviewButtonText
		}
		out.Buttons = []models.MessageButton{{Label: label, URL: webviewURL(wv.URL, user.ID)}}
	case models.PromptTypeBasic:
		if len(rendered) > 0 {
			out.Options = rendered
		}
	default:
		return out, fmt.Errorf("%w: %s", models.ErrUnknownPromptType, p.Type)
	}
	return out, nil
}

func webviewURL(base, userID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "user=" + url.QueryEscape(userID)
}

// sendMessage delivers msg on the user's channel and records it in the message history.
func (m *Manager) sendMessage(ctx context.Context, user *models.User, msg models.OutgoingMessage) error {
	svc, err := m.channels.Get(user.Channel.Name)
	if err != nil {
		slog.Error("sendMessage no channel", "error", err, "userID", user.ID)
		return err
	}
	if err := svc.SendMessage(ctx, user, msg); err != nil {
		slog.Error("sendMessage failed", "error", err, "userID", user.ID, "channel", user.Channel.Name)
		return fmt.Errorf("send message to %s: %w", user.ID, err)
	}
	user.Conversation.LastSentDate = m.now()

	payload, _ := json.Marshal(msg)
	record := &models.MessageRecord{
		UserID:    user.ID,
		Direction: models.MessageOutgoing,
		Text:      msg.Text,
		Payload:   string(payload),
		CreatedAt: m.now(),
	}
	if err := m.store.AddMessage(ctx, record); err != nil {
		slog.Error("sendMessage failed to record history", "error", err, "userID", user.ID)
	}
	m.opts.Events.Publish(ctx, events.OutgoingMessage, user.ID, map[string]any{"text": msg.Text})
	if err := m.opts.Tracker.TrackMessage(ctx, user, *record); err != nil {
		slog.Warn("sendMessage tracking failed", "error", err, "userID", user.ID)
	}
	return nil
}

func (m *Manager) saveUser(ctx context.Context, user *models.User) error {
	if err := m.store.SaveUser(ctx, user); err != nil {
		slog.Error("Manager saveUser failed", "error", err, "userID", user.ID)
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}
