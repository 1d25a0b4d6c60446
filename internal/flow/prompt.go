package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// PromptResponseEvent is the analytics event fired for prompts with trackResponse.
const PromptResponseEvent = "prompt-response"

// HandlePromptReply resolves the reply in msg against the prompt the user is waiting on.
// A reply that matches no option is answered with the prompt's error message and the prompt
// is sent again; the cursor is left on the prompt so the user can retry.
func (m *Manager) HandlePromptReply(ctx context.Context, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	current := user.Conversation.CurrentStepURI
	f, err := m.GetFlow(current)
	if err != nil {
		slog.Error("HandlePromptReply cursor flow missing", "error", err, "uri", current, "userID", user.ID)
		return models.StopFailure("flow not found"), err
	}
	if f.Prompt == nil {
		slog.Debug("HandlePromptReply cursor flow has no prompt, re-entering", "uri", current, "userID", user.ID)
		return m.ExecuteFlow(ctx, current, user, msg)
	}
	p := f.Prompt
	vars := models.Variables(user, msg)
	ptype := p.EffectiveType()

	var chosen *models.PromptOption
	if ptype == models.PromptTypeOptions || (ptype == models.PromptTypeBasic && len(p.Options) > 0) {
		options, err := filterOptions(p.Options, vars)
		if err != nil {
			return models.StopFailure("invalid conditional"), fmt.Errorf("prompt %s options: %w", current, err)
		}
		chosen = m.matchOption(options, msg.Text)
		if chosen == nil && ptype == models.PromptTypeOptions {
			slog.Debug("HandlePromptReply no option matched", "uri", current, "userID", user.ID)
			return m.repromptWithError(ctx, p, user, msg)
		}
	}
	if ptype == models.PromptTypeWebview && !msg.IsFormSubmission() {
		slog.Debug("HandlePromptReply expected webview form", "uri", current, "userID", user.ID)
		return m.repromptWithError(ctx, p, user, msg)
	}

	out, err := m.executeActions(ctx, scope{kind: "prompt", id: current}, p.Actions, user, msg)
	if err != nil || out.Kind == models.OutcomeStopFailure || out.Immediate {
		return out, err
	}
	advance := out.ShouldContinue()

	if len(p.Memory) > 0 {
		memOut, err := m.applyMemory(ctx, p.Memory, p.ErrorMessage, user, msg)
		if err != nil || !memOut.ShouldContinue() {
			return memOut, err
		}
	}

	if p.TrackResponse {
		data := map[string]any{"flow": current, "text": msg.Text}
		if chosen != nil {
			data["option"] = chosen.Value
		}
		if err := m.opts.Tracker.TrackEvent(ctx, user, PromptResponseEvent, data); err != nil {
			slog.Warn("HandlePromptReply tracking failed", "error", err, "userID", user.ID)
		}
	}

	next := p.NextURI
	if chosen != nil && chosen.NextURI != "" {
		next = chosen.NextURI
	}
	if !advance || next == "" {
		if err := m.saveUser(ctx, user); err != nil {
			return models.StopFailure("save failed"), err
		}
		return out, nil
	}
	return m.ExecuteFlow(ctx, next, user, msg)
}

// matchOption returns the first option matching text by its patterns, its label or value,
// or its 1-based position in the rendered list.
func (m *Manager) matchOption(options []models.PromptOption, text string) *models.PromptOption {
	reply := strings.TrimSpace(text)
	for i := range options {
		opt := &options[i]
		if len(opt.Matches) > 0 && m.opts.MatchEngine.DoesTextMatch(opt.Matches, reply) {
			return opt
		}
	}
	for i := range options {
		opt := &options[i]
		if strings.EqualFold(reply, opt.Label) || (opt.Value != "" && strings.EqualFold(reply, opt.Value)) {
			return opt
		}
	}
	if n, err := strconv.Atoi(reply); err == nil && n >= 1 && n <= len(options) {
		return &options[n-1]
	}
	return nil
}

func (m *Manager) repromptWithError(ctx context.Context, p *models.Prompt, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	text := p.ErrorMessage
	if text == "" {
		text = m.opts.DefaultErrorMessage
	}
	if err := m.sendMessage(ctx, user, models.OutgoingMessage{Text: text}); err != nil {
		return models.StopFailure("send failed"), err
	}
	prompt, err := m.buildPromptMessage(p, user, msg)
	if err != nil {
		return models.StopFailure("prompt failed"), err
	}
	if err := m.sendMessage(ctx, user, prompt); err != nil {
		return models.StopFailure("send failed"), err
	}
	if err := m.saveUser(ctx, user); err != nil {
		return models.StopFailure("save failed"), err
	}
	return models.StopSuccess("reprompted"), nil
}
