package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestChangeFlowStopsRemainingActions(t *testing.T) {
	h := newHarness(t, []models.Flow{
		{URI: "/start", Actions: []models.FlowAction{
			send("one"),
			{Type: models.ActionChangeFlow, NextURI: "/next"},
			send("three"),
		}},
		{URI: "/next", Actions: []models.FlowAction{send("two")}},
	})
	user := h.newUser(t)

	out, err := h.m.ExecuteFlow(context.Background(), "/start", user, nil)
	if err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	if out.Kind != models.OutcomeStopSuccess {
		t.Errorf("expected stop_success, got %s", out.Kind)
	}
	if diff := cmp.Diff([]string{"one", "two"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	stored := h.reload(t, user.ID)
	if stored.Conversation.CurrentStepURI != "" || stored.Conversation.WaitingOnPrompt {
		t.Errorf("terminal flow should clear the cursor, got %+v", stored.Conversation)
	}
}

func TestPromptSetsCursor(t *testing.T) {
	h := newHarness(t, []models.Flow{
		{URI: "static://ask", Actions: []models.FlowAction{send("hi <profile.firstName>")}, Prompt: textPrompt("what is your name?")},
	})
	user := h.newUser(t)

	out, err := h.m.ExecuteFlow(context.Background(), "ask", user, nil)
	if err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	if out.Kind != models.OutcomeContinue {
		t.Errorf("expected continue, got %s", out.Kind)
	}
	if diff := cmp.Diff([]string{"hi Ada", "what is your name?"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	stored := h.reload(t, user.ID)
	if stored.Conversation.CurrentStepURI != "static://ask" || !stored.Conversation.WaitingOnPrompt {
		t.Errorf("expected cursor on static://ask, got %+v", stored.Conversation)
	}
	if got := h.messages(t, user.ID); len(got) != 2 {
		t.Errorf("expected 2 outgoing history records, got %d", len(got))
	}
}

func TestRedirectFlow(t *testing.T) {
	h := newHarness(t, []models.Flow{
		{URI: "/old", Type: models.FlowTypeRedirect, NextURI: "/new"},
		{URI: "/new", Actions: []models.FlowAction{send("moved")}},
	})
	user := h.newUser(t)

	out, err := h.m.ExecuteFlow(context.Background(), "/old", user, nil)
	if err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	if out.Kind != models.OutcomeStopSuccess {
		t.Errorf("expected stop_success for redirect, got %s", out.Kind)
	}
	if diff := cmp.Diff([]string{"moved"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDisabledUserIsNotProcessed(t *testing.T) {
	h := newHarness(t, []models.Flow{{URI: "/start", Actions: []models.FlowAction{send("hello")}}})
	user := h.newUser(t)
	user.Bot.Disabled = true

	out, err := h.m.ExecuteFlow(context.Background(), "/start", user, nil)
	if err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	if out.Kind != models.OutcomeStopFailure {
		t.Errorf("expected stop_failure, got %s", out.Kind)
	}
	if len(h.channel.Sent()) != 0 {
		t.Errorf("expected nothing sent, got %v", h.channel.SentTexts())
	}
}

func TestDisableBotStopsActions(t *testing.T) {
	h := newHarness(t, []models.Flow{{URI: "/handoff", Actions: []models.FlowAction{
		send("connecting you"),
		{Type: models.ActionDisableBot},
		send("never sent"),
	}}})
	user := h.newUser(t)

	out, err := h.m.ExecuteFlow(context.Background(), "/handoff", user, nil)
	if err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	if out.Kind != models.OutcomeStopSuccess {
		t.Errorf("expected stop_success, got %s", out.Kind)
	}
	if diff := cmp.Diff([]string{"connecting you"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	if !h.reload(t, user.ID).Bot.Disabled {
		t.Error("expected bot disabled in store")
	}
}

func TestUnknownFlow(t *testing.T) {
	h := newHarness(t, nil)
	user := h.newUser(t)
	_, err := h.m.ExecuteFlow(context.Background(), "/missing", user, nil)
	if !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestConditionalActionsAndPromptText(t *testing.T) {
	h := newHarness(t, []models.Flow{{
		URI: "/greet",
		Actions: []models.FlowAction{
			{Type: models.ActionSendMessage, Text: "vip", Conditional: "<appData.tier> == 'gold'"},
			{Type: models.ActionSendMessage, Text: "regular", Conditional: "<appData.tier> != 'gold'"},
		},
		Prompt: &models.Prompt{Text: []models.PromptText{
			{Value: "gold question", Conditional: "<appData.tier> == 'gold'"},
			{Value: "plain question"},
		}},
	}})
	user := h.newUser(t)
	user.AppData["tier"] = "gold"

	if _, err := h.m.ExecuteFlow(context.Background(), "/greet", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	if diff := cmp.Diff([]string{"vip", "gold question"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsPromptFilteredToNothingFails(t *testing.T) {
	h := newHarness(t, []models.Flow{{
		URI: "/pick",
		Prompt: &models.Prompt{
			Type:    models.PromptTypeOptions,
			Text:    []models.PromptText{{Value: "pick one"}},
			Options: []models.PromptOption{{Label: "hidden", Conditional: "false"}},
		},
	}})
	user := h.newUser(t)
	_, err := h.m.ExecuteFlow(context.Background(), "/pick", user, nil)
	if !errors.Is(err, models.ErrNoPromptOptions) {
		t.Errorf("expected ErrNoPromptOptions, got %v", err)
	}
}

func TestWebviewPromptAttachesButton(t *testing.T) {
	h := newHarness(t, []models.Flow{{
		URI:    "/form",
		Prompt: &models.Prompt{Type: models.PromptTypeWebview, Webview: "signup", Text: []models.PromptText{{Value: "fill this in"}}},
	}}, WithWebviews([]models.Webview{{Name: "signup", URL: "https://example.com/signup"}}))
	user := h.newUser(t)

	if _, err := h.m.ExecuteFlow(context.Background(), "/form", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	sent := h.channel.Sent()
	if len(sent) != 1 || len(sent[0].Message.Buttons) != 1 {
		t.Fatalf("expected one message with one button, got %+v", sent)
	}
	btn := sent[0].Message.Buttons[0]
	if btn.Label != DefaultWebviewButtonText {
		t.Errorf("expected default label, got %q", btn.Label)
	}
	if btn.URL != "https://example.com/signup?user="+user.ID {
		t.Errorf("unexpected webview url %q", btn.URL)
	}
}

func TestFlowNestingIsBounded(t *testing.T) {
	h := newHarness(t, []models.Flow{{URI: "/loop", Actions: []models.FlowAction{{Type: models.ActionChangeFlow, NextURI: "/loop"}}}})
	user := h.newUser(t)
	_, err := h.m.ExecuteFlow(context.Background(), "/loop", user, nil)
	if err == nil || !strings.Contains(err.Error(), "nesting") {
		t.Errorf("expected nesting error, got %v", err)
	}
}
