package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func yesNoFlows() []models.Flow {
	return []models.Flow{
		{URI: "/q", Prompt: &models.Prompt{
			Type: models.PromptTypeOptions,
			Text: []models.PromptText{{Value: "continue?"}},
			Options: []models.PromptOption{
				{Label: "No", Matches: models.Matches{"no": models.MatchString}, NextURI: "/a"},
				{Label: "Yes", Matches: models.Matches{"yes": models.MatchString}, NextURI: "/b"},
			},
			ErrorMessage: "please answer yes or no",
		}},
		{URI: "/a", Actions: []models.FlowAction{send("A")}},
		{URI: "/b", Actions: []models.FlowAction{send("B")}},
	}
}

func TestOptionsReplyPicksMatchingOption(t *testing.T) {
	h := newHarness(t, yesNoFlows())
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/q", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "yes")
	if _, err := h.m.HandlePromptReply(ctx, user, &msg); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"B"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	if user.Conversation.WaitingOnPrompt {
		t.Error("expected cursor cleared after terminal flow /b")
	}
}

func TestOptionsReplyByIndex(t *testing.T) {
	h := newHarness(t, yesNoFlows())
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/q", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "1")
	if _, err := h.m.HandlePromptReply(ctx, user, &msg); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"A"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsReplyByLabel(t *testing.T) {
	h := newHarness(t, yesNoFlows())
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/q", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "  NO ")
	if _, err := h.m.HandlePromptReply(ctx, user, &msg); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"A"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsReplyOutOfRangeIndexReprompts(t *testing.T) {
	h := newHarness(t, yesNoFlows())
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/q", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "3")
	if _, err := h.m.HandlePromptReply(ctx, user, &msg); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"please answer yes or no", "continue?"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionsReplyWithoutMatchReprompts(t *testing.T) {
	h := newHarness(t, yesNoFlows())
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/q", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "maybe")
	out, err := h.m.HandlePromptReply(ctx, user, &msg)
	if err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if out.Kind != models.OutcomeStopSuccess {
		t.Errorf("expected stop_success, got %s", out.Kind)
	}
	if diff := cmp.Diff([]string{"please answer yes or no", "continue?"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	if user.Conversation.CurrentStepURI != "static://q" || !user.Conversation.WaitingOnPrompt {
		t.Errorf("cursor should stay on the prompt, got %+v", user.Conversation)
	}
}

func TestPromptMemoryValidationFailure(t *testing.T) {
	h := newHarness(t, []models.Flow{
		{URI: "/age", Prompt: &models.Prompt{
			Text:         []models.PromptText{{Value: "how old are you?"}},
			Memory:       models.MemoryDefinition{"age": {Regexp: `^\d+$`, Transform: models.TransformInteger}},
			ErrorMessage: "numbers only",
			NextURI:      "/thanks",
		}},
		{URI: "/thanks", Actions: []models.FlowAction{send("thanks, <appData.age>")}},
	})
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/age", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	bad := h.incoming("m1", "old")
	out, err := h.m.HandlePromptReply(ctx, user, &bad)
	if err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if out.Kind != models.OutcomeStopFailure {
		t.Errorf("expected stop_failure, got %s", out.Kind)
	}
	if diff := cmp.Diff([]string{"numbers only"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	h.channel.Reset()

	good := h.incoming("m2", "42")
	if _, err := h.m.HandlePromptReply(ctx, user, &good); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"thanks, 42"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	stored := h.reload(t, user.ID)
	if got := fmt.Sprint(stored.AppData["age"]); got != "42" {
		t.Errorf("expected age 42 in store, got %v", stored.AppData)
	}
}

func TestWebviewPromptRejectsText(t *testing.T) {
	h := newHarness(t, []models.Flow{{
		URI:    "/form",
		Prompt: &models.Prompt{Type: models.PromptTypeWebview, Webview: "signup", Text: []models.PromptText{{Value: "fill this in"}}, ErrorMessage: "use the form"},
	}}, WithWebviews([]models.Webview{{Name: "signup", URL: "https://example.com/signup"}}))
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/form", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "here you go")
	if _, err := h.m.HandlePromptReply(ctx, user, &msg); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if diff := cmp.Diff([]string{"use the form", "fill this in"}, h.channel.SentTexts()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackResponse(t *testing.T) {
	h := newHarness(t, []models.Flow{{URI: "/mood", Prompt: &models.Prompt{
		Text:          []models.PromptText{{Value: "how are you?"}},
		TrackResponse: true,
	}}})
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/mood", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	msg := h.incoming("m1", "great")
	if _, err := h.m.HandlePromptReply(ctx, user, &msg); err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	calls := h.tracker.Calls("event")
	if len(calls) != 1 || calls[0].Name != PromptResponseEvent || calls[0].Data["text"] != "great" {
		t.Errorf("unexpected tracking calls %+v", calls)
	}
	if !user.Conversation.WaitingOnPrompt {
		t.Error("without nextUri the user stays on the prompt")
	}
}

func TestPromptActionFinishImmediatelySkipsMemory(t *testing.T) {
	h := newHarness(t, []models.Flow{
		{URI: "/q", Prompt: &models.Prompt{
			Text:    []models.PromptText{{Value: "say something"}},
			Actions: []models.FlowAction{{Type: models.ActionExecuteHook, Hook: "intercept"}},
			Memory:  models.MemoryDefinition{"said": {}},
			NextURI: "/next",
		}},
		{URI: "/next", Actions: []models.FlowAction{send("next")}},
	}, WithHook("intercept", func(ctx context.Context, hc *HookContext) (HookResult, error) {
		return HookFinishImmediately, nil
	}))
	user := h.newUser(t)
	ctx := context.Background()
	if _, err := h.m.ExecuteFlow(ctx, "/q", user, nil); err != nil {
		t.Fatalf("ExecuteFlow failed: %v", err)
	}
	h.channel.Reset()

	msg := h.incoming("m1", "hello")
	out, err := h.m.HandlePromptReply(ctx, user, &msg)
	if err != nil {
		t.Fatalf("HandlePromptReply failed: %v", err)
	}
	if !out.Immediate {
		t.Errorf("expected immediate outcome, got %+v", out)
	}
	if len(h.channel.Sent()) != 0 {
		t.Errorf("expected no messages, got %v", h.channel.SentTexts())
	}
	if _, ok := user.AppData["said"]; ok {
		t.Error("memory must not be saved")
	}
}
