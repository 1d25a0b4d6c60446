package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openai/openai-go"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []models.Intent
	}{
		{
			name:    "sorted by score",
			content: `{"intents":[{"name":"greeting","score":0.2},{"name":"unsubscribe","score":0.9}]}`,
			want:    []models.Intent{{Name: "unsubscribe", Score: 0.9}, {Name: "greeting", Score: 0.2}},
		},
		{
			name:    "unknown names dropped and scores clamped",
			content: `{"intents":[{"name":"weather","score":0.8},{"name":"greeting","score":1.7}]}`,
			want:    []models.Intent{{Name: "greeting", Score: 1}},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"intents\":[{\"name\":\"greeting\",\"score\":0.5}]}\n```",
			want:    []models.Intent{{Name: "greeting", Score: 0.5}},
		},
		{
			name:    "nothing detected",
			content: `{"intents":[]}`,
			want:    []models.Intent{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &mockChatService{resp: reply(tt.content)}
			c := newIntentClassifier(chat, []string{"unsubscribe", "greeting"})
			got, err := c.ParseMessage(context.Background(), "please stop texting me")
			if err != nil {
				t.Fatalf("ParseMessage failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("intents mismatch (-want +got):\n%s", diff)
			}
			if len(chat.params) != 1 {
				t.Fatalf("expected one completion request, got %d", len(chat.params))
			}
		})
	}
}

func TestParseMessageErrors(t *testing.T) {
	c := newIntentClassifier(&mockChatService{err: errors.New("service failure")}, []string{"greeting"})
	if _, err := c.ParseMessage(context.Background(), "hi"); err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}

	c = newIntentClassifier(&mockChatService{resp: openai.ChatCompletion{}}, []string{"greeting"})
	if _, err := c.ParseMessage(context.Background(), "hi"); !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}

	c = newIntentClassifier(&mockChatService{resp: reply("sure!")}, []string{"greeting"})
	if _, err := c.ParseMessage(context.Background(), "hi"); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseMessageSkipsRequestWithoutIntents(t *testing.T) {
	chat := &mockChatService{resp: reply(`{"intents":[]}`)}
	c := newIntentClassifier(chat, nil)
	got, err := c.ParseMessage(context.Background(), "hi")
	if err != nil || got != nil {
		t.Errorf("expected nothing, got %v, %v", got, err)
	}
	if len(chat.params) != 0 {
		t.Errorf("expected no request, got %d", len(chat.params))
	}
}

func TestIntentNames(t *testing.T) {
	cmds := []models.Command{
		{Name: "stop", Intents: map[string]models.IntentConfig{"unsubscribe": {Threshold: 0.8, Aggressive: true}}},
		{Name: "hello", Intents: map[string]models.IntentConfig{"greeting": {}, "unsubscribe": {}}},
		{Name: "restart"},
	}
	if diff := cmp.Diff([]string{"greeting", "unsubscribe"}, IntentNames(cmds)); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestNewIntentClassifier(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewIntentClassifier([]string{"greeting"}); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
	c, err := NewIntentClassifier([]string{"greeting"}, WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if c.model != "gpt-4o" {
		t.Errorf("expected configured model, got %s", c.model)
	}
}
