package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/match"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

type stubParser struct {
	intents []models.Intent
	err     error
	calls   int
}

func (s *stubParser) ParseMessage(ctx context.Context, text string) ([]models.Intent, error) {
	s.calls++
	return s.intents, s.err
}

func TestHigherPriorityWins(t *testing.T) {
	commands := []models.Command{
		{Name: "builtin-help", Priority: -100, Matches: models.Matches{"help": models.MatchString}},
		{Name: "app-help", Priority: 10, Matches: models.Matches{"help": models.MatchString}},
	}
	m := NewMatcher(commands, match.New(nil))
	cmd, err := m.FindMatchingCommand(context.Background(), "help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd == nil || cmd.Name != "app-help" {
		t.Fatalf("expected app-help, got %+v", cmd)
	}
}

func TestTiesKeepLoadOrder(t *testing.T) {
	commands := []models.Command{
		{Name: "first", Matches: models.Matches{"go": models.MatchString}},
		{Name: "second", Matches: models.Matches{"go": models.MatchString}},
	}
	m := NewMatcher(commands, match.New(nil))
	cmd, _ := m.FindMatchingCommand(context.Background(), "go")
	if cmd == nil || cmd.Name != "first" {
		t.Fatalf("expected first, got %+v", cmd)
	}
}

func TestNoMatchReturnsNil(t *testing.T) {
	m := NewMatcher(Builtins("static://welcome"), match.New(nil))
	cmd, err := m.FindMatchingCommand(context.Background(), "what's up")
	if err != nil || cmd != nil {
		t.Fatalf("expected no match, got %+v, %v", cmd, err)
	}
}

func TestIntentFallback(t *testing.T) {
	commands := []models.Command{
		{Name: "support", Intents: map[string]models.IntentConfig{"support": {Threshold: 0.5, Aggressive: true}}},
		{Name: "billing", Intents: map[string]models.IntentConfig{"billing": {Threshold: 0.5, Aggressive: true}}},
		{Name: "passive", Intents: map[string]models.IntentConfig{"chitchat": {Threshold: 0.1}}},
	}
	parser := &stubParser{intents: []models.Intent{
		{Name: "support", Score: 0.6},
		{Name: "billing", Score: 0.8},
		{Name: "chitchat", Score: 0.99},
	}}
	m := NewMatcher(commands, match.New(nil), WithIntentParser(parser))
	cmd, err := m.FindMatchingCommand(context.Background(), "my invoice is wrong")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd == nil || cmd.Name != "billing" {
		t.Fatalf("expected billing, got %+v", cmd)
	}
}

func TestIntentBelowThresholdIgnored(t *testing.T) {
	commands := []models.Command{
		{Name: "support", Intents: map[string]models.IntentConfig{"support": {Threshold: 0.7, Aggressive: true}}},
	}
	parser := &stubParser{intents: []models.Intent{{Name: "support", Score: 0.7}}}
	m := NewMatcher(commands, match.New(nil), WithIntentParser(parser))
	cmd, err := m.FindMatchingCommand(context.Background(), "hi")
	if err != nil || cmd != nil {
		t.Fatalf("expected no match at exactly the threshold, got %+v, %v", cmd, err)
	}
}

func TestIntentParserSkippedWithoutAggressiveIntents(t *testing.T) {
	parser := &stubParser{err: errors.New("should not be called")}
	m := NewMatcher(Builtins("static://welcome"), match.New(nil), WithIntentParser(parser))
	if _, err := m.FindMatchingCommand(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parser.calls != 0 {
		t.Errorf("parser called %d times", parser.calls)
	}
}

func TestLoadFileMergesIntoBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.yaml")
	content := `
- commandName: restart
  matches:
    reset: string
- commandName: help
  priority: 5
  matches:
    help: string
  actions:
    - type: send-message
      text: How can I help?
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	commands, err := LoadFile(path, Builtins("static://welcome"))
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if len(commands) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(commands))
	}
	restart := commands[0]
	if restart.Name != RestartCommand || restart.Priority != BuiltinPriority {
		t.Errorf("restart must keep its built-in priority, got %+v", restart)
	}
	if _, ok := restart.Matches["reset"]; !ok || len(restart.Matches) != 1 {
		t.Errorf("restart matches should be overridden, got %v", restart.Matches)
	}
	if len(restart.Actions) != 2 {
		t.Errorf("restart must keep built-in actions, got %d", len(restart.Actions))
	}
	help := commands[2]
	if help.Name != "help" || help.Priority != 5 || len(help.Actions) != 1 {
		t.Errorf("unexpected help command %+v", help)
	}
}
