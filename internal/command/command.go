// Package command finds the command that should handle an incoming message.
//
// Commands are checked before any prompt handling, in descending priority order. When no
// pattern matches and an intent parser is configured, aggressive intents are used as a fallback.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/match"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// BuiltinPriority is the priority of commands that ship with the runtime.
const BuiltinPriority = -100

// Names of the built-in commands.
const (
	RestartCommand = "restart"
	StopCommand    = "stop"
)

// RemoveTasksHook is the hook the built-in stop command uses to cancel a user's scheduled tasks.
const RemoveTasksHook = "remove-tasks"

// IntentParser is the NLP collaborator.
type IntentParser interface {
	ParseMessage(ctx context.Context, text string) ([]models.Intent, error)
}

// Opts holds Matcher configuration.
type Opts struct {
	IntentParser IntentParser
}

// Option configures a Matcher.
type Option func(*Opts)

// WithIntentParser enables the NLP fallback.
func WithIntentParser(p IntentParser) Option {
	return func(o *Opts) {
		o.IntentParser = p
	}
}

// Matcher holds the priority-sorted command list.
type Matcher struct {
	commands []models.Command
	engine   *match.Engine
	nlp      IntentParser
}

// NewMatcher sorts commands by descending priority, keeping load order for ties.
func NewMatcher(commands []models.Command, engine *match.Engine, opts ...Option) *Matcher {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	sorted := make([]models.Command, len(commands))
	copy(sorted, commands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Matcher{commands: sorted, engine: engine, nlp: cfg.IntentParser}
}

// Commands returns the commands in match order.
func (m *Matcher) Commands() []models.Command {
	return m.commands
}

// FindMatchingCommand returns the first command whose patterns match text, falling back to
// aggressive NLP intents. It returns nil when nothing matches.
func (m *Matcher) FindMatchingCommand(ctx context.Context, text string) (*models.Command, error) {
	for i := range m.commands {
		cmd := &m.commands[i]
		if len(cmd.Matches) > 0 && m.engine.DoesTextMatch(cmd.Matches, text) {
			slog.Debug("command.FindMatchingCommand matched pattern", "command", cmd.Name, "priority", cmd.Priority)
			return cmd, nil
		}
	}
	if m.nlp == nil || !m.hasAggressiveIntents() {
		return nil, nil
	}

	intents, err := m.nlp.ParseMessage(ctx, text)
	if err != nil {
		slog.Error("command.FindMatchingCommand intent parsing failed", "error", err)
		return nil, fmt.Errorf("failed to parse intents: %w", err)
	}

	var best *models.Command
	bestScore := 0.0
	for i := range m.commands {
		cmd := &m.commands[i]
		for _, intent := range intents {
			cfg, ok := cmd.Intents[intent.Name]
			if !ok || !cfg.Aggressive {
				continue
			}
			if intent.Score > cfg.Threshold && (best == nil || intent.Score > bestScore) {
				best, bestScore = cmd, intent.Score
			}
		}
	}
	if best != nil {
		slog.Debug("command.FindMatchingCommand matched intent", "command", best.Name, "score", bestScore)
	}
	return best, nil
}

func (m *Matcher) hasAggressiveIntents() bool {
	for _, cmd := range m.commands {
		for _, cfg := range cmd.Intents {
			if cfg.Aggressive {
				return true
			}
		}
	}
	return false
}

// Builtins returns the commands every deployment starts with. restart wipes the user's memory
// and tasks and re-enters defaultFlowURI; stop cancels scheduled messages.
func Builtins(defaultFlowURI string) []models.Command {
	unsubscribed := true
	return []models.Command{
		{
			Name:     RestartCommand,
			Priority: BuiltinPriority,
			Matches:  models.Matches{"restart": models.MatchString, "start over": models.MatchString},
			Actions: []models.FlowAction{
				{Type: models.ActionWipeMemory, WipeTasks: true},
				{Type: models.ActionChangeFlow, NextURI: defaultFlowURI},
			},
		},
		{
			Name:     StopCommand,
			Priority: BuiltinPriority,
			Matches:  models.Matches{"stop": models.MatchString, "unsubscribe": models.MatchString},
			Actions: []models.FlowAction{
				{Type: models.ActionExecuteHook, Hook: RemoveTasksHook},
				{Type: models.ActionUpdateMemory, Memory: models.MemoryDefinition{
					"unsubscribed": {Value: unsubscribed, Transform: models.TransformBoolean},
				}},
				{Type: models.ActionSendMessage, Text: "You will not receive any more reminders. Send \"restart\" to start again."},
			},
		},
	}
}

// definition is the on-disk form of a command. Pointer fields distinguish "absent" from
// zero values so app definitions only override what they set.
type definition struct {
	Name         string                         `yaml:"commandName"`
	Priority     *int                           `yaml:"priority"`
	Matches      models.Matches                 `yaml:"matches"`
	Intents      map[string]models.IntentConfig `yaml:"intents"`
	Memory       models.MemoryDefinition        `yaml:"memory"`
	ErrorMessage *string                        `yaml:"errorMessage"`
	Actions      []models.FlowAction            `yaml:"actions"`
}

// LoadFile parses a YAML list of command definitions and merges it into builtins.
// An empty path yields builtins unchanged.
func LoadFile(path string, builtins []models.Command) ([]models.Command, error) {
	if path == "" {
		return merge(builtins, nil), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Debug("command.LoadFile file missing, using built-ins", "path", path)
		return merge(builtins, nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read commands file %s: %w", path, err)
	}
	var defs []definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse commands file %s: %w", path, err)
	}
	for i, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("command %d in %s has no commandName", i, path)
		}
	}
	commands := merge(builtins, defs)
	slog.Debug("command.LoadFile succeeded", "path", path, "count", len(commands))
	return commands, nil
}

// merge overlays app definitions onto built-ins by name. Unknown names are appended with
// priority 0 unless they set one.
func merge(builtins []models.Command, defs []definition) []models.Command {
	out := make([]models.Command, len(builtins))
	copy(out, builtins)
	index := make(map[string]int, len(out))
	for i, c := range out {
		index[c.Name] = i
	}
	for _, d := range defs {
		i, ok := index[d.Name]
		if !ok {
			out = append(out, models.Command{Name: d.Name})
			i = len(out) - 1
			index[d.Name] = i
		}
		cmd := &out[i]
		if d.Priority != nil {
			cmd.Priority = *d.Priority
		}
		if d.Matches != nil {
			cmd.Matches = d.Matches
		}
		if d.Intents != nil {
			cmd.Intents = d.Intents
		}
		if d.Memory != nil {
			cmd.Memory = d.Memory
		}
		if d.ErrorMessage != nil {
			cmd.ErrorMessage = *d.ErrorMessage
		}
		if d.Actions != nil {
			cmd.Actions = d.Actions
		}
	}
	return out
}
