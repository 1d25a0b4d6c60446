package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/expression"
	"github.com/BTreeMap/FlowPipe/internal/match"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

var knownActions = map[models.ActionType]bool{
	models.ActionChangeFlow:   true,
	models.ActionDelay:        true,
	models.ActionDisableBot:   true,
	models.ActionEnableBot:    true,
	models.ActionExecuteHook:  true,
	models.ActionMarkAsTyping: true,
	models.ActionScheduleTask: true,
	models.ActionSendMessage:  true,
	models.ActionTrackEvent:   true,
	models.ActionTrackUser:    true,
	models.ActionUpdateMemory: true,
	models.ActionWipeMemory:   true,
}

type validator struct {
	table    *Table
	engine   *match.Engine
	webviews map[string]models.Webview
	errs     []error
}

// Validate checks flows and commands for unresolvable targets, unparsable conditionals,
// unknown action and prompt types and missing match files. All problems are joined.
func Validate(table *Table, commands []models.Command, engine *match.Engine, webviews map[string]models.Webview) error {
	if engine == nil {
		engine = match.New(nil)
	}
	v := &validator{table: table, engine: engine, webviews: webviews}
	for _, f := range table.Flows() {
		v.flow(&f)
	}
	for _, cmd := range commands {
		where := "command " + cmd.Name
		v.matches(where, cmd.Matches)
		v.actions(where, cmd.Actions)
	}
	return errors.Join(v.errs...)
}

// Validate checks the loaded flows and commands.
func (m *Manager) Validate() error {
	m.mu.RLock()
	table := m.table
	m.mu.RUnlock()
	return Validate(table, m.opts.Commands.Commands(), m.opts.MatchEngine, m.opts.Webviews)
}

func (v *validator) add(where, format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf("%s: %s", where, fmt.Sprintf(format, args...)))
}

func (v *validator) flow(f *models.Flow) {
	where := "flow " + Key(f)
	switch f.EffectiveType() {
	case models.FlowTypeRedirect:
		if f.NextURI == "" {
			v.add(where, "redirect without nextUri")
		}
		v.target(where, f.NextURI)
	case models.FlowTypeBasic:
	default:
		v.add(where, "unknown flow type %q", f.Type)
	}
	v.actions(where, f.Actions)
	if f.Prompt == nil {
		return
	}
	p := f.Prompt
	switch p.EffectiveType() {
	case models.PromptTypeBasic, models.PromptTypeOptions:
	case models.PromptTypeWebview:
		if _, ok := v.webviews[p.Webview]; !ok {
			v.add(where, "unknown webview %q", p.Webview)
		}
	default:
		v.add(where, "unknown prompt type %q", p.Type)
	}
	if len(p.Text) == 0 {
		v.add(where, "prompt has no text")
	}
	for _, t := range p.Text {
		v.conditional(where, t.Conditional)
	}
	for i, opt := range p.Options {
		optWhere := fmt.Sprintf("%s option %d", where, i)
		v.conditional(optWhere, opt.Conditional)
		v.matches(optWhere, opt.Matches)
		v.target(optWhere, opt.NextURI)
	}
	v.target(where+" prompt", p.NextURI)
	v.actions(where+" prompt", p.Actions)
}

func (v *validator) actions(where string, actions []models.FlowAction) {
	for i, a := range actions {
		aw := fmt.Sprintf("%s action %d", where, i)
		if !knownActions[a.Type] {
			v.add(aw, "unknown action type %q", a.Type)
			continue
		}
		v.conditional(aw, a.Conditional)
		switch a.Type {
		case models.ActionChangeFlow:
			if a.NextURI == "" {
				v.add(aw, "change-flow without nextUri")
			}
			v.target(aw, a.NextURI)
		case models.ActionExecuteHook:
			if a.Hook == "" {
				v.add(aw, "execute-hook without hook")
			}
		case models.ActionScheduleTask:
			if a.TaskID == "" {
				v.add(aw, "schedule-task without taskId")
			}
			if a.NextRunDate == nil && a.RunEvery == "" {
				v.add(aw, "schedule-task needs nextRunDate or runEvery")
			}
			v.actions(aw, a.TaskActions)
		}
	}
}

// target reports uris that resolve to no flow. Uris built from references are checked at runtime.
func (v *validator) target(where, uri string) {
	if uri == "" || strings.Contains(uri, "<") {
		return
	}
	if _, err := v.table.Get(uri); err != nil {
		v.add(where, "unresolved target %q", uri)
	}
}

func (v *validator) conditional(where, cond string) {
	if err := expression.Validate(cond); err != nil {
		v.add(where, "invalid conditional %q: %v", cond, err)
	}
}

func (v *validator) matches(where string, matches models.Matches) {
	for pattern, kind := range matches {
		if kind != models.MatchMatchFile {
			continue
		}
		if _, ok := v.engine.File(pattern); !ok {
			v.add(where, "unknown match file %q", pattern)
		}
	}
}
