package models

import "time"

// FlowType selects how a flow is executed.
type FlowType string

const (
	// FlowTypeBasic runs actions and an optional prompt.
	FlowTypeBasic FlowType = "basic"
	// FlowTypeRedirect immediately executes NextURI.
	FlowTypeRedirect FlowType = "redirect"
)

// InterruptionPolicy controls whether commands may interrupt a flow's prompt.
type InterruptionPolicy string

const (
	// InterruptionsAllow lets commands match while the user is waiting on this flow's prompt.
	InterruptionsAllow InterruptionPolicy = "allow"
	// InterruptionsPrevent routes every reply to the prompt, skipping command matching.
	InterruptionsPrevent InterruptionPolicy = "prevent"
)

// Flow is a named script of actions plus an optional prompt.
type Flow struct {
	ID            string             `json:"id,omitempty" yaml:"id,omitempty"` // dynamic flows only
	URI           string             `json:"uri,omitempty" yaml:"uri,omitempty"`
	CanonicalURI  string             `json:"canonicalUri,omitempty" yaml:"canonicalUri,omitempty"`
	Type          FlowType           `json:"type,omitempty" yaml:"type,omitempty"`
	Actions       []FlowAction       `json:"actions,omitempty" yaml:"actions,omitempty"`
	Prompt        *Prompt            `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Interruptions InterruptionPolicy `json:"interruptions,omitempty" yaml:"interruptions,omitempty"`
	NextURI       string             `json:"nextUri,omitempty" yaml:"nextUri,omitempty"`
	Dynamic       bool               `json:"-" yaml:"-"`
	UpdatedAt     time.Time          `json:"updatedAt,omitempty" yaml:"-"`
}

// EffectiveType returns the flow type, defaulting to basic.
func (f *Flow) EffectiveType() FlowType {
	if f.Type == "" {
		return FlowTypeBasic
	}
	return f.Type
}

// ActionType is the discriminator of a FlowAction.
type ActionType string

const (
	ActionChangeFlow   ActionType = "change-flow"
	ActionDelay        ActionType = "delay"
	ActionDisableBot   ActionType = "disable-bot"
	ActionEnableBot    ActionType = "enable-bot"
	ActionExecuteHook  ActionType = "execute-hook"
	ActionMarkAsTyping ActionType = "mark-as-typing"
	ActionScheduleTask ActionType = "schedule-task"
	ActionSendMessage  ActionType = "send-message"
	ActionTrackEvent   ActionType = "track-event"
	ActionTrackUser    ActionType = "track-user"
	ActionUpdateMemory ActionType = "update-memory"
	ActionWipeMemory   ActionType = "wipe-memory"
)

// FlowAction is one typed step inside a flow, command, prompt or task. Type selects which of
// the payload fields are meaningful.
type FlowAction struct {
	Type        ActionType `json:"type" yaml:"type"`
	Conditional string     `json:"conditional,omitempty" yaml:"conditional,omitempty"`

	// send-message
	Text    string          `json:"text,omitempty" yaml:"text,omitempty"`
	Options []MessageOption `json:"options,omitempty" yaml:"options,omitempty"`
	Buttons []MessageButton `json:"buttons,omitempty" yaml:"buttons,omitempty"`

	// change-flow
	NextURI string `json:"nextUri,omitempty" yaml:"nextUri,omitempty"`

	// delay (milliseconds); when Delay is zero the length of Text decides
	Delay     int  `json:"delay,omitempty" yaml:"delay,omitempty"`
	Randomize bool `json:"randomize,omitempty" yaml:"randomize,omitempty"`
	Typing    bool `json:"typing,omitempty" yaml:"typing,omitempty"`

	// mark-as-typing
	Off bool `json:"off,omitempty" yaml:"off,omitempty"`

	// execute-hook
	Hook string         `json:"hook,omitempty" yaml:"hook,omitempty"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`

	// schedule-task
	TaskID          string       `json:"taskId,omitempty" yaml:"taskId,omitempty"`
	NextRunDate     *time.Time   `json:"nextRunDate,omitempty" yaml:"nextRunDate,omitempty"`
	RunEvery        string       `json:"runEvery,omitempty" yaml:"runEvery,omitempty"`
	RunTime         string       `json:"runTime,omitempty" yaml:"runTime,omitempty"`
	IgnoreDays      []string     `json:"ignoreDays,omitempty" yaml:"ignoreDays,omitempty"`
	MaxRuns         int          `json:"maxRuns,omitempty" yaml:"maxRuns,omitempty"`
	AllowConcurrent bool         `json:"allowConcurrent,omitempty" yaml:"allowConcurrent,omitempty"`
	Global          bool         `json:"global,omitempty" yaml:"global,omitempty"`
	TaskActions     []FlowAction `json:"actions,omitempty" yaml:"actions,omitempty"`

	// track-event / track-user
	Event  string         `json:"event,omitempty" yaml:"event,omitempty"`
	Data   map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Traits map[string]any `json:"traits,omitempty" yaml:"traits,omitempty"`

	// update-memory
	Memory       MemoryDefinition `json:"memory,omitempty" yaml:"memory,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`

	// wipe-memory
	WipeProfile  bool `json:"wipeProfile,omitempty" yaml:"wipeProfile,omitempty"`
	WipeMessages bool `json:"wipeMessages,omitempty" yaml:"wipeMessages,omitempty"`
	WipeTasks    bool `json:"wipeTasks,omitempty" yaml:"wipeTasks,omitempty"`
}

// PromptType selects how a prompt is rendered and matched.
type PromptType string

const (
	PromptTypeBasic   PromptType = "basic"
	PromptTypeOptions PromptType = "options"
	PromptTypeWebview PromptType = "webview"
)

// PromptText is one conditional variant of the prompt text.
type PromptText struct {
	Value       string `json:"value" yaml:"value"`
	Conditional string `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// PromptOption is a selectable answer of a prompt.
type PromptOption struct {
	Label       string  `json:"label" yaml:"label"`
	Value       string  `json:"value,omitempty" yaml:"value,omitempty"`
	Matches     Matches `json:"matches,omitempty" yaml:"matches,omitempty"`
	NextURI     string  `json:"nextUri,omitempty" yaml:"nextUri,omitempty"`
	Conditional string  `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// Prompt is the point where a flow sends a message and waits for the user's reply.
type Prompt struct {
	Type          PromptType       `json:"type,omitempty" yaml:"type,omitempty"`
	Text          []PromptText     `json:"text" yaml:"text"`
	Options       []PromptOption   `json:"options,omitempty" yaml:"options,omitempty"`
	Webview       string           `json:"webview,omitempty" yaml:"webview,omitempty"`
	Memory        MemoryDefinition `json:"memory,omitempty" yaml:"memory,omitempty"`
	TrackResponse bool             `json:"trackResponse,omitempty" yaml:"trackResponse,omitempty"`
	NextURI       string           `json:"nextUri,omitempty" yaml:"nextUri,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	Actions       []FlowAction     `json:"actions,omitempty" yaml:"actions,omitempty"` // run on reply, before memory is saved
}

// EffectiveType returns the prompt type, defaulting to basic.
func (p *Prompt) EffectiveType() PromptType {
	if p.Type == "" {
		return PromptTypeBasic
	}
	return p.Type
}

// MatchKind selects how a pattern value is compared against text.
type MatchKind string

const (
	MatchString    MatchKind = "string"
	MatchRegexp    MatchKind = "regexp"
	MatchMatchFile MatchKind = "match-file"
)

// Matches maps a pattern value to its kind. An empty kind disables the pattern.
type Matches map[string]MatchKind

// IntentConfig configures NLP intent matching for a command.
type IntentConfig struct {
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	Aggressive bool    `json:"aggressive,omitempty" yaml:"aggressive,omitempty"`
}

// Command is a globally-checked pattern with its own action list.
type Command struct {
	Name         string                  `json:"commandName" yaml:"commandName"`
	Priority     int                     `json:"priority" yaml:"priority"`
	Matches      Matches                 `json:"matches,omitempty" yaml:"matches,omitempty"`
	Intents      map[string]IntentConfig `json:"intents,omitempty" yaml:"intents,omitempty"`
	Memory       MemoryDefinition        `json:"memory,omitempty" yaml:"memory,omitempty"`
	ErrorMessage string                  `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	Actions      []FlowAction            `json:"actions,omitempty" yaml:"actions,omitempty"`
}
