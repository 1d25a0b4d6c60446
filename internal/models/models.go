// Package models defines the core data structures for FlowPipe.
//
// It includes users, flows, actions, prompts, commands and scheduled tasks, which are
// shared across the workflow engine, the scheduler and the storage backends.
package models

import (
	"encoding/json"
	"log/slog"
	"time"
)

// InputVariable is the variable name under which the raw incoming message is exposed
// to conditionals and references. The wildcard reference <*> resolves to the same value.
const InputVariable = "input"

// Profile holds the channel-provided identity details of a user.
type Profile struct {
	FirstName         string    `json:"firstName,omitempty"`
	LastName          string    `json:"lastName,omitempty"`
	Email             string    `json:"email,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	TimezoneUTCOffset float64   `json:"timezoneUtcOffset"` // hours, may be fractional (e.g. 5.5)
	Ref               string    `json:"ref,omitempty"`     // referral tag the user arrived with
	LastUpdated       time.Time `json:"lastUpdated"`
}

// ChannelBinding identifies the user on one messaging channel. It is the immutable identity key.
type ChannelBinding struct {
	Name   string `json:"name"`
	UserID string `json:"userId"`
}

// Conversation is the per-user cursor tracking the conversational position.
type Conversation struct {
	PreviousStepURI  string    `json:"previousStepUri,omitempty"`
	CurrentStepURI   string    `json:"currentStepUri,omitempty"`
	WaitingOnPrompt  bool      `json:"waitingOnPrompt"`
	LastReceivedDate time.Time `json:"lastReceivedDate,omitempty"`
	LastSentDate     time.Time `json:"lastSentDate,omitempty"`
}

// BotState records whether the bot may talk to the user.
type BotState struct {
	Disabled bool `json:"disabled"` // a human operator has taken over
	Removed  bool `json:"removed"`  // the user is unreachable
}

// User is one end-user bound to one channel.
type User struct {
	ID           string         `json:"id"`
	Profile      Profile        `json:"profile"`
	Channel      ChannelBinding `json:"channel"`
	Conversation Conversation   `json:"conversation"`
	Bot          BotState       `json:"bot"`
	AppData      map[string]any `json:"appData"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// CanReceive reports whether the bot is allowed to act for this user.
func (u *User) CanReceive() bool {
	return !u.Bot.Disabled && !u.Bot.Removed
}

// Clone returns a deep copy of the user so callers can mutate it without affecting shared state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.AppData = CloneMap(u.AppData)
	return &c
}

// IncomingMessage is a validated message received from a channel.
type IncomingMessage struct {
	ID            string         `json:"id"`
	ChannelName   string         `json:"channelName"`
	ChannelUserID string         `json:"channelUserId"`
	Text          string         `json:"text"`
	FormData      map[string]any `json:"formData,omitempty"` // submitted webview form, nil for plain text
	Timestamp     time.Time      `json:"timestamp"`
}

// IsFormSubmission reports whether the message carries webview form data rather than text.
func (m *IncomingMessage) IsFormSubmission() bool {
	return m != nil && m.FormData != nil
}

// MessageOption is a quick-reply choice attached to an outgoing message.
type MessageOption struct {
	Label string `json:"label" yaml:"label"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// MessageButton is a link button attached to an outgoing message.
type MessageButton struct {
	Label string `json:"label" yaml:"label"`
	URL   string `json:"url" yaml:"url"`
}

// OutgoingMessage is what the engine asks a channel adapter to deliver.
type OutgoingMessage struct {
	Text    string          `json:"text"`
	Options []MessageOption `json:"options,omitempty"`
	Buttons []MessageButton `json:"buttons,omitempty"`
}

// MessageDirection distinguishes stored message history entries.
type MessageDirection string

const (
	// MessageIncoming marks a message received from the user.
	MessageIncoming MessageDirection = "incoming"
	// MessageOutgoing marks a message sent by the bot.
	MessageOutgoing MessageDirection = "outgoing"
)

// MessageRecord is one entry of a user's message history.
type MessageRecord struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Direction MessageDirection `json:"direction"`
	Text      string           `json:"text"`
	Payload   string           `json:"payload,omitempty"` // JSON of the full message
	CreatedAt time.Time        `json:"createdAt"`
}

// Intent is a single NLP classification result.
type Intent struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Webview describes a named web page a prompt can open.
type Webview struct {
	Name       string `json:"name" yaml:"name"`
	URL        string `json:"url" yaml:"url"`
	ButtonText string `json:"buttonText,omitempty" yaml:"buttonText,omitempty"`
}

// Variables builds the flattened variable set used by references and conditionals:
// the user's fields at the top level plus the raw incoming message under "input".
func Variables(user *User, msg *IncomingMessage) map[string]any {
	vars := make(map[string]any)
	if user != nil {
		if err := roundTrip(user, &vars); err != nil {
			slog.Error("Variables user conversion failed", "error", err, "userID", user.ID)
		}
		if user.AppData == nil {
			vars["appData"] = map[string]any{}
		}
	}
	input := map[string]any{}
	if msg != nil {
		if err := roundTrip(msg, &input); err != nil {
			slog.Error("Variables message conversion failed", "error", err, "messageID", msg.ID)
		}
	}
	vars[InputVariable] = input
	return vars
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

func roundTrip(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
