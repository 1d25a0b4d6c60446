// Package genai classifies user messages into command intents using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrNoChoicesReturned is returned when the completion has no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completions struct {
	client openai.Client
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the classifier.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Option configures the classifier.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. OPENAI_API_KEY is used otherwise.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// IntentClassifier scores a message against a fixed set of intent names.
type IntentClassifier struct {
	chat        chatService
	intents     []string
	model       string
	temperature float64
}

// NewIntentClassifier creates a classifier for the given intent names.
func NewIntentClassifier(intents []string, opts ...Option) (*IntentClassifier, error) {
	cfg := Opts{Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	c := newIntentClassifier(completions{client: openai.NewClient(reqOpts...)}, intents)
	c.model = cfg.Model
	c.temperature = cfg.Temperature
	return c, nil
}

func newIntentClassifier(chat chatService, intents []string) *IntentClassifier {
	names := append([]string(nil), intents...)
	sort.Strings(names)
	return &IntentClassifier{chat: chat, intents: names, model: DefaultModel}
}

// IntentNames collects the distinct intent names configured on commands.
func IntentNames(commands []models.Command) []string {
	seen := make(map[string]bool)
	var names []string
	for _, cmd := range commands {
		for name := range cmd.Intents {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func (c *IntentClassifier) systemPrompt() string {
	return "You classify a chat message sent to a bot. For each of these intents, estimate the " +
		"probability between 0 and 1 that the message expresses it: " + strings.Join(c.intents, ", ") +
		`. Reply with JSON only, in the form {"intents":[{"name":"<intent>","score":<0..1>}]}. ` +
		"Omit intents with a score below 0.05."
}

type classification struct {
	Intents []models.Intent `json:"intents"`
}

// ParseMessage returns the scored intents of text, highest score first. Unknown intent names
// in the model output are dropped and scores are clamped to [0, 1].
func (c *IntentClassifier) ParseMessage(ctx context.Context, text string) ([]models.Intent, error) {
	if len(c.intents) == 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt()),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("IntentClassifier completion failed", "error", err, "model", c.model)
		return nil, fmt.Errorf("classify message: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "`\n ")

	var out classification
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		slog.Error("IntentClassifier returned invalid JSON", "error", err, "content", content)
		return nil, fmt.Errorf("decode intents: %w", err)
	}

	known := make(map[string]bool, len(c.intents))
	for _, name := range c.intents {
		known[name] = true
	}
	intents := make([]models.Intent, 0, len(out.Intents))
	for _, in := range out.Intents {
		if !known[in.Name] {
			continue
		}
		in.Score = min(max(in.Score, 0), 1)
		intents = append(intents, in)
	}
	sort.SliceStable(intents, func(i, j int) bool { return intents[i].Score > intents[j].Score })
	slog.Debug("IntentClassifier parsed message", "intents", len(intents))
	return intents, nil
}
