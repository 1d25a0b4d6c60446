// Package messaging defines the channel adapter abstraction used by the workflow engine
// and provides WhatsApp, Twilio and in-memory implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Constants for channel service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for incoming message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable channel adapter.
type Service interface {
	// Name is the channel name stored on users bound to this channel.
	Name() string

	// SendMessage delivers msg to the user's channel identity.
	SendMessage(ctx context.Context, user *models.User, msg models.OutgoingMessage) error

	// MarkAsTypingOn shows a typing indicator, where the channel supports it.
	MarkAsTypingOn(ctx context.Context, user *models.User) error

	// MarkAsTypingOff hides the typing indicator.
	MarkAsTypingOff(ctx context.Context, user *models.User) error

	// MarkAsRead acknowledges an incoming message.
	MarkAsRead(ctx context.Context, channelUserID, messageID string) error

	// GetUserProfile fetches what the channel knows about a user.
	GetUserProfile(ctx context.Context, channelUserID string) (*models.Profile, error)

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Incoming.
	Stop() error

	// Incoming returns a channel of validated incoming messages.
	Incoming() <-chan models.IncomingMessage
}

// CanonicalizePhone removes all non-numeric characters and requires at least 6 digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// RenderText flattens an outgoing message for text-only channels: options become a
// numbered list and buttons become "label: url" lines.
func RenderText(msg models.OutgoingMessage) string {
	var b strings.Builder
	b.WriteString(msg.Text)
	if len(msg.Options) > 0 {
		b.WriteString("\n")
		for i, opt := range msg.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Label)
		}
	}
	if len(msg.Buttons) > 0 {
		b.WriteString("\n")
		for _, btn := range msg.Buttons {
			fmt.Fprintf(&b, "\n%s: %s", btn.Label, btn.URL)
		}
	}
	return b.String()
}

// splitName splits a display name into first and last name.
func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// Registry maps channel names to services.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates a registry holding services.
func NewRegistry(services ...Service) *Registry {
	r := &Registry{services: make(map[string]Service)}
	for _, s := range services {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the service for its channel name.
func (r *Registry) Register(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.Name()] = s
}

// Get returns the service for a channel name.
func (r *Registry) Get(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrChannelNotFound, name)
	}
	return s, nil
}

// All returns every registered service.
func (r *Registry) All() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}
