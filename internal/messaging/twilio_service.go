package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioChannel is the channel name of TwilioService.
const TwilioChannel = "twilio"

// emptyTwiML acknowledges a webhook without replying.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements the Service interface using the Twilio API. Incoming messages
// arrive through WebhookHandler.
type TwilioService struct {
	client     twiliowhatsapp.Sender
	opts       ChannelOpts
	webhookURL string
	incoming   chan models.IncomingMessage

	mu      sync.RWMutex
	stopped bool
	names   map[string]string // ProfileName seen on inbound webhooks, by phone
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService. When webhookURL is set, inbound requests
// must carry a valid X-Twilio-Signature for that URL.
func NewTwilioService(client twiliowhatsapp.Sender, webhookURL string, opts ...ChannelOption) *TwilioService {
	s := &TwilioService{
		client:     client,
		webhookURL: webhookURL,
		incoming:   make(chan models.IncomingMessage, DefaultChannelBufferSize),
		names:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

func (s *TwilioService) Name() string { return TwilioChannel }

// Start is a no-op for Twilio; messages arrive over HTTP.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes Incoming and rejects further sends.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.incoming)
	return nil
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, user *models.User, msg models.OutgoingMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := CanonicalizePhone(user.Channel.UserID)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "userID", user.ID)
		return err
	}
	return s.client.SendText(ctx, "+"+to, RenderText(msg))
}

// MarkAsTypingOn is unsupported by the Twilio WhatsApp API.
func (s *TwilioService) MarkAsTypingOn(ctx context.Context, user *models.User) error {
	return nil
}

// MarkAsTypingOff is unsupported by the Twilio WhatsApp API.
func (s *TwilioService) MarkAsTypingOff(ctx context.Context, user *models.User) error {
	return nil
}

// MarkAsRead is unsupported by the Twilio WhatsApp API.
func (s *TwilioService) MarkAsRead(ctx context.Context, channelUserID, messageID string) error {
	return nil
}

// GetUserProfile returns the WhatsApp profile name last seen on an inbound webhook.
func (s *TwilioService) GetUserProfile(ctx context.Context, channelUserID string) (*models.Profile, error) {
	s.mu.RLock()
	name := s.names[channelUserID]
	s.mu.RUnlock()
	first, last := splitName(name)
	return &models.Profile{
		FirstName:         first,
		LastName:          last,
		Phone:             "+" + channelUserID,
		TimezoneUTCOffset: s.opts.TimezoneUTCOffset,
		LastUpdated:       time.Now().UTC(),
	}, nil
}

func (s *TwilioService) Incoming() <-chan models.IncomingMessage { return s.incoming }

// WebhookHandler handles inbound Twilio webhook requests and emits them on Incoming.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	phone, err := CanonicalizePhone(twiliowhatsapp.PhoneFromAddress(from))
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}
	if name := r.FormValue("ProfileName"); name != "" {
		s.mu.Lock()
		s.names[phone] = name
		s.mu.Unlock()
	}

	s.emit(models.IncomingMessage{
		ID:            r.FormValue("MessageSid"),
		ChannelName:   TwilioChannel,
		ChannelUserID: phone,
		Text:          body,
		Timestamp:     time.Now().UTC(),
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (s *TwilioService) emit(msg models.IncomingMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.ChannelUserID)
		return
	}
	select {
	case s.incoming <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.ChannelUserID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService incoming channel blocked, dropping message", "from", msg.ChannelUserID)
	}
}
