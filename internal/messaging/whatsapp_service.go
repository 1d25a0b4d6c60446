package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// WhatsAppChannel is the channel name of WhatsAppService.
const WhatsAppChannel = "whatsapp"

// ChannelOpts holds options shared by the vendor-backed services.
type ChannelOpts struct {
	TimezoneUTCOffset float64 // reported in profiles; these channels don't expose a timezone
}

// ChannelOption configures a channel service.
type ChannelOption func(*ChannelOpts)

// WithDefaultTimezone sets the timezone offset reported for users of the channel.
func WithDefaultTimezone(offset float64) ChannelOption {
	return func(o *ChannelOpts) {
		o.TimezoneUTCOffset = offset
	}
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // underlying client for event handling, nil for mocks
	opts     ChannelOpts
	incoming chan models.IncomingMessage

	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender, opts ...ChannelOption) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		incoming: make(chan models.IncomingMessage, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

func (s *WhatsAppService) Name() string { return WhatsAppChannel }

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	s.mu.Lock()
	s.handlerID = id
	s.mu.Unlock()
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop removes the event handler and closes Incoming.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.Disconnect()
	}
	close(s.incoming)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendMessage renders msg as text and sends it.
func (s *WhatsAppService) SendMessage(ctx context.Context, user *models.User, msg models.OutgoingMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := CanonicalizePhone(user.Channel.UserID)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "userID", user.ID)
		return err
	}
	if err := s.client.SendText(ctx, to, RenderText(msg)); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", to, "options", len(msg.Options), "buttons", len(msg.Buttons))
	return nil
}

func (s *WhatsAppService) MarkAsTypingOn(ctx context.Context, user *models.User) error {
	return s.setTyping(ctx, user, true)
}

func (s *WhatsAppService) MarkAsTypingOff(ctx context.Context, user *models.User) error {
	return s.setTyping(ctx, user, false)
}

func (s *WhatsAppService) setTyping(ctx context.Context, user *models.User, typing bool) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := CanonicalizePhone(user.Channel.UserID)
	if err != nil {
		return err
	}
	return s.client.SetTyping(ctx, to, typing)
}

func (s *WhatsAppService) MarkAsRead(ctx context.Context, channelUserID, messageID string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if messageID == "" {
		return nil
	}
	return s.client.MarkRead(ctx, channelUserID, messageID)
}

// GetUserProfile builds a profile from the stored WhatsApp contact.
func (s *WhatsAppService) GetUserProfile(ctx context.Context, channelUserID string) (*models.Profile, error) {
	contact, err := s.client.GetContact(ctx, channelUserID)
	if err != nil {
		return nil, err
	}
	name := contact.FullName
	if name == "" {
		name = contact.PushName
	}
	first, last := splitName(name)
	if contact.FirstName != "" {
		first = contact.FirstName
	}
	return &models.Profile{
		FirstName:         first,
		LastName:          last,
		Phone:             "+" + channelUserID,
		TimezoneUTCOffset: s.opts.TimezoneUTCOffset,
		LastUpdated:       time.Now().UTC(),
	}, nil
}

func (s *WhatsAppService) Incoming() <-chan models.IncomingMessage { return s.incoming }

// handleIncomingMessage converts a direct text message into an IncomingMessage.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		text = *evt.Message.ExtendedTextMessage.Text
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	s.emit(models.IncomingMessage{
		ID:            evt.Info.ID,
		ChannelName:   WhatsAppChannel,
		ChannelUserID: evt.Info.Sender.User,
		Text:          text,
		Timestamp:     evt.Info.Timestamp.UTC(),
	})
}

func (s *WhatsAppService) emit(msg models.IncomingMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping incoming message (service stopped)", "from", msg.ChannelUserID)
		return
	}
	select {
	case s.incoming <- msg:
		slog.Debug("WhatsAppService incoming message forwarded", "from", msg.ChannelUserID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService incoming channel blocked, dropping message", "from", msg.ChannelUserID, "timeout", DefaultChannelTimeout)
	}
}
