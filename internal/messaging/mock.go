package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage is one delivery recorded by MockService.
type SentMessage struct {
	ChannelUserID string
	Message       models.OutgoingMessage
}

// MockService is an in-memory channel used by tests and the "mock" channel setting.
type MockService struct {
	name     string
	incoming chan models.IncomingMessage

	mu       sync.Mutex
	sent     []SentMessage
	typing   []bool
	read     []string
	Profiles map[string]models.Profile
	SendErr  error
	stopped  bool
}

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// NewMockService creates a mock channel with the given name.
func NewMockService(name string) *MockService {
	return &MockService{
		name:     name,
		incoming: make(chan models.IncomingMessage, DefaultChannelBufferSize),
		Profiles: make(map[string]models.Profile),
	}
}

func (m *MockService) Name() string { return m.name }

func (m *MockService) SendMessage(ctx context.Context, user *models.User, msg models.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrServiceStopped
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{ChannelUserID: user.Channel.UserID, Message: msg})
	return nil
}

func (m *MockService) MarkAsTypingOn(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, true)
	return nil
}

func (m *MockService) MarkAsTypingOff(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, false)
	return nil
}

func (m *MockService) MarkAsRead(ctx context.Context, channelUserID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read = append(m.read, messageID)
	return nil
}

func (m *MockService) GetUserProfile(ctx context.Context, channelUserID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Profiles[channelUserID]
	if !ok {
		return &models.Profile{}, nil
	}
	return &p, nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.incoming)
	return nil
}

func (m *MockService) Incoming() <-chan models.IncomingMessage { return m.incoming }

// Push injects an incoming message as if the channel had received it.
func (m *MockService) Push(msg models.IncomingMessage) {
	if msg.ChannelName == "" {
		msg.ChannelName = m.name
	}
	m.incoming <- msg
}

// Sent returns a snapshot of delivered messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTexts returns the text of every delivered message in order.
func (m *MockService) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Message.Text
	}
	return out
}

// Typing returns the recorded typing toggles.
func (m *MockService) Typing() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.typing...)
}

// Read returns the acknowledged message ids.
func (m *MockService) Read() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.read...)
}

// Reset forgets recorded deliveries.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.typing = nil
	m.read = nil
}
