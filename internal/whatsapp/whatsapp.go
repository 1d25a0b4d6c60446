// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in FlowPipe.
//
// It provides methods for sending text, presence and read receipts, and for looking up
// contact names, plus access to the underlying client for event handling.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/flowpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Contact is the name information WhatsApp knows about a phone number.
type Contact struct {
	FirstName string
	FullName  string
	PushName  string
}

// Sender is the subset of WhatsApp operations the channel service needs (for production and testing).
type Sender interface {
	SendText(ctx context.Context, to string, body string) error
	SetTyping(ctx context.Context, to string, typing bool) error
	MarkRead(ctx context.Context, from string, messageID string) error
	GetContact(ctx context.Context, phone string) (Contact, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// sqliteNeedsForeignKeys reports whether a SQLite DSN lacks the foreign key pragma whatsmeow expects.
func sqliteNeedsForeignKeys(dsn string) bool {
	return store.DetectDSNType(dsn) == "sqlite3" &&
		!strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// On first start it runs the QR (or numeric code) login flow.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if sqliteNeedsForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	logger := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err, "driver", dbDriver)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp server", "error", err)
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func (c *Client) ready() error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	return nil
}

func userJID(phone string) types.JID {
	return types.NewJID(strings.TrimPrefix(phone, "+"), JIDSuffix)
}

// SendText sends a plain text message to the specified phone number.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, userJID(to), msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "body_length", len(body))
	return nil
}

// SetTyping toggles the composing indicator in the chat with to.
func (c *Client) SetTyping(ctx context.Context, to string, typing bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	if err := c.waClient.SendChatPresence(userJID(to), state, types.ChatPresenceMediaText); err != nil {
		slog.Error("Failed to send WhatsApp chat presence", "error", err, "to", to, "typing", typing)
		return fmt.Errorf("failed to send presence to %s: %w", to, err)
	}
	return nil
}

// MarkRead sends a read receipt for messageID received from from.
func (c *Client) MarkRead(ctx context.Context, from string, messageID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	jid := userJID(from)
	if err := c.waClient.MarkRead([]types.MessageID{messageID}, time.Now(), jid, jid); err != nil {
		slog.Error("Failed to mark WhatsApp message read", "error", err, "from", from, "messageID", messageID)
		return fmt.Errorf("failed to mark message %s read: %w", messageID, err)
	}
	return nil
}

// GetContact returns the stored contact names for phone. Unknown contacts yield an empty Contact.
func (c *Client) GetContact(ctx context.Context, phone string) (Contact, error) {
	if err := c.ready(); err != nil {
		return Contact{}, err
	}
	info, err := c.waClient.Store.Contacts.GetContact(ctx, userJID(phone))
	if err != nil {
		slog.Error("Failed to look up WhatsApp contact", "error", err, "phone", phone)
		return Contact{}, fmt.Errorf("failed to look up contact %s: %w", phone, err)
	}
	if !info.Found {
		return Contact{}, nil
	}
	return Contact{FirstName: info.FirstName, FullName: info.FullName, PushName: info.PushName}, nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records every call instead of talking to WhatsApp (for tests).
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	Typing   []TypingEvent
	Read     []string
	Contacts map[string]Contact
	SendErr  error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// TypingEvent is one presence change recorded by MockClient.
type TypingEvent struct {
	To     string
	Typing bool
}

// Compile-time check that MockClient implements Sender.
var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{Contacts: make(map[string]Contact)}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SetTyping(ctx context.Context, to string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, TypingEvent{To: to, Typing: typing})
	return nil
}

func (m *MockClient) MarkRead(ctx context.Context, from string, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Read = append(m.Read, messageID)
	return nil
}

func (m *MockClient) GetContact(ctx context.Context, phone string) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Contacts[phone], nil
}

// Messages returns a snapshot of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
