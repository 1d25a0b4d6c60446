package flow

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/analytics"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const (
	testChannel = "mock"
	testPhone   = "15551234567"
)

type harness struct {
	m       *Manager
	store   *store.InMemoryStore
	channel *messaging.MockService
	tracker *analytics.Recorder
	slept   []time.Duration
}

func newHarness(t *testing.T, flows []models.Flow, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewInMemoryStore(),
		channel: messaging.NewMockService(testChannel),
		tracker: &analytics.Recorder{},
	}
	base := []Option{
		WithStaticFlows(flows),
		WithTracker(h.tracker),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		}),
	}
	h.m = NewManager(h.store, messaging.NewRegistry(h.channel), append(base, opts...)...)
	if err := h.m.LoadFlows(context.Background()); err != nil {
		t.Fatalf("LoadFlows failed: %v", err)
	}
	return h
}

func (h *harness) newUser(t *testing.T) *models.User {
	t.Helper()
	u := &models.User{
		Channel: models.ChannelBinding{Name: testChannel, UserID: testPhone},
		Profile: models.Profile{FirstName: "Ada", LastUpdated: time.Now().UTC()},
		AppData: map[string]any{},
	}
	if err := h.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func (h *harness) reload(t *testing.T, id string) *models.User {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return u
}

func (h *harness) messages(t *testing.T, userID string) []models.MessageRecord {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	return msgs
}

func (h *harness) incoming(id, text string) models.IncomingMessage {
	return models.IncomingMessage{ID: id, ChannelName: testChannel, ChannelUserID: testPhone, Text: text, Timestamp: time.Now().UTC()}
}

func send(text string) models.FlowAction {
	return models.FlowAction{Type: models.ActionSendMessage, Text: text}
}

func textPrompt(text string) *models.Prompt {
	return &models.Prompt{Type: models.PromptTypeBasic, Text: []models.PromptText{{Value: text}}}
}
