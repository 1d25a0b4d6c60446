package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// HandleIncomingMessage is the entry point for every message a channel receives. Duplicate
// deliveries are dropped; disabled and removed users are recorded but not processed.
// Commands win over prompt replies unless the prompt's flow prevents interruptions.
func (m *Manager) HandleIncomingMessage(ctx context.Context, msg models.IncomingMessage) error {
	userKey := msg.ChannelName + ":" + msg.ChannelUserID
	if msg.ID != "" {
		first, err := m.opts.Dedup.RecordInbound(ctx, msg.ID, userKey)
		if err != nil {
			slog.Error("HandleIncomingMessage dedup failed", "error", err, "messageID", msg.ID)
			return fmt.Errorf("dedup %s: %w", msg.ID, err)
		}
		if !first {
			slog.Debug("HandleIncomingMessage duplicate dropped", "messageID", msg.ID, "user", userKey)
			return nil
		}
		defer func() {
			if err := m.opts.Dedup.MarkProcessed(ctx, msg.ID); err != nil {
				slog.Warn("HandleIncomingMessage MarkProcessed failed", "error", err, "messageID", msg.ID)
			}
		}()
	}

	user, created, err := m.resolveUser(ctx, msg)
	if err != nil {
		return err
	}

	unlock := m.lockUser(user.ID)
	defer unlock()
	// Another turn or a task may have changed the user while we waited for the lock.
	if fresh, err := m.store.GetUser(ctx, user.ID); err == nil {
		user = fresh
	}
	if !created {
		m.refreshProfile(ctx, user)
	}

	if err := m.recordIncoming(ctx, user, &msg); err != nil {
		return err
	}
	if svc, err := m.channels.Get(msg.ChannelName); err == nil {
		if err := svc.MarkAsRead(ctx, msg.ChannelUserID, msg.ID); err != nil {
			slog.Warn("HandleIncomingMessage MarkAsRead failed", "error", err, "userID", user.ID)
		}
	}
	if !user.CanReceive() {
		slog.Debug("HandleIncomingMessage bot disabled, message recorded only", "userID", user.ID)
		return nil
	}

	out, err := m.route(ctx, user, &msg)
	if err != nil {
		slog.Error("HandleIncomingMessage failed", "error", err, "userID", user.ID, "messageID", msg.ID)
		return err
	}
	slog.Debug("HandleIncomingMessage completed", "userID", user.ID, "outcome", out.Kind, "reason", out.Reason)
	return nil
}

// route picks the command, prompt reply or flow that handles msg.
func (m *Manager) route(ctx context.Context, user *models.User, msg *models.IncomingMessage) (models.Outcome, error) {
	if m.commandsAllowed(user, msg) {
		cmd, err := m.opts.Commands.FindMatchingCommand(ctx, msg.Text)
		if err != nil {
			// NLP trouble must not block the conversation.
			slog.Warn("HandleIncomingMessage command matching failed", "error", err, "userID", user.ID)
		}
		if cmd != nil {
			return m.ExecuteCommand(ctx, cmd, user, msg)
		}
	}
	switch {
	case user.Conversation.WaitingOnPrompt && user.Conversation.CurrentStepURI != "":
		if _, err := m.GetFlow(user.Conversation.CurrentStepURI); errors.Is(err, models.ErrFlowNotFound) {
			// Removed by a reload; start over.
			slog.Warn("HandleIncomingMessage cursor flow gone, resetting", "uri", user.Conversation.CurrentStepURI, "userID", user.ID)
			user.Conversation.CurrentStepURI = ""
			user.Conversation.WaitingOnPrompt = false
			return m.ExecuteFlow(ctx, m.opts.DefaultFlowURI, user, msg)
		}
		return m.HandlePromptReply(ctx, user, msg)
	case user.Conversation.CurrentStepURI != "":
		return m.ExecuteFlow(ctx, user.Conversation.CurrentStepURI, user, msg)
	default:
		return m.ExecuteFlow(ctx, m.opts.DefaultFlowURI, user, msg)
	}
}

func (m *Manager) commandsAllowed(user *models.User, msg *models.IncomingMessage) bool {
	if msg.IsFormSubmission() {
		return false
	}
	if !user.Conversation.WaitingOnPrompt {
		return true
	}
	f, err := m.GetFlow(user.Conversation.CurrentStepURI)
	if err != nil {
		return true
	}
	return f.Interruptions != models.InterruptionsPrevent
}

// resolveUser finds the user bound to the message's channel identity, creating it on first
// contact. created reports whether the user was just made.
func (m *Manager) resolveUser(ctx context.Context, msg models.IncomingMessage) (user *models.User, created bool, err error) {
	unlock := m.lockUser("channel:" + msg.ChannelName + ":" + msg.ChannelUserID)
	defer unlock()

	user, err = m.store.GetUserByChannel(ctx, msg.ChannelName, msg.ChannelUserID)
	switch {
	case err == nil:
		return user, false, nil
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("resolveUser lookup failed", "error", err, "channel", msg.ChannelName)
		return nil, false, fmt.Errorf("lookup user %s:%s: %w", msg.ChannelName, msg.ChannelUserID, err)
	}

	user = &models.User{
		Channel: models.ChannelBinding{Name: msg.ChannelName, UserID: msg.ChannelUserID},
		AppData: map[string]any{},
	}
	if profile := m.fetchProfile(ctx, msg.ChannelName, msg.ChannelUserID); profile != nil {
		user.Profile = *profile
	}
	if user.Profile.LastUpdated.IsZero() {
		user.Profile.LastUpdated = m.now()
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		slog.Error("resolveUser create failed", "error", err, "channel", msg.ChannelName)
		return nil, false, fmt.Errorf("create user %s:%s: %w", msg.ChannelName, msg.ChannelUserID, err)
	}
	slog.Info("New user", "userID", user.ID, "channel", msg.ChannelName)
	m.opts.Events.Publish(ctx, events.NewUser, user.ID, map[string]any{"channel": msg.ChannelName})
	if err := m.opts.Tracker.TrackUser(ctx, user, map[string]any{
		"channel":   msg.ChannelName,
		"firstName": user.Profile.FirstName,
		"lastName":  user.Profile.LastName,
	}); err != nil {
		slog.Warn("resolveUser tracking failed", "error", err, "userID", user.ID)
	}
	return user, true, nil
}

func (m *Manager) fetchProfile(ctx context.Context, channel, channelUserID string) *models.Profile {
	svc, err := m.channels.Get(channel)
	if err != nil {
		slog.Warn("fetchProfile no channel", "error", err, "channel", channel)
		return nil
	}
	profile, err := svc.GetUserProfile(ctx, channelUserID)
	if err != nil {
		slog.Warn("fetchProfile failed", "error", err, "channel", channel)
		return nil
	}
	return profile
}

// refreshProfile re-fetches a profile older than ProfileRefreshInterval. A timezone change is
// published so scheduled tasks can follow it. The caller holds the user's lock.
func (m *Manager) refreshProfile(ctx context.Context, user *models.User) {
	if m.now().Sub(user.Profile.LastUpdated) < ProfileRefreshInterval {
		return
	}
	profile := m.fetchProfile(ctx, user.Channel.Name, user.Channel.UserID)
	if profile == nil {
		return
	}
	oldOffset := user.Profile.TimezoneUTCOffset
	ref := user.Profile.Ref
	user.Profile = *profile
	if user.Profile.Ref == "" {
		user.Profile.Ref = ref
	}
	if user.Profile.LastUpdated.IsZero() {
		user.Profile.LastUpdated = m.now()
	}
	if err := m.saveUser(ctx, user); err != nil {
		return
	}
	if oldOffset != profile.TimezoneUTCOffset {
		slog.Info("User timezone changed", "userID", user.ID, "old", oldOffset, "new", profile.TimezoneUTCOffset)
		m.opts.Events.Publish(ctx, events.ProfileRefreshed, user.ID, map[string]any{
			"oldTimezoneUtcOffset": oldOffset,
			"newTimezoneUtcOffset": profile.TimezoneUTCOffset,
		})
	}
}

func (m *Manager) recordIncoming(ctx context.Context, user *models.User, msg *models.IncomingMessage) error {
	user.Conversation.LastReceivedDate = m.now()
	if err := m.saveUser(ctx, user); err != nil {
		return err
	}
	payload, _ := json.Marshal(msg)
	record := &models.MessageRecord{
		UserID:    user.ID,
		Direction: models.MessageIncoming,
		Text:      msg.Text,
		Payload:   string(payload),
		CreatedAt: m.now(),
	}
	if err := m.store.AddMessage(ctx, record); err != nil {
		slog.Error("recordIncoming failed to store message", "error", err, "userID", user.ID)
	}
	m.opts.Events.Publish(ctx, events.IncomingMessage, user.ID, map[string]any{"text": msg.Text, "messageId": msg.ID})
	if err := m.opts.Tracker.TrackMessage(ctx, user, *record); err != nil {
		slog.Warn("recordIncoming tracking failed", "error", err, "userID", user.ID)
	}
	return nil
}
