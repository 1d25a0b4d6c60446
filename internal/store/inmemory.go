package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/memory"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. Records are copied in and out so
// callers never share state with the store.
type InMemoryStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	flows    map[string]*models.Flow
	tasks    map[string]*models.Task
	messages []models.MessageRecord
	dedup    map[string]*DedupRecord
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*models.User),
		flows: make(map[string]*models.Flow),
		tasks: make(map[string]*models.Task),
		dedup: make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *InMemoryStore) GetUserByChannel(ctx context.Context, channelName, channelUserID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Channel.Name == channelName && u.Channel.UserID == channelUserID {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.AppData == nil {
		user.AppData = map[string]any{}
	}
	s.users[user.ID] = user.Clone()
	return nil
}

func (s *InMemoryStore) SaveUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return ErrNotFound
	}
	user.UpdatedAt = time.Now().UTC()
	s.users[user.ID] = user.Clone()
	return nil
}

func (s *InMemoryStore) UpdateUserMemory(ctx context.Context, userID string, changes models.MemoryChanges) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	u.AppData = memory.Apply(u.AppData, changes)
	u.UpdatedAt = time.Now().UTC()
	return models.CloneMap(u.AppData), nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *f
	return &c, nil
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	flow.Dynamic = true
	flow.UpdatedAt = time.Now().UTC()
	c := *flow
	s.flows[flow.ID] = &c
	return nil
}

func (s *InMemoryStore) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	return nil
}

func copyTask(t *models.Task) *models.Task {
	c := *t
	c.Actions = append([]models.FlowAction(nil), t.Actions...)
	c.IgnoreDays = append([]string(nil), t.IgnoreDays...)
	if t.NextRunDate != nil {
		next := *t.NextRunDate
		c.NextRunDate = &next
	}
	if t.LockedSinceDate != nil {
		locked := *t.LockedSinceDate
		c.LockedSinceDate = &locked
	}
	return &c
}

func (s *InMemoryStore) UpsertTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.tasks {
		if existing.Hash == task.Hash && existing.UserID == task.UserID {
			existing.Actions = task.Actions
			existing.NextRunDate = task.NextRunDate
			existing.RunEvery = task.RunEvery
			existing.RunTime = task.RunTime
			existing.IgnoreDays = task.IgnoreDays
			existing.MaxRuns = task.MaxRuns
			existing.AllowConcurrent = task.AllowConcurrent
			existing.TimezoneUTCOffset = task.TimezoneUTCOffset
			existing.UpdatedAt = now
			*existing = *copyTask(existing)
			return copyTask(existing), nil
		}
	}
	stored := copyTask(task)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.LockedSinceDate = nil
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.tasks[stored.ID] = stored
	return copyTask(stored), nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (s *InMemoryStore) FindDueTasks(ctx context.Context, now time.Time) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.NextRunDate != nil && !t.NextRunDate.After(now) {
			out = append(out, *copyTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRunDate.Before(*out[j].NextRunDate) })
	return out, nil
}

func (s *InMemoryStore) AcquireTaskLease(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.IsLocked(now) {
		return false, nil
	}
	locked := now
	t.LockedSinceDate = &locked
	t.NumRuns++
	t.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyTask(task)
	t.NextRunDate = updated.NextRunDate
	t.NumRuns = updated.NumRuns
	t.LockedSinceDate = updated.LockedSinceDate
	t.TimezoneUTCOffset = updated.TimezoneUTCOffset
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *InMemoryStore) FindTasksForUser(ctx context.Context, userID string) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, *copyTask(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (s *InMemoryStore) DeleteTasksForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.UserID == userID {
			delete(s.tasks, id)
		}
	}
	return nil
}

func (s *InMemoryStore) AddMessage(ctx context.Context, msg *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, userID string, limit int) ([]models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MessageRecord
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].UserID == userID {
			out = append(out, s.messages[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteMessagesForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.UserID != userID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, UserKey: userKey, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
	}
	return nil
}
