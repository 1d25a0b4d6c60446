package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingExecutor struct {
	mu    sync.Mutex
	ran   []string
	fail  map[string]bool
	ranCh chan struct{}
}

func (e *recordingExecutor) ExecuteTaskActions(ctx context.Context, task *models.Task) (models.Outcome, error) {
	e.mu.Lock()
	e.ran = append(e.ran, task.Hash)
	e.mu.Unlock()
	if e.ranCh != nil {
		select {
		case e.ranCh <- struct{}{}:
		default:
		}
	}
	if e.fail[task.Hash] {
		return models.StopFailure("boom"), errors.New("boom")
	}
	return models.Continue(), nil
}

func (e *recordingExecutor) hashes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

func newTestScheduler(t *testing.T, start time.Time, opts ...Option) (*Scheduler, *store.InMemoryStore, *recordingExecutor, *testutil.Clock) {
	t.Helper()
	st := store.NewInMemoryStore()
	c := testutil.NewClock(start)
	s := New(st, append([]Option{WithClock(c.Now)}, opts...)...)
	exec := &recordingExecutor{}
	s.SetExecutor(exec)
	return s, st, exec, c
}

var at = testutil.MustTime

func TestParseRunEvery(t *testing.T) {
	tests := []struct {
		in      string
		n       int
		unit    Unit
		wantErr bool
	}{
		{"1 day", 1, Day, false},
		{"2 weeks", 2, Week, false},
		{"hour", 1, Hour, false},
		{"30 Minutes", 30, Minute, false},
		{"3 months", 3, Month, false},
		{"0 days", 0, "", true},
		{"every day", 0, "", true},
		{"1 fortnight", 0, "", true},
		{"", 0, "", true},
	}
	for _, tt := range tests {
		n, unit, err := ParseRunEvery(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRunEvery(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if n != tt.n || unit != tt.unit {
			t.Errorf("ParseRunEvery(%q) = %d %s, want %d %s", tt.in, n, unit, tt.n, tt.unit)
		}
	}
}

func TestNextRunDate(t *testing.T) {
	now := at("2024-01-10T14:30:45Z") // Wednesday
	tests := []struct {
		name  string
		task  models.Task
		first bool
		want  string
	}{
		{"daily at nine", models.Task{RunEvery: "1 day", RunTime: "09:00"}, true, "2024-01-11T09:00:00Z"},
		{"daily keeps time of day", models.Task{RunEvery: "1 day"}, false, "2024-01-11T14:30:45Z"},
		{"first daily snaps to midnight", models.Task{RunEvery: "1 day"}, true, "2024-01-11T00:00:00Z"},
		{"first weekly snaps to sunday", models.Task{RunEvery: "1 week"}, true, "2024-01-14T00:00:00Z"},
		{"first monthly", models.Task{RunEvery: "1 month", RunTime: "08:15"}, true, "2024-02-01T08:15:00Z"},
		{"hourly", models.Task{RunEvery: "2 hours"}, false, "2024-01-10T16:30:45Z"},
		{"offset applies run time locally", models.Task{RunEvery: "1 day", RunTime: "09:00", TimezoneUTCOffset: 2}, true, "2024-01-11T07:00:00Z"},
		{"half hour offset", models.Task{RunEvery: "1 day", RunTime: "09:00", TimezoneUTCOffset: 5.5}, true, "2024-01-11T03:30:00Z"},
		{"hourly pinned before now moves to next day", models.Task{RunEvery: "1 hour", RunTime: "09:00"}, false, "2024-01-11T09:00:00Z"},
		{"minutes pinned later today", models.Task{RunEvery: "30 minutes", RunTime: "18:00"}, false, "2024-01-10T18:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRunDate(&tt.task, now, tt.first)
			if err != nil {
				t.Fatalf("NextRunDate failed: %v", err)
			}
			if got == nil || !got.Equal(at(tt.want)) {
				t.Errorf("NextRunDate = %v, want %s", got, tt.want)
			}
		})
	}

	for _, task := range []models.Task{
		{},
		{RunEvery: "1 day", MaxRuns: 3, NumRuns: 3},
	} {
		if got, err := NextRunDate(&task, now, false); err != nil || got != nil {
			t.Errorf("expected no next run for %+v, got %v, %v", task, got, err)
		}
	}
	if _, err := NextRunDate(&models.Task{RunEvery: "1 day", RunTime: "9am"}, now, false); err == nil {
		t.Error("expected invalid runTime error")
	}
}

func TestNextRunDateIsAlwaysAfterNow(t *testing.T) {
	nows := []string{"2024-01-10T00:00:00Z", "2024-01-10T09:00:00Z", "2024-01-10T10:00:00Z", "2024-01-31T23:59:30Z"}
	everies := []string{"1 minute", "45 minutes", "1 hour", "6 hours", "1 day", "1 week", "1 month"}
	runTimes := []string{"", "00:00", "09:00", "23:59"}
	for _, n := range nows {
		now := at(n)
		for _, every := range everies {
			for _, rt := range runTimes {
				for _, tz := range []float64{0, -5, 9.5} {
					for _, first := range []bool{true, false} {
						task := models.Task{RunEvery: every, RunTime: rt, TimezoneUTCOffset: tz}
						got, err := NextRunDate(&task, now, first)
						if err != nil || got == nil {
							t.Fatalf("NextRunDate(%+v, %s, %v) = %v, %v", task, n, first, got, err)
						}
						if !got.After(now) {
							t.Errorf("NextRunDate(%q, runTime %q, tz %v, first %v) at %s = %v, not after now",
								every, rt, tz, first, n, got)
						}
					}
				}
			}
		}
	}
}

func TestIsIgnoredDay(t *testing.T) {
	sat := at("2024-01-13T12:00:00Z")
	tests := []struct {
		days []string
		tz   float64
		want bool
	}{
		{[]string{"Saturday"}, 0, true},
		{[]string{"sat"}, 0, true},
		{[]string{"6"}, 0, true},
		{[]string{"sun"}, 0, false},
		{[]string{"sun"}, 13, true},
		{nil, 0, false},
	}
	for _, tt := range tests {
		task := &models.Task{IgnoreDays: tt.days, TimezoneUTCOffset: tt.tz}
		if got := IsIgnoredDay(task, sat); got != tt.want {
			t.Errorf("IsIgnoredDay(%v, tz %v) = %v, want %v", tt.days, tt.tz, got, tt.want)
		}
	}
}

func TestDailyTaskRunsAtRunTime(t *testing.T) {
	s, st, exec, c := newTestScheduler(t, at("2024-01-10T14:00:00Z"))
	ctx := context.Background()

	task, err := s.AddTask(ctx, "checkin", "u1", []models.FlowAction{{Type: models.ActionSendMessage, Text: "hi"}},
		models.TaskOptions{RunEvery: "1 day", RunTime: "09:00"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if !task.NextRunDate.Equal(at("2024-01-11T09:00:00Z")) {
		t.Fatalf("unexpected first run %v", task.NextRunDate)
	}

	c.Set(at("2024-01-11T08:59:00Z"))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(exec.hashes()) != 0 {
		t.Fatalf("task ran early: %v", exec.hashes())
	}

	c.Set(at("2024-01-11T09:00:05Z"))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if diff := cmp.Diff([]string{"checkin"}, exec.hashes()); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	stored, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.NextRunDate.Equal(at("2024-01-12T09:00:00Z")) {
		t.Errorf("expected next run Jan 12 09:00, got %v", stored.NextRunDate)
	}
	if stored.NumRuns != 1 || stored.LockedSinceDate != nil {
		t.Errorf("expected one run and released lease, got %+v", stored)
	}
}

func TestAddTaskValidation(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, at("2024-01-10T14:00:00Z"))
	ctx := context.Background()
	for _, opts := range []models.TaskOptions{
		{},
		{RunEvery: "sometimes"},
	} {
		if _, err := s.AddTask(ctx, "t", "u1", nil, opts, 0); !errors.Is(err, models.ErrInvalidTask) {
			t.Errorf("AddTask(%+v) expected ErrInvalidTask, got %v", opts, err)
		}
	}

	first, err := s.AddTask(ctx, "t", "u1", nil, models.TaskOptions{RunEvery: "1 hour"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	again, err := s.AddTask(ctx, "t", "u1", nil, models.TaskOptions{RunEvery: "2 hours"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if first.ID != again.ID || again.RunEvery != "2 hours" {
		t.Errorf("expected upsert of the same task, got %+v then %+v", first, again)
	}
}

func TestLockedTaskIsSkipped(t *testing.T) {
	reg := metrics.New()
	start := at("2024-01-10T14:00:00Z")
	s, st, exec, _ := newTestScheduler(t, start, WithMetrics(reg))
	ctx := context.Background()
	task, err := s.AddTask(ctx, "t", "u1", nil, models.TaskOptions{NextRunDate: &start, RunEvery: "1 hour"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if ok, err := st.AcquireTaskLease(ctx, task.ID, start.Add(-10*time.Second)); err != nil || !ok {
		t.Fatalf("AcquireTaskLease = %v, %v", ok, err)
	}

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(exec.hashes()) != 0 {
		t.Errorf("locked task ran: %v", exec.hashes())
	}
	expected := `
# HELP flowpipe_scheduler_tasks_total Scheduled task handling by result
# TYPE flowpipe_scheduler_tasks_total counter
flowpipe_scheduler_tasks_total{result="skipped_locked"} 1
`
	if err := promtest.GatherAndCompare(reg.Registry(), strings.NewReader(expected), "flowpipe_scheduler_tasks_total"); err != nil {
		t.Error(err)
	}
}

func TestMaxRunsDeletesTask(t *testing.T) {
	start := at("2024-01-10T14:00:00Z")
	s, st, exec, c := newTestScheduler(t, start)
	ctx := context.Background()
	task, err := s.AddTask(ctx, "twice", "u1", nil, models.TaskOptions{NextRunDate: &start, RunEvery: "1 hour", MaxRuns: 2}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	for i := range 3 {
		c.Set(start.Add(time.Duration(i) * time.Hour))
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
	if diff := cmp.Diff([]string{"twice", "twice"}, exec.hashes()); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	if _, err := st.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected task deleted after max runs, got %v", err)
	}
}

func TestOneShotTaskIsDeletedAfterRun(t *testing.T) {
	start := at("2024-01-10T14:00:00Z")
	s, st, exec, _ := newTestScheduler(t, start)
	ctx := context.Background()
	if _, err := s.AddTask(ctx, "once", "u1", nil, models.TaskOptions{NextRunDate: &start}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	tasks, _ := st.FindTasksForUser(ctx, "u1")
	if len(exec.hashes()) != 1 || len(tasks) != 0 {
		t.Errorf("expected one run and no remaining task, ran %v, left %d", exec.hashes(), len(tasks))
	}
}

func TestIgnoredDayPostponesWithoutRunning(t *testing.T) {
	sat := at("2024-01-13T09:00:00Z")
	s, st, exec, _ := newTestScheduler(t, sat)
	ctx := context.Background()
	task, err := s.AddTask(ctx, "weekday", "u1", nil,
		models.TaskOptions{NextRunDate: &sat, RunEvery: "1 day", RunTime: "09:00", IgnoreDays: []string{"sat", "sun"}}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(exec.hashes()) != 0 {
		t.Errorf("task ran on an ignored day")
	}
	stored, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.NextRunDate.Equal(at("2024-01-14T09:00:00Z")) || stored.NumRuns != 0 {
		t.Errorf("expected postponed to Sunday without a run, got %+v", stored)
	}
}

func TestFailingTaskDoesNotBlockOthers(t *testing.T) {
	start := at("2024-01-10T14:00:00Z")
	s, st, exec, _ := newTestScheduler(t, start)
	exec.fail = map[string]bool{"bad": true}
	ctx := context.Background()
	earlier := start.Add(-time.Minute)
	bad, err := s.AddTask(ctx, "bad", "u1", nil, models.TaskOptions{NextRunDate: &earlier, RunEvery: "1 day"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if _, err := s.AddTask(ctx, "good", "u2", nil, models.TaskOptions{NextRunDate: &start}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if diff := cmp.Diff([]string{"bad", "good"}, exec.hashes()); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}
	stored, err := st.GetTask(ctx, bad.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if stored.LockedSinceDate != nil || !stored.NextRunDate.After(start) {
		t.Errorf("failed recurring task should be released and advanced, got %+v", stored)
	}
}

func TestConcurrentTaskAdvancesBeforeRunning(t *testing.T) {
	start := at("2024-01-10T14:00:00Z")
	s, st, _, _ := newTestScheduler(t, start)
	ctx := context.Background()
	task, err := s.AddTask(ctx, "c", "u1", nil, models.TaskOptions{NextRunDate: &start, RunEvery: "1 hour", AllowConcurrent: true}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	var seen *models.Task
	s.SetExecutor(executorFunc(func(ctx context.Context, _ *models.Task) (models.Outcome, error) {
		seen, _ = st.GetTask(ctx, task.ID)
		return models.Continue(), nil
	}))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if seen == nil || !seen.NextRunDate.Equal(start.Add(time.Hour)) || seen.LockedSinceDate != nil || seen.NumRuns != 1 {
		t.Errorf("expected advanced unlocked task during execution, got %+v", seen)
	}
}

type executorFunc func(ctx context.Context, task *models.Task) (models.Outcome, error)

func (f executorFunc) ExecuteTaskActions(ctx context.Context, task *models.Task) (models.Outcome, error) {
	return f(ctx, task)
}

func TestLeaseUsesStartOfEachTask(t *testing.T) {
	start := at("2024-01-10T14:00:00Z")
	s, st, _, clock := newTestScheduler(t, start)
	ctx := context.Background()
	earlier := start.Add(-time.Minute)
	if _, err := s.AddTask(ctx, "slow", "u1", nil, models.TaskOptions{NextRunDate: &earlier}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	second, err := s.AddTask(ctx, "second", "u2", nil, models.TaskOptions{NextRunDate: &start, RunEvery: "1 day"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	var locked *time.Time
	s.SetExecutor(executorFunc(func(ctx context.Context, task *models.Task) (models.Outcome, error) {
		switch task.Hash {
		case "slow":
			clock.Advance(50 * time.Second)
		case "second":
			stored, err := st.GetTask(ctx, second.ID)
			if err == nil {
				locked = stored.LockedSinceDate
			}
		}
		return models.Continue(), nil
	}))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if want := start.Add(50 * time.Second); locked == nil || !locked.Equal(want) {
		t.Errorf("expected second task leased at %v, got %v", want, locked)
	}
	stored, err := st.GetTask(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.NextRunDate.After(start.Add(50 * time.Second)) {
		t.Errorf("expected next run after the task started, got %v", stored.NextRunDate)
	}
}

func TestTaskReRegisteredDuringRunIsKept(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		start := at("2024-01-10T14:00:00Z")
		s, st, _, _ := newTestScheduler(t, start)
		ctx := context.Background()
		if _, err := s.AddTask(ctx, "remind", "u1", nil, models.TaskOptions{NextRunDate: &start, AllowConcurrent: concurrent}, 0); err != nil {
			t.Fatalf("AddTask failed: %v", err)
		}

		later := start.Add(2 * time.Hour)
		s.SetExecutor(executorFunc(func(ctx context.Context, task *models.Task) (models.Outcome, error) {
			_, err := s.AddTask(ctx, task.Hash, task.UserID, nil, models.TaskOptions{NextRunDate: &later, AllowConcurrent: concurrent}, 0)
			return models.Continue(), err
		}))
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}

		tasks, err := st.FindTasksForUser(ctx, "u1")
		if err != nil {
			t.Fatalf("FindTasksForUser failed: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("concurrent=%v: expected the re-registered task to remain, got %d tasks", concurrent, len(tasks))
		}
		if got := tasks[0]; !got.NextRunDate.Equal(later) || got.LockedSinceDate != nil {
			t.Errorf("concurrent=%v: expected unlocked task due at %v, got %+v", concurrent, later, got)
		}
	}
}

func TestRescheduleOnProfileRefresh(t *testing.T) {
	s, st, _, _ := newTestScheduler(t, at("2024-01-10T14:00:00Z"))
	ctx := context.Background()
	task, err := s.AddTask(ctx, "checkin", "u1", nil, models.TaskOptions{RunEvery: "1 day", RunTime: "09:00"}, 0)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	bus := events.NewBus()
	s.RescheduleOnProfileRefresh(bus)
	bus.Publish(ctx, events.ProfileRefreshed, "u1", map[string]any{
		"oldTimezoneUtcOffset": 0.0,
		"newTimezoneUtcOffset": 2.0,
	})

	stored, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if !stored.NextRunDate.Equal(at("2024-01-11T07:00:00Z")) || stored.TimezoneUTCOffset != 2 {
		t.Errorf("expected 09:00 local at +2, got %v offset %v", stored.NextRunDate, stored.TimezoneUTCOffset)
	}
}

func TestRemoveAllTasksForUser(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, at("2024-01-10T14:00:00Z"))
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := s.AddTask(ctx, id, "u1", nil, models.TaskOptions{RunEvery: "1 day"}, 0); err != nil {
			t.Fatalf("AddTask failed: %v", err)
		}
	}
	if _, err := s.AddTask(ctx, "a", "u2", nil, models.TaskOptions{RunEvery: "1 day"}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.RemoveAllTasksForUser(ctx, "u1"); err != nil {
		t.Fatalf("RemoveAllTasksForUser failed: %v", err)
	}
	left, _ := s.TasksForUser(ctx, "u1")
	other, _ := s.TasksForUser(ctx, "u2")
	if len(left) != 0 || len(other) != 1 {
		t.Errorf("expected only u2's task left, got %d and %d", len(left), len(other))
	}
}

type countingLeader struct {
	mu       sync.Mutex
	leader   bool
	released bool
}

func (l *countingLeader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader, nil
}

func (l *countingLeader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func TestRunTicksUntilCancelled(t *testing.T) {
	now := time.Now().UTC()
	leader := &countingLeader{leader: true}
	st := store.NewInMemoryStore()
	s := New(st, WithInterval(time.Second), WithLeader(leader))
	exec := &recordingExecutor{ranCh: make(chan struct{}, 1)}
	s.SetExecutor(exec)
	due := now.Add(-time.Minute)
	if _, err := s.AddTask(context.Background(), "due", "u1", nil, models.TaskOptions{NextRunDate: &due}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-exec.ranCh:
	case <-time.After(5 * time.Second):
		t.Error("task did not run")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	leader.mu.Lock()
	defer leader.mu.Unlock()
	if !leader.released {
		t.Error("expected leader lock released on shutdown")
	}
}

func TestNonLeaderDoesNotTick(t *testing.T) {
	start := at("2024-01-10T14:00:00Z")
	s, _, exec, _ := newTestScheduler(t, start, WithLeader(&countingLeader{leader: false}))
	if _, err := s.AddTask(context.Background(), "t", "u1", nil, models.TaskOptions{NextRunDate: &start}, 0); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	s.tickAsLeader(context.Background())
	if len(exec.hashes()) != 0 {
		t.Errorf("non-leader ran tasks: %v", exec.hashes())
	}
}
