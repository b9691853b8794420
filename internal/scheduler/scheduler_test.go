package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/g2/internal/agent"
	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/queue"
	"github.com/nextlevelbuilder/g2/internal/store"
)

type nullSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *nullSender) SendMessage(_ context.Context, jid, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []container.RunInput
	frames []container.OutputFrame
	ran    chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, _ *store.RegisteredGroup, in container.RunInput, _ container.OnProcess, onOutput container.OnOutput) *container.Output {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	for _, f := range r.frames {
		if onOutput != nil {
			onOutput(f)
		}
	}
	if r.ran != nil {
		r.ran <- struct{}{}
	}
	return &container.Output{Status: "success"}
}

func newScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeRunner, *nullSender) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	runner := &fakeRunner{ran: make(chan struct{}, 4)}
	exec := agent.New(st, runner, cfg)
	q := queue.New(cfg.IPCDir(), 2, nil)
	t.Cleanup(func() { q.Shutdown(time.Second) })
	sender := &nullSender{}

	return New(st, q, exec, sender, cfg), st, runner, sender
}

func registerGroup(t *testing.T, st *store.Store, jid, folder string) {
	t.Helper()
	if err := st.RegisterGroup(store.RegisteredGroup{
		JID: jid, Name: folder, Folder: folder,
		AddedAt: "2025-01-01T00:00:00.000Z", Channel: "whatsapp",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestOnceTaskRunsExactlyOnceAndCompletes(t *testing.T) {
	s, st, runner, _ := newScheduler(t)
	registerGroup(t, st, "g@g.us", "other")

	due := "2025-06-01T00:00:00.000Z"
	if err := st.CreateTask(store.ScheduledTask{
		ID: "t1", GroupFolder: "other", ChatJID: "g@g.us",
		Prompt: "do the thing", ScheduleType: store.ScheduleOnce,
		ScheduleValue: due, ContextMode: store.ContextModeGroup,
		NextRun: &due, Status: store.TaskStatusActive,
		CreatedAt: "2025-01-01T00:00:00.000Z",
	}); err != nil {
		t.Fatal(err)
	}

	s.Poll(context.Background())
	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	// A second poll must find nothing: next_run was claimed to NULL.
	s.Poll(context.Background())
	time.Sleep(100 * time.Millisecond)
	runner.mu.Lock()
	runs := len(runner.inputs)
	runner.mu.Unlock()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}

	waitFor(t, func() bool {
		task, err := st.GetTask("t1")
		if err != nil || task == nil {
			return false
		}
		return task.Status == store.TaskStatusCompleted && task.NextRun == nil
	})
}

func TestClaimIsAtMostOnce(t *testing.T) {
	_, st, _, _ := newScheduler(t)
	registerGroup(t, st, "g@g.us", "other")

	due := "2025-06-01T00:00:00.000Z"
	if err := st.CreateTask(store.ScheduledTask{
		ID: "t2", GroupFolder: "other", ChatJID: "g@g.us",
		Prompt: "p", ScheduleType: store.ScheduleOnce, ScheduleValue: due,
		ContextMode: store.ContextModeGroup, NextRun: &due,
		Status: store.TaskStatusActive, CreatedAt: due,
	}); err != nil {
		t.Fatal(err)
	}

	wins := 0
	for i := 0; i < 5; i++ {
		ok, err := st.ClaimTask("t2")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("claim wins = %d, want 1", wins)
	}
}

func TestMissingGroupRestoresNextRun(t *testing.T) {
	s, st, runner, _ := newScheduler(t)

	due := "2025-06-01T00:00:00.000Z"
	task := store.ScheduledTask{
		ID: "t3", GroupFolder: "ghost", ChatJID: "x@g.us",
		Prompt: "p", ScheduleType: store.ScheduleOnce, ScheduleValue: due,
		ContextMode: store.ContextModeGroup, NextRun: &due,
		Status: store.TaskStatusActive, CreatedAt: due,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.ClaimTask("t3"); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := s.runTask(context.Background(), task); err == nil {
		t.Fatal("expected error for missing group")
	}

	got, err := st.GetTask("t3")
	if err != nil {
		t.Fatal(err)
	}
	if got.NextRun == nil || *got.NextRun != due {
		t.Fatalf("next_run = %v, want restored to %s", got.NextRun, due)
	}

	logs, err := st.GetTaskRunLogs("t3", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Status != "error" {
		t.Fatalf("run logs = %+v", logs)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.inputs) != 0 {
		t.Fatal("container ran despite missing group")
	}
}

func TestIsolatedTaskGetsNoSession(t *testing.T) {
	s, st, runner, _ := newScheduler(t)
	registerGroup(t, st, "g@g.us", "other")
	if err := st.SetSession("other", "existing-session"); err != nil {
		t.Fatal(err)
	}

	due := "2025-06-01T00:00:00.000Z"
	task := store.ScheduledTask{
		ID: "t4", GroupFolder: "other", ChatJID: "g@g.us",
		Prompt: "p", ScheduleType: store.ScheduleOnce, ScheduleValue: due,
		ContextMode: store.ContextModeIsolated, NextRun: &due,
		Status: store.TaskStatusActive, CreatedAt: due,
	}
	if err := st.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if err := s.runTask(context.Background(), task); err != nil {
		t.Fatalf("run: %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.inputs[0].SessionID != "" {
		t.Fatalf("isolated task got session %q", runner.inputs[0].SessionID)
	}
	if !runner.inputs[0].IsScheduledTask {
		t.Fatal("IsScheduledTask not set")
	}
}

func TestNextRunArithmetic(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(store.ScheduleInterval, "60000", now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if *next != "2025-06-01T12:01:00.000Z" {
		t.Fatalf("interval next = %q", *next)
	}

	next, err = NextRun(store.ScheduleCron, "0 9 * * *", now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if *next != "2025-06-02T09:00:00.000Z" {
		t.Fatalf("cron next = %q", *next)
	}

	next, err = NextRun(store.ScheduleOnce, "whatever", now, time.UTC)
	if err != nil || next != nil {
		t.Fatalf("once next = %v, err = %v", next, err)
	}

	if _, err := NextRun("bogus", "", now, time.UTC); err == nil {
		t.Fatal("expected error for unknown schedule type")
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		typ, val string
		wantErr  bool
	}{
		{store.ScheduleCron, "*/5 * * * *", false},
		{store.ScheduleCron, "not cron", true},
		{store.ScheduleInterval, "1000", false},
		{store.ScheduleInterval, "-5", true},
		{store.ScheduleInterval, "soon", true},
		{store.ScheduleOnce, "2025-06-01T00:00:00.000Z", false},
		{store.ScheduleOnce, "2025-06-01T00:00:00Z", false},
		{store.ScheduleOnce, "tomorrow", true},
		{"bogus", "x", true},
	}
	for _, tc := range tests {
		err := ValidateSchedule(tc.typ, tc.val)
		if tc.wantErr && err == nil {
			t.Errorf("ValidateSchedule(%q, %q) = nil, want error", tc.typ, tc.val)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("ValidateSchedule(%q, %q) = %v", tc.typ, tc.val, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
