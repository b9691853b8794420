// Package scheduler discovers due scheduled tasks, claims them with the
// store's atomic interlock and runs them through the same per-JID queue
// as inbound messages.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/g2/internal/agent"
	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/format"
	"github.com/nextlevelbuilder/g2/internal/queue"
	"github.com/nextlevelbuilder/g2/internal/store"
)

// Store is the slice of the state store the scheduler needs.
type Store interface {
	GetDueTasks(now string) ([]store.ScheduledTask, error)
	ClaimTask(id string) (bool, error)
	RestoreNextRun(id string, nextRun *string) error
	UpdateTaskAfterRun(id string, nextRun *string, lastRun, lastResult string) error
	AppendTaskRunLog(l store.TaskRunLog) error
	GetRegisteredGroupByFolder(folder string) (*store.RegisteredGroup, error)
}

// Sender delivers formatted task output to the owning chat.
type Sender interface {
	SendMessage(ctx context.Context, jid, text string)
}

// Scheduler polls for due tasks and enqueues their runs.
type Scheduler struct {
	store    Store
	queue    *queue.GroupQueue
	executor *agent.Executor
	sender   Sender
	cfg      *config.Config
}

// New wires the scheduler.
func New(st Store, q *queue.GroupQueue, exec *agent.Executor, sender Sender, cfg *config.Config) *Scheduler {
	return &Scheduler{store: st, queue: q, executor: exec, sender: sender, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims every due task and hands it to the group queue. The claim
// nulls next_run, so a task can never double-fire even with overlapping
// polls.
func (s *Scheduler) Poll(ctx context.Context) {
	now := time.Now().UTC().Format(store.TimestampLayout)
	due, err := s.store.GetDueTasks(now)
	if err != nil {
		slog.Error("due-task query failed", "error", err)
		return
	}
	for _, task := range due {
		claimed, err := s.store.ClaimTask(task.ID)
		if err != nil {
			slog.Error("task claim failed", "task_id", task.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		task := task
		slog.Info("claimed scheduled task", "task_id", task.ID, "folder", task.GroupFolder)
		if err := s.queue.EnqueueTask(task.ChatJID, task.ID, func(runCtx context.Context) error {
			return s.runTask(runCtx, task)
		}); err != nil {
			slog.Error("task enqueue failed, restoring next_run", "task_id", task.ID, "error", err)
			if rerr := s.store.RestoreNextRun(task.ID, task.NextRun); rerr != nil {
				slog.Error("next_run restore failed", "task_id", task.ID, "error", rerr)
			}
		}
	}
}

// runTask executes one claimed task on the queue's worker.
func (s *Scheduler) runTask(ctx context.Context, task store.ScheduledTask) error {
	started := time.Now()
	startedAt := started.UTC().Format(store.TimestampLayout)

	group, err := s.store.GetRegisteredGroupByFolder(task.GroupFolder)
	if err == nil && group == nil {
		err = fmt.Errorf("group folder %q is not registered", task.GroupFolder)
	}
	if err != nil {
		slog.Error("task group lookup failed", "task_id", task.ID, "folder", task.GroupFolder, "error", err)
		s.appendRunLog(task.ID, startedAt, time.Since(started), "error", err.Error())
		// Put the claim back so the next poll can retry once the group
		// reappears.
		if rerr := s.store.RestoreNextRun(task.ID, task.NextRun); rerr != nil {
			slog.Error("next_run restore failed", "task_id", task.ID, "error", rerr)
		}
		return err
	}
	isMain := group.Folder == config.MainGroupFolder

	if err := s.executor.WriteTaskSnapshot(group.Folder, isMain); err != nil {
		slog.Warn("task snapshot refresh failed", "task_id", task.ID, "error", err)
	}

	idle := queue.NewIdleTimer(s.idleTimeout(group), func() {
		if err := s.queue.CloseStdin(task.ChatJID); err != nil {
			slog.Warn("idle close failed", "jid", task.ChatJID, "error", err)
		}
	})
	defer idle.Stop()

	onOutput := func(frame container.OutputFrame) {
		if frame.Result == nil {
			return
		}
		idle.Reset()
		if text := format.Outbound(*frame.Result); text != "" {
			s.sender.SendMessage(ctx, task.ChatJID, text)
		}
	}

	out := s.executor.Execute(ctx, agent.Request{
		Group:           group,
		Prompt:          task.Prompt,
		ChatJID:         task.ChatJID,
		IsScheduledTask: true,
		NoSession:       task.ContextMode == store.ContextModeIsolated,
	}, func(proc *os.Process, containerName string) {
		s.queue.RegisterProcess(task.ChatJID, group.Folder, containerName, proc)
	}, onOutput)
	s.queue.UnregisterProcess(task.ChatJID)
	idle.Stop()

	result := "success"
	if out.Status == "error" {
		result = out.Error
	}
	s.appendRunLog(task.ID, startedAt, time.Since(started), out.Status, result)

	nextRun, err := NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), s.cfg.Timezone)
	if err != nil {
		slog.Error("next occurrence computation failed", "task_id", task.ID, "error", err)
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, nextRun, startedAt, result); err != nil {
		slog.Error("task update after run failed", "task_id", task.ID, "error", err)
	}

	if out.Status == "error" {
		return fmt.Errorf("task %s failed: %s", task.ID, out.Error)
	}
	return nil
}

func (s *Scheduler) appendRunLog(taskID, startedAt string, elapsed time.Duration, status, result string) {
	if err := s.store.AppendTaskRunLog(store.TaskRunLog{
		TaskID:     taskID,
		StartedAt:  startedAt,
		DurationMs: elapsed.Milliseconds(),
		Status:     status,
		Result:     result,
	}); err != nil {
		slog.Error("task run log append failed", "task_id", taskID, "error", err)
	}
}

func (s *Scheduler) idleTimeout(group *store.RegisteredGroup) time.Duration {
	if group.ContainerConfig != nil && group.ContainerConfig.IdleTimeoutMs > 0 {
		return time.Duration(group.ContainerConfig.IdleTimeoutMs) * time.Millisecond
	}
	return s.cfg.IdleTimeout
}

// NextRun computes a task's next occurrence. Cron expressions evaluate
// in the configured timezone; intervals are milliseconds; once-tasks
// have no next occurrence, which completes them in the store.
func NextRun(scheduleType, scheduleValue string, now time.Time, tz *time.Location) (*string, error) {
	switch scheduleType {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(scheduleValue, now.In(tz), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", scheduleValue, err)
		}
		ts := next.UTC().Format(store.TimestampLayout)
		return &ts, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("interval %q is not a positive millisecond count", scheduleValue)
		}
		ts := now.Add(time.Duration(ms) * time.Millisecond).UTC().Format(store.TimestampLayout)
		return &ts, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// ValidateSchedule checks a schedule at creation time.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(scheduleValue) {
			return fmt.Errorf("invalid cron expression %q", scheduleValue)
		}
		return nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval %q must be a positive millisecond count", scheduleValue)
		}
		return nil
	case store.ScheduleOnce:
		if _, err := time.Parse(store.TimestampLayout, scheduleValue); err != nil {
			if _, err2 := time.Parse(time.RFC3339, scheduleValue); err2 != nil {
				return fmt.Errorf("once value %q is not a timestamp", scheduleValue)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}
