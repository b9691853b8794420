// Package agent adapts a registered group plus a prompt into a
// container run: it writes the pre-spawn snapshot files the agent reads,
// resolves the session to resume and threads session-id updates back
// into the store while the container is still running.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/store"
)

// Store is the slice of the state store the executor needs.
type Store interface {
	GetSession(folder string) (string, error)
	SetSession(folder, sessionID string) error
	GetTasksForFolder(folder string) ([]store.ScheduledTask, error)
	GetTasks() ([]store.ScheduledTask, error)
	ListGroupChats(excludeJID string) ([]store.Chat, error)
	ListArchivedSessions(folder string) ([]store.ArchivedSession, error)
}

// Runner runs one container to completion.
type Runner interface {
	Run(ctx context.Context, group *store.RegisteredGroup, in container.RunInput, onProcess container.OnProcess, onOutput container.OnOutput) *container.Output
}

// Executor is the agent invocation front end.
type Executor struct {
	store  Store
	runner Runner
	cfg    *config.Config
}

// New wires the executor.
func New(st Store, runner Runner, cfg *config.Config) *Executor {
	return &Executor{store: st, runner: runner, cfg: cfg}
}

// Request describes one agent execution.
type Request struct {
	Group           *store.RegisteredGroup
	Prompt          string
	ChatJID         string
	IsScheduledTask bool

	// SessionOverride forces a session id; "" means use the group's
	// active session. NoSession starts a fresh conversation regardless.
	SessionOverride string
	NoSession       bool
}

// Execute runs the agent for a group and returns the final outcome.
// onOutput, when non-nil, receives every streamed frame in order after
// any session-id it carries has been persisted.
func (e *Executor) Execute(ctx context.Context, req Request, onProcess container.OnProcess, onOutput container.OnOutput) *container.Output {
	folder := req.Group.Folder
	isMain := folder == config.MainGroupFolder

	if err := e.writeSnapshots(folder, isMain); err != nil {
		slog.Warn("snapshot write failed", "folder", folder, "error", err)
	}

	sessionID := req.SessionOverride
	if sessionID == "" && !req.NoSession {
		var err error
		sessionID, err = e.store.GetSession(folder)
		if err != nil {
			slog.Warn("session lookup failed, starting fresh", "folder", folder, "error", err)
		}
	}

	wrapped := onOutput
	if onOutput != nil || !req.NoSession {
		wrapped = func(frame container.OutputFrame) {
			// Persist before delivering so a crash mid-stream never
			// loses the session id.
			if frame.NewSessionID != "" && !req.NoSession {
				if err := e.store.SetSession(folder, frame.NewSessionID); err != nil {
					slog.Error("session write-through failed", "folder", folder, "error", err)
				}
			}
			if onOutput != nil {
				onOutput(frame)
			}
		}
	}

	out := e.runner.Run(ctx, req.Group, container.RunInput{
		Prompt:          req.Prompt,
		SessionID:       sessionID,
		GroupFolder:     folder,
		ChatJID:         req.ChatJID,
		IsMain:          isMain,
		IsScheduledTask: req.IsScheduledTask,
	}, onProcess, wrapped)

	if out.NewSessionID != "" && !req.NoSession {
		if err := e.store.SetSession(folder, out.NewSessionID); err != nil {
			slog.Error("final session update failed", "folder", folder, "error", err)
		}
	}
	return out
}

// writeSnapshots publishes the agent's read-only view: its task list,
// the available groups (empty for non-main) and the archive index.
func (e *Executor) writeSnapshots(folder string, isMain bool) error {
	dir := filepath.Join(e.cfg.IPCDir(), folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}

	if err := e.WriteTaskSnapshot(folder, isMain); err != nil {
		return err
	}

	groups := []map[string]any{}
	if isMain {
		chats, err := e.store.ListGroupChats(config.GroupSyncJID)
		if err != nil {
			return err
		}
		for _, c := range chats {
			groups = append(groups, map[string]any{
				"jid":             c.JID,
				"name":            c.Name,
				"channel":         c.Channel,
				"lastMessageTime": c.LastMessageTime,
			})
		}
	}
	if err := writeJSONAtomic(filepath.Join(dir, "available_groups.json"), groups); err != nil {
		return err
	}

	archives, err := e.store.ListArchivedSessions(folder)
	if err != nil {
		return err
	}
	index := make([]map[string]any, 0, len(archives))
	for _, a := range archives {
		index = append(index, map[string]any{
			"id":         a.ID,
			"sessionId":  a.SessionID,
			"name":       a.Name,
			"archivedAt": a.ArchivedAt,
		})
	}
	return writeJSONAtomic(filepath.Join(dir, "session_history.json"), index)
}

// WriteTaskSnapshot refreshes current_tasks.json for a group. Main sees
// every task; other groups only their own.
func (e *Executor) WriteTaskSnapshot(folder string, isMain bool) error {
	var (
		tasks []store.ScheduledTask
		err   error
	)
	if isMain {
		tasks, err = e.store.GetTasks()
	} else {
		tasks, err = e.store.GetTasksForFolder(folder)
	}
	if err != nil {
		return err
	}

	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":            t.ID,
			"groupFolder":   t.GroupFolder,
			"prompt":        t.Prompt,
			"scheduleType":  t.ScheduleType,
			"scheduleValue": t.ScheduleValue,
			"contextMode":   t.ContextMode,
			"nextRun":       t.NextRun,
			"lastRun":       t.LastRun,
			"status":        t.Status,
		})
	}
	path := filepath.Join(e.cfg.IPCDir(), folder, "current_tasks.json")
	return writeJSONAtomic(path, out)
}

// writeJSONAtomic publishes a snapshot with tmp+rename so a container
// reading mid-write never sees a torn file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	return nil
}
