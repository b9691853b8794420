package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/scheduler"
	"github.com/nextlevelbuilder/g2/internal/store"
)

// IpcHandlerError is a structured handler failure. The dispatcher logs
// it at warn level with the details bag and quarantines the file instead
// of crashing the watcher.
type IpcHandlerError struct {
	Command string
	Reason  string
	Details map[string]any
}

func (e *IpcHandlerError) Error() string {
	return fmt.Sprintf("ipc %s: %s", e.Command, e.Reason)
}

func handlerErr(command, reason string, details map[string]any) *IpcHandlerError {
	return &IpcHandlerError{Command: command, Reason: reason, Details: details}
}

// Store is the slice of the state store the handlers need.
type Store interface {
	RegisterGroup(g store.RegisteredGroup) error
	GetRegisteredGroupByFolder(folder string) (*store.RegisteredGroup, error)
	CreateTask(t store.ScheduledTask) error
	GetTask(id string) (*store.ScheduledTask, error)
	SetTaskStatus(id, status string) error
	SetTaskNextRun(id string, nextRun *string) error
	DeleteTask(id string) error
	GetSession(folder string) (string, error)
	SetSession(folder, sessionID string) error
	DeleteSession(folder string) error
	ArchiveSession(a store.ArchivedSession) (int64, error)
	GetArchivedSession(id int64) (*store.ArchivedSession, error)
	SearchArchivedSessions(folder, query string) ([]store.ArchivedSession, error)
	DeleteArchivedSession(id int64) error
}

// Groups resolves a chat JID to its registered group and signals map
// rebuilds after registration changes.
type Groups interface {
	GroupByJID(jid string) *store.RegisteredGroup
	ReloadGroups() error
}

// Sender delivers raw outbound text.
type Sender interface {
	SendMessage(ctx context.Context, jid, text string)
}

// MetadataSyncer forces a metadata sync across all adapters.
type MetadataSyncer interface {
	SyncAllMetadata(ctx context.Context, force bool)
}

// StdinCloser ends a live container's input stream.
type StdinCloser interface {
	CloseStdin(jid string) error
}

// Workspace prepares a group's on-disk layout.
type Workspace interface {
	Prepare(group *store.RegisteredGroup, isMain bool) error
}

// Handlers executes the closed set of IPC commands.
type Handlers struct {
	store     Store
	groups    Groups
	sender    Sender
	syncer    MetadataSyncer
	closer    StdinCloser
	workspace Workspace
	cfg       *config.Config
}

// NewHandlers wires the command handlers.
func NewHandlers(st Store, groups Groups, sender Sender, syncer MetadataSyncer, closer StdinCloser, workspace Workspace, cfg *config.Config) *Handlers {
	return &Handlers{
		store:     st,
		groups:    groups,
		sender:    sender,
		syncer:    syncer,
		closer:    closer,
		workspace: workspace,
		cfg:       cfg,
	}
}

// command is the envelope every task file carries.
type command struct {
	Type string `json:"type"`

	// register_group
	JID             string                 `json:"jid,omitempty"`
	Name            string                 `json:"name,omitempty"`
	Folder          string                 `json:"folder,omitempty"`
	Trigger         string                 `json:"trigger,omitempty"`
	RequiresTrigger *bool                  `json:"requiresTrigger,omitempty"`
	Channel         string                 `json:"channel,omitempty"`
	ContainerConfig *store.ContainerConfig `json:"containerConfig,omitempty"`

	// schedule_task / manage-task
	TaskID        string `json:"taskId,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`
	TargetFolder  string `json:"targetFolder,omitempty"`

	// session commands
	Archive     *bool  `json:"archive,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	ArchiveID   int64  `json:"archiveId,omitempty"`
	Query       string `json:"query,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

// Dispatch runs one parsed task-file command under the source's policy.
func (h *Handlers) Dispatch(ctx context.Context, policy AuthorizationPolicy, cmd command) error {
	switch cmd.Type {
	case "register_group":
		return h.registerGroup(policy, cmd)
	case "refresh_groups":
		return h.refreshGroups(ctx, policy, cmd)
	case "schedule_task":
		return h.scheduleTask(policy, cmd)
	case "pause_task":
		return h.setTaskStatus(policy, cmd, store.TaskStatusPaused)
	case "resume_task":
		return h.resumeTask(policy, cmd)
	case "cancel_task":
		return h.cancelTask(policy, cmd)
	case "clear_session":
		return h.clearSession(policy, cmd)
	case "resume_session":
		return h.resumeSession(policy, cmd)
	case "search_sessions":
		return h.searchSessions(policy, cmd)
	case "archive_session":
		return h.archiveSession(policy, cmd)
	default:
		slog.Warn("unknown ipc command dropped", "type", cmd.Type, "source", policy.SourceGroup)
		return nil
	}
}

func (h *Handlers) registerGroup(policy AuthorizationPolicy, cmd command) error {
	if !policy.CanRegisterGroup() {
		slog.Warn("unauthorized register_group attempt", "source", policy.SourceGroup)
		return nil
	}
	if cmd.JID == "" || cmd.Folder == "" {
		return handlerErr("register_group", "jid and folder are required",
			map[string]any{"jid": cmd.JID, "folder": cmd.Folder})
	}
	requires := true
	if cmd.RequiresTrigger != nil {
		requires = *cmd.RequiresTrigger
	}
	g := store.RegisteredGroup{
		JID:             cmd.JID,
		Name:            cmd.Name,
		Folder:          cmd.Folder,
		Trigger:         cmd.Trigger,
		RequiresTrigger: requires,
		AddedAt:         time.Now().UTC().Format(store.TimestampLayout),
		Channel:         cmd.Channel,
		ContainerConfig: cmd.ContainerConfig,
	}
	if err := h.store.RegisterGroup(g); err != nil {
		return handlerErr("register_group", err.Error(), map[string]any{"jid": cmd.JID})
	}
	if err := h.workspace.Prepare(&g, g.Folder == config.MainGroupFolder); err != nil {
		return handlerErr("register_group", err.Error(), map[string]any{"folder": cmd.Folder})
	}
	if err := h.groups.ReloadGroups(); err != nil {
		slog.Error("group reload failed after registration", "error", err)
	}
	slog.Info("group registered", "jid", cmd.JID, "folder", cmd.Folder)
	return nil
}

func (h *Handlers) refreshGroups(ctx context.Context, policy AuthorizationPolicy, cmd command) error {
	if !policy.CanRefreshGroups() {
		slog.Warn("unauthorized refresh_groups attempt", "source", policy.SourceGroup)
		return nil
	}
	h.syncer.SyncAllMetadata(ctx, true)
	return nil
}

func (h *Handlers) scheduleTask(policy AuthorizationPolicy, cmd command) error {
	target := cmd.TargetFolder
	if target == "" {
		target = policy.SourceGroup
	}
	if !policy.CanScheduleTask(target) {
		slog.Warn("unauthorized schedule_task attempt", "source", policy.SourceGroup, "target", target)
		return nil
	}
	if err := scheduler.ValidateSchedule(cmd.ScheduleType, cmd.ScheduleValue); err != nil {
		return handlerErr("schedule_task", err.Error(),
			map[string]any{"scheduleType": cmd.ScheduleType, "scheduleValue": cmd.ScheduleValue})
	}
	group, err := h.store.GetRegisteredGroupByFolder(target)
	if err != nil {
		return handlerErr("schedule_task", err.Error(), map[string]any{"folder": target})
	}
	if group == nil {
		return handlerErr("schedule_task", "target folder is not registered",
			map[string]any{"folder": target})
	}

	contextMode := cmd.ContextMode
	if contextMode == "" {
		contextMode = store.ContextModeGroup
	}
	now := time.Now()
	nextRun, err := firstRun(cmd.ScheduleType, cmd.ScheduleValue, now, h.cfg.Timezone)
	if err != nil {
		return handlerErr("schedule_task", err.Error(), map[string]any{"scheduleValue": cmd.ScheduleValue})
	}

	task := store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   target,
		ChatJID:       group.JID,
		Prompt:        cmd.Prompt,
		ScheduleType:  cmd.ScheduleType,
		ScheduleValue: cmd.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       nextRun,
		Status:        store.TaskStatusActive,
		CreatedAt:     now.UTC().Format(store.TimestampLayout),
	}
	if err := h.store.CreateTask(task); err != nil {
		return handlerErr("schedule_task", err.Error(), map[string]any{"taskId": task.ID})
	}
	slog.Info("task scheduled", "task_id", task.ID, "folder", target, "type", cmd.ScheduleType)
	return nil
}

// firstRun computes the initial next_run. Once-tasks fire at their
// literal timestamp rather than having no occurrence.
func firstRun(scheduleType, scheduleValue string, now time.Time, tz *time.Location) (*string, error) {
	if scheduleType == store.ScheduleOnce {
		ts, err := parseOnceValue(scheduleValue)
		if err != nil {
			return nil, err
		}
		return &ts, nil
	}
	return scheduler.NextRun(scheduleType, scheduleValue, now, tz)
}

func parseOnceValue(v string) (string, error) {
	if t, err := time.Parse(store.TimestampLayout, v); err == nil {
		return t.UTC().Format(store.TimestampLayout), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(store.TimestampLayout), nil
	}
	return "", fmt.Errorf("once value %q is not a timestamp", v)
}

func (h *Handlers) lookupTask(cmdName string, policy AuthorizationPolicy, id string) (*store.ScheduledTask, error) {
	if id == "" {
		return nil, handlerErr(cmdName, "taskId is required", nil)
	}
	task, err := h.store.GetTask(id)
	if err != nil {
		return nil, handlerErr(cmdName, err.Error(), map[string]any{"taskId": id})
	}
	if task == nil {
		return nil, handlerErr(cmdName, "no such task", map[string]any{"taskId": id})
	}
	if !policy.CanManageTask(task.GroupFolder) {
		slog.Warn("unauthorized task management attempt",
			"command", cmdName, "source", policy.SourceGroup, "task_id", id)
		return nil, nil
	}
	return task, nil
}

func (h *Handlers) setTaskStatus(policy AuthorizationPolicy, cmd command, status string) error {
	task, err := h.lookupTask(cmd.Type, policy, cmd.TaskID)
	if task == nil || err != nil {
		return err
	}
	if err := h.store.SetTaskStatus(task.ID, status); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"taskId": task.ID})
	}
	return nil
}

func (h *Handlers) resumeTask(policy AuthorizationPolicy, cmd command) error {
	task, err := h.lookupTask(cmd.Type, policy, cmd.TaskID)
	if task == nil || err != nil {
		return err
	}
	if err := h.store.SetTaskStatus(task.ID, store.TaskStatusActive); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"taskId": task.ID})
	}
	if task.NextRun == nil {
		// The pause happened after a claim; recompute so the task is
		// eligible again.
		next, err := scheduler.NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), h.cfg.Timezone)
		if err != nil {
			return handlerErr(cmd.Type, err.Error(), map[string]any{"taskId": task.ID})
		}
		if err := h.store.SetTaskNextRun(task.ID, next); err != nil {
			return handlerErr(cmd.Type, err.Error(), map[string]any{"taskId": task.ID})
		}
	}
	return nil
}

func (h *Handlers) cancelTask(policy AuthorizationPolicy, cmd command) error {
	task, err := h.lookupTask(cmd.Type, policy, cmd.TaskID)
	if task == nil || err != nil {
		return err
	}
	if err := h.store.DeleteTask(task.ID); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"taskId": task.ID})
	}
	slog.Info("task cancelled", "task_id", task.ID)
	return nil
}

// clearSession drops the source group's active session, optionally
// archiving it first, and closes stdin on the owning JID so a live
// container winds down.
func (h *Handlers) clearSession(policy AuthorizationPolicy, cmd command) error {
	folder := policy.SourceGroup
	sessionID, err := h.store.GetSession(folder)
	if err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
	}
	if sessionID != "" && cmd.Archive != nil && *cmd.Archive {
		if _, err := h.store.ArchiveSession(store.ArchivedSession{
			GroupFolder: folder,
			SessionID:   sessionID,
			Name:        cmd.SessionName,
			ArchivedAt:  time.Now().UTC().Format(store.TimestampLayout),
		}); err != nil {
			return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
		}
	}
	if err := h.store.DeleteSession(folder); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
	}
	h.closeOwningStdin(folder)
	slog.Info("session cleared", "folder", folder, "archived", cmd.Archive != nil && *cmd.Archive)
	return nil
}

// resumeSession swaps the active session for an archived one: archive
// the current session if present, activate the target, delete its
// archive row and close stdin so the next run picks it up.
func (h *Handlers) resumeSession(policy AuthorizationPolicy, cmd command) error {
	folder := policy.SourceGroup
	archived, err := h.store.GetArchivedSession(cmd.ArchiveID)
	if err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"archiveId": cmd.ArchiveID})
	}
	if archived == nil {
		return handlerErr(cmd.Type, "no such archive", map[string]any{"archiveId": cmd.ArchiveID})
	}
	if !policy.CanManageSession(archived.GroupFolder) {
		slog.Warn("unauthorized resume_session attempt",
			"source", policy.SourceGroup, "archive_id", cmd.ArchiveID)
		return nil
	}

	current, err := h.store.GetSession(folder)
	if err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
	}
	if current != "" {
		if _, err := h.store.ArchiveSession(store.ArchivedSession{
			GroupFolder: folder,
			SessionID:   current,
			Name:        cmd.SessionName,
			ArchivedAt:  time.Now().UTC().Format(store.TimestampLayout),
		}); err != nil {
			return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
		}
	}
	if err := h.store.SetSession(folder, archived.SessionID); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
	}
	if err := h.store.DeleteArchivedSession(archived.ID); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"archiveId": archived.ID})
	}
	h.closeOwningStdin(folder)
	slog.Info("session resumed", "folder", folder, "session_id", archived.SessionID)
	return nil
}

// searchSessions writes the archive search result to the group's
// responses directory under the supplied request id.
func (h *Handlers) searchSessions(policy AuthorizationPolicy, cmd command) error {
	folder := policy.SourceGroup
	if cmd.RequestID == "" {
		return handlerErr(cmd.Type, "requestId is required", nil)
	}
	matches, err := h.store.SearchArchivedSessions(folder, cmd.Query)
	if err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"query": cmd.Query})
	}
	results := make([]map[string]any, 0, len(matches))
	for _, a := range matches {
		results = append(results, map[string]any{
			"id":         a.ID,
			"sessionId":  a.SessionID,
			"name":       a.Name,
			"archivedAt": a.ArchivedAt,
		})
	}
	return h.writeResponse(folder, cmd.RequestID, map[string]any{
		"requestId": cmd.RequestID,
		"results":   results,
	})
}

func (h *Handlers) archiveSession(policy AuthorizationPolicy, cmd command) error {
	folder := policy.SourceGroup
	sessionID, err := h.store.GetSession(folder)
	if err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
	}
	if sessionID == "" {
		return handlerErr(cmd.Type, "no active session to archive", map[string]any{"folder": folder})
	}
	if _, err := h.store.ArchiveSession(store.ArchivedSession{
		GroupFolder: folder,
		SessionID:   sessionID,
		Name:        cmd.SessionName,
		ArchivedAt:  time.Now().UTC().Format(store.TimestampLayout),
	}); err != nil {
		return handlerErr(cmd.Type, err.Error(), map[string]any{"folder": folder})
	}
	slog.Info("session archived", "folder", folder, "name", cmd.SessionName)
	return nil
}

// closeOwningStdin ends stdin on the JID whose group owns folder.
func (h *Handlers) closeOwningStdin(folder string) {
	group, err := h.store.GetRegisteredGroupByFolder(folder)
	if err != nil || group == nil {
		return
	}
	if err := h.closer.CloseStdin(group.JID); err != nil {
		slog.Warn("close stdin failed", "jid", group.JID, "error", err)
	}
}

// writeResponse publishes a response file atomically so the in-container
// reader never sees a torn write.
func (h *Handlers) writeResponse(folder, requestID string, v any) error {
	dir := filepath.Join(h.cfg.IPCDir(), folder, "responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return handlerErr("response", err.Error(), map[string]any{"folder": folder})
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return handlerErr("response", err.Error(), map[string]any{"requestId": requestID})
	}
	path := filepath.Join(dir, requestID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return handlerErr("response", err.Error(), map[string]any{"requestId": requestID})
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return handlerErr("response", err.Error(), map[string]any{"requestId": requestID})
	}
	return nil
}
