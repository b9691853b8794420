package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/g2/internal/config"
)

// messageFile is an agent-originated chat send request.
type messageFile struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// Watcher discovers IPC command files two ways at once: a recursive
// fsnotify watch for low latency and a polling loop for platforms where
// the watch silently misses events.
type Watcher struct {
	cfg      *config.Config
	handlers *Handlers
	groups   Groups
	sender   Sender

	processing atomic.Bool
	fsw        *fsnotify.Watcher
}

// NewWatcher wires the watcher.
func NewWatcher(cfg *config.Config, handlers *Handlers, groups Groups, sender Sender) *Watcher {
	return &Watcher{cfg: cfg, handlers: handlers, groups: groups, sender: sender}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	root := w.cfg.IPCDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		slog.Error("ipc root create failed", "error", err)
		return
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify unavailable, falling back to polling only", "error", err)
	} else {
		w.fsw = fsw
		defer fsw.Close()
		w.watchTree(root)
	}

	ticker := time.NewTicker(w.cfg.IPCPollInterval)
	defer ticker.Stop()

	// Catch anything written while the host was down.
	w.ProcessIpcFiles(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessIpcFiles(ctx)
		case event, ok := <-w.events():
			if !ok {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.watchTree(event.Name)
				}
			}
			if strings.HasSuffix(event.Name, ".json") &&
				event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				w.ProcessIpcFiles(ctx)
			}
		case err, ok := <-w.errors():
			if ok && err != nil {
				slog.Debug("fsnotify error", "error", err)
			}
		}
	}
}

func (w *Watcher) events() chan fsnotify.Event {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Events
}

func (w *Watcher) errors() chan error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Errors
}

// watchTree adds root and every directory below it to the watch.
func (w *Watcher) watchTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Debug("watch add failed", "path", path, "error", err)
		}
		return nil
	})
}

// ProcessIpcFiles scans every group's messages/ and tasks/ directories.
// Overlapping invocations coalesce through the processing flag.
func (w *Watcher) ProcessIpcFiles(ctx context.Context) {
	if !w.processing.CompareAndSwap(false, true) {
		return
	}
	defer w.processing.Store(false)

	root := w.cfg.IPCDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		slog.Error("ipc scan failed", "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "errors" {
			continue
		}
		sourceGroup := entry.Name()
		policy := AuthorizationPolicy{
			SourceGroup: sourceGroup,
			IsMain:      sourceGroup == config.MainGroupFolder,
		}
		w.processDir(ctx, filepath.Join(root, sourceGroup, "messages"), sourceGroup, func(path string) error {
			return w.handleMessageFile(ctx, policy, path)
		})
		w.processDir(ctx, filepath.Join(root, sourceGroup, "tasks"), sourceGroup, func(path string) error {
			return w.handleTaskFile(ctx, policy, path)
		})
	}
}

// processDir runs handle on every .json file in dir, unlinking on
// success and quarantining on failure.
func (w *Watcher) processDir(ctx context.Context, dir, sourceGroup string, handle func(path string) error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		if err := handle(path); err != nil {
			var herr *IpcHandlerError
			if errors.As(err, &herr) {
				slog.Warn("ipc handler rejected file",
					"command", herr.Command, "reason", herr.Reason,
					"details", herr.Details, "source", sourceGroup, "file", name)
			} else {
				slog.Error("ipc file processing failed",
					"source", sourceGroup, "file", name, "error", err)
			}
			w.quarantine(path, sourceGroup, name)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("ipc file unlink failed", "file", name, "error", err)
		}
	}
}

// handleMessageFile dispatches one agent chat-send request.
func (w *Watcher) handleMessageFile(ctx context.Context, policy AuthorizationPolicy, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var msg messageFile
	if err := json.Unmarshal(raw, &msg); err != nil {
		return handlerErr("message", "malformed JSON: "+err.Error(), nil)
	}
	if msg.Type != "message" || msg.ChatJID == "" || msg.Text == "" {
		return handlerErr("message", "type, chatJid and text are required",
			map[string]any{"type": msg.Type, "chatJid": msg.ChatJID})
	}

	target := w.groups.GroupByJID(msg.ChatJID)
	targetFolder := ""
	if target != nil {
		targetFolder = target.Folder
	}
	if !policy.CanSendMessage(targetFolder) {
		// Unauthorized attempts are dropped, never surfaced to the agent.
		slog.Warn("unauthorized ipc message dropped",
			"source", policy.SourceGroup, "target_jid", msg.ChatJID)
		return nil
	}
	w.sender.SendMessage(ctx, msg.ChatJID, msg.Text)
	return nil
}

// handleTaskFile dispatches one command file.
func (w *Watcher) handleTaskFile(ctx context.Context, policy AuthorizationPolicy, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return handlerErr("task", "malformed JSON: "+err.Error(), nil)
	}
	return w.handlers.Dispatch(ctx, policy, cmd)
}

// quarantine moves a failed file to ipc/errors/<source>-<file> so it
// stops being retried but stays inspectable.
func (w *Watcher) quarantine(path, sourceGroup, name string) {
	errDir := filepath.Join(w.cfg.IPCDir(), "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		slog.Error("quarantine dir create failed", "error", err)
		return
	}
	dest := filepath.Join(errDir, sourceGroup+"-"+name)
	if err := os.Rename(path, dest); err != nil {
		slog.Error("quarantine failed, removing file", "file", name, "error", err)
		_ = os.Remove(path)
	}
}
