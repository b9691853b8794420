// Package orchestrator is the composition root: it wires the store, the
// transports, the queue, the pipeline, the scheduler and the IPC watcher
// together, owns the registered-groups cache and runs the lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nextlevelbuilder/g2/internal/agent"
	"github.com/nextlevelbuilder/g2/internal/channels"
	"github.com/nextlevelbuilder/g2/internal/channels/telegram"
	"github.com/nextlevelbuilder/g2/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/ipc"
	"github.com/nextlevelbuilder/g2/internal/pipeline"
	"github.com/nextlevelbuilder/g2/internal/queue"
	"github.com/nextlevelbuilder/g2/internal/scheduler"
	"github.com/nextlevelbuilder/g2/internal/store"
)

const shutdownBudget = 10 * time.Second

// Orchestrator owns every subsystem and the registered-groups cache.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	runtime   *container.Runtime
	registry  *channels.Registry
	queue     *queue.GroupQueue
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	watcher   *ipc.Watcher

	mu     sync.RWMutex
	groups map[string]*store.RegisteredGroup // jid → group
}

// New builds the full object graph. The store must already be reachable;
// a failure here is a startup failure.
func New(cfg *config.Config) (*Orchestrator, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt := container.NewRuntime(os.Getenv("CONTAINER_RUNTIME"))
	mounts := container.NewMountBuilder(cfg.ProjectRoot, cfg.SessionsDir(), cfg.IPCDir(), cfg.MountAllowlistPath)
	runner := container.NewRunner(rt, mounts, cfg)
	exec := agent.New(st, runner, cfg)
	q := queue.New(cfg.IPCDir(), cfg.MaxConcurrentContainers, rt)
	registry := channels.NewRegistry(st)

	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		runtime:  rt,
		registry: registry,
		queue:    q,
		groups:   make(map[string]*store.RegisteredGroup),
	}

	p, err := pipeline.New(st, o, q, exec, registry, cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	o.pipeline = p
	q.SetMessageProcessor(p.ProcessGroupMessages)

	o.scheduler = scheduler.New(st, q, exec, registry, cfg)

	handlers := ipc.NewHandlers(st, o, registry, registry, q, mounts, cfg)
	o.watcher = ipc.NewWatcher(cfg, handlers, o, registry)

	if err := o.buildChannels(); err != nil {
		st.Close()
		return nil, err
	}
	return o, nil
}

// buildChannels registers every transport adapter the environment
// configures. Running with no adapters is allowed; the scheduler and
// IPC still work.
func (o *Orchestrator) buildChannels() error {
	if url := os.Getenv("WHATSAPP_BRIDGE_URL"); url != "" {
		ch, err := whatsapp.New(whatsapp.Config{BridgeURL: url}, o.onMessage, o.onChatMetadata)
		if err != nil {
			return fmt.Errorf("whatsapp channel: %w", err)
		}
		if err := o.registry.Register(ch); err != nil {
			return err
		}
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		ch, err := telegram.New(telegram.Config{Token: token}, o.onMessage, o.onChatMetadata)
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		if err := o.registry.Register(ch); err != nil {
			return err
		}
	}
	if len(o.registry.Channels()) == 0 {
		slog.Warn("no transport adapters configured")
	}
	return nil
}

// onChatMetadata records chat metadata for every observed message. This
// is how unregistered groups become discoverable.
func (o *Orchestrator) onChatMetadata(jid, timestamp string, name *string, channel *string, isGroup *bool) {
	var nameV, channelV string
	var isGroupV bool
	if name != nil {
		nameV = *name
	}
	if channel != nil {
		channelV = *channel
	}
	if isGroup != nil {
		isGroupV = *isGroup
	}
	if err := o.store.StoreChatMetadata(jid, nameV, timestamp, channelV, isGroupV); err != nil {
		slog.Error("chat metadata store failed", "jid", jid, "error", err)
	}
}

// onMessage persists inbound traffic for registered chats. The pipeline
// picks rows up on its next tick.
func (o *Orchestrator) onMessage(jid string, msg channels.NewMessage) {
	if o.GroupByJID(jid) == nil {
		return
	}
	if err := o.store.StoreMessage(store.Message{
		ID:           msg.ID,
		ChatJID:      jid,
		Sender:       msg.Sender,
		SenderName:   msg.SenderName,
		Content:      msg.Content,
		Timestamp:    msg.Timestamp,
		IsFromMe:     msg.IsFromMe,
		IsBotMessage: msg.IsFromMe && !o.cfg.AssistantHasOwnNumber,
	}); err != nil {
		slog.Error("message store failed", "jid", jid, "error", err)
	}
}

// GroupByJID returns the registered group for a JID, nil when absent.
func (o *Orchestrator) GroupByJID(jid string) *store.RegisteredGroup {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.groups[jid]
}

// RegisteredJIDs returns every registered chat JID.
func (o *Orchestrator) RegisteredJIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	jids := make([]string, 0, len(o.groups))
	for jid := range o.groups {
		jids = append(jids, jid)
	}
	return jids
}

// ReloadGroups rebuilds the in-memory group cache from the store.
func (o *Orchestrator) ReloadGroups() error {
	groups, err := o.store.GetRegisteredGroups()
	if err != nil {
		return err
	}
	next := make(map[string]*store.RegisteredGroup, len(groups))
	for i := range groups {
		next[groups[i].JID] = &groups[i]
	}
	o.mu.Lock()
	o.groups = next
	o.mu.Unlock()
	slog.Info("registered groups loaded", "count", len(next))
	return nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (o *Orchestrator) Run(ctx context.Context) error {
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	err := o.runtime.EnsureRunning(startCtx)
	cancelStart()
	if err != nil {
		return err
	}
	o.runtime.CleanupOrphans(ctx)

	if err := o.ReloadGroups(); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	o.registry.ConnectAll(ctx)
	o.pipeline.Recover()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); o.pipeline.Run(loopCtx) }()
	go func() { defer wg.Done(); o.scheduler.Run(loopCtx) }()
	go func() { defer wg.Done(); o.watcher.Run(loopCtx) }()

	slog.Info("orchestrator running",
		"assistant", o.cfg.AssistantName,
		"data_dir", o.cfg.DataDir,
		"channels", len(o.registry.Channels()))

	<-ctx.Done()
	slog.Info("shutting down")

	cancelLoops()
	wg.Wait()
	o.queue.Shutdown(shutdownBudget)
	o.registry.DisconnectAll()
	if err := o.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	return nil
}
