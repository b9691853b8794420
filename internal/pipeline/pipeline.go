// Package pipeline drives inbound messages to agent runs: poll for new
// rows, gate on triggers, pipe into a live container or enqueue a fresh
// one, and keep the two router cursors crash-consistent.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/g2/internal/agent"
	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/format"
	"github.com/nextlevelbuilder/g2/internal/queue"
	"github.com/nextlevelbuilder/g2/internal/store"
)

// Store is the slice of the state store the pipeline needs.
type Store interface {
	GetNewMessages(jids []string, lastTimestamp, botPrefix string) ([]store.Message, string, error)
	GetMessagesSince(jid, sinceTimestamp, botPrefix string) ([]store.Message, error)
	GetRouterState(key string) (string, error)
	SetRouterState(key, value string) error
	GetAgentCursors() (map[string]string, error)
	SetAgentCursors(cursors map[string]string) error
}

// Groups resolves registered groups. Backed by the orchestrator's
// in-memory map, rebuilt from the store on startup.
type Groups interface {
	GroupByJID(jid string) *store.RegisteredGroup
	RegisteredJIDs() []string
}

// Sender is the outbound side: formatted sends plus the typing
// indicator, both best effort.
type Sender interface {
	SendMessage(ctx context.Context, jid, text string)
	SetTyping(ctx context.Context, jid string, typing bool)
}

// Pipeline owns the dedup cursor and the per-group recovery cursors.
type Pipeline struct {
	store    Store
	groups   Groups
	queue    *queue.GroupQueue
	executor *agent.Executor
	sender   Sender
	cfg      *config.Config

	// mu guards the cursors; the poll loop and the queue's workers
	// touch them from different goroutines.
	mu            sync.Mutex
	lastTimestamp string
	agentCursors  map[string]string
}

// New wires the pipeline and loads both cursors from the store.
func New(st Store, groups Groups, q *queue.GroupQueue, exec *agent.Executor, sender Sender, cfg *config.Config) (*Pipeline, error) {
	last, err := st.GetRouterState(store.RouterKeyLastTimestamp)
	if err != nil {
		return nil, err
	}
	cursors, err := st.GetAgentCursors()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		store:         st,
		groups:        groups,
		queue:         q,
		executor:      exec,
		sender:        sender,
		cfg:           cfg,
		lastTimestamp: last,
		agentCursors:  cursors,
	}, nil
}

// Run polls until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				slog.Error("message poll failed", "error", err)
			}
		}
	}
}

// poll is one tick of the ingestion loop.
func (p *Pipeline) poll(ctx context.Context) error {
	jids := p.groups.RegisteredJIDs()
	if len(jids) == 0 {
		return nil
	}

	msgs, newTimestamp, err := p.store.GetNewMessages(jids, p.lastTimestamp, p.cfg.AssistantName)
	if err != nil {
		return err
	}
	if newTimestamp > p.lastTimestamp {
		// Dedup write: persisted regardless of what happens to the
		// batch, so a crash never replays these rows into new prompts.
		if err := p.store.SetRouterState(store.RouterKeyLastTimestamp, newTimestamp); err != nil {
			return err
		}
		p.lastTimestamp = newTimestamp
	}
	if len(msgs) == 0 {
		return nil
	}

	byJID := make(map[string][]store.Message)
	for _, m := range msgs {
		byJID[m.ChatJID] = append(byJID[m.ChatJID], m)
	}

	for jid, batch := range byJID {
		group := p.groups.GroupByJID(jid)
		if group == nil {
			continue
		}
		isMain := group.Folder == config.MainGroupFolder
		if !isMain && !hasTrigger(batch, group) {
			// Not addressed to us. The rows stay in the store as
			// context for a later triggering message.
			continue
		}

		pending, err := p.store.GetMessagesSince(jid, p.agentCursor(jid), p.cfg.AssistantName)
		if err != nil {
			slog.Error("pending fetch failed", "jid", jid, "error", err)
			continue
		}
		if len(pending) == 0 {
			pending = batch
		}

		delivered, err := p.queue.SendMessage(jid, format.Messages(pending))
		if err != nil {
			slog.Warn("pipe to live container failed", "jid", jid, "error", err)
		}
		if delivered && err == nil {
			if err := p.setAgentCursor(jid, pending[len(pending)-1].Timestamp); err != nil {
				slog.Error("cursor persist failed", "jid", jid, "error", err)
			}
			continue
		}
		if err := p.queue.EnqueueMessageCheck(jid); err != nil {
			slog.Error("enqueue message-check failed", "jid", jid, "error", err)
		}
	}
	return nil
}

// ProcessGroupMessages is the queue's message-check runner: collect
// everything past the recovery cursor, run the agent on it and settle
// the cursor according to the outcome.
func (p *Pipeline) ProcessGroupMessages(ctx context.Context, jid string) error {
	group := p.groups.GroupByJID(jid)
	if group == nil {
		return fmt.Errorf("no registered group for %s", jid)
	}

	missed, err := p.store.GetMessagesSince(jid, p.agentCursor(jid), p.cfg.AssistantName)
	if err != nil {
		return err
	}
	if len(missed) == 0 {
		return nil
	}

	previousCursor := p.agentCursor(jid)
	// Pre-advance so the poll loop can't hand the same rows to a second
	// run while this container is working.
	if err := p.setAgentCursor(jid, missed[len(missed)-1].Timestamp); err != nil {
		return err
	}

	idle := queue.NewIdleTimer(p.idleTimeout(group), func() {
		if err := p.queue.CloseStdin(jid); err != nil {
			slog.Warn("idle close failed", "jid", jid, "error", err)
		}
	})
	defer idle.Stop()

	p.sender.SetTyping(ctx, jid, true)
	defer p.sender.SetTyping(ctx, jid, false)

	outputSentToUser := false
	hadError := false
	onOutput := func(frame container.OutputFrame) {
		if frame.Status == "error" {
			hadError = true
		}
		if frame.Result == nil {
			// Session bookkeeping only; the agent is not producing, so
			// the idle clock keeps running.
			return
		}
		idle.Reset()
		if text := format.Outbound(*frame.Result); text != "" {
			p.sender.SendMessage(ctx, jid, text)
			outputSentToUser = true
		}
	}

	out := p.executor.Execute(ctx, agent.Request{
		Group:   group,
		Prompt:  format.Messages(missed),
		ChatJID: jid,
	}, func(proc *os.Process, containerName string) {
		p.queue.RegisterProcess(jid, group.Folder, containerName, proc)
	}, onOutput)
	p.queue.UnregisterProcess(jid)
	idle.Stop()

	if out.Status == "error" || hadError {
		if outputSentToUser {
			// The user already got a reply; a retry would duplicate it.
			slog.Warn("run ended with error after output, keeping cursor",
				"jid", jid, "error", out.Error)
			return nil
		}
		if err := p.setAgentCursor(jid, previousCursor); err != nil {
			slog.Error("cursor rollback failed", "jid", jid, "error", err)
		}
		return fmt.Errorf("agent run failed for %s: %s", jid, out.Error)
	}
	return nil
}

// Recover enqueues a message-check for every group with unprocessed
// messages from before the last shutdown.
func (p *Pipeline) Recover() {
	for _, jid := range p.groups.RegisteredJIDs() {
		group := p.groups.GroupByJID(jid)
		if group == nil {
			continue
		}
		pending, err := p.store.GetMessagesSince(jid, p.agentCursor(jid), p.cfg.AssistantName)
		if err != nil {
			slog.Error("recovery fetch failed", "jid", jid, "error", err)
			continue
		}
		if len(pending) == 0 {
			continue
		}
		if group.Folder != config.MainGroupFolder && !hasTrigger(pending, group) {
			continue
		}
		slog.Info("recovering unprocessed messages", "jid", jid, "count", len(pending))
		if err := p.queue.EnqueueMessageCheck(jid); err != nil {
			slog.Error("recovery enqueue failed", "jid", jid, "error", err)
		}
	}
}

func (p *Pipeline) agentCursor(jid string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentCursors[jid]
}

// setAgentCursor persists the recovery cursor map before updating the
// in-memory view.
func (p *Pipeline) setAgentCursor(jid, ts string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]string, len(p.agentCursors)+1)
	for k, v := range p.agentCursors {
		next[k] = v
	}
	next[jid] = ts
	if err := p.store.SetAgentCursors(next); err != nil {
		return err
	}
	p.agentCursors = next
	return nil
}

func (p *Pipeline) idleTimeout(group *store.RegisteredGroup) time.Duration {
	if group.ContainerConfig != nil && group.ContainerConfig.IdleTimeoutMs > 0 {
		return time.Duration(group.ContainerConfig.IdleTimeoutMs) * time.Millisecond
	}
	return p.cfg.IdleTimeout
}

// hasTrigger reports whether any message in the batch satisfies the
// group's trigger pattern. Groups with requiresTrigger unset default to
// requiring one.
func hasTrigger(msgs []store.Message, group *store.RegisteredGroup) bool {
	if !group.RequiresTrigger {
		return true
	}
	if group.Trigger == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + group.Trigger)
	if err != nil {
		slog.Warn("invalid trigger pattern", "folder", group.Folder, "pattern", group.Trigger, "error", err)
		return false
	}
	for _, m := range msgs {
		if re.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}
