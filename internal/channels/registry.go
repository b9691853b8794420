package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/store"
)

// MetadataRecorder is the slice of the state store the registry needs to
// record metadata-sync bookkeeping.
type MetadataRecorder interface {
	StoreChatMetadata(jid, name, lastMessageTime, channel string, isGroup bool) error
}

// Registry holds the ordered set of transport adapters and routes JIDs
// to the adapter that owns them.
type Registry struct {
	mu       sync.RWMutex
	order    []Channel
	byName   map[string]Channel
	recorder MetadataRecorder
}

// NewRegistry creates an empty registry. The recorder may be nil in tests.
func NewRegistry(recorder MetadataRecorder) *Registry {
	return &Registry{
		byName:   make(map[string]Channel),
		recorder: recorder,
	}
}

// Register appends an adapter. Duplicate names are rejected.
func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[ch.Name()]; exists {
		return fmt.Errorf("channel %q already registered", ch.Name())
	}
	r.byName[ch.Name()] = ch
	r.order = append(r.order, ch)
	return nil
}

// Channels returns the adapters in registration order.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, len(r.order))
	copy(out, r.order)
	return out
}

// ConnectAll starts every adapter. A failing adapter is logged, not fatal;
// its reconnect loop keeps trying.
func (r *Registry) ConnectAll(ctx context.Context) {
	for _, ch := range r.Channels() {
		slog.Info("connecting channel", "channel", ch.Name())
		if err := ch.Connect(ctx); err != nil {
			slog.Error("channel connect failed", "channel", ch.Name(), "error", err)
		}
	}
}

// DisconnectAll stops every adapter.
func (r *Registry) DisconnectAll() {
	for _, ch := range r.Channels() {
		slog.Info("disconnecting channel", "channel", ch.Name())
		if err := ch.Disconnect(); err != nil {
			slog.Error("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}

// FindByJID returns the first adapter claiming ownership of jid.
func (r *Registry) FindByJID(jid string) Channel {
	for _, ch := range r.Channels() {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// FindConnectedByJID returns the first connected adapter owning jid.
func (r *Registry) FindConnectedByJID(jid string) Channel {
	for _, ch := range r.Channels() {
		if ch.OwnsJID(jid) && ch.IsConnected() {
			return ch
		}
	}
	return nil
}

// SendMessage is the formatted-send path: when no connected adapter owns
// the JID the message is logged and dropped.
func (r *Registry) SendMessage(ctx context.Context, jid, text string) {
	ch := r.FindConnectedByJID(jid)
	if ch == nil {
		slog.Warn("dropping outbound message, no connected channel", "jid", jid)
		return
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		slog.Error("outbound send failed", "channel", ch.Name(), "jid", jid, "error", err)
	}
}

// SendRaw is the raw-send path: callers that must know about delivery
// failure get a NoChannelError instead of a silent drop.
func (r *Registry) SendRaw(ctx context.Context, jid, text string) error {
	ch := r.FindConnectedByJID(jid)
	if ch == nil {
		return &NoChannelError{JID: jid}
	}
	return ch.SendMessage(ctx, jid, text)
}

// SetTyping toggles the typing indicator where the owning adapter
// supports it. Best effort.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) {
	ch := r.FindConnectedByJID(jid)
	if ch == nil {
		return
	}
	if tc, ok := ch.(TypingChannel); ok {
		if err := tc.SetTyping(ctx, jid, typing); err != nil {
			slog.Debug("set typing failed", "channel", ch.Name(), "jid", jid, "error", err)
		}
	}
}

// SyncAllMetadata fans syncMetadata out to every adapter that supports
// it, then records the sync moment on the synthetic group-sync chat row.
func (r *Registry) SyncAllMetadata(ctx context.Context, force bool) {
	for _, ch := range r.Channels() {
		ms, ok := ch.(MetadataSyncer)
		if !ok {
			continue
		}
		if err := ms.SyncMetadata(ctx, force); err != nil {
			slog.Warn("metadata sync failed", "channel", ch.Name(), "error", err)
		}
	}
	if r.recorder != nil {
		now := time.Now().UTC().Format(store.TimestampLayout)
		if err := r.recorder.StoreChatMetadata(config.GroupSyncJID, "", now, "", false); err != nil {
			slog.Warn("failed to record group sync time", "error", err)
		}
	}
}
