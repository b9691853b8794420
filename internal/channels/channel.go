// Package channels provides the transport abstraction layer. Adapters
// connect external chat platforms (WhatsApp bridge, Telegram, ...) to the
// host runtime; the registry routes outbound messages to the adapter that
// owns a JID.
package channels

import (
	"context"
	"fmt"
)

// NewMessage is one inbound message delivered by an adapter.
type NewMessage struct {
	ID         string
	Sender     string
	SenderName string
	Content    string
	Timestamp  string // store.TimestampLayout
	IsFromMe   bool
}

// OnMessage receives inbound traffic for registered chats.
type OnMessage func(jid string, msg NewMessage)

// OnChatMetadata receives chat metadata for every observed message,
// registered or not. Unregistered group metadata is how group discovery
// works. name, channel and isGroup are nil when the adapter doesn't know.
type OnChatMetadata func(jid, timestamp string, name *string, channel *string, isGroup *bool)

// Channel is the contract every transport adapter implements.
type Channel interface {
	// Name returns the unique adapter name (e.g. "whatsapp", "telegram").
	Name() string

	// Connect starts the adapter. Non-blocking after setup.
	Connect(ctx context.Context) error

	// Disconnect shuts the adapter down.
	Disconnect() error

	// SendMessage delivers text to a chat.
	SendMessage(ctx context.Context, jid, text string) error

	// IsConnected reports whether the adapter can currently send.
	IsConnected() bool

	// OwnsJID reports whether this adapter routes the given JID
	// (prefix/suffix test, e.g. "@g.us" or "tg:").
	OwnsJID(jid string) bool
}

// TypingChannel is implemented by adapters that can show a typing
// indicator while the agent works.
type TypingChannel interface {
	Channel
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// MetadataSyncer is implemented by adapters that can enumerate their
// chats on demand (group discovery refresh).
type MetadataSyncer interface {
	Channel
	SyncMetadata(ctx context.Context, force bool) error
}

// NoChannelError is returned by the raw-send path when no connected
// adapter owns the target JID.
type NoChannelError struct {
	JID string
}

func (e *NoChannelError) Error() string {
	return fmt.Sprintf("no connected channel owns jid %q", e.JID)
}
