// Package whatsapp connects to a WhatsApp bridge via WebSocket.
// The bridge (whatsapp-web.js based) handles the actual WhatsApp
// protocol; this adapter just sends and receives JSON frames over WS.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/g2/internal/channels"
	"github.com/nextlevelbuilder/g2/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
)

// Config holds the bridge connection options.
type Config struct {
	BridgeURL string
}

// Channel is the WhatsApp transport adapter.
type Channel struct {
	config     Config
	onMessage  channels.OnMessage
	onMetadata channels.OnChatMetadata

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	ctx    context.Context
	cancel context.CancelFunc

	// WhatsApp throttles accounts that blast messages; one send per
	// second with a small burst keeps us under the radar.
	limiter *rate.Limiter
	queue   *channels.OutgoingMessageQueue
}

// New creates the adapter. Callbacks must be set before Connect.
func New(cfg Config, onMessage channels.OnMessage, onMetadata channels.OnChatMetadata) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge url is required")
	}
	return &Channel{
		config:     cfg,
		onMessage:  onMessage,
		onMetadata: onMetadata,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
		queue:      channels.NewOutgoingMessageQueue(),
	}, nil
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return "whatsapp" }

// OwnsJID claims the WhatsApp JID namespaces.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@s.whatsapp.net")
}

// IsConnected implements channels.Channel.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the bridge and starts the listen loop.
func (c *Channel) Connect(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		// Don't fail hard, the reconnect loop keeps trying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()
	return nil
}

// Disconnect shuts the adapter down.
func (c *Channel) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}

// SendMessage delivers text through the bridge, queueing on failure so
// order survives a dropped connection.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	c.queue.Enqueue(jid, text)
	return c.queue.Flush(func(jid, text string) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.writeFrame(map[string]any{
			"type":    "message",
			"to":      jid,
			"content": text,
		})
	})
}

// SetTyping implements channels.TypingChannel.
func (c *Channel) SetTyping(_ context.Context, jid string, typing bool) error {
	return c.writeFrame(map[string]any{
		"type":   "typing",
		"to":     jid,
		"typing": typing,
	})
}

// SyncMetadata implements channels.MetadataSyncer by asking the bridge
// to re-enumerate its chats; results arrive as chat_metadata frames.
func (c *Channel) SyncMetadata(_ context.Context, force bool) error {
	return c.writeFrame(map[string]any{
		"type":  "sync_chats",
		"force": force,
	})
}

func (c *Channel) writeFrame(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp frame: %w", err)
	}
	return nil
}

func (c *Channel) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)

	// Retry anything that piled up while disconnected.
	go func() {
		_ = c.queue.Flush(func(jid, text string) error {
			return c.writeFrame(map[string]any{
				"type":    "message",
				"to":      jid,
				"content": text,
			})
		})
	}()
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.dial(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)

			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal(frame, &msg); err != nil {
			slog.Warn("invalid whatsapp frame JSON", "error", err)
			continue
		}

		switch msgType, _ := msg["type"].(string); msgType {
		case "message":
			c.handleIncomingMessage(msg)
		case "chat_metadata":
			c.handleChatMetadata(msg)
		}
	}
}

// handleIncomingMessage processes a message frame from the bridge.
// Expected format: {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"...","timestamp":"...","from_me":bool}
func (c *Channel) handleIncomingMessage(msg map[string]any) {
	senderID, ok := msg["from"].(string)
	if !ok || senderID == "" {
		return
	}

	chatJID, _ := msg["chat"].(string)
	if chatJID == "" {
		chatJID = senderID
	}

	content, _ := msg["content"].(string)
	messageID, _ := msg["id"].(string)
	senderName, _ := msg["from_name"].(string)
	fromMe, _ := msg["from_me"].(bool)

	ts, _ := msg["timestamp"].(string)
	if ts == "" {
		ts = time.Now().UTC().Format(store.TimestampLayout)
	}

	isGroup := strings.HasSuffix(chatJID, "@g.us")
	chatName, _ := msg["chat_name"].(string)
	if c.onMetadata != nil {
		var namePtr *string
		if chatName != "" {
			namePtr = &chatName
		}
		channel := c.Name()
		c.onMetadata(chatJID, ts, namePtr, &channel, &isGroup)
	}

	if c.onMessage != nil {
		c.onMessage(chatJID, channels.NewMessage{
			ID:         messageID,
			Sender:     senderID,
			SenderName: senderName,
			Content:    content,
			Timestamp:  ts,
			IsFromMe:   fromMe,
		})
	}
}

// handleChatMetadata processes a chat enumeration frame from a sync.
// Expected format: {"type":"chat_metadata","jid":"...","name":"...","is_group":bool,"last_message_time":"..."}
func (c *Channel) handleChatMetadata(msg map[string]any) {
	if c.onMetadata == nil {
		return
	}
	jid, ok := msg["jid"].(string)
	if !ok || jid == "" {
		return
	}
	ts, _ := msg["last_message_time"].(string)
	if ts == "" {
		ts = time.Now().UTC().Format(store.TimestampLayout)
	}
	var namePtr *string
	if name, _ := msg["name"].(string); name != "" {
		namePtr = &name
	}
	isGroup, _ := msg["is_group"].(bool)
	channel := c.Name()
	c.onMetadata(jid, ts, namePtr, &channel, &isGroup)
}
