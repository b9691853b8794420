// Package telegram connects to Telegram via the Bot API using long
// polling. JIDs are "tg:<chat id>" so the registry can route them.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/g2/internal/channels"
	"github.com/nextlevelbuilder/g2/internal/store"
)

const jidPrefix = "tg:"

// Config holds the bot options.
type Config struct {
	Token string
}

// Channel is the Telegram transport adapter.
type Channel struct {
	bot        *telego.Bot
	onMessage  channels.OnMessage
	onMetadata channels.OnChatMetadata

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	connected  bool
}

// New creates the adapter. Callbacks must be set before Connect.
func New(cfg Config, onMessage channels.OnMessage, onMetadata channels.OnChatMetadata) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:        bot,
		onMessage:  onMessage,
		onMetadata: onMetadata,
	}, nil
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return "telegram" }

// OwnsJID claims the "tg:" namespace.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

// IsConnected implements channels.Channel.
func (c *Channel) IsConnected() bool { return c.connected }

// Connect begins long polling for updates.
func (c *Channel) Connect(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.connected = true
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Disconnect cancels the polling context and waits for the goroutine to
// exit so Telegram releases the getUpdates lock before a restart.
func (c *Channel) Disconnect() error {
	slog.Info("stopping telegram bot")
	c.connected = false

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendMessage implements channels.Channel.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	chatID, err := parseJID(jid)
	if err != nil {
		return err
	}
	_, err = c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// SetTyping implements channels.TypingChannel. Telegram auto-expires the
// indicator after a few seconds; clearing it is a no-op.
func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing {
		return nil
	}
	chatID, err := parseJID(jid)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	})
}

func (c *Channel) handleMessage(msg *telego.Message) {
	jid := jidPrefix + strconv.FormatInt(msg.Chat.ID, 10)
	ts := time.Unix(msg.Date, 0).UTC().Format(store.TimestampLayout)

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	if c.onMetadata != nil {
		var namePtr *string
		if title := chatTitle(msg.Chat); title != "" {
			namePtr = &title
		}
		channel := c.Name()
		c.onMetadata(jid, ts, namePtr, &channel, &isGroup)
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	sender := jid
	senderName := ""
	if msg.From != nil {
		sender = jidPrefix + strconv.FormatInt(msg.From.ID, 10)
		senderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if senderName == "" {
			senderName = msg.From.Username
		}
	}

	if c.onMessage != nil {
		c.onMessage(jid, channels.NewMessage{
			ID:         strconv.Itoa(msg.MessageID),
			Sender:     sender,
			SenderName: senderName,
			Content:    content,
			Timestamp:  ts,
		})
	}
}

func chatTitle(chat telego.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func parseJID(jid string) (int64, error) {
	raw, ok := strings.CutPrefix(jid, jidPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram jid: %q", jid)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram jid %q: %w", jid, err)
	}
	return id, nil
}
