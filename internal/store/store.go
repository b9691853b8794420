package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed state store. Safe for concurrent use; sqlite
// serializes writers and the connection pool handles readers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations, presenting a single post-migration view.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storeErr("open", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, storeErr("open", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, storeErr("migrate", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store. Test fixture.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, storeErr("open", err)
	}
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, storeErr("migrate", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreChatMetadata upserts a chat row. Timestamps only ever move forward
// (MAX on upsert) and optional fields never regress to empty (COALESCE of
// the non-empty value).
func (s *Store) StoreChatMetadata(jid, name, lastMessageTime, channel string, isGroup bool) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time, channel, is_group)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time),
			channel = CASE WHEN excluded.channel != '' THEN excluded.channel ELSE chats.channel END,
			is_group = MAX(chats.is_group, excluded.is_group)`,
		jid, name, lastMessageTime, channel, boolToInt(isGroup))
	return storeErr("storeChatMetadata", err)
}

// GetChat returns the chat row for jid, or nil when absent.
func (s *Store) GetChat(jid string) (*Chat, error) {
	row := s.db.QueryRow(`SELECT jid, name, last_message_time, channel, is_group FROM chats WHERE jid = ?`, jid)
	var c Chat
	var isGroup int
	if err := row.Scan(&c.JID, &c.Name, &c.LastMessageTime, &c.Channel, &isGroup); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("getChat", err)
	}
	c.IsGroup = isGroup != 0
	return &c, nil
}

// ListGroupChats returns all group chats, excluding the synthetic
// group-sync row, newest activity first. Used to build the main group's
// available-groups snapshot.
func (s *Store) ListGroupChats(syncJID string) ([]Chat, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, last_message_time, channel, is_group
		FROM chats
		WHERE is_group = 1 AND jid != ?
		ORDER BY last_message_time DESC`, syncJID)
	if err != nil {
		return nil, storeErr("listGroupChats", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var isGroup int
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime, &c.Channel, &isGroup); err != nil {
			return nil, storeErr("listGroupChats", err)
		}
		c.IsGroup = isGroup != 0
		chats = append(chats, c)
	}
	return chats, storeErr("listGroupChats", rows.Err())
}

// StoreMessage upserts a message on (id, chat_jid); re-delivery of the
// same message never duplicates.
func (s *Store) StoreMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, chat_jid) DO UPDATE SET
			sender = excluded.sender,
			sender_name = excluded.sender_name,
			content = excluded.content,
			timestamp = excluded.timestamp,
			is_from_me = excluded.is_from_me,
			is_bot_message = excluded.is_bot_message`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolToInt(m.IsFromMe), boolToInt(m.IsBotMessage))
	return storeErr("storeMessage", err)
}

// GetMessagesSince returns the prompt-eligible messages for one chat
// strictly after sinceTs, ascending. Bot messages and messages prefixed
// with "<botPrefix>:" never appear.
func (s *Store) GetMessagesSince(jid, sinceTs, botPrefix string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0 AND content NOT LIKE ?
		ORDER BY timestamp ASC`,
		jid, sinceTs, botPrefix+":%")
	if err != nil {
		return nil, storeErr("getMessagesSince", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetNewMessages returns prompt-eligible messages across a jid set after
// lastTs, plus the advanced cursor: max(lastTs, observed timestamps).
func (s *Store) GetNewMessages(jids []string, lastTs, botPrefix string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, lastTs, nil
	}

	placeholders := strings.Repeat("?,", len(jids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(jids)+2)
	for _, j := range jids {
		args = append(args, j)
	}
	args = append(args, lastTs, botPrefix+":%")

	rows, err := s.db.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid IN (`+placeholders+`) AND timestamp > ? AND is_bot_message = 0 AND content NOT LIKE ?
		ORDER BY timestamp ASC`, args...)
	if err != nil {
		return nil, "", storeErr("getNewMessages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, "", err
	}

	newTs := lastTs
	for _, m := range msgs {
		if m.Timestamp > newTs {
			newTs = m.Timestamp
		}
	}
	return msgs, newTs, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromMe, bot int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &fromMe, &bot); err != nil {
			return nil, storeErr("scanMessages", err)
		}
		m.IsFromMe = fromMe != 0
		m.IsBotMessage = bot != 0
		msgs = append(msgs, m)
	}
	return msgs, storeErr("scanMessages", rows.Err())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
