package chatfixture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/kuitang/chatverify/internal/errs"
	"github.com/kuitang/chatverify/internal/tokens"
)

// SQLiteDriverName is the fixture's SQLite driver with the token_count() SQL function.
const SQLiteDriverName = "sqlite3_chatfixture"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("token_count", tokens.Count, true); err != nil {
				return fmt.Errorf("register token_count SQL function: %w", err)
			}
			if _, err := conn.Exec("PRAGMA foreign_keys = ON", nil); err != nil {
				return fmt.Errorf("enable foreign keys: %w", err)
			}
			return nil
		},
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT    NOT NULL,
	token_total INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	sender     TEXT    NOT NULL,
	message    TEXT    NOT NULL,
	tokens     INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);
`

// Message senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Chat is one chat session.
type Chat struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	TokenTotal int       `json:"token_total"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is one stored chat message.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists chats and messages in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open(SQLiteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping chat database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChat starts a new chat session.
func (s *Store) CreateChat(ctx context.Context) (Chat, error) {
	now := s.now().UTC()
	name := "Chat " + now.Format("2006-01-02 15:04:05")
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (name, created_at) VALUES (?, ?)`,
		name, now.UnixNano(),
	)
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Chat{}, fmt.Errorf("chat id: %w", err)
	}
	return Chat{ID: id, Name: name, CreatedAt: time.Unix(0, now.UnixNano()).UTC()}, nil
}

// GetChat returns the chat with id or an errs.NotFound error.
func (s *Store) GetChat(ctx context.Context, id int64) (Chat, error) {
	var (
		c       Chat
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_total, created_at FROM chat_sessions WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.TokenTotal, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, errs.New(errs.NotFound, fmt.Sprintf("chat %d not found", id))
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat %d: %w", id, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	return c, nil
}

// ListChats returns all chats, newest first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, token_total, created_at FROM chat_sessions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var (
			c       Chat
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.TokenTotal, &created); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, fmt.Sprintf("chat %d not found", id))
	}
	return nil
}

// AddMessage stores a message; its token count is computed in SQL.
func (s *Store) AddMessage(ctx context.Context, chatID int64, sender, text string) (Message, error) {
	if sender != SenderUser && sender != SenderAssistant {
		return Message{}, errs.New(errs.InvalidArgument, "unknown sender "+sender)
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, errs.New(errs.InvalidArgument, "message is empty")
	}
	now := s.now().UTC().UnixNano()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, sender, message, tokens, created_at)
		 VALUES (?, ?, ?, token_count(?), ?)`,
		chatID, sender, text, text, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return Message{}, errs.New(errs.NotFound, fmt.Sprintf("chat %d not found", chatID))
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("message id: %w", err)
	}

	m := Message{ID: id, ChatID: chatID, Sender: sender, Text: text, CreatedAt: time.Unix(0, now).UTC()}
	if err := s.db.QueryRowContext(ctx, `SELECT tokens FROM chat_messages WHERE id = ?`, id).Scan(&m.Tokens); err != nil {
		return Message{}, fmt.Errorf("read message tokens: %w", err)
	}
	return m, nil
}

// Messages returns a chat's history in send order.
func (s *Store) Messages(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, message, tokens, created_at
		 FROM chat_messages WHERE session_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Text, &m.Tokens, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddTokens adds n to the chat's running total and returns the new total.
func (s *Store) AddTokens(ctx context.Context, chatID int64, n int) (int, error) {
	if n < 0 {
		return 0, errs.New(errs.InvalidArgument, "token delta must not be negative")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin token update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET token_total = token_total + ? WHERE id = ?`, n, chatID)
	if err != nil {
		return 0, fmt.Errorf("update token total: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, errs.New(errs.NotFound, fmt.Sprintf("chat %d not found", chatID))
	}

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT token_total FROM chat_sessions WHERE id = ?`, chatID).Scan(&total); err != nil {
		return 0, fmt.Errorf("read token total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit token update: %w", err)
	}
	return total, nil
}
