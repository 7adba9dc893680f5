package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/relay-go/internal/logger"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL,
        content TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, id);`,
}

// SQLiteArchive stores messages in a SQLite database.
type SQLiteArchive struct {
	db  *sql.DB
	now func() time.Time
}

// OpenArchive opens (creating if needed) the SQLite database at path.
func OpenArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create history schema: %w", err)
		}
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	return &SQLiteArchive{db: db, now: time.Now}, nil
}

// Save appends msg to the conversation's archived log.
func (a *SQLiteArchive) Save(ctx context.Context, conversationID string, msg Message) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?,?,?,?);`,
		conversationID, string(msg.Role), msg.Content, a.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest archived messages of a
// conversation in chronological order.
func (a *SQLiteArchive) Recent(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY id DESC LIMIT ?;`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			role   string
			millis int64
		)
		if err := rows.Scan(&r.ID, &r.ConversationID, &role, &r.Content, &millis); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.Role = Role(role)
		r.CreatedAt = time.UnixMilli(millis)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close releases the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
