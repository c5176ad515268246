// Package composer – settings_sqlite.go implements the SQLite-backed
// settings store. It owns its database file under the data directory and
// is a drop-in replacement for the in-memory store.
package composer

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// settingsSchema is the DDL for the settings database.
const settingsSchema = `
CREATE TABLE IF NOT EXISTS conversation_priorities (
    conversation_id TEXT PRIMARY KEY,
    priority        INTEGER NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS restart_log (
    id               TEXT PRIMARY KEY,
    conversation_id  TEXT NOT NULL,
    occurred_at      TEXT NOT NULL,
    estimated_tokens INTEGER NOT NULL,
    context_window   INTEGER NOT NULL,
    message_count    INTEGER NOT NULL,
    summary_source   TEXT NOT NULL,
    summary_chars    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_restart_log_conversation
    ON restart_log(conversation_id, occurred_at);
`

// SQLiteSettings stores settings in dataDir/settings.db.
type SQLiteSettings struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// OpenSQLiteSettings opens (or creates) the settings database.
func OpenSQLiteSettings(dataDir string, logger *slog.Logger) (*SQLiteSettings, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "settings.db")

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping settings database: %w", err)
	}
	if _, err := db.Exec(settingsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings schema: %w", err)
	}
	if err := os.Chmod(dbPath, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set settings database permissions: %w", err)
	}

	return &SQLiteSettings{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "settings"),
	}, nil
}

// Path returns the database file path.
func (s *SQLiteSettings) Path() string { return s.dbPath }

// SavePriority implements SettingsStore.
func (s *SQLiteSettings) SavePriority(conversationID string, priority int) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conversation_priorities (conversation_id, priority, updated_at)
		VALUES (?, ?, ?)`,
		conversationID,
		ClampPriority(priority),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Error("failed to save priority", "conversation", conversationID, "err", err)
		return fmt.Errorf("save priority: %w", err)
	}
	return nil
}

// LoadPriorities implements SettingsStore.
func (s *SQLiteSettings) LoadPriorities() (map[string]int, error) {
	rows, err := s.db.Query("SELECT conversation_id, priority FROM conversation_priorities")
	if err != nil {
		return nil, fmt.Errorf("load priorities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			id string
			p  int
		)
		if err := rows.Scan(&id, &p); err != nil {
			return nil, fmt.Errorf("scan priority: %w", err)
		}
		out[id] = ClampPriority(p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate priorities: %w", err)
	}
	return out, nil
}

// RecordRestart implements SettingsStore.
func (s *SQLiteSettings) RecordRestart(rec RestartRecord) error {
	rec = normalizeRestart(rec)
	_, err := s.db.Exec(`
		INSERT INTO restart_log
			(id, conversation_id, occurred_at, estimated_tokens, context_window,
			 message_count, summary_source, summary_chars)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.ConversationID,
		rec.OccurredAt.UTC().Format(time.RFC3339),
		rec.EstimatedTokens,
		rec.ContextWindow,
		rec.MessageCount,
		rec.SummarySource,
		rec.SummaryChars,
	)
	if err != nil {
		s.logger.Error("failed to record restart", "conversation", rec.ConversationID, "err", err)
		return fmt.Errorf("record restart: %w", err)
	}
	return nil
}

// RestartHistory implements SettingsStore.
func (s *SQLiteSettings) RestartHistory(conversationID string, limit int) ([]RestartRecord, error) {
	query := `
		SELECT id, conversation_id, occurred_at, estimated_tokens, context_window,
		       message_count, summary_source, summary_chars
		FROM restart_log
		WHERE conversation_id = ?
		ORDER BY occurred_at DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load restart history: %w", err)
	}
	defer rows.Close()

	var out []RestartRecord
	for rows.Next() {
		var (
			rec        RestartRecord
			occurredAt string
		)
		if err := rows.Scan(
			&rec.ID, &rec.ConversationID, &occurredAt, &rec.EstimatedTokens,
			&rec.ContextWindow, &rec.MessageCount, &rec.SummarySource, &rec.SummaryChars,
		); err != nil {
			return nil, fmt.Errorf("scan restart record: %w", err)
		}
		rec.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restart history: %w", err)
	}
	return out, nil
}

// PruneRestarts implements SettingsStore.
func (s *SQLiteSettings) PruneRestarts(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM restart_log WHERE occurred_at < ?",
		olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("prune restart log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune restart log count: %w", err)
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteSettings) Close() error {
	return s.db.Close()
}
