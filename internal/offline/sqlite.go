package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
)

// SQLiteQueue keeps the backlog in a SQLite table. Replay deletes only the
// rows up to the highest id it read, so records appended by another process
// while the batch was in flight survive.
type SQLiteQueue struct {
	db     *sql.DB
	path   string
	logger *logrus.Entry

	mu sync.Mutex
}

// NewSQLiteQueue opens (creating if needed) the database at path.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating offline directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open offline database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS offline_windows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create offline schema: %w", err)
	}

	return &SQLiteQueue{db: db, path: path, logger: logging.NewLogger("offline")}, nil
}

// Path returns the database path.
func (q *SQLiteQueue) Path() string {
	return q.path
}

// Append inserts one record.
func (q *SQLiteQueue) Append(ctx context.Context, payload []byte) error {
	line, err := compact(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO offline_windows (payload, created_at) VALUES (?, ?)`,
		string(line), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("appending offline record: %w", err)
	}
	return nil
}

// Replay sends every row in id order and deletes up to the last id read when
// the verdict allows.
func (q *SQLiteQueue) Replay(ctx context.Context, send BatchSender) (ReplayResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT id, payload FROM offline_windows ORDER BY id`)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("reading offline records: %w", err)
	}
	var (
		records []json.RawMessage
		skipped int
		maxID   int64
	)
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return ReplayResult{}, fmt.Errorf("scanning offline record: %w", err)
		}
		maxID = id
		if !json.Valid([]byte(payload)) {
			skipped++
			q.logger.WithError(ErrCorruptRecord).WithField("id", id).Warn("Skipping corrupt offline record")
			continue
		}
		records = append(records, json.RawMessage(payload))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ReplayResult{}, fmt.Errorf("reading offline records: %w", err)
	}
	rows.Close()

	result := ReplayResult{Skipped: skipped}
	if len(records) == 0 {
		return result, nil
	}

	result.Sent = len(records)
	verdict, sendErr := send(ctx, records)
	result.Verdict = verdict
	if !verdict.clears() {
		return result, sendErr
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM offline_windows WHERE id <= ?`, maxID); err != nil {
		return result, fmt.Errorf("clearing offline records: %w", err)
	}
	result.Cleared = true
	return result, sendErr
}

// Len counts buffered rows.
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_windows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting offline records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
