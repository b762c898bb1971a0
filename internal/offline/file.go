package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/fakeyudi/codetime/internal/logging"
)

const (
	// FileName is the default offline file name inside the data directory.
	FileName = "data.json"

	lockRetryDelay = 50 * time.Millisecond
	maxRecordSize  = 4 << 20
)

// FileQueue stores one JSON record per line in an append-only file. The
// in-process mutex and the lock file together keep appends and replays
// from interleaving, including across processes sharing the file.
type FileQueue struct {
	path   string
	lock   *flock.Flock
	logger *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewFileQueue returns a FileQueue on path, creating its directory.
func NewFileQueue(path string) (*FileQueue, error) {
	if path == "" {
		return nil, ErrInvalidDSN
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating offline directory: %w", err)
	}
	return &FileQueue{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logging.NewLogger("offline"),
	}, nil
}

// Path returns the offline file path.
func (q *FileQueue) Path() string {
	return q.path
}

func (q *FileQueue) acquire(ctx context.Context) (func(), error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if _, err := q.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("locking offline file: %w", err)
	}
	return func() {
		_ = q.lock.Unlock()
		q.mu.Unlock()
	}, nil
}

// Append writes payload as one line and syncs the file.
func (q *FileQueue) Append(ctx context.Context, payload []byte) error {
	line, err := compact(payload)
	if err != nil {
		return err
	}
	release, err := q.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening offline file: %w", err)
	}
	torn, err := tornTail(f)
	if err != nil {
		f.Close()
		return err
	}
	record := make([]byte, 0, len(line)+2)
	if torn {
		// A crash left a partial last line; end it so this record stays whole.
		record = append(record, '\n')
	}
	record = append(append(record, line...), '\n')
	if _, err := f.Write(record); err != nil {
		f.Close()
		return fmt.Errorf("appending offline record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing offline file: %w", err)
	}
	return f.Close()
}

// tornTail reports whether f is non-empty and does not end with a newline.
func tornTail(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("inspecting offline file: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("reading offline file tail: %w", err)
	}
	return last[0] != '\n', nil
}

// Replay reads every record, sends the valid ones in one batch and removes
// the file when the verdict allows. Corrupt lines are skipped and go away
// with the rest of the file.
func (q *FileQueue) Replay(ctx context.Context, send BatchSender) (ReplayResult, error) {
	release, err := q.acquire(ctx)
	if err != nil {
		return ReplayResult{}, err
	}
	defer release()

	records, skipped, err := q.readLocked()
	if err != nil {
		return ReplayResult{}, err
	}
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
	if err := os.Remove(q.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("removing offline file: %w", err)
	}
	result.Cleared = true
	return result, sendErr
}

// Len returns the number of valid records in the file.
func (q *FileQueue) Len(ctx context.Context) (int, error) {
	release, err := q.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	records, _, err := q.readLocked()
	return len(records), err
}

// Close marks the queue closed. Later calls return ErrClosed.
func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *FileQueue) readLocked() ([]json.RawMessage, int, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading offline file: %w", err)
	}

	var records []json.RawMessage
	skipped := 0
	for i, raw := range bytes.Split(data, []byte{'\n'}) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		logger := q.logger.WithError(ErrCorruptRecord).WithField("line", i+1)
		if len(line) > maxRecordSize {
			skipped++
			logger.WithField("bytes", len(line)).Warn("Skipping oversized offline record")
			continue
		}
		if !json.Valid(line) {
			skipped++
			logger.Warn("Skipping corrupt offline record")
			continue
		}
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	}
	return records, skipped, nil
}
