// Package offline buffers payloads that could not be delivered and replays
// them in a single bulk request once delivery is possible again.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrCorruptRecord marks a buffered record that is not valid JSON.
	ErrCorruptRecord = errors.New("corrupt offline record")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("offline queue closed")

	// ErrInvalidDSN is returned by Open for DSNs without a usable location.
	ErrInvalidDSN = errors.New("invalid offline queue dsn")
)

// Verdict is the remote endpoint's answer to a bulk replay.
type Verdict int

const (
	// VerdictFailed leaves the backlog intact.
	VerdictFailed Verdict = iota
	// VerdictAccepted clears the backlog.
	VerdictAccepted
	// VerdictDeactivated clears the backlog; the account will never accept it.
	VerdictDeactivated
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictDeactivated:
		return "deactivated"
	default:
		return "failed"
	}
}

// clears reports whether the backlog may be dropped after this verdict.
func (v Verdict) clears() bool {
	return v == VerdictAccepted || v == VerdictDeactivated
}

// BatchSender delivers every buffered record in one request.
type BatchSender func(ctx context.Context, records []json.RawMessage) (Verdict, error)

// ReplayResult describes one Replay call.
type ReplayResult struct {
	// Sent is the number of records handed to the sender.
	Sent int
	// Skipped is the number of corrupt records left out of the batch.
	Skipped int
	Verdict Verdict
	// Cleared reports whether the backlog was removed.
	Cleared bool
}

// Queue is a durable append-only buffer of serialized windows.
type Queue interface {
	// Append durably stores one payload. It returns only after the record
	// is on disk.
	Append(ctx context.Context, payload []byte) error
	// Replay sends the whole backlog through send and removes it only when
	// the verdict allows. Appends wait while a replay is in progress.
	Replay(ctx context.Context, send BatchSender) (ReplayResult, error)
	// Len returns the number of buffered records.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Open builds a Queue from a DSN. An empty scheme or file:// selects the
// NDJSON file queue, sqlite:// the SQLite queue and memory:// an in-process
// queue.
func Open(dsn string) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileQueue(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteQueue(path)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported offline queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return raw, nil
	}
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", ErrInvalidDSN
	}
	return path, nil
}

// compact validates payload and strips insignificant whitespace so each
// record fits on a single line.
func compact(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return buf.Bytes(), nil
}
