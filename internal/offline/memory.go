package offline

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryQueue is an in-process Queue for tests and for running without a
// writable data directory. Nothing survives a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	records []json.RawMessage
	closed  bool
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Append(_ context.Context, payload []byte) error {
	line, err := compact(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.records = append(q.records, line)
	return nil
}

func (q *MemoryQueue) Replay(ctx context.Context, send BatchSender) (ReplayResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ReplayResult{}, ErrClosed
	}
	if len(q.records) == 0 {
		return ReplayResult{}, nil
	}

	batch := append([]json.RawMessage(nil), q.records...)
	verdict, err := send(ctx, batch)
	result := ReplayResult{Sent: len(batch), Verdict: verdict}
	if verdict.clears() {
		q.records = nil
		result.Cleared = true
	}
	return result, err
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records), nil
}

// Records returns a copy of the buffered records.
func (q *MemoryQueue) Records() []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]json.RawMessage(nil), q.records...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
