package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// ErrNoState is returned by Read when no session file exists on disk.
var ErrNoState = errors.New("no session state")

// FileName is the session file name inside the data directory.
const FileName = "session.json"

// Store persists the session object as a single JSON file. Every call
// re-reads the file and writes it back atomically, so several processes
// sharing a data directory observe each other's updates.
type Store struct {
	path   string // full path to session.json
	lock   *flock.Flock
	mu     sync.Mutex
	logger *logrus.Entry

	// corrupt latches the parse warning until the file reads cleanly again.
	corrupt bool
}

// NewStore returns a Store for dir/session.json, creating dir if needed.
func NewStore(dir string, logger *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dir, FileName)
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}, nil
}

// Path returns the session file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the current state. An absent or unreadable file yields an
// empty state.
func (s *Store) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		s.warn(err, "Could not lock session state")
	} else {
		defer s.lock.Unlock()
	}
	return s.readTolerant()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	v, ok := s.Load()[key]
	return v, ok
}

// Set stores value under key. A nil value removes the key.
func (s *Store) Set(key string, value any) error {
	return s.Update(func(st State) error {
		if value == nil {
			delete(st, key)
		} else {
			st[key] = value
		}
		return nil
	})
}

// Update runs fn on the current state and persists the result. Nothing is
// written when fn returns an error.
func (s *Store) Update(fn func(State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock session state: %w", err)
	}
	defer s.lock.Unlock()

	st := s.readTolerant()
	if err := fn(st); err != nil {
		return err
	}
	if err := s.write(st); err != nil {
		return err
	}
	s.corrupt = false
	return nil
}

// Credentials decodes the identity fields of the current state. Fields that
// cannot be decoded are reported once and left at their zero value.
func (s *Store) Credentials() Credentials {
	st := s.Load()
	creds, err := decodeCredentials(st)
	if err != nil {
		s.warn(err, "Could not decode session credentials")
		return Credentials{
			DeviceToken:       stringValue(st[KeyDeviceToken]),
			SessionCredential: stringValue(st[KeyCredential]),
			User:              st[KeyUser],
		}
	}
	return creds
}

// Read reads and unmarshals the session file.
// Returns ErrNoState if the file does not exist.
func (s *Store) Read() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	st := State{}
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	return st, nil
}

func (s *Store) readTolerant() State {
	st, err := s.Read()
	if err != nil {
		if !errors.Is(err, ErrNoState) && !s.corrupt {
			s.corrupt = true
			s.warn(err, "Treating session state as empty")
		}
		return State{}
	}
	s.corrupt = false
	return st
}

// write marshals st to JSON and writes it atomically via a temp file + os.Rename.
func (s *Store) write(st State) (err error) {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	return nil
}

func (s *Store) warn(err error, msg string) {
	if s.logger != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn(msg)
	}
}

func stringValue(v any) string {
	if str, ok := v.(string); ok {
		return str
	}
	return ""
}
